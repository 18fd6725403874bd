package seen

import (
	"court_spider/internal/models"

	"github.com/sirupsen/logrus"
)

// CSVSet derives the seen keys from the CSV itself. The CSV row is the
// durable record, so Add only updates memory. A retried artifact keeps its
// failed row, and the next run finds the stored file and reports it cached.
type CSVSet struct {
	*memSet
}

func LoadCSV(opts Options, log logrus.FieldLogger) (*CSVSet, error) {
	loaded, err := ScanCSV(opts.CSVPath, opts.KeyColumn, opts.StatusColumn)
	if err != nil {
		return nil, err
	}
	s := &CSVSet{memSet: newMemSet(loaded, opts.RetryFailed)}
	log.WithFields(logrus.Fields{
		"csv":    opts.CSVPath,
		"rows":   len(loaded),
		"loaded": s.Len(),
	}).Info("seen set loaded from csv")
	return s, nil
}

func (s *CSVSet) Add(key string, status models.ArtifactStatus) error {
	s.put(key, status)
	return nil
}

func (s *CSVSet) Close() error { return nil }
