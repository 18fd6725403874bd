// Package sink persists normalized records: one durable CSV row per record,
// plus the referenced document stored under a path derived from the key.
package sink

import (
	"context"
	"time"

	"court_spider/internal/config"
	"court_spider/internal/models"

	"github.com/sirupsen/logrus"
)

// DetailCapturer saves a rendered copy of a record's detail page into dir.
type DetailCapturer interface {
	Capture(ctx context.Context, pageURL, dir string) error
}

type Sink struct {
	cfg      config.SourceConfig
	csv      *CSVWriter
	store    *Store
	resolver *Resolver
	capturer DetailCapturer
	now      func() time.Time
	log      logrus.FieldLogger
}

type Option func(*Sink)

func WithResolver(r *Resolver) Option {
	return func(s *Sink) { s.resolver = r }
}

func WithCapturer(c DetailCapturer) Option {
	return func(s *Sink) { s.capturer = c }
}

func New(cfg config.SourceConfig, csv *CSVWriter, store *Store, log logrus.FieldLogger, opts ...Option) *Sink {
	s := &Sink{
		cfg:   cfg,
		csv:   csv,
		store: store,
		now:   time.Now,
		log:   log.WithField("source", cfg.Name),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Stage resolves, downloads and captures the record's artifacts. It never
// touches the CSV and is safe for concurrent use.
func (s *Sink) Stage(ctx context.Context, rec models.NormalizedRecord) models.PersistResult {
	log := s.log.WithField("key", rec.Key)

	docURL := rec.DocumentURL
	if docURL == "" && s.resolver != nil {
		resolved, err := s.resolver.Resolve(ctx, rec)
		if err != nil {
			log.WithError(err).Warn("document url not resolved")
			return models.PersistResult{Status: models.StatusDownloadError, Err: err}
		}
		docURL = resolved
	}

	res := models.PersistResult{Status: models.StatusNoDocument}
	if docURL != "" {
		res = s.store.Fetch(ctx, rec.Key, docURL)
	}

	if s.capturer != nil {
		if page := rec.Fields[s.cfg.Capture.Field]; page != "" {
			if err := s.capturer.Capture(ctx, page, s.store.KeyDir(rec.Key)); err != nil {
				log.WithError(err).Warn("detail capture failed")
			}
		}
	}
	return res
}

// Commit appends the record's row. It must be called from a single goroutine.
func (s *Sink) Commit(rec models.NormalizedRecord, staged models.PersistResult) (models.PersistResult, error) {
	if err := s.csv.Append(s.row(rec, staged)); err != nil {
		return staged, err
	}
	staged.CSVWritten = true
	return staged, nil
}

func (s *Sink) Persist(ctx context.Context, rec models.NormalizedRecord) (models.PersistResult, error) {
	return s.Commit(rec, s.Stage(ctx, rec))
}

func (s *Sink) row(rec models.NormalizedRecord, res models.PersistResult) []string {
	row := make([]string, 0, len(s.cfg.CSV.Columns)+4)
	for _, col := range s.cfg.CSV.Columns {
		if col == s.cfg.Key.Field {
			row = append(row, rec.Key)
			continue
		}
		row = append(row, rec.Fields[col])
	}
	row = append(row, res.DocumentURL, res.Filename, string(res.Status))
	if s.cfg.CSV.TimestampColumn != "" {
		row = append(row, s.now().UTC().Format(time.RFC3339))
	}
	return row
}

func (s *Sink) Close() error {
	return s.csv.Close()
}
