package seen

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"court_spider/internal/fsutil"
	"court_spider/internal/models"

	"github.com/sirupsen/logrus"
)

const checkpointName = "checkpoint.json"

// CheckpointSet takes its keys from the CSV and keeps a JSON checkpoint of
// their outcomes beside it. A retried artifact changes only the checkpoint.
// The checkpoint is saved every CheckpointEvery additions and on Close.
type CheckpointSet struct {
	*memSet
	mu      sync.Mutex
	path    string
	every   int
	pending int
	failed  map[string]bool
	log     logrus.FieldLogger
}

// CheckpointPath places the checkpoint next to the CSV it shadows.
func CheckpointPath(csvPath string) string {
	return strings.TrimSuffix(csvPath, filepath.Ext(csvPath)) + "." + checkpointName
}

// OpenCheckpoint loads the keys of the CSV and applies the checkpoint's
// outcomes to them. Rows written after the last save are still seen, and
// checkpoint keys without a row are dropped.
func OpenCheckpoint(opts Options, log logrus.FieldLogger) (*CheckpointSet, error) {
	path := CheckpointPath(opts.CSVPath)
	cp, err := ReadCheckpoint(path)
	if err != nil {
		return nil, err
	}
	loaded, err := ScanCSV(opts.CSVPath, opts.KeyColumn, opts.StatusColumn)
	if err != nil {
		return nil, err
	}

	var stray int
	for _, k := range cp.DownloadedCases {
		st, ok := loaded[k]
		switch {
		case !ok:
			stray++
		case st.Failed():
			// fetched by a retry after its row was written
			loaded[k] = models.StatusDownloaded
		}
	}
	for _, k := range cp.FailedCases {
		if _, ok := loaded[k]; !ok {
			stray++
		}
	}
	failed := make(map[string]bool)
	for k, st := range loaded {
		if st.Failed() {
			failed[k] = true
		}
	}

	every := opts.CheckpointEvery
	if every <= 0 {
		every = 1
	}
	s := &CheckpointSet{
		memSet: newMemSet(loaded, opts.RetryFailed),
		path:   path,
		every:  every,
		failed: failed,
		log:    log,
	}
	entry := log.WithFields(logrus.Fields{
		"checkpoint": path,
		"loaded":     len(loaded),
		"failed":     len(failed),
		"last_saved": cp.LastSaved,
	})
	if stray > 0 {
		entry.WithField("without_row", stray).Warn("checkpoint lists keys missing from the csv")
	}
	entry.Info("seen set loaded from csv and checkpoint")
	return s, nil
}

// ReadCheckpoint returns an empty checkpoint when path does not exist.
func ReadCheckpoint(path string) (models.Checkpoint, error) {
	var cp models.Checkpoint
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cp, nil
	}
	if err != nil {
		return cp, err
	}
	if err := json.Unmarshal(data, &cp); err != nil {
		return cp, fmt.Errorf("parse %s: %w", path, err)
	}
	return cp, nil
}

func (s *CheckpointSet) Add(key string, status models.ArtifactStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.put(key, status)
	if status.Failed() {
		s.failed[key] = true
	} else {
		delete(s.failed, key)
	}
	s.pending++
	if s.pending >= s.every {
		return s.saveLocked()
	}
	return nil
}

func (s *CheckpointSet) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

func (s *CheckpointSet) saveLocked() error {
	cp := models.Checkpoint{
		DownloadedCases: []string{},
		FailedCases:     []string{},
		LastSaved:       time.Now().UTC(),
	}
	for k := range s.snapshot() {
		if s.failed[k] {
			cp.FailedCases = append(cp.FailedCases, k)
		} else {
			cp.DownloadedCases = append(cp.DownloadedCases, k)
		}
	}
	sort.Strings(cp.DownloadedCases)
	sort.Strings(cp.FailedCases)

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return err
	}
	if err := fsutil.WriteFileAtomic(s.path, data, 0o644); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	s.pending = 0
	s.log.WithFields(logrus.Fields{
		"downloaded": len(cp.DownloadedCases),
		"failed":     len(cp.FailedCases),
	}).Debug("checkpoint saved")
	return nil
}

func (s *CheckpointSet) Close() error {
	return s.Save()
}
