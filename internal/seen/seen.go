// Package seen keeps the set of record keys already written to a source's
// CSV. Exactly one implementation is chosen per deployment.
package seen

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"court_spider/internal/config"
	"court_spider/internal/harvest"
	"court_spider/internal/models"

	"github.com/sirupsen/logrus"
)

type Options struct {
	CSVPath      string
	KeyColumn    string
	StatusColumn string
	// RetryFailed makes keys whose last status was download_error due for
	// one more artifact attempt. Their rows stay as written.
	RetryFailed     bool
	CheckpointEvery int
}

// Open loads the seen set selected by store.
func Open(store string, opts Options, log logrus.FieldLogger) (harvest.SeenSet, error) {
	switch store {
	case config.SeenCSV:
		return LoadCSV(opts, log)
	case config.SeenLog:
		return OpenLog(opts, log)
	case config.SeenCheckpoint:
		return OpenCheckpoint(opts, log)
	default:
		return nil, fmt.Errorf("unknown seen store %q", store)
	}
}

// memSet is the in-memory part every store shares.
type memSet struct {
	mu    sync.RWMutex
	keys  map[string]models.ArtifactStatus
	retry map[string]bool
}

func newMemSet(loaded map[string]models.ArtifactStatus, retryFailed bool) *memSet {
	m := &memSet{
		keys:  make(map[string]models.ArtifactStatus, len(loaded)),
		retry: make(map[string]bool),
	}
	for k, st := range loaded {
		m.keys[k] = st
		if retryFailed && st.Failed() {
			m.retry[k] = true
		}
	}
	return m
}

func (m *memSet) Contains(key string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.keys[key]
	return ok
}

// RetryDue is true once per run for a key loaded with a failed artifact.
func (m *memSet) RetryDue(key string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.retry[key]
}

func (m *memSet) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.keys)
}

func (m *memSet) snapshot() map[string]models.ArtifactStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]models.ArtifactStatus, len(m.keys))
	for k, st := range m.keys {
		out[k] = st
	}
	return out
}

func (m *memSet) put(key string, status models.ArtifactStatus) {
	m.mu.Lock()
	m.keys[key] = status
	delete(m.retry, key)
	m.mu.Unlock()
}

// ScanCSV reads the key and status columns of an existing CSV. The last row
// of a key wins. A missing file yields an empty map.
func ScanCSV(path, keyColumn, statusColumn string) (map[string]models.ArtifactStatus, error) {
	out := make(map[string]models.ArtifactStatus)
	err := walkCSV(path, keyColumn, statusColumn, func(key string, status models.ArtifactStatus) {
		out[key] = status
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// VerifyReport describes the rows of a CSV by key.
type VerifyReport struct {
	Rows       int
	Distinct   int
	Statuses   map[models.ArtifactStatus]int
	Duplicates map[string]int
}

// Verify counts rows, distinct keys and keys that occur more than once.
func Verify(path, keyColumn, statusColumn string) (VerifyReport, error) {
	rep := VerifyReport{Statuses: make(map[models.ArtifactStatus]int), Duplicates: make(map[string]int)}
	counts := make(map[string]int)
	err := walkCSV(path, keyColumn, statusColumn, func(key string, status models.ArtifactStatus) {
		rep.Rows++
		rep.Statuses[status]++
		counts[key]++
	})
	if err != nil {
		return rep, err
	}
	rep.Distinct = len(counts)
	for k, n := range counts {
		if n > 1 {
			rep.Duplicates[k] = n
		}
	}
	return rep, nil
}

func walkCSV(path, keyColumn, statusColumn string, fn func(key string, status models.ArtifactStatus)) error {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	br := bufio.NewReader(f)
	if bom, _ := br.Peek(3); len(bom) == 3 && bom[0] == 0xEF && bom[1] == 0xBB && bom[2] == 0xBF {
		br.Discard(3)
	}
	r := csv.NewReader(br)
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read header of %s: %w", path, err)
	}
	keyIdx, statusIdx := -1, -1
	for i, h := range header {
		switch strings.TrimSpace(h) {
		case keyColumn:
			keyIdx = i
		case statusColumn:
			statusIdx = i
		}
	}
	if keyIdx < 0 {
		return fmt.Errorf("%s has no %q column", path, keyColumn)
	}

	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			// a torn last row is repaired by the writer on open
			break
		}
		if len(row) <= keyIdx {
			continue
		}
		key := strings.TrimSpace(row[keyIdx])
		if key == "" {
			continue
		}
		status := models.StatusNoDocument
		if statusIdx >= 0 && statusIdx < len(row) {
			status = models.ArtifactStatus(strings.TrimSpace(row[statusIdx]))
		}
		fn(key, status)
	}
	return nil
}

// Reset starts the output over: the CSV is moved aside to a timestamped name
// and the log sidecar and checkpoint are removed. Stored artifacts are kept.
func Reset(csvPath string, now time.Time) (string, error) {
	for _, p := range []string{LogPath(csvPath), CheckpointPath(csvPath)} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return "", err
		}
	}
	if _, err := os.Stat(csvPath); os.IsNotExist(err) {
		return "", nil
	}
	ext := filepath.Ext(csvPath)
	moved := fmt.Sprintf("%s.%s%s", strings.TrimSuffix(csvPath, ext), now.UTC().Format("20060102T150405Z"), ext)
	if err := os.Rename(csvPath, moved); err != nil {
		return "", err
	}
	return moved, nil
}
