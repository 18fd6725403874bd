package seen

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"court_spider/internal/fsutil"
	"court_spider/internal/models"

	"github.com/sirupsen/logrus"
)

const (
	logSuffix = ".keys"
	sizeLine  = "#csv_size\t"
)

// LogSet keeps an append-only "key<TAB>status" sidecar next to the CSV so
// large CSVs need not be re-read on every start. The first line records the
// CSV size the sidecar matches; the sidecar is rebuilt from the CSV when the
// size differs or the CSV was modified after it. Close rewrites the sidecar
// against the final CSV size.
type LogSet struct {
	*memSet
	mu      sync.Mutex
	path    string
	csvPath string
	f       *os.File
}

func LogPath(csvPath string) string { return csvPath + logSuffix }

func OpenLog(opts Options, log logrus.FieldLogger) (*LogSet, error) {
	path := LogPath(opts.CSVPath)
	loaded, rebuilt, err := ensureIndex(opts, path)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	s := &LogSet{memSet: newMemSet(loaded, opts.RetryFailed), path: path, csvPath: opts.CSVPath, f: f}
	log.WithFields(logrus.Fields{
		"log":     path,
		"rebuilt": rebuilt,
		"loaded":  s.Len(),
	}).Info("seen set loaded from key log")
	return s, nil
}

func csvSize(path string) (int64, time.Time) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, time.Time{}
	}
	return fi.Size(), fi.ModTime()
}

func ensureIndex(opts Options, path string) (map[string]models.ArtifactStatus, bool, error) {
	size, modTime := csvSize(opts.CSVPath)
	if fi, err := os.Stat(path); err == nil && !modTime.After(fi.ModTime()) {
		loaded, logged, err := readLog(path)
		if err != nil {
			return nil, false, err
		}
		if logged == size {
			return loaded, false, nil
		}
	}

	loaded, err := ScanCSV(opts.CSVPath, opts.KeyColumn, opts.StatusColumn)
	if err != nil {
		return nil, false, err
	}
	if err := writeLog(path, loaded, size); err != nil {
		return nil, false, fmt.Errorf("rebuild %s: %w", path, err)
	}
	return loaded, true, nil
}

// readLog returns the keys of the sidecar and the CSV size it recorded, or
// -1 when it recorded none.
func readLog(path string) (map[string]models.ArtifactStatus, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	out := make(map[string]models.ArtifactStatus)
	size := int64(-1)
	sc := bufio.NewScanner(f)
	for first := true; sc.Scan(); first = false {
		line := strings.TrimSpace(sc.Text())
		if first && strings.HasPrefix(line, sizeLine) {
			if n, err := strconv.ParseInt(strings.TrimPrefix(line, sizeLine), 10, 64); err == nil {
				size = n
			}
			continue
		}
		if line == "" {
			continue
		}
		key, status, _ := strings.Cut(line, "\t")
		if status == "" {
			status = string(models.StatusNoDocument)
		}
		out[key] = models.ArtifactStatus(status)
	}
	return out, size, sc.Err()
}

func writeLog(path string, keys map[string]models.ArtifactStatus, size int64) error {
	sorted := make([]string, 0, len(keys))
	for k := range keys {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)

	var b strings.Builder
	b.WriteString(sizeLine)
	b.WriteString(strconv.FormatInt(size, 10))
	b.WriteByte('\n')
	for _, k := range sorted {
		b.WriteString(k)
		b.WriteByte('\t')
		b.WriteString(string(keys[k]))
		b.WriteByte('\n')
	}
	return fsutil.WriteFileAtomic(path, []byte(b.String()), 0o644)
}

func (s *LogSet) Add(key string, status models.ArtifactStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprintf(s.f, "%s\t%s\n", key, status); err != nil {
		return err
	}
	if err := s.f.Sync(); err != nil {
		return err
	}
	s.put(key, status)
	return nil
}

func (s *LogSet) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.f.Close(); err != nil {
		return err
	}
	size, _ := csvSize(s.csvPath)
	return writeLog(s.path, s.snapshot(), size)
}
