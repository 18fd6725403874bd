package sink

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	ErrHeaderMismatch = errors.New("csv header mismatch")
	ErrCorruptCSV     = errors.New("csv corrupt before its last row")
)

var bom = []byte{0xEF, 0xBB, 0xBF}

// CSVWriter appends rows to one CSV file and syncs after every row, so a
// crash loses at most the row being written.
type CSVWriter struct {
	mu     sync.Mutex
	path   string
	header []string
	f      *os.File
	w      *csv.Writer
}

// OpenCSV opens path for appending. A new file gets the header; an existing
// one must carry the same header and has a torn last row cut off.
func OpenCSV(path string, header []string, log logrus.FieldLogger) (*CSVWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}

	keep, err := repairTail(f, header)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if keep < fi.Size() {
		log.WithFields(logrus.Fields{"csv": path, "dropped_bytes": fi.Size() - keep}).
			Warn("truncating torn last row")
		if err := f.Truncate(keep); err != nil {
			f.Close()
			return nil, err
		}
	}
	if _, err := f.Seek(keep, io.SeekStart); err != nil {
		f.Close()
		return nil, err
	}

	c := &CSVWriter{path: path, header: header, f: f, w: csv.NewWriter(f)}
	if keep == 0 {
		if err := c.writeRow(header); err != nil {
			f.Close()
			return nil, err
		}
	}
	return c, nil
}

// repairTail validates the header and returns the length of the file up to
// the end of its last complete row.
func repairTail(f *os.File, header []string) (int64, error) {
	fi, err := f.Stat()
	if err != nil {
		return 0, err
	}
	size := fi.Size()
	if size == 0 {
		return 0, nil
	}
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, size-1); err != nil {
		return 0, err
	}
	endsClean := last[0] == '\n'
	complete := func(off int64) bool { return off < size || endsClean }

	br := bufio.NewReader(io.NewSectionReader(f, 0, size))
	var offset int64
	if head, _ := br.Peek(len(bom)); string(head) == string(bom) {
		br.Discard(len(bom))
		offset = int64(len(bom))
	}
	r := csv.NewReader(br)
	r.FieldsPerRecord = -1

	got, err := r.Read()
	if err != nil || !complete(offset+r.InputOffset()) {
		if endsClean && err != nil {
			return 0, fmt.Errorf("read header: %w", err)
		}
		// only a partial header was ever written
		return 0, nil
	}
	if !sameHeader(got, header) {
		return 0, fmt.Errorf("%w: file has [%s], want [%s]",
			ErrHeaderMismatch, strings.Join(got, ","), strings.Join(header, ","))
	}

	good := offset + r.InputOffset()
	for {
		row, err := r.Read()
		if err == io.EOF {
			return good, nil
		}
		end := offset + r.InputOffset()
		if err != nil || len(row) != len(header) || !complete(end) {
			if endsClean && end < size {
				return 0, fmt.Errorf("%w: %v", ErrCorruptCSV, err)
			}
			return good, nil
		}
		good = end
	}
}

func sameHeader(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if strings.TrimSpace(got[i]) != want[i] {
			return false
		}
	}
	return true
}

func (c *CSVWriter) writeRow(row []string) error {
	if err := c.w.Write(row); err != nil {
		return err
	}
	c.w.Flush()
	if err := c.w.Error(); err != nil {
		return err
	}
	return c.f.Sync()
}

// Append writes one row and makes it durable before returning.
func (c *CSVWriter) Append(row []string) error {
	if len(row) != len(c.header) {
		return fmt.Errorf("row has %d columns, header has %d", len(row), len(c.header))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.writeRow(row); err != nil {
		return fmt.Errorf("append to %s: %w", c.path, err)
	}
	return nil
}

func (c *CSVWriter) Path() string { return c.path }

func (c *CSVWriter) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.f.Close()
}
