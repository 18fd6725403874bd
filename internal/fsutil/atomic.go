// Package fsutil writes files so that readers only ever see complete content.
package fsutil

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
)

// Pending is a temp file next to its destination. It replaces the
// destination only on Commit.
type Pending struct {
	*os.File
	path      string
	perm      os.FileMode
	committed bool
}

func CreatePending(path string, perm os.FileMode) (*Pending, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return nil, err
	}
	return &Pending{File: tmp, path: path, perm: perm}, nil
}

// Commit syncs the temp file, renames it over the destination and syncs the
// directory entry.
func (p *Pending) Commit() error {
	if err := p.Chmod(p.perm); err != nil {
		return err
	}
	if err := p.Sync(); err != nil {
		return err
	}
	if err := p.File.Close(); err != nil {
		return err
	}
	if err := os.Rename(p.Name(), p.path); err != nil {
		return err
	}
	p.committed = true
	return SyncDir(filepath.Dir(p.path))
}

// Abort removes the temp file unless it was committed. Safe to defer.
func (p *Pending) Abort() {
	if p.committed {
		return
	}
	_ = p.File.Close()
	_ = os.Remove(p.Name())
}

func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	p, err := CreatePending(path, perm)
	if err != nil {
		return err
	}
	defer p.Abort()

	if _, err := io.Copy(p, bytes.NewReader(data)); err != nil {
		return err
	}
	return p.Commit()
}

func SyncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}

// NonEmpty reports whether path is a regular file with content.
func NonEmpty(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Mode().IsRegular() && fi.Size() > 0
}
