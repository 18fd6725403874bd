package sink

import (
	"context"
	"errors"
	"path/filepath"

	"court_spider/internal/fetch"
	"court_spider/internal/fsutil"
	"court_spider/internal/models"
	"court_spider/internal/urlutil"

	"github.com/sirupsen/logrus"
)

var errEmptyDocument = errors.New("empty document")

type Downloader interface {
	Download(ctx context.Context, url string, dst fetch.Destination, opts fetch.DownloadOptions) (int64, error)
}

// Store lays artifacts out as <root>/<key dir>/<filename>. A non-empty file
// at that path is never fetched again.
type Store struct {
	root       string
	ext        string
	rejectHTML bool
	dl         Downloader
	log        logrus.FieldLogger
}

func NewStore(root, ext string, rejectHTML bool, dl Downloader, log logrus.FieldLogger) *Store {
	return &Store{root: root, ext: ext, rejectHTML: rejectHTML, dl: dl, log: log}
}

func (s *Store) KeyDir(key string) string {
	return filepath.Join(s.root, urlutil.KeyDir(key))
}

// Path returns the filename and full path of the artifact for key.
func (s *Store) Path(key, docURL string) (string, string) {
	name := urlutil.FilenameFromURL(docURL, key, s.ext)
	return name, filepath.Join(s.KeyDir(key), name)
}

// Fetch stores docURL for key unless a non-empty artifact already exists.
func (s *Store) Fetch(ctx context.Context, key, docURL string) models.PersistResult {
	name, path := s.Path(key, docURL)
	res := models.PersistResult{DocumentURL: docURL, Filename: name, Path: path}
	log := s.log.WithFields(logrus.Fields{"key": key, "path": path})

	if fsutil.NonEmpty(path) {
		log.Debug("artifact cached")
		res.Status = models.StatusCached
		return res
	}

	if err := s.download(ctx, docURL, path); err != nil {
		res.Status = models.StatusDownloadError
		res.Err = err
		return res
	}
	log.Debug("artifact downloaded")
	res.Status = models.StatusDownloaded
	return res
}

func (s *Store) download(ctx context.Context, docURL, path string) error {
	p, err := fsutil.CreatePending(path, 0o644)
	if err != nil {
		return err
	}
	defer p.Abort()

	n, err := s.dl.Download(ctx, docURL, p, fetch.DownloadOptions{RejectHTML: s.rejectHTML})
	if err != nil {
		return err
	}
	if n == 0 {
		return errEmptyDocument
	}
	return p.Commit()
}
