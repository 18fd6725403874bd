// Package db keeps run history: one outcome per persisted record and one
// summary per harvested listing. History is advisory; the CSV file and the
// seen set stay authoritative for resume.
package db

import (
	"context"
	"errors"
	"fmt"

	"court_spider/internal/config"
	"court_spider/internal/harvest"
	"court_spider/internal/models"

	"github.com/sirupsen/logrus"
)

var ErrNoBackend = errors.New("no history backend configured")

type Store interface {
	harvest.Recorder
	LastRuns(ctx context.Context, source string, limit int) ([]models.RunState, error)
	StatusCounts(ctx context.Context, source string) (map[models.ArtifactStatus]int, error)
}

// Open connects the configured backend. Without one, outcomes are dropped.
func Open(cfg config.DBConfig, log logrus.FieldLogger) (Store, error) {
	log = log.WithField("backend", cfg.Backend)
	switch cfg.Backend {
	case config.BackendNone:
		return nopStore{}, nil
	case config.BackendMongo:
		return NewMongoDB(cfg, log)
	case config.BackendPostgres:
		return NewPostgres(cfg, log)
	}
	return nil, fmt.Errorf("unknown db backend %q", cfg.Backend)
}

type nopStore struct {
	harvest.NopRecorder
}

func (nopStore) LastRuns(context.Context, string, int) ([]models.RunState, error) {
	return nil, ErrNoBackend
}

func (nopStore) StatusCounts(context.Context, string) (map[models.ArtifactStatus]int, error) {
	return nil, ErrNoBackend
}
