package db

import (
	"context"
	"fmt"
	"time"

	"court_spider/internal/config"
	"court_spider/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
)

const schema = `
CREATE TABLE IF NOT EXISTS harvest_outcomes (
	id           BIGSERIAL PRIMARY KEY,
	run_id       TEXT NOT NULL,
	source       TEXT NOT NULL,
	listing      TEXT NOT NULL,
	key          TEXT NOT NULL,
	key_source   TEXT NOT NULL,
	document_url TEXT NOT NULL DEFAULT '',
	path         TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL,
	page         INTEGER NOT NULL,
	recorded_at  TIMESTAMPTZ NOT NULL,
	duration_ms  INTEGER NOT NULL,
	error        TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS harvest_outcomes_source_key ON harvest_outcomes (source, key);
CREATE TABLE IF NOT EXISTS harvest_runs (
	run_id          TEXT NOT NULL,
	source          TEXT NOT NULL,
	listing         TEXT NOT NULL,
	reason          TEXT NOT NULL,
	pages           INTEGER NOT NULL,
	processed       INTEGER NOT NULL,
	skipped         INTEGER NOT NULL,
	rejected        INTEGER NOT NULL,
	downloaded      INTEGER NOT NULL,
	cached          INTEGER NOT NULL,
	download_errors INTEGER NOT NULL,
	started_at      TIMESTAMPTZ NOT NULL,
	finished_at     TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (run_id, source, listing)
);`

type Postgres struct {
	pool *pgxpool.Pool
	log  logrus.FieldLogger
}

func NewPostgres(cfg config.DBConfig, log logrus.FieldLogger) (*Postgres, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.Connection)
	if err != nil {
		return nil, fmt.Errorf("invalid database URL: %w", err)
	}
	poolCfg.MaxConns = 4

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Postgres{pool: pool, log: log}, nil
}

func (p *Postgres) RecordOutcome(ctx context.Context, o models.Outcome) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := p.pool.Exec(ctx, `
		INSERT INTO harvest_outcomes
			(run_id, source, listing, key, key_source, document_url, path, status, page, recorded_at, duration_ms, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, o.RunID, o.Source, o.Listing, o.Key, o.KeySource, o.DocumentURL, o.Path, string(o.Status),
		o.Page, time.Unix(o.Timestamp, 0), o.Duration, o.Error)
	return err
}

func (p *Postgres) RecordRun(ctx context.Context, r models.RunState) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := p.pool.Exec(ctx, `
		INSERT INTO harvest_runs
			(run_id, source, listing, reason, pages, processed, skipped, rejected, downloaded, cached, download_errors, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (run_id, source, listing) DO UPDATE SET
			reason = EXCLUDED.reason, pages = EXCLUDED.pages, processed = EXCLUDED.processed,
			skipped = EXCLUDED.skipped, rejected = EXCLUDED.rejected, downloaded = EXCLUDED.downloaded,
			cached = EXCLUDED.cached, download_errors = EXCLUDED.download_errors, finished_at = EXCLUDED.finished_at
	`, r.RunID, r.Source, r.Listing, r.Reason, r.Pages, r.Processed, r.Skipped, r.Rejected,
		r.Downloaded, r.Cached, r.DownloadErrors, time.Unix(r.StartedAt, 0), time.Unix(r.FinishedAt, 0))
	return err
}

func (p *Postgres) LastRuns(ctx context.Context, source string, limit int) ([]models.RunState, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT run_id, source, listing, reason, pages, processed, skipped, rejected,
			downloaded, cached, download_errors, started_at, finished_at
		FROM harvest_runs
		WHERE $1 = '' OR source = $1
		ORDER BY finished_at DESC
		LIMIT $2
	`, source, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.RunState, error) {
		var r models.RunState
		var started, finished time.Time
		err := row.Scan(&r.RunID, &r.Source, &r.Listing, &r.Reason, &r.Pages, &r.Processed, &r.Skipped,
			&r.Rejected, &r.Downloaded, &r.Cached, &r.DownloadErrors, &started, &finished)
		r.StartedAt, r.FinishedAt = started.Unix(), finished.Unix()
		return r, err
	})
}

func (p *Postgres) StatusCounts(ctx context.Context, source string) (map[models.ArtifactStatus]int, error) {
	rows, err := p.pool.Query(ctx, `SELECT status, count(*) FROM harvest_outcomes WHERE source = $1 GROUP BY status`, source)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[models.ArtifactStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[models.ArtifactStatus(status)] = n
	}
	return counts, rows.Err()
}

func (p *Postgres) Close(context.Context) error {
	p.pool.Close()
	return nil
}
