// Package harvest runs the resumable paginated harvest of one listing:
// pull pages from a Source, extract records, skip keys already recorded,
// persist the rest through a Sink and mark them seen.
package harvest

import (
	"context"
	"errors"

	"court_spider/internal/models"
)

var (
	// ErrTransient wraps a fetch failure whose retries ran out.
	ErrTransient = errors.New("transient source failure")
	// ErrSourceExhausted means the expected page structure was absent.
	ErrSourceExhausted = errors.New("source exhausted")
	// ErrRejected means no key could be derived from a candidate.
	ErrRejected = errors.New("candidate rejected")
)

// Page is one listing page. Next is the opaque cursor of the following
// page; an empty Next or Done ends the listing.
type Page struct {
	Records  []models.CandidateRecord
	Next     string
	Done     bool
	Index    int
	Total    int
	PageSize int
}

type Source interface {
	// NextPage fetches the page at cursor. The empty cursor is the first page.
	NextPage(ctx context.Context, cursor string) (Page, error)
}

// Extractor must not perform I/O.
type Extractor interface {
	Extract(c models.CandidateRecord) (models.NormalizedRecord, error)
}

// Sink writes one record. A returned error is fatal for the run; a failed
// download is reported in the result instead.
type Sink interface {
	Persist(ctx context.Context, rec models.NormalizedRecord) (models.PersistResult, error)
}

// StagedSink splits Persist so the artifact step can run on a worker pool
// while rows are still committed by a single writer in page order.
type StagedSink interface {
	Sink
	// Stage is safe for concurrent use and never writes the CSV.
	Stage(ctx context.Context, rec models.NormalizedRecord) models.PersistResult
	Commit(rec models.NormalizedRecord, staged models.PersistResult) (models.PersistResult, error)
}

// SeenSet holds the keys durably recorded for one output.
type SeenSet interface {
	Contains(key string) bool
	// RetryDue reports whether key was recorded with a failed artifact that
	// this run should fetch again. A retry never adds a row.
	RetryDue(key string) bool
	Add(key string, status models.ArtifactStatus) error
	Len() int
	Close() error
}

// Recorder keeps run history. Its errors are logged, never fatal.
type Recorder interface {
	RecordOutcome(ctx context.Context, o models.Outcome) error
	RecordRun(ctx context.Context, r models.RunState) error
	Close(ctx context.Context) error
}

type NopRecorder struct{}

func (NopRecorder) RecordOutcome(context.Context, models.Outcome) error { return nil }

func (NopRecorder) RecordRun(context.Context, models.RunState) error { return nil }

func (NopRecorder) Close(context.Context) error { return nil }
