package harvest

import (
	"sync/atomic"
	"time"

	"court_spider/internal/models"
)

type Reason string

const (
	ReasonSourceDone      Reason = "source done"
	ReasonPageLimit       Reason = "page limit"
	ReasonItemLimit       Reason = "item limit"
	ReasonTotalReached    Reason = "total reached"
	ReasonZeroResults     Reason = "zero results"
	ReasonEmptyPage       Reason = "empty page"
	ReasonSourceExhausted Reason = "source exhausted"
	ReasonSourceFailed    Reason = "source failed"
	ReasonCancelled       Reason = "cancelled"
	ReasonSinkFailed      Reason = "sink failed"
)

type Stats struct {
	Pages          int
	Candidates     int
	Processed      int
	Retried        int
	Skipped        int
	Rejected       int
	FallbackKeys   int
	Downloaded     int
	Cached         int
	NoDocument     int
	DownloadErrors int
}

func (s *Stats) Add(o Stats) {
	s.Pages += o.Pages
	s.Candidates += o.Candidates
	s.Processed += o.Processed
	s.Retried += o.Retried
	s.Skipped += o.Skipped
	s.Rejected += o.Rejected
	s.FallbackKeys += o.FallbackKeys
	s.Downloaded += o.Downloaded
	s.Cached += o.Cached
	s.NoDocument += o.NoDocument
	s.DownloadErrors += o.DownloadErrors
}

func (s *Stats) tally(status models.ArtifactStatus) {
	s.Processed++
	s.tallyArtifact(status)
}

// tallyRetry accounts for an artifact fetched again under an existing row.
func (s *Stats) tallyRetry(status models.ArtifactStatus) {
	s.Retried++
	s.tallyArtifact(status)
}

func (s *Stats) tallyArtifact(status models.ArtifactStatus) {
	switch status {
	case models.StatusDownloaded:
		s.Downloaded++
	case models.StatusCached:
		s.Cached++
	case models.StatusDownloadError:
		s.DownloadErrors++
	default:
		s.NoDocument++
	}
}

// Summary is the result of one Loop run.
type Summary struct {
	Stats
	Reason     Reason
	StartedAt  time.Time
	FinishedAt time.Time
}

// Unreachable reports whether the listing failed before any page arrived.
func (s Summary) Unreachable() bool {
	return s.Reason == ReasonSourceFailed && s.Pages == 0
}

// Progress is shared with the stats monitor while loops run.
type Progress struct {
	Pages          atomic.Int64
	Processed      atomic.Int64
	Retried        atomic.Int64
	Skipped        atomic.Int64
	Rejected       atomic.Int64
	Downloaded     atomic.Int64
	DownloadErrors atomic.Int64
}
