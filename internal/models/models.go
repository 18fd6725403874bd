package models

import "time"

// CandidateRecord is one row as discovered on a listing page.
type CandidateRecord struct {
	Raw       string
	PageIndex int
	RowIndex  int
	BaseURL   string
}

// NormalizedRecord is the unit of work written once to the sink.
type NormalizedRecord struct {
	Key         string
	DocumentURL string
	Fields      map[string]string
	KeySource   string
}

const KeySourceField = "field"

type ArtifactStatus string

const (
	StatusNoDocument    ArtifactStatus = "no_document"
	StatusCached        ArtifactStatus = "cached"
	StatusDownloaded    ArtifactStatus = "downloaded"
	StatusDownloadError ArtifactStatus = "download_error"
)

func (s ArtifactStatus) Failed() bool {
	return s == StatusDownloadError
}

type PersistResult struct {
	CSVWritten  bool
	Status      ArtifactStatus
	DocumentURL string
	Filename    string
	Path        string
	Err         error
}

// Outcome is one persisted record as seen by run-history backends.
type Outcome struct {
	RunID       string         `bson:"run_id"`
	Source      string         `bson:"source"`
	Listing     string         `bson:"listing"`
	Key         string         `bson:"key"`
	KeySource   string         `bson:"key_source"`
	DocumentURL string         `bson:"document_url"`
	Path        string         `bson:"path"`
	Status      ArtifactStatus `bson:"status"`
	Page        int            `bson:"page"`
	Timestamp   int64          `bson:"timestamp"`
	Duration    int            `bson:"duration_ms"`
	Error       string         `bson:"error,omitempty"`
}

// RunState summarises one listing of one run.
type RunState struct {
	RunID          string `bson:"run_id"`
	Source         string `bson:"source"`
	Listing        string `bson:"listing"`
	Reason         string `bson:"reason"`
	Pages          int    `bson:"pages"`
	Processed      int    `bson:"processed"`
	Skipped        int    `bson:"skipped"`
	Rejected       int    `bson:"rejected"`
	Downloaded     int    `bson:"downloaded"`
	Cached         int    `bson:"cached"`
	DownloadErrors int    `bson:"download_errors"`
	StartedAt      int64  `bson:"started_at"`
	FinishedAt     int64  `bson:"finished_at"`
}

type Checkpoint struct {
	DownloadedCases []string  `json:"downloaded_cases"`
	FailedCases     []string  `json:"failed_cases"`
	LastSaved       time.Time `json:"last_saved"`
}
