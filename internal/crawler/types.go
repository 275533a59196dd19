package crawler

import "time"

// RunStatus represents the lifecycle state of a crawl run.
type RunStatus string

// Run status values reported by the controller.
const (
	RunStatusIdle           RunStatus = "idle"
	RunStatusRunning        RunStatus = "running"
	RunStatusCompleted      RunStatus = "completed"
	RunStatusBudgetExceeded RunStatus = "stopped_budget_exceeded"
	RunStatusFailed         RunStatus = "failed"
	RunStatusCanceled       RunStatus = "canceled"
)

// Terminal reports whether the status ends a run.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusBudgetExceeded, RunStatusFailed, RunStatusCanceled:
		return true
	default:
		return false
	}
}

// CommitGranularity selects how ingestion writes are grouped into transactions.
type CommitGranularity string

// Supported commit granularities.
const (
	// CommitPerSong commits each recording with its persons and edges on its
	// own, then the explored flag in a final unit. A mid-pagination failure
	// keeps the songs ingested so far.
	CommitPerSong CommitGranularity = "song"
	// CommitPerArtist commits the whole catalogue and the explored flag as one
	// unit. A mid-pagination failure discards the entire artist.
	CommitPerArtist CommitGranularity = "artist"
)

// CrawlRequest captures the inputs of a single crawl run. Exactly one of
// SeedName or SeedCanonicalID should be set; SeedCanonicalID wins if both are.
// RunID is optional; the controller generates one when it is empty.
type CrawlRequest struct {
	RunID           string `json:"run_id,omitempty"`
	SeedName        string `json:"seed_name,omitempty"`
	SeedCanonicalID string `json:"seed_canonical_id,omitempty"`
	BudgetBytes     int64  `json:"budget_bytes"`
}

// RunResult is the outcome of a crawl run, also used for in-flight snapshots.
type RunResult struct {
	RunID               string     `json:"run_id"`
	Status              RunStatus  `json:"status"`
	SeedCanonicalID     string     `json:"seed_canonical_id,omitempty"`
	BudgetBytes         int64      `json:"budget_bytes"`
	FinalStoreSizeBytes int64      `json:"final_store_size_bytes"`
	ProcessedCount      int        `json:"processed_count"`
	FailedCount         int        `json:"failed_count"`
	SongsIngested       int        `json:"songs_ingested"`
	StartedAt           time.Time  `json:"started_at"`
	FinishedAt          *time.Time `json:"finished_at,omitempty"`
	ErrorText           string     `json:"error_text,omitempty"`
}

// ArtistExploredEvent is published after an artist's catalogue commits.
type ArtistExploredEvent struct {
	RunID         string    `json:"run_id"`
	CanonicalID   string    `json:"canonical_id"`
	Name          string    `json:"name"`
	PersonID      int64     `json:"person_id"`
	SongsIngested int       `json:"songs_ingested"`
	Discovered    int       `json:"discovered"`
	ExploredAt    time.Time `json:"explored_at"`
}

// Event topics used with Publisher.
const (
	TopicArtistExplored = "artist.explored"
	TopicCrawlFinished  = "crawl.finished"
)
