package domain

import "time"

// SourceType identifies which upstream integration a snapshot was built from.
type SourceType string

const (
	SourceClassLink SourceType = "classlink"
	SourceOneRoster SourceType = "oneroster"
)

// SnapshotStatus represents the lifecycle state of a snapshot.
// A snapshot starts in StatusFetching and ends in exactly one of
// StatusComplete or StatusFailed.
type SnapshotStatus string

const (
	StatusFetching SnapshotStatus = "fetching"
	StatusComplete SnapshotStatus = "complete"
	StatusFailed   SnapshotStatus = "failed"
)

// SnapshotKey is the composite identity of one snapshot directory.
type SnapshotKey struct {
	DistrictID int
	Date       string // YYYY-MM-DD
	SourceType SourceType
}

// FileMetadata describes one written entity file pair (CSV + JSONL).
type FileMetadata struct {
	Rows           int      `json:"rows"`
	SizeBytes      int64    `json:"size_bytes"`
	Columns        []string `json:"columns"`
	JSONLSizeBytes int64    `json:"jsonl_size_bytes"`
}

// FetchError is one timestamped error recorded during a fetch.
type FetchError struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// FetchStats aggregates counters for one snapshot build.
type FetchStats struct {
	TotalAPICalls   int          `json:"total_api_calls"`
	TotalRecords    int          `json:"total_records"`
	DurationSeconds int          `json:"duration_seconds"`
	Errors          []FetchError `json:"errors"`
}

// Snapshot is the status.json document for one snapshot directory.
// Once Status is StatusComplete the document is immutable; a re-fetch
// for the same key overwrites the whole directory.
type Snapshot struct {
	DistrictID       int                     `json:"district_id"`
	SnapshotDate     string                  `json:"snapshot_date"`
	SourceType       SourceType              `json:"source_type"`
	Status           SnapshotStatus          `json:"status"`
	StartedAt        time.Time               `json:"started_at"`
	CompletedAt      *time.Time              `json:"completed_at"`
	FetchedBySession string                  `json:"fetched_by_session"`
	Files            map[string]FileMetadata `json:"files"`
	FetchStats       FetchStats              `json:"fetch_stats"`
}

// SnapshotLock is the .lock file payload. At most one lock may exist per
// snapshot key; creation uses an exclusive-create open so two concurrent
// fetches cannot both acquire it.
type SnapshotLock struct {
	SessionID string    `json:"session_id"`
	StartedAt time.Time `json:"started_at"`
	PID       int       `json:"pid"`
}
