package domain

import "time"

// SessionStatus represents the outcome of one fetch session.
type SessionStatus string

const (
	SessionRunning   SessionStatus = "running"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
)

// FetchSession is the audit record for one triggered snapshot build.
// The status file on disk stays the source of truth for snapshot state;
// this table exists so support staff can list who triggered what and when
// without walking the snapshot tree.
type FetchSession struct {
	ID            string        `gorm:"type:text;primaryKey" json:"id"`
	DistrictID    int           `gorm:"not null;index" json:"district_id"`
	SnapshotDate  string        `gorm:"type:text;not null" json:"snapshot_date"`
	SourceType    string        `gorm:"type:text;not null" json:"source_type"`
	Status        SessionStatus `gorm:"default:running" json:"status"`
	TotalRecords  int           `gorm:"default:0" json:"total_records"`
	TotalAPICalls int           `gorm:"default:0" json:"total_api_calls"`
	StartedAt     *time.Time    `json:"started_at,omitempty"`
	CompletedAt   *time.Time    `json:"completed_at,omitempty"`
	ErrorLog      string        `json:"error_log,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// TableName returns the database table name for FetchSession.
func (FetchSession) TableName() string {
	return "fetch_sessions"
}
