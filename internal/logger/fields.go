package logger

// Fields is an alias for map[string]interface{} for convenience.
type Fields map[string]interface{}

// ============================================
// Standard Tracing Fields (Context level)
// These fields are propagated through the call chain
// ============================================

const (
	// FieldRequestID is the HTTP request ID (UUID)
	FieldRequestID = "request_id"

	// FieldSessionID is the snapshot fetch session ID
	FieldSessionID = "session_id"

	// FieldDistrictID is the district the operation targets
	FieldDistrictID = "district_id"

	// FieldSnapshotDate is the snapshot date (YYYY-MM-DD)
	FieldSnapshotDate = "snapshot_date"

	// FieldSourceType is the integration source (classlink, oneroster)
	FieldSourceType = "source_type"

	// FieldEntityType is the roster entity group being processed
	FieldEntityType = "entity_type"

	// FieldComponent is the component/module name
	FieldComponent = "component"
)

// ============================================
// Standard Metric Fields (Entry level)
// These fields are used for aggregation and alerting
// ============================================

const (
	// FieldDurationMs is the execution duration in milliseconds
	FieldDurationMs = "duration_ms"

	// FieldCount is a generic count field
	FieldCount = "count"

	// FieldSize is the data size in bytes
	FieldSize = "size"

	// FieldStatus is the operation status
	FieldStatus = "status"
)
