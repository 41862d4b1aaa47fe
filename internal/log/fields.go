package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldRequestID = "request_id"
	FieldRunID     = "run_id"

	// Process fields
	FieldEvent     = "event"
	FieldComponent = "component"

	// Media fields
	FieldPath      = "path"
	FieldVideo     = "video"
	FieldSidecar   = "sidecar"
	FieldServerID  = "server_id"
	FieldLibraryID = "library_id"
	FieldHash      = "hash"

	// Retry fields
	FieldAttempt = "attempt"
	FieldDelay   = "delay"
	FieldKind    = "kind"

	// Transport fields
	FieldBaseURL  = "base_url"
	FieldStatus   = "status"
	FieldDuration = "duration"
)
