package logger

// Fields is a set of structured log fields.
type Fields map[string]interface{}

// Context-level fields, carried through the call chain of a request or a worker.
const (
	FieldRequestID = "request_id"
	FieldJobID     = "job_id"
	FieldItemID    = "item_id"
	FieldWorkerID  = "worker_id"
	FieldComponent = "component"
	FieldUserID    = "user_id"
)

// Entry-level fields, attached to a single log line for aggregation.
const (
	FieldDurationMs = "duration_ms"
	FieldCount      = "count"
	FieldStatus     = "status"
	FieldAttempt    = "attempt"
	FieldCallSite   = "call_site"
)
