package log

const (
	// Request
	FieldRequestID = "request_id"
	FieldMethod    = "method"
	FieldPath      = "path"
	FieldStatus    = "status"
	FieldLatency   = "latency_ms"
	FieldClientIP  = "client_ip"

	// Actor
	FieldUserID = "user_id"

	// Realtime
	FieldConnID    = "conn_id"
	FieldMatchID   = "match_id"
	FieldMessageID = "message_id"
	FieldEvent     = "event"

	FieldService   = "service"
	FieldComponent = "component"
)
