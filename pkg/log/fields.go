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
	FieldRole   = "role"

	// Service
	FieldService = "service"

	// Session fabric
	FieldRoomID      = "room_id"
	FieldConnID      = "conn_id"
	FieldTransportID = "transport_id"
	FieldProducerID  = "producer_id"
	FieldConsumerID  = "consumer_id"
	FieldMediaRole   = "media_role"

	// Recording
	FieldSessionID = "session_id"
	FieldExamID    = "exam_id"
	FieldBatchID   = "batch_id"
)
