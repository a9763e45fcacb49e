package domain

import "encoding/json"

// WebSocket message types from client.
const (
	MsgTypeJoinRoom         = "join-room"
	MsgTypeCreateTransport  = "create-transport"
	MsgTypeConnectTransport = "connect-transport"
	MsgTypeProduce          = "produce"
	MsgTypeConsume          = "consume"
	MsgTypeGetProducers     = "get-producers"
)

// WebSocket message types to client.
const (
	MsgTypeResponse          = "response"
	MsgTypeNewProducer       = "new-producer"
	MsgTypeExistingProducers = "existing-producers"
	MsgTypeProducerClosed    = "producer-closed"
	MsgTypePeerLeft          = "peer-left"
)

// BaseMessage is the envelope shared by all client requests.
type BaseMessage struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
}

// Client -> Server requests

// JoinRoomRequest enters (or creates) a room. The effective role and user id
// come from the verified connection token; the role field is informational.
type JoinRoomRequest struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	RoomID    string `json:"roomId"`
	Role      string `json:"role,omitempty"`
	ExamID    string `json:"examId,omitempty"`
}

// CreateTransportRequest asks for a new send or recv transport.
type CreateTransportRequest struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	Direction string `json:"direction"` // "send" or "recv"
}

// ConnectTransportRequest finishes transport negotiation with the client's
// ICE and DTLS parameters.
type ConnectTransportRequest struct {
	Type           string          `json:"type"`
	RequestID      string          `json:"requestId"`
	TransportID    string          `json:"transportId"`
	ICEParameters  json.RawMessage `json:"iceParameters"`
	DTLSParameters json.RawMessage `json:"dtlsParameters"`
	ICECandidates  json.RawMessage `json:"iceCandidates,omitempty"`
}

// ProduceRequest publishes a track on a send transport.
type ProduceRequest struct {
	Type          string          `json:"type"`
	RequestID     string          `json:"requestId"`
	TransportID   string          `json:"transportId"`
	Kind          string          `json:"kind"` // "audio" or "video"
	RTPParameters json.RawMessage `json:"rtpParameters"`
	AppData       AppData         `json:"appData"`
}

// AppData carries application-level track metadata.
type AppData struct {
	MediaRole string `json:"mediaRole"`
}

// ConsumeRequest subscribes to a producer's stream.
type ConsumeRequest struct {
	Type            string          `json:"type"`
	RequestID       string          `json:"requestId"`
	ProducerID      string          `json:"producerId"`
	RTPCapabilities json.RawMessage `json:"rtpCapabilities,omitempty"`
}

// GetProducersRequest re-requests the accessible-producers snapshot.
type GetProducersRequest struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
}

// Server -> Client messages

// Response is the acknowledgement for a request, carrying either data or an
// error, never both.
type Response struct {
	Type      string      `json:"type"`
	RequestID string      `json:"requestId"`
	Data      interface{} `json:"data,omitempty"`
	Error     *ErrorInfo  `json:"error,omitempty"`
}

// ErrorInfo is the stable code+message pair returned on handler failure.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewResponse builds a success acknowledgement.
func NewResponse(requestID string, data interface{}) Response {
	return Response{Type: MsgTypeResponse, RequestID: requestID, Data: data}
}

// NewErrorResponse builds a failure acknowledgement.
func NewErrorResponse(requestID, code, message string) Response {
	return Response{
		Type:      MsgTypeResponse,
		RequestID: requestID,
		Error:     &ErrorInfo{Code: code, Message: message},
	}
}

// JoinRoomReply is the data payload of a join-room acknowledgement.
type JoinRoomReply struct {
	RoomID             string          `json:"roomId"`
	PeerID             string          `json:"peerId"`
	RouterCapabilities json.RawMessage `json:"routerCapabilities"`
}

// TransportReply is the data payload of a create-transport acknowledgement.
type TransportReply struct {
	TransportID    string      `json:"transportId"`
	ICEParameters  interface{} `json:"iceParameters"`
	ICECandidates  interface{} `json:"iceCandidates"`
	DTLSParameters interface{} `json:"dtlsParameters"`
}

// ProduceReply is the data payload of a produce acknowledgement.
type ProduceReply struct {
	ProducerID string `json:"producerId"`
}

// ConsumeReply is the data payload of a consume acknowledgement.
type ConsumeReply struct {
	ConsumerID    string      `json:"consumerId"`
	TransportID   string      `json:"transportId"`
	ProducerID    string      `json:"producerId"`
	Kind          string      `json:"kind"`
	RTPParameters interface{} `json:"rtpParameters"`
}

// ProducerInfo describes one producer in a snapshot or live announcement.
type ProducerInfo struct {
	ProducerID string `json:"producerId"`
	UserID     string `json:"userId"`
	Kind       string `json:"kind"`
	MediaRole  string `json:"mediaRole"`
}

// ExistingProducersMessage is the snapshot pushed after join-room and on
// get-producers.
type ExistingProducersMessage struct {
	Type      string         `json:"type"`
	Producers []ProducerInfo `json:"producers"`
}

// NewProducerMessage announces a newly published producer to permitted viewers.
type NewProducerMessage struct {
	Type       string `json:"type"`
	ProducerID string `json:"producerId"`
	UserID     string `json:"userId"`
	Kind       string `json:"kind"`
	MediaRole  string `json:"mediaRole"`
}

// ProducerClosedMessage tells viewers a producer is gone.
type ProducerClosedMessage struct {
	Type       string `json:"type"`
	ProducerID string `json:"producerId"`
}

// PeerLeftMessage tells room members a peer disconnected.
type PeerLeftMessage struct {
	Type   string `json:"type"`
	PeerID string `json:"peerId"`
	UserID string `json:"userId"`
}

// Error codes returned on request acknowledgements.
const (
	ErrCodeUnauthorized      = "UNAUTHORIZED"
	ErrCodeForbidden         = "FORBIDDEN"
	ErrCodeBadRequest        = "BAD_REQUEST"
	ErrCodeRoomNotFound      = "ROOM_NOT_FOUND"
	ErrCodePeerNotFound      = "PEER_NOT_FOUND"
	ErrCodeTransportNotFound = "TRANSPORT_NOT_FOUND"
	ErrCodeProducerNotFound  = "PRODUCER_NOT_FOUND"
	ErrCodeEngineError       = "ENGINE_ERROR"
	ErrCodeRecordingError    = "RECORDING_ERROR"
	ErrCodeInternalError     = "INTERNAL_ERROR"
)
