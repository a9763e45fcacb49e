package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// Kind is the media kind of a track.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// ParseKind validates the kind field of a produce request.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindAudio, KindVideo:
		return Kind(s), nil
	}
	return "", fmt.Errorf("unknown media kind %q", s)
}

var (
	// ErrWorkerDown is returned by CreateRouter while the worker is dead or
	// restarting. Existing routers keep working.
	ErrWorkerDown = errors.New("engine worker unavailable")

	ErrRouterClosed     = errors.New("router is closed")
	ErrTransportClosed  = errors.New("transport is closed")
	ErrProducerClosed   = errors.New("producer is closed")
	ErrUnsupportedCodec = errors.New("unsupported codec")
)

// EngineError wraps a failure of an underlying media-engine operation.
type EngineError struct {
	Op  string
	Err error
}

func (e *EngineError) Error() string { return fmt.Sprintf("engine: %s: %v", e.Op, e.Err) }
func (e *EngineError) Unwrap() error { return e.Err }

func engineErr(op string, err error) error { return &EngineError{Op: op, Err: err} }

// CodecCapability describes one codec a router handles.
type CodecCapability struct {
	MimeType    string `json:"mimeType"`
	ClockRate   uint32 `json:"clockRate"`
	Channels    uint16 `json:"channels,omitempty"`
	PayloadType uint8  `json:"payloadType"`
	SDPFmtpLine string `json:"sdpFmtpLine,omitempty"`
}

// TransportParameters are the server-side negotiation parameters handed to a
// client after create-transport.
type TransportParameters struct {
	ICEParameters  webrtc.ICEParameters  `json:"iceParameters"`
	ICECandidates  []webrtc.ICECandidate `json:"iceCandidates"`
	DTLSParameters webrtc.DTLSParameters `json:"dtlsParameters"`
}

// ConnectParameters are the client-side parameters received on
// connect-transport.
type ConnectParameters struct {
	ICEParameters  webrtc.ICEParameters  `json:"iceParameters"`
	ICECandidates  []webrtc.ICECandidate `json:"iceCandidates"`
	DTLSParameters webrtc.DTLSParameters `json:"dtlsParameters"`
}

// ProduceParameters describe the RTP stream a client is about to send.
type ProduceParameters struct {
	MimeType    string `json:"mimeType"`
	PayloadType uint8  `json:"payloadType"`
	SSRC        uint32 `json:"ssrc"`
	ClockRate   uint32 `json:"clockRate"`
	Channels    uint16 `json:"channels,omitempty"`
}

// ConsumerRTPParameters describe the RTP stream a consumer will receive.
type ConsumerRTPParameters struct {
	MimeType    string `json:"mimeType"`
	PayloadType uint8  `json:"payloadType"`
	SSRC        uint32 `json:"ssrc"`
	ClockRate   uint32 `json:"clockRate"`
	Channels    uint16 `json:"channels,omitempty"`
}

// RTPSink receives a producer's RTP packets. Consumers implement it.
type RTPSink interface {
	ID() string
	WriteRTP(p *rtp.Packet) error
	Close() error
}

// Engine is the media-engine facade. Exactly one worker backs it; routers are
// created one per room.
type Engine interface {
	// CreateRouter builds a routing context for one room. Fails with
	// ErrWorkerDown while the worker is dead or restarting.
	CreateRouter(ctx context.Context) (Router, error)
	Close() error
}

// Router is the per-room routing context.
type Router interface {
	ID() string
	RTPCapabilities() []CodecCapability
	// CreateTransport negotiates a client-facing transport and gathers its
	// local parameters before returning.
	CreateTransport(ctx context.Context) (Transport, error)
	// CreatePlainTransport builds the loopback RTP sink transport used only
	// by recording sessions.
	CreatePlainTransport(ctx context.Context) (PlainTransport, error)
	Close() error
}

// Transport is a negotiated client-facing endpoint.
type Transport interface {
	ID() string
	Parameters() TransportParameters
	Connect(ctx context.Context, params ConnectParameters) error
	Produce(ctx context.Context, kind Kind, params ProduceParameters) (Producer, error)
	Consume(ctx context.Context, producer Producer) (Consumer, error)
	Close() error
}

// Producer is a published track. Closing it cascade-closes its attached
// sinks (consumers); recording-session teardown is driven by OnClose.
type Producer interface {
	ID() string
	Kind() Kind
	Codec() CodecCapability
	// Active reports that the producer is neither paused nor closed and has
	// seen media flowing.
	Active() bool
	Closed() bool
	OnClose(fn func())
	Attach(sink RTPSink)
	Detach(sinkID string)
	Close() error
}

// Consumer is a subscription to one producer's stream.
type Consumer interface {
	ID() string
	ProducerID() string
	Kind() Kind
	RTPParameters() ConsumerRTPParameters
	Pause()
	Resume()
	Close() error
}

// PlainTransport redirects RTP to a local process instead of a remote peer.
// It is the RTP sender; the encoder process is the receiver.
type PlainTransport interface {
	ID() string
	// Consume attaches an initially paused recording consumer to producer.
	Consume(ctx context.Context, producer Producer) (Consumer, error)
	// Connect points the per-kind RTP flow at the encoder's bound ports.
	Connect(ip string, portByKind map[Kind]int) error
	Close() error
}
