package engine

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/intervalpli"
	"github.com/pion/webrtc/v4"
)

// defaultCodecs is the codec table every router registers. Payload types
// match what the reference clients offer.
var defaultCodecs = []CodecCapability{
	{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000, PayloadType: 96},
	{MimeType: webrtc.MimeTypeVP9, ClockRate: 90000, PayloadType: 98},
	{
		MimeType:    webrtc.MimeTypeH264,
		ClockRate:   90000,
		PayloadType: 102,
		SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42001f",
	},
	{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2, PayloadType: 111, SDPFmtpLine: "minptime=10;useinbandfec=1"},
}

type pionRouter struct {
	id     string
	api    *webrtc.API
	codecs []CodecCapability

	mu         sync.Mutex
	transports map[string]interface{ Close() error }
	closed     bool
}

func newPionRouter(w *worker) (*pionRouter, error) {
	me := &webrtc.MediaEngine{}
	for _, c := range defaultCodecs {
		typ := webrtc.RTPCodecTypeVideo
		if strings.HasPrefix(strings.ToLower(c.MimeType), "audio/") {
			typ = webrtc.RTPCodecTypeAudio
		}
		if err := me.RegisterCodec(webrtc.RTPCodecParameters{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:    c.MimeType,
				ClockRate:   c.ClockRate,
				Channels:    c.Channels,
				SDPFmtpLine: c.SDPFmtpLine,
			},
			PayloadType: webrtc.PayloadType(c.PayloadType),
		}, typ); err != nil {
			return nil, err
		}
	}

	// Periodic PLI keeps keyframes coming for late-joining viewers and the
	// recorder pipeline.
	ir := &interceptor.Registry{}
	pli, err := intervalpli.NewReceiverInterceptor()
	if err != nil {
		return nil, err
	}
	ir.Add(pli)
	if err := webrtc.RegisterDefaultInterceptors(me, ir); err != nil {
		return nil, err
	}

	api := webrtc.NewAPI(
		webrtc.WithSettingEngine(w.settings),
		webrtc.WithMediaEngine(me),
		webrtc.WithInterceptorRegistry(ir),
	)

	return &pionRouter{
		id:         uuid.New().String(),
		api:        api,
		codecs:     defaultCodecs,
		transports: make(map[string]interface{ Close() error }),
	}, nil
}

func (r *pionRouter) ID() string { return r.id }

func (r *pionRouter) RTPCapabilities() []CodecCapability {
	out := make([]CodecCapability, len(r.codecs))
	copy(out, r.codecs)
	return out
}

// codecByMime resolves a produce request's mime type against the router
// table. The client's payload type wins for the producer's own stream.
func (r *pionRouter) codecByMime(mimeType string, payloadType uint8) (CodecCapability, bool) {
	for _, c := range r.codecs {
		if strings.EqualFold(c.MimeType, mimeType) {
			if payloadType != 0 {
				c.PayloadType = payloadType
			}
			return c, true
		}
	}
	return CodecCapability{}, false
}

func (r *pionRouter) CreateTransport(ctx context.Context) (Transport, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, engineErr("create transport", ErrRouterClosed)
	}
	r.mu.Unlock()

	t, err := newPionTransport(ctx, r)
	if err != nil {
		return nil, engineErr("create transport", err)
	}

	r.track(t.ID(), t)
	return t, nil
}

func (r *pionRouter) CreatePlainTransport(ctx context.Context) (PlainTransport, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, engineErr("create plain transport", ErrRouterClosed)
	}
	r.mu.Unlock()

	t := newPlainTransport()
	r.track(t.ID(), t)
	return t, nil
}

func (r *pionRouter) track(id string, closer interface{ Close() error }) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transports[id] = closer
}

func (r *pionRouter) forget(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.transports, id)
}

func (r *pionRouter) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	transports := make([]interface{ Close() error }, 0, len(r.transports))
	for _, t := range r.transports {
		transports = append(transports, t)
	}
	r.transports = make(map[string]interface{ Close() error })
	r.mu.Unlock()

	for _, t := range transports {
		_ = t.Close()
	}
	return nil
}
