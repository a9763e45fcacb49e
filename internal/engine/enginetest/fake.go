// Package enginetest provides an in-memory Engine implementation for tests.
// No network, no subprocesses: producers are toggled active by hand and
// consumers record state transitions.
package enginetest

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/rtp"

	"github.com/KenXD2001/proctor-ai-sfu-server-sub000/internal/engine"
)

// FakeEngine implements engine.Engine.
type FakeEngine struct {
	mu             sync.Mutex
	workerDown     bool
	RoutersCreated int
	Routers        []*FakeRouter
}

func NewFakeEngine() *FakeEngine { return &FakeEngine{} }

// SetWorkerDown makes CreateRouter fail until cleared.
func (e *FakeEngine) SetWorkerDown(down bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.workerDown = down
}

func (e *FakeEngine) CreateRouter(ctx context.Context) (engine.Router, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.workerDown {
		return nil, engine.ErrWorkerDown
	}
	r := &FakeRouter{id: uuid.New().String()}
	e.RoutersCreated++
	e.Routers = append(e.Routers, r)
	return r, nil
}

func (e *FakeEngine) Close() error { return nil }

// FakeRouter implements engine.Router.
type FakeRouter struct {
	id string

	mu              sync.Mutex
	closed          bool
	PlainTransports []*FakePlainTransport
}

func (r *FakeRouter) ID() string { return r.id }

func (r *FakeRouter) RTPCapabilities() []engine.CodecCapability {
	return []engine.CodecCapability{
		{MimeType: "video/VP8", ClockRate: 90000, PayloadType: 96},
		{MimeType: "audio/opus", ClockRate: 48000, Channels: 2, PayloadType: 111},
	}
}

func (r *FakeRouter) CreateTransport(ctx context.Context) (engine.Transport, error) {
	return NewFakeTransport(), nil
}

func (r *FakeRouter) CreatePlainTransport(ctx context.Context) (engine.PlainTransport, error) {
	t := NewFakePlainTransport()
	r.mu.Lock()
	r.PlainTransports = append(r.PlainTransports, t)
	r.mu.Unlock()
	return t, nil
}

func (r *FakeRouter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

// IsClosed reports whether Close was called.
func (r *FakeRouter) IsClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// FakeTransport implements engine.Transport.
type FakeTransport struct {
	id string

	mu        sync.Mutex
	closed    bool
	connected bool
	Producers []*FakeProducer
	Consumers []*FakeConsumer
}

func NewFakeTransport() *FakeTransport {
	return &FakeTransport{id: uuid.New().String()}
}

func (t *FakeTransport) ID() string { return t.id }

func (t *FakeTransport) Parameters() engine.TransportParameters {
	return engine.TransportParameters{}
}

func (t *FakeTransport) Connect(ctx context.Context, params engine.ConnectParameters) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return engine.ErrTransportClosed
	}
	t.connected = true
	return nil
}

func (t *FakeTransport) Produce(ctx context.Context, kind engine.Kind, params engine.ProduceParameters) (engine.Producer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, engine.ErrTransportClosed
	}
	p := NewFakeProducer(kind)
	t.Producers = append(t.Producers, p)
	return p, nil
}

func (t *FakeTransport) Consume(ctx context.Context, producer engine.Producer) (engine.Consumer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, engine.ErrTransportClosed
	}
	c := &FakeConsumer{id: uuid.New().String(), producerID: producer.ID(), kind: producer.Kind()}
	producer.Attach(c)
	t.Consumers = append(t.Consumers, c)
	return c, nil
}

func (t *FakeTransport) Close() error {
	t.mu.Lock()
	producers := t.Producers
	t.closed = true
	t.mu.Unlock()
	for _, p := range producers {
		_ = p.Close()
	}
	return nil
}

// IsClosed reports whether Close was called.
func (t *FakeTransport) IsClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// FakeProducer implements engine.Producer with a hand-driven active flag.
type FakeProducer struct {
	id    string
	kind  engine.Kind
	codec engine.CodecCapability

	mu      sync.Mutex
	sinks   map[string]engine.RTPSink
	onClose []func()

	active atomic.Bool
	closed atomic.Bool
	once   sync.Once
}

func NewFakeProducer(kind engine.Kind) *FakeProducer {
	codec := engine.CodecCapability{MimeType: "video/VP8", ClockRate: 90000, PayloadType: 96}
	if kind == engine.KindAudio {
		codec = engine.CodecCapability{MimeType: "audio/opus", ClockRate: 48000, Channels: 2, PayloadType: 111}
	}
	p := &FakeProducer{
		id:    uuid.New().String(),
		kind:  kind,
		codec: codec,
		sinks: make(map[string]engine.RTPSink),
	}
	p.active.Store(true)
	return p
}

func (p *FakeProducer) ID() string                     { return p.id }
func (p *FakeProducer) Kind() engine.Kind              { return p.kind }
func (p *FakeProducer) Codec() engine.CodecCapability  { return p.codec }
func (p *FakeProducer) Active() bool                   { return p.active.Load() && !p.closed.Load() }
func (p *FakeProducer) Closed() bool                   { return p.closed.Load() }

// SetActive drives the active flag tests wait on.
func (p *FakeProducer) SetActive(active bool) { p.active.Store(active) }

func (p *FakeProducer) OnClose(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed.Load() {
		go fn()
		return
	}
	p.onClose = append(p.onClose, fn)
}

func (p *FakeProducer) Attach(sink engine.RTPSink) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sinks[sink.ID()] = sink
}

func (p *FakeProducer) Detach(sinkID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.sinks, sinkID)
}

// Push fans a packet out to attached sinks, standing in for the read loop.
func (p *FakeProducer) Push(pkt *rtp.Packet) {
	p.mu.Lock()
	sinks := make([]engine.RTPSink, 0, len(p.sinks))
	for _, s := range p.sinks {
		sinks = append(sinks, s)
	}
	p.mu.Unlock()
	for _, s := range sinks {
		_ = s.WriteRTP(pkt)
	}
}

func (p *FakeProducer) Close() error {
	p.once.Do(func() {
		p.closed.Store(true)
		p.active.Store(false)
		p.mu.Lock()
		sinks := make([]engine.RTPSink, 0, len(p.sinks))
		for _, s := range p.sinks {
			sinks = append(sinks, s)
		}
		p.sinks = make(map[string]engine.RTPSink)
		callbacks := p.onClose
		p.onClose = nil
		p.mu.Unlock()
		for _, s := range sinks {
			_ = s.Close()
		}
		for _, fn := range callbacks {
			fn()
		}
	})
	return nil
}

// FakeConsumer implements engine.Consumer and engine.RTPSink.
type FakeConsumer struct {
	id         string
	producerID string
	kind       engine.Kind

	Paused  atomic.Bool
	Written atomic.Int64
	closed  atomic.Bool
}

func (c *FakeConsumer) ID() string         { return c.id }
func (c *FakeConsumer) ProducerID() string { return c.producerID }
func (c *FakeConsumer) Kind() engine.Kind  { return c.kind }

func (c *FakeConsumer) RTPParameters() engine.ConsumerRTPParameters {
	return engine.ConsumerRTPParameters{}
}

func (c *FakeConsumer) Pause()  { c.Paused.Store(true) }
func (c *FakeConsumer) Resume() { c.Paused.Store(false) }

func (c *FakeConsumer) WriteRTP(p *rtp.Packet) error {
	if !c.Paused.Load() {
		c.Written.Add(1)
	}
	return nil
}

func (c *FakeConsumer) Close() error {
	c.closed.Store(true)
	return nil
}

// IsClosed reports whether Close was called.
func (c *FakeConsumer) IsClosed() bool { return c.closed.Load() }

// FakePlainTransport implements engine.PlainTransport.
type FakePlainTransport struct {
	id string

	mu          sync.Mutex
	closed      bool
	connected   map[engine.Kind]int
	ConnectedIP string
	Consumers   []*FakeConsumer
}

func NewFakePlainTransport() *FakePlainTransport {
	return &FakePlainTransport{id: uuid.New().String(), connected: make(map[engine.Kind]int)}
}

func (t *FakePlainTransport) ID() string { return t.id }

func (t *FakePlainTransport) Consume(ctx context.Context, producer engine.Producer) (engine.Consumer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, engine.ErrTransportClosed
	}
	if producer.Closed() {
		return nil, engine.ErrProducerClosed
	}
	c := &FakeConsumer{id: uuid.New().String(), producerID: producer.ID(), kind: producer.Kind()}
	c.Paused.Store(true)
	producer.Attach(c)
	t.Consumers = append(t.Consumers, c)
	return c, nil
}

func (t *FakePlainTransport) Connect(ip string, portByKind map[engine.Kind]int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return engine.ErrTransportClosed
	}
	t.ConnectedIP = ip
	for k, p := range portByKind {
		t.connected[k] = p
	}
	return nil
}

// ConnectedPort returns the destination port registered for kind.
func (t *FakePlainTransport) ConnectedPort(kind engine.Kind) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected[kind]
}

func (t *FakePlainTransport) Close() error {
	t.mu.Lock()
	consumers := t.Consumers
	t.closed = true
	t.mu.Unlock()
	for _, c := range consumers {
		_ = c.Close()
	}
	return nil
}

// IsClosed reports whether Close was called.
func (t *FakePlainTransport) IsClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}
