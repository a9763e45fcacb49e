package engine

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/rtp"
)

// pionPlainTransport sends recorded RTP to a local UDP destination. Unlike
// client transports it is the sender side; the encoder process receives.
type pionPlainTransport struct {
	id string

	mu        sync.RWMutex
	conns     map[Kind]*net.UDPConn
	consumers map[string]*plainConsumer
	closed    bool
}

func newPlainTransport() *pionPlainTransport {
	return &pionPlainTransport{
		id:        uuid.New().String(),
		conns:     make(map[Kind]*net.UDPConn),
		consumers: make(map[string]*plainConsumer),
	}
}

func (t *pionPlainTransport) ID() string { return t.id }

// Consume attaches a recording consumer to producer. The consumer starts
// paused; packets flow only after Connect and an explicit Resume.
func (t *pionPlainTransport) Consume(ctx context.Context, producer Producer) (Consumer, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, engineErr("plain consume", ErrTransportClosed)
	}
	t.mu.Unlock()

	if producer.Closed() {
		return nil, engineErr("plain consume", ErrProducerClosed)
	}

	codec := producer.Codec()
	c := &plainConsumer{
		id:         uuid.New().String(),
		producerID: producer.ID(),
		kind:       producer.Kind(),
		transport:  t,
		producer:   producer,
		params: ConsumerRTPParameters{
			MimeType:    codec.MimeType,
			PayloadType: codec.PayloadType,
			ClockRate:   codec.ClockRate,
			Channels:    codec.Channels,
		},
	}
	c.paused.Store(true)

	producer.Attach(c)

	t.mu.Lock()
	t.consumers[c.id] = c
	t.mu.Unlock()

	return c, nil
}

// Connect dials one UDP flow per media kind toward the encoder's ports.
func (t *pionPlainTransport) Connect(ip string, portByKind map[Kind]int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return engineErr("plain connect", ErrTransportClosed)
	}

	for kind, port := range portByKind {
		raddr := &net.UDPAddr{IP: net.ParseIP(ip), Port: port}
		if raddr.IP == nil {
			return engineErr("plain connect", fmt.Errorf("invalid ip %q", ip))
		}
		conn, err := net.DialUDP("udp", nil, raddr)
		if err != nil {
			return engineErr("plain connect", err)
		}
		if old, ok := t.conns[kind]; ok {
			_ = old.Close()
		}
		t.conns[kind] = conn
	}
	return nil
}

func (t *pionPlainTransport) write(kind Kind, p *rtp.Packet) error {
	t.mu.RLock()
	conn := t.conns[kind]
	closed := t.closed
	t.mu.RUnlock()

	if closed || conn == nil {
		return nil
	}

	buf, err := p.Marshal()
	if err != nil {
		return err
	}
	_, err = conn.Write(buf)
	return err
}

func (t *pionPlainTransport) forget(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.consumers, id)
}

func (t *pionPlainTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	consumers := make([]*plainConsumer, 0, len(t.consumers))
	for _, c := range t.consumers {
		consumers = append(consumers, c)
	}
	t.consumers = make(map[string]*plainConsumer)
	conns := make([]*net.UDPConn, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	t.conns = make(map[Kind]*net.UDPConn)
	t.mu.Unlock()

	for _, c := range consumers {
		_ = c.Close()
	}
	for _, c := range conns {
		_ = c.Close()
	}
	return nil
}

// plainConsumer is the recording-side subscription: it forwards the
// producer's packets into the plain transport's UDP flow for its kind.
type plainConsumer struct {
	id         string
	producerID string
	kind       Kind
	transport  *pionPlainTransport
	producer   Producer
	params     ConsumerRTPParameters

	paused atomic.Bool
	once   sync.Once
}

func (c *plainConsumer) ID() string         { return c.id }
func (c *plainConsumer) ProducerID() string { return c.producerID }
func (c *plainConsumer) Kind() Kind         { return c.kind }

func (c *plainConsumer) RTPParameters() ConsumerRTPParameters { return c.params }

func (c *plainConsumer) Pause()  { c.paused.Store(true) }
func (c *plainConsumer) Resume() { c.paused.Store(false) }

func (c *plainConsumer) WriteRTP(p *rtp.Packet) error {
	if c.paused.Load() {
		return nil
	}
	return c.transport.write(c.kind, p)
}

func (c *plainConsumer) Close() error {
	c.once.Do(func() {
		c.paused.Store(true)
		c.producer.Detach(c.id)
		c.transport.forget(c.id)
	})
	return nil
}
