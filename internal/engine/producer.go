package engine

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

// pionProducer owns the RTP receiver of one published track and fans packets
// out to attached sinks. The read loop is the producer's lifetime: when it
// ends, the producer closes.
type pionProducer struct {
	id    string
	kind  Kind
	codec CodecCapability

	receiver *webrtc.RTPReceiver

	mu      sync.RWMutex
	sinks   map[string]RTPSink
	onClose []func()

	active atomic.Bool
	closed atomic.Bool
	once   sync.Once
}

func newPionProducer(kind Kind, codec CodecCapability, receiver *webrtc.RTPReceiver) *pionProducer {
	p := &pionProducer{
		id:       uuid.New().String(),
		kind:     kind,
		codec:    codec,
		receiver: receiver,
		sinks:    make(map[string]RTPSink),
	}
	go p.readLoop()
	return p
}

func (p *pionProducer) ID() string              { return p.id }
func (p *pionProducer) Kind() Kind              { return p.kind }
func (p *pionProducer) Codec() CodecCapability  { return p.codec }
func (p *pionProducer) Active() bool            { return p.active.Load() && !p.closed.Load() }
func (p *pionProducer) Closed() bool            { return p.closed.Load() }

func (p *pionProducer) OnClose(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed.Load() {
		go fn()
		return
	}
	p.onClose = append(p.onClose, fn)
}

func (p *pionProducer) Attach(sink RTPSink) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sinks[sink.ID()] = sink
}

func (p *pionProducer) Detach(sinkID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.sinks, sinkID)
}

func (p *pionProducer) readLoop() {
	track := p.receiver.Track()
	if track == nil {
		_ = p.Close()
		return
	}

	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			_ = p.Close()
			return
		}

		p.active.Store(true)

		p.mu.RLock()
		sinks := make([]RTPSink, 0, len(p.sinks))
		for _, s := range p.sinks {
			sinks = append(sinks, s)
		}
		p.mu.RUnlock()

		for _, s := range sinks {
			// A slow or failed sink never stalls the publisher.
			_ = s.WriteRTP(pkt)
		}
	}
}

// Close stops the receiver, closes attached sinks, and fires OnClose
// callbacks exactly once.
func (p *pionProducer) Close() error {
	p.once.Do(func() {
		p.closed.Store(true)
		p.active.Store(false)

		_ = p.receiver.Stop()

		p.mu.Lock()
		sinks := make([]RTPSink, 0, len(p.sinks))
		for _, s := range p.sinks {
			sinks = append(sinks, s)
		}
		p.sinks = make(map[string]RTPSink)
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
