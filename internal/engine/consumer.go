package engine

import (
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// pionConsumer forwards a producer's packets to one remote viewer through an
// RTP sender on the viewer's recv transport.
type pionConsumer struct {
	id         string
	producerID string
	kind       Kind
	track      *webrtc.TrackLocalStaticRTP
	sender     *webrtc.RTPSender
	producer   Producer
	params     ConsumerRTPParameters

	paused atomic.Bool
	once   sync.Once
}

func (c *pionConsumer) ID() string         { return c.id }
func (c *pionConsumer) ProducerID() string { return c.producerID }
func (c *pionConsumer) Kind() Kind         { return c.kind }

func (c *pionConsumer) RTPParameters() ConsumerRTPParameters { return c.params }

func (c *pionConsumer) Pause()  { c.paused.Store(true) }
func (c *pionConsumer) Resume() { c.paused.Store(false) }

// WriteRTP implements RTPSink; the producer's read loop calls it.
func (c *pionConsumer) WriteRTP(p *rtp.Packet) error {
	if c.paused.Load() {
		return nil
	}
	return c.track.WriteRTP(p)
}

func (c *pionConsumer) Close() error {
	c.once.Do(func() {
		c.producer.Detach(c.id)
		_ = c.sender.Stop()
	})
	return nil
}
