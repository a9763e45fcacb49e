package engine

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

// pionTransport is an ORTC bundle: ICE gatherer + ICE transport + DTLS
// transport. The server takes the controlled ICE role; the client dials in.
type pionTransport struct {
	id     string
	router *pionRouter

	gatherer *webrtc.ICEGatherer
	ice      *webrtc.ICETransport
	dtls     *webrtc.DTLSTransport

	params TransportParameters

	mu        sync.Mutex
	producers map[string]*pionProducer
	consumers map[string]*pionConsumer
	connected bool
	closed    bool
}

func newPionTransport(ctx context.Context, r *pionRouter) (*pionTransport, error) {
	gatherer, err := r.api.NewICEGatherer(webrtc.ICEGatherOptions{})
	if err != nil {
		return nil, err
	}

	ice := r.api.NewICETransport(gatherer)

	dtls, err := r.api.NewDTLSTransport(ice, nil)
	if err != nil {
		return nil, err
	}

	gatherDone := make(chan struct{})
	gatherer.OnLocalCandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			close(gatherDone)
		}
	})
	if err := gatherer.Gather(); err != nil {
		return nil, err
	}

	select {
	case <-gatherDone:
	case <-ctx.Done():
		_ = gatherer.Close()
		return nil, ctx.Err()
	}

	iceParams, err := gatherer.GetLocalParameters()
	if err != nil {
		return nil, err
	}
	candidates, err := gatherer.GetLocalCandidates()
	if err != nil {
		return nil, err
	}
	dtlsParams, err := dtls.GetLocalParameters()
	if err != nil {
		return nil, err
	}

	return &pionTransport{
		id:       uuid.New().String(),
		router:   r,
		gatherer: gatherer,
		ice:      ice,
		dtls:     dtls,
		params: TransportParameters{
			ICEParameters:  iceParams,
			ICECandidates:  candidates,
			DTLSParameters: dtlsParams,
		},
		producers: make(map[string]*pionProducer),
		consumers: make(map[string]*pionConsumer),
	}, nil
}

func (t *pionTransport) ID() string { return t.id }

func (t *pionTransport) Parameters() TransportParameters { return t.params }

func (t *pionTransport) Connect(ctx context.Context, params ConnectParameters) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return engineErr("connect transport", ErrTransportClosed)
	}
	if t.connected {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	if len(params.ICECandidates) > 0 {
		if err := t.ice.SetRemoteCandidates(params.ICECandidates); err != nil {
			return engineErr("set remote candidates", err)
		}
	}

	role := webrtc.ICERoleControlled
	if err := t.ice.Start(t.gatherer, params.ICEParameters, &role); err != nil {
		return engineErr("start ice", err)
	}
	if err := t.dtls.Start(params.DTLSParameters); err != nil {
		return engineErr("start dtls", err)
	}

	t.mu.Lock()
	t.connected = true
	t.mu.Unlock()
	return nil
}

func (t *pionTransport) Produce(ctx context.Context, kind Kind, params ProduceParameters) (Producer, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, engineErr("produce", ErrTransportClosed)
	}
	t.mu.Unlock()

	codec, ok := t.router.codecByMime(params.MimeType, params.PayloadType)
	if !ok {
		return nil, engineErr("produce", ErrUnsupportedCodec)
	}

	typ := webrtc.RTPCodecTypeVideo
	if kind == KindAudio {
		typ = webrtc.RTPCodecTypeAudio
	}

	receiver, err := t.router.api.NewRTPReceiver(typ, t.dtls)
	if err != nil {
		return nil, engineErr("create receiver", err)
	}

	if err := receiver.Receive(webrtc.RTPReceiveParameters{
		Encodings: []webrtc.RTPDecodingParameters{{
			RTPCodingParameters: webrtc.RTPCodingParameters{
				SSRC:        webrtc.SSRC(params.SSRC),
				PayloadType: webrtc.PayloadType(codec.PayloadType),
			},
		}},
	}); err != nil {
		return nil, engineErr("receive", err)
	}

	p := newPionProducer(kind, codec, receiver)

	t.mu.Lock()
	t.producers[p.ID()] = p
	t.mu.Unlock()
	p.OnClose(func() { t.forgetProducer(p.ID()) })

	return p, nil
}

func (t *pionTransport) Consume(ctx context.Context, producer Producer) (Consumer, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, engineErr("consume", ErrTransportClosed)
	}
	t.mu.Unlock()

	if producer.Closed() {
		return nil, engineErr("consume", ErrProducerClosed)
	}

	codec := producer.Codec()
	track, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{
		MimeType:    codec.MimeType,
		ClockRate:   codec.ClockRate,
		Channels:    codec.Channels,
		SDPFmtpLine: codec.SDPFmtpLine,
	}, "track-"+producer.ID(), "proctor-"+producer.ID())
	if err != nil {
		return nil, engineErr("create local track", err)
	}

	sender, err := t.router.api.NewRTPSender(track, t.dtls)
	if err != nil {
		return nil, engineErr("create sender", err)
	}
	sendParams := sender.GetParameters()
	if err := sender.Send(sendParams); err != nil {
		return nil, engineErr("send", err)
	}

	var ssrc uint32
	if len(sendParams.Encodings) > 0 {
		ssrc = uint32(sendParams.Encodings[0].SSRC)
	}

	c := &pionConsumer{
		id:         uuid.New().String(),
		producerID: producer.ID(),
		kind:       producer.Kind(),
		track:      track,
		sender:     sender,
		producer:   producer,
		params: ConsumerRTPParameters{
			MimeType:    codec.MimeType,
			PayloadType: codec.PayloadType,
			SSRC:        ssrc,
			ClockRate:   codec.ClockRate,
			Channels:    codec.Channels,
		},
	}

	producer.Attach(c)

	t.mu.Lock()
	t.consumers[c.id] = c
	t.mu.Unlock()

	return c, nil
}

func (t *pionTransport) forgetProducer(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.producers, id)
}

func (t *pionTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	producers := make([]*pionProducer, 0, len(t.producers))
	for _, p := range t.producers {
		producers = append(producers, p)
	}
	consumers := make([]*pionConsumer, 0, len(t.consumers))
	for _, c := range t.consumers {
		consumers = append(consumers, c)
	}
	t.producers = make(map[string]*pionProducer)
	t.consumers = make(map[string]*pionConsumer)
	t.mu.Unlock()

	for _, p := range producers {
		_ = p.Close()
	}
	for _, c := range consumers {
		_ = c.Close()
	}

	_ = t.dtls.Stop()
	_ = t.ice.Stop()
	_ = t.gatherer.Close()

	t.router.forget(t.id)
	return nil
}
