// Package recorder captures candidate streams to disk. A producer published
// by a student triggers a recording session: RTP is looped back through a
// plain transport to an ffmpeg process that writes a webm file. Webcam video
// and mic audio arrive as separate, unordered events; the orchestrator merges
// them into one combined session when they land close enough together.
package recorder

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/KenXD2001/proctor-ai-sfu-server-sub000/internal/domain"
	"github.com/KenXD2001/proctor-ai-sfu-server-sub000/internal/engine"
	pkglog "github.com/KenXD2001/proctor-ai-sfu-server-sub000/pkg/log"
)

// Config tunes the recording pipeline.
type Config struct {
	BasePath              string
	FFmpegPath            string
	RestartWindow         time.Duration
	ProducerActiveTimeout time.Duration
	EncoderReadyTimeout   time.Duration
	ConnectSettle         time.Duration
}

func (c Config) withDefaults() Config {
	if c.BasePath == "" {
		c.BasePath = "recordings"
	}
	if c.RestartWindow <= 0 {
		c.RestartWindow = 5 * time.Second
	}
	if c.ProducerActiveTimeout <= 0 {
		c.ProducerActiveTimeout = 10 * time.Second
	}
	if c.EncoderReadyTimeout <= 0 {
		c.EncoderReadyTimeout = 5 * time.Second
	}
	if c.ConnectSettle <= 0 {
		c.ConnectSettle = 250 * time.Millisecond
	}
	return c
}

// Publisher identifies the peer whose producer triggered the orchestrator.
type Publisher struct {
	RoomID  string
	ConnID  string
	UserID  string
	ExamID  string
	BatchID string
	Role    domain.Role
	Router  engine.Router
}

// Track is one producer as the orchestrator sees it.
type Track struct {
	ProducerID string
	Kind       engine.Kind
	MediaRole  domain.MediaRole
	Producer   engine.Producer
}

// Artifact describes a finished recording handed to the upload collaborator.
type Artifact struct {
	FilePath    string
	ExamID      string
	BatchID     string
	CandidateID string
	Type        string
	Metadata    map[string]string
}

// UploadSink receives completed recordings. Upload and persistence are
// external concerns.
type UploadSink interface {
	UploadAndSaveRecording(ctx context.Context, rec Artifact) error
}

type trackRef struct {
	track Track
	pub   Publisher
}

// Orchestrator decides when to record and drives pipeline construction.
// Decisions run synchronously under the lock inside the produce handler;
// pipeline construction runs in its own goroutine and re-validates session
// state after every blocking step.
type Orchestrator struct {
	cfg        Config
	alloc      *Allocator
	newEncoder EncoderFactory
	sink       UploadSink

	mu         sync.Mutex
	sessions   map[string]*Session
	byProducer map[string]*Session
	tracks     map[string]map[string]trackRef // connID -> producerID
}

// New builds an orchestrator. factory defaults to NewFFmpegEncoder and sink
// may be nil when upload is disabled.
func New(cfg Config, alloc *Allocator, factory EncoderFactory, sink UploadSink) *Orchestrator {
	if factory == nil {
		factory = NewFFmpegEncoder
	}
	return &Orchestrator{
		cfg:        cfg.withDefaults(),
		alloc:      alloc,
		newEncoder: factory,
		sink:       sink,
		sessions:   make(map[string]*Session),
		byProducer: make(map[string]*Session),
		tracks:     make(map[string]map[string]trackRef),
	}
}

// HandleProducer is called from the produce handler after the producer is
// fully created. Only student streams are recorded.
func (o *Orchestrator) HandleProducer(pub Publisher, track Track) {
	if pub.Role != domain.RoleStudent {
		return
	}

	track.Producer.OnClose(func() {
		o.HandleProducerClosed(track.ProducerID)
	})

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.tracks[pub.ConnID] == nil {
		o.tracks[pub.ConnID] = make(map[string]trackRef)
	}
	o.tracks[pub.ConnID][track.ProducerID] = trackRef{track: track, pub: pub}

	switch {
	case track.MediaRole == domain.MediaRoleScreen && track.Kind == engine.KindVideo:
		o.startSessionLocked(pub, "screen", []Track{track})

	case track.MediaRole == domain.MediaRoleWebcam && track.Kind == engine.KindVideo:
		if audio, ok := o.findTrackLocked(pub.ConnID, domain.MediaRoleMic, engine.KindAudio); ok {
			o.startSessionLocked(pub, "webcam", []Track{track, audio})
		} else {
			o.startSessionLocked(pub, "webcam", []Track{track})
		}

	case track.MediaRole == domain.MediaRoleMic && track.Kind == engine.KindAudio:
		o.handleMicLocked(pub, track)
	}
}

// handleMicLocked resolves the video/audio arrival race. Without a webcam
// video producer the audio is never recorded on its own.
func (o *Orchestrator) handleMicLocked(pub Publisher, audio Track) {
	video, ok := o.findTrackLocked(pub.ConnID, domain.MediaRoleWebcam, engine.KindVideo)
	if !ok {
		return
	}

	sess := o.byProducer[video.ProducerID]
	if sess == nil {
		o.startSessionLocked(pub, "webcam", []Track{video, audio})
		return
	}

	if !sess.Combined && time.Since(sess.CreatedAt) < o.cfg.RestartWindow {
		o.deindexLocked(sess)
		go sess.Cleanup()
		o.startSessionLocked(pub, "webcam", []Track{video, audio})
		return
	}

	// Window elapsed: the video-only recording keeps running and this audio
	// stream is dropped for it.
	pkglog.L().Info().
		Str(pkglog.FieldSessionID, sess.ID).
		Str(pkglog.FieldProducerID, audio.ProducerID).
		Msg("audio arrived after restart window, keeping video-only recording")
}

func (o *Orchestrator) findTrackLocked(connID string, role domain.MediaRole, kind engine.Kind) (Track, bool) {
	for _, ref := range o.tracks[connID] {
		if ref.track.MediaRole == role && ref.track.Kind == kind && !ref.track.Producer.Closed() {
			return ref.track, true
		}
	}
	return Track{}, false
}

func (o *Orchestrator) startSessionLocked(pub Publisher, mediaType string, tracks []Track) *Session {
	now := time.Now()
	sess := &Session{
		ID:          uuid.New().String(),
		RoomID:      pub.RoomID,
		ConnID:      pub.ConnID,
		CandidateID: pub.UserID,
		ExamID:      pub.ExamID,
		BatchID:     pub.BatchID,
		MediaType:   mediaType,
		Combined:    len(tracks) > 1,
		CreatedAt:   now,
		OutputPath:  OutputPath(o.cfg.BasePath, mediaType, pub.ExamID, pub.BatchID, pub.UserID, now),
		status:      StatusInitializing,
		onFinished:  o.sessionFinished,
	}
	for _, t := range tracks {
		sess.producerIDs = append(sess.producerIDs, t.ProducerID)
		o.byProducer[t.ProducerID] = sess
	}
	o.sessions[sess.ID] = sess

	go o.buildPipeline(sess, pub, tracks)
	return sess
}

// buildPipeline runs the construction steps for one session. A disconnect or
// producer close may fire Cleanup concurrently; every step checks for that
// and resources attached too late are released here.
func (o *Orchestrator) buildPipeline(sess *Session, pub Publisher, tracks []Track) {
	ctx := context.Background()
	logger := pkglog.L().With().
		Str(pkglog.FieldSessionID, sess.ID).
		Str(pkglog.FieldRoomID, pub.RoomID).
		Str(pkglog.FieldUserID, pub.UserID).
		Logger()

	fail := func(msg string, err error) {
		logger.Error().Err(err).Msg(msg)
		sess.Cleanup()
	}

	plain, err := pub.Router.CreatePlainTransport(ctx)
	if err != nil {
		fail("create plain transport", err)
		return
	}
	if !sess.attachPlain(plain) {
		_ = plain.Close()
		sess.Cleanup()
		return
	}

	for _, t := range tracks {
		if err := o.waitActive(t.Producer); err != nil {
			fail("producer never became active", err)
			return
		}
	}
	if sess.Aborted() {
		sess.Cleanup()
		return
	}

	var consumers []engine.Consumer
	for _, t := range tracks {
		c, err := plain.Consume(ctx, t.Producer)
		if err != nil {
			fail("create recording consumer", err)
			return
		}
		if !sess.attachConsumer(c) {
			_ = c.Close()
			sess.Cleanup()
			return
		}
		consumers = append(consumers, c)
	}

	portByKind := make(map[engine.Kind]int, len(tracks))
	descTracks := make([]TrackDescription, 0, len(tracks))
	ports := make([]int, 0, len(tracks))
	for _, t := range tracks {
		port, err := o.alloc.Allocate()
		if err != nil {
			fail("allocate recorder port", err)
			return
		}
		codec := t.Producer.Codec()
		portByKind[t.Kind] = port
		ports = append(ports, port)
		descTracks = append(descTracks, TrackDescription{
			Kind:        t.Kind,
			Port:        port,
			PayloadType: codec.PayloadType,
			MimeType:    codec.MimeType,
			ClockRate:   codec.ClockRate,
			Channels:    codec.Channels,
		})
	}

	descriptor := filepath.Join(os.TempDir(), fmt.Sprintf("recording_%s.sdp", sess.ID))
	if err := WriteDescriptor(descriptor, descTracks); err != nil {
		fail("write session descriptor", err)
		return
	}
	sess.setDescriptorPath(descriptor)

	enc := o.newEncoder(EncoderSpec{
		FFmpegPath:   o.cfg.FFmpegPath,
		SDPPath:      descriptor,
		OutputPath:   sess.OutputPath,
		Ports:        ports,
		ReadyTimeout: o.cfg.EncoderReadyTimeout,
	})
	if err := enc.Start(); err != nil {
		fail("start encoder", err)
		return
	}
	if !sess.attachEncoder(enc) {
		enc.Stop()
		sess.Cleanup()
		return
	}

	if err := enc.WaitReady(ctx); err != nil {
		fail("encoder readiness", err)
		return
	}
	if sess.Aborted() {
		sess.Cleanup()
		return
	}

	if err := plain.Connect("127.0.0.1", portByKind); err != nil {
		fail("connect plain transport", err)
		return
	}

	time.Sleep(o.cfg.ConnectSettle)
	if sess.Aborted() {
		sess.Cleanup()
		return
	}

	if w, err := watchOutput(sess.OutputPath); err != nil {
		logger.Warn().Err(err).Msg("output watcher unavailable")
	} else if !sess.attachWatcher(w) {
		w.Close()
		sess.Cleanup()
		return
	}

	for _, c := range consumers {
		c.Resume()
	}

	if !sess.markRecording() {
		sess.Cleanup()
		return
	}
	logger.Info().
		Str("output", sess.OutputPath).
		Bool("combined", sess.Combined).
		Msg("recording started")
}

// waitActive polls until the producer has seen media, or it closed, or the
// timeout expired.
func (o *Orchestrator) waitActive(p engine.Producer) error {
	deadline := time.Now().Add(o.cfg.ProducerActiveTimeout)
	for {
		if p.Closed() {
			return fmt.Errorf("producer closed while waiting for media")
		}
		if p.Active() {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("no media within %s", o.cfg.ProducerActiveTimeout)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// HandleProducerClosed tears down the session recording producerID, if any.
func (o *Orchestrator) HandleProducerClosed(producerID string) {
	o.mu.Lock()
	for connID, refs := range o.tracks {
		if _, ok := refs[producerID]; ok {
			delete(refs, producerID)
			if len(refs) == 0 {
				delete(o.tracks, connID)
			}
			break
		}
	}
	sess := o.byProducer[producerID]
	if sess != nil {
		o.deindexLocked(sess)
	}
	o.mu.Unlock()

	if sess != nil {
		sess.Cleanup()
	}
}

// CleanupPeer tears down every session owned by a disconnecting peer. Safe
// while sessions are mid-initializing; construction converges to torn-down.
func (o *Orchestrator) CleanupPeer(connID string) {
	o.mu.Lock()
	delete(o.tracks, connID)
	var owned []*Session
	for _, sess := range o.sessions {
		if sess.ConnID == connID {
			owned = append(owned, sess)
		}
	}
	for _, sess := range owned {
		o.deindexLocked(sess)
	}
	o.mu.Unlock()

	for _, sess := range owned {
		sess.Cleanup()
	}
}

func (o *Orchestrator) deindexLocked(sess *Session) {
	delete(o.sessions, sess.ID)
	for _, id := range sess.ProducerIDs() {
		if o.byProducer[id] == sess {
			delete(o.byProducer, id)
		}
	}
}

// sessionFinished runs at the end of Cleanup, exactly once per session.
func (o *Orchestrator) sessionFinished(sess *Session, completed bool) {
	o.mu.Lock()
	o.deindexLocked(sess)
	o.mu.Unlock()

	logger := pkglog.L().With().
		Str(pkglog.FieldSessionID, sess.ID).
		Str("output", sess.OutputPath).
		Logger()

	if !completed {
		logger.Warn().Msg("recording finished without data")
		return
	}
	logger.Info().Msg("recording completed")

	if o.sink == nil {
		return
	}
	go func() {
		err := o.sink.UploadAndSaveRecording(context.Background(), Artifact{
			FilePath:    sess.OutputPath,
			ExamID:      sess.ExamID,
			BatchID:     sess.BatchID,
			CandidateID: sess.CandidateID,
			Type:        sess.MediaType,
			Metadata: map[string]string{
				"sessionId": sess.ID,
				"roomId":    sess.RoomID,
				"combined":  fmt.Sprintf("%t", sess.Combined),
			},
		})
		if err != nil {
			logger.Error().Err(err).Msg("recording upload failed")
		}
	}()
}

// SessionFor returns the live session recording producerID, if any.
func (o *Orchestrator) SessionFor(producerID string) (*Session, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	sess, ok := o.byProducer[producerID]
	return sess, ok
}

// Snapshot lists live sessions for the introspection API.
func (o *Orchestrator) Snapshot() []SessionSnapshot {
	o.mu.Lock()
	live := make([]*Session, 0, len(o.sessions))
	for _, sess := range o.sessions {
		live = append(live, sess)
	}
	o.mu.Unlock()

	out := make([]SessionSnapshot, 0, len(live))
	for _, sess := range live {
		out = append(out, sess.snapshot())
	}
	return out
}

// Close tears down every live session.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	var all []*Session
	for _, sess := range o.sessions {
		all = append(all, sess)
	}
	o.sessions = make(map[string]*Session)
	o.byProducer = make(map[string]*Session)
	o.tracks = make(map[string]map[string]trackRef)
	o.mu.Unlock()

	var wg sync.WaitGroup
	for _, sess := range all {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.Cleanup()
		}(sess)
	}
	wg.Wait()
}
