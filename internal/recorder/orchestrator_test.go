package recorder

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KenXD2001/proctor-ai-sfu-server-sub000/internal/domain"
	"github.com/KenXD2001/proctor-ai-sfu-server-sub000/internal/engine"
	"github.com/KenXD2001/proctor-ai-sfu-server-sub000/internal/engine/enginetest"
)

type fakeEncoder struct {
	spec      EncoderSpec
	writeData bool
	blockTil  chan struct{}

	started atomic.Bool
	stops   atomic.Int32
	done    chan struct{}
	once    sync.Once
}

func (e *fakeEncoder) Start() error {
	if e.writeData {
		if err := os.MkdirAll(filepath.Dir(e.spec.OutputPath), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(e.spec.OutputPath, []byte("frames"), 0o644); err != nil {
			return err
		}
	}
	e.started.Store(true)
	return nil
}

func (e *fakeEncoder) WaitReady(ctx context.Context) error {
	if e.blockTil != nil {
		select {
		case <-e.blockTil:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (e *fakeEncoder) Stop() {
	e.stops.Add(1)
	e.once.Do(func() { close(e.done) })
}

func (e *fakeEncoder) Done() <-chan struct{} { return e.done }

type encoderFactory struct {
	mu        sync.Mutex
	writeData bool
	blockTil  chan struct{}
	created   []*fakeEncoder
}

func (f *encoderFactory) new(spec EncoderSpec) Encoder {
	f.mu.Lock()
	defer f.mu.Unlock()
	enc := &fakeEncoder{spec: spec, writeData: f.writeData, blockTil: f.blockTil, done: make(chan struct{})}
	f.created = append(f.created, enc)
	return enc
}

func (f *encoderFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

func (f *encoderFactory) at(i int) *fakeEncoder {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created[i]
}

func newTestOrchestrator(t *testing.T, mutate func(*Config), factory *encoderFactory) *Orchestrator {
	t.Helper()
	cfg := Config{
		BasePath:              t.TempDir(),
		RestartWindow:         5 * time.Second,
		ProducerActiveTimeout: time.Second,
		EncoderReadyTimeout:   time.Second,
		ConnectSettle:         time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	alloc, err := NewAllocator(50000, 50100, func(int) bool { return true })
	require.NoError(t, err)
	o := New(cfg, alloc, factory.new, nil)
	t.Cleanup(o.Close)
	return o
}

func studentPublisher(router engine.Router) Publisher {
	return Publisher{
		RoomID:  "batch-1",
		ConnID:  "conn-1",
		UserID:  "cand-7",
		ExamID:  "exam-9",
		BatchID: "batch-1",
		Role:    domain.RoleStudent,
		Router:  router,
	}
}

func newTrack(mediaRole domain.MediaRole, kind engine.Kind) (Track, *enginetest.FakeProducer) {
	p := enginetest.NewFakeProducer(kind)
	return Track{ProducerID: p.ID(), Kind: kind, MediaRole: mediaRole, Producer: p}, p
}

func newTestRouter(t *testing.T) *enginetest.FakeRouter {
	t.Helper()
	eng := enginetest.NewFakeEngine()
	router, err := eng.CreateRouter(context.Background())
	require.NoError(t, err)
	return router.(*enginetest.FakeRouter)
}

func waitStatus(t *testing.T, sess *Session, want Status) {
	t.Helper()
	require.Eventually(t, func() bool { return sess.Status() == want },
		2*time.Second, 5*time.Millisecond, "session never reached %s (got %s)", want, sess.Status())
}

func TestScreenProducerRecordsAndCleansUpOnce(t *testing.T) {
	factory := &encoderFactory{writeData: true}
	o := newTestOrchestrator(t, nil, factory)
	router := newTestRouter(t)

	track, producer := newTrack(domain.MediaRoleScreen, engine.KindVideo)
	o.HandleProducer(studentPublisher(router), track)

	sess, ok := o.SessionFor(track.ProducerID)
	require.True(t, ok)
	assert.Equal(t, "screen", sess.MediaType)
	assert.False(t, sess.Combined)

	// Output path follows the documented template.
	rel, err := filepath.Rel(o.cfg.BasePath, sess.OutputPath)
	require.NoError(t, err)
	parts := strings.Split(rel, string(filepath.Separator))
	require.Len(t, parts, 5)
	assert.Equal(t, []string{"screen", "exam-9", "batch-1", "cand-7"}, parts[:4])
	assert.True(t, strings.HasPrefix(parts[4], "screen_recording_"))
	assert.True(t, strings.HasSuffix(parts[4], ".webm"))

	waitStatus(t, sess, StatusRecording)
	require.Equal(t, 1, factory.count())
	assert.True(t, factory.at(0).started.Load())

	// The plain transport points at the encoder's loopback port.
	require.Len(t, router.PlainTransports, 1)
	plain := router.PlainTransports[0]
	assert.Equal(t, "127.0.0.1", plain.ConnectedIP)
	assert.NotZero(t, plain.ConnectedPort(engine.KindVideo))
	require.Len(t, plain.Consumers, 1)
	assert.False(t, plain.Consumers[0].Paused.Load())

	descriptor := sess.DescriptorPath
	_, err = os.Stat(descriptor)
	require.NoError(t, err)

	// Closing the producer drives cleanup exactly once.
	require.NoError(t, producer.Close())
	waitStatus(t, sess, StatusCompleted)

	assert.Equal(t, int32(1), factory.at(0).stops.Load())
	assert.True(t, plain.IsClosed())
	assert.True(t, plain.Consumers[0].IsClosed())
	_, err = os.Stat(descriptor)
	assert.True(t, os.IsNotExist(err))

	_, ok = o.SessionFor(track.ProducerID)
	assert.False(t, ok)
	assert.Empty(t, o.Snapshot())
}

func TestNonStudentProducersIgnored(t *testing.T) {
	factory := &encoderFactory{}
	o := newTestOrchestrator(t, nil, factory)
	router := newTestRouter(t)

	pub := studentPublisher(router)
	pub.Role = domain.RoleInvigilator
	track, _ := newTrack(domain.MediaRoleWebcam, engine.KindVideo)
	o.HandleProducer(pub, track)

	_, ok := o.SessionFor(track.ProducerID)
	assert.False(t, ok)
	assert.Zero(t, factory.count())
}

func TestAudioWithoutVideoIsNoop(t *testing.T) {
	factory := &encoderFactory{}
	o := newTestOrchestrator(t, nil, factory)
	router := newTestRouter(t)

	track, _ := newTrack(domain.MediaRoleMic, engine.KindAudio)
	o.HandleProducer(studentPublisher(router), track)

	_, ok := o.SessionFor(track.ProducerID)
	assert.False(t, ok)
	assert.Zero(t, factory.count())
	assert.Empty(t, o.Snapshot())
}

func TestVideoAfterAudioStartsCombined(t *testing.T) {
	factory := &encoderFactory{writeData: true}
	o := newTestOrchestrator(t, nil, factory)
	router := newTestRouter(t)
	pub := studentPublisher(router)

	audio, _ := newTrack(domain.MediaRoleMic, engine.KindAudio)
	o.HandleProducer(pub, audio)

	video, _ := newTrack(domain.MediaRoleWebcam, engine.KindVideo)
	o.HandleProducer(pub, video)

	sess, ok := o.SessionFor(video.ProducerID)
	require.True(t, ok)
	assert.True(t, sess.Combined)
	assert.Equal(t, "webcam", sess.MediaType)
	assert.ElementsMatch(t, []string{video.ProducerID, audio.ProducerID}, sess.ProducerIDs())

	audioSess, ok := o.SessionFor(audio.ProducerID)
	require.True(t, ok)
	assert.Same(t, sess, audioSess)

	waitStatus(t, sess, StatusRecording)
	assert.Equal(t, 1, factory.count())

	// Both kinds got loopback ports.
	plain := router.PlainTransports[0]
	assert.NotZero(t, plain.ConnectedPort(engine.KindVideo))
	assert.NotZero(t, plain.ConnectedPort(engine.KindAudio))
	assert.NotEqual(t, plain.ConnectedPort(engine.KindVideo), plain.ConnectedPort(engine.KindAudio))
}

func TestAudioWithinWindowRestartsAsCombined(t *testing.T) {
	factory := &encoderFactory{writeData: true}
	o := newTestOrchestrator(t, nil, factory)
	router := newTestRouter(t)
	pub := studentPublisher(router)

	video, _ := newTrack(domain.MediaRoleWebcam, engine.KindVideo)
	o.HandleProducer(pub, video)

	first, ok := o.SessionFor(video.ProducerID)
	require.True(t, ok)
	assert.False(t, first.Combined)
	waitStatus(t, first, StatusRecording)

	audio, _ := newTrack(domain.MediaRoleMic, engine.KindAudio)
	o.HandleProducer(pub, audio)

	second, ok := o.SessionFor(video.ProducerID)
	require.True(t, ok)
	require.NotSame(t, first, second)
	assert.True(t, second.Combined)
	assert.ElementsMatch(t, []string{video.ProducerID, audio.ProducerID}, second.ProducerIDs())

	// The replaced video-only session fully tears down: process stopped,
	// transport closed, no stale index entries.
	waitStatus(t, first, StatusCompleted)
	assert.Equal(t, int32(1), factory.at(0).stops.Load())
	waitStatus(t, second, StatusRecording)
	assert.Equal(t, 2, factory.count())

	snaps := o.Snapshot()
	require.Len(t, snaps, 1)
	assert.Equal(t, second.ID, snaps[0].ID)
}

func TestAudioAfterWindowIsDropped(t *testing.T) {
	factory := &encoderFactory{writeData: true}
	o := newTestOrchestrator(t, func(c *Config) { c.RestartWindow = 30 * time.Millisecond }, factory)
	router := newTestRouter(t)
	pub := studentPublisher(router)

	video, _ := newTrack(domain.MediaRoleWebcam, engine.KindVideo)
	o.HandleProducer(pub, video)
	first, ok := o.SessionFor(video.ProducerID)
	require.True(t, ok)
	waitStatus(t, first, StatusRecording)

	time.Sleep(60 * time.Millisecond)

	audio, _ := newTrack(domain.MediaRoleMic, engine.KindAudio)
	o.HandleProducer(pub, audio)

	// The video-only session survives; the audio never gets one.
	current, ok := o.SessionFor(video.ProducerID)
	require.True(t, ok)
	assert.Same(t, first, current)
	assert.False(t, first.Combined)
	_, ok = o.SessionFor(audio.ProducerID)
	assert.False(t, ok)
	assert.Equal(t, 1, factory.count())
	assert.Equal(t, StatusRecording, first.Status())
}

func TestDisconnectDuringInitializationConverges(t *testing.T) {
	release := make(chan struct{})
	factory := &encoderFactory{blockTil: release}
	o := newTestOrchestrator(t, nil, factory)
	router := newTestRouter(t)
	pub := studentPublisher(router)

	track, _ := newTrack(domain.MediaRoleScreen, engine.KindVideo)
	o.HandleProducer(pub, track)

	sess, ok := o.SessionFor(track.ProducerID)
	require.True(t, ok)

	// Wait until construction is blocked inside encoder readiness.
	require.Eventually(t, func() bool { return factory.count() == 1 && factory.at(0).started.Load() },
		2*time.Second, 5*time.Millisecond)

	o.CleanupPeer(pub.ConnID)
	close(release)

	waitStatus(t, sess, StatusFailed)
	assert.Equal(t, int32(1), factory.at(0).stops.Load())
	require.Len(t, router.PlainTransports, 1)
	assert.True(t, router.PlainTransports[0].IsClosed())
	assert.Empty(t, o.Snapshot())
}

func TestProducerNeverActiveFailsSession(t *testing.T) {
	factory := &encoderFactory{}
	o := newTestOrchestrator(t, func(c *Config) { c.ProducerActiveTimeout = 30 * time.Millisecond }, factory)
	router := newTestRouter(t)

	track, producer := newTrack(domain.MediaRoleScreen, engine.KindVideo)
	producer.SetActive(false)
	o.HandleProducer(studentPublisher(router), track)

	sess, ok := o.SessionFor(track.ProducerID)
	require.True(t, ok)
	waitStatus(t, sess, StatusFailed)
	assert.Zero(t, factory.count())
	assert.Empty(t, o.Snapshot())
}
