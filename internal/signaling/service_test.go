package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KenXD2001/proctor-ai-sfu-server-sub000/internal/domain"
	"github.com/KenXD2001/proctor-ai-sfu-server-sub000/internal/engine"
	"github.com/KenXD2001/proctor-ai-sfu-server-sub000/internal/engine/enginetest"
	"github.com/KenXD2001/proctor-ai-sfu-server-sub000/internal/policy"
	"github.com/KenXD2001/proctor-ai-sfu-server-sub000/internal/registry"
)

type fakeNotifier struct {
	mu   sync.Mutex
	sent map[string][]interface{}
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{sent: make(map[string][]interface{})}
}

func (n *fakeNotifier) SendToClient(connID string, message interface{}) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent[connID] = append(n.sent[connID], message)
	return nil
}

func (n *fakeNotifier) messagesFor(connID string) []interface{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]interface{}(nil), n.sent[connID]...)
}

type serviceFixture struct {
	service  *Service
	registry *registry.Registry
	notifier *fakeNotifier
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	reg := registry.New(enginetest.NewFakeEngine(), policy.Default())
	notifier := newFakeNotifier()
	return &serviceFixture{
		service:  NewService(reg, policy.Default(), nil, notifier),
		registry: reg,
		notifier: notifier,
	}
}

func (f *serviceFixture) join(t *testing.T, id Identity, roomID string) {
	t.Helper()
	_, err := f.service.JoinRoom(context.Background(), id, domain.JoinRoomRequest{RoomID: roomID, ExamID: "exam-1"})
	require.NoError(t, err)
}

func (f *serviceFixture) produce(t *testing.T, id Identity, kind, mediaRole string) string {
	t.Helper()
	reply, err := f.service.CreateTransport(context.Background(), id, domain.CreateTransportRequest{Direction: "send"})
	require.NoError(t, err)
	prod, err := f.service.Produce(context.Background(), id, domain.ProduceRequest{
		TransportID:   reply.TransportID,
		Kind:          kind,
		RTPParameters: json.RawMessage(`{}`),
		AppData:       domain.AppData{MediaRole: mediaRole},
	})
	require.NoError(t, err)
	return prod.ProducerID
}

var (
	studentID     = Identity{ConnID: "conn-student", UserID: "user-student", Role: domain.RoleStudent}
	invigilatorID = Identity{ConnID: "conn-invig", UserID: "user-invig", Role: domain.RoleInvigilator}
	adminID       = Identity{ConnID: "conn-admin", UserID: "user-admin", Role: domain.RoleAdmin}
)

func TestJoinRoomRequiresRoomID(t *testing.T) {
	f := newServiceFixture(t)
	_, err := f.service.JoinRoom(context.Background(), studentID, domain.JoinRoomRequest{})
	require.Error(t, err)
	assert.Equal(t, domain.ErrCodeBadRequest, CodeOf(err))
}

func TestJoinRoomReturnsRouterCapabilities(t *testing.T) {
	f := newServiceFixture(t)
	reply, err := f.service.JoinRoom(context.Background(), studentID, domain.JoinRoomRequest{RoomID: "room-1"})
	require.NoError(t, err)
	assert.Equal(t, "room-1", reply.RoomID)
	assert.Equal(t, studentID.ConnID, reply.PeerID)

	var caps []engine.CodecCapability
	require.NoError(t, json.Unmarshal(reply.RouterCapabilities, &caps))
	assert.NotEmpty(t, caps)
}

func TestExistingProducersFollowsHierarchy(t *testing.T) {
	f := newServiceFixture(t)
	f.join(t, studentID, "room-1")
	f.join(t, invigilatorID, "room-1")
	f.join(t, adminID, "room-1")

	studentProducer := f.produce(t, studentID, "video", "webcam")
	invigProducer := f.produce(t, invigilatorID, "video", "webcam")

	// Invigilators see student streams only.
	snap, err := f.service.ExistingProducers(invigilatorID)
	require.NoError(t, err)
	require.Len(t, snap.Producers, 1)
	assert.Equal(t, studentProducer, snap.Producers[0].ProducerID)

	// Admin oversight covers invigilators, not students.
	snap, err = f.service.ExistingProducers(adminID)
	require.NoError(t, err)
	require.Len(t, snap.Producers, 1)
	assert.Equal(t, invigProducer, snap.Producers[0].ProducerID)

	// Students see nobody.
	snap, err = f.service.ExistingProducers(studentID)
	require.NoError(t, err)
	assert.Empty(t, snap.Producers)
}

func TestProduceAnnouncesToPermittedViewersOnly(t *testing.T) {
	f := newServiceFixture(t)
	f.join(t, studentID, "room-1")
	f.join(t, invigilatorID, "room-1")
	f.join(t, adminID, "room-1")

	producerID := f.produce(t, studentID, "video", "screen")

	invigMsgs := f.notifier.messagesFor(invigilatorID.ConnID)
	require.Len(t, invigMsgs, 1)
	announce, ok := invigMsgs[0].(domain.NewProducerMessage)
	require.True(t, ok)
	assert.Equal(t, domain.MsgTypeNewProducer, announce.Type)
	assert.Equal(t, producerID, announce.ProducerID)
	assert.Equal(t, "screen", announce.MediaRole)

	assert.Empty(t, f.notifier.messagesFor(adminID.ConnID))
	assert.Empty(t, f.notifier.messagesFor(studentID.ConnID))
}

func TestProduceRejectsBadInput(t *testing.T) {
	f := newServiceFixture(t)
	f.join(t, studentID, "room-1")

	_, err := f.service.Produce(context.Background(), studentID, domain.ProduceRequest{
		TransportID:   "t1",
		Kind:          "data",
		RTPParameters: json.RawMessage(`{}`),
		AppData:       domain.AppData{MediaRole: "webcam"},
	})
	require.Error(t, err)
	assert.Equal(t, domain.ErrCodeBadRequest, CodeOf(err))

	_, err = f.service.Produce(context.Background(), studentID, domain.ProduceRequest{
		TransportID:   "t1",
		Kind:          "video",
		RTPParameters: json.RawMessage(`{}`),
		AppData:       domain.AppData{MediaRole: "desktop"},
	})
	require.Error(t, err)
	assert.Equal(t, domain.ErrCodeBadRequest, CodeOf(err))

	_, err = f.service.Produce(context.Background(), studentID, domain.ProduceRequest{
		TransportID:   "missing",
		Kind:          "video",
		RTPParameters: json.RawMessage(`{}`),
		AppData:       domain.AppData{MediaRole: "webcam"},
	})
	require.Error(t, err)
	assert.Equal(t, domain.ErrCodeTransportNotFound, CodeOf(err))
}

func TestConsumeForbiddenAgainstHierarchy(t *testing.T) {
	f := newServiceFixture(t)
	f.join(t, studentID, "room-1")
	f.join(t, invigilatorID, "room-1")

	producerID := f.produce(t, invigilatorID, "video", "webcam")

	_, err := f.service.Consume(context.Background(), studentID, domain.ConsumeRequest{ProducerID: producerID})
	require.Error(t, err)
	assert.Equal(t, domain.ErrCodeForbidden, CodeOf(err))
}

func TestConsumeAutoCreatesRecvTransport(t *testing.T) {
	f := newServiceFixture(t)
	f.join(t, studentID, "room-1")
	f.join(t, invigilatorID, "room-1")

	producerID := f.produce(t, studentID, "video", "webcam")

	_, ok := f.registry.RecvTransport(invigilatorID.ConnID)
	require.False(t, ok)

	reply, err := f.service.Consume(context.Background(), invigilatorID, domain.ConsumeRequest{ProducerID: producerID})
	require.NoError(t, err)
	assert.Equal(t, producerID, reply.ProducerID)
	assert.Equal(t, "video", reply.Kind)
	assert.NotEmpty(t, reply.ConsumerID)

	recv, ok := f.registry.RecvTransport(invigilatorID.ConnID)
	require.True(t, ok)
	assert.Equal(t, recv.ID(), reply.TransportID)

	// A second consume reuses the same recv transport.
	second, err := f.service.Consume(context.Background(), invigilatorID, domain.ConsumeRequest{ProducerID: producerID})
	require.NoError(t, err)
	assert.Equal(t, reply.TransportID, second.TransportID)
}

func TestConsumeUnknownProducer(t *testing.T) {
	f := newServiceFixture(t)
	f.join(t, invigilatorID, "room-1")

	_, err := f.service.Consume(context.Background(), invigilatorID, domain.ConsumeRequest{ProducerID: "nope"})
	require.Error(t, err)
	assert.Equal(t, domain.ErrCodeProducerNotFound, CodeOf(err))
}

func TestDisconnectNotifiesRoom(t *testing.T) {
	f := newServiceFixture(t)
	f.join(t, studentID, "room-1")
	f.join(t, invigilatorID, "room-1")

	producerID := f.produce(t, studentID, "video", "webcam")

	f.service.Disconnect(studentID)

	msgs := f.notifier.messagesFor(invigilatorID.ConnID)
	var closedIDs []string
	var leftSeen bool
	for _, m := range msgs {
		switch msg := m.(type) {
		case domain.ProducerClosedMessage:
			closedIDs = append(closedIDs, msg.ProducerID)
		case domain.PeerLeftMessage:
			leftSeen = true
			assert.Equal(t, studentID.ConnID, msg.PeerID)
			assert.Equal(t, studentID.UserID, msg.UserID)
		}
	}
	assert.Contains(t, closedIDs, producerID)
	assert.True(t, leftSeen)

	// No duplicate producer-closed from the engine close callback.
	count := 0
	for _, id := range closedIDs {
		if id == producerID {
			count++
		}
	}
	assert.Equal(t, 1, count)

	_, err := f.registry.Peer(studentID.ConnID)
	assert.ErrorIs(t, err, registry.ErrPeerNotFound)
}

func TestCreateTransportValidatesDirection(t *testing.T) {
	f := newServiceFixture(t)
	f.join(t, studentID, "room-1")

	_, err := f.service.CreateTransport(context.Background(), studentID, domain.CreateTransportRequest{Direction: "sideways"})
	require.Error(t, err)
	assert.Equal(t, domain.ErrCodeBadRequest, CodeOf(err))
}

func TestCodeOfMapsRegistryAndEngineErrors(t *testing.T) {
	assert.Equal(t, domain.ErrCodeRoomNotFound, CodeOf(registry.ErrRoomNotFound))
	assert.Equal(t, domain.ErrCodePeerNotFound, CodeOf(registry.ErrPeerNotFound))
	assert.Equal(t, domain.ErrCodeTransportNotFound, CodeOf(registry.ErrTransportNotFound))
	assert.Equal(t, domain.ErrCodeProducerNotFound, CodeOf(registry.ErrProducerNotFound))
	assert.Equal(t, domain.ErrCodeEngineError, CodeOf(engine.ErrWorkerDown))
	assert.Equal(t, domain.ErrCodeInternalError, CodeOf(errors.New("boom")))
	assert.Equal(t, domain.ErrCodeForbidden, CodeOf(newError(domain.ErrCodeForbidden, "no")))
}
