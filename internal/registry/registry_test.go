package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KenXD2001/proctor-ai-sfu-server-sub000/internal/domain"
	"github.com/KenXD2001/proctor-ai-sfu-server-sub000/internal/engine"
	"github.com/KenXD2001/proctor-ai-sfu-server-sub000/internal/engine/enginetest"
	"github.com/KenXD2001/proctor-ai-sfu-server-sub000/internal/policy"
)

func newTestRegistry() (*Registry, *enginetest.FakeEngine) {
	eng := enginetest.NewFakeEngine()
	return New(eng, policy.Default()), eng
}

func TestJoinCreatesRoomAndRouterOnce(t *testing.T) {
	reg, eng := newTestRegistry()
	ctx := context.Background()

	p1, room1, err := reg.Join(ctx, "exam-1", "conn-1", "alice", domain.RoleStudent, "exam-1")
	require.NoError(t, err)
	require.NotNil(t, room1.Router)
	assert.Equal(t, "exam-1", p1.RoomID)
	assert.Equal(t, "exam-1", p1.BatchID)

	_, room2, err := reg.Join(ctx, "exam-1", "conn-2", "bob", domain.RoleInvigilator, "exam-1")
	require.NoError(t, err)
	assert.Same(t, room1, room2)
	assert.Equal(t, 1, eng.RoutersCreated)
	assert.Equal(t, 2, room1.PeerCount())
}

func TestJoinFailsWhenWorkerDown(t *testing.T) {
	reg, eng := newTestRegistry()
	eng.SetWorkerDown(true)

	_, _, err := reg.Join(context.Background(), "exam-1", "conn-1", "alice", domain.RoleStudent, "exam-1")
	require.ErrorIs(t, err, engine.ErrWorkerDown)

	// An existing room is still joinable while the worker is down.
	eng.SetWorkerDown(false)
	_, _, err = reg.Join(context.Background(), "exam-1", "conn-1", "alice", domain.RoleStudent, "exam-1")
	require.NoError(t, err)
	eng.SetWorkerDown(true)
	_, _, err = reg.Join(context.Background(), "exam-1", "conn-2", "bob", domain.RoleStudent, "exam-1")
	require.NoError(t, err)
}

func TestRejoinReplacesMembership(t *testing.T) {
	reg, _ := newTestRegistry()
	ctx := context.Background()

	_, _, err := reg.Join(ctx, "exam-1", "conn-1", "alice", domain.RoleStudent, "exam-1")
	require.NoError(t, err)
	_, _, err = reg.Join(ctx, "exam-1", "conn-2", "bob", domain.RoleStudent, "exam-1")
	require.NoError(t, err)

	// Same connection joins a different room: the old membership goes away.
	_, _, err = reg.Join(ctx, "exam-2", "conn-1", "alice", domain.RoleStudent, "exam-2")
	require.NoError(t, err)

	room, err := reg.Room("exam-1")
	require.NoError(t, err)
	assert.Equal(t, 1, room.PeerCount())

	peer, err := reg.Peer("conn-1")
	require.NoError(t, err)
	assert.Equal(t, "exam-2", peer.RoomID)
}

func TestLeaveClosesOwnedObjectsAndDeletesEmptyRoom(t *testing.T) {
	reg, eng := newTestRegistry()
	ctx := context.Background()

	_, room, err := reg.Join(ctx, "exam-1", "conn-1", "alice", domain.RoleStudent, "exam-1")
	require.NoError(t, err)

	tr, err := room.Router.CreateTransport(ctx)
	require.NoError(t, err)
	require.NoError(t, reg.AddTransport("conn-1", tr, DirectionSend))

	prod := enginetest.NewFakeProducer(engine.KindVideo)
	require.NoError(t, reg.AddProducer(&Producer{
		ID:          prod.ID(),
		Kind:        engine.KindVideo,
		MediaRole:   domain.MediaRoleWebcam,
		OwnerConnID: "conn-1",
		OwnerUserID: "alice",
		OwnerRole:   domain.RoleStudent,
		Engine:      prod,
	}))

	res, err := reg.Leave("conn-1")
	require.NoError(t, err)
	assert.True(t, res.RoomDeleted)
	assert.Equal(t, []string{prod.ID()}, res.ClosedProducerIDs)
	assert.True(t, tr.(*enginetest.FakeTransport).IsClosed())
	assert.True(t, eng.Routers[0].IsClosed())

	_, err = reg.Room("exam-1")
	assert.ErrorIs(t, err, ErrRoomNotFound)
	_, err = reg.Peer("conn-1")
	assert.ErrorIs(t, err, ErrPeerNotFound)

	// A fresh join with the same room id gets a new router.
	_, room2, err := reg.Join(ctx, "exam-1", "conn-9", "carol", domain.RoleStudent, "exam-1")
	require.NoError(t, err)
	assert.NotEqual(t, room.Router.ID(), room2.Router.ID())
	assert.Equal(t, 2, eng.RoutersCreated)
}

func TestLeaveUnknownPeer(t *testing.T) {
	reg, _ := newTestRegistry()
	_, err := reg.Leave("nope")
	assert.ErrorIs(t, err, ErrPeerNotFound)
}

func TestRoomSurvivesWhileOccupied(t *testing.T) {
	reg, _ := newTestRegistry()
	ctx := context.Background()

	_, _, err := reg.Join(ctx, "exam-1", "conn-1", "alice", domain.RoleStudent, "exam-1")
	require.NoError(t, err)
	_, _, err = reg.Join(ctx, "exam-1", "conn-2", "bob", domain.RoleInvigilator, "exam-1")
	require.NoError(t, err)

	res, err := reg.Leave("conn-1")
	require.NoError(t, err)
	assert.False(t, res.RoomDeleted)

	room, err := reg.Room("exam-1")
	require.NoError(t, err)
	assert.Equal(t, 1, room.PeerCount())
}

func TestTransportLookup(t *testing.T) {
	reg, _ := newTestRegistry()
	ctx := context.Background()

	_, room, err := reg.Join(ctx, "exam-1", "conn-1", "alice", domain.RoleStudent, "exam-1")
	require.NoError(t, err)

	tr, err := room.Router.CreateTransport(ctx)
	require.NoError(t, err)
	require.NoError(t, reg.AddTransport("conn-1", tr, DirectionRecv))

	got, err := reg.Transport("conn-1", tr.ID())
	require.NoError(t, err)
	assert.Equal(t, tr.ID(), got.ID())

	_, err = reg.Transport("conn-1", "missing")
	assert.ErrorIs(t, err, ErrTransportNotFound)
	_, err = reg.Transport("conn-2", tr.ID())
	assert.ErrorIs(t, err, ErrPeerNotFound)

	recv, ok := reg.RecvTransport("conn-1")
	require.True(t, ok)
	assert.Equal(t, tr.ID(), recv.ID())
	_, ok = reg.RecvTransport("conn-2")
	assert.False(t, ok)
}

func addProducerFor(t *testing.T, reg *Registry, connID, userID string, role domain.Role, mediaRole domain.MediaRole, kind engine.Kind) *Producer {
	t.Helper()
	fp := enginetest.NewFakeProducer(kind)
	p := &Producer{
		ID:          fp.ID(),
		Kind:        kind,
		MediaRole:   mediaRole,
		OwnerConnID: connID,
		OwnerUserID: userID,
		OwnerRole:   role,
		Engine:      fp,
	}
	require.NoError(t, reg.AddProducer(p))
	return p
}

func TestAccessibleProducersFollowsHierarchy(t *testing.T) {
	reg, _ := newTestRegistry()
	ctx := context.Background()

	for _, j := range []struct {
		conn, user string
		role       domain.Role
	}{
		{"c-stu", "student1", domain.RoleStudent},
		{"c-inv", "invig1", domain.RoleInvigilator},
		{"c-adm", "admin1", domain.RoleAdmin},
	} {
		_, _, err := reg.Join(ctx, "exam-1", j.conn, j.user, j.role, "exam-1")
		require.NoError(t, err)
	}

	stuProd := addProducerFor(t, reg, "c-stu", "student1", domain.RoleStudent, domain.MediaRoleWebcam, engine.KindVideo)
	invProd := addProducerFor(t, reg, "c-inv", "invig1", domain.RoleInvigilator, domain.MediaRoleWebcam, engine.KindVideo)

	ids := func(ps []*Producer) []string {
		out := make([]string, 0, len(ps))
		for _, p := range ps {
			out = append(out, p.ID)
		}
		return out
	}

	// Invigilators see student streams only.
	assert.ElementsMatch(t, []string{stuProd.ID}, ids(reg.AccessibleProducers("exam-1", domain.RoleInvigilator)))
	// Admins see invigilator streams but not student streams: non-transitive.
	assert.ElementsMatch(t, []string{invProd.ID}, ids(reg.AccessibleProducers("exam-1", domain.RoleAdmin)))
	// Students see nothing.
	assert.Empty(t, reg.AccessibleProducers("exam-1", domain.RoleStudent))
}

func TestViewersExcludesPublisherAndUnauthorized(t *testing.T) {
	reg, _ := newTestRegistry()
	ctx := context.Background()

	for _, j := range []struct {
		conn string
		role domain.Role
	}{
		{"c-stu1", domain.RoleStudent},
		{"c-stu2", domain.RoleStudent},
		{"c-inv", domain.RoleInvigilator},
		{"c-adm", domain.RoleAdmin},
	} {
		_, _, err := reg.Join(ctx, "exam-1", j.conn, j.conn, j.role, "exam-1")
		require.NoError(t, err)
	}

	// A student publishes: only the invigilator may watch.
	assert.ElementsMatch(t, []string{"c-inv"}, reg.Viewers("exam-1", domain.RoleStudent, "c-stu1"))
	// An invigilator publishes: only the admin may watch.
	assert.ElementsMatch(t, []string{"c-adm"}, reg.Viewers("exam-1", domain.RoleInvigilator, "c-inv"))
}

func TestRemoveAndFindProducer(t *testing.T) {
	reg, _ := newTestRegistry()
	ctx := context.Background()

	_, _, err := reg.Join(ctx, "exam-1", "conn-1", "alice", domain.RoleStudent, "exam-1")
	require.NoError(t, err)
	p := addProducerFor(t, reg, "conn-1", "alice", domain.RoleStudent, domain.MediaRoleMic, engine.KindAudio)

	got, err := reg.FindProducer(p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MediaRoleMic, got.MediaRole)

	reg.RemoveProducer(p.ID)
	_, err = reg.FindProducer(p.ID)
	assert.ErrorIs(t, err, ErrProducerNotFound)
	assert.Empty(t, reg.PeerProducers("conn-1"))

	// Removing twice is harmless.
	reg.RemoveProducer(p.ID)
}

func TestSnapshot(t *testing.T) {
	reg, _ := newTestRegistry()
	ctx := context.Background()

	_, _, err := reg.Join(ctx, "exam-1", "conn-1", "alice", domain.RoleStudent, "exam-1")
	require.NoError(t, err)
	addProducerFor(t, reg, "conn-1", "alice", domain.RoleStudent, domain.MediaRoleScreen, engine.KindVideo)

	snap := reg.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "exam-1", snap[0].ID)
	require.Len(t, snap[0].Peers, 1)
	assert.Equal(t, "alice", snap[0].Peers[0].UserID)
	require.Len(t, snap[0].Peers[0].Producers, 1)
	assert.Equal(t, "screen", snap[0].Peers[0].Producers[0].MediaRole)
}
