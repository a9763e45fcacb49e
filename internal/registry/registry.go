// Package registry holds the in-memory session graph: rooms, peers, and the
// media objects they own. It is the single source of truth for who is
// connected and what they may see. All state is process-local and guarded by
// one mutex; instances are constructor-injected so tests get fresh state.
package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/KenXD2001/proctor-ai-sfu-server-sub000/internal/domain"
	"github.com/KenXD2001/proctor-ai-sfu-server-sub000/internal/engine"
	"github.com/KenXD2001/proctor-ai-sfu-server-sub000/internal/policy"
)

var (
	ErrRoomNotFound      = errors.New("room not found")
	ErrPeerNotFound      = errors.New("peer not found")
	ErrTransportNotFound = errors.New("transport not found")
	ErrProducerNotFound  = errors.New("producer not found")
)

// TransportDirection tags client-facing transports.
type TransportDirection string

const (
	DirectionSend TransportDirection = "send"
	DirectionRecv TransportDirection = "recv"
)

// Room is one exam/batch session. It exists iff it has at least one peer and
// owns exactly one router for its lifetime.
type Room struct {
	ID           string
	Router       engine.Router
	CreatedAt    time.Time
	LastActivity time.Time

	peers map[string]*Peer
}

// PeerCount returns the number of joined peers; valid only on snapshots
// returned while the registry lock was held.
func (r *Room) PeerCount() int { return len(r.peers) }

// Peer is one authenticated connection inside a room.
type Peer struct {
	ConnID   string
	UserID   string
	Role     domain.Role
	ExamID   string
	BatchID  string
	RoomID   string
	JoinedAt time.Time

	transports map[string]*transportEntry
	producers  map[string]*Producer
	consumers  map[string]engine.Consumer
}

type transportEntry struct {
	transport engine.Transport
	direction TransportDirection
}

// Producer is a published track with its ownership metadata.
type Producer struct {
	ID          string
	Kind        engine.Kind
	MediaRole   domain.MediaRole
	OwnerConnID string
	OwnerUserID string
	OwnerRole   domain.Role
	Engine      engine.Producer
}

// Info converts to the wire representation.
func (p *Producer) Info() domain.ProducerInfo {
	return domain.ProducerInfo{
		ProducerID: p.ID,
		UserID:     p.OwnerUserID,
		Kind:       string(p.Kind),
		MediaRole:  string(p.MediaRole),
	}
}

// LeaveResult reports what a Leave removed, for notification and recording
// teardown by the caller.
type LeaveResult struct {
	RoomID            string
	RoomDeleted       bool
	Peer              *Peer
	ClosedProducerIDs []string
}

// Registry is the session graph.
type Registry struct {
	engine engine.Engine
	policy *policy.Policy

	mu        sync.RWMutex
	rooms     map[string]*Room
	peers     map[string]*Peer     // connID -> peer
	producers map[string]*Producer // producerID -> producer, flat index
}

func New(eng engine.Engine, pol *policy.Policy) *Registry {
	return &Registry{
		engine:    eng,
		policy:    pol,
		rooms:     make(map[string]*Room),
		peers:     make(map[string]*Peer),
		producers: make(map[string]*Producer),
	}
}

// Join adds a peer to roomID, creating the room (and its router) first if
// needed. Re-joining with the same connID replaces the prior membership.
func (r *Registry) Join(ctx context.Context, roomID, connID, userID string, role domain.Role, examID string) (*Peer, *Room, error) {
	// Replace any prior membership for this connection.
	r.mu.Lock()
	_, rejoining := r.peers[connID]
	r.mu.Unlock()
	if rejoining {
		_, _ = r.Leave(connID)
	}

	room, err := r.getOrCreateRoom(ctx, roomID)
	if err != nil {
		return nil, nil, err
	}

	peer := &Peer{
		ConnID:     connID,
		UserID:     userID,
		Role:       role,
		ExamID:     examID,
		BatchID:    roomID,
		RoomID:     roomID,
		JoinedAt:   time.Now(),
		transports: make(map[string]*transportEntry),
		producers:  make(map[string]*Producer),
		consumers:  make(map[string]engine.Consumer),
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// The room may have been deleted while we were unlocked; re-validate.
	current, ok := r.rooms[roomID]
	if !ok || current != room {
		return nil, nil, ErrRoomNotFound
	}
	room.peers[connID] = peer
	room.LastActivity = time.Now()
	r.peers[connID] = peer

	return peer, room, nil
}

// getOrCreateRoom creates the room and its router exactly once. The router is
// created outside the lock; a lost creation race closes the extra router.
func (r *Registry) getOrCreateRoom(ctx context.Context, roomID string) (*Room, error) {
	r.mu.RLock()
	if room, ok := r.rooms[roomID]; ok {
		r.mu.RUnlock()
		return room, nil
	}
	r.mu.RUnlock()

	router, err := r.engine.CreateRouter(ctx)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if room, ok := r.rooms[roomID]; ok {
		go func() { _ = router.Close() }()
		return room, nil
	}

	now := time.Now()
	room := &Room{
		ID:           roomID,
		Router:       router,
		CreatedAt:    now,
		LastActivity: now,
		peers:        make(map[string]*Peer),
	}
	r.rooms[roomID] = room
	return room, nil
}

// Leave removes the peer, closes everything it owns, and deletes the room
// when it becomes empty. Rooms are never resurrected: a later join with the
// same id gets a brand-new router.
func (r *Registry) Leave(connID string) (*LeaveResult, error) {
	r.mu.Lock()
	peer, ok := r.peers[connID]
	if !ok {
		r.mu.Unlock()
		return nil, ErrPeerNotFound
	}
	delete(r.peers, connID)

	res := &LeaveResult{RoomID: peer.RoomID, Peer: peer}

	transports := make([]engine.Transport, 0, len(peer.transports))
	for _, te := range peer.transports {
		transports = append(transports, te.transport)
	}
	consumers := make([]engine.Consumer, 0, len(peer.consumers))
	for _, c := range peer.consumers {
		consumers = append(consumers, c)
	}
	for id := range peer.producers {
		delete(r.producers, id)
		res.ClosedProducerIDs = append(res.ClosedProducerIDs, id)
	}

	var router engine.Router
	if room, ok := r.rooms[peer.RoomID]; ok {
		delete(room.peers, connID)
		if len(room.peers) == 0 {
			delete(r.rooms, peer.RoomID)
			router = room.Router
			res.RoomDeleted = true
		} else {
			room.LastActivity = time.Now()
		}
	}
	r.mu.Unlock()

	// Engine teardown happens outside the lock; closing a transport
	// cascade-closes its producers and consumers.
	for _, c := range consumers {
		_ = c.Close()
	}
	for _, t := range transports {
		_ = t.Close()
	}
	if router != nil {
		_ = router.Close()
	}

	return res, nil
}

// Room returns the room by id.
func (r *Registry) Room(roomID string) (*Room, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room, ok := r.rooms[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	return room, nil
}

// Peer returns the peer for a connection.
func (r *Registry) Peer(connID string) (*Peer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	peer, ok := r.peers[connID]
	if !ok {
		return nil, ErrPeerNotFound
	}
	return peer, nil
}

// FindRoomByConn returns the room a connection belongs to.
func (r *Registry) FindRoomByConn(connID string) (*Room, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	peer, ok := r.peers[connID]
	if !ok {
		return nil, ErrPeerNotFound
	}
	room, ok := r.rooms[peer.RoomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	return room, nil
}

// AddTransport records a client-facing transport on the peer.
func (r *Registry) AddTransport(connID string, t engine.Transport, direction TransportDirection) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	peer, ok := r.peers[connID]
	if !ok {
		return ErrPeerNotFound
	}
	peer.transports[t.ID()] = &transportEntry{transport: t, direction: direction}
	return nil
}

// Transport resolves a transport id owned by the peer.
func (r *Registry) Transport(connID, transportID string) (engine.Transport, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	peer, ok := r.peers[connID]
	if !ok {
		return nil, ErrPeerNotFound
	}
	te, ok := peer.transports[transportID]
	if !ok {
		return nil, ErrTransportNotFound
	}
	return te.transport, nil
}

// RecvTransport returns the peer's receive transport, if any.
func (r *Registry) RecvTransport(connID string) (engine.Transport, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	peer, ok := r.peers[connID]
	if !ok {
		return nil, false
	}
	for _, te := range peer.transports {
		if te.direction == DirectionRecv {
			return te.transport, true
		}
	}
	return nil, false
}

// AddProducer indexes a newly published producer.
func (r *Registry) AddProducer(p *Producer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	peer, ok := r.peers[p.OwnerConnID]
	if !ok {
		return ErrPeerNotFound
	}
	peer.producers[p.ID] = p
	r.producers[p.ID] = p
	if room, ok := r.rooms[peer.RoomID]; ok {
		room.LastActivity = time.Now()
	}
	return nil
}

// RemoveProducer drops a producer from the indexes. The engine-side close is
// the caller's concern.
func (r *Registry) RemoveProducer(producerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.producers[producerID]
	if !ok {
		return
	}
	delete(r.producers, producerID)
	if peer, ok := r.peers[p.OwnerConnID]; ok {
		delete(peer.producers, producerID)
	}
}

// FindProducer resolves a producer id.
func (r *Registry) FindProducer(producerID string) (*Producer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.producers[producerID]
	if !ok {
		return nil, ErrProducerNotFound
	}
	return p, nil
}

// AddConsumer records a viewer-side consumer on the peer.
func (r *Registry) AddConsumer(connID string, c engine.Consumer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	peer, ok := r.peers[connID]
	if !ok {
		return ErrPeerNotFound
	}
	peer.consumers[c.ID()] = c
	return nil
}

// PeerProducers returns the peer's producers.
func (r *Registry) PeerProducers(connID string) []*Producer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	peer, ok := r.peers[connID]
	if !ok {
		return nil
	}
	out := make([]*Producer, 0, len(peer.producers))
	for _, p := range peer.producers {
		out = append(out, p)
	}
	return out
}

// AccessibleProducers enumerates the producers in roomID that a viewer with
// viewerRole is allowed to see.
func (r *Registry) AccessibleProducers(roomID string, viewerRole domain.Role) []*Producer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	var out []*Producer
	for _, peer := range room.peers {
		if !r.policy.CanAccessStream(viewerRole, peer.Role) {
			continue
		}
		for _, p := range peer.producers {
			out = append(out, p)
		}
	}
	return out
}

// Viewers returns the connIDs in roomID permitted to watch streams published
// by publisherRole, excluding the publisher itself.
func (r *Registry) Viewers(roomID string, publisherRole domain.Role, excludeConnID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	var out []string
	for connID, peer := range room.peers {
		if connID == excludeConnID {
			continue
		}
		if r.policy.CanAccessStream(peer.Role, publisherRole) {
			out = append(out, connID)
		}
	}
	return out
}

// RoomMembers returns every connID in the room except excludeConnID.
func (r *Registry) RoomMembers(roomID, excludeConnID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	var out []string
	for connID := range room.peers {
		if connID != excludeConnID {
			out = append(out, connID)
		}
	}
	return out
}

// RoomSnapshot is a read-only view for the introspection API.
type RoomSnapshot struct {
	ID           string         `json:"id"`
	CreatedAt    time.Time      `json:"createdAt"`
	LastActivity time.Time      `json:"lastActivity"`
	Peers        []PeerSnapshot `json:"peers"`
}

// PeerSnapshot is a read-only peer view.
type PeerSnapshot struct {
	ConnID    string                `json:"connectionId"`
	UserID    string                `json:"userId"`
	Role      domain.Role           `json:"role"`
	ExamID    string                `json:"examId,omitempty"`
	JoinedAt  time.Time             `json:"joinedAt"`
	Producers []domain.ProducerInfo `json:"producers"`
}

// Snapshot returns a copy of the whole session graph.
func (r *Registry) Snapshot() []RoomSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]RoomSnapshot, 0, len(r.rooms))
	for _, room := range r.rooms {
		rs := RoomSnapshot{
			ID:           room.ID,
			CreatedAt:    room.CreatedAt,
			LastActivity: room.LastActivity,
		}
		for _, peer := range room.peers {
			ps := PeerSnapshot{
				ConnID:   peer.ConnID,
				UserID:   peer.UserID,
				Role:     peer.Role,
				ExamID:   peer.ExamID,
				JoinedAt: peer.JoinedAt,
			}
			for _, p := range peer.producers {
				ps.Producers = append(ps.Producers, p.Info())
			}
			rs.Peers = append(rs.Peers, ps)
		}
		out = append(out, rs)
	}
	return out
}
