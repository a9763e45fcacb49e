// Package signaling is the event-driven RPC surface. Each request resolves
// room and peer state through the registry, performs the engine operation,
// and acknowledges with a stable code on failure. Handler errors never tear
// down the connection.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/KenXD2001/proctor-ai-sfu-server-sub000/internal/domain"
	"github.com/KenXD2001/proctor-ai-sfu-server-sub000/internal/engine"
	"github.com/KenXD2001/proctor-ai-sfu-server-sub000/internal/policy"
	"github.com/KenXD2001/proctor-ai-sfu-server-sub000/internal/recorder"
	"github.com/KenXD2001/proctor-ai-sfu-server-sub000/internal/registry"
	pkglog "github.com/KenXD2001/proctor-ai-sfu-server-sub000/pkg/log"
)

// Notifier delivers push messages to connected clients. The hub implements
// it; tests substitute a recorder.
type Notifier interface {
	SendToClient(connID string, message interface{}) error
}

// Identity is the authenticated caller of a request.
type Identity struct {
	ConnID string
	UserID string
	Role   domain.Role
}

// Error carries a stable acknowledgement code.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string { return e.Message }

func newError(code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf maps an error to its acknowledgement code.
func CodeOf(err error) string {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	switch {
	case errors.Is(err, registry.ErrRoomNotFound):
		return domain.ErrCodeRoomNotFound
	case errors.Is(err, registry.ErrPeerNotFound):
		return domain.ErrCodePeerNotFound
	case errors.Is(err, registry.ErrTransportNotFound):
		return domain.ErrCodeTransportNotFound
	case errors.Is(err, registry.ErrProducerNotFound):
		return domain.ErrCodeProducerNotFound
	}
	var ee *engine.EngineError
	if errors.As(err, &ee) || errors.Is(err, engine.ErrWorkerDown) {
		return domain.ErrCodeEngineError
	}
	return domain.ErrCodeInternalError
}

// Service implements the signaling operations.
type Service struct {
	registry     *registry.Registry
	policy       *policy.Policy
	orchestrator *recorder.Orchestrator
	notifier     Notifier
}

// NewService wires the signaling operations. orchestrator may be nil when
// recording is disabled.
func NewService(reg *registry.Registry, pol *policy.Policy, orch *recorder.Orchestrator, notifier Notifier) *Service {
	return &Service{registry: reg, policy: pol, orchestrator: orch, notifier: notifier}
}

// JoinRoom admits the caller into a room, creating it on first join.
func (s *Service) JoinRoom(ctx context.Context, id Identity, req domain.JoinRoomRequest) (domain.JoinRoomReply, error) {
	if req.RoomID == "" {
		return domain.JoinRoomReply{}, newError(domain.ErrCodeBadRequest, "roomId is required")
	}

	_, room, err := s.registry.Join(ctx, req.RoomID, id.ConnID, id.UserID, id.Role, req.ExamID)
	if err != nil {
		return domain.JoinRoomReply{}, err
	}

	caps, err := json.Marshal(room.Router.RTPCapabilities())
	if err != nil {
		return domain.JoinRoomReply{}, err
	}

	pkglog.Ctx(ctx).Info().
		Str(pkglog.FieldRoomID, req.RoomID).
		Str(pkglog.FieldConnID, id.ConnID).
		Str(pkglog.FieldUserID, id.UserID).
		Str(pkglog.FieldRole, string(id.Role)).
		Msg("peer joined room")

	return domain.JoinRoomReply{
		RoomID:             room.ID,
		PeerID:             id.ConnID,
		RouterCapabilities: caps,
	}, nil
}

// ExistingProducers builds the accessible-producers snapshot for the caller.
func (s *Service) ExistingProducers(id Identity) (domain.ExistingProducersMessage, error) {
	room, err := s.registry.FindRoomByConn(id.ConnID)
	if err != nil {
		return domain.ExistingProducersMessage{}, err
	}

	msg := domain.ExistingProducersMessage{
		Type:      domain.MsgTypeExistingProducers,
		Producers: []domain.ProducerInfo{},
	}
	for _, p := range s.registry.AccessibleProducers(room.ID, id.Role) {
		msg.Producers = append(msg.Producers, p.Info())
	}
	return msg, nil
}

// CreateTransport creates a client-facing transport on the caller's room.
func (s *Service) CreateTransport(ctx context.Context, id Identity, req domain.CreateTransportRequest) (domain.TransportReply, error) {
	direction := registry.TransportDirection(req.Direction)
	if direction != registry.DirectionSend && direction != registry.DirectionRecv {
		return domain.TransportReply{}, newError(domain.ErrCodeBadRequest, "direction must be send or recv")
	}

	room, err := s.registry.FindRoomByConn(id.ConnID)
	if err != nil {
		return domain.TransportReply{}, err
	}

	transport, err := room.Router.CreateTransport(ctx)
	if err != nil {
		return domain.TransportReply{}, err
	}
	if err := s.registry.AddTransport(id.ConnID, transport, direction); err != nil {
		_ = transport.Close()
		return domain.TransportReply{}, err
	}

	params := transport.Parameters()
	return domain.TransportReply{
		TransportID:    transport.ID(),
		ICEParameters:  params.ICEParameters,
		ICECandidates:  params.ICECandidates,
		DTLSParameters: params.DTLSParameters,
	}, nil
}

// ConnectTransport finishes negotiation with the client's parameters.
func (s *Service) ConnectTransport(ctx context.Context, id Identity, req domain.ConnectTransportRequest) error {
	if req.TransportID == "" {
		return newError(domain.ErrCodeBadRequest, "transportId is required")
	}
	transport, err := s.registry.Transport(id.ConnID, req.TransportID)
	if err != nil {
		return err
	}

	var params engine.ConnectParameters
	if len(req.ICEParameters) > 0 {
		if err := json.Unmarshal(req.ICEParameters, &params.ICEParameters); err != nil {
			return newError(domain.ErrCodeBadRequest, "bad iceParameters: %v", err)
		}
	}
	if len(req.ICECandidates) > 0 {
		if err := json.Unmarshal(req.ICECandidates, &params.ICECandidates); err != nil {
			return newError(domain.ErrCodeBadRequest, "bad iceCandidates: %v", err)
		}
	}
	if len(req.DTLSParameters) > 0 {
		if err := json.Unmarshal(req.DTLSParameters, &params.DTLSParameters); err != nil {
			return newError(domain.ErrCodeBadRequest, "bad dtlsParameters: %v", err)
		}
	}

	return transport.Connect(ctx, params)
}

// Produce publishes a track. Permitted viewers are notified only after the
// producer is fully created, and student streams trigger recording.
func (s *Service) Produce(ctx context.Context, id Identity, req domain.ProduceRequest) (domain.ProduceReply, error) {
	kind, err := engine.ParseKind(req.Kind)
	if err != nil {
		return domain.ProduceReply{}, newError(domain.ErrCodeBadRequest, "%v", err)
	}
	mediaRole, err := domain.ParseMediaRole(req.AppData.MediaRole)
	if err != nil {
		return domain.ProduceReply{}, newError(domain.ErrCodeBadRequest, "%v", err)
	}
	if req.TransportID == "" {
		return domain.ProduceReply{}, newError(domain.ErrCodeBadRequest, "transportId is required")
	}

	peer, err := s.registry.Peer(id.ConnID)
	if err != nil {
		return domain.ProduceReply{}, err
	}
	room, err := s.registry.Room(peer.RoomID)
	if err != nil {
		return domain.ProduceReply{}, err
	}
	transport, err := s.registry.Transport(id.ConnID, req.TransportID)
	if err != nil {
		return domain.ProduceReply{}, err
	}

	var params engine.ProduceParameters
	if err := json.Unmarshal(req.RTPParameters, &params); err != nil {
		return domain.ProduceReply{}, newError(domain.ErrCodeBadRequest, "bad rtpParameters: %v", err)
	}

	producer, err := transport.Produce(ctx, kind, params)
	if err != nil {
		return domain.ProduceReply{}, err
	}

	meta := &registry.Producer{
		ID:          producer.ID(),
		Kind:        kind,
		MediaRole:   mediaRole,
		OwnerConnID: id.ConnID,
		OwnerUserID: id.UserID,
		OwnerRole:   id.Role,
		Engine:      producer,
	}
	if err := s.registry.AddProducer(meta); err != nil {
		_ = producer.Close()
		return domain.ProduceReply{}, err
	}

	producerID := producer.ID()
	roomID := room.ID
	ownerRole := id.Role
	producer.OnClose(func() {
		s.producerClosed(roomID, ownerRole, id.ConnID, producerID)
	})

	// The producer is fully created; announce it to permitted viewers.
	announce := domain.NewProducerMessage{
		Type:       domain.MsgTypeNewProducer,
		ProducerID: producerID,
		UserID:     id.UserID,
		Kind:       string(kind),
		MediaRole:  string(mediaRole),
	}
	for _, viewer := range s.registry.Viewers(roomID, id.Role, id.ConnID) {
		_ = s.notifier.SendToClient(viewer, announce)
	}

	if s.orchestrator != nil {
		s.orchestrator.HandleProducer(recorder.Publisher{
			RoomID:  roomID,
			ConnID:  id.ConnID,
			UserID:  id.UserID,
			ExamID:  peer.ExamID,
			BatchID: peer.BatchID,
			Role:    id.Role,
			Router:  room.Router,
		}, recorder.Track{
			ProducerID: producerID,
			Kind:       kind,
			MediaRole:  mediaRole,
			Producer:   producer,
		})
	}

	pkglog.Ctx(ctx).Info().
		Str(pkglog.FieldRoomID, roomID).
		Str(pkglog.FieldProducerID, producerID).
		Str(pkglog.FieldMediaRole, string(mediaRole)).
		Msg("producer created")

	return domain.ProduceReply{ProducerID: producerID}, nil
}

// producerClosed deindexes a producer and tells its viewers. A producer
// removed by Leave has already been deindexed and is skipped here.
func (s *Service) producerClosed(roomID string, ownerRole domain.Role, ownerConnID, producerID string) {
	if _, err := s.registry.FindProducer(producerID); err != nil {
		return
	}
	s.registry.RemoveProducer(producerID)

	msg := domain.ProducerClosedMessage{Type: domain.MsgTypeProducerClosed, ProducerID: producerID}
	for _, viewer := range s.registry.Viewers(roomID, ownerRole, ownerConnID) {
		_ = s.notifier.SendToClient(viewer, msg)
	}
}

// Consume subscribes the caller to a producer's stream, auto-creating a recv
// transport when the caller has none.
func (s *Service) Consume(ctx context.Context, id Identity, req domain.ConsumeRequest) (domain.ConsumeReply, error) {
	if req.ProducerID == "" {
		return domain.ConsumeReply{}, newError(domain.ErrCodeBadRequest, "producerId is required")
	}

	peer, err := s.registry.Peer(id.ConnID)
	if err != nil {
		return domain.ConsumeReply{}, err
	}
	prod, err := s.registry.FindProducer(req.ProducerID)
	if err != nil {
		return domain.ConsumeReply{}, err
	}
	if !s.policy.CanAccessStream(peer.Role, prod.OwnerRole) {
		return domain.ConsumeReply{}, newError(domain.ErrCodeForbidden, "role %s may not access %s streams", peer.Role, prod.OwnerRole)
	}

	transport, ok := s.registry.RecvTransport(id.ConnID)
	if !ok {
		room, err := s.registry.Room(peer.RoomID)
		if err != nil {
			return domain.ConsumeReply{}, err
		}
		transport, err = room.Router.CreateTransport(ctx)
		if err != nil {
			return domain.ConsumeReply{}, err
		}
		if err := s.registry.AddTransport(id.ConnID, transport, registry.DirectionRecv); err != nil {
			_ = transport.Close()
			return domain.ConsumeReply{}, err
		}
	}

	consumer, err := transport.Consume(ctx, prod.Engine)
	if err != nil {
		return domain.ConsumeReply{}, err
	}
	if err := s.registry.AddConsumer(id.ConnID, consumer); err != nil {
		_ = consumer.Close()
		return domain.ConsumeReply{}, err
	}

	return domain.ConsumeReply{
		ConsumerID:    consumer.ID(),
		TransportID:   transport.ID(),
		ProducerID:    prod.ID,
		Kind:          string(consumer.Kind()),
		RTPParameters: consumer.RTPParameters(),
	}, nil
}

// Disconnect tears down everything the connection owned: recording sessions,
// transports, registry membership, and the room itself when it empties.
func (s *Service) Disconnect(id Identity) {
	if s.orchestrator != nil {
		s.orchestrator.CleanupPeer(id.ConnID)
	}

	peer, err := s.registry.Peer(id.ConnID)
	if err != nil {
		return
	}
	members := s.registry.RoomMembers(peer.RoomID, id.ConnID)
	viewers := s.registry.Viewers(peer.RoomID, peer.Role, id.ConnID)

	res, err := s.registry.Leave(id.ConnID)
	if err != nil {
		return
	}

	for _, producerID := range res.ClosedProducerIDs {
		msg := domain.ProducerClosedMessage{Type: domain.MsgTypeProducerClosed, ProducerID: producerID}
		for _, viewer := range viewers {
			_ = s.notifier.SendToClient(viewer, msg)
		}
	}
	left := domain.PeerLeftMessage{Type: domain.MsgTypePeerLeft, PeerID: id.ConnID, UserID: peer.UserID}
	for _, member := range members {
		_ = s.notifier.SendToClient(member, left)
	}

	pkglog.L().Info().
		Str(pkglog.FieldRoomID, res.RoomID).
		Str(pkglog.FieldConnID, id.ConnID).
		Bool("room_deleted", res.RoomDeleted).
		Msg("peer disconnected")
}
