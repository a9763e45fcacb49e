package signaling

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/KenXD2001/proctor-ai-sfu-server-sub000/internal/domain"
	pkgjwt "github.com/KenXD2001/proctor-ai-sfu-server-sub000/pkg/jwt"
	pkglog "github.com/KenXD2001/proctor-ai-sfu-server-sub000/pkg/log"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WSHandler upgrades signaling connections. Authentication happens once at
// connect time; a missing or invalid token rejects the upgrade with 401.
type WSHandler struct {
	hub      *Hub
	service  *Service
	verifier *pkgjwt.Verifier
}

// NewWSHandler creates the websocket handler.
func NewWSHandler(h *Hub, svc *Service, verifier *pkgjwt.Verifier) *WSHandler {
	return &WSHandler{hub: h, service: svc, verifier: verifier}
}

// HandleWebSocket authenticates, upgrades, and starts the client pumps.
func (h *WSHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	l := pkglog.L()

	claims, err := h.authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	role, err := domain.ParseRole(claims.Role)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := &Client{
		ID:     uuid.New().String(),
		UserID: claims.UserID,
		Role:   role,
		Hub:    h.hub,
		Conn:   conn,
		Send:   make(chan []byte, 256),
	}
	client.SetDisconnectHandler(func(c *Client) {
		h.service.Disconnect(Identity{ConnID: c.ID, UserID: c.UserID, Role: c.Role})
	})

	h.hub.Register(client)
	go client.WritePump()
	go client.ReadPump(h.handleMessage)
}

func (h *WSHandler) authenticate(r *http.Request) (*pkgjwt.Claims, error) {
	token := r.URL.Query().Get("token")
	if token == "" {
		auth := r.Header.Get("Authorization")
		token = strings.TrimPrefix(auth, "Bearer ")
	}
	if token == "" {
		return nil, pkgjwt.ErrInvalidToken
	}
	return h.verifier.Verify(token)
}

func (h *WSHandler) handleMessage(client *Client, message []byte) {
	var base domain.BaseMessage
	if err := json.Unmarshal(message, &base); err != nil {
		client.SendMessage(domain.NewErrorResponse("", domain.ErrCodeBadRequest, "invalid message format"))
		return
	}

	ctx := pkglog.WithLogger(context.Background(), pkglog.L().With().
		Str(pkglog.FieldConnID, client.ID).
		Str(pkglog.FieldUserID, client.UserID).
		Logger())
	id := Identity{ConnID: client.ID, UserID: client.UserID, Role: client.Role}

	switch base.Type {
	case domain.MsgTypeJoinRoom:
		var req domain.JoinRoomRequest
		if !h.decode(client, base.RequestID, message, &req) {
			return
		}
		reply, err := h.service.JoinRoom(ctx, id, req)
		if err != nil {
			h.nack(client, base.RequestID, err)
			return
		}
		client.SendMessage(domain.NewResponse(base.RequestID, reply))
		if snapshot, err := h.service.ExistingProducers(id); err == nil {
			client.SendMessage(snapshot)
		}

	case domain.MsgTypeCreateTransport:
		var req domain.CreateTransportRequest
		if !h.decode(client, base.RequestID, message, &req) {
			return
		}
		reply, err := h.service.CreateTransport(ctx, id, req)
		if err != nil {
			h.nack(client, base.RequestID, err)
			return
		}
		client.SendMessage(domain.NewResponse(base.RequestID, reply))

	case domain.MsgTypeConnectTransport:
		var req domain.ConnectTransportRequest
		if !h.decode(client, base.RequestID, message, &req) {
			return
		}
		if err := h.service.ConnectTransport(ctx, id, req); err != nil {
			h.nack(client, base.RequestID, err)
			return
		}
		client.SendMessage(domain.NewResponse(base.RequestID, map[string]bool{"connected": true}))

	case domain.MsgTypeProduce:
		var req domain.ProduceRequest
		if !h.decode(client, base.RequestID, message, &req) {
			return
		}
		reply, err := h.service.Produce(ctx, id, req)
		if err != nil {
			h.nack(client, base.RequestID, err)
			return
		}
		client.SendMessage(domain.NewResponse(base.RequestID, reply))

	case domain.MsgTypeConsume:
		var req domain.ConsumeRequest
		if !h.decode(client, base.RequestID, message, &req) {
			return
		}
		reply, err := h.service.Consume(ctx, id, req)
		if err != nil {
			h.nack(client, base.RequestID, err)
			return
		}
		client.SendMessage(domain.NewResponse(base.RequestID, reply))

	case domain.MsgTypeGetProducers:
		snapshot, err := h.service.ExistingProducers(id)
		if err != nil {
			h.nack(client, base.RequestID, err)
			return
		}
		client.SendMessage(domain.NewResponse(base.RequestID, snapshot))

	default:
		client.SendMessage(domain.NewErrorResponse(base.RequestID, domain.ErrCodeBadRequest, "unknown message type "+base.Type))
	}
}

func (h *WSHandler) decode(client *Client, requestID string, message []byte, dst interface{}) bool {
	if err := json.Unmarshal(message, dst); err != nil {
		client.SendMessage(domain.NewErrorResponse(requestID, domain.ErrCodeBadRequest, "invalid payload"))
		return false
	}
	return true
}

func (h *WSHandler) nack(client *Client, requestID string, err error) {
	pkglog.L().Warn().Err(err).Str(pkglog.FieldConnID, client.ID).Msg("request failed")
	client.SendMessage(domain.NewErrorResponse(requestID, CodeOf(err), err.Error()))
}
