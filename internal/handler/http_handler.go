// Package handler exposes the introspection REST API used by operators:
// health, live rooms, and live recording sessions. All data endpoints are
// admin-gated.
package handler

import (
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/KenXD2001/proctor-ai-sfu-server-sub000/internal/domain"
	"github.com/KenXD2001/proctor-ai-sfu-server-sub000/internal/recorder"
	"github.com/KenXD2001/proctor-ai-sfu-server-sub000/internal/registry"
	pkgjwt "github.com/KenXD2001/proctor-ai-sfu-server-sub000/pkg/jwt"
	pkglog "github.com/KenXD2001/proctor-ai-sfu-server-sub000/pkg/log"
	"github.com/KenXD2001/proctor-ai-sfu-server-sub000/pkg/response"
	"github.com/KenXD2001/proctor-ai-sfu-server-sub000/pkg/storage"
)

// EngineStatus reports worker liveness for the health endpoint.
type EngineStatus interface {
	WorkerAlive() bool
}

// HTTPHandler serves the introspection API.
type HTTPHandler struct {
	registry      *registry.Registry
	orchestrator  *recorder.Orchestrator
	engine        EngineStatus
	verifier      *pkgjwt.Verifier
	archive       storage.Storage
	archivePrefix string
}

// NewHTTPHandler creates the handler. orchestrator may be nil when recording
// is disabled, archive when upload is.
func NewHTTPHandler(reg *registry.Registry, orch *recorder.Orchestrator, eng EngineStatus, verifier *pkgjwt.Verifier, archive storage.Storage, archivePrefix string) *HTTPHandler {
	return &HTTPHandler{
		registry:      reg,
		orchestrator:  orch,
		engine:        eng,
		verifier:      verifier,
		archive:       archive,
		archivePrefix: archivePrefix,
	}
}

// RegisterRoutes mounts the API on the router.
func (h *HTTPHandler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", h.Health)

	api := r.Group("/api", h.requireAdmin)
	api.GET("/rooms", h.ListRooms)
	api.GET("/rooms/:id", h.GetRoom)
	api.GET("/recordings", h.ListRecordings)
	api.GET("/recordings/archive", h.ListArchivedRecordings)
}

// Health reports process and engine-worker liveness.
func (h *HTTPHandler) Health(c *gin.Context) {
	status := "ok"
	code := http.StatusOK
	if h.engine != nil && !h.engine.WorkerAlive() {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"status": status})
}

// ListRooms returns the full session graph.
func (h *HTTPHandler) ListRooms(c *gin.Context) {
	response.Success(c, h.registry.Snapshot())
}

// GetRoom returns one room by id.
func (h *HTTPHandler) GetRoom(c *gin.Context) {
	id := c.Param("id")
	for _, room := range h.registry.Snapshot() {
		if room.ID == id {
			response.Success(c, room)
			return
		}
	}
	response.NotFound(c, "room not found")
}

// ListRecordings returns the live recording sessions.
func (h *HTTPHandler) ListRecordings(c *gin.Context) {
	if h.orchestrator == nil {
		response.Success(c, []recorder.SessionSnapshot{})
		return
	}
	response.Success(c, h.orchestrator.Snapshot())
}

// ArchivedRecording is one uploaded recording file.
type ArchivedRecording struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"lastModified"`
	URL          string    `json:"url,omitempty"`
}

// ListArchivedRecordings lists uploaded recordings, optionally narrowed with
// ?type=, ?examId= and ?batchId= following the object key layout.
func (h *HTTPHandler) ListArchivedRecordings(c *gin.Context) {
	if h.archive == nil {
		response.Success(c, []ArchivedRecording{})
		return
	}

	prefix := h.archivePrefix
	for _, part := range []string{c.Query("type"), c.Query("examId"), c.Query("batchId")} {
		if part == "" {
			break
		}
		prefix = path.Join(prefix, part)
	}

	files, err := h.archive.List(c.Request.Context(), prefix)
	if err != nil {
		response.InternalError(c, "failed to list recordings")
		return
	}

	out := make([]ArchivedRecording, 0, len(files))
	for _, f := range files {
		rec := ArchivedRecording{Key: f.Key, Size: f.Size, LastModified: f.LastModified}
		if url, err := h.archive.GetURL(c.Request.Context(), f.Key, time.Hour); err == nil {
			rec.URL = url
		}
		out = append(out, rec)
	}
	response.Success(c, out)
}

// requireAdmin gates the API behind an admin bearer token.
func (h *HTTPHandler) requireAdmin(c *gin.Context) {
	auth := c.GetHeader("Authorization")
	token := strings.TrimPrefix(auth, "Bearer ")
	if token == "" || token == auth {
		response.Unauthorized(c, "missing bearer token")
		c.Abort()
		return
	}

	claims, err := h.verifier.Verify(token)
	if err != nil {
		response.Unauthorized(c, "invalid token")
		c.Abort()
		return
	}
	role, err := domain.ParseRole(claims.Role)
	if err != nil || role != domain.RoleAdmin {
		response.Forbidden(c, "admin role required")
		c.Abort()
		return
	}

	c.Set(pkglog.FieldUserID, claims.UserID)
	c.Set(pkglog.FieldRole, claims.Role)
	c.Next()
}
