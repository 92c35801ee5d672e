package sessions

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"studio-backend/internal/archive"
	"studio-backend/internal/shared/server/middleware"
	"studio-backend/internal/shared/server/respond"
	"studio-backend/internal/shared/telemetry"
)

const (
	streamWriteTimeout = 10 * time.Second
	streamPingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Cross-origin policy is enforced by the CORS middleware; the websocket
	// handshake accepts any origin the middleware let through.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler exposes the analysis and session endpoints.
type Handler struct {
	Svc *Service
}

// NewHandler constructs a Handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{Svc: svc}
}

// RegisterRoutes attaches the analysis and session routes.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/analysis/start", h.start)
	rg.GET("/analysis/status/:id", h.status)
	rg.POST("/analysis/resume/:id", h.resume)
	rg.GET("/analysis/stream/:id", h.stream)

	rg.GET("/sessions", h.list)
	rg.GET("/sessions/archived", h.listArchived)
	rg.GET("/sessions/archived/:id", h.getArchived)
	rg.POST("/sessions/:id/archive", h.archive)
	rg.POST("/sessions/:id/cancel", h.cancel)
	rg.PATCH("/sessions/:id", h.updateMetadata)
	rg.DELETE("/sessions/:id", h.remove)
}

type startRequest struct {
	UserInput     string `json:"user_input"`
	UserID        string `json:"user_id"`
	ExecutionMode string `json:"execution_mode"`
}

func (h *Handler) start(c *gin.Context) {
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.Error(c, http.StatusBadRequest, "validation_error", "invalid request body", nil)
		return
	}
	if strings.TrimSpace(req.UserInput) == "" {
		respond.Error(c, http.StatusBadRequest, "validation_error", "user_input is required", nil)
		return
	}
	userID := middleware.UserIDFromContext(c)
	if userID == "" {
		userID = req.UserID
	}

	sessionID, err := h.Svc.Start(c.Request.Context(), req.UserInput, userID, req.ExecutionMode)
	if err != nil {
		if errors.Is(err, ErrQuotaExceeded) {
			respond.Error(c, http.StatusTooManyRequests, "limit_reached", "session quota exceeded for this period", nil)
			return
		}
		respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to start analysis", nil)
		return
	}
	respond.JSON(c, http.StatusAccepted, gin.H{"session_id": sessionID})
}

func (h *Handler) status(c *gin.Context) {
	record, err := h.Svc.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			respond.Error(c, http.StatusNotFound, "not_found", "session not found", nil)
			return
		}
		respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to fetch status", nil)
		return
	}
	respond.OK(c, record)
}

type resumeRequest struct {
	Response map[string]any `json:"response"`
}

func (h *Handler) resume(c *gin.Context) {
	var req resumeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.Error(c, http.StatusBadRequest, "validation_error", "invalid request body", nil)
		return
	}
	err := h.Svc.Resume(c.Request.Context(), c.Param("id"), req.Response)
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			respond.Error(c, http.StatusNotFound, "not_found", "session not found", nil)
		case errors.Is(err, ErrNotWaiting):
			respond.Error(c, http.StatusConflict, "not_waiting", "session is not waiting for input", nil)
		default:
			respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to resume analysis", nil)
		}
		return
	}
	respond.JSON(c, http.StatusAccepted, gin.H{"session_id": c.Param("id"), "resumed": true})
}

// stream upgrades to a websocket and forwards the session's events until the
// client disconnects.
func (h *Handler) stream(c *gin.Context) {
	sessionID := c.Param("id")
	if _, err := h.Svc.Status(c.Request.Context(), sessionID); err != nil {
		if errors.Is(err, ErrNotFound) {
			respond.Error(c, http.StatusNotFound, "not_found", "session not found", nil)
			return
		}
		respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to open stream", nil)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		telemetry.Warn("websocket upgrade failed", map[string]any{"session_id": sessionID, "error": err.Error()})
		return
	}
	defer conn.Close()

	events, cancel := h.Svc.Stream(sessionID)
	defer cancel()

	// Drain client frames so close messages are noticed.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case event, ok := <-events:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := conn.WriteJSON(event); err != nil {
				return
			}
			if event.Type == EventCompleted || event.Type == EventFailed {
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session terminal"))
				return
			}
		}
	}
}

func requestUserID(c *gin.Context) string {
	if id := middleware.UserIDFromContext(c); id != "" {
		return id
	}
	return c.Query("user_id")
}

func (h *Handler) list(c *gin.Context) {
	records, err := h.Svc.List(c.Request.Context(), requestUserID(c))
	if err != nil {
		respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to list sessions", nil)
		return
	}
	respond.OK(c, gin.H{"sessions": records})
}

func (h *Handler) listArchived(c *gin.Context) {
	opts := archive.ListOptions{
		UserID:     requestUserID(c),
		Status:     c.Query("status"),
		PinnedOnly: c.Query("pinned") == "true",
		Limit:      intQuery(c, "limit", 20),
		Offset:     intQuery(c, "offset", 0),
	}
	summaries, total, err := h.Svc.ListArchived(c.Request.Context(), opts)
	if err != nil {
		respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to list archived sessions", nil)
		return
	}
	respond.OK(c, gin.H{"sessions": summaries, "total": total})
}

func (h *Handler) getArchived(c *gin.Context) {
	session, err := h.Svc.GetArchived(c.Request.Context(), requestUserID(c), c.Param("id"))
	if err != nil {
		if errors.Is(err, archive.ErrNotFound) {
			respond.Error(c, http.StatusNotFound, "not_found", "archived session not found", nil)
			return
		}
		respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to fetch archived session", nil)
		return
	}
	respond.OK(c, session)
}

type archiveRequest struct {
	Force bool `json:"force"`
}

func (h *Handler) archive(c *gin.Context) {
	var req archiveRequest
	c.ShouldBindJSON(&req)

	err := h.Svc.Archive(c.Request.Context(), c.Param("id"), req.Force)
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			respond.Error(c, http.StatusNotFound, "not_found", "session not found", nil)
		case errors.Is(err, archive.ErrDuplicate):
			respond.Error(c, http.StatusConflict, "already_archived", "session is already archived", nil)
		default:
			respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to archive session", nil)
		}
		return
	}
	respond.OK(c, gin.H{"session_id": c.Param("id"), "archived": true})
}

func (h *Handler) cancel(c *gin.Context) {
	err := h.Svc.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			respond.Error(c, http.StatusNotFound, "not_found", "session not found", nil)
			return
		}
		respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to cancel session", nil)
		return
	}
	respond.OK(c, gin.H{"session_id": c.Param("id"), "cancelled": true})
}

type metadataRequest struct {
	DisplayName *string  `json:"display_name"`
	Pinned      *bool    `json:"pinned"`
	Tags        []string `json:"tags"`
}

func (h *Handler) updateMetadata(c *gin.Context) {
	var req metadataRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.Error(c, http.StatusBadRequest, "validation_error", "invalid request body", nil)
		return
	}
	meta := archive.Metadata{
		DisplayName: req.DisplayName,
		Pinned:      req.Pinned,
		Tags:        req.Tags,
	}
	err := h.Svc.UpdateMetadata(c.Request.Context(), requestUserID(c), c.Param("id"), meta)
	if err != nil {
		if errors.Is(err, archive.ErrNotFound) {
			respond.Error(c, http.StatusNotFound, "not_found", "archived session not found", nil)
			return
		}
		respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to update session", nil)
		return
	}
	respond.OK(c, gin.H{"session_id": c.Param("id"), "updated": true})
}

func (h *Handler) remove(c *gin.Context) {
	if err := h.Svc.Delete(c.Request.Context(), requestUserID(c), c.Param("id")); err != nil {
		respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to delete session", nil)
		return
	}
	respond.OK(c, gin.H{"session_id": c.Param("id"), "deleted": true})
}

func intQuery(c *gin.Context, key string, def int) int {
	raw := c.Query(key)
	if raw == "" {
		return def
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed < 0 {
		return def
	}
	return parsed
}
