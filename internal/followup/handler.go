package followup

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"studio-backend/internal/shared/server/middleware"
	"studio-backend/internal/shared/server/respond"
)

const maxAttachmentBytes = 10 << 20

// Handler exposes the follow-up question endpoints.
type Handler struct {
	Svc *Service
}

// NewHandler constructs a Handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{Svc: svc}
}

// RegisterRoutes attaches the follow-up routes.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/analysis/followup", h.ask)
	rg.GET("/analysis/followup/:id/history", h.history)
}

type askRequest struct {
	SessionID   string          `json:"session_id"`
	Question    string          `json:"question"`
	UserID      string          `json:"user_id"`
	Attachments []askAttachment `json:"attachments"`
}

// askAttachment references a previously stored object by key.
type askAttachment struct {
	Key      string `json:"key"`
	FileName string `json:"file_name"`
	MimeType string `json:"mime_type"`
}

func (h *Handler) ask(c *gin.Context) {
	var req askRequest
	var attachments []Attachment

	if strings.HasPrefix(c.ContentType(), "multipart/form-data") {
		req.SessionID = c.PostForm("session_id")
		req.Question = c.PostForm("question")
		req.UserID = c.PostForm("user_id")
		form, err := c.MultipartForm()
		if err != nil {
			respond.Error(c, http.StatusBadRequest, "validation_error", "invalid multipart body", nil)
			return
		}
		for _, fh := range form.File["attachments"] {
			if fh.Size > maxAttachmentBytes {
				respond.Error(c, http.StatusBadRequest, "validation_error", "attachment too large", map[string]any{"file": fh.Filename})
				return
			}
			f, err := fh.Open()
			if err != nil {
				respond.Error(c, http.StatusBadRequest, "validation_error", "unreadable attachment", map[string]any{"file": fh.Filename})
				return
			}
			data, err := io.ReadAll(f)
			f.Close()
			if err != nil {
				respond.Error(c, http.StatusBadRequest, "validation_error", "unreadable attachment", map[string]any{"file": fh.Filename})
				return
			}
			attachments = append(attachments, Attachment{
				FileName: fh.Filename,
				MimeType: fh.Header.Get("Content-Type"),
				Data:     data,
			})
		}
	} else if err := c.ShouldBindJSON(&req); err != nil {
		respond.Error(c, http.StatusBadRequest, "validation_error", "invalid request body", nil)
		return
	} else {
		for _, ref := range req.Attachments {
			if ref.Key == "" {
				respond.Error(c, http.StatusBadRequest, "validation_error", "attachment key is required", nil)
				return
			}
			attachments = append(attachments, Attachment{
				FileName: ref.FileName,
				MimeType: ref.MimeType,
				Key:      ref.Key,
			})
		}
	}

	if req.SessionID == "" {
		respond.Error(c, http.StatusBadRequest, "validation_error", "session_id is required", nil)
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		respond.Error(c, http.StatusBadRequest, "validation_error", "question is required", nil)
		return
	}
	userID := middleware.UserIDFromContext(c)
	if userID == "" {
		userID = req.UserID
	}

	answer, err := h.Svc.Ask(c.Request.Context(), userID, req.SessionID, strings.TrimSpace(req.Question), attachments)
	if err != nil {
		switch {
		case errors.Is(err, ErrSessionNotFound):
			respond.Error(c, http.StatusNotFound, "not_found", "session not found", nil)
		case errors.Is(err, ErrEmptyQuestion):
			respond.Error(c, http.StatusBadRequest, "validation_error", "question is required", nil)
		default:
			respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to answer question", nil)
		}
		return
	}
	respond.JSON(c, http.StatusOK, answer)
}

func (h *Handler) history(c *gin.Context) {
	sessionID := c.Param("id")
	userID := middleware.UserIDFromContext(c)
	if userID == "" {
		userID = c.Query("user_id")
	}
	turns, err := h.Svc.History(c.Request.Context(), userID, sessionID)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			respond.Error(c, http.StatusNotFound, "not_found", "session not found", nil)
			return
		}
		respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to load history", nil)
		return
	}
	if turns == nil {
		turns = []Turn{}
	}
	respond.JSON(c, http.StatusOK, gin.H{"session_id": sessionID, "turns": turns})
}
