package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/lmrelay/lmrelay/internal/domain/repository"
	apperrors "github.com/lmrelay/lmrelay/pkg/errors"
)

// ThreadHandler serves thread inspection endpoints.
type ThreadHandler struct {
	repo   repository.MemoryRepository
	logger *zap.Logger
}

// NewThreadHandler creates the thread handler.
func NewThreadHandler(repo repository.MemoryRepository, logger *zap.Logger) *ThreadHandler {
	return &ThreadHandler{
		repo:   repo,
		logger: logger.With(zap.String("handler", "thread")),
	}
}

// Get handles GET /v1/threads/:id.
func (h *ThreadHandler) Get(c *gin.Context) {
	th, err := h.repo.GetThread(c.Request.Context(), c.Param("id"))
	if err != nil {
		if apperrors.IsNotFound(err) {
			c.JSON(http.StatusNotFound, gin.H{"error": "thread not found"})
			return
		}
		h.logger.Error("Thread read failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	resp := gin.H{
		"id":         th.ID,
		"title":      th.Title,
		"created_at": th.CreatedAt,
	}
	if th.Summary != "" {
		resp["summary"] = th.Summary
		resp["summary_lang"] = th.SummaryLang
		resp["summary_quality"] = th.SummaryQuality
		resp["summary_updated_at"] = th.SummaryUpdatedAt
	}
	c.JSON(http.StatusOK, resp)
}

// Messages handles GET /v1/threads/:id/messages: the sanitized
// user/assistant history in chronological order, together with the
// memory layers for inspection.
func (h *ThreadHandler) Messages(c *gin.Context) {
	ctx := c.Request.Context()
	threadID := c.Param("id")

	if _, err := h.repo.GetThread(ctx, threadID); err != nil {
		if apperrors.IsNotFound(err) {
			c.JSON(http.StatusNotFound, gin.H{"error": "thread not found"})
			return
		}
		h.logger.Error("Thread read failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	msgs, err := h.repo.GetMessagesAsc(ctx, threadID, "", 0)
	if err != nil {
		h.logger.Error("Message listing failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	l2s, err := h.repo.GetL2Asc(ctx, threadID, 0)
	if err != nil {
		h.logger.Error("L2 listing failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	l3s, err := h.repo.GetL3Asc(ctx, threadID, 0)
	if err != nil {
		h.logger.Error("L3 listing failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	messages := make([]gin.H, 0, len(msgs))
	for _, m := range msgs {
		messages = append(messages, gin.H{
			"id":         m.ID,
			"role":       m.Role,
			"content":    m.Content,
			"created_at": m.CreatedAt,
		})
	}
	l2Out := make([]gin.H, 0, len(l2s))
	for _, s := range l2s {
		l2Out = append(l2Out, gin.H{
			"id":    s.ID,
			"start": s.StartMessageID,
			"end":   s.EndMessageID,
			"text":  s.Text,
		})
	}
	l3Out := make([]gin.H, 0, len(l3s))
	for _, s := range l3s {
		l3Out = append(l3Out, gin.H{
			"id":       s.ID,
			"start_l2": s.StartL2ID,
			"end_l2":   s.EndL2ID,
			"text":     s.Text,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"thread_id": threadID,
		"messages":  messages,
		"l2":        l2Out,
		"l3":        l3Out,
	})
}
