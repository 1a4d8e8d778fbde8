package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/lmrelay/lmrelay/internal/application/usecase"
	apperrors "github.com/lmrelay/lmrelay/pkg/errors"
)

// RespondHandler serves the responses endpoint with SSE streaming.
type RespondHandler struct {
	uc     *usecase.RespondUseCase
	logger *zap.Logger
}

// NewRespondHandler creates the responses handler.
func NewRespondHandler(uc *usecase.RespondUseCase, logger *zap.Logger) *RespondHandler {
	return &RespondHandler{
		uc:     uc,
		logger: logger.With(zap.String("handler", "respond")),
	}
}

// RespondRequest is the JSON body for POST /v1/responses.
type RespondRequest struct {
	ThreadID        string `json:"thread_id,omitempty"`
	Model           string `json:"model" binding:"required"`
	Input           string `json:"input" binding:"required"`
	MaxOutputTokens int    `json:"max_output_tokens,omitempty"`
	ToolResults     string `json:"tool_results,omitempty"`
	Stream          *bool  `json:"stream,omitempty"`
}

// Respond handles POST /v1/responses. With stream enabled (the default)
// the reply is sent as response.created / response.output_text.delta /
// response.completed SSE events; otherwise as one JSON document.
func (h *RespondHandler) Respond(c *gin.Context) {
	var req RespondRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	in := usecase.RespondInput{
		ThreadID:        req.ThreadID,
		Model:           req.Model,
		Input:           req.Input,
		MaxOutputTokens: req.MaxOutputTokens,
		ToolResultsText: req.ToolResults,
	}

	if req.Stream != nil && !*req.Stream {
		out, err := h.uc.Execute(c.Request.Context(), in, nil)
		if err != nil {
			h.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, out)
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)

	flusher, _ := c.Writer.(http.Flusher)
	send := func(event string, payload interface{}) {
		data, _ := json.Marshal(payload)
		fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", event, data)
		if flusher != nil {
			flusher.Flush()
		}
	}

	send("response.created", gin.H{"thread_id": req.ThreadID, "model": req.Model})

	out, err := h.uc.Execute(c.Request.Context(), in, func(delta string) {
		send("response.output_text.delta", gin.H{"delta": delta})
	})
	if err != nil {
		send("response.error", gin.H{"error": err.Error()})
		return
	}

	send("response.completed", out)
}

func (h *RespondHandler) writeError(c *gin.Context, err error) {
	switch {
	case apperrors.IsInvalidInput(err):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case apperrors.IsNotFound(err):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case apperrors.IsBadGateway(err):
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	default:
		h.logger.Error("Respond failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
