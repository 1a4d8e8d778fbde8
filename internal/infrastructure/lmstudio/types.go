package lmstudio

// Wire types for the OpenAI-compatible /v1/chat/completions surface
// exposed by LM Studio.

// ChatMessage is one provider message.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the completion request body.
type ChatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream"`

	StreamOptions map[string]interface{} `json:"stream_options,omitempty"`
}

// Usage is the token accounting block attached by the server.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Total prefers the explicit total, summing the parts otherwise.
func (u *Usage) Total() int {
	if u == nil {
		return 0
	}
	if u.TotalTokens > 0 {
		return u.TotalTokens
	}
	return u.PromptTokens + u.CompletionTokens
}

// ChatResponse is the non-streaming completion response.
type ChatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *Usage `json:"usage"`
}

// StreamChunkData is one SSE data frame of a streamed completion.
type StreamChunkData struct {
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *Usage `json:"usage"`
}

// modelRecord is one entry of the enhanced /api/v0/models surface. Older
// LM Studio builds expose the window under different key names; all the
// observed spellings are declared so any one of them decodes.
type modelRecord struct {
	ID    string `json:"id"`
	Model string `json:"model"`
	Name  string `json:"name"`
	State string `json:"state"` // loaded, loading, not-loaded

	LoadedContextLength *int `json:"loaded_context_length"`
	ContextLength       *int `json:"context_length"`
	ContextWindow       *int `json:"context_window"`
	CtxWindow           *int `json:"ctx_window"`

	MaxContextLength      *int `json:"max_context_length"`
	MaxContextWindow      *int `json:"max_context_window"`
	MaxCtx                *int `json:"max_ctx"`
	NCtx                  *int `json:"n_ctx"`
	MaxPositionEmbeddings *int `json:"max_position_embeddings"`
}

// modelListResponse tolerates both the bare-array and the wrapped form.
type modelListResponse struct {
	Data []modelRecord `json:"data"`
}

func (m *modelRecord) matches(id string) bool {
	return m.ID == id || m.Model == id || m.Name == id
}

func (m *modelRecord) loadedWindow() *int {
	return firstPositive(m.LoadedContextLength, m.ContextLength, m.ContextWindow, m.CtxWindow)
}

func (m *modelRecord) maxWindow() *int {
	return firstPositive(m.MaxContextLength, m.MaxContextWindow, m.MaxCtx, m.NCtx, m.MaxPositionEmbeddings)
}

func firstPositive(vals ...*int) *int {
	for _, v := range vals {
		if v != nil && *v > 0 {
			return v
		}
	}
	return nil
}
