package lmstudio

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lmrelay/lmrelay/internal/infrastructure/config"
)

// Client is the HTTP client for one LM Studio (or compatible) backend.
type Client struct {
	baseURL     string
	client      *http.Client
	idleTimeout time.Duration
	logger      *zap.Logger
}

// Result is the aggregated output of one completion.
type Result struct {
	Content      string
	ModelUsed    string
	FinishReason string
	Usage        *Usage
}

// StreamChunk is one streamed delta handed to the transport layer.
type StreamChunk struct {
	DeltaText    string
	FinishReason string
}

// NewClient builds the upstream client from the configured base URL.
func NewClient(cfg config.UpstreamConfig, logger *zap.Logger) *Client {
	idle := time.Duration(cfg.StreamIdleSec) * time.Second
	if idle <= 0 {
		idle = 60 * time.Second
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ResponseHeaderTimeout: 300 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          10,
		MaxIdleConnsPerHost:   5,
	}

	return &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		client:      &http.Client{Transport: transport},
		idleTimeout: idle,
		logger:      logger.With(zap.String("component", "lmstudio")),
	}
}

// BaseURL reports the configured upstream address.
func (c *Client) BaseURL() string { return c.baseURL }

// Chat runs a non-streaming completion.
func (c *Client) Chat(ctx context.Context, model string, messages []ChatMessage, temperature float64, maxTokens int) (*Result, error) {
	req := &ChatRequest{
		Model:    model,
		Messages: messages,
	}
	if temperature >= 0 {
		req.Temperature = &temperature
	}
	if maxTokens > 0 {
		req.MaxTokens = &maxTokens
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, TruncateForLog(string(respBody), 300))
	}

	var apiResp ChatResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if len(apiResp.Choices) == 0 {
		return nil, fmt.Errorf("empty response: no choices")
	}

	choice := apiResp.Choices[0]
	return &Result{
		Content:      choice.Message.Content,
		ModelUsed:    apiResp.Model,
		FinishReason: choice.FinishReason,
		Usage:        apiResp.Usage,
	}, nil
}

// ChatStream runs a streamed completion, emitting deltas on deltaCh and
// returning the aggregated result. deltaCh is not closed by this method.
func (c *Client) ChatStream(ctx context.Context, model string, messages []ChatMessage, temperature float64, maxTokens int, deltaCh chan<- StreamChunk) (*Result, error) {
	req := &ChatRequest{
		Model:         model,
		Messages:      messages,
		Stream:        true,
		StreamOptions: map[string]interface{}{"include_usage": true},
	}
	if temperature >= 0 {
		req.Temperature = &temperature
	}
	if maxTokens > 0 {
		req.MaxTokens = &maxTokens
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, TruncateForLog(string(respBody), 300))
	}

	// Context cancellation body-close watchdog: a blocked Read only
	// unblocks when the body is closed under it.
	streamDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			c.logger.Info("Context cancelled, force-closing SSE stream", zap.Error(ctx.Err()))
			resp.Body.Close()
		case <-streamDone:
		}
	}()

	result, err := c.parseSSEStream(ctx, resp.Body, deltaCh)
	close(streamDone)
	return result, err
}

// Ping checks upstream reachability with a cheap model-list request.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/v1/models", nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 500 {
		return fmt.Errorf("upstream returned %d", resp.StatusCode)
	}
	return nil
}

// Generate implements the summarizer's upstream contract with a single
// system+user exchange.
func (c *Client) Generate(ctx context.Context, model, system, user string, temperature float64, maxTokens int) (string, error) {
	msgs := make([]ChatMessage, 0, 2)
	if system != "" {
		msgs = append(msgs, ChatMessage{Role: "system", Content: system})
	}
	msgs = append(msgs, ChatMessage{Role: "user", Content: user})

	res, err := c.Chat(ctx, model, msgs, temperature, maxTokens)
	if err != nil {
		return "", err
	}
	return res.Content, nil
}

// parseSSEStream reads a text/event-stream body until finish_reason,
// [DONE], idle timeout or context cancellation.
func (c *Client) parseSSEStream(ctx context.Context, reader io.Reader, deltaCh chan<- StreamChunk) (*Result, error) {
	tReader := &timedReader{r: reader, timeout: c.idleTimeout}

	scanner := bufio.NewScanner(tReader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024) // 1MB max line

	var contentBuilder strings.Builder
	var modelUsed string
	var usage *Usage
	var finishReason string

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk StreamChunkData
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			c.logger.Debug("Skip unparseable SSE chunk", zap.Error(err))
			continue
		}

		if chunk.Model != "" {
			modelUsed = chunk.Model
		}
		if chunk.Usage != nil && chunk.Usage.Total() > 0 {
			usage = chunk.Usage
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		choice := chunk.Choices[0]
		if choice.FinishReason != nil {
			finishReason = *choice.FinishReason
		}

		if choice.Delta.Content != "" {
			contentBuilder.WriteString(choice.Delta.Content)
			deltaCh <- StreamChunk{DeltaText: choice.Delta.Content}
		}

		// Break on finish_reason; some servers never send [DONE].
		if finishReason != "" {
			deltaCh <- StreamChunk{FinishReason: finishReason}
			c.logger.Debug("SSE stream: finish_reason received, breaking",
				zap.String("finish_reason", finishReason))
			break
		}
	}

	if err := scanner.Err(); err != nil {
		if IsIdleTimeoutErr(err) {
			c.logger.Warn("SSE stream idle timeout, upstream stalled",
				zap.Duration("idle_timeout", c.idleTimeout),
				zap.String("content_so_far", TruncateForLog(contentBuilder.String(), 100)))
			if contentBuilder.Len() == 0 {
				return nil, fmt.Errorf("SSE stream stalled: no data for %v", c.idleTimeout)
			}
			c.logger.Info("Returning partial SSE response after idle timeout")
		} else {
			return nil, fmt.Errorf("SSE scan error: %w", err)
		}
	}

	return &Result{
		Content:      contentBuilder.String(),
		ModelUsed:    modelUsed,
		FinishReason: finishReason,
		Usage:        usage,
	}, nil
}

// --- SSE idle timeout support ---

var errIdleTimeout = fmt.Errorf("SSE read idle timeout")

// timedReader wraps an io.Reader and applies a per-Read deadline.
type timedReader struct {
	r       io.Reader
	timeout time.Duration
}

func (t *timedReader) Read(p []byte) (int, error) {
	type result struct {
		n   int
		err error
	}
	ch := make(chan result, 1)
	go func() {
		n, err := t.r.Read(p)
		ch <- result{n, err}
	}()

	select {
	case res := <-ch:
		return res.n, res.err
	case <-time.After(t.timeout):
		return 0, errIdleTimeout
	}
}

// IsIdleTimeoutErr checks if an error is the SSE idle timeout sentinel.
func IsIdleTimeoutErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "SSE read idle timeout")
}

// TruncateForLog truncates a string for safe logging.
func TruncateForLog(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
