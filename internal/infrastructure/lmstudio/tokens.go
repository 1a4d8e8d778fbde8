package lmstudio

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lmrelay/lmrelay/internal/infrastructure/config"
)

// Token counting modes reported alongside every count.
const (
	CountModeProxy  = "proxy-http"
	CountModeApprox = "approx"
)

// ApproxTokens is the rough estimate used when the probe is disabled or
// unavailable: one token per four characters, rounded up.
func ApproxTokens(text string) int {
	return (len([]rune(text)) + 3) / 4
}

// ApproxTokensMessages sums the estimate over role and content of every
// message.
func ApproxTokensMessages(messages []ChatMessage) int {
	n := 0
	for _, m := range messages {
		n += ApproxTokens(m.Role) + ApproxTokens(m.Content)
	}
	return n
}

type tokenCacheEntry struct {
	n    int
	mode string
	at   time.Time
}

// Counter measures prompt tokens with the model's own tokenizer by
// sending a one-token completion and reading usage.prompt_tokens. Any
// failure degrades to the character estimate; the returned mode tag
// tells the two apart.
type Counter struct {
	baseURL string
	client  *http.Client
	mode    string // proxy, approx
	ttl     time.Duration
	timeout time.Duration
	logger  *zap.Logger

	mu    sync.Mutex
	cache map[string]tokenCacheEntry
}

// NewCounter builds the token counter.
func NewCounter(upstream config.UpstreamConfig, tokens config.TokenConfig, logger *zap.Logger) *Counter {
	probeTimeout := time.Duration(upstream.ProbeTimeoutSec) * time.Second
	if probeTimeout <= 0 {
		probeTimeout = 3 * time.Second
	}
	ttl := time.Duration(tokens.CacheTTLSec) * time.Second
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &Counter{
		baseURL: trimBaseURL(upstream.BaseURL),
		client:  &http.Client{Timeout: probeTimeout},
		mode:    tokens.CountMode,
		ttl:     ttl,
		timeout: probeTimeout,
		logger:  logger.With(zap.String("component", "token_counter")),
		cache:   make(map[string]tokenCacheEntry),
	}
}

// CountChat returns (prompt_tokens, mode) for a message list.
func (c *Counter) CountChat(ctx context.Context, model string, messages []ChatMessage) (int, string) {
	if c.mode != "proxy" {
		return ApproxTokensMessages(messages), CountModeApprox
	}

	key := c.cacheKey(model, messages)
	if n, mode, ok := c.cached(key); ok {
		return n, mode
	}

	n, err := c.probe(ctx, model, messages)
	if err != nil {
		c.logger.Warn("Token probe failed, falling back to estimate", zap.Error(err))
		n = ApproxTokensMessages(messages)
		c.store(key, n, CountModeApprox)
		return n, CountModeApprox
	}

	c.store(key, n, CountModeProxy)
	return n, CountModeProxy
}

// CountText counts a plain text by wrapping it as a single user message.
func (c *Counter) CountText(ctx context.Context, model, text string) (int, string) {
	return c.CountChat(ctx, model, []ChatMessage{{Role: "user", Content: text}})
}

func (c *Counter) probe(ctx context.Context, model string, messages []ChatMessage) (int, error) {
	one := 1
	zero := 0.0
	payload := &ChatRequest{
		Model:       model,
		Messages:    messages,
		Temperature: &zero,
		MaxTokens:   &one,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal probe: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("create probe request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("probe request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("read probe response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("probe error %d: %s", resp.StatusCode, TruncateForLog(string(respBody), 200))
	}

	var apiResp ChatResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return 0, fmt.Errorf("parse probe response: %w", err)
	}
	if apiResp.Usage == nil || apiResp.Usage.PromptTokens <= 0 {
		return 0, fmt.Errorf("usage.prompt_tokens missing or zero")
	}
	return apiResp.Usage.PromptTokens, nil
}

// cacheKey fingerprints (model, messages) with canonical JSON so the same
// prompt counted twice within the TTL skips the probe.
func (c *Counter) cacheKey(model string, messages []ChatMessage) string {
	payload := struct {
		Model    string        `json:"model"`
		Messages []ChatMessage `json:"messages"`
	}{Model: model, Messages: messages}
	b, _ := json.Marshal(payload)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func (c *Counter) cached(key string) (int, string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.cache[key]
	if !ok || time.Since(entry.at) >= c.ttl {
		return 0, "", false
	}
	return entry.n, entry.mode, true
}

func (c *Counter) store(key string, n int, mode string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache[key] = tokenCacheEntry{n: n, mode: mode, at: time.Now()}
}

// ClearCache drops all cached counts. Test hook.
func (c *Counter) ClearCache() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache = make(map[string]tokenCacheEntry)
}
