package lmstudio

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lmrelay/lmrelay/internal/domain/budget"
	"github.com/lmrelay/lmrelay/internal/infrastructure/config"
)

// provisionalTTL caches incomplete records only briefly so a model that
// finishes loading is re-read almost immediately.
const provisionalTTL = 2 * time.Second

type infoEntry struct {
	info budget.ModelInfo
	exp  time.Time
}

// InfoCache resolves model context windows via the enhanced
// /api/v0/models surface and caches them. Implements the budget
// solver's provider contract.
type InfoCache struct {
	baseURL string
	client  *http.Client
	ttl     time.Duration
	logger  *zap.Logger

	mu      sync.Mutex
	entries map[string]*infoEntry
	locks   map[string]*sync.Mutex
}

var _ budget.ModelInfoProvider = (*InfoCache)(nil)

// NewInfoCache builds the model-info cache.
func NewInfoCache(upstream config.UpstreamConfig, ctxCfg config.ContextConfig, logger *zap.Logger) *InfoCache {
	timeout := time.Duration(upstream.InfoTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ttl := time.Duration(ctxCfg.ModelInfoTTLSec) * time.Second
	if ttl <= 0 {
		ttl = 300 * time.Second
	}
	return &InfoCache{
		baseURL: trimBaseURL(upstream.BaseURL),
		client:  &http.Client{Timeout: timeout},
		ttl:     ttl,
		logger:  logger.With(zap.String("component", "model_info")),
		entries: make(map[string]*infoEntry),
		locks:   make(map[string]*sync.Mutex),
	}
}

// Info returns the cached record, fetching on miss. Concurrent misses
// for the same model share one fetch.
func (c *InfoCache) Info(ctx context.Context, modelID string) budget.ModelInfo {
	if info, ok := c.cached(modelID); ok {
		return info
	}

	lock := c.keyLock(modelID)
	lock.Lock()
	defer lock.Unlock()

	if info, ok := c.cached(modelID); ok {
		return info
	}

	info := c.fetch(ctx, modelID)
	c.storeInfo(modelID, info)
	return info
}

// Probe fetches directly, refreshing the cache with the full TTL when the
// model turned out loaded.
func (c *InfoCache) Probe(ctx context.Context, modelID string) budget.ModelInfo {
	info := c.fetch(ctx, modelID)
	if info.Loaded() {
		c.store(modelID, info, c.ttl)
	}
	return info
}

// Invalidate drops one cached record. Test hook.
func (c *InfoCache) Invalidate(modelID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, modelID)
}

func (c *InfoCache) fetch(ctx context.Context, modelID string) budget.ModelInfo {
	rec, err := c.fetchRecord(ctx, modelID)
	if err != nil {
		c.logger.Warn("Model info fetch failed",
			zap.String("model", modelID), zap.Error(err))
		return budget.ModelInfo{ID: modelID, Source: budget.SourceDefault, Err: err.Error()}
	}

	info := budget.ModelInfo{
		ID:                  modelID,
		State:               rec.State,
		LoadedContextLength: rec.loadedWindow(),
		MaxContextLength:    rec.maxWindow(),
	}
	switch {
	case info.LoadedContextLength != nil:
		info.Source = budget.SourceLoaded
	case info.MaxContextLength != nil:
		info.Source = budget.SourceMax
	default:
		info.Source = budget.SourceDefault
	}
	return info
}

func (c *InfoCache) fetchRecord(ctx context.Context, modelID string) (*modelRecord, error) {
	body, status, err := c.get(ctx, "/api/v0/models/"+modelID)
	if err != nil {
		return nil, err
	}

	if status == http.StatusNotFound {
		// Some servers expose only the collection endpoint.
		return c.scanList(ctx, modelID)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("model info error %d: %s", status, TruncateForLog(string(body), 200))
	}

	var rec modelRecord
	if err := json.Unmarshal(body, &rec); err != nil {
		return nil, fmt.Errorf("parse model info: %w", err)
	}
	return &rec, nil
}

func (c *InfoCache) scanList(ctx context.Context, modelID string) (*modelRecord, error) {
	body, status, err := c.get(ctx, "/api/v0/models")
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("model list error %d", status)
	}

	var items []modelRecord
	if err := json.Unmarshal(body, &items); err != nil {
		var wrapped modelListResponse
		if err2 := json.Unmarshal(body, &wrapped); err2 != nil {
			return nil, fmt.Errorf("parse model list: %w", err)
		}
		items = wrapped.Data
	}

	for i := range items {
		if items[i].matches(modelID) {
			return &items[i], nil
		}
	}
	return nil, fmt.Errorf("model %q not found", modelID)
}

func (c *InfoCache) get(ctx context.Context, path string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+path, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("read response: %w", err)
	}
	return body, resp.StatusCode, nil
}

// storeInfo picks the short provisional TTL for records that do not yet
// carry a loaded window.
func (c *InfoCache) storeInfo(modelID string, info budget.ModelInfo) {
	ttl := c.ttl
	if !info.Loaded() || info.Source == budget.SourceDefault {
		ttl = provisionalTTL
	}
	c.store(modelID, info, ttl)
}

func (c *InfoCache) store(modelID string, info budget.ModelInfo, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[modelID] = &infoEntry{info: info, exp: time.Now().Add(ttl)}
}

func (c *InfoCache) cached(modelID string) (budget.ModelInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[modelID]
	if !ok {
		return budget.ModelInfo{}, false
	}
	if time.Now().After(entry.exp) {
		delete(c.entries, modelID)
		return budget.ModelInfo{}, false
	}
	return entry.info, true
}

func (c *InfoCache) keyLock(modelID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	lock, ok := c.locks[modelID]
	if !ok {
		lock = &sync.Mutex{}
		c.locks[modelID] = lock
	}
	return lock
}

func trimBaseURL(u string) string {
	return strings.TrimRight(u, "/")
}
