package lmstudio

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lmrelay/lmrelay/internal/infrastructure/config"
)

func upstreamCfg(url string) config.UpstreamConfig {
	return config.UpstreamConfig{
		BaseURL:         url,
		ProbeTimeoutSec: 2,
		InfoTimeoutSec:  2,
		StreamIdleSec:   2,
	}
}

func TestChatNonStreaming(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		fmt.Fprint(w, `{"model":"qwen3-4b","choices":[{"message":{"role":"assistant","content":"hello"},"finish_reason":"stop"}],"usage":{"prompt_tokens":12,"completion_tokens":3,"total_tokens":15}}`)
	}))
	defer srv.Close()

	c := NewClient(upstreamCfg(srv.URL), zap.NewNop())
	res, err := c.Chat(context.Background(), "qwen3-4b",
		[]ChatMessage{{Role: "user", Content: "hi"}}, 0.7, 64)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if res.Content != "hello" || res.FinishReason != "stop" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Usage.Total() != 15 {
		t.Fatalf("usage total = %d, want 15", res.Usage.Total())
	}
}

func TestGenerateWrapsSystemAndUser(t *testing.T) {
	var gotBody atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf, _ := io.ReadAll(r.Body)
		gotBody.Store(string(buf))
		fmt.Fprint(w, `{"choices":[{"message":{"content":"ok"},"finish_reason":"stop"}]}`)
	}))
	defer srv.Close()

	c := NewClient(upstreamCfg(srv.URL), zap.NewNop())
	out, err := c.Generate(context.Background(), "m", "be brief", "summarize this", 0.2, 128)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if out != "ok" {
		t.Fatalf("out = %q", out)
	}
	body, _ := gotBody.Load().(string)
	for _, want := range []string{`"role":"system"`, "be brief", `"role":"user"`, "summarize this"} {
		if !strings.Contains(body, want) {
			t.Fatalf("request body missing %q: %s", want, body)
		}
	}
}

func TestChatStreamAggregatesDeltas(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		frames := []string{
			`{"model":"qwen3-4b","choices":[{"delta":{"content":"Hel"}}]}`,
			`{"choices":[{"delta":{"content":"lo"}}]}`,
			`{"choices":[{"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":8,"completion_tokens":2,"total_tokens":10}}`,
		}
		for _, f := range frames {
			fmt.Fprintf(w, "data: %s\n\n", f)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	c := NewClient(upstreamCfg(srv.URL), zap.NewNop())

	deltaCh := make(chan StreamChunk, 16)
	res, err := c.ChatStream(context.Background(), "qwen3-4b",
		[]ChatMessage{{Role: "user", Content: "hi"}}, 0.7, 64, deltaCh)
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	close(deltaCh)

	if res.Content != "Hello" {
		t.Fatalf("content = %q, want Hello", res.Content)
	}
	if res.FinishReason != "stop" {
		t.Fatalf("finish_reason = %q", res.FinishReason)
	}
	if res.Usage.Total() != 10 {
		t.Fatalf("usage total = %d, want 10", res.Usage.Total())
	}

	var text string
	var sawFinish bool
	for ch := range deltaCh {
		text += ch.DeltaText
		if ch.FinishReason != "" {
			sawFinish = true
		}
	}
	if text != "Hello" || !sawFinish {
		t.Fatalf("deltas = %q sawFinish=%v", text, sawFinish)
	}
}

func TestChatStreamContextCancel(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"x\"}}]}\n\n")
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-release // hold the stream open
	}))
	defer srv.Close()
	defer close(release)

	c := NewClient(upstreamCfg(srv.URL), zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())

	deltaCh := make(chan StreamChunk, 16)
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := c.ChatStream(ctx, "m", []ChatMessage{{Role: "user", Content: "hi"}}, 0.7, 64, deltaCh)
	if err == nil {
		t.Fatalf("expected error after cancellation")
	}
	if time.Since(start) > 3*time.Second {
		t.Fatalf("cancellation did not interrupt the stream promptly")
	}
}

func TestCounterProxyAndCache(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		fmt.Fprint(w, `{"choices":[{"message":{"content":""},"finish_reason":"length"}],"usage":{"prompt_tokens":37,"completion_tokens":1,"total_tokens":38}}`)
	}))
	defer srv.Close()

	counter := NewCounter(upstreamCfg(srv.URL),
		config.TokenConfig{CountMode: "proxy", CacheTTLSec: 60}, zap.NewNop())

	msgs := []ChatMessage{{Role: "user", Content: "how many tokens"}}
	n, mode := counter.CountChat(context.Background(), "m", msgs)
	if n != 37 || mode != CountModeProxy {
		t.Fatalf("got (%d, %s), want (37, proxy-http)", n, mode)
	}

	// Second identical count is served from cache.
	n, mode = counter.CountChat(context.Background(), "m", msgs)
	if n != 37 || mode != CountModeProxy {
		t.Fatalf("cached count = (%d, %s)", n, mode)
	}
	if hits.Load() != 1 {
		t.Fatalf("probe hit %d times, want 1", hits.Load())
	}
}

func TestCounterFallsBackToApprox(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	counter := NewCounter(upstreamCfg(srv.URL),
		config.TokenConfig{CountMode: "proxy", CacheTTLSec: 60}, zap.NewNop())

	n, mode := counter.CountText(context.Background(), "m", "twelve chars")
	if mode != CountModeApprox {
		t.Fatalf("mode = %s, want approx", mode)
	}
	// "user" -> 1 + "twelve chars" (12 chars) -> 3
	if n != 4 {
		t.Fatalf("approx count = %d, want 4", n)
	}
}

func TestCounterApproxModeSkipsProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("probe must not be called in approx mode")
	}))
	defer srv.Close()

	counter := NewCounter(upstreamCfg(srv.URL),
		config.TokenConfig{CountMode: "approx", CacheTTLSec: 60}, zap.NewNop())

	n, mode := counter.CountChat(context.Background(), "m",
		[]ChatMessage{{Role: "user", Content: "abcdefgh"}})
	if mode != CountModeApprox || n != 3 {
		t.Fatalf("got (%d, %s), want (3, approx)", n, mode)
	}
}

func TestInfoCacheDirectHit(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path != "/api/v0/models/qwen3-4b" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		fmt.Fprint(w, `{"id":"qwen3-4b","state":"loaded","loaded_context_length":8192,"max_context_length":32768}`)
	}))
	defer srv.Close()

	cache := NewInfoCache(upstreamCfg(srv.URL),
		config.ContextConfig{ModelInfoTTLSec: 300}, zap.NewNop())

	info := cache.Info(context.Background(), "qwen3-4b")
	if !info.Loaded() || *info.LoadedContextLength != 8192 {
		t.Fatalf("unexpected info: %+v", info)
	}
	if *info.MaxContextLength != 32768 {
		t.Fatalf("max window = %v", info.MaxContextLength)
	}

	// Loaded record stays cached for the full TTL.
	cache.Info(context.Background(), "qwen3-4b")
	if hits.Load() != 1 {
		t.Fatalf("fetched %d times, want 1", hits.Load())
	}
}

func TestInfoCacheFallsBackToListScan(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v0/models/llama-3":
			http.NotFound(w, r)
		case "/api/v0/models":
			fmt.Fprint(w, `{"data":[{"id":"other","state":"not-loaded"},{"model":"llama-3","state":"loaded","context_length":4096}]}`)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	cache := NewInfoCache(upstreamCfg(srv.URL),
		config.ContextConfig{ModelInfoTTLSec: 300}, zap.NewNop())

	info := cache.Info(context.Background(), "llama-3")
	if !info.Loaded() {
		t.Fatalf("list scan failed: %+v", info)
	}
	// context_length is accepted as the loaded window spelling.
	if *info.LoadedContextLength != 4096 {
		t.Fatalf("window = %d, want 4096", *info.LoadedContextLength)
	}
}

func TestInfoCacheProvisionalTTL(t *testing.T) {
	var loaded atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if loaded.Load() {
			fmt.Fprint(w, `{"id":"m","state":"loaded","loaded_context_length":2048}`)
		} else {
			fmt.Fprint(w, `{"id":"m","state":"loading"}`)
		}
	}))
	defer srv.Close()

	cache := NewInfoCache(upstreamCfg(srv.URL),
		config.ContextConfig{ModelInfoTTLSec: 300}, zap.NewNop())

	info := cache.Info(context.Background(), "m")
	if info.Loaded() {
		t.Fatalf("model should not be loaded yet")
	}

	// A probe after the model loads refreshes the cache with full TTL.
	loaded.Store(true)
	info = cache.Probe(context.Background(), "m")
	if !info.Loaded() || *info.LoadedContextLength != 2048 {
		t.Fatalf("probe missed the loaded window: %+v", info)
	}

	info = cache.Info(context.Background(), "m")
	if !info.Loaded() {
		t.Fatalf("probe result not cached")
	}
}

func TestInfoCacheUnreachableUpstream(t *testing.T) {
	cache := NewInfoCache(upstreamCfg("http://127.0.0.1:1"),
		config.ContextConfig{ModelInfoTTLSec: 300}, zap.NewNop())

	info := cache.Info(context.Background(), "m")
	if info.Err == "" {
		t.Fatalf("expected recorded error")
	}
	if info.LoadedContextLength != nil || info.MaxContextLength != nil {
		t.Fatalf("unreachable upstream must not invent windows: %+v", info)
	}
}
