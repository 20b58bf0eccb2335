package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tjfontaine/polyglot-llm-middleware/internal/core/domain"
	"github.com/tjfontaine/polyglot-llm-middleware/internal/pkg/config"
	"github.com/tjfontaine/polyglot-llm-middleware/internal/testutil"
)

type fakeOpenAI struct {
	t        *testing.T
	calls    atomic.Int32
	failures atomic.Int32 // leading calls answered with status
	status   atomic.Int32
	last     atomic.Value // map[string]any
	reply    string
}

func newFakeOpenAI(t *testing.T, reply string) (*fakeOpenAI, *httptest.Server) {
	t.Helper()
	f := &fakeOpenAI{t: t, reply: reply}
	f.status.Store(http.StatusInternalServerError)
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/chat/completions", f.serve)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeOpenAI) serve(w http.ResponseWriter, r *http.Request) {
	n := f.calls.Add(1)
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		f.t.Errorf("decode request body: %v", err)
	}
	f.last.Store(body)

	w.Header().Set("Content-Type", "application/json")
	if n <= f.failures.Load() {
		w.WriteHeader(int(f.status.Load()))
		fmt.Fprintf(w, `{"error":{"message":"failure %d","type":"server_error"}}`, n)
		return
	}
	fmt.Fprintf(w, `{
		"id": "chatcmpl-123",
		"object": "chat.completion",
		"created": 1700000000,
		"model": "gpt-4o-mini-2024-07-18",
		"choices": [{"index": 0, "message": {"role": "assistant", "content": %q}, "finish_reason": "stop"}],
		"usage": {"prompt_tokens": 12, "completion_tokens": 3, "total_tokens": 15}
	}`, f.reply)
}

func chatRequest(id, text string) *domain.Request {
	return &domain.Request{
		ID:       id,
		UserID:   "alice",
		Model:    "gpt-4o-mini",
		Messages: []domain.Message{{Role: domain.RoleUser, Content: text}},
	}
}

func TestStatic(t *testing.T) {
	h := Static("hello there")
	resp, err := h.Handle(context.Background(), chatRequest("req-1", "hi"))
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if resp.ID != "req-1" || resp.Content != "hello there" || resp.FinishReason != "stop" {
		t.Errorf("unexpected response: %+v", resp)
	}
	// "user" + "hi" + 4 = 10 chars, 2 tokens; 11 chars of content, 2 tokens.
	want := domain.Usage{PromptTokens: 2, CompletionTokens: 2, TotalTokens: 4}
	if resp.Usage != want {
		t.Errorf("Usage = %+v, want %+v", resp.Usage, want)
	}
	if h.Calls() != 1 {
		t.Errorf("Calls() = %d, want 1", h.Calls())
	}
}

func TestStaticFunc(t *testing.T) {
	h := StaticFunc(func(req *domain.Request) string { return "echo: " + req.Text() })
	resp, err := h.Handle(context.Background(), chatRequest("req-1", "ping"))
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if resp.Content != "echo: ping" {
		t.Errorf("Content = %q", resp.Content)
	}
}

func TestStatic_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Static("x").Handle(ctx, chatRequest("r", "hi")); !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}

func TestOpenAI(t *testing.T) {
	fake, srv := newFakeOpenAI(t, "Paris.")
	h := OpenAI("sk-test", WithBaseURL(srv.URL+"/v1"), WithHTTPClient(srv.Client()))

	req := chatRequest("req-42", "Capital of France?")
	req.Tools = []domain.ToolDefinition{{Name: "lookup", Description: "search"}}
	resp, err := h(context.Background(), req)
	if err != nil {
		t.Fatalf("handler error = %v", err)
	}

	if resp.ID != "req-42" {
		t.Errorf("ID = %q, want request ID", resp.ID)
	}
	if resp.Content != "Paris." || resp.FinishReason != "stop" {
		t.Errorf("unexpected response: %+v", resp)
	}
	if resp.Usage.TotalTokens != 15 || resp.Usage.PromptTokens != 12 {
		t.Errorf("Usage = %+v", resp.Usage)
	}
	if id, _ := resp.Meta(MetaProviderID); id != "chatcmpl-123" {
		t.Errorf("provider id = %v", id)
	}

	body := fake.last.Load().(map[string]any)
	if body["model"] != "gpt-4o-mini" || body["user"] != "alice" {
		t.Errorf("request body = %v", body)
	}
	msgs := body["messages"].([]any)
	if len(msgs) != 1 || msgs[0].(map[string]any)["content"] != "Capital of France?" {
		t.Errorf("messages = %v", msgs)
	}
	if tools := body["tools"].([]any); len(tools) != 1 {
		t.Errorf("tools = %v", tools)
	}
}

func TestOpenAI_DefaultModel(t *testing.T) {
	fake, srv := newFakeOpenAI(t, "ok")
	h := OpenAI("sk-test", WithBaseURL(srv.URL+"/v1"), WithModel("gpt-4.1"))

	req := chatRequest("r", "hi")
	req.Model = ""
	if _, err := h(context.Background(), req); err != nil {
		t.Fatalf("handler error = %v", err)
	}
	if got := fake.last.Load().(map[string]any)["model"]; got != "gpt-4.1" {
		t.Errorf("model = %v, want gpt-4.1", got)
	}
}

func TestOpenAI_ToolCallRejected(t *testing.T) {
	fake, srv := newFakeOpenAI(t, "ok")
	h := OpenAI("sk-test", WithBaseURL(srv.URL+"/v1"))

	req := chatRequest("r", "")
	req.ToolCall = &domain.ToolCall{Name: "shell"}
	if _, err := h(context.Background(), req); !errors.Is(err, ErrToolExecution) {
		t.Errorf("error = %v, want ErrToolExecution", err)
	}
	if fake.calls.Load() != 0 {
		t.Error("tool execution should not reach the API")
	}
}

func TestOpenAI_APIError(t *testing.T) {
	fake, srv := newFakeOpenAI(t, "ok")
	fake.failures.Store(1)
	fake.status.Store(http.StatusBadRequest)
	h := OpenAI("sk-test", WithBaseURL(srv.URL+"/v1"))

	_, err := h(context.Background(), chatRequest("r", "hi"))
	if err == nil {
		t.Fatal("expected error")
	}
	if Retryable(err) {
		t.Errorf("400 should not be retryable: %v", err)
	}
}

func TestWithRetry_RecoversFromServerErrors(t *testing.T) {
	fake, srv := newFakeOpenAI(t, "finally")
	fake.failures.Store(2)
	h := WithRetry(OpenAI("sk-test", WithBaseURL(srv.URL+"/v1")), RetryConfig{
		MaxRetries:      3,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
	})

	resp, err := h(context.Background(), chatRequest("r", "hi"))
	if err != nil {
		t.Fatalf("handler error = %v", err)
	}
	if resp.Content != "finally" {
		t.Errorf("Content = %q", resp.Content)
	}
	if got := fake.calls.Load(); got != 3 {
		t.Errorf("calls = %d, want 3", got)
	}
}

func TestWithRetry_GivesUp(t *testing.T) {
	fake, srv := newFakeOpenAI(t, "never")
	fake.failures.Store(100)
	fake.status.Store(http.StatusTooManyRequests)
	h := WithRetry(OpenAI("sk-test", WithBaseURL(srv.URL+"/v1")), RetryConfig{
		MaxRetries:      2,
		InitialInterval: time.Millisecond,
		MaxInterval:     time.Millisecond,
	})

	if _, err := h(context.Background(), chatRequest("r", "hi")); err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if got := fake.calls.Load(); got != 3 {
		t.Errorf("calls = %d, want 3", got)
	}
}

func TestWithRetry_PermanentError(t *testing.T) {
	var calls atomic.Int32
	boom := errors.New("bad request")
	h := WithRetry(func(ctx context.Context, req *domain.Request) (*domain.Response, error) {
		calls.Add(1)
		return nil, boom
	}, RetryConfig{MaxRetries: 5, InitialInterval: time.Millisecond})

	if _, err := h(context.Background(), chatRequest("r", "hi")); !errors.Is(err, boom) {
		t.Errorf("error = %v, want %v", err, boom)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestWithRetry_Transient(t *testing.T) {
	var calls atomic.Int32
	h := WithRetry(func(ctx context.Context, req *domain.Request) (*domain.Response, error) {
		if calls.Add(1) == 1 {
			return nil, fmt.Errorf("upstream hiccup: %w", ErrTransient)
		}
		return &domain.Response{ID: req.ID, Content: "ok"}, nil
	}, RetryConfig{MaxRetries: 1, InitialInterval: time.Millisecond})

	resp, err := h(context.Background(), chatRequest("r", "hi"))
	if err != nil || resp.Content != "ok" {
		t.Fatalf("resp = %+v, err = %v", resp, err)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("x"), false},
		{"transient", fmt.Errorf("wrap: %w", ErrTransient), true},
		{"context", context.Canceled, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Retryable(tt.err); got != tt.want {
				t.Errorf("Retryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestCache(t *testing.T) {
	static := Static("cached answer")
	cache, err := NewCache(8, nil)
	if err != nil {
		t.Fatalf("NewCache() error = %v", err)
	}
	h := cache.Wrap(static.Handle)

	first, err := h(context.Background(), chatRequest("req-1", "same question"))
	if err != nil {
		t.Fatalf("first call error = %v", err)
	}
	second, err := h(context.Background(), chatRequest("req-2", "same question"))
	if err != nil {
		t.Fatalf("second call error = %v", err)
	}

	if static.Calls() != 1 {
		t.Errorf("handler calls = %d, want 1", static.Calls())
	}
	if _, hit := first.Meta(MetaCache); hit {
		t.Error("first response should not be marked as a cache hit")
	}
	if v, _ := second.Meta(MetaCache); v != "hit" {
		t.Errorf("second response cache marker = %v", v)
	}
	if second.ID != "req-2" || second.Content != "cached answer" {
		t.Errorf("cached response = %+v", second)
	}

	if _, err := h(context.Background(), chatRequest("req-3", "different question")); err != nil {
		t.Fatal(err)
	}
	stats := cache.Stats()
	if stats.Hits != 1 || stats.Misses != 2 || stats.Size != 2 {
		t.Errorf("Stats() = %+v", stats)
	}

	cache.Purge()
	if s := cache.Stats(); s.Size != 0 || s.Hits != 0 {
		t.Errorf("after Purge Stats() = %+v", s)
	}
}

func TestCache_SkipsFailures(t *testing.T) {
	var calls atomic.Int32
	cache, _ := NewCache(4, nil)
	h := cache.Wrap(func(ctx context.Context, req *domain.Request) (*domain.Response, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("boom")
		}
		return &domain.Response{ID: req.ID, Content: "ok"}, nil
	})

	if _, err := h(context.Background(), chatRequest("a", "q")); err == nil {
		t.Fatal("expected first call to fail")
	}
	if _, err := h(context.Background(), chatRequest("b", "q")); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
}

func TestNewCache_InvalidSize(t *testing.T) {
	if _, err := NewCache(0, nil); err == nil {
		t.Error("expected error for zero size")
	}
}

func TestFromConfig(t *testing.T) {
	h, cache, err := FromConfig(config.HandlerConfig{Type: TypeStatic, CacheSize: 4, Retries: 1}, nil)
	if err != nil {
		t.Fatalf("FromConfig() error = %v", err)
	}
	if cache == nil {
		t.Fatal("expected cache")
	}
	resp, err := h(context.Background(), chatRequest("r", "hi"))
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != DefaultStaticContent {
		t.Errorf("Content = %q", resp.Content)
	}

	if _, _, err := FromConfig(config.HandlerConfig{Type: TypeOpenAI}, nil); err == nil {
		t.Error("expected error for openai without api key")
	}
	if _, _, err := FromConfig(config.HandlerConfig{Type: "carrier-pigeon"}, nil); err == nil {
		t.Error("expected error for unknown type")
	}
	if _, cache, err := FromConfig(config.HandlerConfig{Type: TypeOpenAI, APIKey: "sk"}, nil); err != nil || cache != nil {
		t.Errorf("FromConfig(openai) cache = %v, err = %v", cache, err)
	}
}

func TestOpenAI_Recorded(t *testing.T) {
	if os.Getenv("OPENAI_API_KEY") == "" && os.Getenv("VCR_MODE") == "record" {
		t.Skip("Skipping test: OPENAI_API_KEY not set")
	}

	rec, cleanup := testutil.NewVCRRecorder(t, "openai_chat")
	defer cleanup()

	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		apiKey = "test-key"
	}
	h := OpenAI(apiKey, WithHTTPClient(testutil.VCRHTTPClient(rec)))

	resp, err := h(context.Background(), &domain.Request{
		ID:       "req-vcr",
		Model:    "gpt-4o-mini",
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "Hello"}},
	})
	if err != nil {
		t.Fatalf("handler error = %v", err)
	}
	if resp.Content == "" {
		t.Error("Expected content in response")
	}
	if resp.Usage.TotalTokens == 0 {
		t.Error("Expected usage in response")
	}
	if os.Getenv("VCR_MODE") == "record" {
		return
	}

	// Replayed cassette values.
	if resp.ID != "req-vcr" {
		t.Errorf("ID = %q, want req-vcr", resp.ID)
	}
	if resp.Content != "Hello! How can I assist you today?" {
		t.Errorf("Content = %q", resp.Content)
	}
	if resp.FinishReason != "stop" {
		t.Errorf("FinishReason = %q, want stop", resp.FinishReason)
	}
	if resp.Usage != (domain.Usage{PromptTokens: 9, CompletionTokens: 9, TotalTokens: 18}) {
		t.Errorf("Usage = %+v", resp.Usage)
	}
	if id, _ := resp.Meta(MetaProviderID); id != "chatcmpl-AbC123replay" {
		t.Errorf("provider id = %v", id)
	}
}
