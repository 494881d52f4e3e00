package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"reflect"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"
)

func TestNewProvider(t *testing.T) {
	tests := []struct {
		provider string
		baseURL  string
		wantType string
	}{
		{"deepseek", "", "*llm.deepSeekProvider"},
		{"openai", "", "*llm.openAIProvider"},
		{"ollama", "", "*llm.ollamaProvider"},
		{"custom", "http://localhost:8000", "*llm.compatProvider"},
	}

	for _, tt := range tests {
		t.Run(tt.provider, func(t *testing.T) {
			p, err := NewProvider(Config{Provider: tt.provider, Model: "test-model", BaseURL: tt.baseURL})
			if err != nil {
				t.Fatalf("NewProvider(%q) returned error: %v", tt.provider, err)
			}
			if got := fmt.Sprintf("%T", p); got != tt.wantType {
				t.Errorf("NewProvider(%q) type = %s, want %s", tt.provider, got, tt.wantType)
			}
		})
	}
}

func TestNewProviderErrors(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{"unknown", Config{Provider: "doesnotexist"}, "unknown llm provider: doesnotexist"},
		{"empty", Config{}, "llm provider not specified"},
		{"custom without url", Config{Provider: "custom"}, "custom llm provider requires base_url"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewProvider(tt.cfg)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if err.Error() != tt.want {
				t.Errorf("error = %q, want %q", err.Error(), tt.want)
			}
		})
	}
}

// baseConfig reaches base.cfg on a concrete provider.
func baseConfig(t *testing.T, p Provider) Config {
	t.Helper()
	v := reflect.ValueOf(p).Elem().FieldByName("base").FieldByName("cfg")
	return Config{
		BaseURL: v.FieldByName("BaseURL").String(),
		Model:   v.FieldByName("Model").String(),
		APIKey:  v.FieldByName("APIKey").String(),
	}
}

func TestProviderDefaults(t *testing.T) {
	tests := []struct {
		provider  string
		wantURL   string
		wantModel string
	}{
		{"deepseek", "https://api.deepseek.com", "deepseek-chat"},
		{"openai", "https://api.openai.com", "text-embedding-3-small"},
		{"ollama", "http://localhost:11434", ""},
	}

	for _, tt := range tests {
		t.Run(tt.provider, func(t *testing.T) {
			p, err := NewProvider(Config{Provider: tt.provider})
			if err != nil {
				t.Fatalf("NewProvider(%q): %v", tt.provider, err)
			}
			cfg := baseConfig(t, p)
			if cfg.BaseURL != tt.wantURL {
				t.Errorf("default BaseURL = %q, want %q", cfg.BaseURL, tt.wantURL)
			}
			if cfg.Model != tt.wantModel {
				t.Errorf("default Model = %q, want %q", cfg.Model, tt.wantModel)
			}
		})
	}
}

func TestExplicitConfigPreserved(t *testing.T) {
	for _, provider := range []string{"deepseek", "openai", "ollama", "custom"} {
		t.Run(provider, func(t *testing.T) {
			p, err := NewProvider(Config{
				Provider: provider,
				Model:    "my-model",
				BaseURL:  "http://my-server:9999",
				APIKey:   "sk-test",
			})
			if err != nil {
				t.Fatalf("NewProvider(%q): %v", provider, err)
			}
			cfg := baseConfig(t, p)
			if cfg.BaseURL != "http://my-server:9999" || cfg.Model != "my-model" || cfg.APIKey != "sk-test" {
				t.Errorf("config not preserved: %+v", cfg)
			}
		})
	}
}

// fastClient returns a compat client pointed at url with millisecond retry
// delays.
func fastClient(url string, retries int) *compatClient {
	c := newCompatClient(Config{BaseURL: url, Model: "test-model", APIKey: "sk-test", MaxRetries: retries})
	c.backoff = backoff{base: time.Millisecond, rateFloor: time.Millisecond}
	return &c
}

func TestChatRequestShape(t *testing.T) {
	var got chatCompletionRequest
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		fmt.Fprint(w, `{"model":"test-model","choices":[{"message":{"content":"你好"},"finish_reason":"stop"}],
			"usage":{"prompt_tokens":7,"completion_tokens":3,"total_tokens":10}}`)
	}))
	defer srv.Close()

	c := fastClient(srv.URL, 0)
	resp, err := c.chat(context.Background(), ChatRequest{
		Messages:       []Message{{Role: "user", Content: "hi"}},
		ResponseFormat: "json_object",
	})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}

	if auth != "Bearer sk-test" {
		t.Errorf("Authorization = %q", auth)
	}
	if got.Model != "test-model" {
		t.Errorf("model defaulted to %q", got.Model)
	}
	if got.ResponseFormat == nil || got.ResponseFormat.Type != "json_object" {
		t.Errorf("response_format = %+v", got.ResponseFormat)
	}
	if resp.Content != "你好" || resp.TotalTokens != 10 || resp.PromptTokens != 7 {
		t.Errorf("response = %+v", resp)
	}
}

func TestChatRetriesRetryableStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch calls.Add(1) {
		case 1:
			w.WriteHeader(http.StatusServiceUnavailable)
		case 2:
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			fmt.Fprint(w, `{"choices":[{"message":{"content":"ok"}}]}`)
		}
	}))
	defer srv.Close()

	resp, err := fastClient(srv.URL, 3).chat(context.Background(), ChatRequest{})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.Content != "ok" {
		t.Errorf("content = %q", resp.Content)
	}
	if n := calls.Load(); n != 3 {
		t.Errorf("calls = %d, want 3", n)
	}
}

func TestChatNonRetryableStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error":"bad key"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := fastClient(srv.URL, 3).chat(context.Background(), ChatRequest{})
	if !errors.Is(err, ErrRequestFailed) {
		t.Fatalf("expected ErrRequestFailed, got %v", err)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("calls = %d, want 1", n)
	}
}

func TestChatRetriesExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := fastClient(srv.URL, 2).chat(context.Background(), ChatRequest{})
	if !errors.Is(err, ErrRequestFailed) {
		t.Fatalf("expected ErrRequestFailed, got %v", err)
	}
}

func TestChatNoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices":[]}`)
	}))
	defer srv.Close()

	if _, err := fastClient(srv.URL, 0).chat(context.Background(), ChatRequest{}); err == nil {
		t.Fatal("expected error for empty choices")
	}
}

func TestEmbedOrdersByIndex(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/embeddings" {
			t.Errorf("path = %s", r.URL.Path)
		}
		fmt.Fprint(w, `{"data":[{"index":1,"embedding":[0,1]},{"index":0,"embedding":[1,0]}]}`)
	}))
	defer srv.Close()

	got, err := fastClient(srv.URL, 0).embed(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if len(got) != 2 || got[0][0] != 1 || got[1][1] != 1 {
		t.Errorf("embeddings = %v", got)
	}
}

func TestOllamaEmbed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embed" {
			t.Errorf("path = %s", r.URL.Path)
		}
		fmt.Fprint(w, `{"embeddings":[[0.5,0.25]]}`)
	}))
	defer srv.Close()

	p := NewOllama(Config{BaseURL: srv.URL, Model: "bge-m3"})
	got, err := p.Embed(context.Background(), []string{"头痛"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(got) != 1 || got[0][0] != 0.5 || got[0][1] != 0.25 {
		t.Errorf("embeddings = %v", got)
	}
}

func TestDeepSeekEmbedUnsupported(t *testing.T) {
	_, err := NewDeepSeek(Config{}).Embed(context.Background(), []string{"x"})
	if !errors.Is(err, ErrRequestFailed) {
		t.Errorf("expected ErrRequestFailed, got %v", err)
	}
}

func TestBackoffDelay(t *testing.T) {
	b := backoff{base: baseRetryDelay, rateFloor: minRateLimitDelay}
	tests := []struct {
		name        string
		attempt     int
		rateLimited bool
		retryAfter  time.Duration
		want        time.Duration
	}{
		{"first retry", 1, false, 0, baseRetryDelay},
		{"doubles", 3, false, 0, 4 * baseRetryDelay},
		{"server delay ignored when not rate limited", 1, false, time.Minute, baseRetryDelay},
		{"rate limit floor", 1, true, 0, minRateLimitDelay},
		{"retry-after wins", 1, true, 30 * time.Second, 30 * time.Second},
		{"backoff beyond retry-after", 5, true, 2 * time.Second, 16 * baseRetryDelay},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := b.delay(tt.attempt, tt.rateLimited, tt.retryAfter); got != tt.want {
				t.Errorf("delay = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"", 0},
		{"30", 30 * time.Second},
		{"-5", 0},
		{now.Add(90 * time.Second).Format(http.TimeFormat), 90 * time.Second},
		{now.Add(-time.Minute).Format(http.TimeFormat), 0},
		{"soon", 0},
	}
	for _, tt := range tests {
		if got := parseRetryAfter(tt.in, now); got != tt.want {
			t.Errorf("parseRetryAfter(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestClipKeepsRunesWhole(t *testing.T) {
	body := []byte("余额不足")
	for n := 1; n < len(body); n++ {
		got := clip(body, n)
		if !utf8.ValidString(got) {
			t.Errorf("clip(%d) = %q is not valid UTF-8", n, got)
		}
	}
	if got := clip(body, 64); got != "余额不足" {
		t.Errorf("clip(64) = %q", got)
	}
}
