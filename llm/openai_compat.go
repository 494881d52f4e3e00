package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"
	"unicode/utf8"
)

const (
	defaultTimeout    = 120 * time.Second
	defaultMaxRetries = 4
	baseRetryDelay    = time.Second
	minRateLimitDelay = 5 * time.Second

	// maxErrorBody bounds how much of a failed response ends up in an error.
	maxErrorBody = 512
)

// backoff doubles the wait per attempt. Rate-limited attempts wait at
// least rateFloor, or longer when the server names a delay.
type backoff struct {
	base      time.Duration
	rateFloor time.Duration
}

func (b backoff) delay(attempt int, rateLimited bool, retryAfter time.Duration) time.Duration {
	d := b.base << (attempt - 1)
	if !rateLimited {
		return d
	}
	return max(d, b.rateFloor, retryAfter)
}

// compatClient speaks the OpenAI chat/embeddings wire format under /v1.
// Every provider in this package embeds one; it is safe for concurrent use.
type compatClient struct {
	cfg        Config
	client     *http.Client
	maxRetries int
	backoff    backoff
}

func newCompatClient(cfg Config) compatClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	retries := cfg.MaxRetries
	switch {
	case retries == 0:
		retries = defaultMaxRetries
	case retries < 0:
		retries = 0
	}
	return compatClient{
		cfg:        cfg,
		client:     &http.Client{Timeout: timeout},
		maxRetries: retries,
		backoff:    backoff{base: baseRetryDelay, rateFloor: minRateLimitDelay},
	}
}

// NewOpenAICompat creates a provider for any OpenAI-compatible endpoint.
// BaseURL must include everything before "/v1".
func NewOpenAICompat(cfg Config) Provider {
	return &compatProvider{base: newCompatClient(cfg)}
}

type compatProvider struct {
	base compatClient
}

func (p *compatProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	return p.base.chat(ctx, req)
}

func (p *compatProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return p.base.embed(ctx, texts)
}

type chatCompletionRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	Temperature    float64         `json:"temperature"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatCompletionResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (c *compatClient) chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	body := chatCompletionRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if body.Model == "" {
		body.Model = c.cfg.Model
	}
	if req.ResponseFormat != "" {
		body.ResponseFormat = &responseFormat{Type: req.ResponseFormat}
	}

	var resp chatCompletionResponse
	if err := c.postJSON(ctx, "/v1/chat/completions", body, &resp); err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: no choices in response", ErrRequestFailed)
	}

	choice := resp.Choices[0]
	return &ChatResponse{
		Content:          choice.Message.Content,
		Model:            resp.Model,
		FinishReason:     choice.FinishReason,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
	}, nil
}

func (c *compatClient) embed(ctx context.Context, texts []string) ([][]float32, error) {
	var resp embeddingResponse
	err := c.postJSON(ctx, "/v1/embeddings", embeddingRequest{Model: c.cfg.Model, Input: texts}, &resp)
	if err != nil {
		return nil, err
	}

	// Items may arrive out of order.
	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index >= 0 && d.Index < len(out) {
			out[d.Index] = d.Embedding
		}
	}
	return out, nil
}

// postJSON posts body and decodes the 200 response into out.
func (c *compatClient) postJSON(ctx context.Context, path string, body, out any) error {
	raw, err := c.doPost(ctx, path, body)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}

// attemptError is one failed round trip.
type attemptError struct {
	err         error
	retryable   bool
	rateLimited bool
	retryAfter  time.Duration
}

// doPost sends body to BaseURL+path, retrying transport failures and
// retryable statuses until maxRetries is spent or ctx ends.
func (c *compatClient) doPost(ctx context.Context, path string, body any) ([]byte, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	url := c.cfg.BaseURL + path

	var last *attemptError
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			wait := c.backoff.delay(attempt, last.rateLimited, last.retryAfter)
			slog.Warn("llm: retrying request", "url", url, "attempt", attempt, "delay", wait, "error", last.err)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		raw, aerr := c.attempt(ctx, url, data)
		if aerr == nil {
			return raw, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !aerr.retryable {
			return nil, aerr.err
		}
		last = aerr
	}
	return nil, fmt.Errorf("max retries exceeded: %w", last.err)
}

func (c *compatClient) attempt(ctx context.Context, url string, data []byte) ([]byte, *attemptError) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, &attemptError{err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &attemptError{err: fmt.Errorf("request to %s failed: %w", url, err), retryable: true}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &attemptError{err: fmt.Errorf("reading response body: %w", err), retryable: true}
	}
	if resp.StatusCode == http.StatusOK {
		return raw, nil
	}

	return nil, &attemptError{
		err:         fmt.Errorf("%w: status %d: %s", ErrRequestFailed, resp.StatusCode, clip(raw, maxErrorBody)),
		retryable:   retryableStatusCode(resp.StatusCode),
		rateLimited: resp.StatusCode == http.StatusTooManyRequests,
		retryAfter:  parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
	}
}

func retryableStatusCode(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// parseRetryAfter accepts delay-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return max(time.Duration(secs)*time.Second, 0)
	}
	if t, err := http.ParseTime(v); err == nil {
		return max(t.Sub(now), 0)
	}
	return 0
}

// clip shortens an error body to at most n bytes without splitting a rune;
// DeepSeek error messages are often Chinese.
func clip(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	for n > 0 && !utf8.RuneStart(b[n]) {
		n--
	}
	return string(b[:n]) + "..."
}
