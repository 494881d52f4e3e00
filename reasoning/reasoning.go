// Package reasoning turns a retrieved subgraph into an answer: it renders
// the grounding context, asks the chat model, and attributes the answer to
// graph nodes.
package reasoning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/brunobiangulo/medgraph/llm"
)

// Generation is the chat model's answer to a grounded prompt.
type Generation struct {
	Text             string `json:"text"`
	Model            string `json:"model"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	TotalTokens      int    `json:"total_tokens"`
	ElapsedMs        int64  `json:"elapsed_ms"`
}

// Generator produces answers from grounded prompts.
type Generator struct {
	chat        llm.Provider
	temperature float64
	maxTokens   int
}

// NewGenerator creates a generator. temperature and maxTokens are passed to
// every request; zero maxTokens leaves the provider default.
func NewGenerator(chat llm.Provider, temperature float64, maxTokens int) *Generator {
	return &Generator{chat: chat, temperature: temperature, maxTokens: maxTokens}
}

// Generate sends prompt as a single user message.
func (g *Generator) Generate(ctx context.Context, prompt string) (*Generation, error) {
	if g.chat == nil {
		return nil, errors.New("no chat model configured")
	}

	start := time.Now()
	resp, err := g.chat.Chat(ctx, llm.ChatRequest{
		Messages:    []llm.Message{{Role: "user", Content: prompt}},
		Temperature: g.temperature,
		MaxTokens:   g.maxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("generating answer: %w", err)
	}
	elapsed := time.Since(start)
	if resp.FinishReason == "length" {
		slog.Warn("reasoning: answer truncated at max tokens", "max_tokens", g.maxTokens, "model", resp.Model)
	}

	slog.Info("reasoning: answer generated",
		"model", resp.Model,
		"tokens", resp.TotalTokens,
		"elapsed", elapsed.Round(time.Millisecond))

	return &Generation{
		Text:             resp.Content,
		Model:            resp.Model,
		PromptTokens:     resp.PromptTokens,
		CompletionTokens: resp.CompletionTokens,
		TotalTokens:      resp.TotalTokens,
		ElapsedMs:        elapsed.Milliseconds(),
	}, nil
}
