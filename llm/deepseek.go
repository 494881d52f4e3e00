package llm

import (
	"context"
	"fmt"
)

// deepSeekProvider implements Provider for the DeepSeek API, which speaks
// the OpenAI chat format. DeepSeek offers no embeddings endpoint.
//
// API key: set via config, DEEPSEEK_API_KEY or MEDGRAPH_CHAT_API_KEY.
type deepSeekProvider struct {
	base compatClient
}

// NewDeepSeek creates a provider for DeepSeek.
func NewDeepSeek(cfg Config) Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.deepseek.com"
	}
	if cfg.Model == "" {
		cfg.Model = "deepseek-chat"
	}
	return &deepSeekProvider{base: newCompatClient(cfg)}
}

func (p *deepSeekProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	return p.base.chat(ctx, req)
}

func (p *deepSeekProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, fmt.Errorf("%w: deepseek does not serve embeddings", ErrRequestFailed)
}
