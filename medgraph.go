// Package medgraph answers medical questions by grounding a chat model's
// answer in a knowledge graph of diseases, symptoms, drugs, checks and
// departments.
package medgraph

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/brunobiangulo/medgraph/graph"
	"github.com/brunobiangulo/medgraph/llm"
	"github.com/brunobiangulo/medgraph/neo4jgraph"
	"github.com/brunobiangulo/medgraph/reasoning"
	"github.com/brunobiangulo/medgraph/retrieval"
	"github.com/brunobiangulo/medgraph/store"
)

// Fixed user-facing answers.
const (
	NoEntityAnswer        = "抱歉，我无法从您的问题中识别出相关的医疗实体。请尝试使用更具体的疾病名称或症状描述。"
	errorAnswerFormat     = "抱歉，处理您的问题时出现错误: %v"
	generationErrorFormat = "抱歉，生成答案时出现错误: %v"
)

// Extraction strategies recorded in Trace.Strategy.
const (
	StrategyModel   = "model"
	StrategyLexical = "lexical"
)

// Engine is the main entry point for graph-grounded question answering.
type Engine interface {
	// Query answers a question. It never fails: every error is reported
	// in Result.Answer.
	Query(ctx context.Context, question string, opts ...QueryOption) *Result

	// Store returns the underlying graph store for direct lookups.
	Store() graph.Store

	// Close cleanly shuts down the engine.
	Close() error
}

// Result is the outcome of a query.
type Result struct {
	Answer         string                   `json:"answer"`
	Entities       []retrieval.LinkedEntity `json:"entities"`
	ContextSummary string                   `json:"context_summary"`
	Citations      []reasoning.Citation     `json:"citations"`
	Confidence     float64                  `json:"confidence"`
	Trace          *Trace                   `json:"trace,omitempty"`
}

// Trace records how a query was answered.
type Trace struct {
	Strategy         string   `json:"strategy,omitempty"`
	Mentions         []string `json:"mentions,omitempty"`
	Linked           int      `json:"linked"`
	Diseases         int      `json:"diseases"`
	Symptoms         int      `json:"symptoms"`
	Drugs            int      `json:"drugs"`
	Checks           int      `json:"checks"`
	Departments      int      `json:"departments"`
	ModelUsed        string   `json:"model_used,omitempty"`
	PromptTokens     int      `json:"prompt_tokens"`
	CompletionTokens int      `json:"completion_tokens"`
	TotalTokens      int      `json:"total_tokens"`
	Issues           []string `json:"issues,omitempty"`
	Error            string   `json:"error,omitempty"`
	ElapsedMs        int64    `json:"elapsed_ms"`
}

// QueryOption configures query behavior.
type QueryOption func(*queryOptions)

type queryOptions struct {
	maxHops  int
	generate bool
}

// WithMaxHops requests an expansion depth. Expansion is currently always
// one hop; larger values are logged and otherwise ignored.
func WithMaxHops(n int) QueryOption {
	return func(o *queryOptions) { o.maxHops = n }
}

// WithoutGeneration skips the chat model: the answer is the rendered
// grounding context.
func WithoutGeneration() QueryOption {
	return func(o *queryOptions) { o.generate = false }
}

// engine is the concrete implementation of Engine.
type engine struct {
	cfg       Config
	store     graph.Store
	extractor *retrieval.Extractor
	linker    *retrieval.Linker
	expander  *graph.Expander
	generator *reasoning.Generator
}

// New opens the configured graph store and LLM providers.
func New(cfg Config) (Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s, err := OpenStore(cfg)
	if err != nil {
		return nil, err
	}

	chat, err := NewProvider(cfg.Chat)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("%w: creating chat provider: %v", ErrInvalidConfig, err)
	}

	var embed llm.Provider
	if cfg.Embedding.Provider != "" {
		embed, err = NewProvider(cfg.Embedding)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("%w: creating embedding provider: %v", ErrInvalidConfig, err)
		}
	}

	return NewWithStore(cfg, s, chat, embed), nil
}

// OpenStore opens the graph store selected by cfg.Backend. Both stores
// also implement graph.Importer.
func OpenStore(cfg Config) (graph.Store, error) {
	if cfg.EmbeddingDim == 0 {
		cfg.EmbeddingDim = 1024
	}

	var (
		s   graph.Store
		err error
	)
	switch cfg.Backend {
	case BackendNeo4j:
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		s, err = neo4jgraph.New(ctx, neo4jgraph.Config{
			URI:      cfg.Neo4j.URI,
			User:     cfg.Neo4j.User,
			Password: cfg.Neo4j.Password,
			Database: cfg.Neo4j.Database,
		})
		cancel()
	case "", BackendSQLite:
		s, err = store.New(cfg.resolveDBPath(), cfg.EmbeddingDim)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return s, nil
}

// NewProvider builds an LLM client from one provider section of Config.
func NewProvider(c LLMConfig) (llm.Provider, error) {
	return llm.NewProvider(llmConfig(c))
}

// NewWithStore assembles an engine from an already opened store and
// providers. embed may be nil. The engine owns s and closes it on Close.
func NewWithStore(cfg Config, s graph.Store, chat, embed llm.Provider) Engine {
	var linkOpts []retrieval.LinkerOption
	if embed != nil {
		linkOpts = append(linkOpts, retrieval.WithSemanticFallback(embed, cfg.SemanticThreshold))
	}
	return &engine{
		cfg:       cfg,
		store:     s,
		extractor: retrieval.NewExtractor(chat),
		linker:    retrieval.NewLinker(s, linkOpts...),
		expander:  graph.NewExpander(s, cfg.ExpandConcurrency),
		generator: reasoning.NewGenerator(chat, cfg.Temperature, cfg.MaxTokens),
	}
}

func llmConfig(c LLMConfig) llm.Config {
	return llm.Config{
		Provider:   c.Provider,
		Model:      c.Model,
		BaseURL:    c.BaseURL,
		APIKey:     c.APIKey,
		Timeout:    time.Duration(c.TimeoutSeconds) * time.Second,
		MaxRetries: c.MaxRetries,
	}
}

// Query runs extraction, linking, expansion and generation. Errors and
// panics anywhere in the pipeline become an error answer with no entities
// or citations.
func (e *engine) Query(ctx context.Context, question string, opts ...QueryOption) (res *Result) {
	start := time.Now()
	o := queryOptions{maxHops: 1, generate: true}
	for _, opt := range opts {
		opt(&o)
	}

	if e.cfg.QueryTimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(e.cfg.QueryTimeoutSeconds)*time.Second)
		defer cancel()
	}

	trace := &Trace{}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("pipeline: panic recovered", "panic", r, "stack", string(debug.Stack()))
			res = errorResult(fmt.Errorf("%v", r), trace)
		}
		trace.ElapsedMs = time.Since(start).Milliseconds()
		res.Trace = trace
		e.logQuery(context.WithoutCancel(ctx), question, res)
	}()

	res, err := e.run(ctx, question, o, trace)
	if err != nil {
		slog.Error("pipeline: query failed", "error", err)
		return errorResult(err, trace)
	}
	return res
}

func (e *engine) run(ctx context.Context, question string, o queryOptions, trace *Trace) (*Result, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return noEntityResult(), nil
	}

	linked, err := e.extractAndLink(ctx, question, trace)
	if err != nil {
		return nil, err
	}
	if len(linked) == 0 {
		slog.Info("pipeline: no entities recognized", "strategy", trace.Strategy, "mentions", len(trace.Mentions))
		return noEntityResult(), nil
	}
	trace.Linked = len(linked)

	seeds := make([]graph.Seed, len(linked))
	for i, l := range linked {
		seeds[i] = graph.Seed{Name: l.Name, Label: l.Type}
	}
	sg, err := e.expander.Expand(ctx, seeds, o.maxHops)
	if err != nil {
		return nil, err
	}
	trace.Diseases, trace.Symptoms, trace.Drugs, trace.Checks, trace.Departments = sg.Counts()

	kctx := reasoning.BuildContext(sg)
	res := &Result{
		Entities:       linked,
		ContextSummary: reasoning.Summarize(kctx),
		Citations:      reasoning.ExtractCitations(sg),
	}

	slog.Info("pipeline: subgraph ready",
		"entities", len(linked),
		"diseases", trace.Diseases,
		"symptoms", trace.Symptoms,
		"drugs", trace.Drugs,
		"checks", trace.Checks,
		"departments", trace.Departments)

	if !o.generate {
		res.Answer = kctx
		return res, nil
	}

	gen, err := e.generator.Generate(ctx, reasoning.BuildPrompt(question, kctx))
	if err != nil {
		slog.Error("pipeline: generation failed", "error", err)
		trace.Error = err.Error()
		res.Answer = fmt.Sprintf(generationErrorFormat, err)
		return res, nil
	}

	res.Answer = gen.Text
	trace.ModelUsed = gen.Model
	trace.PromptTokens = gen.PromptTokens
	trace.CompletionTokens = gen.CompletionTokens
	trace.TotalTokens = gen.TotalTokens

	reasoning.MarkReferenced(gen.Text, res.Citations)
	v := reasoning.Validate(gen.Text, res.Citations)
	res.Confidence = v.Confidence
	trace.Issues = v.Issues
	return res, nil
}

// extractAndLink links model mentions and falls back to lexical mentions
// when the model path yields no linked entity.
func (e *engine) extractAndLink(ctx context.Context, question string, trace *Trace) ([]retrieval.LinkedEntity, error) {
	if mentions := e.extractor.ExtractWithModel(ctx, question); len(mentions) > 0 {
		trace.Strategy = StrategyModel
		trace.Mentions = mentionTexts(mentions)
		linked, err := e.linker.Link(ctx, mentions)
		if err != nil {
			return nil, err
		}
		if len(linked) > 0 {
			return linked, nil
		}
		slog.Debug("pipeline: model mentions linked nothing, trying lexical", "mentions", trace.Mentions)
	}

	mentions := e.extractor.ExtractLexical(question)
	trace.Strategy = StrategyLexical
	trace.Mentions = mentionTexts(mentions)
	if len(mentions) == 0 {
		return nil, nil
	}
	return e.linker.Link(ctx, mentions)
}

func mentionTexts(ms []retrieval.Mention) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = m.Text
	}
	return out
}

func noEntityResult() *Result {
	return &Result{
		Answer:    NoEntityAnswer,
		Entities:  []retrieval.LinkedEntity{},
		Citations: []reasoning.Citation{},
	}
}

func errorResult(err error, trace *Trace) *Result {
	trace.Error = err.Error()
	return &Result{
		Answer:    fmt.Sprintf(errorAnswerFormat, err),
		Entities:  []retrieval.LinkedEntity{},
		Citations: []reasoning.Citation{},
	}
}

// logQuery appends a result to the store's audit log when enabled.
// Failures and panics are logged and never reach the caller.
func (e *engine) logQuery(ctx context.Context, question string, res *Result) {
	if !e.cfg.LogQueries || res == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("pipeline: panic in query log", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	ql, ok := e.store.(graph.QueryLogger)
	if !ok {
		return
	}
	t := res.Trace
	err := ql.LogQuery(ctx, graph.QueryLogEntry{
		Question:         question,
		Answer:           res.Answer,
		Strategy:         t.Strategy,
		Entities:         res.Entities,
		Citations:        res.Citations,
		ModelUsed:        t.ModelUsed,
		PromptTokens:     t.PromptTokens,
		CompletionTokens: t.CompletionTokens,
		TotalTokens:      t.TotalTokens,
		ElapsedMs:        t.ElapsedMs,
	})
	if err != nil {
		slog.Warn("pipeline: logging query failed", "error", err)
	}
}

// Store returns the underlying graph store.
func (e *engine) Store() graph.Store {
	return e.store
}

// Close cleanly shuts down the engine.
func (e *engine) Close() error {
	return e.store.Close()
}
