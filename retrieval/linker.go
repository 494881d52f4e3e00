package retrieval

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/brunobiangulo/medgraph/graph"
	"github.com/brunobiangulo/medgraph/llm"
)

// Provenance names the matching strategy that produced a linked entity.
type Provenance string

const (
	ExactTypeMatch Provenance = "exact_type_match"
	FuzzyTypeMatch Provenance = "fuzzy_type_match"
	FuzzyUntyped   Provenance = "fuzzy_untyped"
	RuleMatch      Provenance = "rule_match"
	SemanticMatch  Provenance = "semantic_match"
)

// Lookup limits.
const (
	exactLimit   = 1
	fuzzyLimit   = 5
	ruleLimit    = 3
	semanticTopK = 3
)

// DefaultSemanticThreshold is the largest vector distance accepted by the
// semantic fallback.
const DefaultSemanticThreshold = 0.35

// DefaultRuleConfidence is the match confidence of lexical mentions, which
// carry none of their own.
const DefaultRuleConfidence = 0.8

// LinkedEntity is a mention resolved to a canonical graph node.
type LinkedEntity struct {
	Name            string      `json:"name"`
	Type            graph.Label `json:"type"`
	Description     string      `json:"description,omitempty"`
	MatchConfidence float64     `json:"match_confidence"`
	Provenance      Provenance  `json:"provenance"`
	Mention         string      `json:"mention"`
}

type entityKey struct {
	name  string
	label graph.Label
}

// Linker resolves mentions against a graph store.
type Linker struct {
	store     graph.Store
	embedder  llm.Provider
	searcher  graph.SemanticSearcher
	threshold float64
}

// LinkerOption configures a Linker.
type LinkerOption func(*Linker)

// WithSemanticFallback enables vector lookup for model mentions that no
// name lookup could resolve. It has no effect unless the store implements
// graph.SemanticSearcher. A threshold <= 0 uses DefaultSemanticThreshold.
func WithSemanticFallback(embedder llm.Provider, threshold float64) LinkerOption {
	return func(l *Linker) {
		l.embedder = embedder
		if threshold > 0 {
			l.threshold = threshold
		}
	}
}

// NewLinker creates a linker over store.
func NewLinker(store graph.Store, opts ...LinkerOption) *Linker {
	l := &Linker{store: store, threshold: DefaultSemanticThreshold}
	for _, o := range opts {
		o(l)
	}
	if l.embedder != nil {
		if s, ok := store.(graph.SemanticSearcher); ok {
			l.searcher = s
		}
	}
	return l
}

// Link resolves mentions to graph nodes. Each (name, type) pair is
// returned at most once; the first mention to reach it wins. Mentions that
// match nothing are skipped. Only store failures are returned as errors.
func (l *Linker) Link(ctx context.Context, mentions []Mention) ([]LinkedEntity, error) {
	seen := make(map[entityKey]bool)
	var out []LinkedEntity

	accept := func(e LinkedEntity) bool {
		k := entityKey{e.Name, e.Type}
		if e.Name == "" || seen[k] {
			return false
		}
		seen[k] = true
		out = append(out, e)
		slog.Debug("link: accepted", "mention", e.Mention, "name", e.Name,
			"type", e.Type, "provenance", e.Provenance)
		return true
	}

	for _, m := range mentions {
		var err error
		if m.Source == SourceLexical {
			err = l.linkRule(ctx, m, accept)
		} else {
			err = l.linkModel(ctx, m, accept)
		}
		if err != nil {
			return nil, err
		}
	}

	slog.Debug("link: done", "mentions", len(mentions), "linked", len(out))
	return out, nil
}

// linkModel resolves a typed mention from the model. A typed hit is taken
// only if that node is new; otherwise the untyped candidates are scanned
// for a new node of the guessed type, and failing that the best candidate
// overall is taken if new.
func (l *Linker) linkModel(ctx context.Context, m Mention, accept func(LinkedEntity) bool) error {
	conf := m.Confidence
	if conf == 0 {
		conf = DefaultModelConfidence
	}

	if m.Type.Known() {
		exact, err := l.store.SearchNodes(ctx, m.Text, m.Type, exactLimit)
		if err != nil {
			return fmt.Errorf("linking %q: %w", m.Text, err)
		}
		if len(exact) > 0 && accept(l.entity(exact[0], m, conf, ExactTypeMatch)) {
			return nil
		}
	}

	fuzzy, err := l.store.SearchNodes(ctx, m.Text, "", fuzzyLimit)
	if err != nil {
		return fmt.Errorf("linking %q: %w", m.Text, err)
	}
	if len(fuzzy) == 0 {
		l.linkSemantic(ctx, m, conf, accept)
		return nil
	}

	if m.Type.Known() {
		for _, n := range fuzzy {
			if n.Label == m.Type && accept(l.entity(n, m, conf, FuzzyTypeMatch)) {
				return nil
			}
		}
	}
	accept(l.entity(fuzzy[0], m, conf, FuzzyUntyped))
	return nil
}

// linkRule resolves a lexical mention by trying every label in priority
// order and keeping every new hit.
func (l *Linker) linkRule(ctx context.Context, m Mention, accept func(LinkedEntity) bool) error {
	conf := m.Confidence
	if conf == 0 {
		conf = DefaultRuleConfidence
	}
	for _, label := range graph.LinkPriority {
		nodes, err := l.store.SearchNodes(ctx, m.Text, label, ruleLimit)
		if err != nil {
			return fmt.Errorf("linking %q: %w", m.Text, err)
		}
		for _, n := range nodes {
			accept(l.entity(n, m, conf, RuleMatch))
		}
	}
	return nil
}

// linkSemantic embeds a mention no name lookup could resolve and takes the
// nearest new node within the distance threshold. Failures are logged.
func (l *Linker) linkSemantic(ctx context.Context, m Mention, conf float64, accept func(LinkedEntity) bool) {
	if l.searcher == nil {
		return
	}
	vecs, err := l.embedder.Embed(ctx, []string{m.Text})
	if err != nil || len(vecs) == 0 || len(vecs[0]) == 0 {
		slog.Warn("link: embedding mention failed", "mention", m.Text, "error", err)
		return
	}
	nodes, err := l.searcher.NearestNodes(ctx, vecs[0], semanticTopK)
	if err != nil {
		slog.Warn("link: vector search failed", "mention", m.Text, "error", err)
		return
	}
	for _, n := range nodes {
		if n.Distance > l.threshold {
			break
		}
		if m.Type.Known() && n.Label != m.Type {
			continue
		}
		score := min(conf, max(0, 1-n.Distance))
		if accept(l.entity(n.Node, m, score, SemanticMatch)) {
			return
		}
	}
}

func (l *Linker) entity(n graph.Node, m Mention, conf float64, p Provenance) LinkedEntity {
	return LinkedEntity{
		Name:            n.Name,
		Type:            n.Label,
		Description:     n.Description,
		MatchConfidence: conf,
		Provenance:      p,
		Mention:         m.Text,
	}
}
