package retrieval

import (
	"context"
	"errors"
	"testing"

	"github.com/brunobiangulo/medgraph/graph"
	"github.com/brunobiangulo/medgraph/graph/graphtest"
)

func linkStore() *graphtest.Store {
	s := graphtest.New()
	s.AddDisease(graph.DiseaseContext{
		Disease: graph.Disease{Name: "感冒", Desc: "上呼吸道感染"},
		Symptoms: []graph.SymptomRef{
			{Name: "头痛", Weight: graphtest.Weight(0.8)},
			{Name: "发热", Weight: graphtest.Weight(0.8)},
			{Name: "流涕", Weight: graphtest.Weight(0.8)},
		},
		Drugs: []graph.DrugRef{{Name: "布洛芬"}},
	})
	s.AddDisease(graph.DiseaseContext{
		Disease:  graph.Disease{Name: "偏头痛", Desc: "反复发作的头痛"},
		Symptoms: []graph.SymptomRef{{Name: "头痛", Weight: graphtest.Weight(0.8)}},
	})
	s.AddDisease(graph.DiseaseContext{
		Disease:  graph.Disease{Name: "紧张性头痛"},
		Symptoms: []graph.SymptomRef{{Name: "头痛", Weight: graphtest.Weight(0.6)}},
	})
	return s
}

func model(text string, label graph.Label, conf float64) Mention {
	return Mention{Text: text, Type: label, Confidence: conf, Source: SourceModel}
}

func lexical(text string) Mention {
	return Mention{Text: text, Type: graph.LabelUnknown, Source: SourceLexical}
}

type linked struct {
	name string
	typ  graph.Label
	prov Provenance
}

func summarize(es []LinkedEntity) []linked {
	out := make([]linked, len(es))
	for i, e := range es {
		out[i] = linked{e.Name, e.Type, e.Provenance}
	}
	return out
}

func TestLink(t *testing.T) {
	tests := []struct {
		name     string
		mentions []Mention
		want     []linked
	}{
		{
			name:     "typed hit is exact",
			mentions: []Mention{model("头痛", graph.LabelSymptom, 0.95)},
			want:     []linked{{"头痛", graph.LabelSymptom, ExactTypeMatch}},
		},
		{
			name: "seen typed hit falls to next node of the same type",
			mentions: []Mention{
				model("偏头痛", graph.LabelDisease, 0.9),
				model("头痛", graph.LabelDisease, 0.9),
			},
			want: []linked{
				{"偏头痛", graph.LabelDisease, ExactTypeMatch},
				{"紧张性头痛", graph.LabelDisease, FuzzyTypeMatch},
			},
		},
		{
			name: "no node of the guessed type left takes best candidate",
			mentions: []Mention{
				model("偏头痛", graph.LabelDisease, 0.9),
				model("紧张性头痛", graph.LabelDisease, 0.9),
				model("头痛", graph.LabelDisease, 0.9),
			},
			want: []linked{
				{"偏头痛", graph.LabelDisease, ExactTypeMatch},
				{"紧张性头痛", graph.LabelDisease, ExactTypeMatch},
				{"头痛", graph.LabelSymptom, FuzzyUntyped},
			},
		},
		{
			name:     "unknown type is fuzzy untyped",
			mentions: []Mention{model("流涕", graph.LabelUnknown, 0.7)},
			want:     []linked{{"流涕", graph.LabelSymptom, FuzzyUntyped}},
		},
		{
			name:     "miss is skipped",
			mentions: []Mention{model("天气", graph.LabelSymptom, 0.9), model("发热", graph.LabelSymptom, 0.9)},
			want:     []linked{{"发热", graph.LabelSymptom, ExactTypeMatch}},
		},
		{
			name:     "duplicate mentions link once",
			mentions: []Mention{model("头痛", graph.LabelSymptom, 0.9), model("头痛", graph.LabelSymptom, 0.5)},
			want:     []linked{{"头痛", graph.LabelSymptom, ExactTypeMatch}},
		},
		{
			name:     "lexical mention tries every label",
			mentions: []Mention{lexical("头痛")},
			want: []linked{
				{"头痛", graph.LabelSymptom, RuleMatch},
				{"偏头痛", graph.LabelDisease, RuleMatch},
				{"紧张性头痛", graph.LabelDisease, RuleMatch},
			},
		},
		{
			name:     "lexical and model share the seen set",
			mentions: []Mention{model("布洛芬", graph.LabelDrug, 0.9), lexical("布洛芬")},
			want:     []linked{{"布洛芬", graph.LabelDrug, ExactTypeMatch}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewLinker(linkStore()).Link(context.Background(), tt.mentions)
			if err != nil {
				t.Fatalf("Link: %v", err)
			}
			gs := summarize(got)
			if len(gs) != len(tt.want) {
				t.Fatalf("linked = %+v, want %+v", gs, tt.want)
			}
			for i := range gs {
				if gs[i] != tt.want[i] {
					t.Errorf("linked[%d] = %+v, want %+v", i, gs[i], tt.want[i])
				}
			}
		})
	}
}

func TestLinkConfidence(t *testing.T) {
	got, err := NewLinker(linkStore()).Link(context.Background(), []Mention{
		model("头痛", graph.LabelSymptom, 0.95),
		model("发热", graph.LabelSymptom, 0),
		lexical("流涕"),
	})
	if err != nil {
		t.Fatalf("Link: %v", err)
	}
	want := []float64{0.95, DefaultModelConfidence, DefaultRuleConfidence}
	if len(got) != len(want) {
		t.Fatalf("linked = %+v", got)
	}
	for i, w := range want {
		if got[i].MatchConfidence != w {
			t.Errorf("%s confidence = %v, want %v", got[i].Name, got[i].MatchConfidence, w)
		}
	}
	if got[0].Mention != "头痛" {
		t.Errorf("mention text not carried: %+v", got[0])
	}
}

func TestLinkDescriptionCarried(t *testing.T) {
	got, err := NewLinker(linkStore()).Link(context.Background(), []Mention{model("感冒", graph.LabelDisease, 0.9)})
	if err != nil {
		t.Fatalf("Link: %v", err)
	}
	if len(got) != 1 || got[0].Description != "上呼吸道感染" {
		t.Errorf("linked = %+v", got)
	}
}

func TestLinkStoreError(t *testing.T) {
	s := linkStore()
	boom := errors.New("connection refused")
	s.Err = boom

	for _, m := range []Mention{model("头痛", graph.LabelSymptom, 0.9), lexical("头痛")} {
		_, err := NewLinker(s).Link(context.Background(), []Mention{m})
		if !errors.Is(err, boom) {
			t.Errorf("Link(%s) error = %v, want wrapped %v", m.Source, err, boom)
		}
	}
}

// vectorStore adds a canned vector search to the in-memory store.
type vectorStore struct {
	*graphtest.Store
	hits []graph.ScoredNode
}

func (v *vectorStore) NearestNodes(context.Context, []float32, int) ([]graph.ScoredNode, error) {
	return v.hits, nil
}

func TestLinkSemanticFallback(t *testing.T) {
	headache := graph.Node{Name: "头痛", Label: graph.LabelSymptom}
	cold := graph.Node{Name: "感冒", Label: graph.LabelDisease}

	tests := []struct {
		name     string
		mention  Mention
		hits     []graph.ScoredNode
		embedder *fakeLLM
		want     []linked
		wantConf float64
	}{
		{
			name:     "near hit accepted",
			mention:  model("脑袋疼", graph.LabelSymptom, 0.95),
			hits:     []graph.ScoredNode{{Node: headache, Distance: 0.1}},
			embedder: &fakeLLM{vec: []float32{1, 0}},
			want:     []linked{{"头痛", graph.LabelSymptom, SemanticMatch}},
			wantConf: 0.9,
		},
		{
			name:     "wrong type skipped",
			mention:  model("脑袋疼", graph.LabelSymptom, 0.95),
			hits:     []graph.ScoredNode{{Node: cold, Distance: 0.05}, {Node: headache, Distance: 0.2}},
			embedder: &fakeLLM{vec: []float32{1, 0}},
			want:     []linked{{"头痛", graph.LabelSymptom, SemanticMatch}},
			wantConf: 0.8,
		},
		{
			name:     "far hit rejected",
			mention:  model("脑袋疼", graph.LabelSymptom, 0.95),
			hits:     []graph.ScoredNode{{Node: headache, Distance: 0.5}},
			embedder: &fakeLLM{vec: []float32{1, 0}},
		},
		{
			name:     "embed failure skipped",
			mention:  model("脑袋疼", graph.LabelSymptom, 0.95),
			hits:     []graph.ScoredNode{{Node: headache, Distance: 0.1}},
			embedder: &fakeLLM{err: errors.New("no embeddings")},
		},
		{
			name:     "lexical mentions never use vectors",
			mention:  lexical("脑袋疼"),
			hits:     []graph.ScoredNode{{Node: headache, Distance: 0.1}},
			embedder: &fakeLLM{vec: []float32{1, 0}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vs := &vectorStore{Store: linkStore(), hits: tt.hits}
			l := NewLinker(vs, WithSemanticFallback(tt.embedder, 0))
			got, err := l.Link(context.Background(), []Mention{tt.mention})
			if err != nil {
				t.Fatalf("Link: %v", err)
			}
			gs := summarize(got)
			if len(gs) != len(tt.want) {
				t.Fatalf("linked = %+v, want %+v", gs, tt.want)
			}
			for i := range gs {
				if gs[i] != tt.want[i] {
					t.Errorf("linked[%d] = %+v, want %+v", i, gs[i], tt.want[i])
				}
			}
			if len(got) > 0 && got[0].MatchConfidence != tt.wantConf {
				t.Errorf("confidence = %v, want %v", got[0].MatchConfidence, tt.wantConf)
			}
		})
	}
}

func TestLinkSemanticNeedsSearcher(t *testing.T) {
	l := NewLinker(linkStore(), WithSemanticFallback(&fakeLLM{vec: []float32{1}}, 0))
	got, err := l.Link(context.Background(), []Mention{model("脑袋疼", graph.LabelSymptom, 0.9)})
	if err != nil || len(got) != 0 {
		t.Errorf("Link = %+v, %v; want nothing without a vector index", got, err)
	}
}
