// Package graphtest provides an in-memory graph.Store for tests.
package graphtest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/brunobiangulo/medgraph/graph"
)

// Store is an in-memory graph.Store. Set Err to make every call fail.
type Store struct {
	mu       sync.RWMutex
	nodes    map[graph.Label]map[string]string
	contexts map[string]*graph.DiseaseContext
	drugUses map[string][]graph.DrugUse

	ids  map[nodeKey]int64
	byID []nodeKey
	vecs map[int64][]float32

	Err error

	// ContextCalls counts DiseaseContext calls per disease name.
	ContextCalls map[string]int
}

type nodeKey struct {
	label graph.Label
	name  string
}

// New returns an empty store.
func New() *Store {
	return &Store{
		nodes:        make(map[graph.Label]map[string]string),
		contexts:     make(map[string]*graph.DiseaseContext),
		drugUses:     make(map[string][]graph.DrugUse),
		ids:          make(map[nodeKey]int64),
		vecs:         make(map[int64][]float32),
		ContextCalls: make(map[string]int),
	}
}

// AddNode registers a node. A later call for the same name and label
// replaces the description.
func (s *Store) AddNode(label graph.Label, name, desc string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addNodeLocked(label, name, desc)
}

func (s *Store) addNodeLocked(label graph.Label, name, desc string) {
	m, ok := s.nodes[label]
	if !ok {
		m = make(map[string]string)
		s.nodes[label] = m
	}
	if old, ok := m[name]; ok && desc == "" {
		desc = old
	}
	m[name] = desc

	k := nodeKey{label, name}
	if _, ok := s.ids[k]; !ok {
		s.byID = append(s.byID, k)
		s.ids[k] = int64(len(s.byID))
	}
}

// AddDisease registers a disease and every node its context references.
func (s *Store) AddDisease(c graph.DiseaseContext) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.addNodeLocked(graph.LabelDisease, c.Disease.Name, c.Disease.Desc)
	for _, sym := range c.Symptoms {
		s.addNodeLocked(graph.LabelSymptom, sym.Name, "")
	}
	for _, d := range c.Drugs {
		s.addNodeLocked(graph.LabelDrug, d.Name, "")
	}
	for _, ck := range c.Checks {
		s.addNodeLocked(graph.LabelCheck, ck.Name, "")
	}
	for _, dept := range c.Departments {
		s.addNodeLocked(graph.LabelDepartment, dept, "")
	}
	for _, f := range append(append([]graph.FoodRef{}, c.GoodFoods...), c.BadFoods...) {
		s.addNodeLocked(graph.LabelFood, f.Name, "")
	}
	for _, comp := range c.Complications {
		s.addNodeLocked(graph.LabelDisease, comp.Name, "")
	}
	cp := c
	s.contexts[c.Disease.Name] = &cp

	uses := make([]graph.DrugUse, 0, len(c.Drugs))
	for _, d := range c.Drugs {
		uses = append(uses, graph.DrugUse{Name: d.Name, Usage: d.Usage})
	}
	s.drugUses[c.Disease.Name] = uses
}

func (s *Store) SearchNodes(_ context.Context, keyword string, label graph.Label, limit int) ([]graph.Node, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []graph.Node
	for l, m := range s.nodes {
		if label != "" && l != label {
			continue
		}
		for name, desc := range m {
			if strings.Contains(name, keyword) {
				out = append(out, graph.Node{Name: name, Label: l, Description: desc})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if (a.Name == keyword) != (b.Name == keyword) {
			return a.Name == keyword
		}
		if la, lb := len([]rune(a.Name)), len([]rune(b.Name)); la != lb {
			return la < lb
		}
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return a.Label < b.Label
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) FindDiseasesBySymptoms(_ context.Context, symptoms []string, limit int) ([]graph.DiseaseMatch, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	want := make(map[string]bool, len(symptoms))
	for _, sym := range symptoms {
		want[sym] = true
	}

	var out []graph.DiseaseMatch
	for name, c := range s.contexts {
		var score float64
		var matched int
		for _, sym := range c.Symptoms {
			if !want[sym.Name] {
				continue
			}
			matched++
			if sym.Weight != nil {
				score += *sym.Weight
			}
		}
		if matched > 0 {
			out = append(out, graph.DiseaseMatch{
				Name:            name,
				Description:     c.Disease.Desc,
				MatchScore:      score,
				MatchedSymptoms: matched,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].MatchScore != out[j].MatchScore {
			return out[i].MatchScore > out[j].MatchScore
		}
		if out[i].MatchedSymptoms != out[j].MatchedSymptoms {
			return out[i].MatchedSymptoms > out[j].MatchedSymptoms
		}
		return out[i].Name < out[j].Name
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) DiseaseContext(_ context.Context, name string) (*graph.DiseaseContext, bool, error) {
	if s.Err != nil {
		return nil, false, s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ContextCalls[name]++

	c, ok := s.contexts[name]
	if !ok {
		return nil, false, nil
	}
	cp := *c
	return &cp, true, nil
}

func (s *Store) Disease(_ context.Context, name string) (*graph.Disease, bool, error) {
	if s.Err != nil {
		return nil, false, s.Err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.contexts[name]
	if !ok {
		return nil, false, nil
	}
	d := c.Disease
	return &d, true, nil
}

func (s *Store) Drug(_ context.Context, name string) (*graph.Drug, bool, error) {
	if s.Err != nil {
		return nil, false, s.Err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	desc, ok := s.nodes[graph.LabelDrug][name]
	if !ok {
		return nil, false, nil
	}
	return &graph.Drug{Name: name, Description: desc}, true, nil
}

func (s *Store) DrugsByDisease(_ context.Context, disease string) ([]graph.DrugUse, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]graph.DrugUse(nil), s.drugUses[disease]...), nil
}

// ImportDisease adds a dataset record the way a real store would: one
// HAS_SYMPTOM edge of the default weight per symptom.
func (s *Store) ImportDisease(_ context.Context, rec graph.Record) error {
	if s.Err != nil {
		return s.Err
	}
	if strings.TrimSpace(rec.Name) == "" {
		return fmt.Errorf("importing disease: empty name")
	}
	c := graph.DiseaseContext{Disease: rec.Disease, Departments: rec.CureDepartment}
	for _, n := range rec.Symptoms {
		c.Symptoms = append(c.Symptoms, graph.SymptomRef{Name: n, Weight: Weight(graph.DefaultSymptomWeight)})
	}
	for _, n := range rec.Drugs {
		c.Drugs = append(c.Drugs, graph.DrugRef{Name: n})
	}
	for _, n := range rec.Checks {
		c.Checks = append(c.Checks, graph.CheckRef{Name: n})
	}
	for _, n := range append(append([]string{}, rec.GoodFoods...), rec.RecommendedFoods...) {
		c.GoodFoods = append(c.GoodFoods, graph.FoodRef{Name: n})
	}
	for _, n := range rec.BadFoods {
		c.BadFoods = append(c.BadFoods, graph.FoodRef{Name: n})
	}
	for _, n := range rec.Complications {
		c.Complications = append(c.Complications, graph.ComplicationRef{Name: n})
	}
	s.AddDisease(c)
	return nil
}

// NodesWithoutEmbedding lists non-Food nodes after afterID that have no
// embedding, in id order.
func (s *Store) NodesWithoutEmbedding(_ context.Context, afterID int64, limit int) ([]graph.IndexedNode, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []graph.IndexedNode
	for i := afterID; i < int64(len(s.byID)); i++ {
		id := i + 1
		k := s.byID[i]
		if k.label == graph.LabelFood {
			continue
		}
		if _, ok := s.vecs[id]; ok {
			continue
		}
		out = append(out, graph.IndexedNode{
			ID:   id,
			Node: graph.Node{Name: k.name, Label: k.label, Description: s.nodes[k.label][k.name]},
		})
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) UpsertNodeEmbedding(_ context.Context, id int64, embedding []float32) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if id < 1 || id > int64(len(s.byID)) {
		return fmt.Errorf("no node with id %d", id)
	}
	s.vecs[id] = append([]float32(nil), embedding...)
	return nil
}

// Embedding returns the stored vector for a node, or nil.
func (s *Store) Embedding(label graph.Label, name string) []float32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.vecs[s.ids[nodeKey{label, name}]]
}

func (s *Store) Close() error { return nil }

// Weight returns a pointer to w, for building SymptomRef literals.
func Weight(w float64) *float64 { return &w }
