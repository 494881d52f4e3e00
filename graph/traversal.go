package graph

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// RankedDiseaseLimit caps how many diseases one symptom ranking pulls in.
const RankedDiseaseLimit = 10

// defaultConcurrency bounds parallel one-hop fetches during expansion.
const defaultConcurrency = 4

// Seed is a linked entity expansion starts from.
type Seed struct {
	Name  string
	Label Label
}

// Expander walks the graph outward from linked entities and collects a
// bounded subgraph.
type Expander struct {
	store       Store
	concurrency int
}

// NewExpander creates an expander. concurrency bounds the number of
// disease context fetches in flight for a single symptom ranking.
func NewExpander(s Store, concurrency int) *Expander {
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	return &Expander{store: s, concurrency: concurrency}
}

// Expand builds the subgraph for seeds, visited in order.
//
// Symptom seeds are ranked together: the first symptom seed triggers one
// disease ranking over every symptom seed, and later symptom seeds add
// nothing. Disease seeds pull in their own one-hop context. Drug, check and
// department seeds are not expanded.
//
// Expansion is always one hop. maxHops is accepted for compatibility and
// otherwise ignored.
func (x *Expander) Expand(ctx context.Context, seeds []Seed, maxHops int) (*Subgraph, error) {
	if maxHops > 1 {
		slog.Debug("expand: hop limit ignored, expansion is one hop", "requested", maxHops)
	}

	var symptoms []string
	for _, s := range seeds {
		if s.Label == LabelSymptom {
			symptoms = append(symptoms, s.Name)
		}
	}

	sg := NewSubgraph()
	ranked := false
	for _, seed := range seeds {
		switch seed.Label {
		case LabelSymptom:
			if ranked {
				continue
			}
			ranked = true
			if err := x.expandSymptoms(ctx, sg, symptoms); err != nil {
				return nil, err
			}
		case LabelDisease:
			if err := x.expandDisease(ctx, sg, seed.Name); err != nil {
				return nil, err
			}
		default:
			slog.Debug("expand: label not expanded", "name", seed.Name, "label", seed.Label)
		}
	}

	slog.Debug("expand: subgraph built",
		"seeds", len(seeds),
		"diseases", len(sg.Diseases),
		"symptoms", len(sg.Symptoms),
		"drugs", len(sg.Drugs),
		"checks", len(sg.Checks),
		"departments", len(sg.Departments))
	return sg, nil
}

// expandSymptoms ranks diseases for the symptom set and merges the context
// of every newly seen disease. Context fetches run in parallel; merging
// happens afterwards in rank order so the result does not depend on
// scheduling.
func (x *Expander) expandSymptoms(ctx context.Context, sg *Subgraph, symptoms []string) error {
	matches, err := x.store.FindDiseasesBySymptoms(ctx, symptoms, RankedDiseaseLimit)
	if err != nil {
		return fmt.Errorf("ranking diseases by symptoms: %w", err)
	}

	var fresh []DiseaseMatch
	pending := make(map[string]bool)
	for _, m := range matches {
		if m.Name == "" || sg.HasDisease(m.Name) || pending[m.Name] {
			continue
		}
		pending[m.Name] = true
		fresh = append(fresh, m)
	}
	if len(fresh) == 0 {
		return nil
	}

	contexts := make([]*DiseaseContext, len(fresh))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(x.concurrency)
	for i, m := range fresh {
		g.Go(func() error {
			c, found, err := x.store.DiseaseContext(gctx, m.Name)
			if err != nil {
				return fmt.Errorf("fetching context for %q: %w", m.Name, err)
			}
			if found {
				contexts[i] = c
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i, m := range fresh {
		score := m.MatchScore
		sg.AddDisease(DiseaseItem{Name: m.Name, Description: m.Description, MatchScore: &score})
		sg.MergeContext(contexts[i])
	}
	return nil
}

// expandDisease merges a disease's own context. A disease missing from the
// store contributes nothing.
func (x *Expander) expandDisease(ctx context.Context, sg *Subgraph, name string) error {
	c, found, err := x.store.DiseaseContext(ctx, name)
	if err != nil {
		return fmt.Errorf("fetching context for %q: %w", name, err)
	}
	if !found {
		slog.Debug("expand: disease not in graph", "name", name)
		return nil
	}
	if !sg.HasDisease(name) {
		sg.AddDisease(DiseaseItem{Name: name, Description: c.Disease.Desc})
	}
	sg.MergeContext(c)
	return nil
}
