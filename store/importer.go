package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/brunobiangulo/medgraph/graph"
)

// edgeAttrs holds the optional columns of an edge.
type edgeAttrs struct {
	weight *float64
	reason string
}

// ImportDisease writes one dataset record in a single transaction: the
// disease node with its attributes, every neighbour node, and one edge per
// neighbour. Empty names are skipped; repeated imports are idempotent.
func (s *Store) ImportDisease(ctx context.Context, rec graph.Record) error {
	name := strings.TrimSpace(rec.Name)
	if name == "" {
		return fmt.Errorf("importing disease: empty name")
	}
	d := rec.Disease
	d.Name = name
	props, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encoding disease %q: %w", name, err)
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		diseaseID, err := upsertNode(ctx, tx, name, graph.LabelDisease, d.Desc, string(props))
		if err != nil {
			return fmt.Errorf("upserting disease %q: %w", name, err)
		}

		w := graph.DefaultSymptomWeight
		links := []struct {
			names    []string
			label    graph.Label
			relation string
			attrs    edgeAttrs
		}{
			{rec.Symptoms, graph.LabelSymptom, graph.RelHasSymptom, edgeAttrs{weight: &w}},
			{rec.Drugs, graph.LabelDrug, graph.RelRecommandDrug, edgeAttrs{}},
			{rec.Checks, graph.LabelCheck, graph.RelNeedCheck, edgeAttrs{}},
			{d.CureDepartment, graph.LabelDepartment, graph.RelBelongsDepartment, edgeAttrs{}},
			{rec.GoodFoods, graph.LabelFood, graph.RelShouldEat, edgeAttrs{}},
			{rec.RecommendedFoods, graph.LabelFood, graph.RelShouldEat, edgeAttrs{reason: "推荐食谱"}},
			{rec.BadFoods, graph.LabelFood, graph.RelShouldAvoid, edgeAttrs{}},
			{rec.Complications, graph.LabelDisease, graph.RelComplication, edgeAttrs{}},
		}

		for _, l := range links {
			pos := 0
			for _, target := range l.names {
				target = strings.TrimSpace(target)
				if target == "" || (target == name && l.label == graph.LabelDisease) {
					continue
				}
				targetID, err := upsertNode(ctx, tx, target, l.label, "", "")
				if err != nil {
					return fmt.Errorf("upserting %s %q: %w", l.label, target, err)
				}
				if err := upsertEdge(ctx, tx, diseaseID, targetID, l.relation, pos, l.attrs); err != nil {
					return fmt.Errorf("linking %q -%s-> %q: %w", name, l.relation, target, err)
				}
				pos++
			}
		}
		return nil
	})
}

// upsertNode inserts a node or updates its description and props when new
// values are given. Returns the node ID.
func upsertNode(ctx context.Context, tx *sql.Tx, name string, label graph.Label, desc, props string) (int64, error) {
	var propsArg any
	if props != "" {
		propsArg = props
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO nodes (name, label, description, props)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(name, label) DO UPDATE SET
			description = CASE WHEN excluded.description != '' THEN excluded.description ELSE nodes.description END,
			props = COALESCE(excluded.props, nodes.props)
	`, name, string(label), desc, propsArg); err != nil {
		return 0, err
	}

	// LastInsertId is not reliable after the update branch of an upsert.
	var id int64
	if err := tx.QueryRowContext(ctx,
		"SELECT id FROM nodes WHERE name = ? AND label = ?",
		name, string(label)).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// upsertEdge inserts an edge. An existing edge keeps its position and
// receives any non-empty attribute.
func upsertEdge(ctx context.Context, tx *sql.Tx, sourceID, targetID int64, relation string, pos int, a edgeAttrs) error {
	var weight, reason any
	if a.weight != nil {
		weight = *a.weight
	}
	if a.reason != "" {
		reason = a.reason
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO edges (source_id, target_id, relation, weight, reason, position)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(source_id, target_id, relation) DO UPDATE SET
			weight = COALESCE(excluded.weight, edges.weight),
			reason = COALESCE(excluded.reason, edges.reason)
	`, sourceID, targetID, relation, weight, reason, pos)
	return err
}

// SetEdgeAttrs sets usage, frequency, priority, reason or probability on
// an existing edge. Empty values leave the stored value unchanged. It
// reports whether an edge was updated.
func (s *Store) SetEdgeAttrs(ctx context.Context, source string, sourceLabel graph.Label, target string, targetLabel graph.Label, relation string, attrs map[string]string) (bool, error) {
	allowed := map[string]bool{"usage": true, "frequency": true, "priority": true, "reason": true, "probability": true}
	var (
		sets []string
		args []any
	)
	for col, v := range attrs {
		if !allowed[col] {
			return false, fmt.Errorf("unknown edge attribute %q", col)
		}
		if v == "" {
			continue
		}
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	if len(sets) == 0 {
		return false, nil
	}
	args = append(args, source, string(sourceLabel), target, string(targetLabel), relation)

	res, err := s.db.ExecContext(ctx, `
		UPDATE edges SET `+strings.Join(sets, ", ")+`
		WHERE source_id = (SELECT id FROM nodes WHERE name = ? AND label = ?)
			AND target_id = (SELECT id FROM nodes WHERE name = ? AND label = ?)
			AND relation = ?
	`, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}
