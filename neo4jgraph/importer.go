package neo4jgraph

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/brunobiangulo/medgraph/graph"
)

// EnsureSchema creates one uniqueness constraint on name per label.
func (s *Store) EnsureSchema(ctx context.Context) error {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   neo4j.AccessModeWrite,
		DatabaseName: s.database,
	})
	defer session.Close(ctx)

	for _, l := range []graph.Label{
		graph.LabelDisease, graph.LabelSymptom, graph.LabelDrug,
		graph.LabelCheck, graph.LabelDepartment, graph.LabelFood,
	} {
		cypher := fmt.Sprintf(
			"CREATE CONSTRAINT %s_name IF NOT EXISTS FOR (n:%s) REQUIRE n.name IS UNIQUE",
			strings.ToLower(string(l)), l)
		res, err := session.Run(ctx, cypher, nil)
		if err != nil {
			return fmt.Errorf("neo4j: creating constraint for %s: %w", l, err)
		}
		if _, err := res.Consume(ctx); err != nil {
			return fmt.Errorf("neo4j: creating constraint for %s: %w", l, err)
		}
	}
	slog.Debug("neo4j: constraints ensured")
	return nil
}

// linkQuery merges one neighbour per name and an edge to it. Label and
// relation come from constants, never from input.
func linkQuery(label graph.Label, relation string) string {
	return fmt.Sprintf(`
		MATCH (d:Disease {name: $disease})
		UNWIND $names AS target
		MERGE (t:%s {name: target})
		MERGE (d)-[r:%s]->(t)
		ON CREATE SET r.weight = $weight, r.reason = $reason`, label, relation)
}

// ImportDisease merges one dataset record in a single write transaction.
func (s *Store) ImportDisease(ctx context.Context, rec graph.Record) error {
	name := strings.TrimSpace(rec.Name)
	if name == "" {
		return fmt.Errorf("importing disease: empty name")
	}
	d := rec.Disease

	session := s.driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   neo4j.AccessModeWrite,
		DatabaseName: s.database,
	})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if _, err := tx.Run(ctx, `
			MERGE (d:Disease {name: $name})
			SET d.desc = $desc,
			    d.category = $category,
			    d.yibao_status = $yibao_status,
			    d.get_prob = $get_prob,
			    d.easy_get = $easy_get,
			    d.get_way = $get_way,
			    d.cure_department = $cure_department,
			    d.cure_way = $cure_way,
			    d.cure_lasttime = $cure_lasttime,
			    d.cured_prob = $cured_prob,
			    d.cost_money = $cost_money,
			    d.cause = $cause,
			    d.prevent = $prevent`,
			map[string]any{
				"name":            name,
				"desc":            d.Desc,
				"category":        nonNil(d.Category),
				"yibao_status":    d.YibaoStatus,
				"get_prob":        d.GetProb,
				"easy_get":        d.EasyGet,
				"get_way":         d.GetWay,
				"cure_department": nonNil(d.CureDepartment),
				"cure_way":        nonNil(d.CureWay),
				"cure_lasttime":   d.CureLasttime,
				"cured_prob":      d.CuredProb,
				"cost_money":      d.CostMoney,
				"cause":           d.Cause,
				"prevent":         d.Prevent,
			}); err != nil {
			return nil, err
		}

		links := []struct {
			names    []string
			label    graph.Label
			relation string
			weight   any
			reason   any
		}{
			{rec.Symptoms, graph.LabelSymptom, graph.RelHasSymptom, graph.DefaultSymptomWeight, nil},
			{rec.Drugs, graph.LabelDrug, graph.RelRecommandDrug, nil, nil},
			{rec.Checks, graph.LabelCheck, graph.RelNeedCheck, nil, nil},
			{d.CureDepartment, graph.LabelDepartment, graph.RelBelongsDepartment, nil, nil},
			{rec.GoodFoods, graph.LabelFood, graph.RelShouldEat, nil, nil},
			{rec.RecommendedFoods, graph.LabelFood, graph.RelShouldEat, nil, "推荐食谱"},
			{rec.BadFoods, graph.LabelFood, graph.RelShouldAvoid, nil, nil},
			{rec.Complications, graph.LabelDisease, graph.RelComplication, nil, nil},
		}
		for _, l := range links {
			names := cleanNames(l.names, name, l.label)
			if len(names) == 0 {
				continue
			}
			if _, err := tx.Run(ctx, linkQuery(l.label, l.relation), map[string]any{
				"disease": name,
				"names":   names,
				"weight":  l.weight,
				"reason":  l.reason,
			}); err != nil {
				return nil, fmt.Errorf("linking %s: %w", l.relation, err)
			}
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("importing %q: %w", name, err)
	}
	return nil
}

// cleanNames trims names, drops blanks and duplicates, and drops a
// disease's reference to itself.
func cleanNames(names []string, self string, label graph.Label) []string {
	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" || seen[n] || (label == graph.LabelDisease && n == self) {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

// nonNil stores an empty list; setting null would remove the property.
func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
