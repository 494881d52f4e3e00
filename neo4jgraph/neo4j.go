// Package neo4jgraph serves the medical knowledge graph from Neo4j.
package neo4jgraph

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/spf13/cast"

	"github.com/brunobiangulo/medgraph/graph"
)

// Config locates a Neo4j server.
type Config struct {
	URI      string
	User     string
	Password string
	// Database is empty for the server's default database.
	Database string
}

// Store implements graph.Store and graph.Importer over a Neo4j driver.
type Store struct {
	driver   neo4j.DriverWithContext
	database string
}

var (
	_ graph.Store    = (*Store)(nil)
	_ graph.Importer = (*Store)(nil)
)

// New connects to Neo4j and verifies connectivity.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.URI == "" {
		return nil, fmt.Errorf("neo4j: uri not set")
	}
	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.User, cfg.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("neo4j: creating driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(context.Background())
		return nil, fmt.Errorf("neo4j: connecting to %s: %w", cfg.URI, err)
	}
	slog.Info("neo4j: connected", "uri", cfg.URI, "database", cfg.Database)
	return &Store{driver: driver, database: cfg.Database}, nil
}

// Close releases the driver.
func (s *Store) Close() error {
	return s.driver.Close(context.Background())
}

// read runs a query in a managed read transaction and collects every record.
func (s *Store) read(ctx context.Context, cypher string, params map[string]any) ([]*neo4j.Record, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   neo4j.AccessModeRead,
		DatabaseName: s.database,
	})
	defer session.Close(ctx)

	out, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, cypher, params)
		if err != nil {
			return nil, err
		}
		return res.Collect(ctx)
	})
	if err != nil {
		return nil, err
	}
	return out.([]*neo4j.Record), nil
}

// labelPattern returns ":Label" for a known label and "" for an empty one.
// Labels are interpolated into Cypher, so anything else is rejected.
func labelPattern(l graph.Label) (string, error) {
	switch l {
	case "":
		return "", nil
	case graph.LabelDisease, graph.LabelSymptom, graph.LabelDrug,
		graph.LabelCheck, graph.LabelDepartment, graph.LabelFood:
		return ":" + string(l), nil
	default:
		return "", fmt.Errorf("neo4j: unsupported label %q", l)
	}
}

// SearchNodes matches names containing keyword, exact match first, then
// shortest name.
func (s *Store) SearchNodes(ctx context.Context, keyword string, label graph.Label, limit int) ([]graph.Node, error) {
	if keyword == "" {
		return nil, nil
	}
	pattern, err := labelPattern(label)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}

	cypher := fmt.Sprintf(`
		MATCH (n%s)
		WHERE n.name CONTAINS $keyword
		RETURN n.name AS name, coalesce(n.desc, '') AS description, labels(n)[0] AS type
		ORDER BY CASE WHEN n.name = $keyword THEN 0 ELSE 1 END, size(n.name), n.name, type
		LIMIT $limit`, pattern)

	records, err := s.read(ctx, cypher, map[string]any{"keyword": keyword, "limit": limit})
	if err != nil {
		return nil, err
	}
	nodes := make([]graph.Node, 0, len(records))
	for _, r := range records {
		n := graph.Node{
			Name:        str(r, "name"),
			Label:       graph.Label(str(r, "type")),
			Description: str(r, "description"),
		}
		if label != "" {
			n.Label = label
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

// FindDiseasesBySymptoms ranks diseases by summed HAS_SYMPTOM weight.
func (s *Store) FindDiseasesBySymptoms(ctx context.Context, symptoms []string, limit int) ([]graph.DiseaseMatch, error) {
	if len(symptoms) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = graph.RankedDiseaseLimit
	}

	records, err := s.read(ctx, `
		MATCH (s:Symptom)<-[r:HAS_SYMPTOM]-(d:Disease)
		WHERE s.name IN $symptoms
		WITH d, SUM(coalesce(r.weight, 0.0)) AS total_weight, COUNT(DISTINCT s) AS matched_symptoms
		RETURN d.name AS name,
		       coalesce(d.desc, '') AS description,
		       total_weight,
		       matched_symptoms
		ORDER BY total_weight DESC, matched_symptoms DESC, name
		LIMIT $limit`,
		map[string]any{"symptoms": symptoms, "limit": limit})
	if err != nil {
		return nil, err
	}

	matches := make([]graph.DiseaseMatch, 0, len(records))
	for _, r := range records {
		matches = append(matches, graph.DiseaseMatch{
			Name:            str(r, "name"),
			Description:     str(r, "description"),
			MatchScore:      cast.ToFloat64(value(r, "total_weight")),
			MatchedSymptoms: cast.ToInt(value(r, "matched_symptoms")),
		})
	}
	return matches, nil
}

// DiseaseContext fetches a disease with every one-hop neighbour. Pattern
// comprehensions keep each relation independent, so one relation's size
// never multiplies another's.
func (s *Store) DiseaseContext(ctx context.Context, name string) (*graph.DiseaseContext, bool, error) {
	records, err := s.read(ctx, `
		MATCH (d:Disease {name: $name})
		RETURN d,
		       [(d)-[r:HAS_SYMPTOM]->(x:Symptom) | {name: x.name, weight: r.weight}] AS symptoms,
		       [(d)-[r:RECOMMAND_DRUG]->(x:Drug) | {name: x.name, usage: r.usage}] AS drugs,
		       [(d)-[r:NEED_CHECK]->(x:Check) | {name: x.name, priority: r.priority}] AS checks,
		       [(d)-[:BELONGS_DEPARTMENT]->(x:Department) | x.name] AS departments,
		       [(d)-[r:SHOULD_EAT]->(x:Food) | {name: x.name, reason: r.reason}] AS good_foods,
		       [(d)-[r:SHOULD_AVOID]->(x:Food) | {name: x.name, reason: r.reason}] AS bad_foods,
		       [(d)-[r:COMPLICATION]->(x:Disease) | {name: x.name, probability: r.probability}] AS complications
		LIMIT 1`,
		map[string]any{"name": name})
	if err != nil {
		return nil, false, err
	}
	if len(records) == 0 {
		return nil, false, nil
	}
	r := records[0]

	dc := &graph.DiseaseContext{Disease: diseaseFromProps(name, nodeProps(r, "d"))}
	for _, m := range maps(r, "symptoms") {
		ref := graph.SymptomRef{Name: cast.ToString(m["name"])}
		if w, err := cast.ToFloat64E(m["weight"]); err == nil && m["weight"] != nil {
			ref.Weight = &w
		}
		dc.Symptoms = append(dc.Symptoms, ref)
	}
	for _, m := range maps(r, "drugs") {
		dc.Drugs = append(dc.Drugs, graph.DrugRef{Name: cast.ToString(m["name"]), Usage: cast.ToString(m["usage"])})
	}
	for _, m := range maps(r, "checks") {
		dc.Checks = append(dc.Checks, graph.CheckRef{Name: cast.ToString(m["name"]), Priority: cast.ToString(m["priority"])})
	}
	for _, d := range cast.ToStringSlice(value(r, "departments")) {
		if d != "" {
			dc.Departments = append(dc.Departments, d)
		}
	}
	for _, m := range maps(r, "good_foods") {
		dc.GoodFoods = append(dc.GoodFoods, graph.FoodRef{Name: cast.ToString(m["name"]), Reason: cast.ToString(m["reason"])})
	}
	for _, m := range maps(r, "bad_foods") {
		dc.BadFoods = append(dc.BadFoods, graph.FoodRef{Name: cast.ToString(m["name"]), Reason: cast.ToString(m["reason"])})
	}
	for _, m := range maps(r, "complications") {
		dc.Complications = append(dc.Complications, graph.ComplicationRef{Name: cast.ToString(m["name"]), Probability: cast.ToString(m["probability"])})
	}
	return dc, true, nil
}

// Disease fetches a disease's own attributes.
func (s *Store) Disease(ctx context.Context, name string) (*graph.Disease, bool, error) {
	records, err := s.read(ctx, "MATCH (d:Disease {name: $name}) RETURN d LIMIT 1", map[string]any{"name": name})
	if err != nil {
		return nil, false, err
	}
	if len(records) == 0 {
		return nil, false, nil
	}
	d := diseaseFromProps(name, nodeProps(records[0], "d"))
	return &d, true, nil
}

// Drug fetches a drug by exact name.
func (s *Store) Drug(ctx context.Context, name string) (*graph.Drug, bool, error) {
	records, err := s.read(ctx, "MATCH (x:Drug {name: $name}) RETURN x LIMIT 1", map[string]any{"name": name})
	if err != nil {
		return nil, false, err
	}
	if len(records) == 0 {
		return nil, false, nil
	}
	props := nodeProps(records[0], "x")
	return &graph.Drug{Name: name, Description: cast.ToString(props["desc"])}, true, nil
}

// DrugsByDisease lists the drugs recommended for a disease.
func (s *Store) DrugsByDisease(ctx context.Context, disease string) ([]graph.DrugUse, error) {
	records, err := s.read(ctx, `
		MATCH (d:Disease {name: $name})-[r:RECOMMAND_DRUG]->(x:Drug)
		RETURN x.name AS name,
		       coalesce(x.desc, '') AS description,
		       coalesce(r.usage, '') AS usage,
		       coalesce(r.frequency, '') AS frequency
		ORDER BY name`,
		map[string]any{"name": disease})
	if err != nil {
		return nil, err
	}
	uses := make([]graph.DrugUse, 0, len(records))
	for _, r := range records {
		uses = append(uses, graph.DrugUse{
			Name:        str(r, "name"),
			Description: str(r, "description"),
			Usage:       str(r, "usage"),
			Frequency:   str(r, "frequency"),
		})
	}
	return uses, nil
}

// --- record helpers ---

func value(r *neo4j.Record, key string) any {
	v, _ := r.Get(key)
	return v
}

func str(r *neo4j.Record, key string) string {
	return cast.ToString(value(r, key))
}

func nodeProps(r *neo4j.Record, key string) map[string]any {
	if n, ok := value(r, key).(neo4j.Node); ok {
		return n.Props
	}
	return nil
}

// maps returns the non-null entries of a list of maps, dropping entries
// whose name is null.
func maps(r *neo4j.Record, key string) []map[string]any {
	list, _ := value(r, key).([]any)
	out := make([]map[string]any, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok || m["name"] == nil || cast.ToString(m["name"]) == "" {
			continue
		}
		out = append(out, m)
	}
	return out
}

// diseaseFromProps decodes the properties written by ImportDisease. List
// properties written by other tools as plain strings are kept as one item.
func diseaseFromProps(name string, p map[string]any) graph.Disease {
	s := func(k string) string { return strings.TrimSpace(cast.ToString(p[k])) }
	l := func(k string) []string {
		switch v := p[k].(type) {
		case nil:
			return nil
		case string:
			if v == "" {
				return nil
			}
			return []string{v}
		default:
			return cast.ToStringSlice(v)
		}
	}
	return graph.Disease{
		Name:           name,
		Desc:           s("desc"),
		Category:       l("category"),
		Cause:          s("cause"),
		Prevent:        s("prevent"),
		YibaoStatus:    s("yibao_status"),
		GetProb:        s("get_prob"),
		EasyGet:        s("easy_get"),
		GetWay:         s("get_way"),
		CureDepartment: l("cure_department"),
		CureWay:        l("cure_way"),
		CureLasttime:   s("cure_lasttime"),
		CuredProb:      s("cured_prob"),
		CostMoney:      s("cost_money"),
	}
}
