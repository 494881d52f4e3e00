package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"

	"github.com/brunobiangulo/medgraph/graph"
)

func init() {
	sqlite_vec.Auto()
}

// Store keeps the medical knowledge graph in SQLite. It implements
// graph.Store, graph.SemanticSearcher, graph.QueryLogger, graph.Importer
// and graph.EmbeddingIndex.
type Store struct {
	db           *sql.DB
	embeddingDim int
}

var (
	_ graph.Store            = (*Store)(nil)
	_ graph.SemanticSearcher = (*Store)(nil)
	_ graph.QueryLogger      = (*Store)(nil)
	_ graph.Importer         = (*Store)(nil)
	_ graph.EmbeddingIndex   = (*Store)(nil)
)

// New opens (or creates) a SQLite database at the given path and
// initialises the schema including the sqlite-vec node index.
func New(dbPath string, embeddingDim int) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if _, err := db.Exec(schemaSQL(embeddingDim)); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db, embeddingDim: embeddingDim}

	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB for advanced queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// EmbeddingDim returns the configured embedding dimension.
func (s *Store) EmbeddingDim() int {
	return s.embeddingDim
}

// --- Lookups ---

// SearchNodes returns nodes whose name contains keyword, exact match
// first, then shortest name.
func (s *Store) SearchNodes(ctx context.Context, keyword string, label graph.Label, limit int) ([]graph.Node, error) {
	if keyword == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = -1
	}

	query := `
		SELECT name, label, description FROM nodes
		WHERE instr(name, ?) > 0`
	args := []any{keyword}
	if label != "" {
		query += " AND label = ?"
		args = append(args, string(label))
	}
	query += `
		ORDER BY (name = ?) DESC, length(name), name, label
		LIMIT ?`
	args = append(args, keyword, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []graph.Node
	for rows.Next() {
		var n graph.Node
		var l string
		if err := rows.Scan(&n.Name, &l, &n.Description); err != nil {
			return nil, err
		}
		n.Label = graph.Label(l)
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// FindDiseasesBySymptoms ranks diseases by summed HAS_SYMPTOM weight over
// the given symptoms, then by how many of them matched.
func (s *Store) FindDiseasesBySymptoms(ctx context.Context, symptoms []string, limit int) ([]graph.DiseaseMatch, error) {
	if len(symptoms) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = -1
	}

	args := make([]any, 0, len(symptoms)+1)
	for _, sym := range symptoms {
		args = append(args, sym)
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, `
		SELECT d.name, d.description,
			SUM(COALESCE(e.weight, 0)) AS match_score,
			COUNT(DISTINCT sym.id) AS matched
		FROM edges e
		JOIN nodes d ON d.id = e.source_id AND d.label = 'Disease'
		JOIN nodes sym ON sym.id = e.target_id AND sym.label = 'Symptom'
		WHERE e.relation = 'HAS_SYMPTOM'
			AND sym.name IN (?`+repeatPlaceholders(len(symptoms)-1)+`)
		GROUP BY d.id
		ORDER BY match_score DESC, matched DESC, d.name
		LIMIT ?
	`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var matches []graph.DiseaseMatch
	for rows.Next() {
		var m graph.DiseaseMatch
		if err := rows.Scan(&m.Name, &m.Description, &m.MatchScore, &m.MatchedSymptoms); err != nil {
			return nil, err
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

// Disease fetches a disease's own attributes.
func (s *Store) Disease(ctx context.Context, name string) (*graph.Disease, bool, error) {
	_, d, ok, err := s.disease(ctx, name)
	return d, ok, err
}

func (s *Store) disease(ctx context.Context, name string) (int64, *graph.Disease, bool, error) {
	var (
		id    int64
		desc  string
		props sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT id, description, props FROM nodes WHERE name = ? AND label = 'Disease'",
		name).Scan(&id, &desc, &props)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil, false, nil
	}
	if err != nil {
		return 0, nil, false, err
	}

	d := &graph.Disease{}
	if props.Valid && props.String != "" {
		if err := json.Unmarshal([]byte(props.String), d); err != nil {
			return 0, nil, false, fmt.Errorf("decoding disease %q: %w", name, err)
		}
	}
	d.Name = name
	if d.Desc == "" {
		d.Desc = desc
	}
	return id, d, true, nil
}

// DiseaseContext fetches a disease and every edge leaving it. Lists keep
// the order of the source record.
func (s *Store) DiseaseContext(ctx context.Context, name string) (*graph.DiseaseContext, bool, error) {
	id, d, ok, err := s.disease(ctx, name)
	if err != nil || !ok {
		return nil, ok, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT e.relation, n.name, e.weight,
			COALESCE(e.usage, ''), COALESCE(e.priority, ''),
			COALESCE(e.reason, ''), COALESCE(e.probability, '')
		FROM edges e
		JOIN nodes n ON n.id = e.target_id
		WHERE e.source_id = ?
		ORDER BY e.relation, e.position, e.id
	`, id)
	if err != nil {
		return nil, false, err
	}
	defer rows.Close()

	dc := &graph.DiseaseContext{Disease: *d}
	for rows.Next() {
		var (
			rel, target                   string
			weight                        sql.NullFloat64
			usage, priority, reason, prob string
		)
		if err := rows.Scan(&rel, &target, &weight, &usage, &priority, &reason, &prob); err != nil {
			return nil, false, err
		}
		switch rel {
		case graph.RelHasSymptom:
			ref := graph.SymptomRef{Name: target}
			if weight.Valid {
				w := weight.Float64
				ref.Weight = &w
			}
			dc.Symptoms = append(dc.Symptoms, ref)
		case graph.RelRecommandDrug:
			dc.Drugs = append(dc.Drugs, graph.DrugRef{Name: target, Usage: usage})
		case graph.RelNeedCheck:
			dc.Checks = append(dc.Checks, graph.CheckRef{Name: target, Priority: priority})
		case graph.RelBelongsDepartment:
			dc.Departments = append(dc.Departments, target)
		case graph.RelShouldEat:
			dc.GoodFoods = append(dc.GoodFoods, graph.FoodRef{Name: target, Reason: reason})
		case graph.RelShouldAvoid:
			dc.BadFoods = append(dc.BadFoods, graph.FoodRef{Name: target, Reason: reason})
		case graph.RelComplication:
			dc.Complications = append(dc.Complications, graph.ComplicationRef{Name: target, Probability: prob})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}
	return dc, true, nil
}

// Drug fetches a drug by exact name.
func (s *Store) Drug(ctx context.Context, name string) (*graph.Drug, bool, error) {
	d := &graph.Drug{Name: name}
	err := s.db.QueryRowContext(ctx,
		"SELECT description FROM nodes WHERE name = ? AND label = 'Drug'",
		name).Scan(&d.Description)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return d, true, nil
}

// DrugsByDisease lists the drugs recommended for a disease.
func (s *Store) DrugsByDisease(ctx context.Context, disease string) ([]graph.DrugUse, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT dr.name, dr.description, COALESCE(e.usage, ''), COALESCE(e.frequency, '')
		FROM nodes d
		JOIN edges e ON e.source_id = d.id AND e.relation = 'RECOMMAND_DRUG'
		JOIN nodes dr ON dr.id = e.target_id
		WHERE d.name = ? AND d.label = 'Disease'
		ORDER BY e.position, e.id
	`, disease)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var uses []graph.DrugUse
	for rows.Next() {
		var u graph.DrugUse
		if err := rows.Scan(&u.Name, &u.Description, &u.Usage, &u.Frequency); err != nil {
			return nil, err
		}
		uses = append(uses, u)
	}
	return uses, rows.Err()
}

// --- Embedding operations ---

// UpsertNodeEmbedding stores a vector embedding for a node.
func (s *Store) UpsertNodeEmbedding(ctx context.Context, nodeID int64, embedding []float32) error {
	if len(embedding) != s.embeddingDim {
		return fmt.Errorf("embedding for node %d has %d dimensions, want %d", nodeID, len(embedding), s.embeddingDim)
	}
	// vec0 tables do not support upsert; replace explicitly.
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM vec_nodes WHERE node_id = ?", nodeID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			"INSERT INTO vec_nodes (node_id, embedding) VALUES (?, ?)",
			nodeID, serializeFloat32(embedding))
		return err
	})
}

// NodesWithoutEmbedding lists nodes after afterID that have no embedding.
// Food nodes are never linked and are skipped.
func (s *Store) NodesWithoutEmbedding(ctx context.Context, afterID int64, limit int) ([]graph.IndexedNode, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT n.id, n.name, n.label, n.description
		FROM nodes n
		WHERE n.id > ? AND n.label != 'Food'
			AND NOT EXISTS (SELECT 1 FROM vec_nodes v WHERE v.node_id = n.id)
		ORDER BY n.id
		LIMIT ?
	`, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []graph.IndexedNode
	for rows.Next() {
		var n graph.IndexedNode
		var l string
		if err := rows.Scan(&n.ID, &n.Name, &l, &n.Description); err != nil {
			return nil, err
		}
		n.Label = graph.Label(l)
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// NearestNodes performs a KNN search over node embeddings.
func (s *Store) NearestNodes(ctx context.Context, embedding []float32, k int) ([]graph.ScoredNode, error) {
	if k <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT v.distance, n.name, n.label, n.description
		FROM vec_nodes v
		JOIN nodes n ON n.id = v.node_id
		WHERE v.embedding MATCH ? AND k = ?
		ORDER BY v.distance
	`, serializeFloat32(embedding), k)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []graph.ScoredNode
	for rows.Next() {
		var r graph.ScoredNode
		var l string
		if err := rows.Scan(&r.Distance, &r.Name, &l, &r.Description); err != nil {
			return nil, err
		}
		r.Label = graph.Label(l)
		results = append(results, r)
	}
	return results, rows.Err()
}

// --- Query log ---

// LogQuery writes an entry to the query audit log.
func (s *Store) LogQuery(ctx context.Context, q graph.QueryLogEntry) error {
	entitiesJSON, err := json.Marshal(q.Entities)
	if err != nil {
		return fmt.Errorf("encoding entities: %w", err)
	}
	citationsJSON, err := json.Marshal(q.Citations)
	if err != nil {
		return fmt.Errorf("encoding citations: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO query_log (question, answer, strategy, entities, citations, model_used,
			prompt_tokens, completion_tokens, total_tokens, elapsed_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, q.Question, q.Answer, q.Strategy, string(entitiesJSON), string(citationsJSON), q.ModelUsed,
		q.PromptTokens, q.CompletionTokens, q.TotalTokens, q.ElapsedMs)
	return err
}

// QueryLogRow is a stored audit log entry.
type QueryLogRow struct {
	ID               int64           `json:"id"`
	Question         string          `json:"question"`
	Answer           string          `json:"answer"`
	Strategy         string          `json:"strategy"`
	Entities         json.RawMessage `json:"entities"`
	Citations        json.RawMessage `json:"citations"`
	ModelUsed        string          `json:"model_used"`
	PromptTokens     int             `json:"prompt_tokens"`
	CompletionTokens int             `json:"completion_tokens"`
	TotalTokens      int             `json:"total_tokens"`
	ElapsedMs        int64           `json:"elapsed_ms"`
	CreatedAt        string          `json:"created_at"`
}

// RecentQueries returns the latest n audit log entries, newest first.
func (s *Store) RecentQueries(ctx context.Context, n int) ([]QueryLogRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, question, COALESCE(answer, ''), COALESCE(strategy, ''),
			COALESCE(entities, 'null'), COALESCE(citations, 'null'), COALESCE(model_used, ''),
			prompt_tokens, completion_tokens, total_tokens, COALESCE(elapsed_ms, 0), created_at
		FROM query_log ORDER BY id DESC LIMIT ?
	`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []QueryLogRow
	for rows.Next() {
		var r QueryLogRow
		var entities, citations string
		if err := rows.Scan(&r.ID, &r.Question, &r.Answer, &r.Strategy, &entities, &citations,
			&r.ModelUsed, &r.PromptTokens, &r.CompletionTokens, &r.TotalTokens, &r.ElapsedMs,
			&r.CreatedAt); err != nil {
			return nil, err
		}
		r.Entities = json.RawMessage(entities)
		r.Citations = json.RawMessage(citations)
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- Stats ---

// DBStats holds row counts per table and per node label.
type DBStats struct {
	Diseases    int `json:"diseases"`
	Symptoms    int `json:"symptoms"`
	Drugs       int `json:"drugs"`
	Checks      int `json:"checks"`
	Departments int `json:"departments"`
	Foods       int `json:"foods"`
	Edges       int `json:"edges"`
	Embeddings  int `json:"embeddings"`
	Queries     int `json:"queries"`
}

// DBStats returns node counts per label and counts of edges, embeddings
// and logged queries.
func (s *Store) DBStats(ctx context.Context) (*DBStats, error) {
	stats := &DBStats{}
	labels := map[graph.Label]*int{
		graph.LabelDisease:    &stats.Diseases,
		graph.LabelSymptom:    &stats.Symptoms,
		graph.LabelDrug:       &stats.Drugs,
		graph.LabelCheck:      &stats.Checks,
		graph.LabelDepartment: &stats.Departments,
		graph.LabelFood:       &stats.Foods,
	}
	rows, err := s.db.QueryContext(ctx, "SELECT label, COUNT(*) FROM nodes GROUP BY label")
	if err != nil {
		return nil, fmt.Errorf("counting nodes: %w", err)
	}
	for rows.Next() {
		var l string
		var n int
		if err := rows.Scan(&l, &n); err != nil {
			rows.Close()
			return nil, err
		}
		if dst, ok := labels[graph.Label(l)]; ok {
			*dst = n
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	queries := []struct {
		query string
		dest  *int
	}{
		{"SELECT COUNT(*) FROM edges", &stats.Edges},
		{"SELECT COUNT(*) FROM vec_nodes", &stats.Embeddings},
		{"SELECT COUNT(*) FROM query_log", &stats.Queries},
	}
	for _, q := range queries {
		if err := s.db.QueryRowContext(ctx, q.query).Scan(q.dest); err != nil {
			return nil, fmt.Errorf("counting %s: %w", q.query, err)
		}
	}
	return stats, nil
}

// --- helpers ---

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func repeatPlaceholders(n int) string {
	return strings.Repeat(", ?", n)
}

// serializeFloat32 converts a float32 slice to little-endian bytes for sqlite-vec.
func serializeFloat32(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}
