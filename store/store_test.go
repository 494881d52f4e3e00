//go:build cgo

package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"reflect"
	"sync"
	"testing"

	"github.com/brunobiangulo/medgraph/graph"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := New(dbPath, 4) // dim=4 for test vectors
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func coldRecord() graph.Record {
	return graph.Record{
		Disease: graph.Disease{
			Name:           "感冒",
			Desc:           "上呼吸道感染",
			Category:       []string{"内科"},
			Cause:          "病毒感染",
			CureDepartment: []string{"内科", "呼吸内科"},
			CuredProb:      "95%",
		},
		Symptoms:         []string{"头痛", "发热", "流涕"},
		Drugs:            []string{"布洛芬", "感冒灵颗粒"},
		Checks:           []string{"血常规"},
		GoodFoods:        []string{"小米粥"},
		RecommendedFoods: []string{"清蒸鲈鱼"},
		BadFoods:         []string{"辣椒"},
		Complications:    []string{"肺炎"},
	}
}

func seedStore(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()
	recs := []graph.Record{
		coldRecord(),
		{Disease: graph.Disease{Name: "肺炎", Desc: "肺部感染"}, Symptoms: []string{"发热", "咳嗽"}},
		{Disease: graph.Disease{Name: "偏头痛"}, Symptoms: []string{"头痛"}},
	}
	for _, r := range recs {
		if err := s.ImportDisease(ctx, r); err != nil {
			t.Fatalf("importing %s: %v", r.Name, err)
		}
	}
}

// ---------------------------------------------------------------------------
// Schema / construction
// ---------------------------------------------------------------------------

func TestNew(t *testing.T) {
	s := newTestStore(t)
	if s.EmbeddingDim() != 4 {
		t.Fatalf("expected embedding dim 4, got %d", s.EmbeddingDim())
	}
	if s.DB() == nil {
		t.Fatal("expected non-nil *sql.DB")
	}
	v, err := s.SchemaVersion(context.Background())
	if err != nil {
		t.Fatalf("reading schema version: %v", err)
	}
	if want := migrations[len(migrations)-1].version; v != want {
		t.Errorf("schema version = %d, want %d", v, want)
	}
}

func TestNewCreatesParentDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "sub", "dir")
	s, err := New(filepath.Join(dir, "test.db"), 4)
	if err != nil {
		t.Fatalf("creating store in nested dir: %v", err)
	}
	s.Close()
}

func TestReopenKeepsData(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := New(dbPath, 4)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.ImportDisease(context.Background(), coldRecord()); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s, err = New(dbPath, 4)
	if err != nil {
		t.Fatalf("reopening: %v", err)
	}
	defer s.Close()
	if _, ok, err := s.Disease(context.Background(), "感冒"); err != nil || !ok {
		t.Errorf("Disease after reopen = %v, %v", ok, err)
	}
}

// ---------------------------------------------------------------------------
// Import
// ---------------------------------------------------------------------------

func TestImportDiseaseIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := s.ImportDisease(ctx, coldRecord()); err != nil {
			t.Fatalf("import %d: %v", i, err)
		}
	}
	stats, err := s.DBStats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := DBStats{Diseases: 2, Symptoms: 3, Drugs: 2, Checks: 1, Departments: 2, Foods: 3, Edges: 12}
	if *stats != want {
		t.Errorf("stats = %+v, want %+v", *stats, want)
	}
}

func TestImportDiseaseEmptyName(t *testing.T) {
	s := newTestStore(t)
	if err := s.ImportDisease(context.Background(), graph.Record{}); err == nil {
		t.Error("expected error for empty name")
	}
}

func TestImportKeepsDescriptionOfStub(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	// 肺炎 first appears as a complication stub, then gets its own record.
	seedStore(t, s)
	d, ok, err := s.Disease(ctx, "肺炎")
	if err != nil || !ok {
		t.Fatalf("Disease = %v, %v", ok, err)
	}
	if d.Desc != "肺部感染" {
		t.Errorf("desc = %q", d.Desc)
	}

	// Re-importing 感冒 touches the 肺炎 stub again without clearing it.
	if err := s.ImportDisease(ctx, coldRecord()); err != nil {
		t.Fatal(err)
	}
	d, _, _ = s.Disease(ctx, "肺炎")
	if d.Desc != "肺部感染" {
		t.Errorf("desc after re-import = %q", d.Desc)
	}
}

// ---------------------------------------------------------------------------
// Lookups
// ---------------------------------------------------------------------------

func TestSearchNodes(t *testing.T) {
	s := newTestStore(t)
	seedStore(t, s)
	ctx := context.Background()

	tests := []struct {
		name    string
		keyword string
		label   graph.Label
		limit   int
		want    []string
	}{
		{"exact first", "头痛", "", 5, []string{"头痛/Symptom", "偏头痛/Disease"}},
		{"typed", "头痛", graph.LabelDisease, 5, []string{"偏头痛/Disease"}},
		{"limit", "头痛", "", 1, []string{"头痛/Symptom"}},
		{"shortest first", "感冒", "", 5, []string{"感冒/Disease", "感冒灵颗粒/Drug"}},
		{"no match", "糖尿病", "", 5, nil},
		{"empty keyword", "", "", 5, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			nodes, err := s.SearchNodes(ctx, tt.keyword, tt.label, tt.limit)
			if err != nil {
				t.Fatalf("SearchNodes: %v", err)
			}
			var got []string
			for _, n := range nodes {
				got = append(got, n.Name+"/"+string(n.Label))
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("SearchNodes(%q, %q) = %q, want %q", tt.keyword, tt.label, got, tt.want)
			}
		})
	}
}

func TestFindDiseasesBySymptoms(t *testing.T) {
	s := newTestStore(t)
	seedStore(t, s)
	ctx := context.Background()

	matches, err := s.FindDiseasesBySymptoms(ctx, []string{"头痛", "发热", "不存在"}, 10)
	if err != nil {
		t.Fatalf("FindDiseasesBySymptoms: %v", err)
	}
	if len(matches) != 3 {
		t.Fatalf("got %d matches, want 3: %+v", len(matches), matches)
	}
	first := matches[0]
	if first.Name != "感冒" || first.MatchedSymptoms != 2 || first.Description != "上呼吸道感染" {
		t.Errorf("first match = %+v", first)
	}
	if diff := first.MatchScore - 1.6; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("score = %v, want 1.6", first.MatchScore)
	}
	// Ties on score and count fall back to name order.
	if matches[1].Name != "偏头痛" || matches[2].Name != "肺炎" {
		t.Errorf("tie order = %s, %s", matches[1].Name, matches[2].Name)
	}

	limited, err := s.FindDiseasesBySymptoms(ctx, []string{"发热"}, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 1 {
		t.Errorf("limit ignored: %d results", len(limited))
	}

	none, err := s.FindDiseasesBySymptoms(ctx, nil, 10)
	if err != nil || len(none) != 0 {
		t.Errorf("empty symptoms = %v, %v", none, err)
	}
}

func TestDiseaseContext(t *testing.T) {
	s := newTestStore(t)
	seedStore(t, s)
	ctx := context.Background()

	dc, ok, err := s.DiseaseContext(ctx, "感冒")
	if err != nil || !ok {
		t.Fatalf("DiseaseContext = %v, %v", ok, err)
	}
	if dc.Disease.Cause != "病毒感染" || dc.Disease.CuredProb != "95%" {
		t.Errorf("disease attributes = %+v", dc.Disease)
	}

	var symptoms []string
	for _, sym := range dc.Symptoms {
		symptoms = append(symptoms, sym.Name)
		if sym.Weight == nil || *sym.Weight != graph.DefaultSymptomWeight {
			t.Errorf("symptom %s weight = %v", sym.Name, sym.Weight)
		}
	}
	if !reflect.DeepEqual(symptoms, []string{"头痛", "发热", "流涕"}) {
		t.Errorf("symptoms = %q, want source order", symptoms)
	}
	if len(dc.Drugs) != 2 || dc.Drugs[0].Name != "布洛芬" {
		t.Errorf("drugs = %+v", dc.Drugs)
	}
	if !reflect.DeepEqual(dc.Departments, []string{"内科", "呼吸内科"}) {
		t.Errorf("departments = %q", dc.Departments)
	}
	if len(dc.Checks) != 1 || dc.Checks[0].Name != "血常规" {
		t.Errorf("checks = %+v", dc.Checks)
	}
	if len(dc.GoodFoods) != 2 || dc.GoodFoods[1].Reason != "推荐食谱" {
		t.Errorf("good foods = %+v", dc.GoodFoods)
	}
	if len(dc.BadFoods) != 1 || dc.BadFoods[0].Name != "辣椒" {
		t.Errorf("bad foods = %+v", dc.BadFoods)
	}
	if len(dc.Complications) != 1 || dc.Complications[0].Name != "肺炎" {
		t.Errorf("complications = %+v", dc.Complications)
	}

	if _, ok, err := s.DiseaseContext(ctx, "糖尿病"); ok || err != nil {
		t.Errorf("missing disease = %v, %v", ok, err)
	}
}

func TestDrugLookups(t *testing.T) {
	s := newTestStore(t)
	seedStore(t, s)
	ctx := context.Background()

	if _, ok, err := s.Drug(ctx, "布洛芬"); err != nil || !ok {
		t.Errorf("Drug = %v, %v", ok, err)
	}
	if _, ok, err := s.Drug(ctx, "头痛"); ok || err != nil {
		t.Errorf("Drug(symptom) = %v, %v", ok, err)
	}

	updated, err := s.SetEdgeAttrs(ctx, "感冒", graph.LabelDisease, "布洛芬", graph.LabelDrug,
		graph.RelRecommandDrug, map[string]string{"usage": "口服", "frequency": "每日三次"})
	if err != nil || !updated {
		t.Fatalf("SetEdgeAttrs = %v, %v", updated, err)
	}

	uses, err := s.DrugsByDisease(ctx, "感冒")
	if err != nil {
		t.Fatal(err)
	}
	want := []graph.DrugUse{
		{Name: "布洛芬", Usage: "口服", Frequency: "每日三次"},
		{Name: "感冒灵颗粒"},
	}
	if !reflect.DeepEqual(uses, want) {
		t.Errorf("DrugsByDisease = %+v, want %+v", uses, want)
	}

	dc, _, _ := s.DiseaseContext(ctx, "感冒")
	if dc.Drugs[0].Usage != "口服" {
		t.Errorf("context drug usage = %q", dc.Drugs[0].Usage)
	}

	if _, err := s.SetEdgeAttrs(ctx, "感冒", graph.LabelDisease, "布洛芬", graph.LabelDrug,
		graph.RelRecommandDrug, map[string]string{"dosage; DROP TABLE edges": "x"}); err == nil {
		t.Error("expected error for unknown attribute")
	}
}

// ---------------------------------------------------------------------------
// Embeddings
// ---------------------------------------------------------------------------

func TestNodeEmbeddings(t *testing.T) {
	s := newTestStore(t)
	seedStore(t, s)
	ctx := context.Background()

	pending, err := s.NodesWithoutEmbedding(ctx, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	for _, n := range pending {
		if n.Label == graph.LabelFood {
			t.Errorf("food node %s listed for embedding", n.Name)
		}
	}

	vecs := map[string][]float32{
		"头痛": {1, 0, 0, 0},
		"发热": {0, 1, 0, 0},
		"咳嗽": {0, 0, 1, 0},
	}
	for _, n := range pending {
		if v, ok := vecs[n.Name]; ok {
			if err := s.UpsertNodeEmbedding(ctx, n.ID, v); err != nil {
				t.Fatalf("UpsertNodeEmbedding(%s): %v", n.Name, err)
			}
		}
	}
	// Replacing an embedding must not fail.
	if err := s.UpsertNodeEmbedding(ctx, pending[0].ID, []float32{0, 0, 0, 1}); err != nil {
		t.Fatalf("replacing embedding: %v", err)
	}
	if err := s.UpsertNodeEmbedding(ctx, pending[0].ID, []float32{1, 2}); err == nil {
		t.Error("expected dimension mismatch error")
	}

	hits, err := s.NearestNodes(ctx, []float32{0.9, 0.1, 0, 0}, 2)
	if err != nil {
		t.Fatalf("NearestNodes: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("got %d hits, want 2", len(hits))
	}
	if hits[0].Name != "头痛" || hits[0].Label != graph.LabelSymptom {
		t.Errorf("nearest = %+v", hits[0])
	}
	if hits[0].Distance > hits[1].Distance {
		t.Errorf("hits not ordered by distance: %v > %v", hits[0].Distance, hits[1].Distance)
	}

	after, err := s.NodesWithoutEmbedding(ctx, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	// Three named vectors plus the replaced one on pending[0].
	if len(after) != len(pending)-4 {
		t.Errorf("pending after indexing = %d, want %d", len(after), len(pending)-4)
	}
	paged, err := s.NodesWithoutEmbedding(ctx, after[0].ID, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(paged) != 1 || paged[0].ID <= after[0].ID {
		t.Errorf("paging after %d = %+v", after[0].ID, paged)
	}
}

// ---------------------------------------------------------------------------
// Query log
// ---------------------------------------------------------------------------

func TestLogQuery(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	entry := graph.QueryLogEntry{
		Question:     "头痛发热怎么办",
		Answer:       "可能是感冒",
		Strategy:     "model",
		Entities:     []map[string]string{{"name": "头痛"}},
		Citations:    []map[string]string{{"name": "感冒"}},
		ModelUsed:    "deepseek-chat",
		PromptTokens: 100,
		TotalTokens:  150,
		ElapsedMs:    42,
	}
	if err := s.LogQuery(ctx, entry); err != nil {
		t.Fatalf("LogQuery: %v", err)
	}
	if err := s.LogQuery(ctx, graph.QueryLogEntry{Question: "second"}); err != nil {
		t.Fatalf("LogQuery: %v", err)
	}

	rows, err := s.RecentQueries(ctx, 10)
	if err != nil {
		t.Fatalf("RecentQueries: %v", err)
	}
	if len(rows) != 2 || rows[0].Question != "second" {
		t.Fatalf("rows = %+v", rows)
	}
	got := rows[1]
	if got.Strategy != "model" || got.ModelUsed != "deepseek-chat" || got.TotalTokens != 150 || got.ElapsedMs != 42 {
		t.Errorf("row = %+v", got)
	}
	var entities []map[string]string
	if err := json.Unmarshal(got.Entities, &entities); err != nil || entities[0]["name"] != "头痛" {
		t.Errorf("entities = %s (%v)", got.Entities, err)
	}
}

// ---------------------------------------------------------------------------
// Concurrency
// ---------------------------------------------------------------------------

func TestConcurrentReads(t *testing.T) {
	s := newTestStore(t)
	seedStore(t, s)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 32)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := s.DiseaseContext(ctx, "感冒"); err != nil {
				errs <- err
			}
			if _, err := s.FindDiseasesBySymptoms(ctx, []string{"发热"}, 5); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent read: %v", err)
	}
}
