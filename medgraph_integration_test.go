//go:build integration && cgo

package medgraph

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/brunobiangulo/medgraph/graph"
	"github.com/brunobiangulo/medgraph/retrieval"
	"github.com/brunobiangulo/medgraph/store"
)

const (
	ollamaURL   = "http://localhost:11434"
	chatModel   = "qwen3:8b"
	embedModel  = "bge-m3"
	embedDim    = 1024
	testTimeout = 10 * time.Minute
)

// shared holds the engine built once over a small imported graph.
var shared struct {
	once  sync.Once
	eng   Engine
	dbDir string
	err   error
}

func ollamaAvailable() bool {
	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get(ollamaURL + "/api/tags")
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}

// warmModel sends a tiny request to force Ollama to load a model into memory.
func warmModel(model string) error {
	body := fmt.Sprintf(`{"model":%q,"messages":[{"role":"user","content":"hi"}],"stream":false,"options":{"num_predict":1}}`, model)
	client := &http.Client{Timeout: 5 * time.Minute}
	resp, err := client.Post(ollamaURL+"/api/chat", "application/json", strings.NewReader(body))
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func integrationRecords() []graph.Record {
	return []graph.Record{
		{
			Disease:  graph.Disease{Name: "感冒", Desc: "上呼吸道病毒感染", CureDepartment: []string{"内科"}},
			Symptoms: []string{"头痛", "发热", "流涕", "咽痛"},
			Drugs:    []string{"感冒灵颗粒", "布洛芬缓释胶囊"},
			Checks:   []string{"血常规"},
			BadFoods: []string{"辣椒"},
		},
		{
			Disease:       graph.Disease{Name: "肺炎", Desc: "肺部的急性炎症", CureDepartment: []string{"呼吸内科"}},
			Symptoms:      []string{"咳嗽", "发热", "胸痛", "咳痰"},
			Drugs:         []string{"阿莫西林胶囊"},
			Checks:        []string{"胸部CT", "血常规"},
			Complications: []string{"呼吸衰竭"},
		},
		{
			Disease:   graph.Disease{Name: "偏头痛", Desc: "反复发作的一侧头痛", CureDepartment: []string{"神经内科"}},
			Symptoms:  []string{"头痛", "恶心", "畏光"},
			Drugs:     []string{"布洛芬缓释胶囊"},
			GoodFoods: []string{"香蕉"},
		},
	}
}

// setupShared imports the records, indexes embeddings and builds the engine.
func setupShared(t *testing.T) {
	t.Helper()
	shared.once.Do(func() {
		if !ollamaAvailable() {
			shared.err = fmt.Errorf("ollama not available")
			return
		}
		t.Log("Warming up chat model...")
		if err := warmModel(chatModel); err != nil {
			shared.err = fmt.Errorf("warming chat model: %w", err)
			return
		}

		dir, err := os.MkdirTemp("", "medgraph-integration-*")
		if err != nil {
			shared.err = err
			return
		}
		shared.dbDir = dir

		cfg := DefaultConfig()
		cfg.DBPath = filepath.Join(dir, "integration_test.db")
		cfg.Chat = LLMConfig{Provider: "ollama", Model: chatModel, BaseURL: ollamaURL}
		cfg.Embedding = LLMConfig{Provider: "ollama", Model: embedModel, BaseURL: ollamaURL}
		cfg.EmbeddingDim = embedDim

		s, err := store.New(cfg.DBPath, embedDim)
		if err != nil {
			shared.err = err
			return
		}
		chat, err := NewProvider(cfg.Chat)
		if err != nil {
			shared.err = err
			s.Close()
			return
		}
		embed, err := NewProvider(cfg.Embedding)
		if err != nil {
			shared.err = err
			s.Close()
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()

		b := graph.NewBuilder(s, s, embed, 2)
		if _, err := b.Import(ctx, integrationRecords()); err != nil {
			shared.err = fmt.Errorf("importing: %w", err)
			s.Close()
			return
		}
		stats, err := b.IndexEmbeddings(ctx)
		if err != nil {
			shared.err = fmt.Errorf("indexing embeddings: %w", err)
			s.Close()
			return
		}
		t.Logf("Indexed %d nodes", stats.Succeeded)

		shared.eng = NewWithStore(cfg, s, chat, embed)
	})
}

func skipOrSetup(t *testing.T) {
	t.Helper()
	setupShared(t)
	if shared.err != nil {
		t.Skipf("shared setup failed: %v", shared.err)
	}
}

func TestIntegrationSymptomQuestion(t *testing.T) {
	skipOrSetup(t)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	res := shared.eng.Query(ctx, "我最近头痛发热，还流鼻涕，可能是什么病？")
	if res.Trace.Error != "" {
		t.Fatalf("query failed: %s", res.Trace.Error)
	}
	if len(res.Entities) == 0 {
		t.Fatal("expected linked entities")
	}
	if len(res.Citations) == 0 || res.Citations[0].Type != graph.LabelDisease {
		t.Errorf("citations = %+v", res.Citations)
	}
	if !strings.Contains(res.ContextSummary, "感冒") {
		t.Errorf("context should rank 感冒: %s", res.ContextSummary)
	}
	if res.Trace.ModelUsed == "" {
		t.Error("expected ModelUsed to be set")
	}

	t.Logf("Answer: %s", res.Answer)
	t.Logf("Confidence: %.2f, Entities: %d, Citations: %d",
		res.Confidence, len(res.Entities), len(res.Citations))
}

func TestIntegrationDiseaseQuestion(t *testing.T) {
	skipOrSetup(t)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	res := shared.eng.Query(ctx, "肺炎需要做什么检查？")
	found := false
	for _, e := range res.Entities {
		if e.Name == "肺炎" && e.Type == graph.LabelDisease {
			found = true
		}
	}
	if !found {
		t.Fatalf("肺炎 not linked: %+v", res.Entities)
	}
	if !strings.Contains(res.ContextSummary, "胸部CT") {
		t.Errorf("context should list checks: %s", res.ContextSummary)
	}
}

func TestIntegrationSemanticFallback(t *testing.T) {
	skipOrSetup(t)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	// "脑袋疼" names no node; only the vector index can resolve it.
	res := shared.eng.Query(ctx, "脑袋疼怎么办？", WithoutGeneration())
	for _, e := range res.Entities {
		if e.Provenance == retrieval.SemanticMatch {
			t.Logf("semantic link: %s -> %s (%.2f)", e.Mention, e.Name, e.MatchConfidence)
			return
		}
	}
	t.Logf("no semantic link; entities = %+v", res.Entities)
}

func TestIntegrationNoEntity(t *testing.T) {
	skipOrSetup(t)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	res := shared.eng.Query(ctx, "今天天气怎么样？")
	if res.Answer != NoEntityAnswer {
		t.Errorf("answer = %q, want the no-entity answer", res.Answer)
	}
}
