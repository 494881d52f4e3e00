package medgraph

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultConfigValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("DefaultConfig().Validate() = %v", err)
	}
	if cfg.Chat.Provider != "deepseek" || cfg.Chat.Model != "deepseek-chat" {
		t.Errorf("chat = %+v", cfg.Chat)
	}
	if cfg.Neo4j.URI != "bolt://localhost:7687" {
		t.Errorf("neo4j uri = %q", cfg.Neo4j.URI)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		want   error
	}{
		{"unknown backend", func(c *Config) { c.Backend = "mysql" }, ErrUnknownBackend},
		{"neo4j without uri", func(c *Config) { c.Backend = BackendNeo4j; c.Neo4j.URI = "" }, ErrInvalidConfig},
		{"no chat provider", func(c *Config) { c.Chat.Provider = "" }, ErrInvalidConfig},
		{"embedding without dim", func(c *Config) { c.Embedding.Provider = "ollama"; c.EmbeddingDim = 0 }, ErrInvalidConfig},
		{"negative concurrency", func(c *Config) { c.ExpandConcurrency = -1 }, ErrInvalidConfig},
		{"threshold out of range", func(c *Config) { c.SemanticThreshold = 3 }, ErrInvalidConfig},
		{"temperature out of range", func(c *Config) { c.Temperature = -0.1 }, ErrInvalidConfig},
		{"neo4j ok", func(c *Config) { c.Backend = BackendNeo4j }, nil},
		{"empty backend means sqlite", func(c *Config) { c.Backend = "" }, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)
			err := cfg.Validate()
			if tt.want == nil {
				if err != nil {
					t.Errorf("Validate() = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("Validate() = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestResolveDBPath(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{"explicit", Config{DBPath: "/tmp/x.db"}, "/tmp/x.db"},
		{"local", Config{DBName: "kg", StorageDir: "local"}, "kg.db"},
		{"local default name", Config{StorageDir: "cwd"}, "medgraph.db"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.resolveDBPath(); got != tt.want {
				t.Errorf("resolveDBPath() = %q, want %q", got, tt.want)
			}
		})
	}

	cfg := Config{DBName: "kg"}
	if got := cfg.resolveDBPath(); !strings.HasSuffix(got, filepath.Join(".medgraph", "kg.db")) {
		t.Errorf("home path = %q", got)
	}
}

func TestLoadEnv(t *testing.T) {
	for _, k := range []string{"DEEPSEEK_API_KEY", "NEO4J_URI", "NEO4J_HOST", "MEDGRAPH_CHAT_API_KEY"} {
		if _, ok := os.LookupEnv(k); ok {
			t.Skipf("%s set in the environment", k)
		}
	}
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	content := "DEEPSEEK_API_KEY=sk-from-file\nNEO4J_HOST=graph.local\nMEDGRAPH_EXPAND_CONCURRENCY=8\n"
	if err := os.WriteFile(envFile, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	// Process environment wins over the file.
	t.Setenv("MEDGRAPH_EXPAND_CONCURRENCY", "2")
	t.Setenv("MEDGRAPH_LOG_QUERIES", "false")
	t.Setenv("MEDGRAPH_SEMANTIC_THRESHOLD", "0.25")
	t.Setenv("NEO4J_USER", "medic")
	// Variables godotenv sets are not undone by t.Setenv; clear them after.
	t.Cleanup(func() {
		os.Unsetenv("DEEPSEEK_API_KEY")
		os.Unsetenv("NEO4J_HOST")
	})

	cfg := DefaultConfig()
	if err := LoadEnv(&cfg, envFile, filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("LoadEnv: %v", err)
	}

	if cfg.Chat.APIKey != "sk-from-file" {
		t.Errorf("chat api key = %q", cfg.Chat.APIKey)
	}
	if cfg.Neo4j.URI != "bolt://graph.local:7687" {
		t.Errorf("neo4j uri = %q", cfg.Neo4j.URI)
	}
	if cfg.Neo4j.User != "medic" {
		t.Errorf("neo4j user = %q", cfg.Neo4j.User)
	}
	if cfg.ExpandConcurrency != 2 {
		t.Errorf("expand concurrency = %d, want 2", cfg.ExpandConcurrency)
	}
	if cfg.LogQueries {
		t.Error("log queries should be disabled")
	}
	if cfg.SemanticThreshold != 0.25 {
		t.Errorf("semantic threshold = %v", cfg.SemanticThreshold)
	}
}

func TestLoadEnvInvalidNumber(t *testing.T) {
	t.Setenv("MEDGRAPH_EXPAND_CONCURRENCY", "lots")
	cfg := DefaultConfig()
	err := LoadEnv(&cfg, filepath.Join(t.TempDir(), "none.env"))
	if !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("LoadEnv() = %v, want ErrInvalidConfig", err)
	}
}

func TestOpenStore(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Backend = "redis"
	if _, err := OpenStore(cfg); !errors.Is(err, ErrUnknownBackend) {
		t.Errorf("OpenStore(redis) = %v, want ErrUnknownBackend", err)
	}

	cfg = DefaultConfig()
	cfg.DBPath = filepath.Join(t.TempDir(), "graph.db")
	cfg.EmbeddingDim = 4
	s, err := OpenStore(cfg)
	if err != nil {
		t.Fatalf("OpenStore(sqlite) = %v", err)
	}
	defer s.Close()
	if _, ok := s.(interface{ EmbeddingDim() int }); !ok {
		t.Errorf("sqlite store has unexpected type %T", s)
	}
	if _, err := os.Stat(cfg.DBPath); err != nil {
		t.Errorf("database not created: %v", err)
	}
}
