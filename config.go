package medgraph

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cast"
)

// Store backends.
const (
	BackendSQLite = "sqlite"
	BackendNeo4j  = "neo4j"
)

// Config holds all configuration for the medgraph engine.
type Config struct {
	// Backend selects the graph store: "sqlite" (default) or "neo4j".
	Backend string `json:"backend" yaml:"backend"`

	// DBPath is the full path to the SQLite database file.
	// If empty, defaults to ~/.medgraph/<DBName>.db
	DBPath string `json:"db_path" yaml:"db_path"`

	// DBName is the name for the database (used when DBPath is empty).
	DBName string `json:"db_name" yaml:"db_name"`

	// StorageDir controls where the database is created when DBPath
	// is not explicitly set: "home" (default) uses ~/.medgraph/,
	// "local" uses the current working directory.
	StorageDir string `json:"storage_dir" yaml:"storage_dir"`

	Neo4j Neo4jConfig `json:"neo4j" yaml:"neo4j"`

	// LLM providers. Embedding is optional; without it mentions that
	// match no node name are not looked up by vector.
	Chat      LLMConfig `json:"chat" yaml:"chat"`
	Embedding LLMConfig `json:"embedding" yaml:"embedding"`

	// Embedding dimensions (must match model)
	EmbeddingDim int `json:"embedding_dim" yaml:"embedding_dim"`

	// Generation
	Temperature float64 `json:"temperature" yaml:"temperature"`
	MaxTokens   int     `json:"max_tokens" yaml:"max_tokens"`

	// ExpandConcurrency bounds parallel disease context fetches (default 4).
	ExpandConcurrency int `json:"expand_concurrency" yaml:"expand_concurrency"`

	// QueryTimeoutSeconds bounds one Query call end to end; zero means no
	// bound beyond the caller's context.
	QueryTimeoutSeconds int `json:"query_timeout_seconds" yaml:"query_timeout_seconds"`

	// SemanticThreshold is the largest vector distance the semantic
	// linking fallback accepts.
	SemanticThreshold float64 `json:"semantic_threshold" yaml:"semantic_threshold"`

	// LogQueries appends every answered question to the store's audit log
	// when the store keeps one.
	LogQueries bool `json:"log_queries" yaml:"log_queries"`
}

// Neo4jConfig locates a Neo4j server.
type Neo4jConfig struct {
	URI      string `json:"uri" yaml:"uri"`
	User     string `json:"user" yaml:"user"`
	Password string `json:"password" yaml:"password"`
	Database string `json:"database" yaml:"database"`
}

// LLMConfig configures a single LLM provider endpoint.
type LLMConfig struct {
	Provider       string `json:"provider" yaml:"provider"` // deepseek, openai, ollama, custom
	Model          string `json:"model" yaml:"model"`
	BaseURL        string `json:"base_url" yaml:"base_url"`
	APIKey         string `json:"api_key" yaml:"api_key"`
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds"`
	MaxRetries     int    `json:"max_retries" yaml:"max_retries"`
}

// DefaultConfig returns a Config that talks to DeepSeek and keeps the graph
// in ~/.medgraph/medgraph.db.
func DefaultConfig() Config {
	return Config{
		Backend:    BackendSQLite,
		DBName:     "medgraph",
		StorageDir: "home",
		Neo4j: Neo4jConfig{
			URI:  "bolt://localhost:7687",
			User: "neo4j",
		},
		Chat: LLMConfig{
			Provider: "deepseek",
			Model:    "deepseek-chat",
			BaseURL:  "https://api.deepseek.com",
		},
		EmbeddingDim:      1024,
		Temperature:       0.3,
		MaxTokens:         2000,
		ExpandConcurrency: 4,
		SemanticThreshold: 0.35,
		LogQueries:        true,
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch c.Backend {
	case "", BackendSQLite:
	case BackendNeo4j:
		if c.Neo4j.URI == "" {
			return fmt.Errorf("%w: neo4j backend requires neo4j.uri", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownBackend, c.Backend)
	}
	if c.Chat.Provider == "" {
		return fmt.Errorf("%w: chat provider not set", ErrInvalidConfig)
	}
	if c.Embedding.Provider != "" && c.EmbeddingDim <= 0 {
		return fmt.Errorf("%w: embedding_dim must be positive", ErrInvalidConfig)
	}
	if c.ExpandConcurrency < 0 {
		return fmt.Errorf("%w: expand_concurrency must not be negative", ErrInvalidConfig)
	}
	if c.SemanticThreshold < 0 || c.SemanticThreshold > 2 {
		return fmt.Errorf("%w: semantic_threshold must be within [0,2]", ErrInvalidConfig)
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("%w: temperature must be within [0,2]", ErrInvalidConfig)
	}
	return nil
}

// resolveDBPath computes the final database path from config fields.
func (c *Config) resolveDBPath() string {
	if c.DBPath != "" {
		return c.DBPath
	}

	name := c.DBName
	if name == "" {
		name = "medgraph"
	}

	switch c.StorageDir {
	case "local", "cwd":
		return name + ".db"
	default: // "home" or empty
		home, err := os.UserHomeDir()
		if err != nil {
			return name + ".db"
		}
		return filepath.Join(home, ".medgraph", name+".db")
	}
}

// LoadEnv loads .env files (".env" when none are given; missing files are
// skipped) and then overrides cfg from the environment. Variables already
// set in the process environment win over .env values.
//
// Recognized variables: MEDGRAPH_BACKEND, MEDGRAPH_DB_PATH, MEDGRAPH_DB_NAME,
// MEDGRAPH_STORAGE_DIR, MEDGRAPH_CHAT_{PROVIDER,MODEL,BASE_URL,API_KEY},
// MEDGRAPH_EMBED_{PROVIDER,MODEL,BASE_URL,API_KEY}, MEDGRAPH_EMBEDDING_DIM,
// MEDGRAPH_EXPAND_CONCURRENCY, MEDGRAPH_SEMANTIC_THRESHOLD,
// MEDGRAPH_QUERY_TIMEOUT, MEDGRAPH_LOG_QUERIES, NEO4J_URI (or NEO4J_HOST and
// NEO4J_PORT), NEO4J_USER, NEO4J_PASSWORD, NEO4J_DATABASE, DEEPSEEK_API_KEY,
// DEEPSEEK_BASE_URL, DEEPSEEK_MODEL and OPENAI_API_KEY.
func LoadEnv(cfg *Config, files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: loading %s: %v", ErrInvalidConfig, f, err)
		}
	}

	setString(&cfg.Backend, "MEDGRAPH_BACKEND")
	setString(&cfg.DBPath, "MEDGRAPH_DB_PATH")
	setString(&cfg.DBName, "MEDGRAPH_DB_NAME")
	setString(&cfg.StorageDir, "MEDGRAPH_STORAGE_DIR")

	// Provider-native variables first so MEDGRAPH_* can override them.
	if cfg.Chat.Provider == "deepseek" {
		setString(&cfg.Chat.APIKey, "DEEPSEEK_API_KEY")
		setString(&cfg.Chat.BaseURL, "DEEPSEEK_BASE_URL")
		setString(&cfg.Chat.Model, "DEEPSEEK_MODEL")
	}
	setString(&cfg.Chat.Provider, "MEDGRAPH_CHAT_PROVIDER")
	setString(&cfg.Chat.Model, "MEDGRAPH_CHAT_MODEL")
	setString(&cfg.Chat.BaseURL, "MEDGRAPH_CHAT_BASE_URL")
	setString(&cfg.Chat.APIKey, "MEDGRAPH_CHAT_API_KEY")

	setString(&cfg.Embedding.Provider, "MEDGRAPH_EMBED_PROVIDER")
	setString(&cfg.Embedding.Model, "MEDGRAPH_EMBED_MODEL")
	setString(&cfg.Embedding.BaseURL, "MEDGRAPH_EMBED_BASE_URL")
	setString(&cfg.Embedding.APIKey, "MEDGRAPH_EMBED_API_KEY")

	for _, l := range []*LLMConfig{&cfg.Chat, &cfg.Embedding} {
		if l.APIKey == "" && l.Provider == "openai" {
			l.APIKey = os.Getenv("OPENAI_API_KEY")
		}
	}

	if v := os.Getenv("NEO4J_URI"); v != "" {
		cfg.Neo4j.URI = v
	} else if host := os.Getenv("NEO4J_HOST"); host != "" {
		port := os.Getenv("NEO4J_PORT")
		if port == "" {
			port = "7687"
		}
		cfg.Neo4j.URI = "bolt://" + host + ":" + port
	}
	setString(&cfg.Neo4j.User, "NEO4J_USER")
	setString(&cfg.Neo4j.Password, "NEO4J_PASSWORD")
	setString(&cfg.Neo4j.Database, "NEO4J_DATABASE")

	if err := setInt(&cfg.EmbeddingDim, "MEDGRAPH_EMBEDDING_DIM"); err != nil {
		return err
	}
	if err := setInt(&cfg.ExpandConcurrency, "MEDGRAPH_EXPAND_CONCURRENCY"); err != nil {
		return err
	}
	if err := setInt(&cfg.QueryTimeoutSeconds, "MEDGRAPH_QUERY_TIMEOUT"); err != nil {
		return err
	}
	if v, ok := lookup("MEDGRAPH_SEMANTIC_THRESHOLD"); ok {
		f, err := cast.ToFloat64E(v)
		if err != nil {
			return fmt.Errorf("%w: MEDGRAPH_SEMANTIC_THRESHOLD: %v", ErrInvalidConfig, err)
		}
		cfg.SemanticThreshold = f
	}
	if v, ok := lookup("MEDGRAPH_LOG_QUERIES"); ok {
		b, err := cast.ToBoolE(v)
		if err != nil {
			return fmt.Errorf("%w: MEDGRAPH_LOG_QUERIES: %v", ErrInvalidConfig, err)
		}
		cfg.LogQueries = b
	}
	return nil
}

func lookup(key string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	return v, v != ""
}

func setString(dst *string, key string) {
	if v, ok := lookup(key); ok {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v, ok := lookup(key)
	if !ok {
		return nil
	}
	n, err := cast.ToIntE(v)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, key, err)
	}
	*dst = n
	return nil
}
