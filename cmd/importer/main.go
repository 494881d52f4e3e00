// Command importer loads a disease dataset into the graph store and
// optionally indexes node embeddings for semantic linking.
//
//	importer -input data/medical.json
//	importer -input diseases.xlsx -backend neo4j
//	importer -input data/medical.json -embed
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/brunobiangulo/medgraph"
	"github.com/brunobiangulo/medgraph/graph"
	"github.com/brunobiangulo/medgraph/llm"
	"github.com/brunobiangulo/medgraph/neo4jgraph"
	"github.com/brunobiangulo/medgraph/parser"
	"github.com/brunobiangulo/medgraph/store"
)

func main() {
	var (
		input       = flag.String("input", "", "Dataset file (.json, .jsonl or .xlsx)")
		configPath  = flag.String("config", "", "Path to config file (JSON)")
		envFile     = flag.String("env", ".env", "Path to .env file; missing files are ignored")
		backend     = flag.String("backend", "", "Graph store: sqlite or neo4j (default from config)")
		dbPath      = flag.String("db", "", "SQLite database path override")
		embed       = flag.Bool("embed", false, "Index node embeddings after import")
		embedOnly   = flag.Bool("embed-only", false, "Skip the import and only index embeddings")
		concurrency = flag.Int("concurrency", 8, "Parallel record imports / embedding batches")
		quiet       = flag.Bool("quiet", false, "Disable the progress bar")
		verbose     = flag.Bool("v", false, "Debug logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if *input == "" && !*embedOnly {
		fmt.Fprintln(os.Stderr, "usage: importer -input <dataset> [-backend sqlite|neo4j] [-embed]")
		os.Exit(2)
	}

	cfg := medgraph.DefaultConfig()
	if *configPath != "" {
		data, err := os.ReadFile(*configPath)
		if err != nil {
			fatal("reading config", err)
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			fatal("parsing config", err)
		}
	}
	if err := medgraph.LoadEnv(&cfg, *envFile); err != nil {
		fatal("loading environment", err)
	}
	if *backend != "" {
		cfg.Backend = *backend
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s, err := medgraph.OpenStore(cfg)
	if err != nil {
		fatal("opening store", err)
	}
	defer s.Close()

	if n4, ok := s.(*neo4jgraph.Store); ok {
		if err := n4.EnsureSchema(ctx); err != nil {
			fatal("creating constraints", err)
		}
	}

	importer, ok := s.(graph.Importer)
	if !ok {
		fatal("opening store", fmt.Errorf("backend %q does not support imports", cfg.Backend))
	}
	index, _ := s.(graph.EmbeddingIndex)

	var embedder llm.Provider
	if *embed || *embedOnly {
		if index == nil {
			fatal("indexing embeddings", fmt.Errorf("backend %q keeps no embedding index", cfg.Backend))
		}
		if cfg.Embedding.Provider == "" {
			fatal("indexing embeddings", fmt.Errorf("no embedding provider configured (MEDGRAPH_EMBED_PROVIDER)"))
		}
		embedder, err = medgraph.NewProvider(cfg.Embedding)
		if err != nil {
			fatal("creating embedding provider", err)
		}
	}

	b := graph.NewBuilder(importer, index, embedder, *concurrency)

	if !*embedOnly {
		p, err := parser.NewRegistry().ForPath(*input)
		if err != nil {
			fatal("choosing parser", err)
		}
		parsed, err := p.Parse(ctx, *input)
		if err != nil {
			fatal("parsing dataset", err)
		}
		slog.Info("dataset parsed", "file", *input, "format", parsed.Method,
			"records", len(parsed.Records), "skipped", parsed.Skipped)

		bar := newBar(len(parsed.Records), "导入疾病", *quiet)
		b.OnProgress = func(n int) { bar.Add(n) }
		stats, err := b.Import(ctx, parsed.Records)
		bar.Finish()
		if err != nil {
			fatal("importing", err)
		}
		slog.Info("import complete", "imported", stats.Succeeded, "failed", stats.Failed,
			"elapsed", stats.Elapsed.Round(time.Millisecond))
	}

	if embedder != nil {
		bar := newBar(-1, "向量索引", *quiet)
		b.OnProgress = func(n int) { bar.Add(n) }
		stats, err := b.IndexEmbeddings(ctx)
		bar.Finish()
		if err != nil {
			fatal("indexing embeddings", err)
		}
		slog.Info("embedding index complete", "indexed", stats.Succeeded, "failed", stats.Failed,
			"elapsed", stats.Elapsed.Round(time.Millisecond))
	}

	if ss, ok := s.(*store.Store); ok {
		stats, err := ss.DBStats(ctx)
		if err != nil {
			fatal("reading stats", err)
		}
		out, _ := json.MarshalIndent(stats, "", "  ")
		fmt.Println(string(out))
	}
}

func newBar(total int, desc string, quiet bool) *progressbar.ProgressBar {
	if quiet {
		return progressbar.DefaultSilent(int64(total), desc)
	}
	return progressbar.Default(int64(total), desc)
}

func fatal(msg string, err error) {
	slog.Error(msg, "error", err)
	os.Exit(1)
}
