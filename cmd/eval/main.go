// Command eval scores the question-answering pipeline against a question
// set, using the configured graph store and chat model.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/brunobiangulo/medgraph"
	"github.com/brunobiangulo/medgraph/eval"
)

// stringSlice implements flag.Value for multi-value string flags.
type stringSlice []string

func (s *stringSlice) String() string { return strings.Join(*s, ", ") }
func (s *stringSlice) Set(val string) error {
	*s = append(*s, val)
	return nil
}

func main() {
	var datasetFiles stringSlice

	var (
		configPath   = flag.String("config", "", "Path to config file (JSON)")
		envFile      = flag.String("env", ".env", "Path to .env file; missing files are ignored")
		backend      = flag.String("backend", "", "Graph store: sqlite or neo4j (default from config)")
		dbPath       = flag.String("db", "", "SQLite database path override")
		chatProvider = flag.String("chat-provider", "", "Chat LLM provider override")
		chatModel    = flag.String("chat-model", "", "Chat model override")
		noGenerate   = flag.Bool("no-generate", false, "Score extraction and linking only; skip answer generation")
		maxTests     = flag.Int("max-tests", 0, "Max tests per dataset (0=all)")
		outputDir    = flag.String("output-dir", "eval-runs", "Directory for run reports")
		timeout      = flag.Duration("timeout", 30*time.Minute, "Overall run timeout")
	)
	flag.Var(&datasetFiles, "dataset", "Path to dataset JSON file (repeatable; default: built-in set)")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))

	cfg := medgraph.DefaultConfig()
	if *configPath != "" {
		data, err := os.ReadFile(*configPath)
		if err != nil {
			log.Fatalf("reading config: %v", err)
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			log.Fatalf("parsing config: %v", err)
		}
	}
	if err := medgraph.LoadEnv(&cfg, *envFile); err != nil {
		log.Fatalf("loading environment: %v", err)
	}
	if *backend != "" {
		cfg.Backend = *backend
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if *chatProvider != "" {
		cfg.Chat.Provider = *chatProvider
	}
	if *chatModel != "" {
		cfg.Chat.Model = *chatModel
	}
	// Evaluation questions must not pollute the audit log.
	cfg.LogQueries = false

	var datasets []eval.Dataset
	if len(datasetFiles) == 0 {
		datasets = append(datasets, eval.MedicalDataset())
	}
	for _, f := range datasetFiles {
		ds, err := eval.LoadDataset(f)
		if err != nil {
			log.Fatalf("loading dataset: %v", err)
		}
		datasets = append(datasets, ds)
	}
	if *maxTests > 0 {
		for i := range datasets {
			if len(datasets[i].Tests) > *maxTests {
				datasets[i].Tests = datasets[i].Tests[:*maxTests]
			}
		}
	}

	engine, err := medgraph.New(cfg)
	if err != nil {
		log.Fatalf("creating engine: %v", err)
	}
	defer engine.Close()

	var opts []medgraph.QueryOption
	if *noGenerate {
		opts = append(opts, medgraph.WithoutGeneration())
	}

	runDir := filepath.Join(*outputDir, time.Now().Format("20060102-150405"))
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		log.Fatalf("creating run directory: %v", err)
	}
	writeJSON(filepath.Join(runDir, "metadata.json"), map[string]any{
		"backend":     cfg.Backend,
		"chat":        cfg.Chat.Provider + "/" + cfg.Chat.Model,
		"embedding":   cfg.Embedding.Provider + "/" + cfg.Embedding.Model,
		"no_generate": *noGenerate,
		"datasets":    len(datasets),
		"started_at":  time.Now().Format(time.RFC3339),
	})

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	evaluator := eval.NewEvaluator(engine)
	var reports []*eval.Report
	for _, ds := range datasets {
		report, err := evaluator.Run(ctx, ds, opts...)
		if err != nil {
			log.Fatalf("running %s: %v", ds.Name, err)
		}
		fmt.Println(eval.FormatReport(report))
		reports = append(reports, report)
	}

	reportPath := filepath.Join(runDir, "eval-report.json")
	writeJSON(reportPath, reports)
	fmt.Fprintf(os.Stderr, "Eval report written to: %s\n", reportPath)

	fmt.Println("=== Summary ===")
	totalPassed, totalTests := 0, 0
	for _, r := range reports {
		totalPassed += r.Passed
		totalTests += r.TotalTests
		rate := 0.0
		if r.TotalTests > 0 {
			rate = float64(r.Passed) / float64(r.TotalTests) * 100
		}
		fmt.Printf("  %-45s %d/%d (%.1f%%)\n", r.Dataset, r.Passed, r.TotalTests, rate)
	}
	if totalTests > 0 {
		fmt.Printf("  %-45s %d/%d (%.1f%%)\n", "TOTAL", totalPassed, totalTests,
			float64(totalPassed)/float64(totalTests)*100)
	}
}

func writeJSON(path string, v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		log.Fatalf("encoding %s: %v", path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		log.Fatalf("writing %s: %v", path, err)
	}
}
