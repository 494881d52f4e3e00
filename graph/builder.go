package graph

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/brunobiangulo/medgraph/llm"
)

const (
	// defaultBuildConcurrency is the default semaphore size for parallel
	// imports and embedding batches.
	defaultBuildConcurrency = 8

	// embedBatchSize is how many node names go into one embedding request.
	embedBatchSize = 32

	// perBatchTimeout caps how long a single embedding request can take.
	perBatchTimeout = 90 * time.Second
)

// BuildStats summarizes an import or indexing run.
type BuildStats struct {
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Elapsed   time.Duration `json:"elapsed"`
}

// Builder loads dataset records into a store and indexes node embeddings.
type Builder struct {
	importer    Importer
	index       EmbeddingIndex
	embed       llm.Provider
	concurrency int

	// OnProgress, when set, is called after every finished record or node
	// with the number just finished. It may be called concurrently.
	OnProgress func(n int)
}

// NewBuilder creates a builder. index and embed may be nil when embeddings
// are not indexed.
func NewBuilder(importer Importer, index EmbeddingIndex, embed llm.Provider, concurrency int) *Builder {
	if concurrency <= 0 {
		concurrency = defaultBuildConcurrency
	}
	return &Builder{
		importer:    importer,
		index:       index,
		embed:       embed,
		concurrency: concurrency,
	}
}

// Import writes every record. A failing record is logged and counted; the
// run fails only when every record fails.
func (b *Builder) Import(ctx context.Context, records []Record) (BuildStats, error) {
	start := time.Now()
	if len(records) == 0 {
		return BuildStats{}, nil
	}

	slog.Info("graph: importing records", "total", len(records), "concurrency", b.concurrency)

	errs := b.bounded(ctx, len(records), func(ctx context.Context, i int) error {
		if err := b.importer.ImportDisease(ctx, records[i]); err != nil {
			return fmt.Errorf("record %q: %w", records[i].Name, err)
		}
		b.progress(1)
		return nil
	})

	stats := BuildStats{
		Succeeded: len(records) - len(errs),
		Failed:    len(errs),
		Elapsed:   time.Since(start),
	}
	if len(errs) == len(records) {
		return stats, fmt.Errorf("graph.Import: all %d records failed; first error: %w", len(records), errs[0])
	}
	if len(errs) > 0 {
		slog.Warn("graph: import completed with failures",
			"succeeded", stats.Succeeded, "failed", stats.Failed, "first_error", errs[0])
	}
	slog.Info("graph: import done", "records", stats.Succeeded, "elapsed", stats.Elapsed.Round(time.Millisecond))
	return stats, nil
}

// IndexEmbeddings embeds the names of all nodes that have no embedding.
// Each node is attempted once per run. The run fails only when nodes were
// pending and none could be indexed.
func (b *Builder) IndexEmbeddings(ctx context.Context) (BuildStats, error) {
	start := time.Now()
	if b.index == nil || b.embed == nil {
		return BuildStats{}, fmt.Errorf("graph.IndexEmbeddings: no embedding index or provider")
	}

	var (
		stats   BuildStats
		afterID int64
		first   error
	)
	for {
		nodes, err := b.index.NodesWithoutEmbedding(ctx, afterID, embedBatchSize*b.concurrency)
		if err != nil {
			return stats, fmt.Errorf("listing nodes without embedding: %w", err)
		}
		if len(nodes) == 0 {
			break
		}
		afterID = nodes[len(nodes)-1].ID

		var batches [][]IndexedNode
		for i := 0; i < len(nodes); i += embedBatchSize {
			end := min(i+embedBatchSize, len(nodes))
			batches = append(batches, nodes[i:end])
		}

		var mu sync.Mutex
		errs := b.bounded(ctx, len(batches), func(ctx context.Context, i int) error {
			n, err := b.embedBatch(ctx, batches[i])
			mu.Lock()
			stats.Succeeded += n
			stats.Failed += len(batches[i]) - n
			mu.Unlock()
			return err
		})
		if first == nil && len(errs) > 0 {
			first = errs[0]
		}
		slog.Info("graph: embedding round done",
			"indexed", stats.Succeeded, "failed", stats.Failed, "last_id", afterID)
	}

	stats.Elapsed = time.Since(start)
	if stats.Succeeded == 0 && stats.Failed > 0 {
		return stats, fmt.Errorf("graph.IndexEmbeddings: all %d nodes failed; first error: %w", stats.Failed, first)
	}
	if stats.Failed > 0 {
		slog.Warn("graph: indexing completed with failures",
			"succeeded", stats.Succeeded, "failed", stats.Failed, "first_error", first)
	}
	return stats, nil
}

// embedBatch embeds one batch of node names and stores the vectors. It
// returns how many nodes were stored.
func (b *Builder) embedBatch(ctx context.Context, nodes []IndexedNode) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, perBatchTimeout)
	defer cancel()

	texts := make([]string, len(nodes))
	for i, n := range nodes {
		texts[i] = n.Name
	}
	vecs, err := b.embed.Embed(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("embedding %d names: %w", len(texts), err)
	}
	if len(vecs) != len(nodes) {
		return 0, fmt.Errorf("embedding returned %d vectors for %d names", len(vecs), len(nodes))
	}

	stored := 0
	for i, n := range nodes {
		if err := b.index.UpsertNodeEmbedding(ctx, n.ID, vecs[i]); err != nil {
			return stored, fmt.Errorf("storing embedding for %q: %w", n.Name, err)
		}
		stored++
		b.progress(1)
	}
	return stored, nil
}

// bounded runs fn for 0..n-1 with at most b.concurrency calls in flight
// and returns the errors in completion order.
func (b *Builder) bounded(ctx context.Context, n int, fn func(ctx context.Context, i int) error) []error {
	var (
		mu   sync.Mutex
		wg   sync.WaitGroup
		sem  = make(chan struct{}, b.concurrency)
		errs []error
	)
	fail := func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				fail(ctx.Err())
				return
			}

			if err := fn(ctx, i); err != nil {
				slog.Warn("graph: build item failed", "index", i, "error", err)
				fail(err)
			}
		}(i)
	}
	wg.Wait()
	return errs
}

func (b *Builder) progress(n int) {
	if b.OnProgress != nil {
		b.OnProgress(n)
	}
}
