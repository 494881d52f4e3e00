package graph

import "context"

// Record is one disease entry of the source dataset together with the
// names it links to. Departments come from Disease.CureDepartment.
type Record struct {
	Disease
	Symptoms         []string `json:"symptom"`
	Drugs            []string `json:"recommand_drug"`
	Checks           []string `json:"check"`
	GoodFoods        []string `json:"do_eat"`
	RecommendedFoods []string `json:"recommand_eat"`
	BadFoods         []string `json:"not_eat"`
	Complications    []string `json:"acompany"`
}

// Importer is implemented by stores that accept dataset records. Importing
// the same record twice leaves the graph unchanged.
type Importer interface {
	ImportDisease(ctx context.Context, rec Record) error
}

// IndexedNode is a node with its store-local identifier.
type IndexedNode struct {
	ID int64 `json:"id"`
	Node
}

// EmbeddingIndex is implemented by stores that keep node embeddings for
// the semantic linking fallback.
type EmbeddingIndex interface {
	// NodesWithoutEmbedding lists up to limit extractable nodes with an id
	// above afterID that have no embedding yet, in id order.
	NodesWithoutEmbedding(ctx context.Context, afterID int64, limit int) ([]IndexedNode, error)

	UpsertNodeEmbedding(ctx context.Context, id int64, embedding []float32) error
}
