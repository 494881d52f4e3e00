package graph

import "context"

// Store is the read side of the medical knowledge graph. Implementations
// must be safe for concurrent use.
//
// Lookups that find nothing return (nil, false, nil); an error is reserved
// for an unreachable or failing backend.
type Store interface {
	// SearchNodes returns nodes whose name contains keyword. An empty label
	// searches all labels. Results are ordered exact name first, then by
	// name length, then by name.
	SearchNodes(ctx context.Context, keyword string, label Label, limit int) ([]Node, error)

	// FindDiseasesBySymptoms ranks diseases by the summed HAS_SYMPTOM weight
	// over the given symptom names, then by matched symptom count.
	FindDiseasesBySymptoms(ctx context.Context, symptoms []string, limit int) ([]DiseaseMatch, error)

	// DiseaseContext fetches the one-hop neighbourhood of a disease.
	DiseaseContext(ctx context.Context, name string) (*DiseaseContext, bool, error)

	// Disease fetches a disease's own attributes.
	Disease(ctx context.Context, name string) (*Disease, bool, error)

	// Drug fetches a drug by exact name.
	Drug(ctx context.Context, name string) (*Drug, bool, error)

	// DrugsByDisease lists drugs recommended for a disease.
	DrugsByDisease(ctx context.Context, disease string) ([]DrugUse, error)

	Close() error
}

// SemanticSearcher is implemented by stores that index node embeddings.
type SemanticSearcher interface {
	// NearestNodes returns up to k nodes ordered by ascending distance to
	// the query vector.
	NearestNodes(ctx context.Context, embedding []float32, k int) ([]ScoredNode, error)
}

// ScoredNode is a node returned by a vector search.
type ScoredNode struct {
	Node
	Distance float64 `json:"distance"`
}

// QueryLogger is implemented by stores that keep a query audit log.
type QueryLogger interface {
	LogQuery(ctx context.Context, entry QueryLogEntry) error
}

// QueryLogEntry is one row of the query audit log.
type QueryLogEntry struct {
	Question         string
	Answer           string
	Strategy         string
	Entities         any
	Citations        any
	ModelUsed        string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	ElapsedMs        int64
}
