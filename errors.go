package medgraph

import "errors"

var (
	// ErrStoreUnavailable is returned when the graph store cannot be opened
	// or reached.
	ErrStoreUnavailable = errors.New("medgraph: graph store unavailable")

	// ErrInvalidConfig is returned for invalid configuration values.
	ErrInvalidConfig = errors.New("medgraph: invalid configuration")

	// ErrUnknownBackend is returned when Config.Backend names no store.
	ErrUnknownBackend = errors.New("medgraph: unknown store backend")

	// ErrLLMRequestFailed is returned when an LLM request fails.
	ErrLLMRequestFailed = errors.New("medgraph: LLM request failed")

	// ErrNotFound is returned by lookups exposed over the API when the
	// named node does not exist.
	ErrNotFound = errors.New("medgraph: not found")
)
