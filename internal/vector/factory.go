package vector

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// BackendType selects a vector backend implementation.
type BackendType string

const (
	// BackendMemory uses in-memory brute-force search. Good for small histories.
	BackendMemory BackendType = "memory"
	// BackendQdrant stores vectors in a Qdrant server.
	BackendQdrant BackendType = "qdrant"
)

// Options configures NewBackend.
type Options struct {
	Type       string
	Dimensions int
	MaxBatch   int
	// IndexPath is where the memory backend is loaded from and saved to.
	IndexPath string
	Qdrant    QdrantConfig
	Logger    *zap.Logger
}

// NewBackend creates a vector backend of the configured type.
// Supported types: "memory" (default), "qdrant".
func NewBackend(ctx context.Context, opts Options) (Backend, error) {
	switch BackendType(opts.Type) {
	case BackendMemory, "":
		idx, err := NewMemoryIndex(opts.Dimensions, opts.MaxBatch)
		if err != nil {
			return nil, err
		}
		if err := idx.Load(opts.IndexPath); err != nil {
			return nil, fmt.Errorf("load vector index: %w", err)
		}
		return idx, nil
	case BackendQdrant:
		q := opts.Qdrant
		q.Dimensions = opts.Dimensions
		q.MaxBatch = opts.MaxBatch
		b, err := NewQdrantBackend(ctx, q, opts.Logger)
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unknown vector backend: %s (supported: memory, qdrant)", opts.Type)
	}
}
