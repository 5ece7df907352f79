package server

import (
	"context"
	"fmt"

	"github.com/hyperjump/kioku/internal/config"
	"github.com/hyperjump/kioku/internal/storage"
	"github.com/hyperjump/kioku/internal/vector"
)

// Status is the store and index summary reported by /api/v1/status and `kioku status`.
type Status struct {
	Stats           *storage.Stats     `json:"stats"`
	VectorIndexSize int                `json:"vector_index_size"`
	Disk            *storage.DiskUsage `json:"disk_usage,omitempty"`
	QueuePending    int                `json:"queue_pending"`
	Config          map[string]any     `json:"config"`
}

// CollectStatus gathers store statistics, vector index size, disk usage and the
// effective configuration. vectors and cfg may be nil.
func CollectStatus(ctx context.Context, store storage.Storage, vectors vector.Backend, cfg *config.Config) (*Status, error) {
	stats, err := store.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read stats: %w", err)
	}
	st := &Status{Stats: stats, Config: map[string]any{}}
	if vectors != nil {
		st.VectorIndexSize = vectors.Size()
	}
	if cfg == nil {
		return st, nil
	}
	st.Config["vector_backend"] = cfg.Vector.Backend
	st.Config["embedding_dimensions"] = cfg.Embedding.Dimensions
	st.Config["database_path"] = cfg.Storage.DatabasePath
	st.Config["bleve_index_path"] = cfg.Storage.BleveIndexPath
	st.Config["session_budget"] = cfg.Enrichment.SessionBudget.String()
	st.Config["workers"] = cfg.Enrichment.Workers
	st.Config["max_amplification"] = cfg.Ranking.MaxAmplification

	paths := []string{cfg.Storage.DatabasePath, cfg.Storage.BleveIndexPath}
	if cfg.Vector.Backend == string(vector.BackendMemory) {
		paths = append(paths, cfg.Storage.VectorIndexPath)
		st.Config["vector_index_path"] = cfg.Storage.VectorIndexPath
	}
	if usage, err := storage.MeasureDisk(paths...); err == nil {
		st.Disk = usage
	}
	return st, nil
}
