package config

import (
	"time"

	"github.com/hyperjump/kioku/internal/validation"
)

// ApplyDefaults sets default values for any zero values in cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8765
	}
	if cfg.Storage.DatabasePath == "" {
		cfg.Storage.DatabasePath = ".kioku/data/kioku.db"
	}
	if cfg.Storage.BleveIndexPath == "" {
		cfg.Storage.BleveIndexPath = ".kioku/data/indices/bleve"
	}
	if cfg.Storage.VectorIndexPath == "" {
		cfg.Storage.VectorIndexPath = ".kioku/data/indices/vectors.bin"
	}
	if cfg.Vector.Backend == "" {
		cfg.Vector.Backend = "memory"
	}
	if cfg.Vector.MaxBatchSize == 0 {
		cfg.Vector.MaxBatchSize = 256
	}
	if cfg.Vector.Qdrant.Host == "" {
		cfg.Vector.Qdrant.Host = "localhost"
	}
	if cfg.Vector.Qdrant.Port == 0 {
		cfg.Vector.Qdrant.Port = 6334
	}
	if cfg.Vector.Qdrant.Collection == "" {
		cfg.Vector.Qdrant.Collection = "kioku_messages"
	}
	if cfg.Embedding.Dimensions == 0 {
		cfg.Embedding.Dimensions = 384
	}
	if cfg.Embedding.MaxTokens == 0 {
		cfg.Embedding.MaxTokens = 256
	}
	if cfg.Embedding.CacheSize == 0 {
		cfg.Embedding.CacheSize = 10000
	}
	if cfg.Search.DefaultLimit == 0 {
		cfg.Search.DefaultLimit = 10
	}
	if cfg.Search.MaxLimit == 0 {
		cfg.Search.MaxLimit = 100
	}
	if cfg.Search.TopKCandidates == 0 {
		cfg.Search.TopKCandidates = 100
	}
	if cfg.Search.KeywordWeight == 0 && cfg.Search.SemanticWeight == 0 {
		cfg.Search.KeywordWeight = 0.4
		cfg.Search.SemanticWeight = 0.6
	}
	if cfg.Search.PhraseBoost == 0 {
		cfg.Search.PhraseBoost = 1.5
	}
	if cfg.Search.Fuzziness == 0 {
		cfg.Search.Fuzziness = 1
	}
	if cfg.Search.SnippetLength == 0 {
		cfg.Search.SnippetLength = 240
	}
	if cfg.Enrichment.Workers == 0 {
		cfg.Enrichment.Workers = 2
	}
	if cfg.Enrichment.QueueSize == 0 {
		cfg.Enrichment.QueueSize = 256
	}
	if cfg.Enrichment.SessionBudget == 0 {
		cfg.Enrichment.SessionBudget = 30 * time.Second
	}
	if cfg.Enrichment.MaxRetries == 0 {
		cfg.Enrichment.MaxRetries = 3
	}
	if cfg.Enrichment.RetryBackoff == 0 {
		cfg.Enrichment.RetryBackoff = 200 * time.Millisecond
	}
	if cfg.Enrichment.RescanInterval == 0 {
		cfg.Enrichment.RescanInterval = 15 * time.Minute
	}
	cfg.Ranking.ApplyDefaults()
	if cfg.Validation == (validation.Config{}) {
		cfg.Validation = validation.DefaultConfig()
	}
	if cfg.Watch.Extensions == nil {
		cfg.Watch.Extensions = []string{".jsonl"}
	}
	if cfg.Watch.Debounce <= 0 {
		cfg.Watch.Debounce = 400 * time.Millisecond
	}
	// Recursive defaults to true when unset (nil).
	if len(cfg.Watch.Directories) > 0 && cfg.Watch.Recursive == nil {
		t := true
		cfg.Watch.Recursive = &t
	}
}
