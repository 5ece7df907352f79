// Package config provides configuration loading and structs for the kioku server.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hyperjump/kioku/internal/classify"
	"github.com/hyperjump/kioku/internal/ranking"
	"github.com/hyperjump/kioku/internal/validation"
)

// Config holds all configuration for the application.
type Config struct {
	Debug      bool                  `yaml:"debug"`
	Server     ServerConfig          `yaml:"server"`
	Storage    StorageConfig         `yaml:"storage"`
	Vector     VectorConfig          `yaml:"vector"`
	Embedding  EmbeddingConfig       `yaml:"embedding"`
	Search     SearchConfig          `yaml:"search"`
	Enrichment EnrichmentConfig      `yaml:"enrichment"`
	Ranking    ranking.RankingConfig `yaml:"ranking"`
	Classify   ClassifyConfig        `yaml:"classify"`
	Validation validation.Config     `yaml:"validation"`
	Watch      WatchConfig           `yaml:"watch"`
}

// WatchConfig holds transcript directory watch settings.
type WatchConfig struct {
	Directories []string `yaml:"directories"`
	Extensions  []string `yaml:"extensions"`
	Recursive   *bool    `yaml:"recursive"`

	// Debounce is how long a transcript must be quiet before it is re-imported.
	Debounce time.Duration `yaml:"debounce"`
}

// RecursiveOrDefault returns whether to watch recursively; defaults to true when unset.
func (w *WatchConfig) RecursiveOrDefault() bool {
	if w.Recursive != nil {
		return *w.Recursive
	}
	return true
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// StorageConfig holds paths for the database and indices.
type StorageConfig struct {
	DatabasePath    string `yaml:"database_path"`
	BleveIndexPath  string `yaml:"bleve_index_path"`
	VectorIndexPath string `yaml:"vector_index_path"`
}

// VectorConfig selects and tunes the vector backend.
type VectorConfig struct {
	Backend      string       `yaml:"backend"` // memory | qdrant
	MaxBatchSize int          `yaml:"max_batch_size"`
	Qdrant       QdrantConfig `yaml:"qdrant"`
}

// QdrantConfig holds Qdrant connection settings.
type QdrantConfig struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	Collection string `yaml:"collection"`
}

// EmbeddingConfig holds ONNX embedder settings.
type EmbeddingConfig struct {
	ModelPath  string `yaml:"model_path"`
	Dimensions int    `yaml:"dimensions"`
	MaxTokens  int    `yaml:"max_tokens"`
	CacheSize  int    `yaml:"cache_size"`
}

// SearchConfig holds hybrid search settings.
type SearchConfig struct {
	DefaultLimit   int     `yaml:"default_limit"`
	MaxLimit       int     `yaml:"max_limit"`
	TopKCandidates int     `yaml:"top_k_candidates"`
	KeywordWeight  float64 `yaml:"keyword_weight"`
	SemanticWeight float64 `yaml:"semantic_weight"`
	PhraseBoost    float64 `yaml:"phrase_boost"`
	Fuzziness      int     `yaml:"fuzziness"`
	SnippetLength  int     `yaml:"snippet_length"`
}

// EnrichmentConfig holds orchestrator and worker pool settings.
type EnrichmentConfig struct {
	Workers        int           `yaml:"workers"`
	QueueSize      int           `yaml:"queue_size"`
	SessionBudget  time.Duration `yaml:"session_budget"`
	MaxRetries     int           `yaml:"max_retries"`
	RetryBackoff   time.Duration `yaml:"retry_backoff"`
	RescanInterval time.Duration `yaml:"rescan_interval"`
}

// ClassifyConfig overrides classifier thresholds. Pattern tables stay built in.
type ClassifyConfig struct {
	CandidateThreshold       float64 `yaml:"candidate_threshold"`
	TopicThreshold           float64 `yaml:"topic_threshold"`
	SentimentPatternFloor    float64 `yaml:"sentiment_pattern_floor"`
	SentimentConfidenceFloor float64 `yaml:"sentiment_confidence_floor"`
	SentimentCacheSize       int     `yaml:"sentiment_cache_size"`
}

// PipelineConfig returns the default classifier tables with c's thresholds applied.
func (c ClassifyConfig) PipelineConfig() classify.Config {
	cfg := classify.DefaultConfig()
	if c.CandidateThreshold > 0 {
		cfg.CandidateThreshold = c.CandidateThreshold
	}
	if c.TopicThreshold > 0 {
		cfg.Topic.Threshold = c.TopicThreshold
	}
	if c.SentimentPatternFloor > 0 {
		cfg.Sentiment.PatternFloor = c.SentimentPatternFloor
	}
	if c.SentimentConfidenceFloor > 0 {
		cfg.Sentiment.ConfidenceFloor = c.SentimentConfidenceFloor
	}
	if c.SentimentCacheSize > 0 {
		cfg.Sentiment.CacheSize = c.SentimentCacheSize
	}
	return cfg
}

// Load reads and parses the config file at path, expands paths, and applies defaults.
// Returns an error if the file cannot be read or parsed.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	ApplyDefaults(&cfg)

	configDir := filepath.Dir(path)
	cfg.Storage.DatabasePath = expandPath(cfg.Storage.DatabasePath, configDir)
	cfg.Storage.BleveIndexPath = expandPath(cfg.Storage.BleveIndexPath, configDir)
	cfg.Storage.VectorIndexPath = expandPath(cfg.Storage.VectorIndexPath, configDir)
	if cfg.Embedding.ModelPath != "" {
		cfg.Embedding.ModelPath = expandPath(cfg.Embedding.ModelPath, configDir)
	}
	for i := range cfg.Watch.Directories {
		cfg.Watch.Directories[i] = expandPath(cfg.Watch.Directories[i], configDir)
	}

	return &cfg, nil
}

// Save writes the config to path.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// expandPath converts a path to absolute. Paths starting with "./" are relative to configDir;
// "~/" and other relative paths are relative to the home directory.
func expandPath(path string, configDir string) string {
	if filepath.IsAbs(path) {
		return path
	}
	if strings.HasPrefix(path, "./") || path == "." {
		return filepath.Join(configDir, path)
	}
	path = strings.TrimPrefix(path, "~/")
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, path)
	}
	return path
}
