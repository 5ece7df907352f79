// Package storage persists transcripts, enriched metadata, adjacency links,
// feedback events and enrichment runs.
package storage

import (
	"context"
	"errors"

	"github.com/hyperjump/kioku/internal/models"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Storage defines transcript and metadata persistence operations.
type Storage interface {
	// Transcript operations. Messages are immutable once saved.
	SaveMessages(ctx context.Context, msgs []*models.Message) (int, error)
	ReadSession(ctx context.Context, sessionID string) ([]*models.Message, error)
	ListSessions(ctx context.Context) ([]string, error)
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	GetMessages(ctx context.Context, ids []string) (map[string]*models.Message, error)

	// Metadata operations
	UpsertMetadata(ctx context.Context, metas []*models.EnrichedMetadata) error
	GetMetadata(ctx context.Context, ids []string) (map[string]*models.EnrichedMetadata, error)
	GetSessionMetadata(ctx context.Context, sessionID string) ([]*models.EnrichedMetadata, error)
	UpsertLinks(ctx context.Context, records []models.LinkRecord) error

	// Feedback and runs
	AddFeedbackEvent(ctx context.Context, ev *models.FeedbackEvent) error
	ListFeedbackEvents(ctx context.Context, sessionID string) ([]*models.FeedbackEvent, error)
	SaveEnrichmentRun(ctx context.Context, res *models.EnrichmentResult) error
	LastEnrichmentRun(ctx context.Context, sessionID string) (*models.EnrichmentResult, error)

	// Stats
	Stats(ctx context.Context) (*Stats, error)

	Close() error
}

// Stats summarises the store.
type Stats struct {
	Sessions        int64                            `json:"sessions"`
	Messages        int64                            `json:"messages"`
	Enriched        int64                            `json:"enriched"`
	Links           int64                            `json:"links"`
	FeedbackEvents  int64                            `json:"feedback_events"`
	EnrichmentRuns  int64                            `json:"enrichment_runs"`
	ValidationState map[models.ValidationState]int64 `json:"validation_states"`
}
