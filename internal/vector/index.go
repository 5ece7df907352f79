// Package vector provides message vector backends and a factory for creating them.
package vector

import (
	"context"

	"github.com/hyperjump/kioku/internal/batch"
	"github.com/hyperjump/kioku/internal/models"
)

// Backend stores message vectors with a metadata payload and answers similarity queries.
// Add and UpsertMetadata return *batch.LimitError when a call carries more records
// than MaxBatchSize.
type Backend interface {
	Add(ctx context.Context, ids []string, vectors [][]float32, payloads []map[string]any) error
	UpsertMetadata(ctx context.Context, records []MetadataRecord) error
	QueryByEmbedding(ctx context.Context, query []float32, k int) ([]models.BaseResult, error)
	MaxBatchSize() int
	Size() int
	Close() error
}

// MetadataRecord is a payload update for one stored message vector.
type MetadataRecord struct {
	ID      string
	Payload map[string]any
}

// Payload returns the searchable payload mirrored for a message's metadata.
func Payload(meta *models.EnrichedMetadata) map[string]any {
	return map[string]any{
		"message_id":            meta.MessageID,
		"session_id":            meta.SessionID,
		"project":               meta.Project,
		"role":                  string(meta.Role),
		"primary_topic":         meta.PrimaryTopic,
		"quality_score":         meta.QualityScore,
		"candidate_solution":    meta.CandidateSolution,
		"sentiment":             string(meta.Sentiment),
		"technical_domain":      string(meta.TechnicalDomain),
		"validation_state":      string(meta.ValidationState),
		"validation_confidence": meta.ValidationConfidence,
	}
}

// MessagePayload returns the initial payload stored alongside a message vector.
func MessagePayload(msg *models.Message) map[string]any {
	return map[string]any{
		"message_id": msg.ID,
		"session_id": msg.SessionID,
		"project":    msg.Project,
		"role":       string(msg.Role),
	}
}

// MetadataRecords converts metadata into payload updates.
func MetadataRecords(metas []*models.EnrichedMetadata) []MetadataRecord {
	out := make([]MetadataRecord, len(metas))
	for i, m := range metas {
		out[i] = MetadataRecord{ID: m.MessageID, Payload: Payload(m)}
	}
	return out
}

func checkBatch(n, limit int) error {
	if limit > 0 && n > limit {
		return &batch.LimitError{Max: limit, Got: n}
	}
	return nil
}
