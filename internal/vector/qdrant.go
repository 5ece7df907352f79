package vector

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"go.uber.org/zap"

	"github.com/hyperjump/kioku/internal/models"
)

// pointNamespace derives stable Qdrant point IDs from message IDs.
var pointNamespace = uuid.MustParse("8f0b7a52-54a4-4c1e-9d0c-2f5b3c1e6a11")

// QdrantConfig holds connection settings for a Qdrant backend.
type QdrantConfig struct {
	Host       string
	Port       int
	Collection string
	Dimensions int
	MaxBatch   int
}

// QdrantBackend stores message vectors in a Qdrant collection.
type QdrantBackend struct {
	client     *qdrant.Client
	collection string
	dimensions int
	maxBatch   int
	logger     *zap.Logger
}

// NewQdrantBackend connects to Qdrant and creates the collection if it does not exist.
func NewQdrantBackend(ctx context.Context, cfg QdrantConfig, logger *zap.Logger) (*QdrantBackend, error) {
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("dimensions must be positive")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := qdrant.NewClient(&qdrant.Config{
		Host: cfg.Host,
		Port: cfg.Port,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to qdrant: %w", err)
	}
	b := &QdrantBackend{
		client:     client,
		collection: cfg.Collection,
		dimensions: cfg.Dimensions,
		maxBatch:   cfg.MaxBatch,
		logger:     logger,
	}
	if err := b.ensureCollection(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return b, nil
}

func (b *QdrantBackend) ensureCollection(ctx context.Context) error {
	existing, err := b.client.ListCollections(ctx)
	if err != nil {
		return fmt.Errorf("failed to list collections: %w", err)
	}
	for _, name := range existing {
		if name == b.collection {
			return nil
		}
	}
	err = b.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: b.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(b.dimensions),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("failed to create collection %s: %w", b.collection, err)
	}
	b.logger.Info("created qdrant collection", zap.String("collection", b.collection), zap.Int("dimensions", b.dimensions))
	return nil
}

// PointID returns the Qdrant point UUID for a message ID.
func PointID(messageID string) string {
	return uuid.NewSHA1(pointNamespace, []byte(messageID)).String()
}

// MaxBatchSize returns the per-write record ceiling.
func (b *QdrantBackend) MaxBatchSize() int {
	return b.maxBatch
}

// Add upserts message vectors. The message ID is always stored in the payload.
func (b *QdrantBackend) Add(ctx context.Context, ids []string, vectors [][]float32, payloads []map[string]any) error {
	if len(ids) != len(vectors) {
		return fmt.Errorf("ids and vectors length mismatch")
	}
	if payloads != nil && len(payloads) != len(ids) {
		return fmt.Errorf("ids and payloads length mismatch")
	}
	if err := checkBatch(len(ids), b.maxBatch); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	points := make([]*qdrant.PointStruct, len(ids))
	for i, id := range ids {
		if len(vectors[i]) != b.dimensions {
			return fmt.Errorf("vector dimension mismatch: got %d, expected %d", len(vectors[i]), b.dimensions)
		}
		payload := map[string]any{}
		if payloads != nil {
			for k, v := range payloads[i] {
				payload[k] = v
			}
		}
		payload["message_id"] = id
		points[i] = &qdrant.PointStruct{
			Id:      qdrant.NewID(PointID(id)),
			Vectors: qdrant.NewVectors(vectors[i]...),
			Payload: qdrant.NewValueMap(payload),
		}
	}
	_, err := b.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: b.collection,
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("failed to upsert points: %w", err)
	}
	return nil
}

// UpsertMetadata sets payload fields on existing points, one request per record.
func (b *QdrantBackend) UpsertMetadata(ctx context.Context, records []MetadataRecord) error {
	if err := checkBatch(len(records), b.maxBatch); err != nil {
		return err
	}
	for _, r := range records {
		_, err := b.client.SetPayload(ctx, &qdrant.SetPayloadPoints{
			CollectionName: b.collection,
			Payload:        qdrant.NewValueMap(r.Payload),
			PointsSelector: &qdrant.PointsSelector{
				PointsSelectorOneOf: &qdrant.PointsSelector_Points{
					Points: &qdrant.PointsIdsList{
						Ids: []*qdrant.PointId{qdrant.NewID(PointID(r.ID))},
					},
				},
			},
		})
		if err != nil {
			return fmt.Errorf("failed to set payload for %s: %w", r.ID, err)
		}
	}
	return nil
}

// QueryByEmbedding returns the top-k messages by cosine similarity.
func (b *QdrantBackend) QueryByEmbedding(ctx context.Context, query []float32, k int) ([]models.BaseResult, error) {
	if len(query) != b.dimensions {
		return nil, fmt.Errorf("query dimension mismatch: got %d, expected %d", len(query), b.dimensions)
	}
	if k <= 0 {
		return nil, nil
	}
	limit := uint64(k)
	hits, err := b.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: b.collection,
		Query:          qdrant.NewQuery(query...),
		Limit:          &limit,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query qdrant: %w", err)
	}
	results := make([]models.BaseResult, 0, len(hits))
	for _, hit := range hits {
		id := hit.GetPayload()["message_id"].GetStringValue()
		if id == "" {
			continue
		}
		results = append(results, models.BaseResult{ID: id, BaseSimilarity: float64(hit.GetScore())})
	}
	return results, nil
}

// Size returns the number of points in the collection, or 0 when it cannot be counted.
func (b *QdrantBackend) Size() int {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	exact := true
	n, err := b.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: b.collection,
		Exact:          &exact,
	})
	if err != nil {
		b.logger.Warn("failed to count points", zap.Error(err))
		return 0
	}
	return int(n)
}

// Close closes the client connection.
func (b *QdrantBackend) Close() error {
	return b.client.Close()
}
