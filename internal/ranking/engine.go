package ranking

import (
	"context"
	"fmt"
	"sort"

	"github.com/hyperjump/kioku/internal/models"
)

// MetadataLookup returns the most recently persisted metadata for ids. Missing
// ids are simply absent from the map.
type MetadataLookup interface {
	GetMetadata(ctx context.Context, ids []string) (map[string]*models.EnrichedMetadata, error)
}

// Engine scores candidates. It is read-only and safe for concurrent use.
type Engine struct {
	config *RankingConfig
	boosts []Boost
}

// NewEngine creates an Engine with the given configuration.
func NewEngine(config *RankingConfig) *Engine {
	if config == nil {
		config = DefaultRankingConfig()
	}
	config.ApplyDefaults()

	return &Engine{
		config: config,
		boosts: DefaultBoosts(config),
	}
}

// WithBoosts sets custom boosts.
func (e *Engine) WithBoosts(boosts []Boost) *Engine {
	e.boosts = boosts
	return e
}

// GetConfig returns the ranking configuration.
func (e *Engine) GetConfig() *RankingConfig {
	return e.config
}

// Score combines base with the boosts for meta. The product of boosts is capped
// at MaxAmplification. A non-positive base is returned unchanged with the boosts
// still reported. meta may be nil, in which case no boost applies.
func (e *Engine) Score(base float64, query models.QueryContext, meta *models.EnrichedMetadata) models.RelevanceSignal {
	sig := models.RelevanceSignal{
		BaseSimilarity:  base,
		TopicBoost:      1,
		QualityBoost:    1,
		ValidationBoost: 1,
		AdjacencyBoost:  1,
		ProjectBoost:    1,
		FinalScore:      base,
		Explanation:     []string{},
	}
	if meta == nil {
		sig.Explanation = append(sig.Explanation, "no enrichment metadata: base similarity only")
		return sig
	}
	sig.MessageID = meta.MessageID

	res := ApplyBoostsWithDetails(&ScoringContext{Query: query, Metadata: meta}, e.boosts)
	for name, f := range res.Factors {
		switch name {
		case BoostTopic:
			sig.TopicBoost = f
		case BoostQuality:
			sig.QualityBoost = f
		case BoostValidation:
			sig.ValidationBoost = f
		case BoostProject:
			sig.ProjectBoost = f
		case BoostAdjacency:
			sig.AdjacencyBoost = f
		}
	}
	sig.Explanation = append(sig.Explanation, res.Reasons...)

	if base <= 0 {
		sig.Explanation = append(sig.Explanation, "non-positive base similarity: boosts not applied")
		return sig
	}
	product := res.Product
	if product > e.config.MaxAmplification {
		product = e.config.MaxAmplification
		sig.Capped = true
		sig.Explanation = append(sig.Explanation,
			fmt.Sprintf("combined boost x%.2f capped at x%.2f", res.Product, e.config.MaxAmplification))
	}
	sig.FinalScore = base * product
	return sig
}

// ScoreCandidates scores every base result against the latest persisted metadata
// and returns them ranked by final score, ties broken by ID. It performs no writes
// and stops early when ctx is cancelled.
func (e *Engine) ScoreCandidates(ctx context.Context, base []models.BaseResult, query models.QueryContext, lookup MetadataLookup) ([]models.RelevanceSignal, error) {
	if len(base) == 0 {
		return []models.RelevanceSignal{}, nil
	}
	ids := make([]string, len(base))
	for i, b := range base {
		ids[i] = b.ID
	}
	metas, err := lookup.GetMetadata(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load metadata: %w", err)
	}

	out := make([]models.RelevanceSignal, 0, len(base))
	for _, b := range base {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		sig := e.Score(b.BaseSimilarity, query, metas[b.ID])
		sig.MessageID = b.ID
		out = append(out, sig)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].FinalScore != out[j].FinalScore {
			return out[i].FinalScore > out[j].FinalScore
		}
		return out[i].MessageID < out[j].MessageID
	})
	for i := range out {
		out[i].Rank = i + 1
	}
	return out, nil
}

// TopN returns the top n signals.
func TopN(signals []models.RelevanceSignal, n int) []models.RelevanceSignal {
	if n <= 0 || n >= len(signals) {
		return signals
	}
	return signals[:n]
}
