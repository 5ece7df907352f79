package classify

import "github.com/hyperjump/kioku/internal/models"

// BlendStrategy combines pattern and embedding cluster scores into one score per
// sentiment. embedding may be nil when the fallback did not run.
type BlendStrategy interface {
	Blend(order []models.Sentiment, pattern, embedding map[models.Sentiment]float64) map[models.Sentiment]float64
	Name() string
}

// MaxBlend takes the stronger of the two signals for each cluster.
type MaxBlend struct{}

func (MaxBlend) Name() string { return "max" }

func (MaxBlend) Blend(order []models.Sentiment, pattern, embedding map[models.Sentiment]float64) map[models.Sentiment]float64 {
	out := make(map[models.Sentiment]float64, len(order))
	for _, s := range order {
		v := pattern[s]
		if e := embedding[s]; e > v {
			v = e
		}
		out[s] = v
	}
	return out
}

// WeightedBlend averages the two signals with fixed weights. When the embedding
// signal is absent the pattern score is used unweighted.
type WeightedBlend struct {
	PatternWeight   float64
	EmbeddingWeight float64
}

func (WeightedBlend) Name() string { return "weighted" }

func (w WeightedBlend) Blend(order []models.Sentiment, pattern, embedding map[models.Sentiment]float64) map[models.Sentiment]float64 {
	out := make(map[models.Sentiment]float64, len(order))
	total := w.PatternWeight + w.EmbeddingWeight
	for _, s := range order {
		if embedding == nil || total <= 0 {
			out[s] = pattern[s]
			continue
		}
		out[s] = (pattern[s]*w.PatternWeight + embedding[s]*w.EmbeddingWeight) / total
	}
	return out
}

// BlendByName returns the named strategy, defaulting to MaxBlend.
func BlendByName(name string, patternWeight, embeddingWeight float64) BlendStrategy {
	if name == "weighted" {
		return WeightedBlend{PatternWeight: patternWeight, EmbeddingWeight: embeddingWeight}
	}
	return MaxBlend{}
}
