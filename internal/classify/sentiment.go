package classify

import (
	"context"
	"math"

	"go.uber.org/zap"

	"github.com/hyperjump/kioku/internal/embedding"
	"github.com/hyperjump/kioku/internal/models"
	"github.com/hyperjump/kioku/pkg/utils"
)

// Sentiment analysis methods reported in SentimentResult.Method.
const (
	MethodPattern   = "pattern"
	MethodEmbedding = "embedding"
	MethodNone      = "none"
)

// ReferenceCluster is a set of example phrases for one sentiment, used by the
// embedding fallback.
type ReferenceCluster struct {
	Sentiment models.Sentiment
	Phrases   []string
}

// SentimentConfig configures a SentimentAnalyzer. Rules and References are
// evaluated in declaration order, which also breaks ties.
type SentimentConfig struct {
	Rules      []Rule
	References []ReferenceCluster
	// Saturation is the matched weight at which a pattern score reaches 1.
	Saturation float64
	// PatternFloor is the pattern score at which the embedding fallback is skipped.
	PatternFloor float64
	// ConfidenceFloor is the blended score a cluster must exceed for a non-neutral label.
	ConfidenceFloor float64
	// CacheSize bounds the embedding cache used when the embedder is not already cached.
	CacheSize int
	Blend     BlendStrategy
}

// DefaultSentimentConfig returns clusters in the order partial, negative, positive.
func DefaultSentimentConfig() SentimentConfig {
	return SentimentConfig{
		Saturation:      1.0,
		PatternFloor:    0.75,
		ConfidenceFloor: 0.5,
		CacheSize:       1024,
		Blend:           MaxBlend{},
		Rules: []Rule{
			{Label: string(models.SentimentPartial), Weight: 1.0, Patterns: []string{
				`\bworks,? but\b`, `\bpartially\b`, `\balmost\b`, `\bmostly\b`,
				`\bhalf (?:working|works|fixed)\b`, `\bsome of (?:the )?tests\b`,
			}},
			{Label: string(models.SentimentPartial), Weight: 0.5, Patterns: []string{
				`\bsort of\b`, `\bcloser\b`, `\bbetter,? but\b`, `\bkind of works\b`,
			}},
			{Label: string(models.SentimentNegative), Weight: 1.0, Patterns: []string{
				`\b(?:didn['’]?t|did not|doesn['’]?t|does not) work\b`,
				`\bstill (?:failing|broken|fails|crashing|not working)\b`,
				`\btry something else\b`, `\btry (?:a different|another) (?:approach|way|solution)\b`,
				`\bbroke\b`, `\bnot working\b`, `\bsame error\b`, `\bthat['’]?s not it\b`,
				`\bno luck\b`, `\bmade it worse\b`,
			}},
			{Label: string(models.SentimentNegative), Weight: 0.5, Patterns: []string{
				`\bwrong\b`, `\bnope\b`, `\bunfortunately\b`, `\berror again\b`,
			}},
			{Label: string(models.SentimentPositive), Weight: 1.0, Patterns: []string{
				`\bthat worked\b`, `\bit works\b`, `\bworks (?:now|great|perfectly)\b`, `\bperfect\b`,
				`\bnailed it\b`, `\b(?:that )?(?:fixed|solved) it\b`, `\blooks good\b`, `\bexcellent\b`,
				`\bawesome\b`, `\bbrilliant\b`,
			}},
			{Label: string(models.SentimentPositive), Weight: 0.5, Patterns: []string{
				`\bthanks?\b|\bthank you\b`, `\bgreat\b`, `\bexactly\b`, `\bnice\b`,
			}},
		},
		References: []ReferenceCluster{
			{Sentiment: models.SentimentPartial, Phrases: []string{
				"works but not completely", "partially working", "almost there", "mostly fixed",
			}},
			{Sentiment: models.SentimentNegative, Phrases: []string{
				"that did not work", "still failing", "try something else", "that broke the build",
				"same error again",
			}},
			{Sentiment: models.SentimentPositive, Phrases: []string{
				"perfect solution", "that worked", "you nailed it", "works great thanks",
				"problem solved",
			}},
		},
	}
}

// SentimentResult is the classification of one piece of feedback.
type SentimentResult struct {
	Sentiment       models.Sentiment `json:"sentiment"`
	Confidence      float64          `json:"confidence"`
	MatchedPatterns []string         `json:"matched_patterns,omitempty"`
	Method          string           `json:"method"`
}

// NeutralSentiment returns the default result.
func NeutralSentiment() SentimentResult {
	return SentimentResult{Sentiment: models.SentimentNeutral, Method: MethodNone}
}

// SentimentAnalyzer classifies feedback text with patterns, falling back to
// embedding similarity against reference phrases when patterns are weak.
type SentimentAnalyzer struct {
	cfg      SentimentConfig
	rules    *RuleSet
	order    []models.Sentiment
	embedder embedding.Embedder
	logger   *zap.Logger
}

// NewSentimentAnalyzer compiles cfg. embedder may be nil, which disables the fallback.
func NewSentimentAnalyzer(cfg SentimentConfig, embedder embedding.Embedder, logger *zap.Logger) (*SentimentAnalyzer, error) {
	rs, err := CompileRules(cfg.Rules)
	if err != nil {
		return nil, err
	}
	if cfg.Saturation <= 0 {
		cfg.Saturation = 1
	}
	if cfg.Blend == nil {
		cfg.Blend = MaxBlend{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if embedder != nil {
		if _, ok := embedder.(*embedding.CachedEmbedder); !ok && cfg.CacheSize > 0 {
			embedder = embedding.NewCachedEmbedder(embedder, cfg.CacheSize)
		}
	}
	a := &SentimentAnalyzer{cfg: cfg, rules: rs, embedder: embedder, logger: logger}
	for _, l := range rs.Labels() {
		a.order = append(a.order, models.Sentiment(l))
	}
	for _, rc := range cfg.References {
		if rs.Order(string(rc.Sentiment)) < 0 {
			a.order = append(a.order, rc.Sentiment)
		}
	}
	return a, nil
}

// Analyze classifies text. Embedding failures degrade to the pattern result;
// only malformed input and cancellation are returned as errors.
func (a *SentimentAnalyzer) Analyze(ctx context.Context, text string) (SentimentResult, error) {
	if err := checkInput(text); err != nil {
		return NeutralSentiment(), err
	}
	normalized := utils.NormalizeText(text)
	if normalized == "" {
		return NeutralSentiment(), nil
	}

	patternScores := make(map[models.Sentiment]float64)
	hits := make(map[models.Sentiment][]string)
	for _, m := range a.rules.Match(normalized) {
		s := models.Sentiment(m.Label)
		patternScores[s] = math.Min(1, m.Weight/a.cfg.Saturation)
		hits[s] = m.Hits
	}

	best, bestScore := a.pick(patternScores)
	if bestScore >= a.cfg.PatternFloor {
		return SentimentResult{
			Sentiment:       best,
			Confidence:      bestScore,
			MatchedPatterns: hits[best],
			Method:          MethodPattern,
		}, nil
	}

	embedScores, err := a.embeddingScores(ctx, normalized)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return NeutralSentiment(), ctxErr
		}
		a.logger.Debug("sentiment embedding fallback failed", zap.Error(err))
		embedScores = nil
	}

	blended := a.cfg.Blend.Blend(a.order, patternScores, embedScores)
	winner, score := a.pick(blended)
	if winner == "" || score <= a.cfg.ConfidenceFloor {
		return NeutralSentiment(), nil
	}
	method := MethodPattern
	if embedScores[winner] > patternScores[winner] {
		method = MethodEmbedding
	}
	return SentimentResult{
		Sentiment:       winner,
		Confidence:      math.Min(1, score),
		MatchedPatterns: hits[winner],
		Method:          method,
	}, nil
}

func (a *SentimentAnalyzer) embeddingScores(ctx context.Context, normalized string) (map[models.Sentiment]float64, error) {
	if a.embedder == nil || len(a.cfg.References) == 0 {
		return nil, nil
	}
	vec, err := a.embedder.Embed(ctx, normalized)
	if err != nil {
		return nil, err
	}
	scores := make(map[models.Sentiment]float64, len(a.cfg.References))
	for _, rc := range a.cfg.References {
		refs, err := a.embedder.EmbedBatch(ctx, rc.Phrases)
		if err != nil {
			return nil, err
		}
		best := 0.0
		for _, ref := range refs {
			if sim := utils.Cosine(vec, ref); sim > best {
				best = sim
			}
		}
		if best > scores[rc.Sentiment] {
			scores[rc.Sentiment] = best
		}
	}
	return scores, nil
}

// pick returns the highest score, ties broken by cluster order.
func (a *SentimentAnalyzer) pick(scores map[models.Sentiment]float64) (models.Sentiment, float64) {
	var best models.Sentiment
	bestScore := 0.0
	for _, s := range a.order {
		if v := scores[s]; v > bestScore {
			best, bestScore = s, v
		}
	}
	return best, bestScore
}
