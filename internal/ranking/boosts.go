package ranking

import (
	"fmt"
	"strings"

	"github.com/hyperjump/kioku/internal/models"
	"github.com/hyperjump/kioku/pkg/utils"
)

// ScoringContext is what a Boost sees for one query/candidate pair.
type ScoringContext struct {
	Query    models.QueryContext
	Metadata *models.EnrichedMetadata
}

// Boost is one bounded multiplicative adjustment. Factor returns 1 and an empty
// reason when the boost does not apply.
type Boost interface {
	Name() string
	Factor(ctx *ScoringContext) (float64, string)
}

// TopicBoost rewards candidates whose primary topic is the query's focus.
type TopicBoost struct {
	config *RankingConfig
}

func NewTopicBoost(config *RankingConfig) *TopicBoost { return &TopicBoost{config: config} }

func (b *TopicBoost) Name() string { return BoostTopic }

func (b *TopicBoost) Factor(ctx *ScoringContext) (float64, string) {
	focus := ctx.Query.TopicFocus
	if focus == "" || ctx.Metadata.PrimaryTopic != focus {
		return 1, ""
	}
	conf := utils.Clamp(ctx.Metadata.TopicConfidence(focus), 0, 1)
	f := 1 + (b.config.TopicMaxBoost-1)*conf
	return f, fmt.Sprintf("topic %q matches focus (confidence %.2f): x%.2f", focus, conf, f)
}

// QualityBoost scales with the candidate's solution quality.
type QualityBoost struct {
	config *RankingConfig
}

func NewQualityBoost(config *RankingConfig) *QualityBoost { return &QualityBoost{config: config} }

func (b *QualityBoost) Name() string { return BoostQuality }

func (b *QualityBoost) Factor(ctx *ScoringContext) (float64, string) {
	c := b.config
	q := utils.Clamp(ctx.Metadata.QualityScore, c.QualityMin, c.QualityMax)
	f := 1 + (c.QualityMaxBoost-1)*(q-c.QualityMin)/(c.QualityMax-c.QualityMin)
	if f == 1 {
		return 1, ""
	}
	return f, fmt.Sprintf("quality %.2f: x%.2f", q, f)
}

// ValidationBoost amplifies validated solutions and dampens refuted ones.
type ValidationBoost struct {
	config *RankingConfig
}

func NewValidationBoost(config *RankingConfig) *ValidationBoost {
	return &ValidationBoost{config: config}
}

func (b *ValidationBoost) Name() string { return BoostValidation }

func (b *ValidationBoost) Factor(ctx *ScoringContext) (float64, string) {
	conf := utils.Clamp(ctx.Metadata.ValidationConfidence, 0, 1)
	switch ctx.Metadata.ValidationState {
	case models.ValidationValidated:
		if conf < b.config.ValidationMinConfidence {
			return 1, ""
		}
		f := 1 + (b.config.ValidatedMaxBoost-1)*conf
		return f, fmt.Sprintf("validated by feedback (confidence %.2f): x%.2f", conf, f)
	case models.ValidationRefuted:
		f := 1 - (1-b.config.RefutedMinBoost)*conf
		return f, fmt.Sprintf("refuted by feedback (confidence %.2f): x%.2f", conf, f)
	}
	return 1, ""
}

// ProjectBoost rewards candidates from the query's project or a related one.
type ProjectBoost struct {
	config *RankingConfig
}

func NewProjectBoost(config *RankingConfig) *ProjectBoost { return &ProjectBoost{config: config} }

func (b *ProjectBoost) Name() string { return BoostProject }

func (b *ProjectBoost) Factor(ctx *ScoringContext) (float64, string) {
	want := strings.ToLower(strings.TrimSpace(ctx.Query.Project))
	have := strings.ToLower(strings.TrimSpace(ctx.Metadata.Project))
	if want == "" || have == "" {
		return 1, ""
	}
	if want == have {
		return b.config.ProjectSameBoost, fmt.Sprintf("same project %q: x%.2f", have, b.config.ProjectSameBoost)
	}
	if b.related(want, have) {
		return b.config.ProjectRelatedBoost, fmt.Sprintf("related project %q: x%.2f", have, b.config.ProjectRelatedBoost)
	}
	return 1, ""
}

func (b *ProjectBoost) related(a, c string) bool {
	for _, group := range b.config.RelatedProjects {
		var hasA, hasC bool
		for _, p := range group {
			p = strings.ToLower(p)
			hasA = hasA || p == a
			hasC = hasC || p == c
		}
		if hasA && hasC {
			return true
		}
	}
	tokens := make(map[string]bool)
	for _, t := range projectTokens(a) {
		tokens[t] = true
	}
	for _, t := range projectTokens(c) {
		if tokens[t] {
			return true
		}
	}
	return false
}

// projectTokens splits a project name into tokens of at least three characters.
func projectTokens(name string) []string {
	parts := strings.FieldsFunc(name, func(r rune) bool {
		return r == '-' || r == '_' || r == '.' || r == '/' || r == ' '
	})
	out := parts[:0]
	for _, p := range parts {
		if len(p) >= 3 {
			out = append(out, p)
		}
	}
	return out
}

// AdjacencyBoost rewards candidates that sit inside a traceable exchange.
type AdjacencyBoost struct {
	config *RankingConfig
}

func NewAdjacencyBoost(config *RankingConfig) *AdjacencyBoost {
	return &AdjacencyBoost{config: config}
}

func (b *AdjacencyBoost) Name() string { return BoostAdjacency }

func (b *AdjacencyBoost) Factor(ctx *ScoringContext) (float64, string) {
	if !ctx.Metadata.Link().HasBothNeighbours() {
		return 1, ""
	}
	return b.config.AdjacencyBoost, fmt.Sprintf("linked to previous and next message: x%.2f", b.config.AdjacencyBoost)
}

// DefaultBoosts returns the enabled boosts in explanation order.
func DefaultBoosts(config *RankingConfig) []Boost {
	all := []Boost{
		NewTopicBoost(config),
		NewQualityBoost(config),
		NewValidationBoost(config),
		NewProjectBoost(config),
		NewAdjacencyBoost(config),
	}
	var boosts []Boost
	for _, b := range all {
		if config.Enabled(b.Name()) {
			boosts = append(boosts, b)
		}
	}
	return boosts
}

// BoostResult contains detailed boost application results.
type BoostResult struct {
	Product float64
	Factors map[string]float64
	Reasons []string
}

// ApplyBoostsWithDetails evaluates boosts in order and returns their product.
func ApplyBoostsWithDetails(ctx *ScoringContext, boosts []Boost) *BoostResult {
	result := &BoostResult{Product: 1, Factors: make(map[string]float64, len(boosts))}
	for _, b := range boosts {
		f, reason := b.Factor(ctx)
		if f < 0 {
			f = 0
		}
		result.Factors[b.Name()] = f
		result.Product *= f
		if reason != "" {
			result.Reasons = append(result.Reasons, reason)
		}
	}
	return result
}
