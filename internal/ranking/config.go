// Package ranking re-ranks search candidates by multiplying their base
// similarity with bounded boosts derived from enriched metadata.
package ranking

// Boost names, also used in RankingConfig.DisabledBoosts.
const (
	BoostTopic      = "topic"
	BoostQuality    = "quality"
	BoostValidation = "validation"
	BoostProject    = "project"
	BoostAdjacency  = "adjacency"
)

// RankingConfig holds all tunable multipliers of the relevance engine.
type RankingConfig struct {
	// Topic boost applied when the candidate's primary topic is the query focus,
	// scaled by topic confidence.
	TopicMaxBoost float64 `yaml:"topic_max_boost"` // default: 2.5

	// Quality boost scales linearly over [QualityMin, QualityMax].
	QualityMaxBoost float64 `yaml:"quality_max_boost"` // default: 3.0
	QualityMin      float64 `yaml:"quality_min"`       // default: 1.0
	QualityMax      float64 `yaml:"quality_max"`       // default: 3.0

	// Validation boost
	ValidatedMaxBoost       float64 `yaml:"validated_max_boost"`       // default: 1.5
	ValidationMinConfidence float64 `yaml:"validation_min_confidence"` // default: 0.6
	RefutedMinBoost         float64 `yaml:"refuted_min_boost"`         // default: 0.65

	// Project affinity
	ProjectSameBoost    float64    `yaml:"project_same_boost"`    // default: 1.5
	ProjectRelatedBoost float64    `yaml:"project_related_boost"` // default: 1.2
	RelatedProjects     [][]string `yaml:"related_projects"`

	// Adjacency context
	AdjacencyBoost float64 `yaml:"adjacency_boost"` // default: 1.1

	// MaxAmplification caps FinalScore / BaseSimilarity.
	MaxAmplification float64 `yaml:"max_amplification"` // default: 5.0

	// DisabledBoosts lists boost names to skip.
	DisabledBoosts []string `yaml:"disabled_boosts"`
}

// DefaultRankingConfig returns the default ranking configuration.
func DefaultRankingConfig() *RankingConfig {
	return &RankingConfig{
		TopicMaxBoost: 2.5,

		QualityMaxBoost: 3.0,
		QualityMin:      1.0,
		QualityMax:      3.0,

		ValidatedMaxBoost:       1.5,
		ValidationMinConfidence: 0.6,
		RefutedMinBoost:         0.65,

		ProjectSameBoost:    1.5,
		ProjectRelatedBoost: 1.2,

		AdjacencyBoost: 1.1,

		MaxAmplification: 5.0,
	}
}

// ApplyDefaults fills in zero values with defaults.
func (c *RankingConfig) ApplyDefaults() {
	defaults := DefaultRankingConfig()

	if c.TopicMaxBoost == 0 {
		c.TopicMaxBoost = defaults.TopicMaxBoost
	}
	if c.QualityMaxBoost == 0 {
		c.QualityMaxBoost = defaults.QualityMaxBoost
	}
	if c.QualityMin == 0 {
		c.QualityMin = defaults.QualityMin
	}
	if c.QualityMax == 0 || c.QualityMax <= c.QualityMin {
		c.QualityMax = c.QualityMin + (defaults.QualityMax - defaults.QualityMin)
	}
	if c.ValidatedMaxBoost == 0 {
		c.ValidatedMaxBoost = defaults.ValidatedMaxBoost
	}
	if c.ValidationMinConfidence == 0 {
		c.ValidationMinConfidence = defaults.ValidationMinConfidence
	}
	if c.RefutedMinBoost == 0 {
		c.RefutedMinBoost = defaults.RefutedMinBoost
	}
	if c.ProjectSameBoost == 0 {
		c.ProjectSameBoost = defaults.ProjectSameBoost
	}
	if c.ProjectRelatedBoost == 0 {
		c.ProjectRelatedBoost = defaults.ProjectRelatedBoost
	}
	if c.AdjacencyBoost == 0 {
		c.AdjacencyBoost = defaults.AdjacencyBoost
	}
	if c.MaxAmplification < 1 {
		c.MaxAmplification = defaults.MaxAmplification
	}
}

// Enabled reports whether the named boost is active.
func (c *RankingConfig) Enabled(name string) bool {
	for _, d := range c.DisabledBoosts {
		if d == name {
			return false
		}
	}
	return true
}
