package classify

import (
	"sort"
	"strings"

	"github.com/hyperjump/kioku/pkg/utils"
)

// QualityConfig configures a QualityScorer. Each tier is a Rule whose Weight is
// the score delta added once when any of its patterns match.
type QualityConfig struct {
	Tiers           []Rule
	Base            float64
	CodeBonus       float64
	ToolBonus       float64
	RecognizedTools []string
	Min             float64
	Max             float64
}

// DefaultQualityConfig returns tiers explicit > verified > implicit with a [1,3] range.
func DefaultQualityConfig() QualityConfig {
	return QualityConfig{
		Base:      1.0,
		CodeBonus: 0.3,
		ToolBonus: 0.2,
		Min:       1.0,
		Max:       3.0,
		RecognizedTools: []string{
			"Edit", "MultiEdit", "Write", "Bash", "NotebookEdit",
		},
		Tiers: []Rule{
			{Label: "explicit", Weight: 1.0, Patterns: []string{
				`\bfixed\b`, `\bsolved\b`, `\bresolved\b`,
				`\bthis (?:will )?(?:fix|fixes|solve|solves)\b`,
				`\bthe (?:fix|solution) is\b`, `\bhere'?s the (?:fix|solution)\b`,
			}},
			{Label: "verified", Weight: 0.7, Patterns: []string{
				`\btests? (?:now )?pass(?:es|ing)?\b`, `\bverified\b`, `\bconfirmed\b`,
				`\bbuild (?:now )?succeeds?\b`, `\bworks (?:now|correctly)\b`, `\ball green\b`,
			}},
			{Label: "implicit", Weight: 0.4, Patterns: []string{
				`\btry\b`, `\bshould (?:now )?work\b`, `\byou can\b`,
				`\binstead\b`, `\bupdated?\b`, `\bchanged?\b`,
			}},
		},
	}
}

// QualityInput carries message attributes beyond the text.
type QualityInput struct {
	HasCode   bool
	ToolsUsed []string
}

// QualityResult is a clamped score and the ids of the markers that fired.
type QualityResult struct {
	Score   float64
	Markers []string
}

// QualityScorer estimates how useful a message is as a solution.
type QualityScorer struct {
	tiers *RuleSet
	cfg   QualityConfig
	tools map[string]bool
}

// NewQualityScorer compiles cfg.
func NewQualityScorer(cfg QualityConfig) (*QualityScorer, error) {
	rs, err := CompileRules(cfg.Tiers)
	if err != nil {
		return nil, err
	}
	if cfg.Max < cfg.Min {
		cfg.Min, cfg.Max = cfg.Max, cfg.Min
	}
	tools := make(map[string]bool, len(cfg.RecognizedTools))
	for _, t := range cfg.RecognizedTools {
		tools[strings.ToLower(t)] = true
	}
	return &QualityScorer{tiers: rs, cfg: cfg, tools: tools}, nil
}

// Score returns the quality of content. The clamp is applied after every bonus.
func (s *QualityScorer) Score(content string, in QualityInput) (QualityResult, error) {
	if err := checkInput(content); err != nil {
		return QualityResult{Score: s.cfg.Min}, err
	}
	score := s.cfg.Base
	var markers []string
	seen := make(map[string]bool)
	for _, m := range s.tiers.Match(utils.NormalizeText(content)) {
		// one delta per tier however many markers it has
		score += s.cfg.Tiers[s.firstRule(m.Label)].Weight
		for _, h := range m.Hits {
			id := m.Label + ":" + h
			if !seen[id] {
				seen[id] = true
				markers = append(markers, id)
			}
		}
	}
	if in.HasCode {
		score += s.cfg.CodeBonus
		markers = append(markers, "code_block")
	}
	for _, t := range in.ToolsUsed {
		if s.tools[strings.ToLower(t)] {
			score += s.cfg.ToolBonus
			markers = append(markers, "tool:"+t)
			break
		}
	}
	sort.Strings(markers)
	return QualityResult{Score: utils.Clamp(score, s.cfg.Min, s.cfg.Max), Markers: markers}, nil
}

func (s *QualityScorer) firstRule(label string) int {
	for i, r := range s.cfg.Tiers {
		if r.Label == label {
			return i
		}
	}
	return 0
}

// Range returns the documented [min, max] of Score.
func (s *QualityScorer) Range() (float64, float64) { return s.cfg.Min, s.cfg.Max }
