package classify

import (
	"strings"

	"github.com/hyperjump/kioku/internal/models"
	"github.com/hyperjump/kioku/pkg/utils"
)

// Outcome labels used in TechnicalConfig.Outcomes.
const (
	OutcomePositive = "positive"
	OutcomeNegative = "negative"
)

// ToolHint adds Weight to Domain when a used tool's name contains Tool.
type ToolHint struct {
	Tool   string
	Domain models.TechnicalDomain
	Weight float64
}

// TechnicalConfig configures a TechnicalClassifier. Domain rule order breaks ties.
type TechnicalConfig struct {
	Domains   []Rule
	Outcomes  []Rule
	ToolHints []ToolHint
}

// DefaultTechnicalConfig returns vocabularies for build, test, runtime and deploy.
func DefaultTechnicalConfig() TechnicalConfig {
	return TechnicalConfig{
		Domains: []Rule{
			{Label: string(models.DomainBuild), Weight: 1.0, Patterns: []string{
				`\bbuild(?:s|ing)?\b`, `\bcompil(?:e|es|ed|ing|er|ation)\b`, `\bmakefile\b`,
				`\bwebpack\b|\bvite\b|\besbuild\b`, `\blink(?:er|ing) errors?\b`, `\bundefined reference\b`,
				`\bgo\.mod\b|\bpackage\.json\b|\bcargo\.toml\b`,
			}},
			{Label: string(models.DomainTest), Weight: 1.0, Patterns: []string{
				`\btests?\b`, `\btesting\b`, `\bassert(?:ion)?s?\b`, `\bgo test\b|\bpytest\b|\bjest\b`,
				`\bcoverage\b`, `\bflaky\b`, `\btest suite\b`,
			}},
			{Label: string(models.DomainRuntime), Weight: 1.0, Patterns: []string{
				`\bpanic(?:s|ked)?\b`, `\bcrash(?:es|ed|ing)?\b`, `\bnil pointer\b|\bnull pointer\b`, `\bsegfault\b`,
				`\bexceptions?\b`, `\bstack ?traces?\b`, `\bmemory leak\b`, `\bdeadlock\b`, `\bat runtime\b`,
			}},
			{Label: string(models.DomainDeploy), Weight: 1.0, Patterns: []string{
				`\bdeploy(?:s|ed|ing|ment)?\b`, `\bkubernetes\b|\bk8s\b|\bkubectl\b`, `\bdocker\b`, `\bhelm\b`,
				`\bproduction\b`, `\bstaging\b`, `\brollout\b`, `\bci/cd\b`,
			}},
		},
		Outcomes: []Rule{
			{Label: OutcomePositive, Weight: 1.0, Patterns: []string{
				`\bpass(?:es|ed|ing)?\b`, `\bsucceed(?:s|ed)?\b|\bsuccessful(?:ly)?\b`, `\bworks?\b`,
				`\bgreen\b`, `\bfixed\b`,
			}},
			{Label: OutcomeNegative, Weight: 1.0, Patterns: []string{
				`\bfail(?:s|ed|ing|ure|ures)?\b`, `\bbroken?\b`, `\berrors?\b`,
				`\bcrash(?:es|ed|ing)?\b`, `\bpanic(?:s|ked)?\b`,
			}},
		},
		ToolHints: []ToolHint{
			{Tool: "kubectl", Domain: models.DomainDeploy, Weight: 0.5},
			{Tool: "docker", Domain: models.DomainDeploy, Weight: 0.5},
			{Tool: "test", Domain: models.DomainTest, Weight: 0.5},
			{Tool: "build", Domain: models.DomainBuild, Weight: 0.5},
		},
	}
}

// TechnicalInput carries message attributes beyond the text.
type TechnicalInput struct {
	ToolsUsed []string
}

// TechnicalResult is the technical domain of a message and whether its outcome is mixed.
type TechnicalResult struct {
	Domain         models.TechnicalDomain             `json:"domain"`
	Domains        map[models.TechnicalDomain]float64 `json:"domains,omitempty"`
	Positive       bool                               `json:"positive"`
	Negative       bool                               `json:"negative"`
	ComplexOutcome bool                               `json:"complex_outcome"`
}

// TechnicalClassifier labels messages with a technical domain.
type TechnicalClassifier struct {
	domains  *RuleSet
	outcomes *RuleSet
	hints    []ToolHint
}

// NewTechnicalClassifier compiles cfg.
func NewTechnicalClassifier(cfg TechnicalConfig) (*TechnicalClassifier, error) {
	domains, err := CompileRules(cfg.Domains)
	if err != nil {
		return nil, err
	}
	outcomes, err := CompileRules(cfg.Outcomes)
	if err != nil {
		return nil, err
	}
	return &TechnicalClassifier{domains: domains, outcomes: outcomes, hints: cfg.ToolHints}, nil
}

// Classify returns the dominant domain, ties broken by declaration order, or
// DomainNone when nothing matches.
func (c *TechnicalClassifier) Classify(content string, in TechnicalInput) (TechnicalResult, error) {
	res := TechnicalResult{Domain: models.DomainNone}
	if err := checkInput(content); err != nil {
		return res, err
	}
	normalized := utils.NormalizeText(content)

	matches := c.domains.Match(normalized)
	for _, tool := range in.ToolsUsed {
		name := strings.ToLower(tool)
		for _, h := range c.hints {
			if !strings.Contains(name, h.Tool) {
				continue
			}
			matches = addWeight(matches, string(h.Domain), c.domains.Order(string(h.Domain)), h.Weight)
		}
	}
	if best, ok := Best(matches); ok {
		res.Domain = models.TechnicalDomain(best.Label)
		res.Domains = make(map[models.TechnicalDomain]float64, len(matches))
		for _, m := range matches {
			res.Domains[models.TechnicalDomain(m.Label)] = m.Weight
		}
	}

	for _, m := range c.outcomes.Match(normalized) {
		switch m.Label {
		case OutcomePositive:
			res.Positive = true
		case OutcomeNegative:
			res.Negative = true
		}
	}
	res.ComplexOutcome = len(res.Domains) > 1 || (res.Positive && res.Negative)
	return res, nil
}

func addWeight(matches []Match, label string, order int, w float64) []Match {
	if order < 0 {
		return matches
	}
	for i := range matches {
		if matches[i].Label == label {
			matches[i].Weight += w
			return matches
		}
	}
	return append(matches, Match{Label: label, Order: order, Weight: w})
}
