package classify

import (
	"math"

	"github.com/hyperjump/kioku/pkg/utils"
)

// TopicConfig configures a TopicDetector. Rule order is the tie-break priority.
type TopicConfig struct {
	Rules []Rule
	// Saturation is the matched weight at which confidence reaches 1.
	Saturation float64
	// Threshold drops topics below this confidence.
	Threshold float64
}

// DefaultTopicConfig returns the built-in topic table.
func DefaultTopicConfig() TopicConfig {
	return TopicConfig{
		Saturation: 3.0,
		Threshold:  0.3,
		Rules: []Rule{
			{Label: "debugging", Weight: 1.0, Patterns: []string{
				`\bdebug(?:ging|ger)?\b`, `\bbugs?\b`, `\berrors?\b`, `\bstack ?traces?\b`,
				`\bpanic(?:s|ked)?\b`, `\bexceptions?\b`, `\bcrash(?:es|ed|ing)?\b`, `\bfix(?:es|ed|ing)?\b`,
			}},
			{Label: "testing", Weight: 1.0, Patterns: []string{
				`\btests?\b`, `\btesting\b`, `\bunit tests?\b`, `\bassert(?:ion)?s?\b`,
				`\bmocks?\b`, `\bcoverage\b`, `\bfixtures?\b`, `\bpytest\b|\bgo test\b|\bjest\b`,
			}},
			{Label: "performance", Weight: 1.0, Patterns: []string{
				`\bperformance\b`, `\bslow(?:er|ly)?\b`, `\blatency\b`, `\bbenchmarks?\b`,
				`\bprofil(?:e|er|ing)\b`, `\bmemory (?:usage|leak)\b`, `\bthroughput\b`, `\boptimi[sz](?:e|ed|ation)\b`,
			}},
			{Label: "architecture", Weight: 1.0, Patterns: []string{
				`\barchitecture\b`, `\brefactor(?:ing|ed)?\b`, `\bdesign patterns?\b`, `\binterfaces?\b`,
				`\bmodules?\b`, `\bdependency injection\b`, `\blayers?\b`, `\babstractions?\b`,
			}},
			{Label: "deployment", Weight: 1.0, Patterns: []string{
				`\bdeploy(?:s|ed|ing|ment)?\b`, `\bdocker(?:file)?\b`, `\bkubernetes\b|\bk8s\b`, `\bhelm\b`,
				`\bci/cd\b`, `\bpipelines?\b`, `\bproduction\b`, `\bstaging\b`,
			}},
			{Label: "security", Weight: 1.0, Patterns: []string{
				`\bsecurity\b`, `\bauth(?:entication|orization)?\b`, `\btokens?\b`, `\bpasswords?\b`,
				`\bencrypt(?:ion|ed)?\b`, `\bvulnerab(?:le|ility|ilities)\b`, `\bcsrf\b|\bxss\b`, `\bpermissions?\b`,
			}},
			{Label: "database", Weight: 1.0, Patterns: []string{
				`\bdatabases?\b`, `\bsql\b|\bsqlite\b|\bpostgres(?:ql)?\b|\bmysql\b`, `\bquer(?:y|ies)\b`, `\bschemas?\b`,
				`\bmigrations?\b`, `\bindex(?:es)?\b`, `\btransactions?\b`, `\btables?\b`,
			}},
			{Label: "api", Weight: 1.0, Patterns: []string{
				`\bapi\b`, `\bendpoints?\b`, `\brest\b`, `\bgrpc\b`,
				`\bhttp\b`, `\brequests?\b`, `\bjson\b`, `\bhandlers?\b`,
			}},
			{Label: "ui", Weight: 1.0, Patterns: []string{
				`\bui\b`, `\bcss\b`, `\bcomponents?\b`, `\breact\b|\bvue\b|\bsvelte\b`,
				`\blayout\b`, `\bbuttons?\b`, `\bfrontend\b`, `\brender(?:s|ing|ed)?\b`,
			}},
			{Label: "docs", Weight: 1.0, Patterns: []string{
				`\bdocs\b`, `\bdocumentation\b`, `\breadme\b`, `\bcomments?\b`,
				`\bchangelog\b`, `\bdocstrings?\b`, `\bexamples?\b`, `\btutorials?\b`,
			}},
		},
	}
}

// TopicDetector classifies text into weighted topic labels.
type TopicDetector struct {
	rules      *RuleSet
	saturation float64
	threshold  float64
}

// NewTopicDetector compiles cfg.
func NewTopicDetector(cfg TopicConfig) (*TopicDetector, error) {
	rs, err := CompileRules(cfg.Rules)
	if err != nil {
		return nil, err
	}
	if cfg.Saturation <= 0 {
		cfg.Saturation = 1
	}
	return &TopicDetector{rules: rs, saturation: cfg.Saturation, threshold: cfg.Threshold}, nil
}

// Detect returns every topic whose confidence reaches the threshold.
func (d *TopicDetector) Detect(content string) (map[string]float64, error) {
	if err := checkInput(content); err != nil {
		return nil, err
	}
	topics := make(map[string]float64)
	for _, m := range d.rules.Match(utils.NormalizeText(content)) {
		conf := math.Min(1, m.Weight/d.saturation)
		if conf >= d.threshold {
			topics[m.Label] = conf
		}
	}
	return topics, nil
}

// Primary returns the highest-confidence topic. Ties go to the topic declared first.
func (d *TopicDetector) Primary(topics map[string]float64) string {
	best, bestConf, bestOrder := "", 0.0, math.MaxInt
	for label, conf := range topics {
		order := d.rules.Order(label)
		if order < 0 {
			order = math.MaxInt - 1
		}
		if conf > bestConf || (conf == bestConf && order < bestOrder) {
			best, bestConf, bestOrder = label, conf, order
		}
	}
	return best
}

// Labels returns the known topics in priority order.
func (d *TopicDetector) Labels() []string { return d.rules.Labels() }
