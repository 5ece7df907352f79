// Package classify derives topic, quality, sentiment and technical-domain
// metadata from transcript text using table-driven rule lists.
package classify

import (
	"errors"
	"fmt"
	"regexp"
	"unicode/utf8"
)

// ErrMalformedInput is returned for text that is not valid UTF-8.
var ErrMalformedInput = errors.New("malformed input: invalid utf-8")

// Rule assigns Weight to Label for every pattern that matches. Patterns are
// regular expressions evaluated case-insensitively against normalised text.
type Rule struct {
	Label    string   `yaml:"label" json:"label"`
	Patterns []string `yaml:"patterns" json:"patterns"`
	Weight   float64  `yaml:"weight" json:"weight"`
}

// Match is the aggregated result for one label.
type Match struct {
	Label  string
	Order  int
	Weight float64
	Hits   []string
}

type compiledRule struct {
	label    string
	weight   float64
	patterns []*regexp.Regexp
}

// RuleSet is an immutable compiled rule list. Labels keep the order of their
// first declaration, which callers use to break ties.
type RuleSet struct {
	rules  []compiledRule
	labels []string
	order  map[string]int
}

// CompileRules compiles rules in order. A label may appear in several rules.
func CompileRules(rules []Rule) (*RuleSet, error) {
	rs := &RuleSet{order: make(map[string]int)}
	for i, r := range rules {
		if r.Label == "" {
			return nil, fmt.Errorf("rule %d: empty label", i)
		}
		if r.Weight <= 0 {
			return nil, fmt.Errorf("rule %d (%s): weight must be positive", i, r.Label)
		}
		cr := compiledRule{label: r.Label, weight: r.Weight}
		for _, p := range r.Patterns {
			re, err := regexp.Compile("(?i)" + p)
			if err != nil {
				return nil, fmt.Errorf("rule %d (%s): %w", i, r.Label, err)
			}
			cr.patterns = append(cr.patterns, re)
		}
		if _, ok := rs.order[r.Label]; !ok {
			rs.order[r.Label] = len(rs.labels)
			rs.labels = append(rs.labels, r.Label)
		}
		rs.rules = append(rs.rules, cr)
	}
	return rs, nil
}

// Labels returns labels in declaration order.
func (rs *RuleSet) Labels() []string {
	out := make([]string, len(rs.labels))
	copy(out, rs.labels)
	return out
}

// Order returns the declaration index of label, or -1.
func (rs *RuleSet) Order(label string) int {
	if i, ok := rs.order[label]; ok {
		return i
	}
	return -1
}

// Match evaluates every rule against text, which should already be normalised.
// Only labels with at least one hit are returned, in declaration order.
func (rs *RuleSet) Match(text string) []Match {
	byLabel := make([]*Match, len(rs.labels))
	for _, r := range rs.rules {
		for _, re := range r.patterns {
			hit := re.FindString(text)
			if hit == "" {
				continue
			}
			idx := rs.order[r.label]
			m := byLabel[idx]
			if m == nil {
				m = &Match{Label: r.label, Order: idx}
				byLabel[idx] = m
			}
			m.Weight += r.weight
			m.Hits = append(m.Hits, hit)
		}
	}
	out := make([]Match, 0, len(byLabel))
	for _, m := range byLabel {
		if m != nil {
			out = append(out, *m)
		}
	}
	return out
}

// Best returns the highest-weight match, ties broken by declaration order.
func Best(matches []Match) (Match, bool) {
	if len(matches) == 0 {
		return Match{}, false
	}
	best := matches[0]
	for _, m := range matches[1:] {
		if m.Weight > best.Weight || (m.Weight == best.Weight && m.Order < best.Order) {
			best = m
		}
	}
	return best, true
}

func checkInput(s string) error {
	if !utf8.ValidString(s) {
		return ErrMalformedInput
	}
	return nil
}
