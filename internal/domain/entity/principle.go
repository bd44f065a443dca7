package entity

import "strings"

// PrincipleType distinguishes always-on rules from trigger/complexity
// selected principles.
type PrincipleType string

const (
	PrincipleTypeRule      PrincipleType = "rule"
	PrincipleTypePrinciple PrincipleType = "principle"
)

// PrincipleFile is one loaded principle or rule document.
type PrincipleFile struct {
	ID       string
	Summary  string
	Type     PrincipleType
	Triggers []string
	Body     string

	// Always marks a principle as unconditionally included, mirroring a
	// rule's always-on behavior even when Type == principle.
	Always bool

	// Threshold is the complexity score (TailorResult.Complexity, 0..10)
	// at or above which this principle is selected even without a trigger
	// match (0 = never by complexity alone).
	Threshold int
}

// IsRule reports whether this file is an always-on rule.
func (p *PrincipleFile) IsRule() bool {
	return p.Type == PrincipleTypeRule
}

// MatchesTrigger reports whether any configured trigger keyword is a
// case-insensitive substring of the message.
func (p *PrincipleFile) MatchesTrigger(message string) bool {
	lower := strings.ToLower(message)
	for _, t := range p.Triggers {
		if t == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(t)) {
			return true
		}
	}
	return false
}

// Selected decides inclusion per the resolved Open Question in DESIGN.md:
// rules are always included; a principle with Always==true is also
// unconditional; otherwise it's included when a trigger substring-matches
// the message OR the tailored complexity meets its threshold.
func (p *PrincipleFile) Selected(message string, complexity int) bool {
	if p.IsRule() || p.Always {
		return true
	}
	if p.MatchesTrigger(message) {
		return true
	}
	return p.Threshold > 0 && complexity >= p.Threshold
}
