package billing

import "strings"

// CreditPolicy converts an interaction's features into billable credits:
// a base charge plus an additive surcharge per feature used.
type CreditPolicy struct {
	Base       int            `yaml:"base"`
	Surcharges map[string]int `yaml:"surcharges"`
}

// DefaultCreditPolicy charges 1 credit per message plus 1 each for web
// search and reasoning.
func DefaultCreditPolicy() CreditPolicy {
	return CreditPolicy{
		Base: 1,
		Surcharges: map[string]int{
			"web_search": 1,
			"reasoning":  1,
		},
	}
}

// Credits returns the total, base and surcharge credits for features.
// Unknown and repeated features add nothing.
func (p CreditPolicy) Credits(features []string) (total, base, additional int) {
	base = p.Base
	if base < 0 {
		base = 0
	}
	seen := make(map[string]bool, len(features))
	for _, f := range features {
		f = strings.ToLower(strings.TrimSpace(f))
		if seen[f] {
			continue
		}
		seen[f] = true
		if s := p.Surcharges[f]; s > 0 {
			additional += s
		}
	}
	return base + additional, base, additional
}
