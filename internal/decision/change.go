package decision

import (
	"encoding/json"
	"sort"

	"verdict/internal/policy"
)

// Changed reports whether two decisions differ in substance: the satisfied
// flag or either requirement set. Result IDs are stripped before comparing
// because a re-run of the same test produces a fresh result without changing
// the verdict; requirement order is likewise irrelevant.
func Changed(previous, current *Decision) bool {
	if previous == nil || current == nil {
		return previous != current
	}
	if previous.PoliciesSatisfied != current.PoliciesSatisfied {
		return true
	}
	return !sameRequirements(previous.SatisfiedRequirements, current.SatisfiedRequirements) ||
		!sameRequirements(previous.UnsatisfiedRequirements, current.UnsatisfiedRequirements)
}

func sameRequirements(a, b []policy.Requirement) bool {
	if len(a) != len(b) {
		return false
	}
	ca, cb := canonical(a), canonical(b)
	for i := range ca {
		if ca[i] != cb[i] {
			return false
		}
	}
	return true
}

// canonical renders requirements as sorted JSON strings with the volatile
// fields removed, giving an order-independent multiset comparison.
func canonical(requirements []policy.Requirement) []string {
	rendered := make([]string, 0, len(requirements))
	for _, r := range requirements {
		r.ResultID = 0
		encoded, err := json.Marshal(r)
		if err != nil {
			// Requirement is a plain struct; Marshal cannot fail.
			continue
		}
		rendered = append(rendered, string(encoded))
	}
	sort.Strings(rendered)
	return rendered
}
