// Package policy holds the policy and rule data model, the matching
// helpers that select applicable policies for a decision request, and the
// requirement records that make up a decision.
package policy

import (
	"encoding/json"
	"errors"
	"fmt"
	"path"

	"verdict/internal/subject"
)

// Policy is a named rule set with applicability criteria. Policies are loaded
// once at startup and are immutable for the process lifetime.
type Policy struct {
	ID              string   `yaml:"id" json:"id"`
	SubjectType     string   `yaml:"subject_type" json:"subject_type"`
	ProductVersions []string `yaml:"product_versions" json:"product_versions"`

	// DecisionContext is the legacy single-context form; it is folded into
	// DecisionContexts by AllDecisionContexts. Setting both is a load error.
	DecisionContext  string   `yaml:"decision_context,omitempty" json:"-"`
	DecisionContexts []string `yaml:"decision_contexts,omitempty" json:"decision_contexts"`

	Rules []RuleSpec `yaml:"rules" json:"rules"`

	// Packages is an allow-list of package-name globs; ExcludedPackages is a
	// deny-list and takes precedence.
	Packages         []string `yaml:"packages,omitempty" json:"packages,omitempty"`
	ExcludedPackages []string `yaml:"excluded_packages,omitempty" json:"excluded_packages,omitempty"`

	// Source records where the policy came from: a file path for configured
	// policies, a URL for remote ones.
	Source string `yaml:"-" json:"-"`

	// adHoc policies are synthesized from request-supplied rules and bypass
	// subject type and decision context matching.
	adHoc bool
}

// Query carries the attributes a policy is matched against. Zero-valued
// attributes are treated as "match anything".
type Query struct {
	DecisionContexts []string
	ProductVersion   string
	SubjectType      *subject.Type
	TestCase         string
}

// AllDecisionContexts folds the legacy single-context field into the list
// form.
func (p *Policy) AllDecisionContexts() []string {
	if len(p.DecisionContexts) > 0 {
		return p.DecisionContexts
	}
	if p.DecisionContext != "" {
		return []string{p.DecisionContext}
	}
	return nil
}

// MarshalJSON folds the legacy single-context form into decision_contexts so
// policies render with their contexts regardless of which form configured
// them.
func (p Policy) MarshalJSON() ([]byte, error) {
	type alias Policy
	a := alias(p)
	a.DecisionContexts = p.AllDecisionContexts()
	a.DecisionContext = ""
	return json.Marshal(a)
}

// Validate enforces the configured-policy invariants. Violations are fatal at
// load time so the process refuses to start with an inconsistent policy set.
func (p *Policy) Validate() error {
	if p.ID == "" {
		return errors.New("policy is missing an id")
	}
	if p.SubjectType == "" {
		return fmt.Errorf("policy %q is missing a subject_type", p.ID)
	}
	if len(p.ProductVersions) == 0 {
		return fmt.Errorf("policy %q has no product_versions", p.ID)
	}
	if p.DecisionContext != "" && len(p.DecisionContexts) > 0 {
		return fmt.Errorf(
			"policy %q sets both decision_context and decision_contexts", p.ID)
	}
	if len(p.AllDecisionContexts()) == 0 {
		return fmt.Errorf("policy %q has no decision contexts", p.ID)
	}
	return p.validatePatterns()
}

func (p *Policy) validatePatterns() error {
	for _, patterns := range [][]string{p.ProductVersions, p.Packages, p.ExcludedPackages} {
		for _, pattern := range patterns {
			if _, err := path.Match(pattern, ""); err != nil {
				return fmt.Errorf("policy %q: bad pattern %q", p.ID, pattern)
			}
		}
	}
	return nil
}

// Matches reports whether the policy applies to the query. Ad-hoc policies
// skip context and subject type matching entirely.
func (p *Policy) Matches(q Query) bool {
	if !p.adHoc {
		if len(q.DecisionContexts) > 0 && !intersects(q.DecisionContexts, p.AllDecisionContexts()) {
			return false
		}
		if q.SubjectType != nil && !q.SubjectType.Matches(p.SubjectType) {
			return false
		}
	}
	if q.ProductVersion != "" && !p.MatchesProductVersion(q.ProductVersion) {
		return false
	}
	return p.matchesAnyRule(q.TestCase)
}

func (p *Policy) matchesAnyRule(testCase string) bool {
	if len(p.Rules) == 0 {
		return true
	}
	for _, spec := range p.Rules {
		if spec.Rule.MatchesTestCase(testCase) {
			return true
		}
	}
	return false
}

// MatchesProductVersion reports whether any of the policy's product version
// globs matches the given version.
func (p *Policy) MatchesProductVersion(productVersion string) bool {
	return matchAny(p.ProductVersions, productVersion)
}

// MatchesSubPolicy reports whether a fetched remote sub-policy shares a
// decision context with this policy. Ad-hoc parents instead accept any
// sub-policy covering one of their product versions.
func (p *Policy) MatchesSubPolicy(sub *Policy) bool {
	if p.adHoc {
		for _, pv := range p.ProductVersions {
			if sub.MatchesProductVersion(pv) {
				return true
			}
		}
		return false
	}
	return intersects(p.AllDecisionContexts(), sub.AllDecisionContexts())
}

// ExcludesPackage reports whether the package name is on the deny-list.
func (p *Policy) ExcludesPackage(name string) bool {
	return matchAny(p.ExcludedPackages, name)
}

// AllowsPackage reports whether the package name passes the allow-list. An
// empty allow-list allows everything.
func (p *Policy) AllowsPackage(name string) bool {
	return len(p.Packages) == 0 || matchAny(p.Packages, name)
}

// InheritFrom fills contexts, subject type and product versions a remote
// sub-policy omitted from its declaring parent policy.
func (p *Policy) InheritFrom(parent *Policy) {
	if len(p.AllDecisionContexts()) == 0 {
		p.DecisionContexts = parent.AllDecisionContexts()
	}
	if p.SubjectType == "" {
		p.SubjectType = parent.SubjectType
	}
	if len(p.ProductVersions) == 0 {
		p.ProductVersions = parent.ProductVersions
	}
}

// NewAdHoc synthesizes a single anonymous policy from request-supplied rules.
func NewAdHoc(productVersion string, rules []RuleSpec) *Policy {
	return &Policy{
		ID:              "on-demand-policy",
		ProductVersions: []string{productVersion},
		DecisionContext: "on-demand-policy",
		Rules:           rules,
		adHoc:           true,
	}
}

// matchAny reports whether s matches any of the anchored shell-style glob
// patterns (*, ? and character classes; full-string matches only).
func matchAny(patterns []string, s string) bool {
	for _, pattern := range patterns {
		if ok, err := path.Match(pattern, s); err == nil && ok {
			return true
		}
	}
	return false
}

func intersects(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}
