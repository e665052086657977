package policy

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Rule type discriminator values. The rule set is closed: evaluation
// dispatches over these three variants, not an open registry.
const (
	TypePassingTestCase      = "PassingTestCaseRule"
	TypePackageSpecificBuild = "PackageSpecificBuild"
	TypeRemoteRule           = "RemoteRule"
)

// Rule is one matching/evaluation specification inside a policy. Rules carry
// no mutable state.
type Rule interface {
	// RuleType returns the discriminator value.
	RuleType() string

	// MatchesTestCase reports whether evaluating this rule can involve the
	// named test case. An empty name matches any rule.
	MatchesTestCase(name string) bool
}

// PassingTestCaseRule requires a passing or waived result for the named test
// case, optionally scoped to a scenario and a validity time window.
type PassingTestCaseRule struct {
	TestCaseName string     `yaml:"test_case_name" json:"test_case_name"`
	Scenario     string     `yaml:"scenario,omitempty" json:"scenario,omitempty"`
	ValidSince   *time.Time `yaml:"valid_since,omitempty" json:"valid_since,omitempty"`
	ValidUntil   *time.Time `yaml:"valid_until,omitempty" json:"valid_until,omitempty"`
}

func (r PassingTestCaseRule) RuleType() string { return TypePassingTestCase }

func (r PassingTestCaseRule) MatchesTestCase(name string) bool {
	return name == "" || name == r.TestCaseName
}

// AppliesAt reports whether the rule's validity window covers t. The window
// is half-open: [valid_since, valid_until).
func (r PassingTestCaseRule) AppliesAt(t time.Time) bool {
	if r.ValidSince != nil && t.Before(*r.ValidSince) {
		return false
	}
	if r.ValidUntil != nil && !t.Before(*r.ValidUntil) {
		return false
	}
	return true
}

// PackageSpecificBuildRule is a PassingTestCaseRule restricted to packages
// whose name matches one of the repo globs. The rule keeps its legacy name
// for compatibility with existing policy documents.
type PackageSpecificBuildRule struct {
	TestCaseName string   `yaml:"test_case_name" json:"test_case_name"`
	Repos        []string `yaml:"repos" json:"repos"`
}

func (r PackageSpecificBuildRule) RuleType() string { return TypePackageSpecificBuild }

func (r PackageSpecificBuildRule) MatchesTestCase(name string) bool {
	return name == "" || name == r.TestCaseName
}

// MatchesPackage reports whether the rule applies to the named package.
func (r PackageSpecificBuildRule) MatchesPackage(name string) bool {
	return matchAny(r.Repos, name)
}

// RemoteRule defers to a gating document fetched from the subject's own
// source repository. When required is true, an absent document is itself an
// unsatisfied requirement.
type RemoteRule struct {
	Required bool     `yaml:"required,omitempty" json:"required"`
	Sources  []string `yaml:"sources,omitempty" json:"sources,omitempty"`
}

func (r RemoteRule) RuleType() string { return TypeRemoteRule }

// MatchesTestCase always matches: whether the remote document involves the
// test case is only known after fetching, and the decision-change worker
// recomputes the full decision anyway.
func (r RemoteRule) MatchesTestCase(string) bool { return true }

// RuleSpec wraps the closed rule union for YAML and JSON (de)serialization.
// The variant is selected by an explicit "type" field; unknown types are
// rejected at load time rather than silently coerced.
type RuleSpec struct {
	Rule Rule
}

func (s *RuleSpec) UnmarshalYAML(node *yaml.Node) error {
	var head struct {
		Type string `yaml:"type"`
	}
	if err := node.Decode(&head); err != nil {
		return err
	}

	switch head.Type {
	case TypePassingTestCase:
		var r PassingTestCaseRule
		if err := node.Decode(&r); err != nil {
			return err
		}
		if r.TestCaseName == "" {
			return fmt.Errorf("%s requires test_case_name", head.Type)
		}
		s.Rule = r
	case TypePackageSpecificBuild, "FedoraAtomicCi":
		var r PackageSpecificBuildRule
		if err := node.Decode(&r); err != nil {
			return err
		}
		if r.TestCaseName == "" {
			return fmt.Errorf("%s requires test_case_name", head.Type)
		}
		s.Rule = r
	case TypeRemoteRule:
		var r RemoteRule
		if err := node.Decode(&r); err != nil {
			return err
		}
		s.Rule = r
	case "":
		return fmt.Errorf("rule is missing a type")
	default:
		return fmt.Errorf("unknown rule type %q", head.Type)
	}
	return nil
}

func (s *RuleSpec) UnmarshalJSON(raw []byte) error {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return err
	}

	switch head.Type {
	case TypePassingTestCase:
		var r PassingTestCaseRule
		if err := json.Unmarshal(raw, &r); err != nil {
			return err
		}
		if r.TestCaseName == "" {
			return fmt.Errorf("%s requires test_case_name", head.Type)
		}
		s.Rule = r
	case TypePackageSpecificBuild, "FedoraAtomicCi":
		var r PackageSpecificBuildRule
		if err := json.Unmarshal(raw, &r); err != nil {
			return err
		}
		if r.TestCaseName == "" {
			return fmt.Errorf("%s requires test_case_name", head.Type)
		}
		s.Rule = r
	case TypeRemoteRule:
		var r RemoteRule
		if err := json.Unmarshal(raw, &r); err != nil {
			return err
		}
		s.Rule = r
	case "":
		return fmt.Errorf("rule is missing a type")
	default:
		return fmt.Errorf("unknown rule type %q", head.Type)
	}
	return nil
}

func (s RuleSpec) MarshalJSON() ([]byte, error) {
	body, err := json.Marshal(s.Rule)
	if err != nil {
		return nil, err
	}
	// Splice the discriminator into the rule object.
	var fields map[string]any
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	fields["type"] = s.Rule.RuleType()
	return json.Marshal(fields)
}
