// Package decision evaluates gating decisions: it selects the applicable
// policies for a request, gathers test results and waivers, runs the rule
// evaluation state machine and renders the verdict.
package decision

import (
	"fmt"

	"verdict/internal/gateway"
	"verdict/internal/policy"
	"verdict/internal/subject"
	"verdict/pkg/platform/sentinel"
)

// Request is a decision request. Exactly one of the context form
// (decision_context or decision_contexts) and the ad-hoc form (rules) must
// be used; the subject is given either as first-class fields or as the
// legacy subject list.
type Request struct {
	DecisionContext  string   `json:"decision_context,omitempty"`
	DecisionContexts []string `json:"decision_contexts,omitempty"`
	ProductVersion   string   `json:"product_version"`

	SubjectType       string `json:"subject_type,omitempty"`
	SubjectIdentifier string `json:"subject_identifier,omitempty"`

	// Subject is the legacy list form: maps carrying "type" plus the
	// type's item key.
	Subject []map[string]string `json:"subject,omitempty"`

	// Rules makes the request ad hoc: the listed rules are evaluated
	// instead of any configured policy.
	Rules []policy.RuleSpec `json:"rules,omitempty"`

	IgnoreResultIDs []int64 `json:"ignore_result_ids,omitempty"`
	IgnoreWaiverIDs []int64 `json:"ignore_waiver_ids,omitempty"`

	// When limits the evidence to what existed at the given instant,
	// rendering the decision as it would have been made then.
	When string `json:"when,omitempty"`

	Verbose bool `json:"verbose,omitempty"`
}

// AllDecisionContexts folds the legacy single-context field into the list
// form.
func (r Request) AllDecisionContexts() []string {
	if len(r.DecisionContexts) > 0 {
		return r.DecisionContexts
	}
	if r.DecisionContext != "" {
		return []string{r.DecisionContext}
	}
	return nil
}

func (r Request) validate() error {
	if r.ProductVersion == "" {
		return fmt.Errorf("%w: product_version is required", sentinel.ErrBadInput)
	}
	if r.DecisionContext != "" && len(r.DecisionContexts) > 0 {
		return fmt.Errorf("%w: cannot set both decision_context and decision_contexts",
			sentinel.ErrBadInput)
	}
	contexts := r.AllDecisionContexts()
	if len(contexts) == 0 && len(r.Rules) == 0 {
		return fmt.Errorf("%w: either decision_context or rules is required",
			sentinel.ErrBadInput)
	}
	if len(contexts) > 0 && len(r.Rules) > 0 {
		return fmt.Errorf("%w: cannot set both decision_context and rules",
			sentinel.ErrBadInput)
	}
	if (r.SubjectType == "") != (r.SubjectIdentifier == "") {
		return fmt.Errorf("%w: subject_type and subject_identifier must be set together",
			sentinel.ErrBadInput)
	}
	if r.SubjectType == "" && len(r.Subject) == 0 {
		return fmt.Errorf("%w: subject_type and subject_identifier are required",
			sentinel.ErrBadInput)
	}
	if r.When != "" {
		if _, err := gateway.ParseTime(r.When); err != nil {
			return fmt.Errorf("%w: invalid when timestamp %q", sentinel.ErrBadInput, r.When)
		}
	}
	return nil
}

// subjects resolves the request's subject references against the registry.
// Unknown subject types are the client's mistake, not a server failure.
func (r Request) subjects(registry *subject.Registry) ([]subject.Subject, error) {
	var subjects []subject.Subject

	if r.SubjectType != "" {
		t, err := registry.Get(r.SubjectType)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", sentinel.ErrBadInput, err)
		}
		subjects = append(subjects, subject.New(t, r.SubjectIdentifier))
	}

	for _, entry := range r.Subject {
		typeID := entry["type"]
		if typeID == "" {
			return nil, fmt.Errorf("%w: subject entry is missing a type", sentinel.ErrBadInput)
		}
		t, err := registry.Get(typeID)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", sentinel.ErrBadInput, err)
		}
		key := t.ItemKey
		if key == "" {
			key = "item"
		}
		identifier := entry[key]
		if identifier == "" {
			identifier = entry["item"]
		}
		if identifier == "" {
			return nil, fmt.Errorf("%w: subject entry for type %q has no identifier",
				sentinel.ErrBadInput, typeID)
		}
		subjects = append(subjects, subject.New(t, identifier))
	}

	return subjects, nil
}

// sinceWindow renders the results/waivers time filter for a when-bounded
// request: everything submitted before the instant the decision is rendered
// at.
func sinceWindow(when string) string {
	if when == "" {
		return ""
	}
	return "1900-01-01T00:00:00.000000," + when
}

// Decision is the rendered verdict.
type Decision struct {
	PoliciesSatisfied  bool     `json:"policies_satisfied"`
	Summary            string   `json:"summary"`
	ApplicablePolicies []string `json:"applicable_policies"`

	SatisfiedRequirements   []policy.Requirement `json:"satisfied_requirements"`
	UnsatisfiedRequirements []policy.Requirement `json:"unsatisfied_requirements"`

	// Results and Waivers carry the evidence the decision was rendered
	// from; populated only for verbose requests.
	Results []gateway.Result `json:"results,omitempty"`
	Waivers []gateway.Waiver `json:"waivers,omitempty"`
}

// Requirements returns satisfied and unsatisfied requirements as one list.
func (d *Decision) Requirements() []policy.Requirement {
	all := make([]policy.Requirement, 0, len(d.SatisfiedRequirements)+len(d.UnsatisfiedRequirements))
	all = append(all, d.SatisfiedRequirements...)
	all = append(all, d.UnsatisfiedRequirements...)
	return all
}
