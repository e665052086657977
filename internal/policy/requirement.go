package policy

import (
	"strings"

	"verdict/internal/subject"
)

// Requirement kinds. The "-waived" variants are produced by Waive.
const (
	KindTestResultPassed  = "test-result-passed"
	KindTestResultMissing = "test-result-missing"
	KindTestResultFailed  = "test-result-failed"
	KindTestResultErrored = "test-result-errored"

	KindInvalidGatingYAML     = "invalid-gating-yaml"
	KindMissingGatingYAML     = "missing-gating-yaml"
	KindFailedFetchGatingYAML = "failed-fetch-gating-yaml"
	KindFetchedGatingYAML     = "fetched-gating-yaml"

	KindExcluded = "excluded"

	waivedSuffix = "-waived"
)

// Requirement is the atomic unit of decision output: one satisfied or
// unsatisfied condition, carrying enough identity to act as a waiver key and
// for deduplication.
type Requirement struct {
	Type              string  `json:"type"`
	TestCase          string  `json:"testcase,omitempty"`
	SubjectType       string  `json:"subject_type,omitempty"`
	SubjectIdentifier string  `json:"subject_identifier,omitempty"`
	Scenario          *string `json:"scenario"`

	SystemArchitecture *string `json:"system_architecture,omitempty"`
	SystemVariant      *string `json:"system_variant,omitempty"`

	// ResultID is volatile: a fresh result for the same verdict changes it,
	// so the change detector strips it before comparing.
	ResultID int64 `json:"result_id,omitempty"`
	WaiverID int64 `json:"waiver_id,omitempty"`

	ErrorReason string   `json:"error_reason,omitempty"`
	Source      string   `json:"source,omitempty"`
	Sources     []string `json:"sources,omitempty"`
	Details     string   `json:"details,omitempty"`
	Policy      string   `json:"policy,omitempty"`
}

// Satisfied reports whether the requirement counts toward a passing decision.
func (r Requirement) Satisfied() bool {
	switch r.Type {
	case KindTestResultPassed, KindFetchedGatingYAML, KindExcluded:
		return true
	}
	return strings.HasSuffix(r.Type, waivedSuffix)
}

// IsTestResult reports whether the requirement concerns an actual test case
// (as opposed to gating configuration or package exclusion).
func (r Requirement) IsTestResult() bool {
	base := strings.TrimSuffix(r.Type, waivedSuffix)
	switch base {
	case KindTestResultPassed, KindTestResultMissing, KindTestResultFailed, KindTestResultErrored:
		return true
	}
	return false
}

// Waivable reports whether a waiver can neutralize this requirement. A
// requirement with a test case identity is waivable.
func (r Requirement) Waivable() bool {
	return !r.Satisfied() && r.TestCase != ""
}

// Waive returns the waived counterpart of an unsatisfied requirement.
func (r Requirement) Waive(waiverID int64) Requirement {
	r.Type += waivedSuffix
	r.WaiverID = waiverID
	return r
}

// Key is the identity under which requirements are deduplicated: the first
// occurrence wins when the same test case is required by several applicable
// policies.
type Key struct {
	Type              string
	TestCase          string
	SubjectType       string
	SubjectIdentifier string
	Scenario          string
}

// Key returns the requirement's deduplication identity.
func (r Requirement) Key() Key {
	k := Key{
		Type:              strings.TrimSuffix(r.Type, waivedSuffix),
		TestCase:          r.TestCase,
		SubjectType:       r.SubjectType,
		SubjectIdentifier: r.SubjectIdentifier,
	}
	if r.Scenario != nil {
		k.Scenario = *r.Scenario
	}
	return k
}

// Constructors below keep the engine readable; each mirrors one outcome of
// the rule evaluation state machine.

func TestResultPassed(s subject.Subject, testCase, source string, resultID int64, scenario, arch, variant *string) Requirement {
	return Requirement{
		Type:               KindTestResultPassed,
		TestCase:           testCase,
		SubjectType:        s.TypeID(),
		SubjectIdentifier:  s.Identifier,
		Scenario:           scenario,
		SystemArchitecture: arch,
		SystemVariant:      variant,
		ResultID:           resultID,
		Source:             source,
	}
}

func TestResultMissing(s subject.Subject, testCase, source string, scenario *string) Requirement {
	return Requirement{
		Type:              KindTestResultMissing,
		TestCase:          testCase,
		SubjectType:       s.TypeID(),
		SubjectIdentifier: s.Identifier,
		Scenario:          scenario,
		Source:            source,
	}
}

// TestResultIncomplete covers queued/running outcomes: same kind as missing
// (an incomplete run provides no verdict) but the triggering result is kept.
func TestResultIncomplete(s subject.Subject, testCase, source string, resultID int64, scenario, arch, variant *string) Requirement {
	r := TestResultPassed(s, testCase, source, resultID, scenario, arch, variant)
	r.Type = KindTestResultMissing
	return r
}

func TestResultFailed(s subject.Subject, testCase, source string, resultID int64, scenario, arch, variant *string) Requirement {
	r := TestResultPassed(s, testCase, source, resultID, scenario, arch, variant)
	r.Type = KindTestResultFailed
	return r
}

func TestResultErrored(s subject.Subject, testCase, source string, resultID int64, errorReason string, scenario, arch, variant *string) Requirement {
	r := TestResultPassed(s, testCase, source, resultID, scenario, arch, variant)
	r.Type = KindTestResultErrored
	r.ErrorReason = errorReason
	return r
}

func InvalidGatingYAML(s subject.Subject, source, details string) Requirement {
	return Requirement{
		Type:              KindInvalidGatingYAML,
		TestCase:          KindInvalidGatingYAML,
		SubjectType:       s.TypeID(),
		SubjectIdentifier: s.Identifier,
		Source:            source,
		Details:           details,
	}
}

func MissingGatingYAML(s subject.Subject, sources []string) Requirement {
	return Requirement{
		Type:              KindMissingGatingYAML,
		TestCase:          KindMissingGatingYAML,
		SubjectType:       s.TypeID(),
		SubjectIdentifier: s.Identifier,
		Sources:           sources,
	}
}

func FailedFetchGatingYAML(s subject.Subject, sources []string, errorReason string) Requirement {
	return Requirement{
		Type:              KindFailedFetchGatingYAML,
		TestCase:          KindFailedFetchGatingYAML,
		SubjectType:       s.TypeID(),
		SubjectIdentifier: s.Identifier,
		Sources:           sources,
		ErrorReason:       errorReason,
	}
}

func FetchedGatingYAML(s subject.Subject, source string) Requirement {
	return Requirement{
		Type:              KindFetchedGatingYAML,
		TestCase:          KindFetchedGatingYAML,
		SubjectType:       s.TypeID(),
		SubjectIdentifier: s.Identifier,
		Source:            source,
	}
}

func Excluded(s subject.Subject, p *Policy) Requirement {
	return Requirement{
		Type:              KindExcluded,
		SubjectType:       s.TypeID(),
		SubjectIdentifier: s.Identifier,
		Policy:            p.ID,
		Source:            p.Source,
	}
}
