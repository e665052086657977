package policy

import (
	"fmt"
	"sort"
	"strings"
)

// SummaryNoApplicablePolicies is rendered when no policy matched the request.
const SummaryNoApplicablePolicies = "Cannot find any applicable policies"

// Summarize produces a one-sentence human-readable summary of a decision's
// requirements.
func Summarize(requirements []Requirement) string {
	testCount := 0
	testMsgs := map[string]int{}
	nonTestMsgs := map[string]int{}
	gatingOnly := true

	for _, r := range requirements {
		if r.IsTestResult() {
			testCount++
			if !r.Satisfied() {
				testMsgs[testMessage(r)]++
				gatingOnly = false
			}
			continue
		}
		if !r.Satisfied() {
			nonTestMsgs[nonTestMessage(r)]++
		}
	}

	var parts []string
	if len(nonTestMsgs) > 0 {
		msg := joinCounts(nonTestMsgs)
		if gatingOnly {
			msg += " (misconfigured gating.yaml file)"
		}
		parts = append(parts, msg)
	}
	if len(testMsgs) > 0 {
		parts = append(parts, fmt.Sprintf(
			"Of %d required test%s, %s", testCount, plural(testCount), joinCounts(testMsgs)))
	}
	if len(parts) > 0 {
		return strings.Join(parts, ". ")
	}

	if testCount > 0 {
		return fmt.Sprintf(
			"All required tests (%d total) have passed or been waived", testCount)
	}
	return "No tests are required"
}

// testMessage returns the pluralizable phrase for an unsatisfied test
// requirement; "%s" is replaced by the plural suffix.
func testMessage(r Requirement) string {
	switch r.Type {
	case KindTestResultFailed:
		return "test%s failed"
	case KindTestResultErrored:
		return "test%s errored"
	case KindTestResultMissing:
		if r.ResultID != 0 {
			return "test%s incomplete"
		}
		return "result%s missing"
	}
	return "unexpected unsatisfied requirement%s"
}

func nonTestMessage(r Requirement) string {
	switch r.Type {
	case KindInvalidGatingYAML:
		return "error%s due to invalid gating.yaml file"
	case KindMissingGatingYAML:
		return "error%s due to missing gating.yaml file"
	case KindFailedFetchGatingYAML:
		return "error%s while fetching gating.yaml file"
	}
	return "unexpected unsatisfied requirement%s"
}

func joinCounts(msgs map[string]int) string {
	keys := make([]string, 0, len(msgs))
	for msg := range msgs {
		keys = append(keys, msg)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, msg := range keys {
		n := msgs[msg]
		parts = append(parts, fmt.Sprintf("%d %s", n, fmt.Sprintf(msg, plural(n))))
	}
	return strings.Join(parts, ", ")
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}
