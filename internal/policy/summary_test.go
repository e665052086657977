package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"verdict/internal/subject"
)

func TestSummarize(t *testing.T) {
	s := subject.New(kojiBuild(), "glibc-2.38-1.fc40")
	passed := func(tc string) Requirement {
		return TestResultPassed(s, tc, "p", 1, nil, nil, nil)
	}
	failed := func(tc string) Requirement {
		return TestResultFailed(s, tc, "p", 2, nil, nil, nil)
	}
	missing := func(tc string) Requirement {
		return TestResultMissing(s, tc, "p", nil)
	}
	incomplete := func(tc string) Requirement {
		return TestResultIncomplete(s, tc, "p", 3, nil, nil, nil)
	}
	errored := func(tc string) Requirement {
		return TestResultErrored(s, tc, "p", 4, "crashed", nil, nil, nil)
	}

	tests := []struct {
		name         string
		requirements []Requirement
		want         string
	}{
		{
			"no requirements",
			nil,
			"No tests are required",
		},
		{
			"all passed",
			[]Requirement{passed("a"), passed("b")},
			"All required tests (2 total) have passed or been waived",
		},
		{
			"waived counts as passed",
			[]Requirement{passed("a"), failed("b").Waive(7)},
			"All required tests (2 total) have passed or been waived",
		},
		{
			"one failure",
			[]Requirement{passed("a"), failed("b")},
			"Of 2 required tests, 1 test failed",
		},
		{
			"mixed failures pluralize per kind",
			[]Requirement{failed("a"), failed("b"), missing("c"), errored("d")},
			"Of 4 required tests, 1 result missing, 1 test errored, 2 tests failed",
		},
		{
			"incomplete is distinct from missing",
			[]Requirement{incomplete("a")},
			"Of 1 required test, 1 test incomplete",
		},
		{
			"gating document problems alone flag misconfiguration",
			[]Requirement{MissingGatingYAML(s, []string{"https://src/gating.yaml"})},
			"1 error due to missing gating.yaml file (misconfigured gating.yaml file)",
		},
		{
			"gating document problems combine with test failures",
			[]Requirement{
				InvalidGatingYAML(s, "https://src/gating.yaml", "bad yaml"),
				failed("a"),
			},
			"1 error due to invalid gating.yaml file. Of 1 required test, 1 test failed",
		},
		{
			"fetched document is satisfied and silent",
			[]Requirement{FetchedGatingYAML(s, "https://src/gating.yaml"), passed("a")},
			"All required tests (1 total) have passed or been waived",
		},
		{
			"excluded package alone requires nothing",
			[]Requirement{Excluded(s, validPolicy())},
			"No tests are required",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Summarize(tc.requirements))
		})
	}
}
