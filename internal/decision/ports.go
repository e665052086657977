package decision

import (
	"context"

	"verdict/internal/buildinfo"
	"verdict/internal/gateway"
	"verdict/internal/policy"
	"verdict/internal/remoterule"
	"verdict/internal/subject"
)

// ResultsPort retrieves test results for a subject.
type ResultsPort interface {
	Results(ctx context.Context, sub subject.Subject, testCase, since string, ignoreIDs []int64) ([]gateway.Result, error)
	Outcomes() gateway.Outcomes
}

// WaiversPort retrieves waivers matching the given filters.
type WaiversPort interface {
	Waivers(ctx context.Context, filters []gateway.WaiverFilter, since string, ignoreIDs []int64) ([]gateway.Waiver, error)
}

// BuildsPort retrieves build metadata, used to anchor rule validity windows
// to the build's creation time.
type BuildsPort interface {
	Build(ctx context.Context, nvr string) (buildinfo.Build, error)
}

// RemotePort resolves a remote rule into sub-policies and fetch requirements.
type RemotePort interface {
	Resolve(ctx context.Context, parent *policy.Policy, rule policy.RemoteRule, sub subject.Subject) (remoterule.Resolution, error)
}
