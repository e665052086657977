package decision

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"verdict/internal/buildinfo"
	"verdict/internal/gateway"
	"verdict/internal/policy"
	"verdict/internal/remoterule"
	"verdict/internal/subject"
	"verdict/pkg/platform/sentinel"
)

type fakeResults struct {
	byTest   map[string][]gateway.Result
	outcomes gateway.Outcomes
	err      error
}

func (f *fakeResults) Results(_ context.Context, _ subject.Subject, testCase, _ string, _ []int64) ([]gateway.Result, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.byTest[testCase], nil
}

func (f *fakeResults) Outcomes() gateway.Outcomes {
	return f.outcomes
}

type fakeWaivers struct {
	waivers []gateway.Waiver
	filters []gateway.WaiverFilter
	err     error
}

func (f *fakeWaivers) Waivers(_ context.Context, filters []gateway.WaiverFilter, _ string, _ []int64) ([]gateway.Waiver, error) {
	f.filters = append(f.filters, filters...)
	if f.err != nil {
		return nil, f.err
	}
	return f.waivers, nil
}

type fakeBuilds struct {
	build buildinfo.Build
	err   error
}

func (f *fakeBuilds) Build(context.Context, string) (buildinfo.Build, error) {
	return f.build, f.err
}

type fakeRemote struct {
	resolution remoterule.Resolution
	err        error
}

func (f *fakeRemote) Resolve(context.Context, *policy.Policy, policy.RemoteRule, subject.Subject) (remoterule.Resolution, error) {
	return f.resolution, f.err
}

func testRegistry() *subject.Registry {
	return subject.NewRegistry(
		&subject.Type{ID: "koji_build", Aliases: []string{"brew-build"}, ItemKey: "item", IsKojiBuild: true, IsNVR: true, SupportsRemoteRule: true},
		&subject.Type{ID: "compose", ItemKey: "productmd.compose.id", IgnoreMissingPolicy: true},
	)
}

func testRule(testCase string) policy.RuleSpec {
	return policy.RuleSpec{Rule: policy.PassingTestCaseRule{TestCaseName: testCase}}
}

func testPolicy(id string, rules ...policy.RuleSpec) *policy.Policy {
	return &policy.Policy{
		ID:              id,
		SubjectType:     "koji_build",
		ProductVersions: []string{"fedora-*"},
		DecisionContext: "bodhi_update_push_stable",
		Rules:           rules,
		Source:          "/etc/verdict/policies/" + id + ".yaml",
	}
}

func passedResult(id int64, testCase string) gateway.Result {
	return gateway.Result{
		ID:         id,
		TestCase:   testCase,
		Outcome:    "PASSED",
		SubmitTime: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
	}
}

func failedResult(id int64, testCase string) gateway.Result {
	r := passedResult(id, testCase)
	r.Outcome = "FAILED"
	return r
}

func newTestEngine(policies []*policy.Policy, results *fakeResults, waivers *fakeWaivers, builds BuildsPort, remote RemotePort) *Engine {
	if results.outcomes.Passed == nil {
		results.outcomes = gateway.DefaultOutcomes()
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewEngine(policy.NewStore(policies...), testRegistry(), results, waivers, builds, remote, log, nil)
}

func baseRequest() Request {
	return Request{
		DecisionContext:   "bodhi_update_push_stable",
		ProductVersion:    "fedora-40",
		SubjectType:       "koji_build",
		SubjectIdentifier: "glibc-2.38-1.fc40",
	}
}

func TestEvaluateAllPassing(t *testing.T) {
	engine := newTestEngine(
		[]*policy.Policy{testPolicy("fedora.bodhi", testRule("dist.rpmdeplint"))},
		&fakeResults{byTest: map[string][]gateway.Result{
			"dist.rpmdeplint": {passedResult(1, "dist.rpmdeplint")},
		}},
		&fakeWaivers{}, &fakeBuilds{}, &fakeRemote{},
	)

	d, err := engine.Evaluate(context.Background(), baseRequest())
	require.NoError(t, err)
	assert.True(t, d.PoliciesSatisfied)
	assert.Equal(t, "All required tests (1 total) have passed or been waived", d.Summary)
	assert.Equal(t, []string{"fedora.bodhi"}, d.ApplicablePolicies)
	require.Len(t, d.SatisfiedRequirements, 1)
	assert.Equal(t, policy.KindTestResultPassed, d.SatisfiedRequirements[0].Type)
	assert.Equal(t, int64(1), d.SatisfiedRequirements[0].ResultID)
	assert.Empty(t, d.UnsatisfiedRequirements)
}

func TestEvaluateMissingResult(t *testing.T) {
	engine := newTestEngine(
		[]*policy.Policy{testPolicy("fedora.bodhi", testRule("dist.rpmdeplint"))},
		&fakeResults{}, &fakeWaivers{}, &fakeBuilds{}, &fakeRemote{},
	)

	d, err := engine.Evaluate(context.Background(), baseRequest())
	require.NoError(t, err)
	assert.False(t, d.PoliciesSatisfied)
	assert.Equal(t, "Of 1 required test, 1 result missing", d.Summary)
	require.Len(t, d.UnsatisfiedRequirements, 1)
	assert.Equal(t, policy.KindTestResultMissing, d.UnsatisfiedRequirements[0].Type)
}

func TestEvaluateFailureWaived(t *testing.T) {
	waiver := gateway.Waiver{
		ID:                42,
		SubjectType:       "koji_build",
		SubjectIdentifier: "glibc-2.38-1.fc40",
		TestCase:          "dist.rpmdeplint",
		Waived:            true,
		ProductVersion:    "fedora-40",
		Timestamp:         gateway.Time{Time: time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC)},
	}
	waivers := &fakeWaivers{waivers: []gateway.Waiver{waiver}}
	engine := newTestEngine(
		[]*policy.Policy{testPolicy("fedora.bodhi", testRule("dist.rpmdeplint"))},
		&fakeResults{byTest: map[string][]gateway.Result{
			"dist.rpmdeplint": {failedResult(1, "dist.rpmdeplint")},
		}},
		waivers, &fakeBuilds{}, &fakeRemote{},
	)

	d, err := engine.Evaluate(context.Background(), baseRequest())
	require.NoError(t, err)
	assert.True(t, d.PoliciesSatisfied)
	require.Len(t, d.SatisfiedRequirements, 1)
	assert.Equal(t, "test-result-failed-waived", d.SatisfiedRequirements[0].Type)
	assert.Equal(t, int64(42), d.SatisfiedRequirements[0].WaiverID)

	require.Len(t, waivers.filters, 1)
	assert.Equal(t, "glibc-2.38-1.fc40", waivers.filters[0].SubjectIdentifier)
	assert.Equal(t, "fedora-40", waivers.filters[0].ProductVersion)
}

func TestEvaluateRevokedWaiverDoesNotSuppress(t *testing.T) {
	granted := gateway.Waiver{
		ID: 42, SubjectType: "koji_build", SubjectIdentifier: "glibc-2.38-1.fc40",
		TestCase: "dist.rpmdeplint", Waived: true,
		Timestamp: gateway.Time{Time: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)},
	}
	revoked := granted
	revoked.ID = 43
	revoked.Waived = false
	revoked.Timestamp = gateway.Time{Time: time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC)}

	engine := newTestEngine(
		[]*policy.Policy{testPolicy("fedora.bodhi", testRule("dist.rpmdeplint"))},
		&fakeResults{byTest: map[string][]gateway.Result{
			"dist.rpmdeplint": {failedResult(1, "dist.rpmdeplint")},
		}},
		&fakeWaivers{waivers: []gateway.Waiver{granted, revoked}},
		&fakeBuilds{}, &fakeRemote{},
	)

	d, err := engine.Evaluate(context.Background(), baseRequest())
	require.NoError(t, err)
	assert.False(t, d.PoliciesSatisfied)
	require.Len(t, d.UnsatisfiedRequirements, 1)
	assert.Equal(t, policy.KindTestResultFailed, d.UnsatisfiedRequirements[0].Type)
}

func TestEvaluateDeduplicatesAcrossPolicies(t *testing.T) {
	engine := newTestEngine(
		[]*policy.Policy{
			testPolicy("first", testRule("dist.rpmdeplint")),
			testPolicy("second", testRule("dist.rpmdeplint")),
		},
		&fakeResults{byTest: map[string][]gateway.Result{
			"dist.rpmdeplint": {passedResult(1, "dist.rpmdeplint")},
		}},
		&fakeWaivers{}, &fakeBuilds{}, &fakeRemote{},
	)

	d, err := engine.Evaluate(context.Background(), baseRequest())
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, d.ApplicablePolicies)
	assert.Len(t, d.SatisfiedRequirements, 1)
	assert.Equal(t, "All required tests (1 total) have passed or been waived", d.Summary)
}

func TestEvaluateNoApplicablePolicies(t *testing.T) {
	engine := newTestEngine(nil, &fakeResults{}, &fakeWaivers{}, &fakeBuilds{}, &fakeRemote{})

	d, err := engine.Evaluate(context.Background(), baseRequest())
	require.NoError(t, err)
	assert.False(t, d.PoliciesSatisfied)
	assert.Equal(t, policy.SummaryNoApplicablePolicies, d.Summary)
	assert.Empty(t, d.ApplicablePolicies)
}

func TestEvaluateIgnoreMissingPolicySubjectType(t *testing.T) {
	engine := newTestEngine(nil, &fakeResults{}, &fakeWaivers{}, &fakeBuilds{}, &fakeRemote{})

	req := baseRequest()
	req.SubjectType = "compose"
	req.SubjectIdentifier = "Fedora-40-20240501.0"
	d, err := engine.Evaluate(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, d.PoliciesSatisfied)
	assert.Equal(t, "No tests are required", d.Summary)
}

func TestEvaluateExcludedPackage(t *testing.T) {
	p := testPolicy("fedora.bodhi", testRule("dist.rpmdeplint"))
	p.ExcludedPackages = []string{"glibc"}
	engine := newTestEngine([]*policy.Policy{p},
		&fakeResults{}, &fakeWaivers{}, &fakeBuilds{}, &fakeRemote{})

	d, err := engine.Evaluate(context.Background(), baseRequest())
	require.NoError(t, err)
	assert.True(t, d.PoliciesSatisfied)
	require.Len(t, d.SatisfiedRequirements, 1)
	assert.Equal(t, policy.KindExcluded, d.SatisfiedRequirements[0].Type)
	assert.Equal(t, "fedora.bodhi", d.SatisfiedRequirements[0].Policy)
}

func TestEvaluateAllowlistSkipsPolicy(t *testing.T) {
	p := testPolicy("fedora.bodhi", testRule("dist.rpmdeplint"))
	p.Packages = []string{"bash"}
	engine := newTestEngine([]*policy.Policy{p},
		&fakeResults{}, &fakeWaivers{}, &fakeBuilds{}, &fakeRemote{})

	d, err := engine.Evaluate(context.Background(), baseRequest())
	require.NoError(t, err)
	assert.True(t, d.PoliciesSatisfied)
	assert.Empty(t, d.SatisfiedRequirements)
	assert.Empty(t, d.UnsatisfiedRequirements)
	assert.Equal(t, "No tests are required", d.Summary)
}

func TestEvaluateAdHocRules(t *testing.T) {
	engine := newTestEngine(nil,
		&fakeResults{byTest: map[string][]gateway.Result{
			"dist.custom": {passedResult(1, "dist.custom")},
		}},
		&fakeWaivers{}, &fakeBuilds{}, &fakeRemote{})

	req := baseRequest()
	req.DecisionContext = ""
	req.Rules = []policy.RuleSpec{testRule("dist.custom")}
	d, err := engine.Evaluate(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, d.PoliciesSatisfied)
	assert.Equal(t, []string{"on-demand-policy"}, d.ApplicablePolicies)
}

func TestEvaluateRequiredRemoteDocumentAbsent(t *testing.T) {
	p := testPolicy("fedora.bodhi",
		policy.RuleSpec{Rule: policy.RemoteRule{Required: true}})
	missing := policy.MissingGatingYAML(
		subject.New(&subject.Type{ID: "koji_build", IsNVR: true}, "glibc-2.38-1.fc40"),
		[]string{"https://dist.example.com/rpms/glibc/gating.yaml"},
	)
	engine := newTestEngine([]*policy.Policy{p},
		&fakeResults{}, &fakeWaivers{}, &fakeBuilds{},
		&fakeRemote{resolution: remoterule.Resolution{Requirements: []policy.Requirement{missing}}})

	d, err := engine.Evaluate(context.Background(), baseRequest())
	require.NoError(t, err)
	assert.False(t, d.PoliciesSatisfied)
	require.Len(t, d.UnsatisfiedRequirements, 1)
	assert.Equal(t, policy.KindMissingGatingYAML, d.UnsatisfiedRequirements[0].Type)
	assert.Contains(t, d.Summary, "missing gating.yaml file")
	assert.Contains(t, d.Summary, "(misconfigured gating.yaml file)")
}

func TestEvaluateRemoteSubPolicyRules(t *testing.T) {
	parent := testPolicy("fedora.bodhi", policy.RuleSpec{Rule: policy.RemoteRule{}})
	remote := &policy.Policy{
		ID:               "remote.custom",
		SubjectType:      "koji_build",
		ProductVersions:  []string{"*"},
		DecisionContexts: []string{"bodhi_update_push_stable"},
		Rules:            []policy.RuleSpec{testRule("dist.upgradepath")},
		Source:           "https://dist.example.com/rpms/glibc/gating.yaml",
	}
	fetched := policy.FetchedGatingYAML(
		subject.New(&subject.Type{ID: "koji_build", IsNVR: true}, "glibc-2.38-1.fc40"),
		remote.Source,
	)
	engine := newTestEngine([]*policy.Policy{parent},
		&fakeResults{byTest: map[string][]gateway.Result{
			"dist.upgradepath": {failedResult(7, "dist.upgradepath")},
		}},
		&fakeWaivers{}, &fakeBuilds{},
		&fakeRemote{resolution: remoterule.Resolution{
			Policies:     []*policy.Policy{remote},
			Requirements: []policy.Requirement{fetched},
		}})

	d, err := engine.Evaluate(context.Background(), baseRequest())
	require.NoError(t, err)
	assert.False(t, d.PoliciesSatisfied)
	assert.Equal(t, []string{"fedora.bodhi", "remote.custom"}, d.ApplicablePolicies)
	require.Len(t, d.SatisfiedRequirements, 1)
	assert.Equal(t, policy.KindFetchedGatingYAML, d.SatisfiedRequirements[0].Type)
	require.Len(t, d.UnsatisfiedRequirements, 1)
	assert.Equal(t, policy.KindTestResultFailed, d.UnsatisfiedRequirements[0].Type)
	assert.Equal(t, "Of 1 required test, 1 test failed", d.Summary)
}

func TestEvaluateValidityWindowUsesBuildTime(t *testing.T) {
	since := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	p := testPolicy("fedora.bodhi", policy.RuleSpec{Rule: policy.PassingTestCaseRule{
		TestCaseName: "dist.rpmdeplint",
		ValidSince:   &since,
	}})
	// Build predates the window, so the rule does not apply.
	builds := &fakeBuilds{build: buildinfo.Build{
		CreationTime: gateway.Time{Time: time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)},
	}}
	engine := newTestEngine([]*policy.Policy{p}, &fakeResults{}, &fakeWaivers{}, builds, &fakeRemote{})

	d, err := engine.Evaluate(context.Background(), baseRequest())
	require.NoError(t, err)
	assert.True(t, d.PoliciesSatisfied)
	assert.Equal(t, "No tests are required", d.Summary)
}

func TestEvaluateVerboseIncludesEvidence(t *testing.T) {
	waiver := gateway.Waiver{
		ID: 42, SubjectType: "koji_build", SubjectIdentifier: "glibc-2.38-1.fc40",
		TestCase: "dist.rpmdeplint", Waived: true,
		Timestamp: gateway.Time{Time: time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC)},
	}
	engine := newTestEngine(
		[]*policy.Policy{testPolicy("fedora.bodhi", testRule("dist.rpmdeplint"))},
		&fakeResults{byTest: map[string][]gateway.Result{
			"dist.rpmdeplint": {failedResult(1, "dist.rpmdeplint")},
		}},
		&fakeWaivers{waivers: []gateway.Waiver{waiver}},
		&fakeBuilds{}, &fakeRemote{},
	)

	req := baseRequest()
	req.Verbose = true
	d, err := engine.Evaluate(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, d.Results, 1)
	assert.Equal(t, int64(1), d.Results[0].ID)
	require.Len(t, d.Waivers, 1)
	assert.Equal(t, int64(42), d.Waivers[0].ID)
}

func TestEvaluateVerboseIncludesSupersededResults(t *testing.T) {
	older := failedResult(1, "dist.rpmdeplint")
	older.SubmitTime = time.Date(2024, 4, 30, 10, 0, 0, 0, time.UTC)
	newer := passedResult(2, "dist.rpmdeplint")

	engine := newTestEngine(
		[]*policy.Policy{testPolicy("fedora.bodhi", testRule("dist.rpmdeplint"))},
		&fakeResults{byTest: map[string][]gateway.Result{
			"dist.rpmdeplint": {older, newer},
		}},
		&fakeWaivers{}, &fakeBuilds{}, &fakeRemote{},
	)

	req := baseRequest()
	req.Verbose = true
	d, err := engine.Evaluate(context.Background(), req)
	require.NoError(t, err)

	// Only the newest result decides the verdict, but both are evidence.
	assert.True(t, d.PoliciesSatisfied)
	require.Len(t, d.Results, 2)
	ids := []int64{d.Results[0].ID, d.Results[1].ID}
	assert.ElementsMatch(t, []int64{1, 2}, ids)
}

func TestEvaluateUpstreamFailurePropagates(t *testing.T) {
	engine := newTestEngine(
		[]*policy.Policy{testPolicy("fedora.bodhi", testRule("dist.rpmdeplint"))},
		&fakeResults{err: sentinel.ErrUnavailable}, &fakeWaivers{}, &fakeBuilds{}, &fakeRemote{},
	)

	_, err := engine.Evaluate(context.Background(), baseRequest())
	require.ErrorIs(t, err, sentinel.ErrUnavailable)
}

func TestEvaluateLegacySubjectList(t *testing.T) {
	engine := newTestEngine(
		[]*policy.Policy{testPolicy("fedora.bodhi", testRule("dist.rpmdeplint"))},
		&fakeResults{byTest: map[string][]gateway.Result{
			"dist.rpmdeplint": {passedResult(1, "dist.rpmdeplint")},
		}},
		&fakeWaivers{}, &fakeBuilds{}, &fakeRemote{},
	)

	req := baseRequest()
	req.SubjectType = ""
	req.SubjectIdentifier = ""
	req.Subject = []map[string]string{{"type": "brew-build", "item": "glibc-2.38-1.fc40"}}
	d, err := engine.Evaluate(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, d.PoliciesSatisfied)
	require.Len(t, d.SatisfiedRequirements, 1)
	assert.Equal(t, "koji_build", d.SatisfiedRequirements[0].SubjectType)
}

func TestEvaluateRequestValidation(t *testing.T) {
	engine := newTestEngine(nil, &fakeResults{}, &fakeWaivers{}, &fakeBuilds{}, &fakeRemote{})

	for name, req := range map[string]Request{
		"missing product version": {
			DecisionContext: "c", SubjectType: "koji_build", SubjectIdentifier: "x-1-1",
		},
		"missing context and rules": {
			ProductVersion: "fedora-40", SubjectType: "koji_build", SubjectIdentifier: "x-1-1",
		},
		"both context forms": {
			DecisionContext: "c", DecisionContexts: []string{"c"},
			ProductVersion: "fedora-40", SubjectType: "koji_build", SubjectIdentifier: "x-1-1",
		},
		"context and rules together": {
			DecisionContext: "c", Rules: []policy.RuleSpec{testRule("t")},
			ProductVersion: "fedora-40", SubjectType: "koji_build", SubjectIdentifier: "x-1-1",
		},
		"missing subject": {
			DecisionContext: "c", ProductVersion: "fedora-40",
		},
		"unknown subject type": {
			DecisionContext: "c", ProductVersion: "fedora-40",
			SubjectType: "mystery", SubjectIdentifier: "x-1-1",
		},
		"bad when": {
			DecisionContext: "c", ProductVersion: "fedora-40",
			SubjectType: "koji_build", SubjectIdentifier: "x-1-1", When: "not a time",
		},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := engine.Evaluate(context.Background(), req)
			require.ErrorIs(t, err, sentinel.ErrBadInput)
		})
	}
}

func TestEvaluateIsIdempotent(t *testing.T) {
	engine := newTestEngine(
		[]*policy.Policy{testPolicy("fedora.bodhi", testRule("dist.rpmdeplint"), testRule("dist.abicheck"))},
		&fakeResults{byTest: map[string][]gateway.Result{
			"dist.rpmdeplint": {passedResult(1, "dist.rpmdeplint")},
			"dist.abicheck":   {failedResult(2, "dist.abicheck")},
		}},
		&fakeWaivers{}, &fakeBuilds{}, &fakeRemote{},
	)

	first, err := engine.Evaluate(context.Background(), baseRequest())
	require.NoError(t, err)
	second, err := engine.Evaluate(context.Background(), baseRequest())
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.False(t, Changed(first, second))
}
