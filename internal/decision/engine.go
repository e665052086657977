package decision

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"verdict/internal/decision/metrics"
	"verdict/internal/gateway"
	"verdict/internal/policy"
	"verdict/internal/subject"
	"verdict/pkg/platform/sentinel"
)

// Engine renders decisions. It is stateless across requests; all mutable
// request state lives in an evaluation.
type Engine struct {
	policies *policy.Store
	registry *subject.Registry
	results  ResultsPort
	waivers  WaiversPort
	builds   BuildsPort
	remote   RemotePort
	logger   *slog.Logger
	metrics  *metrics.Metrics
	tracer   trace.Tracer
}

func NewEngine(
	policies *policy.Store,
	registry *subject.Registry,
	results ResultsPort,
	waivers WaiversPort,
	builds BuildsPort,
	remote RemotePort,
	logger *slog.Logger,
	m *metrics.Metrics,
) *Engine {
	return &Engine{
		policies: policies,
		registry: registry,
		results:  results,
		waivers:  waivers,
		builds:   builds,
		remote:   remote,
		logger:   logger,
		metrics:  m,
		tracer:   otel.Tracer("verdict/decision"),
	}
}

// evaluation accumulates per-request state: requirements in evaluation
// order, deduplicated first-wins by identity key.
type evaluation struct {
	seen         map[policy.Key]struct{}
	requirements []policy.Requirement

	policyIDs   []string
	policySeen  map[string]struct{}
	seenResults map[int64]struct{}
	results     []gateway.Result
	waivers     []gateway.Waiver
	noPolicies  bool
}

func newEvaluation() *evaluation {
	return &evaluation{
		seen:        map[policy.Key]struct{}{},
		policySeen:  map[string]struct{}{},
		seenResults: map[int64]struct{}{},
	}
}

func (st *evaluation) add(r policy.Requirement) {
	key := r.Key()
	if _, dup := st.seen[key]; dup {
		return
	}
	st.seen[key] = struct{}{}
	st.requirements = append(st.requirements, r)
}

func (st *evaluation) addPolicyID(id string) {
	if id == "" {
		return
	}
	if _, dup := st.policySeen[id]; dup {
		return
	}
	st.policySeen[id] = struct{}{}
	st.policyIDs = append(st.policyIDs, id)
}

func (st *evaluation) addResults(results []gateway.Result) {
	for _, r := range results {
		if _, dup := st.seenResults[r.ID]; dup {
			continue
		}
		st.seenResults[r.ID] = struct{}{}
		st.results = append(st.results, r)
	}
}

// unit is one test-case check to run: a test rule bound to the policy that
// required it.
type unit struct {
	policy     *policy.Policy
	testCase   string
	scenario   string
	validSince *time.Time
	validUntil *time.Time
}

func (u unit) appliesAt(t time.Time) bool {
	if u.validSince != nil && t.Before(*u.validSince) {
		return false
	}
	if u.validUntil != nil && !t.Before(*u.validUntil) {
		return false
	}
	return true
}

// Evaluate renders the decision for the request. Client mistakes surface as
// sentinel.ErrBadInput; unreachable upstream stores as
// sentinel.ErrUnavailable. Everything else is rendered into the decision
// itself.
func (e *Engine) Evaluate(ctx context.Context, req Request) (*Decision, error) {
	ctx, span := e.tracer.Start(ctx, "decision.evaluate")
	defer span.End()
	start := time.Now()

	decision, err := e.evaluate(ctx, req)
	e.metrics.ObserveEvaluateLatency(time.Since(start))
	if err != nil {
		e.metrics.IncrementError()
		return nil, err
	}
	e.metrics.IncrementOutcome(decision.PoliciesSatisfied)
	return decision, nil
}

func (e *Engine) evaluate(ctx context.Context, req Request) (*Decision, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	subjects, err := req.subjects(e.registry)
	if err != nil {
		return nil, err
	}
	since := sinceWindow(req.When)

	st := newEvaluation()
	for _, sub := range subjects {
		if err := e.evaluateSubject(ctx, st, req, sub, since); err != nil {
			return nil, err
		}
	}

	if st.noPolicies {
		return &Decision{
			Summary:            policy.SummaryNoApplicablePolicies,
			ApplicablePolicies: []string{},
		}, nil
	}

	if err := e.applyWaivers(ctx, st, req, since); err != nil {
		return nil, err
	}

	decision := &Decision{
		Summary:            policy.Summarize(st.requirements),
		ApplicablePolicies: st.policyIDs,
	}
	if decision.ApplicablePolicies == nil {
		decision.ApplicablePolicies = []string{}
	}
	for _, r := range st.requirements {
		if r.Satisfied() {
			decision.SatisfiedRequirements = append(decision.SatisfiedRequirements, r)
		} else {
			decision.UnsatisfiedRequirements = append(decision.UnsatisfiedRequirements, r)
		}
	}
	decision.PoliciesSatisfied = len(decision.UnsatisfiedRequirements) == 0
	if req.Verbose {
		decision.Results = st.results
		decision.Waivers = st.waivers
	}
	return decision, nil
}

func (e *Engine) evaluateSubject(ctx context.Context, st *evaluation, req Request, sub subject.Subject, since string) error {
	applicable := e.applicablePolicies(req, sub)
	if len(applicable) == 0 {
		if sub.Type != nil && sub.Type.IgnoreMissingPolicy {
			e.logger.Debug("no applicable policies, subject type tolerates it",
				"subject_type", sub.TypeID(), "subject_identifier", sub.Identifier)
			return nil
		}
		st.noPolicies = true
		return nil
	}
	for _, p := range applicable {
		st.addPolicyID(p.ID)
	}

	units, err := e.expandRules(ctx, st, applicable, sub)
	if err != nil {
		return err
	}
	units, err = e.filterByValidity(ctx, sub, units)
	if err != nil {
		return err
	}
	if len(units) == 0 {
		return nil
	}

	resultsByTest, err := e.prefetchResults(ctx, sub, units, since, req.IgnoreResultIDs)
	if err != nil {
		return err
	}

	for _, u := range units {
		e.checkTestCase(st, sub, u, resultsByTest[u.testCase], req.Verbose)
	}
	return nil
}

func (e *Engine) applicablePolicies(req Request, sub subject.Subject) []*policy.Policy {
	if len(req.Rules) > 0 {
		return []*policy.Policy{policy.NewAdHoc(req.ProductVersion, req.Rules)}
	}
	return e.policies.Applicable(policy.Query{
		DecisionContexts: req.AllDecisionContexts(),
		ProductVersion:   req.ProductVersion,
		SubjectType:      sub.Type,
	})
}

// expandRules flattens policies into test-case units, handling package
// exclusion and remote-rule resolution along the way.
func (e *Engine) expandRules(ctx context.Context, st *evaluation, policies []*policy.Policy, sub subject.Subject) ([]unit, error) {
	var units []unit
	pkg := sub.PackageName()

	for _, p := range policies {
		if pkg != "" {
			if p.ExcludesPackage(pkg) {
				st.add(policy.Excluded(sub, p))
				continue
			}
			if !p.AllowsPackage(pkg) {
				continue
			}
		}

		for _, spec := range p.Rules {
			switch rule := spec.Rule.(type) {
			case policy.PassingTestCaseRule:
				units = append(units, unit{
					policy:     p,
					testCase:   rule.TestCaseName,
					scenario:   rule.Scenario,
					validSince: rule.ValidSince,
					validUntil: rule.ValidUntil,
				})

			case policy.PackageSpecificBuildRule:
				if pkg != "" && rule.MatchesPackage(pkg) {
					units = append(units, unit{policy: p, testCase: rule.TestCaseName})
				}

			case policy.RemoteRule:
				resolution, err := e.remote.Resolve(ctx, p, rule, sub)
				if err != nil {
					return nil, err
				}
				for _, r := range resolution.Requirements {
					st.add(r)
				}
				// Remote sub-policies cannot nest further remote
				// rules, so one level of recursion suffices.
				for _, remote := range resolution.Policies {
					st.addPolicyID(remote.ID)
					nested, err := e.expandRules(ctx, st, []*policy.Policy{remote}, sub)
					if err != nil {
						return nil, err
					}
					units = append(units, nested...)
				}
			}
		}
	}
	return units, nil
}

// filterByValidity drops units whose validity window does not cover the
// build's creation time. Subjects without a retrievable build fall back to
// the evaluation instant.
func (e *Engine) filterByValidity(ctx context.Context, sub subject.Subject, units []unit) ([]unit, error) {
	windowed := false
	for _, u := range units {
		if u.validSince != nil || u.validUntil != nil {
			windowed = true
			break
		}
	}
	if !windowed {
		return units, nil
	}

	ref := time.Now()
	if sub.Type != nil && sub.Type.IsKojiBuild && e.builds != nil {
		build, err := e.builds.Build(ctx, sub.Identifier)
		switch {
		case err == nil:
			ref = build.CreationTime.Time
		case errors.Is(err, sentinel.ErrNotFound):
			e.logger.Warn("build not found, validity windows use current time",
				"subject_identifier", sub.Identifier)
		default:
			return nil, err
		}
	}

	kept := units[:0]
	for _, u := range units {
		if u.appliesAt(ref) {
			kept = append(kept, u)
		}
	}
	return kept, nil
}

// prefetchResults fetches each distinct test case's results concurrently.
// The map is only read after Wait, so the evaluation order stays
// deterministic regardless of response arrival order.
func (e *Engine) prefetchResults(ctx context.Context, sub subject.Subject, units []unit, since string, ignoreIDs []int64) (map[string][]gateway.Result, error) {
	distinct := make([]string, 0, len(units))
	seen := map[string]struct{}{}
	for _, u := range units {
		if _, dup := seen[u.testCase]; dup {
			continue
		}
		seen[u.testCase] = struct{}{}
		distinct = append(distinct, u.testCase)
	}

	resultsByTest := make(map[string][]gateway.Result, len(distinct))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, testCase := range distinct {
		g.Go(func() error {
			results, err := e.results.Results(gctx, sub, testCase, since, ignoreIDs)
			if err != nil {
				return err
			}
			mu.Lock()
			resultsByTest[testCase] = results
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return resultsByTest, nil
}

// checkTestCase runs the per-test-case state machine over the latest result
// in each (architecture, variant, scenario) group.
func (e *Engine) checkTestCase(st *evaluation, sub subject.Subject, u unit, results []gateway.Result, verbose bool) {
	latest := gateway.Latest(results, u.scenario)
	if verbose {
		// The full retrieved set, not just the latest per group: superseded
		// results are evidence too.
		st.addResults(results)
	}

	if len(latest) == 0 {
		var scenario *string
		if u.scenario != "" {
			scenario = &u.scenario
		}
		st.add(policy.TestResultMissing(sub, u.testCase, u.policy.Source, scenario))
		return
	}

	outcomes := e.results.Outcomes()
	for _, r := range latest {
		scenario := r.Scenario()
		arch := r.DataValue("system_architecture")
		variant := r.DataValue("system_variant")
		switch {
		case outcomes.IsPassed(r.Outcome):
			st.add(policy.TestResultPassed(sub, u.testCase, u.policy.Source, r.ID, scenario, arch, variant))
		case outcomes.IsIncomplete(r.Outcome):
			st.add(policy.TestResultIncomplete(sub, u.testCase, u.policy.Source, r.ID, scenario, arch, variant))
		case r.Outcome == "ERROR":
			st.add(policy.TestResultErrored(sub, u.testCase, u.policy.Source, r.ID, r.ErrorReason, scenario, arch, variant))
		default:
			st.add(policy.TestResultFailed(sub, u.testCase, u.policy.Source, r.ID, scenario, arch, variant))
		}
	}
}

// applyWaivers fetches waivers covering the unsatisfied requirements and
// waives those the latest matching waiver still grants.
func (e *Engine) applyWaivers(ctx context.Context, st *evaluation, req Request, since string) error {
	type subjectKey struct{ typeID, identifier string }
	var filters []gateway.WaiverFilter
	seen := map[subjectKey]struct{}{}
	for _, r := range st.requirements {
		if !r.Waivable() {
			continue
		}
		key := subjectKey{r.SubjectType, r.SubjectIdentifier}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		filters = append(filters, gateway.WaiverFilter{
			SubjectType:       r.SubjectType,
			SubjectIdentifier: r.SubjectIdentifier,
			ProductVersion:    req.ProductVersion,
		})
	}
	if len(filters) == 0 {
		return nil
	}

	waivers, err := e.waivers.Waivers(ctx, filters, since, req.IgnoreWaiverIDs)
	if err != nil {
		return err
	}
	if req.Verbose {
		st.waivers = waivers
	}

	for i, r := range st.requirements {
		if !r.Waivable() {
			continue
		}
		match := gateway.LatestMatching(waivers, r.SubjectType, r.SubjectIdentifier, r.TestCase, r.Scenario)
		if match != nil && match.Waived {
			st.requirements[i] = r.Waive(match.ID)
		}
	}
	return nil
}
