package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"verdict/internal/subject"
)

// Outcomes defines which result outcomes count as passing and which as not
// yet decided. Everything else is a failure, except ERROR which is reported
// separately.
type Outcomes struct {
	Passed     []string
	Incomplete []string
}

// DefaultOutcomes returns the stock outcome semantics.
func DefaultOutcomes() Outcomes {
	return Outcomes{
		Passed:     []string{"PASSED", "INFO"},
		Incomplete: []string{"QUEUED", "RUNNING"},
	}
}

func (o Outcomes) IsPassed(outcome string) bool {
	return contains(o.Passed, outcome)
}

func (o Outcomes) IsIncomplete(outcome string) bool {
	return contains(o.Incomplete, outcome)
}

func contains(values []string, v string) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}

// ResultsClient queries the external results store.
type ResultsClient struct {
	base     string
	http     *HTTPClient
	cache    Cache
	cacheTTL time.Duration
	outcomes Outcomes
	tracer   trace.Tracer
}

func NewResultsClient(baseURL string, timeout time.Duration, retries int, cache Cache, cacheTTL time.Duration, outcomes Outcomes) *ResultsClient {
	return &ResultsClient{
		base:     strings.TrimRight(baseURL, "/"),
		http:     NewHTTPClient(timeout, retries),
		cache:    cache,
		cacheTTL: cacheTTL,
		outcomes: outcomes,
		tracer:   otel.Tracer("verdict/gateway"),
	}
}

// Outcomes exposes the configured outcome semantics to the rule evaluators.
func (c *ResultsClient) Outcomes() Outcomes {
	return c.outcomes
}

// Results fetches raw results for the subject and test case. since is an
// optional upstream time-window expression; ignoreIDs are dropped from the
// response. An all-passing result set is cached; anything else is fetched
// fresh so new failures are seen promptly.
func (c *ResultsClient) Results(ctx context.Context, sub subject.Subject, testCase, since string, ignoreIDs []int64) ([]Result, error) {
	ctx, span := c.tracer.Start(ctx, "results.retrieve")
	defer span.End()

	cacheKey := ""
	if c.cache != nil && since == "" && testCase != "" {
		cacheKey = fmt.Sprintf("verdict:results:%s|%s|%s", sub.TypeID(), sub.Identifier, testCase)
		if raw, ok := c.cache.Get(ctx, cacheKey); ok {
			var cached []Result
			if err := json.Unmarshal(raw, &cached); err == nil {
				return dropIgnored(cached, ignoreIDs), nil
			}
		}
	}

	params := url.Values{}
	params.Set("type", sub.TypeID())
	params.Set(itemKey(sub), sub.Identifier)
	if testCase != "" {
		params.Set("testcases", testCase)
	}
	if since != "" {
		params.Set("since", since)
	}

	resp, err := c.http.Do(ctx, http.MethodGet, c.base+"/results?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("query results for %s: %w", sub, err)
	}
	raw, err := ReadOK(resp)
	if err != nil {
		return nil, err
	}

	var envelope struct {
		Data []Result `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("decode results for %s: %w", sub, err)
	}

	if cacheKey != "" && len(envelope.Data) > 0 && c.allPassed(envelope.Data) {
		if encoded, err := json.Marshal(envelope.Data); err == nil {
			c.cache.Set(ctx, cacheKey, encoded, c.cacheTTL)
		}
	}

	return dropIgnored(envelope.Data, ignoreIDs), nil
}

func (c *ResultsClient) allPassed(results []Result) bool {
	for _, r := range results {
		if !c.outcomes.IsPassed(r.Outcome) {
			return false
		}
	}
	return true
}

func itemKey(sub subject.Subject) string {
	if sub.Type != nil && sub.Type.ItemKey != "" {
		return sub.Type.ItemKey
	}
	return "item"
}

func dropIgnored(results []Result, ignoreIDs []int64) []Result {
	if len(ignoreIDs) == 0 {
		return results
	}
	ignored := make(map[int64]struct{}, len(ignoreIDs))
	for _, id := range ignoreIDs {
		ignored[id] = struct{}{}
	}
	kept := make([]Result, 0, len(results))
	for _, r := range results {
		if _, skip := ignored[r.ID]; !skip {
			kept = append(kept, r)
		}
	}
	return kept
}

// Latest selects the most recent result per distinct (system_architecture,
// system_variant, scenario) triplet. When a scenario filter is given, only
// results recorded under that scenario are considered. Output order is
// deterministic regardless of input order.
func Latest(results []Result, scenario string) []Result {
	type key struct{ arch, variant, scenario string }

	latest := map[key]Result{}
	for _, r := range results {
		if scenario != "" && !contains(r.Data["scenario"], scenario) {
			continue
		}
		k := key{
			arch:     deref(r.DataValue("system_architecture")),
			variant:  deref(r.DataValue("system_variant")),
			scenario: deref(r.Scenario()),
		}
		current, ok := latest[k]
		if !ok || r.SubmitTime.After(current.SubmitTime) ||
			(r.SubmitTime.Equal(current.SubmitTime) && r.ID > current.ID) {
			latest[k] = r
		}
	}

	selected := make([]Result, 0, len(latest))
	for _, r := range latest {
		selected = append(selected, r)
	}
	sort.Slice(selected, func(i, j int) bool {
		a, b := selected[i], selected[j]
		ka := deref(a.DataValue("system_architecture")) + "\x00" +
			deref(a.DataValue("system_variant")) + "\x00" + deref(a.Scenario())
		kb := deref(b.DataValue("system_architecture")) + "\x00" +
			deref(b.DataValue("system_variant")) + "\x00" + deref(b.Scenario())
		return ka < kb
	})
	return selected
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
