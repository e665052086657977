package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// WaiverFilter is one clause of a filtered waiver query. Clauses are ORed
// together by the upstream service.
type WaiverFilter struct {
	SubjectType       string `json:"subject_type"`
	SubjectIdentifier string `json:"subject_identifier"`
	ProductVersion    string `json:"product_version,omitempty"`
	TestCase          string `json:"testcase,omitempty"`
	Since             string `json:"since,omitempty"`
}

// WaiversClient queries the external waiver store.
type WaiversClient struct {
	base   string
	http   *HTTPClient
	tracer trace.Tracer
}

func NewWaiversClient(baseURL string, timeout time.Duration, retries int) *WaiversClient {
	return &WaiversClient{
		base:   strings.TrimRight(baseURL, "/"),
		http:   NewHTTPClient(timeout, retries),
		tracer: otel.Tracer("verdict/gateway"),
	}
}

// Waivers fetches every waiver matching any of the filters, including
// revoked ones; reconciliation of revocations happens at match time so a
// later waived=false entry can override an earlier waived=true one.
func (c *WaiversClient) Waivers(ctx context.Context, filters []WaiverFilter, since string, ignoreIDs []int64) ([]Waiver, error) {
	if len(filters) == 0 {
		return nil, nil
	}
	ctx, span := c.tracer.Start(ctx, "waivers.retrieve")
	defer span.End()

	if since != "" {
		for i := range filters {
			filters[i].Since = since
		}
	}

	body, err := json.Marshal(map[string]any{"filters": filters})
	if err != nil {
		return nil, fmt.Errorf("encode waiver filters: %w", err)
	}

	resp, err := c.http.Do(ctx, http.MethodPost, c.base+"/waivers/+filtered", body)
	if err != nil {
		return nil, fmt.Errorf("query waivers: %w", err)
	}
	raw, err := ReadOK(resp)
	if err != nil {
		return nil, err
	}

	var envelope struct {
		Data []Waiver `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("decode waivers: %w", err)
	}

	return dropIgnoredWaivers(envelope.Data, ignoreIDs), nil
}

func dropIgnoredWaivers(waivers []Waiver, ignoreIDs []int64) []Waiver {
	if len(ignoreIDs) == 0 {
		return waivers
	}
	ignored := make(map[int64]struct{}, len(ignoreIDs))
	for _, id := range ignoreIDs {
		ignored[id] = struct{}{}
	}
	kept := make([]Waiver, 0, len(waivers))
	for _, w := range waivers {
		if _, skip := ignored[w.ID]; !skip {
			kept = append(kept, w)
		}
	}
	return kept
}

// LatestMatching returns the newest waiver covering the given test outcome,
// or nil when none applies. A waiver without a scenario covers every
// scenario; a waiver with one only covers results recorded under that exact
// scenario. The caller inspects Waived on the returned entry, so a fresh
// revocation suppresses any older grant.
func LatestMatching(waivers []Waiver, subjectType, subjectIdentifier, testCase string, scenario *string) *Waiver {
	var match *Waiver
	for i := range waivers {
		w := &waivers[i]
		if w.SubjectType != subjectType || w.SubjectIdentifier != subjectIdentifier || w.TestCase != testCase {
			continue
		}
		if w.Scenario != nil {
			if scenario == nil || *scenario != *w.Scenario {
				continue
			}
		}
		if match == nil || w.Timestamp.After(match.Timestamp.Time) {
			match = w
		}
	}
	return match
}
