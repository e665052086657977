// Package gateway provides typed, read-only access to the external result and
// waiver stores, including the "latest result per variant" selection and
// waiver reconciliation the decision engine depends on.
package gateway

import (
	"encoding/json"
	"fmt"
	"time"
)

// Result is the read-only view of one test result from the results store.
type Result struct {
	ID          int64
	TestCase    string
	Outcome     string
	SubmitTime  time.Time
	Data        map[string][]string
	ErrorReason string
}

func (r *Result) UnmarshalJSON(raw []byte) error {
	var wire struct {
		ID       int64 `json:"id"`
		TestCase struct {
			Name string `json:"name"`
		} `json:"testcase"`
		Outcome     string         `json:"outcome"`
		SubmitTime  string         `json:"submit_time"`
		Data        map[string]any `json:"data"`
		ErrorReason string         `json:"error_reason"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return err
	}

	submitTime, err := parseUpstreamTime(wire.SubmitTime)
	if err != nil {
		return fmt.Errorf("result %d: bad submit_time: %w", wire.ID, err)
	}

	*r = Result{
		ID:          wire.ID,
		TestCase:    wire.TestCase.Name,
		Outcome:     wire.Outcome,
		SubmitTime:  submitTime,
		Data:        normalizeData(wire.Data),
		ErrorReason: wire.ErrorReason,
	}
	return nil
}

func (r Result) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		ID       int64 `json:"id"`
		TestCase struct {
			Name string `json:"name"`
		} `json:"testcase"`
		Outcome     string              `json:"outcome"`
		SubmitTime  string              `json:"submit_time"`
		Data        map[string][]string `json:"data"`
		ErrorReason string              `json:"error_reason,omitempty"`
	}{
		ID:          r.ID,
		TestCase:    struct{ Name string `json:"name"` }{r.TestCase},
		Outcome:     r.Outcome,
		SubmitTime:  r.SubmitTime.UTC().Format(upstreamTimeFormat),
		Data:        r.Data,
		ErrorReason: r.ErrorReason,
	})
}

// DataValue returns a pointer to the first value recorded under the key, or
// nil if absent. Result data values are lists upstream.
func (r Result) DataValue(key string) *string {
	values := r.Data[key]
	if len(values) == 0 {
		return nil
	}
	v := values[0]
	return &v
}

// Scenario returns the result's scenario dimension, or nil.
func (r Result) Scenario() *string {
	return r.DataValue("scenario")
}

// Waiver is the read-only view of one waiver from the waiver store. A waiver
// with Waived=false explicitly records an un-waive decision and must be
// distinguished from the absence of a waiver.
type Waiver struct {
	ID                int64   `json:"id"`
	SubjectType       string  `json:"subject_type"`
	SubjectIdentifier string  `json:"subject_identifier"`
	TestCase          string  `json:"testcase"`
	Scenario          *string `json:"scenario"`
	Waived            bool    `json:"waived"`
	ProductVersion    string  `json:"product_version"`
	Comment           string  `json:"comment"`
	Timestamp         Time    `json:"timestamp"`
}

// Time parses the timestamp formats the upstream stores emit.
type Time struct {
	time.Time
}

func (t *Time) UnmarshalJSON(raw []byte) error {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return err
	}
	parsed, err := parseUpstreamTime(s)
	if err != nil {
		return err
	}
	t.Time = parsed
	return nil
}

func (t Time) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.UTC().Format(upstreamTimeFormat))
}

// upstreamTimeFormat is the zone-less microsecond format the stores use.
const upstreamTimeFormat = "2006-01-02T15:04:05.000000"

// ParseTime parses a timestamp in either upstream or RFC 3339 form.
func ParseTime(s string) (time.Time, error) {
	return parseUpstreamTime(s)
}

func parseUpstreamTime(s string) (time.Time, error) {
	if t, err := time.Parse(upstreamTimeFormat, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}

func normalizeData(data map[string]any) map[string][]string {
	if data == nil {
		return nil
	}
	out := make(map[string][]string, len(data))
	for key, value := range data {
		switch value := value.(type) {
		case string:
			out[key] = []string{value}
		case []any:
			values := make([]string, 0, len(value))
			for _, item := range value {
				if s, ok := item.(string); ok {
					values = append(values, s)
				}
			}
			out[key] = values
		}
	}
	return out
}
