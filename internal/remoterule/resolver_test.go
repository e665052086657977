package remoterule

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"verdict/internal/buildinfo"
	"verdict/internal/policy"
	"verdict/internal/subject"
)

const remoteGatingDoc = `
decision_context: bodhi_update_push_stable
rules:
  - type: PassingTestCaseRule
    test_case_name: dist.upgradepath
`

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func kojiBuildType() *subject.Type {
	return &subject.Type{ID: "koji_build", ItemKey: "item", IsKojiBuild: true, IsNVR: true, SupportsRemoteRule: true}
}

func parentPolicy() *policy.Policy {
	return &policy.Policy{
		ID:              "fedora.bodhi",
		SubjectType:     "koji_build",
		ProductVersions: []string{"fedora-*"},
		DecisionContext: "bodhi_update_push_stable",
	}
}

// buildServer serves /builds/{nvr} records pointing at srcPath on the same
// test server.
func buildServer(t *testing.T, mux *http.ServeMux, source func() string) {
	t.Helper()
	mux.HandleFunc("/builds/", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"source":        source(),
			"creation_time": "2024-04-30T08:15:00.000000",
			"task_id":       1,
		})
	})
}

func newResolver(t *testing.T, srvURL string, templates map[string][]string) *Resolver {
	t.Helper()
	builds := buildinfo.NewClient(srvURL, time.Second, 0, nil, 0)
	return NewResolver(templates, builds, time.Second, 0, nil, 0, discardLogger())
}

func TestResolveFetchesAndFiltersSubPolicies(t *testing.T) {
	mux := http.NewServeMux()
	var fetchedPath atomic.Value
	mux.HandleFunc("/rpms/glibc/raw/deadbeef/gating.yaml", func(w http.ResponseWriter, r *http.Request) {
		fetchedPath.Store(r.URL.Path)
		io.WriteString(w, remoteGatingDoc)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	buildServer(t, mux, func() string { return "git+" + srv.URL + "/rpms/glibc.git#deadbeef" })

	templates := map[string][]string{
		"koji_build": {srv.URL + "/{pkg_namespace}{pkg_name}/raw/{rev}/gating.yaml"},
	}
	resolver := newResolver(t, srv.URL, templates)
	sub := subject.Subject{Type: kojiBuildType(), Identifier: "glibc-2.38-1.fc40"}

	res, err := resolver.Resolve(context.Background(), parentPolicy(), policy.RemoteRule{}, sub)
	require.NoError(t, err)
	require.Len(t, res.Requirements, 1)
	assert.Equal(t, policy.KindFetchedGatingYAML, res.Requirements[0].Type)
	require.Len(t, res.Policies, 1)
	assert.Equal(t, []string{"bodhi_update_push_stable"}, res.Policies[0].AllDecisionContexts())
	assert.Equal(t, "/rpms/glibc/raw/deadbeef/gating.yaml", fetchedPath.Load())
}

func TestResolveDropsSubPoliciesForOtherContexts(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/rpms/glibc/raw/deadbeef/gating.yaml", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `
decision_context: some_other_context
rules:
  - type: PassingTestCaseRule
    test_case_name: dist.upgradepath
`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	buildServer(t, mux, func() string { return "git+" + srv.URL + "/rpms/glibc.git#deadbeef" })

	templates := map[string][]string{
		"koji_build": {srv.URL + "/{pkg_namespace}{pkg_name}/raw/{rev}/gating.yaml"},
	}
	resolver := newResolver(t, srv.URL, templates)
	sub := subject.Subject{Type: kojiBuildType(), Identifier: "glibc-2.38-1.fc40"}

	res, err := resolver.Resolve(context.Background(), parentPolicy(), policy.RemoteRule{}, sub)
	require.NoError(t, err)
	require.Len(t, res.Requirements, 1)
	assert.Equal(t, policy.KindFetchedGatingYAML, res.Requirements[0].Type)
	assert.Empty(t, res.Policies)
}

func TestResolveAdvancesPastNotFound(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/first/gating.yaml", http.NotFound)
	mux.HandleFunc("/second/gating.yaml", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, remoteGatingDoc)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	buildServer(t, mux, func() string { return "git+" + srv.URL + "/rpms/glibc.git#deadbeef" })

	templates := map[string][]string{
		"koji_build": {srv.URL + "/first/gating.yaml", srv.URL + "/second/gating.yaml"},
	}
	resolver := newResolver(t, srv.URL, templates)
	sub := subject.Subject{Type: kojiBuildType(), Identifier: "glibc-2.38-1.fc40"}

	res, err := resolver.Resolve(context.Background(), parentPolicy(), policy.RemoteRule{}, sub)
	require.NoError(t, err)
	require.Len(t, res.Policies, 1)
	require.Len(t, res.Requirements, 1)
	assert.Equal(t, srv.URL+"/second/gating.yaml", res.Requirements[0].Source)
}

func TestResolveAllNotFound(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/gating.yaml", http.NotFound)
	srv := httptest.NewServer(mux)
	defer srv.Close()
	buildServer(t, mux, func() string { return "git+" + srv.URL + "/rpms/glibc.git#deadbeef" })

	templates := map[string][]string{"koji_build": {srv.URL + "/gating.yaml"}}
	resolver := newResolver(t, srv.URL, templates)
	sub := subject.Subject{Type: kojiBuildType(), Identifier: "glibc-2.38-1.fc40"}

	// Optional rule: an absent document is simply no extra policies.
	res, err := resolver.Resolve(context.Background(), parentPolicy(), policy.RemoteRule{}, sub)
	require.NoError(t, err)
	assert.Empty(t, res.Policies)
	assert.Empty(t, res.Requirements)

	// Required rule: the absence itself is an unsatisfied requirement.
	res, err = resolver.Resolve(context.Background(), parentPolicy(), policy.RemoteRule{Required: true}, sub)
	require.NoError(t, err)
	require.Len(t, res.Requirements, 1)
	assert.Equal(t, policy.KindMissingGatingYAML, res.Requirements[0].Type)
	assert.Equal(t, []string{srv.URL + "/gating.yaml"}, res.Requirements[0].Sources)
}

func TestResolveFetchFailure(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/gating.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	buildServer(t, mux, func() string { return "git+" + srv.URL + "/rpms/glibc.git#deadbeef" })

	templates := map[string][]string{"koji_build": {srv.URL + "/gating.yaml"}}
	resolver := newResolver(t, srv.URL, templates)
	sub := subject.Subject{Type: kojiBuildType(), Identifier: "glibc-2.38-1.fc40"}

	res, err := resolver.Resolve(context.Background(), parentPolicy(), policy.RemoteRule{}, sub)
	require.NoError(t, err)
	require.Len(t, res.Requirements, 1)
	assert.Equal(t, policy.KindFailedFetchGatingYAML, res.Requirements[0].Type)
	assert.NotEmpty(t, res.Requirements[0].ErrorReason)
}

func TestResolveMalformedDocument(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/gating.yaml", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "rules:\n  - type: RemoteRule\n")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	buildServer(t, mux, func() string { return "git+" + srv.URL + "/rpms/glibc.git#deadbeef" })

	templates := map[string][]string{"koji_build": {srv.URL + "/gating.yaml"}}
	resolver := newResolver(t, srv.URL, templates)
	sub := subject.Subject{Type: kojiBuildType(), Identifier: "glibc-2.38-1.fc40"}

	res, err := resolver.Resolve(context.Background(), parentPolicy(), policy.RemoteRule{}, sub)
	require.NoError(t, err)
	require.Len(t, res.Requirements, 1)
	assert.Equal(t, policy.KindInvalidGatingYAML, res.Requirements[0].Type)
	assert.Empty(t, res.Policies)
}

func TestResolveSkipsUnsupportedSubjectTypes(t *testing.T) {
	resolver := newResolver(t, "http://builds.invalid", map[string][]string{"*": {"http://dist.invalid/gating.yaml"}})
	composeType := &subject.Type{ID: "compose", ItemKey: "productmd.compose.id"}
	sub := subject.Subject{Type: composeType, Identifier: "Fedora-40-20240501.0"}

	res, err := resolver.Resolve(context.Background(), parentPolicy(), policy.RemoteRule{Required: true}, sub)
	require.NoError(t, err)
	assert.Empty(t, res.Policies)
	assert.Empty(t, res.Requirements)
}

func TestResolveSkipsBuildsWithoutSource(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()
	buildServer(t, mux, func() string { return "" })

	templates := map[string][]string{"koji_build": {srv.URL + "/{pkg_name}/gating.yaml"}}
	resolver := newResolver(t, srv.URL, templates)
	sub := subject.Subject{Type: kojiBuildType(), Identifier: "glibc-2.38-1.fc40"}

	res, err := resolver.Resolve(context.Background(), parentPolicy(), policy.RemoteRule{Required: true}, sub)
	require.NoError(t, err)
	assert.Empty(t, res.Policies)
	assert.Empty(t, res.Requirements)
}

func TestResolveUsesRuleSources(t *testing.T) {
	mux := http.NewServeMux()
	var gotPath atomic.Value
	mux.HandleFunc("/images/gated/sha256-digest/gating.yaml", func(w http.ResponseWriter, r *http.Request) {
		gotPath.Store(r.URL.Path)
		io.WriteString(w, remoteGatingDoc)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resolver := newResolver(t, srv.URL, nil)
	imageType := &subject.Type{ID: "container-image", ItemKey: "item", SupportsRemoteRule: true}
	sub := subject.Subject{Type: imageType, Identifier: "sha256:sha256-digest"}

	rule := policy.RemoteRule{Sources: []string{srv.URL + "/images/gated/{subject_id}/gating.yaml"}}
	res, err := resolver.Resolve(context.Background(), parentPolicy(), rule, sub)
	require.NoError(t, err)
	require.Len(t, res.Policies, 1)
	assert.Equal(t, "/images/gated/sha256-digest/gating.yaml", gotPath.Load())
}
