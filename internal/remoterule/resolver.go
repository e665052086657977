// Package remoterule resolves gating documents stored next to a subject's
// own source code and folds them into the decision as additional policies.
package remoterule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"verdict/internal/buildinfo"
	"verdict/internal/gateway"
	"verdict/internal/policy"
	"verdict/internal/subject"
	"verdict/pkg/platform/sentinel"
)

// Resolution is the outcome of resolving one remote rule: zero or more
// parsed sub-policies plus the requirements describing the fetch itself.
type Resolution struct {
	Policies     []*policy.Policy
	Requirements []policy.Requirement
}

// Resolver fetches and parses remote gating documents. URL templates are
// keyed by subject type, with "*" as the fallback; a rule may override them
// with its own sources.
type Resolver struct {
	templates map[string][]string
	builds    *buildinfo.Client
	http      *gateway.HTTPClient
	cache     gateway.Cache
	cacheTTL  time.Duration
	logger    *slog.Logger
	tracer    trace.Tracer
}

func NewResolver(templates map[string][]string, builds *buildinfo.Client, timeout time.Duration, retries int, cache gateway.Cache, cacheTTL time.Duration, logger *slog.Logger) *Resolver {
	return &Resolver{
		templates: templates,
		builds:    builds,
		http:      gateway.NewHTTPClient(timeout, retries),
		cache:     cache,
		cacheTTL:  cacheTTL,
		logger:    logger,
		tracer:    otel.Tracer("verdict/remoterule"),
	}
}

// Resolve expands the rule's URL candidates for the subject and fetches them
// in order. A 404 advances to the next candidate; any other failure yields a
// failed-fetch requirement. When every candidate is absent the rule yields a
// missing-document requirement if required, otherwise nothing. A fetched
// document is parsed into sub-policies inheriting the parent's contexts, and
// only those matching the parent are kept.
func (r *Resolver) Resolve(ctx context.Context, parent *policy.Policy, rule policy.RemoteRule, sub subject.Subject) (Resolution, error) {
	ctx, span := r.tracer.Start(ctx, "remoterule.resolve")
	defer span.End()

	if sub.Type == nil || !sub.Type.SupportsRemoteRule {
		return Resolution{}, nil
	}

	templates := rule.Sources
	if len(templates) == 0 {
		templates = r.templates[sub.Type.ID]
	}
	if len(templates) == 0 {
		templates = r.templates["*"]
	}
	if len(templates) == 0 {
		r.logger.Debug("no remote rule url templates configured", "subject_type", sub.TypeID())
		return Resolution{}, nil
	}

	candidates, err := r.expand(ctx, templates, sub)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			// The build has no usable source coordinates; there is
			// nothing to fetch a document from.
			r.logger.Warn("skipping remote rule without source coordinates",
				"subject", sub.String(), "error", err)
			return Resolution{}, nil
		}
		return Resolution{}, err
	}

	raw, source, err := r.fetch(ctx, candidates)
	if err != nil {
		return Resolution{Requirements: []policy.Requirement{
			policy.FailedFetchGatingYAML(sub, candidates, err.Error()),
		}}, nil
	}
	if raw == nil {
		if rule.Required {
			return Resolution{Requirements: []policy.Requirement{
				policy.MissingGatingYAML(sub, candidates),
			}}, nil
		}
		return Resolution{}, nil
	}

	policies, err := policy.ParseRemote(raw, source)
	if err != nil {
		return Resolution{Requirements: []policy.Requirement{
			policy.InvalidGatingYAML(sub, source, err.Error()),
		}}, nil
	}

	kept := make([]*policy.Policy, 0, len(policies))
	for _, p := range policies {
		p.InheritFrom(parent)
		if parent.MatchesSubPolicy(p) {
			kept = append(kept, p)
		}
	}

	return Resolution{
		Policies:     kept,
		Requirements: []policy.Requirement{policy.FetchedGatingYAML(sub, source)},
	}, nil
}

// expand turns URL templates into concrete candidates. pkg_namespace keeps
// its trailing slash so templates can splice it directly before pkg_name and
// still collapse cleanly for namespace-less builds.
func (r *Resolver) expand(ctx context.Context, templates []string, sub subject.Subject) ([]string, error) {
	replacements := map[string]string{
		"subject_id": strings.TrimPrefix(sub.Identifier, "sha256:"),
	}

	if needsSCM(templates) {
		scm, err := r.builds.SCM(ctx, sub.Identifier)
		if err != nil {
			return nil, err
		}
		namespace := scm.Namespace
		if namespace != "" {
			namespace += "/"
		}
		replacements["pkg_namespace"] = namespace
		replacements["pkg_name"] = scm.PkgName
		replacements["rev"] = scm.Rev
	}

	candidates := make([]string, 0, len(templates))
	for _, tmpl := range templates {
		url := tmpl
		for key, value := range replacements {
			url = strings.ReplaceAll(url, "{"+key+"}", value)
		}
		candidates = append(candidates, url)
	}
	return candidates, nil
}

func needsSCM(templates []string) bool {
	for _, tmpl := range templates {
		if strings.Contains(tmpl, "{pkg_name}") || strings.Contains(tmpl, "{rev}") ||
			strings.Contains(tmpl, "{pkg_namespace}") {
			return true
		}
	}
	return false
}

// fetch tries each candidate in order, returning the first document found.
// A nil document with nil error means every candidate answered 404.
func (r *Resolver) fetch(ctx context.Context, candidates []string) ([]byte, string, error) {
	for _, url := range candidates {
		cacheKey := "verdict:gating:" + url
		if r.cache != nil {
			if raw, ok := r.cache.Get(ctx, cacheKey); ok {
				return raw, url, nil
			}
		}

		resp, err := r.http.Do(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, "", fmt.Errorf("fetch %s: %w", url, err)
		}
		if resp.StatusCode == http.StatusNotFound {
			resp.Body.Close()
			continue
		}
		raw, err := gateway.ReadOK(resp)
		if err != nil {
			return nil, "", err
		}

		if r.cache != nil {
			r.cache.Set(ctx, cacheKey, raw, r.cacheTTL)
		}
		return raw, url, nil
	}
	return nil, "", nil
}
