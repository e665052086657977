// Package buildinfo retrieves build metadata from the build system and
// extracts the source-control coordinates remote policies are resolved
// against.
package buildinfo

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"verdict/internal/gateway"
	"verdict/pkg/platform/sentinel"
)

// Build is the metadata record for one completed build.
type Build struct {
	Source       string       `json:"source"`
	CreationTime gateway.Time `json:"creation_time"`
	TaskID       int64        `json:"task_id"`
	Target       string       `json:"target"`
}

// SCM locates the source a build was produced from.
type SCM struct {
	Namespace string
	PkgName   string
	Rev       string
}

// Client fetches build records, caching them so repeated decisions over the
// same build do not hammer the build system.
type Client struct {
	base     string
	http     *gateway.HTTPClient
	cache    gateway.Cache
	cacheTTL time.Duration
	tracer   trace.Tracer
}

func NewClient(baseURL string, timeout time.Duration, retries int, cache gateway.Cache, cacheTTL time.Duration) *Client {
	return &Client{
		base:     strings.TrimRight(baseURL, "/"),
		http:     gateway.NewHTTPClient(timeout, retries),
		cache:    cache,
		cacheTTL: cacheTTL,
		tracer:   otel.Tracer("verdict/buildinfo"),
	}
}

// Build fetches the record for the given NVR. An unknown build returns
// sentinel.ErrNotFound; an unreachable build system returns
// sentinel.ErrUnavailable.
func (c *Client) Build(ctx context.Context, nvr string) (Build, error) {
	ctx, span := c.tracer.Start(ctx, "buildinfo.retrieve")
	defer span.End()

	cacheKey := "verdict:build:" + nvr
	if c.cache != nil {
		if raw, ok := c.cache.Get(ctx, cacheKey); ok {
			var cached Build
			if err := json.Unmarshal(raw, &cached); err == nil {
				return cached, nil
			}
		}
	}

	resp, err := c.http.Do(ctx, http.MethodGet, c.base+"/builds/"+url.PathEscape(nvr), nil)
	if err != nil {
		return Build{}, fmt.Errorf("query build %q: %w", nvr, err)
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return Build{}, fmt.Errorf("%w: build %q", sentinel.ErrNotFound, nvr)
	}
	raw, err := gateway.ReadOK(resp)
	if err != nil {
		return Build{}, err
	}

	var build Build
	if err := json.Unmarshal(raw, &build); err != nil {
		return Build{}, fmt.Errorf("decode build %q: %w", nvr, err)
	}

	if c.cache != nil {
		if encoded, err := json.Marshal(build); err == nil {
			c.cache.Set(ctx, cacheKey, encoded, c.cacheTTL)
		}
	}
	return build, nil
}

// SCM resolves the source-control coordinates for the given NVR. Builds
// without a recorded source URL or revision cannot anchor a remote policy
// and are reported as sentinel.ErrNotFound.
func (c *Client) SCM(ctx context.Context, nvr string) (SCM, error) {
	build, err := c.Build(ctx, nvr)
	if err != nil {
		return SCM{}, err
	}
	return ParseSourceURL(nvr, build.Source)
}

// ParseSourceURL extracts namespace, package name and revision from a build
// source URL such as
// git+https://src.example.com/rpms/glibc.git#3049770e6e2ab3b3f022bdb91486efc7c6e8b4f4.
func ParseSourceURL(nvr, source string) (SCM, error) {
	if source == "" {
		return SCM{}, fmt.Errorf("%w: build %q has no source URL", sentinel.ErrNotFound, nvr)
	}
	parsed, err := url.Parse(source)
	if err != nil {
		return SCM{}, fmt.Errorf("%w: build %q has unparseable source URL %q", sentinel.ErrNotFound, nvr, source)
	}
	rev := parsed.Fragment
	if rev == "" {
		return SCM{}, fmt.Errorf("%w: build %q source URL %q has no revision", sentinel.ErrNotFound, nvr, source)
	}

	segments := strings.Split(strings.Trim(parsed.Path, "/"), "/")
	name := strings.TrimSuffix(segments[len(segments)-1], ".git")
	namespace := ""
	if len(segments) > 1 {
		namespace = segments[len(segments)-2]
	}
	// Container packages are keyed without the build-system suffix.
	if namespace == "containers" {
		name = strings.TrimSuffix(name, "-container")
	}
	if name == "" {
		return SCM{}, fmt.Errorf("%w: build %q source URL %q has no package name", sentinel.ErrNotFound, nvr, source)
	}

	return SCM{Namespace: namespace, PkgName: name, Rev: rev}, nil
}
