// Package httpapi assembles the public HTTP surface: the decision endpoint,
// read-only views of the loaded configuration, and operational endpoints.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	decisionhandler "verdict/internal/decision/handler"
	"verdict/internal/gateway"
	"verdict/internal/policy"
	"verdict/internal/subject"
	"verdict/pkg/platform/httputil"
)

// Version is reported by the about endpoint.
const Version = "1.0.0"

// HealthChecker reports backing-store connectivity for the health endpoint.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Deps carries everything the router serves.
type Deps struct {
	Decisions *decisionhandler.Handler
	Policies  *policy.Store
	Registry  *subject.Registry
	Outcomes  gateway.Outcomes

	// Health is optional; when nil the health endpoint only reports
	// process liveness.
	Health HealthChecker
	Logger *slog.Logger
}

// New wires all public endpoints.
func New(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", handleHealthz(deps.Health))
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1.0", func(api chi.Router) {
		deps.Decisions.Register(api)
		api.Get("/policies", handlePolicies(deps.Policies))
		api.Get("/subject_types", handleSubjectTypes(deps.Registry))
		api.Get("/about", handleAbout(deps.Outcomes))
	})

	return r
}

func handleHealthz(health HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if health != nil {
			if err := health.Health(r.Context()); err != nil {
				httputil.WriteJSON(w, http.StatusServiceUnavailable,
					map[string]string{"status": "degraded", "error": err.Error()})
				return
			}
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func handlePolicies(store *policy.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSON(w, http.StatusOK, map[string]any{"policies": store.All()})
	}
}

func handleSubjectTypes(registry *subject.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSON(w, http.StatusOK, map[string]any{"subject_types": registry.Types()})
	}
}

func handleAbout(outcomes gateway.Outcomes) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSON(w, http.StatusOK, map[string]any{
			"version":             Version,
			"outcomes_passed":     outcomes.Passed,
			"outcomes_incomplete": outcomes.Incomplete,
		})
	}
}
