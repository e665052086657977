package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"verdict/internal/decision"
	"verdict/pkg/platform/httputil"
)

// Engine defines the interface for decision evaluation.
type Engine interface {
	Evaluate(ctx context.Context, req decision.Request) (*decision.Decision, error)
}

// Handler wires the decision endpoint to the engine.
type Handler struct {
	engine Engine
	logger *slog.Logger
}

// New constructs a decision handler with its dependencies.
func New(engine Engine, logger *slog.Logger) *Handler {
	return &Handler{engine: engine, logger: logger}
}

// Register mounts decision endpoints on the router.
func (h *Handler) Register(r chi.Router) {
	r.Post("/decision", h.HandleDecision)
}

// HandleDecision handles POST /decision requests.
func (h *Handler) HandleDecision(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := uuid.NewString()
	start := time.Now()

	req, err := httputil.Decode[decision.Request](r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	result, err := h.engine.Evaluate(ctx, req)
	if err != nil {
		h.logger.ErrorContext(ctx, "decision evaluation failed",
			"request_id", requestID,
			"subject_type", req.SubjectType,
			"subject_identifier", req.SubjectIdentifier,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}

	h.logger.InfoContext(ctx, "decision rendered",
		"request_id", requestID,
		"subject_type", req.SubjectType,
		"subject_identifier", req.SubjectIdentifier,
		"product_version", req.ProductVersion,
		"policies_satisfied", result.PoliciesSatisfied,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	httputil.WriteJSON(w, http.StatusOK, result)
}
