// Package handoffapi exposes the escalation core over HTTP.
package handoffapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/cynerellc/buzzi-handoff/internal/handoff"
)

// EscalationService defines the business operations handoffapi needs.
type EscalationService interface {
	Evaluate(ctx context.Context, conversationID string) (*handoff.Evaluation, error)
	CreateEscalation(ctx context.Context, p handoff.CreateParams) (*handoff.Escalation, *handoff.RoutingOutcome, error)
	AutoEscalate(ctx context.Context, conversationID string) (*handoff.Escalation, *handoff.RoutingOutcome, error)
	Accept(ctx context.Context, escalationID, operatorID string) (*handoff.Escalation, error)
	Resolve(ctx context.Context, escalationID, resolution string, returnToAutomation bool, resolvedBy string) (*handoff.Escalation, error)
	ReturnToAutomation(ctx context.Context, escalationID, operatorID string) (*handoff.Escalation, error)
	GetEscalation(ctx context.Context, escalationID string) (*handoff.Escalation, error)
	Stats(ctx context.Context, tenantID string, since time.Time) (*handoff.Stats, error)
}

// QueueProcessor is the router capability the queue endpoint needs.
type QueueProcessor interface {
	ProcessQueue(ctx context.Context, tenantID string, limit int) (int, error)
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger log.Logger
	svc    EscalationService
	queue  QueueProcessor
}

// New creates a new API handler.
func New(logger log.Logger, svc EscalationService, queue QueueProcessor) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("escalation service is required"))
	}
	if queue == nil {
		panic(xerrors.New("queue processor is required"))
	}
	return &API{
		logger: logger,
		svc:    svc,
		queue:  queue,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/conversations/{id}", func(r chi.Router) {
			r.Post("/evaluate", a.handleEvaluate)
			r.Post("/escalate", a.handleCreateEscalation)
			r.Post("/auto-escalate", a.handleAutoEscalate)
		})
		r.Route("/escalations/{id}", func(r chi.Router) {
			r.Get("/", a.handleGetEscalation)
			r.Post("/accept", a.handleAccept)
			r.Post("/resolve", a.handleResolve)
			r.Post("/return", a.handleReturn)
		})
		r.Route("/tenants/{id}", func(r chi.Router) {
			r.Get("/stats", a.handleStats)
			r.Post("/queue/process", a.handleProcessQueue)
		})
	})
}

// writeJSON encodes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps core errors onto HTTP statuses.
func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error, msg string) {
	switch {
	case errors.Is(err, handoff.ErrNotFound):
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
	case errors.Is(err, handoff.ErrInvalidState):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.Is(err, handoff.ErrValidation):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	default:
		a.logger.Error(r.Context(), err, msg)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
	}
}
