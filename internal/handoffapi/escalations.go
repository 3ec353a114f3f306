package handoffapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/cynerellc/buzzi-handoff/internal/handoff"
)

func (a *API) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("handoff.conversation.id", conversationID))

	ev, err := a.svc.Evaluate(r.Context(), conversationID)
	if err != nil {
		a.writeError(w, r, err, "evaluate conversation")
		return
	}

	span.SetAttributes(attribute.Bool("handoff.should_escalate", ev.ShouldEscalate))
	writeJSON(w, http.StatusOK, ev)
}

type createEscalationRequest struct {
	Reason      string `json:"reason"`
	TriggerType string `json:"trigger_type"`
	Priority    string `json:"priority"`
}

type escalationResponse struct {
	Escalation *handoff.Escalation     `json:"escalation"`
	Routing    *handoff.RoutingOutcome `json:"routing,omitempty"`
}

func (a *API) handleCreateEscalation(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")

	var req createEscalationRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, `{"error":"invalid payload"}`, http.StatusBadRequest)
			return
		}
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("handoff.conversation.id", conversationID))

	esc, outcome, err := a.svc.CreateEscalation(r.Context(), handoff.CreateParams{
		ConversationID: conversationID,
		Reason:         req.Reason,
		TriggerType:    handoff.TriggerType(req.TriggerType),
		Priority:       handoff.Priority(req.Priority),
	})
	if err != nil {
		a.writeError(w, r, err, "create escalation")
		return
	}

	span.SetAttributes(attribute.String("handoff.escalation.id", esc.ID))

	status := http.StatusCreated
	if outcome != nil && outcome.Reason == "escalation already exists" {
		status = http.StatusOK
	}
	writeJSON(w, status, escalationResponse{Escalation: esc, Routing: outcome})
}

func (a *API) handleAutoEscalate(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("handoff.conversation.id", conversationID))

	esc, outcome, err := a.svc.AutoEscalate(r.Context(), conversationID)
	if err != nil {
		a.writeError(w, r, err, "auto escalate")
		return
	}
	if esc == nil {
		writeJSON(w, http.StatusOK, map[string]any{"escalated": false})
		return
	}

	span.SetAttributes(attribute.String("handoff.escalation.id", esc.ID))
	writeJSON(w, http.StatusCreated, escalationResponse{Escalation: esc, Routing: outcome})
}

func (a *API) handleGetEscalation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("handoff.escalation.id", id))

	esc, err := a.svc.GetEscalation(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err, "get escalation")
		return
	}

	span.SetAttributes(attribute.String("handoff.escalation.status", string(esc.Status)))
	writeJSON(w, http.StatusOK, esc)
}

type acceptRequest struct {
	OperatorID string `json:"operator_id"`
}

func (a *API) handleAccept(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req acceptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.OperatorID == "" {
		http.Error(w, `{"error":"operator_id is required"}`, http.StatusBadRequest)
		return
	}

	esc, err := a.svc.Accept(r.Context(), id, req.OperatorID)
	if err != nil {
		a.writeError(w, r, err, "accept escalation")
		return
	}
	writeJSON(w, http.StatusOK, esc)
}

type resolveRequest struct {
	Resolution         string `json:"resolution"`
	ReturnToAutomation bool   `json:"return_to_automation"`
	ResolvedBy         string `json:"resolved_by"`
}

func (a *API) handleResolve(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid payload"}`, http.StatusBadRequest)
		return
	}

	esc, err := a.svc.Resolve(r.Context(), id, req.Resolution, req.ReturnToAutomation, req.ResolvedBy)
	if err != nil {
		a.writeError(w, r, err, "resolve escalation")
		return
	}
	writeJSON(w, http.StatusOK, esc)
}

type returnRequest struct {
	OperatorID string `json:"operator_id"`
}

func (a *API) handleReturn(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req returnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.OperatorID == "" {
		http.Error(w, `{"error":"operator_id is required"}`, http.StatusBadRequest)
		return
	}

	esc, err := a.svc.ReturnToAutomation(r.Context(), id, req.OperatorID)
	if err != nil {
		a.writeError(w, r, err, "return to automation")
		return
	}
	writeJSON(w, http.StatusOK, esc)
}
