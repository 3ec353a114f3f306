package handoffapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/cynerellc/buzzi-handoff/internal/handoff"
)

type mockService struct {
	evaluateFn func(ctx context.Context, conversationID string) (*handoff.Evaluation, error)
	createFn   func(ctx context.Context, p handoff.CreateParams) (*handoff.Escalation, *handoff.RoutingOutcome, error)
	autoFn     func(ctx context.Context, conversationID string) (*handoff.Escalation, *handoff.RoutingOutcome, error)
	acceptFn   func(ctx context.Context, escalationID, operatorID string) (*handoff.Escalation, error)
	resolveFn  func(ctx context.Context, escalationID, resolution string, returnToAutomation bool, resolvedBy string) (*handoff.Escalation, error)
	returnFn   func(ctx context.Context, escalationID, operatorID string) (*handoff.Escalation, error)
	getFn      func(ctx context.Context, escalationID string) (*handoff.Escalation, error)
	statsFn    func(ctx context.Context, tenantID string, since time.Time) (*handoff.Stats, error)
	processFn  func(ctx context.Context, tenantID string, limit int) (int, error)
}

func (m *mockService) Evaluate(ctx context.Context, id string) (*handoff.Evaluation, error) {
	return m.evaluateFn(ctx, id)
}

func (m *mockService) CreateEscalation(ctx context.Context, p handoff.CreateParams) (*handoff.Escalation, *handoff.RoutingOutcome, error) {
	return m.createFn(ctx, p)
}

func (m *mockService) AutoEscalate(ctx context.Context, id string) (*handoff.Escalation, *handoff.RoutingOutcome, error) {
	return m.autoFn(ctx, id)
}

func (m *mockService) Accept(ctx context.Context, escalationID, operatorID string) (*handoff.Escalation, error) {
	return m.acceptFn(ctx, escalationID, operatorID)
}

func (m *mockService) Resolve(ctx context.Context, escalationID, resolution string, rta bool, resolvedBy string) (*handoff.Escalation, error) {
	return m.resolveFn(ctx, escalationID, resolution, rta, resolvedBy)
}

func (m *mockService) ReturnToAutomation(ctx context.Context, escalationID, operatorID string) (*handoff.Escalation, error) {
	return m.returnFn(ctx, escalationID, operatorID)
}

func (m *mockService) GetEscalation(ctx context.Context, escalationID string) (*handoff.Escalation, error) {
	return m.getFn(ctx, escalationID)
}

func (m *mockService) Stats(ctx context.Context, tenantID string, since time.Time) (*handoff.Stats, error) {
	return m.statsFn(ctx, tenantID, since)
}

func (m *mockService) ProcessQueue(ctx context.Context, tenantID string, limit int) (int, error) {
	return m.processFn(ctx, tenantID, limit)
}

func newTestRouter(m *mockService) http.Handler {
	r := chi.NewRouter()
	New(nil, m, m).RegisterRoutes(r)
	return r
}

func doRequest(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestNew_PanicsOnMissingDeps(t *testing.T) {
	t.Parallel()

	defer func() {
		if recover() == nil {
			t.Error("expected panic with nil service")
		}
	}()
	New(nil, nil, nil)
}

func TestHandleEvaluate(t *testing.T) {
	t.Parallel()

	m := &mockService{
		evaluateFn: func(_ context.Context, id string) (*handoff.Evaluation, error) {
			if id != "conv-1" {
				return nil, handoff.ErrNotFound
			}
			return &handoff.Evaluation{ShouldEscalate: true, Reason: "user explicitly asked for a human"}, nil
		},
	}
	h := newTestRouter(m)

	rec := doRequest(t, h, http.MethodPost, "/api/v1/conversations/conv-1/evaluate", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var ev handoff.Evaluation
	if err := json.Unmarshal(rec.Body.Bytes(), &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !ev.ShouldEscalate || ev.Reason == "" {
		t.Errorf("evaluation = %+v", ev)
	}

	rec = doRequest(t, h, http.MethodPost, "/api/v1/conversations/conv-missing/evaluate", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestHandleCreateEscalation(t *testing.T) {
	t.Parallel()

	m := &mockService{
		createFn: func(_ context.Context, p handoff.CreateParams) (*handoff.Escalation, *handoff.RoutingOutcome, error) {
			if p.Priority != "" && p.Priority.Rank() < 0 {
				return nil, nil, handoff.ErrValidation
			}
			return &handoff.Escalation{ID: "esc-1", ConversationID: p.ConversationID, Status: handoff.StatusAssigned},
				&handoff.RoutingOutcome{Success: true, AssignedOperatorID: "op-1"}, nil
		},
	}
	h := newTestRouter(m)

	rec := doRequest(t, h, http.MethodPost, "/api/v1/conversations/conv-1/escalate",
		`{"reason":"angry customer","priority":"high"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body.String())
	}
	var resp escalationResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Escalation.ID != "esc-1" || !resp.Routing.Success {
		t.Errorf("response = %+v", resp)
	}

	// empty body is valid: manual escalation with defaults
	rec = doRequest(t, h, http.MethodPost, "/api/v1/conversations/conv-1/escalate", "")
	if rec.Code != http.StatusCreated {
		t.Errorf("empty body status = %d, want 201", rec.Code)
	}

	rec = doRequest(t, h, http.MethodPost, "/api/v1/conversations/conv-1/escalate", `{"priority":"critical"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad priority status = %d, want 400", rec.Code)
	}

	rec = doRequest(t, h, http.MethodPost, "/api/v1/conversations/conv-1/escalate", `{not json`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("malformed body status = %d, want 400", rec.Code)
	}
}

func TestHandleCreateEscalation_Duplicate(t *testing.T) {
	t.Parallel()

	m := &mockService{
		createFn: func(_ context.Context, p handoff.CreateParams) (*handoff.Escalation, *handoff.RoutingOutcome, error) {
			return &handoff.Escalation{ID: "esc-existing", Status: handoff.StatusAssigned},
				&handoff.RoutingOutcome{Success: false, Reason: "escalation already exists"}, nil
		},
	}
	h := newTestRouter(m)

	rec := doRequest(t, h, http.MethodPost, "/api/v1/conversations/conv-1/escalate", "")
	if rec.Code != http.StatusOK {
		t.Errorf("duplicate status = %d, want 200", rec.Code)
	}
}

func TestHandleAutoEscalate(t *testing.T) {
	t.Parallel()

	t.Run("nothing fired", func(t *testing.T) {
		t.Parallel()
		m := &mockService{
			autoFn: func(_ context.Context, id string) (*handoff.Escalation, *handoff.RoutingOutcome, error) {
				return nil, nil, nil
			},
		}
		rec := doRequest(t, newTestRouter(m), http.MethodPost, "/api/v1/conversations/conv-1/auto-escalate", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		var resp map[string]any
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if esc, ok := resp["escalated"].(bool); !ok || esc {
			t.Errorf("response = %v, want escalated=false", resp)
		}
	})

	t.Run("trigger fired", func(t *testing.T) {
		t.Parallel()
		m := &mockService{
			autoFn: func(_ context.Context, id string) (*handoff.Escalation, *handoff.RoutingOutcome, error) {
				return &handoff.Escalation{ID: "esc-1", Status: handoff.StatusPending},
					&handoff.RoutingOutcome{Success: false, QueuePosition: 1}, nil
			},
		}
		rec := doRequest(t, newTestRouter(m), http.MethodPost, "/api/v1/conversations/conv-1/auto-escalate", "")
		if rec.Code != http.StatusCreated {
			t.Fatalf("status = %d, want 201", rec.Code)
		}
		var resp escalationResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if resp.Routing.QueuePosition != 1 {
			t.Errorf("queue position = %d, want 1", resp.Routing.QueuePosition)
		}
	})
}

func TestHandleGetEscalation(t *testing.T) {
	t.Parallel()

	m := &mockService{
		getFn: func(_ context.Context, id string) (*handoff.Escalation, error) {
			if id != "esc-1" {
				return nil, handoff.ErrNotFound
			}
			return &handoff.Escalation{ID: "esc-1", Status: handoff.StatusInProgress}, nil
		},
	}
	h := newTestRouter(m)

	rec := doRequest(t, h, http.MethodGet, "/api/v1/escalations/esc-1/", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	rec = doRequest(t, h, http.MethodGet, "/api/v1/escalations/esc-2/", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestHandleAccept(t *testing.T) {
	t.Parallel()

	m := &mockService{
		acceptFn: func(_ context.Context, escalationID, operatorID string) (*handoff.Escalation, error) {
			if escalationID == "esc-resolved" {
				return nil, handoff.ErrInvalidState
			}
			return &handoff.Escalation{ID: escalationID, Status: handoff.StatusInProgress, AssignedOperatorID: operatorID}, nil
		},
	}
	h := newTestRouter(m)

	rec := doRequest(t, h, http.MethodPost, "/api/v1/escalations/esc-1/accept", `{"operator_id":"op-1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	// missing operator_id
	rec = doRequest(t, h, http.MethodPost, "/api/v1/escalations/esc-1/accept", `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing operator status = %d, want 400", rec.Code)
	}

	// lifecycle conflict maps to 409
	rec = doRequest(t, h, http.MethodPost, "/api/v1/escalations/esc-resolved/accept", `{"operator_id":"op-1"}`)
	if rec.Code != http.StatusConflict {
		t.Errorf("invalid state status = %d, want 409", rec.Code)
	}
}

func TestHandleResolve(t *testing.T) {
	t.Parallel()

	var gotResolution string
	var gotReturn bool
	m := &mockService{
		resolveFn: func(_ context.Context, escalationID, resolution string, rta bool, resolvedBy string) (*handoff.Escalation, error) {
			gotResolution = resolution
			gotReturn = rta
			return &handoff.Escalation{ID: escalationID, Status: handoff.StatusResolved}, nil
		},
	}
	h := newTestRouter(m)

	rec := doRequest(t, h, http.MethodPost, "/api/v1/escalations/esc-1/resolve",
		`{"resolution":"refund issued","return_to_automation":true,"resolved_by":"op-1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if gotResolution != "refund issued" || !gotReturn {
		t.Errorf("service got resolution=%q return=%v", gotResolution, gotReturn)
	}
}

func TestHandleReturn(t *testing.T) {
	t.Parallel()

	m := &mockService{
		returnFn: func(_ context.Context, escalationID, operatorID string) (*handoff.Escalation, error) {
			return &handoff.Escalation{ID: escalationID, Status: handoff.StatusResolved, ReturnedToAutomation: true}, nil
		},
	}
	h := newTestRouter(m)

	rec := doRequest(t, h, http.MethodPost, "/api/v1/escalations/esc-1/return", `{"operator_id":"op-1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	rec = doRequest(t, h, http.MethodPost, "/api/v1/escalations/esc-1/return", `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing operator status = %d, want 400", rec.Code)
	}
}

func TestHandleStats(t *testing.T) {
	t.Parallel()

	var gotSince time.Time
	m := &mockService{
		statsFn: func(_ context.Context, tenantID string, since time.Time) (*handoff.Stats, error) {
			gotSince = since
			return &handoff.Stats{Total: 7}, nil
		},
	}
	h := newTestRouter(m)

	rec := doRequest(t, h, http.MethodGet, "/api/v1/tenants/t1/stats", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !gotSince.IsZero() {
		t.Errorf("since = %v, want zero when unset", gotSince)
	}

	rec = doRequest(t, h, http.MethodGet, "/api/v1/tenants/t1/stats?since=2026-08-01T00:00:00Z", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status with since = %d, want 200", rec.Code)
	}
	if gotSince.IsZero() {
		t.Error("since was not parsed")
	}

	rec = doRequest(t, h, http.MethodGet, "/api/v1/tenants/t1/stats?since=yesterday", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad since status = %d, want 400", rec.Code)
	}
}

func TestHandleProcessQueue(t *testing.T) {
	t.Parallel()

	var gotLimit int
	m := &mockService{
		processFn: func(_ context.Context, tenantID string, limit int) (int, error) {
			gotLimit = limit
			return 2, nil
		},
	}
	h := newTestRouter(m)

	rec := doRequest(t, h, http.MethodPost, "/api/v1/tenants/t1/queue/process?limit=5", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if gotLimit != 5 {
		t.Errorf("limit = %d, want 5", gotLimit)
	}
	var resp map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["assigned"] != 2 {
		t.Errorf("assigned = %d, want 2", resp["assigned"])
	}

	rec = doRequest(t, h, http.MethodPost, "/api/v1/tenants/t1/queue/process", "")
	if gotLimit != 10 {
		t.Errorf("default limit = %d, want 10", gotLimit)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}

	rec = doRequest(t, h, http.MethodPost, "/api/v1/tenants/t1/queue/process?limit=0", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("zero limit status = %d, want 400", rec.Code)
	}
}

func TestHandleEvaluate_RecordsSpanAttributes(t *testing.T) {
	t.Parallel()

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	m := &mockService{
		evaluateFn: func(_ context.Context, id string) (*handoff.Evaluation, error) {
			return &handoff.Evaluation{ShouldEscalate: true}, nil
		},
	}
	h := newTestRouter(m)

	ctx, span := tp.Tracer("test").Start(context.Background(), "http.request")
	req := httptest.NewRequest(http.MethodPost, "/api/v1/conversations/conv-1/evaluate", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	span.End()

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}

	attrs := make(map[attribute.Key]attribute.Value)
	for _, kv := range spans[0].Attributes {
		attrs[kv.Key] = kv.Value
	}
	if got := attrs["handoff.conversation.id"].AsString(); got != "conv-1" {
		t.Errorf("handoff.conversation.id = %q, want conv-1", got)
	}
	if got := attrs["handoff.should_escalate"].AsBool(); !got {
		t.Error("handoff.should_escalate attribute not true")
	}
}

func TestWriteError_InternalError(t *testing.T) {
	t.Parallel()

	m := &mockService{
		getFn: func(_ context.Context, id string) (*handoff.Escalation, error) {
			return nil, errors.New("connection reset")
		},
	}
	rec := doRequest(t, newTestRouter(m), http.MethodGet, "/api/v1/escalations/esc-1/", "")
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "internal error") {
		t.Errorf("body = %q, internal detail must not leak", rec.Body.String())
	}
}
