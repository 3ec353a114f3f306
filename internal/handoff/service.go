package handoff

import (
	"context"
	"fmt"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/oklog/ulid/v2"
)

// Evaluation is the result of running the detector over a conversation.
type Evaluation struct {
	ShouldEscalate bool                `json:"should_escalate"`
	Reason         string              `json:"reason,omitempty"`
	Triggers       []TriggerEvaluation `json:"triggers"`
}

// CreateParams are the inputs for a manual or trigger-driven escalation.
// Zero values fall back to manual trigger and medium priority.
type CreateParams struct {
	ConversationID string
	Reason         string
	TriggerType    TriggerType
	Priority       Priority
}

// Service is the business boundary for escalation lifecycle operations. It
// orchestrates the detector and router, owns the escalation state machine,
// and writes conversation handoff state through the external stores.
type Service struct {
	conversations ConversationStore
	escalations   EscalationStore
	configs       RoutingConfigStore
	router        *Router
	detector      *Detector
	publisher     Publisher
	logger        log.Logger
	metrics       *Metrics
}

// NewService creates the escalation service. publisher and metrics may be
// nil; notifications and instrumentation are then skipped.
func NewService(
	conversations ConversationStore,
	escalations EscalationStore,
	configs RoutingConfigStore,
	router *Router,
	detector *Detector,
	publisher Publisher,
	logger log.Logger,
	metrics *Metrics,
) *Service {
	if logger == nil {
		logger = log.Nop()
	}
	return &Service{
		conversations: conversations,
		escalations:   escalations,
		configs:       configs,
		router:        router,
		detector:      detector,
		publisher:     publisher,
		logger:        logger,
		metrics:       metrics,
	}
}

// Evaluate builds detector context from the conversation's current snapshot
// and reports whether it should escalate, with every trigger evaluation.
func (s *Service) Evaluate(ctx context.Context, conversationID string) (*Evaluation, error) {
	snap, ok, err := s.conversations.Snapshot(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("conversation snapshot: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: conversation %s", ErrNotFound, conversationID)
	}

	dctx := detectorContext(snap)
	triggers := s.detector.Analyze(dctx)

	ev := &Evaluation{Triggers: triggers}
	for _, t := range triggers {
		if t.Triggered {
			ev.ShouldEscalate = true
			break
		}
	}
	if ev.ShouldEscalate {
		ev.Reason = primaryReason(triggers)
	}
	return ev, nil
}

// CreateEscalation creates a pending escalation for the conversation and
// immediately attempts to route it. If the conversation already has an
// active escalation, the existing record is returned unchanged with a
// non-success outcome; that is a duplicate, not an error.
func (s *Service) CreateEscalation(ctx context.Context, p CreateParams) (*Escalation, *RoutingOutcome, error) {
	if p.Priority != "" {
		if _, err := ParsePriority(string(p.Priority)); err != nil {
			return nil, nil, err
		}
	}

	if existing, ok, err := s.escalations.GetActiveByConversation(ctx, p.ConversationID); err != nil {
		return nil, nil, fmt.Errorf("check active escalation: %w", err)
	} else if ok {
		return existing, &RoutingOutcome{Success: false, Reason: "escalation already exists"}, nil
	}

	snap, ok, err := s.conversations.Snapshot(ctx, p.ConversationID)
	if err != nil {
		return nil, nil, fmt.Errorf("conversation snapshot: %w", err)
	}
	if !ok {
		return nil, nil, fmt.Errorf("%w: conversation %s", ErrNotFound, p.ConversationID)
	}

	if p.TriggerType == "" {
		p.TriggerType = TriggerManual
	}
	if p.Priority == "" {
		p.Priority = PriorityMedium
	}

	now := time.Now()
	esc := &Escalation{
		ID:             ulid.Make().String(),
		ConversationID: p.ConversationID,
		TenantID:       snap.TenantID,
		Status:         StatusPending,
		Priority:       p.Priority,
		Reason:         p.Reason,
		TriggerType:    p.TriggerType,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	err = s.runTx(ctx, func(ctx context.Context) error {
		if err := s.escalations.Create(ctx, esc); err != nil {
			return fmt.Errorf("create escalation: %w", err)
		}
		if err := s.conversations.SetStatus(ctx, p.ConversationID, ConversationWaitingHuman); err != nil {
			return fmt.Errorf("set conversation waiting: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	if s.metrics != nil {
		s.metrics.EscalationsTotal.WithLabelValues(string(p.TriggerType), string(p.Priority)).Inc()
	}

	opts := RouteOptions{Priority: p.Priority, TenantID: snap.TenantID}
	if cfg, ok, err := s.configs.RoutingConfig(ctx, snap.TenantID); err != nil {
		s.logger.Error(ctx, err, "load routing config, using defaults", "tenant_id", snap.TenantID)
	} else if ok {
		opts.Strategy = cfg.DefaultStrategy
		if cfg.PreferredOperatorID != "" {
			opts.Strategy = StrategyPreferred
			opts.PreferredOperatorID = cfg.PreferredOperatorID
		}
	}

	outcome, err := s.router.Route(ctx, esc.ID, opts)
	if err != nil {
		return nil, nil, fmt.Errorf("route escalation: %w", err)
	}

	// the router persisted the assignment; re-read for the caller
	esc, _, err = s.escalations.Get(ctx, esc.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("reload escalation: %w", err)
	}

	s.publish(ctx, TenantChannel(snap.TenantID), "escalation.created", map[string]any{
		"escalation_id":   esc.ID,
		"conversation_id": esc.ConversationID,
		"priority":        esc.Priority,
		"trigger":         esc.TriggerType,
		"reason":          esc.Reason,
		"queued":          !outcome.Success,
	})
	if outcome.Success {
		s.publish(ctx, OperatorChannel(outcome.AssignedOperatorID), "escalation.assigned", map[string]any{
			"escalation_id":   esc.ID,
			"conversation_id": esc.ConversationID,
			"priority":        esc.Priority,
		})
	}

	s.logger.Info(ctx, "escalation created",
		"escalation_id", esc.ID,
		"conversation_id", esc.ConversationID,
		"tenant_id", esc.TenantID,
		"trigger", esc.TriggerType,
		"priority", esc.Priority,
		"assigned", outcome.Success,
	)

	return esc, outcome, nil
}

// AutoEscalate evaluates the conversation and, when a trigger fires, creates
// an escalation with the detected trigger type, reason, and derived
// priority. Returns a nil escalation when nothing fired.
func (s *Service) AutoEscalate(ctx context.Context, conversationID string) (*Escalation, *RoutingOutcome, error) {
	ev, err := s.Evaluate(ctx, conversationID)
	if err != nil {
		return nil, nil, err
	}
	if !ev.ShouldEscalate {
		return nil, nil, nil
	}

	return s.CreateEscalation(ctx, CreateParams{
		ConversationID: conversationID,
		Reason:         ev.Reason,
		TriggerType:    primaryTrigger(ev.Triggers),
		Priority:       s.detector.PriorityFor(ev.Triggers),
	})
}

// Accept transitions the escalation to in_progress under the accepting
// operator and moves the conversation to human handling.
func (s *Service) Accept(ctx context.Context, escalationID, operatorID string) (*Escalation, error) {
	esc, ok, err := s.escalations.Get(ctx, escalationID)
	if err != nil {
		return nil, fmt.Errorf("get escalation: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: escalation %s", ErrNotFound, escalationID)
	}
	if esc.Status != StatusPending && esc.Status != StatusAssigned {
		return nil, fmt.Errorf("%w: cannot accept escalation in status %q", ErrInvalidState, esc.Status)
	}

	now := time.Now()
	esc.Status = StatusInProgress
	esc.AssignedOperatorID = operatorID
	if esc.AssignedAt.IsZero() {
		esc.AssignedAt = now
	}
	esc.UpdatedAt = now

	err = s.runTx(ctx, func(ctx context.Context) error {
		if err := s.escalations.Update(ctx, esc); err != nil {
			return fmt.Errorf("update escalation: %w", err)
		}
		if err := s.conversations.AssignOperator(ctx, esc.ConversationID, operatorID); err != nil {
			return fmt.Errorf("assign conversation operator: %w", err)
		}
		if err := s.conversations.SetStatus(ctx, esc.ConversationID, ConversationWithHuman); err != nil {
			return fmt.Errorf("set conversation with-human: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, ConversationChannel(esc.ConversationID), "operator.joined", map[string]any{
		"escalation_id": esc.ID,
		"operator_id":   operatorID,
	})

	s.logger.Info(ctx, "escalation accepted",
		"escalation_id", esc.ID,
		"operator_id", operatorID,
	)

	return esc, nil
}

// Resolve terminates the escalation. With returnToAutomation the
// conversation goes back to the automated agent; otherwise it is marked
// resolved by a human. Either way the assigned operator's slot is released,
// which may drain the pending queue.
func (s *Service) Resolve(ctx context.Context, escalationID, resolution string, returnToAutomation bool, resolvedBy string) (*Escalation, error) {
	esc, ok, err := s.escalations.Get(ctx, escalationID)
	if err != nil {
		return nil, fmt.Errorf("get escalation: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: escalation %s", ErrNotFound, escalationID)
	}
	if esc.Status == StatusResolved {
		return nil, fmt.Errorf("%w: escalation already resolved", ErrInvalidState)
	}

	now := time.Now()
	esc.Status = StatusResolved
	esc.Resolution = resolution
	esc.ResolvedBy = resolvedBy
	esc.ResolvedAt = now
	esc.ReturnedToAutomation = returnToAutomation
	esc.UpdatedAt = now

	err = s.runTx(ctx, func(ctx context.Context) error {
		if err := s.escalations.Update(ctx, esc); err != nil {
			return fmt.Errorf("update escalation: %w", err)
		}
		if returnToAutomation {
			if err := s.conversations.ClearOperator(ctx, esc.ConversationID); err != nil {
				return fmt.Errorf("clear conversation operator: %w", err)
			}
			if err := s.conversations.SetStatus(ctx, esc.ConversationID, ConversationActive); err != nil {
				return fmt.Errorf("set conversation active: %w", err)
			}
			return nil
		}
		if err := s.conversations.MarkResolved(ctx, esc.ConversationID, "human"); err != nil {
			return fmt.Errorf("mark conversation resolved: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.ResolutionsTotal.WithLabelValues(fmt.Sprintf("%t", returnToAutomation)).Inc()
		s.metrics.TimeToResolve.Observe(now.Sub(esc.CreatedAt).Seconds())
	}

	if returnToAutomation {
		s.publish(ctx, ConversationChannel(esc.ConversationID), "operator.left", map[string]any{
			"escalation_id": esc.ID,
			"operator_id":   resolvedBy,
		})
	}
	s.publish(ctx, TenantChannel(esc.TenantID), "escalation.resolved", map[string]any{
		"escalation_id":          esc.ID,
		"conversation_id":        esc.ConversationID,
		"returned_to_automation": returnToAutomation,
	})

	if esc.AssignedOperatorID != "" {
		if err := s.router.Release(ctx, esc.AssignedOperatorID); err != nil {
			s.logger.Error(ctx, err, "release operator capacity", "operator_id", esc.AssignedOperatorID)
		}
	}

	s.logger.Info(ctx, "escalation resolved",
		"escalation_id", esc.ID,
		"resolved_by", resolvedBy,
		"returned_to_automation", returnToAutomation,
	)

	return esc, nil
}

// ReturnToAutomation hands the conversation back to the automated agent.
func (s *Service) ReturnToAutomation(ctx context.Context, escalationID, operatorID string) (*Escalation, error) {
	return s.Resolve(ctx, escalationID, "returned to automation", true, operatorID)
}

// GetEscalation fetches a single escalation.
func (s *Service) GetEscalation(ctx context.Context, escalationID string) (*Escalation, error) {
	esc, ok, err := s.escalations.Get(ctx, escalationID)
	if err != nil {
		return nil, fmt.Errorf("get escalation: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: escalation %s", ErrNotFound, escalationID)
	}
	return esc, nil
}

// Stats aggregates a tenant's escalations created at or after since (zero
// time means all). Pure read; nothing is mutated.
func (s *Service) Stats(ctx context.Context, tenantID string, since time.Time) (*Stats, error) {
	escs, err := s.escalations.ListSince(ctx, tenantID, since)
	if err != nil {
		return nil, fmt.Errorf("list escalations: %w", err)
	}

	st := &Stats{
		Total:     len(escs),
		ByStatus:  make(map[Status]int),
		ByTrigger: make(map[TriggerType]int),
	}

	var assignSum, resolveSum float64
	var assigned, resolved, returned int
	for _, e := range escs {
		st.ByStatus[e.Status]++
		if e.TriggerType != "" {
			st.ByTrigger[e.TriggerType]++
		}
		if !e.AssignedAt.IsZero() {
			assignSum += e.AssignedAt.Sub(e.CreatedAt).Seconds()
			assigned++
		}
		if !e.ResolvedAt.IsZero() {
			resolveSum += e.ResolvedAt.Sub(e.CreatedAt).Seconds()
			resolved++
		}
		if e.ReturnedToAutomation {
			returned++
		}
	}
	if assigned > 0 {
		st.AvgAssignSeconds = assignSum / float64(assigned)
	}
	if resolved > 0 {
		st.AvgResolveSeconds = resolveSum / float64(resolved)
	}
	if resolved > 0 {
		st.ReturnedFraction = float64(returned) / float64(resolved)
	}
	return st, nil
}

// publish sends a notification and swallows failures: escalation durability
// depends on the persisted record, not the delivered event.
func (s *Service) publish(ctx context.Context, channel, event string, payload any) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, channel, event, payload); err != nil {
		if s.metrics != nil {
			s.metrics.NotifyFailures.Inc()
		}
		s.logger.Error(ctx, err, "notification publish failed", "channel", channel, "event", event)
	}
}

// runTx pairs an escalation write with a conversation write in one
// transaction when the store supports it.
func (s *Service) runTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if tx, ok := s.escalations.(TxRunner); ok {
		return tx.RunTx(ctx, fn)
	}
	return fn(ctx)
}

// detectorContext converts a snapshot into detector input, normalizing the
// store's native 0..100 sentiment score into -1..1.
func detectorContext(snap *ConversationSnapshot) Context {
	c := Context{
		TurnCount:      snap.TurnCount,
		RecentMessages: snap.RecentUserMessages,
	}
	if snap.SentimentScore != nil {
		c.Sentiment = ptr(normalizeSentiment(*snap.SentimentScore))
	}
	return c
}

func normalizeSentiment(score float64) float64 {
	n := score/50 - 1
	if n < -1 {
		return -1
	}
	if n > 1 {
		return 1
	}
	return n
}

// primaryTrigger returns the trigger type that wins the precedence order.
func primaryTrigger(evs []TriggerEvaluation) TriggerType {
	byType := make(map[TriggerType]TriggerEvaluation, len(evs))
	for _, ev := range evs {
		if ev.Triggered {
			byType[ev.Type] = ev
		}
	}
	for _, t := range primaryOrder {
		if _, ok := byType[t]; ok {
			return t
		}
	}
	return TriggerManual
}

func ptr[T any](v T) *T { return &v }
