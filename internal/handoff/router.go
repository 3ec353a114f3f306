package handoff

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sort"
	"time"

	"github.com/linnemanlabs/go-core/log"
)

// RouteOptions selects how one routing attempt behaves.
type RouteOptions struct {
	Strategy            Strategy
	Priority            Priority
	PreferredOperatorID string
	TenantID            string
}

// Router allocates operator capacity to escalations. It owns the invariant
// that no operator's current load ever exceeds its concurrency limit; the
// claim itself is delegated to OperatorStore.ClaimSlot so the
// check-and-increment is one atomic operation against the store.
type Router struct {
	operators   OperatorStore
	escalations EscalationStore
	logger      log.Logger
	metrics     *Metrics

	// pickRandom is swappable in tests for a deterministic choice.
	pickRandom func(n int) int
}

// NewRouter creates a router over the given stores.
func NewRouter(operators OperatorStore, escalations EscalationStore, logger log.Logger, metrics *Metrics) *Router {
	if logger == nil {
		logger = log.Nop()
	}
	return &Router{
		operators:   operators,
		escalations: escalations,
		logger:      logger,
		metrics:     metrics,
		pickRandom:  rand.IntN,
	}
}

// Route attempts to place the escalation with an operator. When no operator
// has spare capacity the escalation stays pending and the outcome carries
// its queue position; that is a normal result, not an error.
func (r *Router) Route(ctx context.Context, escalationID string, opts RouteOptions) (*RoutingOutcome, error) {
	if opts.Strategy == "" {
		opts.Strategy = StrategyLeastBusy
	}
	if _, err := ParseStrategy(string(opts.Strategy)); err != nil {
		return nil, err
	}
	if opts.Priority != "" && opts.Priority.Rank() < 0 {
		return nil, fmt.Errorf("%w: unknown priority %q", ErrValidation, opts.Priority)
	}

	esc, ok, err := r.escalations.Get(ctx, escalationID)
	if err != nil {
		return nil, fmt.Errorf("get escalation: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: escalation %s", ErrNotFound, escalationID)
	}
	if opts.TenantID == "" {
		opts.TenantID = esc.TenantID
	}

	// Preferred operator gets first shot; on any failure fall through to the
	// tenant-wide candidate set.
	if opts.Strategy == StrategyPreferred && opts.PreferredOperatorID != "" {
		if op, ok, err := r.operators.GetOperator(ctx, opts.PreferredOperatorID); err != nil {
			return nil, fmt.Errorf("get preferred operator: %w", err)
		} else if ok && op.Status == OperatorOnline && op.FreeSlots() > 0 {
			if outcome, err := r.claim(ctx, esc, op); err != nil {
				return nil, err
			} else if outcome != nil {
				r.observeRoute(opts.Strategy, "assigned")
				return outcome, nil
			}
		}
		opts.Strategy = StrategyLeastBusy
	}

	candidates, err := r.operators.ListAvailable(ctx, opts.TenantID)
	if err != nil {
		return nil, fmt.Errorf("list available operators: %w", err)
	}

	orderCandidates(candidates, opts.Strategy, r.pickRandom)

	for _, op := range candidates {
		outcome, err := r.claim(ctx, esc, op)
		if err != nil {
			return nil, err
		}
		if outcome != nil {
			r.observeRoute(opts.Strategy, "assigned")
			return outcome, nil
		}
		// lost the slot race, try the next candidate
	}

	outcome, err := r.enqueue(ctx, esc)
	if err != nil {
		return nil, err
	}
	r.observeRoute(opts.Strategy, "queued")
	return outcome, nil
}

// Release frees one of the operator's slots and opportunistically drains the
// head of the pending queue onto the freed operator.
func (r *Router) Release(ctx context.Context, operatorID string) error {
	if err := r.operators.ReleaseSlot(ctx, operatorID); err != nil {
		return fmt.Errorf("release slot: %w", err)
	}
	if r.metrics != nil {
		r.metrics.SlotsReleased.Inc()
	}

	op, ok, err := r.operators.GetOperator(ctx, operatorID)
	if err != nil || !ok {
		// slot is freed; drain is best-effort
		if err != nil {
			r.logger.Error(ctx, err, "get operator after release", "operator_id", operatorID)
		}
		return nil
	}

	pending, err := r.escalations.ListPending(ctx, op.TenantID)
	if err != nil {
		r.logger.Error(ctx, err, "list pending after release", "tenant_id", op.TenantID)
		return nil
	}
	if len(pending) == 0 {
		return nil
	}

	head := pending[0]
	outcome, err := r.Route(ctx, head.ID, RouteOptions{
		Strategy:            StrategyPreferred,
		Priority:            head.Priority,
		PreferredOperatorID: operatorID,
		TenantID:            op.TenantID,
	})
	if err != nil {
		r.logger.Error(ctx, err, "drain after release", "escalation_id", head.ID)
		return nil
	}
	if outcome.Success {
		r.logger.Info(ctx, "drained queued escalation to freed operator",
			"escalation_id", head.ID,
			"operator_id", outcome.AssignedOperatorID,
		)
	}
	return nil
}

// ProcessQueue drains up to limit pending escalations for the tenant in
// queue order. It stops at the first queued outcome so the remainder keeps
// its order, and returns how many escalations were assigned.
func (r *Router) ProcessQueue(ctx context.Context, tenantID string, limit int) (int, error) {
	if limit <= 0 {
		limit = 10
	}

	assigned := 0
	for assigned < limit {
		pending, err := r.escalations.ListPending(ctx, tenantID)
		if err != nil {
			return assigned, fmt.Errorf("list pending: %w", err)
		}
		if len(pending) == 0 {
			return assigned, nil
		}

		head := pending[0]
		outcome, err := r.Route(ctx, head.ID, RouteOptions{
			Priority: head.Priority,
			TenantID: tenantID,
		})
		if err != nil {
			return assigned, err
		}
		if !outcome.Success {
			// no capacity; leave the queue intact
			return assigned, nil
		}
		assigned++
		if r.metrics != nil {
			r.metrics.QueueDrained.Inc()
		}
	}
	return assigned, nil
}

// claim tries to take a slot on op and assign esc to it. Returns nil outcome
// when the slot claim lost to a concurrent router.
func (r *Router) claim(ctx context.Context, esc *Escalation, op *OperatorAvailability) (*RoutingOutcome, error) {
	claimed, err := r.operators.ClaimSlot(ctx, op.OperatorID)
	if err != nil {
		return nil, fmt.Errorf("claim slot: %w", err)
	}
	if !claimed {
		return nil, nil
	}

	now := time.Now()
	esc.Status = StatusAssigned
	esc.AssignedOperatorID = op.OperatorID
	if esc.AssignedAt.IsZero() {
		esc.AssignedAt = now
	}
	esc.UpdatedAt = now

	if err := r.escalations.Update(ctx, esc); err != nil {
		// hand the slot back rather than leak it
		if relErr := r.operators.ReleaseSlot(ctx, op.OperatorID); relErr != nil {
			r.logger.Error(ctx, relErr, "release slot after failed assign", "operator_id", op.OperatorID)
		}
		return nil, fmt.Errorf("update escalation: %w", err)
	}

	if r.metrics != nil && !esc.CreatedAt.IsZero() {
		r.metrics.TimeToAssign.Observe(now.Sub(esc.CreatedAt).Seconds())
	}

	return &RoutingOutcome{
		Success:              true,
		AssignedOperatorID:   op.OperatorID,
		AssignedOperatorName: op.Name,
	}, nil
}

// enqueue leaves the escalation pending and computes its queue position
// under the priority-tier / FIFO ordering.
func (r *Router) enqueue(ctx context.Context, esc *Escalation) (*RoutingOutcome, error) {
	if esc.Status != StatusPending {
		esc.Status = StatusPending
		esc.UpdatedAt = time.Now()
		if err := r.escalations.Update(ctx, esc); err != nil {
			return nil, fmt.Errorf("update escalation: %w", err)
		}
	}

	pending, err := r.escalations.ListPending(ctx, esc.TenantID)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}

	pos := 1
	for _, p := range pending {
		if p.ID == esc.ID {
			continue
		}
		if queuedBefore(p, esc) {
			pos++
		}
	}

	return &RoutingOutcome{
		Success:       false,
		Reason:        "no operators available",
		QueuePosition: pos,
	}, nil
}

// queuedBefore reports whether a sorts ahead of b in the pending queue:
// higher priority tier first, then earlier creation.
func queuedBefore(a, b *Escalation) bool {
	if a.Priority.Rank() != b.Priority.Rank() {
		return a.Priority.Rank() > b.Priority.Rank()
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

// orderCandidates sorts the candidate slice in place per strategy. For
// random, the chosen candidate is swapped to the front.
func orderCandidates(ops []*OperatorAvailability, strategy Strategy, pickRandom func(n int) int) {
	if len(ops) < 2 {
		return
	}
	switch strategy {
	case StrategyLeastBusy:
		sort.SliceStable(ops, func(i, j int) bool {
			if ops[i].FreeSlots() != ops[j].FreeSlots() {
				return ops[i].FreeSlots() > ops[j].FreeSlots()
			}
			return ops[i].CurrentLoad < ops[j].CurrentLoad
		})
	case StrategyRoundRobin:
		sort.SliceStable(ops, func(i, j int) bool {
			return ops[i].CurrentLoad < ops[j].CurrentLoad
		})
	case StrategyRandom:
		i := pickRandom(len(ops))
		ops[0], ops[i] = ops[i], ops[0]
	}
}

func (r *Router) observeRoute(strategy Strategy, outcome string) {
	if r.metrics != nil {
		r.metrics.RoutingTotal.WithLabelValues(string(strategy), outcome).Inc()
	}
}
