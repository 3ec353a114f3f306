// Package pgstore provides PostgreSQL implementations of the handoff store
// interfaces over one shared pool.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cynerellc/buzzi-handoff/internal/handoff"
)

var tracer = otel.Tracer("github.com/cynerellc/buzzi-handoff/internal/handoff/pgstore")

//go:embed schema.sql
var schema string

// Store persists the escalation core's state in PostgreSQL. It implements
// ConversationStore, EscalationStore, OperatorStore, RoutingConfigStore,
// and TxRunner.
type Store struct {
	pool *pgxpool.Pool
}

// txKey carries an open pgx.Tx through a RunTx callback so store methods
// join the transaction.
type txKey struct{}

// dbtx is satisfied by both *pgxpool.Pool and pgx.Tx.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// New applies the schema and returns a ready Store.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

// RunTx runs fn inside one transaction. Store methods called with the
// returned context join it, so an escalation write and a conversation write
// commit or roll back together.
func (s *Store) RunTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		// already inside a transaction; join it
		return fn(ctx)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *Store) db(ctx context.Context) dbtx {
	if tx, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return tx
	}
	return s.pool
}

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// EscalationStore

const escalationColumns = `id, conversation_id, tenant_id, status, priority, reason, trigger_type,
	assigned_operator_id, assigned_at, resolution, resolved_by, resolved_at,
	returned_to_automation, created_at, updated_at`

// Create inserts a new escalation. The partial unique index on active
// escalations backs up the single-active-escalation invariant at the
// storage layer.
func (s *Store) Create(ctx context.Context, e *handoff.Escalation) (err error) {
	ctx, span := startSpan(ctx, "pgstore.Create", "INSERT")
	defer func() { endSpan(span, err) }()

	_, err = s.db(ctx).Exec(ctx,
		`INSERT INTO escalations (
			id, conversation_id, tenant_id, status, priority, priority_rank, reason, trigger_type,
			assigned_operator_id, assigned_at, resolution, resolved_by, resolved_at,
			returned_to_automation, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		e.ID, e.ConversationID, e.TenantID, string(e.Status), string(e.Priority), e.Priority.Rank(),
		e.Reason, string(e.TriggerType), e.AssignedOperatorID, nullTime(e.AssignedAt),
		e.Resolution, e.ResolvedBy, nullTime(e.ResolvedAt), e.ReturnedToAutomation,
		e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert escalation: %w", err)
	}
	return nil
}

// Get retrieves an escalation by ID.
func (s *Store) Get(ctx context.Context, id string) (e *handoff.Escalation, ok bool, err error) {
	ctx, span := startSpan(ctx, "pgstore.Get", "SELECT")
	defer func() { endSpan(span, err) }()

	query := `SELECT ` + escalationColumns + ` FROM escalations WHERE id = $1`
	e, err = scanEscalation(s.db(ctx).QueryRow(ctx, query, id))
	if err != nil {
		return nil, false, err
	}
	if e == nil {
		return nil, false, nil
	}
	return e, true, nil
}

// GetActiveByConversation returns the conversation's non-resolved escalation.
func (s *Store) GetActiveByConversation(ctx context.Context, conversationID string) (e *handoff.Escalation, ok bool, err error) {
	ctx, span := startSpan(ctx, "pgstore.GetActiveByConversation", "SELECT")
	defer func() { endSpan(span, err) }()

	query := `SELECT ` + escalationColumns + ` FROM escalations
		WHERE conversation_id = $1 AND status IN ('pending', 'assigned', 'in_progress')`
	e, err = scanEscalation(s.db(ctx).QueryRow(ctx, query, conversationID))
	if err != nil {
		return nil, false, err
	}
	if e == nil {
		return nil, false, nil
	}
	return e, true, nil
}

// Update overwrites an escalation's mutable fields.
func (s *Store) Update(ctx context.Context, e *handoff.Escalation) (err error) {
	ctx, span := startSpan(ctx, "pgstore.Update", "UPDATE")
	defer func() { endSpan(span, err) }()

	tag, err := s.db(ctx).Exec(ctx,
		`UPDATE escalations SET
			status = $2, priority = $3, priority_rank = $4, reason = $5,
			assigned_operator_id = $6, assigned_at = $7, resolution = $8,
			resolved_by = $9, resolved_at = $10, returned_to_automation = $11,
			updated_at = $12
		WHERE id = $1`,
		e.ID, string(e.Status), string(e.Priority), e.Priority.Rank(), e.Reason,
		e.AssignedOperatorID, nullTime(e.AssignedAt), e.Resolution,
		e.ResolvedBy, nullTime(e.ResolvedAt), e.ReturnedToAutomation, e.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update escalation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("escalation %s: %w", e.ID, handoff.ErrNotFound)
	}
	return nil
}

// ListPending returns the tenant's pending escalations in queue order.
func (s *Store) ListPending(ctx context.Context, tenantID string) (out []*handoff.Escalation, err error) {
	ctx, span := startSpan(ctx, "pgstore.ListPending", "SELECT")
	defer func() { endSpan(span, err) }()

	query := `SELECT ` + escalationColumns + ` FROM escalations
		WHERE tenant_id = $1 AND status = 'pending'
		ORDER BY priority_rank DESC, created_at ASC`
	return s.queryEscalations(ctx, query, tenantID)
}

// ListSince returns the tenant's escalations created at or after since.
func (s *Store) ListSince(ctx context.Context, tenantID string, since time.Time) (out []*handoff.Escalation, err error) {
	ctx, span := startSpan(ctx, "pgstore.ListSince", "SELECT")
	defer func() { endSpan(span, err) }()

	if since.IsZero() {
		query := `SELECT ` + escalationColumns + ` FROM escalations
			WHERE tenant_id = $1 ORDER BY created_at ASC`
		return s.queryEscalations(ctx, query, tenantID)
	}
	query := `SELECT ` + escalationColumns + ` FROM escalations
		WHERE tenant_id = $1 AND created_at >= $2 ORDER BY created_at ASC`
	return s.queryEscalations(ctx, query, tenantID, since)
}

// OperatorStore

// GetOperator retrieves an operator's availability record.
func (s *Store) GetOperator(ctx context.Context, operatorID string) (op *handoff.OperatorAvailability, ok bool, err error) {
	ctx, span := startSpan(ctx, "pgstore.GetOperator", "SELECT")
	defer func() { endSpan(span, err) }()

	var o handoff.OperatorAvailability
	var status string
	err = s.db(ctx).QueryRow(ctx,
		`SELECT operator_id, name, tenant_id, status, current_load, max_concurrent
		 FROM operator_availability WHERE operator_id = $1`,
		operatorID,
	).Scan(&o.OperatorID, &o.Name, &o.TenantID, &status, &o.CurrentLoad, &o.MaxConcurrent)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("scan operator: %w", err)
	}
	o.Status = handoff.OperatorStatus(status)
	return &o, true, nil
}

// ListAvailable returns online operators with spare capacity, least loaded first.
func (s *Store) ListAvailable(ctx context.Context, tenantID string) (out []*handoff.OperatorAvailability, err error) {
	ctx, span := startSpan(ctx, "pgstore.ListAvailable", "SELECT")
	defer func() { endSpan(span, err) }()

	rows, err := s.db(ctx).Query(ctx,
		`SELECT operator_id, name, tenant_id, status, current_load, max_concurrent
		 FROM operator_availability
		 WHERE tenant_id = $1 AND status = 'online' AND current_load < max_concurrent
		 ORDER BY current_load ASC, operator_id ASC`,
		tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("query operators: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var o handoff.OperatorAvailability
		var status string
		if err := rows.Scan(&o.OperatorID, &o.Name, &o.TenantID, &status, &o.CurrentLoad, &o.MaxConcurrent); err != nil {
			return nil, fmt.Errorf("scan operator: %w", err)
		}
		o.Status = handoff.OperatorStatus(status)
		out = append(out, &o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate operators: %w", err)
	}
	return out, nil
}

// ClaimSlot is the atomic capacity claim: one conditional UPDATE guarded by
// the capacity check, so concurrent claims on the last slot serialize in the
// database and exactly one wins.
func (s *Store) ClaimSlot(ctx context.Context, operatorID string) (claimed bool, err error) {
	ctx, span := startSpan(ctx, "pgstore.ClaimSlot", "UPDATE")
	defer func() { endSpan(span, err) }()

	tag, err := s.db(ctx).Exec(ctx,
		`UPDATE operator_availability
		 SET current_load = current_load + 1
		 WHERE operator_id = $1 AND status = 'online' AND current_load < max_concurrent`,
		operatorID,
	)
	if err != nil {
		return false, fmt.Errorf("claim slot: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ReleaseSlot decrements the operator's load, floored at zero so duplicate
// releases are harmless.
func (s *Store) ReleaseSlot(ctx context.Context, operatorID string) (err error) {
	ctx, span := startSpan(ctx, "pgstore.ReleaseSlot", "UPDATE")
	defer func() { endSpan(span, err) }()

	_, err = s.db(ctx).Exec(ctx,
		`UPDATE operator_availability
		 SET current_load = GREATEST(current_load - 1, 0)
		 WHERE operator_id = $1`,
		operatorID,
	)
	if err != nil {
		return fmt.Errorf("release slot: %w", err)
	}
	return nil
}

// ConversationStore

// Snapshot reads the conversation fields the detector and service need.
func (s *Store) Snapshot(ctx context.Context, conversationID string) (snap *handoff.ConversationSnapshot, ok bool, err error) {
	ctx, span := startSpan(ctx, "pgstore.Snapshot", "SELECT")
	defer func() { endSpan(span, err) }()

	var c handoff.ConversationSnapshot
	var status string
	var messagesJSON []byte
	err = s.db(ctx).QueryRow(ctx,
		`SELECT id, tenant_id, status, sentiment_score, turn_count, recent_user_messages, assigned_operator_id
		 FROM conversations WHERE id = $1`,
		conversationID,
	).Scan(&c.ID, &c.TenantID, &status, &c.SentimentScore, &c.TurnCount, &messagesJSON, &c.AssignedOperatorID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("scan conversation: %w", err)
	}
	c.Status = handoff.ConversationStatus(status)
	if err := json.Unmarshal(messagesJSON, &c.RecentUserMessages); err != nil {
		return nil, false, fmt.Errorf("unmarshal recent messages: %w", err)
	}
	return &c, true, nil
}

// SetStatus writes the conversation's status.
func (s *Store) SetStatus(ctx context.Context, conversationID string, status handoff.ConversationStatus) (err error) {
	ctx, span := startSpan(ctx, "pgstore.SetStatus", "UPDATE")
	defer func() { endSpan(span, err) }()

	return s.updateConversation(ctx, conversationID,
		`UPDATE conversations SET status = $2, updated_at = now() WHERE id = $1`,
		conversationID, string(status))
}

// AssignOperator writes the conversation's assigned operator.
func (s *Store) AssignOperator(ctx context.Context, conversationID, operatorID string) (err error) {
	ctx, span := startSpan(ctx, "pgstore.AssignOperator", "UPDATE")
	defer func() { endSpan(span, err) }()

	return s.updateConversation(ctx, conversationID,
		`UPDATE conversations SET assigned_operator_id = $2, updated_at = now() WHERE id = $1`,
		conversationID, operatorID)
}

// ClearOperator removes the conversation's assigned operator.
func (s *Store) ClearOperator(ctx context.Context, conversationID string) (err error) {
	ctx, span := startSpan(ctx, "pgstore.ClearOperator", "UPDATE")
	defer func() { endSpan(span, err) }()

	return s.updateConversation(ctx, conversationID,
		`UPDATE conversations SET assigned_operator_id = '', updated_at = now() WHERE id = $1`,
		conversationID)
}

// MarkResolved closes the conversation with a resolution type.
func (s *Store) MarkResolved(ctx context.Context, conversationID, resolutionType string) (err error) {
	ctx, span := startSpan(ctx, "pgstore.MarkResolved", "UPDATE")
	defer func() { endSpan(span, err) }()

	return s.updateConversation(ctx, conversationID,
		`UPDATE conversations SET status = 'resolved', resolution_type = $2, updated_at = now() WHERE id = $1`,
		conversationID, resolutionType)
}

// RoutingConfigStore

// RoutingConfig returns the tenant's routing policy, if configured.
func (s *Store) RoutingConfig(ctx context.Context, tenantID string) (cfg *handoff.TenantRoutingConfig, ok bool, err error) {
	ctx, span := startSpan(ctx, "pgstore.RoutingConfig", "SELECT")
	defer func() { endSpan(span, err) }()

	var c handoff.TenantRoutingConfig
	var strategy string
	err = s.db(ctx).QueryRow(ctx,
		`SELECT tenant_id, default_strategy, preferred_operator_id
		 FROM tenant_routing_config WHERE tenant_id = $1`,
		tenantID,
	).Scan(&c.TenantID, &strategy, &c.PreferredOperatorID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("scan routing config: %w", err)
	}
	c.DefaultStrategy = handoff.Strategy(strategy)
	return &c, true, nil
}

func (s *Store) updateConversation(ctx context.Context, conversationID, query string, args ...any) error {
	tag, err := s.db(ctx).Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("conversation %s: %w", conversationID, handoff.ErrNotFound)
	}
	return nil
}

func (s *Store) queryEscalations(ctx context.Context, query string, args ...any) ([]*handoff.Escalation, error) {
	rows, err := s.db(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query escalations: %w", err)
	}
	defer rows.Close()

	var out []*handoff.Escalation
	for rows.Next() {
		e, err := scanEscalationRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate escalations: %w", err)
	}
	return out, nil
}

// scanEscalation scans a single row, returning (nil, nil) when absent.
func scanEscalation(row pgx.Row) (*handoff.Escalation, error) {
	e, err := scanEscalationRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return e, nil
}

func scanEscalationRow(row pgx.Row) (*handoff.Escalation, error) {
	var (
		e          handoff.Escalation
		status     string
		priority   string
		trigger    string
		assignedAt *time.Time
		resolvedAt *time.Time
	)
	err := row.Scan(
		&e.ID, &e.ConversationID, &e.TenantID, &status, &priority, &e.Reason, &trigger,
		&e.AssignedOperatorID, &assignedAt, &e.Resolution, &e.ResolvedBy, &resolvedAt,
		&e.ReturnedToAutomation, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, pgx.ErrNoRows
		}
		return nil, fmt.Errorf("scan escalation: %w", err)
	}
	e.Status = handoff.Status(status)
	e.Priority = handoff.Priority(priority)
	e.TriggerType = handoff.TriggerType(trigger)
	if assignedAt != nil {
		e.AssignedAt = *assignedAt
	}
	if resolvedAt != nil {
		e.ResolvedAt = *resolvedAt
	}
	return &e, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
