package handoff

import (
	"context"
	"time"
)

// ConversationStore reads conversation snapshots and writes back the handoff
// fields (status, assigned operator). Conversation identity and history are
// owned elsewhere.
type ConversationStore interface {
	Snapshot(ctx context.Context, conversationID string) (*ConversationSnapshot, bool, error)
	SetStatus(ctx context.Context, conversationID string, status ConversationStatus) error
	AssignOperator(ctx context.Context, conversationID, operatorID string) error
	ClearOperator(ctx context.Context, conversationID string) error
	MarkResolved(ctx context.Context, conversationID, resolutionType string) error
}

// EscalationStore persists escalation records.
type EscalationStore interface {
	Create(ctx context.Context, e *Escalation) error
	Get(ctx context.Context, id string) (*Escalation, bool, error)
	// GetActiveByConversation returns the single escalation for the
	// conversation whose status is pending, assigned, or in_progress.
	GetActiveByConversation(ctx context.Context, conversationID string) (*Escalation, bool, error)
	Update(ctx context.Context, e *Escalation) error
	// ListPending returns a tenant's pending escalations already in queue
	// order: priority tier descending, then createdAt ascending.
	ListPending(ctx context.Context, tenantID string) ([]*Escalation, error)
	// ListSince returns all of a tenant's escalations created at or after
	// since (the zero time means no lower bound). Used for stats.
	ListSince(ctx context.Context, tenantID string, since time.Time) ([]*Escalation, error)
}

// OperatorStore reads operator availability and performs the atomic capacity
// claim and release. ClaimSlot must be a single conditional operation
// (status online and current_load < max_concurrent, then increment) so two
// concurrent routing calls cannot both take an operator's last slot.
// Implementations using a plain read-then-write are non-compliant.
type OperatorStore interface {
	GetOperator(ctx context.Context, operatorID string) (*OperatorAvailability, bool, error)
	// ListAvailable returns a tenant's online operators with spare capacity,
	// ordered by current load ascending.
	ListAvailable(ctx context.Context, tenantID string) ([]*OperatorAvailability, error)
	// ClaimSlot atomically increments current_load if the operator is online
	// with spare capacity. Returns false when the claim lost or the operator
	// is not claimable; that is not an error.
	ClaimSlot(ctx context.Context, operatorID string) (bool, error)
	// ReleaseSlot atomically decrements current_load, floored at zero so a
	// duplicate release is harmless.
	ReleaseSlot(ctx context.Context, operatorID string) error
}

// RoutingConfigStore reads per-tenant routing policy from chatbot configuration.
type RoutingConfigStore interface {
	RoutingConfig(ctx context.Context, tenantID string) (*TenantRoutingConfig, bool, error)
}

// Publisher pushes realtime events to connected clients. Fire-and-forget:
// delivery failures never fail the escalation operation that produced them.
type Publisher interface {
	Publish(ctx context.Context, channel, event string, payload any) error
}

// TxRunner is an optional store capability. Stores that can pair an
// escalation write with a conversation write in one transaction implement
// it; fn's writes through the same store join that transaction. The Service
// uses it when present so a half-applied transition is never observable.
type TxRunner interface {
	RunTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Channel name helpers shared by the Service and Publisher implementations.

func TenantChannel(tenantID string) string             { return "tenant." + tenantID }
func OperatorChannel(operatorID string) string         { return "operator." + operatorID }
func ConversationChannel(conversationID string) string { return "conversation." + conversationID }
