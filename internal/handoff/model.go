package handoff

import (
	"fmt"
	"time"
)

// Status tracks where an escalation is in its lifecycle.
type Status string

const (
	// StatusPending means created, waiting for an operator with free capacity
	StatusPending Status = "pending"

	// StatusAssigned means routed to an operator who has not yet accepted
	StatusAssigned Status = "assigned"

	// StatusInProgress means an operator accepted and owns the conversation
	StatusInProgress Status = "in_progress"

	// StatusResolved is terminal; resolved escalations are retained for analytics
	StatusResolved Status = "resolved"
)

// Priority ranks escalations for queueing. Urgent sorts first.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Rank returns the numeric tier for queue ordering. Higher drains first.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 3
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	case PriorityLow:
		return 0
	}
	return -1
}

// ParsePriority validates a priority value from an external caller.
func ParsePriority(s string) (Priority, error) {
	p := Priority(s)
	if p.Rank() < 0 {
		return "", fmt.Errorf("%w: unknown priority %q", ErrValidation, s)
	}
	return p, nil
}

// Strategy selects how the router picks an operator among candidates.
type Strategy string

const (
	// StrategyLeastBusy picks the operator with the most free slots
	StrategyLeastBusy Strategy = "least_busy"

	// StrategyRoundRobin picks the operator with the lowest current load
	StrategyRoundRobin Strategy = "round_robin"

	// StrategyRandom picks uniformly among candidates
	StrategyRandom Strategy = "random"

	// StrategyPreferred tries a specific operator first, then falls back
	StrategyPreferred Strategy = "preferred"
)

// ParseStrategy validates a strategy value from an external caller.
func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(s); st {
	case StrategyLeastBusy, StrategyRoundRobin, StrategyRandom, StrategyPreferred:
		return st, nil
	}
	return "", fmt.Errorf("%w: unknown routing strategy %q", ErrValidation, s)
}

// TriggerType identifies which detector rule fired.
type TriggerType string

const (
	TriggerSentiment       TriggerType = "sentiment"
	TriggerKeyword         TriggerType = "keyword"
	TriggerTurns           TriggerType = "turns"
	TriggerExplicitRequest TriggerType = "explicit_request"
	TriggerFrustration     TriggerType = "frustration"

	// TriggerManual marks escalations created by an operator, not a detector
	TriggerManual TriggerType = "manual"
)

// Escalation is the record of a conversation's handoff from the automated
// agent to a human operator. It has its own lifecycle independent of the
// conversation and is never deleted.
type Escalation struct {
	ID                  string      `json:"id"`
	ConversationID      string      `json:"conversation_id"`
	TenantID            string      `json:"tenant_id"`
	Status              Status      `json:"status"`
	Priority            Priority    `json:"priority"`
	Reason              string      `json:"reason,omitempty"`
	TriggerType         TriggerType `json:"trigger_type,omitempty"`
	AssignedOperatorID  string      `json:"assigned_operator_id,omitempty"`
	AssignedAt          time.Time   `json:"assigned_at,omitzero"`
	Resolution          string      `json:"resolution,omitempty"`
	ResolvedBy          string      `json:"resolved_by,omitempty"`
	ResolvedAt          time.Time   `json:"resolved_at,omitzero"`
	ReturnedToAutomation bool       `json:"returned_to_automation"`
	CreatedAt           time.Time   `json:"created_at"`
	UpdatedAt           time.Time   `json:"updated_at"`
}

// Active reports whether the escalation still occupies the conversation's
// single-active-escalation slot.
func (e *Escalation) Active() bool {
	switch e.Status {
	case StatusPending, StatusAssigned, StatusInProgress:
		return true
	}
	return false
}

// OperatorStatus is the presence state reported by the external presence system.
type OperatorStatus string

const (
	OperatorOnline  OperatorStatus = "online"
	OperatorOffline OperatorStatus = "offline"
	OperatorBusy    OperatorStatus = "busy"
)

// OperatorAvailability is a human operator's capacity record. The presence
// system owns status and max_concurrent; this core only claims and releases
// load through the OperatorStore's atomic operations.
type OperatorAvailability struct {
	OperatorID    string         `json:"operator_id"`
	Name          string         `json:"name,omitempty"`
	TenantID      string         `json:"tenant_id"`
	Status        OperatorStatus `json:"status"`
	CurrentLoad   int            `json:"current_load"`
	MaxConcurrent int            `json:"max_concurrent"`
}

// FreeSlots returns unclaimed capacity.
func (o *OperatorAvailability) FreeSlots() int {
	return o.MaxConcurrent - o.CurrentLoad
}

// ConversationStatus is the subset of conversation states this core writes.
type ConversationStatus string

const (
	ConversationActive       ConversationStatus = "active"
	ConversationWaitingHuman ConversationStatus = "waiting_human"
	ConversationWithHuman    ConversationStatus = "with_human"
	ConversationResolved     ConversationStatus = "resolved"
)

// ConversationSnapshot is a read-only view of a conversation sufficient to
// build detector context. SentimentScore is in the conversation store's
// native 0..100 scale; nil means no score has been computed yet.
type ConversationSnapshot struct {
	ID                 string
	TenantID           string
	Status             ConversationStatus
	SentimentScore     *float64
	TurnCount          int
	RecentUserMessages []string
	AssignedOperatorID string
}

// RoutingOutcome is the ephemeral result of one routing attempt.
type RoutingOutcome struct {
	Success              bool   `json:"success"`
	AssignedOperatorID   string `json:"assigned_operator_id,omitempty"`
	AssignedOperatorName string `json:"assigned_operator_name,omitempty"`
	Reason               string `json:"reason,omitempty"`
	QueuePosition        int    `json:"queue_position,omitempty"`
}

// TenantRoutingConfig is the per-tenant routing policy, owned by the
// chatbot-configuration system.
type TenantRoutingConfig struct {
	TenantID            string
	DefaultStrategy     Strategy
	PreferredOperatorID string
}

// Stats aggregates a tenant's escalation history.
type Stats struct {
	Total             int                 `json:"total"`
	ByStatus          map[Status]int      `json:"by_status"`
	ByTrigger         map[TriggerType]int `json:"by_trigger"`
	AvgAssignSeconds  float64             `json:"avg_assign_seconds"`
	AvgResolveSeconds float64             `json:"avg_resolve_seconds"`
	ReturnedFraction  float64             `json:"returned_to_automation_fraction"`
}
