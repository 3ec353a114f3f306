// Package memstore provides in-memory implementations of the handoff store
// interfaces. Suitable for dev/testing.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cynerellc/buzzi-handoff/internal/handoff"
)

// Store holds conversations, escalations, operator availability, and tenant
// routing config in memory behind one mutex, which makes ClaimSlot's
// check-and-increment atomic by construction.
type Store struct {
	mu            sync.RWMutex
	conversations map[string]*handoff.ConversationSnapshot
	escalations   map[string]*handoff.Escalation
	operators     map[string]*handoff.OperatorAvailability
	configs       map[string]*handoff.TenantRoutingConfig
}

// New initializes an empty Store.
func New() *Store {
	return &Store{
		conversations: make(map[string]*handoff.ConversationSnapshot),
		escalations:   make(map[string]*handoff.Escalation),
		operators:     make(map[string]*handoff.OperatorAvailability),
		configs:       make(map[string]*handoff.TenantRoutingConfig),
	}
}

// Seeding helpers for dev and tests. The presence and conversation systems
// own these records in production.

// PutConversation stores a copy of the conversation snapshot.
func (s *Store) PutConversation(c *handoff.ConversationSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.conversations[c.ID] = &cp
}

// PutOperator stores a copy of the operator availability record.
func (s *Store) PutOperator(o *handoff.OperatorAvailability) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *o
	s.operators[o.OperatorID] = &cp
}

// PutRoutingConfig stores a copy of the tenant routing config.
func (s *Store) PutRoutingConfig(c *handoff.TenantRoutingConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.configs[c.TenantID] = &cp
}

// ConversationStore

// Snapshot returns a copy of the conversation's current state.
func (s *Store) Snapshot(_ context.Context, id string) (*handoff.ConversationSnapshot, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	if !ok {
		return nil, false, nil
	}
	cp := *c
	return &cp, true, nil
}

// SetStatus updates the conversation's status.
func (s *Store) SetStatus(_ context.Context, id string, status handoff.ConversationStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return fmt.Errorf("memstore: conversation %s: %w", id, handoff.ErrNotFound)
	}
	c.Status = status
	return nil
}

// AssignOperator sets the conversation's assigned operator.
func (s *Store) AssignOperator(_ context.Context, id, operatorID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return fmt.Errorf("memstore: conversation %s: %w", id, handoff.ErrNotFound)
	}
	c.AssignedOperatorID = operatorID
	return nil
}

// ClearOperator removes the conversation's assigned operator.
func (s *Store) ClearOperator(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return fmt.Errorf("memstore: conversation %s: %w", id, handoff.ErrNotFound)
	}
	c.AssignedOperatorID = ""
	return nil
}

// MarkResolved sets the conversation's status to resolved. The resolution
// type is accepted for interface parity; snapshots do not carry it.
func (s *Store) MarkResolved(_ context.Context, id, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return fmt.Errorf("memstore: conversation %s: %w", id, handoff.ErrNotFound)
	}
	c.Status = handoff.ConversationResolved
	return nil
}

// EscalationStore

// Create stores a copy of a new escalation.
func (s *Store) Create(_ context.Context, e *handoff.Escalation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.escalations[e.ID]; exists {
		return fmt.Errorf("memstore: escalation %s already exists", e.ID)
	}
	cp := *e
	s.escalations[e.ID] = &cp
	return nil
}

// Get retrieves an escalation by ID. Returns a copy.
func (s *Store) Get(_ context.Context, id string) (*handoff.Escalation, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.escalations[id]
	if !ok {
		return nil, false, nil
	}
	cp := *e
	return &cp, true, nil
}

// GetActiveByConversation returns the conversation's escalation whose status
// is pending, assigned, or in_progress, if any.
func (s *Store) GetActiveByConversation(_ context.Context, conversationID string) (*handoff.Escalation, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.escalations {
		if e.ConversationID == conversationID && e.Active() {
			cp := *e
			return &cp, true, nil
		}
	}
	return nil, false, nil
}

// Update overwrites an existing escalation.
func (s *Store) Update(_ context.Context, e *handoff.Escalation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.escalations[e.ID]; !ok {
		return fmt.Errorf("memstore: escalation %s: %w", e.ID, handoff.ErrNotFound)
	}
	cp := *e
	s.escalations[e.ID] = &cp
	return nil
}

// ListPending returns the tenant's pending escalations in queue order:
// priority tier descending, then createdAt ascending.
func (s *Store) ListPending(_ context.Context, tenantID string) ([]*handoff.Escalation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*handoff.Escalation
	for _, e := range s.escalations {
		if e.TenantID == tenantID && e.Status == handoff.StatusPending {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority.Rank() != out[j].Priority.Rank() {
			return out[i].Priority.Rank() > out[j].Priority.Rank()
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// ListSince returns all of the tenant's escalations created at or after
// since, oldest first. A zero since returns everything.
func (s *Store) ListSince(_ context.Context, tenantID string, since time.Time) ([]*handoff.Escalation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*handoff.Escalation
	for _, e := range s.escalations {
		if e.TenantID != tenantID {
			continue
		}
		if !since.IsZero() && e.CreatedAt.Before(since) {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// OperatorStore

// Get retrieves an operator's availability record. Returns a copy.
func (s *Store) GetOperator(_ context.Context, operatorID string) (*handoff.OperatorAvailability, bool, error) {
	return s.operatorByID(operatorID)
}

// ListAvailable returns the tenant's online operators with spare capacity,
// ordered by current load ascending.
func (s *Store) ListAvailable(_ context.Context, tenantID string) ([]*handoff.OperatorAvailability, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*handoff.OperatorAvailability
	for _, o := range s.operators {
		if o.TenantID == tenantID && o.Status == handoff.OperatorOnline && o.CurrentLoad < o.MaxConcurrent {
			cp := *o
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CurrentLoad != out[j].CurrentLoad {
			return out[i].CurrentLoad < out[j].CurrentLoad
		}
		return out[i].OperatorID < out[j].OperatorID
	})
	return out, nil
}

// ClaimSlot increments the operator's load if online with spare capacity.
// The write lock makes the check-and-increment atomic.
func (s *Store) ClaimSlot(_ context.Context, operatorID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.operators[operatorID]
	if !ok {
		return false, fmt.Errorf("memstore: operator %s: %w", operatorID, handoff.ErrNotFound)
	}
	if o.Status != handoff.OperatorOnline || o.CurrentLoad >= o.MaxConcurrent {
		return false, nil
	}
	o.CurrentLoad++
	return true, nil
}

// ReleaseSlot decrements the operator's load, floored at zero.
func (s *Store) ReleaseSlot(_ context.Context, operatorID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.operators[operatorID]
	if !ok {
		return fmt.Errorf("memstore: operator %s: %w", operatorID, handoff.ErrNotFound)
	}
	if o.CurrentLoad > 0 {
		o.CurrentLoad--
	}
	return nil
}

// RoutingConfigStore

// RoutingConfig returns the tenant's routing policy, if configured.
func (s *Store) RoutingConfig(_ context.Context, tenantID string) (*handoff.TenantRoutingConfig, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.configs[tenantID]
	if !ok {
		return nil, false, nil
	}
	cp := *c
	return &cp, true, nil
}

func (s *Store) operatorByID(operatorID string) (*handoff.OperatorAvailability, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.operators[operatorID]
	if !ok {
		return nil, false, nil
	}
	cp := *o
	return &cp, true, nil
}
