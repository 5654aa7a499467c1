package escrow

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory escrow store for demo/development mode.
type MemoryStore struct {
	mu      sync.RWMutex
	escrows map[string]*Escrow
	byOrder map[string]string
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		escrows: make(map[string]*Escrow),
		byOrder: make(map[string]string),
	}
}

func (m *MemoryStore) Create(ctx context.Context, e *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.escrows[e.ID] = copyEscrow(e)
	if e.OrderID != "" {
		m.byOrder[e.OrderID] = e.ID
	}
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.escrows[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return copyEscrow(e), nil
}

func (m *MemoryStore) GetByOrder(ctx context.Context, orderID string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byOrder[orderID]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return copyEscrow(m.escrows[id]), nil
}

func (m *MemoryStore) Transition(ctx context.Context, e *Escrow, from Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.escrows[e.ID]
	if !ok {
		return ErrEscrowNotFound
	}
	if stored.Status != from {
		return ErrStaleStatus
	}
	m.escrows[e.ID] = copyEscrow(e)
	return nil
}

func (m *MemoryStore) ListByParty(ctx context.Context, userID string, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if e.CustomerID == userID || e.SellerID == userID {
			result = append(result, copyEscrow(e))
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) ListDueForRelease(ctx context.Context, before time.Time, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if e.Status == StatusHeld && e.AutoReleaseAt != nil && !e.AutoReleaseAt.After(before) {
			result = append(result, copyEscrow(e))
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

// copyEscrow deep-copies so callers never share pointers with the store.
func copyEscrow(e *Escrow) *Escrow {
	cp := *e
	if e.AutoReleaseAt != nil {
		t := *e.AutoReleaseAt
		cp.AutoReleaseAt = &t
	}
	if e.ClosedAt != nil {
		t := *e.ClosedAt
		cp.ClosedAt = &t
	}
	if e.Dispute != nil {
		d := *e.Dispute
		if e.Dispute.ResolvedAt != nil {
			t := *e.Dispute.ResolvedAt
			d.ResolvedAt = &t
		}
		cp.Dispute = &d
	}
	return &cp
}
