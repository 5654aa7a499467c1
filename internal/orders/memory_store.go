package orders

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory order store for demo/development mode.
type MemoryStore struct {
	mu     sync.RWMutex
	orders map[string]*Order
	byTxn  map[string]string
}

// NewMemoryStore creates a new in-memory order store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders: make(map[string]*Order),
		byTxn:  make(map[string]string),
	}
}

func (m *MemoryStore) Create(ctx context.Context, o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.orders[o.ID] = copyOrder(o)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return copyOrder(o), nil
}

func (m *MemoryStore) GetByTransaction(ctx context.Context, transactionID string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byTxn[transactionID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return copyOrder(m.orders[id]), nil
}

func (m *MemoryStore) Transition(ctx context.Context, o *Order, from Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.orders[o.ID]
	if !ok {
		return ErrOrderNotFound
	}
	if stored.Status != from {
		return ErrStaleStatus
	}
	m.orders[o.ID] = copyOrder(o)
	if o.TransactionID != "" {
		m.byTxn[o.TransactionID] = o.ID
	}
	return nil
}

func (m *MemoryStore) ListByParty(ctx context.Context, userID string, limit int) ([]*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Order
	for _, o := range m.orders {
		if o.CustomerID == userID || o.SellerID == userID {
			result = append(result, copyOrder(o))
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) ListDueForExpiry(ctx context.Context, before time.Time, limit int) ([]*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Order
	for _, o := range m.orders {
		if o.Status == StatusDraft && o.ExpiresAt.Before(before) {
			result = append(result, copyOrder(o))
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func copyOrder(o *Order) *Order {
	cp := *o
	if o.PaidAt != nil {
		t := *o.PaidAt
		cp.PaidAt = &t
	}
	return &cp
}
