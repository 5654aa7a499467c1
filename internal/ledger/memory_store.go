package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nkolo/marketpay/internal/pagination"
)

// MemoryStore is an in-memory ledger store for demo/development mode.
// One store-wide mutex gives the same all-or-nothing visibility a database
// transaction would: a batch either fully applies or not at all.
type MemoryStore struct {
	mu      sync.RWMutex
	batches map[string]*Batch
	entries []*Entry
	wallets map[string]*Wallet // key: userID + "\x00" + currency
	frozen  map[string]bool
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		batches: make(map[string]*Batch),
		wallets: make(map[string]*Wallet),
		frozen:  make(map[string]bool),
	}
}

func walletKey(userID, currency string) string {
	return userID + "\x00" + currency
}

// overdraftAllowed reports whether a wallet may go negative. Only the
// clearing account carries external money in, so only it may.
func overdraftAllowed(userID string) bool {
	return userID == AccountClearing
}

func (m *MemoryStore) AppendBatch(ctx context.Context, batch *Batch) (*Batch, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.batches[batch.Key]; ok {
		return copyBatch(existing), true, nil
	}

	// Pre-check every touched wallet before applying anything.
	deltas := make(map[string]int64)
	owners := make(map[string]string)
	for _, e := range batch.Entries {
		k := walletKey(e.UserID, e.Currency)
		if m.frozen[k] {
			return nil, false, ErrWalletFrozen
		}
		deltas[k] += e.Amount
		owners[k] = e.UserID
	}
	for k, delta := range deltas {
		var current int64
		if w, ok := m.wallets[k]; ok {
			current = w.Available
		}
		if current+delta < 0 && !overdraftAllowed(owners[k]) {
			return nil, false, ErrInsufficientFunds
		}
	}

	now := time.Now().UTC()
	for _, e := range batch.Entries {
		k := walletKey(e.UserID, e.Currency)
		w, ok := m.wallets[k]
		if !ok {
			w = &Wallet{UserID: e.UserID, Currency: e.Currency}
			m.wallets[k] = w
		}
		w.Available += e.Amount
		w.UpdatedAt = now
		m.entries = append(m.entries, e)
	}
	m.batches[batch.Key] = batch

	return copyBatch(batch), false, nil
}

func (m *MemoryStore) GetBatch(ctx context.Context, key string) (*Batch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.batches[key]
	if !ok {
		return nil, ErrBatchNotFound
	}
	return copyBatch(b), nil
}

func (m *MemoryStore) GetWallet(ctx context.Context, userID, currency string) (*Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if w, ok := m.wallets[walletKey(userID, currency)]; ok {
		cp := *w
		cp.Frozen = m.frozen[walletKey(userID, currency)]
		return &cp, nil
	}
	return &Wallet{UserID: userID, Currency: currency, UpdatedAt: time.Now()}, nil
}

func (m *MemoryStore) SetFrozen(ctx context.Context, userID, currency string, frozen bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.frozen[walletKey(userID, currency)] = frozen
	return nil
}

func (m *MemoryStore) Entries(ctx context.Context, userID, currency string, before *pagination.Cursor, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Entry
	for i := len(m.entries) - 1; i >= 0 && len(result) < limit; i-- {
		e := m.entries[i]
		if e.UserID != userID || e.Currency != currency {
			continue
		}
		if before != nil && !olderThan(e, before) {
			continue
		}
		cp := *e
		result = append(result, &cp)
	}
	return result, nil
}

// olderThan orders entries by (createdAt, id), matching the cursor encoding.
func olderThan(e *Entry, c *pagination.Cursor) bool {
	if e.CreatedAt.Equal(c.CreatedAt) {
		return e.ID < c.ID
	}
	return e.CreatedAt.Before(c.CreatedAt)
}

func (m *MemoryStore) EntriesByEscrow(ctx context.Context, escrowID string) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Entry
	for _, e := range m.entries {
		if e.EscrowID == escrowID {
			cp := *e
			result = append(result, &cp)
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (m *MemoryStore) ReplayBalance(ctx context.Context, userID, currency string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var sum int64
	for _, e := range m.entries {
		if e.UserID == userID && e.Currency == currency {
			sum += e.Amount
		}
	}
	return sum, nil
}

func copyBatch(b *Batch) *Batch {
	cp := &Batch{Key: b.Key, CreatedAt: b.CreatedAt, Entries: make([]*Entry, len(b.Entries))}
	for i, e := range b.Entries {
		ec := *e
		cp.Entries[i] = &ec
	}
	return cp
}
