// Package ledger is the single source of truth for money movement on the
// platform. Every monetary effect is an append-only batch of signed entries in
// integer minor units; wallet balances are a projection maintained inside the
// same transaction boundary as the append. Nothing else may mutate a balance.
//
// Flow:
//  1. Payment captured → hold batch moves funds from clearing into escrow
//  2. Delivery confirmed → release batch pays seller and platform commission
//  3. Refund/dispute → refund batch returns the hold to the customer
//
// Corrections are made by appending compensating entries, never by update.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nkolo/marketpay/internal/idgen"
	"github.com/nkolo/marketpay/internal/metrics"
	"github.com/nkolo/marketpay/internal/money"
	"github.com/nkolo/marketpay/internal/pagination"
)

var (
	ErrUnbalancedEntrySet = errors.New("ledger: entries referencing an escrow must net to zero")
	ErrInvalidEntry       = errors.New("ledger: invalid entry")
	ErrEmptyBatch         = errors.New("ledger: batch has no entries")
	ErrMixedCurrency      = errors.New("ledger: batch mixes currencies for one escrow")
	ErrWalletFrozen       = errors.New("ledger: wallet is frozen")
	ErrInsufficientFunds  = errors.New("ledger: insufficient funds")
	ErrBatchNotFound      = errors.New("ledger: batch not found")
)

// EntryType classifies a ledger entry.
type EntryType string

const (
	TypePayment    EntryType = "payment"    // funds captured into escrow
	TypeCommission EntryType = "commission" // platform share on release
	TypeRelease    EntryType = "release"    // seller payout
	TypeRefund     EntryType = "refund"     // return to customer
	TypeReversal   EntryType = "reversal"   // compensating correction
)

// System accounts. The clearing account is the boundary with the outside
// world (payment rails) and is the only wallet allowed to go negative.
const (
	AccountClearing = "@clearing"
	AccountEscrow   = "@escrow"
	AccountPlatform = "@platform"
)

// Entry is one immutable signed monetary movement.
type Entry struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Currency  string    `json:"currency"`
	Amount    int64     `json:"amount"` // signed minor units
	Type      EntryType `json:"type"`
	EscrowID  string    `json:"escrowId,omitempty"`
	BatchKey  string    `json:"batchKey"`
	CreatedAt time.Time `json:"createdAt"`
}

// Wallet is the projected balance for one (user, currency) pair.
// Created lazily on the first entry that references it.
type Wallet struct {
	UserID    string    `json:"userId"`
	Currency  string    `json:"currency"`
	Available int64     `json:"available"`
	Frozen    bool      `json:"frozen"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Batch is an atomically committed set of entries under one idempotency key.
type Batch struct {
	Key       string    `json:"key"`
	Entries   []*Entry  `json:"entries"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store persists ledger batches and the wallet projection.
//
// AppendBatch must be atomic: either every entry commits and every touched
// wallet reflects it, or nothing is visible. A batch whose key already exists
// must be returned unchanged with replayed=true and no new effects.
type Store interface {
	AppendBatch(ctx context.Context, batch *Batch) (committed *Batch, replayed bool, err error)
	GetBatch(ctx context.Context, key string) (*Batch, error)
	GetWallet(ctx context.Context, userID, currency string) (*Wallet, error)
	SetFrozen(ctx context.Context, userID, currency string, frozen bool) error
	// Entries returns wallet history newest-first, strictly older than the
	// cursor when one is given.
	Entries(ctx context.Context, userID, currency string, before *pagination.Cursor, limit int) ([]*Entry, error)
	EntriesByEscrow(ctx context.Context, escrowID string) ([]*Entry, error)
	// ReplayBalance recomputes a wallet balance by summing every entry.
	// Must equal the projected balance at all times.
	ReplayBalance(ctx context.Context, userID, currency string) (int64, error)
}

// Ledger validates and appends entry batches.
type Ledger struct {
	store  Store
	logger *slog.Logger
}

// New creates a new ledger over the given store.
func New(store Store, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{store: store, logger: logger}
}

// Append atomically commits a batch of entries under an idempotency key.
// A replayed key is not an error: the originally committed batch is returned.
func (l *Ledger) Append(ctx context.Context, key string, entries []*Entry) (*Batch, error) {
	if strings.TrimSpace(key) == "" {
		return nil, fmt.Errorf("%w: empty idempotency key", ErrInvalidEntry)
	}
	if len(entries) == 0 {
		return nil, ErrEmptyBatch
	}

	now := time.Now().UTC()
	for _, e := range entries {
		if err := validateEntry(e); err != nil {
			return nil, err
		}
		if e.ID == "" {
			e.ID = idgen.WithPrefix("led_")
		}
		e.BatchKey = key
		e.CreatedAt = now
	}

	if err := checkEscrowBalance(entries); err != nil {
		// Invariant violation: this is an integration bug, not user input.
		l.logger.Error("CRITICAL: unbalanced ledger batch rejected",
			"key", key, "error", err)
		metrics.LedgerAppendsTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}

	batch, replayed, err := l.store.AppendBatch(ctx, &Batch{
		Key:       key,
		Entries:   entries,
		CreatedAt: now,
	})
	if err != nil {
		metrics.LedgerAppendsTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}
	if replayed {
		metrics.LedgerAppendsTotal.WithLabelValues("replayed").Inc()
		l.logger.Debug("ledger batch replayed", "key", key)
		return batch, nil
	}

	metrics.LedgerAppendsTotal.WithLabelValues("committed").Inc()
	l.logger.Info("ledger batch committed",
		"key", key, "entries", len(batch.Entries))
	return batch, nil
}

// BalanceOf returns the projected wallet for (userID, currency).
// Unknown wallets read as a zero balance.
func (l *Ledger) BalanceOf(ctx context.Context, userID, currency string) (*Wallet, error) {
	return l.store.GetWallet(ctx, userID, strings.ToUpper(currency))
}

// History returns the most recent entries for a wallet.
func (l *Ledger) History(ctx context.Context, userID, currency string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	return l.store.Entries(ctx, userID, strings.ToUpper(currency), nil, limit)
}

// HistoryPage returns one page of wallet history plus an opaque cursor for
// the next page. An empty cursor starts from the newest entry.
func (l *Ledger) HistoryPage(ctx context.Context, userID, currency, cursor string, limit int) ([]*Entry, string, bool, error) {
	if limit <= 0 {
		limit = 50
	}
	before, err := pagination.Decode(cursor)
	if err != nil {
		return nil, "", false, err
	}

	entries, err := l.store.Entries(ctx, userID, strings.ToUpper(currency), before, limit+1)
	if err != nil {
		return nil, "", false, err
	}
	page, next, more := pagination.ComputePage(entries, limit, func(e *Entry) (time.Time, string) {
		return e.CreatedAt, e.ID
	})
	return page, next, more, nil
}

// EntriesByEscrow returns every entry that references an escrow, for audit.
func (l *Ledger) EntriesByEscrow(ctx context.Context, escrowID string) ([]*Entry, error) {
	return l.store.EntriesByEscrow(ctx, escrowID)
}

// Freeze marks a wallet frozen. Frozen wallets reject any batch touching them.
func (l *Ledger) Freeze(ctx context.Context, userID, currency string) error {
	return l.store.SetFrozen(ctx, userID, strings.ToUpper(currency), true)
}

// Unfreeze clears the frozen flag.
func (l *Ledger) Unfreeze(ctx context.Context, userID, currency string) error {
	return l.store.SetFrozen(ctx, userID, strings.ToUpper(currency), false)
}

// VerifyProjection recomputes a wallet from the full ledger and compares it to
// the incremental projection. Returns the two values for reporting.
func (l *Ledger) VerifyProjection(ctx context.Context, userID, currency string) (projected, replayed int64, err error) {
	currency = strings.ToUpper(currency)
	w, err := l.store.GetWallet(ctx, userID, currency)
	if err != nil {
		return 0, 0, err
	}
	sum, err := l.store.ReplayBalance(ctx, userID, currency)
	if err != nil {
		return 0, 0, err
	}
	if w.Available != sum {
		l.logger.Error("CRITICAL: wallet projection drift",
			"user", userID, "currency", currency,
			"projected", w.Available, "replayed", sum)
	}
	return w.Available, sum, nil
}

func validateEntry(e *Entry) error {
	if e == nil {
		return ErrInvalidEntry
	}
	if strings.TrimSpace(e.UserID) == "" {
		return fmt.Errorf("%w: missing user id", ErrInvalidEntry)
	}
	e.Currency = strings.ToUpper(strings.TrimSpace(e.Currency))
	if !money.ValidCurrency(e.Currency) {
		return fmt.Errorf("%w: bad currency %q", ErrInvalidEntry, e.Currency)
	}
	if e.Amount == 0 {
		return fmt.Errorf("%w: zero amount", ErrInvalidEntry)
	}
	switch e.Type {
	case TypePayment, TypeCommission, TypeRelease, TypeRefund, TypeReversal:
	default:
		return fmt.Errorf("%w: unknown entry type %q", ErrInvalidEntry, e.Type)
	}
	return nil
}

// checkEscrowBalance enforces double-entry per escrow: within one batch, the
// signed amounts for each (escrow, currency) must sum to zero.
func checkEscrowBalance(entries []*Entry) error {
	sums := make(map[string]int64)
	currencies := make(map[string]string)
	for _, e := range entries {
		if e.EscrowID == "" {
			continue
		}
		if prev, ok := currencies[e.EscrowID]; ok && prev != e.Currency {
			return fmt.Errorf("%w: escrow %s", ErrMixedCurrency, e.EscrowID)
		}
		currencies[e.EscrowID] = e.Currency
		sums[e.EscrowID] += e.Amount
	}
	for escrowID, sum := range sums {
		if sum != 0 {
			return fmt.Errorf("%w: escrow %s nets to %d", ErrUnbalancedEntrySet, escrowID, sum)
		}
	}
	return nil
}
