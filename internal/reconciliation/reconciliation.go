// Package reconciliation audits wallet projections against the append-only
// ledger. The projected balance of every watched wallet must equal the sum of
// its entries at all times; a difference means a bug wrote a balance outside
// the ledger transaction boundary.
package reconciliation

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Auditor recomputes one wallet from the full ledger. Satisfied by
// ledger.Ledger.
type Auditor interface {
	VerifyProjection(ctx context.Context, userID, currency string) (projected, replayed int64, err error)
}

// Account identifies one watched wallet.
type Account struct {
	UserID   string
	Currency string
}

// Drift is one wallet whose projection diverged from its entries.
type Drift struct {
	Account   Account `json:"account"`
	Projected int64   `json:"projected"`
	Replayed  int64   `json:"replayed"`
}

// Result summarizes one reconciliation run.
type Result struct {
	CheckedAt time.Time `json:"checkedAt"`
	Checked   int       `json:"checked"`
	Drifts    []Drift   `json:"drifts,omitempty"`
	Errors    int       `json:"errors"`
}

// Service runs projection audits over a watch set of wallets. The system
// accounts are always watched; user wallets join the set as payments touch
// them.
type Service struct {
	auditor Auditor
	logger  *slog.Logger

	mu       sync.Mutex
	accounts map[Account]struct{}
	last     *Result
}

// NewService creates a reconciliation service over the given auditor.
func NewService(auditor Auditor, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		auditor:  auditor,
		logger:   logger,
		accounts: make(map[Account]struct{}),
	}
}

// Watch adds a wallet to the audit set. Adding the same wallet twice is a
// no-op.
func (s *Service) Watch(userID, currency string) {
	s.mu.Lock()
	s.accounts[Account{UserID: userID, Currency: currency}] = struct{}{}
	s.mu.Unlock()
}

// Run audits every watched wallet and records the outcome. Individual wallet
// failures are counted, not fatal: one unreadable wallet must not hide drift
// in the others.
func (s *Service) Run(ctx context.Context) (*Result, error) {
	start := time.Now()

	s.mu.Lock()
	accounts := make([]Account, 0, len(s.accounts))
	for a := range s.accounts {
		accounts = append(accounts, a)
	}
	s.mu.Unlock()

	result := &Result{CheckedAt: start.UTC()}
	for _, a := range accounts {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		projected, replayed, err := s.auditor.VerifyProjection(ctx, a.UserID, a.Currency)
		if err != nil {
			result.Errors++
			reconcileErrors.Inc()
			s.logger.Warn("reconciliation check failed",
				"user", a.UserID, "currency", a.Currency, "error", err)
			continue
		}
		result.Checked++
		if projected != replayed {
			result.Drifts = append(result.Drifts, Drift{
				Account:   a,
				Projected: projected,
				Replayed:  replayed,
			})
		}
	}

	reconcileDuration.Observe(time.Since(start).Seconds())
	reconcileWalletDrift.Set(float64(len(result.Drifts)))

	s.mu.Lock()
	s.last = result
	s.mu.Unlock()

	if len(result.Drifts) > 0 {
		s.logger.Error("CRITICAL: wallet projection drift detected",
			"drifts", len(result.Drifts), "checked", result.Checked)
	} else {
		s.logger.Debug("reconciliation clean",
			"checked", result.Checked, "errors", result.Errors)
	}
	return result, nil
}

// LastResult returns the most recent run, or nil before the first run.
func (s *Service) LastResult() *Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}
