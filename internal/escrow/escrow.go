// Package escrow owns the settlement lifecycle of a paid order.
//
// Flow:
//  1. Order paid → funds captured into the escrow holding account (Held)
//  2. Delivery confirmed → seller and platform paid (Released)
//  3. Customer/seller cancels before dispute → customer repaid (Refunded)
//  4. Dispute opened → auto-release cancelled, state frozen (Disputed)
//  5. Arbiter resolves → release, refund, or split (Resolved)
//
// Every status change goes through this service; nothing writes escrow rows
// directly. Released, Refunded and Resolved are terminal and immutable.
package escrow

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
	"github.com/nkolo/marketpay/internal/syncutil"
	"github.com/nkolo/marketpay/internal/traces"
)

var (
	ErrEscrowNotFound       = errors.New("escrow not found")
	ErrEscrowNotHeld        = errors.New("escrow is not held")
	ErrEscrowNotDisputed    = errors.New("escrow is not disputed")
	ErrInvalidTransition    = errors.New("invalid escrow transition")
	ErrAmountMismatch       = errors.New("seller amount plus commission must equal total")
	ErrInvalidCommission    = errors.New("commission rate must be within [0,1]")
	ErrInvalidAmount        = errors.New("total amount must be positive")
	ErrSameParty            = errors.New("customer and seller cannot be the same user")
	ErrNotParticipant       = errors.New("only the customer or seller may open a dispute")
	ErrUnauthorizedResolver = errors.New("resolver lacks arbiter capability")
	ErrInvalidOutcome       = errors.New("unknown dispute outcome")

	// ErrStaleStatus is returned by stores when a compare-and-set transition
	// loses to a concurrent actor.
	ErrStaleStatus = errors.New("escrow was transitioned by another actor")
)

// Status is the escrow lifecycle state. The set is closed; free-text status
// strings never enter the store.
type Status string

const (
	StatusHeld     Status = "held"
	StatusReleased Status = "released" // terminal
	StatusRefunded Status = "refunded" // terminal
	StatusDisputed Status = "disputed"
	StatusResolved Status = "resolved" // terminal; Resolution carries the side paid
)

// Resolution tags how a resolved or terminal escrow settled.
type Resolution string

const (
	ResolutionRelease Resolution = "release"
	ResolutionRefund  Resolution = "refund"
	ResolutionSplit   Resolution = "split"
)

// OutcomeKind selects how an arbiter settles a dispute.
type OutcomeKind string

const (
	ReleaseToSeller  OutcomeKind = "release_to_seller"
	RefundToCustomer OutcomeKind = "refund_to_customer"
	SplitSettlement  OutcomeKind = "split"
)

// Outcome is an arbiter's decision. Ratio is the seller-side share and is
// only consulted for SplitSettlement.
type Outcome struct {
	Kind  OutcomeKind
	Ratio money.Rate
}

// Dispute records why and how an escrow was contested.
type Dispute struct {
	Reason     string     `json:"reason"`
	RaisedBy   string     `json:"raisedBy"`
	OpenedAt   time.Time  `json:"openedAt"`
	ResolvedBy string     `json:"resolvedBy,omitempty"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
	Ratio      string     `json:"ratio,omitempty"` // seller share for split outcomes
}

// Escrow is one held sum awaiting settlement. Kept forever for audit; never
// physically deleted.
type Escrow struct {
	ID               string      `json:"id"`
	OrderID          string      `json:"orderId"`
	CustomerID       string      `json:"customerId"`
	SellerID         string      `json:"sellerId"`
	Currency         string      `json:"currency"`
	TotalAmount      int64       `json:"totalAmount"` // minor units
	CommissionRate   string      `json:"commissionRate"`
	CommissionAmount int64       `json:"commissionAmount"`
	SellerAmount     int64       `json:"sellerAmount"`
	Status           Status      `json:"status"`
	Resolution       Resolution  `json:"resolution,omitempty"`
	RefundReason     string      `json:"refundReason,omitempty"`
	HeldSince        time.Time   `json:"heldSince"`
	AutoReleaseAt    *time.Time  `json:"autoReleaseAt,omitempty"`
	Dispute          *Dispute    `json:"dispute,omitempty"`
	ClosedAt         *time.Time  `json:"closedAt,omitempty"`
	CreatedAt        time.Time   `json:"createdAt"`
	UpdatedAt        time.Time   `json:"updatedAt"`
}

// IsTerminal returns true if the escrow is in a final state.
func (e *Escrow) IsTerminal() bool {
	switch e.Status {
	case StatusReleased, StatusRefunded, StatusResolved:
		return true
	}
	return false
}

// Store persists escrow records.
//
// Transition must apply the escrow's new state only if the stored status
// still equals from, returning ErrStaleStatus otherwise. That compare-and-set
// is what keeps two concurrent transitions from both succeeding.
type Store interface {
	Create(ctx context.Context, e *Escrow) error
	Get(ctx context.Context, id string) (*Escrow, error)
	GetByOrder(ctx context.Context, orderID string) (*Escrow, error)
	Transition(ctx context.Context, e *Escrow, from Status) error
	ListByParty(ctx context.Context, userID string, limit int) ([]*Escrow, error)
	// ListDueForRelease returns Held escrows whose auto_release_at is set and
	// at or before the given time. Disputed escrows never match: opening a
	// dispute clears auto_release_at.
	ListDueForRelease(ctx context.Context, before time.Time, limit int) ([]*Escrow, error)
}

// LedgerService abstracts ledger operations so escrow doesn't import ledger.
// All methods are idempotent per escrow leg.
type LedgerService interface {
	HoldFunds(ctx context.Context, escrowID, currency string, total int64) error
	VoidHold(ctx context.Context, escrowID, currency string, total int64) error
	ReleaseFunds(ctx context.Context, escrowID, sellerID, currency string, sellerAmount, commissionAmount int64) error
	RefundFunds(ctx context.Context, escrowID, customerID, currency string, total int64) error
	SettleSplit(ctx context.Context, escrowID, sellerID, customerID, currency string, sellerAmount, customerAmount, commissionAmount int64) error
}

// EventSink receives lifecycle notifications (realtime stream, webhooks).
// Implementations must not block.
type EventSink interface {
	EscrowChanged(e *Escrow)
}

// Policy sets platform-wide escrow behavior.
type Policy struct {
	CommissionRate money.Rate
	// AutoRelease is how long a Held escrow waits before the scheduler
	// releases it. Zero disables auto-release.
	AutoRelease time.Duration
}

// CreateRequest contains the parameters for creating an escrow.
// SellerAmount and CommissionAmount are optional: when both are zero they are
// derived from the commission rate; when supplied they must sum to the total.
type CreateRequest struct {
	OrderID          string `json:"orderId" binding:"required"`
	CustomerID       string `json:"customerId" binding:"required"`
	SellerID         string `json:"sellerId" binding:"required"`
	Currency         string `json:"currency" binding:"required"`
	TotalAmount      int64  `json:"totalAmount" binding:"required"`
	CommissionRate   string `json:"commissionRate"` // empty = policy default
	SellerAmount     int64  `json:"sellerAmount"`
	CommissionAmount int64  `json:"commissionAmount"`
}

// Service implements the escrow state machine.
type Service struct {
	store    Store
	ledger   LedgerService
	policy   Policy
	arbiters map[string]bool
	events   EventSink
	logger   *slog.Logger
	locks    *syncutil.ContextShardedMutex // serializes in-process transitions per escrow
}

// NewService creates a new escrow service.
func NewService(store Store, ledger LedgerService, policy Policy, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    store,
		ledger:   ledger,
		policy:   policy,
		arbiters: make(map[string]bool),
		logger:   logger,
		locks:    syncutil.NewContextShardedMutex(),
	}
}

// WithArbiters grants dispute-resolution capability to the given user IDs.
func (s *Service) WithArbiters(ids ...string) *Service {
	for _, id := range ids {
		s.arbiters[id] = true
	}
	return s
}

// WithEventSink attaches a lifecycle event sink.
func (s *Service) WithEventSink(sink EventSink) *Service {
	s.events = sink
	return s
}

// Create validates amounts and opens a Held escrow, capturing funds into the
// escrow holding account. No user wallet is credited until release.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Create", traces.OrderID(req.OrderID))
	defer span.End()

	if req.TotalAmount <= 0 {
		return nil, ErrInvalidAmount
	}
	if !money.ValidCurrency(req.Currency) {
		return nil, fmt.Errorf("%w: bad currency %q", ErrInvalidAmount, req.Currency)
	}
	if strings.EqualFold(req.CustomerID, req.SellerID) {
		return nil, ErrSameParty
	}

	rate := s.policy.CommissionRate
	if req.CommissionRate != "" {
		parsed, err := money.ParseRate(req.CommissionRate)
		if err != nil {
			return nil, ErrInvalidCommission
		}
		rate = parsed
	}

	sellerAmount, commissionAmount := req.SellerAmount, req.CommissionAmount
	if sellerAmount == 0 && commissionAmount == 0 {
		var err error
		sellerAmount, commissionAmount, err = money.SplitCommission(req.TotalAmount, rate)
		if err != nil {
			return nil, err
		}
	} else if sellerAmount+commissionAmount != req.TotalAmount {
		return nil, fmt.Errorf("%w: %d + %d != %d",
			ErrAmountMismatch, sellerAmount, commissionAmount, req.TotalAmount)
	}

	now := time.Now().UTC()
	e := &Escrow{
		ID:               idgen.WithPrefix("esc_"),
		OrderID:          req.OrderID,
		CustomerID:       req.CustomerID,
		SellerID:         req.SellerID,
		Currency:         strings.ToUpper(req.Currency),
		TotalAmount:      req.TotalAmount,
		CommissionRate:   rate.String(),
		CommissionAmount: commissionAmount,
		SellerAmount:     sellerAmount,
		Status:           StatusHeld,
		HeldSince:        now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if s.policy.AutoRelease > 0 {
		due := now.Add(s.policy.AutoRelease)
		e.AutoReleaseAt = &due
	}

	if err := s.ledger.HoldFunds(ctx, e.ID, e.Currency, e.TotalAmount); err != nil {
		return nil, fmt.Errorf("failed to capture escrow funds: %w", err)
	}

	if err := s.store.Create(ctx, e); err != nil {
		// Compensate: return the captured hold to clearing.
		if verr := s.ledger.VoidHold(ctx, e.ID, e.Currency, e.TotalAmount); verr != nil {
			s.logger.Error("CRITICAL: escrow hold captured but record and void both failed",
				"escrowId", e.ID, "createError", err, "voidError", verr)
		}
		return nil, fmt.Errorf("failed to create escrow record: %w", err)
	}

	metrics.EscrowTransitionsTotal.WithLabelValues(string(StatusHeld)).Inc()
	s.notify(e)
	s.logger.Info("escrow held",
		"escrowId", e.ID, "orderId", e.OrderID,
		"amount", money.Format(e.TotalAmount, e.Currency))
	return e, nil
}

// ConfirmDelivery releases a Held escrow: the seller is credited with the
// seller amount and the platform with the commission, in one ledger batch.
// Confirming an already-Released escrow is a no-op that returns the escrow.
func (s *Service) ConfirmDelivery(ctx context.Context, id string) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ConfirmDelivery", traces.EscrowID(id))
	defer span.End()

	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if e.Status == StatusReleased {
		// Idempotent replay. Re-appending the payout legs is a no-op when the
		// batch committed, and writes them if a crash separated the status
		// transition from the ledger commit.
		if err := s.ledger.ReleaseFunds(ctx, e.ID, e.SellerID, e.Currency, e.SellerAmount, e.CommissionAmount); err != nil {
			return nil, fmt.Errorf("failed to release escrow funds: %w", err)
		}
		return e, nil
	}
	if e.Status != StatusHeld {
		return nil, fmt.Errorf("%w: status is %s", ErrEscrowNotHeld, e.Status)
	}

	now := time.Now().UTC()
	prev := *e
	e.Status = StatusReleased
	e.Resolution = ResolutionRelease
	e.AutoReleaseAt = nil
	e.ClosedAt = &now
	e.UpdatedAt = now

	if err := s.store.Transition(ctx, e, StatusHeld); err != nil {
		if errors.Is(err, ErrStaleStatus) {
			return nil, s.staleToGuardErr(ctx, id, StatusHeld)
		}
		return nil, err
	}

	if err := s.ledger.ReleaseFunds(ctx, e.ID, e.SellerID, e.Currency, e.SellerAmount, e.CommissionAmount); err != nil {
		// No funds moved; put the record back so a retry can succeed.
		if rerr := s.store.Transition(ctx, &prev, StatusReleased); rerr != nil {
			s.logger.Error("CRITICAL: escrow marked released but payout failed and revert failed",
				"escrowId", e.ID, "ledgerError", err, "revertError", rerr)
		}
		return nil, fmt.Errorf("failed to release escrow funds: %w", err)
	}

	metrics.EscrowTransitionsTotal.WithLabelValues(string(StatusReleased)).Inc()
	metrics.EscrowHeldDuration.Observe(now.Sub(e.HeldSince).Seconds())
	s.notify(e)
	s.logger.Info("escrow released",
		"escrowId", e.ID, "seller", e.SellerID,
		"sellerAmount", e.SellerAmount, "commission", e.CommissionAmount)
	return e, nil
}

// OpenDispute freezes a Held escrow and cancels any pending auto-release.
// Only the customer or the seller may raise it.
func (s *Service) OpenDispute(ctx context.Context, id, reason, raisedBy string) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.OpenDispute", traces.EscrowID(id))
	defer span.End()

	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Status != StatusHeld {
		return nil, fmt.Errorf("%w: status is %s", ErrEscrowNotHeld, e.Status)
	}
	if raisedBy != e.CustomerID && raisedBy != e.SellerID {
		return nil, ErrNotParticipant
	}

	now := time.Now().UTC()
	e.Status = StatusDisputed
	e.AutoReleaseAt = nil // auto-release must never fire while disputed
	e.Dispute = &Dispute{Reason: reason, RaisedBy: raisedBy, OpenedAt: now}
	e.UpdatedAt = now

	if err := s.store.Transition(ctx, e, StatusHeld); err != nil {
		if errors.Is(err, ErrStaleStatus) {
			return nil, s.staleToGuardErr(ctx, id, StatusHeld)
		}
		return nil, err
	}

	metrics.EscrowTransitionsTotal.WithLabelValues(string(StatusDisputed)).Inc()
	s.notify(e)
	s.logger.Info("escrow disputed", "escrowId", e.ID, "raisedBy", raisedBy)
	return e, nil
}

// ResolveDispute settles a Disputed escrow per the arbiter's outcome.
// Resolving an already-Resolved escrow replays the recorded resolution.
func (s *Service) ResolveDispute(ctx context.Context, id string, outcome Outcome, resolver string) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ResolveDispute", traces.EscrowID(id))
	defer span.End()

	if !s.arbiters[resolver] {
		return nil, ErrUnauthorizedResolver
	}

	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Status == StatusResolved {
		// Idempotent replay per the recorded resolution; re-appending the
		// settlement batch heals a crash between the status transition and
		// the ledger commit.
		sellerLeg, customerLeg, platformLeg, lerr := settlementLegs(e)
		if lerr != nil {
			return nil, lerr
		}
		if lerr := s.ledger.SettleSplit(ctx, e.ID, e.SellerID, e.CustomerID, e.Currency,
			sellerLeg, customerLeg, platformLeg); lerr != nil {
			return nil, fmt.Errorf("failed to settle dispute: %w", lerr)
		}
		return e, nil
	}
	if e.Status != StatusDisputed {
		return nil, fmt.Errorf("%w: status is %s", ErrEscrowNotDisputed, e.Status)
	}

	var resolution Resolution
	var sellerLeg, customerLeg, platformLeg int64
	switch outcome.Kind {
	case ReleaseToSeller:
		resolution = ResolutionRelease
		sellerLeg, customerLeg, platformLeg = e.SellerAmount, 0, e.CommissionAmount
	case RefundToCustomer:
		resolution = ResolutionRefund
		sellerLeg, customerLeg, platformLeg = 0, e.TotalAmount, 0
	case SplitSettlement:
		resolution = ResolutionSplit
		sellerLeg, customerLeg, platformLeg, err = money.SplitResolution(
			e.TotalAmount, e.CommissionAmount, outcome.Ratio)
		if err != nil {
			return nil, err
		}
	default:
		return nil, ErrInvalidOutcome
	}

	now := time.Now().UTC()
	prev := *e
	prevDispute := *e.Dispute
	e.Status = StatusResolved
	e.Resolution = resolution
	e.ClosedAt = &now
	e.UpdatedAt = now
	d := *e.Dispute
	d.ResolvedBy = resolver
	d.ResolvedAt = &now
	if outcome.Kind == SplitSettlement {
		d.Ratio = outcome.Ratio.String()
	}
	e.Dispute = &d

	if err := s.store.Transition(ctx, e, StatusDisputed); err != nil {
		if errors.Is(err, ErrStaleStatus) {
			return nil, fmt.Errorf("%w: resolved concurrently", ErrEscrowNotDisputed)
		}
		return nil, err
	}

	if err := s.ledger.SettleSplit(ctx, e.ID, e.SellerID, e.CustomerID, e.Currency,
		sellerLeg, customerLeg, platformLeg); err != nil {
		prev.Dispute = &prevDispute
		if rerr := s.store.Transition(ctx, &prev, StatusResolved); rerr != nil {
			s.logger.Error("CRITICAL: escrow marked resolved but settlement failed and revert failed",
				"escrowId", e.ID, "ledgerError", err, "revertError", rerr)
		}
		return nil, fmt.Errorf("failed to settle dispute: %w", err)
	}

	metrics.EscrowTransitionsTotal.WithLabelValues(string(StatusResolved)).Inc()
	metrics.EscrowHeldDuration.Observe(now.Sub(e.HeldSince).Seconds())
	s.notify(e)
	s.logger.Info("escrow dispute resolved",
		"escrowId", e.ID, "resolution", resolution, "resolver", resolver,
		"seller", sellerLeg, "customer", customerLeg, "platform", platformLeg)
	return e, nil
}

// Refund cancels a Held escrow before any dispute, returning the full amount
// to the customer.
func (s *Service) Refund(ctx context.Context, id, reason string) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Refund", traces.EscrowID(id))
	defer span.End()

	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Status == StatusRefunded {
		// Idempotent replay; re-appending the repayment leg also heals a
		// crash between the status transition and the ledger commit.
		if err := s.ledger.RefundFunds(ctx, e.ID, e.CustomerID, e.Currency, e.TotalAmount); err != nil {
			return nil, fmt.Errorf("failed to refund escrow: %w", err)
		}
		return e, nil
	}
	if e.Status != StatusHeld {
		return nil, fmt.Errorf("%w: status is %s", ErrEscrowNotHeld, e.Status)
	}

	now := time.Now().UTC()
	prev := *e
	e.Status = StatusRefunded
	e.Resolution = ResolutionRefund
	e.RefundReason = reason
	e.AutoReleaseAt = nil
	e.ClosedAt = &now
	e.UpdatedAt = now

	if err := s.store.Transition(ctx, e, StatusHeld); err != nil {
		if errors.Is(err, ErrStaleStatus) {
			return nil, s.staleToGuardErr(ctx, id, StatusHeld)
		}
		return nil, err
	}

	if err := s.ledger.RefundFunds(ctx, e.ID, e.CustomerID, e.Currency, e.TotalAmount); err != nil {
		if rerr := s.store.Transition(ctx, &prev, StatusRefunded); rerr != nil {
			s.logger.Error("CRITICAL: escrow marked refunded but repayment failed and revert failed",
				"escrowId", e.ID, "ledgerError", err, "revertError", rerr)
		}
		return nil, fmt.Errorf("failed to refund escrow: %w", err)
	}

	metrics.EscrowTransitionsTotal.WithLabelValues(string(StatusRefunded)).Inc()
	metrics.EscrowHeldDuration.Observe(now.Sub(e.HeldSince).Seconds())
	s.notify(e)
	s.logger.Info("escrow refunded", "escrowId", e.ID, "customer", e.CustomerID, "reason", reason)
	return e, nil
}

// Get returns an escrow by ID.
func (s *Service) Get(ctx context.Context, id string) (*Escrow, error) {
	return s.store.Get(ctx, id)
}

// GetByOrder returns the escrow created for an order, if any.
func (s *Service) GetByOrder(ctx context.Context, orderID string) (*Escrow, error) {
	return s.store.GetByOrder(ctx, orderID)
}

// ListByParty returns escrows involving a user as customer or seller.
func (s *Service) ListByParty(ctx context.Context, userID string, limit int) ([]*Escrow, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByParty(ctx, userID, limit)
}

// settlementLegs derives the ledger legs from the resolution recorded on a
// resolved escrow, for replaying the settlement batch.
func settlementLegs(e *Escrow) (seller, customer, platform int64, err error) {
	switch e.Resolution {
	case ResolutionRelease:
		return e.SellerAmount, 0, e.CommissionAmount, nil
	case ResolutionRefund:
		return 0, e.TotalAmount, 0, nil
	case ResolutionSplit:
		if e.Dispute == nil {
			return 0, 0, 0, ErrInvalidOutcome
		}
		ratio, perr := money.ParseRate(e.Dispute.Ratio)
		if perr != nil {
			return 0, 0, 0, perr
		}
		return money.SplitResolution(e.TotalAmount, e.CommissionAmount, ratio)
	}
	return 0, 0, 0, ErrInvalidOutcome
}

// staleToGuardErr translates a lost CAS into the guard error the caller
// would have seen had it read one instant later.
func (s *Service) staleToGuardErr(ctx context.Context, id string, wanted Status) error {
	fresh, err := s.store.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("%w: concurrent transition", ErrEscrowNotHeld)
	}
	if wanted == StatusHeld {
		return fmt.Errorf("%w: status is %s", ErrEscrowNotHeld, fresh.Status)
	}
	return fmt.Errorf("%w: status is %s", ErrInvalidTransition, fresh.Status)
}

func (s *Service) notify(e *Escrow) {
	if s.events != nil {
		s.events.EscrowChanged(e)
	}
}
