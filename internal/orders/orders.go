// Package orders is the storefront-facing facade over the payment pipeline.
//
// A customer checks out into a draft order, then pays it: the gateway
// captures the money, an escrow holds it, and the order points at both. An
// unpaid draft expires after a configurable TTL.
package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nkolo/marketpay/internal/escrow"
	"github.com/nkolo/marketpay/internal/idgen"
	"github.com/nkolo/marketpay/internal/metrics"
	"github.com/nkolo/marketpay/internal/money"
	"github.com/nkolo/marketpay/internal/paygate"
	"github.com/nkolo/marketpay/internal/syncutil"
	"github.com/nkolo/marketpay/internal/traces"
)

var (
	ErrOrderNotFound   = errors.New("order not found")
	ErrOrderNotPayable = errors.New("order is not payable")
	ErrOrderExpired    = errors.New("order expired before payment")
	ErrInvalidOrder    = errors.New("invalid order")

	// ErrStaleStatus is returned by stores when a compare-and-set transition
	// loses to a concurrent actor.
	ErrStaleStatus = errors.New("order was transitioned by another actor")
)

// Status is the draft-order lifecycle state.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusPaid      Status = "paid"      // terminal here; settlement lives on the escrow
	StatusExpired   Status = "expired"   // terminal
	StatusCancelled Status = "cancelled" // terminal
)

// Order is one checkout awaiting or holding payment.
type Order struct {
	ID            string     `json:"id"`
	CustomerID    string     `json:"customerId"`
	SellerID      string     `json:"sellerId"`
	Currency      string     `json:"currency"`
	TotalAmount   int64      `json:"totalAmount"` // minor units
	Description   string     `json:"description,omitempty"`
	Status        Status     `json:"status"`
	TransactionID string     `json:"transactionId,omitempty"` // gateway capture
	EscrowID      string     `json:"escrowId,omitempty"`
	ExpiresAt     time.Time  `json:"expiresAt"`
	PaidAt        *time.Time `json:"paidAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// Store persists draft orders. Transition follows the same compare-and-set
// contract as the escrow store: apply only if the stored status equals from.
type Store interface {
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	// GetByTransaction finds the order a gateway transaction paid for, used to
	// deduplicate webhook deliveries.
	GetByTransaction(ctx context.Context, transactionID string) (*Order, error)
	Transition(ctx context.Context, o *Order, from Status) error
	ListByParty(ctx context.Context, userID string, limit int) ([]*Order, error)
	// ListDueForExpiry returns draft orders whose expires_at passed.
	ListDueForExpiry(ctx context.Context, before time.Time, limit int) ([]*Order, error)
}

// EscrowService is the slice of the escrow API orders needs.
type EscrowService interface {
	Create(ctx context.Context, req escrow.CreateRequest) (*escrow.Escrow, error)
	Refund(ctx context.Context, id, reason string) (*escrow.Escrow, error)
	GetByOrder(ctx context.Context, orderID string) (*escrow.Escrow, error)
}

// EventSink receives lifecycle notifications (realtime stream).
// Implementations must not block.
type EventSink interface {
	OrderChanged(o *Order)
}

// Service implements the order lifecycle.
type Service struct {
	store   Store
	gateway paygate.Adapter
	escrows EscrowService
	ttl     time.Duration
	events  EventSink
	logger  *slog.Logger
	locks   *syncutil.ContextShardedMutex // serializes in-process transitions per order
}

// NewService creates a new order service. ttl bounds how long a draft stays
// payable; zero means drafts never expire.
func NewService(store Store, gateway paygate.Adapter, escrows EscrowService, ttl time.Duration, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:   store,
		gateway: gateway,
		escrows: escrows,
		ttl:     ttl,
		logger:  logger,
		locks:   syncutil.NewContextShardedMutex(),
	}
}

// WithEventSink attaches a lifecycle event sink.
func (s *Service) WithEventSink(sink EventSink) *Service {
	s.events = sink
	return s
}

func (s *Service) notify(o *Order) {
	if s.events != nil {
		s.events.OrderChanged(o)
	}
}

// CreateRequest contains the parameters for a draft order.
type CreateRequest struct {
	CustomerID  string `json:"customerId" binding:"required"`
	SellerID    string `json:"sellerId" binding:"required"`
	Currency    string `json:"currency" binding:"required"`
	TotalAmount int64  `json:"totalAmount" binding:"required"`
	Description string `json:"description"`
}

// Create opens a draft order. No money moves until Pay.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Order, error) {
	ctx, span := traces.StartSpan(ctx, "orders.Create")
	defer span.End()

	if req.TotalAmount <= 0 {
		return nil, fmt.Errorf("%w: total must be positive", ErrInvalidOrder)
	}
	if !money.ValidCurrency(strings.ToUpper(req.Currency)) {
		return nil, fmt.Errorf("%w: bad currency %q", ErrInvalidOrder, req.Currency)
	}
	if strings.EqualFold(req.CustomerID, req.SellerID) {
		return nil, fmt.Errorf("%w: customer and seller cannot match", ErrInvalidOrder)
	}

	now := time.Now().UTC()
	o := &Order{
		ID:          idgen.WithPrefix("ord_"),
		CustomerID:  req.CustomerID,
		SellerID:    req.SellerID,
		Currency:    strings.ToUpper(req.Currency),
		TotalAmount: req.TotalAmount,
		Description: req.Description,
		Status:      StatusDraft,
		ExpiresAt:   now.Add(s.ttl),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if s.ttl <= 0 {
		// Far-future sentinel keeps the expiry scan index simple.
		o.ExpiresAt = now.AddDate(100, 0, 0)
	}

	if err := s.store.Create(ctx, o); err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	metrics.OrdersTotal.WithLabelValues(string(StatusDraft)).Inc()
	s.notify(o)
	s.logger.Info("draft order created",
		"orderId", o.ID, "customer", o.CustomerID, "seller", o.SellerID,
		"amount", money.Format(o.TotalAmount, o.Currency))
	return o, nil
}

// Pay captures the customer's payment and opens the escrow.
//
// Ordering matters: gateway first (real money, idempotent by order key), then
// escrow, then the order row. A failed escrow reverses the capture; paying an
// already-Paid order is a no-op that returns the order.
func (s *Service) Pay(ctx context.Context, id, method string) (*Order, error) {
	ctx, span := traces.StartSpan(ctx, "orders.Pay", traces.OrderID(id))
	defer span.End()

	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	o, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.Status == StatusPaid {
		return o, nil
	}
	if o.Status != StatusDraft {
		return nil, fmt.Errorf("%w: status is %s", ErrOrderNotPayable, o.Status)
	}
	if time.Now().After(o.ExpiresAt) {
		return nil, ErrOrderExpired
	}

	auth, err := s.gateway.Authorize(ctx, paygate.AuthorizeRequest{
		OrderID:        o.ID,
		CustomerID:     o.CustomerID,
		Amount:         o.TotalAmount,
		Currency:       o.Currency,
		Method:         method,
		IdempotencyKey: o.ID + ":pay",
	})
	if err != nil {
		return nil, err
	}

	return s.settle(ctx, o, auth.TransactionID)
}

// settle opens the escrow for a captured payment and marks the order paid.
// Caller holds the order lock and has verified the order is a live draft.
func (s *Service) settle(ctx context.Context, o *Order, transactionID string) (*Order, error) {
	esc, err := s.escrows.Create(ctx, escrow.CreateRequest{
		OrderID:     o.ID,
		CustomerID:  o.CustomerID,
		SellerID:    o.SellerID,
		Currency:    o.Currency,
		TotalAmount: o.TotalAmount,
	})
	if err != nil {
		// Money was captured but cannot be held; give it back.
		if rerr := s.gateway.Reverse(ctx, transactionID); rerr != nil {
			s.logger.Error("CRITICAL: payment captured but escrow and reversal both failed",
				"orderId", o.ID, "transactionId", transactionID,
				"escrowError", err, "reverseError", rerr)
		}
		return nil, fmt.Errorf("failed to open escrow: %w", err)
	}

	now := time.Now().UTC()
	updated := *o
	updated.Status = StatusPaid
	updated.TransactionID = transactionID
	updated.EscrowID = esc.ID
	updated.PaidAt = &now
	updated.UpdatedAt = now

	if err := s.store.Transition(ctx, &updated, StatusDraft); err != nil {
		if errors.Is(err, ErrStaleStatus) {
			// Another process finished this payment; the escrow create and
			// gateway capture above were idempotent replays.
			if fresh, gerr := s.store.Get(ctx, o.ID); gerr == nil && fresh.Status == StatusPaid {
				return fresh, nil
			}
		}
		// The hold exists but the order row does not reflect it.
		if _, rerr := s.escrows.Refund(ctx, esc.ID, "order record update failed"); rerr != nil {
			s.logger.Error("CRITICAL: escrow held but order update and refund both failed",
				"orderId", o.ID, "escrowId", esc.ID,
				"orderError", err, "refundError", rerr)
		}
		return nil, fmt.Errorf("failed to mark order paid: %w", err)
	}

	metrics.OrdersTotal.WithLabelValues(string(StatusPaid)).Inc()
	s.notify(&updated)
	s.logger.Info("order paid",
		"orderId", o.ID, "escrowId", esc.ID, "transactionId", transactionID)
	return &updated, nil
}

// HandleWebhook applies a verified gateway notification. Deliveries are
// at-least-once: a transaction already attached to a paid order is dropped.
func (s *Service) HandleWebhook(ctx context.Context, event *paygate.WebhookEvent) error {
	ctx, span := traces.StartSpan(ctx, "orders.HandleWebhook")
	defer span.End()

	switch event.Type {
	case paygate.EventPaymentSucceeded:
	case paygate.EventPaymentFailed:
		s.logger.Warn("gateway reported failed payment",
			"orderId", event.OrderID, "transactionId", event.TransactionID)
		return nil
	default:
		s.logger.Debug("ignoring gateway event", "type", event.Type)
		return nil
	}

	if event.TransactionID != "" {
		if _, err := s.store.GetByTransaction(ctx, event.TransactionID); err == nil {
			s.logger.Debug("webhook replay dropped", "transactionId", event.TransactionID)
			return nil
		} else if !errors.Is(err, ErrOrderNotFound) {
			return err
		}
	}

	unlock, err := s.locks.LockContext(ctx, event.OrderID)
	if err != nil {
		return err
	}
	defer unlock()

	o, err := s.store.Get(ctx, event.OrderID)
	if err != nil {
		return err
	}
	if o.Status != StatusDraft {
		return nil
	}

	_, err = s.settle(ctx, o, event.TransactionID)
	return err
}

// Cancel voids an unpaid draft. Paid orders are cancelled through the escrow
// refund path instead.
func (s *Service) Cancel(ctx context.Context, id string) (*Order, error) {
	ctx, span := traces.StartSpan(ctx, "orders.Cancel", traces.OrderID(id))
	defer span.End()

	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	o, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.Status == StatusCancelled {
		return o, nil
	}
	if o.Status != StatusDraft {
		return nil, fmt.Errorf("%w: status is %s", ErrOrderNotPayable, o.Status)
	}

	now := time.Now().UTC()
	o.Status = StatusCancelled
	o.UpdatedAt = now

	if err := s.store.Transition(ctx, o, StatusDraft); err != nil {
		return nil, err
	}

	metrics.OrdersTotal.WithLabelValues(string(StatusCancelled)).Inc()
	s.notify(o)
	s.logger.Info("draft order cancelled", "orderId", o.ID)
	return o, nil
}

// Get returns an order by ID.
func (s *Service) Get(ctx context.Context, id string) (*Order, error) {
	return s.store.Get(ctx, id)
}

// ListByParty returns orders involving a user as customer or seller.
func (s *Service) ListByParty(ctx context.Context, userID string, limit int) ([]*Order, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByParty(ctx, userID, limit)
}

// Expire transitions an overdue draft to expired. Used by the expiry timer.
func (s *Service) Expire(ctx context.Context, id string) (*Order, error) {
	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	o, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.Status != StatusDraft {
		return nil, fmt.Errorf("%w: status is %s", ErrOrderNotPayable, o.Status)
	}

	o.Status = StatusExpired
	o.UpdatedAt = time.Now().UTC()

	if err := s.store.Transition(ctx, o, StatusDraft); err != nil {
		return nil, err
	}

	metrics.OrdersTotal.WithLabelValues(string(StatusExpired)).Inc()
	s.notify(o)
	return o, nil
}
