// Package paygate adapts external payment processors behind one small
// interface. Orders call Authorize to capture a customer payment before the
// escrow hold, and Reverse to back out when the hold cannot be recorded.
//
// The ledger never talks to a processor directly: paygate moves real money at
// the boundary, the ledger accounts for it through the clearing account.
package paygate

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrPaymentDeclined means the processor refused the payment. Not
	// retryable; surface to the customer.
	ErrPaymentDeclined = errors.New("paygate: payment declined")

	// ErrGatewayTimeout means the processor did not answer in time. The
	// outcome is unknown; callers must reconcile via webhook or reversal.
	ErrGatewayTimeout = errors.New("paygate: gateway timeout")

	// ErrGatewayUnavailable means the processor returned a transient failure.
	ErrGatewayUnavailable = errors.New("paygate: gateway unavailable")

	// ErrUnknownTransaction means a reversal referenced a transaction the
	// processor does not know.
	ErrUnknownTransaction = errors.New("paygate: unknown transaction")
)

// AuthorizeRequest describes one payment capture attempt.
type AuthorizeRequest struct {
	OrderID        string
	CustomerID     string
	Amount         int64 // minor units
	Currency       string
	Method         string // processor payment-method token
	IdempotencyKey string
}

// Authorization is a successful capture at the processor.
type Authorization struct {
	TransactionID string
	Amount        int64
	Currency      string
	CapturedAt    time.Time
}

// Adapter is implemented per processor. Authorize must be idempotent under
// the request's IdempotencyKey; Reverse must be safe to call more than once.
type Adapter interface {
	Authorize(ctx context.Context, req AuthorizeRequest) (*Authorization, error)
	Reverse(ctx context.Context, transactionID string) error
}

// WebhookEvent is a processor notification after signature verification.
type WebhookEvent struct {
	ID            string
	Type          string
	TransactionID string
	OrderID       string
}

// WebhookVerifier authenticates and decodes processor webhooks.
type WebhookVerifier interface {
	VerifyWebhook(payload []byte, signature string) (*WebhookEvent, error)
}

// Webhook event types the order flow consumes. Processor-specific names are
// normalized to these by each adapter.
const (
	EventPaymentSucceeded = "payment.succeeded"
	EventPaymentFailed    = "payment.failed"
)
