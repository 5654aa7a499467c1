package paygate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/nkolo/marketpay/internal/circuitbreaker"
	"github.com/nkolo/marketpay/internal/metrics"
	"github.com/nkolo/marketpay/internal/retry"
)

const (
	maxGatewayAttempts = 3
	gatewayRetryDelay  = 500 * time.Millisecond

	breakerKey          = "stripe"
	breakerThreshold    = 5
	breakerOpenDuration = 30 * time.Second
)

// StripeAdapter implements Adapter against Stripe PaymentIntents.
//
// Authorize confirms immediately with automatic capture; payment methods that
// require further customer action (3DS challenges) are treated as declined,
// the storefront collects a different method instead.
type StripeAdapter struct {
	sc            *client.API
	webhookSecret string
	breaker       *circuitbreaker.Breaker
	logger        *slog.Logger
}

// NewStripeAdapter creates a Stripe-backed adapter. The timeout bounds each
// HTTP call to Stripe; retries are handled here, not by the SDK.
func NewStripeAdapter(secretKey, webhookSecret string, timeout time.Duration, logger *slog.Logger) *StripeAdapter {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	backends := stripe.NewBackends(&http.Client{Timeout: timeout})
	return &StripeAdapter{
		sc:            client.New(secretKey, backends),
		webhookSecret: webhookSecret,
		breaker:       circuitbreaker.New(breakerThreshold, breakerOpenDuration),
		logger:        logger,
	}
}

func (s *StripeAdapter) Authorize(ctx context.Context, req AuthorizeRequest) (*Authorization, error) {
	if !s.breaker.Allow(breakerKey) {
		metrics.GatewayAttemptsTotal.WithLabelValues("unavailable").Inc()
		return nil, fmt.Errorf("%w: circuit open", ErrGatewayUnavailable)
	}

	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(req.Amount),
		Currency:      stripe.String(strings.ToLower(req.Currency)),
		PaymentMethod: stripe.String(req.Method),
		Confirm:       stripe.Bool(true),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodAutomatic)),
	}
	params.Context = ctx
	if req.IdempotencyKey != "" {
		params.IdempotencyKey = stripe.String(req.IdempotencyKey)
	}
	params.AddMetadata("order_id", req.OrderID)
	params.AddMetadata("customer_id", req.CustomerID)

	var pi *stripe.PaymentIntent
	err := retry.Do(ctx, maxGatewayAttempts, gatewayRetryDelay, func() error {
		var err error
		pi, err = s.sc.PaymentIntents.New(params)
		if err != nil {
			return classifyStripeError(err)
		}
		if pi.Status != stripe.PaymentIntentStatusSucceeded {
			return retry.Permanent(fmt.Errorf("%w: intent status %s", ErrPaymentDeclined, pi.Status))
		}
		return nil
	})
	if err != nil {
		s.recordOutcome(err)
		metrics.GatewayAttemptsTotal.WithLabelValues(gatewayResult(err)).Inc()
		s.logger.Warn("stripe authorization failed",
			"orderId", req.OrderID, "error", err)
		return nil, err
	}

	s.breaker.RecordSuccess(breakerKey)
	metrics.GatewayAttemptsTotal.WithLabelValues("authorized").Inc()
	s.logger.Info("stripe payment captured",
		"orderId", req.OrderID, "paymentIntent", pi.ID, "amount", req.Amount)
	return &Authorization{
		TransactionID: pi.ID,
		Amount:        req.Amount,
		Currency:      strings.ToUpper(req.Currency),
		CapturedAt:    time.Now().UTC(),
	}, nil
}

func (s *StripeAdapter) Reverse(ctx context.Context, transactionID string) error {
	if !s.breaker.Allow(breakerKey) {
		return fmt.Errorf("%w: circuit open", ErrGatewayUnavailable)
	}

	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(transactionID),
	}
	params.Context = ctx

	err := retry.Do(ctx, maxGatewayAttempts, gatewayRetryDelay, func() error {
		_, err := s.sc.Refunds.New(params)
		if err != nil {
			return classifyStripeError(err)
		}
		return nil
	})
	if err != nil {
		s.recordOutcome(err)
		var sErr *stripe.Error
		if errors.As(err, &sErr) && sErr.HTTPStatusCode == http.StatusNotFound {
			return fmt.Errorf("%w: %s", ErrUnknownTransaction, transactionID)
		}
		return err
	}

	s.breaker.RecordSuccess(breakerKey)
	s.logger.Info("stripe payment reversed", "paymentIntent", transactionID)
	return nil
}

// recordOutcome feeds the circuit breaker. Declines are the customer's
// problem, not Stripe's; only infrastructure failures count against the
// circuit.
func (s *StripeAdapter) recordOutcome(err error) {
	if errors.Is(err, ErrGatewayUnavailable) || errors.Is(err, ErrGatewayTimeout) {
		s.breaker.RecordFailure(breakerKey)
		return
	}
	s.breaker.RecordSuccess(breakerKey)
}

// VerifyWebhook checks the Stripe-Signature header and normalizes the event.
func (s *StripeAdapter) VerifyWebhook(payload []byte, signature string) (*WebhookEvent, error) {
	event, err := webhook.ConstructEvent(payload, signature, s.webhookSecret)
	if err != nil {
		return nil, fmt.Errorf("webhook signature verification failed: %w", err)
	}

	out := &WebhookEvent{ID: event.ID}
	switch event.Type {
	case "payment_intent.succeeded":
		out.Type = EventPaymentSucceeded
	case "payment_intent.payment_failed":
		out.Type = EventPaymentFailed
	default:
		out.Type = string(event.Type)
		return out, nil
	}

	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		return nil, fmt.Errorf("webhook payload decode failed: %w", err)
	}
	out.TransactionID = pi.ID
	out.OrderID = pi.Metadata["order_id"]
	return out, nil
}

// classifyStripeError maps SDK errors onto the paygate taxonomy, wrapping
// non-retryable outcomes in retry.Permanent.
func classifyStripeError(err error) error {
	var sErr *stripe.Error
	if errors.As(err, &sErr) {
		switch {
		case sErr.Type == stripe.ErrorTypeCard:
			return retry.Permanent(fmt.Errorf("%w: %s", ErrPaymentDeclined, sErr.Code))
		case sErr.HTTPStatusCode == http.StatusTooManyRequests,
			sErr.HTTPStatusCode >= http.StatusInternalServerError:
			return fmt.Errorf("%w: %s", ErrGatewayUnavailable, sErr.Code)
		default:
			// Bad request, auth failure: retrying the same call cannot help.
			return retry.Permanent(fmt.Errorf("%w: %s", ErrPaymentDeclined, sErr.Code))
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrGatewayTimeout, err)
	}
	// Network-level failure: worth another attempt.
	return fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
}

func gatewayResult(err error) string {
	switch {
	case errors.Is(err, ErrPaymentDeclined):
		return "declined"
	case errors.Is(err, ErrGatewayTimeout):
		return "timeout"
	default:
		return "unavailable"
	}
}
