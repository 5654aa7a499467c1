package paygate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nkolo/marketpay/internal/idgen"
	"github.com/nkolo/marketpay/internal/metrics"
)

// Magic payment-method tokens the sandbox recognizes, mirroring processor
// test cards so storefront flows can rehearse failure paths.
const (
	MethodDeclined    = "pm_sandbox_declined"
	MethodUnavailable = "pm_sandbox_unavailable"
)

// Sandbox is an in-memory adapter for development and tests. Every
// authorization succeeds instantly unless a magic method token asks for a
// failure. No real money anywhere.
type Sandbox struct {
	mu       sync.Mutex
	byKey    map[string]*Authorization // idempotency replay
	captured map[string]bool           // transactionID -> still captured
	logger   *slog.Logger
}

// NewSandbox creates a sandbox payment adapter.
func NewSandbox(logger *slog.Logger) *Sandbox {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sandbox{
		byKey:    make(map[string]*Authorization),
		captured: make(map[string]bool),
		logger:   logger,
	}
}

func (s *Sandbox) Authorize(ctx context.Context, req AuthorizeRequest) (*Authorization, error) {
	switch req.Method {
	case MethodDeclined:
		metrics.GatewayAttemptsTotal.WithLabelValues("declined").Inc()
		return nil, fmt.Errorf("%w: sandbox test decline", ErrPaymentDeclined)
	case MethodUnavailable:
		metrics.GatewayAttemptsTotal.WithLabelValues("unavailable").Inc()
		return nil, fmt.Errorf("%w: sandbox test outage", ErrGatewayUnavailable)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if req.IdempotencyKey != "" {
		if prev, ok := s.byKey[req.IdempotencyKey]; ok {
			return prev, nil
		}
	}

	auth := &Authorization{
		TransactionID: idgen.WithPrefix("txn_"),
		Amount:        req.Amount,
		Currency:      strings.ToUpper(req.Currency),
		CapturedAt:    time.Now().UTC(),
	}
	s.captured[auth.TransactionID] = true
	if req.IdempotencyKey != "" {
		s.byKey[req.IdempotencyKey] = auth
	}

	metrics.GatewayAttemptsTotal.WithLabelValues("authorized").Inc()
	s.logger.Info("sandbox payment captured",
		"orderId", req.OrderID, "transactionId", auth.TransactionID, "amount", req.Amount)
	return auth, nil
}

func (s *Sandbox) Reverse(ctx context.Context, transactionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.captured[transactionID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTransaction, transactionID)
	}
	s.captured[transactionID] = false
	s.logger.Info("sandbox payment reversed", "transactionId", transactionID)
	return nil
}

// Captured reports whether a transaction is still captured (not reversed).
func (s *Sandbox) Captured(transactionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.captured[transactionID]
}

// VerifyWebhook decodes a sandbox webhook without signature checks. The
// payload is the normalized event itself.
func (s *Sandbox) VerifyWebhook(payload []byte, signature string) (*WebhookEvent, error) {
	var event WebhookEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("webhook payload decode failed: %w", err)
	}
	if event.ID == "" {
		event.ID = idgen.WithPrefix("evt_")
	}
	return &event, nil
}
