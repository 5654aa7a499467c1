package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nkolo/marketpay/internal/metrics"
)

// Timer periodically scans for Held escrows past their auto-release deadline
// and releases them through the same ConfirmDelivery path as a manual
// confirmation. One escrow failing never aborts the rest of the scan.
type Timer struct {
	service  *Service
	store    Store
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

const scanBatchSize = 100

// NewTimer creates a new escrow auto-release timer.
func NewTimer(service *Service, store Store, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Timer{
		service:  service,
		store:    store,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the auto-release loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeScan(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeScan(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in escrow auto-release scan", "panic", fmt.Sprint(r))
		}
	}()
	t.Scan(ctx, time.Now())
}

// Scan releases every Held escrow whose deadline passed before now.
// Exported so a cron-style external trigger can drive the same logic.
func (t *Timer) Scan(ctx context.Context, now time.Time) {
	due, err := t.store.ListDueForRelease(ctx, now, scanBatchSize)
	if err != nil {
		t.logger.Warn("failed to list due escrows", "error", err)
		return
	}

	for _, e := range due {
		_, err := t.service.ConfirmDelivery(ctx, e.ID)
		switch {
		case err == nil:
			metrics.EscrowAutoReleasedTotal.Inc()
			t.logger.Info("auto-released escrow",
				"escrowId", e.ID, "seller", e.SellerID, "amount", e.TotalAmount)
		case errors.Is(err, ErrEscrowNotHeld):
			// A concurrent actor got there first; nothing to do.
			t.logger.Debug("skipping escrow transitioned during scan", "escrowId", e.ID)
		default:
			t.logger.Warn("failed to auto-release escrow",
				"escrowId", e.ID, "error", err)
		}
	}
}
