package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Timer periodically expires unpaid drafts past their deadline.
type Timer struct {
	service  *Service
	store    Store
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

const expiryBatchSize = 100

// NewTimer creates a new draft-order expiry timer.
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

// Start begins the expiry loop. Call in a goroutine.
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
			t.logger.Error("panic in order expiry scan", "panic", fmt.Sprint(r))
		}
	}()
	t.Scan(ctx, time.Now())
}

// Scan expires every draft whose deadline passed before now.
func (t *Timer) Scan(ctx context.Context, now time.Time) {
	due, err := t.store.ListDueForExpiry(ctx, now, expiryBatchSize)
	if err != nil {
		t.logger.Warn("failed to list expired orders", "error", err)
		return
	}

	for _, o := range due {
		_, err := t.service.Expire(ctx, o.ID)
		switch {
		case err == nil:
			t.logger.Info("draft order expired", "orderId", o.ID)
		case errors.Is(err, ErrOrderNotPayable):
			// Paid or cancelled between list and expire; fine.
			t.logger.Debug("skipping order transitioned during scan", "orderId", o.ID)
		default:
			t.logger.Warn("failed to expire order", "orderId", o.ID, "error", err)
		}
	}
}
