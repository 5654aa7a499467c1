package ratelimit

import (
	"testing"
	"time"
)

func TestAllow_BurstThenDeny(t *testing.T) {
	limiter := New(Config{
		RequestsPerMinute: 60,
		BurstSize:         5,
		CleanupInterval:   time.Minute,
	})
	defer limiter.Stop()

	for i := 0; i < 5; i++ {
		if !limiter.Allow("10.0.0.7") {
			t.Errorf("request %d within the burst should be allowed", i)
		}
	}
	if limiter.Allow("10.0.0.7") {
		t.Error("request past the burst should be denied")
	}

	// One token replenishes per second at 60/min.
	time.Sleep(time.Second)
	if !limiter.Allow("10.0.0.7") {
		t.Error("request after replenishment should be allowed")
	}
}

func TestAllow_ClientsAreIndependent(t *testing.T) {
	limiter := New(Config{
		RequestsPerMinute: 60,
		BurstSize:         3,
		CleanupInterval:   time.Minute,
	})
	defer limiter.Stop()

	for i := 0; i < 3; i++ {
		limiter.Allow("checkout-app")
	}
	if limiter.Allow("checkout-app") {
		t.Error("exhausted client should be limited")
	}
	if !limiter.Allow("seller-portal") {
		t.Error("fresh client must not inherit another client's limit")
	}
}

func TestAllow_Replenishment(t *testing.T) {
	limiter := New(Config{
		RequestsPerMinute: 600, // ten per second
		BurstSize:         1,
		CleanupInterval:   time.Minute,
	})
	defer limiter.Stop()

	if !limiter.Allow("k") {
		t.Error("first request should be allowed")
	}
	if limiter.Allow("k") {
		t.Error("immediate second request should be denied")
	}

	time.Sleep(110 * time.Millisecond)
	if !limiter.Allow("k") {
		t.Error("request after one refill interval should be allowed")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.RequestsPerMinute != 60 || cfg.BurstSize != 10 {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if cfg.CleanupInterval != time.Minute {
		t.Errorf("expected 1 minute cleanup interval, got %v", cfg.CleanupInterval)
	}
}
