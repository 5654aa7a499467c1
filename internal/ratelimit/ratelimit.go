// Package ratelimit throttles checkout traffic per client so one misbehaving
// integration cannot starve the payment API.
package ratelimit

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// Config tunes the token bucket.
type Config struct {
	// RequestsPerMinute is the sustained per-client rate.
	RequestsPerMinute int
	// BurstSize is how far above the sustained rate a client may spike.
	BurstSize int
	// CleanupInterval is how often idle client buckets are dropped.
	CleanupInterval time.Duration
}

// DefaultConfig allows one request per second with short bursts of ten.
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 60,
		BurstSize:         10,
		CleanupInterval:   time.Minute,
	}
}

// Limiter holds one token bucket per client key.
type Limiter struct {
	cfg     Config
	mu      sync.RWMutex
	buckets map[string]*bucket
	stop    chan struct{}
}

type bucket struct {
	tokens     float64
	lastRefill time.Time
}

// New creates a limiter and starts its cleanup loop.
func New(cfg Config) *Limiter {
	l := &Limiter{
		cfg:     cfg,
		buckets: make(map[string]*bucket),
		stop:    make(chan struct{}),
	}
	go l.cleanup()
	return l
}

func (l *Limiter) cleanup() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			cutoff := time.Now().Add(-2 * time.Minute)
			for key, b := range l.buckets {
				if b.lastRefill.Before(cutoff) {
					delete(l.buckets, key)
				}
			}
			l.mu.Unlock()
		case <-l.stop:
			return
		}
	}
}

// Stop terminates the cleanup loop.
func (l *Limiter) Stop() {
	close(l.stop)
}

// Allow reports whether the client identified by key may proceed, consuming
// one token if so.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	b, exists := l.buckets[key]
	if !exists {
		l.buckets[key] = &bucket{
			tokens:     float64(l.cfg.BurstSize - 1),
			lastRefill: now,
		}
		return true
	}

	refill := now.Sub(b.lastRefill).Seconds() * float64(l.cfg.RequestsPerMinute) / 60.0
	b.tokens += refill
	if b.tokens > float64(l.cfg.BurstSize) {
		b.tokens = float64(l.cfg.BurstSize)
	}
	b.lastRefill = now

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// Middleware limits by client IP, or by Authorization header when present so
// callers behind a shared NAT are not throttled together.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.ClientIP()
		if auth := c.GetHeader("Authorization"); auth != "" {
			key = "auth:" + auth[:min(20, len(auth))]
		}

		if !l.Allow(key) {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limit_exceeded",
				"message":     "Too many requests. Please slow down.",
				"retry_after": 1,
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

// MiddlewareWithConfig builds a limiter and returns its middleware.
func MiddlewareWithConfig(cfg Config) gin.HandlerFunc {
	return New(cfg).Middleware()
}
