// Package syncutil provides keyed locking for serializing state transitions,
// such as all mutations of one escrow or one order within a process.
package syncutil

import (
	"context"
	"hash/fnv"
)

const shardCount = 256

// ContextShardedMutex is a fixed pool of channel-based mutexes keyed by
// string. Callers waiting on a contended key give up when their context is
// cancelled instead of blocking forever.
//
// Keys are hashed onto shards, so two distinct keys may share a lock. That
// only costs throughput, never correctness.
type ContextShardedMutex struct {
	shards [shardCount]chan struct{}
}

// NewContextShardedMutex creates the pool with every shard unlocked.
func NewContextShardedMutex() *ContextShardedMutex {
	m := &ContextShardedMutex{}
	for i := range m.shards {
		m.shards[i] = make(chan struct{}, 1)
		m.shards[i] <- struct{}{}
	}
	return m
}

// LockContext acquires the lock for key, or returns the context error if ctx
// is done first. On success the caller must invoke the returned unlock
// function exactly once.
func (m *ContextShardedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	shard := m.shards[m.shardIdx(key)]

	select {
	case <-shard:
		return func() { shard <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *ContextShardedMutex) shardIdx(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}
