// Package syncutil provides keyed locking primitives for per-account
// serialization.
package syncutil

import (
	"hash/fnv"
	"sync"
)

// ShardedMutex provides a fixed-size pool of mutexes keyed by string.
// Unlike sync.Map-based per-key locks, this uses bounded memory regardless
// of how many keys are seen, at the cost of occasional false sharing between
// keys that hash to the same shard.
type ShardedMutex struct {
	shards [256]sync.Mutex
}

// Lock acquires the mutex for the given key and returns an unlock function.
func (s *ShardedMutex) Lock(key string) func() {
	return s.lockIdx(s.shardIdx(key))
}

// LockPair acquires the mutexes for two keys in shard-index order, so that
// concurrent transfers between the same pair of accounts cannot deadlock.
// If both keys hash to the same shard only one lock is taken.
func (s *ShardedMutex) LockPair(keyA, keyB string) func() {
	a, b := s.shardIdx(keyA), s.shardIdx(keyB)
	if a == b {
		return s.lockIdx(a)
	}
	if a > b {
		a, b = b, a
	}
	unlockA := s.lockIdx(a)
	unlockB := s.lockIdx(b)
	return func() {
		unlockB()
		unlockA()
	}
}

func (s *ShardedMutex) lockIdx(i uint32) func() {
	mu := &s.shards[i]
	mu.Lock()
	return mu.Unlock
}

func (s *ShardedMutex) shardIdx(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % 256
}
