package search

import "sync"

// DedupStore lets the engine skip parameter sets it has already evaluated,
// and parameter sets a prior run flagged as bad (below a score floor or
// above a drawdown ceiling). Implementations must be safe for concurrent
// use because trials complete from a worker pool.
type DedupStore interface {
	// CheckAndMarkSeen returns true when the hash is new and records it.
	CheckAndMarkSeen(hash string) bool
	// IsBad reports whether the hash was flagged bad by a previous run.
	IsBad(hash string) bool
	// MarkBad flags the hash so later runs skip it.
	MarkBad(hash string)
}

const dedupShards = 64 // power of 2, shard selection uses a mask

// ShardedDedup is the in-memory DedupStore. The seen and bad sets are
// sharded across independent mutexes to keep contention low under a large
// worker pool.
type ShardedDedup struct {
	shards [dedupShards]dedupShard
}

type dedupShard struct {
	mu   sync.Mutex
	seen map[string]struct{}
	bad  map[string]struct{}
}

// NewShardedDedup creates an empty sharded dedup store.
func NewShardedDedup() *ShardedDedup {
	d := &ShardedDedup{}
	for i := range d.shards {
		d.shards[i].seen = make(map[string]struct{}, 64)
		d.shards[i].bad = make(map[string]struct{}, 16)
	}
	return d
}

// fnv1a is a fast non-cryptographic hash used only for shard selection.
func fnv1a(s string) uint32 {
	h := uint32(2166136261)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= 16777619
	}
	return h
}

func (d *ShardedDedup) shard(hash string) *dedupShard {
	return &d.shards[fnv1a(hash)&(dedupShards-1)]
}

// CheckAndMarkSeen returns true if the hash was not seen before, adding it.
func (d *ShardedDedup) CheckAndMarkSeen(hash string) bool {
	s := d.shard(hash)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[hash]; ok {
		return false
	}
	s.seen[hash] = struct{}{}
	return true
}

// IsBad reports whether the hash has been flagged bad.
func (d *ShardedDedup) IsBad(hash string) bool {
	s := d.shard(hash)
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.bad[hash]
	return ok
}

// MarkBad flags a hash as bad.
func (d *ShardedDedup) MarkBad(hash string) {
	s := d.shard(hash)
	s.mu.Lock()
	s.bad[hash] = struct{}{}
	s.mu.Unlock()
}

// Restore seeds the store from persisted hashes, typically loaded from the
// run history archive at startup.
func (d *ShardedDedup) Restore(seen, bad []string) {
	for _, h := range seen {
		s := d.shard(h)
		s.mu.Lock()
		s.seen[h] = struct{}{}
		s.mu.Unlock()
	}
	for _, h := range bad {
		s := d.shard(h)
		s.mu.Lock()
		s.bad[h] = struct{}{}
		s.mu.Unlock()
	}
}
