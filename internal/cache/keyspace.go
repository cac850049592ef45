// Package cache implements the embedded Redis-compatible cache engine
// (spec §4.6): a single in-process keyspace with TTL, a configurable
// eviction policy, pub/sub, snapshot persistence and a RESP command
// dispatcher, plus an optional proxy mode delegating to an external Redis.
package cache

import (
	"math/rand"
	"sync"
	"time"
)

// Eviction is one of the four policies spec §4.6 names.
type Eviction string

const (
	EvictionLRU        Eviction = "lru"
	EvictionLFU        Eviction = "lfu"
	EvictionRandom     Eviction = "random"
	EvictionNoEviction Eviction = "noeviction"
)

// entry is one keyspace value plus the bookkeeping eviction and TTL need.
type entry struct {
	value       []byte
	expiresAt   *time.Time
	lastAccess  time.Time
	accessCount int64
	sizeBytes   int64
}

// Stats mirrors the counters INFO reports (spec §4.6).
type Stats struct {
	Hits    int64
	Misses  int64
	Expired int64
	Evicted int64
}

// Keyspace is the single hash map of byte keys to entries backing db0 (spec
// §4.6: "all keys live in db0" regardless of SELECT). It enforces MaxMemory
// by evicting via Policy when an insert would push usage over the cap.
type Keyspace struct {
	mu    sync.RWMutex
	data  map[string]*entry
	used  int64
	max   int64
	policy Eviction
	stats Stats
	now    func() time.Time
}

func NewKeyspace(maxMemory int64, policy Eviction) *Keyspace {
	if policy == "" {
		policy = EvictionNoEviction
	}

	return &Keyspace{
		data:   make(map[string]*entry),
		max:    maxMemory,
		policy: policy,
		now:    time.Now,
	}
}

// sizeOf approximates the entry's footprint: key length + value length +
// a fixed per-entry overhead, enough to make max_memory meaningful without
// pretending to account for Go's actual map/allocator overhead.
func sizeOf(key string, value []byte) int64 {
	const overhead = 64
	return int64(len(key)) + int64(len(value)) + overhead
}

// Set inserts or overwrites key, evicting per Policy until the new value
// fits under MaxMemory. Returns false, leaving key's previous value in
// place, when the value still doesn't fit after removing key's own prior
// footprint and no other key can be evicted: always under
// EvictionNoEviction, and under the other policies once key is the only
// entry left.
func (k *Keyspace) Set(key string, value []byte, ttl *time.Duration) bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.expireLocked(key)

	newSize := sizeOf(key, value)

	if old, ok := k.data[key]; ok {
		k.used -= old.sizeBytes
	}

	for k.max > 0 && k.used+newSize > k.max {
		victim, ok := k.evictVictimLocked(key)
		if !ok {
			// put back what we subtracted so callers see a consistent used count
			if old, ok := k.data[key]; ok {
				k.used += old.sizeBytes
			}

			return false
		}

		k.removeLocked(victim)
		k.stats.Evicted++
	}

	var expiresAt *time.Time
	if ttl != nil {
		t := k.now().Add(*ttl)
		expiresAt = &t
	}

	k.data[key] = &entry{value: value, expiresAt: expiresAt, lastAccess: k.now(), sizeBytes: newSize}
	k.used += newSize

	return true
}

// Get returns the live value for key, or ok=false if absent or expired
// (expiry removal happens here, per spec §4.6).
func (k *Keyspace) Get(key string) ([]byte, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.expireLocked(key) {
		k.stats.Misses++
		return nil, false
	}

	e, ok := k.data[key]
	if !ok {
		k.stats.Misses++
		return nil, false
	}

	e.lastAccess = k.now()
	e.accessCount++
	k.stats.Hits++

	return e.value, true
}

// Peek reads without updating LRU/LFU bookkeeping or hit/miss stats; used
// by commands like TTL that inspect without "touching" per Redis semantics.
func (k *Keyspace) Peek(key string) (*entry, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	e, ok := k.data[key]
	if !ok {
		return nil, false
	}

	if e.expiresAt != nil && !e.expiresAt.After(k.now()) {
		return nil, false
	}

	return e, true
}

func (k *Keyspace) Del(keys ...string) int {
	k.mu.Lock()
	defer k.mu.Unlock()

	n := 0

	for _, key := range keys {
		if k.expireLocked(key) {
			continue
		}

		if _, ok := k.data[key]; ok {
			k.removeLocked(key)
			n++
		}
	}

	return n
}

func (k *Keyspace) Exists(keys ...string) int {
	n := 0

	for _, key := range keys {
		if _, ok := k.Get(key); ok {
			n++
		}
	}

	return n
}

// Expire sets key's TTL in-place, reporting whether key exists.
func (k *Keyspace) Expire(key string, ttl time.Duration) bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.expireLocked(key) {
		return false
	}

	e, ok := k.data[key]
	if !ok {
		return false
	}

	t := k.now().Add(ttl)
	e.expiresAt = &t

	return true
}

// ExpireAt sets key's absolute expiry.
func (k *Keyspace) ExpireAt(key string, at time.Time) bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.expireLocked(key) {
		return false
	}

	e, ok := k.data[key]
	if !ok {
		return false
	}

	e.expiresAt = &at

	return true
}

// Persist removes key's TTL, reporting whether it had one.
func (k *Keyspace) Persist(key string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.expireLocked(key) {
		return false
	}

	e, ok := k.data[key]
	if !ok || e.expiresAt == nil {
		return false
	}

	e.expiresAt = nil

	return true
}

// TTL returns the remaining duration until key expires, nil if it has no
// TTL, and ok=false if key doesn't exist.
func (k *Keyspace) TTL(key string) (*time.Duration, bool) {
	e, ok := k.Peek(key)
	if !ok {
		return nil, false
	}

	if e.expiresAt == nil {
		return nil, true
	}

	d := e.expiresAt.Sub(k.now())
	if d < 0 {
		d = 0
	}

	return &d, true
}

// Keys returns every live key matching pattern (glob grammar shared with
// KEYS/SCAN/pub-sub patterns).
func (k *Keyspace) Keys(pattern string) []string {
	k.mu.Lock()
	defer k.mu.Unlock()

	var out []string

	for key := range k.data {
		if k.expireLocked(key) {
			continue
		}

		if MatchGlob(pattern, key) {
			out = append(out, key)
		}
	}

	return out
}

func (k *Keyspace) DBSize() int {
	k.mu.Lock()
	defer k.mu.Unlock()

	n := 0

	for key := range k.data {
		if !k.expireLocked(key) {
			n++
		}
	}

	return n
}

func (k *Keyspace) Flush() {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.data = make(map[string]*entry)
	k.used = 0
}

func (k *Keyspace) Stats() Stats {
	k.mu.RLock()
	defer k.mu.RUnlock()

	return k.stats
}

func (k *Keyspace) UsedBytes() int64 {
	k.mu.RLock()
	defer k.mu.RUnlock()

	return k.used
}

// expireLocked removes key if expired, reporting whether it did. Caller
// must hold k.mu for writing.
func (k *Keyspace) expireLocked(key string) bool {
	e, ok := k.data[key]
	if !ok {
		return false
	}

	if e.expiresAt == nil || e.expiresAt.After(k.now()) {
		return false
	}

	k.removeLocked(key)
	k.stats.Expired++

	return true
}

func (k *Keyspace) removeLocked(key string) {
	if e, ok := k.data[key]; ok {
		k.used -= e.sizeBytes
		delete(k.data, key)
	}
}

// evictVictimLocked picks a key to remove per Policy, never choosing
// protect (the key currently being written, so Set never evicts its own
// target out from under itself).
func (k *Keyspace) evictVictimLocked(protect string) (string, bool) {
	switch k.policy {
	case EvictionLRU:
		return k.pickLocked(protect, func(a, b *entry) bool { return a.lastAccess.Before(b.lastAccess) })
	case EvictionLFU:
		return k.pickLocked(protect, func(a, b *entry) bool {
			if a.accessCount != b.accessCount {
				return a.accessCount < b.accessCount
			}

			return a.lastAccess.Before(b.lastAccess)
		})
	case EvictionRandom:
		return k.pickRandomLocked(protect)
	default:
		return "", false
	}
}

func (k *Keyspace) pickLocked(protect string, less func(a, b *entry) bool) (string, bool) {
	var bestKey string

	var best *entry

	for key, e := range k.data {
		if key == protect {
			continue
		}

		if best == nil || less(e, best) {
			bestKey, best = key, e
		}
	}

	return bestKey, best != nil
}

func (k *Keyspace) pickRandomLocked(protect string) (string, bool) {
	candidates := make([]string, 0, len(k.data))

	for key := range k.data {
		if key != protect {
			candidates = append(candidates, key)
		}
	}

	if len(candidates) == 0 {
		return "", false
	}

	return candidates[rand.Intn(len(candidates))], true
}
