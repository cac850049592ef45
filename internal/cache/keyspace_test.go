package cache

import (
	"testing"
	"time"
)

func TestSetGetRoundTrip(t *testing.T) {
	ks := NewKeyspace(0, EvictionNoEviction)

	ks.Set("k", []byte("v"), nil)

	got, ok := ks.Get("k")
	if !ok || string(got) != "v" {
		t.Fatalf("Get(k) = %q, %v; want v, true", got, ok)
	}
}

func TestGetMissingKey(t *testing.T) {
	ks := NewKeyspace(0, EvictionNoEviction)

	if _, ok := ks.Get("missing"); ok {
		t.Fatal("expected miss for unset key")
	}
}

func TestTTLExpiry(t *testing.T) {
	ks := NewKeyspace(0, EvictionNoEviction)

	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ks.now = func() time.Time { return fixed }

	ttl := 10 * time.Second
	ks.Set("k", []byte("v"), &ttl)

	ks.now = func() time.Time { return fixed.Add(5 * time.Second) }
	if _, ok := ks.Get("k"); !ok {
		t.Fatal("expected key to still be live before expiry")
	}

	ks.now = func() time.Time { return fixed.Add(11 * time.Second) }
	if _, ok := ks.Get("k"); ok {
		t.Fatal("expected key to be expired")
	}
}

func TestDelRemovesKey(t *testing.T) {
	ks := NewKeyspace(0, EvictionNoEviction)
	ks.Set("a", []byte("1"), nil)
	ks.Set("b", []byte("2"), nil)

	n := ks.Del("a", "missing")
	if n != 1 {
		t.Fatalf("Del = %d, want 1", n)
	}

	if _, ok := ks.Get("a"); ok {
		t.Fatal("a should be gone")
	}

	if _, ok := ks.Get("b"); !ok {
		t.Fatal("b should remain")
	}
}

func TestExpireAndPersist(t *testing.T) {
	ks := NewKeyspace(0, EvictionNoEviction)
	ks.Set("k", []byte("v"), nil)

	if !ks.Expire("k", time.Minute) {
		t.Fatal("Expire should report success for an existing key")
	}

	d, ok := ks.TTL("k")
	if !ok || d == nil || *d <= 0 {
		t.Fatalf("TTL after Expire = %v, %v", d, ok)
	}

	if !ks.Persist("k") {
		t.Fatal("Persist should report success for a key with a TTL")
	}

	d, ok = ks.TTL("k")
	if !ok || d != nil {
		t.Fatalf("TTL after Persist = %v, %v; want nil, true", d, ok)
	}
}

func TestKeysMatchesPattern(t *testing.T) {
	ks := NewKeyspace(0, EvictionNoEviction)
	ks.Set("user:1", []byte("a"), nil)
	ks.Set("user:2", []byte("b"), nil)
	ks.Set("order:1", []byte("c"), nil)

	keys := ks.Keys("user:*")
	if len(keys) != 2 {
		t.Fatalf("Keys(user:*) returned %d keys, want 2", len(keys))
	}
}

func TestEvictionNoEvictionRejectsOverCapacity(t *testing.T) {
	ks := NewKeyspace(1, EvictionNoEviction)

	if ks.Set("k", []byte("this value is too large"), nil) {
		t.Fatal("expected Set to fail under a 1-byte cap with noeviction policy")
	}
}

func TestEvictionLRUEvictsLeastRecentlyUsed(t *testing.T) {
	// Each 1-char-key/1-char-value entry costs 1+1+64 = 66 bytes; cap at
	// exactly two entries so a third insert forces one eviction.
	ks := NewKeyspace(132, EvictionLRU)

	fixed := time.Now()
	ks.now = func() time.Time { return fixed }
	ks.Set("a", []byte("1"), nil)

	ks.now = func() time.Time { return fixed.Add(time.Second) }
	ks.Set("b", []byte("2"), nil)

	ks.now = func() time.Time { return fixed.Add(2 * time.Second) }
	ks.Get("a") // touch a so b becomes the least recently used

	ks.now = func() time.Time { return fixed.Add(3 * time.Second) }
	ks.Set("c", []byte("3"), nil)

	if _, ok := ks.Get("a"); !ok {
		t.Fatal("a was touched most recently and should have survived eviction")
	}

	if _, ok := ks.Peek("b"); ok {
		t.Fatal("b was least recently used and should have been evicted")
	}

	if _, ok := ks.Get("c"); !ok {
		t.Fatal("c was just inserted and should be present")
	}
}

func TestFlushClearsKeyspace(t *testing.T) {
	ks := NewKeyspace(0, EvictionNoEviction)
	ks.Set("a", []byte("1"), nil)
	ks.Flush()

	if ks.DBSize() != 0 {
		t.Fatalf("DBSize after Flush = %d, want 0", ks.DBSize())
	}
}

func TestStatsTrackHitsMissesExpired(t *testing.T) {
	ks := NewKeyspace(0, EvictionNoEviction)

	fixed := time.Now()
	ks.now = func() time.Time { return fixed }

	ttl := time.Second
	ks.Set("k", []byte("v"), &ttl)
	ks.Get("k") // hit
	ks.Get("missing") // miss

	ks.now = func() time.Time { return fixed.Add(2 * time.Second) }
	ks.Get("k") // expired -> counted as a miss, plus Expired++

	stats := ks.Stats()
	if stats.Hits != 1 || stats.Misses != 2 || stats.Expired != 1 {
		t.Fatalf("Stats = %+v, want Hits=1 Misses=2 Expired=1", stats)
	}
}
