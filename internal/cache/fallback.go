package cache

import (
	"container/list"
	"context"
	"log"
	"regexp"
	"strconv"
	"sync"
	"time"
)

const (
	// DefaultFallbackCapacity bounds the in-process table when Redis is down.
	DefaultFallbackCapacity = 10000

	// DefaultSweepInterval is how often expired entries are swept out.
	DefaultSweepInterval = 30 * time.Second
)

type fallbackEntry struct {
	key       string
	value     []byte
	expiresAt time.Time // zero means no expiry
}

func (e *fallbackEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// FallbackTable is the in-process TTL table used while the networked store is
// unreachable. Eviction order is insertion order (oldest inserted first), not
// LRU: read recency is intentionally not tracked, and updating an existing key
// keeps its original position. Expiry is lazy on Get plus a periodic sweep;
// a per-key timer design is rejected because timer handles would accumulate
// with write volume rather than live-key count.
type FallbackTable struct {
	mu       sync.Mutex
	items    map[string]*list.Element
	order    *list.List // front = oldest inserted
	capacity int

	sweepInterval time.Duration
	cancel        context.CancelFunc
}

// NewFallbackTable creates a table bounded to capacity entries. Non-positive
// arguments select the defaults.
func NewFallbackTable(capacity int, sweepInterval time.Duration) *FallbackTable {
	if capacity <= 0 {
		capacity = DefaultFallbackCapacity
	}
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}
	return &FallbackTable{
		items:         make(map[string]*list.Element),
		order:         list.New(),
		capacity:      capacity,
		sweepInterval: sweepInterval,
	}
}

// Get returns the live value for key. Expired entries are deleted on read.
func (t *FallbackTable) Get(key string) ([]byte, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	elem, ok := t.items[key]
	if !ok {
		return nil, false
	}
	ent := elem.Value.(*fallbackEntry)
	if ent.expired(time.Now()) {
		t.removeLocked(elem)
		return nil, false
	}
	return ent.value, true
}

// Set stores value under key for ttl (ttl <= 0 means no expiry). Existing keys
// keep their insertion position; new keys evict the oldest entry on overflow.
func (t *FallbackTable) Set(key string, value []byte, ttl time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.setLocked(key, value, ttl)
}

func (t *FallbackTable) setLocked(key string, value []byte, ttl time.Duration) {
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}

	if elem, ok := t.items[key]; ok {
		ent := elem.Value.(*fallbackEntry)
		ent.value = value
		ent.expiresAt = expiresAt
		return
	}

	for len(t.items) >= t.capacity {
		oldest := t.order.Front()
		if oldest == nil {
			break
		}
		t.removeLocked(oldest)
	}

	elem := t.order.PushBack(&fallbackEntry{key: key, value: value, expiresAt: expiresAt})
	t.items[key] = elem
}

// SetNX stores the value only when key is absent or expired. Reports whether
// the value was stored. Atomic within this process.
func (t *FallbackTable) SetNX(key string, value []byte, ttl time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if elem, ok := t.items[key]; ok {
		ent := elem.Value.(*fallbackEntry)
		if !ent.expired(time.Now()) {
			return false
		}
		t.removeLocked(elem)
	}
	t.setLocked(key, value, ttl)
	return true
}

// Delete removes key. Reports whether it was present.
func (t *FallbackTable) Delete(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	elem, ok := t.items[key]
	if !ok {
		return false
	}
	t.removeLocked(elem)
	return true
}

// DeletePattern removes every live key matching re and returns the count.
func (t *FallbackTable) DeletePattern(re *regexp.Regexp) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	deleted := 0
	for elem := t.order.Front(); elem != nil; {
		next := elem.Next()
		ent := elem.Value.(*fallbackEntry)
		if re.MatchString(ent.key) {
			t.removeLocked(elem)
			deleted++
		}
		elem = next
	}
	return deleted
}

// Increment parses the stored value as a decimal integer, adds one and stores
// it back, keeping any existing expiry. Missing or expired keys start at zero
// with no expiry. Atomic within this process only; cross-process atomicity
// requires the networked backend.
func (t *FallbackTable) Increment(key string) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	var current int64
	expiresAt := time.Time{}

	if elem, ok := t.items[key]; ok {
		ent := elem.Value.(*fallbackEntry)
		if ent.expired(now) {
			t.removeLocked(elem)
		} else {
			val, err := strconv.ParseInt(string(ent.value), 10, 64)
			if err != nil {
				return 0, ErrValueNotInteger
			}
			current = val
			expiresAt = ent.expiresAt
		}
	}

	next := current + 1
	raw := []byte(strconv.FormatInt(next, 10))
	if elem, ok := t.items[key]; ok {
		ent := elem.Value.(*fallbackEntry)
		ent.value = raw
		ent.expiresAt = expiresAt
	} else {
		t.setLocked(key, raw, 0)
		if !expiresAt.IsZero() {
			t.items[key].Value.(*fallbackEntry).expiresAt = expiresAt
		}
	}
	return next, nil
}

// TTL reports the remaining lifetime of key. ok is false when the key is
// absent or expired; remaining is NoExpiry for keys without an expiry.
func (t *FallbackTable) TTL(key string) (time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	elem, ok := t.items[key]
	if !ok {
		return 0, false
	}
	ent := elem.Value.(*fallbackEntry)
	if ent.expiresAt.IsZero() {
		return NoExpiry, true
	}
	remain := time.Until(ent.expiresAt)
	if remain <= 0 {
		t.removeLocked(elem)
		return 0, false
	}
	return remain, true
}

// Expire resets the lifetime of an existing key. Reports whether the key was
// present.
func (t *FallbackTable) Expire(key string, ttl time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	elem, ok := t.items[key]
	if !ok {
		return false
	}
	ent := elem.Value.(*fallbackEntry)
	if ent.expired(time.Now()) {
		t.removeLocked(elem)
		return false
	}
	if ttl > 0 {
		ent.expiresAt = time.Now().Add(ttl)
	} else {
		ent.expiresAt = time.Time{}
	}
	return true
}

// Len returns the number of entries, expired ones included until swept.
func (t *FallbackTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.items)
}

// StartSweeper launches the periodic sweep. It stops when ctx is cancelled or
// StopSweeper is called.
func (t *FallbackTable) StartSweeper(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.cancel = cancel
	t.mu.Unlock()

	ticker := time.NewTicker(t.sweepInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if swept := t.Sweep(); swept > 0 {
					log.Printf("[SWEEP] removed %d expired fallback entries", swept)
				}
			}
		}
	}()
}

// StopSweeper stops the periodic sweep, if running.
func (t *FallbackTable) StopSweeper() {
	t.mu.Lock()
	cancel := t.cancel
	t.cancel = nil
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Sweep removes every expired entry and returns the count removed.
func (t *FallbackTable) Sweep() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	swept := 0
	for elem := t.order.Front(); elem != nil; {
		next := elem.Next()
		if elem.Value.(*fallbackEntry).expired(now) {
			t.removeLocked(elem)
			swept++
		}
		elem = next
	}
	return swept
}

func (t *FallbackTable) removeLocked(elem *list.Element) {
	ent := elem.Value.(*fallbackEntry)
	t.order.Remove(elem)
	delete(t.items, ent.key)
}
