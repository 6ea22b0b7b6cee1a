package cache

import (
	"bytes"
	"context"
	"errors"
	"path"
	"strconv"
	"sync"
	"testing"
	"time"
)

// fakeRedis is an in-memory RedisClient with a switchable outage mode.
type fakeRedis struct {
	mu      sync.Mutex
	values  map[string][]byte
	expiry  map[string]time.Time
	failing bool
}

var errFakeDown = errors.New("connection refused")

func newFakeRedis() *fakeRedis {
	return &fakeRedis{
		values: make(map[string][]byte),
		expiry: make(map[string]time.Time),
	}
}

func (f *fakeRedis) setFailing(failing bool) {
	f.mu.Lock()
	f.failing = failing
	f.mu.Unlock()
}

func (f *fakeRedis) liveLocked(key string) bool {
	exp, ok := f.expiry[key]
	if ok && time.Now().After(exp) {
		delete(f.values, key)
		delete(f.expiry, key)
		return false
	}
	_, ok = f.values[key]
	return ok
}

func (f *fakeRedis) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return errFakeDown
	}
	return nil
}

func (f *fakeRedis) Get(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return nil, errFakeDown
	}
	if !f.liveLocked(key) {
		return nil, ErrKeyNotFound
	}
	return f.values[key], nil
}

func (f *fakeRedis) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return errFakeDown
	}
	f.values[key] = value
	if ttl > 0 {
		f.expiry[key] = time.Now().Add(ttl)
	} else {
		delete(f.expiry, key)
	}
	return nil
}

func (f *fakeRedis) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return false, errFakeDown
	}
	if f.liveLocked(key) {
		return false, nil
	}
	f.values[key] = value
	if ttl > 0 {
		f.expiry[key] = time.Now().Add(ttl)
	}
	return true, nil
}

func (f *fakeRedis) Del(_ context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return errFakeDown
	}
	for _, k := range keys {
		delete(f.values, k)
		delete(f.expiry, k)
	}
	return nil
}

func (f *fakeRedis) ScanDelete(_ context.Context, pattern string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return 0, errFakeDown
	}
	deleted := 0
	for k := range f.values {
		if ok, _ := path.Match(pattern, k); ok {
			delete(f.values, k)
			delete(f.expiry, k)
			deleted++
		}
	}
	return deleted, nil
}

func (f *fakeRedis) Incr(_ context.Context, key string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return 0, errFakeDown
	}
	var current int64
	if f.liveLocked(key) {
		n, err := strconv.ParseInt(string(f.values[key]), 10, 64)
		if err != nil {
			return 0, ErrValueNotInteger
		}
		current = n
	}
	current++
	f.values[key] = []byte(strconv.FormatInt(current, 10))
	return current, nil
}

func (f *fakeRedis) PTTL(_ context.Context, key string) (time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return 0, errFakeDown
	}
	if !f.liveLocked(key) {
		return 0, ErrKeyNotFound
	}
	exp, ok := f.expiry[key]
	if !ok {
		return NoExpiry, nil
	}
	return time.Until(exp), nil
}

func (f *fakeRedis) Expire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return false, errFakeDown
	}
	if !f.liveLocked(key) {
		return false, nil
	}
	f.expiry[key] = time.Now().Add(ttl)
	return true, nil
}

func startedStore(t *testing.T, rdb RedisClient) *Store {
	t.Helper()
	s := New(rdb, Options{PingInterval: time.Hour})
	s.Start(context.Background())
	t.Cleanup(s.Stop)
	return s
}

func TestStoreSetGetRoundTrip(t *testing.T) {
	s := startedStore(t, newFakeRedis())
	ctx := context.Background()

	if err := s.Set(ctx, "guild:1:settings", []byte(`{"prefix":"!"}`), time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, ok := s.Get(ctx, "guild:1:settings")
	if !ok || string(got) != `{"prefix":"!"}` {
		t.Fatalf("unexpected get result: %q ok=%v", got, ok)
	}
}

func TestStoreTTLExpiry(t *testing.T) {
	s := startedStore(t, newFakeRedis())
	ctx := context.Background()

	s.Set(ctx, "temp", []byte("v"), 30*time.Millisecond)
	if _, ok := s.Get(ctx, "temp"); !ok {
		t.Fatalf("expected key present before TTL")
	}

	time.Sleep(60 * time.Millisecond)

	if _, ok := s.Get(ctx, "temp"); ok {
		t.Fatalf("expected key expired after TTL")
	}
}

func TestStoreDegradesToFallbackOnOutage(t *testing.T) {
	fake := newFakeRedis()
	s := startedStore(t, fake)
	ctx := context.Background()

	if !s.Available() {
		t.Fatalf("expected store available after start")
	}
	s.Set(ctx, "k", []byte("written-before-outage"), time.Minute)

	// Write-through means the value survives the backend going away.
	fake.setFailing(true)
	got, ok := s.Get(ctx, "k")
	if !ok || string(got) != "written-before-outage" {
		t.Fatalf("expected fallback to serve the write-through copy, got %q ok=%v", got, ok)
	}
	if s.Available() {
		t.Fatalf("expected store degraded after backend error")
	}

	// Degraded mode still accepts writes.
	if err := s.Set(ctx, "k2", []byte("v2"), time.Minute); err != nil {
		t.Fatalf("degraded set returned error: %v", err)
	}
	if got, ok := s.Get(ctx, "k2"); !ok || string(got) != "v2" {
		t.Fatalf("degraded get: %q ok=%v", got, ok)
	}
}

func TestStoreFallbackOnlyWhenNoBackend(t *testing.T) {
	s := startedStore(t, nil)
	ctx := context.Background()

	if s.Available() {
		t.Fatalf("nil backend must never be available")
	}
	s.Set(ctx, "k", []byte("v"), time.Minute)
	if got, ok := s.Get(ctx, "k"); !ok || string(got) != "v" {
		t.Fatalf("fallback-only get: %q ok=%v", got, ok)
	}
}

func TestStoreIncrementAtomicity(t *testing.T) {
	s := startedStore(t, newFakeRedis())
	ctx := context.Background()

	const goroutines = 16
	const perG = 50
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		go func() {
			defer wg.Done()
			for i := 0; i < perG; i++ {
				if _, err := s.Increment(ctx, "ratelimit:global"); err != nil {
					t.Errorf("increment: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	n, ok := s.GetCounter(ctx, "ratelimit:global")
	if !ok || n != goroutines*perG {
		t.Fatalf("expected counter %d, got %d ok=%v", goroutines*perG, n, ok)
	}
}

func TestStoreDeletePatternGlob(t *testing.T) {
	s := startedStore(t, newFakeRedis())
	ctx := context.Background()

	s.Set(ctx, "lockdown:42:100", []byte("a"), 0)
	s.Set(ctx, "lockdown:42:101", []byte("b"), 0)
	s.Set(ctx, "lockdown:7:100", []byte("c"), 0)

	if n := s.DeletePattern(ctx, "lockdown:42:*"); n != 2 {
		t.Fatalf("expected 2 deletions, got %d", n)
	}
	if _, ok := s.Get(ctx, "lockdown:7:100"); !ok {
		t.Fatalf("unrelated key deleted")
	}
}

func TestStoreJSONHelpers(t *testing.T) {
	s := startedStore(t, newFakeRedis())
	ctx := context.Background()

	type rec struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}
	if err := s.SetJSON(ctx, "r", rec{Name: "x", Count: 3}, time.Minute); err != nil {
		t.Fatalf("setjson: %v", err)
	}
	var out rec
	if !s.GetJSON(ctx, "r", &out) {
		t.Fatalf("getjson miss")
	}
	if out.Name != "x" || out.Count != 3 {
		t.Fatalf("roundtrip mismatch: %+v", out)
	}
}

func TestStoreSetNXSemantics(t *testing.T) {
	s := startedStore(t, newFakeRedis())
	ctx := context.Background()

	if !s.SetNX(ctx, "cooldown:ban:1", []byte("1"), time.Minute) {
		t.Fatalf("expected first SetNX to store")
	}
	if s.SetNX(ctx, "cooldown:ban:1", []byte("1"), time.Minute) {
		t.Fatalf("expected second SetNX refused")
	}
	if d, ok := s.TTL(ctx, "cooldown:ban:1"); !ok || d <= 0 {
		t.Fatalf("expected positive remaining TTL, d=%v ok=%v", d, ok)
	}
}

func TestCodecRoundTrip(t *testing.T) {
	small := []byte("short value")
	big := bytes.Repeat([]byte("abcdefgh"), 512) // well past the threshold

	for _, raw := range [][]byte{small, big} {
		framed := encodeValue(raw)
		back, err := decodeValue(framed)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if !bytes.Equal(back, raw) {
			t.Fatalf("codec roundtrip mismatch for %d bytes", len(raw))
		}
	}

	if framed := encodeValue(big); framed[0] != codecSnappy {
		t.Fatalf("expected large value compressed")
	}
	if framed := encodeValue(small); framed[0] != codecRaw {
		t.Fatalf("expected small value stored raw")
	}
}
