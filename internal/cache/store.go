package cache

import (
	"context"
	"log"
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
)

const defaultPingInterval = 10 * time.Second

// RedisClient is the subset of the networked backend the store relies on.
// The daemon injects a go-redis adapter; tests inject in-memory fakes.
type RedisClient interface {
	Ping(ctx context.Context) error
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
	ScanDelete(ctx context.Context, pattern string) (int, error)
	Incr(ctx context.Context, key string) (int64, error)
	PTTL(ctx context.Context, key string) (time.Duration, error)
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// Options configures a Store.
type Options struct {
	FallbackCapacity int
	SweepInterval    time.Duration
	PingInterval     time.Duration
	Debug            bool
}

// Store is the shared key/value cache. Every write goes to the networked
// backend and to the in-process fallback table; reads prefer the network while
// it is reachable and degrade to the fallback without surfacing availability
// errors to callers.
//
// Counter keys (Increment, GetCounter) hold bare decimal strings so the
// backend's native INCR stays usable; framed values and counters must not
// share a key.
type Store struct {
	rdb      RedisClient
	fallback *FallbackTable

	available    atomic.Bool
	pingInterval time.Duration
	cancel       context.CancelFunc
	debug        bool
}

// New creates a Store. rdb may be nil, which pins the store to fallback-only
// operation (used by tests and local development).
func New(rdb RedisClient, opts Options) *Store {
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	s := &Store{
		rdb:          rdb,
		fallback:     NewFallbackTable(opts.FallbackCapacity, opts.SweepInterval),
		pingInterval: opts.PingInterval,
		debug:        opts.Debug,
	}
	return s
}

// Fallback exposes the in-process table, mainly for tests and stats.
func (s *Store) Fallback() *FallbackTable { return s.fallback }

// Available reports whether the networked backend is currently usable.
func (s *Store) Available() bool { return s.available.Load() }

// Start launches the fallback sweeper and the backend ping loop. The initial
// availability check happens synchronously so callers see the right mode
// immediately after Start.
func (s *Store) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.fallback.StartSweeper(ctx)

	if s.rdb == nil {
		log.Printf("[CACHE] no networked backend configured, running fallback-only")
		return
	}

	s.probe(ctx)
	go func() {
		ticker := time.NewTicker(s.pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.probe(ctx)
			}
		}
	}()
}

// Stop halts the sweeper and ping loop.
func (s *Store) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.fallback.StopSweeper()
}

func (s *Store) probe(ctx context.Context) {
	if err := s.rdb.Ping(ctx); err != nil {
		s.markDown(err)
		return
	}
	if s.available.CompareAndSwap(false, true) {
		log.Printf("[CACHE] networked backend reachable, leaving degraded mode")
	}
}

func (s *Store) markDown(err error) {
	metricBackendErrors.Inc()
	if s.available.CompareAndSwap(true, false) {
		log.Printf("[CACHE] networked backend unavailable, degrading to local fallback: %v", err)
	} else {
		s.debugf("[CACHE] backend error while degraded: %v", err)
	}
}

func (s *Store) debugf(format string, args ...any) {
	if s.debug {
		log.Printf(format, args...)
	}
}

// Get returns the value stored under key, or ok=false when absent or expired.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool) {
	if key == "" {
		return nil, false
	}
	if s.available.Load() {
		framed, err := s.rdb.Get(ctx, key)
		switch {
		case err == nil:
			raw, derr := decodeValue(framed)
			if derr != nil {
				log.Printf("[CACHE] dropping undecodable value for %q: %v", key, derr)
				return nil, false
			}
			metricRequests.WithLabelValues("redis", "hit").Inc()
			return raw, true
		case err == ErrKeyNotFound:
			metricRequests.WithLabelValues("redis", "miss").Inc()
			return nil, false
		default:
			s.markDown(err)
		}
	}

	framed, ok := s.fallback.Get(key)
	if !ok {
		metricRequests.WithLabelValues("fallback", "miss").Inc()
		return nil, false
	}
	raw, err := decodeValue(framed)
	if err != nil {
		log.Printf("[CACHE] dropping undecodable fallback value for %q: %v", key, err)
		return nil, false
	}
	metricRequests.WithLabelValues("fallback", "hit").Inc()
	return raw, true
}

// GetJSON unmarshals the value stored under key into dest.
func (s *Store) GetJSON(ctx context.Context, key string, dest any) bool {
	raw, ok := s.Get(ctx, key)
	if !ok {
		return false
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		log.Printf("[CACHE] dropping unparsable record for %q: %v", key, err)
		return false
	}
	return true
}

// Set writes key to both backends so a later outage does not lose keys still
// within TTL. Backend errors degrade the store; they are never returned.
func (s *Store) Set(ctx context.Context, key string, raw []byte, ttl time.Duration) error {
	if key == "" {
		return ErrEmptyKey
	}
	framed := encodeValue(raw)
	s.fallback.Set(key, framed, ttl)
	metricWrites.WithLabelValues("fallback").Inc()

	if s.available.Load() {
		if err := s.rdb.Set(ctx, key, framed, ttl); err != nil {
			s.markDown(err)
		} else {
			metricWrites.WithLabelValues("redis").Inc()
		}
	}
	return nil
}

// SetJSON marshals value and stores it under key.
func (s *Store) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return s.Set(ctx, key, raw, ttl)
}

// SetNX stores the value only when key is absent. Reports whether the value
// was stored. Cluster-wide atomic when the backend is up; per-process atomic
// otherwise.
func (s *Store) SetNX(ctx context.Context, key string, raw []byte, ttl time.Duration) bool {
	if key == "" {
		return false
	}
	framed := encodeValue(raw)
	if s.available.Load() {
		ok, err := s.rdb.SetNX(ctx, key, framed, ttl)
		if err == nil {
			if ok {
				s.fallback.Set(key, framed, ttl)
			}
			return ok
		}
		s.markDown(err)
	}
	return s.fallback.SetNX(key, framed, ttl)
}

// Delete removes key from both backends.
func (s *Store) Delete(ctx context.Context, key string) {
	if key == "" {
		return
	}
	s.fallback.Delete(key)
	if s.available.Load() {
		if err := s.rdb.Del(ctx, key); err != nil {
			s.markDown(err)
		}
	}
}

// DeletePattern removes every key matching the glob (only * wildcards) and
// returns the number removed from whichever backend served the call.
func (s *Store) DeletePattern(ctx context.Context, glob string) int {
	re := globToRegexp(glob)
	deleted := s.fallback.DeletePattern(re)
	if s.available.Load() {
		n, err := s.rdb.ScanDelete(ctx, glob)
		if err != nil {
			s.markDown(err)
		} else {
			deleted = n
		}
	}
	return deleted
}

// Increment atomically adds one to the counter at key and returns the new
// value. Cluster-wide atomic via native INCR when the backend is up; falls
// back to per-process atomicity when the backend is down.
func (s *Store) Increment(ctx context.Context, key string) (int64, error) {
	if key == "" {
		return 0, ErrEmptyKey
	}
	if s.available.Load() {
		n, err := s.rdb.Incr(ctx, key)
		if err == nil {
			return n, nil
		}
		s.markDown(err)
	}
	return s.fallback.Increment(key)
}

// GetCounter reads a counter written by Increment.
func (s *Store) GetCounter(ctx context.Context, key string) (int64, bool) {
	if s.available.Load() {
		raw, err := s.rdb.Get(ctx, key)
		switch {
		case err == nil:
			n, perr := strconv.ParseInt(string(raw), 10, 64)
			if perr != nil {
				return 0, false
			}
			return n, true
		case err == ErrKeyNotFound:
			return 0, false
		default:
			s.markDown(err)
		}
	}
	raw, ok := s.fallback.Get(key)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// TTL reports the remaining lifetime of key. ok is false when the key does
// not exist; NoExpiry means the key has no expiry set.
func (s *Store) TTL(ctx context.Context, key string) (time.Duration, bool) {
	if s.available.Load() {
		d, err := s.rdb.PTTL(ctx, key)
		switch {
		case err == nil:
			return d, true
		case err == ErrKeyNotFound:
			return 0, false
		default:
			s.markDown(err)
		}
	}
	return s.fallback.TTL(key)
}

// Expire resets the lifetime of an existing key.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) bool {
	ok := s.fallback.Expire(key, ttl)
	if s.available.Load() {
		rok, err := s.rdb.Expire(ctx, key, ttl)
		if err != nil {
			s.markDown(err)
		} else {
			ok = rok
		}
	}
	return ok
}

// globToRegexp translates a *-wildcard glob into an anchored regexp for the
// fallback table.
func globToRegexp(glob string) *regexp.Regexp {
	parts := strings.Split(glob, "*")
	for i, p := range parts {
		parts[i] = regexp.QuoteMeta(p)
	}
	return regexp.MustCompile("^" + strings.Join(parts, ".*") + "$")
}
