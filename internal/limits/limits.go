// Package limits builds the bot's cooldown, rate-limit, spam and duplicate
// trackers on top of the shared cache. Every operation fails open: when the
// backend misbehaves the user action is permitted, because a missed rate limit
// is judged less harmful than locking every user out while the store is
// degraded.
package limits

import (
	"context"
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"log"
	"strings"
	"time"

	"github.com/alG-N/alterGoldenBot-sub007/internal/cache"
)

// DefaultWarnTTL is how long automod warn counters persist.
const DefaultWarnTTL = time.Hour

// CooldownStatus is the result of a cooldown check.
type CooldownStatus struct {
	OnCooldown bool
	Remaining  time.Duration
}

// RateStatus is the result of a rate-limit check.
type RateStatus struct {
	Allowed   bool
	Remaining int
	ResetIn   time.Duration
}

// DuplicateStatus is the result of a duplicate-content check.
type DuplicateStatus struct {
	Count int64
	IsNew bool
}

// Limiter exposes the counter-based moderation primitives.
type Limiter struct {
	store *cache.Store
	debug bool
}

// New creates a Limiter over the shared store.
func New(store *cache.Store) *Limiter {
	return &Limiter{store: store}
}

// SetDebug enables verbose logging of fail-open decisions.
func (l *Limiter) SetDebug(debug bool) { l.debug = debug }

func (l *Limiter) debugf(format string, args ...any) {
	if l.debug {
		log.Printf(format, args...)
	}
}

// CheckAndSetCooldown atomically starts a cooldown for (scope, id) when none
// is active. An active cooldown is reported with its remaining time and is
// never reset by the check.
func (l *Limiter) CheckAndSetCooldown(ctx context.Context, scope, id string, duration time.Duration) CooldownStatus {
	key := fmt.Sprintf("cooldown:%s:%s", scope, id)

	if l.store.SetNX(ctx, key, []byte("1"), duration) {
		return CooldownStatus{OnCooldown: false}
	}

	remaining, ok := l.store.TTL(ctx, key)
	if !ok || remaining <= 0 {
		// The cooldown expired between the SetNX and the TTL read, or the
		// backend lost the key. Fail open.
		l.debugf("[LIMITS] cooldown %s raced its own expiry, failing open", key)
		return CooldownStatus{OnCooldown: false}
	}
	return CooldownStatus{OnCooldown: true, Remaining: remaining}
}

// CheckRateLimit counts a hit against key's window and reports whether it is
// still within limit. The window's expiry is armed on the first hit only.
func (l *Limiter) CheckRateLimit(ctx context.Context, key string, limit int, window time.Duration) RateStatus {
	counterKey := "ratelimit:" + key

	count, err := l.store.Increment(ctx, counterKey)
	if err != nil {
		log.Printf("[LIMITS] rate-limit increment failed for %s, failing open: %v", counterKey, err)
		return RateStatus{Allowed: true, Remaining: limit, ResetIn: window}
	}

	resetIn, ok := l.store.TTL(ctx, counterKey)
	if !ok || resetIn == cache.NoExpiry {
		// First hit of the window: INCR created the key without an expiry.
		l.store.Expire(ctx, counterKey, window)
		resetIn = window
	}

	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return RateStatus{
		Allowed:   count <= int64(limit),
		Remaining: remaining,
		ResetIn:   resetIn,
	}
}

// TrackSpamMessage counts a message from userID in guildID against a sliding
// window: every message pushes the expiry out again. Callers compare the
// returned count against their threshold.
func (l *Limiter) TrackSpamMessage(ctx context.Context, guildID, userID string, window time.Duration) int64 {
	key := fmt.Sprintf("spam:%s:%s", guildID, userID)

	count, err := l.store.Increment(ctx, key)
	if err != nil {
		log.Printf("[LIMITS] spam increment failed for %s, failing open: %v", key, err)
		return 0
	}
	l.store.Expire(ctx, key, window)
	return count
}

// TrackDuplicateMessage hashes the normalized content and counts consecutive
// repeats. New content resets the streak to 1. Raw content is never stored.
func (l *Limiter) TrackDuplicateMessage(ctx context.Context, guildID, userID, content string, window time.Duration) DuplicateStatus {
	hashKey := fmt.Sprintf("dup:%s:%s:hash", guildID, userID)
	countKey := fmt.Sprintf("dup:%s:%s:count", guildID, userID)

	digest := contentHash(content)

	prev, ok := l.store.Get(ctx, hashKey)
	if !ok || string(prev) != digest {
		l.store.Set(ctx, hashKey, []byte(digest), window)
		l.store.Delete(ctx, countKey)
		count, err := l.store.Increment(ctx, countKey)
		if err != nil {
			log.Printf("[LIMITS] duplicate counter reset failed for %s: %v", countKey, err)
			count = 1
		}
		l.store.Expire(ctx, countKey, window)
		return DuplicateStatus{Count: count, IsNew: true}
	}

	count, err := l.store.Increment(ctx, countKey)
	if err != nil {
		log.Printf("[LIMITS] duplicate increment failed for %s, failing open: %v", countKey, err)
		return DuplicateStatus{Count: 1, IsNew: true}
	}
	l.store.Expire(ctx, hashKey, window)
	l.store.Expire(ctx, countKey, window)
	return DuplicateStatus{Count: count, IsNew: false}
}

// AddWarn increments the automod warn counter for userID in guildID and
// returns the new total. Warns age out after DefaultWarnTTL.
func (l *Limiter) AddWarn(ctx context.Context, guildID, userID string) int64 {
	key := fmt.Sprintf("automod:warn:%s:%s", guildID, userID)

	count, err := l.store.Increment(ctx, key)
	if err != nil {
		log.Printf("[LIMITS] warn increment failed for %s: %v", key, err)
		return 0
	}
	if ttl, ok := l.store.TTL(ctx, key); !ok || ttl == cache.NoExpiry {
		l.store.Expire(ctx, key, DefaultWarnTTL)
	}
	return count
}

// GetWarns returns the current warn count for userID in guildID.
func (l *Limiter) GetWarns(ctx context.Context, guildID, userID string) int64 {
	key := fmt.Sprintf("automod:warn:%s:%s", guildID, userID)
	n, _ := l.store.GetCounter(ctx, key)
	return n
}

// ClearWarns resets the warn counter.
func (l *Limiter) ClearWarns(ctx context.Context, guildID, userID string) {
	l.store.Delete(ctx, fmt.Sprintf("automod:warn:%s:%s", guildID, userID))
}

// contentHash returns the FNV-1a 64 digest of lower-cased, trimmed content.
func contentHash(content string) string {
	h := fnv.New64a()
	h.Write([]byte(strings.ToLower(strings.TrimSpace(content))))
	return hex.EncodeToString(h.Sum(nil))
}
