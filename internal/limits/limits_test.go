package limits

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alG-N/alterGoldenBot-sub007/internal/cache"
)

func newLimiter(t *testing.T) *Limiter {
	l, _ := newLimiterWithStore(t)
	return l
}

func newLimiterWithStore(t *testing.T) (*Limiter, *cache.Store) {
	t.Helper()
	store := cache.New(nil, cache.Options{})
	store.Start(context.Background())
	t.Cleanup(store.Stop)
	return New(store), store
}

func TestCooldownSetThenHeld(t *testing.T) {
	l := newLimiter(t)
	ctx := context.Background()

	first := l.CheckAndSetCooldown(ctx, "ban", "user-1", time.Minute)
	require.False(t, first.OnCooldown, "first check must start the cooldown")

	second := l.CheckAndSetCooldown(ctx, "ban", "user-1", time.Minute)
	require.True(t, second.OnCooldown, "second check must report the active cooldown")
	assert.Greater(t, second.Remaining, time.Duration(0))
	assert.LessOrEqual(t, second.Remaining, time.Minute)
}

func TestCooldownDoesNotResetOnCheck(t *testing.T) {
	l := newLimiter(t)
	ctx := context.Background()

	l.CheckAndSetCooldown(ctx, "kick", "user-2", 80*time.Millisecond)
	time.Sleep(40 * time.Millisecond)

	mid := l.CheckAndSetCooldown(ctx, "kick", "user-2", 80*time.Millisecond)
	require.True(t, mid.OnCooldown)
	assert.LessOrEqual(t, mid.Remaining, 50*time.Millisecond, "checking must not extend the cooldown")

	time.Sleep(60 * time.Millisecond)

	after := l.CheckAndSetCooldown(ctx, "kick", "user-2", 80*time.Millisecond)
	assert.False(t, after.OnCooldown, "cooldown must expire on schedule")
}

func TestCooldownScopesAreIndependent(t *testing.T) {
	l := newLimiter(t)
	ctx := context.Background()

	l.CheckAndSetCooldown(ctx, "ban", "user-3", time.Minute)
	other := l.CheckAndSetCooldown(ctx, "mute", "user-3", time.Minute)
	assert.False(t, other.OnCooldown, "different command scope must not share the cooldown")
}

func TestRateLimitWindow(t *testing.T) {
	l := newLimiter(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		st := l.CheckRateLimit(ctx, "api:guild-1", 3, 10*time.Second)
		require.True(t, st.Allowed, "call %d should be allowed", i)
		assert.Equal(t, 3-i, st.Remaining)
	}

	fourth := l.CheckRateLimit(ctx, "api:guild-1", 3, 10*time.Second)
	require.False(t, fourth.Allowed, "4th call in the window must be denied")
	assert.Equal(t, 0, fourth.Remaining)
	assert.Greater(t, fourth.ResetIn, time.Duration(0))

	fifth := l.CheckRateLimit(ctx, "api:guild-1", 3, 10*time.Second)
	assert.False(t, fifth.Allowed)
	assert.Equal(t, 0, fifth.Remaining)
}

func TestRateLimitWindowResets(t *testing.T) {
	l := newLimiter(t)
	ctx := context.Background()

	l.CheckRateLimit(ctx, "burst", 1, 50*time.Millisecond)
	denied := l.CheckRateLimit(ctx, "burst", 1, 50*time.Millisecond)
	require.False(t, denied.Allowed)

	time.Sleep(80 * time.Millisecond)

	again := l.CheckRateLimit(ctx, "burst", 1, 50*time.Millisecond)
	assert.True(t, again.Allowed, "new window must start after expiry")
	assert.Equal(t, 0, again.Remaining)
}

func TestTrackSpamSlidingWindow(t *testing.T) {
	l := newLimiter(t)
	ctx := context.Background()

	assert.Equal(t, int64(1), l.TrackSpamMessage(ctx, "g1", "u1", 5*time.Second))
	assert.Equal(t, int64(2), l.TrackSpamMessage(ctx, "g1", "u1", 5*time.Second))
	assert.Equal(t, int64(3), l.TrackSpamMessage(ctx, "g1", "u1", 5*time.Second))

	// Separate user tracks separately.
	assert.Equal(t, int64(1), l.TrackSpamMessage(ctx, "g1", "u2", 5*time.Second))
}

func TestTrackDuplicateMessage(t *testing.T) {
	l := newLimiter(t)
	ctx := context.Background()

	first := l.TrackDuplicateMessage(ctx, "g1", "u1", "hello", 30*time.Second)
	assert.Equal(t, int64(1), first.Count)
	assert.True(t, first.IsNew)

	second := l.TrackDuplicateMessage(ctx, "g1", "u1", "hello", 30*time.Second)
	assert.Equal(t, int64(2), second.Count)
	assert.False(t, second.IsNew)

	third := l.TrackDuplicateMessage(ctx, "g1", "u1", "world", 30*time.Second)
	assert.Equal(t, int64(1), third.Count)
	assert.True(t, third.IsNew)
}

func TestTrackDuplicateNormalizesContent(t *testing.T) {
	l := newLimiter(t)
	ctx := context.Background()

	l.TrackDuplicateMessage(ctx, "g1", "u1", "Hello World", 30*time.Second)
	repeat := l.TrackDuplicateMessage(ctx, "g1", "u1", "  hello world  ", 30*time.Second)
	assert.False(t, repeat.IsNew, "case and surrounding whitespace must not defeat detection")
	assert.Equal(t, int64(2), repeat.Count)
}

func TestRateLimitFailsOpenOnCounterError(t *testing.T) {
	l, store := newLimiterWithStore(t)
	ctx := context.Background()

	// A corrupted counter makes every increment error out; the user action
	// must be permitted, not blocked.
	store.Fallback().Set("ratelimit:bad", []byte("x"), 0)

	st := l.CheckRateLimit(ctx, "bad", 3, 10*time.Second)
	require.True(t, st.Allowed, "a failing counter must not deny the action")
	assert.Equal(t, 3, st.Remaining)
	assert.Equal(t, 10*time.Second, st.ResetIn)
}

func TestTrackSpamFailsOpenOnCounterError(t *testing.T) {
	l, store := newLimiterWithStore(t)
	ctx := context.Background()

	store.Fallback().Set("spam:g1:u1", []byte("x"), 0)

	count := l.TrackSpamMessage(ctx, "g1", "u1", 5*time.Second)
	assert.Equal(t, int64(0), count, "a failing counter must read as no spam")
}

func TestTrackDuplicateFailsOpenOnCounterError(t *testing.T) {
	l, store := newLimiterWithStore(t)
	ctx := context.Background()

	first := l.TrackDuplicateMessage(ctx, "g1", "u1", "hello", 30*time.Second)
	require.True(t, first.IsNew)

	// Corrupt the streak counter between two identical messages.
	store.Fallback().Set("dup:g1:u1:count", []byte("x"), 0)

	repeat := l.TrackDuplicateMessage(ctx, "g1", "u1", "hello", 30*time.Second)
	assert.True(t, repeat.IsNew, "a failing counter must not flag a duplicate")
	assert.Equal(t, int64(1), repeat.Count)
}

func TestWarnCounter(t *testing.T) {
	l := newLimiter(t)
	ctx := context.Background()

	assert.Equal(t, int64(0), l.GetWarns(ctx, "g1", "u1"))
	assert.Equal(t, int64(1), l.AddWarn(ctx, "g1", "u1"))
	assert.Equal(t, int64(2), l.AddWarn(ctx, "g1", "u1"))
	assert.Equal(t, int64(2), l.GetWarns(ctx, "g1", "u1"))

	l.ClearWarns(ctx, "g1", "u1")
	assert.Equal(t, int64(0), l.GetWarns(ctx, "g1", "u1"))
}
