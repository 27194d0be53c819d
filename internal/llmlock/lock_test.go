package llmlock_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tributary/internal/llmlock"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestStartsUnlocked(t *testing.T) {
	l := llmlock.NewMemoryLock()
	st, err := l.Status(context.Background())
	require.NoError(t, err)
	assert.False(t, st.Locked)
	assert.Nil(t, st.ExpiresAt)
}

func TestConcurrentAcquireExactlyOneWins(t *testing.T) {
	l := llmlock.NewMemoryLock()
	ctx := context.Background()

	const contenders = 16
	var wins atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for range contenders {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, _, err := l.Acquire(ctx, time.Minute); err == nil {
				wins.Add(1)
			} else {
				assert.ErrorIs(t, err, llmlock.ErrHeld)
			}
		}()
	}
	close(start)
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestAcquireWhileHeldReturnsCurrentState(t *testing.T) {
	clock := newFakeClock()
	l := llmlock.NewMemoryLock(llmlock.WithClock(clock.Now))
	ctx := context.Background()

	tok, st, err := l.Acquire(ctx, 10*time.Second)
	require.NoError(t, err)
	require.NotEmpty(t, tok)
	require.True(t, st.Locked)
	expires := *st.ExpiresAt

	_, st, err = l.Acquire(ctx, time.Hour)
	assert.ErrorIs(t, err, llmlock.ErrHeld)
	assert.True(t, st.Locked)
	assert.Equal(t, expires, *st.ExpiresAt, "a failed acquire must not extend the lock")
}

func TestExpiredLockCanBeReacquiredWithoutRelease(t *testing.T) {
	clock := newFakeClock()
	l := llmlock.NewMemoryLock(llmlock.WithClock(clock.Now))
	ctx := context.Background()

	first, _, err := l.Acquire(ctx, 5*time.Second)
	require.NoError(t, err)

	clock.Advance(5 * time.Second)
	st, _ := l.Status(ctx)
	assert.True(t, st.Locked, "still live at exactly expires_at")

	clock.Advance(time.Millisecond)
	st, _ = l.Status(ctx)
	assert.False(t, st.Locked, "expired lock reads as unlocked")

	second, _, err := l.Acquire(ctx, 5*time.Second)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	// The stale owner can no longer release the new holder's lock.
	_, err = l.Release(ctx, first)
	assert.ErrorIs(t, err, llmlock.ErrNotOwner)
}

func TestReleaseRules(t *testing.T) {
	clock := newFakeClock()
	l := llmlock.NewMemoryLock(llmlock.WithClock(clock.Now))
	ctx := context.Background()

	tok, _, err := l.Acquire(ctx, time.Minute)
	require.NoError(t, err)

	st, err := l.Release(ctx, "someone-else")
	assert.ErrorIs(t, err, llmlock.ErrNotOwner)
	assert.True(t, st.Locked)

	st, err = l.Release(ctx, tok)
	require.NoError(t, err)
	assert.False(t, st.Locked)

	// Anyone may release an expired lock.
	_, _, err = l.Acquire(ctx, time.Second)
	require.NoError(t, err)
	clock.Advance(2 * time.Second)
	_, err = l.Release(ctx, "")
	assert.NoError(t, err)
}

func TestSetSurface(t *testing.T) {
	l := llmlock.NewMemoryLock()
	ctx := context.Background()

	res, err := llmlock.Set(ctx, l, true, 0, "")
	require.NoError(t, err)
	require.NotEmpty(t, res.Token)
	assert.True(t, res.State.Locked)
	assert.InDelta(t, llmlock.DefaultTTL.Seconds(), res.State.RemainingSeconds, 1)

	_, err = llmlock.Set(ctx, l, true, time.Second, "")
	assert.ErrorIs(t, err, llmlock.ErrHeld)

	_, err = llmlock.Set(ctx, l, false, 0, "wrong")
	assert.ErrorIs(t, err, llmlock.ErrNotOwner)

	res, err = llmlock.Set(ctx, l, false, 0, res.Token)
	require.NoError(t, err)
	assert.False(t, res.State.Locked)
}

func TestWaitUnlocked(t *testing.T) {
	ctx := context.Background()
	l := llmlock.NewMemoryLock()

	free, err := llmlock.WaitUnlocked(ctx, l, 0, 0)
	require.NoError(t, err)
	assert.True(t, free)

	tok, _, err := l.Acquire(ctx, time.Minute)
	require.NoError(t, err)

	free, _ = llmlock.WaitUnlocked(ctx, l, 20*time.Millisecond, 5*time.Millisecond)
	assert.False(t, free, "gives up after maxWait")

	go func() {
		time.Sleep(15 * time.Millisecond)
		_, _ = l.Release(ctx, tok)
	}()
	free, err = llmlock.WaitUnlocked(ctx, l, time.Second, 5*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, free)
}
