package llmlock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryLock is the single-process backend. All transitions happen under
// one mutex, which makes acquire and release compare-and-swap operations.
type MemoryLock struct {
	mu        sync.Mutex
	locked    bool
	expiresAt time.Time
	owner     string
	now       func() time.Time
}

// Option configures a MemoryLock.
type Option func(*MemoryLock)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *MemoryLock) { l.now = now }
}

// NewMemoryLock returns an unlocked lock.
func NewMemoryLock(opts ...Option) *MemoryLock {
	l := &MemoryLock{now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *MemoryLock) live(now time.Time) bool {
	return l.locked && !now.After(l.expiresAt)
}

func (l *MemoryLock) stateLocked(now time.Time) State {
	if !l.live(now) {
		return State{}
	}
	return liveState(l.expiresAt, now)
}

func (l *MemoryLock) Acquire(_ context.Context, ttl time.Duration) (string, State, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if l.live(now) {
		return "", l.stateLocked(now), ErrHeld
	}
	l.locked = true
	l.expiresAt = now.Add(ttl)
	l.owner = uuid.NewString()
	return l.owner, l.stateLocked(now), nil
}

func (l *MemoryLock) Release(_ context.Context, token string) (State, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if l.live(now) && token != l.owner {
		return l.stateLocked(now), ErrNotOwner
	}
	l.locked = false
	l.expiresAt = time.Time{}
	l.owner = ""
	return State{}, nil
}

func (l *MemoryLock) Status(_ context.Context) (State, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stateLocked(l.now()), nil
}
