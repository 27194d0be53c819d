// Package llmlock is the TTL-bounded mutual exclusion over the shared LLM.
//
// An external agent takes the lock when it needs the model to itself; the
// indexer's LLM-backed stages check it before every call and stand down
// while it is live. Expiry is evaluated when the lock is read, so a holder
// that crashes releases it implicitly once its TTL runs out.
package llmlock

import (
	"context"
	"errors"
	"time"
)

// DefaultTTL applies when a caller asks for the lock without a TTL.
const DefaultTTL = 300 * time.Second

var (
	// ErrHeld is returned by Acquire while another holder's lock is live.
	ErrHeld = errors.New("llm lock is held")
	// ErrNotOwner is returned by Release for a live lock and a wrong token.
	ErrNotOwner = errors.New("llm lock token does not match the current owner")
)

// State is the observable lock state. The owner token is never reported.
type State struct {
	Locked           bool       `json:"locked"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	RemainingSeconds float64    `json:"remaining_seconds,omitempty"`
}

// Lock is implemented by the in-process and redis backends.
type Lock interface {
	// Acquire takes the lock for ttl and returns a fresh owner token. If the
	// lock is live it returns ErrHeld together with the current state.
	Acquire(ctx context.Context, ttl time.Duration) (token string, st State, err error)
	// Release clears the lock if token owns it or if it has expired.
	Release(ctx context.Context, token string) (State, error)
	// Status reports liveness as locked && now <= expires_at.
	Status(ctx context.Context) (State, error)
}

// SetResult is returned by Set.
type SetResult struct {
	Token string `json:"token,omitempty"`
	State State  `json:"lock_state"`
}

// Set is the agent-facing set_lock operation: locked=true acquires for
// ttl (DefaultTTL when zero), locked=false releases with token.
func Set(ctx context.Context, l Lock, locked bool, ttl time.Duration, token string) (SetResult, error) {
	if locked {
		if ttl <= 0 {
			ttl = DefaultTTL
		}
		tok, st, err := l.Acquire(ctx, ttl)
		return SetResult{Token: tok, State: st}, err
	}
	st, err := l.Release(ctx, token)
	return SetResult{State: st}, err
}

func liveState(expiresAt, now time.Time) State {
	exp := expiresAt
	return State{
		Locked:           true,
		ExpiresAt:        &exp,
		RemainingSeconds: expiresAt.Sub(now).Seconds(),
	}
}
