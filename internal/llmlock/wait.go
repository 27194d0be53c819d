package llmlock

import (
	"context"
	"time"
)

// DefaultCheckInterval is how often WaitUnlocked polls.
const DefaultCheckInterval = time.Second

// WaitUnlocked polls l until it is free, maxWait passes, or ctx ends. It
// reports whether the lock was free when it returned. A status error is
// treated as held: callers degrade instead of calling the LLM blind.
func WaitUnlocked(ctx context.Context, l Lock, maxWait, interval time.Duration) (bool, error) {
	if interval <= 0 {
		interval = DefaultCheckInterval
	}
	st, err := l.Status(ctx)
	if err == nil && !st.Locked {
		return true, nil
	}
	if maxWait <= 0 {
		return false, err
	}

	deadline := time.NewTimer(maxWait)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-deadline.C:
			return false, err
		case <-ticker.C:
			st, err = l.Status(ctx)
			if err == nil && !st.Locked {
				return true, nil
			}
		}
	}
}
