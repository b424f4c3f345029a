package opcontext

import (
	"context"
	"sync"
)

// LockStateTracker follows the device lock state and lets operations that
// need the keybag suspend until the device is unlocked.
type LockStateTracker struct {
	mu       sync.Mutex
	locked   bool
	unlocked chan struct{} // closed while unlocked
}

func NewLockStateTracker(locked bool) *LockStateTracker {
	t := &LockStateTracker{unlocked: make(chan struct{})}
	if !locked {
		close(t.unlocked)
	}
	t.locked = locked
	return t
}

// SetLocked records a lock state change and releases waiters on unlock.
func (t *LockStateTracker) SetLocked(locked bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if locked == t.locked {
		return
	}
	t.locked = locked
	if locked {
		t.unlocked = make(chan struct{})
	} else {
		close(t.unlocked)
	}
}

func (t *LockStateTracker) IsLocked() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.locked
}

// WaitForUnlock blocks until the device is unlocked or ctx is done.
func (t *LockStateTracker) WaitForUnlock(ctx context.Context) error {
	t.mu.Lock()
	ch := t.unlocked
	t.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
