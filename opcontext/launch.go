package opcontext

import (
	"context"
	"sync"
	"time"
)

// MilestoneLaunched is marked by Launch.
const MilestoneLaunched = "launched"

// LaunchSequencer records named startup milestones so dependent work can wait
// for them, and so startup latency can be reported.
type LaunchSequencer struct {
	mu         sync.Mutex
	started    time.Time
	milestones map[string]time.Time
	waiters    map[string]chan struct{}
}

func NewLaunchSequencer() *LaunchSequencer {
	return &LaunchSequencer{
		started:    time.Now(),
		milestones: make(map[string]time.Time),
		waiters:    make(map[string]chan struct{}),
	}
}

// Mark records a milestone. Marking twice keeps the first timestamp.
func (l *LaunchSequencer) Mark(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.milestones[name]; ok {
		return
	}
	l.milestones[name] = time.Now()
	if ch, ok := l.waiters[name]; ok {
		close(ch)
		delete(l.waiters, name)
	}
}

func (l *LaunchSequencer) Launch() {
	l.Mark(MilestoneLaunched)
}

func (l *LaunchSequencer) Launched() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.milestones[MilestoneLaunched]
	return ok
}

// WaitFor blocks until the named milestone is marked or ctx is done.
func (l *LaunchSequencer) WaitFor(ctx context.Context, name string) error {
	l.mu.Lock()
	if _, ok := l.milestones[name]; ok {
		l.mu.Unlock()
		return nil
	}
	ch, ok := l.waiters[name]
	if !ok {
		ch = make(chan struct{})
		l.waiters[name] = ch
	}
	l.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Milestones returns the time from construction to each marked milestone.
func (l *LaunchSequencer) Milestones() map[string]time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	res := make(map[string]time.Duration, len(l.milestones))
	for name, at := range l.milestones {
		res[name] = at.Sub(l.started)
	}
	return res
}
