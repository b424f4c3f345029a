package opcontext

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ruteri/tee-keysync/interfaces"
	"go.uber.org/atomic"
)

// ReachabilityTracker retries transient failures of remote operations with
// bounded exponential backoff and remembers whether the remote side was
// reachable on the last attempt.
type ReachabilityTracker struct {
	reachable atomic.Bool

	initialInterval time.Duration
	maxInterval     time.Duration
	maxRetries      uint64

	log *slog.Logger
}

func NewReachabilityTracker(initialInterval, maxInterval time.Duration, maxRetries uint64, log *slog.Logger) *ReachabilityTracker {
	r := &ReachabilityTracker{
		initialInterval: initialInterval,
		maxInterval:     maxInterval,
		maxRetries:      maxRetries,
		log:             log,
	}
	r.reachable.Store(true)
	return r
}

// IsReachable reports the outcome of the most recent attempt.
func (r *ReachabilityTracker) IsReachable() bool {
	return r.reachable.Load()
}

// Retry runs op until it succeeds, fails with a non-transient error, the
// retry budget is spent or ctx is done. The last error is returned.
func (r *ReachabilityTracker) Retry(ctx context.Context, name string, op func(ctx context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.initialInterval
	b.MaxInterval = r.maxInterval
	b.MaxElapsedTime = 0

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := op(ctx)
		if err == nil {
			r.markReachable(true)
			return nil
		}
		if interfaces.ClassifyError(err) != interfaces.KindTransient {
			return backoff.Permanent(err)
		}

		r.markReachable(false)
		r.log.Debug("Transient failure, backing off",
			slog.String("operation", name),
			slog.Int("attempt", attempt),
			"err", err)
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(b, r.maxRetries), ctx))

	return err
}

func (r *ReachabilityTracker) markReachable(reachable bool) {
	if r.reachable.Swap(reachable) != reachable {
		r.log.Info("Remote reachability changed", slog.Bool("reachable", reachable))
	}
}
