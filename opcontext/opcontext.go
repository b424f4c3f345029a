// Package opcontext provides the OperationContext: the collaborators every
// asynchronous key and trust operation is constructed with.
package opcontext

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ruteri/tee-keysync/interfaces"
)

// Config controls the retry, lock and notification behavior of an OperationContext.
type Config struct {
	// LockTimeout bounds how long an operation waits for the device to unlock.
	LockTimeout time.Duration
	// RetryBudget is the number of retries for transient and conflict errors.
	RetryBudget uint64

	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration

	// NotifyInterval is the minimum spacing between notification batches.
	NotifyInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		LockTimeout:          30 * time.Second,
		RetryBudget:          5,
		RetryInitialInterval: 100 * time.Millisecond,
		RetryMaxInterval:     5 * time.Second,
		NotifyInterval:       time.Second,
	}
}

// OperationContext aggregates the shared collaborators of asynchronous
// operations. It replaces process-wide singletons: every component receives
// it at construction and it is torn down with Close.
type OperationContext struct {
	Config Config
	Log    *slog.Logger

	Lock         *LockStateTracker
	Reachability *ReachabilityTracker
	Zones        *ZoneSerializer
	Launch       *LaunchSequencer

	// KeySetChanged fires after a zone's committed key set changed.
	KeySetChanged *NotificationScheduler
	// TrustChanged fires after the trusted peer set was changed locally.
	TrustChanged *NotificationScheduler
}

// New creates an OperationContext. The device starts unlocked; callers
// with a keybag should wire its lock hook to Lock.SetLocked.
func New(cfg Config, log *slog.Logger) *OperationContext {
	return &OperationContext{
		Config:        cfg,
		Log:           log,
		Lock:          NewLockStateTracker(false),
		Reachability:  NewReachabilityTracker(cfg.RetryInitialInterval, cfg.RetryMaxInterval, cfg.RetryBudget, log),
		Zones:         NewZoneSerializer(log),
		Launch:        NewLaunchSequencer(),
		KeySetChanged: NewNotificationScheduler("keyset", cfg.NotifyInterval, log),
		TrustChanged:  NewNotificationScheduler("trust", cfg.NotifyInterval, log),
	}
}

// RunUnlocked runs op, and if it fails because the device is locked waits up
// to LockTimeout for an unlock and runs it once more. A device still locked
// after the timeout yields ErrLocked.
func (oc *OperationContext) RunUnlocked(ctx context.Context, op func(ctx context.Context) error) error {
	err := op(ctx)
	if !errors.Is(err, interfaces.ErrLocked) {
		return err
	}

	oc.Log.Debug("Device locked, waiting for unlock", slog.Duration("timeout", oc.Config.LockTimeout))
	waitCtx, cancel := context.WithTimeout(ctx, oc.Config.LockTimeout)
	defer cancel()
	if waitErr := oc.Lock.WaitForUnlock(waitCtx); waitErr != nil {
		return fmt.Errorf("%w: still locked after %s", interfaces.ErrLocked, oc.Config.LockTimeout)
	}
	return op(ctx)
}

// Close stops the serializer and schedulers.
func (oc *OperationContext) Close() {
	oc.Zones.Close()
	oc.KeySetChanged.Close()
	oc.TrustChanged.Close()
}
