package opcontext

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ruteri/tee-keysync/interfaces"
	"golang.org/x/time/rate"
)

// NotificationScheduler coalesces per-zone change notifications and delivers
// them to subscribers no faster than its rate limit allows. Zones triggered
// while a delivery is being held back are merged into the next batch.
type NotificationScheduler struct {
	name    string
	limiter *rate.Limiter

	mu      sync.Mutex
	pending map[interfaces.ZoneID]struct{}
	subs    []chan []interfaces.ZoneID

	kick   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
	log    *slog.Logger
}

// NewNotificationScheduler starts a scheduler delivering at most one batch per interval.
func NewNotificationScheduler(name string, interval time.Duration, log *slog.Logger) *NotificationScheduler {
	ctx, cancel := context.WithCancel(context.Background())
	n := &NotificationScheduler{
		name:    name,
		limiter: rate.NewLimiter(rate.Every(interval), 1),
		pending: make(map[interfaces.ZoneID]struct{}),
		kick:    make(chan struct{}, 1),
		cancel:  cancel,
		done:    make(chan struct{}),
		log:     log,
	}
	go n.run(ctx)
	return n
}

// Subscribe returns a channel receiving batches of changed zones.
func (n *NotificationScheduler) Subscribe() <-chan []interfaces.ZoneID {
	ch := make(chan []interfaces.ZoneID, 16)
	n.mu.Lock()
	n.subs = append(n.subs, ch)
	n.mu.Unlock()
	return ch
}

// Trigger schedules a notification for zone.
func (n *NotificationScheduler) Trigger(zone interfaces.ZoneID) {
	n.mu.Lock()
	n.pending[zone] = struct{}{}
	n.mu.Unlock()

	select {
	case n.kick <- struct{}{}:
	default:
	}
}

func (n *NotificationScheduler) run(ctx context.Context) {
	defer close(n.done)

	for {
		select {
		case <-ctx.Done():
			return
		case <-n.kick:
		}

		if err := n.limiter.Wait(ctx); err != nil {
			return
		}

		n.mu.Lock()
		batch := make([]interfaces.ZoneID, 0, len(n.pending))
		for zone := range n.pending {
			batch = append(batch, zone)
		}
		n.pending = make(map[interfaces.ZoneID]struct{})
		subs := append([]chan []interfaces.ZoneID(nil), n.subs...)
		n.mu.Unlock()

		if len(batch) == 0 {
			continue
		}
		sort.Slice(batch, func(i, j int) bool { return batch[i] < batch[j] })

		for _, sub := range subs {
			select {
			case sub <- batch:
			default:
				n.log.Warn("Dropping notification for slow subscriber",
					slog.String("scheduler", n.name),
					slog.Int("zones", len(batch)))
			}
		}
	}
}

// Close stops delivery. Subscriber channels are left open.
func (n *NotificationScheduler) Close() {
	n.cancel()
	<-n.done
}
