package opcontext

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/ruteri/tee-keysync/interfaces"
)

// ErrClosed is returned for work submitted to a closed serializer.
var ErrClosed = errors.New("operation context closed")

type zoneJob struct {
	ctx  context.Context
	fn   func(ctx context.Context) error
	done chan error
}

type zoneWorker struct {
	jobs   chan *zoneJob
	exited chan struct{}
}

// ZoneSerializer runs at most one operation per zone at a time, in
// submission order. Operations on different zones run concurrently.
type ZoneSerializer struct {
	mu      sync.Mutex
	workers map[interfaces.ZoneID]*zoneWorker
	closed  chan struct{}
	wg      sync.WaitGroup
	log     *slog.Logger
}

func NewZoneSerializer(log *slog.Logger) *ZoneSerializer {
	return &ZoneSerializer{
		workers: make(map[interfaces.ZoneID]*zoneWorker),
		closed:  make(chan struct{}),
		log:     log,
	}
}

// Do queues fn on the zone's worker and waits for its result. A job whose
// ctx is done before it is dequeued is skipped.
func (s *ZoneSerializer) Do(ctx context.Context, zone interfaces.ZoneID, fn func(ctx context.Context) error) error {
	w, err := s.worker(zone)
	if err != nil {
		return err
	}

	job := &zoneJob{ctx: ctx, fn: fn, done: make(chan error, 1)}
	select {
	case w.jobs <- job:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closed:
		return ErrClosed
	}

	select {
	case err := <-job.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-w.exited:
		select {
		case err := <-job.done:
			return err
		default:
			return ErrClosed
		}
	}
}

func (s *ZoneSerializer) worker(zone interfaces.ZoneID) (*zoneWorker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.closed:
		return nil, ErrClosed
	default:
	}

	if w, ok := s.workers[zone]; ok {
		return w, nil
	}

	w := &zoneWorker{
		jobs:   make(chan *zoneJob, 64),
		exited: make(chan struct{}),
	}
	s.workers[zone] = w
	s.wg.Add(1)
	go s.run(zone, w)
	return w, nil
}

func (s *ZoneSerializer) run(zone interfaces.ZoneID, w *zoneWorker) {
	defer s.wg.Done()
	defer close(w.exited)

	for {
		select {
		case job := <-w.jobs:
			if err := job.ctx.Err(); err != nil {
				job.done <- err
				continue
			}
			job.done <- job.fn(job.ctx)
		case <-s.closed:
			for {
				select {
				case job := <-w.jobs:
					job.done <- ErrClosed
				default:
					s.log.Debug("Zone worker stopped", slog.String("zone", string(zone)))
					return
				}
			}
		}
	}
}

// Close stops all workers after their current operation.
func (s *ZoneSerializer) Close() {
	s.mu.Lock()
	select {
	case <-s.closed:
	default:
		close(s.closed)
	}
	s.mu.Unlock()
	s.wg.Wait()
}
