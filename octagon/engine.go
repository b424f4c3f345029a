package octagon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ruteri/tee-keysync/interfaces"
	"github.com/ruteri/tee-keysync/metrics"
	"go.uber.org/atomic"
)

// ErrClosed is returned for requests submitted to a closed engine.
var ErrClosed = errors.New("state machine closed")

// Operation performs the work of a transition and reports the state to move
// to. An empty state means the request's IntendedState on success and its
// ErrorState on failure. Values an operation records with StageValue are
// committed together with its state, and only if it succeeds in time.
type Operation func(ctx context.Context) (State, error)

type stagingKey struct{}

// staging collects the values of one running operation. Once sealed, late
// writes from an abandoned operation are dropped.
type staging struct {
	engine *Engine
	mu     sync.Mutex
	values map[string]string
	sealed bool
}

func (s *staging) set(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.sealed {
		s.values[key] = value
	}
}

func (s *staging) seal() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sealed = true
	return s.values
}

// TransitionRequest asks the engine to move from one of SourceStates by
// running Operation before Deadline.
type TransitionRequest struct {
	Name          string
	SourceStates  []State
	IntendedState State
	// ErrorState is entered when the operation fails or times out.
	// Defaults to StateError.
	ErrorState State
	// Operation may be nil for a pure state change.
	Operation Operation
	// Deadline bounds the operation. The zero time means no deadline.
	Deadline time.Time
}

type request struct {
	ctx           context.Context
	req           TransitionRequest
	unconditional bool
	result        chan transitionResult
}

type transitionResult struct {
	state State
	err   error
}

// TransitionRecord is one committed transition.
type TransitionRecord struct {
	Name string    `json:"name"`
	From State     `json:"from"`
	To   State     `json:"to"`
	At   time.Time `json:"at"`
}

const historyLen = 32

type waiter struct {
	ch   chan struct{}
	once sync.Once
}

func (w *waiter) wake() {
	w.once.Do(func() { close(w.ch) })
}

// Engine runs the transitions of one trust state machine strictly one at a
// time on its own goroutine. State, flags and values are persisted after
// every change so a restarted process resumes where it stopped.
type Engine struct {
	name  string
	store interfaces.LocalStateStore
	log   *slog.Logger

	requests  chan *request
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
	halting   atomic.Bool

	persistMu  sync.Mutex
	persistErr error

	mu      sync.Mutex
	state   State
	flags   map[string]bool
	values  map[string]string
	waiters map[State][]*waiter
	history []TransitionRecord
	cancel  context.CancelFunc
}

// NewEngine loads the persisted state of machine name, or starts in
// NotStarted, and launches the engine goroutine.
func NewEngine(ctx context.Context, name string, store interfaces.LocalStateStore, log *slog.Logger) (*Engine, error) {
	e := &Engine{
		name:     name,
		store:    store,
		log:      log.With(slog.String("machine", name)),
		requests: make(chan *request),
		closed:   make(chan struct{}),
		state:    StateNotStarted,
		flags:    make(map[string]bool),
		values:   make(map[string]string),
		waiters:  make(map[State][]*waiter),
	}

	snap, err := store.LoadMachineState(ctx, name)
	switch {
	case errors.Is(err, interfaces.ErrContentNotFound):
	case err != nil:
		return nil, fmt.Errorf("failed to load state of %s: %w", name, err)
	default:
		state := State(snap.State)
		if !state.Known() {
			return nil, fmt.Errorf("unknown persisted state %q of %s", snap.State, name)
		}
		e.state = state
		for _, f := range snap.Flags {
			e.flags[f] = true
		}
		for k, v := range snap.Values {
			e.values[k] = v
		}
		if state == StateHalted {
			e.halting.Store(true)
		}
		e.log.Info("Resumed state machine", slog.String("state", string(state)))
	}

	e.wg.Add(1)
	go e.run()
	return e, nil
}

func (e *Engine) Name() string {
	return e.name
}

// State returns the current state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Snapshot returns the state as persisted.
func (e *Engine) Snapshot() interfaces.MachineSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

// History returns the most recent transitions committed by this process,
// oldest first.
func (e *Engine) History() []TransitionRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]TransitionRecord(nil), e.history...)
}

func (e *Engine) snapshotLocked() interfaces.MachineSnapshot {
	snap := interfaces.MachineSnapshot{State: string(e.state)}
	for f := range e.flags {
		snap.Flags = append(snap.Flags, f)
	}
	sort.Strings(snap.Flags)
	if len(e.values) > 0 {
		snap.Values = make(map[string]string, len(e.values))
		for k, v := range e.values {
			snap.Values[k] = v
		}
	}
	return snap
}

// Submit queues a transition and waits for its outcome. It returns the state
// after the request. A request whose source states do not include the
// current state fails with ErrProtocolViolation and changes nothing.
func (e *Engine) Submit(ctx context.Context, req TransitionRequest) (State, error) {
	return e.submit(ctx, req, false)
}

func (e *Engine) submit(ctx context.Context, req TransitionRequest, unconditional bool) (State, error) {
	if req.ErrorState == "" {
		req.ErrorState = StateError
	}
	r := &request{ctx: ctx, req: req, unconditional: unconditional, result: make(chan transitionResult, 1)}

	select {
	case e.requests <- r:
	case <-ctx.Done():
		return e.State(), ctx.Err()
	case <-e.closed:
		return e.State(), ErrClosed
	}

	select {
	case res := <-r.result:
		return res.state, res.err
	case <-e.closed:
		return e.State(), ErrClosed
	}
}

// PersistErr returns the error of the last failed attempt to persist the
// machine, or nil once a later attempt succeeded.
func (e *Engine) PersistErr() error {
	e.persistMu.Lock()
	defer e.persistMu.Unlock()
	return e.persistErr
}

func (e *Engine) run() {
	defer e.wg.Done()
	for {
		select {
		case r := <-e.requests:
			r.result <- e.execute(r)
		case <-e.closed:
			return
		}
	}
}

func (e *Engine) execute(r *request) transitionResult {
	req := r.req
	current := e.State()

	if !r.unconditional {
		// No transition runs on top of a state that was never made durable.
		if e.PersistErr() != nil {
			if err := e.persist(); err != nil {
				return transitionResult{current, fmt.Errorf("%w: state %s of %s not persisted: %w", interfaces.ErrBackendUnavailable, current, e.name, err)}
			}
		}
		if e.halting.Load() {
			return transitionResult{current, fmt.Errorf("%w: %s requested on halted machine", interfaces.ErrProtocolViolation, req.Name)}
		}
		if !in(current, req.SourceStates) {
			e.log.Debug("Rejected transition",
				slog.String("transition", req.Name),
				slog.String("state", string(current)))
			return transitionResult{current, fmt.Errorf("%w: %s requested in %s, legal from %v", interfaces.ErrProtocolViolation, req.Name, current, req.SourceStates)}
		}
	}

	if !req.Deadline.IsZero() && !time.Now().Before(req.Deadline) {
		e.commit(req.Name, current, req.ErrorState, req.ErrorState, nil)
		return transitionResult{req.ErrorState, fmt.Errorf("%w: %s deadline passed before it started", interfaces.ErrTransitionTimeout, req.Name)}
	}

	if req.Operation == nil {
		e.commit(req.Name, current, req.IntendedState, req.ErrorState, nil)
		return transitionResult{req.IntendedState, nil}
	}

	var (
		opCtx  context.Context
		cancel context.CancelFunc
	)
	if req.Deadline.IsZero() {
		opCtx, cancel = context.WithCancel(r.ctx)
	} else {
		opCtx, cancel = context.WithDeadline(r.ctx, req.Deadline)
	}
	defer cancel()
	e.setCancel(cancel)
	defer e.setCancel(nil)

	st := &staging{engine: e, values: make(map[string]string)}
	opCtx = context.WithValue(opCtx, stagingKey{}, st)

	start := time.Now()
	done := make(chan transitionResult, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- transitionResult{err: fmt.Errorf("transition %s panicked: %v", req.Name, p)}
			}
		}()
		next, err := req.Operation(opCtx)
		done <- transitionResult{next, err}
	}()

	var res transitionResult
	select {
	case res = <-done:
	case <-opCtx.Done():
		res = transitionResult{err: opCtx.Err()}
	}
	staged := st.seal()
	metrics.TransitionDuration.WithLabelValues(e.name, req.Name).Observe(time.Since(start).Seconds())

	if res.err != nil && errors.Is(opCtx.Err(), context.DeadlineExceeded) {
		e.commit(req.Name, current, req.ErrorState, req.ErrorState, nil)
		return transitionResult{req.ErrorState, fmt.Errorf("%w: %s did not finish within its deadline", interfaces.ErrTransitionTimeout, req.Name)}
	}

	if res.err != nil {
		next := res.state
		if next == "" || !next.Known() {
			next = req.ErrorState
		}
		e.commit(req.Name, current, next, req.ErrorState, nil)
		return transitionResult{next, fmt.Errorf("transition %s: %w", req.Name, res.err)}
	}

	next := res.state
	if next == "" {
		next = req.IntendedState
	}
	if !next.Known() {
		e.commit(req.Name, current, req.ErrorState, req.ErrorState, nil)
		return transitionResult{req.ErrorState, fmt.Errorf("transition %s reported unknown state %q", req.Name, next)}
	}
	e.commit(req.Name, current, next, req.ErrorState, staged)
	return transitionResult{next, nil}
}

func (e *Engine) setCancel(cancel context.CancelFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancel = cancel
}

// commit sets the new state and values, persists them and then wakes the
// waiters. Entering the request's error state or Halted wakes every waiter,
// since the states they wait for may no longer be reached.
func (e *Engine) commit(transition string, from, next, errorState State, values map[string]string) {
	e.mu.Lock()
	e.state = next
	e.applyValuesLocked(values)
	e.history = append(e.history, TransitionRecord{Name: transition, From: from, To: next, At: time.Now()})
	if len(e.history) > historyLen {
		e.history = e.history[len(e.history)-historyLen:]
	}
	var waiters []*waiter
	if next == errorState || next == StateError || next == StateHalted {
		for _, ws := range e.waiters {
			waiters = append(waiters, ws...)
		}
		e.waiters = make(map[State][]*waiter)
	} else {
		waiters = e.waiters[next]
		delete(e.waiters, next)
	}
	e.mu.Unlock()

	_ = e.persist()
	for _, w := range waiters {
		w.wake()
	}

	metrics.Transitions.WithLabelValues(e.name, transition, string(next)).Inc()
	e.log.Info("State transition",
		slog.String("transition", transition),
		slog.String("from", string(from)),
		slog.String("to", string(next)))
}

func (e *Engine) applyValuesLocked(values map[string]string) {
	for k, v := range values {
		if v == "" {
			delete(e.values, k)
		} else {
			e.values[k] = v
		}
	}
}

// persist saves the snapshot. A failure is kept until a later persist
// succeeds and blocks further transitions meanwhile.
func (e *Engine) persist() error {
	e.persistMu.Lock()
	defer e.persistMu.Unlock()

	snap := e.Snapshot()
	err := e.store.SaveMachineState(context.Background(), e.name, snap)
	if err != nil {
		e.log.Error("Failed to persist state machine", slog.String("state", snap.State), "err", err)
	}
	e.persistErr = err
	return err
}

// WaitForState blocks until the machine is in one of states and returns it.
// If the machine enters Error or Halted first, WaitForState returns that state
// and an error wrapping ErrTransitionTimeout.
func (e *Engine) WaitForState(ctx context.Context, states ...State) (State, error) {
	e.mu.Lock()
	if in(e.state, states) {
		current := e.state
		e.mu.Unlock()
		return current, nil
	}
	w := &waiter{ch: make(chan struct{})}
	for _, s := range states {
		e.waiters[s] = append(e.waiters[s], w)
	}
	e.mu.Unlock()

	select {
	case <-w.ch:
		current := e.State()
		if !in(current, states) {
			return current, fmt.Errorf("%w: machine entered %s while waiting for %v", interfaces.ErrTransitionTimeout, current, states)
		}
		return current, nil
	case <-ctx.Done():
		return e.State(), ctx.Err()
	case <-e.closed:
		return e.State(), ErrClosed
	}
}

// SetFlag records a persistent flag.
func (e *Engine) SetFlag(name string) {
	e.mu.Lock()
	e.flags[name] = true
	e.mu.Unlock()
	_ = e.persist()
}

func (e *Engine) HasFlag(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.flags[name]
}

// ConsumeFlag clears a flag and reports whether it was set.
func (e *Engine) ConsumeFlag(name string) bool {
	e.mu.Lock()
	set := e.flags[name]
	delete(e.flags, name)
	e.mu.Unlock()

	if set {
		_ = e.persist()
	}
	return set
}

// SetValue stores protocol data that must survive a restart. An empty value
// deletes the key.
func (e *Engine) SetValue(key, value string) {
	e.mu.Lock()
	e.applyValuesLocked(map[string]string{key: value})
	e.mu.Unlock()
	_ = e.persist()
}

// StageValue records a value from inside an operation. It is committed with
// the operation's state when the operation succeeds within its deadline and
// dropped otherwise. Outside an operation of this engine it behaves like
// SetValue.
func (e *Engine) StageValue(ctx context.Context, key, value string) {
	if st, ok := ctx.Value(stagingKey{}).(*staging); ok && st.engine == e {
		st.set(key, value)
		return
	}
	e.SetValue(key, value)
}

func (e *Engine) Value(key string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.values[key]
	return v, ok
}

// Halt cancels the running operation and moves the machine to Halted from
// any state. Further requests are rejected until Resume.
func (e *Engine) Halt(ctx context.Context) error {
	e.halting.Store(true)

	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	_, err := e.submit(ctx, TransitionRequest{Name: "halt", IntendedState: StateHalted}, true)
	return err
}

// Resume moves a halted machine back to NotStarted.
func (e *Engine) Resume(ctx context.Context) error {
	if e.State() != StateHalted {
		return fmt.Errorf("%w: resume requested in %s", interfaces.ErrProtocolViolation, e.State())
	}
	e.halting.Store(false)
	_, err := e.submit(ctx, TransitionRequest{Name: "resume", SourceStates: []State{StateHalted}, IntendedState: StateNotStarted}, false)
	return err
}

// Close stops the engine. The running operation is cancelled.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		cancel := e.cancel
		e.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		close(e.closed)
	})
	e.wg.Wait()
}
