package octagon

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/ruteri/tee-keysync/interfaces"
	"github.com/ruteri/tee-keysync/localstate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T, store interfaces.LocalStateStore, name string) *Engine {
	e, err := NewEngine(context.Background(), name, store, testLogger())
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e
}

func TestTransitionLegality(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, localstate.NewMemoryStore(), "legality")
	require.Equal(t, StateNotStarted, e.State())

	tests := []struct {
		name    string
		sources []State
		legal   bool
	}{
		{name: "illegal source", sources: []State{StateEpochPrepared, StateAwaitingIdentity}},
		{name: "no sources", sources: nil},
		{name: "legal source", sources: []State{StateError, StateNotStarted}, legal: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := e.State()
			invoked := false
			next, err := e.Submit(ctx, TransitionRequest{
				Name:          tt.name,
				SourceStates:  tt.sources,
				IntendedState: StateBeginClientJoin,
				Operation: func(ctx context.Context) (State, error) {
					invoked = true
					return "", nil
				},
			})
			if !tt.legal {
				require.ErrorIs(t, err, interfaces.ErrProtocolViolation)
				assert.Equal(t, interfaces.KindProtocolViolation, interfaces.ClassifyError(err))
				assert.False(t, invoked)
				assert.Equal(t, before, next)
				assert.Equal(t, before, e.State())
				return
			}
			require.NoError(t, err)
			assert.True(t, invoked)
			assert.Equal(t, StateBeginClientJoin, e.State())
		})
	}
}

func TestElapsedDeadlineSkipsOperation(t *testing.T) {
	e := newTestEngine(t, localstate.NewMemoryStore(), "elapsed")

	invoked := false
	next, err := e.Submit(context.Background(), TransitionRequest{
		Name:          "prepare-epoch",
		SourceStates:  []State{StateNotStarted},
		IntendedState: StateEpochPrepared,
		Deadline:      time.Now().Add(-time.Second),
		Operation: func(ctx context.Context) (State, error) {
			invoked = true
			return "", nil
		},
	})
	require.ErrorIs(t, err, interfaces.ErrTransitionTimeout)
	assert.False(t, invoked)
	assert.Equal(t, StateError, next)
	assert.Equal(t, StateError, e.State())
}

func TestTransitionTimeoutCancelsOperation(t *testing.T) {
	e := newTestEngine(t, localstate.NewMemoryStore(), "timeout")

	cancelled := make(chan struct{})
	start := time.Now()
	next, err := e.Submit(context.Background(), TransitionRequest{
		Name:          "slow",
		SourceStates:  []State{StateNotStarted},
		IntendedState: StateDone,
		ErrorState:    StateHalted,
		Deadline:      time.Now().Add(30 * time.Millisecond),
		Operation: func(ctx context.Context) (State, error) {
			<-ctx.Done()
			close(cancelled)
			return "", ctx.Err()
		},
	})
	require.ErrorIs(t, err, interfaces.ErrTransitionTimeout)
	assert.Equal(t, StateHalted, next)
	assert.Equal(t, StateHalted, e.State())
	assert.Less(t, time.Since(start), 5*time.Second)

	select {
	case <-cancelled:
	case <-time.After(5 * time.Second):
		t.Fatal("operation was not cancelled")
	}
}

func TestTransitionTimeoutWithUncooperativeOperation(t *testing.T) {
	e := newTestEngine(t, localstate.NewMemoryStore(), "stuck")

	release := make(chan struct{})
	defer close(release)

	next, err := e.Submit(context.Background(), TransitionRequest{
		Name:          "stuck",
		SourceStates:  []State{StateNotStarted},
		IntendedState: StateDone,
		Deadline:      time.Now().Add(20 * time.Millisecond),
		Operation: func(ctx context.Context) (State, error) {
			<-release
			return "", nil
		},
	})
	require.ErrorIs(t, err, interfaces.ErrTransitionTimeout)
	assert.Equal(t, StateError, next)

	// The engine keeps serving requests.
	next, err = e.Submit(context.Background(), TransitionRequest{
		Name:          "restart",
		SourceStates:  restartable,
		IntendedState: StateNotStarted,
	})
	require.NoError(t, err)
	assert.Equal(t, StateNotStarted, next)
}

func TestErrorStateReleasesWaiters(t *testing.T) {
	tests := []struct {
		name       string
		errorState State
		deadline   time.Duration
		op         Operation
	}{
		{
			name:     "deadline",
			deadline: 30 * time.Millisecond,
			op: func(ctx context.Context) (State, error) {
				<-ctx.Done()
				return "", ctx.Err()
			},
		},
		{
			name: "failed operation",
			op:   func(ctx context.Context) (State, error) { return "", errors.New("boom") },
		},
		{
			name:       "custom error state",
			errorState: StateBeginRecovery,
			op:         func(ctx context.Context) (State, error) { return "", errors.New("boom") },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEngine(t, localstate.NewMemoryStore(), "release")
			expected := tt.errorState
			if expected == "" {
				expected = StateError
			}

			type waitResult struct {
				state State
				err   error
			}
			waited := make(chan waitResult, 1)
			go func() {
				state, err := e.WaitForState(context.Background(), StateDone)
				waited <- waitResult{state, err}
			}()
			require.Eventually(t, func() bool {
				e.mu.Lock()
				defer e.mu.Unlock()
				return len(e.waiters[StateDone]) == 1
			}, 5*time.Second, time.Millisecond)

			req := TransitionRequest{
				Name:          "join",
				SourceStates:  []State{StateNotStarted},
				IntendedState: StateDone,
				ErrorState:    tt.errorState,
				Operation:     tt.op,
			}
			if tt.deadline > 0 {
				req.Deadline = time.Now().Add(tt.deadline)
			}
			next, err := e.Submit(context.Background(), req)
			require.Error(t, err)
			require.Equal(t, expected, next)

			select {
			case res := <-waited:
				assert.ErrorIs(t, res.err, interfaces.ErrTransitionTimeout)
				assert.Equal(t, expected, res.state)
			case <-time.After(5 * time.Second):
				t.Fatal("waiter on Done still blocked after the machine failed")
			}
		})
	}
}

func TestStagedValues(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, localstate.NewMemoryStore(), "staged")

	_, err := e.Submit(ctx, TransitionRequest{
		Name:          "prepare",
		SourceStates:  []State{StateNotStarted},
		IntendedState: StateEpochPrepared,
		Operation: func(ctx context.Context) (State, error) {
			e.StageValue(ctx, valueEpoch, "4")
			_, visible := e.Value(valueEpoch)
			assert.False(t, visible)
			return "", nil
		},
	})
	require.NoError(t, err)
	epoch, ok := e.Value(valueEpoch)
	require.True(t, ok)
	assert.Equal(t, "4", epoch)
	assert.Equal(t, "4", e.Snapshot().Values[valueEpoch])

	_, err = e.Submit(ctx, TransitionRequest{
		Name:          "fail",
		SourceStates:  []State{StateEpochPrepared},
		IntendedState: StateAwaitingIdentity,
		Operation: func(ctx context.Context) (State, error) {
			e.StageValue(ctx, valuePeer, "rejected")
			e.StageValue(ctx, valueEpoch, "")
			return "", errors.New("bad identity")
		},
	})
	require.Error(t, err)
	_, ok = e.Value(valuePeer)
	assert.False(t, ok)
	epoch, _ = e.Value(valueEpoch)
	assert.Equal(t, "4", epoch)

	// An operation abandoned at its deadline cannot write into later state.
	release := make(chan struct{})
	finished := make(chan struct{})
	_, err = e.Submit(ctx, TransitionRequest{
		Name:          "stuck",
		SourceStates:  restartable,
		IntendedState: StateBeginClientJoin,
		Deadline:      time.Now().Add(20 * time.Millisecond),
		Operation: func(ctx context.Context) (State, error) {
			defer close(finished)
			<-release
			e.StageValue(ctx, valuePeer, "late")
			return "", nil
		},
	})
	require.ErrorIs(t, err, interfaces.ErrTransitionTimeout)

	_, err = e.Submit(ctx, TransitionRequest{Name: "restart", SourceStates: restartable, IntendedState: StateNotStarted})
	require.NoError(t, err)
	close(release)
	<-finished
	_, ok = e.Value(valuePeer)
	assert.False(t, ok)

	// Outside an operation StageValue writes through.
	e.StageValue(ctx, valueSponsor, "sponsor")
	sponsor, _ := e.Value(valueSponsor)
	assert.Equal(t, "sponsor", sponsor)
}

type flakyStateStore struct {
	*localstate.MemoryStore
	fail atomic.Bool
}

func (s *flakyStateStore) SaveMachineState(ctx context.Context, machine string, snapshot interfaces.MachineSnapshot) error {
	if s.fail.Load() {
		return interfaces.ErrBackendUnavailable
	}
	return s.MemoryStore.SaveMachineState(ctx, machine, snapshot)
}

func TestPersistFailureBlocksTransitions(t *testing.T) {
	ctx := context.Background()
	store := &flakyStateStore{MemoryStore: localstate.NewMemoryStore()}
	e := newTestEngine(t, store, "flaky")

	store.fail.Store(true)
	_, err := e.Submit(ctx, TransitionRequest{Name: "begin", SourceStates: []State{StateNotStarted}, IntendedState: StateBeginClientJoin})
	require.NoError(t, err)
	assert.ErrorIs(t, e.PersistErr(), interfaces.ErrBackendUnavailable)

	next, err := e.Submit(ctx, TransitionRequest{Name: "prepare", SourceStates: []State{StateBeginClientJoin}, IntendedState: StateEpochPrepared})
	require.ErrorIs(t, err, interfaces.ErrBackendUnavailable)
	assert.Equal(t, StateBeginClientJoin, next)
	assert.Equal(t, StateBeginClientJoin, e.State())

	store.fail.Store(false)
	next, err = e.Submit(ctx, TransitionRequest{Name: "prepare", SourceStates: []State{StateBeginClientJoin}, IntendedState: StateEpochPrepared})
	require.NoError(t, err)
	assert.Equal(t, StateEpochPrepared, next)
	assert.NoError(t, e.PersistErr())

	snap, err := store.LoadMachineState(ctx, "flaky")
	require.NoError(t, err)
	assert.Equal(t, string(StateEpochPrepared), snap.State)
}

func TestOperationOutcomes(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name     string
		op       Operation
		expected State
		wantErr  bool
	}{
		{
			name:     "intended state on success",
			op:       func(ctx context.Context) (State, error) { return "", nil },
			expected: StateEscrowCollecting,
		},
		{
			name:     "reported state on success",
			op:       func(ctx context.Context) (State, error) { return StateRecovered, nil },
			expected: StateRecovered,
		},
		{
			name:     "error state on failure",
			op:       func(ctx context.Context) (State, error) { return "", errors.New("boom") },
			expected: StateError,
			wantErr:  true,
		},
		{
			name:     "reported state on failure",
			op:       func(ctx context.Context) (State, error) { return StateBeginRecovery, errors.New("rejected") },
			expected: StateBeginRecovery,
			wantErr:  true,
		},
		{
			name:     "unknown state",
			op:       func(ctx context.Context) (State, error) { return State("Bogus"), nil },
			expected: StateError,
			wantErr:  true,
		},
		{
			name:     "panic",
			op:       func(ctx context.Context) (State, error) { panic("bad operation") },
			expected: StateError,
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEngine(t, localstate.NewMemoryStore(), "outcomes")
			next, err := e.Submit(ctx, TransitionRequest{
				Name:          "op",
				SourceStates:  []State{StateNotStarted},
				IntendedState: StateEscrowCollecting,
				Operation:     tt.op,
			})
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.expected, next)
			assert.Equal(t, tt.expected, e.State())
		})
	}
}

func TestWaitForState(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, localstate.NewMemoryStore(), "waiters")

	state, err := e.WaitForState(ctx, StateNotStarted, StateDone)
	require.NoError(t, err)
	assert.Equal(t, StateNotStarted, state)

	woken := make(chan State, 2)
	for i := 0; i < 2; i++ {
		go func() {
			state, err := e.WaitForState(ctx, StateDone, StateError)
			if err == nil {
				woken <- state
			}
		}()
	}

	for _, step := range []struct {
		from, to State
	}{
		{StateNotStarted, StateBeginClientJoin},
		{StateBeginClientJoin, StateEpochPrepared},
		{StateEpochPrepared, StateDone},
	} {
		time.Sleep(5 * time.Millisecond)
		_, err := e.Submit(ctx, TransitionRequest{Name: "step", SourceStates: []State{step.from}, IntendedState: step.to})
		require.NoError(t, err)
	}

	for i := 0; i < 2; i++ {
		select {
		case s := <-woken:
			assert.Equal(t, StateDone, s)
		case <-time.After(5 * time.Second):
			t.Fatal("waiter not woken")
		}
	}

	short, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	_, err = e.WaitForState(short, StateRecovered)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	history := e.History()
	require.Len(t, history, 3)
	assert.Equal(t, StateNotStarted, history[0].From)
	assert.Equal(t, StateDone, history[2].To)
}

func TestPersistenceAndResume(t *testing.T) {
	ctx := context.Background()
	store := localstate.NewMemoryStore()

	e := newTestEngine(t, store, "join")
	_, err := e.Submit(ctx, TransitionRequest{Name: "begin", SourceStates: []State{StateNotStarted}, IntendedState: StateBeginClientJoin})
	require.NoError(t, err)
	e.SetFlag("key-set-changed")
	e.SetFlag("pending")
	e.SetValue(valueEpoch, "7")
	assert.True(t, e.ConsumeFlag("pending"))
	assert.False(t, e.ConsumeFlag("pending"))
	e.Close()

	_, err = e.Submit(ctx, TransitionRequest{Name: "late", SourceStates: []State{StateBeginClientJoin}, IntendedState: StateDone})
	assert.ErrorIs(t, err, ErrClosed)

	snap, err := store.LoadMachineState(ctx, "join")
	require.NoError(t, err)
	assert.Equal(t, string(StateBeginClientJoin), snap.State)
	assert.Equal(t, []string{"key-set-changed"}, snap.Flags)

	resumed := newTestEngine(t, store, "join")
	assert.Equal(t, StateBeginClientJoin, resumed.State())
	assert.True(t, resumed.HasFlag("key-set-changed"))
	epoch, ok := resumed.Value(valueEpoch)
	assert.True(t, ok)
	assert.Equal(t, "7", epoch)

	other := newTestEngine(t, store, "recovery")
	assert.Equal(t, StateNotStarted, other.State())

	require.NoError(t, store.SaveMachineState(ctx, "corrupt", interfaces.MachineSnapshot{State: "Bogus"}))
	_, err = NewEngine(ctx, "corrupt", store, testLogger())
	assert.Error(t, err)
}

func TestHaltAndResume(t *testing.T) {
	ctx := context.Background()
	store := localstate.NewMemoryStore()
	e := newTestEngine(t, store, "halt")

	started := make(chan struct{})
	result := make(chan error, 1)
	go func() {
		_, err := e.Submit(ctx, TransitionRequest{
			Name:          "blocking",
			SourceStates:  []State{StateNotStarted},
			IntendedState: StateDone,
			Operation: func(ctx context.Context) (State, error) {
				close(started)
				<-ctx.Done()
				return "", ctx.Err()
			},
		})
		result <- err
	}()

	<-started
	require.NoError(t, e.Halt(ctx))
	assert.Equal(t, StateHalted, e.State())

	select {
	case err := <-result:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("blocked transition not cancelled")
	}

	_, err := e.Submit(ctx, TransitionRequest{Name: "begin", SourceStates: []State{StateHalted}, IntendedState: StateBeginClientJoin})
	assert.ErrorIs(t, err, interfaces.ErrProtocolViolation)
	assert.Equal(t, StateHalted, e.State())

	// Halted survives a restart.
	e.Close()
	restarted := newTestEngine(t, store, "halt")
	assert.Equal(t, StateHalted, restarted.State())
	_, err = restarted.Submit(ctx, TransitionRequest{Name: "begin", SourceStates: restartable, IntendedState: StateBeginClientJoin})
	assert.ErrorIs(t, err, interfaces.ErrProtocolViolation)

	require.NoError(t, restarted.Resume(ctx))
	assert.Equal(t, StateNotStarted, restarted.State())
	assert.ErrorIs(t, restarted.Resume(ctx), interfaces.ErrProtocolViolation)
}
