package octagon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/tee-keysync/interfaces"
	"github.com/ruteri/tee-keysync/kms"
	"github.com/ruteri/tee-keysync/records"
)

const (
	valueZone  = "zone"
	valueKeyID = "tlk"
)

// EscrowSource is the part of the key hierarchy manager a recovery uses.
type EscrowSource interface {
	CurrentTLKID(ctx context.Context, zone interfaces.ZoneID) (uuid.UUID, error)
	FetchEscrowShares(ctx context.Context, zone interfaces.ZoneID, keyID uuid.UUID) ([]records.EscrowShare, error)
	InstallRecoveredTLK(ctx context.Context, r *kms.EscrowRecovery) error
}

// RecoveryStatus describes an escrow recovery in progress.
type RecoveryStatus struct {
	State     State     `json:"state"`
	Zone      string    `json:"zone,omitempty"`
	KeyID     uuid.UUID `json:"tlk,omitempty"`
	Received  int       `json:"received"`
	Threshold int       `json:"threshold"`
}

// RecoveryFlow restores a zone's TLK on a device without any share by
// collecting escrow shares from their holders:
// BeginRecovery -> EscrowCollecting -> Recovered.
type RecoveryFlow struct {
	engine  *Engine
	escrow  EscrowSource
	timeout time.Duration
	log     *slog.Logger

	mu       sync.Mutex
	recovery *kms.EscrowRecovery
}

func NewRecoveryFlow(engine *Engine, escrow EscrowSource, stepTimeout time.Duration, log *slog.Logger) *RecoveryFlow {
	if stepTimeout <= 0 {
		stepTimeout = 30 * time.Second
	}
	return &RecoveryFlow{engine: engine, escrow: escrow, timeout: stepTimeout, log: log}
}

func (f *RecoveryFlow) Engine() *Engine {
	return f.engine
}

// Begin starts recovering the current TLK of zone.
func (f *RecoveryFlow) Begin(ctx context.Context, zone interfaces.ZoneID) error {
	if err := zone.Validate(); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	_, err := f.engine.Submit(ctx, TransitionRequest{
		Name:          "begin-recovery",
		SourceStates:  restartable,
		IntendedState: StateBeginRecovery,
		Deadline:      time.Now().Add(f.timeout),
		Operation: func(ctx context.Context) (State, error) {
			keyID, err := f.escrow.CurrentTLKID(ctx, zone)
			if err != nil {
				return "", fmt.Errorf("failed to read tlk pointer of %s: %w", zone, err)
			}
			f.engine.StageValue(ctx, valueZone, string(zone))
			f.engine.StageValue(ctx, valueKeyID, keyID.String())
			return StateBeginRecovery, nil
		},
	})
	if err != nil {
		return err
	}
	f.recovery = nil

	loaded := make(chan *kms.EscrowRecovery, 1)

	_, err = f.engine.Submit(ctx, TransitionRequest{
		Name:          "collect-escrow",
		SourceStates:  []State{StateBeginRecovery},
		IntendedState: StateEscrowCollecting,
		Deadline:      time.Now().Add(f.timeout),
		Operation: func(ctx context.Context) (State, error) {
			recovery, err := f.load(ctx)
			if err != nil {
				return "", err
			}
			loaded <- recovery
			return StateEscrowCollecting, nil
		},
	})
	if err != nil {
		return err
	}
	f.recovery = <-loaded
	f.log.Info("Collecting escrow shares",
		slog.String("zone", string(f.recovery.Zone())),
		slog.String("tlk", f.recovery.KeyID().String()),
		slog.Int("threshold", f.recovery.Threshold()))
	return nil
}

// load rebuilds the recovery from the persisted zone and key id.
func (f *RecoveryFlow) load(ctx context.Context) (*kms.EscrowRecovery, error) {
	zone, ok := f.engine.Value(valueZone)
	if !ok {
		return nil, errors.New("no zone under recovery")
	}
	raw, _ := f.engine.Value(valueKeyID)
	keyID, err := uuid.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid tlk id under recovery: %w", err)
	}

	shares, err := f.escrow.FetchEscrowShares(ctx, interfaces.ZoneID(zone), keyID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch escrow shares: %w", err)
	}
	return kms.NewEscrowRecoveryFromShares(shares)
}

// Submit hands one holder's share to the recovery. It reports whether the
// TLK was reconstructed and installed. A rejected share leaves the machine
// collecting.
func (f *RecoveryFlow) Submit(ctx context.Context, sub kms.EscrowSubmission) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	current := f.recovery
	loaded := make(chan *kms.EscrowRecovery, 1)
	next, err := f.engine.Submit(ctx, TransitionRequest{
		Name:          "submit-escrow-share",
		SourceStates:  []State{StateEscrowCollecting},
		IntendedState: StateRecovered,
		Deadline:      time.Now().Add(f.timeout),
		Operation: func(ctx context.Context) (State, error) {
			recovery := current
			if recovery == nil {
				// Shares accepted before a restart are gone; holders resubmit.
				var err error
				if recovery, err = f.load(ctx); err != nil {
					return StateEscrowCollecting, err
				}
				loaded <- recovery
			}

			if err := recovery.SubmitShare(sub); err != nil {
				return StateEscrowCollecting, err
			}
			if !recovery.Complete() {
				return StateEscrowCollecting, nil
			}

			if err := f.escrow.InstallRecoveredTLK(ctx, recovery); err != nil {
				return StateError, err
			}
			return StateRecovered, nil
		},
	})
	if current == nil && f.engine.State() == StateEscrowCollecting {
		select {
		case f.recovery = <-loaded:
		default:
		}
	}
	if err != nil {
		return false, err
	}
	if next == StateRecovered {
		f.recovery = nil
		return true, nil
	}
	return false, nil
}

// Status reports the recovery progress.
func (f *RecoveryFlow) Status() RecoveryStatus {
	f.mu.Lock()
	defer f.mu.Unlock()

	status := RecoveryStatus{State: f.engine.State()}
	status.Zone, _ = f.engine.Value(valueZone)
	if raw, ok := f.engine.Value(valueKeyID); ok {
		status.KeyID, _ = uuid.Parse(raw)
	}
	if f.recovery != nil {
		status.Received = f.recovery.Received()
		status.Threshold = f.recovery.Threshold()
	}
	return status
}
