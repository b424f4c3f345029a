package octagon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/ruteri/tee-keysync/cryptoutils"
	"github.com/ruteri/tee-keysync/interfaces"
)

// Keys of the values a join machine persists.
const (
	valueEpoch   = "epoch"
	valuePeer    = "peer"
	valueSponsor = "sponsor"
	valueStarted = "started"
)

// ShareIssuer publishes a TLK share of a zone for a newly trusted peer.
type ShareIssuer interface {
	IssueShareForPeer(ctx context.Context, zone interfaces.ZoneID, peer interfaces.PeerProviderState) (interfaces.TLKShare, error)
}

// JoinResult is what an acceptor hands back to an admitted initiator.
type JoinResult struct {
	Voucher           *interfaces.Voucher
	SponsorSigningKey cryptoutils.AppPubkey
	// Shares are the TLK shares issued to the new peer, one per zone.
	Shares []interfaces.TLKShare
}

// JoinTransport carries the initiator's side of a join to an acceptor.
type JoinTransport interface {
	RequestEpoch(ctx context.Context, epoch uint64) (uint64, error)
	SubmitIdentity(ctx context.Context, identity interfaces.PeerIdentity) (*JoinResult, error)
}

type AcceptorConfig struct {
	// Zones whose TLK is shared with every admitted peer.
	Zones []interfaces.ZoneID
	// StepTimeout bounds every transition of the join.
	StepTimeout time.Duration
	// SessionTimeout is how long a started join may wait for the initiator
	// before another join may replace it.
	SessionTimeout time.Duration
}

func DefaultAcceptorConfig() AcceptorConfig {
	return AcceptorConfig{
		StepTimeout:    30 * time.Second,
		SessionTimeout: 5 * time.Minute,
	}
}

// JoinAcceptor is the trusted side of a join: it negotiates an epoch, checks
// the initiator's signed identity, vouches for it, admits it and issues it a
// share of every configured zone.
type JoinAcceptor struct {
	cfg      AcceptorConfig
	engine   *Engine
	identity *cryptoutils.DeviceIdentity
	service  interfaces.IdentityService
	admitter interfaces.PeerAdmitter
	issuer   ShareIssuer
	log      *slog.Logger

	// mu serializes joins. Identities and vouchers of a join live in the
	// calls handling it, so an operation abandoned at its deadline never
	// touches the next join.
	mu sync.Mutex
}

// NewJoinAcceptor wraps engine. A join left between identity receipt and
// admission by a previous process cannot be finished without the identity
// and is abandoned to Error.
func NewJoinAcceptor(ctx context.Context, cfg AcceptorConfig, engine *Engine, identity *cryptoutils.DeviceIdentity, service interfaces.IdentityService, admitter interfaces.PeerAdmitter, issuer ShareIssuer, log *slog.Logger) (*JoinAcceptor, error) {
	a := &JoinAcceptor{
		cfg:      cfg,
		engine:   engine,
		identity: identity,
		service:  service,
		admitter: admitter,
		issuer:   issuer,
		log:      log,
	}

	if in(engine.State(), []State{StateAwaitingIdentity, StateVoucherPrepared}) {
		log.Warn("Abandoning interrupted join", slog.String("state", string(engine.State())))
		if _, err := engine.Submit(ctx, TransitionRequest{
			Name:          "abandon-join",
			SourceStates:  []State{StateAwaitingIdentity, StateVoucherPrepared},
			IntendedState: StateError,
		}); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func (a *JoinAcceptor) Engine() *Engine {
	return a.engine
}

func (a *JoinAcceptor) deadline() time.Time {
	return time.Now().Add(a.cfg.StepTimeout)
}

// BeginJoin starts accepting a new initiator. A join still waiting for its
// initiator past the session timeout is abandoned first.
func (a *JoinAcceptor) BeginJoin(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.expired() {
		a.log.Info("Abandoning stale join", slog.String("state", string(a.engine.State())))
		if _, err := a.engine.Submit(ctx, TransitionRequest{
			Name:          "abandon-join",
			SourceStates:  []State{StateBeginClientJoin, StateEpochPrepared},
			IntendedState: StateError,
		}); err != nil {
			return err
		}
	}

	_, err := a.engine.Submit(ctx, TransitionRequest{
		Name:          "begin-join",
		SourceStates:  restartable,
		IntendedState: StateBeginClientJoin,
		Deadline:      a.deadline(),
		Operation: func(ctx context.Context) (State, error) {
			a.engine.StageValue(ctx, valueEpoch, "")
			a.engine.StageValue(ctx, valuePeer, "")
			a.engine.StageValue(ctx, valueStarted, strconv.FormatInt(time.Now().Unix(), 10))
			return StateBeginClientJoin, nil
		},
	})
	return err
}

func (a *JoinAcceptor) expired() bool {
	if !in(a.engine.State(), []State{StateBeginClientJoin, StateEpochPrepared}) || a.cfg.SessionTimeout <= 0 {
		return false
	}
	raw, ok := a.engine.Value(valueStarted)
	if !ok {
		return true
	}
	started, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return true
	}
	return time.Since(time.Unix(started, 0)) > a.cfg.SessionTimeout
}

// HandleEpochRequest answers the initiator's epoch with a prepared one.
func (a *JoinAcceptor) HandleEpochRequest(ctx context.Context, initiatorEpoch uint64) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	_, err := a.engine.Submit(ctx, TransitionRequest{
		Name:          "prepare-epoch",
		SourceStates:  []State{StateBeginClientJoin},
		IntendedState: StateEpochPrepared,
		Deadline:      a.deadline(),
		Operation: func(ctx context.Context) (State, error) {
			prepared, err := a.service.PrepareEpoch(ctx, initiatorEpoch)
			if err != nil {
				return "", err
			}
			a.engine.StageValue(ctx, valueEpoch, strconv.FormatUint(prepared, 10))
			return StateEpochPrepared, nil
		},
	})
	if err != nil {
		return 0, err
	}
	raw, _ := a.engine.Value(valueEpoch)
	return strconv.ParseUint(raw, 10, 64)
}

// AcceptEpoch begins a join and prepares its epoch in one call.
func (a *JoinAcceptor) AcceptEpoch(ctx context.Context, initiatorEpoch uint64) (uint64, error) {
	if err := a.BeginJoin(ctx); err != nil {
		return 0, err
	}
	return a.HandleEpochRequest(ctx, initiatorEpoch)
}

// HandleIdentity takes the initiator's signed identity through
// AwaitingIdentity and VoucherPrepared to Done. On Done the peer is admitted
// and receives one share of the current TLK of every configured zone.
func (a *JoinAcceptor) HandleIdentity(ctx context.Context, identity interfaces.PeerIdentity) (*JoinResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	received := time.Now()
	_, err := a.engine.Submit(ctx, TransitionRequest{
		Name:          "receive-identity",
		SourceStates:  []State{StateEpochPrepared},
		IntendedState: StateAwaitingIdentity,
		Deadline:      a.deadline(),
		Operation: func(ctx context.Context) (State, error) {
			raw, ok := a.engine.Value(valueEpoch)
			if !ok {
				return "", errors.New("no prepared epoch")
			}
			epoch, err := strconv.ParseUint(raw, 10, 64)
			if err != nil {
				return "", fmt.Errorf("invalid prepared epoch: %w", err)
			}
			if identity.Epoch != epoch {
				return "", fmt.Errorf("identity for epoch %d, prepared %d", identity.Epoch, epoch)
			}
			if err := VerifyIdentity(identity); err != nil {
				return "", err
			}
			a.engine.StageValue(ctx, valuePeer, string(identity.PeerID))
			return StateAwaitingIdentity, nil
		},
	})
	if err != nil {
		return nil, err
	}

	// Each operation hands its result over a buffered channel. The value is
	// only read after Submit reports success, so a late operation writes to a
	// channel nobody reads.
	vouchers := make(chan *interfaces.Voucher, 1)
	_, err = a.engine.Submit(ctx, TransitionRequest{
		Name:          "prepare-voucher",
		SourceStates:  []State{StateAwaitingIdentity},
		IntendedState: StateVoucherPrepared,
		Deadline:      a.deadline(),
		Operation: func(ctx context.Context) (State, error) {
			voucher, err := a.service.IssueVoucher(ctx, identity)
			if err != nil {
				return "", err
			}
			if voucher == nil || voucher.PeerID != identity.PeerID || len(voucher.Signature) == 0 {
				return "", fmt.Errorf("voucher does not bind %s", identity.PeerID.Short())
			}
			vouchers <- voucher
			return StateVoucherPrepared, nil
		},
	})
	if err != nil {
		return nil, err
	}
	voucher := <-vouchers

	results := make(chan *JoinResult, 1)
	_, err = a.engine.Submit(ctx, TransitionRequest{
		Name:          "admit-peer",
		SourceStates:  []State{StateVoucherPrepared},
		IntendedState: StateDone,
		Deadline:      a.deadline(),
		Operation: func(ctx context.Context) (State, error) {
			peer := interfaces.PeerProviderState{
				PeerID:     voucher.PeerID,
				PublicKey:  voucher.EncryptionKey,
				SigningKey: voucher.SigningKey,
				Trusted:    true,
				Epoch:      voucher.Epoch,
			}
			if err := a.admitter.AdmitPeer(ctx, peer); err != nil {
				return "", fmt.Errorf("failed to admit peer: %w", err)
			}
			result := &JoinResult{Voucher: voucher, SponsorSigningKey: a.identity.SigningPublicKey()}
			for _, zone := range a.cfg.Zones {
				share, err := a.issuer.IssueShareForPeer(ctx, zone, peer)
				if err != nil {
					return "", fmt.Errorf("failed to share %s: %w", zone, err)
				}
				result.Shares = append(result.Shares, share)
			}
			results <- result
			return StateDone, nil
		},
	})
	if err != nil {
		return nil, err
	}
	result := <-results

	a.log.Info("Peer joined",
		slog.String("peer", identity.PeerID.Short()),
		slog.Uint64("epoch", identity.Epoch),
		slog.Int("shares", len(result.Shares)),
		slog.Duration("duration", time.Since(received)))
	return result, nil
}

type InitiatorConfig struct {
	// Epoch is the initiator's current epoch.
	Epoch uint64
	// Sponsor pins the expected acceptor. Empty accepts any sponsor whose
	// voucher verifies.
	Sponsor     interfaces.PeerID
	StepTimeout time.Duration
}

// JoinInitiator is the joining side: it requests an epoch, sends its signed
// identity and checks the returned voucher.
type JoinInitiator struct {
	cfg       InitiatorConfig
	engine    *Engine
	identity  *cryptoutils.DeviceIdentity
	transport JoinTransport
	log       *slog.Logger
}

func NewJoinInitiator(cfg InitiatorConfig, engine *Engine, identity *cryptoutils.DeviceIdentity, transport JoinTransport, log *slog.Logger) *JoinInitiator {
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = 30 * time.Second
	}
	return &JoinInitiator{cfg: cfg, engine: engine, identity: identity, transport: transport, log: log}
}

func (j *JoinInitiator) Engine() *Engine {
	return j.engine
}

func (j *JoinInitiator) deadline() time.Time {
	return time.Now().Add(j.cfg.StepTimeout)
}

// Join runs the protocol to Done, resuming from a persisted intermediate
// state. The result is nil when the join resumed after the voucher was
// already verified by an earlier process.
func (j *JoinInitiator) Join(ctx context.Context) (*JoinResult, error) {
	var result *JoinResult
	results := make(chan *JoinResult, 1)

	if in(j.engine.State(), restartable) {
		if _, err := j.engine.Submit(ctx, TransitionRequest{
			Name:          "begin-join",
			SourceStates:  restartable,
			IntendedState: StateBeginClientJoin,
		}); err != nil {
			return nil, err
		}
	}

	if j.engine.State() == StateBeginClientJoin {
		_, err := j.engine.Submit(ctx, TransitionRequest{
			Name:          "request-epoch",
			SourceStates:  []State{StateBeginClientJoin},
			IntendedState: StateEpochPrepared,
			Deadline:      j.deadline(),
			Operation: func(ctx context.Context) (State, error) {
				epoch, err := j.transport.RequestEpoch(ctx, j.cfg.Epoch)
				if err != nil {
					return "", err
				}
				if epoch <= j.cfg.Epoch {
					return "", fmt.Errorf("acceptor epoch %d not after %d", epoch, j.cfg.Epoch)
				}
				j.engine.StageValue(ctx, valueEpoch, strconv.FormatUint(epoch, 10))
				return StateEpochPrepared, nil
			},
		})
		if err != nil {
			return nil, err
		}
	}

	if j.engine.State() == StateEpochPrepared {
		_, err := j.engine.Submit(ctx, TransitionRequest{
			Name:          "send-identity",
			SourceStates:  []State{StateEpochPrepared},
			IntendedState: StateVoucherPrepared,
			Deadline:      j.deadline(),
			Operation: func(ctx context.Context) (State, error) {
				raw, _ := j.engine.Value(valueEpoch)
				epoch, err := strconv.ParseUint(raw, 10, 64)
				if err != nil {
					return "", fmt.Errorf("invalid negotiated epoch: %w", err)
				}
				identity, err := SignIdentity(j.identity, epoch)
				if err != nil {
					return "", err
				}
				res, err := j.transport.SubmitIdentity(ctx, identity)
				if err != nil {
					return "", err
				}
				if err := j.checkResult(res, epoch); err != nil {
					return "", err
				}
				j.engine.StageValue(ctx, valueSponsor, string(res.Voucher.SponsorID))
				results <- res
				return StateVoucherPrepared, nil
			},
		})
		if err != nil {
			return nil, err
		}
		result = <-results
	}

	if _, err := j.engine.Submit(ctx, TransitionRequest{
		Name:          "finish-join",
		SourceStates:  []State{StateVoucherPrepared},
		IntendedState: StateDone,
	}); err != nil {
		return nil, err
	}

	sponsor, _ := j.engine.Value(valueSponsor)
	j.log.Info("Joined trust group", slog.String("sponsor", interfaces.PeerID(sponsor).Short()))
	return result, nil
}

func (j *JoinInitiator) checkResult(res *JoinResult, epoch uint64) error {
	if res == nil || res.Voucher == nil {
		return errors.New("acceptor returned no voucher")
	}
	if err := VerifyVoucher(res.Voucher, res.SponsorSigningKey); err != nil {
		return err
	}
	if res.Voucher.PeerID != j.identity.PeerID() || res.Voucher.Epoch != epoch {
		return fmt.Errorf("%w: voucher is not bound to this identity", interfaces.ErrSignatureInvalid)
	}
	if j.cfg.Sponsor != "" && res.Voucher.SponsorID != j.cfg.Sponsor {
		return fmt.Errorf("%w: voucher from unexpected sponsor %s", interfaces.ErrUntrustedPeer, res.Voucher.SponsorID.Short())
	}
	for _, share := range res.Shares {
		if share.ReceiverPeerID != j.identity.PeerID() {
			return fmt.Errorf("%w: share %s", interfaces.ErrNotAddressedToMe, share.RecordName())
		}
	}
	return nil
}

// LocalTransport connects an initiator to an acceptor in the same process.
type LocalTransport struct {
	Acceptor *JoinAcceptor
}

func (t LocalTransport) RequestEpoch(ctx context.Context, epoch uint64) (uint64, error) {
	return t.Acceptor.AcceptEpoch(ctx, epoch)
}

func (t LocalTransport) SubmitIdentity(ctx context.Context, identity interfaces.PeerIdentity) (*JoinResult, error) {
	return t.Acceptor.HandleIdentity(ctx, identity)
}
