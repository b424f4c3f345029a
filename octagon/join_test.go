package octagon

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/ruteri/tee-keysync/cryptoutils"
	"github.com/ruteri/tee-keysync/interfaces"
	"github.com/ruteri/tee-keysync/keybag"
	"github.com/ruteri/tee-keysync/kms"
	"github.com/ruteri/tee-keysync/localstate"
	"github.com/ruteri/tee-keysync/opcontext"
	"github.com/ruteri/tee-keysync/peers"
	"github.com/ruteri/tee-keysync/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testZone interfaces.ZoneID = "photos"

type testDevice struct {
	identity *cryptoutils.DeviceIdentity
	trust    *peers.StaticProvider
	local    *localstate.MemoryStore
	m        *kms.Manager
}

func newTestDevice(t *testing.T, store interfaces.RecordStore) *testDevice {
	identity, err := cryptoutils.GenerateDeviceIdentity()
	require.NoError(t, err)

	opCfg := opcontext.DefaultConfig()
	opCfg.LockTimeout = 50 * time.Millisecond
	opCfg.RetryInitialInterval = time.Millisecond
	opCfg.RetryMaxInterval = 10 * time.Millisecond
	oc := opcontext.New(opCfg, testLogger())
	t.Cleanup(oc.Close)

	kb := keybag.NewSoftwareKeybag(make([]byte, 16), testLogger())
	kb.Unlock([]byte("correct horse"))

	trust := peers.NewStaticProvider("static")
	local := localstate.NewMemoryStore()
	return &testDevice{
		identity: identity,
		trust:    trust,
		local:    local,
		m:        kms.NewManager(kms.DefaultConfig(), oc, store, identity, trust, kb, local),
	}
}

func newTestAcceptor(t *testing.T, d *testDevice) *JoinAcceptor {
	cfg := DefaultAcceptorConfig()
	cfg.Zones = []interfaces.ZoneID{testZone}
	cfg.StepTimeout = 10 * time.Second

	engine := newTestEngine(t, d.local, "join-acceptor")
	service := NewLocalVoucherService(d.identity, 5, testLogger())
	a, err := NewJoinAcceptor(context.Background(), cfg, engine, d.identity, service, d.trust, d.m, testLogger())
	require.NoError(t, err)
	return a
}

func TestBootstrapScenario(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryBackend("join-test", testLogger())
	alice := newTestDevice(t, store)
	bob := newTestDevice(t, store)
	require.NoError(t, bob.trust.AdmitPeer(ctx, alice.identity.TrustState(1)))

	ks, err := alice.m.EnsureKeySet(ctx, testZone)
	require.NoError(t, err)

	acceptor := newTestAcceptor(t, alice)
	require.NoError(t, acceptor.BeginJoin(ctx))
	require.Equal(t, StateBeginClientJoin, acceptor.Engine().State())

	epoch, err := acceptor.HandleEpochRequest(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), epoch)
	require.Equal(t, StateEpochPrepared, acceptor.Engine().State())

	identity, err := SignIdentity(bob.identity, epoch)
	require.NoError(t, err)
	result, err := acceptor.HandleIdentity(ctx, identity)
	require.NoError(t, err)
	assert.Equal(t, StateDone, acceptor.Engine().State())

	var visited []State
	for _, rec := range acceptor.Engine().History() {
		visited = append(visited, rec.To)
	}
	assert.Equal(t, []State{StateBeginClientJoin, StateEpochPrepared, StateAwaitingIdentity, StateVoucherPrepared, StateDone}, visited)

	require.NotNil(t, result.Voucher)
	assert.Equal(t, bob.identity.PeerID(), result.Voucher.PeerID)
	assert.Equal(t, alice.identity.PeerID(), result.Voucher.SponsorID)
	assert.NotEmpty(t, result.Voucher.Signature)
	require.NoError(t, VerifyVoucher(result.Voucher, result.SponsorSigningKey))

	// Exactly one share addressed to bob for the current TLK.
	require.Len(t, result.Shares, 1)
	assert.Equal(t, bob.identity.PeerID(), result.Shares[0].ReceiverPeerID)
	assert.Equal(t, ks.TLK.ID, result.Shares[0].KeyID)

	shares, err := alice.m.Distributor().FetchShares(ctx, testZone, &ks.TLK.ID)
	require.NoError(t, err)
	forBob := 0
	for _, s := range shares {
		if s.ReceiverPeerID == bob.identity.PeerID() {
			forBob++
		}
	}
	assert.Equal(t, 1, forBob)

	admitted, err := alice.trust.CurrentTrustStates(ctx)
	require.NoError(t, err)
	require.Len(t, admitted, 1)
	assert.Equal(t, bob.identity.PeerID(), admitted[0].PeerID)
	assert.True(t, admitted[0].Trusted)

	_, aliceC, err := alice.m.CurrentKey(ctx, testZone, interfaces.KeyClassC)
	require.NoError(t, err)
	_, bobC, err := bob.m.CurrentKey(ctx, testZone, interfaces.KeyClassC)
	require.NoError(t, err)
	assert.Equal(t, aliceC, bobC)
}

func TestHandleIdentityRejects(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryBackend("join-reject-test", testLogger())
	alice := newTestDevice(t, store)
	bob := newTestDevice(t, store)
	mallory := newTestDevice(t, store)

	_, err := alice.m.EnsureKeySet(ctx, testZone)
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(epoch uint64) interfaces.PeerIdentity
		sigErr bool
	}{
		{
			name: "stale epoch",
			mutate: func(epoch uint64) interfaces.PeerIdentity {
				id, err := SignIdentity(bob.identity, epoch-1)
				require.NoError(t, err)
				return id
			},
		},
		{
			name: "foreign peer id",
			mutate: func(epoch uint64) interfaces.PeerIdentity {
				id, err := SignIdentity(mallory.identity, epoch)
				require.NoError(t, err)
				id.PeerID = bob.identity.PeerID()
				return id
			},
			sigErr: true,
		},
		{
			name: "tampered encryption key",
			mutate: func(epoch uint64) interfaces.PeerIdentity {
				id, err := SignIdentity(bob.identity, epoch)
				require.NoError(t, err)
				id.EncryptionKey = mallory.identity.EncryptionPublicKey()
				return id
			},
			sigErr: true,
		},
	}

	acceptor := newTestAcceptor(t, alice)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			epoch, err := acceptor.AcceptEpoch(ctx, 0)
			require.NoError(t, err)

			_, err = acceptor.HandleIdentity(ctx, tt.mutate(epoch))
			require.Error(t, err)
			if tt.sigErr {
				assert.ErrorIs(t, err, interfaces.ErrSignatureInvalid)
			}
			assert.Equal(t, StateError, acceptor.Engine().State())
		})
	}

	// An identity without a prepared epoch is a protocol violation.
	id, err := SignIdentity(bob.identity, 1)
	require.NoError(t, err)
	_, err = acceptor.HandleIdentity(ctx, id)
	assert.ErrorIs(t, err, interfaces.ErrProtocolViolation)

	trusted, err := alice.trust.CurrentTrustStates(ctx)
	require.NoError(t, err)
	assert.Empty(t, trusted)
}

func TestJoinWithLocalTransport(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryBackend("join-local-test", testLogger())
	alice := newTestDevice(t, store)
	bob := newTestDevice(t, store)
	require.NoError(t, bob.trust.AdmitPeer(ctx, alice.identity.TrustState(1)))

	_, err := alice.m.EnsureKeySet(ctx, testZone)
	require.NoError(t, err)
	acceptor := newTestAcceptor(t, alice)

	initiator := NewJoinInitiator(InitiatorConfig{Epoch: 3, Sponsor: alice.identity.PeerID()},
		newTestEngine(t, bob.local, "join-initiator"), bob.identity, LocalTransport{Acceptor: acceptor}, testLogger())

	result, err := initiator.Join(ctx)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, StateDone, initiator.Engine().State())
	assert.Equal(t, StateDone, acceptor.Engine().State())
	assert.Equal(t, bob.identity.PeerID(), result.Voucher.PeerID)
	assert.Greater(t, result.Voucher.Epoch, uint64(3))

	_, _, err = bob.m.CurrentKey(ctx, testZone, interfaces.KeyClassC)
	require.NoError(t, err)

	// A pinned sponsor that does not match fails the join.
	carol := newTestDevice(t, store)
	pinned := NewJoinInitiator(InitiatorConfig{Sponsor: bob.identity.PeerID()},
		newTestEngine(t, carol.local, "join-initiator"), carol.identity, LocalTransport{Acceptor: acceptor}, testLogger())
	_, err = pinned.Join(ctx)
	assert.ErrorIs(t, err, interfaces.ErrUntrustedPeer)
	assert.Equal(t, StateError, pinned.Engine().State())
}

func TestJoinResumes(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryBackend("join-resume-test", testLogger())
	alice := newTestDevice(t, store)
	bob := newTestDevice(t, store)

	_, err := alice.m.EnsureKeySet(ctx, testZone)
	require.NoError(t, err)
	acceptor := newTestAcceptor(t, alice)

	// The initiator crashed after the acceptor prepared the epoch.
	epoch, err := acceptor.AcceptEpoch(ctx, 0)
	require.NoError(t, err)
	require.NoError(t, bob.local.SaveMachineState(ctx, "join-initiator", interfaces.MachineSnapshot{
		State:  string(StateEpochPrepared),
		Values: map[string]string{valueEpoch: strconv.FormatUint(epoch, 10)},
	}))

	initiator := NewJoinInitiator(InitiatorConfig{}, newTestEngine(t, bob.local, "join-initiator"), bob.identity, LocalTransport{Acceptor: acceptor}, testLogger())
	_, err = initiator.Join(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateDone, initiator.Engine().State())
	history := initiator.Engine().History()
	require.Len(t, history, 2)
	assert.Equal(t, StateVoucherPrepared, history[0].To)
	assert.Equal(t, StateDone, history[1].To)

	// An acceptor restarted between identity receipt and admission abandons the join.
	require.NoError(t, alice.local.SaveMachineState(ctx, "join-acceptor", interfaces.MachineSnapshot{State: string(StateVoucherPrepared)}))
	restarted := newTestAcceptor(t, alice)
	assert.Equal(t, StateError, restarted.Engine().State())
}

func TestStaleJoinIsReplaced(t *testing.T) {
	ctx := context.Background()
	alice := newTestDevice(t, storage.NewMemoryBackend("join-stale-test", testLogger()))
	acceptor := newTestAcceptor(t, alice)
	acceptor.cfg.SessionTimeout = time.Minute

	_, err := acceptor.AcceptEpoch(ctx, 0)
	require.NoError(t, err)

	// A second initiator is refused while the first is within its session.
	_, err = acceptor.AcceptEpoch(ctx, 0)
	assert.ErrorIs(t, err, interfaces.ErrProtocolViolation)

	acceptor.Engine().SetValue(valueStarted, "0")
	_, err = acceptor.AcceptEpoch(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, StateEpochPrepared, acceptor.Engine().State())
}

// stallingVoucherService answers its first voucher only after delay and
// ignores cancellation.
type stallingVoucherService struct {
	*LocalVoucherService
	delay   time.Duration
	stalled chan struct{}
	once    sync.Once
}

func (s *stallingVoucherService) IssueVoucher(ctx context.Context, identity interfaces.PeerIdentity) (*interfaces.Voucher, error) {
	first := false
	s.once.Do(func() { first = true })
	if first {
		defer close(s.stalled)
		time.Sleep(s.delay)
	}
	return s.LocalVoucherService.IssueVoucher(context.Background(), identity)
}

func TestAbandonedStepDoesNotLeakIntoNextJoin(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryBackend("join-late-test", testLogger())
	alice := newTestDevice(t, store)
	bob := newTestDevice(t, store)
	carol := newTestDevice(t, store)
	_, err := alice.m.EnsureKeySet(ctx, testZone)
	require.NoError(t, err)

	cfg := DefaultAcceptorConfig()
	cfg.Zones = []interfaces.ZoneID{testZone}
	cfg.StepTimeout = 50 * time.Millisecond
	service := &stallingVoucherService{
		LocalVoucherService: NewLocalVoucherService(alice.identity, 5, testLogger()),
		delay:               150 * time.Millisecond,
		stalled:             make(chan struct{}),
	}
	acceptor, err := NewJoinAcceptor(ctx, cfg, newTestEngine(t, alice.local, "join-acceptor"),
		alice.identity, service, alice.trust, alice.m, testLogger())
	require.NoError(t, err)

	epoch, err := acceptor.AcceptEpoch(ctx, 0)
	require.NoError(t, err)
	bobIdentity, err := SignIdentity(bob.identity, epoch)
	require.NoError(t, err)
	_, err = acceptor.HandleIdentity(ctx, bobIdentity)
	require.ErrorIs(t, err, interfaces.ErrTransitionTimeout)
	assert.Equal(t, StateError, acceptor.Engine().State())

	// The next join runs while the abandoned voucher step is still going.
	acceptor.cfg.StepTimeout = 10 * time.Second
	epoch, err = acceptor.AcceptEpoch(ctx, 0)
	require.NoError(t, err)
	carolIdentity, err := SignIdentity(carol.identity, epoch)
	require.NoError(t, err)
	result, err := acceptor.HandleIdentity(ctx, carolIdentity)
	require.NoError(t, err)
	assert.Equal(t, carol.identity.PeerID(), result.Voucher.PeerID)

	<-service.stalled
	peer, _ := acceptor.Engine().Value(valuePeer)
	assert.Equal(t, string(carol.identity.PeerID()), peer)

	admitted, err := alice.trust.CurrentTrustStates(ctx)
	require.NoError(t, err)
	require.Len(t, admitted, 1)
	assert.Equal(t, carol.identity.PeerID(), admitted[0].PeerID)
}
