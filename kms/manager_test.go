package kms

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/tee-keysync/cryptoutils"
	"github.com/ruteri/tee-keysync/interfaces"
	"github.com/ruteri/tee-keysync/keybag"
	"github.com/ruteri/tee-keysync/localstate"
	"github.com/ruteri/tee-keysync/opcontext"
	"github.com/ruteri/tee-keysync/peers"
	"github.com/ruteri/tee-keysync/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testZone interfaces.ZoneID = "photos"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testDevice struct {
	identity *cryptoutils.DeviceIdentity
	trust    *peers.StaticProvider
	opctx    *opcontext.OperationContext
	local    *localstate.MemoryStore
	m        *Manager
}

func newTestDevice(t *testing.T, store interfaces.RecordStore) *testDevice {
	identity, err := cryptoutils.GenerateDeviceIdentity()
	require.NoError(t, err)
	return newTestDeviceWithIdentity(t, store, identity, DefaultConfig())
}

func newTestDeviceWithIdentity(t *testing.T, store interfaces.RecordStore, identity *cryptoutils.DeviceIdentity, cfg Config) *testDevice {
	logger := testLogger()

	opCfg := opcontext.DefaultConfig()
	opCfg.LockTimeout = 50 * time.Millisecond
	opCfg.RetryInitialInterval = time.Millisecond
	opCfg.RetryMaxInterval = 10 * time.Millisecond
	opCfg.NotifyInterval = 10 * time.Millisecond
	oc := opcontext.New(opCfg, logger)
	t.Cleanup(oc.Close)

	kb := keybag.NewSoftwareKeybag(make([]byte, 16), logger)
	kb.Unlock([]byte("correct horse"))

	trust := peers.NewStaticProvider("static")
	local := localstate.NewMemoryStore()
	return &testDevice{
		identity: identity,
		trust:    trust,
		opctx:    oc,
		local:    local,
		m:        NewManager(cfg, oc, store, identity, trust, kb, local),
	}
}

func (d *testDevice) trusts(t *testing.T, others ...*testDevice) {
	for _, other := range others {
		require.NoError(t, d.trust.AdmitPeer(context.Background(), other.identity.TrustState(1)))
	}
}

func newTestStore() interfaces.RecordStore {
	return storage.NewMemoryBackend("kms-test", testLogger())
}

func TestWrapUnwrapRoundTrip(t *testing.T) {
	under, err := cryptoutils.GenerateKeyMaterial()
	require.NoError(t, err)
	other, err := cryptoutils.GenerateKeyMaterial()
	require.NoError(t, err)

	tests := []struct {
		name     string
		material []byte
	}{
		{name: "symmetric key", material: mustMaterial(t)},
		{name: "short secret", material: []byte("sixteen byte key")},
		{name: "empty", material: []byte{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := uuid.New()
			wrapped, err := Wrap(tt.material, id, under)
			require.NoError(t, err)

			unwrapped, err := Unwrap(wrapped, id, under)
			require.NoError(t, err)
			assert.Equal(t, tt.material, unwrapped)

			_, err = Unwrap(wrapped, uuid.New(), under)
			assert.ErrorIs(t, err, interfaces.ErrWrapFailed)

			_, err = Unwrap(wrapped, id, other)
			assert.ErrorIs(t, err, interfaces.ErrWrapFailed)
		})
	}
}

func mustMaterial(t *testing.T) []byte {
	material, err := cryptoutils.GenerateKeyMaterial()
	require.NoError(t, err)
	return material
}

func TestKeyTableChain(t *testing.T) {
	tlkID, aID, cID := uuid.New(), uuid.New(), uuid.New()
	tlk := &interfaces.Key{ID: tlkID, Class: interfaces.KeyClassTLK, Zone: testZone}
	classA := &interfaces.Key{ID: aID, Class: interfaces.KeyClassA, Zone: testZone, WrappedUnderKeyID: &tlkID}

	missing := uuid.New()
	orphan := &interfaces.Key{ID: uuid.New(), Class: interfaces.KeyClassC, Zone: testZone, WrappedUnderKeyID: &missing}

	loopA, loopB := uuid.New(), uuid.New()
	cycleA := &interfaces.Key{ID: loopA, Class: interfaces.KeyClassA, Zone: testZone, WrappedUnderKeyID: &loopB}
	cycleB := &interfaces.Key{ID: loopB, Class: interfaces.KeyClassC, Zone: testZone, WrappedUnderKeyID: &loopA}

	wrappedTLK := &interfaces.Key{ID: uuid.New(), Class: interfaces.KeyClassTLK, Zone: testZone, WrappedUnderKeyID: &tlkID}
	parentless := &interfaces.Key{ID: cID, Class: interfaces.KeyClassC, Zone: testZone}
	foreign := &interfaces.Key{ID: uuid.New(), Class: interfaces.KeyClassC, Zone: "other", WrappedUnderKeyID: &tlkID}

	table := NewKeyTable(tlk, classA, orphan, cycleA, cycleB, wrappedTLK, parentless, foreign)

	chain, err := table.Chain(aID)
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.Equal(t, tlkID, chain[1].ID)

	root, err := table.Root(aID)
	require.NoError(t, err)
	assert.Equal(t, tlkID, root.ID)

	for name, id := range map[string]uuid.UUID{
		"unknown key":    uuid.New(),
		"missing parent": orphan.ID,
		"cycle":          loopA,
		"wrapped tlk":    wrappedTLK.ID,
		"no parent":      cID,
		"cross zone":     foreign.ID,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := table.Chain(id)
			assert.ErrorIs(t, err, interfaces.ErrBrokenKeyChain)
		})
	}
}

func TestLoadOrCreateThenCommit(t *testing.T) {
	ctx := context.Background()
	alice := newTestDevice(t, newTestStore())

	proposed, err := alice.m.LoadOrCreateCurrentKeySet(ctx, testZone)
	require.NoError(t, err)
	assert.True(t, proposed.Proposed)
	assert.False(t, proposed.CurrentTLKPointer.Exists())
	require.NoError(t, ValidateKeySet(proposed))
	require.Len(t, proposed.PendingTLKShares, 1)
	assert.Equal(t, alice.identity.PeerID(), proposed.PendingTLKShares[0].ReceiverPeerID)

	committed, err := alice.m.CommitKeySet(ctx, proposed)
	require.NoError(t, err)
	assert.False(t, committed.Proposed)
	for _, class := range interfaces.AllKeyClasses {
		ptr := committed.PointerFor(class)
		assert.True(t, ptr.Exists(), class.String())
		assert.Equal(t, committed.KeyFor(class).ID, ptr.CurrentKeyID)
	}

	loaded, err := alice.m.LoadOrCreateCurrentKeySet(ctx, testZone)
	require.NoError(t, err)
	assert.False(t, loaded.Proposed)
	assert.Equal(t, committed.TLK.ID, loaded.TLK.ID)
	assert.Equal(t, committed.ClassA.ID, loaded.ClassA.ID)
	assert.Len(t, loaded.SharesFor(alice.identity.PeerID()), 1)

	// A stale proposal can no longer be committed.
	_, err = alice.m.CommitKeySet(ctx, proposed)
	assert.ErrorIs(t, err, interfaces.ErrVersionConflict)
}

func TestUncommittedProposalsAreBounded(t *testing.T) {
	ctx := context.Background()
	alice := newTestDevice(t, newTestStore())

	tlkCount := func() (int, int) {
		alice.m.mu.Lock()
		defer alice.m.mu.Unlock()
		return len(alice.m.tlks), len(alice.m.proposals)
	}

	var last *interfaces.KeySet
	for i := 0; i < 50; i++ {
		ks, err := alice.m.LoadOrCreateCurrentKeySet(ctx, testZone)
		require.NoError(t, err)
		last = ks
	}
	committed, proposals := tlkCount()
	assert.Equal(t, 0, committed)
	assert.Equal(t, 1, proposals)

	_, err := alice.m.LoadCurrentKeySet(ctx, testZone)
	assert.ErrorIs(t, err, interfaces.ErrContentNotFound)

	// Committing the newest proposal promotes its material.
	ks, err := alice.m.CommitKeySet(ctx, last)
	require.NoError(t, err)
	committed, proposals = tlkCount()
	assert.Equal(t, 1, committed)
	assert.Equal(t, 0, proposals)
	_, material, err := alice.m.CurrentKey(ctx, testZone, interfaces.KeyClassTLK)
	require.NoError(t, err)
	require.NoError(t, VerifyTLK(ks.TLK, material))

	// A rotation that loses its commit leaves nothing behind.
	stale, err := alice.m.RotateTLK(ctx, testZone)
	require.NoError(t, err)
	_, err = alice.m.RotateAndCommit(ctx, testZone)
	require.NoError(t, err)
	_, err = alice.m.CommitKeySet(ctx, stale)
	require.ErrorIs(t, err, interfaces.ErrVersionConflict)
	_, proposals = tlkCount()
	assert.Equal(t, 0, proposals)
}

func TestCurrentKeyAndLockState(t *testing.T) {
	ctx := context.Background()
	alice := newTestDevice(t, newTestStore())

	_, _, err := alice.m.CurrentKey(ctx, testZone, interfaces.KeyClassC)
	assert.ErrorIs(t, err, interfaces.ErrContentNotFound)

	_, err = alice.m.EnsureKeySet(ctx, testZone)
	require.NoError(t, err)

	keyC, materialC, err := alice.m.CurrentKey(ctx, testZone, interfaces.KeyClassC)
	require.NoError(t, err)
	assert.Equal(t, interfaces.KeyClassC, keyC.Class)
	assert.Len(t, materialC, cryptoutils.KeySize)

	alice.opctx.Lock.SetLocked(true)
	_, _, err = alice.m.CurrentKey(ctx, testZone, interfaces.KeyClassA)
	assert.ErrorIs(t, err, interfaces.ErrLocked)

	_, err = alice.m.RotateTLK(ctx, testZone)
	assert.ErrorIs(t, err, interfaces.ErrLocked)

	_, lockedC, err := alice.m.CurrentKey(ctx, testZone, interfaces.KeyClassC)
	require.NoError(t, err)
	assert.Equal(t, materialC, lockedC)

	alice.opctx.Lock.SetLocked(false)
	_, materialA, err := alice.m.CurrentKey(ctx, testZone, interfaces.KeyClassA)
	require.NoError(t, err)
	assert.NotEqual(t, materialC, materialA)
}

func TestConcurrentRotationSingleAuthoritativePointer(t *testing.T) {
	ctx := context.Background()
	alice := newTestDevice(t, newTestStore())

	base, err := alice.m.EnsureKeySet(ctx, testZone)
	require.NoError(t, err)

	const rotations = 6
	proposals := make([]*interfaces.KeySet, rotations)
	var wg sync.WaitGroup
	for i := range proposals {
		wg.Add(1)
		go func() {
			defer wg.Done()
			proposals[i], _ = alice.m.RotateTLK(ctx, testZone)
		}()
	}
	wg.Wait()
	for _, p := range proposals {
		require.NotNil(t, p)
		assert.True(t, p.Proposed)
		assert.Equal(t, base.TLK.Generation+1, p.TLK.Generation)
	}

	start := make(chan struct{})
	errs := make([]error, rotations)
	for i := range proposals {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, errs[i] = alice.m.CommitKeySet(ctx, proposals[i])
		}()
	}
	close(start)
	wg.Wait()

	var winner *interfaces.KeySet
	for i, err := range errs {
		if err == nil {
			require.Nil(t, winner, "more than one commit succeeded")
			winner = proposals[i]
			continue
		}
		assert.ErrorIs(t, err, interfaces.ErrVersionConflict)
	}
	require.NotNil(t, winner)

	current, err := alice.m.LoadOrCreateCurrentKeySet(ctx, testZone)
	require.NoError(t, err)
	assert.False(t, current.Proposed)
	assert.Equal(t, winner.TLK.ID, current.TLK.ID)
	assert.Equal(t, winner.ClassA.ID, current.ClassA.ID)
	assert.Equal(t, winner.ClassC.ID, current.ClassC.ID)
}

func TestRotateAndCommitConverges(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()
	alice := newTestDevice(t, store)
	bob := newTestDevice(t, store)
	alice.trusts(t, bob)
	bob.trusts(t, alice)

	_, err := alice.m.EnsureKeySet(ctx, testZone)
	require.NoError(t, err)
	_, aliceC, err := alice.m.CurrentKey(ctx, testZone, interfaces.KeyClassC)
	require.NoError(t, err)

	// bob recovers the TLK from the share alice wrapped to him.
	_, bobC, err := bob.m.CurrentKey(ctx, testZone, interfaces.KeyClassC)
	require.NoError(t, err)
	assert.Equal(t, aliceC, bobC)

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i, d := range []*testDevice{alice, bob} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, results[i] = d.m.RotateAndCommit(ctx, testZone)
		}()
	}
	wg.Wait()
	require.NoError(t, results[0])
	require.NoError(t, results[1])

	fromAlice, err := alice.m.LoadOrCreateCurrentKeySet(ctx, testZone)
	require.NoError(t, err)
	fromBob, err := bob.m.LoadOrCreateCurrentKeySet(ctx, testZone)
	require.NoError(t, err)
	assert.False(t, fromAlice.Proposed)
	assert.Equal(t, fromAlice.TLK.ID, fromBob.TLK.ID)
	assert.Greater(t, fromAlice.TLK.Generation, uint64(1))

	// Rotation re-wraps class keys, it does not replace their material.
	_, rotatedC, err := bob.m.CurrentKey(ctx, testZone, interfaces.KeyClassC)
	require.NoError(t, err)
	assert.Equal(t, aliceC, rotatedC)
}

func TestIssueShareForPeer(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()
	alice := newTestDevice(t, store)
	carol := newTestDevice(t, store)
	mallory := newTestDevice(t, store)
	carol.trusts(t, alice)

	ks, err := alice.m.EnsureKeySet(ctx, testZone)
	require.NoError(t, err)

	_, err = alice.m.IssueShareForPeer(ctx, testZone, interfaces.PeerProviderState{PeerID: mallory.identity.PeerID(), Trusted: false})
	assert.ErrorIs(t, err, interfaces.ErrUntrustedPeer)

	_, _, err = carol.m.CurrentKey(ctx, testZone, interfaces.KeyClassC)
	assert.ErrorIs(t, err, interfaces.ErrKeyMaterialMissing)

	for i := 0; i < 2; i++ {
		share, err := alice.m.IssueShareForPeer(ctx, testZone, carol.identity.TrustState(1))
		require.NoError(t, err)
		assert.Equal(t, carol.identity.PeerID(), share.ReceiverPeerID)
		assert.Equal(t, ks.TLK.ID, share.KeyID)
	}

	shares, err := alice.m.Distributor().FetchShares(ctx, testZone, &ks.TLK.ID)
	require.NoError(t, err)
	forCarol := 0
	for _, s := range shares {
		if s.ReceiverPeerID == carol.identity.PeerID() {
			forCarol++
		}
	}
	assert.Equal(t, 1, forCarol)

	_, aliceC, err := alice.m.CurrentKey(ctx, testZone, interfaces.KeyClassC)
	require.NoError(t, err)
	_, carolC, err := carol.m.CurrentKey(ctx, testZone, interfaces.KeyClassC)
	require.NoError(t, err)
	assert.Equal(t, aliceC, carolC)

	// mallory never received a share and cannot load the key set.
	_, err = mallory.m.EnsureKeySet(ctx, testZone)
	assert.ErrorIs(t, err, interfaces.ErrKeyMaterialMissing)
}

func TestShareWithTrustedPeers(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()
	alice := newTestDevice(t, store)
	bob := newTestDevice(t, store)
	bob.trusts(t, alice)

	_, err := alice.m.EnsureKeySet(ctx, testZone)
	require.NoError(t, err)

	alice.trusts(t, bob)
	issued, err := alice.m.ShareWithTrustedPeers(ctx, testZone)
	require.NoError(t, err)
	assert.Equal(t, 1, issued)

	issued, err = alice.m.ShareWithTrustedPeers(ctx, testZone)
	require.NoError(t, err)
	assert.Equal(t, 0, issued)

	_, _, err = bob.m.CurrentKey(ctx, testZone, interfaces.KeyClassC)
	require.NoError(t, err)
}

func TestRecoverFromSelfShareAfterCacheLoss(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()
	alice := newTestDevice(t, store)

	ks, err := alice.m.EnsureKeySet(ctx, testZone)
	require.NoError(t, err)
	_, before, err := alice.m.CurrentKey(ctx, testZone, interfaces.KeyClassC)
	require.NoError(t, err)

	restarted := newTestDeviceWithIdentity(t, store, alice.identity, DefaultConfig())
	loaded, err := restarted.m.LoadOrCreateCurrentKeySet(ctx, testZone)
	require.NoError(t, err)
	assert.Equal(t, ks.TLK.ID, loaded.TLK.ID)

	_, after, err := restarted.m.CurrentKey(ctx, testZone, interfaces.KeyClassC)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	sealed, err := restarted.local.LoadKeyMaterial(ctx, testZone, ks.TLK.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, sealed)
}

func TestPartialCommitRepair(t *testing.T) {
	ctx := context.Background()
	alice := newTestDevice(t, newTestStore())

	base, err := alice.m.EnsureKeySet(ctx, testZone)
	require.NoError(t, err)
	_, materialC, err := alice.m.CurrentKey(ctx, testZone, interfaces.KeyClassC)
	require.NoError(t, err)

	// Move only the TLK pointer, as if the device stopped mid-commit.
	proposed, err := alice.m.RotateTLK(ctx, testZone)
	require.NoError(t, err)
	require.NoError(t, alice.m.saveKey(ctx, proposed.TLK))
	for _, share := range proposed.PendingTLKShares {
		require.NoError(t, alice.m.Distributor().Publish(ctx, share))
	}
	ptr := proposed.CurrentTLKPointer
	ptr.CurrentKeyID = proposed.TLK.ID
	_, err = alice.m.Pointers().Commit(ctx, ptr)
	require.NoError(t, err)

	repair, err := alice.m.LoadOrCreateCurrentKeySet(ctx, testZone)
	require.NoError(t, err)
	assert.True(t, repair.Proposed)
	assert.Equal(t, proposed.TLK.ID, repair.TLK.ID)
	parent, ok := repair.ClassC.ParentID()
	require.True(t, ok)
	assert.Equal(t, proposed.TLK.ID, parent)
	assert.NotEqual(t, base.ClassC.ID, repair.ClassC.ID)

	repaired, err := alice.m.EnsureKeySet(ctx, testZone)
	require.NoError(t, err)
	assert.False(t, repaired.Proposed)

	_, after, err := alice.m.CurrentKey(ctx, testZone, interfaces.KeyClassC)
	require.NoError(t, err)
	assert.Equal(t, materialC, after)
}

func TestGarbageCollectShares(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.CollectOnRotate = false

	identity, err := cryptoutils.GenerateDeviceIdentity()
	require.NoError(t, err)
	alice := newTestDeviceWithIdentity(t, newTestStore(), identity, cfg)

	_, err = alice.m.EnsureKeySet(ctx, testZone)
	require.NoError(t, err)
	_, err = alice.m.RotateAndCommit(ctx, testZone)
	require.NoError(t, err)
	current, err := alice.m.RotateAndCommit(ctx, testZone)
	require.NoError(t, err)

	// A proposal of a rotation still in flight must survive collection.
	inflight, err := alice.m.RotateTLK(ctx, testZone)
	require.NoError(t, err)
	require.NoError(t, alice.m.saveKey(ctx, inflight.TLK))
	for _, share := range inflight.PendingTLKShares {
		require.NoError(t, alice.m.Distributor().Publish(ctx, share))
	}

	all, err := alice.m.Distributor().FetchShares(ctx, testZone, nil)
	require.NoError(t, err)
	require.Len(t, all, 4)

	removed, err := alice.m.GarbageCollectShares(ctx, testZone)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	left, err := alice.m.Distributor().FetchShares(ctx, testZone, nil)
	require.NoError(t, err)
	require.Len(t, left, 2)
	for _, s := range left {
		assert.Contains(t, []uuid.UUID{current.TLK.ID, inflight.TLK.ID}, s.KeyID)
	}
}

func TestVerifyTLK(t *testing.T) {
	tlk, material, err := newTLK(testZone, 1)
	require.NoError(t, err)
	require.NoError(t, VerifyTLK(tlk, material))

	err = VerifyTLK(tlk, mustMaterial(t))
	assert.ErrorIs(t, err, interfaces.ErrWrapFailed)

	child, err := newChildKey(interfaces.KeyClassC, tlk, material, mustMaterial(t))
	require.NoError(t, err)
	err = VerifyTLK(child, material)
	assert.ErrorIs(t, err, interfaces.ErrBrokenKeyChain)
}
