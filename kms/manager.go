package kms

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/ruteri/tee-keysync/cryptoutils"
	"github.com/ruteri/tee-keysync/interfaces"
	"github.com/ruteri/tee-keysync/metrics"
	"github.com/ruteri/tee-keysync/opcontext"
	"github.com/ruteri/tee-keysync/pointerstore"
	"github.com/ruteri/tee-keysync/records"
	"github.com/ruteri/tee-keysync/tlkshare"
	"golang.org/x/sync/errgroup"
)

// Config tunes the Manager.
type Config struct {
	// ConflictRetries bounds refetch-and-recompute rounds after a lost commit.
	ConflictRetries int
	// CollectOnRotate removes shares of retired TLKs after a successful rotation.
	CollectOnRotate bool
	// ShareConcurrency limits parallel share creation during rotation.
	ShareConcurrency int
}

func DefaultConfig() Config {
	return Config{
		ConflictRetries:  5,
		CollectOnRotate:  true,
		ShareConcurrency: 8,
	}
}

// Manager owns the key hierarchy of every zone this device participates in.
// It never holds a lock across remote calls; mutating operations are
// serialized per zone through the OperationContext.
type Manager struct {
	cfg      Config
	opctx    *opcontext.OperationContext
	store    interfaces.RecordStore
	pointers *pointerstore.Store
	shares   *tlkshare.Distributor
	identity *cryptoutils.DeviceIdentity
	peers    interfaces.PeerProvider
	keybag   interfaces.Keybag
	local    interfaces.LocalStateStore
	log      *slog.Logger

	mu sync.Mutex
	// Verified material of committed TLKs.
	tlks map[uuid.UUID][]byte
	// Material of the newest uncommitted TLK per zone. CommitKeySet promotes
	// it into tlks or wipes it.
	proposals map[interfaces.ZoneID]proposal
}

type proposal struct {
	tlkID    uuid.UUID
	material []byte
}

// NewManager wires a Manager and registers it as the key cache of its share
// distributor, so material recovered from shares is verified and cached here.
func NewManager(cfg Config, opctx *opcontext.OperationContext, store interfaces.RecordStore, identity *cryptoutils.DeviceIdentity, peers interfaces.PeerProvider, keybag interfaces.Keybag, local interfaces.LocalStateStore) *Manager {
	m := &Manager{
		cfg:      cfg,
		opctx:    opctx,
		store:    store,
		pointers: pointerstore.New(store, opctx.Log),
		shares:   tlkshare.NewDistributor(identity, peers, store, opctx.Log),
		identity: identity,
		peers:    peers,
		keybag:   keybag,
		local:    local,
		log:      opctx.Log,
		tlks:      make(map[uuid.UUID][]byte),
		proposals: make(map[interfaces.ZoneID]proposal),
	}
	m.shares.SetKeyCache(m)
	return m
}

func (m *Manager) Pointers() *pointerstore.Store {
	return m.pointers
}

func (m *Manager) Distributor() *tlkshare.Distributor {
	return m.shares
}

// Wrap encrypts key material under a wrapping key, bound to the wrapped key's id.
func Wrap(material []byte, keyID uuid.UUID, under []byte) ([]byte, error) {
	return cryptoutils.WrapKey(under, material, keyID[:])
}

// Unwrap reverses Wrap. A wrong wrapping key or key id yields ErrWrapFailed.
func Unwrap(wrapped []byte, keyID uuid.UUID, under []byte) ([]byte, error) {
	return cryptoutils.UnwrapKey(under, wrapped, keyID[:])
}

// VerifyTLK checks candidate material against the TLK's self-wrap.
func VerifyTLK(tlk *interfaces.Key, material []byte) error {
	if tlk.Class != interfaces.KeyClassTLK {
		return fmt.Errorf("%w: key %s is a %s key", interfaces.ErrBrokenKeyChain, tlk.ID, tlk.Class)
	}

	opened, err := Unwrap(tlk.WrappedMaterial, tlk.ID, material)
	if err != nil {
		return fmt.Errorf("tlk %s does not open with candidate material: %w", tlk.ID, err)
	}
	defer cryptoutils.WipeBytes(opened)

	if subtle.ConstantTimeCompare(opened, material) != 1 {
		return fmt.Errorf("%w: tlk %s self-wrap mismatch", interfaces.ErrWrapFailed, tlk.ID)
	}
	return nil
}

func newTLK(zone interfaces.ZoneID, generation uint64) (*interfaces.Key, []byte, error) {
	material, err := cryptoutils.GenerateKeyMaterial()
	if err != nil {
		return nil, nil, err
	}

	id := uuid.New()
	wrapped, err := Wrap(material, id, material)
	if err != nil {
		return nil, nil, err
	}

	return &interfaces.Key{
		ID:              id,
		Class:           interfaces.KeyClassTLK,
		Zone:            zone,
		WrappedMaterial: wrapped,
		Generation:      generation,
	}, material, nil
}

func newChildKey(class interfaces.KeyClass, tlk *interfaces.Key, tlkMaterial, material []byte) (*interfaces.Key, error) {
	id := uuid.New()
	wrapped, err := Wrap(material, id, tlkMaterial)
	if err != nil {
		return nil, err
	}

	parent := tlk.ID
	return &interfaces.Key{
		ID:                id,
		Class:             class,
		Zone:              tlk.Zone,
		WrappedMaterial:   wrapped,
		WrappedUnderKeyID: &parent,
		Generation:        tlk.Generation,
	}, nil
}

func keyRecordID(zone interfaces.ZoneID, id uuid.UUID) interfaces.RecordID {
	return interfaces.RecordID{Zone: zone, Type: interfaces.RecordTypeKey, Name: id.String()}
}

func (m *Manager) fetchKey(ctx context.Context, zone interfaces.ZoneID, id uuid.UUID) (*interfaces.Key, error) {
	data, _, err := m.store.Fetch(ctx, keyRecordID(zone, id))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch key %s: %w", id, err)
	}

	k, err := records.DecodeKey(data)
	if err != nil {
		return nil, err
	}
	if k.ID != id || k.Zone != zone {
		return nil, fmt.Errorf("%w: record %s holds key %s of zone %s", interfaces.ErrBrokenKeyChain, keyRecordID(zone, id), k.ID, k.Zone)
	}
	return k, nil
}

// saveKey writes an immutable key record. Key ids are fresh, so an existing
// record is this device's own earlier write.
func (m *Manager) saveKey(ctx context.Context, k *interfaces.Key) error {
	data, err := records.EncodeKey(k)
	if err != nil {
		return err
	}

	_, err = m.store.Save(ctx, keyRecordID(k.Zone, k.ID), data, interfaces.NoVersion)
	if err != nil && !errors.Is(err, interfaces.ErrVersionConflict) {
		return fmt.Errorf("failed to save %s key %s: %w", k.Class, k.ID, err)
	}
	return nil
}

func (m *Manager) remember(id uuid.UUID, material []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tlks[id]; !ok {
		m.tlks[id] = append([]byte(nil), material...)
	}
}

// propose holds the material of a proposed TLK, replacing and wiping an
// older proposal of the same zone.
func (m *Manager) propose(zone interfaces.ZoneID, id uuid.UUID, material []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.proposals[zone]; ok {
		cryptoutils.WipeBytes(old.material)
	}
	m.proposals[zone] = proposal{tlkID: id, material: append([]byte(nil), material...)}
}

// takeProposal removes the zone's proposal and returns its material if it
// is the proposal of TLK id.
func (m *Manager) takeProposal(zone interfaces.ZoneID, id uuid.UUID) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.proposals[zone]
	if !ok || p.tlkID != id {
		return nil, false
	}
	delete(m.proposals, zone)
	return p.material, true
}

func (m *Manager) dropProposal(zone interfaces.ZoneID, id uuid.UUID) {
	if material, ok := m.takeProposal(zone, id); ok {
		cryptoutils.WipeBytes(material)
	}
}

func (m *Manager) cached(id uuid.UUID) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	material, ok := m.tlks[id]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), material...), true
}

func (m *Manager) forget(id uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if material, ok := m.tlks[id]; ok {
		cryptoutils.WipeBytes(material)
		delete(m.tlks, id)
	}
}

// persistTLK seals TLK material with the keybag into local state. While the
// device is locked the material stays in memory only.
func (m *Manager) persistTLK(ctx context.Context, zone interfaces.ZoneID, id uuid.UUID, material []byte) error {
	sealed, err := m.keybag.WrapWithHardwareKey(ctx, material)
	if errors.Is(err, interfaces.ErrLocked) {
		m.log.Debug("Device locked, TLK kept in memory only",
			slog.String("zone", string(zone)),
			slog.String("tlk", id.String()))
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to seal tlk %s: %w", id, err)
	}
	if err := m.local.SaveKeyMaterial(ctx, zone, id, sealed); err != nil {
		return fmt.Errorf("failed to cache tlk %s: %w", id, err)
	}
	return nil
}

// CacheTLK verifies material recovered for a TLK and caches it. It is the
// sink of the share distributor.
func (m *Manager) CacheTLK(ctx context.Context, zone interfaces.ZoneID, keyID uuid.UUID, material []byte) error {
	tlk, err := m.fetchKey(ctx, zone, keyID)
	if err != nil {
		return err
	}
	if err := VerifyTLK(tlk, material); err != nil {
		return err
	}

	m.remember(keyID, material)
	return m.persistTLK(ctx, zone, keyID, material)
}

// tlkMaterial returns verified material of tlk from memory, the keybag-sealed
// local cache, or a share addressed to this device, in that order.
func (m *Manager) tlkMaterial(ctx context.Context, tlk *interfaces.Key) ([]byte, error) {
	if material, ok := m.cached(tlk.ID); ok {
		return material, nil
	}

	var lockedErr error
	sealed, err := m.local.LoadKeyMaterial(ctx, tlk.Zone, tlk.ID)
	switch {
	case err == nil:
		material, err := m.keybag.UnwrapWithHardwareKey(ctx, sealed)
		switch {
		case err == nil:
			if verr := VerifyTLK(tlk, material); verr == nil {
				m.remember(tlk.ID, material)
				return material, nil
			}
			m.log.Warn("Discarding cached TLK that fails verification",
				slog.String("zone", string(tlk.Zone)),
				slog.String("tlk", tlk.ID.String()))
			if derr := m.local.DeleteKeyMaterial(ctx, tlk.Zone, tlk.ID); derr != nil {
				m.log.Warn("Failed to delete cached TLK", "err", derr)
			}
		case errors.Is(err, interfaces.ErrLocked):
			lockedErr = err
		default:
			m.log.Warn("Failed to unseal cached TLK", slog.String("tlk", tlk.ID.String()), "err", err)
		}
	case errors.Is(err, interfaces.ErrContentNotFound):
	default:
		return nil, fmt.Errorf("failed to load cached tlk %s: %w", tlk.ID, err)
	}

	material, err := m.shares.RecoverTLK(ctx, tlk.Zone, tlk.ID)
	if err != nil {
		if lockedErr != nil {
			return nil, fmt.Errorf("%w: tlk %s is cached but sealed", lockedErr, tlk.ID)
		}
		return nil, err
	}
	return material, nil
}

// LoadOrCreateCurrentKeySet returns the zone's committed key set. If the zone
// has none, a new hierarchy is generated and returned with Proposed set; the
// caller commits it with CommitKeySet. A set whose class pointers are missing
// or still name keys of a retired TLK is repaired and also returned proposed.
func (m *Manager) LoadOrCreateCurrentKeySet(ctx context.Context, zone interfaces.ZoneID) (*interfaces.KeySet, error) {
	return m.loadKeySet(ctx, zone, true)
}

// LoadCurrentKeySet is LoadOrCreateCurrentKeySet for readers: a zone without
// a committed TLK yields ErrContentNotFound instead of a new proposal.
func (m *Manager) LoadCurrentKeySet(ctx context.Context, zone interfaces.ZoneID) (*interfaces.KeySet, error) {
	return m.loadKeySet(ctx, zone, false)
}

func (m *Manager) loadKeySet(ctx context.Context, zone interfaces.ZoneID, create bool) (*interfaces.KeySet, error) {
	if err := zone.Validate(); err != nil {
		return nil, err
	}

	ptrs, err := m.pointers.FetchAll(ctx, zone)
	if err != nil {
		return nil, err
	}
	ks := &interfaces.KeySet{Zone: zone}
	for i, class := range interfaces.AllKeyClasses {
		*ks.PointerFor(class) = ptrs[i]
	}

	if !ks.CurrentTLKPointer.Exists() {
		if !create {
			return nil, fmt.Errorf("%w: zone %s has no committed key set", interfaces.ErrContentNotFound, zone)
		}
		return m.proposeNew(ctx, ks)
	}

	tlk, err := m.fetchKey(ctx, zone, ks.CurrentTLKPointer.CurrentKeyID)
	if err != nil {
		return nil, err
	}
	if tlk.Class != interfaces.KeyClassTLK {
		return nil, fmt.Errorf("%w: tlk pointer of %s names a %s key", interfaces.ErrBrokenKeyChain, zone, tlk.Class)
	}
	ks.TLK = tlk

	tlkMaterial, err := m.tlkMaterial(ctx, tlk)
	if err != nil {
		return nil, err
	}
	defer cryptoutils.WipeBytes(tlkMaterial)

	for _, class := range []interfaces.KeyClass{interfaces.KeyClassA, interfaces.KeyClassC} {
		ptr := ks.PointerFor(class)

		var k *interfaces.Key
		if ptr.Exists() {
			k, err = m.fetchKey(ctx, zone, ptr.CurrentKeyID)
			if err != nil && !errors.Is(err, interfaces.ErrContentNotFound) {
				return nil, err
			}
		}
		if k != nil {
			if parent, ok := k.ParentID(); ok && parent == tlk.ID && k.Class == class {
				*m.slot(ks, class) = k
				continue
			}
		}

		repaired, err := m.repairClassKey(ctx, class, k, tlk, tlkMaterial)
		if err != nil {
			return nil, err
		}
		*m.slot(ks, class) = repaired
		ks.Proposed = true
	}

	if err := ValidateKeySet(ks); err != nil {
		return nil, err
	}

	if ks.Proposed {
		m.log.Info("Repairing partially committed key set",
			slog.String("zone", string(zone)),
			slog.String("tlk", tlk.ID.String()))
	}

	ks.TLKShares, err = m.shares.FetchShares(ctx, zone, &tlk.ID)
	if err != nil {
		return nil, err
	}
	return ks, nil
}

func (m *Manager) slot(ks *interfaces.KeySet, class interfaces.KeyClass) **interfaces.Key {
	switch class {
	case interfaces.KeyClassA:
		return &ks.ClassA
	case interfaces.KeyClassC:
		return &ks.ClassC
	default:
		return &ks.TLK
	}
}

// repairClassKey re-wraps a stale class key under the current TLK, keeping
// its material when the old TLK is still available and minting fresh
// material otherwise.
func (m *Manager) repairClassKey(ctx context.Context, class interfaces.KeyClass, stale *interfaces.Key, tlk *interfaces.Key, tlkMaterial []byte) (*interfaces.Key, error) {
	material, err := m.staleMaterial(ctx, stale)
	if err != nil {
		m.log.Warn("Class key material unrecoverable, minting new key",
			slog.String("zone", string(tlk.Zone)),
			slog.String("class", class.String()),
			"err", err)
		material, err = cryptoutils.GenerateKeyMaterial()
		if err != nil {
			return nil, err
		}
	}
	defer cryptoutils.WipeBytes(material)

	return newChildKey(class, tlk, tlkMaterial, material)
}

func (m *Manager) staleMaterial(ctx context.Context, stale *interfaces.Key) ([]byte, error) {
	if stale == nil {
		return nil, errors.New("no previous key")
	}
	parentID, ok := stale.ParentID()
	if !ok {
		return nil, fmt.Errorf("%w: %s key %s has no parent", interfaces.ErrBrokenKeyChain, stale.Class, stale.ID)
	}

	parent, err := m.fetchKey(ctx, stale.Zone, parentID)
	if err != nil {
		return nil, err
	}
	parentMaterial, err := m.tlkMaterial(ctx, parent)
	if err != nil {
		return nil, err
	}
	defer cryptoutils.WipeBytes(parentMaterial)

	return Unwrap(stale.WrappedMaterial, stale.ID, parentMaterial)
}

func (m *Manager) proposeNew(ctx context.Context, ks *interfaces.KeySet) (*interfaces.KeySet, error) {
	tlk, material, err := newTLK(ks.Zone, 1)
	if err != nil {
		return nil, err
	}
	defer cryptoutils.WipeBytes(material)
	ks.TLK = tlk

	for _, class := range []interfaces.KeyClass{interfaces.KeyClassA, interfaces.KeyClassC} {
		classMaterial, err := cryptoutils.GenerateKeyMaterial()
		if err != nil {
			return nil, err
		}
		k, err := newChildKey(class, tlk, material, classMaterial)
		cryptoutils.WipeBytes(classMaterial)
		if err != nil {
			return nil, err
		}
		*m.slot(ks, class) = k
	}

	ks.PendingTLKShares, err = m.proposeShares(ctx, ks.Zone, tlk.ID, material)
	if err != nil {
		return nil, err
	}
	ks.Proposed = true
	m.propose(ks.Zone, tlk.ID, material)

	m.log.Info("Proposed new key set",
		slog.String("zone", string(ks.Zone)),
		slog.String("tlk", tlk.ID.String()))
	return ks, nil
}

// proposeShares wraps the TLK to this device and every currently trusted
// peer. Peers whose keys cannot be used are skipped.
func (m *Manager) proposeShares(ctx context.Context, zone interfaces.ZoneID, tlkID uuid.UUID, material []byte) ([]interfaces.TLKShare, error) {
	self := m.identity.PeerID()
	recipients := []interfaces.PeerProviderState{m.identity.TrustState(0)}

	states, err := m.peers.CurrentTrustStates(ctx)
	if err != nil {
		m.log.Warn("Trusted peers unavailable, sharing TLK with self only",
			slog.String("zone", string(zone)),
			"err", err)
	}
	for _, s := range states {
		if s.Trusted && s.PeerID != self {
			recipients = append(recipients, s)
		}
	}

	shares := make([]interfaces.TLKShare, len(recipients))
	ok := make([]bool, len(recipients))

	g, gctx := errgroup.WithContext(ctx)
	if m.cfg.ShareConcurrency > 0 {
		g.SetLimit(m.cfg.ShareConcurrency)
	}
	for i, peer := range recipients {
		g.Go(func() error {
			share, err := m.shares.ShareTLK(gctx, zone, tlkID, material, peer)
			if err != nil {
				m.log.Warn("Skipping share for peer",
					slog.String("peer", peer.PeerID.Short()),
					"err", err)
				return nil
			}
			shares[i], ok[i] = share, true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res := make([]interfaces.TLKShare, 0, len(shares))
	for i, share := range shares {
		if ok[i] {
			res = append(res, share)
		}
	}
	if len(res) == 0 || res[0].ReceiverPeerID != self {
		return nil, fmt.Errorf("%w: could not share tlk %s with self", interfaces.ErrWrapFailed, tlkID)
	}
	return res, nil
}

// RotateTLK proposes a new TLK for the zone with ClassA and ClassC re-wrapped
// under it as new key records, and shares for every trusted peer. Nothing
// remote changes until the result is committed. The ClassA material is only
// readable while the device is unlocked.
func (m *Manager) RotateTLK(ctx context.Context, zone interfaces.ZoneID) (*interfaces.KeySet, error) {
	ks, _, err := m.rotate(ctx, zone)
	return ks, err
}

// rotate also returns the id of the TLK the proposal replaces, or uuid.Nil
// when the zone had none.
func (m *Manager) rotate(ctx context.Context, zone interfaces.ZoneID) (*interfaces.KeySet, uuid.UUID, error) {
	current, err := m.LoadOrCreateCurrentKeySet(ctx, zone)
	if err != nil {
		return nil, uuid.Nil, err
	}
	if !current.CurrentTLKPointer.Exists() {
		return current, uuid.Nil, nil
	}
	if m.opctx.Lock.IsLocked() {
		return nil, uuid.Nil, fmt.Errorf("%w: rotation needs class A material", interfaces.ErrLocked)
	}

	oldMaterial, err := m.tlkMaterial(ctx, current.TLK)
	if err != nil {
		return nil, uuid.Nil, err
	}
	defer cryptoutils.WipeBytes(oldMaterial)

	tlk, material, err := newTLK(zone, current.TLK.Generation+1)
	if err != nil {
		return nil, uuid.Nil, err
	}
	defer cryptoutils.WipeBytes(material)

	next := &interfaces.KeySet{
		Zone:                 zone,
		TLK:                  tlk,
		CurrentTLKPointer:    current.CurrentTLKPointer,
		CurrentClassAPointer: current.CurrentClassAPointer,
		CurrentClassCPointer: current.CurrentClassCPointer,
	}
	for _, class := range []interfaces.KeyClass{interfaces.KeyClassA, interfaces.KeyClassC} {
		old := current.KeyFor(class)
		classMaterial, err := Unwrap(old.WrappedMaterial, old.ID, oldMaterial)
		if err != nil {
			return nil, uuid.Nil, fmt.Errorf("failed to unwrap %s key %s: %w", class, old.ID, err)
		}
		k, err := newChildKey(class, tlk, material, classMaterial)
		cryptoutils.WipeBytes(classMaterial)
		if err != nil {
			return nil, uuid.Nil, err
		}
		*m.slot(next, class) = k
	}

	next.PendingTLKShares, err = m.proposeShares(ctx, zone, tlk.ID, material)
	if err != nil {
		return nil, uuid.Nil, err
	}
	next.Proposed = true
	m.propose(zone, tlk.ID, material)

	m.log.Info("Proposed TLK rotation",
		slog.String("zone", string(zone)),
		slog.String("from", current.TLK.ID.String()),
		slog.String("to", tlk.ID.String()),
		slog.Uint64("generation", tlk.Generation))
	return next, current.TLK.ID, nil
}

// CommitKeySet writes a proposed key set: key records and pending shares
// first, then the pointers in class order, each conditional on the tag the
// proposal was computed from. The TLK pointer gates the commit; losing it
// leaves the remote state untouched apart from unreferenced records. A
// conflict on a later pointer leaves a partial commit that the next load
// repairs. Conflicts wrap ErrVersionConflict. The proposal's TLK material is
// cached once its pointer is committed and wiped if it never is.
func (m *Manager) CommitKeySet(ctx context.Context, ks *interfaces.KeySet) (*interfaces.KeySet, error) {
	if !ks.Proposed {
		return ks, nil
	}
	if err := ValidateKeySet(ks); err != nil {
		return nil, err
	}
	defer m.dropProposal(ks.Zone, ks.TLK.ID)

	for _, class := range interfaces.AllKeyClasses {
		if err := m.saveKey(ctx, ks.KeyFor(class)); err != nil {
			return nil, err
		}
	}
	for _, share := range ks.PendingTLKShares {
		if err := m.shares.Publish(ctx, share); err != nil {
			return nil, err
		}
	}

	committed := *ks
	for _, class := range interfaces.AllKeyClasses {
		ptr := committed.PointerFor(class)
		key := committed.KeyFor(class)
		if ptr.Exists() && ptr.CurrentKeyID == key.ID {
			continue
		}

		next := *ptr
		next.Zone = ks.Zone
		next.Class = class
		next.CurrentKeyID = key.ID
		res, err := m.pointers.Commit(ctx, next)
		if err != nil {
			return nil, fmt.Errorf("failed to commit %s pointer of %s: %w", class, ks.Zone, err)
		}
		*ptr = res

		if class == interfaces.KeyClassTLK {
			if material, ok := m.takeProposal(ks.Zone, key.ID); ok {
				m.remember(key.ID, material)
				err := m.persistTLK(ctx, ks.Zone, key.ID, material)
				cryptoutils.WipeBytes(material)
				if err != nil {
					m.log.Warn("Failed to cache committed TLK locally", "err", err)
				}
			}
		}
	}

	committed.Proposed = false
	committed.TLKShares = append(append([]interfaces.TLKShare(nil), ks.TLKShares...), ks.PendingTLKShares...)
	committed.PendingTLKShares = nil

	m.log.Info("Committed key set",
		slog.String("zone", string(ks.Zone)),
		slog.String("tlk", ks.TLK.ID.String()),
		slog.Int("shares", len(committed.TLKShares)))
	return &committed, nil
}

// withRetry runs op with transient retries, waiting out a locked device.
func (m *Manager) withRetry(ctx context.Context, name string, op func(ctx context.Context) error) error {
	return m.opctx.Reachability.Retry(ctx, name, func(ctx context.Context) error {
		return m.opctx.RunUnlocked(ctx, op)
	})
}

// EnsureKeySet returns the zone's committed key set, creating or repairing
// and committing it as needed. Lost commits are refetched and recomputed up
// to the retry budget.
func (m *Manager) EnsureKeySet(ctx context.Context, zone interfaces.ZoneID) (*interfaces.KeySet, error) {
	var result *interfaces.KeySet
	err := m.opctx.Zones.Do(ctx, zone, func(ctx context.Context) error {
		var err error
		result, err = m.ensure(ctx, zone)
		return err
	})
	return result, err
}

// ensure must run on the zone's serializer.
func (m *Manager) ensure(ctx context.Context, zone interfaces.ZoneID) (*interfaces.KeySet, error) {
	for attempt := 0; ; attempt++ {
		var ks *interfaces.KeySet
		err := m.withRetry(ctx, "ensure-keyset", func(ctx context.Context) error {
			current, err := m.LoadOrCreateCurrentKeySet(ctx, zone)
			if err != nil {
				return err
			}
			if !current.Proposed {
				ks = current
				return nil
			}

			reason := "create"
			if current.CurrentTLKPointer.Exists() {
				reason = "repair"
			}
			committed, err := m.CommitKeySet(ctx, current)
			if err != nil {
				return err
			}
			metrics.KeySetCommits.WithLabelValues(reason).Inc()
			m.opctx.KeySetChanged.Trigger(zone)
			ks = committed
			return nil
		})
		if err == nil {
			return ks, nil
		}
		if !errors.Is(err, interfaces.ErrVersionConflict) {
			return nil, err
		}
		if attempt >= m.cfg.ConflictRetries {
			return nil, fmt.Errorf("key set of %s still conflicting after %d attempts: %w", zone, attempt+1, err)
		}
		m.log.Info("Key set commit conflicted, refetching",
			slog.String("zone", string(zone)),
			slog.Int("attempt", attempt+1))
	}
}

// RotateAndCommit rotates the zone's TLK and commits the result. If another
// device rotated first, the loser converges on the winning key set instead
// of rotating again.
func (m *Manager) RotateAndCommit(ctx context.Context, zone interfaces.ZoneID) (*interfaces.KeySet, error) {
	var result *interfaces.KeySet
	err := m.opctx.Zones.Do(ctx, zone, func(ctx context.Context) error {
		for attempt := 0; ; attempt++ {
			var (
				committed *interfaces.KeySet
				base      uuid.UUID
				lost      bool
			)
			err := m.withRetry(ctx, "rotate-tlk", func(ctx context.Context) error {
				proposed, from, err := m.rotate(ctx, zone)
				if err != nil {
					return err
				}
				base = from

				committed, err = m.CommitKeySet(ctx, proposed)
				if errors.Is(err, interfaces.ErrVersionConflict) {
					ptr, ferr := m.pointers.Fetch(ctx, zone, interfaces.KeyClassTLK)
					if ferr == nil && ptr.CurrentKeyID != base {
						lost = true
						return nil
					}
				}
				return err
			})

			switch {
			case err == nil && lost:
				m.log.Info("Concurrent rotation won, converging",
					slog.String("zone", string(zone)))
				result, err = m.ensure(ctx, zone)
				return err
			case err == nil:
				reason := "rotate"
				if base == uuid.Nil {
					reason = "create"
				}
				metrics.KeySetCommits.WithLabelValues(reason).Inc()
				m.opctx.KeySetChanged.Trigger(zone)
				result = committed

				if m.cfg.CollectOnRotate {
					if _, gcErr := m.collect(ctx, zone, committed.TLK); gcErr != nil {
						m.log.Warn("Share collection after rotation failed", slog.String("zone", string(zone)), "err", gcErr)
					}
				}
				return nil
			case !errors.Is(err, interfaces.ErrVersionConflict):
				return err
			case attempt >= m.cfg.ConflictRetries:
				return fmt.Errorf("rotation of %s still conflicting after %d attempts: %w", zone, attempt+1, err)
			}
			m.log.Info("Rotation commit conflicted, retrying",
				slog.String("zone", string(zone)),
				slog.Int("attempt", attempt+1))
		}
	})
	return result, err
}

// CurrentKey returns the committed key of a class with its unwrapped material.
// Class A keys are refused while the device is locked.
func (m *Manager) CurrentKey(ctx context.Context, zone interfaces.ZoneID, class interfaces.KeyClass) (*interfaces.Key, []byte, error) {
	if class == interfaces.KeyClassA && m.opctx.Lock.IsLocked() {
		return nil, nil, fmt.Errorf("%w: class A keys need an unlocked device", interfaces.ErrLocked)
	}

	ks, err := m.LoadCurrentKeySet(ctx, zone)
	if err != nil {
		return nil, nil, err
	}
	if ks.Proposed {
		return nil, nil, fmt.Errorf("%w: zone %s has no fully committed key set", interfaces.ErrContentNotFound, zone)
	}

	tlkMaterial, err := m.tlkMaterial(ctx, ks.TLK)
	if err != nil {
		return nil, nil, err
	}
	if class == interfaces.KeyClassTLK {
		return ks.TLK, tlkMaterial, nil
	}
	defer cryptoutils.WipeBytes(tlkMaterial)

	k := ks.KeyFor(class)
	if k == nil {
		return nil, nil, fmt.Errorf("unknown key class %d", class)
	}
	material, err := Unwrap(k.WrappedMaterial, k.ID, tlkMaterial)
	if err != nil {
		return nil, nil, err
	}
	return k, material, nil
}

// CurrentTLKID returns the id the zone's TLK pointer names, read from the
// remote store. It needs no key material.
func (m *Manager) CurrentTLKID(ctx context.Context, zone interfaces.ZoneID) (uuid.UUID, error) {
	ptr, err := m.pointers.Fetch(ctx, zone, interfaces.KeyClassTLK)
	if err != nil {
		return uuid.Nil, err
	}
	return ptr.CurrentKeyID, nil
}

// SharesFor returns the published shares of the zone's current TLK addressed
// to peer.
func (m *Manager) SharesFor(ctx context.Context, zone interfaces.ZoneID, peer interfaces.PeerID) ([]interfaces.TLKShare, error) {
	tlkID, err := m.CurrentTLKID(ctx, zone)
	if err != nil {
		return nil, err
	}
	shares, err := m.shares.FetchShares(ctx, zone, &tlkID)
	if err != nil {
		return nil, err
	}
	res := shares[:0]
	for _, s := range shares {
		if s.ReceiverPeerID == peer {
			res = append(res, s)
		}
	}
	return res, nil
}

// IssueShareForPeer publishes one share of the zone's current TLK addressed
// to peer. A sender keeps a single share per (TLK, receiver), so repeated
// calls replace rather than accumulate. Must not be called from a job already
// running on the zone's serializer.
func (m *Manager) IssueShareForPeer(ctx context.Context, zone interfaces.ZoneID, peer interfaces.PeerProviderState) (interfaces.TLKShare, error) {
	if !peer.Trusted {
		return interfaces.TLKShare{}, fmt.Errorf("%w: %s", interfaces.ErrUntrustedPeer, peer.PeerID.Short())
	}

	ks, err := m.EnsureKeySet(ctx, zone)
	if err != nil {
		return interfaces.TLKShare{}, err
	}

	var share interfaces.TLKShare
	err = m.withRetry(ctx, "issue-share", func(ctx context.Context) error {
		var ierr error
		share, ierr = m.issueShare(ctx, ks.TLK, peer)
		return ierr
	})
	if err != nil {
		return interfaces.TLKShare{}, err
	}

	m.log.Info("Issued TLK share",
		slog.String("zone", string(zone)),
		slog.String("tlk", ks.TLK.ID.String()),
		slog.String("peer", peer.PeerID.Short()))
	return share, nil
}

func (m *Manager) issueShare(ctx context.Context, tlk *interfaces.Key, peer interfaces.PeerProviderState) (interfaces.TLKShare, error) {
	material, err := m.tlkMaterial(ctx, tlk)
	if err != nil {
		return interfaces.TLKShare{}, err
	}
	defer cryptoutils.WipeBytes(material)

	share, err := m.shares.ShareTLK(ctx, tlk.Zone, tlk.ID, material, peer)
	if err != nil {
		return interfaces.TLKShare{}, err
	}
	if err := m.shares.Publish(ctx, share); err != nil {
		return interfaces.TLKShare{}, err
	}
	return share, nil
}

// ShareWithTrustedPeers issues a share of the current TLK to every trusted
// peer that has none from this device yet. It returns the number issued.
func (m *Manager) ShareWithTrustedPeers(ctx context.Context, zone interfaces.ZoneID) (int, error) {
	ks, err := m.EnsureKeySet(ctx, zone)
	if err != nil {
		return 0, err
	}

	self := m.identity.PeerID()
	have := map[interfaces.PeerID]bool{}
	for _, share := range ks.TLKShares {
		if share.SenderPeerID == self {
			have[share.ReceiverPeerID] = true
		}
	}

	states, err := m.peers.CurrentTrustStates(ctx)
	if err != nil {
		return 0, err
	}

	issued := 0
	for _, peer := range states {
		if !peer.Trusted || have[peer.PeerID] {
			continue
		}
		if _, err := m.issueShare(ctx, ks.TLK, peer); err != nil {
			m.log.Warn("Failed to share TLK with peer",
				slog.String("zone", string(zone)),
				slog.String("peer", peer.PeerID.Short()),
				"err", err)
			continue
		}
		issued++
	}
	return issued, nil
}

// GarbageCollectShares removes shares of TLKs that are no longer current.
// Shares of a TLK newer than the current one belong to a rotation still in
// flight and are kept.
func (m *Manager) GarbageCollectShares(ctx context.Context, zone interfaces.ZoneID) (int, error) {
	var removed int
	err := m.opctx.Zones.Do(ctx, zone, func(ctx context.Context) error {
		ptr, err := m.pointers.Fetch(ctx, zone, interfaces.KeyClassTLK)
		if errors.Is(err, interfaces.ErrContentNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		tlk, err := m.fetchKey(ctx, zone, ptr.CurrentKeyID)
		if err != nil {
			return err
		}
		removed, err = m.collect(ctx, zone, tlk)
		return err
	})
	return removed, err
}

func (m *Manager) collect(ctx context.Context, zone interfaces.ZoneID, current *interfaces.Key) (int, error) {
	shares, err := m.shares.FetchShares(ctx, zone, nil)
	if err != nil {
		return 0, err
	}

	generations := map[uuid.UUID]uint64{}
	removed := 0
	for _, share := range shares {
		if share.KeyID == current.ID {
			continue
		}

		gen, known := generations[share.KeyID]
		if !known {
			k, err := m.fetchKey(ctx, zone, share.KeyID)
			switch {
			case errors.Is(err, interfaces.ErrContentNotFound):
				gen = 0
			case err != nil:
				return removed, err
			default:
				gen = k.Generation
			}
			generations[share.KeyID] = gen
		}
		if gen > current.Generation {
			continue
		}

		if err := m.shares.Delete(ctx, share); err != nil {
			return removed, err
		}
		m.forget(share.KeyID)
		removed++
		metrics.SharesCollected.Inc()
	}

	if removed > 0 {
		m.log.Info("Collected retired TLK shares",
			slog.String("zone", string(zone)),
			slog.Int("removed", removed))
	}
	return removed, nil
}
