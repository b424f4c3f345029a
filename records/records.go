// Package records defines the CBOR wire encoding of everything written to the
// remote record store, plus the deterministic payloads covered by signatures.
package records

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/ruteri/tee-keysync/interfaces"
)

// FormatVersion is bumped on incompatible wire changes.
const FormatVersion = 1

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{MaxArrayElements: 1 << 16}.DecMode()
	if err != nil {
		panic(err)
	}
}

// ErrUnsupportedFormat is returned when decoding a record written by a newer format.
var ErrUnsupportedFormat = errors.New("unsupported record format")

type keyRecord struct {
	Format     int    `cbor:"1,keyasint"`
	ID         []byte `cbor:"2,keyasint"`
	Class      int    `cbor:"3,keyasint"`
	Zone       string `cbor:"4,keyasint"`
	Wrapped    []byte `cbor:"5,keyasint"`
	Parent     []byte `cbor:"6,keyasint,omitempty"`
	Generation uint64 `cbor:"7,keyasint"`
}

type pointerRecord struct {
	Format int    `cbor:"1,keyasint"`
	Class  int    `cbor:"2,keyasint"`
	KeyID  []byte `cbor:"3,keyasint"`
}

type shareRecord struct {
	Format    int    `cbor:"1,keyasint"`
	KeyID     []byte `cbor:"2,keyasint"`
	Zone      string `cbor:"3,keyasint"`
	Sender    string `cbor:"4,keyasint"`
	Receiver  string `cbor:"5,keyasint"`
	Wrapped   []byte `cbor:"6,keyasint"`
	Signature []byte `cbor:"7,keyasint,omitempty"`
}

type peerEntry struct {
	PeerID     string `cbor:"1,keyasint"`
	PublicKey  []byte `cbor:"2,keyasint"`
	SigningKey []byte `cbor:"3,keyasint"`
	Trusted    bool   `cbor:"4,keyasint"`
	Epoch      uint64 `cbor:"5,keyasint"`
}

type peerListRecord struct {
	Format int         `cbor:"1,keyasint"`
	Peers  []peerEntry `cbor:"2,keyasint"`
}

type identityRecord struct {
	Format        int    `cbor:"1,keyasint"`
	Kind          string `cbor:"2,keyasint"`
	PeerID        string `cbor:"3,keyasint"`
	SponsorID     string `cbor:"4,keyasint,omitempty"`
	Epoch         uint64 `cbor:"5,keyasint"`
	SigningKey    []byte `cbor:"6,keyasint"`
	EncryptionKey []byte `cbor:"7,keyasint"`
}

// EscrowShare is one Shamir share of a TLK encrypted to an escrow holder.
type EscrowShare struct {
	Format     int    `cbor:"1,keyasint"`
	Zone       string `cbor:"2,keyasint"`
	KeyID      []byte `cbor:"3,keyasint"`
	Index      int    `cbor:"4,keyasint"`
	Threshold  int    `cbor:"5,keyasint"`
	HolderKey  []byte `cbor:"6,keyasint"`
	Ciphertext []byte `cbor:"7,keyasint"`
}

// EncodeKey serializes a key record.
func EncodeKey(k *interfaces.Key) ([]byte, error) {
	rec := keyRecord{
		Format:     FormatVersion,
		ID:         k.ID[:],
		Class:      int(k.Class),
		Zone:       string(k.Zone),
		Wrapped:    k.WrappedMaterial,
		Generation: k.Generation,
	}
	if parent, ok := k.ParentID(); ok {
		rec.Parent = parent[:]
	}
	return encMode.Marshal(rec)
}

// DecodeKey parses a key record.
func DecodeKey(data []byte) (*interfaces.Key, error) {
	var rec keyRecord
	if err := decMode.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode key record: %w", err)
	}
	if rec.Format != FormatVersion {
		return nil, fmt.Errorf("%w: key record v%d", ErrUnsupportedFormat, rec.Format)
	}

	id, err := uuid.FromBytes(rec.ID)
	if err != nil {
		return nil, fmt.Errorf("invalid key id: %w", err)
	}

	key := &interfaces.Key{
		ID:              id,
		Class:           interfaces.KeyClass(rec.Class),
		Zone:            interfaces.ZoneID(rec.Zone),
		WrappedMaterial: rec.Wrapped,
		Generation:      rec.Generation,
	}
	if len(rec.Parent) > 0 {
		parent, err := uuid.FromBytes(rec.Parent)
		if err != nil {
			return nil, fmt.Errorf("invalid parent key id: %w", err)
		}
		key.WrappedUnderKeyID = &parent
	}
	return key, nil
}

// EncodePointer serializes a current-key pointer. The version tag is owned by
// the store and is not part of the record.
func EncodePointer(p interfaces.CurrentKeyPointer) ([]byte, error) {
	return encMode.Marshal(pointerRecord{
		Format: FormatVersion,
		Class:  int(p.Class),
		KeyID:  p.CurrentKeyID[:],
	})
}

// DecodePointer parses a pointer record and attaches the given tag.
func DecodePointer(zone interfaces.ZoneID, data []byte, tag interfaces.VersionTag) (interfaces.CurrentKeyPointer, error) {
	var rec pointerRecord
	if err := decMode.Unmarshal(data, &rec); err != nil {
		return interfaces.CurrentKeyPointer{}, fmt.Errorf("failed to decode pointer record: %w", err)
	}
	if rec.Format != FormatVersion {
		return interfaces.CurrentKeyPointer{}, fmt.Errorf("%w: pointer record v%d", ErrUnsupportedFormat, rec.Format)
	}

	id, err := uuid.FromBytes(rec.KeyID)
	if err != nil {
		return interfaces.CurrentKeyPointer{}, fmt.Errorf("invalid pointer key id: %w", err)
	}

	return interfaces.CurrentKeyPointer{
		Zone:             zone,
		Class:            interfaces.KeyClass(rec.Class),
		CurrentKeyID:     id,
		RemoteVersionTag: tag,
	}, nil
}

func shareToRecord(s interfaces.TLKShare, withSignature bool) shareRecord {
	rec := shareRecord{
		Format:   FormatVersion,
		KeyID:    s.KeyID[:],
		Zone:     string(s.Zone),
		Sender:   string(s.SenderPeerID),
		Receiver: string(s.ReceiverPeerID),
		Wrapped:  s.WrappedKey,
	}
	if withSignature {
		rec.Signature = s.Signature
	}
	return rec
}

// EncodeShare serializes a signed TLK share.
func EncodeShare(s interfaces.TLKShare) ([]byte, error) {
	return encMode.Marshal(shareToRecord(s, true))
}

// ShareSigningPayload is the byte string a share's signature covers.
func ShareSigningPayload(s interfaces.TLKShare) ([]byte, error) {
	return encMode.Marshal(shareToRecord(s, false))
}

// DecodeShare parses a share record.
func DecodeShare(data []byte) (interfaces.TLKShare, error) {
	var rec shareRecord
	if err := decMode.Unmarshal(data, &rec); err != nil {
		return interfaces.TLKShare{}, fmt.Errorf("failed to decode share record: %w", err)
	}
	if rec.Format != FormatVersion {
		return interfaces.TLKShare{}, fmt.Errorf("%w: share record v%d", ErrUnsupportedFormat, rec.Format)
	}

	id, err := uuid.FromBytes(rec.KeyID)
	if err != nil {
		return interfaces.TLKShare{}, fmt.Errorf("invalid share key id: %w", err)
	}

	return interfaces.TLKShare{
		KeyID:          id,
		Zone:           interfaces.ZoneID(rec.Zone),
		SenderPeerID:   interfaces.PeerID(rec.Sender),
		ReceiverPeerID: interfaces.PeerID(rec.Receiver),
		WrappedKey:     rec.Wrapped,
		Signature:      rec.Signature,
	}, nil
}

// EncodePeerList serializes a directory provider's peer list.
func EncodePeerList(peers []interfaces.PeerProviderState) ([]byte, error) {
	rec := peerListRecord{Format: FormatVersion, Peers: make([]peerEntry, 0, len(peers))}
	for _, p := range peers {
		rec.Peers = append(rec.Peers, peerEntry{
			PeerID:     string(p.PeerID),
			PublicKey:  p.PublicKey,
			SigningKey: p.SigningKey,
			Trusted:    p.Trusted,
			Epoch:      p.Epoch,
		})
	}
	return encMode.Marshal(rec)
}

// DecodePeerList parses a directory provider's peer list.
func DecodePeerList(data []byte) ([]interfaces.PeerProviderState, error) {
	var rec peerListRecord
	if err := decMode.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode peer list: %w", err)
	}
	if rec.Format != FormatVersion {
		return nil, fmt.Errorf("%w: peer list v%d", ErrUnsupportedFormat, rec.Format)
	}

	peers := make([]interfaces.PeerProviderState, 0, len(rec.Peers))
	for _, e := range rec.Peers {
		peers = append(peers, interfaces.PeerProviderState{
			PeerID:     interfaces.PeerID(e.PeerID),
			PublicKey:  e.PublicKey,
			SigningKey: e.SigningKey,
			Trusted:    e.Trusted,
			Epoch:      e.Epoch,
		})
	}
	return peers, nil
}

// IdentitySigningPayload is the byte string a joining peer signs.
func IdentitySigningPayload(id interfaces.PeerIdentity) ([]byte, error) {
	return encMode.Marshal(identityRecord{
		Format:        FormatVersion,
		Kind:          "identity",
		PeerID:        string(id.PeerID),
		Epoch:         id.Epoch,
		SigningKey:    id.SigningKey,
		EncryptionKey: id.EncryptionKey,
	})
}

// VoucherSigningPayload is the byte string a sponsor signs when vouching.
func VoucherSigningPayload(v interfaces.Voucher) ([]byte, error) {
	return encMode.Marshal(identityRecord{
		Format:        FormatVersion,
		Kind:          "voucher",
		PeerID:        string(v.PeerID),
		SponsorID:     string(v.SponsorID),
		Epoch:         v.Epoch,
		SigningKey:    v.SigningKey,
		EncryptionKey: v.EncryptionKey,
	})
}

// EncodeEscrowShare serializes an escrow share.
func EncodeEscrowShare(s EscrowShare) ([]byte, error) {
	s.Format = FormatVersion
	return encMode.Marshal(s)
}

// DecodeEscrowShare parses an escrow share.
func DecodeEscrowShare(data []byte) (EscrowShare, error) {
	var s EscrowShare
	if err := decMode.Unmarshal(data, &s); err != nil {
		return EscrowShare{}, fmt.Errorf("failed to decode escrow share: %w", err)
	}
	if s.Format != FormatVersion {
		return EscrowShare{}, fmt.Errorf("%w: escrow share v%d", ErrUnsupportedFormat, s.Format)
	}
	return s, nil
}

type snapshotRecord struct {
	Format int               `cbor:"1,keyasint"`
	State  string            `cbor:"2,keyasint"`
	Flags  []string          `cbor:"3,keyasint,omitempty"`
	Values map[string]string `cbor:"4,keyasint,omitempty"`
}

// EncodeSnapshot encodes a persisted state machine snapshot.
func EncodeSnapshot(s interfaces.MachineSnapshot) ([]byte, error) {
	return encMode.Marshal(snapshotRecord{Format: FormatVersion, State: s.State, Flags: s.Flags, Values: s.Values})
}

func DecodeSnapshot(data []byte) (interfaces.MachineSnapshot, error) {
	var rec snapshotRecord
	if err := decMode.Unmarshal(data, &rec); err != nil {
		return interfaces.MachineSnapshot{}, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	if rec.Format != FormatVersion {
		return interfaces.MachineSnapshot{}, fmt.Errorf("%w: snapshot v%d", ErrUnsupportedFormat, rec.Format)
	}
	return interfaces.MachineSnapshot{State: rec.State, Flags: rec.Flags, Values: rec.Values}, nil
}
