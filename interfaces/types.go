package interfaces

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ZoneID names a logical partition of synchronized records sharing one key hierarchy.
type ZoneID string

// Validate rejects zone names that cannot be used as a path segment in record stores.
func (z ZoneID) Validate() error {
	if z == "" {
		return errors.New("empty zone name")
	}
	if strings.ContainsAny(string(z), "/\\ ") || strings.HasPrefix(string(z), ".") {
		return fmt.Errorf("invalid zone name %q", string(z))
	}
	return nil
}

func (z ZoneID) String() string {
	return string(z)
}

// KeyClass identifies the position of a key in the per-zone hierarchy.
type KeyClass int

const (
	// KeyClassTLK is the root of a zone's key hierarchy.
	KeyClassTLK KeyClass = iota
	// KeyClassA is only usable while the device is unlocked.
	KeyClassA
	// KeyClassC is usable after first unlock.
	KeyClassC
)

// AllKeyClasses lists the classes in commit order. The TLK pointer is always
// committed first so that it gates every concurrent rotation.
var AllKeyClasses = []KeyClass{KeyClassTLK, KeyClassA, KeyClassC}

// String returns class name.
func (c KeyClass) String() string {
	switch c {
	case KeyClassTLK:
		return "tlk"
	case KeyClassA:
		return "classA"
	case KeyClassC:
		return "classC"
	default:
		return "unknown"
	}
}

// ParseKeyClass is the inverse of KeyClass.String.
func ParseKeyClass(s string) (KeyClass, error) {
	for _, c := range AllKeyClasses {
		if c.String() == s {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown key class %q", s)
}

// Key is one node of the key hierarchy. Material is never stored in the clear:
// a TLK carries its material wrapped under itself so holders of candidate
// material can verify it, every other key is wrapped under its parent.
type Key struct {
	ID                uuid.UUID
	Class             KeyClass
	Zone              ZoneID
	WrappedMaterial   []byte
	WrappedUnderKeyID *uuid.UUID // nil only for TLK
	Generation        uint64
}

// ParentID returns the wrapping key id and whether the key has a parent.
func (k *Key) ParentID() (uuid.UUID, bool) {
	if k.WrappedUnderKeyID == nil {
		return uuid.Nil, false
	}
	return *k.WrappedUnderKeyID, true
}

// VersionTag is the opaque optimistic concurrency token returned by a record store.
type VersionTag string

const (
	// NoVersion as an expected tag means the record must not exist yet.
	NoVersion VersionTag = ""
	// AnyVersion as an expected tag makes the write unconditional.
	AnyVersion VersionTag = "*"
)

// CurrentKeyPointer names the active key for a (zone, class).
type CurrentKeyPointer struct {
	Zone             ZoneID
	Class            KeyClass
	CurrentKeyID     uuid.UUID
	RemoteVersionTag VersionTag
}

// Exists reports whether the pointer was read from the remote store.
func (p CurrentKeyPointer) Exists() bool {
	return p.RemoteVersionTag != NoVersion
}

// PeerID identifies a device. It is derived from the device's signing key.
type PeerID string

// NewPeerIDFromBytes builds a PeerID from a 20-byte digest.
func NewPeerIDFromBytes(b []byte) (PeerID, error) {
	if len(b) != 20 {
		return "", errors.New("invalid peer id length: expected 20 bytes")
	}
	return PeerID(hex.EncodeToString(b)), nil
}

// Validate checks the canonical hex form.
func (p PeerID) Validate() error {
	if len(p) != 40 {
		return fmt.Errorf("invalid peer id %q", string(p))
	}
	if _, err := hex.DecodeString(string(p)); err != nil {
		return fmt.Errorf("invalid peer id %q: %w", string(p), err)
	}
	return nil
}

func (p PeerID) String() string {
	return string(p)
}

// Short returns a log-friendly prefix.
func (p PeerID) Short() string {
	if len(p) > 8 {
		return string(p[:8])
	}
	return string(p)
}

// TLKShare carries a TLK encrypted to a single receiver and signed by its sender.
type TLKShare struct {
	KeyID          uuid.UUID
	Zone           ZoneID
	SenderPeerID   PeerID
	ReceiverPeerID PeerID
	WrappedKey     []byte
	Signature      []byte
}

// RecordName is the remote record name of a share. A sender writes at most one
// share per (TLK, receiver).
func (s TLKShare) RecordName() string {
	return fmt.Sprintf("%s-%s-%s", s.KeyID, s.ReceiverPeerID, s.SenderPeerID)
}

// KeySet is the aggregate view of a zone's current hierarchy.
type KeySet struct {
	Zone   ZoneID
	TLK    *Key
	ClassA *Key
	ClassC *Key

	CurrentTLKPointer    CurrentKeyPointer
	CurrentClassAPointer CurrentKeyPointer
	CurrentClassCPointer CurrentKeyPointer

	TLKShares        []TLKShare
	PendingTLKShares []TLKShare

	// Proposed marks a set computed locally and not yet committed. It must
	// not be used for decryption by other peers until committed.
	Proposed bool
}

// KeyFor returns the key of the given class.
func (ks *KeySet) KeyFor(class KeyClass) *Key {
	switch class {
	case KeyClassTLK:
		return ks.TLK
	case KeyClassA:
		return ks.ClassA
	case KeyClassC:
		return ks.ClassC
	}
	return nil
}

// PointerFor returns a pointer to the CurrentKeyPointer of the given class.
func (ks *KeySet) PointerFor(class KeyClass) *CurrentKeyPointer {
	switch class {
	case KeyClassTLK:
		return &ks.CurrentTLKPointer
	case KeyClassA:
		return &ks.CurrentClassAPointer
	case KeyClassC:
		return &ks.CurrentClassCPointer
	}
	return nil
}

// SharesFor returns all shares addressed to peer, committed and pending.
func (ks *KeySet) SharesFor(peer PeerID) []TLKShare {
	var res []TLKShare
	for _, s := range ks.TLKShares {
		if s.ReceiverPeerID == peer {
			res = append(res, s)
		}
	}
	for _, s := range ks.PendingTLKShares {
		if s.ReceiverPeerID == peer {
			res = append(res, s)
		}
	}
	return res
}

// PeerProviderState is a single provider's view of one peer.
type PeerProviderState struct {
	PeerID PeerID
	// PublicKey is the PEM encryption key shares are wrapped to.
	PublicKey []byte
	// SigningKey is the PEM key the peer signs shares and identities with.
	SigningKey []byte
	Trusted    bool
	Epoch      uint64
	// Provider names the source of this entry, filled in by aggregation.
	Provider string
}

// PeerIdentity is the signed identity assertion a joining device sends.
type PeerIdentity struct {
	PeerID        PeerID
	SigningKey    []byte
	EncryptionKey []byte
	Epoch         uint64
	Signature     []byte
}

// Voucher binds a new peer's identity to the trust group.
type Voucher struct {
	PeerID        PeerID
	SponsorID     PeerID
	Epoch         uint64
	SigningKey    []byte
	EncryptionKey []byte
	Signature     []byte
}

// MachineSnapshot is the persisted state of a trust state machine.
type MachineSnapshot struct {
	State string
	Flags []string
	// Values holds protocol data a machine needs to resume, such as a
	// negotiated epoch.
	Values map[string]string
}
