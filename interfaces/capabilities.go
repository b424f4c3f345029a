package interfaces

import (
	"context"

	"github.com/google/uuid"
)

// Keybag wraps bytes with a device-bound key. Operations fail with ErrLocked
// while the device is locked and must be deferred, not retried blindly.
type Keybag interface {
	WrapWithHardwareKey(ctx context.Context, plaintext []byte) ([]byte, error)
	UnwrapWithHardwareKey(ctx context.Context, wrapped []byte) ([]byte, error)
}

// PeerProvider supplies one view of the trusted peer set. Implementations may
// change their answer between calls; callers must re-query before every
// security-sensitive decision.
type PeerProvider interface {
	Name() string
	CurrentTrustStates(ctx context.Context) ([]PeerProviderState, error)
}

// PeerAdmitter is implemented by providers that can record a newly vouched peer.
type PeerAdmitter interface {
	AdmitPeer(ctx context.Context, peer PeerProviderState) error
}

// PeerRevoker is implemented by providers that can distrust a peer.
type PeerRevoker interface {
	RevokePeer(ctx context.Context, peerID PeerID) error
}

// IdentityService performs the epoch exchange and voucher issuance of a join.
type IdentityService interface {
	// PrepareEpoch answers an initiator's epoch with the acceptor's epoch.
	PrepareEpoch(ctx context.Context, initiatorEpoch uint64) (uint64, error)
	// IssueVoucher signs a voucher binding identity to the trust group.
	IssueVoucher(ctx context.Context, identity PeerIdentity) (*Voucher, error)
}

// LocalStateStore persists device-local state across restarts.
type LocalStateStore interface {
	// LoadKeyMaterial returns keybag-sealed key material.
	// Returns ErrContentNotFound if nothing is cached.
	LoadKeyMaterial(ctx context.Context, zone ZoneID, keyID uuid.UUID) ([]byte, error)
	SaveKeyMaterial(ctx context.Context, zone ZoneID, keyID uuid.UUID, sealed []byte) error
	DeleteKeyMaterial(ctx context.Context, zone ZoneID, keyID uuid.UUID) error

	// LoadMachineState returns ErrContentNotFound for a machine never persisted.
	LoadMachineState(ctx context.Context, machine string) (MachineSnapshot, error)
	SaveMachineState(ctx context.Context, machine string, snapshot MachineSnapshot) error
}

// KeyCache receives TLK material recovered from a share. Implementations must
// verify the material before caching it.
type KeyCache interface {
	CacheTLK(ctx context.Context, zone ZoneID, keyID uuid.UUID, material []byte) error
}
