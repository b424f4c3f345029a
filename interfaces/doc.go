// Package interfaces defines core interfaces and types for the key
// synchronization system, separating interface definitions from implementations.
//
// # Key Hierarchy Types
//
// Key, KeyClass, CurrentKeyPointer and KeySet describe a zone's key tree: a
// TLK at the root with ClassA and ClassC keys wrapped under it. TLKShare carries
// a TLK encrypted to one peer and signed by the sharer.
//
// # Storage Interfaces
//
// RecordStore: versioned record storage shared by all devices, with
// conditional writes keyed by an opaque VersionTag.
//
// LocalStateStore: device-local persistence for keybag-sealed key material and
// state machine snapshots.
//
// # Trust Interfaces
//
// PeerProvider supplies the trusted peer set. PeerAdmitter and PeerRevoker are
// optional capabilities a provider may implement in addition.
//
// IdentityService performs the epoch exchange and voucher issuance of a join.
//
// # Errors
//
// Sentinel errors are wrapped with fmt.Errorf("...: %w") throughout the module.
// ClassifyError maps any error chain to its handling class.
package interfaces
