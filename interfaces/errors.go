package interfaces

import (
	"context"
	"errors"
)

var (
	// ErrContentNotFound is returned when a requested record cannot be found in the store.
	ErrContentNotFound = errors.New("content not found")

	// ErrBackendUnavailable is returned when a store is not accessible.
	// This could be due to network issues, authentication failures, or service outages.
	ErrBackendUnavailable = errors.New("storage backend unavailable")

	// ErrInvalidLocationURI is returned when a storage location URI is malformed or unsupported.
	// URIs must follow the format: [scheme]://[auth@]host[:port][/path][?params]
	ErrInvalidLocationURI = errors.New("invalid storage location URI")

	// ErrVersionConflict is returned when a conditional write lost against a concurrent writer.
	ErrVersionConflict = errors.New("version conflict")

	// ErrKeyMaterialMissing is returned when a key cannot be unwrapped locally and
	// no share addressed to this device could be recovered.
	ErrKeyMaterialMissing = errors.New("key material missing")

	// ErrWrapFailed marks a cryptographic wrap or unwrap failure.
	ErrWrapFailed = errors.New("key wrap failed")

	// ErrBrokenKeyChain is returned when a key's wrapping chain does not reach a TLK.
	ErrBrokenKeyChain = errors.New("broken key chain")

	// ErrSignatureInvalid is returned when a signature does not verify or the
	// signer is not currently trusted.
	ErrSignatureInvalid = errors.New("signature invalid")

	// ErrNotAddressedToMe is returned when unwrapping a share addressed to another peer.
	ErrNotAddressedToMe = errors.New("share not addressed to this peer")

	// ErrUntrustedPeer is returned when an operation names a peer outside the trusted set.
	ErrUntrustedPeer = errors.New("peer is not trusted")

	// ErrLocked is returned by keybag operations while the device is locked.
	ErrLocked = errors.New("keybag is locked")

	// ErrProtocolViolation is returned when a transition is requested from an illegal state.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrTransitionTimeout is returned when a transition deadline elapsed.
	ErrTransitionTimeout = errors.New("state transition timed out")

	// ErrNoPeerProviders is returned when every configured peer provider failed.
	ErrNoPeerProviders = errors.New("no peer provider answered")
)

// ErrorKind is the handling class of an error.
type ErrorKind int

const (
	// KindFatal covers everything not classified below; surfaced as-is.
	KindFatal ErrorKind = iota
	// KindTransient errors are retried with backoff.
	KindTransient
	// KindConflict errors are resolved by refetch and recompute.
	KindConflict
	// KindPeerFatal errors reject one share or peer without affecting device state.
	KindPeerFatal
	// KindDeviceFatal errors are surfaced to the caller as explicit failures.
	KindDeviceFatal
	// KindProtocolViolation errors are programming errors of the caller.
	KindProtocolViolation
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindConflict:
		return "conflict"
	case KindPeerFatal:
		return "peer-fatal"
	case KindDeviceFatal:
		return "device-fatal"
	case KindProtocolViolation:
		return "protocol-violation"
	default:
		return "fatal"
	}
}

// ClassifyError maps an error chain to its handling class.
func ClassifyError(err error) ErrorKind {
	switch {
	case err == nil:
		return KindFatal
	case errors.Is(err, ErrProtocolViolation):
		return KindProtocolViolation
	case errors.Is(err, ErrVersionConflict):
		return KindConflict
	case errors.Is(err, ErrSignatureInvalid), errors.Is(err, ErrNotAddressedToMe), errors.Is(err, ErrUntrustedPeer):
		return KindPeerFatal
	case errors.Is(err, ErrLocked), errors.Is(err, ErrKeyMaterialMissing):
		return KindDeviceFatal
	case errors.Is(err, ErrBackendUnavailable), errors.Is(err, context.DeadlineExceeded):
		return KindTransient
	default:
		return KindFatal
	}
}
