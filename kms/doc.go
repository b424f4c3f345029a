// Package kms manages the per-zone key hierarchy shared by a trust group.
//
// Every zone has one hierarchy rooted at a Top-Level Key (TLK) with two
// dependent keys:
//
//   - ClassA, usable only while the device is unlocked
//   - ClassC, usable after first unlock
//
// Key records in the remote store are immutable. The TLK record carries the
// TLK wrapped under itself, so material recovered from a share or an escrow
// can be verified before use; class keys are wrapped under their TLK with
// the key id as associated data. Which keys are current is decided solely by
// the current-key pointers, committed with optimistic concurrency in class
// order, TLK first.
//
// # Rotation
//
// RotateTLK proposes a new TLK, re-wraps the class material under it as new
// key records and wraps the TLK to every trusted peer. CommitKeySet writes
// the records and shares, then moves the pointers. When two devices rotate
// concurrently exactly one TLK pointer commit succeeds; RotateAndCommit makes
// the loser converge on the winner's key set. A commit interrupted after the
// TLK pointer moved is repaired on the next load.
//
// # Escrow
//
// EscrowTLK splits the current TLK with Shamir's Secret Sharing into shares
// encrypted to escrow holders. EscrowRecovery accepts signed submissions from
// registered holders, reconstructs the TLK once the threshold is met, and
// InstallRecoveredTLK verifies it against the TLK record before caching it.
package kms
