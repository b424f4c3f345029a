// Package cryptoutils provides the cryptographic primitives of the key
// hierarchy: device identities, key wrapping, ECIES sharing to peers and
// signatures.
//
// Keys are handled as PEM blobs (AppPubkey, AppPrivkey) so they can be stored
// in records and files unchanged.
//
// # Device identity
//
// A DeviceIdentity holds the device's signing key (ECDSA P-256 or Ed25519) and
// its P-256 encryption key. The PeerID is derived from the signing public key
// with Keccak-256, so a peer id always names exactly one signing key.
//
// # Wrapping
//
// WrapKey and UnwrapKey protect key material under a parent key with AES-GCM.
// The wrapping key is derived per call with HKDF-SHA256 from the parent and
// the aad, which binds a wrapped key to its own identifier.
//
// # Sharing
//
// EncryptWithPublicKey and DecryptWithPrivateKey implement ECIES: an ephemeral
// ECDH exchange on P-256, HKDF-SHA256 key derivation and AES-GCM. The format is
//
//	[ephemeral key length (2 bytes)][ephemeral key][nonce (12 bytes)][ciphertext]
//
// A fresh ephemeral key is used for every encryption.
//
// # Usage Example
//
//	identity, err := cryptoutils.GenerateDeviceIdentity()
//	if err != nil {
//	    log.Fatalf("Failed to generate identity: %v", err)
//	}
//
//	sealed, err := cryptoutils.EncryptWithPublicKey(peer.PublicKey, tlkMaterial, aad)
//	if err != nil {
//	    log.Fatalf("Failed to encrypt: %v", err)
//	}
//
//	// On the peer:
//	material, err := peerIdentity.Decrypt(sealed, aad)
package cryptoutils
