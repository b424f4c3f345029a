package cryptoutils

import "golang.org/x/crypto/argon2"

// DeriveKeybagKey creates a deterministic wrapping key from a passphrase using Argon2id KDF.
//
// Parameters:
//   - passphrase: Secret material for key derivation
//   - salt: Per-device salt, stored next to the keybag
//
// Returns:
//   - 32-byte derived key
func DeriveKeybagKey(passphrase, salt []byte) []byte {
	fullSalt := append([]byte("KEYSYNC-KEYBAG-"), salt...)

	// Parameters: time=1, memory=64*1024, threads=4, keyLen=32
	return argon2.IDKey(passphrase, fullSalt, 1, 64*1024, 4, KeySize)
}
