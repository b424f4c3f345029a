package cryptoutils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/ruteri/tee-keysync/interfaces"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the size of every symmetric key in the hierarchy.
	KeySize = 32

	wrapSaltSize = 16
	wrapInfo     = "keysync-wrap-v1"
)

// GenerateKeyMaterial returns fresh random symmetric key material.
func GenerateKeyMaterial() ([]byte, error) {
	material := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, material); err != nil {
		return nil, fmt.Errorf("failed to generate key material: %w", err)
	}
	return material, nil
}

// WrapKey encrypts material under wrappingKey. A per-wrap AES-256 key is derived
// from wrappingKey with HKDF and a random salt; aad binds the ciphertext to its
// context (usually the wrapped key's id).
//
// Format: [salt (16 bytes)][nonce (12 bytes)][ciphertext]
func WrapKey(wrappingKey, material, aad []byte) ([]byte, error) {
	if len(wrappingKey) != KeySize {
		return nil, fmt.Errorf("%w: wrapping key must be %d bytes", interfaces.ErrWrapFailed, KeySize)
	}

	salt := make([]byte, wrapSaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrWrapFailed, err)
	}

	aead, err := wrapAEAD(wrappingKey, salt)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcmNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrWrapFailed, err)
	}

	out := make([]byte, 0, wrapSaltSize+gcmNonceSize+len(material)+aead.Overhead())
	out = append(out, salt...)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, material, aad), nil
}

// UnwrapKey reverses WrapKey. A wrong wrapping key or aad yields ErrWrapFailed,
// never wrong material.
func UnwrapKey(wrappingKey, wrapped, aad []byte) ([]byte, error) {
	if len(wrappingKey) != KeySize {
		return nil, fmt.Errorf("%w: wrapping key must be %d bytes", interfaces.ErrWrapFailed, KeySize)
	}
	if len(wrapped) < wrapSaltSize+gcmNonceSize {
		return nil, fmt.Errorf("%w: wrapped key too short", interfaces.ErrWrapFailed)
	}

	salt := wrapped[:wrapSaltSize]
	nonce := wrapped[wrapSaltSize : wrapSaltSize+gcmNonceSize]

	aead, err := wrapAEAD(wrappingKey, salt)
	if err != nil {
		return nil, err
	}

	material, err := aead.Open(nil, nonce, wrapped[wrapSaltSize+gcmNonceSize:], aad)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrWrapFailed, err)
	}
	return material, nil
}

func wrapAEAD(wrappingKey, salt []byte) (cipher.AEAD, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, wrappingKey, salt, []byte(wrapInfo)), key); err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrWrapFailed, err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrWrapFailed, err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrWrapFailed, err)
	}
	return aead, nil
}

// WipeBytes zeroes key material that is no longer needed.
func WipeBytes(data []byte) {
	for i := range data {
		data[i] = 0
	}
}
