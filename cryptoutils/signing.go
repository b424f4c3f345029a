package cryptoutils

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/ruteri/tee-keysync/interfaces"
)

// ErrUnsupportedKey is returned for key types the module cannot use.
var ErrUnsupportedKey = errors.New("unsupported key type")

// Sign signs payload with an ECDSA (ASN.1, over SHA-256) or Ed25519 private key.
func Sign(privateKeyPEM AppPrivkey, payload []byte) ([]byte, error) {
	parsed, err := privateKeyPEM.GetPrivateKey()
	if err != nil {
		return nil, err
	}

	switch key := parsed.(type) {
	case *ecdsa.PrivateKey:
		digest := sha256.Sum256(payload)
		return ecdsa.SignASN1(rand.Reader, key, digest[:])
	case ed25519.PrivateKey:
		return ed25519.Sign(key, payload), nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedKey, parsed)
	}
}

// Verify checks signature over payload against a PEM public key.
// Any failure is reported as interfaces.ErrSignatureInvalid.
func Verify(publicKeyPEM AppPubkey, payload, signature []byte) error {
	if len(signature) == 0 {
		return fmt.Errorf("%w: empty signature", interfaces.ErrSignatureInvalid)
	}

	parsed, err := publicKeyPEM.GetPublicKey()
	if err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrSignatureInvalid, err)
	}

	switch key := parsed.(type) {
	case *ecdsa.PublicKey:
		digest := sha256.Sum256(payload)
		if !ecdsa.VerifyASN1(key, digest[:], signature) {
			return interfaces.ErrSignatureInvalid
		}
	case ed25519.PublicKey:
		if !ed25519.Verify(key, payload, signature) {
			return interfaces.ErrSignatureInvalid
		}
	default:
		return fmt.Errorf("%w: public key is neither ECDSA nor ED25519 key", interfaces.ErrSignatureInvalid)
	}
	return nil
}
