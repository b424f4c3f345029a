package cryptoutils

import (
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ruteri/tee-keysync/interfaces"
)

// DeviceIdentity is the long-term key material of one device: a signing key
// proving authorship of shares and identities, and a P-256 encryption key
// shares are wrapped to.
type DeviceIdentity struct {
	SigningKey    AppPrivkey
	EncryptionKey AppPrivkey

	peerID        interfaces.PeerID
	signingPub    AppPubkey
	encryptionPub AppPubkey
}

// NewDeviceIdentity validates both keys and derives the peer id.
func NewDeviceIdentity(signingKey, encryptionKey AppPrivkey) (*DeviceIdentity, error) {
	if err := signingKey.Validate(); err != nil {
		return nil, fmt.Errorf("invalid signing key: %w", err)
	}
	if err := encryptionKey.Validate(); err != nil {
		return nil, fmt.Errorf("invalid encryption key: %w", err)
	}

	signingPub, err := signingKey.PublicKeyPEM()
	if err != nil {
		return nil, err
	}

	encryptionPub, err := encryptionKey.PublicKeyPEM()
	if err != nil {
		return nil, err
	}

	peerID, err := PeerIDFromSigningKey(signingPub)
	if err != nil {
		return nil, err
	}

	return &DeviceIdentity{
		SigningKey:    signingKey,
		EncryptionKey: encryptionKey,
		peerID:        peerID,
		signingPub:    signingPub,
		encryptionPub: encryptionPub,
	}, nil
}

// GenerateDeviceIdentity creates a fresh identity with P-256 signing and encryption keys.
func GenerateDeviceIdentity() (*DeviceIdentity, error) {
	_, signingKey, err := RandomP256Keypair()
	if err != nil {
		return nil, err
	}

	_, encryptionKey, err := RandomP256Keypair()
	if err != nil {
		return nil, err
	}

	return NewDeviceIdentity(signingKey, encryptionKey)
}

// LoadDeviceIdentity reads PEM private keys from signingPath and encryptionPath.
func LoadDeviceIdentity(signingPath, encryptionPath string) (*DeviceIdentity, error) {
	signingPEM, err := os.ReadFile(signingPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read signing key: %w", err)
	}
	encryptionPEM, err := os.ReadFile(encryptionPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read encryption key: %w", err)
	}

	signingKey, err := NewAppPrivkey(signingPEM)
	if err != nil {
		return nil, fmt.Errorf("invalid signing key %s: %w", signingPath, err)
	}
	encryptionKey, err := NewAppPrivkey(encryptionPEM)
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key %s: %w", encryptionPath, err)
	}
	return NewDeviceIdentity(signingKey, encryptionKey)
}

// Save writes both private keys with owner-only permissions.
func (d *DeviceIdentity) Save(signingPath, encryptionPath string) error {
	if err := os.WriteFile(signingPath, d.SigningKey, 0600); err != nil {
		return fmt.Errorf("failed to write signing key: %w", err)
	}
	if err := os.WriteFile(encryptionPath, d.EncryptionKey, 0600); err != nil {
		return fmt.Errorf("failed to write encryption key: %w", err)
	}
	return nil
}

func (d *DeviceIdentity) PeerID() interfaces.PeerID {
	return d.peerID
}

func (d *DeviceIdentity) SigningPublicKey() AppPubkey {
	return d.signingPub
}

func (d *DeviceIdentity) EncryptionPublicKey() AppPubkey {
	return d.encryptionPub
}

// Sign signs payload with the device signing key.
func (d *DeviceIdentity) Sign(payload []byte) ([]byte, error) {
	return Sign(d.SigningKey, payload)
}

// Decrypt opens an ECIES ciphertext addressed to this device.
func (d *DeviceIdentity) Decrypt(ciphertext, aad []byte) ([]byte, error) {
	return DecryptWithPrivateKey(d.EncryptionKey, ciphertext, aad)
}

// TrustState describes this device as a peer provider entry.
func (d *DeviceIdentity) TrustState(epoch uint64) interfaces.PeerProviderState {
	return interfaces.PeerProviderState{
		PeerID:     d.peerID,
		PublicKey:  d.encryptionPub,
		SigningKey: d.signingPub,
		Trusted:    true,
		Epoch:      epoch,
	}
}

// PeerIDFromSigningKey derives a peer id as the last 20 bytes of the
// Keccak-256 hash of the DER encoded signing public key.
func PeerIDFromSigningKey(signingPubPEM AppPubkey) (interfaces.PeerID, error) {
	block, _ := pem.Decode(signingPubPEM)
	if block == nil {
		return "", errors.New("failed to decode signing key PEM")
	}

	if _, err := x509.ParsePKIXPublicKey(block.Bytes); err != nil {
		return "", fmt.Errorf("invalid signing key: %w", err)
	}

	digest := crypto.Keccak256(block.Bytes)
	return interfaces.NewPeerIDFromBytes(digest[12:])
}
