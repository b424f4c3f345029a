package cryptoutils

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
)

// AppPubkey represents a device public key (signing or encryption) in PEM format.
type AppPubkey []byte

// NewAppPubkey creates a new public key object from PEM-encoded data with validation.
func NewAppPubkey(data []byte) (AppPubkey, error) {
	// Validate PEM format
	block, _ := pem.Decode(data)
	if block == nil || (block.Type != "PUBLIC KEY" && block.Type != "RSA PUBLIC KEY") {
		return AppPubkey{}, errors.New("invalid public key: not in PEM format or not a public key")
	}

	// Validate public key structure
	_, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return AppPubkey{}, fmt.Errorf("invalid public key structure: %w", err)
	}

	return AppPubkey(data), nil
}

// Validate checks if the public key is properly formed.
func (pub AppPubkey) Validate() error {
	_, err := NewAppPubkey(pub)
	return err
}

// GetPublicKey returns the parsed public key interface.
func (pub AppPubkey) GetPublicKey() (interface{}, error) {
	block, _ := pem.Decode(pub)
	if block == nil {
		return nil, errors.New("failed to decode PEM block")
	}
	return x509.ParsePKIXPublicKey(block.Bytes)
}

// AppPrivkey represents a device private key in PEM format.
type AppPrivkey []byte

// NewAppPrivkey creates a new private key object from PEM-encoded data with validation.
func NewAppPrivkey(data []byte) (AppPrivkey, error) {
	// Validate PEM format
	block, _ := pem.Decode(data)
	if block == nil || (block.Type != "PRIVATE KEY" && block.Type != "EC PRIVATE KEY") {
		return AppPrivkey{}, errors.New("invalid private key: not in PEM format or not a private key")
	}

	// Try to parse it as a PKCS8 private key
	_, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		// Try to parse it as an EC private key
		_, err = x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return AppPrivkey{}, fmt.Errorf("invalid private key structure: %w", err)
		}
	}

	return AppPrivkey(data), nil
}

// Validate checks if the private key is properly formed.
func (priv AppPrivkey) Validate() error {
	_, err := NewAppPrivkey(priv)
	return err
}

// GetPrivateKey returns the parsed private key interface.
func (priv AppPrivkey) GetPrivateKey() (interface{}, error) {
	block, _ := pem.Decode(priv)
	if block == nil {
		return nil, errors.New("failed to decode PEM block")
	}

	// Try to parse it as a PKCS8 private key
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err == nil {
		return key, nil
	}

	// Try to parse it as an EC private key
	key, err = x509.ParseECPrivateKey(block.Bytes)
	if err == nil {
		return key, nil
	}

	return nil, errors.New("failed to parse private key")
}

// GetPublicKey returns the public half of the private key.
func (priv AppPrivkey) GetPublicKey() (interface{}, error) {
	parsedPriv, err := priv.GetPrivateKey()
	if err != nil {
		return nil, err
	}

	// Extract public key based on the private key type
	switch key := parsedPriv.(type) {
	case *ecdsa.PrivateKey:
		return &key.PublicKey, nil
	case ed25519.PrivateKey:
		return key.Public(), nil
	default:
		return nil, fmt.Errorf("unsupported private key type: %T", parsedPriv)
	}
}

// PublicKeyPEM returns the PKIX PEM encoding of the public half.
func (priv AppPrivkey) PublicKeyPEM() (AppPubkey, error) {
	pub, err := priv.GetPublicKey()
	if err != nil {
		return nil, err
	}

	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal public key: %w", err)
	}

	return AppPubkey(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// RandomP256Keypair generates an ECDSA P-256 keypair usable both for signing
// and as an ECIES recipient.
func RandomP256Keypair() (AppPubkey, AppPrivkey, error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}

	privateKeyBytes, err := x509.MarshalECPrivateKey(privateKey)
	if err != nil {
		return nil, nil, err
	}

	privateKeyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "EC PRIVATE KEY",
		Bytes: privateKeyBytes,
	})

	pubkeyBytes, err := x509.MarshalPKIXPublicKey(&privateKey.PublicKey)
	if err != nil {
		return nil, nil, err
	}

	pubkeyKeyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: pubkeyBytes,
	})

	return AppPubkey(pubkeyKeyPEM), AppPrivkey(privateKeyPEM), nil
}

// RandomEd25519Keypair generates an Ed25519 signing keypair in PKCS8/PKIX PEM.
func RandomEd25519Keypair() (AppPubkey, AppPrivkey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}

	privBytes, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, nil, err
	}

	pubBytes, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, nil, err
	}

	return AppPubkey(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes})),
		AppPrivkey(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privBytes})), nil
}
