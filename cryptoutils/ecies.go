package cryptoutils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	gcmNonceSize = 12
	eciesInfo    = "keysync-ecies-v1"
)

// EncryptWithPublicKey encrypts data using ECIES with the given public key PEM.
// It implements Elliptic Curve Integrated Encryption Scheme with ECDH key agreement,
// HKDF-SHA256 for key derivation, and AES-GCM for authenticated encryption.
// A fresh ephemeral key is generated for each encryption operation, providing forward secrecy.
// aad is authenticated but not encrypted, and must be passed unchanged to decrypt.
//
// Format: [ephemeral key length (2 bytes)][ephemeral key][nonce][ciphertext]
func EncryptWithPublicKey(publicKeyPEM []byte, data, aad []byte) ([]byte, error) {
	parsed, err := AppPubkey(publicKeyPEM).GetPublicKey()
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}

	ecdsaKey, ok := parsed.(*ecdsa.PublicKey)
	if !ok {
		return nil, errors.New("not an ECDSA public key")
	}

	recipient, err := ecdsaKey.ECDH()
	if err != nil {
		return nil, fmt.Errorf("unsupported curve: %w", err)
	}

	ephemeral, err := recipient.Curve().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}

	shared, err := ephemeral.ECDH(recipient)
	if err != nil {
		return nil, fmt.Errorf("ecdh failed: %w", err)
	}

	ephemeralBytes := ephemeral.PublicKey().Bytes()
	aead, err := eciesAEAD(shared, ephemeralBytes)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcmNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := aead.Seal(nil, nonce, data, aad)

	result := make([]byte, 0, 2+len(ephemeralBytes)+len(nonce)+len(ciphertext))
	result = binary.BigEndian.AppendUint16(result, uint16(len(ephemeralBytes)))
	result = append(result, ephemeralBytes...)
	result = append(result, nonce...)
	result = append(result, ciphertext...)
	return result, nil
}

// DecryptWithPrivateKey decrypts data encrypted with EncryptWithPublicKey using the corresponding private key.
func DecryptWithPrivateKey(privateKeyPEM []byte, encryptedData, aad []byte) ([]byte, error) {
	parsed, err := AppPrivkey(privateKeyPEM).GetPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	ecdsaKey, ok := parsed.(*ecdsa.PrivateKey)
	if !ok {
		return nil, errors.New("not an ECDSA private key")
	}

	priv, err := ecdsaKey.ECDH()
	if err != nil {
		return nil, fmt.Errorf("unsupported curve: %w", err)
	}

	if len(encryptedData) < 2 {
		return nil, errors.New("encrypted data too short")
	}

	ephemeralLen := int(binary.BigEndian.Uint16(encryptedData[0:2]))
	if len(encryptedData) < 2+ephemeralLen+gcmNonceSize {
		return nil, errors.New("encrypted data has invalid format")
	}

	ephemeralBytes := encryptedData[2 : 2+ephemeralLen]
	ephemeral, err := priv.Curve().NewPublicKey(ephemeralBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal ephemeral public key: %w", err)
	}

	shared, err := priv.ECDH(ephemeral)
	if err != nil {
		return nil, fmt.Errorf("ecdh failed: %w", err)
	}

	aead, err := eciesAEAD(shared, ephemeralBytes)
	if err != nil {
		return nil, err
	}

	nonceStart := 2 + ephemeralLen
	nonce := encryptedData[nonceStart : nonceStart+gcmNonceSize]
	ciphertext := encryptedData[nonceStart+gcmNonceSize:]

	plaintext, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}

	return plaintext, nil
}

func eciesAEAD(shared, ephemeralPub []byte) (cipher.AEAD, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, ephemeralPub, []byte(eciesInfo)), key); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return aead, nil
}
