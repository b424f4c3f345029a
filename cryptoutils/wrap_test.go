package cryptoutils

import (
	"testing"

	"github.com/ruteri/tee-keysync/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapUnwrapRoundTrip(t *testing.T) {
	for i := 0; i < 16; i++ {
		parent, err := GenerateKeyMaterial()
		require.NoError(t, err)
		child, err := GenerateKeyMaterial()
		require.NoError(t, err)

		wrapped, err := WrapKey(parent, child, []byte("key-id"))
		require.NoError(t, err)
		assert.NotContains(t, string(wrapped), string(child))

		unwrapped, err := UnwrapKey(parent, wrapped, []byte("key-id"))
		require.NoError(t, err)
		assert.Equal(t, child, unwrapped)
	}
}

func TestUnwrapRejectsWrongInputs(t *testing.T) {
	parent, err := GenerateKeyMaterial()
	require.NoError(t, err)
	other, err := GenerateKeyMaterial()
	require.NoError(t, err)

	wrapped, err := WrapKey(parent, []byte("material"), []byte("a"))
	require.NoError(t, err)

	tests := []struct {
		name    string
		key     []byte
		wrapped []byte
		aad     []byte
	}{
		{"wrong key", other, wrapped, []byte("a")},
		{"wrong aad", parent, wrapped, []byte("b")},
		{"truncated", parent, wrapped[:10], []byte("a")},
		{"short key", parent[:16], wrapped, []byte("a")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := UnwrapKey(tt.key, tt.wrapped, tt.aad)
			assert.ErrorIs(t, err, interfaces.ErrWrapFailed)
		})
	}
}

func TestSignVerify(t *testing.T) {
	p256Pub, p256Priv, err := RandomP256Keypair()
	require.NoError(t, err)
	edPub, edPriv, err := RandomEd25519Keypair()
	require.NoError(t, err)

	tests := []struct {
		name string
		pub  AppPubkey
		priv AppPrivkey
	}{
		{"ecdsa", p256Pub, p256Priv},
		{"ed25519", edPub, edPriv},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig, err := Sign(tt.priv, []byte("payload"))
			require.NoError(t, err)
			assert.NoError(t, Verify(tt.pub, []byte("payload"), sig))
			assert.ErrorIs(t, Verify(tt.pub, []byte("tampered"), sig), interfaces.ErrSignatureInvalid)
			assert.ErrorIs(t, Verify(tt.pub, []byte("payload"), nil), interfaces.ErrSignatureInvalid)
		})
	}
}

func TestDeviceIdentity(t *testing.T) {
	id, err := GenerateDeviceIdentity()
	require.NoError(t, err)
	require.NoError(t, id.PeerID().Validate())

	again, err := PeerIDFromSigningKey(id.SigningPublicKey())
	require.NoError(t, err)
	assert.Equal(t, id.PeerID(), again)

	other, err := GenerateDeviceIdentity()
	require.NoError(t, err)
	assert.NotEqual(t, id.PeerID(), other.PeerID())

	ct, err := EncryptWithPublicKey(id.EncryptionPublicKey(), []byte("tlk"), nil)
	require.NoError(t, err)
	pt, err := id.Decrypt(ct, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("tlk"), pt)

	state := id.TrustState(3)
	assert.True(t, state.Trusted)
	assert.Equal(t, uint64(3), state.Epoch)
}

func TestDeriveKeybagKey(t *testing.T) {
	a := DeriveKeybagKey([]byte("passphrase"), []byte("salt"))
	b := DeriveKeybagKey([]byte("passphrase"), []byte("salt"))
	c := DeriveKeybagKey([]byte("passphrase"), []byte("other"))
	assert.Len(t, a, KeySize)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}
