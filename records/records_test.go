package records

import (
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/ruteri/tee-keysync/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyRecord(t *testing.T) {
	parent := uuid.New()
	tests := []struct {
		name string
		key  *interfaces.Key
	}{
		{
			name: "tlk without parent",
			key: &interfaces.Key{
				ID: uuid.New(), Class: interfaces.KeyClassTLK, Zone: "engram",
				WrappedMaterial: []byte{1, 2, 3}, Generation: 4,
			},
		},
		{
			name: "class key with parent",
			key: &interfaces.Key{
				ID: uuid.New(), Class: interfaces.KeyClassA, Zone: "engram",
				WrappedMaterial: []byte{9}, WrappedUnderKeyID: &parent, Generation: 1,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := EncodeKey(tt.key)
			require.NoError(t, err)
			decoded, err := DecodeKey(data)
			require.NoError(t, err)
			assert.Equal(t, tt.key, decoded)
		})
	}
}

func TestShareSigningPayloadExcludesSignature(t *testing.T) {
	share := interfaces.TLKShare{
		KeyID: uuid.New(), Zone: "engram",
		SenderPeerID: "a", ReceiverPeerID: "b",
		WrappedKey: []byte("wrapped"),
	}
	unsigned, err := ShareSigningPayload(share)
	require.NoError(t, err)

	share.Signature = []byte("sig")
	signed, err := ShareSigningPayload(share)
	require.NoError(t, err)
	assert.Equal(t, unsigned, signed)

	share.ReceiverPeerID = "c"
	redirected, err := ShareSigningPayload(share)
	require.NoError(t, err)
	assert.NotEqual(t, unsigned, redirected)
}

func TestDecodeRejectsFutureFormat(t *testing.T) {
	data, err := cbor.Marshal(pointerRecord{Format: FormatVersion + 1, KeyID: make([]byte, 16)})
	require.NoError(t, err)
	_, err = DecodePointer("engram", data, "1")
	assert.ErrorIs(t, err, ErrUnsupportedFormat)

	_, err = DecodeKey([]byte("garbage"))
	assert.Error(t, err)
}

func TestPointerCarriesTag(t *testing.T) {
	ptr := interfaces.CurrentKeyPointer{Zone: "engram", Class: interfaces.KeyClassC, CurrentKeyID: uuid.New()}
	data, err := EncodePointer(ptr)
	require.NoError(t, err)

	decoded, err := DecodePointer("engram", data, "7")
	require.NoError(t, err)
	ptr.RemoteVersionTag = "7"
	assert.Equal(t, ptr, decoded)
}
