package interfaces

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"conflict", fmt.Errorf("commit tlk: %w", ErrVersionConflict), KindConflict},
		{"signature", fmt.Errorf("share: %w", ErrSignatureInvalid), KindPeerFatal},
		{"addressing", ErrNotAddressedToMe, KindPeerFatal},
		{"locked", fmt.Errorf("unwrap: %w", ErrLocked), KindDeviceFatal},
		{"missing", ErrKeyMaterialMissing, KindDeviceFatal},
		{"unavailable", fmt.Errorf("%w: connection refused", ErrBackendUnavailable), KindTransient},
		{"deadline", context.DeadlineExceeded, KindTransient},
		{"protocol", fmt.Errorf("join: %w", ErrProtocolViolation), KindProtocolViolation},
		{"other", errors.New("boom"), KindFatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyError(tt.err))
		})
	}
}

func TestZoneIDValidate(t *testing.T) {
	assert.NoError(t, ZoneID("engram").Validate())
	assert.Error(t, ZoneID("").Validate())
	assert.Error(t, ZoneID("a/b").Validate())
	assert.Error(t, ZoneID("..").Validate())
}

func TestKeyClassRoundTrip(t *testing.T) {
	for _, c := range AllKeyClasses {
		parsed, err := ParseKeyClass(c.String())
		assert.NoError(t, err)
		assert.Equal(t, c, parsed)
	}
	_, err := ParseKeyClass("classB")
	assert.Error(t, err)
}

func TestStorageBackendLocation(t *testing.T) {
	loc, err := NewStorageBackendLocation("vault://vault.internal:8200/secret/keysync?token=abc")
	assert.NoError(t, err)
	assert.Equal(t, "vault", loc.Scheme)
	assert.Equal(t, "abc", loc.GetParam("token"))

	_, err = NewStorageBackendLocation("ipfs://localhost:5001")
	assert.ErrorIs(t, err, ErrInvalidLocationURI)
}
