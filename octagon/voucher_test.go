package octagon

import (
	"context"
	"sync"
	"testing"

	"github.com/ruteri/tee-keysync/cryptoutils"
	"github.com/ruteri/tee-keysync/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrepareEpoch(t *testing.T) {
	ctx := context.Background()
	identity, err := cryptoutils.GenerateDeviceIdentity()
	require.NoError(t, err)
	s := NewLocalVoucherService(identity, 10, testLogger())

	epoch, err := s.PrepareEpoch(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, uint64(11), epoch)

	epoch, err = s.PrepareEpoch(ctx, 20)
	require.NoError(t, err)
	assert.Equal(t, uint64(21), epoch)

	var wg sync.WaitGroup
	seen := make(chan uint64, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e, _ := s.PrepareEpoch(ctx, 0)
			seen <- e
		}()
	}
	wg.Wait()
	close(seen)

	unique := map[uint64]bool{}
	for e := range seen {
		unique[e] = true
	}
	assert.Len(t, unique, 10)
	assert.Equal(t, uint64(31), s.Epoch())
}

func TestVoucherBinding(t *testing.T) {
	ctx := context.Background()
	sponsor, err := cryptoutils.GenerateDeviceIdentity()
	require.NoError(t, err)
	joiner, err := cryptoutils.GenerateDeviceIdentity()
	require.NoError(t, err)
	other, err := cryptoutils.GenerateDeviceIdentity()
	require.NoError(t, err)

	s := NewLocalVoucherService(sponsor, 0, testLogger())
	identity, err := SignIdentity(joiner, 4)
	require.NoError(t, err)
	require.NoError(t, VerifyIdentity(identity))

	voucher, err := s.IssueVoucher(ctx, identity)
	require.NoError(t, err)
	assert.Equal(t, joiner.PeerID(), voucher.PeerID)
	assert.Equal(t, sponsor.PeerID(), voucher.SponsorID)
	assert.Equal(t, uint64(4), voucher.Epoch)
	require.NoError(t, VerifyVoucher(voucher, sponsor.SigningPublicKey()))

	tests := []struct {
		name   string
		mutate func(v interfaces.Voucher) (interfaces.Voucher, cryptoutils.AppPubkey)
	}{
		{
			name: "other sponsor key",
			mutate: func(v interfaces.Voucher) (interfaces.Voucher, cryptoutils.AppPubkey) {
				return v, other.SigningPublicKey()
			},
		},
		{
			name: "rebound peer",
			mutate: func(v interfaces.Voucher) (interfaces.Voucher, cryptoutils.AppPubkey) {
				v.PeerID = other.PeerID()
				v.SigningKey = other.SigningPublicKey()
				return v, sponsor.SigningPublicKey()
			},
		},
		{
			name: "peer id not derived from key",
			mutate: func(v interfaces.Voucher) (interfaces.Voucher, cryptoutils.AppPubkey) {
				v.PeerID = other.PeerID()
				return v, sponsor.SigningPublicKey()
			},
		},
		{
			name: "epoch changed",
			mutate: func(v interfaces.Voucher) (interfaces.Voucher, cryptoutils.AppPubkey) {
				v.Epoch++
				return v, sponsor.SigningPublicKey()
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, key := tt.mutate(*voucher)
			assert.ErrorIs(t, VerifyVoucher(&v, key), interfaces.ErrSignatureInvalid)
		})
	}

	assert.Error(t, VerifyVoucher(nil, sponsor.SigningPublicKey()))

	identity.Epoch = 5
	_, err = s.IssueVoucher(ctx, identity)
	assert.ErrorIs(t, err, interfaces.ErrSignatureInvalid)
}
