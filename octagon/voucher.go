package octagon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ruteri/tee-keysync/cryptoutils"
	"github.com/ruteri/tee-keysync/interfaces"
	"github.com/ruteri/tee-keysync/records"
	"go.uber.org/atomic"
)

// LocalVoucherService is the identity service of a trusted device: it answers
// epoch requests and vouches for joining peers with the device signing key.
type LocalVoucherService struct {
	identity *cryptoutils.DeviceIdentity
	epoch    *atomic.Uint64
	log      *slog.Logger
}

func NewLocalVoucherService(identity *cryptoutils.DeviceIdentity, epoch uint64, log *slog.Logger) *LocalVoucherService {
	return &LocalVoucherService{
		identity: identity,
		epoch:    atomic.NewUint64(epoch),
		log:      log,
	}
}

// Epoch returns the last epoch this device prepared or observed.
func (s *LocalVoucherService) Epoch() uint64 {
	return s.epoch.Load()
}

// PrepareEpoch moves the local epoch past both its own and the initiator's
// and returns it.
func (s *LocalVoucherService) PrepareEpoch(ctx context.Context, initiatorEpoch uint64) (uint64, error) {
	for {
		current := s.epoch.Load()
		next := max(current, initiatorEpoch) + 1
		if s.epoch.CompareAndSwap(current, next) {
			s.log.Debug("Prepared epoch", slog.Uint64("initiator", initiatorEpoch), slog.Uint64("epoch", next))
			return next, nil
		}
	}
}

// IssueVoucher verifies the identity assertion and signs a voucher binding it
// to this device as sponsor.
func (s *LocalVoucherService) IssueVoucher(ctx context.Context, identity interfaces.PeerIdentity) (*interfaces.Voucher, error) {
	if err := VerifyIdentity(identity); err != nil {
		return nil, err
	}

	v := &interfaces.Voucher{
		PeerID:        identity.PeerID,
		SponsorID:     s.identity.PeerID(),
		Epoch:         identity.Epoch,
		SigningKey:    identity.SigningKey,
		EncryptionKey: identity.EncryptionKey,
	}
	payload, err := records.VoucherSigningPayload(*v)
	if err != nil {
		return nil, err
	}
	v.Signature, err = s.identity.Sign(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to sign voucher: %w", err)
	}
	return v, nil
}

// SignIdentity builds the signed identity assertion of a joining device.
func SignIdentity(identity *cryptoutils.DeviceIdentity, epoch uint64) (interfaces.PeerIdentity, error) {
	id := interfaces.PeerIdentity{
		PeerID:        identity.PeerID(),
		SigningKey:    identity.SigningPublicKey(),
		EncryptionKey: identity.EncryptionPublicKey(),
		Epoch:         epoch,
	}
	payload, err := records.IdentitySigningPayload(id)
	if err != nil {
		return interfaces.PeerIdentity{}, err
	}
	id.Signature, err = identity.Sign(payload)
	if err != nil {
		return interfaces.PeerIdentity{}, fmt.Errorf("failed to sign identity: %w", err)
	}
	return id, nil
}

// VerifyIdentity checks that the peer id derives from the signing key and the
// assertion is signed by it.
func VerifyIdentity(id interfaces.PeerIdentity) error {
	if err := bindsPeerID(id.PeerID, id.SigningKey); err != nil {
		return err
	}
	if _, err := cryptoutils.NewAppPubkey(id.EncryptionKey); err != nil {
		return fmt.Errorf("%w: invalid encryption key: %v", interfaces.ErrSignatureInvalid, err)
	}
	payload, err := records.IdentitySigningPayload(id)
	if err != nil {
		return err
	}
	if err := cryptoutils.Verify(id.SigningKey, payload, id.Signature); err != nil {
		return fmt.Errorf("identity of %s: %w", id.PeerID.Short(), err)
	}
	return nil
}

// VerifyVoucher checks the voucher was signed by sponsorKey and binds the
// peer id it names.
func VerifyVoucher(v *interfaces.Voucher, sponsorKey cryptoutils.AppPubkey) error {
	if v == nil {
		return errors.New("missing voucher")
	}
	if err := bindsPeerID(v.PeerID, v.SigningKey); err != nil {
		return err
	}
	if err := bindsPeerID(v.SponsorID, sponsorKey); err != nil {
		return fmt.Errorf("sponsor: %w", err)
	}
	payload, err := records.VoucherSigningPayload(*v)
	if err != nil {
		return err
	}
	if err := cryptoutils.Verify(sponsorKey, payload, v.Signature); err != nil {
		return fmt.Errorf("voucher for %s: %w", v.PeerID.Short(), err)
	}
	return nil
}

func bindsPeerID(peerID interfaces.PeerID, signingKey []byte) error {
	derived, err := cryptoutils.PeerIDFromSigningKey(signingKey)
	if err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrSignatureInvalid, err)
	}
	if derived != peerID {
		return fmt.Errorf("%w: peer id %s does not match its signing key", interfaces.ErrSignatureInvalid, peerID.Short())
	}
	return nil
}
