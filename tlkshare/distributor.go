// Package tlkshare wraps TLKs to individual peers and publishes, fetches and
// verifies the resulting shares.
package tlkshare

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/ruteri/tee-keysync/cryptoutils"
	"github.com/ruteri/tee-keysync/interfaces"
	"github.com/ruteri/tee-keysync/metrics"
	"github.com/ruteri/tee-keysync/records"
)

// Distributor creates and opens TLK shares for the local device.
type Distributor struct {
	identity *cryptoutils.DeviceIdentity
	peers    interfaces.PeerProvider
	store    interfaces.RecordStore
	cache    interfaces.KeyCache
	log      *slog.Logger
}

func NewDistributor(identity *cryptoutils.DeviceIdentity, peers interfaces.PeerProvider, store interfaces.RecordStore, log *slog.Logger) *Distributor {
	return &Distributor{
		identity: identity,
		peers:    peers,
		store:    store,
		log:      log,
	}
}

// SetKeyCache installs the sink that receives recovered TLK material.
func (d *Distributor) SetKeyCache(cache interfaces.KeyCache) {
	d.cache = cache
}

// Self returns the local peer id.
func (d *Distributor) Self() interfaces.PeerID {
	return d.identity.PeerID()
}

// shareAAD binds the ciphertext to the TLK and its receiver.
func shareAAD(zone interfaces.ZoneID, keyID uuid.UUID, receiver interfaces.PeerID) []byte {
	return []byte("keysync-tlkshare|" + string(zone) + "|" + keyID.String() + "|" + string(receiver))
}

// ShareTLK wraps the TLK material under the receiver's encryption key and
// signs the share with the local signing key.
func (d *Distributor) ShareTLK(ctx context.Context, zone interfaces.ZoneID, tlkID uuid.UUID, material []byte, to interfaces.PeerProviderState) (interfaces.TLKShare, error) {
	if err := to.PeerID.Validate(); err != nil {
		return interfaces.TLKShare{}, err
	}

	wrapped, err := cryptoutils.EncryptWithPublicKey(to.PublicKey, material, shareAAD(zone, tlkID, to.PeerID))
	if err != nil {
		return interfaces.TLKShare{}, fmt.Errorf("%w: share for %s: %v", interfaces.ErrWrapFailed, to.PeerID.Short(), err)
	}

	share := interfaces.TLKShare{
		KeyID:          tlkID,
		Zone:           zone,
		SenderPeerID:   d.identity.PeerID(),
		ReceiverPeerID: to.PeerID,
		WrappedKey:     wrapped,
	}

	payload, err := records.ShareSigningPayload(share)
	if err != nil {
		return interfaces.TLKShare{}, err
	}
	share.Signature, err = d.identity.Sign(payload)
	if err != nil {
		return interfaces.TLKShare{}, fmt.Errorf("failed to sign share: %w", err)
	}
	return share, nil
}

// UnwrapShare recovers the TLK from a share addressed to this device. The
// signer must be this device or a peer trusted right now; the trusted set is
// queried for every call. Recovered material is handed to the key cache,
// which verifies it before it is used.
func (d *Distributor) UnwrapShare(ctx context.Context, share interfaces.TLKShare) ([]byte, error) {
	material, err := d.unwrap(ctx, share)
	if err != nil {
		reason := "error"
		switch {
		case errors.Is(err, interfaces.ErrNotAddressedToMe):
			reason = "not_addressed"
		case errors.Is(err, interfaces.ErrSignatureInvalid):
			reason = "signature"
		case errors.Is(err, interfaces.ErrWrapFailed):
			reason = "decrypt"
		}
		metrics.SharesRejected.WithLabelValues(reason).Inc()
		return nil, err
	}

	if d.cache != nil {
		if err := d.cache.CacheTLK(ctx, share.Zone, share.KeyID, material); err != nil {
			cryptoutils.WipeBytes(material)
			metrics.SharesRejected.WithLabelValues("verify").Inc()
			return nil, err
		}
	}
	return material, nil
}

func (d *Distributor) unwrap(ctx context.Context, share interfaces.TLKShare) ([]byte, error) {
	if share.ReceiverPeerID != d.identity.PeerID() {
		return nil, fmt.Errorf("%w: share is for %s", interfaces.ErrNotAddressedToMe, share.ReceiverPeerID.Short())
	}

	signingKey, err := d.signerKey(ctx, share.SenderPeerID)
	if err != nil {
		return nil, err
	}

	payload, err := records.ShareSigningPayload(share)
	if err != nil {
		return nil, err
	}
	if err := cryptoutils.Verify(signingKey, payload, share.Signature); err != nil {
		return nil, fmt.Errorf("share from %s: %w", share.SenderPeerID.Short(), err)
	}

	material, err := d.identity.Decrypt(share.WrappedKey, shareAAD(share.Zone, share.KeyID, share.ReceiverPeerID))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrWrapFailed, err)
	}
	return material, nil
}

func (d *Distributor) signerKey(ctx context.Context, sender interfaces.PeerID) (cryptoutils.AppPubkey, error) {
	if sender == d.identity.PeerID() {
		return d.identity.SigningPublicKey(), nil
	}

	states, err := d.peers.CurrentTrustStates(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to query trusted peers: %w", err)
	}
	for _, s := range states {
		if s.PeerID != sender {
			continue
		}
		if !s.Trusted {
			break
		}
		// The signing key must hash to the claimed sender id.
		derived, err := cryptoutils.PeerIDFromSigningKey(s.SigningKey)
		if err != nil || derived != sender {
			break
		}
		return s.SigningKey, nil
	}
	return nil, fmt.Errorf("%w: signer %s is not trusted", interfaces.ErrSignatureInvalid, sender.Short())
}

func shareRecordID(share interfaces.TLKShare) interfaces.RecordID {
	return interfaces.RecordID{Zone: share.Zone, Type: interfaces.RecordTypeShare, Name: share.RecordName()}
}

// Publish writes a share. A sender keeps one share per (TLK, receiver), so
// republishing replaces the previous one.
func (d *Distributor) Publish(ctx context.Context, share interfaces.TLKShare) error {
	data, err := records.EncodeShare(share)
	if err != nil {
		return err
	}
	if _, err := d.store.Save(ctx, shareRecordID(share), data, interfaces.AnyVersion); err != nil {
		return fmt.Errorf("failed to publish share %s: %w", share.RecordName(), err)
	}

	metrics.SharesIssued.Inc()
	d.log.Debug("Published TLK share",
		slog.String("zone", string(share.Zone)),
		slog.String("tlk", share.KeyID.String()),
		slog.String("receiver", share.ReceiverPeerID.Short()))
	return nil
}

// FetchShares returns the zone's shares. A nil keyID returns shares of every
// TLK. Undecodable records are skipped.
func (d *Distributor) FetchShares(ctx context.Context, zone interfaces.ZoneID, keyID *uuid.UUID) ([]interfaces.TLKShare, error) {
	names, err := d.store.List(ctx, zone, interfaces.RecordTypeShare)
	if err != nil {
		return nil, fmt.Errorf("failed to list shares: %w", err)
	}

	var shares []interfaces.TLKShare
	for _, name := range names {
		if keyID != nil && !strings.HasPrefix(name, keyID.String()+"-") {
			continue
		}

		data, _, err := d.store.Fetch(ctx, interfaces.RecordID{Zone: zone, Type: interfaces.RecordTypeShare, Name: name})
		if errors.Is(err, interfaces.ErrContentNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}

		share, err := records.DecodeShare(data)
		if err != nil {
			d.log.Warn("Skipping malformed share record", slog.String("name", name), "err", err)
			continue
		}
		if share.Zone != zone || share.RecordName() != name {
			d.log.Warn("Skipping misplaced share record", slog.String("name", name))
			continue
		}
		shares = append(shares, share)
	}
	return shares, nil
}

// RecoverTLK tries every share of keyID addressed to this device until one
// yields verified material.
func (d *Distributor) RecoverTLK(ctx context.Context, zone interfaces.ZoneID, keyID uuid.UUID) ([]byte, error) {
	shares, err := d.FetchShares(ctx, zone, &keyID)
	if err != nil {
		return nil, err
	}

	var errs []error
	for _, share := range shares {
		if share.ReceiverPeerID != d.identity.PeerID() {
			continue
		}
		material, err := d.UnwrapShare(ctx, share)
		if err == nil {
			return material, nil
		}
		d.log.Warn("Rejected TLK share",
			slog.String("zone", string(zone)),
			slog.String("sender", share.SenderPeerID.Short()),
			"err", err)
		errs = append(errs, err)
	}

	if len(errs) == 0 {
		return nil, fmt.Errorf("%w: no share of %s for %s", interfaces.ErrKeyMaterialMissing, keyID, d.identity.PeerID().Short())
	}
	return nil, fmt.Errorf("%w: no usable share of %s for %s: %v", interfaces.ErrKeyMaterialMissing, keyID, d.identity.PeerID().Short(), errors.Join(errs...))
}

// Delete removes a share.
func (d *Distributor) Delete(ctx context.Context, share interfaces.TLKShare) error {
	err := d.store.Delete(ctx, shareRecordID(share), interfaces.AnyVersion)
	if errors.Is(err, interfaces.ErrContentNotFound) {
		return nil
	}
	return err
}
