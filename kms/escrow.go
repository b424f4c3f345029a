package kms

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/vault/shamir"
	"github.com/ruteri/tee-keysync/cryptoutils"
	"github.com/ruteri/tee-keysync/interfaces"
	"github.com/ruteri/tee-keysync/records"
)

// EscrowHolder receives one Shamir share of a TLK. Shares are encrypted to
// EncryptionKey; submissions during recovery must be signed with the key
// matching SigningKey.
type EscrowHolder struct {
	EncryptionKey cryptoutils.AppPubkey
	SigningKey    cryptoutils.AppPubkey
}

// EscrowSubmission is a decrypted share presented by its holder for recovery.
type EscrowSubmission struct {
	Index     int
	Share     []byte
	Signature []byte
	HolderKey cryptoutils.AppPubkey
}

func escrowRecordID(zone interfaces.ZoneID, keyID uuid.UUID, index int) interfaces.RecordID {
	return interfaces.RecordID{Zone: zone, Type: interfaces.RecordTypeEscrow, Name: keyID.String() + "-" + strconv.Itoa(index)}
}

func escrowAAD(zone interfaces.ZoneID, keyID uuid.UUID, index int) []byte {
	return []byte("keysync-escrow|" + string(zone) + "|" + keyID.String() + "|" + strconv.Itoa(index))
}

func escrowSubmissionPayload(zone interfaces.ZoneID, keyID uuid.UUID, index int, share []byte) []byte {
	return append(escrowAAD(zone, keyID, index), share...)
}

// HolderFingerprint identifies an escrow holder by the sha256 of its PEM
// signing key.
func HolderFingerprint(signingKey []byte) string {
	fingerprint := sha256.Sum256(signingKey)
	return hex.EncodeToString(fingerprint[:])
}

// EscrowTLK splits the zone's current TLK into one share per holder, any
// threshold of which reconstruct it, and stores each share encrypted to its
// holder. The TLK itself never leaves the device.
func (m *Manager) EscrowTLK(ctx context.Context, zone interfaces.ZoneID, holders []EscrowHolder, threshold int) ([]records.EscrowShare, error) {
	if threshold < 2 {
		return nil, errors.New("threshold must be at least 2")
	}
	if len(holders) < threshold {
		return nil, errors.New("total shares must be at least equal to threshold")
	}
	for i, h := range holders {
		if err := h.EncryptionKey.Validate(); err != nil {
			return nil, fmt.Errorf("invalid encryption key of holder %d: %w", i, err)
		}
		if err := h.SigningKey.Validate(); err != nil {
			return nil, fmt.Errorf("invalid signing key of holder %d: %w", i, err)
		}
	}

	ks, err := m.EnsureKeySet(ctx, zone)
	if err != nil {
		return nil, err
	}
	material, err := m.tlkMaterial(ctx, ks.TLK)
	if err != nil {
		return nil, err
	}
	defer cryptoutils.WipeBytes(material)

	parts, err := shamir.Split(material, len(holders), threshold)
	if err != nil {
		return nil, fmt.Errorf("failed to split tlk: %w", err)
	}
	defer func() {
		for _, p := range parts {
			cryptoutils.WipeBytes(p)
		}
	}()

	tlkID := ks.TLK.ID
	res := make([]records.EscrowShare, 0, len(holders))
	for i, h := range holders {
		ct, err := cryptoutils.EncryptWithPublicKey(h.EncryptionKey, parts[i], escrowAAD(zone, tlkID, i))
		if err != nil {
			return nil, fmt.Errorf("%w: escrow share %d: %v", interfaces.ErrWrapFailed, i, err)
		}

		share := records.EscrowShare{
			Zone:       string(zone),
			KeyID:      tlkID[:],
			Index:      i,
			Threshold:  threshold,
			HolderKey:  h.SigningKey,
			Ciphertext: ct,
		}
		data, err := records.EncodeEscrowShare(share)
		if err != nil {
			return nil, err
		}
		if _, err := m.store.Save(ctx, escrowRecordID(zone, tlkID, i), data, interfaces.AnyVersion); err != nil {
			return nil, fmt.Errorf("failed to store escrow share %d: %w", i, err)
		}
		share.Format = records.FormatVersion
		res = append(res, share)
	}

	m.log.Info("Escrowed TLK",
		slog.String("zone", string(zone)),
		slog.String("tlk", tlkID.String()),
		slog.Int("holders", len(holders)),
		slog.Int("threshold", threshold))
	return res, nil
}

// FetchEscrowShares returns the stored escrow shares of a TLK.
func (m *Manager) FetchEscrowShares(ctx context.Context, zone interfaces.ZoneID, keyID uuid.UUID) ([]records.EscrowShare, error) {
	names, err := m.store.List(ctx, zone, interfaces.RecordTypeEscrow)
	if err != nil {
		return nil, fmt.Errorf("failed to list escrow shares: %w", err)
	}

	var res []records.EscrowShare
	for _, name := range names {
		if !strings.HasPrefix(name, keyID.String()+"-") {
			continue
		}
		data, _, err := m.store.Fetch(ctx, interfaces.RecordID{Zone: zone, Type: interfaces.RecordTypeEscrow, Name: name})
		if errors.Is(err, interfaces.ErrContentNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		share, err := records.DecodeEscrowShare(data)
		if err != nil {
			m.log.Warn("Skipping malformed escrow share", slog.String("name", name), "err", err)
			continue
		}
		res = append(res, share)
	}
	return res, nil
}

// OpenEscrowShare is run by a holder: it decrypts the holder's share and
// signs it for submission to a recovering device.
func OpenEscrowShare(share records.EscrowShare, encryptionKey, signingKey cryptoutils.AppPrivkey) (EscrowSubmission, error) {
	keyID, err := uuid.FromBytes(share.KeyID)
	if err != nil {
		return EscrowSubmission{}, fmt.Errorf("invalid escrow key id: %w", err)
	}
	zone := interfaces.ZoneID(share.Zone)

	plain, err := cryptoutils.DecryptWithPrivateKey(encryptionKey, share.Ciphertext, escrowAAD(zone, keyID, share.Index))
	if err != nil {
		return EscrowSubmission{}, fmt.Errorf("%w: escrow share %d: %v", interfaces.ErrWrapFailed, share.Index, err)
	}

	sig, err := cryptoutils.Sign(signingKey, escrowSubmissionPayload(zone, keyID, share.Index, plain))
	if err != nil {
		return EscrowSubmission{}, fmt.Errorf("failed to sign escrow share: %w", err)
	}

	holderKey, err := signingKey.PublicKeyPEM()
	if err != nil {
		return EscrowSubmission{}, err
	}
	return EscrowSubmission{Index: share.Index, Share: plain, Signature: sig, HolderKey: holderKey}, nil
}

// EscrowRecovery reassembles a TLK from signed holder submissions. Only
// registered holders may submit; the TLK is reconstructed once threshold
// shares have arrived and exists only in memory until installed.
type EscrowRecovery struct {
	mu        sync.Mutex
	zone      interfaces.ZoneID
	keyID     uuid.UUID
	threshold int
	received  map[int][]byte
	holders   map[string]cryptoutils.AppPubkey
	material  []byte
}

// NewEscrowRecovery starts a recovery of keyID. holderKeys are the signing
// keys of the holders allowed to submit.
func NewEscrowRecovery(zone interfaces.ZoneID, keyID uuid.UUID, threshold int, holderKeys ...cryptoutils.AppPubkey) (*EscrowRecovery, error) {
	if threshold < 2 {
		return nil, errors.New("threshold must be at least 2")
	}

	r := &EscrowRecovery{
		zone:      zone,
		keyID:     keyID,
		threshold: threshold,
		received:  make(map[int][]byte),
		holders:   make(map[string]cryptoutils.AppPubkey),
	}
	for _, key := range holderKeys {
		if err := key.Validate(); err != nil {
			return nil, fmt.Errorf("invalid holder key: %w", err)
		}
		r.holders[HolderFingerprint(key)] = key
	}
	if len(r.holders) < threshold {
		return nil, fmt.Errorf("%d holders cannot reach threshold %d", len(r.holders), threshold)
	}
	return r, nil
}

// NewEscrowRecoveryFromShares derives the threshold and holders from the
// stored escrow records of one TLK.
func NewEscrowRecoveryFromShares(shares []records.EscrowShare) (*EscrowRecovery, error) {
	if len(shares) == 0 {
		return nil, fmt.Errorf("%w: no escrow shares", interfaces.ErrContentNotFound)
	}

	keyID, err := uuid.FromBytes(shares[0].KeyID)
	if err != nil {
		return nil, fmt.Errorf("invalid escrow key id: %w", err)
	}
	holders := make([]cryptoutils.AppPubkey, 0, len(shares))
	for _, s := range shares {
		if !bytes.Equal(s.KeyID, shares[0].KeyID) || s.Threshold != shares[0].Threshold || s.Zone != shares[0].Zone {
			return nil, errors.New("escrow shares belong to different escrows")
		}
		holders = append(holders, s.HolderKey)
	}
	return NewEscrowRecovery(interfaces.ZoneID(shares[0].Zone), keyID, shares[0].Threshold, holders...)
}

func (r *EscrowRecovery) Zone() interfaces.ZoneID {
	return r.zone
}

func (r *EscrowRecovery) KeyID() uuid.UUID {
	return r.keyID
}

func (r *EscrowRecovery) Threshold() int {
	return r.threshold
}

// SubmitShare verifies a submission and reconstructs the TLK once enough
// shares are in.
func (r *EscrowRecovery) SubmitShare(sub EscrowSubmission) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.material != nil {
		return errors.New("tlk already reconstructed")
	}

	registered, found := r.holders[HolderFingerprint(sub.HolderKey)]
	if !found {
		return fmt.Errorf("%w: unregistered escrow holder", interfaces.ErrSignatureInvalid)
	}
	if !bytes.Equal(registered, sub.HolderKey) {
		return fmt.Errorf("%w: holder key does not match its fingerprint", interfaces.ErrSignatureInvalid)
	}

	payload := escrowSubmissionPayload(r.zone, r.keyID, sub.Index, sub.Share)
	if err := cryptoutils.Verify(registered, payload, sub.Signature); err != nil {
		return fmt.Errorf("escrow share %d: %w", sub.Index, err)
	}

	r.received[sub.Index] = append([]byte(nil), sub.Share...)
	return r.tryReconstruct()
}

func (r *EscrowRecovery) tryReconstruct() error {
	if len(r.received) < r.threshold {
		return nil
	}

	parts := make([][]byte, 0, len(r.received))
	for _, share := range r.received {
		parts = append(parts, share)
	}

	material, err := shamir.Combine(parts)
	if err != nil {
		return fmt.Errorf("failed to reconstruct tlk: %w", err)
	}
	r.material = material

	for i := range r.received {
		cryptoutils.WipeBytes(r.received[i])
	}
	r.received = make(map[int][]byte)
	return nil
}

// Received returns the number of accepted submissions still pending combination.
func (r *EscrowRecovery) Received() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.received)
}

// Complete reports whether the TLK has been reconstructed.
func (r *EscrowRecovery) Complete() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.material != nil
}

// Material returns a copy of the reconstructed TLK candidate. It is not
// verified; InstallRecoveredTLK checks it against the TLK record.
func (r *EscrowRecovery) Material() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.material == nil {
		return nil, fmt.Errorf("%w: %d of %d escrow shares", interfaces.ErrKeyMaterialMissing, len(r.received), r.threshold)
	}
	return append([]byte(nil), r.material...), nil
}

// InstallRecoveredTLK verifies the reconstructed TLK against its self-wrap and
// caches it, after which the zone's key set loads again on this device.
func (m *Manager) InstallRecoveredTLK(ctx context.Context, r *EscrowRecovery) error {
	material, err := r.Material()
	if err != nil {
		return err
	}
	defer cryptoutils.WipeBytes(material)

	if err := m.CacheTLK(ctx, r.zone, r.keyID, material); err != nil {
		return fmt.Errorf("recovered tlk rejected: %w", err)
	}

	m.log.Info("Installed TLK recovered from escrow",
		slog.String("zone", string(r.zone)),
		slog.String("tlk", r.keyID.String()))
	return nil
}
