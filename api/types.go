package api

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/ruteri/tee-keysync/interfaces"
	"github.com/ruteri/tee-keysync/octagon"
	"github.com/ruteri/tee-keysync/records"
)

// KeyInfo describes one key of a zone's hierarchy. Material is never exposed.
type KeyInfo struct {
	ID           string `json:"id"`
	Class        string `json:"class"`
	Generation   uint64 `json:"generation"`
	WrappedUnder string `json:"wrapped_under,omitempty"`
	// Version is the remote tag of the current-key pointer naming the key.
	Version string `json:"version,omitempty"`
}

// KeySetResponse is the view of a zone's current key set.
type KeySetResponse struct {
	Zone     string  `json:"zone"`
	TLK      KeyInfo `json:"tlk"`
	ClassA   KeyInfo `json:"class_a"`
	ClassC   KeyInfo `json:"class_c"`
	Proposed bool    `json:"proposed"`
	Shares   int     `json:"shares"`
}

func keyInfo(k *interfaces.Key, ptr interfaces.CurrentKeyPointer) KeyInfo {
	if k == nil {
		return KeyInfo{}
	}
	info := KeyInfo{
		ID:         k.ID.String(),
		Class:      k.Class.String(),
		Generation: k.Generation,
		Version:    string(ptr.RemoteVersionTag),
	}
	if parent, ok := k.ParentID(); ok {
		info.WrappedUnder = parent.String()
	}
	return info
}

// NewKeySetResponse renders a key set.
func NewKeySetResponse(ks *interfaces.KeySet) KeySetResponse {
	return KeySetResponse{
		Zone:     string(ks.Zone),
		TLK:      keyInfo(ks.TLK, ks.CurrentTLKPointer),
		ClassA:   keyInfo(ks.ClassA, ks.CurrentClassAPointer),
		ClassC:   keyInfo(ks.ClassC, ks.CurrentClassCPointer),
		Proposed: ks.Proposed,
		Shares:   len(ks.TLKShares) + len(ks.PendingTLKShares),
	}
}

// Peer is one entry of the aggregated trust view.
type Peer struct {
	PeerID        string `json:"peer_id"`
	Trusted       bool   `json:"trusted"`
	Epoch         uint64 `json:"epoch"`
	Provider      string `json:"provider,omitempty"`
	SigningKey    string `json:"signing_key,omitempty"`
	EncryptionKey string `json:"encryption_key,omitempty"`
}

func NewPeer(s interfaces.PeerProviderState) Peer {
	return Peer{
		PeerID:        string(s.PeerID),
		Trusted:       s.Trusted,
		Epoch:         s.Epoch,
		Provider:      s.Provider,
		SigningKey:    string(s.SigningKey),
		EncryptionKey: string(s.PublicKey),
	}
}

// MachineStatus is the state of one trust state machine.
type MachineStatus struct {
	Name    string                     `json:"name"`
	State   string                     `json:"state"`
	Flags   []string                   `json:"flags,omitempty"`
	History []octagon.TransitionRecord `json:"history,omitempty"`
}

type TrustStateResponse struct {
	Self     string          `json:"self"`
	Machines []MachineStatus `json:"machines"`
}

type EpochRequest struct {
	Epoch uint64 `json:"epoch"`
}

type EpochResponse struct {
	Epoch uint64 `json:"epoch"`
}

// Identity is the wire form of a signed identity assertion. Keys are PEM.
type Identity struct {
	PeerID        string `json:"peer_id"`
	SigningKey    string `json:"signing_key"`
	EncryptionKey string `json:"encryption_key"`
	Epoch         uint64 `json:"epoch"`
	Signature     []byte `json:"signature"`
}

func NewIdentity(id interfaces.PeerIdentity) Identity {
	return Identity{
		PeerID:        string(id.PeerID),
		SigningKey:    string(id.SigningKey),
		EncryptionKey: string(id.EncryptionKey),
		Epoch:         id.Epoch,
		Signature:     id.Signature,
	}
}

func (i Identity) PeerIdentity() interfaces.PeerIdentity {
	return interfaces.PeerIdentity{
		PeerID:        interfaces.PeerID(i.PeerID),
		SigningKey:    []byte(i.SigningKey),
		EncryptionKey: []byte(i.EncryptionKey),
		Epoch:         i.Epoch,
		Signature:     i.Signature,
	}
}

type Voucher struct {
	PeerID        string `json:"peer_id"`
	SponsorID     string `json:"sponsor_id"`
	Epoch         uint64 `json:"epoch"`
	SigningKey    string `json:"signing_key"`
	EncryptionKey string `json:"encryption_key"`
	Signature     []byte `json:"signature"`
}

// Share is the wire form of a TLK share. Byte fields are base64 in JSON.
type Share struct {
	KeyID      string `json:"key_id"`
	Zone       string `json:"zone"`
	Sender     string `json:"sender"`
	Receiver   string `json:"receiver"`
	WrappedKey []byte `json:"wrapped_key"`
	Signature  []byte `json:"signature"`
}

func NewShare(s interfaces.TLKShare) Share {
	return Share{
		KeyID:      s.KeyID.String(),
		Zone:       string(s.Zone),
		Sender:     string(s.SenderPeerID),
		Receiver:   string(s.ReceiverPeerID),
		WrappedKey: s.WrappedKey,
		Signature:  s.Signature,
	}
}

func (s Share) TLKShare() (interfaces.TLKShare, error) {
	keyID, err := uuid.Parse(s.KeyID)
	if err != nil {
		return interfaces.TLKShare{}, fmt.Errorf("invalid share key id: %w", err)
	}
	return interfaces.TLKShare{
		KeyID:          keyID,
		Zone:           interfaces.ZoneID(s.Zone),
		SenderPeerID:   interfaces.PeerID(s.Sender),
		ReceiverPeerID: interfaces.PeerID(s.Receiver),
		WrappedKey:     s.WrappedKey,
		Signature:      s.Signature,
	}, nil
}

// JoinResponse is returned to an initiator whose identity was accepted.
type JoinResponse struct {
	Voucher           Voucher `json:"voucher"`
	SponsorSigningKey string  `json:"sponsor_signing_key"`
	Shares            []Share `json:"shares"`
}

func NewJoinResponse(res *octagon.JoinResult) JoinResponse {
	v := res.Voucher
	out := JoinResponse{
		Voucher: Voucher{
			PeerID:        string(v.PeerID),
			SponsorID:     string(v.SponsorID),
			Epoch:         v.Epoch,
			SigningKey:    string(v.SigningKey),
			EncryptionKey: string(v.EncryptionKey),
			Signature:     v.Signature,
		},
		SponsorSigningKey: string(res.SponsorSigningKey),
		Shares:            make([]Share, 0, len(res.Shares)),
	}
	for _, s := range res.Shares {
		out.Shares = append(out.Shares, NewShare(s))
	}
	return out
}

func (r JoinResponse) JoinResult() (*octagon.JoinResult, error) {
	res := &octagon.JoinResult{
		Voucher: &interfaces.Voucher{
			PeerID:        interfaces.PeerID(r.Voucher.PeerID),
			SponsorID:     interfaces.PeerID(r.Voucher.SponsorID),
			Epoch:         r.Voucher.Epoch,
			SigningKey:    []byte(r.Voucher.SigningKey),
			EncryptionKey: []byte(r.Voucher.EncryptionKey),
			Signature:     r.Voucher.Signature,
		},
		SponsorSigningKey: []byte(r.SponsorSigningKey),
	}
	for _, s := range r.Shares {
		share, err := s.TLKShare()
		if err != nil {
			return nil, err
		}
		res.Shares = append(res.Shares, share)
	}
	return res, nil
}

type RecoveryBeginRequest struct {
	Zone string `json:"zone"`
}

// EscrowSubmission is a holder's decrypted and signed escrow share.
type EscrowSubmission struct {
	Index     int    `json:"index"`
	Share     []byte `json:"share"`
	Signature []byte `json:"signature"`
	HolderKey string `json:"holder_key"`
}

type RecoverySubmitResponse struct {
	Complete bool                   `json:"complete"`
	Status   octagon.RecoveryStatus `json:"status"`
}

// ErrorResponse is the body of every failed API request.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// EscrowResponse reports a completed escrow of a zone's TLK.
type EscrowResponse struct {
	Zone      string `json:"zone"`
	KeyID     string `json:"key_id"`
	Threshold int    `json:"threshold"`
	Holders   int    `json:"holders"`
}

// EscrowShare is a holder's sealed escrow share, as stored.
type EscrowShare struct {
	Zone       string `json:"zone"`
	KeyID      string `json:"key_id"`
	Index      int    `json:"index"`
	Threshold  int    `json:"threshold"`
	HolderKey  string `json:"holder_key"`
	Ciphertext []byte `json:"ciphertext"`
}

func NewEscrowShare(s records.EscrowShare) EscrowShare {
	keyID, _ := uuid.FromBytes(s.KeyID)
	return EscrowShare{
		Zone:       s.Zone,
		KeyID:      keyID.String(),
		Index:      s.Index,
		Threshold:  s.Threshold,
		HolderKey:  string(s.HolderKey),
		Ciphertext: s.Ciphertext,
	}
}

func (s EscrowShare) Record() (records.EscrowShare, error) {
	keyID, err := uuid.Parse(s.KeyID)
	if err != nil {
		return records.EscrowShare{}, fmt.Errorf("invalid escrow key id: %w", err)
	}
	return records.EscrowShare{
		Format:     records.FormatVersion,
		Zone:       s.Zone,
		KeyID:      keyID[:],
		Index:      s.Index,
		Threshold:  s.Threshold,
		HolderKey:  []byte(s.HolderKey),
		Ciphertext: s.Ciphertext,
	}, nil
}
