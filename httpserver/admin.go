package httpserver

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/ruteri/tee-keysync/api"
	"github.com/ruteri/tee-keysync/cryptoutils"
	"github.com/ruteri/tee-keysync/interfaces"
	"github.com/ruteri/tee-keysync/kms"
	"github.com/ruteri/tee-keysync/octagon"
	"github.com/ruteri/tee-keysync/records"
)

// EscrowKeeper escrows and serves the shares of a zone's TLK.
type EscrowKeeper interface {
	EscrowTLK(ctx context.Context, zone interfaces.ZoneID, holders []kms.EscrowHolder, threshold int) ([]records.EscrowShare, error)
	CurrentTLKID(ctx context.Context, zone interfaces.ZoneID) (uuid.UUID, error)
	FetchEscrowShares(ctx context.Context, zone interfaces.ZoneID, keyID uuid.UUID) ([]records.EscrowShare, error)
}

// EscrowHandler serves the escrow holder API: escrowing a zone's TLK to the
// registered holders, handing each holder its sealed share, and recovering a
// TLK from holder submissions.
//
// Every endpoint except share submission requires holder authentication. A
// submission carries its own signature and is verified by the recovery.
type EscrowHandler struct {
	keeper    EscrowKeeper
	recovery  *octagon.RecoveryFlow
	holders   map[string]kms.EscrowHolder
	order     []string
	threshold int
	log       *slog.Logger
}

// NewEscrowHandler creates the escrow API. holders are keyed by their
// fingerprint; recovery may be nil to disable the recovery endpoints.
func NewEscrowHandler(keeper EscrowKeeper, recovery *octagon.RecoveryFlow, holders map[string]kms.EscrowHolder, threshold int, log *slog.Logger) (*EscrowHandler, error) {
	if threshold < 2 || len(holders) < threshold {
		return nil, fmt.Errorf("invalid escrow threshold %d for %d holders", threshold, len(holders))
	}

	h := &EscrowHandler{
		keeper:    keeper,
		recovery:  recovery,
		holders:   holders,
		threshold: threshold,
		log:       log,
	}
	// Share indices follow the sorted holder order so repeated escrows of
	// the same holder set assign the same index to each holder.
	for id := range holders {
		h.order = append(h.order, id)
	}
	slices.Sort(h.order)
	return h, nil
}

// Routes mounts the escrow endpoints.
func (h *EscrowHandler) Routes(mux chi.Router, mw func(http.Handler) http.Handler) {
	mux.With(mw).Post("/api/escrow/{zone}", h.handleEscrow)
	mux.With(mw).Get("/api/escrow/{zone}/share", h.handleGetShare)
	mux.With(mw).Post("/api/recovery/begin", h.handleRecoveryBegin)
	mux.With(mw).Post("/api/recovery/share", h.handleRecoverySubmit)
	mux.With(mw).Get("/api/recovery/status", h.handleRecoveryStatus)
}

func (h *EscrowHandler) writeError(w http.ResponseWriter, msg string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Error(msg, "err", err)
	} else {
		h.log.Warn(msg, "err", err, slog.Int("status", status))
	}
	writeErrorBody(w, status, msg, err)
}

func (h *EscrowHandler) handleEscrow(w http.ResponseWriter, r *http.Request) {
	holderID, ok := h.verifyHolder(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	zone, err := zoneParam(r)
	if err != nil {
		h.writeError(w, "Invalid zone", err)
		return
	}

	holders := make([]kms.EscrowHolder, 0, len(h.order))
	for _, id := range h.order {
		holders = append(holders, h.holders[id])
	}

	shares, err := h.keeper.EscrowTLK(r.Context(), zone, holders, h.threshold)
	if err != nil {
		h.writeError(w, "Failed to escrow TLK", err)
		return
	}

	keyID, _ := uuid.FromBytes(shares[0].KeyID)
	h.log.Info("Escrow requested by holder", "holderID", holderID, slog.String("zone", string(zone)))
	writeJSONBody(w, h.log, api.EscrowResponse{
		Zone:      string(zone),
		KeyID:     keyID.String(),
		Threshold: h.threshold,
		Holders:   len(shares),
	})
}

// handleGetShare returns the requesting holder's sealed share of the zone's
// current TLK. The share stays encrypted to the holder.
func (h *EscrowHandler) handleGetShare(w http.ResponseWriter, r *http.Request) {
	holderID, ok := h.verifyHolder(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	zone, err := zoneParam(r)
	if err != nil {
		h.writeError(w, "Invalid zone", err)
		return
	}

	keyID, err := h.keeper.CurrentTLKID(r.Context(), zone)
	if err != nil {
		h.writeError(w, "Failed to resolve current TLK", err)
		return
	}
	shares, err := h.keeper.FetchEscrowShares(r.Context(), zone, keyID)
	if err != nil {
		h.writeError(w, "Failed to fetch escrow shares", err)
		return
	}

	for _, s := range shares {
		if kms.HolderFingerprint(s.HolderKey) != holderID {
			continue
		}
		h.log.Info("Escrow share retrieved", "holderID", holderID, slog.String("zone", string(zone)), slog.Int("index", s.Index))
		writeJSONBody(w, h.log, api.NewEscrowShare(s))
		return
	}
	h.writeError(w, "No escrow share for holder", fmt.Errorf("%w: holder %s", interfaces.ErrContentNotFound, holderID))
}

func (h *EscrowHandler) handleRecoveryBegin(w http.ResponseWriter, r *http.Request) {
	if h.recovery == nil {
		http.Error(w, "Recovery is not enabled", http.StatusNotFound)
		return
	}
	if _, ok := h.verifyHolder(r); !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req api.RecoveryBeginRequest
	if err := readJSON(r, &req); err != nil {
		h.writeError(w, "Invalid recovery request", err)
		return
	}

	if err := h.recovery.Begin(r.Context(), interfaces.ZoneID(req.Zone)); err != nil {
		h.writeError(w, "Failed to begin recovery", err)
		return
	}
	writeJSONBody(w, h.log, h.recovery.Status())
}

func (h *EscrowHandler) handleRecoverySubmit(w http.ResponseWriter, r *http.Request) {
	if h.recovery == nil {
		http.Error(w, "Recovery is not enabled", http.StatusNotFound)
		return
	}

	var req api.EscrowSubmission
	if err := readJSON(r, &req); err != nil {
		h.writeError(w, "Invalid escrow submission", err)
		return
	}

	complete, err := h.recovery.Submit(r.Context(), kms.EscrowSubmission{
		Index:     req.Index,
		Share:     req.Share,
		Signature: req.Signature,
		HolderKey: cryptoutils.AppPubkey(req.HolderKey),
	})
	if err != nil {
		h.writeError(w, "Escrow share rejected", err)
		return
	}
	writeJSONBody(w, h.log, api.RecoverySubmitResponse{Complete: complete, Status: h.recovery.Status()})
}

func (h *EscrowHandler) handleRecoveryStatus(w http.ResponseWriter, r *http.Request) {
	if h.recovery == nil {
		http.Error(w, "Recovery is not enabled", http.StatusNotFound)
		return
	}
	writeJSONBody(w, h.log, h.recovery.Status())
}

// verifyHolder authenticates a request signed by a registered holder and
// returns the holder's fingerprint. The body is restored for the handler.
func (h *EscrowHandler) verifyHolder(r *http.Request) (string, bool) {
	holderID := r.Header.Get(api.HeaderHolderID)
	sigStr := r.Header.Get(api.HeaderHolderSignature)
	if holderID == "" || sigStr == "" {
		return "", false
	}

	holder, exists := h.holders[holderID]
	if !exists {
		h.log.Warn("Authentication failed: unknown holder", "holderID", holderID)
		return holderID, false
	}

	sig, err := base64.StdEncoding.DecodeString(sigStr)
	if err != nil {
		h.log.Warn("Authentication failed: invalid signature encoding", "holderID", holderID, "err", err)
		return holderID, false
	}

	var body []byte
	if r.Body != nil {
		body, err = io.ReadAll(io.LimitReader(r.Body, maxBodySize))
		if err != nil {
			h.log.Error("Failed to read request body", "err", err)
			return holderID, false
		}
		r.Body = io.NopCloser(bytes.NewBuffer(body))
	}

	if err := cryptoutils.Verify(holder.SigningKey, api.HolderRequestPayload(r.URL.Path, body), sig); err != nil {
		h.log.Warn("Authentication failed: invalid signature", "holderID", holderID)
		return holderID, false
	}

	h.log.Debug("Holder authentication successful", "holderID", holderID)
	return holderID, true
}

// LoadEscrowHolders loads escrow holder keys from a JSON document of the form
//
//	{"holders": [{"encryption_key": "<PEM>", "signing_key": "<PEM>"}]}
//
// and returns them keyed by fingerprint.
func LoadEscrowHolders(r io.Reader) (map[string]kms.EscrowHolder, error) {
	var data struct {
		Holders []struct {
			EncryptionKey string `json:"encryption_key"`
			SigningKey    string `json:"signing_key"`
		} `json:"holders"`
	}

	if err := json.NewDecoder(r).Decode(&data); err != nil {
		return nil, fmt.Errorf("failed to decode escrow holders JSON: %w", err)
	}

	result := make(map[string]kms.EscrowHolder)
	for i, entry := range data.Holders {
		encKey, err := cryptoutils.NewAppPubkey([]byte(entry.EncryptionKey))
		if err != nil {
			return nil, fmt.Errorf("invalid encryption key for holder %d: %w", i, err)
		}
		sigKey, err := cryptoutils.NewAppPubkey([]byte(entry.SigningKey))
		if err != nil {
			return nil, fmt.Errorf("invalid signing key for holder %d: %w", i, err)
		}

		id := kms.HolderFingerprint(sigKey)
		if _, dup := result[id]; dup {
			return nil, errors.New("duplicate escrow holder " + id)
		}
		result[id] = kms.EscrowHolder{EncryptionKey: encKey, SigningKey: sigKey}
	}

	return result, nil
}
