package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/ruteri/tee-keysync/api"
	"github.com/ruteri/tee-keysync/interfaces"
	"github.com/ruteri/tee-keysync/octagon"
)

// maxBodySize is the maximum allowed request body size (1MB).
const maxBodySize = 1024 * 1024

// RequestError carries the HTTP status an error is answered with.
type RequestError struct {
	StatusCode int
	Err        error
}

func (e *RequestError) Error() string {
	return e.Err.Error()
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// KeyManager is the key hierarchy the API exposes.
type KeyManager interface {
	LoadCurrentKeySet(ctx context.Context, zone interfaces.ZoneID) (*interfaces.KeySet, error)
	RotateAndCommit(ctx context.Context, zone interfaces.ZoneID) (*interfaces.KeySet, error)
	SharesFor(ctx context.Context, zone interfaces.ZoneID, peer interfaces.PeerID) ([]interfaces.TLKShare, error)
}

// Handler serves the key status, trust and join API of one device.
type Handler struct {
	self     interfaces.PeerID
	keys     KeyManager
	peers    interfaces.PeerProvider
	acceptor *octagon.JoinAcceptor
	machines []*octagon.Engine
	log      *slog.Logger
}

// NewHandler creates the API handler. acceptor may be nil, in which case the
// join endpoints answer 404.
func NewHandler(self interfaces.PeerID, keys KeyManager, peers interfaces.PeerProvider, acceptor *octagon.JoinAcceptor, log *slog.Logger) *Handler {
	h := &Handler{
		self:     self,
		keys:     keys,
		peers:    peers,
		acceptor: acceptor,
		log:      log,
	}
	if acceptor != nil {
		h.machines = append(h.machines, acceptor.Engine())
	}
	return h
}

// AddMachine includes another state machine in the trust state report.
func (h *Handler) AddMachine(e *octagon.Engine) {
	h.machines = append(h.machines, e)
}

// statusFor maps the error taxonomy to HTTP status codes.
func statusFor(err error) int {
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr.StatusCode
	}

	switch {
	case errors.Is(err, interfaces.ErrContentNotFound):
		return http.StatusNotFound
	case errors.Is(err, interfaces.ErrProtocolViolation), errors.Is(err, interfaces.ErrVersionConflict):
		return http.StatusConflict
	case errors.Is(err, interfaces.ErrSignatureInvalid), errors.Is(err, interfaces.ErrNotAddressedToMe), errors.Is(err, interfaces.ErrUntrustedPeer):
		return http.StatusForbidden
	case errors.Is(err, interfaces.ErrLocked):
		return http.StatusLocked
	case errors.Is(err, interfaces.ErrKeyMaterialMissing):
		return http.StatusFailedDependency
	case errors.Is(err, interfaces.ErrTransitionTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, interfaces.ErrBackendUnavailable), errors.Is(err, interfaces.ErrNoPeerProviders):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, msg string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Error(msg, "err", err)
	} else {
		h.log.Warn(msg, "err", err, slog.Int("status", status))
	}
	writeErrorBody(w, status, msg, err)
}

func (h *Handler) writeJSON(w http.ResponseWriter, v any) {
	writeJSONBody(w, h.log, v)
}

func writeErrorBody(w http.ResponseWriter, status int, msg string, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(api.ErrorResponse{
		Error: fmt.Sprintf("%s: %v", msg, err),
		Kind:  interfaces.ClassifyError(err).String(),
	})
}

func writeJSONBody(w http.ResponseWriter, log *slog.Logger, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error("Failed to encode response", "err", err)
	}
}

func readJSON(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		return &RequestError{StatusCode: http.StatusBadRequest, Err: fmt.Errorf("failed to read body: %w", err)}
	}
	if err := json.Unmarshal(body, v); err != nil {
		return &RequestError{StatusCode: http.StatusBadRequest, Err: fmt.Errorf("invalid JSON body: %w", err)}
	}
	return nil
}

func zoneParam(r *http.Request) (interfaces.ZoneID, error) {
	zone := interfaces.ZoneID(r.PathValue("zone"))
	if err := zone.Validate(); err != nil {
		return "", &RequestError{StatusCode: http.StatusBadRequest, Err: err}
	}
	return zone, nil
}

// HandleKeySet returns the zone's committed key set, or 404 if it has none.
//
// URL format: GET /api/zones/{zone}/keyset
func (h *Handler) HandleKeySet(w http.ResponseWriter, r *http.Request) {
	zone, err := zoneParam(r)
	if err != nil {
		h.writeError(w, "Invalid zone", err)
		return
	}

	ks, err := h.keys.LoadCurrentKeySet(r.Context(), zone)
	if err != nil {
		h.writeError(w, "Failed to load key set", err)
		return
	}
	h.writeJSON(w, api.NewKeySetResponse(ks))
}

// HandleRotate rotates the zone's TLK and commits the new key set.
//
// URL format: POST /api/zones/{zone}/rotate
func (h *Handler) HandleRotate(w http.ResponseWriter, r *http.Request) {
	zone, err := zoneParam(r)
	if err != nil {
		h.writeError(w, "Invalid zone", err)
		return
	}

	ks, err := h.keys.RotateAndCommit(r.Context(), zone)
	if err != nil {
		h.writeError(w, "Failed to rotate key set", err)
		return
	}
	h.log.Info("Rotated key set via API", slog.String("zone", string(zone)), slog.String("tlk", ks.TLK.ID.String()))
	h.writeJSON(w, api.NewKeySetResponse(ks))
}

// HandleShares returns the shares of the zone's current TLK addressed to a peer.
//
// URL format: GET /api/zones/{zone}/shares/{peer}
func (h *Handler) HandleShares(w http.ResponseWriter, r *http.Request) {
	zone, err := zoneParam(r)
	if err != nil {
		h.writeError(w, "Invalid zone", err)
		return
	}
	peer := interfaces.PeerID(r.PathValue("peer"))
	if err := peer.Validate(); err != nil {
		h.writeError(w, "Invalid peer", &RequestError{StatusCode: http.StatusBadRequest, Err: err})
		return
	}

	shares, err := h.keys.SharesFor(r.Context(), zone, peer)
	if err != nil {
		h.writeError(w, "Failed to fetch shares", err)
		return
	}
	res := make([]api.Share, 0, len(shares))
	for _, s := range shares {
		res = append(res, api.NewShare(s))
	}
	h.writeJSON(w, res)
}

// HandlePeers returns the aggregated trust view, queried live.
//
// URL format: GET /api/trust/peers
func (h *Handler) HandlePeers(w http.ResponseWriter, r *http.Request) {
	states, err := h.peers.CurrentTrustStates(r.Context())
	if err != nil {
		h.writeError(w, "Failed to query peers", err)
		return
	}
	res := make([]api.Peer, 0, len(states))
	for _, s := range states {
		res = append(res, api.NewPeer(s))
	}
	h.writeJSON(w, res)
}

// HandleTrustState reports every state machine of this device.
//
// URL format: GET /api/trust/state
func (h *Handler) HandleTrustState(w http.ResponseWriter, r *http.Request) {
	res := api.TrustStateResponse{Self: string(h.self), Machines: make([]api.MachineStatus, 0, len(h.machines))}
	for _, e := range h.machines {
		snap := e.Snapshot()
		res.Machines = append(res.Machines, api.MachineStatus{
			Name:    e.Name(),
			State:   snap.State,
			Flags:   snap.Flags,
			History: e.History(),
		})
	}
	h.writeJSON(w, res)
}

// HandleJoinEpoch begins a join and answers the initiator's epoch.
//
// URL format: POST /api/join/epoch
// Request body: {"epoch": N}
func (h *Handler) HandleJoinEpoch(w http.ResponseWriter, r *http.Request) {
	if h.acceptor == nil {
		http.Error(w, "Joins are not accepted by this device", http.StatusNotFound)
		return
	}

	var req api.EpochRequest
	if err := readJSON(r, &req); err != nil {
		h.writeError(w, "Invalid epoch request", err)
		return
	}

	epoch, err := h.acceptor.AcceptEpoch(r.Context(), req.Epoch)
	if err != nil {
		h.writeError(w, "Failed to prepare epoch", err)
		return
	}
	h.writeJSON(w, api.EpochResponse{Epoch: epoch})
}

// HandleJoinIdentity vouches for the initiator's signed identity, admits it
// and returns the voucher with the shares issued to it.
//
// URL format: POST /api/join/identity
func (h *Handler) HandleJoinIdentity(w http.ResponseWriter, r *http.Request) {
	if h.acceptor == nil {
		http.Error(w, "Joins are not accepted by this device", http.StatusNotFound)
		return
	}

	var req api.Identity
	if err := readJSON(r, &req); err != nil {
		h.writeError(w, "Invalid identity", err)
		return
	}

	res, err := h.acceptor.HandleIdentity(r.Context(), req.PeerIdentity())
	if err != nil {
		h.writeError(w, "Join failed", err)
		return
	}
	h.writeJSON(w, api.NewJoinResponse(res))
}
