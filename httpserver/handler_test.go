package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ruteri/tee-keysync/api"
	"github.com/ruteri/tee-keysync/cryptoutils"
	"github.com/ruteri/tee-keysync/interfaces"
	"github.com/ruteri/tee-keysync/keybag"
	"github.com/ruteri/tee-keysync/kms"
	"github.com/ruteri/tee-keysync/localstate"
	"github.com/ruteri/tee-keysync/octagon"
	"github.com/ruteri/tee-keysync/opcontext"
	"github.com/ruteri/tee-keysync/peers"
	"github.com/ruteri/tee-keysync/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testZone interfaces.ZoneID = "photos"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testDevice struct {
	identity *cryptoutils.DeviceIdentity
	trust    *peers.StaticProvider
	local    *localstate.MemoryStore
	m        *kms.Manager
}

func newTestDevice(t *testing.T, store interfaces.RecordStore) *testDevice {
	identity, err := cryptoutils.GenerateDeviceIdentity()
	require.NoError(t, err)

	opCfg := opcontext.DefaultConfig()
	opCfg.LockTimeout = 50 * time.Millisecond
	opCfg.RetryInitialInterval = time.Millisecond
	opCfg.RetryMaxInterval = 10 * time.Millisecond
	oc := opcontext.New(opCfg, testLogger())
	t.Cleanup(oc.Close)

	kb := keybag.NewSoftwareKeybag(make([]byte, 16), testLogger())
	kb.Unlock([]byte("correct horse"))

	trust := peers.NewStaticProvider("static")
	local := localstate.NewMemoryStore()
	return &testDevice{
		identity: identity,
		trust:    trust,
		local:    local,
		m:        kms.NewManager(kms.DefaultConfig(), oc, store, identity, trust, kb, local),
	}
}

func newTestAcceptor(t *testing.T, d *testDevice) *octagon.JoinAcceptor {
	engine, err := octagon.NewEngine(context.Background(), "join-acceptor", d.local, testLogger())
	require.NoError(t, err)
	t.Cleanup(engine.Close)

	cfg := octagon.DefaultAcceptorConfig()
	cfg.Zones = []interfaces.ZoneID{testZone}
	service := octagon.NewLocalVoucherService(d.identity, 0, testLogger())
	a, err := octagon.NewJoinAcceptor(context.Background(), cfg, engine, d.identity, service, d.trust, d.m, testLogger())
	require.NoError(t, err)
	return a
}

func newTestServer(t *testing.T, h *Handler, escrow *EscrowHandler) *Server {
	srv, err := New(&api.HTTPServerConfig{
		ListenAddr:               "127.0.0.1:0",
		Log:                      testLogger(),
		DrainDuration:            time.Millisecond,
		GracefulShutdownDuration: time.Second,
	}, h, escrow)
	require.NoError(t, err)
	return srv
}

func doRequest(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

func TestKeySetEndpoints(t *testing.T) {
	ctx := context.Background()
	alice := newTestDevice(t, storage.NewMemoryBackend("httpserver-keyset", testLogger()))
	h := NewHandler(alice.identity.PeerID(), alice.m, alice.trust, nil, testLogger())
	router := newTestServer(t, h, nil).Handler()

	// Reading a zone without a key set does not create one.
	rr := doRequest(t, router, http.MethodGet, "/api/zones/photos/keyset", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code, rr.Body.String())
	_, err := alice.m.CurrentTLKID(ctx, testZone)
	assert.ErrorIs(t, err, interfaces.ErrContentNotFound)

	committed, err := alice.m.EnsureKeySet(ctx, testZone)
	require.NoError(t, err)

	rr = doRequest(t, router, http.MethodGet, "/api/zones/photos/keyset", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	ks := decode[api.KeySetResponse](t, rr)
	assert.Equal(t, "photos", ks.Zone)
	assert.Equal(t, committed.TLK.ID.String(), ks.TLK.ID)
	assert.Equal(t, committed.TLK.ID.String(), ks.ClassA.WrappedUnder)
	assert.Equal(t, committed.TLK.ID.String(), ks.ClassC.WrappedUnder)
	assert.False(t, ks.Proposed)

	rr = doRequest(t, router, http.MethodPost, "/api/zones/photos/rotate", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	rotated := decode[api.KeySetResponse](t, rr)
	assert.NotEqual(t, ks.TLK.ID, rotated.TLK.ID)
	assert.Equal(t, ks.TLK.Generation+1, rotated.TLK.Generation)

	rr = doRequest(t, router, http.MethodGet, "/api/zones/photos/keyset", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, rotated.TLK.ID, decode[api.KeySetResponse](t, rr).TLK.ID)

	// The device always holds a share of its own current TLK.
	rr = doRequest(t, router, http.MethodGet, "/api/zones/photos/shares/"+string(alice.identity.PeerID()), nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	shares := decode[[]api.Share](t, rr)
	require.NotEmpty(t, shares)
	for _, s := range shares {
		assert.Equal(t, rotated.TLK.ID, s.KeyID)
		assert.Equal(t, string(alice.identity.PeerID()), s.Receiver)
	}
}

func TestErrorResponses(t *testing.T) {
	alice := newTestDevice(t, storage.NewMemoryBackend("httpserver-errors", testLogger()))
	h := NewHandler(alice.identity.PeerID(), alice.m, alice.trust, nil, testLogger())
	router := newTestServer(t, h, nil).Handler()

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
	}{
		{name: "invalid zone", method: http.MethodGet, path: "/api/zones/a%20b/keyset", status: http.StatusBadRequest},
		{name: "invalid peer", method: http.MethodGet, path: "/api/zones/photos/shares/x", status: http.StatusBadRequest},
		{name: "joins disabled", method: http.MethodPost, path: "/api/join/epoch", body: api.EpochRequest{Epoch: 1}, status: http.StatusNotFound},
		{name: "recovery not routed", method: http.MethodGet, path: "/api/recovery/status", status: http.StatusNotFound},
		{name: "wrong method", method: http.MethodGet, path: "/api/zones/photos/rotate", status: http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := doRequest(t, router, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, rr.Code, rr.Body.String())
		})
	}
}

func TestStatusMapping(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{interfaces.ErrContentNotFound, http.StatusNotFound},
		{interfaces.ErrProtocolViolation, http.StatusConflict},
		{interfaces.ErrVersionConflict, http.StatusConflict},
		{interfaces.ErrSignatureInvalid, http.StatusForbidden},
		{interfaces.ErrUntrustedPeer, http.StatusForbidden},
		{interfaces.ErrLocked, http.StatusLocked},
		{interfaces.ErrKeyMaterialMissing, http.StatusFailedDependency},
		{interfaces.ErrTransitionTimeout, http.StatusGatewayTimeout},
		{interfaces.ErrBackendUnavailable, http.StatusServiceUnavailable},
		{&RequestError{StatusCode: http.StatusTeapot, Err: interfaces.ErrContentNotFound}, http.StatusTeapot},
		{io.EOF, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.status, statusFor(tt.err))
		})
	}
}

func TestJoinOverHTTP(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryBackend("httpserver-join", testLogger())
	alice := newTestDevice(t, store)
	bob := newTestDevice(t, store)
	_, err := alice.m.EnsureKeySet(ctx, testZone)
	require.NoError(t, err)

	acceptor := newTestAcceptor(t, alice)
	h := NewHandler(alice.identity.PeerID(), alice.m, alice.trust, acceptor, testLogger())
	router := newTestServer(t, h, nil).Handler()

	rr := doRequest(t, router, http.MethodPost, "/api/join/epoch", api.EpochRequest{Epoch: 3})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	epoch := decode[api.EpochResponse](t, rr).Epoch
	assert.Equal(t, uint64(4), epoch)

	// An identity signed for another epoch is refused.
	stale, err := octagon.SignIdentity(bob.identity, epoch+1)
	require.NoError(t, err)
	rr = doRequest(t, router, http.MethodPost, "/api/join/identity", api.NewIdentity(stale))
	assert.NotEqual(t, http.StatusOK, rr.Code)
	assert.Equal(t, octagon.StateError, acceptor.Engine().State())

	rr = doRequest(t, router, http.MethodPost, "/api/join/epoch", api.EpochRequest{Epoch: 3})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	epoch = decode[api.EpochResponse](t, rr).Epoch

	identity, err := octagon.SignIdentity(bob.identity, epoch)
	require.NoError(t, err)
	rr = doRequest(t, router, http.MethodPost, "/api/join/identity", api.NewIdentity(identity))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	res, err := decode[api.JoinResponse](t, rr).JoinResult()
	require.NoError(t, err)
	require.NoError(t, octagon.VerifyVoucher(res.Voucher, res.SponsorSigningKey))
	require.Len(t, res.Shares, 1)
	assert.Equal(t, bob.identity.PeerID(), res.Shares[0].ReceiverPeerID)

	rr = doRequest(t, router, http.MethodGet, "/api/trust/peers", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	trusted := decode[[]api.Peer](t, rr)
	require.Len(t, trusted, 1)
	assert.Equal(t, string(bob.identity.PeerID()), trusted[0].PeerID)
	assert.True(t, trusted[0].Trusted)

	rr = doRequest(t, router, http.MethodGet, "/api/trust/state", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	state := decode[api.TrustStateResponse](t, rr)
	assert.Equal(t, string(alice.identity.PeerID()), state.Self)
	require.Len(t, state.Machines, 1)
	assert.Equal(t, "join-acceptor", state.Machines[0].Name)
	assert.Equal(t, string(octagon.StateDone), state.Machines[0].State)
	require.NotEmpty(t, state.Machines[0].History)
	assert.Equal(t, octagon.StateDone, state.Machines[0].History[len(state.Machines[0].History)-1].To)
}

func TestHealthEndpoints(t *testing.T) {
	alice := newTestDevice(t, storage.NewMemoryBackend("httpserver-health", testLogger()))
	srv := newTestServer(t, NewHandler(alice.identity.PeerID(), alice.m, alice.trust, nil, testLogger()), nil)
	router := srv.Handler()

	steps := []struct {
		path   string
		status int
		body   string
	}{
		{"/livez", http.StatusOK, "alive"},
		{"/readyz", http.StatusOK, "ready"},
		{"/drain", http.StatusOK, "draining"},
		{"/drain", http.StatusOK, "already draining"},
		{"/readyz", http.StatusServiceUnavailable, "not ready"},
		{"/undrain", http.StatusOK, "ready"},
		{"/undrain", http.StatusOK, "already ready"},
		{"/readyz", http.StatusOK, "ready"},
	}
	for _, step := range steps {
		rr := doRequest(t, router, http.MethodGet, step.path, nil)
		assert.Equal(t, step.status, rr.Code, step.path)
		assert.Contains(t, rr.Body.String(), step.body, step.path)
	}

	srv.SetReady(false)
	rr := doRequest(t, router, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}
