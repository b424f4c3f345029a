package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ruteri/tee-keysync/api"
	"github.com/ruteri/tee-keysync/cryptoutils"
	"github.com/ruteri/tee-keysync/httpserver"
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

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestKeygen(t *testing.T) {
	dir := t.TempDir()
	signing := filepath.Join(dir, "signing.pem")
	encryption := filepath.Join(dir, "identity.pem")

	var out bytes.Buffer
	require.NoError(t, keygen(&out, signing, encryption, 3))

	identity, err := cryptoutils.LoadDeviceIdentity(signing, encryption)
	require.NoError(t, err)
	assert.Contains(t, out.String(), string(identity.PeerID()))
	assert.Contains(t, out.String(), `"epoch": 3`)

	_, txt, ok := strings.Cut(out.String(), "TXT record:\n")
	require.True(t, ok)
	parsed, err := peers.ParseTXT(strings.ReplaceAll(strings.ReplaceAll(strings.TrimSpace(txt), `" "`, ""), `"`, ""))
	require.NoError(t, err)
	assert.Equal(t, identity.PeerID(), parsed.PeerID)
}

func TestHolderKeys(t *testing.T) {
	dir := t.TempDir()
	var pairs [][2]string
	for _, name := range []string{"h1", "h2"} {
		pair := [2]string{filepath.Join(dir, name+"-signing.pem"), filepath.Join(dir, name+"-encryption.pem")}
		var out bytes.Buffer
		require.NoError(t, holderKeygen(&out, pair[0], pair[1]))
		assert.Contains(t, out.String(), "holder id: ")
		pairs = append(pairs, pair)
	}

	var out bytes.Buffer
	require.NoError(t, holdersConfig(&out, pairs))
	holders, err := httpserver.LoadEscrowHolders(&out)
	require.NoError(t, err)
	assert.Len(t, holders, 2)

	signing, encryption, err := loadHolderKeys(pairs[0][0], pairs[0][1])
	require.NoError(t, err)
	sigPub, err := signing.PublicKeyPEM()
	require.NoError(t, err)
	encPub, err := encryption.PublicKeyPEM()
	require.NoError(t, err)
	assert.Equal(t, kms.EscrowHolder{EncryptionKey: encPub, SigningKey: sigPub}, holders[kms.HolderFingerprint(sigPub)])

	_, _, err = loadHolderKeys(filepath.Join(dir, "missing.pem"), pairs[0][1])
	assert.Error(t, err)
}

// sponsor serves a device that accepts joins for the "photos" zone.
func sponsor(t *testing.T) (string, *cryptoutils.DeviceIdentity) {
	ctx := context.Background()
	identity, err := cryptoutils.GenerateDeviceIdentity()
	require.NoError(t, err)

	opCfg := opcontext.DefaultConfig()
	opCfg.LockTimeout = 50 * time.Millisecond
	oc := opcontext.New(opCfg, testLogger())
	t.Cleanup(oc.Close)

	kb := keybag.NewSoftwareKeybag(make([]byte, 16), testLogger())
	kb.Unlock([]byte("correct horse"))

	trust := peers.NewStaticProvider("static")
	local := localstate.NewMemoryStore()
	store := storage.NewMemoryBackend("keysyncctl", testLogger())
	m := kms.NewManager(kms.DefaultConfig(), oc, store, identity, trust, kb, local)
	_, err = m.EnsureKeySet(ctx, "photos")
	require.NoError(t, err)

	engine, err := octagon.NewEngine(ctx, "join-acceptor", local, testLogger())
	require.NoError(t, err)
	t.Cleanup(engine.Close)

	acceptorCfg := octagon.DefaultAcceptorConfig()
	acceptorCfg.Zones = []interfaces.ZoneID{"photos"}
	acceptor, err := octagon.NewJoinAcceptor(ctx, acceptorCfg, engine, identity,
		octagon.NewLocalVoucherService(identity, 0, testLogger()), trust, m, testLogger())
	require.NoError(t, err)

	srv, err := httpserver.New(&api.HTTPServerConfig{Log: testLogger()},
		httpserver.NewHandler(identity.PeerID(), m, trust, acceptor, testLogger()), nil)
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts.URL, identity
}

func TestJoinAndStatus(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	url, sponsorIdentity := sponsor(t)

	dir := t.TempDir()
	cfg := joinConfig{
		Server:          url,
		SigningKeyPath:  filepath.Join(dir, "signing.pem"),
		IdentityKeyPath: filepath.Join(dir, "identity.pem"),
		StateDir:        filepath.Join(dir, "state"),
		Epoch:           1,
		Sponsor:         sponsorIdentity.PeerID(),
	}
	require.NoError(t, keygen(io.Discard, cfg.SigningKeyPath, cfg.IdentityKeyPath, 1))

	var out bytes.Buffer
	require.NoError(t, join(ctx, &out, cfg, testLogger()))
	assert.Contains(t, out.String(), "sponsored by "+string(sponsorIdentity.PeerID()))
	assert.Contains(t, out.String(), "zone photos: share of TLK")

	out.Reset()
	require.NoError(t, status(ctx, &out, url, []interfaces.ZoneID{"photos"}))
	assert.Contains(t, out.String(), "device "+string(sponsorIdentity.PeerID()))
	assert.Contains(t, out.String(), "peers (1)")
	assert.Contains(t, out.String(), "zone photos: tlk ")

	// The wrong sponsor pin fails the join.
	other := cfg
	other.StateDir = filepath.Join(dir, "other-state")
	other.Sponsor = "someone-else"
	assert.Error(t, join(ctx, io.Discard, other, testLogger()))

	assert.ErrorIs(t, status(ctx, io.Discard, "http://127.0.0.1:1", nil), interfaces.ErrBackendUnavailable)
}
