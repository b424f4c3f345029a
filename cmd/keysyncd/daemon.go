package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/robfig/cron/v3"
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
)

const (
	milestoneStateOpened = "state-opened"
	milestoneKeySets     = "keysets-loaded"
	milestoneTrust       = "trust-loaded"
)

type daemonConfig struct {
	Stores          []string
	StateDir        string
	SigningKeyPath  string
	IdentityKeyPath string
	Passphrase      string
	Zones           []interfaces.ZoneID

	PeersStatic        string
	PeersDNS           string
	DNSServer          string
	PeersDirectoryZone string

	RefreshSchedule  string
	RotationSchedule string

	AcceptJoins     bool
	EscrowHolders   string
	EscrowThreshold int

	OpContext opcontext.Config
	Server    *api.HTTPServerConfig
}

// daemon owns every long-lived component of a keysync device.
type daemon struct {
	cfg daemonConfig
	log *slog.Logger

	opctx    *opcontext.OperationContext
	identity *cryptoutils.DeviceIdentity
	local    *localstate.BadgerStore
	keybag   *keybag.SoftwareKeybag
	trust    *peers.Aggregator
	manager  *kms.Manager
	engines  []*octagon.Engine
	server   *httpserver.Server
	cron     *cron.Cron

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// trustNotifier triggers TrustChanged for every zone after a successful admission.
type trustNotifier struct {
	admitter interfaces.PeerAdmitter
	changed  *opcontext.NotificationScheduler
	zones    []interfaces.ZoneID
}

func (t *trustNotifier) AdmitPeer(ctx context.Context, peer interfaces.PeerProviderState) error {
	if err := t.admitter.AdmitPeer(ctx, peer); err != nil {
		return err
	}
	for _, zone := range t.zones {
		t.changed.Trigger(zone)
	}
	return nil
}

// cronLogger adapts slog to the cron.Logger interface.
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error(msg, append([]interface{}{"err", err}, keysAndValues...)...)
}

func (d *daemon) openRecordStore(factory *storage.StorageBackendFactory) (interfaces.RecordStore, error) {
	if len(d.cfg.Stores) == 0 {
		return nil, errors.New("at least one --store is required")
	}

	locations := make([]interfaces.StorageBackendLocation, 0, len(d.cfg.Stores))
	for _, uri := range d.cfg.Stores {
		location, err := interfaces.NewStorageBackendLocation(uri)
		if err != nil {
			return nil, fmt.Errorf("invalid store %q: %w", uri, err)
		}
		locations = append(locations, location)
	}

	if len(locations) == 1 {
		return factory.RecordStoreFor(locations[0])
	}
	return factory.CreateMultiStore(locations)
}

func (d *daemon) buildPeers(store interfaces.RecordStore) (*peers.Aggregator, error) {
	trust := peers.NewAggregator(d.log)

	// The first provider able to admit receives admissions, so the shared
	// directory goes first when configured.
	if d.cfg.PeersDirectoryZone != "" {
		zone := interfaces.ZoneID(d.cfg.PeersDirectoryZone)
		if err := zone.Validate(); err != nil {
			return nil, err
		}
		trust.AddProvider(peers.NewDirectoryProvider(store, zone, d.log))
	}

	if d.cfg.PeersStatic != "" {
		static, err := peers.LoadStaticProvider(d.cfg.PeersStatic)
		if err != nil {
			return nil, fmt.Errorf("failed to load static peers: %w", err)
		}
		trust.AddProvider(static)
	} else if d.cfg.PeersDirectoryZone == "" {
		// Admissions still need somewhere to go.
		trust.AddProvider(peers.NewStaticProvider("local"))
	}

	if d.cfg.PeersDNS != "" {
		trust.AddProvider(peers.NewDNSProvider(d.cfg.PeersDNS, d.cfg.DNSServer, d.log))
	}
	return trust, nil
}

func newDaemon(ctx context.Context, cfg daemonConfig, log *slog.Logger) (_ *daemon, err error) {
	d := &daemon{cfg: cfg, log: log}
	defer func() {
		if err != nil {
			d.close()
		}
	}()

	d.identity, err = cryptoutils.LoadDeviceIdentity(cfg.SigningKeyPath, cfg.IdentityKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load device identity: %w", err)
	}
	log.Info("Loaded device identity", "peerID", d.identity.PeerID())

	d.opctx = opcontext.New(cfg.OpContext, log)

	store, err := d.openRecordStore(storage.NewStorageBackendFactory(log))
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.StateDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	d.local, err = localstate.OpenBadgerStore(filepath.Join(cfg.StateDir, "db"), log)
	if err != nil {
		return nil, err
	}
	d.opctx.Launch.Mark(milestoneStateOpened)

	salt, err := keybag.LoadOrCreateSalt(filepath.Join(cfg.StateDir, "keybag.salt"))
	if err != nil {
		return nil, err
	}
	d.keybag = keybag.NewSoftwareKeybag(salt, log)
	d.opctx.Lock.SetLocked(d.keybag.IsLocked())
	d.keybag.OnLockChange(d.opctx.Lock.SetLocked)
	if cfg.Passphrase != "" {
		d.keybag.Unlock([]byte(cfg.Passphrase))
	} else {
		log.Warn("No passphrase given, class A keys stay unavailable")
	}

	d.trust, err = d.buildPeers(store)
	if err != nil {
		return nil, err
	}
	admitter := &trustNotifier{admitter: d.trust, changed: d.opctx.TrustChanged, zones: cfg.Zones}

	d.manager = kms.NewManager(kms.DefaultConfig(), d.opctx, store, d.identity, d.trust, d.keybag, d.local)

	var acceptor *octagon.JoinAcceptor
	if cfg.AcceptJoins {
		engine, err := d.newEngine(ctx, "join-acceptor")
		if err != nil {
			return nil, err
		}
		acceptorCfg := octagon.DefaultAcceptorConfig()
		acceptorCfg.Zones = cfg.Zones
		service := octagon.NewLocalVoucherService(d.identity, 0, log)
		acceptor, err = octagon.NewJoinAcceptor(ctx, acceptorCfg, engine, d.identity, service, admitter, d.manager, log)
		if err != nil {
			return nil, err
		}
	}
	handler := httpserver.NewHandler(d.identity.PeerID(), d.manager, d.trust, acceptor, log)

	var escrow *httpserver.EscrowHandler
	if cfg.EscrowHolders != "" {
		escrow, err = d.buildEscrow(ctx, handler)
		if err != nil {
			return nil, err
		}
	}

	d.server, err = httpserver.New(cfg.Server, handler, escrow)
	if err != nil {
		return nil, err
	}
	d.server.SetReady(false)

	d.cron = cron.New(cron.WithLogger(cronLogger{log: log}))
	if _, err := d.cron.AddFunc(cfg.RefreshSchedule, d.refresh); err != nil {
		return nil, fmt.Errorf("invalid refresh schedule: %w", err)
	}
	if cfg.RotationSchedule != "" {
		if _, err := d.cron.AddFunc(cfg.RotationSchedule, d.rotate); err != nil {
			return nil, fmt.Errorf("invalid rotation schedule: %w", err)
		}
	}

	return d, nil
}

func (d *daemon) newEngine(ctx context.Context, name string) (*octagon.Engine, error) {
	engine, err := octagon.NewEngine(ctx, name, d.local, d.log)
	if err != nil {
		return nil, err
	}
	d.engines = append(d.engines, engine)
	return engine, nil
}

func (d *daemon) buildEscrow(ctx context.Context, handler *httpserver.Handler) (*httpserver.EscrowHandler, error) {
	f, err := os.Open(d.cfg.EscrowHolders)
	if err != nil {
		return nil, fmt.Errorf("failed to open escrow holders: %w", err)
	}
	defer f.Close()

	holders, err := httpserver.LoadEscrowHolders(f)
	if err != nil {
		return nil, err
	}
	d.log.Info("Escrow holders loaded", "count", len(holders), "threshold", d.cfg.EscrowThreshold)

	engine, err := d.newEngine(ctx, "recovery")
	if err != nil {
		return nil, err
	}
	handler.AddMachine(engine)

	recovery := octagon.NewRecoveryFlow(engine, d.manager, 0, d.log)
	return httpserver.NewEscrowHandler(d.manager, recovery, holders, d.cfg.EscrowThreshold, d.log)
}

// start serves the API, loads every zone's key set and starts the schedules.
// The server reports ready once the launch milestone is reached.
func (d *daemon) start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)

	d.server.RunInBackground()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.watch(ctx)
	}()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.launch(ctx)
	}()
}

func (d *daemon) launch(ctx context.Context) {
	if _, err := d.trust.CurrentTrustStates(ctx); err != nil {
		d.log.Warn("Failed to load trusted peers", "err", err)
	}
	d.opctx.Launch.Mark(milestoneTrust)

	for _, zone := range d.cfg.Zones {
		if _, err := d.manager.EnsureKeySet(ctx, zone); err != nil {
			d.log.Error("Failed to load key set", "err", err, slog.String("zone", string(zone)))
		}
	}
	d.opctx.Launch.Mark(milestoneKeySets)

	if ctx.Err() != nil {
		return
	}
	d.cron.Start()
	d.opctx.Launch.Launch()
	d.server.SetReady(true)

	attrs := []any{}
	for name, took := range d.opctx.Launch.Milestones() {
		attrs = append(attrs, slog.Duration(name, took))
	}
	d.log.Info("Device launched", attrs...)
}

// watch reacts to local trust and key set changes.
func (d *daemon) watch(ctx context.Context) {
	trustChanged := d.opctx.TrustChanged.Subscribe()
	keySetChanged := d.opctx.KeySetChanged.Subscribe()

	if err := d.opctx.Launch.WaitFor(ctx, opcontext.MilestoneLaunched); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case zones := <-trustChanged:
			for _, zone := range zones {
				d.share(ctx, zone)
			}
		case zones := <-keySetChanged:
			for _, zone := range zones {
				d.log.Info("Key set changed", slog.String("zone", string(zone)))
			}
		}
	}
}

func (d *daemon) share(ctx context.Context, zone interfaces.ZoneID) {
	n, err := d.manager.ShareWithTrustedPeers(ctx, zone)
	if err != nil {
		d.log.Warn("Failed to share with trusted peers", "err", err, slog.String("zone", string(zone)))
		return
	}
	if n > 0 {
		d.log.Info("Shared TLK with trusted peers", "count", n, slog.String("zone", string(zone)))
	}
}

func (d *daemon) refresh() {
	ctx := context.Background()
	for _, zone := range d.cfg.Zones {
		if _, err := d.manager.EnsureKeySet(ctx, zone); err != nil {
			d.log.Error("Key set refresh failed", "err", err, slog.String("zone", string(zone)))
			continue
		}
		d.share(ctx, zone)
	}
}

func (d *daemon) rotate() {
	ctx := context.Background()
	for _, zone := range d.cfg.Zones {
		ks, err := d.manager.RotateAndCommit(ctx, zone)
		if err != nil {
			d.log.Error("Scheduled rotation failed", "err", err, slog.String("zone", string(zone)))
			continue
		}
		d.log.Info("Rotated TLK", slog.String("zone", string(zone)), "tlk", ks.TLK.ID)
	}
}

// stop shuts the device down. It is safe to call once after start.
func (d *daemon) stop() {
	<-d.cron.Stop().Done()
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
	d.server.Shutdown()
	d.close()
}

func (d *daemon) close() {
	for _, e := range d.engines {
		e.Close()
	}
	if d.opctx != nil {
		d.opctx.Close()
	}
	if d.local != nil {
		if err := d.local.Close(); err != nil {
			d.log.Error("Failed to close local state", "err", err)
		}
	}
}
