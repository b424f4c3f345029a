package flags

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/tee-keysync/api"
	"github.com/ruteri/tee-keysync/common"
	"github.com/ruteri/tee-keysync/interfaces"
	"github.com/urfave/cli/v2"
)

func SetupLogger(cCtx *cli.Context) (log *slog.Logger) {
	logJSON := cCtx.Bool(LogJsonFlag.Name)
	logDebug := cCtx.Bool(LogDebugFlag.Name)
	logUID := cCtx.Bool(LogUidFlag.Name)
	logService := cCtx.String("log-service")

	logger := common.SetupLogger(&common.LoggingOpts{
		Debug:   logDebug,
		JSON:    logJSON,
		Service: logService,
		Version: common.Version,
	})

	if logUID {
		id := uuid.Must(uuid.NewRandom())
		logger = logger.With("uid", id.String())
	}
	return logger
}

func ConfigureServer(cCtx *cli.Context, logger *slog.Logger) *api.HTTPServerConfig {
	cfg := api.DefaultHTTPServerConfig(cCtx.String(ListenAddrFlag.Name), logger)
	cfg.MetricsAddr = cCtx.String(MetricsAddrFlag.Name)
	cfg.EnablePprof = cCtx.Bool(PprofFlag.Name)
	cfg.DrainDuration = time.Duration(cCtx.Int64(DrainSecondsFlag.Name)) * time.Second
	return cfg
}

// Zones parses the --zone flag values.
func Zones(cCtx *cli.Context) ([]interfaces.ZoneID, error) {
	var zones []interfaces.ZoneID
	for _, z := range cCtx.StringSlice(ZonesFlag.Name) {
		zone := interfaces.ZoneID(z)
		if err := zone.Validate(); err != nil {
			return nil, err
		}
		zones = append(zones, zone)
	}
	return zones, nil
}

var SigningKeyFlag = &cli.StringFlag{
	Name:  "signing-key",
	Value: "signing.pem",
	Usage: "PEM file with the device signing key",
}

var IdentityKeyFlag = &cli.StringFlag{
	Name:  "identity-key",
	Value: "identity.pem",
	Usage: "PEM file with the device P-256 encryption key shares are wrapped to",
}

var StoreFlag = &cli.StringSliceFlag{
	Name:  "store",
	Value: cli.NewStringSlice("file://./keysync-records"),
	Usage: "record store URI (repeatable; the first is authoritative, the rest are mirrors)",
}

var StateDirFlag = &cli.StringFlag{
	Name:  "state-dir",
	Value: "./keysync-state",
	Usage: "directory for the local state database and keybag salt",
}

var PassphraseFlag = &cli.StringFlag{
	Name:    "passphrase",
	EnvVars: []string{"KEYSYNC_PASSPHRASE"},
	Usage:   "keybag passphrase; without it the device stays locked and class A keys are unavailable",
}

var ZonesFlag = &cli.StringSliceFlag{
	Name:  "zone",
	Usage: "zone to keep a key hierarchy for (repeatable)",
}

var PeersStaticFlag = &cli.StringFlag{
	Name:  "peers-static",
	Usage: "JSON file with statically trusted peers",
}

var PeersDNSFlag = &cli.StringFlag{
	Name:  "peers-dns",
	Usage: "DNS name whose TXT records list trusted peers",
}

var DNSServerFlag = &cli.StringFlag{
	Name:  "dns-server",
	Value: "127.0.0.1:53",
	Usage: "DNS server (host:port) queried for --peers-dns",
}

var PeersDirectoryZoneFlag = &cli.StringFlag{
	Name:  "peers-directory-zone",
	Usage: "zone of the record store holding the shared trusted peer list; admitted peers are written here",
}

var RefreshScheduleFlag = &cli.StringFlag{
	Name:  "refresh-schedule",
	Value: "@every 5m",
	Usage: "cron schedule for re-checking key sets and sharing with newly trusted peers",
}

var RotationScheduleFlag = &cli.StringFlag{
	Name:  "rotation-schedule",
	Usage: "cron schedule for TLK rotation (empty disables scheduled rotation)",
}

var LockTimeoutFlag = &cli.DurationFlag{
	Name:  "lock-timeout",
	Value: 30 * time.Second,
	Usage: "how long operations wait for the keybag to unlock",
}

var RetryBudgetFlag = &cli.Uint64Flag{
	Name:  "retry-budget",
	Value: 5,
	Usage: "retries of transient and conflicting record store operations",
}

var AcceptJoinsFlag = &cli.BoolFlag{
	Name:  "accept-joins",
	Value: false,
	Usage: "sponsor new devices through the join endpoints",
}

var EscrowHoldersFlag = &cli.StringFlag{
	Name:  "escrow-holders",
	Usage: "JSON file with escrow holder keys; enables the escrow and recovery endpoints",
}

var EscrowThresholdFlag = &cli.IntFlag{
	Name:  "escrow-threshold",
	Value: 2,
	Usage: "escrow shares needed to recover a TLK",
}

var ListenAddrFlag = &cli.StringFlag{
	Name:  "listen-addr",
	Value: "127.0.0.1:8080",
	Usage: "address to listen on for API",
}

var ServerAddrFlag = &cli.StringFlag{
	Name:  "server",
	Value: "http://127.0.0.1:8080",
	Usage: "base URL of the device API",
}

var LogJsonFlag = &cli.BoolFlag{
	Name:  "log-json",
	Value: false,
	Usage: "log in JSON format",
}
var LogDebugFlag = &cli.BoolFlag{
	Name:  "log-debug",
	Value: false,
	Usage: "log debug messages",
}
var LogUidFlag = &cli.BoolFlag{
	Name:  "log-uid",
	Value: false,
	Usage: "generate a uuid and add to all log messages",
}

var LogServiceFlagFn = func(service string) *cli.StringFlag {
	return &cli.StringFlag{
		Name:  "log-service",
		Value: service,
		Usage: "add 'service' tag to logs",
	}
}

var PprofFlag = &cli.BoolFlag{
	Name:  "pprof",
	Value: false,
	Usage: "enable pprof debug endpoint",
}
var DrainSecondsFlag = &cli.Int64Flag{
	Name:  "drain-seconds",
	Value: 45,
	Usage: "seconds to wait in drain HTTP request",
}
var MetricsAddrFlag = &cli.StringFlag{
	Name:  "metrics-addr",
	Value: "127.0.0.1:8090",
	Usage: "address to listen on for Prometheus metrics",
}

var CommonFlags = []cli.Flag{
	LogJsonFlag,
	LogDebugFlag,
	LogUidFlag,
	PprofFlag,
	DrainSecondsFlag,
	MetricsAddrFlag,
}

var IdentityFlags = []cli.Flag{
	SigningKeyFlag,
	IdentityKeyFlag,
}
