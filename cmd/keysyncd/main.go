package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ruteri/tee-keysync/cmd/flags"
	"github.com/ruteri/tee-keysync/opcontext"
	"github.com/urfave/cli/v2"
)

var runFlags = append([]cli.Flag{
	flags.SigningKeyFlag,
	flags.IdentityKeyFlag,
	flags.StoreFlag,
	flags.StateDirFlag,
	flags.PassphraseFlag,
	flags.ZonesFlag,
	flags.PeersStaticFlag,
	flags.PeersDNSFlag,
	flags.DNSServerFlag,
	flags.PeersDirectoryZoneFlag,
	flags.RefreshScheduleFlag,
	flags.RotationScheduleFlag,
	flags.LockTimeoutFlag,
	flags.RetryBudgetFlag,
	flags.AcceptJoinsFlag,
	flags.EscrowHoldersFlag,
	flags.EscrowThresholdFlag,
	flags.ListenAddrFlag,
	flags.LogServiceFlagFn("keysyncd"),
}, flags.CommonFlags...)

func configFromFlags(cCtx *cli.Context) (daemonConfig, error) {
	logger := flags.SetupLogger(cCtx)

	zones, err := flags.Zones(cCtx)
	if err != nil {
		return daemonConfig{}, err
	}

	opCfg := opcontext.DefaultConfig()
	opCfg.LockTimeout = cCtx.Duration(flags.LockTimeoutFlag.Name)
	opCfg.RetryBudget = cCtx.Uint64(flags.RetryBudgetFlag.Name)

	return daemonConfig{
		Stores:             cCtx.StringSlice(flags.StoreFlag.Name),
		StateDir:           cCtx.String(flags.StateDirFlag.Name),
		SigningKeyPath:     cCtx.String(flags.SigningKeyFlag.Name),
		IdentityKeyPath:    cCtx.String(flags.IdentityKeyFlag.Name),
		Passphrase:         cCtx.String(flags.PassphraseFlag.Name),
		Zones:              zones,
		PeersStatic:        cCtx.String(flags.PeersStaticFlag.Name),
		PeersDNS:           cCtx.String(flags.PeersDNSFlag.Name),
		DNSServer:          cCtx.String(flags.DNSServerFlag.Name),
		PeersDirectoryZone: cCtx.String(flags.PeersDirectoryZoneFlag.Name),
		RefreshSchedule:    cCtx.String(flags.RefreshScheduleFlag.Name),
		RotationSchedule:   cCtx.String(flags.RotationScheduleFlag.Name),
		AcceptJoins:        cCtx.Bool(flags.AcceptJoinsFlag.Name),
		EscrowHolders:      cCtx.String(flags.EscrowHoldersFlag.Name),
		EscrowThreshold:    cCtx.Int(flags.EscrowThresholdFlag.Name),
		OpContext:          opCfg,
		Server:             flags.ConfigureServer(cCtx, logger),
	}, nil
}

func main() {
	app := &cli.App{
		Name:  "keysyncd",
		Usage: "Keep TEE key hierarchies in sync across trusted devices",
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "run the device daemon and its API",
				Flags: runFlags,
				Action: func(cCtx *cli.Context) error {
					cfg, err := configFromFlags(cCtx)
					if err != nil {
						return err
					}
					logger := cfg.Server.Log

					d, err := newDaemon(context.Background(), cfg, logger)
					if err != nil {
						logger.Error("Failed to start device", "err", err)
						return err
					}
					d.start(context.Background())

					// Wait for termination signal
					exit := make(chan os.Signal, 1)
					signal.Notify(exit, os.Interrupt, syscall.SIGTERM)

					logger.Info("Device is running, press Ctrl+C to stop")
					<-exit
					logger.Info("Shutdown signal received")

					d.stop()
					logger.Info("Device shutdown complete")
					return nil
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
