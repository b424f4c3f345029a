package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/ruteri/tee-keysync/api/clients"
	"github.com/ruteri/tee-keysync/cmd/flags"
	"github.com/ruteri/tee-keysync/interfaces"
	"github.com/urfave/cli/v2"
)

var flagEpoch = &cli.Uint64Flag{
	Name:  "epoch",
	Value: 1,
	Usage: "trust epoch of this device",
}

var flagSponsor = &cli.StringFlag{
	Name:  "sponsor",
	Usage: "peer id of the expected sponsoring device (empty accepts any valid voucher)",
}

var flagTimeout = &cli.DurationFlag{
	Name:  "timeout",
	Value: 2 * time.Minute,
	Usage: "overall timeout of the command",
}

var flagHolderSigningKey = &cli.StringFlag{
	Name:  "holder-signing-key",
	Value: "holder-signing.pem",
	Usage: "PEM file with the escrow holder's signing key",
}

var flagHolderEncryptionKey = &cli.StringFlag{
	Name:  "holder-encryption-key",
	Value: "holder-encryption.pem",
	Usage: "PEM file with the escrow holder's encryption key",
}

var flagFrom = &cli.StringFlag{
	Name:     "from",
	Required: true,
	Usage:    "base URL of the device holding the escrowed shares",
}

func commandContext(cCtx *cli.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cCtx.Context, cCtx.Duration(flagTimeout.Name))
}

func singleZone(cCtx *cli.Context) (interfaces.ZoneID, error) {
	zones, err := flags.Zones(cCtx)
	if err != nil {
		return "", err
	}
	if len(zones) != 1 {
		return "", errors.New("exactly one --zone is required")
	}
	return zones[0], nil
}

func holderClient(cCtx *cli.Context) (*clients.HolderClient, error) {
	signing, encryption, err := loadHolderKeys(cCtx.String(flagHolderSigningKey.Name), cCtx.String(flagHolderEncryptionKey.Name))
	if err != nil {
		return nil, err
	}
	return clients.NewHolderClient(cCtx.String(flags.ServerAddrFlag.Name), signing, encryption)
}

func main() {
	app := &cli.App{
		Name:           "keysyncctl",
		Usage:          "Manage keysync devices, joins and escrow holders",
		DefaultCommand: "status",
		Commands: []*cli.Command{
			{
				Name:  "keygen",
				Usage: "generate a device identity",
				Flags: append([]cli.Flag{flagEpoch}, flags.IdentityFlags...),
				Action: func(cCtx *cli.Context) error {
					return keygen(os.Stdout, cCtx.String(flags.SigningKeyFlag.Name), cCtx.String(flags.IdentityKeyFlag.Name), cCtx.Uint64(flagEpoch.Name))
				},
			},
			{
				Name:  "join",
				Usage: "join the trust circle through a sponsoring device",
				Flags: append([]cli.Flag{
					flags.ServerAddrFlag,
					flags.StateDirFlag,
					flagEpoch,
					flagSponsor,
					flagTimeout,
					flags.LogDebugFlag,
					flags.LogJsonFlag,
					flags.LogUidFlag,
					flags.LogServiceFlagFn("keysyncctl"),
				}, flags.IdentityFlags...),
				Action: func(cCtx *cli.Context) error {
					ctx, cancel := commandContext(cCtx)
					defer cancel()
					return join(ctx, os.Stdout, joinConfig{
						Server:          cCtx.String(flags.ServerAddrFlag.Name),
						SigningKeyPath:  cCtx.String(flags.SigningKeyFlag.Name),
						IdentityKeyPath: cCtx.String(flags.IdentityKeyFlag.Name),
						StateDir:        cCtx.String(flags.StateDirFlag.Name),
						Epoch:           cCtx.Uint64(flagEpoch.Name),
						Sponsor:         interfaces.PeerID(cCtx.String(flagSponsor.Name)),
					}, flags.SetupLogger(cCtx))
				},
			},
			{
				Name:  "status",
				Usage: "show a device's trust state, peers and key sets",
				Flags: []cli.Flag{flags.ServerAddrFlag, flags.ZonesFlag, flagTimeout},
				Action: func(cCtx *cli.Context) error {
					zones, err := flags.Zones(cCtx)
					if err != nil {
						return err
					}
					ctx, cancel := commandContext(cCtx)
					defer cancel()
					return status(ctx, os.Stdout, cCtx.String(flags.ServerAddrFlag.Name), zones)
				},
			},
			{
				Name:  "holder",
				Usage: "escrow holder commands",
				Subcommands: []*cli.Command{
					{
						Name:  "keygen",
						Usage: "generate escrow holder keys",
						Flags: []cli.Flag{flagHolderSigningKey, flagHolderEncryptionKey},
						Action: func(cCtx *cli.Context) error {
							return holderKeygen(os.Stdout, cCtx.String(flagHolderSigningKey.Name), cCtx.String(flagHolderEncryptionKey.Name))
						},
					},
					{
						Name:      "config",
						Usage:     "assemble an escrow holders file",
						ArgsUsage: "<signing-key> <encryption-key> [<signing-key> <encryption-key>...]",
						Action: func(cCtx *cli.Context) error {
							args := cCtx.Args().Slice()
							if len(args) == 0 || len(args)%2 != 0 {
								return fmt.Errorf("expected pairs of key files, got %d arguments", len(args))
							}
							var pairs [][2]string
							for i := 0; i < len(args); i += 2 {
								pairs = append(pairs, [2]string{args[i], args[i+1]})
							}
							return holdersConfig(os.Stdout, pairs)
						},
					},
					{
						Name:  "escrow",
						Usage: "escrow a zone's TLK to the device's holders",
						Flags: []cli.Flag{flags.ServerAddrFlag, flags.ZonesFlag, flagHolderSigningKey, flagHolderEncryptionKey, flagTimeout},
						Action: func(cCtx *cli.Context) error {
							zone, err := singleZone(cCtx)
							if err != nil {
								return err
							}
							holder, err := holderClient(cCtx)
							if err != nil {
								return err
							}
							ctx, cancel := commandContext(cCtx)
							defer cancel()
							return escrow(ctx, os.Stdout, holder, zone)
						},
					},
					{
						Name:  "recover",
						Usage: "submit this holder's share to a recovering device (--server)",
						Flags: []cli.Flag{flags.ServerAddrFlag, flagFrom, flags.ZonesFlag, flagHolderSigningKey, flagHolderEncryptionKey, flagTimeout},
						Action: func(cCtx *cli.Context) error {
							zone, err := singleZone(cCtx)
							if err != nil {
								return err
							}
							holder, err := holderClient(cCtx)
							if err != nil {
								return err
							}
							ctx, cancel := commandContext(cCtx)
							defer cancel()
							return recoverShare(ctx, os.Stdout, holder, cCtx.String(flagFrom.Name), cCtx.String(flags.ServerAddrFlag.Name), zone)
						},
					},
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
