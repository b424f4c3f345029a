package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/ruteri/tee-keysync/api/clients"
	"github.com/ruteri/tee-keysync/cryptoutils"
	"github.com/ruteri/tee-keysync/interfaces"
	"github.com/ruteri/tee-keysync/kms"
	"github.com/ruteri/tee-keysync/localstate"
	"github.com/ruteri/tee-keysync/octagon"
	"github.com/ruteri/tee-keysync/peers"
)

// staticPeer matches an entry of a --peers-static file.
type staticPeer struct {
	PeerID     string `json:"peer_id"`
	PublicKey  string `json:"public_key"`
	SigningKey string `json:"signing_key"`
	Trusted    bool   `json:"trusted"`
	Epoch      uint64 `json:"epoch"`
}

// holderEntry matches an entry of an --escrow-holders file.
type holderEntry struct {
	EncryptionKey string `json:"encryption_key"`
	SigningKey    string `json:"signing_key"`
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// keygen creates a device identity and prints how peers can trust it.
func keygen(out io.Writer, signingPath, encryptionPath string, epoch uint64) error {
	identity, err := cryptoutils.GenerateDeviceIdentity()
	if err != nil {
		return err
	}
	if err := identity.Save(signingPath, encryptionPath); err != nil {
		return err
	}

	state := identity.TrustState(epoch)
	txt, err := peers.FormatTXT(state)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "peer id: %s\n\nstatic peer entry:\n", identity.PeerID())
	if err := printJSON(out, staticPeer{
		PeerID:     string(state.PeerID),
		PublicKey:  string(state.PublicKey),
		SigningKey: string(state.SigningKey),
		Trusted:    true,
		Epoch:      epoch,
	}); err != nil {
		return err
	}

	fmt.Fprintln(out, "\nTXT record:")
	for _, chunk := range txt {
		fmt.Fprintf(out, "%q ", chunk)
	}
	fmt.Fprintln(out)
	return nil
}

// holderKeygen creates an escrow holder's signing and encryption keys and
// prints the holder's entry for the device's holders file.
func holderKeygen(out io.Writer, signingPath, encryptionPath string) error {
	sigPub, sigPriv, err := cryptoutils.RandomEd25519Keypair()
	if err != nil {
		return fmt.Errorf("failed to generate signing key: %w", err)
	}
	encPub, encPriv, err := cryptoutils.RandomP256Keypair()
	if err != nil {
		return fmt.Errorf("failed to generate encryption key: %w", err)
	}

	if err := os.WriteFile(signingPath, sigPriv, 0600); err != nil {
		return err
	}
	if err := os.WriteFile(encryptionPath, encPriv, 0600); err != nil {
		return err
	}

	fmt.Fprintf(out, "holder id: %s\n", kms.HolderFingerprint(sigPub))
	return printJSON(out, holderEntry{EncryptionKey: string(encPub), SigningKey: string(sigPub)})
}

// holdersConfig assembles a holders file from the holders' private keys.
func holdersConfig(out io.Writer, pairs [][2]string) error {
	var doc struct {
		Holders []holderEntry `json:"holders"`
	}
	for _, pair := range pairs {
		signing, encryption, err := loadHolderKeys(pair[0], pair[1])
		if err != nil {
			return err
		}
		sigPub, err := signing.PublicKeyPEM()
		if err != nil {
			return err
		}
		encPub, err := encryption.PublicKeyPEM()
		if err != nil {
			return err
		}
		doc.Holders = append(doc.Holders, holderEntry{EncryptionKey: string(encPub), SigningKey: string(sigPub)})
	}
	return printJSON(out, doc)
}

func loadHolderKeys(signingPath, encryptionPath string) (cryptoutils.AppPrivkey, cryptoutils.AppPrivkey, error) {
	sigPEM, err := os.ReadFile(signingPath)
	if err != nil {
		return nil, nil, err
	}
	signing, err := cryptoutils.NewAppPrivkey(sigPEM)
	if err != nil {
		return nil, nil, err
	}
	encPEM, err := os.ReadFile(encryptionPath)
	if err != nil {
		return nil, nil, err
	}
	encryption, err := cryptoutils.NewAppPrivkey(encPEM)
	if err != nil {
		return nil, nil, err
	}
	return signing, encryption, nil
}

type joinConfig struct {
	Server          string
	SigningKeyPath  string
	IdentityKeyPath string
	StateDir        string
	Epoch           uint64
	Sponsor         interfaces.PeerID
}

// join runs the initiator side of a join against a sponsoring device. The
// initiator's machine state lives in the device's state directory.
func join(ctx context.Context, out io.Writer, cfg joinConfig, log *slog.Logger) error {
	identity, err := cryptoutils.LoadDeviceIdentity(cfg.SigningKeyPath, cfg.IdentityKeyPath)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.StateDir, 0o700); err != nil {
		return err
	}
	local, err := localstate.OpenBadgerStore(filepath.Join(cfg.StateDir, "db"), log)
	if err != nil {
		return err
	}
	defer local.Close()

	engine, err := octagon.NewEngine(ctx, "join-initiator", local, log)
	if err != nil {
		return err
	}
	defer engine.Close()

	initiator := octagon.NewJoinInitiator(octagon.InitiatorConfig{Epoch: cfg.Epoch, Sponsor: cfg.Sponsor},
		engine, identity, clients.NewDeviceClient(cfg.Server), log)
	result, err := initiator.Join(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "joined as %s, sponsored by %s at epoch %d\n",
		result.Voucher.PeerID, result.Voucher.SponsorID, result.Voucher.Epoch)
	for _, share := range result.Shares {
		fmt.Fprintf(out, "  zone %s: share of TLK %s\n", share.Zone, share.KeyID)
	}
	return nil
}

// status prints the device's trust state, peers and the key sets of zones.
func status(ctx context.Context, out io.Writer, server string, zones []interfaces.ZoneID) error {
	client := clients.NewDeviceClient(server)

	state, err := client.TrustState(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "device %s\n", state.Self)
	for _, m := range state.Machines {
		fmt.Fprintf(out, "  machine %s: %s %v\n", m.Name, m.State, m.Flags)
	}

	trusted, err := client.Peers(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "peers (%d)\n", len(trusted))
	for _, p := range trusted {
		fmt.Fprintf(out, "  %s trusted=%t epoch=%d provider=%s\n", p.PeerID, p.Trusted, p.Epoch, p.Provider)
	}

	for _, zone := range zones {
		ks, err := client.KeySet(ctx, zone)
		if err != nil {
			return fmt.Errorf("zone %s: %w", zone, err)
		}
		fmt.Fprintf(out, "zone %s: tlk %s (generation %d) class A %s class C %s shares %d\n",
			ks.Zone, ks.TLK.ID, ks.TLK.Generation, ks.ClassA.ID, ks.ClassC.ID, ks.Shares)
	}
	return nil
}

// escrow asks a device to escrow a zone's TLK to its holders.
func escrow(ctx context.Context, out io.Writer, holder *clients.HolderClient, zone interfaces.ZoneID) error {
	res, err := holder.Escrow(ctx, zone)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "escrowed TLK %s of zone %s to %d holders, threshold %d\n", res.KeyID, res.Zone, res.Holders, res.Threshold)
	return nil
}

// recoverShare opens the holder's share on the source device and submits it to
// the recovering device, beginning the recovery if none is running.
func recoverShare(ctx context.Context, out io.Writer, holder *clients.HolderClient, from, to string, zone interfaces.ZoneID) error {
	target := holder.WithBaseURL(to)
	current, err := target.RecoveryStatus(ctx)
	if err != nil {
		return err
	}
	if current.State != octagon.StateEscrowCollecting {
		if _, err := target.BeginRecovery(ctx, zone); err != nil {
			return err
		}
	}

	sub, err := holder.WithBaseURL(from).OpenShare(ctx, zone)
	if err != nil {
		return err
	}
	res, err := target.Submit(ctx, sub)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "share %d accepted: %d of %d received, complete=%t\n",
		sub.Index, res.Status.Received, res.Status.Threshold, res.Complete)
	return nil
}
