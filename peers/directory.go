package peers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ruteri/tee-keysync/interfaces"
	"github.com/ruteri/tee-keysync/records"
)

const (
	directoryRecordName = "trusted"
	directoryMaxRetries = 8
)

// DirectoryProvider keeps the trusted peer list as a single record in the
// shared record store. Updates are read-modify-write cycles guarded by the
// record's version tag, so concurrent admissions from several devices merge.
type DirectoryProvider struct {
	store interfaces.RecordStore
	zone  interfaces.ZoneID
	log   *slog.Logger
}

func NewDirectoryProvider(store interfaces.RecordStore, zone interfaces.ZoneID, log *slog.Logger) *DirectoryProvider {
	return &DirectoryProvider{store: store, zone: zone, log: log}
}

func (p *DirectoryProvider) Name() string {
	return "directory:" + string(p.zone)
}

func (p *DirectoryProvider) recordID() interfaces.RecordID {
	return interfaces.RecordID{Zone: p.zone, Type: interfaces.RecordTypePeers, Name: directoryRecordName}
}

func (p *DirectoryProvider) load(ctx context.Context) ([]interfaces.PeerProviderState, interfaces.VersionTag, error) {
	data, tag, err := p.store.Fetch(ctx, p.recordID())
	if errors.Is(err, interfaces.ErrContentNotFound) {
		return nil, interfaces.NoVersion, nil
	}
	if err != nil {
		return nil, interfaces.NoVersion, err
	}

	peers, err := records.DecodePeerList(data)
	if err != nil {
		return nil, interfaces.NoVersion, err
	}
	return peers, tag, nil
}

func (p *DirectoryProvider) CurrentTrustStates(ctx context.Context) ([]interfaces.PeerProviderState, error) {
	peers, _, err := p.load(ctx)
	return peers, err
}

// update applies mutate to the current list and writes it back, retrying on
// concurrent modification.
func (p *DirectoryProvider) update(ctx context.Context, mutate func([]interfaces.PeerProviderState) ([]interfaces.PeerProviderState, error)) error {
	for attempt := 0; attempt < directoryMaxRetries; attempt++ {
		peers, tag, err := p.load(ctx)
		if err != nil {
			return err
		}

		next, err := mutate(peers)
		if err != nil {
			return err
		}

		data, err := records.EncodePeerList(next)
		if err != nil {
			return err
		}

		_, err = p.store.Save(ctx, p.recordID(), data, tag)
		if err == nil {
			return nil
		}
		if !errors.Is(err, interfaces.ErrVersionConflict) {
			return err
		}
		p.log.Debug("Peer directory changed concurrently, retrying", slog.Int("attempt", attempt+1))
	}
	return fmt.Errorf("%w: peer directory update retries exhausted", interfaces.ErrVersionConflict)
}

func (p *DirectoryProvider) AdmitPeer(ctx context.Context, peer interfaces.PeerProviderState) error {
	return p.update(ctx, func(peers []interfaces.PeerProviderState) ([]interfaces.PeerProviderState, error) {
		peer.Trusted = true
		peer.Provider = ""
		for i := range peers {
			if peers[i].PeerID == peer.PeerID {
				if peer.Epoch < peers[i].Epoch {
					peer.Epoch = peers[i].Epoch
				}
				peers[i] = peer
				return peers, nil
			}
		}
		return append(peers, peer), nil
	})
}

func (p *DirectoryProvider) RevokePeer(ctx context.Context, peerID interfaces.PeerID) error {
	return p.update(ctx, func(peers []interfaces.PeerProviderState) ([]interfaces.PeerProviderState, error) {
		for i := range peers {
			if peers[i].PeerID == peerID {
				peers[i].Trusted = false
				peers[i].Epoch++
				return peers, nil
			}
		}
		return nil, fmt.Errorf("%w: %s", interfaces.ErrUntrustedPeer, peerID)
	})
}
