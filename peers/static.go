package peers

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/ruteri/tee-keysync/interfaces"
)

// StaticProvider serves a fixed, locally configured peer set. It accepts
// admissions and revocations in memory.
type StaticProvider struct {
	name  string
	mu    sync.RWMutex
	peers map[interfaces.PeerID]interfaces.PeerProviderState
}

func NewStaticProvider(name string, peers ...interfaces.PeerProviderState) *StaticProvider {
	p := &StaticProvider{name: name, peers: make(map[interfaces.PeerID]interfaces.PeerProviderState)}
	for _, peer := range peers {
		p.peers[peer.PeerID] = peer
	}
	return p
}

// staticPeerFile is the JSON layout of a --peers-static file.
type staticPeerFile struct {
	Peers []struct {
		PeerID     string `json:"peer_id"`
		PublicKey  string `json:"public_key"`
		SigningKey string `json:"signing_key"`
		Trusted    bool   `json:"trusted"`
		Epoch      uint64 `json:"epoch"`
	} `json:"peers"`
}

// LoadStaticProvider reads peers from a JSON file with PEM encoded keys.
func LoadStaticProvider(path string) (*StaticProvider, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read static peers: %w", err)
	}

	var file staticPeerFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("failed to parse static peers %s: %w", path, err)
	}

	var peers []interfaces.PeerProviderState
	for _, e := range file.Peers {
		id := interfaces.PeerID(e.PeerID)
		if err := id.Validate(); err != nil {
			return nil, err
		}
		peers = append(peers, interfaces.PeerProviderState{
			PeerID:     id,
			PublicKey:  []byte(e.PublicKey),
			SigningKey: []byte(e.SigningKey),
			Trusted:    e.Trusted,
			Epoch:      e.Epoch,
		})
	}
	return NewStaticProvider("static:"+path, peers...), nil
}

func (p *StaticProvider) Name() string {
	return p.name
}

func (p *StaticProvider) CurrentTrustStates(ctx context.Context) ([]interfaces.PeerProviderState, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	res := make([]interfaces.PeerProviderState, 0, len(p.peers))
	for _, peer := range p.peers {
		res = append(res, peer)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].PeerID < res[j].PeerID })
	return res, nil
}

func (p *StaticProvider) AdmitPeer(ctx context.Context, peer interfaces.PeerProviderState) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	peer.Trusted = true
	p.peers[peer.PeerID] = peer
	return nil
}

func (p *StaticProvider) RevokePeer(ctx context.Context, peerID interfaces.PeerID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	peer, ok := p.peers[peerID]
	if !ok {
		return fmt.Errorf("%w: %s", interfaces.ErrUntrustedPeer, peerID)
	}
	peer.Trusted = false
	peer.Epoch++
	p.peers[peerID] = peer
	return nil
}
