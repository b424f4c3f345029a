// Package peers implements the peer providers a device learns its trusted
// peer set from, and the aggregator that unions them.
package peers

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/ruteri/tee-keysync/interfaces"
	"github.com/ruteri/tee-keysync/metrics"
	"golang.org/x/sync/errgroup"
)

// Aggregator is a PeerProvider over a runtime-mutable list of providers. Every
// call queries all providers anew; nothing is cached.
//
// Merge rule for a peer reported by several providers: the entry with the
// highest epoch wins. Entries at the same epoch that disagree on trust
// resolve to untrusted.
type Aggregator struct {
	mu        sync.RWMutex
	providers []interfaces.PeerProvider
	log       *slog.Logger
}

func NewAggregator(log *slog.Logger, providers ...interfaces.PeerProvider) *Aggregator {
	return &Aggregator{providers: providers, log: log}
}

func (a *Aggregator) Name() string {
	return "aggregate"
}

// AddProvider appends a provider. In-flight queries keep the list they started with.
func (a *Aggregator) AddProvider(p interfaces.PeerProvider) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.providers = append(a.providers, p)
}

// RemoveProvider drops every provider with the given name.
func (a *Aggregator) RemoveProvider(name string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	kept := a.providers[:0:0]
	for _, p := range a.providers {
		if p.Name() != name {
			kept = append(kept, p)
		}
	}
	a.providers = kept
}

func (a *Aggregator) Providers() []interfaces.PeerProvider {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]interfaces.PeerProvider(nil), a.providers...)
}

// CurrentTrustStates returns the union of all providers' views. Failing
// providers are skipped; if every configured provider fails the result is
// ErrNoPeerProviders. With no providers configured the set is empty.
func (a *Aggregator) CurrentTrustStates(ctx context.Context) ([]interfaces.PeerProviderState, error) {
	providers := a.Providers()
	if len(providers) == 0 {
		return nil, nil
	}

	results := make([][]interfaces.PeerProviderState, len(providers))
	errs := make([]error, len(providers))

	g, gctx := errgroup.WithContext(ctx)
	for i, p := range providers {
		g.Go(func() error {
			states, err := p.CurrentTrustStates(gctx)
			if err != nil {
				metrics.PeerProviderQueries.WithLabelValues(p.Name(), "error").Inc()
				a.log.Warn("Peer provider failed", slog.String("provider", p.Name()), "err", err)
				errs[i] = err
				return nil
			}
			metrics.PeerProviderQueries.WithLabelValues(p.Name(), "ok").Inc()
			for j := range states {
				states[j].Provider = p.Name()
			}
			results[i] = states
			return nil
		})
	}
	_ = g.Wait()

	answered := 0
	for _, err := range errs {
		if err == nil {
			answered++
		}
	}
	if answered == 0 {
		return nil, fmt.Errorf("%w: %d providers failed, first: %v", interfaces.ErrNoPeerProviders, len(providers), errs[0])
	}

	merged := Merge(results...)
	trusted := 0
	for _, s := range merged {
		if s.Trusted {
			trusted++
		}
	}
	metrics.TrustedPeers.Set(float64(trusted))
	return merged, nil
}

// Merge unions provider views, sorted by peer id.
func Merge(views ...[]interfaces.PeerProviderState) []interfaces.PeerProviderState {
	byID := make(map[interfaces.PeerID]interfaces.PeerProviderState)
	for _, view := range views {
		for _, s := range view {
			cur, ok := byID[s.PeerID]
			switch {
			case !ok || s.Epoch > cur.Epoch:
				byID[s.PeerID] = s
			case s.Epoch == cur.Epoch && s.Trusted != cur.Trusted:
				if !s.Trusted {
					byID[s.PeerID] = s
				}
			}
		}
	}

	res := make([]interfaces.PeerProviderState, 0, len(byID))
	for _, s := range byID {
		res = append(res, s)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].PeerID < res[j].PeerID })
	return res
}

// Trusted returns only trusted peers.
func (a *Aggregator) Trusted(ctx context.Context) ([]interfaces.PeerProviderState, error) {
	states, err := a.CurrentTrustStates(ctx)
	if err != nil {
		return nil, err
	}
	res := states[:0]
	for _, s := range states {
		if s.Trusted {
			res = append(res, s)
		}
	}
	return res, nil
}

// Lookup returns the aggregated state of one peer.
func (a *Aggregator) Lookup(ctx context.Context, peerID interfaces.PeerID) (interfaces.PeerProviderState, bool, error) {
	states, err := a.CurrentTrustStates(ctx)
	if err != nil {
		return interfaces.PeerProviderState{}, false, err
	}
	for _, s := range states {
		if s.PeerID == peerID {
			return s, true, nil
		}
	}
	return interfaces.PeerProviderState{}, false, nil
}

// AdmitPeer records the peer with the first provider able to admit peers.
func (a *Aggregator) AdmitPeer(ctx context.Context, peer interfaces.PeerProviderState) error {
	for _, p := range a.Providers() {
		if admitter, ok := p.(interfaces.PeerAdmitter); ok {
			if err := admitter.AdmitPeer(ctx, peer); err != nil {
				return fmt.Errorf("%s: %w", p.Name(), err)
			}
			a.log.Info("Admitted peer",
				slog.String("provider", p.Name()),
				slog.String("peer", peer.PeerID.Short()))
			return nil
		}
	}
	return fmt.Errorf("no peer provider accepts admissions")
}

// RevokePeer distrusts the peer in every provider able to revoke.
func (a *Aggregator) RevokePeer(ctx context.Context, peerID interfaces.PeerID) error {
	revoked := 0
	for _, p := range a.Providers() {
		revoker, ok := p.(interfaces.PeerRevoker)
		if !ok {
			continue
		}
		if err := revoker.RevokePeer(ctx, peerID); err != nil {
			a.log.Warn("Peer revocation failed", slog.String("provider", p.Name()), "err", err)
			continue
		}
		revoked++
	}
	if revoked == 0 {
		return fmt.Errorf("%w: no provider revoked %s", interfaces.ErrUntrustedPeer, peerID)
	}
	return nil
}
