// Package metrics exposes Prometheus metrics for key synchronization and the
// trust state machines, and serves them on a dedicated listener.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	// Commits of current-key pointers, by key class and outcome (ok, conflict, error).
	PointerCommits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "keysync_pointer_commits_total",
		Help: "Current-key pointer commit attempts by outcome",
	}, []string{"class", "outcome"})

	// Key sets committed, by reason (create, rotate, repair).
	KeySetCommits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "keysync_keyset_commits_total",
		Help: "Key sets committed to the remote store",
	}, []string{"reason"})

	// Shares published and rejected.
	SharesIssued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "keysync_tlk_shares_issued_total",
		Help: "TLK shares created and published",
	})
	SharesRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "keysync_tlk_shares_rejected_total",
		Help: "TLK shares rejected on unwrap, by reason",
	}, []string{"reason"})
	SharesCollected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "keysync_tlk_shares_collected_total",
		Help: "Shares of retired TLKs removed from the remote store",
	})

	// State machine transitions, by machine, transition and resulting state.
	Transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "keysync_state_transitions_total",
		Help: "Trust state machine transitions",
	}, []string{"machine", "transition", "state"})
	TransitionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "keysync_state_transition_duration_seconds",
		Help:    "Duration of trust state machine transition operations",
		Buckets: []float64{.005, .01, .05, .1, .5, 1, 5, 15, 60},
	}, []string{"machine", "transition"})

	// Peer provider queries by provider and outcome.
	PeerProviderQueries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "keysync_peer_provider_queries_total",
		Help: "Peer provider trust state queries by outcome",
	}, []string{"provider", "outcome"})
	TrustedPeers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "keysync_trusted_peers",
		Help: "Trusted peers in the last aggregated view",
	})
)

// Register adds all collectors to the default registry. Safe to call more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			PointerCommits,
			KeySetCommits,
			SharesIssued,
			SharesRejected,
			SharesCollected,
			Transitions,
			TransitionDuration,
			PeerProviderQueries,
			TrustedPeers,
		)
	})
}
