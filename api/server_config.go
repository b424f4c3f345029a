package api

import (
	"log/slog"
	"time"
)

// HTTPServerConfig configures the device API server.
type HTTPServerConfig struct {
	// ListenAddr is the address of the device API.
	ListenAddr string

	// MetricsAddr is the address of the Prometheus metrics server.
	// If empty, metrics server will not be started.
	MetricsAddr string

	EnablePprof bool

	Log *slog.Logger

	// DrainDuration is how long /drain keeps the device not ready so load
	// balancers notice before it is stopped.
	DrainDuration time.Duration

	// GracefulShutdownDuration bounds in-flight requests during shutdown.
	// Joins in progress are abandoned by the acceptor once it expires.
	GracefulShutdownDuration time.Duration

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultHTTPServerConfig returns the server timeouts keysyncd runs with.
func DefaultHTTPServerConfig(listenAddr string, log *slog.Logger) *HTTPServerConfig {
	return &HTTPServerConfig{
		ListenAddr:               listenAddr,
		Log:                      log,
		DrainDuration:            45 * time.Second,
		GracefulShutdownDuration: 30 * time.Second,
		ReadTimeout:              60 * time.Second,
		WriteTimeout:             30 * time.Second,
	}
}
