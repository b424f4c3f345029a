/*
Package httpserver implements the device's HTTP API: key set status and
rotation, the trust view, the join acceptor endpoints and the escrow holder
API.

# Endpoints

  - GET /api/zones/{zone}/keyset - Current key set of a zone (no material)
  - POST /api/zones/{zone}/rotate - Rotate the zone's TLK and commit
  - GET /api/zones/{zone}/shares/{peer} - Shares of the current TLK for a peer
  - GET /api/trust/peers - Aggregated trust view
  - GET /api/trust/state - State and history of every trust state machine
  - POST /api/join/epoch - Begin a join and prepare an epoch
  - POST /api/join/identity - Vouch for, admit and share with a joining device
  - POST /api/escrow/{zone} - Escrow the zone's TLK to the configured holders
  - GET /api/escrow/{zone}/share - A holder's sealed escrow share
  - POST /api/recovery/begin - Start recovering a zone's TLK from escrow
  - POST /api/recovery/share - Submit a holder's opened share
  - GET /api/recovery/status - Recovery progress
  - GET /livez, /readyz, /drain, /undrain - Health and draining

Errors are answered with an api.ErrorResponse carrying the error kind. Status
codes follow the error taxonomy: missing records are 404, protocol violations
and version conflicts 409, signature and trust failures 403, a locked keybag
423 and unreachable backends 503.

The server does not authenticate devices. Join and share endpoints are meant
to be exposed only over an authenticated transport between devices.

# Example Usage

	handler := httpserver.NewHandler(identity.PeerID(), manager, trust, acceptor, logger)
	server, err := httpserver.New(&api.HTTPServerConfig{
		ListenAddr:  ":8080",
		MetricsAddr: ":9090",
		Log:         logger,
	}, handler, nil)
	if err != nil {
		return err
	}
	server.RunInBackground()
	defer server.Shutdown()
*/
package httpserver
