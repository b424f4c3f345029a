/*
Package api defines the JSON wire types of the device HTTP API and the server
configuration shared by the daemon and its tests.

Key material never appears in these types. Keys are reported by id, class,
generation and the key they are wrapped under; shares and escrow shares are
carried in their encrypted form only.

The clients subpackage implements the client side of the API, including the
network transport of the join protocol.
*/
package api
