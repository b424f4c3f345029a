// Command keysyncd runs a keysync device: it keeps the key hierarchy of every
// configured zone committed in the record store, shares the current TLK with
// trusted peers and serves the device API.
//
// Usage:
//
//	keysyncd run --zone photos --store file:///var/lib/keysync/records \
//	    --signing-key signing.pem --identity-key identity.pem \
//	    --state-dir /var/lib/keysync/state --accept-joins
//
// Several --store values mirror the records: the first is authoritative. The
// keybag passphrase is read from --passphrase or KEYSYNC_PASSPHRASE. Without
// it the device runs locked and only class C keys are available.
//
// Trusted peers come from --peers-static, --peers-dns and
// --peers-directory-zone. Peers admitted through a join are written to the
// directory when one is configured.
//
// With --escrow-holders the escrow and recovery endpoints are served; see the
// httpserver package.
package main
