/*
# Escrow Holder Model

Escrow protects a zone against the loss of every device holding its TLK. The
TLK is split with Shamir's Secret Sharing into one share per registered
holder, any threshold of which reconstruct it.

  - Each share is encrypted to its holder's P-256 encryption key and stored
    in the record store next to the zone's keys
  - A holder is identified by the sha256 fingerprint of its PEM signing key
  - Holder requests carry X-Holder-ID and X-Holder-Signature headers; the
    signature covers the request path followed by the body
  - A holder can only retrieve its own sealed share

# Recovery

A device without any share of the TLK recovers it through the recovery
state machine:

 1. A holder starts the recovery for a zone (POST /api/recovery/begin). The
    device loads the escrow records of the zone's current TLK.
 2. Holders decrypt their shares offline, sign them and submit them
    (POST /api/recovery/share). Submissions from unknown holders or with
    invalid signatures are rejected without leaving the collecting state.
 3. Once the threshold is reached the TLK is reconstructed, checked against
    its key record and installed. The machine moves to Recovered.

Accepted submissions are kept in memory only. After a restart the machine
resumes collecting and holders submit again.
*/
package httpserver
