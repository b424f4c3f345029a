// Command keysyncctl manages keysync devices.
//
// Device setup:
//
//	keysyncctl keygen --signing-key signing.pem --identity-key identity.pem
//	keysyncctl join --server http://sponsor:8080 --state-dir ./state
//	keysyncctl status --server http://127.0.0.1:8080 --zone photos
//
// keygen prints the entries other devices add to their static peer file or
// DNS zone to trust the new device.
//
// Escrow holders:
//
//	keysyncctl holder keygen
//	keysyncctl holder config h1-signing.pem h1-encryption.pem h2-signing.pem h2-encryption.pem > holders.json
//	keysyncctl holder escrow --server http://device:8080 --zone photos
//	keysyncctl holder recover --from http://device:8080 --server http://new-device:8080 --zone photos
package main
