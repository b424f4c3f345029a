/*
Package clients provides HTTP clients for the device API.

DeviceClient covers the key set, trust and join endpoints. It implements
octagon.JoinTransport, so a new device runs its join initiator against a
sponsor with

	initiator := octagon.NewJoinInitiator(cfg, engine, identity, clients.NewDeviceClient(sponsorURL), logger)
	result, err := initiator.Join(ctx)

HolderClient is used by escrow holders. Its requests are signed with the
holder's signing key and it decrypts the holder's sealed share locally before
submitting it to a recovering device.

Non-200 answers are returned as *APIError, which unwraps to the matching
error of the interfaces package.
*/
package clients
