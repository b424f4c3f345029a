// Package storage provides the shared remote record stores a trust group
// synchronizes its key hierarchy through.
//
// Every backend implements interfaces.RecordStore: records are addressed by
// (zone, type, name) and every write is conditional on the version tag the
// writer last observed. The tag is opaque to callers:
//
//   - MemoryBackend: per-record counters, process local
//   - FileBackend: counters in a JSON envelope, serialized with an advisory lock
//   - RedisBackend: counters in a hash, checked inside WATCH/MULTI
//   - VaultBackend: KV v2 metadata versions with check-and-set
//   - S3Backend: object ETags, compared before the put
//
// Deleted records leave tombstones (or, for Vault, soft-deleted versions) so
// a recreated record never reuses a tag a stale writer may still hold. S3
// has no conditional put in the SDK in use; its check is best-effort and the
// backend should only be used as a mirror or by a single writer.
//
// # Storage URI Format
//
// Storage backends are specified using URI format:
//
//	[scheme]://[auth@]host[:port][/path][?params]
//
// Supported URI schemes:
//
//   - memory://group
//   - file:///var/lib/keysync/records/
//   - s3://bucket-name/prefix/?region=us-west-2
//   - vault://vault.example.com:8200/secret/keysync
//   - redis://:password@redis.example.com:6379/0?prefix=keysync
//
// # Multi-Store
//
// MultiStorageBackend combines several stores. The first is authoritative and
// decides every conditional write; the remaining ones receive unconditional
// copies and serve reads only while the primary is unavailable.
//
// Usage example:
//
//	factory := storage.NewStorageBackendFactory(logger)
//	loc, _ := interfaces.NewStorageBackendLocation("file:///var/lib/keysync/records/")
//	store, err := factory.RecordStoreFor(loc)
//	if err != nil {
//	    // handle error
//	}
//
//	tag, err := store.Save(ctx, id, data, interfaces.NoVersion)
//	if errors.Is(err, interfaces.ErrVersionConflict) {
//	    // refetch and recompute
//	}
package storage
