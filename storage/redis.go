package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/ruteri/tee-keysync/interfaces"
)

// RedisBackend implements a record store on Redis. Each record is a hash
// holding its data, version counter and a tombstone flag; conditional writes
// run inside WATCH/MULTI so they are atomic on the server. A per-(zone, type)
// set indexes record names for List.
type RedisBackend struct {
	client      *redis.Client
	prefix      string
	log         *slog.Logger
	locationURI string
}

// NewRedisBackend connects to addr. The prefix namespaces all keys.
func NewRedisBackend(addr, password string, db int, prefix string, log *slog.Logger) *RedisBackend {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return newRedisBackend(client, prefix, fmt.Sprintf("redis://%s/%d/%s", addr, db, prefix), log)
}

func newRedisBackend(client *redis.Client, prefix, uri string, log *slog.Logger) *RedisBackend {
	if prefix == "" {
		prefix = "keysync"
	}
	return &RedisBackend{
		client:      client,
		prefix:      prefix,
		log:         log,
		locationURI: uri,
	}
}

func (b *RedisBackend) recordKey(id interfaces.RecordID) string {
	return b.prefix + ":" + id.Path()
}

func (b *RedisBackend) indexKey(zone interfaces.ZoneID, recordType interfaces.RecordType) string {
	return fmt.Sprintf("%s:%s/%s:index", b.prefix, zone, recordType)
}

func (b *RedisBackend) Fetch(ctx context.Context, id interfaces.RecordID) ([]byte, interfaces.VersionTag, error) {
	fields, err := b.client.HGetAll(ctx, b.recordKey(id)).Result()
	if err != nil {
		return nil, interfaces.NoVersion, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	if len(fields) == 0 || fields["deleted"] == "1" {
		return nil, interfaces.NoVersion, interfaces.ErrContentNotFound
	}

	return []byte(fields["data"]), interfaces.VersionTag(fields["version"]), nil
}

// readState returns the version stored in the hash and whether the record is live.
func readState(ctx context.Context, tx *redis.Tx, key string) (uint64, bool, error) {
	vals, err := tx.HMGet(ctx, key, "version", "deleted").Result()
	if err != nil {
		return 0, false, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	if vals[0] == nil {
		return 0, false, nil
	}

	version, err := strconv.ParseUint(fmt.Sprint(vals[0]), 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("corrupt version for %s: %w", key, err)
	}
	deleted := vals[1] != nil && fmt.Sprint(vals[1]) == "1"
	return version, !deleted, nil
}

func (b *RedisBackend) Save(ctx context.Context, id interfaces.RecordID, data []byte, expected interfaces.VersionTag) (interfaces.VersionTag, error) {
	start := time.Now()
	key := b.recordKey(id)
	var next uint64

	err := b.client.Watch(ctx, func(tx *redis.Tx) error {
		version, live, err := readState(ctx, tx, key)
		if err != nil {
			return err
		}

		current := interfaces.NoVersion
		if live {
			current = versionTag(version)
		}
		if err := checkExpected(id, live, current, expected); err != nil {
			return err
		}

		next = version + 1
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, "data", data, "version", next, "deleted", "0")
			pipe.SAdd(ctx, b.indexKey(id.Zone, id.Type), id.Name)
			return nil
		})
		return err
	}, key)

	switch {
	case errors.Is(err, redis.TxFailedErr):
		return interfaces.NoVersion, fmt.Errorf("%w: %s modified concurrently", interfaces.ErrVersionConflict, id)
	case errors.Is(err, interfaces.ErrVersionConflict):
		return interfaces.NoVersion, err
	case err != nil:
		return interfaces.NoVersion, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}

	b.log.Debug("Stored record in Redis",
		slog.String("record", id.Path()),
		slog.Uint64("version", next),
		slog.Duration("duration", time.Since(start)))

	return versionTag(next), nil
}

func (b *RedisBackend) Delete(ctx context.Context, id interfaces.RecordID, expected interfaces.VersionTag) error {
	key := b.recordKey(id)

	err := b.client.Watch(ctx, func(tx *redis.Tx) error {
		version, live, err := readState(ctx, tx, key)
		if err != nil {
			return err
		}
		if !live {
			return interfaces.ErrContentNotFound
		}
		if err := checkExpected(id, true, versionTag(version), expected); err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, "deleted", "1")
			pipe.HDel(ctx, key, "data")
			pipe.SRem(ctx, b.indexKey(id.Zone, id.Type), id.Name)
			return nil
		})
		return err
	}, key)

	switch {
	case errors.Is(err, redis.TxFailedErr):
		return fmt.Errorf("%w: %s modified concurrently", interfaces.ErrVersionConflict, id)
	case errors.Is(err, interfaces.ErrVersionConflict), errors.Is(err, interfaces.ErrContentNotFound):
		return err
	case err != nil:
		return fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	return nil
}

func (b *RedisBackend) List(ctx context.Context, zone interfaces.ZoneID, recordType interfaces.RecordType) ([]string, error) {
	names, err := b.client.SMembers(ctx, b.indexKey(zone, recordType)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	sort.Strings(names)
	return names, nil
}

func (b *RedisBackend) Available(ctx context.Context) bool {
	if err := b.client.Ping(ctx).Err(); err != nil {
		b.log.Debug("Redis backend unavailable", "err", err)
		return false
	}
	return true
}

func (b *RedisBackend) Name() string {
	return fmt.Sprintf("redis-%s", b.prefix)
}

func (b *RedisBackend) LocationURI() string {
	return b.locationURI
}

// Close releases the connection pool.
func (b *RedisBackend) Close() error {
	return b.client.Close()
}
