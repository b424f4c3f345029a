// Package localstate persists device-local state: keybag-sealed key material
// and trust state machine snapshots.
package localstate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/ruteri/tee-keysync/interfaces"
	"github.com/ruteri/tee-keysync/records"
)

// BadgerStore implements interfaces.LocalStateStore on an embedded badger database.
//
// Key layout:
//
//	km/<zone>/<key id>  sealed key material
//	sm/<machine>        CBOR machine snapshot
type BadgerStore struct {
	db  *badger.DB
	log *slog.Logger
}

// OpenBadgerStore opens (or creates) the database at path. An empty path
// opens an in-memory database.
func OpenBadgerStore(path string, log *slog.Logger) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	opts.Logger = nil
	opts.SyncWrites = true

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open local state at %q: %w", path, err)
	}

	return &BadgerStore{db: db, log: log}, nil
}

func materialKey(zone interfaces.ZoneID, keyID uuid.UUID) []byte {
	return []byte("km/" + string(zone) + "/" + keyID.String())
}

func machineKey(machine string) []byte {
	return []byte("sm/" + machine)
}

func (s *BadgerStore) get(key []byte) ([]byte, error) {
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, interfaces.ErrContentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("local state read: %w", err)
	}
	return value, nil
}

func (s *BadgerStore) set(key, value []byte) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
	if err != nil {
		return fmt.Errorf("local state write: %w", err)
	}
	return nil
}

func (s *BadgerStore) LoadKeyMaterial(ctx context.Context, zone interfaces.ZoneID, keyID uuid.UUID) ([]byte, error) {
	return s.get(materialKey(zone, keyID))
}

func (s *BadgerStore) SaveKeyMaterial(ctx context.Context, zone interfaces.ZoneID, keyID uuid.UUID, sealed []byte) error {
	return s.set(materialKey(zone, keyID), sealed)
}

func (s *BadgerStore) DeleteKeyMaterial(ctx context.Context, zone interfaces.ZoneID, keyID uuid.UUID) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(materialKey(zone, keyID))
	})
	if err != nil {
		return fmt.Errorf("local state delete: %w", err)
	}
	return nil
}

// CachedKeyIDs lists the key ids with cached material in a zone.
func (s *BadgerStore) CachedKeyIDs(ctx context.Context, zone interfaces.ZoneID) ([]uuid.UUID, error) {
	prefix := []byte("km/" + string(zone) + "/")
	var ids []uuid.UUID
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			id, err := uuid.ParseBytes(it.Item().Key()[len(prefix):])
			if err != nil {
				s.log.Warn("Skipping malformed local key entry", "err", err)
				continue
			}
			ids = append(ids, id)
		}
		return nil
	})
	return ids, err
}

func (s *BadgerStore) LoadMachineState(ctx context.Context, machine string) (interfaces.MachineSnapshot, error) {
	raw, err := s.get(machineKey(machine))
	if err != nil {
		return interfaces.MachineSnapshot{}, err
	}
	return records.DecodeSnapshot(raw)
}

func (s *BadgerStore) SaveMachineState(ctx context.Context, machine string, snapshot interfaces.MachineSnapshot) error {
	raw, err := records.EncodeSnapshot(snapshot)
	if err != nil {
		return err
	}
	return s.set(machineKey(machine), raw)
}

// Close flushes and closes the database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}
