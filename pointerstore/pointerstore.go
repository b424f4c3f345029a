// Package pointerstore holds the authoritative current-key pointers of every
// zone. Pointers live only in the remote record store; every read goes there
// because other devices rotate keys out of band.
package pointerstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ruteri/tee-keysync/interfaces"
	"github.com/ruteri/tee-keysync/metrics"
	"github.com/ruteri/tee-keysync/records"
)

// Store reads and conditionally writes CurrentKeyPointer records.
type Store struct {
	records interfaces.RecordStore
	log     *slog.Logger
}

func New(store interfaces.RecordStore, log *slog.Logger) *Store {
	return &Store{records: store, log: log}
}

func recordID(zone interfaces.ZoneID, class interfaces.KeyClass) interfaces.RecordID {
	return interfaces.RecordID{Zone: zone, Type: interfaces.RecordTypePointer, Name: class.String()}
}

// Fetch returns the remote pointer for (zone, class). If none exists it
// returns ErrContentNotFound together with an empty pointer whose tag is
// NoVersion, ready to be committed as a create.
func (s *Store) Fetch(ctx context.Context, zone interfaces.ZoneID, class interfaces.KeyClass) (interfaces.CurrentKeyPointer, error) {
	empty := interfaces.CurrentKeyPointer{Zone: zone, Class: class, RemoteVersionTag: interfaces.NoVersion}

	data, tag, err := s.records.Fetch(ctx, recordID(zone, class))
	if err != nil {
		return empty, err
	}

	ptr, err := records.DecodePointer(zone, data, tag)
	if err != nil {
		return empty, err
	}
	if ptr.Class != class {
		return empty, fmt.Errorf("pointer record %s names class %s", recordID(zone, class), ptr.Class)
	}
	return ptr, nil
}

// FetchAll returns the pointers of every key class, in commit order. Missing
// pointers are returned empty.
func (s *Store) FetchAll(ctx context.Context, zone interfaces.ZoneID) ([]interfaces.CurrentKeyPointer, error) {
	res := make([]interfaces.CurrentKeyPointer, 0, len(interfaces.AllKeyClasses))
	for _, class := range interfaces.AllKeyClasses {
		ptr, err := s.Fetch(ctx, zone, class)
		if err != nil && !errors.Is(err, interfaces.ErrContentNotFound) {
			return nil, err
		}
		res = append(res, ptr)
	}
	return res, nil
}

// Commit writes ptr if the remote pointer is still at ptr.RemoteVersionTag.
// A pointer with NoVersion is created only if none exists. On success the
// returned pointer carries the new tag; on a lost race the error wraps
// ErrVersionConflict and the caller must refetch.
func (s *Store) Commit(ctx context.Context, ptr interfaces.CurrentKeyPointer) (interfaces.CurrentKeyPointer, error) {
	data, err := records.EncodePointer(ptr)
	if err != nil {
		return ptr, err
	}

	tag, err := s.records.Save(ctx, recordID(ptr.Zone, ptr.Class), data, ptr.RemoteVersionTag)
	switch {
	case errors.Is(err, interfaces.ErrVersionConflict):
		metrics.PointerCommits.WithLabelValues(ptr.Class.String(), "conflict").Inc()
		s.log.Info("Pointer commit lost race",
			slog.String("zone", string(ptr.Zone)),
			slog.String("class", ptr.Class.String()),
			slog.String("expected", string(ptr.RemoteVersionTag)))
		return ptr, err
	case err != nil:
		metrics.PointerCommits.WithLabelValues(ptr.Class.String(), "error").Inc()
		return ptr, fmt.Errorf("failed to commit %s pointer: %w", ptr.Class, err)
	}

	metrics.PointerCommits.WithLabelValues(ptr.Class.String(), "ok").Inc()
	s.log.Debug("Committed pointer",
		slog.String("zone", string(ptr.Zone)),
		slog.String("class", ptr.Class.String()),
		slog.String("key", ptr.CurrentKeyID.String()),
		slog.String("tag", string(tag)))

	ptr.RemoteVersionTag = tag
	return ptr, nil
}
