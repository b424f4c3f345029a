package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ruteri/tee-keysync/interfaces"
)

// MultiStorageBackend implements interfaces.RecordStore over one authoritative
// primary and any number of mirrors. Conditional writes are decided by the
// primary alone and then copied to the mirrors unconditionally. Reads fall
// back to mirrors only when the primary is unreachable; a tag read from a
// mirror never matches the primary, so writes based on it conflict and force
// a refetch.
type MultiStorageBackend struct {
	primary interfaces.RecordStore
	mirrors []interfaces.RecordStore
	log     *slog.Logger
}

// NewMultiStorageBackend creates a new multi-store. backends[0] is the primary.
func NewMultiStorageBackend(backends []interfaces.RecordStore, logger *slog.Logger) (*MultiStorageBackend, error) {
	if len(backends) == 0 {
		return nil, errors.New("multi-store requires at least one backend")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &MultiStorageBackend{
		primary: backends[0],
		mirrors: backends[1:],
		log:     logger,
	}, nil
}

func (m *MultiStorageBackend) Fetch(ctx context.Context, id interfaces.RecordID) ([]byte, interfaces.VersionTag, error) {
	start := time.Now()

	data, tag, err := m.primary.Fetch(ctx, id)
	if err == nil || !errors.Is(err, interfaces.ErrBackendUnavailable) {
		return data, tag, err
	}

	errs := []error{fmt.Errorf("%s: %w", m.primary.Name(), err)}
	for _, backend := range m.mirrors {
		data, tag, err := backend.Fetch(ctx, id)
		if err == nil {
			m.log.Warn("Served record from mirror, primary unavailable",
				slog.String("backend_name", backend.Name()),
				slog.String("record", id.Path()),
				slog.Duration("duration", time.Since(start)))
			return data, tag, nil
		}

		errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
		m.log.Debug("Failed to fetch from mirror",
			slog.String("backend_name", backend.Name()),
			slog.String("record", id.Path()),
			"err", err)
	}

	m.log.Error("All backends failed to fetch record",
		slog.String("record", id.Path()),
		slog.Int("failed_backends", len(errs)),
		slog.Duration("duration", time.Since(start)))

	return nil, interfaces.NoVersion, fmt.Errorf("%w: all backends failed to fetch %s: %v", interfaces.ErrBackendUnavailable, id, errors.Join(errs...))
}

// Save commits to the primary and mirrors the result.
func (m *MultiStorageBackend) Save(ctx context.Context, id interfaces.RecordID, data []byte, expected interfaces.VersionTag) (interfaces.VersionTag, error) {
	tag, err := m.primary.Save(ctx, id, data, expected)
	if err != nil {
		return interfaces.NoVersion, err
	}

	for _, backend := range m.mirrors {
		if _, err := backend.Save(ctx, id, data, interfaces.AnyVersion); err != nil {
			m.log.Warn("Failed to mirror record",
				slog.String("backend_name", backend.Name()),
				slog.String("record", id.Path()),
				"err", err)
		}
	}

	return tag, nil
}

func (m *MultiStorageBackend) Delete(ctx context.Context, id interfaces.RecordID, expected interfaces.VersionTag) error {
	if err := m.primary.Delete(ctx, id, expected); err != nil {
		return err
	}

	for _, backend := range m.mirrors {
		if err := backend.Delete(ctx, id, interfaces.AnyVersion); err != nil && !errors.Is(err, interfaces.ErrContentNotFound) {
			m.log.Warn("Failed to delete mirrored record",
				slog.String("backend_name", backend.Name()),
				slog.String("record", id.Path()),
				"err", err)
		}
	}
	return nil
}

func (m *MultiStorageBackend) List(ctx context.Context, zone interfaces.ZoneID, recordType interfaces.RecordType) ([]string, error) {
	names, err := m.primary.List(ctx, zone, recordType)
	if err == nil || !errors.Is(err, interfaces.ErrBackendUnavailable) {
		return names, err
	}

	for _, backend := range m.mirrors {
		if names, mirrorErr := backend.List(ctx, zone, recordType); mirrorErr == nil {
			return names, nil
		}
	}
	return nil, err
}

// Available reports whether the primary is reachable; mirrors cannot accept
// conditional writes on their own.
func (m *MultiStorageBackend) Available(ctx context.Context) bool {
	return m.primary.Available(ctx)
}

// Name returns the name of this backend
func (m *MultiStorageBackend) Name() string {
	return "multi-storage"
}

// LocationURI returns a combined location URI of all backends.
func (m *MultiStorageBackend) LocationURI() string {
	locations := []string{m.primary.LocationURI()}
	for _, backend := range m.mirrors {
		locations = append(locations, backend.LocationURI())
	}

	return "multi:[" + strings.Join(locations, ",") + "]"
}
