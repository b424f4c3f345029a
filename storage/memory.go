package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/ruteri/tee-keysync/interfaces"
)

type memoryEntry struct {
	data    []byte
	version uint64
}

// MemoryBackend is an in-process record store. Version tags are monotonically
// increasing per-record counters, so it behaves like the shared remote stores
// for tests and single-node deployments.
type MemoryBackend struct {
	mu      sync.RWMutex
	records map[string]memoryEntry
	// deleted remembers the last version of removed records so a recreated
	// record never reuses a tag a stale writer may still hold.
	deleted map[string]uint64
	name    string
	log     *slog.Logger
}

// NewMemoryBackend creates an empty in-memory store.
func NewMemoryBackend(name string, log *slog.Logger) *MemoryBackend {
	if log == nil {
		log = slog.Default()
	}
	return &MemoryBackend{
		records: make(map[string]memoryEntry),
		deleted: make(map[string]uint64),
		name:    name,
		log:     log,
	}
}

func (b *MemoryBackend) Fetch(ctx context.Context, id interfaces.RecordID) ([]byte, interfaces.VersionTag, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	entry, ok := b.records[id.Path()]
	if !ok {
		return nil, interfaces.NoVersion, interfaces.ErrContentNotFound
	}

	data := make([]byte, len(entry.data))
	copy(data, entry.data)
	return data, versionTag(entry.version), nil
}

func (b *MemoryBackend) Save(ctx context.Context, id interfaces.RecordID, data []byte, expected interfaces.VersionTag) (interfaces.VersionTag, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, exists := b.records[id.Path()]
	if err := checkExpected(id, exists, versionTag(entry.version), expected); err != nil {
		return interfaces.NoVersion, err
	}

	stored := make([]byte, len(data))
	copy(stored, data)
	next := entry.version + 1
	if !exists {
		next = b.deleted[id.Path()] + 1
	}
	b.records[id.Path()] = memoryEntry{data: stored, version: next}

	b.log.Debug("Stored record in memory",
		slog.String("record", id.Path()),
		slog.Uint64("version", next))

	return versionTag(next), nil
}

func (b *MemoryBackend) Delete(ctx context.Context, id interfaces.RecordID, expected interfaces.VersionTag) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, exists := b.records[id.Path()]
	if !exists {
		return interfaces.ErrContentNotFound
	}
	if err := checkExpected(id, exists, versionTag(entry.version), expected); err != nil {
		return err
	}

	delete(b.records, id.Path())
	b.deleted[id.Path()] = entry.version
	return nil
}

func (b *MemoryBackend) List(ctx context.Context, zone interfaces.ZoneID, recordType interfaces.RecordType) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	prefix := interfaces.RecordID{Zone: zone, Type: recordType}.Path() + "/"
	var names []string
	for p := range b.records {
		if strings.HasPrefix(p, prefix) {
			names = append(names, strings.TrimPrefix(p, prefix))
		}
	}
	sort.Strings(names)
	return names, nil
}

func (b *MemoryBackend) Available(ctx context.Context) bool {
	return true
}

func (b *MemoryBackend) Name() string {
	return fmt.Sprintf("memory-%s", b.name)
}

func (b *MemoryBackend) LocationURI() string {
	return fmt.Sprintf("memory://%s", b.name)
}

func versionTag(v uint64) interfaces.VersionTag {
	if v == 0 {
		return interfaces.NoVersion
	}
	return interfaces.VersionTag(strconv.FormatUint(v, 10))
}

// checkExpected implements the conditional write rules shared by all backends.
func checkExpected(id interfaces.RecordID, exists bool, current, expected interfaces.VersionTag) error {
	switch {
	case expected == interfaces.AnyVersion:
		return nil
	case expected == interfaces.NoVersion && exists:
		return fmt.Errorf("%w: %s already exists at version %s", interfaces.ErrVersionConflict, id, current)
	case expected == interfaces.NoVersion:
		return nil
	case !exists:
		return fmt.Errorf("%w: %s does not exist, expected version %s", interfaces.ErrVersionConflict, id, expected)
	case current != expected:
		return fmt.Errorf("%w: %s is at version %s, expected %s", interfaces.ErrVersionConflict, id, current, expected)
	}
	return nil
}
