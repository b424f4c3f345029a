package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/ruteri/tee-keysync/interfaces"
)

// fileEnvelope is the on-disk form of a record. Deleted records are kept as
// tombstones so their version counter keeps increasing.
type fileEnvelope struct {
	Version uint64 `json:"version"`
	Deleted bool   `json:"deleted,omitempty"`
	Data    []byte `json:"data,omitempty"`
}

// FileBackend implements a record store using the local file system.
// Records are stored in a directory structure organized by zone and record type.
// Conditional writes are serialized across processes with an advisory lock on
// the base directory, so several daemons may share one directory.
type FileBackend struct {
	mu          sync.Mutex
	baseDir     string
	lock        *flock.Flock
	log         *slog.Logger
	locationURI string
}

// NewFileBackend creates a new file record store using the specified base directory.
func NewFileBackend(baseDir string, log *slog.Logger) (*FileBackend, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	return &FileBackend{
		baseDir:     baseDir,
		lock:        flock.New(filepath.Join(baseDir, ".lock")),
		log:         log,
		locationURI: fmt.Sprintf("file://%s", baseDir),
	}, nil
}

// Fetch retrieves a record from the file system.
// Returns ErrContentNotFound if the file doesn't exist.
func (b *FileBackend) Fetch(ctx context.Context, id interfaces.RecordID) ([]byte, interfaces.VersionTag, error) {
	filePath, err := b.getFilePath(id)
	if err != nil {
		return nil, interfaces.NoVersion, err
	}

	env, err := readEnvelope(filePath)
	if err != nil {
		return nil, interfaces.NoVersion, err
	}
	if env == nil || env.Deleted {
		return nil, interfaces.NoVersion, interfaces.ErrContentNotFound
	}

	b.log.Debug("Fetched record from file",
		slog.String("path", filePath),
		slog.Int("size", len(env.Data)))

	return env.Data, versionTag(env.Version), nil
}

// Save writes the record if its on-disk version matches expected.
func (b *FileBackend) Save(ctx context.Context, id interfaces.RecordID, data []byte, expected interfaces.VersionTag) (interfaces.VersionTag, error) {
	filePath, err := b.getFilePath(id)
	if err != nil {
		return interfaces.NoVersion, err
	}

	unlock, err := b.acquire(ctx)
	if err != nil {
		return interfaces.NoVersion, err
	}
	defer unlock()

	env, err := readEnvelope(filePath)
	if err != nil {
		return interfaces.NoVersion, err
	}

	var current uint64
	exists := env != nil && !env.Deleted
	if env != nil {
		current = env.Version
	}
	currentTag := interfaces.NoVersion
	if exists {
		currentTag = versionTag(current)
	}
	if err := checkExpected(id, exists, currentTag, expected); err != nil {
		return interfaces.NoVersion, err
	}

	next := &fileEnvelope{Version: current + 1, Data: data}
	if err := writeEnvelope(filePath, next); err != nil {
		return interfaces.NoVersion, err
	}

	b.log.Debug("Stored record in file",
		slog.String("path", filePath),
		slog.Uint64("version", next.Version))

	return versionTag(next.Version), nil
}

// Delete replaces the record with a tombstone.
func (b *FileBackend) Delete(ctx context.Context, id interfaces.RecordID, expected interfaces.VersionTag) error {
	filePath, err := b.getFilePath(id)
	if err != nil {
		return err
	}

	unlock, err := b.acquire(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	env, err := readEnvelope(filePath)
	if err != nil {
		return err
	}
	if env == nil || env.Deleted {
		return interfaces.ErrContentNotFound
	}
	if err := checkExpected(id, true, versionTag(env.Version), expected); err != nil {
		return err
	}

	return writeEnvelope(filePath, &fileEnvelope{Version: env.Version, Deleted: true})
}

// List returns the names of live records of a type within a zone.
func (b *FileBackend) List(ctx context.Context, zone interfaces.ZoneID, recordType interfaces.RecordType) ([]string, error) {
	dir := filepath.Join(b.baseDir, string(zone), string(recordType))
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list directory: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") || strings.HasSuffix(entry.Name(), ".tmp") {
			continue
		}
		env, err := readEnvelope(filepath.Join(dir, entry.Name()))
		if err != nil || env == nil || env.Deleted {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Available checks if the file backend is accessible by verifying the base directory exists.
func (b *FileBackend) Available(ctx context.Context) bool {
	_, err := os.Stat(b.baseDir)
	if err != nil {
		b.log.Debug("File backend unavailable", "err", err)
		return false
	}
	return true
}

// Name returns a unique identifier for this storage backend.
func (b *FileBackend) Name() string {
	return fmt.Sprintf("file-%s", filepath.Base(b.baseDir))
}

// LocationURI returns the URI that identifies this storage backend.
func (b *FileBackend) LocationURI() string {
	return b.locationURI
}

func (b *FileBackend) acquire(ctx context.Context) (func(), error) {
	b.mu.Lock()
	locked, err := b.lock.TryLockContext(ctx, 10*time.Millisecond)
	if err != nil || !locked {
		b.mu.Unlock()
		if err == nil {
			err = errors.New("lock not acquired")
		}
		return nil, fmt.Errorf("%w: failed to lock %s: %v", interfaces.ErrBackendUnavailable, b.baseDir, err)
	}
	return func() {
		if err := b.lock.Unlock(); err != nil {
			b.log.Warn("Failed to release file lock", "err", err)
		}
		b.mu.Unlock()
	}, nil
}

// getFilePath generates a file path for a record id.
func (b *FileBackend) getFilePath(id interfaces.RecordID) (string, error) {
	if err := id.Zone.Validate(); err != nil {
		return "", err
	}
	if id.Name == "" || strings.ContainsAny(id.Name, "/\\") || strings.HasPrefix(id.Name, ".") {
		return "", fmt.Errorf("invalid record name %q", id.Name)
	}
	return filepath.Join(b.baseDir, string(id.Zone), string(id.Type), id.Name), nil
}

func readEnvelope(filePath string) (*fileEnvelope, error) {
	raw, err := os.ReadFile(filePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var env fileEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("corrupt record %s: %w", filePath, err)
	}
	return &env, nil
}

func writeEnvelope(filePath string, env *fileEnvelope) error {
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}

	tmp := filePath + ".tmp"
	if err := os.WriteFile(tmp, raw, 0600); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := os.Rename(tmp, filePath); err != nil {
		return fmt.Errorf("failed to rename file: %w", err)
	}
	return nil
}
