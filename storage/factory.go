package storage

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/ruteri/tee-keysync/interfaces"
)

// StorageBackendFactory creates record stores from URI strings and manages
// multi-store configurations with one authoritative primary.
type StorageBackendFactory struct {
	log *slog.Logger

	mu     sync.Mutex
	memory map[string]*MemoryBackend
}

// NewStorageBackendFactory creates a new factory instance.
func NewStorageBackendFactory(logger *slog.Logger) *StorageBackendFactory {
	return &StorageBackendFactory{
		log:    logger,
		memory: make(map[string]*MemoryBackend),
	}
}

// RecordStoreFor creates a record store from a location URI.
// The URI format should be [scheme]://[auth@]host[:port][/path][?params]
//
// Supported schemes:
//   - memory://name - Process-local store, shared by every caller using the same name
//   - file:///path - Local filesystem store
//   - s3://[KEY:SECRET@]bucket/prefix?region=...&endpoint=...
//   - vault://host:port/mount/path?token=...&insecure=true
//   - redis://[:password@]host:port/db?prefix=...
//
// Returns an error if the URI is invalid or the scheme is unsupported.
func (sf *StorageBackendFactory) RecordStoreFor(location interfaces.StorageBackendLocation) (interfaces.RecordStore, error) {
	u, err := url.Parse(location.Raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrInvalidLocationURI, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "memory":
		return sf.createMemoryBackend(u)
	case "file":
		return sf.createFileBackend(u)
	case "s3":
		return sf.createS3Backend(u)
	case "vault":
		return sf.createVaultBackend(u)
	case "redis":
		return sf.createRedisBackend(u)
	default:
		return nil, fmt.Errorf("%w: unsupported backend scheme: %s", interfaces.ErrInvalidLocationURI, u.Scheme)
	}
}

// CreateMultiStore creates a multi-store from a list of location URIs.
// The first location is the primary and must be valid; mirrors that cannot be
// created are skipped with a warning.
func (sf *StorageBackendFactory) CreateMultiStore(locations []interfaces.StorageBackendLocation) (interfaces.RecordStore, error) {
	if len(locations) == 0 {
		return nil, fmt.Errorf("no storage locations configured")
	}

	primary, err := sf.RecordStoreFor(locations[0])
	if err != nil {
		return nil, fmt.Errorf("failed to create primary store: %w", err)
	}
	if len(locations) == 1 {
		return primary, nil
	}

	backends := []interfaces.RecordStore{primary}
	for _, loc := range locations[1:] {
		backend, err := sf.RecordStoreFor(loc)
		if err != nil {
			sf.log.Warn("Failed to create mirror store",
				"err", err,
				slog.String("locationURI", loc.String()))
			continue
		}
		backends = append(backends, backend)
	}

	return NewMultiStorageBackend(backends, sf.log)
}

// createMemoryBackend returns the named process-local store.
// URI format: memory://name
func (sf *StorageBackendFactory) createMemoryBackend(u *url.URL) (interfaces.RecordStore, error) {
	name := u.Host
	if name == "" {
		name = "default"
	}

	sf.mu.Lock()
	defer sf.mu.Unlock()
	if backend, ok := sf.memory[name]; ok {
		return backend, nil
	}

	backend := NewMemoryBackend(name, sf.log)
	sf.memory[name] = backend
	return backend, nil
}

// createFileBackend creates a file system record store.
// URI format: file:///absolute/path/ or file://./relative/path/
func (sf *StorageBackendFactory) createFileBackend(u *url.URL) (interfaces.RecordStore, error) {
	sf.log.Debug("Creating file backend", slog.String("uri", u.String()))

	path := u.Path
	if u.Host != "" {
		path = u.Host + "/" + strings.TrimPrefix(path, "/")
	}

	if path == "" {
		return nil, fmt.Errorf("%w: empty path in file URI: %s", interfaces.ErrInvalidLocationURI, u.String())
	}

	return NewFileBackend(path, sf.log)
}

// createS3Backend creates an S3 or S3-compatible record store.
// URI format: s3://[ACCESS_KEY:SECRET_KEY@]bucket-name/path/?region=us-west-2&endpoint=custom.s3.com
func (sf *StorageBackendFactory) createS3Backend(u *url.URL) (interfaces.RecordStore, error) {
	sf.log.Debug("Creating S3 backend", slog.String("bucket", u.Host))

	bucketName := u.Host
	if bucketName == "" {
		return nil, fmt.Errorf("%w: missing bucket in S3 URI", interfaces.ErrInvalidLocationURI)
	}
	path := strings.TrimPrefix(u.Path, "/")

	query := u.Query()
	region := query.Get("region")
	if region == "" {
		region = "us-east-1"
	}

	var accessKey, secretKey string
	if u.User != nil {
		accessKey = u.User.Username()
		secretKey, _ = u.User.Password()
	}

	return NewS3Backend(bucketName, path, region, query.Get("endpoint"), accessKey, secretKey, sf.log)
}

// createVaultBackend creates a Vault KV v2 record store.
// URI format: vault://host:port/mount/path?token=...&insecure=true
// The token defaults to the VAULT_TOKEN environment variable.
func (sf *StorageBackendFactory) createVaultBackend(u *url.URL) (interfaces.RecordStore, error) {
	sf.log.Debug("Creating Vault backend", slog.String("host", u.Host))

	parts := strings.SplitN(strings.Trim(u.Path, "/"), "/", 2)
	if u.Host == "" || parts[0] == "" {
		return nil, fmt.Errorf("%w: expected vault://host:port/mount/path", interfaces.ErrInvalidLocationURI)
	}

	dataPath := "keysync"
	if len(parts) == 2 && parts[1] != "" {
		dataPath = parts[1]
	}

	query := u.Query()
	scheme := "https"
	if query.Get("insecure") == "true" {
		scheme = "http"
	}

	token := query.Get("token")
	if token == "" {
		token = os.Getenv("VAULT_TOKEN")
	}

	return NewVaultBackend(fmt.Sprintf("%s://%s", scheme, u.Host), parts[0], dataPath, VaultAuth{Token: token}, sf.log)
}

// createRedisBackend creates a Redis record store.
// URI format: redis://[:password@]host:port/db?prefix=keysync
func (sf *StorageBackendFactory) createRedisBackend(u *url.URL) (interfaces.RecordStore, error) {
	sf.log.Debug("Creating Redis backend", slog.String("host", u.Host))

	prefix := u.Query().Get("prefix")
	stripped := *u
	stripped.RawQuery = ""

	opts, err := redis.ParseURL(stripped.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrInvalidLocationURI, err)
	}

	display := stripped
	display.User = nil
	return newRedisBackend(redis.NewClient(opts), prefix, display.String(), sf.log), nil
}
