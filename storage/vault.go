package storage

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"
	"github.com/ruteri/tee-keysync/interfaces"
)

// VaultAuth selects how the backend authenticates to Vault. With a client
// certificate the token is expected to come from a cert auth login performed
// out of band.
type VaultAuth struct {
	Token      string
	ClientCert *tls.Certificate
}

// VaultBackend implements a record store on top of a HashiCorp Vault KV v2 mount.
// KV v2 metadata versions are used as version tags and writes use the engine's
// check-and-set option, so conditional saves are atomic on the server.
//
// Deletes are soft deletes of the latest version. A stale writer holding the
// deleted version's tag can still write on top of it; callers that need
// stronger guarantees must not delete records other devices may update.
type VaultBackend struct {
	client      *api.Client
	mountPath   string
	dataPath    string
	log         *slog.Logger
	locationURI string
}

// NewVaultBackend creates a new Vault record store.
//
// Parameters:
//   - address: Vault server address (e.g. https://vault.example.com:8200)
//   - mountPath: KV v2 mount path (e.g. "secret")
//   - dataPath: Path within the mount (e.g. "keysync")
//   - auth: Token and/or TLS client certificate
//   - log: Structured logger for operational insights
func NewVaultBackend(address, mountPath, dataPath string, auth VaultAuth, log *slog.Logger) (*VaultBackend, error) {
	config := api.DefaultConfig()
	config.Address = address

	if auth.ClientCert != nil {
		config.HttpClient = &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{Certificates: []tls.Certificate{*auth.ClientCert}},
			},
			Timeout: 30 * time.Second,
		}
	}

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	if auth.Token != "" {
		client.SetToken(auth.Token)
	}

	mountPath = strings.Trim(mountPath, "/")
	dataPath = strings.Trim(dataPath, "/")

	return &VaultBackend{
		client:      client,
		mountPath:   mountPath,
		dataPath:    dataPath,
		log:         log,
		locationURI: fmt.Sprintf("vault://%s/%s/%s", strings.TrimPrefix(strings.TrimPrefix(address, "https://"), "http://"), mountPath, dataPath),
	}, nil
}

func (b *VaultBackend) recordPath(kind string, id interfaces.RecordID) string {
	return fmt.Sprintf("%s/%s/%s/%s", b.mountPath, kind, b.dataPath, id.Path())
}

// Fetch retrieves the latest version of a record.
func (b *VaultBackend) Fetch(ctx context.Context, id interfaces.RecordID) ([]byte, interfaces.VersionTag, error) {
	start := time.Now()
	path := b.recordPath("data", id)

	secret, err := b.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		b.log.Error("Failed to read from Vault",
			slog.String("path", path),
			"err", err)
		return nil, interfaces.NoVersion, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}

	if secret == nil || secret.Data == nil {
		return nil, interfaces.NoVersion, interfaces.ErrContentNotFound
	}

	// Soft-deleted versions come back with null data.
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok || data == nil {
		return nil, interfaces.NoVersion, interfaces.ErrContentNotFound
	}

	content, ok := data["content"].(string)
	if !ok {
		b.log.Error("Content key not found in Vault data", slog.String("path", path))
		return nil, interfaces.NoVersion, fmt.Errorf("content key not found in Vault data")
	}

	decoded, err := base64.StdEncoding.DecodeString(content)
	if err != nil {
		return nil, interfaces.NoVersion, fmt.Errorf("invalid content encoding in Vault data: %w", err)
	}

	version, err := metadataVersion(secret.Data["metadata"])
	if err != nil {
		return nil, interfaces.NoVersion, err
	}

	b.log.Debug("Fetched record from Vault",
		slog.String("record", id.Path()),
		slog.Uint64("version", version),
		slog.Duration("duration", time.Since(start)))

	return decoded, versionTag(version), nil
}

// Save writes a new version of the record using KV v2 check-and-set.
func (b *VaultBackend) Save(ctx context.Context, id interfaces.RecordID, data []byte, expected interfaces.VersionTag) (interfaces.VersionTag, error) {
	start := time.Now()
	path := b.recordPath("data", id)

	body := map[string]interface{}{
		"data": map[string]interface{}{
			"content": base64.StdEncoding.EncodeToString(data),
		},
	}

	switch expected {
	case interfaces.AnyVersion:
	case interfaces.NoVersion:
		cas, err := b.createVersion(ctx, id)
		if err != nil {
			return interfaces.NoVersion, err
		}
		body["options"] = map[string]interface{}{"cas": cas}
	default:
		cas, err := strconv.ParseUint(string(expected), 10, 64)
		if err != nil {
			return interfaces.NoVersion, fmt.Errorf("%w: malformed version tag %q", interfaces.ErrVersionConflict, expected)
		}
		body["options"] = map[string]interface{}{"cas": cas}
	}

	secret, err := b.client.Logical().WriteWithContext(ctx, path, body)
	if err != nil {
		if isCASMismatch(err) {
			return interfaces.NoVersion, fmt.Errorf("%w: %s check-and-set failed", interfaces.ErrVersionConflict, id)
		}
		b.log.Error("Failed to write to Vault",
			slog.String("path", path),
			"err", err)
		return interfaces.NoVersion, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}

	if secret == nil {
		return interfaces.NoVersion, errors.New("empty Vault write response")
	}
	version, err := metadataVersion(secret.Data)
	if err != nil {
		return interfaces.NoVersion, err
	}

	b.log.Info("Stored record in Vault",
		slog.String("record", id.Path()),
		slog.Uint64("version", version),
		slog.Duration("duration", time.Since(start)))

	return versionTag(version), nil
}

// createVersion returns the cas value that only succeeds if the record is
// absent: 0 for a path never written, the current version if it is soft deleted.
func (b *VaultBackend) createVersion(ctx context.Context, id interfaces.RecordID) (uint64, error) {
	meta, err := b.client.Logical().ReadWithContext(ctx, b.recordPath("metadata", id))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	if meta == nil || meta.Data == nil {
		return 0, nil
	}

	current, err := parseVersion(meta.Data["current_version"])
	if err != nil {
		return 0, err
	}

	versions, _ := meta.Data["versions"].(map[string]interface{})
	latest, _ := versions[strconv.FormatUint(current, 10)].(map[string]interface{})
	if deletion, _ := latest["deletion_time"].(string); deletion != "" {
		return current, nil
	}
	if destroyed, _ := latest["destroyed"].(bool); destroyed {
		return current, nil
	}
	return 0, fmt.Errorf("%w: %s already exists at version %d", interfaces.ErrVersionConflict, id, current)
}

// Delete soft-deletes the latest version. The version check is not atomic
// with the delete.
func (b *VaultBackend) Delete(ctx context.Context, id interfaces.RecordID, expected interfaces.VersionTag) error {
	_, current, err := b.Fetch(ctx, id)
	if err != nil {
		return err
	}
	if err := checkExpected(id, true, current, expected); err != nil {
		return err
	}

	if _, err := b.client.Logical().DeleteWithContext(ctx, b.recordPath("data", id)); err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	return nil
}

// List returns record names under a zone and type. Soft-deleted records are
// still listed; fetching them returns ErrContentNotFound.
func (b *VaultBackend) List(ctx context.Context, zone interfaces.ZoneID, recordType interfaces.RecordType) ([]string, error) {
	path := fmt.Sprintf("%s/metadata/%s/%s/%s", b.mountPath, b.dataPath, zone, recordType)
	secret, err := b.client.Logical().ListWithContext(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, nil
	}

	keys, _ := secret.Data["keys"].([]interface{})
	names := make([]string, 0, len(keys))
	for _, k := range keys {
		if name, ok := k.(string); ok && !strings.HasSuffix(name, "/") {
			names = append(names, name)
		}
	}
	return names, nil
}

// Available checks if the Vault backend is accessible.
// It uses the health endpoint to verify that Vault is initialized and unsealed.
func (b *VaultBackend) Available(ctx context.Context) bool {
	healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	health, err := b.client.Sys().HealthWithContext(healthCtx)
	if err != nil {
		b.log.Debug("Vault health check failed", "err", err)
		return false
	}

	if !health.Initialized || health.Sealed {
		b.log.Debug("Vault is not available",
			slog.Bool("initialized", health.Initialized),
			slog.Bool("sealed", health.Sealed))
		return false
	}

	return true
}

// Name returns a unique identifier for this storage backend.
func (b *VaultBackend) Name() string {
	return fmt.Sprintf("vault-%s-%s", b.mountPath, b.dataPath)
}

// LocationURI returns the URI that identifies this storage backend.
func (b *VaultBackend) LocationURI() string {
	return b.locationURI
}

func metadataVersion(raw interface{}) (uint64, error) {
	meta, ok := raw.(map[string]interface{})
	if !ok {
		return 0, errors.New("missing metadata in Vault response")
	}
	return parseVersion(meta["version"])
}

func parseVersion(raw interface{}) (uint64, error) {
	if raw == nil {
		return 0, errors.New("missing version in Vault response")
	}
	v, err := strconv.ParseUint(fmt.Sprint(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid version in Vault response: %w", err)
	}
	return v, nil
}

func isCASMismatch(err error) bool {
	var respErr *api.ResponseError
	if !errors.As(err, &respErr) || respErr.StatusCode != http.StatusBadRequest {
		return false
	}
	for _, e := range respErr.Errors {
		if strings.Contains(e, "check-and-set") {
			return true
		}
	}
	return false
}
