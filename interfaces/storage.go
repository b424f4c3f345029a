package interfaces

import (
	"context"
	"fmt"
	"net/url"
	"path"
)

// RecordType indicates storage namespace within a zone.
type RecordType string

const (
	// RecordTypeKey holds wrapped key records, named by key id.
	RecordTypeKey RecordType = "key"
	// RecordTypePointer holds current-key pointers, named by key class.
	RecordTypePointer RecordType = "pointer"
	// RecordTypeShare holds TLK shares.
	RecordTypeShare RecordType = "tlkshare"
	// RecordTypePeers holds directory-backed trusted peer lists.
	RecordTypePeers RecordType = "peers"
	// RecordTypeEscrow holds Shamir escrow shares of a TLK.
	RecordTypeEscrow RecordType = "escrow"
)

// RecordID addresses a single record in the remote store.
type RecordID struct {
	Zone ZoneID
	Type RecordType
	Name string
}

// Path returns the slash separated location used by path-oriented backends.
func (id RecordID) Path() string {
	return path.Join(string(id.Zone), string(id.Type), id.Name)
}

func (id RecordID) String() string {
	return id.Path()
}

// StorageBackendLocation represents URI for a record store.
type StorageBackendLocation struct {
	Raw    string     // Original URI
	Scheme string     // Protocol
	Host   string     // Hostname
	Path   string     // Resource path
	Query  url.Values // Query parameters
	Auth   string     // Authentication info
}

// NewStorageBackendLocation creates a new storage location from a URI string with validation.
func NewStorageBackendLocation(uri string) (StorageBackendLocation, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return StorageBackendLocation{}, fmt.Errorf("%w: %v", ErrInvalidLocationURI, err)
	}

	switch parsed.Scheme {
	case "memory", "file", "s3", "vault", "redis":
	default:
		return StorageBackendLocation{}, fmt.Errorf("%w: unsupported storage scheme %q", ErrInvalidLocationURI, parsed.Scheme)
	}

	var auth string
	if parsed.User != nil {
		auth = parsed.User.String()
	}

	return StorageBackendLocation{
		Raw:    uri,
		Scheme: parsed.Scheme,
		Host:   parsed.Host,
		Path:   parsed.Path,
		Query:  parsed.Query(),
		Auth:   auth,
	}, nil
}

// String returns the original URI string.
func (loc StorageBackendLocation) String() string {
	return loc.Raw
}

// GetParam returns a query parameter value.
func (loc StorageBackendLocation) GetParam(name string) string {
	return loc.Query.Get(name)
}

// GetParamBool returns a boolean query parameter value.
func (loc StorageBackendLocation) GetParamBool(name string) bool {
	value := loc.Query.Get(name)
	return value == "true" || value == "1" || value == "yes"
}

// RecordStore is the remote object store shared by all devices of a trust group.
// Every write is conditional on the caller's view of the record version.
type RecordStore interface {
	// Fetch returns the record and its current version tag.
	// Returns ErrContentNotFound if the record does not exist.
	Fetch(ctx context.Context, id RecordID) ([]byte, VersionTag, error)

	// Save writes the record if its current version matches expected.
	// NoVersion requires the record to be absent, AnyVersion skips the check.
	// Returns ErrVersionConflict on mismatch.
	Save(ctx context.Context, id RecordID, data []byte, expected VersionTag) (VersionTag, error)

	// Delete removes the record under the same version rules as Save.
	Delete(ctx context.Context, id RecordID, expected VersionTag) error

	// List returns the names of all records of a type within a zone.
	List(ctx context.Context, zone ZoneID, recordType RecordType) ([]string, error)

	// Available checks if backend is accessible.
	Available(ctx context.Context) bool

	// Name returns identifier for logging.
	Name() string

	// LocationURI returns URI identifying this backend.
	LocationURI() string
}

// RecordStoreFactory creates record stores.
type RecordStoreFactory interface {
	// RecordStoreFor creates a store from URI.
	// Supports memory://, file://, s3://, vault://, redis://
	RecordStoreFor(location StorageBackendLocation) (RecordStore, error)

	// CreateMultiStore creates a store whose first location is authoritative
	// and the rest are mirrors.
	CreateMultiStore(locations []StorageBackendLocation) (RecordStore, error)
}
