package storage

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/coldpoint/permafrost/pkg/types"
)

// Sentinel errors the API layer maps onto HTTP status codes.
var (
	// ErrNotFound means the document does not exist.
	ErrNotFound = errors.New("document not found")
	// ErrClaimConflict means a PATCH tried to write a claimed document
	// without presenting the matching claimant.
	ErrClaimConflict = errors.New("document claimed by another worker")
	// ErrChecksumImmutable means a PATCH tried to change a checksum
	// that was already recorded.
	ErrChecksumImmutable = errors.New("checksum is immutable once set")
	// ErrBadPatch means the patch body violates a document invariant.
	ErrBadPatch = errors.New("invalid patch")
)

// BundleFilter narrows ListBundles. Zero values match everything.
type BundleFilter struct {
	// Location prefix-matches the bundle's source or dest.
	Location string
	// Request matches the owning transfer request uuid.
	Request string
	// Status matches the bundle status.
	Status types.Status
	// Verified matches the verified flag when non-nil.
	Verified *bool
}

// Store is the coordinator's document store. All state transitions in
// the system happen through these methods; workers never see the store
// directly, only the REST surface in front of it.
//
// Pop and Patch are atomic: the conditional read and the mutation
// happen inside one storage transaction, which is what makes claims
// exclusive under concurrency.
type Store interface {
	// Transfer request operations
	CreateTransferRequest(tr *types.TransferRequest) error
	GetTransferRequest(uuid string) (*types.TransferRequest, error)
	ListTransferRequests() ([]*types.TransferRequest, error)
	PatchTransferRequest(uuid string, patch map[string]json.RawMessage, admin bool) (*types.TransferRequest, error)
	DeleteTransferRequest(uuid string) error
	PopTransferRequest(source, dest, claimant string) (*types.TransferRequest, error)
	CountTransferRequestsByStatus() (map[types.Status]int, error)

	// Bundle operations
	CreateBundles(bundles []*types.Bundle) error
	GetBundle(uuid string) (*types.Bundle, error)
	ListBundles(filter BundleFilter) ([]*types.Bundle, error)
	PatchBundle(uuid string, patch map[string]json.RawMessage, admin bool) (*types.Bundle, error)
	DeleteBundle(uuid string) error
	PopBundle(status types.Status, source, dest, claimant string) (*types.Bundle, error)
	CountBundlesByStatus() (map[types.Status]int, error)

	// Metadata side table operations
	CreateMetadata(records []*types.MetadataRecord) error
	GetMetadata(uuid string) (*types.MetadataRecord, error)
	ListMetadata(bundleUUID string, limit, skip int) ([]*types.MetadataRecord, error)
	DeleteMetadata(uuids []string) error
	DeleteMetadataByBundle(bundleUUID string) error

	// Component status (heartbeat) operations
	UpdateStatus(componentType, name string, payload map[string]any) error
	GetStatusComponent(componentType string) (map[string]map[string]any, error)
	AllStatus() (map[string]map[string]map[string]any, error)
	DeleteStatus(componentType, name string) error

	// ReapClaims releases claims older than maxAge and returns how many
	// transfer requests and bundles were released.
	ReapClaims(maxAge time.Duration) (requests int, bundles int, err error)

	Close() error
}
