package types

import (
	"time"
)

// Document type discriminators, stored in the "type" field of every
// coordinator document.
const (
	TypeTransferRequest = "TransferRequest"
	TypeBundle          = "Bundle"
)

// TimestampFormat is the wire format for timestamps: UTC ISO-8601
// truncated to whole seconds, no zone suffix.
const TimestampFormat = "2006-01-02T15:04:05"

// Now returns the current UTC time in wire format.
func Now() string {
	return time.Now().UTC().Format(TimestampFormat)
}

// ParseTimestamp parses a wire timestamp. Older components emitted
// fractional seconds or a zone suffix, so those variants are accepted.
func ParseTimestamp(s string) (time.Time, error) {
	var err error
	for _, layout := range []string{
		TimestampFormat,
		"2006-01-02T15:04:05.999999999",
		time.RFC3339,
		time.RFC3339Nano,
	} {
		var t time.Time
		if t, err = time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, err
}

// Status is the lifecycle state of a transfer request or a bundle.
type Status string

// Transfer request statuses.
const (
	StatusUnclaimed  Status = "unclaimed"
	StatusProcessing Status = "processing"
	StatusFinished   Status = "finished"
)

// Bundle statuses, in archival pipeline order. Located is the entry
// status for retrieval bundles.
const (
	StatusSpecified     Status = "specified"
	StatusLocated       Status = "located"
	StatusCreated       Status = "created"
	StatusStaged        Status = "staged"
	StatusTransferring  Status = "transferring"
	StatusTaping        Status = "taping"
	StatusVerifying     Status = "verifying"
	StatusCompleted     Status = "completed"
	StatusSourceDeleted Status = "source-deleted"
	StatusDeleted       Status = "deleted"
	StatusUnpacking     Status = "unpacking"
)

// StatusQuarantined parks a document of either type outside the pipeline
// until an operator intervenes.
const StatusQuarantined Status = "quarantined"

// TransferRequest asks the system to archive (or retrieve) everything
// under a warehouse path from a source site to a destination site.
type TransferRequest struct {
	Type                  string `json:"type"`
	UUID                  string `json:"uuid"`
	Status                Status `json:"status"`
	Source                string `json:"source"`
	Dest                  string `json:"dest"`
	Path                  string `json:"path"`
	CreateTimestamp       string `json:"create_timestamp"`
	UpdateTimestamp       string `json:"update_timestamp"`
	WorkPriorityTimestamp string `json:"work_priority_timestamp"`
	Claimed               bool   `json:"claimed"`
	Claimant              string `json:"claimant,omitempty"`
	ClaimTimestamp        string `json:"claim_timestamp,omitempty"`
	OriginalStatus        Status `json:"original_status,omitempty"`
	Reason                string `json:"reason,omitempty"`
}

// Bundle is the unit of work the pipeline moves to (or from) tape: an
// archive artifact aggregating many warehouse files. File membership
// lives in the metadata side table, never on the bundle document.
type Bundle struct {
	Type                  string    `json:"type"`
	UUID                  string    `json:"uuid"`
	Request               string    `json:"request"`
	Status                Status    `json:"status"`
	Source                string    `json:"source"`
	Dest                  string    `json:"dest"`
	Path                  string    `json:"path"`
	BundlePath            string    `json:"bundle_path,omitempty"`
	Size                  int64     `json:"size,omitempty"`
	Checksum              *Checksum `json:"checksum,omitempty"`
	Verified              bool      `json:"verified"`
	FileCount             int       `json:"file_count,omitempty"`
	TransferReference     string    `json:"transfer_reference,omitempty"`
	CreateTimestamp       string    `json:"create_timestamp"`
	UpdateTimestamp       string    `json:"update_timestamp"`
	WorkPriorityTimestamp string    `json:"work_priority_timestamp"`
	Claimed               bool      `json:"claimed"`
	Claimant              string    `json:"claimant,omitempty"`
	ClaimTimestamp        string    `json:"claim_timestamp,omitempty"`
	OriginalStatus        Status    `json:"original_status,omitempty"`
	Reason                string    `json:"reason,omitempty"`
}

// Checksum carries the digests computed over a bundle artifact.
type Checksum struct {
	Adler32 string `json:"adler32,omitempty"`
	SHA512  string `json:"sha512,omitempty"`
}

// Equal reports whether two checksums carry identical digests.
func (c *Checksum) Equal(other *Checksum) bool {
	if c == nil || other == nil {
		return c == other
	}
	return c.Adler32 == other.Adler32 && c.SHA512 == other.SHA512
}

// MetadataRecord maps one file catalog entry into the bundle that
// archives it.
type MetadataRecord struct {
	UUID            string `json:"uuid"`
	BundleUUID      string `json:"bundle_uuid"`
	FileCatalogUUID string `json:"file_catalog_uuid"`
}

// Claim marks the request claimed and moves it to processing.
func (tr *TransferRequest) Claim(claimant string) {
	now := Now()
	tr.Status = StatusProcessing
	tr.Claimed = true
	tr.Claimant = claimant
	tr.ClaimTimestamp = now
	tr.UpdateTimestamp = now
}

// ReleaseClaim clears the claim fields. Status is left alone.
func (tr *TransferRequest) ReleaseClaim() {
	tr.Claimed = false
	tr.Claimant = ""
	tr.ClaimTimestamp = ""
}

// Claim marks the bundle claimed. Bundle status is owned by the stage
// action, not by the claim.
func (b *Bundle) Claim(claimant string) {
	now := Now()
	b.Claimed = true
	b.Claimant = claimant
	b.ClaimTimestamp = now
	b.UpdateTimestamp = now
}

// ReleaseClaim clears the claim fields. Status is left alone.
func (b *Bundle) ReleaseClaim() {
	b.Claimed = false
	b.Claimant = ""
	b.ClaimTimestamp = ""
}

// Component types reported in heartbeats and used as /status keys.
const (
	ComponentPicker                  = "picker"
	ComponentLocator                 = "locator"
	ComponentBundler                 = "bundler"
	ComponentRateLimiter             = "rate_limiter"
	ComponentReplicator              = "replicator"
	ComponentSiteMoveVerifier        = "site_move_verifier"
	ComponentNerscMover              = "nersc_mover"
	ComponentNerscRetriever          = "nersc_retriever"
	ComponentNerscVerifier           = "nersc_verifier"
	ComponentDesyVerifier            = "desy_verifier"
	ComponentDeleter                 = "deleter"
	ComponentUnpacker                = "unpacker"
	ComponentTransferRequestFinisher = "transfer_request_finisher"
)

// NerscComponents are the component types aggregated by the tape
// dashboard route GET /status/nersc.
var NerscComponents = []string{
	ComponentNerscMover,
	ComponentNerscRetriever,
	ComponentNerscVerifier,
}

// bundleTransitions is the pipeline graph a conforming stage follows.
// The coordinator deliberately does not enforce it on writes (operators
// repair documents by setting arbitrary statuses); stages and tests
// consult it.
var bundleTransitions = map[Status][]Status{
	StatusSpecified:     {StatusCreated},
	StatusLocated:       {StatusStaged},
	StatusCreated:       {StatusStaged},
	StatusStaged:        {StatusTransferring},
	StatusTransferring:  {StatusTaping, StatusUnpacking},
	StatusTaping:        {StatusVerifying},
	StatusVerifying:     {StatusCompleted},
	StatusCompleted:     {StatusSourceDeleted},
	StatusSourceDeleted: {StatusDeleted},
	StatusDeleted:       {StatusFinished},
	StatusUnpacking:     {StatusCompleted},
}

// ValidTransition reports whether a bundle may move from one status to
// another under normal pipeline flow. Quarantine is reachable from any
// status, and leaving quarantine restores whatever the operator set.
func ValidTransition(from, to Status) bool {
	if to == StatusQuarantined || from == StatusQuarantined {
		return true
	}
	for _, next := range bundleTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
