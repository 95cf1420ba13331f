package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/coldpoint/permafrost/pkg/types"
)

var (
	// Bucket names
	bucketTransferRequests = []byte("transfer_requests")
	bucketBundles          = []byte("bundles")
	bucketMetadata         = []byte("metadata")
	bucketStatus           = []byte("status")
)

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, "permafrost.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketTransferRequests,
			bucketBundles,
			bucketMetadata,
			bucketStatus,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// earlier reports whether document a should be claimed before document
// b. Wire timestamps are fixed-width ISO strings, so lexical order is
// chronological order; uuid breaks the final tie deterministically.
func earlier(aPriority, aCreate, aUUID, bPriority, bCreate, bUUID string) bool {
	if aPriority != bPriority {
		return aPriority < bPriority
	}
	if aCreate != bCreate {
		return aCreate < bCreate
	}
	return aUUID < bUUID
}

// patchClaimant extracts the claimant a PATCH body presents for fencing.
func patchClaimant(patch map[string]json.RawMessage) string {
	raw, ok := patch["claimant"]
	if !ok {
		return ""
	}
	var claimant string
	if err := json.Unmarshal(raw, &claimant); err != nil {
		return ""
	}
	return claimant
}

// Transfer request operations

func (s *BoltStore) CreateTransferRequest(tr *types.TransferRequest) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTransferRequests)
		data, err := json.Marshal(tr)
		if err != nil {
			return err
		}
		return b.Put([]byte(tr.UUID), data)
	})
}

func (s *BoltStore) GetTransferRequest(uuid string) (*types.TransferRequest, error) {
	var tr types.TransferRequest
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTransferRequests)
		data := b.Get([]byte(uuid))
		if data == nil {
			return fmt.Errorf("transfer request %s: %w", uuid, ErrNotFound)
		}
		return json.Unmarshal(data, &tr)
	})
	if err != nil {
		return nil, err
	}
	return &tr, nil
}

func (s *BoltStore) ListTransferRequests() ([]*types.TransferRequest, error) {
	var requests []*types.TransferRequest
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTransferRequests)
		return b.ForEach(func(k, v []byte) error {
			var tr types.TransferRequest
			if err := json.Unmarshal(v, &tr); err != nil {
				return err
			}
			requests = append(requests, &tr)
			return nil
		})
	})
	return requests, err
}

func (s *BoltStore) PatchTransferRequest(uuid string, patch map[string]json.RawMessage, admin bool) (*types.TransferRequest, error) {
	var updated *types.TransferRequest
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTransferRequests)
		data := b.Get([]byte(uuid))
		if data == nil {
			return fmt.Errorf("transfer request %s: %w", uuid, ErrNotFound)
		}
		var current types.TransferRequest
		if err := json.Unmarshal(data, &current); err != nil {
			return fmt.Errorf("failed to decode transfer request %s: %w", uuid, err)
		}

		if current.Claimed && !admin && patchClaimant(patch) != current.Claimant {
			return fmt.Errorf("transfer request %s held by %s: %w", uuid, current.Claimant, ErrClaimConflict)
		}

		merged := current
		if err := applyPatch(&merged, patch); err != nil {
			return fmt.Errorf("transfer request %s: %w", uuid, err)
		}

		_, statusPatched := patch["status"]
		if statusPatched && merged.Status == types.StatusQuarantined && current.Status != types.StatusQuarantined {
			merged.OriginalStatus = current.Status
			merged.ReleaseClaim()
		}
		if statusPatched && merged.Status != types.StatusQuarantined && current.Status == types.StatusQuarantined {
			merged.OriginalStatus = ""
			if _, ok := patch["reason"]; !ok {
				merged.Reason = ""
			}
		}
		if !merged.Claimed {
			merged.ReleaseClaim()
		} else if merged.Claimant == "" {
			return fmt.Errorf("transfer request %s: claimed without claimant: %w", uuid, ErrBadPatch)
		}
		if _, ok := patch["update_timestamp"]; !ok {
			merged.UpdateTimestamp = types.Now()
		}

		out, err := json.Marshal(&merged)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(uuid), out); err != nil {
			return err
		}
		updated = &merged
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *BoltStore) DeleteTransferRequest(uuid string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTransferRequests)
		return b.Delete([]byte(uuid))
	})
}

// PopTransferRequest atomically claims the oldest-priority unclaimed
// request matching the site filter. A nil request with nil error means
// no work was available.
func (s *BoltStore) PopTransferRequest(source, dest, claimant string) (*types.TransferRequest, error) {
	var claimed *types.TransferRequest
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTransferRequests)
		var best *types.TransferRequest
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var tr types.TransferRequest
			if err := json.Unmarshal(v, &tr); err != nil {
				continue
			}
			if tr.Status != types.StatusUnclaimed || tr.Claimed {
				continue
			}
			if source != "" && tr.Source != source {
				continue
			}
			if dest != "" && tr.Dest != dest {
				continue
			}
			if best == nil || earlier(tr.WorkPriorityTimestamp, tr.CreateTimestamp, tr.UUID,
				best.WorkPriorityTimestamp, best.CreateTimestamp, best.UUID) {
				candidate := tr
				best = &candidate
			}
		}
		if best == nil {
			return nil
		}
		best.Claim(claimant)
		data, err := json.Marshal(best)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(best.UUID), data); err != nil {
			return err
		}
		claimed = best
		return nil
	})
	return claimed, err
}

func (s *BoltStore) CountTransferRequestsByStatus() (map[types.Status]int, error) {
	counts := make(map[types.Status]int)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTransferRequests)
		return b.ForEach(func(k, v []byte) error {
			var tr types.TransferRequest
			if err := json.Unmarshal(v, &tr); err != nil {
				return err
			}
			counts[tr.Status]++
			return nil
		})
	})
	return counts, err
}

// Bundle operations

func (s *BoltStore) CreateBundles(bundles []*types.Bundle) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBundles)
		for _, bundle := range bundles {
			data, err := json.Marshal(bundle)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(bundle.UUID), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) GetBundle(uuid string) (*types.Bundle, error) {
	var bundle types.Bundle
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBundles)
		data := b.Get([]byte(uuid))
		if data == nil {
			return fmt.Errorf("bundle %s: %w", uuid, ErrNotFound)
		}
		return json.Unmarshal(data, &bundle)
	})
	if err != nil {
		return nil, err
	}
	return &bundle, nil
}

func (s *BoltStore) ListBundles(filter BundleFilter) ([]*types.Bundle, error) {
	var bundles []*types.Bundle
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBundles)
		return b.ForEach(func(k, v []byte) error {
			var bundle types.Bundle
			if err := json.Unmarshal(v, &bundle); err != nil {
				return err
			}
			if filter.Location != "" &&
				!strings.HasPrefix(bundle.Source, filter.Location) &&
				!strings.HasPrefix(bundle.Dest, filter.Location) {
				return nil
			}
			if filter.Request != "" && bundle.Request != filter.Request {
				return nil
			}
			if filter.Status != "" && bundle.Status != filter.Status {
				return nil
			}
			if filter.Verified != nil && bundle.Verified != *filter.Verified {
				return nil
			}
			bundles = append(bundles, &bundle)
			return nil
		})
	})
	return bundles, err
}

func (s *BoltStore) PatchBundle(uuid string, patch map[string]json.RawMessage, admin bool) (*types.Bundle, error) {
	var updated *types.Bundle
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBundles)
		data := b.Get([]byte(uuid))
		if data == nil {
			return fmt.Errorf("bundle %s: %w", uuid, ErrNotFound)
		}
		var current types.Bundle
		if err := json.Unmarshal(data, &current); err != nil {
			return fmt.Errorf("failed to decode bundle %s: %w", uuid, err)
		}

		if current.Claimed && !admin && patchClaimant(patch) != current.Claimant {
			return fmt.Errorf("bundle %s held by %s: %w", uuid, current.Claimant, ErrClaimConflict)
		}

		merged := current
		if err := applyPatch(&merged, patch); err != nil {
			return fmt.Errorf("bundle %s: %w", uuid, err)
		}

		// A recorded checksum never changes; identical rewrites are
		// allowed so retried PATCHes stay idempotent.
		if _, ok := patch["checksum"]; ok && current.Checksum != nil && !merged.Checksum.Equal(current.Checksum) {
			return fmt.Errorf("bundle %s: %w", uuid, ErrChecksumImmutable)
		}

		_, statusPatched := patch["status"]
		if statusPatched && merged.Status == types.StatusQuarantined && current.Status != types.StatusQuarantined {
			merged.OriginalStatus = current.Status
			merged.ReleaseClaim()
		}
		if statusPatched && merged.Status != types.StatusQuarantined && current.Status == types.StatusQuarantined {
			merged.OriginalStatus = ""
			if _, ok := patch["reason"]; !ok {
				merged.Reason = ""
			}
		}
		if !merged.Claimed {
			merged.ReleaseClaim()
		} else if merged.Claimant == "" {
			return fmt.Errorf("bundle %s: claimed without claimant: %w", uuid, ErrBadPatch)
		}
		if _, ok := patch["update_timestamp"]; !ok {
			merged.UpdateTimestamp = types.Now()
		}

		out, err := json.Marshal(&merged)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(uuid), out); err != nil {
			return err
		}
		updated = &merged
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *BoltStore) DeleteBundle(uuid string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBundles)
		return b.Delete([]byte(uuid))
	})
}

// PopBundle atomically claims the oldest-priority unclaimed bundle in
// the given status matching the site filter. A nil bundle with nil
// error means no work was available.
func (s *BoltStore) PopBundle(status types.Status, source, dest, claimant string) (*types.Bundle, error) {
	var claimed *types.Bundle
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBundles)
		var best *types.Bundle
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var bundle types.Bundle
			if err := json.Unmarshal(v, &bundle); err != nil {
				continue
			}
			if bundle.Status != status || bundle.Claimed {
				continue
			}
			if source != "" && bundle.Source != source {
				continue
			}
			if dest != "" && bundle.Dest != dest {
				continue
			}
			if best == nil || earlier(bundle.WorkPriorityTimestamp, bundle.CreateTimestamp, bundle.UUID,
				best.WorkPriorityTimestamp, best.CreateTimestamp, best.UUID) {
				candidate := bundle
				best = &candidate
			}
		}
		if best == nil {
			return nil
		}
		best.Claim(claimant)
		data, err := json.Marshal(best)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(best.UUID), data); err != nil {
			return err
		}
		claimed = best
		return nil
	})
	return claimed, err
}

func (s *BoltStore) CountBundlesByStatus() (map[types.Status]int, error) {
	counts := make(map[types.Status]int)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBundles)
		return b.ForEach(func(k, v []byte) error {
			var bundle types.Bundle
			if err := json.Unmarshal(v, &bundle); err != nil {
				return err
			}
			counts[bundle.Status]++
			return nil
		})
	})
	return counts, err
}

// Metadata operations

func (s *BoltStore) CreateMetadata(records []*types.MetadataRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMetadata)
		for _, record := range records {
			data, err := json.Marshal(record)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(record.UUID), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) GetMetadata(uuid string) (*types.MetadataRecord, error) {
	var record types.MetadataRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMetadata)
		data := b.Get([]byte(uuid))
		if data == nil {
			return fmt.Errorf("metadata record %s: %w", uuid, ErrNotFound)
		}
		return json.Unmarshal(data, &record)
	})
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// ListMetadata pages through the side table in uuid order. A zero limit
// means no cap.
func (s *BoltStore) ListMetadata(bundleUUID string, limit, skip int) ([]*types.MetadataRecord, error) {
	var records []*types.MetadataRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMetadata)
		skipped := 0
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var record types.MetadataRecord
			if err := json.Unmarshal(v, &record); err != nil {
				return err
			}
			if bundleUUID != "" && record.BundleUUID != bundleUUID {
				continue
			}
			if skipped < skip {
				skipped++
				continue
			}
			records = append(records, &record)
			if limit > 0 && len(records) >= limit {
				return nil
			}
		}
		return nil
	})
	return records, err
}

func (s *BoltStore) DeleteMetadata(uuids []string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMetadata)
		for _, uuid := range uuids {
			if err := b.Delete([]byte(uuid)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) DeleteMetadataByBundle(bundleUUID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMetadata)
		var doomed [][]byte
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var record types.MetadataRecord
			if err := json.Unmarshal(v, &record); err != nil {
				continue
			}
			if record.BundleUUID == bundleUUID {
				key := make([]byte, len(k))
				copy(key, k)
				doomed = append(doomed, key)
			}
		}
		for _, key := range doomed {
			if err := b.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
}

// Status operations
//
// Heartbeats are stored under composite keys "{component_type}/{name}".
// Component types come from route segments so they never contain a
// slash; splitting on the first slash recovers both parts.

func statusKey(componentType, name string) []byte {
	return []byte(componentType + "/" + name)
}

func (s *BoltStore) UpdateStatus(componentType, name string, payload map[string]any) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketStatus)
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		return b.Put(statusKey(componentType, name), data)
	})
}

func (s *BoltStore) GetStatusComponent(componentType string) (map[string]map[string]any, error) {
	result := make(map[string]map[string]any)
	prefix := []byte(componentType + "/")
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketStatus)
		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
			name := strings.TrimPrefix(string(k), string(prefix))
			var payload map[string]any
			if err := json.Unmarshal(v, &payload); err != nil {
				return err
			}
			result[name] = payload
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return nil, fmt.Errorf("status for %s: %w", componentType, ErrNotFound)
	}
	return result, nil
}

func (s *BoltStore) AllStatus() (map[string]map[string]map[string]any, error) {
	result := make(map[string]map[string]map[string]any)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketStatus)
		return b.ForEach(func(k, v []byte) error {
			parts := strings.SplitN(string(k), "/", 2)
			if len(parts) != 2 {
				return nil
			}
			componentType, name := parts[0], parts[1]
			var payload map[string]any
			if err := json.Unmarshal(v, &payload); err != nil {
				return err
			}
			if result[componentType] == nil {
				result[componentType] = make(map[string]map[string]any)
			}
			result[componentType][name] = payload
			return nil
		})
	})
	return result, err
}

func (s *BoltStore) DeleteStatus(componentType, name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketStatus)
		return b.Delete(statusKey(componentType, name))
	})
}

// Claim reaping

// ReapClaims releases every claim older than maxAge in both claimable
// collections. Claims with unparseable timestamps are treated as stale:
// fencing already tolerates a released claim whose worker later PATCHes.
func (s *BoltStore) ReapClaims(maxAge time.Duration) (int, int, error) {
	cutoff := time.Now().UTC().Add(-maxAge)
	requests := 0
	bundles := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		// Collect first, write after: mutating a bucket invalidates
		// cursors iterating over it.
		b := tx.Bucket(bucketTransferRequests)
		var staleRequests []*types.TransferRequest
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var tr types.TransferRequest
			if err := json.Unmarshal(v, &tr); err != nil {
				continue
			}
			if tr.Claimed && claimStale(tr.ClaimTimestamp, cutoff) {
				candidate := tr
				staleRequests = append(staleRequests, &candidate)
			}
		}
		for _, tr := range staleRequests {
			tr.ReleaseClaim()
			tr.UpdateTimestamp = types.Now()
			data, err := json.Marshal(tr)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(tr.UUID), data); err != nil {
				return err
			}
			requests++
		}

		b = tx.Bucket(bucketBundles)
		var staleBundles []*types.Bundle
		c = b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var bundle types.Bundle
			if err := json.Unmarshal(v, &bundle); err != nil {
				continue
			}
			if bundle.Claimed && claimStale(bundle.ClaimTimestamp, cutoff) {
				candidate := bundle
				staleBundles = append(staleBundles, &candidate)
			}
		}
		for _, bundle := range staleBundles {
			bundle.ReleaseClaim()
			bundle.UpdateTimestamp = types.Now()
			data, err := json.Marshal(bundle)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(bundle.UUID), data); err != nil {
				return err
			}
			bundles++
		}
		return nil
	})
	return requests, bundles, err
}

func claimStale(claimTimestamp string, cutoff time.Time) bool {
	ts, err := types.ParseTimestamp(claimTimestamp)
	if err != nil {
		return true
	}
	return ts.Before(cutoff)
}

// applyPatch merges the keys present in patch onto doc. Keys absent
// from patch leave the document untouched, which is exactly JSON
// unmarshal-into-existing-value semantics.
func applyPatch(doc any, patch map[string]json.RawMessage) error {
	data, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadPatch, err)
	}
	if err := json.Unmarshal(data, doc); err != nil {
		return fmt.Errorf("%w: %v", ErrBadPatch, err)
	}
	return nil
}
