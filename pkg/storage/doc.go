/*
Package storage provides persistent state management for the coordinator
using BoltDB (bbolt).

Every document the archival system tracks lives here: transfer requests,
bundles, the file metadata side table, and component heartbeats. The
claim-queue semantics that make the whole pipeline safe under concurrency
(atomic POP, claimant fencing, stale-claim reaping) are implemented at
this layer, inside single storage transactions.

# Architecture

BoltDB is an embedded key-value store with ACID transactions. One
writer runs at a time; readers run concurrently via MVCC:

	┌────────────────────────────────────────────┐
	│             BoltStore (bbolt)              │
	├────────────────────────────────────────────┤
	│ transfer_requests  uuid → JSON document    │
	│ bundles            uuid → JSON document    │
	│ metadata           uuid → JSON record      │
	│ status             type/name → JSON blob   │
	└────────────────────────────────────────────┘

Documents are stored as JSON: human-readable in `bolt dump`, stable
across schema additions, and identical to the wire representation.

# Buckets

  - transfer_requests: TransferRequest documents keyed by uuid
  - bundles: Bundle documents keyed by uuid
  - metadata: MetadataRecord rows keyed by record uuid
  - status: heartbeat payloads keyed "{component_type}/{name}"

# Transaction Model

Read operations use View (read-only, concurrent):

	store.GetBundle(uuid)
	store.ListBundles(filter)

Write operations use Update (serialized, atomic):

	store.CreateBundles(bundles)
	store.PatchBundle(uuid, patch, admin)

# Atomic POP

PopBundle and PopTransferRequest are the heart of the claim queue. The
predicate scan (status matches, unclaimed, site filter) and the claim
write happen inside ONE Update transaction. Because bbolt serializes
writers, two workers popping concurrently can never claim the same
document: the second pop re-scans after the first commits and sees
claimed=true.

Selection order is oldest work_priority_timestamp first, then
create_timestamp, then uuid. Wire timestamps are fixed-width ISO-8601
strings, so lexical comparison is chronological comparison.

Never implement claiming as Get-then-Patch across two transactions;
that reintroduces the lost-update race this layer exists to prevent.

# Claimant Fencing

PatchBundle and PatchTransferRequest enforce the fencing rule: a PATCH
against a claimed document must present the current claimant in its
body or the write fails with ErrClaimConflict. Admin callers bypass the
check (operator repair). A PATCH against an unclaimed document needs no
claimant, which deliberately lets a reaped worker's late result land
when nobody has re-claimed the work.

# Write Normalization

Patches are merged key-by-key onto the stored document, then the
invariants are restored server-side:

  - claimed=false clears claimant and claim_timestamp
  - status→quarantined records original_status and releases the claim
  - status moving off quarantined clears original_status (and reason,
    unless the patch set a new one)
  - a recorded checksum may be rewritten equal but never changed
  - update_timestamp is bumped when the patch does not provide one

# Stale Claim Reaping

ReapClaims releases claims whose claim_timestamp is older than the
configured maximum age. It consults claim_timestamp only, never
heartbeats: heartbeats are process liveness, not work-item liveness,
and a live process can still wedge on one bundle forever.

# Error Handling

Lookup misses wrap ErrNotFound; fencing violations wrap
ErrClaimConflict; checksum rewrites wrap ErrChecksumImmutable; malformed
patches wrap ErrBadPatch. The API layer maps these onto 404, 409, 409
and 400 respectively with errors.Is.

Deletes are idempotent: deleting a missing document succeeds.

# Performance Considerations

Scans are linear over a bucket. Collection sizes here are thousands of
bundles and tens of requests, far below anything that needs secondary
indexes; the simplicity of one JSON document per key wins. ListMetadata
pages with limit/skip so bulk deletion of hundred-thousand-file bundles
proceeds in bounded chunks.

# Integration Points

  - pkg/api: every route handler ends up here
  - pkg/reaper: calls ReapClaims on its ticker
  - pkg/metrics: polls CountBundlesByStatus / CountTransferRequestsByStatus
  - cmd/permafrost: opens the store at serve startup and owns Close
*/
package storage
