/*
Package types defines the core data structures used throughout Permafrost.

This package contains the domain model for long-term archival: transfer
requests, bundles, the file metadata side table, checksums, and the
status vocabulary every pipeline stage speaks. All other packages build
on these types for persistence, API communication, and stage logic.

# Architecture

The types package is the foundation of Permafrost's data model. It defines:

  - Transfer requests (what an experiment asks to archive or retrieve)
  - Bundles (the unit of work: one archive artifact bound for tape)
  - Metadata records (bundle to file-catalog membership, kept out of line)
  - Checksums (SHA-512 and ADLER-32 digests of bundle artifacts)
  - The status vocabulary and the pipeline transition graph
  - Wire timestamp format and parsing helpers
  - Component type names used by heartbeats and dashboards

All types are designed to be:
  - Serializable (JSON documents in the coordinator's store and on the wire)
  - Flat (no nested documents except the checksum pair)
  - Self-describing (a "type" discriminator field on every document)

# Core Types

TransferRequest:

A request to move everything under a warehouse path from a source site
to a destination site. Requests are claimed by pickers and locators,
expanded into bundles, and finished when every bundle reaches a terminal
status. Request statuses: unclaimed, processing, finished, quarantined.

Bundle:

One archive artifact aggregating many warehouse files. Bundles carry
their pipeline status, claim bookkeeping, artifact path, size, digests,
and a verified flag. The deprecated embedded file list is gone: file
membership lives exclusively in MetadataRecord rows so that bundle
documents stay small no matter how many files they aggregate.

MetadataRecord:

One row per (bundle, file catalog entry) pair. Written in bulk when a
picker or locator specifies a bundle, deleted in bulk when the bundle
reaches a terminal status.

# Claim Bookkeeping

Both claimable document types carry the same four fields:

	claimed                 bool
	claimant                "{component-name}-{instance-uuid}"
	claim_timestamp         wire timestamp of the claim
	work_priority_timestamp wire timestamp used for oldest-first ordering

The invariant is that claimed=true exactly when claimant and
claim_timestamp are set. The storage layer enforces it on every write;
the Claim and ReleaseClaim helpers keep it for in-process mutation.

# State Machine

Bundles follow the pipeline graph (archival on top, retrieval below):

	specified → created → staged → transferring → taping → verifying →
	    completed → source-deleted → deleted → finished

	located → staged → transferring → unpacking → completed

	any ⇄ quarantined

Quarantine is reachable from every status. Leaving quarantine restores
whatever status the operator chooses, so ValidTransition treats
quarantined as connected in both directions. The coordinator does not
veto writes that leave this graph; recovery tooling depends on being
able to set arbitrary statuses.

# Timestamps

Every timestamp on the wire is UTC ISO-8601 truncated to whole seconds
with no zone suffix ("2013-07-04T01:02:03"). ParseTimestamp also accepts
fractional seconds and RFC3339 because older components emitted those.

# Usage

Creating a transfer request the way the coordinator does on POST:

	now := types.Now()
	request := &types.TransferRequest{
		Type:                  types.TypeTransferRequest,
		UUID:                  uuid.New().String(),
		Status:                types.StatusUnclaimed,
		Source:                "WIPAC",
		Dest:                  "NERSC",
		Path:                  "/data/exp/IceCube/2023/filtered",
		CreateTimestamp:       now,
		UpdateTimestamp:       now,
		WorkPriorityTimestamp: now,
	}

Claiming on POP:

	request.Claim("picker-2b5c3a7e-...")

# Integration Points

This package integrates with:

  - pkg/storage: persists requests, bundles, and metadata as JSON
  - pkg/api: marshals documents onto the REST wire
  - pkg/worker: builds claimant identities and PATCH bodies
  - pkg/stages: consults the transition graph and status constants
  - pkg/reaper: reads claim_timestamp to find stale claims

# Thread Safety

Types here are plain data. Concurrent readers are safe; mutation must be
synchronized by the caller. The storage layer serializes all persisted
mutation inside its transactions.
*/
package types
