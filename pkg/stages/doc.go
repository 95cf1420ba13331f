/*
Package stages implements the thirteen pipeline actions that move
transfer requests and bundles from warehouse disk to tape and back.

Each stage is one small state machine transition: pop a document in the
stage's input status, do the stage's one job against disk, tape, door,
or catalog, then PATCH the document into its output status and release
the claim. Everything else — heartbeats, work cycles, drain files,
retries, token refresh — belongs to the worker harness; a stage is just
a WorkClaim method and the configuration it needs.

# Pipeline Map

Archival (warehouse → tape):

	TR unclaimed ──picker──▶ processing
	              └──▶ B specified ──bundler──▶ created ──rate_limiter──▶ staged
	                   ──replicator──▶ transferring ──site_move_verifier──▶ taping
	                   ──nersc_mover──▶ verifying ──nersc_verifier──▶ completed
	                   ──deleter──▶ source-deleted ──deleter──▶ deleted
	                   ──transfer_request_finisher──▶ finished (TR too)

Retrieval (tape → warehouse):

	TR unclaimed ──locator──▶ processing
	              └──▶ B located ──nersc_retriever──▶ staged
	                   ──replicator──▶ transferring ──site_move_verifier──▶ unpacking
	                   ──unpacker──▶ completed ─ ... ─▶ finished

The same replicator, site_move_verifier, deleter, and finisher binaries
serve both directions; site filters and INPUT_STATUS/OUTPUT_STATUS in
the environment decide which flow a deployment participates in. At DESY
the tape leg swaps nersc_mover/nersc_verifier for the dCache door and
desy_verifier.

# One Claim, One Outcome

Every claim ends in exactly one of three PATCHes, all carrying the
claimant identity so the coordinator can fence against stale workers:

  - advance: status=OUTPUT, claimed=false, plus whatever the stage
    learned (bundle_path, size, checksum, transfer_reference,
    verified).
  - requeue: claimed=false, work_priority_timestamp=now, status
    unchanged. Used when the work is not possible yet — staging quota
    full, artifact still in flight, sibling bundles unfinished. The
    fresh timestamp sends the document behind its siblings.
  - quarantine: status=quarantined, reason="{stage}: {cause}". Poison
    documents leave the flow until an operator resets them; the claim
    releases so nothing wedges.

Requeue paths also end the work cycle (WorkClaim returns false):
popping again immediately would only churn the same documents through
the same requeue.

# External Systems

Stages shell out or speak HTTP to four kinds of neighbors:

  - The coordinator, through the worker client every mutation above
    goes to.
  - The file catalog (pkg/catalog): the picker and locator read
    membership from it; the tape verifiers and the unpacker write
    archive and warehouse locations back. Stages reuse the worker's
    client-credentials token for catalog calls.
  - HPSS tape (pkg/tape): mover, retriever, and verifier wrap hsi and
    preflight hpss_avail every cycle, claiming nothing while tape is
    down rather than quarantining healthy bundles.
  - Transfer doors (pkg/mover): the replicator pushes with GridFTP or
    WebDAV; the DESY verifier pulls its tape copy back through the
    site's GridFTP door to re-hash it.

# Configuration

A stage's constructor receives the common worker config plus the extra
environment keys it registered. The common keys SOURCE_SITE, DEST_SITE,
INPUT_STATUS, and OUTPUT_STATUS are optional at load time because no
two stages need the same subset; each constructor names the ones it
cannot run without and fails fast at startup, never mid-claim. Stage
construction happens once, before the first heartbeat.

Registry lookups drive the CLI: Env exposes a stage's extra
environment, Names the valid component types, New the constructor.

	spec, ok := stages.Env(componentType)
	cfg, extras, err := config.LoadWorker(spec)
	action, err := stages.New(componentType, stages.Params{...})

# Verified

The verified flag on a bundle means "the tape copy matched", nothing
weaker. The site_move_verifier checks the artifact that crossed the
WAN but leaves verified false; only nersc_verifier and desy_verifier
set it, at the same moment they register the archive in the file
catalog and advance the bundle to completed.
*/
package stages
