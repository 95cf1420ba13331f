/*
Package reaper provides stale claim detection for the archival queue.

Workers claim documents by POPping them from the coordinator. A claim is
a lease without an expiry: nothing in the data model times it out, so a
worker that crashes mid-bundle would strand its claim forever and the
bundle would never be offered to another worker. The reaper is the
counterweight. It sweeps the document store on a fixed interval and
releases any claim older than the configured maximum age.

# Sweep Semantics

A sweep releases the claim and nothing else:

  - claimed becomes false, claimant and claim_timestamp are cleared
  - status is untouched (a half-transferred bundle stays "transferring")
  - work_priority_timestamp is untouched, so the document re-enters the
    queue at its original priority rather than jumping the line

Claim staleness is judged on claim_timestamp only, never on heartbeats.
Heartbeats measure process liveness; a live process can still wedge on
one bundle forever, and that bundle is exactly what the reaper must
recover.

# Late Writers

Releasing a claim does not fence out the original claimant. If the
worker was merely slow and PATCHes after the sweep, the write lands:
the document is unclaimed, so there is no competing claimant to
conflict with. If another worker claimed it in between, the late PATCH
is rejected with a claim conflict. Stage actions must tolerate both
outcomes, which is why every mutation they make is idempotent.

# Configuration

LTA_MAX_CLAIM_AGE_HOURS sets the maximum claim age (default 12); it
must comfortably exceed the slowest stage action, which in practice is
a multi-hundred-gigabyte tape write. LTA_REAPER_SLEEP_SECONDS sets the
sweep interval (default 300).

# Monitoring

Each sweep observes lta_reaper_duration_seconds and increments
lta_reaper_cycles_total{status="ok"|"error"}. Released claims count
into lta_reaped_claims_total{type="transfer_request"|"bundle"}, and any
sweep that released something logs at warn level, since it usually
means a worker died.

# See Also

  - pkg/storage - ReapClaims, the transactional sweep itself
  - pkg/api - the POP and PATCH fencing the reaper cooperates with
  - cmd/permafrost - starts the reaper next to the REST server
*/
package reaper
