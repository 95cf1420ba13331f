/*
Package worker provides the harness every archival component runs in
and the retrying client they all talk to the coordinator with.

Thirteen different stage actions move bundles through the pipeline, but
every one of them is the same process shape: obtain a token, announce
itself under /status, then run two loops until told to stop. The
harness owns that shape so a stage implements exactly one thing, the
action.

# Process Anatomy

	┌───────────────────────────────────────────────┐
	│  worker process ({COMPONENT_NAME}-{uuid})     │
	│                                               │
	│   heartbeat loop          work loop           │
	│   every HEARTBEAT_SLEEP   every WORK_SLEEP    │
	│   PATCH /status/{type}    POP → act → PATCH   │
	│          │                      │             │
	│          └──────── stopCh ──────┘             │
	└───────────────────────────────────────────────┘

The loops share nothing but the stop channel and the work timestamps,
so a multi-hour tape write in the work loop never starves liveness
reporting.

# Work Cycles

A cycle claims work until the coordinator's POP returns null:

 1. If the drain semaphore file `.lta-{type}-drain` exists in the
    working directory, claim nothing this cycle. Operators touch the
    file to pause a fleet without stopping processes.
 2. Call Stage.WorkClaim. True means a unit was claimed; keep going.
    False means the queue is empty; the cycle is over.
 3. A non-nil error also ends the cycle. The stage quarantines the
    document it claimed before returning the error, so nothing is left
    claimed; the next cycle starts after WORK_SLEEP_DURATION_SECONDS.

Termination modes adjust the outer loop. RUN_ONCE_AND_DIE exits after
the first cycle regardless of outcome, which is how Slurm batch jobs
run stages at NERSC. RUN_UNTIL_NO_WORK exits after the first cycle that
claims nothing, which drains a backlog and then gets out of the way.
The modes are mutually exclusive; config.LoadWorker rejects both.

# Claiming and Quarantine

Workers identify themselves to the claim queue as
{COMPONENT_NAME}-{instance uuid}; the uuid is minted once per process
by Identity. Every mutation a stage makes carries that identity so the
coordinator's fencing can reject writes from workers that lost their
claim.

When an action fails, the stage parks the document:

	PATCH {"status": "quarantined", "reason": "bundler: zip write failed",
	       "work_priority_timestamp": now, "claimant": self}

The coordinator records original_status and releases the claim; an
operator later inspects the reason and PATCHes the document back into
the pipeline.

# The Retrying Client

Client wraps every coordinator call in the same policy: per-attempt
timeout, WORK_RETRIES extra attempts, doubling backoff, and retry only
on network errors, 5xx and 429. A 409 surfaces as ErrClaimConflict and
a 404 as ErrNotFound; neither is retried, because repeating them cannot
change the answer.

Two client sizes exist on purpose. WorkClient is sized by WORK_RETRIES
and WORK_TIMEOUT_SECONDS for stage actions; HeartbeatClient is sized by
the HEARTBEAT_PATCH_* knobs so a slow coordinator degrades work before
it degrades liveness reporting.

When LTA_AUTH_OPENID_URL is set, NewClient discovers the token endpoint
from the issuer's openid-configuration and obtains an initial
client-credentials token before returning; a worker that cannot
authenticate dies at startup instead of spinning on 401s.

# Shutdown

SIGINT/SIGTERM handling lives in cmd/permafrost; it calls Stop, which
closes the stop channel and cancels the context carried into
WorkClaim. The heartbeat loop exits immediately. The work loop finishes
its in-flight action, then Done closes. If the process dies before the
action completes, the stale-claim reaper releases the document after
LTA_MAX_CLAIM_AGE_HOURS.

# Monitoring

  - lta_work_successes_total / lta_work_failures_total per component
  - lta_work_duration_seconds per completed unit
  - lta_load_level: units claimed during the current cycle
  - lta_heartbeat_failures_total: PATCHes that exhausted retries

# See Also

  - pkg/stages - the thirteen actions this harness runs
  - pkg/api - the coordinator the client talks to
  - pkg/reaper - recovers claims from workers that died mid-action
*/
package worker
