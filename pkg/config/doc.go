/*
Package config reads Permafrost configuration from the environment.

Every process in the system (the coordinator, the thirteen stage
workers, the admin CLI) is configured exclusively through environment
variables so that deployments stay declarative: a systemd unit or a
container manifest is the complete description of a worker.

# Fail Fast

Configuration errors must kill the process at startup, never at 3am
when the first bundle arrives. Load validates that every required key
is present and non-empty, and its error names all missing keys at once:

	missing required environment: CLIENT_SECRET, COMPONENT_NAME, DEST_SITE

Typed parse failures (an INPUT_STATUS that is fine, a WORK_RETRIES that
is "banana") also fail startup with the offending key and value.

# Common Worker Environment

Every stage worker shares this contract (defaults in parentheses):

	COMPONENT_NAME                      worker instance name, e.g. bundler-ice-01
	SOURCE_SITE / DEST_SITE             site filter for claiming work
	INPUT_STATUS / OUTPUT_STATUS        pipeline statuses the stage consumes/produces
	LTA_REST_URL                        coordinator base URL
	LTA_AUTH_OPENID_URL                 OpenID provider; empty disables auth (tests only)
	CLIENT_ID (long-term-archive)       OAuth2 client for client-credentials
	CLIENT_SECRET                       required whenever LTA_AUTH_OPENID_URL is set
	WORK_SLEEP_DURATION_SECONDS (60)    idle sleep between work cycles
	WORK_RETRIES (3)                    coordinator RPC retry budget
	WORK_TIMEOUT_SECONDS (30)           per-RPC timeout
	HEARTBEAT_SLEEP_DURATION_SECONDS (60)
	HEARTBEAT_PATCH_RETRIES (3)
	HEARTBEAT_PATCH_TIMEOUT_SECONDS (30)
	RUN_ONCE_AND_DIE (false)            exit after the first work cycle
	RUN_UNTIL_NO_WORK (false)           exit after the first empty cycle
	LOG_LEVEL (info)
	PROMETHEUS_METRICS_PORT (8080)

RUN_ONCE_AND_DIE and RUN_UNTIL_NO_WORK are mutually exclusive; setting
both is a startup error.

Stages declare their extra keys (BUNDLER_OUTBOX_PATH, TAPE_BASE_PATH,
GRIDFTP_DEST_URL, ...) through the Spec passed to LoadWorker and parse
them from the returned map with the Int/Int64/Bool/Seconds helpers.

# Coordinator Environment

	LTA_REST_HOST (localhost)           bind address
	LTA_REST_PORT (8080)                API port
	LTA_DATA_DIR (./permafrost-data)    document store location
	LTA_AUTH_OPENID_URL                 OpenID issuer; empty disables auth (tests only)
	LTA_AUTH_AUDIENCE (long-term-archive)
	LTA_MAX_BODY_SIZE (16777216)        request body cap in bytes
	LTA_MAX_CLAIM_AGE_HOURS (12)        stale-claim threshold for the reaper
	LTA_REAPER_SLEEP_SECONDS (300)      reaper sweep cadence
	LTA_STALE_SECONDS (86400)           heartbeat freshness horizon for /status
	LOG_LEVEL (info)
	PROMETHEUS_METRICS_PORT (8090)      metrics + health listener

# Usage

	cfg, extras, err := config.LoadWorker(config.Spec{
		Required: []string{"DEST_SITE", "INPUT_STATUS", "OUTPUT_STATUS", "TAPE_BASE_PATH"},
		Defaults: map[string]string{"HPSS_AVAIL_PATH": "/usr/common/mss/bin/hpss_avail"},
	})
	if err != nil {
		return err
	}
	tapePath := extras["TAPE_BASE_PATH"]

# Integration Points

  - cmd/permafrost reads LoadCoordinator for serve, LoadWorker for work
  - pkg/stages declares per-stage extra Specs
  - pkg/worker consumes the Worker struct for its loops and retries
*/
package config
