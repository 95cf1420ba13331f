/*
Package log provides structured logging for Permafrost using zerolog.

The coordinator and every stage worker share one global logger. Output is
NDJSON in production so that log aggregation can index by field; console
output with colors is available for development.

# Architecture

A single global zerolog.Logger is initialized once at process start:

	log.Init(log.Config{
		Level:      log.ParseLevel(os.Getenv("LOG_LEVEL")),
		JSONOutput: true,
	})

Child loggers carry stable identity fields so that one bundle's journey
can be reconstructed across processes:

	logger := log.WithWorker("bundler", "bundler-ice-01")
	blog := log.WithBundle(bundle.UUID)

# Fields

Conventional fields emitted by this codebase:

  - component: component type (picker, bundler, nersc_mover, ...)
  - worker: full worker name from COMPONENT_NAME
  - bundle_uuid: bundle the message concerns
  - request_uuid: transfer request the message concerns
  - error: attached via zerolog's Err()

# Levels

LOG_LEVEL accepts debug, info, warn, error. Unknown values fall back to
info rather than failing startup; logging configuration should never
take the pipeline down.

# Usage

Direct helpers for one-off messages:

	log.Info("coordinator started")
	log.Errorf("failed to open store", err)

Structured events for anything with context:

	logger.Info().
		Str("bundle_uuid", bundle.UUID).
		Int64("size", bundle.Size).
		Msg("bundle artifact created")

# Integration Points

  - cmd/permafrost and cmd/permafrost-admin call Init before anything else
  - pkg/worker builds the per-worker child logger
  - pkg/api logs one event per request via its logging middleware
  - pkg/reaper logs each sweep cycle at debug, reaped claims at warn
*/
package log
