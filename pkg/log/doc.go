/*
Package log provides structured logging built on zerolog.

Every component logs through a child logger carrying a component field,
so one grep isolates a subsystem. Output goes to stderr: when the server
runs on a stdio transport, stdout carries JSON-RPC frames and must stay
clean.

# Usage

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	logger := log.WithComponent("scheduler")
	logger.Info().Str("task_id", id).Msg("execution committed")
	logger.Warn().Err(err).Msg("notebook write failed")

Console output (human-readable, RFC3339 timestamps) is the default;
JSONOutput switches to newline-delimited JSON for log shippers.

# Levels

Levels are plain strings so they can come straight from configuration:
"debug", "info", "warn", "error". Anything else falls back to info.

# Integration Points

  - Every pkg/... component calls WithComponent at construction
  - cmd/hatchery calls Init once, before anything logs
*/
package log
