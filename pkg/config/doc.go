/*
Package config loads the server configuration.

Configuration is layered: built-in defaults, then an optional YAML file,
then environment variables. Later layers override earlier ones, and the
merged result is validated before use.

	cfg, err := config.Load("/etc/hatchery/config.yaml")

Pass an empty path (or call FromEnv) to skip the file layer.

# Environment Variables

	DATA_DIR                        root of the data directory tree
	MAX_CONCURRENT_KERNELS          kernel process cap
	EXECUTION_TIMEOUT_SECONDS       per-cell execution deadline
	INPUT_REQUEST_TIMEOUT_SECONDS   stdin prompt deadline
	HEALTH_CHECK_INTERVAL_SECONDS   kernel liveness probe period
	ASSET_STORAGE_CAP_BYTES         offloaded-asset disk budget
	ASSET_LEASE_TTL_HOURS           asset lease lifetime
	ORPHAN_BUFFER_MAX               unroutable-output ring size
	IDLE_TIMEOUT_SECONDS            server auto-exit after last client
	SESSION_TOKEN                   shared secret for websocket clients
	KERNEL_AUTO_RESTART             restart dead kernels in place

The YAML file accepts the same knobs in snake_case (see fileConfig),
plus queue_capacity, ready_timeout_seconds, fallback_interpreter,
stop_on_error, log_level, log_json, ws_listen, and metrics_listen.

# Layout

The data directory is organized by EnsureDirs:

	<DataDir>/hatchery.db    durable execution queue and asset leases
	<DataDir>/sessions/      per-session descriptor files
	<DataDir>/runtime/       kernel connection files
	<DataDir>/assets/        offloaded outputs (managed by finalizer)
*/
package config
