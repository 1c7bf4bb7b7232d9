package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nbforge/hatchery/pkg/config"
	"github.com/nbforge/hatchery/pkg/events"
	"github.com/nbforge/hatchery/pkg/log"
	"github.com/nbforge/hatchery/pkg/metrics"
	"github.com/nbforge/hatchery/pkg/rpc"
	"github.com/nbforge/hatchery/pkg/session"
	"github.com/nbforge/hatchery/pkg/storage"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "hatchery",
	Short: "Hatchery - durable Jupyter kernel orchestration for coding agents",
	Long: `Hatchery keeps Jupyter kernels alive behind a JSON-RPC surface built
for coding agents: ordered cell execution with a durable queue,
crash recovery across server restarts, streamed outputs, and
notebook files that are always written atomically.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Hatchery version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	serveCmd.Flags().String("config", "", "Path to YAML config file")
	serveCmd.Flags().String("listen", "", "WebSocket listen address (default 127.0.0.1:9180 unless --stdio)")
	serveCmd.Flags().String("metrics-listen", "", "Prometheus listen address (disabled when empty)")
	serveCmd.Flags().Bool("stdio", false, "Serve JSON-RPC on stdin/stdout")
	serveCmd.Flags().String("data-dir", "", "Override data directory")
	serveCmd.Flags().String("log-level", "", "Log level: debug, info, warn, error")

	rootCmd.PersistentFlags().String("server", "127.0.0.1:9180", "Server address for client commands")
	rootCmd.PersistentFlags().String("token", "", "Session token for client commands")

	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the kernel orchestration server",
	Long: `Run the server. By default it listens for WebSocket clients; with
--stdio it also speaks newline-delimited JSON-RPC on stdin/stdout and
shuts down when the pipe closes.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("loading configuration: %w", err)
		}
		if v, _ := cmd.Flags().GetString("listen"); v != "" {
			cfg.WSListen = v
		}
		if v, _ := cmd.Flags().GetString("metrics-listen"); v != "" {
			cfg.MetricsListen = v
		}
		if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
			cfg.DataDir = v
		}
		if v, _ := cmd.Flags().GetString("log-level"); v != "" {
			cfg.LogLevel = v
		}
		stdio, _ := cmd.Flags().GetBool("stdio")
		if cfg.WSListen == "" && !stdio {
			cfg.WSListen = "127.0.0.1:9180"
		}

		log.Init(log.Config{
			Level:      log.Level(cfg.LogLevel),
			JSONOutput: cfg.LogJSON,
		})
		logger := log.WithComponent("serve")

		if err := cfg.EnsureDirs(); err != nil {
			return fmt.Errorf("preparing data directory: %w", err)
		}
		metrics.SetVersion(Version)
		store, err := storage.NewSQLiteStore(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("opening durable store: %w", err)
		}
		defer store.Close()
		metrics.RegisterComponent("store", true, "")

		broker := events.NewBroker()
		broker.Start()
		defer broker.Stop()

		mgr := session.NewManager(cfg, store, broker)
		if err := mgr.Start(); err != nil {
			metrics.RegisterComponent("sessions", false, err.Error())
			return fmt.Errorf("starting session manager: %w", err)
		}
		metrics.RegisterComponent("sessions", true, "")

		srv := rpc.NewServer(cfg, mgr, broker)
		errCh := make(chan error, 3)

		var wsServer *http.Server
		if cfg.WSListen != "" {
			mux := http.NewServeMux()
			mux.Handle("/", srv.WebsocketHandler())
			wsServer = &http.Server{Addr: cfg.WSListen, Handler: mux}
			go func() {
				logger.Info().Str("addr", cfg.WSListen).Msg("websocket transport listening")
				if err := wsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- fmt.Errorf("websocket server: %w", err)
				}
			}()
		}

		var metricsServer *http.Server
		if cfg.MetricsListen != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			mux.Handle("/health", metrics.HealthHandler())
			mux.Handle("/ready", metrics.ReadyHandler())
			mux.Handle("/live", metrics.LivenessHandler())
			metricsServer = &http.Server{Addr: cfg.MetricsListen, Handler: mux}
			go func() {
				logger.Info().Str("addr", cfg.MetricsListen).Msg("metrics listening")
				if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- fmt.Errorf("metrics server: %w", err)
				}
			}()
		}

		stdioCtx, stdioCancel := context.WithCancel(context.Background())
		defer stdioCancel()
		stdioDone := make(chan struct{})
		if stdio {
			go func() {
				defer close(stdioDone)
				if err := srv.ServeStdio(stdioCtx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
					errCh <- fmt.Errorf("stdio transport: %w", err)
				}
			}()
		}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case sig := <-sigCh:
			logger.Info().Str("signal", sig.String()).Msg("shutting down")
		case <-mgr.IdleShutdown():
			logger.Info().Msg("idle timeout reached, shutting down")
		case <-stdioDone:
			// Never fires unless --stdio; nothing closes it otherwise.
			logger.Info().Msg("stdio client detached, shutting down")
		case err := <-errCh:
			logger.Error().Err(err).Msg("transport failed, shutting down")
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if wsServer != nil {
			_ = wsServer.Shutdown(shutdownCtx)
		}
		if metricsServer != nil {
			_ = metricsServer.Shutdown(shutdownCtx)
		}
		stdioCancel()
		mgr.Shutdown(shutdownCtx)
		logger.Info().Msg("shutdown complete")
		return nil
	},
}
