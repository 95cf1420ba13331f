package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/coldpoint/permafrost/pkg/api"
	"github.com/coldpoint/permafrost/pkg/auth"
	"github.com/coldpoint/permafrost/pkg/config"
	"github.com/coldpoint/permafrost/pkg/log"
	"github.com/coldpoint/permafrost/pkg/metrics"
	"github.com/coldpoint/permafrost/pkg/reaper"
	"github.com/coldpoint/permafrost/pkg/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the archival coordinator",
	Long: `Run the coordinator: the REST service that owns the TransferRequest,
Bundle, Metadata, and component status collections, hands out claims,
and reaps the claims of dead workers.

Environment:
  LTA_REST_HOST              listen host (default localhost)
  LTA_REST_PORT              listen port (default 8080)
  LTA_DATA_DIR               document store directory (default ./permafrost-data)
  LTA_AUTH_OPENID_URL        OpenID issuer; empty disables token checks
  LTA_AUTH_AUDIENCE          token audience (default long-term-archive)
  LTA_MAX_CLAIM_AGE_HOURS    reaper claim age cutoff (default 12)
  LTA_REAPER_SLEEP_SECONDS   reaper sweep interval (default 300)
  LTA_STALE_SECONDS          heartbeat staleness for /status (default 86400)
  PROMETHEUS_METRICS_PORT    metrics/health listener port (default 8090)`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadCoordinator()
	if err != nil {
		return err
	}

	log.Init(log.Config{
		Level:      log.ParseLevel(cfg.LogLevel),
		JSONOutput: true,
	})
	metrics.SetVersion(Version)

	fmt.Println("Starting Permafrost coordinator...")
	fmt.Printf("  Address: %s:%d\n", cfg.Host, cfg.Port)
	fmt.Printf("  Data Directory: %s\n", cfg.DataDir)
	fmt.Printf("  Metrics Port: %d\n", cfg.MetricsPort)
	fmt.Println()

	// Open document store
	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open document store: %v", err)
	}
	defer store.Close()
	metrics.RegisterComponent("store", true, "document store open")
	fmt.Println("✓ Document store open")

	// Token verification against the OpenID provider. An empty issuer
	// runs the coordinator open; that mode exists for tests only.
	var verifier auth.Verifier
	if cfg.OpenIDURL != "" {
		verifier, err = auth.NewKeycloakVerifier(cmd.Context(), cfg.OpenIDURL, cfg.Audience)
		if err != nil {
			return fmt.Errorf("failed to reach auth provider: %v", err)
		}
		fmt.Println("✓ Token verification enabled")
	} else {
		logger := log.WithComponent("coordinator")
		logger.Warn().
			Msg("LTA_AUTH_OPENID_URL is empty: token verification DISABLED")
		fmt.Println("⚠ Token verification DISABLED (LTA_AUTH_OPENID_URL is empty)")
	}
	metrics.RegisterComponent("auth", true, "verifier ready")

	// Start stale-claim reaper
	rp := reaper.New(store, cfg.MaxClaimAge, cfg.ReaperSleep)
	rp.Start()
	metrics.RegisterComponent("reaper", true, "sweeping")
	fmt.Println("✓ Claim reaper started")

	// Start queue-depth collector
	collector := metrics.NewCollector(store)
	collector.Start()
	fmt.Println("✓ Metrics collector started")

	// Metrics and health on their own listener, never on the API port
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", metrics.Handler())
	metricsMux.Handle("/health", metrics.HealthHandler())
	metricsServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.MetricsPort),
		Handler: metricsMux,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger := log.WithComponent("coordinator")
			logger.Error().Err(err).Msg("metrics listener failed")
		}
	}()

	// Start API server in background
	server := api.NewServer(cfg, store, verifier)
	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil {
			errCh <- fmt.Errorf("API server error: %v", err)
		}
	}()
	metrics.RegisterComponent("api", true, "serving")

	fmt.Println()
	fmt.Println("Coordinator is running. Press Ctrl+C to stop.")

	// Wait for interrupt signal or API server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		fmt.Println("\nShutting down...")
	case err := <-errCh:
		fmt.Fprintf(os.Stderr, "\nError: %v\n", err)
	}

	// Shutdown
	collector.Stop()
	rp.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Stop(ctx); err != nil {
		return fmt.Errorf("failed to stop API server: %v", err)
	}
	_ = metricsServer.Shutdown(ctx)

	fmt.Println("✓ Shutdown complete")
	return nil
}
