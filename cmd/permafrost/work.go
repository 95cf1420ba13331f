package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/coldpoint/permafrost/pkg/config"
	"github.com/coldpoint/permafrost/pkg/log"
	"github.com/coldpoint/permafrost/pkg/metrics"
	"github.com/coldpoint/permafrost/pkg/stages"
	"github.com/coldpoint/permafrost/pkg/worker"
)

var workCmd = &cobra.Command{
	Use:   "work COMPONENT_TYPE",
	Short: "Run a stage worker",
	Long: `Run one stage worker against the coordinator named by LTA_REST_URL.

The worker claims one job at a time, performs its stage's action, and
PATCHes the outcome back. A heartbeat loop reports liveness under
/status/{component_type} the whole time. SIGINT/SIGTERM finishes the
in-flight action and exits 0.

Component types:
  ` + strings.Join(stages.Names(), "\n  ") + `

Common environment: COMPONENT_NAME, LTA_REST_URL, LTA_AUTH_OPENID_URL,
CLIENT_ID, CLIENT_SECRET, SOURCE_SITE, DEST_SITE, INPUT_STATUS,
OUTPUT_STATUS, WORK_SLEEP_DURATION_SECONDS, RUN_ONCE_AND_DIE,
RUN_UNTIL_NO_WORK. Each stage adds its own keys; a missing key is
named in the startup error.`,
	Args: cobra.ExactArgs(1),
	RunE: runWork,
}

func runWork(cmd *cobra.Command, args []string) error {
	componentType := args[0]
	extra, ok := stages.Env(componentType)
	if !ok {
		return fmt.Errorf("unknown component type %q (expected one of %s)",
			componentType, strings.Join(stages.Names(), ", "))
	}

	cfg, extras, err := config.LoadWorker(extra)
	if err != nil {
		return err
	}

	log.Init(log.Config{
		Level:      log.ParseLevel(cfg.LogLevel),
		JSONOutput: true,
	})
	metrics.SetVersion(Version)

	claimant := worker.Identity(cfg.ComponentName)
	logger := log.WithWorker(componentType, claimant)
	logger.Info().
		Str("coordinator", cfg.RestURL).
		Str("source_site", cfg.SourceSite).
		Str("dest_site", cfg.DestSite).
		Msg("stage worker starting")

	// Fatal here, not mid-run: a worker that cannot mint a token will
	// never claim anything.
	workClient, err := worker.WorkClient(cfg)
	if err != nil {
		return fmt.Errorf("failed to build coordinator client: %v", err)
	}
	heartbeats, err := worker.HeartbeatClient(cfg)
	if err != nil {
		return fmt.Errorf("failed to build heartbeat client: %v", err)
	}

	stage, err := stages.New(componentType, stages.Params{
		Config:   cfg,
		Extras:   extras,
		Claimant: claimant,
		Work:     workClient,
	})
	if err != nil {
		return err
	}

	// Each worker exposes its own metrics and health listener
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", metrics.Handler())
	metricsMux.Handle("/health", metrics.HealthHandler())
	metricsServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.MetricsPort),
		Handler: metricsMux,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics listener failed")
		}
	}()
	metrics.RegisterComponent(componentType, true, "working")

	w := worker.New(cfg, claimant, stage, heartbeats)
	w.Start()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
		w.Stop()
		<-w.Done()
	case <-w.Done():
		// RUN_ONCE_AND_DIE or RUN_UNTIL_NO_WORK ended the run.
	}

	logger.Info().Msg("stage worker stopped")
	return nil
}
