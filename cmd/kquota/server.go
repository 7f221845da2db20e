package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/goodtune/kquota/internal/api"
	"github.com/goodtune/kquota/internal/config"
	"github.com/goodtune/kquota/internal/metrics"
	"github.com/goodtune/kquota/internal/oracle"
	"github.com/goodtune/kquota/internal/quota"
	"github.com/goodtune/kquota/internal/systemd"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start kquota server",
	Long:  `Start the kquota daemon with the family API, the request sweeper and the metrics endpoint.`,
	RunE:  runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Msg("Starting kquota")

	// Check for systemd socket activation
	sdListeners, err := systemd.GetListeners()
	if err != nil {
		return fmt.Errorf("failed to get systemd listeners: %w", err)
	}
	if sdListeners.Activated {
		logger.Info().Msg("Running with systemd socket activation")
	}

	store, err := openStorage(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close storage")
		}
	}()

	logger.Info().Str("type", cfg.Storage.Type).Msg("Storage initialized")

	oracles, err := oracle.New(cfg.Oracle, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize oracle: %w", err)
	}

	logger.Info().
		Str("oracle", oracles.Oracle.Name()).
		Dur("budget", oracles.Budget).
		Msg("Decision oracle initialized")

	engine, err := quota.NewEngine(store, oracles.Oracle, quota.OptionsFromConfig(cfg.Quota, oracles.Budget), logger)
	if err != nil {
		return fmt.Errorf("failed to initialize quota engine: %w", err)
	}
	engine.Start()

	if oracles.Parent != nil {
		go announceParentRequests(oracles.Parent, logger)
	}

	apiAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.APIPort)
	apiServer := api.NewServer(api.Config{
		ListenAddr:     apiAddr,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}, engine, oracles.Parent, logger)

	if sdListeners.Activated && sdListeners.API != nil {
		apiServer.SetListener(sdListeners.API)
	}

	if err := apiServer.Start(); err != nil {
		return fmt.Errorf("failed to start API server: %w", err)
	}

	var metricsServer *metrics.Server
	if cfg.Server.MetricsPort > 0 || (sdListeners.Activated && sdListeners.Metrics != nil) {
		metricsAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.MetricsPort)
		metricsServer = metrics.NewServer(metricsAddr, logger)

		if sdListeners.Activated && sdListeners.Metrics != nil {
			metricsServer.SetListener(sdListeners.Metrics)
		}

		if err := metricsServer.Start(); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
	}

	logger.Info().Msg("kquota startup complete")
	logger.Info().Msgf("API: http://%s", apiAddr)
	if metricsServer != nil {
		logger.Info().Msgf("Metrics: http://%s:%d/metrics", cfg.Server.BindAddress, cfg.Server.MetricsPort)
	}

	if err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd ready notification")
	} else {
		logger.Debug().Msg("Sent systemd ready notification")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	for {
		sig := <-sigChan
		if sig != syscall.SIGHUP {
			logger.Info().Msg("Shutdown signal received, gracefully stopping...")
			break
		}

		if oracles.Policy == nil {
			logger.Info().Msg("SIGHUP received, no policy oracle to reload")
			continue
		}

		logger.Info().Msg("SIGHUP received, reloading decision policy...")
		_ = systemd.NotifyReloading()
		if err := oracles.Policy.Reload(); err != nil {
			logger.Error().Err(err).Msg("Failed to reload decision policy")
		} else {
			logger.Info().Msg("Decision policy reloaded successfully")
		}
		_ = systemd.NotifyReady()
	}

	if err := systemd.NotifyStopping(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd stopping notification")
	}

	if err := apiServer.Stop(); err != nil {
		logger.Error().Err(err).Msg("Error stopping API server")
	}

	engine.Stop()

	// Decisions whose status write failed get a last chance before exit.
	if n := engine.Workflow.Flush(cmd.Context()); n > 0 {
		logger.Warn().Int("remaining", n).Msg("Decisions still unsaved at shutdown")
	}

	if metricsServer != nil {
		if err := metricsServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping metrics server")
		}
	}

	logger.Info().Msg("kquota stopped")

	return nil
}

// announceParentRequests logs every request handed to the parent oracle so an
// operator tailing the journal can see what is waiting for a verdict.
func announceParentRequests(parent *oracle.ParentOracle, logger zerolog.Logger) {
	for in := range parent.Notifications() {
		logger.Info().
			Str("request_id", in.RequestID).
			Str("child", in.ChildName).
			Int("requested_minutes", in.RequestedMinutes).
			Str("reason", in.Reason).
			Msg("Extra time request is waiting for a parent verdict")
	}
}
