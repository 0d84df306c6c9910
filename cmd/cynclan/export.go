package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cync-lan/cync-lan/internal/exporter"
	"github.com/cync-lan/cync-lan/internal/infrastructure/config"
	"github.com/cync-lan/cync-lan/internal/infrastructure/logging"
)

// newExportCommand runs only the export HTTP API. Used on first setup,
// before a configuration file exists: the export flow writes it.
func newExportCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "export",
		Short: "Run the export API without the controller",
		Long: "Runs the export HTTP API on its own. Use this on first setup: " +
			"request an OTP, verify it, and the exported account topology is " +
			"written to the configuration file the controller reads.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runExportOnly(cmd, getConfigPath(*configPath))
		},
	}
}

func runExportOnly(cmd *cobra.Command, configPath string) error {
	log := logging.Default()

	// The config file usually does not exist yet; fall back to the
	// exporter defaults when it cannot be loaded.
	expCfg := config.ExporterConfig{
		Host:           "0.0.0.0",
		Port:           8080,
		TokenCachePath: "./data/token_cache.json",
		APIBaseURL:     exporter.DefaultAPIBaseURL,
	}
	if cfg, err := config.Load(configPath); err == nil {
		expCfg = cfg.Exporter
		log = logging.New(cfg.Logging, version)
	} else if !errors.Is(err, os.ErrNotExist) {
		log.Warn("configuration unreadable, using exporter defaults", "error", err)
	}

	tokens := exporter.NewTokenStore(expCfg.TokenCachePath)
	if err := tokens.Load(); err != nil {
		log.Warn("token cache unreadable, starting unauthenticated", "error", err)
	}

	srv, err := exporter.New(exporter.Deps{
		Config:     expCfg,
		ConfigPath: configPath,
		Cloud:      exporter.NewCloudClient(expCfg.APIBaseURL, log),
		Tokens:     tokens,
		Logger:     log,
	})
	if err != nil {
		return &exitError{code: exitStartupError, err: fmt.Errorf("creating export API: %w", err)}
	}

	ctx := cmd.Context()
	if err := srv.Start(ctx); err != nil {
		return &exitError{code: exitStartupError, err: fmt.Errorf("starting export API: %w", err)}
	}
	log.Info("export API running; visit it to export the account topology",
		"address", fmt.Sprintf("%s:%d", expCfg.Host, expCfg.Port),
		"config_path", configPath,
	)

	<-ctx.Done()
	log.Info("shutdown signal received")
	return srv.Close()
}
