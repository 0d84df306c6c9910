// cync-lan - local controller for Cync/Savant smart lighting
//
// This is the main entry point for the controller. It impersonates the
// vendor cloud endpoint on the local network:
//   - Devices are steered here by DNS-overriding the vendor hostnames
//   - Their TLS sessions terminate on the impersonated cloud port
//   - State and commands bridge to Home Assistant over MQTT
//
// The one-time topology export from the real vendor cloud runs over a
// small HTTP API (see internal/exporter).
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// Exit codes: 0 clean shutdown, 1 fatal configuration error,
// 2 unrecoverable I/O startup failure.
const (
	exitConfigError  = 1
	exitStartupError = 2
)

// exitError carries a process exit code alongside the error.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func main() {
	// Cancel on interrupt signals (Ctrl+C, SIGTERM) for graceful shutdown.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	root := newRootCommand()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)

		var exit *exitError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		os.Exit(exitConfigError)
	}
}

// newRootCommand builds the CLI. Running without a subcommand starts
// the controller, matching how the container entrypoint invokes it.
func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "cynclan",
		Short:         "Local controller for Cync/Savant smart lighting",
		Version:       fmt.Sprintf("%s (commit %s, built %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runLoop(cmd.Context(), configPath)
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"path to the YAML configuration file")

	root.AddCommand(
		newRunCommand(&configPath),
		newExportCommand(&configPath),
		newVersionCommand(),
	)
	return root
}

func newRunCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the controller",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runLoop(cmd.Context(), *configPath)
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Printf("cynclan %s\ncommit: %s\nbuilt:  %s\n", version, commit, date)
		},
	}
}

// getConfigPath resolves the configuration file path: the --config
// flag, the CYNCLAN_CONFIG environment variable, then the default.
func getConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if path := os.Getenv("CYNCLAN_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}
