// Gray Logic AV bridge.
//
// Connects one JBL MA-series receiver over its IP control port to the Gray
// Logic MQTT bus, keeps a local state history and command audit log, and
// serves a small HTTP API for diagnostics and direct control.
//
// Commands:
//
//	graylogic-avr run                 run the bridge until SIGINT/SIGTERM
//	graylogic-avr probe --host H      connect once and print the receiver state
//	graylogic-avr send on             publish a command over MQTT and wait for its ack
//	graylogic-avr migrate [status|down]
//	graylogic-avr version
package main

import (
	"context"
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

func main() {
	// Cancel on Ctrl+C and SIGTERM so every command shuts down through its defers
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd builds the command tree. Kept separate from main for tests.
func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "graylogic-avr",
		Short: "Gray Logic bridge for JBL MA-series AV receivers",
		Long: `graylogic-avr keeps a JBL MA-series receiver connected over its IP
control port and bridges its state and commands to the Gray Logic MQTT bus.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", getConfigPath(),
		"Path to config.yaml (env GRAYLOGIC_CONFIG)")

	root.AddCommand(newRunCmd(&configPath))
	root.AddCommand(newProbeCmd(&configPath))
	root.AddCommand(newSendCmd(&configPath))
	root.AddCommand(newMigrateCmd(&configPath))
	root.AddCommand(newVersionCmd())

	return root
}

// getConfigPath returns the configuration file path.
// Uses GRAYLOGIC_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("GRAYLOGIC_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "graylogic-avr %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}
