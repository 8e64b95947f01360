// Package cli implements the backbone command line.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/tutu-network/backbone/internal/daemon"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "backbone",
	Short: "Points ledger, event bus, notification batching and consistency audits",
	Long: `backbone runs the messaging core of the gamified bot: an append-only
points ledger, an in-process event bus, per-user notification batching and
periodic consistency audits across the feature modules.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "backbone.toml", "Path to the TOML config file")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// withDaemon runs fn against a freshly wired daemon and closes it after.
// Logging stays off so stdout carries only the command output.
func withDaemon(fn func(d *daemon.Daemon) error) error {
	cfg, err := daemon.Load(configPath)
	if err != nil {
		return err
	}
	d, err := daemon.New(cfg, nil)
	if err != nil {
		return fmt.Errorf("open backbone: %w", err)
	}
	runErr := fn(d)
	closeCtx, cancel := context.WithTimeout(context.Background(), daemon.ShutdownTimeout)
	defer cancel()
	if err := d.Close(closeCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
