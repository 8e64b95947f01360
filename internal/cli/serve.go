package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tutu-network/backbone/internal/daemon"
	"github.com/tutu-network/backbone/internal/infra/logging"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the backbone daemon",
	Long: `Run the event bus, notification batching, the audit schedule and the
admin HTTP API until SIGINT or SIGTERM. Pending notifications are flushed on
shutdown.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := daemon.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer logger.Sync()

	d, err := daemon.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("start backbone: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("backbone starting",
		zap.String("config", configPath),
		zap.String("storage", cfg.Storage.Path),
		zap.Bool("api", cfg.API.Enabled),
		zap.Bool("audit", cfg.Audit.Enabled),
	)
	return d.Run(ctx)
}
