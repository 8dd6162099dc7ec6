package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/QianFuv/Paper-Scanner/internal/app"
	"github.com/QianFuv/Paper-Scanner/internal/config"
	"github.com/QianFuv/Paper-Scanner/internal/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()
	logger := logging.New(cfg.Logging.Level)
	application := app.New(cfg, logger)

	root := newRootCommand(application)
	if err := root.ExecuteContext(ctx); err != nil {
		logger.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func newRootCommand(application *app.Application) *cobra.Command {
	root := &cobra.Command{
		Use:           "paperscanner",
		Short:         "Academic journal indexer and change notifier",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newIndexCommand(application))
	root.AddCommand(newNotifyCommand(application))
	return root
}
