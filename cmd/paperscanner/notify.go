package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/QianFuv/Paper-Scanner/internal/app"
)

func newNotifyCommand(application *app.Application) *cobra.Command {
	var (
		storeName     string
		subscriptions string
		stateDir      string
		changesFile   string
		model         string
		maxCandidates int
		timeoutSec    int
		retries       int
		retentionDays int
		dryRun        bool
	)

	cmd := &cobra.Command{
		Use:   "notify",
		Short: "Select new articles per subscriber and deliver digests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return application.RunNotify(cmd.Context(), app.NotifyRunOptions{
				StoreName:           storeName,
				Subscriptions:       subscriptions,
				StateDir:            stateDir,
				ChangesFile:         changesFile,
				Model:               model,
				MaxCandidates:       maxCandidates,
				Timeout:             time.Duration(timeoutSec) * time.Second,
				Retries:             retries,
				DedupeRetentionDays: retentionDays,
				DryRun:              dryRun,
			})
		},
	}

	cmd.Flags().StringVar(&storeName, "db", "", "store name to notify about (defaults to the single worklist's store)")
	cmd.Flags().StringVar(&subscriptions, "subscriptions", "", "path to the subscriptions file")
	cmd.Flags().StringVar(&stateDir, "state-dir", "", "directory holding notification state files")
	cmd.Flags().StringVar(&changesFile, "changes-file", "", "change manifest driving the run instead of the state snapshot diff")
	cmd.Flags().StringVar(&model, "model", "", "override the selection model id")
	cmd.Flags().IntVar(&maxCandidates, "max-candidates", 0, "override the candidate cap sent to the oracle")
	cmd.Flags().IntVar(&timeoutSec, "timeout", 180, "oracle and push request timeout in seconds")
	cmd.Flags().IntVar(&retries, "retries", 0, "override the oracle request retry budget")
	cmd.Flags().IntVar(&retentionDays, "dedupe-retention-days", 0, "delivery dedupe retention (default 60 days)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "select and render digests without delivering pushes")
	return cmd
}
