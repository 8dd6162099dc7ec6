package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/QianFuv/Paper-Scanner/internal/app"
)

func newIndexCommand(application *app.Application) *cobra.Command {
	var (
		file         string
		workers      int
		issueBatch   int
		processes    int
		timeoutSec   int
		noResume     bool
		update       bool
		notify       bool
		notifyDryRun bool
	)

	cmd := &cobra.Command{
		Use:   "index",
		Short: "Index worklist journals into per-worklist stores",
		RunE: func(cmd *cobra.Command, args []string) error {
			return application.RunIndex(cmd.Context(), app.IndexOptions{
				File:         file,
				Workers:      workers,
				IssueBatch:   issueBatch,
				Processes:    processes,
				Timeout:      time.Duration(timeoutSec) * time.Second,
				Resume:       !noResume,
				Update:       update,
				Notify:       notify,
				NotifyDryRun: notifyDryRun,
			})
		},
	}

	cmd.Flags().StringVar(&file, "file", "", "restrict the run to one worklist file name")
	cmd.Flags().IntVar(&workers, "workers", 4, "concurrent issue-article fetches per journal")
	cmd.Flags().IntVar(&issueBatch, "issue-batch", 0, "override --workers for the issue fetch bound")
	cmd.Flags().IntVar(&processes, "processes", 2, "journals fetched concurrently")
	cmd.Flags().IntVar(&timeoutSec, "timeout", 30, "upstream request timeout in seconds")
	cmd.Flags().BoolVar(&noResume, "no-resume", false, "ignore journal and year checkpoints")
	cmd.Flags().BoolVar(&update, "update", false, "refetch empty issues only and write a change manifest")
	cmd.Flags().BoolVar(&notify, "notify", false, "run notification after the update (requires --update)")
	cmd.Flags().BoolVar(&notifyDryRun, "notify-dry-run", false, "run notification without delivering pushes")
	return cmd
}
