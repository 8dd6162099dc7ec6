package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/QianFuv/Paper-Scanner/internal/domain"
	"github.com/QianFuv/Paper-Scanner/internal/ports"
	"github.com/QianFuv/Paper-Scanner/internal/source"
)

const writeQueueSize = 16

// writeRequest carries one batch to the writer goroutine and a channel for
// its commit result.
type writeRequest struct {
	batch domain.WriteBatch
	reply chan error
}

// channelWriter is the BatchWriter handed to fetch workers. It forwards
// batches to the single writer goroutine and waits for durability.
type channelWriter struct {
	requests chan<- writeRequest
}

var _ ports.BatchWriter = (*channelWriter)(nil)

func (w *channelWriter) Write(ctx context.Context, batch domain.WriteBatch) error {
	req := writeRequest{batch: batch, reply: make(chan error, 1)}
	select {
	case w.requests <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunnerOptions tune one index run.
type RunnerOptions struct {
	// Processes is the number of concurrent journal workers.
	Processes int
	Fetch     FetcherOptions
}

// RunnerStore is the store surface an index run needs.
type RunnerStore interface {
	ports.StoreReader
	ports.StoreWriter
}

// Runner distributes a worklist across journal workers. Workers never touch
// the store directly: every mutation travels as a WriteBatch to the single
// writer goroutine.
type Runner struct {
	registry *source.Registry
	store    RunnerStore
	opts     RunnerOptions
	log      *slog.Logger

	// OnLibraryChange receives relocated journal refs so the caller can
	// write the worklist back.
	OnLibraryChange func(ref domain.JournalRef)
}

// NewRunner builds a runner over the adapter registry and store.
func NewRunner(registry *source.Registry, store RunnerStore, opts RunnerOptions, log *slog.Logger) *Runner {
	if opts.Processes <= 0 {
		opts.Processes = 1
	}
	return &Runner{
		registry: registry,
		store:    store,
		opts:     opts,
		log:      log.With("component", "runner"),
	}
}

// Run indexes every journal in the worklist and returns per-journal reports.
// A failed journal is reported and does not abort the run.
func (r *Runner) Run(ctx context.Context, refs []domain.JournalRef) ([]domain.FetchReport, error) {
	requests := make(chan writeRequest, writeQueueSize)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		r.drainWrites(ctx, requests)
	}()

	writer := &channelWriter{requests: requests}
	var (
		mu      sync.Mutex
		reports []domain.FetchReport
	)

	group, groupCtx := errgroup.WithContext(ctx)
	for worker := 0; worker < r.opts.Processes; worker++ {
		worker := worker
		group.Go(func() error {
			for i := worker; i < len(refs); i += r.opts.Processes {
				ref := refs[i]
				report, err := r.runJournal(groupCtx, ref, writer)
				if err != nil {
					if groupCtx.Err() != nil {
						return groupCtx.Err()
					}
					r.log.Error("journal failed", "journal", ref.ID, "title", ref.Title, "error", err)
					report.Skipped = append(report.Skipped, domain.SkippedItem{
						JournalID: ref.ID,
						Reason:    err.Error(),
					})
				}
				mu.Lock()
				reports = append(reports, report)
				mu.Unlock()
			}
			return nil
		})
	}

	runErr := group.Wait()
	close(requests)
	<-writerDone
	return reports, runErr
}

func (r *Runner) runJournal(ctx context.Context, ref domain.JournalRef, writer ports.BatchWriter) (domain.FetchReport, error) {
	if ref.ID == 0 && ref.ISSN == "" && ref.Title == "" {
		return domain.FetchReport{}, fmt.Errorf("worklist row has no id, issn, or title")
	}
	adapter, err := r.registry.ForLibrary(ref.Library)
	if err != nil {
		return domain.FetchReport{JournalID: ref.ID, Title: ref.Title}, err
	}
	fetcher := NewFetcher(adapter, writer, r.store, r.opts.Fetch, r.log)
	fetcher.OnLibraryChange = r.OnLibraryChange
	return fetcher.Run(ctx, ref)
}

// drainWrites applies batches sequentially. A failed batch is requeued once;
// a second failure is returned to the waiting worker.
func (r *Runner) drainWrites(ctx context.Context, requests <-chan writeRequest) {
	for req := range requests {
		err := r.store.ApplyBatch(ctx, req.batch)
		if err != nil {
			r.log.Warn("batch apply failed, requeueing once", "error", err)
			err = r.store.ApplyBatch(ctx, req.batch)
		}
		req.reply <- err
	}
}
