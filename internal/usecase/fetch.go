package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/QianFuv/Paper-Scanner/internal/domain"
	"github.com/QianFuv/Paper-Scanner/internal/ports"
)

const (
	defaultFetchAttempts = 4
	fetchRetryBaseDelay  = time.Second
)

// libraryResolver is implemented by adapters that can relocate a journal to
// a working library when its configured one stops serving content.
type libraryResolver interface {
	ResolveWorkingLibrary(ctx context.Context, ref domain.JournalRef) (domain.JournalRef, bool, string)
}

// FetcherOptions tune one fetch run.
type FetcherOptions struct {
	// Workers bounds concurrent issue-article fetches per journal.
	Workers int
	// Attempts is the per-unit retry budget for transient failures.
	Attempts int
	// Resume skips journals and years already checkpointed.
	Resume bool
	// Update refetches only issues that still have no stored articles and
	// refreshes listing rows for the rest.
	Update bool
}

// Fetcher walks one journal: years, issues, articles, in-press pool. All
// writes go through the batch writer; the fetcher itself never touches the
// store beyond resume reads.
type Fetcher struct {
	adapter ports.SourceAdapter
	writer  ports.BatchWriter
	reader  ports.StoreReader
	opts    FetcherOptions
	log     *slog.Logger

	// OnLibraryChange is invoked when a journal is relocated to a fallback
	// library, letting the caller write the worklist back.
	OnLibraryChange func(ref domain.JournalRef)
}

// NewFetcher builds a fetcher for one source adapter.
func NewFetcher(adapter ports.SourceAdapter, writer ports.BatchWriter, reader ports.StoreReader, opts FetcherOptions, log *slog.Logger) *Fetcher {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Attempts <= 0 {
		opts.Attempts = defaultFetchAttempts
	}
	return &Fetcher{
		adapter: adapter,
		writer:  writer,
		reader:  reader,
		opts:    opts,
		log:     log.With("component", "fetcher", "source", adapter.Name()),
	}
}

// withRetry runs fn with exponential backoff on transient failures. The last
// error is returned unchanged so callers can classify it.
func (f *Fetcher) withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= f.opts.Attempts; attempt++ {
		err = fn()
		if err == nil || !domain.IsTransient(err) {
			return err
		}
		if attempt == f.opts.Attempts {
			break
		}
		delay := fetchRetryBaseDelay * time.Duration(1<<(attempt-1))
		f.log.Warn("transient failure, retrying", "op", op, "attempt", attempt, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// Run fetches one journal end to end and reports what was indexed. Permanent
// failures on single issues or years are recorded as skipped items; only
// journal-level failures abort the run.
func (f *Fetcher) Run(ctx context.Context, ref domain.JournalRef) (domain.FetchReport, error) {
	report := domain.FetchReport{JournalID: ref.ID, Title: ref.Title}

	if f.opts.Resume && !f.opts.Update && ref.ID != 0 {
		done, err := f.reader.JournalDone(ctx, ref.ID)
		if err != nil {
			return report, fmt.Errorf("check journal state: %w", err)
		}
		if done {
			f.log.Info("journal already indexed, skipping", "journal", ref.ID)
			return report, nil
		}
	}

	journal, meta, err := f.fetchJournal(ctx, &ref)
	if err != nil {
		return report, err
	}
	report.JournalID = journal.JournalID
	report.Title = journal.Title

	if err := f.writer.Write(ctx, domain.WriteBatch{
		Journal:      journal,
		Meta:         meta,
		JournalTitle: journal.Title,
	}); err != nil {
		return report, fmt.Errorf("write journal %d: %w", journal.JournalID, err)
	}

	var years []int
	err = f.withRetry(ctx, "fetch years", func() error {
		var fetchErr error
		years, fetchErr = f.adapter.FetchYears(ctx, journal.JournalID, ref.Library)
		return fetchErr
	})
	if err != nil {
		return report, fmt.Errorf("fetch years for journal %d: %w", journal.JournalID, err)
	}

	completedYears := map[int]bool{}
	if f.opts.Resume && !f.opts.Update {
		completedYears, err = f.reader.CompletedYears(ctx, journal.JournalID)
		if err != nil {
			return report, fmt.Errorf("load completed years: %w", err)
		}
	}

	for _, year := range years {
		if completedYears[year] {
			continue
		}
		if err := f.fetchYear(ctx, journal, ref, year, &report); err != nil {
			return report, err
		}
		report.Years++
	}

	if err := f.fetchInPress(ctx, journal, ref, &report); err != nil {
		return report, err
	}
	return report, nil
}

func (f *Fetcher) fetchJournal(ctx context.Context, ref *domain.JournalRef) (*domain.JournalRecord, *domain.JournalMeta, error) {
	var (
		journal *domain.JournalRecord
		meta    *domain.JournalMeta
	)
	err := f.withRetry(ctx, "fetch journal", func() error {
		var fetchErr error
		journal, meta, fetchErr = f.adapter.FetchJournal(ctx, *ref)
		return fetchErr
	})
	if err == nil {
		return journal, meta, nil
	}
	if domain.IsTransient(err) {
		return nil, nil, fmt.Errorf("fetch journal %d: %w", ref.ID, err)
	}

	resolver, ok := f.adapter.(libraryResolver)
	if !ok {
		return nil, nil, fmt.Errorf("fetch journal %d: %w", ref.ID, err)
	}
	resolved, changed, note := resolver.ResolveWorkingLibrary(ctx, *ref)
	if !changed {
		return nil, nil, fmt.Errorf("fetch journal %d: %w", ref.ID, err)
	}
	f.log.Info("relocated journal to fallback library",
		"journal", ref.ID, "library", resolved.Library, "note", note)
	*ref = resolved
	if f.OnLibraryChange != nil {
		f.OnLibraryChange(resolved)
	}

	err = f.withRetry(ctx, "fetch journal", func() error {
		var fetchErr error
		journal, meta, fetchErr = f.adapter.FetchJournal(ctx, *ref)
		return fetchErr
	})
	if err != nil {
		return nil, nil, fmt.Errorf("fetch journal %d after relocation: %w", ref.ID, err)
	}
	return journal, meta, nil
}

// fetchYear pulls one year's issues and their articles, then checkpoints the
// year in the same batch. In update mode, issues that already hold articles
// are not refetched; their listing rows are refreshed instead.
func (f *Fetcher) fetchYear(ctx context.Context, journal *domain.JournalRecord, ref domain.JournalRef, year int, report *domain.FetchReport) error {
	var issues []domain.IssueRecord
	err := f.withRetry(ctx, "fetch issues", func() error {
		var fetchErr error
		issues, fetchErr = f.adapter.FetchIssues(ctx, journal.JournalID, ref.Library, year)
		return fetchErr
	})
	if err != nil {
		if domain.IsTransient(err) {
			return fmt.Errorf("fetch issues for year %d: %w", year, err)
		}
		f.log.Warn("skipping year", "journal", journal.JournalID, "year", year, "error", err)
		report.Skipped = append(report.Skipped, domain.SkippedItem{
			JournalID: journal.JournalID,
			Year:      year,
			Reason:    err.Error(),
		})
		return nil
	}

	var refreshIssueIDs []int64
	toFetch := issues
	if f.opts.Update {
		stored, err := f.reader.IssueIDsWithArticles(ctx, journal.JournalID, year)
		if err != nil {
			return fmt.Errorf("load stored issues: %w", err)
		}
		toFetch = toFetch[:0]
		for _, issue := range issues {
			if stored[issue.IssueID] {
				refreshIssueIDs = append(refreshIssueIDs, issue.IssueID)
				continue
			}
			toFetch = append(toFetch, issue)
		}
	}

	articles, skipped := f.fetchIssueArticles(ctx, journal, ref, toFetch)
	if err := ctx.Err(); err != nil {
		return err
	}
	report.Skipped = append(report.Skipped, skipped...)
	report.Issues += len(issues)
	report.Articles += len(articles)

	batch := domain.WriteBatch{
		Issues:          issues,
		Articles:        articles,
		JournalTitle:    journal.Title,
		RefreshIssueIDs: refreshIssueIDs,
	}
	if len(skipped) == 0 {
		batch.YearDone = &domain.YearMark{JournalID: journal.JournalID, Year: year}
	}
	if err := f.writer.Write(ctx, batch); err != nil {
		return fmt.Errorf("write year %d: %w", year, err)
	}
	return nil
}

// fetchIssueArticles fetches articles for the given issues concurrently,
// bounded by the worker budget. A failed issue is skipped, never fatal.
func (f *Fetcher) fetchIssueArticles(ctx context.Context, journal *domain.JournalRecord, ref domain.JournalRef, issues []domain.IssueRecord) ([]domain.ArticleRecord, []domain.SkippedItem) {
	var (
		mu       sync.Mutex
		articles []domain.ArticleRecord
		skipped  []domain.SkippedItem
	)
	sem := semaphore.NewWeighted(int64(f.opts.Workers))
	var wg sync.WaitGroup

	for _, issue := range issues {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(issue domain.IssueRecord) {
			defer wg.Done()
			defer sem.Release(1)

			var fetched []domain.ArticleRecord
			err := f.withRetry(ctx, "fetch articles", func() error {
				var fetchErr error
				fetched, fetchErr = f.adapter.FetchArticles(ctx, journal.JournalID, ref.Library, issue.IssueID)
				return fetchErr
			})

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				f.log.Warn("skipping issue", "journal", journal.JournalID, "issue", issue.IssueID, "error", err)
				skipped = append(skipped, domain.SkippedItem{
					JournalID: journal.JournalID,
					Year:      issue.Year,
					IssueID:   issue.IssueID,
					Reason:    err.Error(),
				})
				return
			}
			articles = append(articles, fetched...)
		}(issue)
	}
	wg.Wait()
	return articles, skipped
}

// fetchInPress pulls the journal's in-press pool and marks the journal done
// in the same batch.
func (f *Fetcher) fetchInPress(ctx context.Context, journal *domain.JournalRecord, ref domain.JournalRef, report *domain.FetchReport) error {
	var articles []domain.ArticleRecord
	err := f.withRetry(ctx, "fetch in-press", func() error {
		var fetchErr error
		articles, fetchErr = f.adapter.FetchInPress(ctx, journal.JournalID, ref.Library)
		return fetchErr
	})
	if err != nil {
		f.log.Warn("skipping in-press pool", "journal", journal.JournalID, "error", err)
		report.Skipped = append(report.Skipped, domain.SkippedItem{
			JournalID: journal.JournalID,
			Reason:    fmt.Sprintf("in-press: %v", err),
		})
	}
	report.Articles += len(articles)

	batch := domain.WriteBatch{
		Articles:     articles,
		JournalTitle: journal.Title,
	}
	if len(report.Skipped) == 0 {
		batch.JournalDoneID = journal.JournalID
	}
	if batch.Empty() {
		return nil
	}
	if err := f.writer.Write(ctx, batch); err != nil {
		return fmt.Errorf("write in-press pool: %w", err)
	}
	return nil
}
