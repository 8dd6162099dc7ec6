// Package app wires configuration to adapters, stores, and use cases.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/QianFuv/Paper-Scanner/internal/config"
	"github.com/QianFuv/Paper-Scanner/internal/domain"
	"github.com/QianFuv/Paper-Scanner/internal/infrastructure/browzine"
	"github.com/QianFuv/Paper-Scanner/internal/infrastructure/llm"
	"github.com/QianFuv/Paper-Scanner/internal/infrastructure/pushplus"
	"github.com/QianFuv/Paper-Scanner/internal/infrastructure/storage"
	"github.com/QianFuv/Paper-Scanner/internal/infrastructure/weipu"
	"github.com/QianFuv/Paper-Scanner/internal/logging"
	"github.com/QianFuv/Paper-Scanner/internal/source"
	"github.com/QianFuv/Paper-Scanner/internal/usecase"
	"github.com/QianFuv/Paper-Scanner/internal/worklist"
)

// Application wires configs to use cases and lifecycle orchestration.
type Application struct {
	cfg config.Config
	log *slog.Logger
}

// New builds a runnable application instance.
func New(cfg config.Config, baseLogger *slog.Logger) *Application {
	if baseLogger == nil {
		baseLogger = logging.New(cfg.Logging.Level)
	}
	return &Application{cfg: cfg, log: baseLogger}
}

// IndexOptions tune one indexing invocation across the worklists.
type IndexOptions struct {
	// File restricts the run to a single worklist file name.
	File string
	// Workers bounds concurrent issue-article fetches per journal.
	Workers int
	// IssueBatch, when set, overrides Workers for the issue fetch bound.
	IssueBatch int
	// Processes is the number of journals fetched concurrently.
	Processes int
	Timeout   time.Duration
	Resume    bool
	// Update refetches only empty issues and diffs snapshots into a
	// change manifest.
	Update bool
	// Notify runs the notification workflow after an update, driven by
	// the freshly written manifest. Requires Update.
	Notify       bool
	NotifyDryRun bool
}

// NotifyRunOptions tune one standalone notification invocation.
type NotifyRunOptions struct {
	StoreName     string
	Subscriptions string
	StateDir      string
	ChangesFile   string
	Model         string
	MaxCandidates int
	Timeout       time.Duration
	// Retries is the oracle request retry budget.
	Retries             int
	DedupeRetentionDays int
	DryRun              bool
}

func (a *Application) registry(timeout time.Duration) *source.Registry {
	registry := source.NewRegistry()
	registry.Register(browzine.NewClient(a.cfg.Sources.BrowZine.BaseURL, timeout, a.log))
	registry.Register(weipu.NewClient(a.cfg.Sources.Weipu.BaseURL, a.cfg.Sources.Weipu.SigningKey, timeout, a.log))
	return registry
}

// RunIndex discovers worklists and indexes each one into its own store.
// Worklist failures are isolated: a broken store or roster never stops the
// remaining ones, but the first error is reported once all are done.
func (a *Application) RunIndex(ctx context.Context, opts IndexOptions) error {
	if opts.Notify && !opts.Update {
		return fmt.Errorf("notify requires update mode")
	}
	files, err := worklist.Discover(a.cfg.Data.MetaDir, opts.File)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		a.log.Warn("no worklist files found", "metaDir", a.cfg.Data.MetaDir)
		return nil
	}

	registry := a.registry(opts.Timeout)

	var firstErr error
	for _, file := range files {
		if err := a.indexWorklist(ctx, registry, file, opts); err != nil {
			a.log.Error("worklist run failed", "worklist", file, "error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("worklist %s: %w", filepath.Base(file), err)
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return firstErr
}

func (a *Application) indexWorklist(ctx context.Context, registry *source.Registry, file string, opts IndexOptions) error {
	refs, err := worklist.Load(file, a.cfg.Sources.BrowZine.DefaultLibrary)
	if err != nil {
		return err
	}
	stem := strings.TrimSuffix(filepath.Base(file), filepath.Ext(file))
	storeName := stem + ".db"
	storePath := filepath.Join(a.cfg.Data.IndexDir, storeName)
	log := a.log.With("worklist", stem)

	if err := os.MkdirAll(a.cfg.Data.IndexDir, 0o755); err != nil {
		return fmt.Errorf("create index dir: %w", err)
	}
	store, err := storage.Open(ctx, storePath, a.log)
	if err != nil {
		return err
	}
	defer store.Close()

	var before domain.Snapshot
	firstIndex := false
	if opts.Update {
		before, err = store.CollectSnapshot(ctx)
		if err != nil {
			return fmt.Errorf("snapshot before update: %w", err)
		}
		firstIndex = len(before.Issues) == 0 && len(before.InPress) == 0
	}

	// Relocations discovered mid-run are written back to the worklist so
	// the next run starts from the working library. Keyed by ISSN because
	// relocation can change the journal id.
	var relocMu sync.Mutex
	relocated := map[string]domain.JournalRef{}

	issueWorkers := opts.Workers
	if opts.IssueBatch > 0 {
		issueWorkers = opts.IssueBatch
	}
	runner := usecase.NewRunner(registry, store, usecase.RunnerOptions{
		Processes: opts.Processes,
		Fetch: usecase.FetcherOptions{
			Workers: issueWorkers,
			Resume:  opts.Resume,
			Update:  opts.Update,
		},
	}, a.log)
	runner.OnLibraryChange = func(ref domain.JournalRef) {
		if ref.ISSN == "" {
			return
		}
		relocMu.Lock()
		relocated[ref.ISSN] = ref
		relocMu.Unlock()
	}

	reports, err := runner.Run(ctx, refs)
	if err != nil {
		return err
	}
	logReports(log, reports)

	if len(relocated) > 0 {
		for i, ref := range refs {
			if moved, ok := relocated[ref.ISSN]; ok {
				refs[i] = moved
			}
		}
		if err := worklist.Save(file, refs); err != nil {
			log.Error("worklist writeback failed", "error", err)
		} else {
			log.Info("worklist updated with relocated libraries", "journals", len(relocated))
		}
	}

	if !opts.Update {
		if err := store.Optimize(ctx); err != nil {
			return fmt.Errorf("optimize store: %w", err)
		}
		if err := store.MarkListingReady(ctx); err != nil {
			return fmt.Errorf("mark listing ready: %w", err)
		}
		return nil
	}

	after, err := store.CollectSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("snapshot after update: %w", err)
	}
	keys, inPressIDs, summary := usecase.DiffSnapshots(before, after, firstIndex)
	manifest, err := usecase.BuildManifest(ctx, store, storeName, keys, inPressIDs, summary)
	if err != nil {
		return fmt.Errorf("build change manifest: %w", err)
	}
	manifestPath := usecase.ManifestPath(a.cfg.Data.StateDir, storeName)
	if err := usecase.WriteManifest(manifestPath, manifest); err != nil {
		return err
	}
	log.Info("change manifest written",
		"path", manifestPath,
		"changedIssues", len(manifest.ChangedIssueKeys),
		"notifiable", len(manifest.NotifiableArticleIDs),
		"backfill", len(manifest.BackfillArticleIDs))

	if !opts.Notify {
		return nil
	}
	if err := store.Close(); err != nil {
		log.Warn("store close before notify", "error", err)
	}
	return a.RunNotify(ctx, NotifyRunOptions{
		StoreName:   storeName,
		ChangesFile: manifestPath,
		DryRun:      opts.NotifyDryRun,
	})
}

func logReports(log *slog.Logger, reports []domain.FetchReport) {
	var years, issues, articles, skipped int
	for _, report := range reports {
		years += report.Years
		issues += report.Issues
		articles += report.Articles
		skipped += len(report.Skipped)
		if len(report.Skipped) > 0 {
			log.Warn("journal finished with skips",
				"journal", report.JournalID, "title", report.Title, "skipped", len(report.Skipped))
		}
	}
	log.Info("worklist indexed",
		"journals", len(reports), "years", years, "issues", issues,
		"articles", articles, "skipped", skipped)
}

// RunNotify runs the notification workflow against one store.
func (a *Application) RunNotify(ctx context.Context, opts NotifyRunOptions) error {
	storeName, err := a.resolveStoreName(opts.StoreName)
	if err != nil {
		return err
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 180 * time.Second
	}
	subsPath := opts.Subscriptions
	if subsPath == "" {
		subsPath = a.cfg.Data.Subscriptions
	}
	subs, err := config.LoadSubscriptions(subsPath)
	if err != nil {
		return err
	}
	if len(subs.Users) == 0 {
		a.log.Warn("no enabled subscribers, nothing to notify", "subscriptions", subsPath)
		return nil
	}
	if opts.Model != "" {
		subs.Selection.Model = opts.Model
	}
	if opts.MaxCandidates > 0 {
		subs.Selection.MaxCandidates = opts.MaxCandidates
	}
	if subs.Push.Channel == "" {
		subs.Push.Channel = a.cfg.Push.Channel
	}
	if subs.Push.Template == "" {
		subs.Push.Template = a.cfg.Push.Template
	}

	apiKey := subs.OracleAPIKey
	if apiKey == "" {
		apiKey = a.cfg.Oracle.APIKey
	}
	if apiKey == "" && !opts.DryRun {
		return fmt.Errorf("no oracle api key configured")
	}

	store, err := storage.OpenReadOnly(filepath.Join(a.cfg.Data.IndexDir, storeName), a.log)
	if err != nil {
		return err
	}
	defer store.Close()

	selector := llm.NewSelector(a.cfg.Oracle.BaseURL, apiKey, subs.Selection.Model,
		subs.Selection.Temperature, opts.Timeout, a.log)
	if opts.Retries > 0 {
		selector.SetRetries(opts.Retries)
	}
	deliverer := pushplus.New(a.cfg.Push.Endpoint, opts.Timeout, a.log)

	stateDir := opts.StateDir
	if stateDir == "" {
		stateDir = a.cfg.Data.StateDir
	}
	notifier := usecase.NewNotifier(store, selector, deliverer, subs, usecase.NotifyOptions{
		StoreName:           storeName,
		StateDir:            stateDir,
		ChangesFile:         opts.ChangesFile,
		DryRun:              opts.DryRun,
		DedupeRetentionDays: opts.DedupeRetentionDays,
	}, a.log)
	return notifier.Run(ctx)
}

// resolveStoreName picks the store to notify about: an explicit name, or
// the single store built from the single discovered worklist.
func (a *Application) resolveStoreName(name string) (string, error) {
	if name != "" {
		if filepath.Ext(name) == "" {
			name += ".db"
		}
		return name, nil
	}
	files, err := worklist.Discover(a.cfg.Data.MetaDir, "")
	if err != nil {
		return "", err
	}
	if len(files) != 1 {
		return "", fmt.Errorf("found %d worklists, pass an explicit store name", len(files))
	}
	stem := strings.TrimSuffix(filepath.Base(files[0]), filepath.Ext(files[0]))
	return stem + ".db", nil
}
