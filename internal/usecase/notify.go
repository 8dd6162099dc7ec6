package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/QianFuv/Paper-Scanner/internal/config"
	"github.com/QianFuv/Paper-Scanner/internal/domain"
	"github.com/QianFuv/Paper-Scanner/internal/notifystate"
	"github.com/QianFuv/Paper-Scanner/internal/ports"
)

// NotifierStore is the store surface the notification workflow reads from.
type NotifierStore interface {
	ports.SnapshotSource
	ports.CandidateSource
}

// NotifyOptions tune one notification run.
type NotifyOptions struct {
	StoreName string
	StateDir  string
	// ChangesFile, when set, drives the run from an index-update manifest
	// instead of the state snapshot diff.
	ChangesFile         string
	DryRun              bool
	DedupeRetentionDays int
	MaxRounds           int
}

// Notifier selects articles per subscriber and delivers digests. Subscriber
// failures are isolated: one broken token or oracle outage never blocks the
// rest.
type Notifier struct {
	store     NotifierStore
	oracle    ports.Oracle
	deliverer ports.Deliverer
	subs      *config.Subscriptions
	opts      NotifyOptions
	log       *slog.Logger
}

// NewNotifier builds the notification workflow.
func NewNotifier(store NotifierStore, oracle ports.Oracle, deliverer ports.Deliverer, subs *config.Subscriptions, opts NotifyOptions, log *slog.Logger) *Notifier {
	if opts.DedupeRetentionDays == 0 {
		opts.DedupeRetentionDays = domain.DefaultDedupeRetentionDays
	}
	if opts.MaxRounds <= 0 {
		opts.MaxRounds = domain.MaxSelectionRounds
	}
	return &Notifier{
		store:     store,
		oracle:    oracle,
		deliverer: deliverer,
		subs:      subs,
		opts:      opts,
		log:       log.With("component", "notifier"),
	}
}

func (n *Notifier) statePath() string {
	stem := strings.TrimSuffix(n.opts.StoreName, filepath.Ext(n.opts.StoreName))
	return filepath.Join(n.opts.StateDir, stem+".json")
}

// snapshotCounts reduces the store snapshot to the per-group counts kept in
// the state file.
func snapshotCounts(snapshot domain.Snapshot) notifystate.Snapshot {
	counts := notifystate.Snapshot{
		IssueArticleCounts:   make(map[string]int, len(snapshot.Issues)),
		InPressArticleCounts: make(map[string]int, len(snapshot.InPress)),
	}
	for key, set := range snapshot.Issues {
		counts.IssueArticleCounts[key] = len(set)
	}
	for journalID, set := range snapshot.InPress {
		counts.InPressArticleCounts[strconv.FormatInt(journalID, 10)] = len(set)
	}
	return counts
}

// changedKeys returns the group keys whose counts differ from the previous
// snapshot, sorted numerically.
func changedKeys(previous, current map[string]int, numeric bool) []string {
	var changed []string
	for key, count := range current {
		if prev, ok := previous[key]; !ok || prev != count {
			changed = append(changed, key)
		}
	}
	sort.Slice(changed, func(i, j int) bool {
		if numeric {
			a, _ := strconv.ParseInt(changed[i], 10, 64)
			b, _ := strconv.ParseInt(changed[j], 10, 64)
			return a < b
		}
		return compareIssueKeys(changed[i], changed[j]) < 0
	})
	return changed
}

// Run executes the notification pipeline once. It returns an error only for
// fatal setup failures or when every subscriber failed.
func (n *Notifier) Run(ctx context.Context) error {
	snapshot, err := n.store.CollectSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("collect snapshot: %w", err)
	}
	currentCounts := snapshotCounts(snapshot)

	state, err := notifystate.Load(n.statePath(), n.opts.StoreName)
	if err != nil {
		return err
	}

	var (
		pendingIssueKeys   []string
		pendingInPressKeys []string
		manifestArticleIDs domain.IDSet
		runID              string
	)
	if n.opts.ChangesFile != "" {
		manifest, err := LoadManifest(n.opts.ChangesFile, n.opts.StoreName)
		if err != nil {
			return err
		}
		pendingIssueKeys = manifest.ChangedIssueKeys
		for _, journalID := range manifest.ChangedInPressIDs {
			pendingInPressKeys = append(pendingInPressKeys, strconv.FormatInt(journalID, 10))
		}
		manifestArticleIDs = domain.NewIDSet(manifest.NotifiableArticleIDs...)
		runID = manifest.RunID
	} else {
		pendingIssueKeys = changedKeys(state.Snapshot.IssueArticleCounts, currentCounts.IssueArticleCounts, false)
		pendingInPressKeys = changedKeys(state.Snapshot.InPressArticleCounts, currentCounts.InPressArticleCounts, true)
	}

	if len(pendingIssueKeys) == 0 && len(pendingInPressKeys) == 0 {
		n.log.Info("no updated issues or in-press entries to notify")
		state.Status = notifystate.StatusIdle
		state.Run = nil
		state.UpdatedAt = notifystate.NowISO()
		return notifystate.Save(n.statePath(), state)
	}

	if runID == "" {
		runID = notifystate.NowISO()
	}
	run := notifystate.NewRun(runID, pendingIssueKeys, pendingInPressKeys)
	state.Status = notifystate.StatusRunning
	state.Run = run
	state.UpdatedAt = notifystate.NowISO()
	if err := notifystate.Save(n.statePath(), state); err != nil {
		return err
	}

	candidates, err := n.loadCandidates(ctx, pendingIssueKeys, pendingInPressKeys, manifestArticleIDs)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		n.log.Info("no visible candidates for pending groups")
		n.completeRun(&state, run, pendingIssueKeys, pendingInPressKeys, currentCounts)
		return notifystate.Save(n.statePath(), state)
	}

	forModel := candidates
	if max := n.subs.Selection.MaxCandidates; max > 0 && len(forModel) > max {
		forModel = forModel[:max]
	}
	byID := make(map[int64]domain.Candidate, len(candidates))
	for _, candidate := range candidates {
		byID[candidate.ArticleID] = candidate
	}

	var errs []string
	for _, sub := range n.subs.Users {
		if err := n.notifySubscriber(ctx, sub, forModel, byID, state.DeliveryDedupe, run, runID); err != nil {
			n.log.Error("subscriber failed", "subscriber", sub.ID, "error", err)
			errs = append(errs, fmt.Sprintf("%s: %v", sub.ID, err))
			run.UserResults = append(run.UserResults, notifystate.UserResult{
				SubscriberID: sub.ID,
				Status:       "error",
				Error:        err.Error(),
			})
		}
		run.UpdatedAt = notifystate.NowISO()
		state.UpdatedAt = notifystate.NowISO()
		if err := notifystate.Save(n.statePath(), state); err != nil {
			return err
		}
	}

	if len(errs) > 0 {
		run.Status = notifystate.StatusFailed
		run.Errors = errs
		run.UpdatedAt = notifystate.NowISO()
		state.Status = notifystate.StatusFailed
		state.UpdatedAt = notifystate.NowISO()
		if err := notifystate.Save(n.statePath(), state); err != nil {
			return err
		}
		if len(errs) == len(n.subs.Users) {
			return fmt.Errorf("every subscriber failed: %s", strings.Join(errs, "; "))
		}
		return nil
	}

	state.DeliveryDedupe = notifystate.PruneDedupe(state.DeliveryDedupe, n.opts.DedupeRetentionDays)
	n.completeRun(&state, run, pendingIssueKeys, pendingInPressKeys, currentCounts)
	return notifystate.Save(n.statePath(), state)
}

func (n *Notifier) completeRun(state *notifystate.State, run *notifystate.Run, issueKeys, inPressKeys []string, counts notifystate.Snapshot) {
	now := notifystate.NowISO()
	run.Status = notifystate.StatusCompleted
	run.CompletedAt = now
	run.UpdatedAt = now
	run.DoneIssueKeys = issueKeys
	run.DoneInPressKeys = inPressKeys
	run.PendingIssueKeys = []string{}
	run.PendingInPressKeys = []string{}
	state.Status = notifystate.StatusCompleted
	state.LastCompletedRunAt = now
	state.Snapshot = counts
	state.UpdatedAt = now
}

func (n *Notifier) loadCandidates(ctx context.Context, issueKeys, inPressKeys []string, manifestIDs domain.IDSet) ([]domain.Candidate, error) {
	var issueIDs []int64
	for _, key := range issueKeys {
		_, issueID, err := domain.ParseIssueKey(key)
		if err != nil {
			continue
		}
		issueIDs = append(issueIDs, issueID)
	}
	var journalIDs []int64
	for _, key := range inPressKeys {
		journalID, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			continue
		}
		journalIDs = append(journalIDs, journalID)
	}

	issueCandidates, err := n.store.CandidatesForIssues(ctx, issueIDs)
	if err != nil {
		return nil, fmt.Errorf("load issue candidates: %w", err)
	}
	inPressCandidates, err := n.store.CandidatesForInPress(ctx, journalIDs)
	if err != nil {
		return nil, fmt.Errorf("load in-press candidates: %w", err)
	}

	candidates := dedupeCandidates(append(issueCandidates, inPressCandidates...))
	if manifestIDs == nil {
		return candidates, nil
	}
	filtered := candidates[:0]
	for _, candidate := range candidates {
		if _, ok := manifestIDs[candidate.ArticleID]; ok {
			filtered = append(filtered, candidate)
		}
	}
	return filtered, nil
}

func (n *Notifier) notifySubscriber(ctx context.Context, sub domain.Subscriber, forModel []domain.Candidate, byID map[int64]domain.Candidate, dedupe map[string]string, run *notifystate.Run, runID string) error {
	result := selectWithRounds(ctx, n.oracle, sub, n.subs.Selection, forModel, byID, dedupe, n.opts.MaxRounds, n.log)
	accepted := applySelectionRules(result, sub, byID, dedupe)
	if len(accepted) == 0 {
		run.UserResults = append(run.UserResults, notifystate.UserResult{
			SubscriberID: sub.ID,
			Status:       "skipped",
		})
		return nil
	}

	selected := make([]domain.Candidate, 0, len(accepted))
	for _, item := range accepted {
		if candidate, ok := byID[item.ArticleID]; ok {
			selected = append(selected, candidate)
		}
	}
	summary := result.Summary
	if refined, err := n.oracle.SummarizeSelection(ctx, sub, selected); err == nil && refined != "" {
		summary = refined
	}

	content := BuildDigest(n.opts.StoreName, runID, sub, summary, accepted, byID)
	messageID := ""
	if n.opts.DryRun {
		n.log.Info("dry run, not sending", "subscriber", sub.ID, "selected", len(accepted))
	} else {
		template := sub.Template
		if template == "" {
			template = n.subs.Push.Template
		}
		topic := sub.Topic
		if topic == "" {
			topic = n.subs.Push.Topic
		}
		var err error
		messageID, err = n.deliverer.Send(ctx, domain.PushMessage{
			Token:    sub.Token,
			Title:    DigestTitle(n.opts.StoreName, runID),
			Content:  content,
			Channel:  n.subs.Push.Channel,
			Template: template,
			Topic:    topic,
			Option:   n.subs.Push.Option,
			To:       sub.To,
		})
		if err != nil {
			return err
		}
		sentAt := notifystate.NowISO()
		for _, item := range accepted {
			dedupe[notifystate.DedupeKey(sub.ID, item.ArticleID)] = sentAt
		}
	}

	run.UserResults = append(run.UserResults, notifystate.UserResult{
		SubscriberID:  sub.ID,
		SelectedCount: len(accepted),
		PushedCount:   len(accepted),
		MessageID:     messageID,
		Status:        "ok",
	})
	return nil
}
