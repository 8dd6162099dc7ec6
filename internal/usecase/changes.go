package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/QianFuv/Paper-Scanner/internal/domain"
	"github.com/QianFuv/Paper-Scanner/internal/ports"
)

// notifyWindow is the recency window for push-worthy additions. Older
// additions are still indexed but land in the backfill set.
const notifyWindow = 7 * 24 * time.Hour

// DiffSnapshots compares two store snapshots and reports every group whose
// article set changed. With suppressNew set, groups absent from the before
// snapshot are ignored: a first index of a journal is not a change.
func DiffSnapshots(before, after domain.Snapshot, suppressNew bool) ([]string, []int64, domain.ChangeSummary) {
	summary := domain.ChangeSummary{}
	addedIDs := domain.IDSet{}
	removedIDs := domain.IDSet{}

	issueKeys := map[string]struct{}{}
	for key := range before.Issues {
		issueKeys[key] = struct{}{}
	}
	for key := range after.Issues {
		issueKeys[key] = struct{}{}
	}
	var changedIssueKeys []string
	for key := range issueKeys {
		beforeSet := before.Issues[key]
		afterSet := after.Issues[key]
		if beforeSet.Equal(afterSet) {
			continue
		}
		if suppressNew && len(beforeSet) == 0 {
			continue
		}
		changedIssueKeys = append(changedIssueKeys, key)
	}
	slices.SortFunc(changedIssueKeys, compareIssueKeys)

	for _, key := range changedIssueKeys {
		diff := groupDiff(before.Issues[key], after.Issues[key], addedIDs, removedIDs)
		diff.Key = key
		summary.Issues = append(summary.Issues, diff)
	}

	journalIDs := map[int64]struct{}{}
	for id := range before.InPress {
		journalIDs[id] = struct{}{}
	}
	for id := range after.InPress {
		journalIDs[id] = struct{}{}
	}
	var changedInPressIDs []int64
	for id := range journalIDs {
		beforeSet := before.InPress[id]
		afterSet := after.InPress[id]
		if beforeSet.Equal(afterSet) {
			continue
		}
		if suppressNew && len(beforeSet) == 0 {
			continue
		}
		changedInPressIDs = append(changedInPressIDs, id)
	}
	slices.Sort(changedInPressIDs)

	for _, id := range changedInPressIDs {
		diff := groupDiff(before.InPress[id], after.InPress[id], addedIDs, removedIDs)
		diff.JournalID = id
		summary.InPress = append(summary.InPress, diff)
	}

	summary.ChangedIssueCount = len(changedIssueKeys)
	summary.ChangedInPressCount = len(changedInPressIDs)
	summary.AddedArticleIDs = addedIDs.Sorted()
	summary.RemovedArticleIDs = removedIDs.Sorted()
	summary.AddedArticleCount = len(summary.AddedArticleIDs)
	summary.RemovedArticleCount = len(summary.RemovedArticleIDs)
	return changedIssueKeys, changedInPressIDs, summary
}

func groupDiff(beforeSet, afterSet domain.IDSet, addedAcc, removedAcc domain.IDSet) domain.GroupDiff {
	var added, removed []int64
	for id := range afterSet {
		if _, ok := beforeSet[id]; !ok {
			added = append(added, id)
			addedAcc[id] = struct{}{}
		}
	}
	for id := range beforeSet {
		if _, ok := afterSet[id]; !ok {
			removed = append(removed, id)
			removedAcc[id] = struct{}{}
		}
	}
	slices.Sort(added)
	slices.Sort(removed)
	return domain.GroupDiff{
		BeforeCount: len(beforeSet),
		AfterCount:  len(afterSet),
		Added:       added,
		Removed:     removed,
	}
}

func compareIssueKeys(a, b string) int {
	aJournal, aIssue, errA := domain.ParseIssueKey(a)
	bJournal, bIssue, errB := domain.ParseIssueKey(b)
	if errA != nil || errB != nil {
		return strings.Compare(a, b)
	}
	if aJournal != bJournal {
		if aJournal < bJournal {
			return -1
		}
		return 1
	}
	switch {
	case aIssue < bIssue:
		return -1
	case aIssue > bIssue:
		return 1
	default:
		return 0
	}
}

// parseArticleDate accepts RFC3339 timestamps and bare dates.
func parseArticleDate(value string) (time.Time, bool) {
	text := strings.TrimSpace(value)
	if text == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if parsed, err := time.Parse(layout, text); err == nil {
			return parsed.UTC(), true
		}
	}
	return time.Time{}, false
}

// SplitNotifiable divides added article ids into notifiable and backfill
// sets. In-press articles are always notifiable; dated articles qualify only
// inside the recency window. Undated articles are backfill.
func SplitNotifiable(ctx context.Context, src ports.SnapshotSource, added []int64, now time.Time) (domain.IDSet, domain.IDSet, error) {
	notifiable := domain.IDSet{}
	backfill := domain.NewIDSet(added...)
	if len(added) == 0 {
		return notifiable, backfill, nil
	}

	recency, err := src.ArticleRecency(ctx, added)
	if err != nil {
		return nil, nil, fmt.Errorf("load article recency: %w", err)
	}
	windowStart := now.Add(-notifyWindow)
	for id, meta := range recency {
		if meta.InPress {
			notifiable[id] = struct{}{}
			delete(backfill, id)
			continue
		}
		if date, ok := parseArticleDate(meta.Date); ok && !date.Before(windowStart) {
			notifiable[id] = struct{}{}
			delete(backfill, id)
		}
	}
	return notifiable, backfill, nil
}

// BuildManifest filters the raw diff down to notifiable changes and produces
// the manifest handed to the notification stage. Groups whose additions are
// all backfill move to the backfill key lists.
func BuildManifest(ctx context.Context, src ports.SnapshotSource, storeName string, changedIssueKeys []string, changedInPressIDs []int64, summary domain.ChangeSummary) (domain.ChangeManifest, error) {
	notifiable, backfill, err := SplitNotifiable(ctx, src, summary.AddedArticleIDs, time.Now().UTC())
	if err != nil {
		return domain.ChangeManifest{}, err
	}

	notifiableIssueKeys := map[string]bool{}
	backfillIssueKeys := map[string]bool{}
	for i := range summary.Issues {
		diff := &summary.Issues[i]
		diff.NotifiableAdded, diff.BackfillAdded = splitAdded(diff.Added, notifiable, backfill)
		if len(diff.NotifiableAdded) > 0 {
			notifiableIssueKeys[diff.Key] = true
		}
		if len(diff.BackfillAdded) > 0 {
			backfillIssueKeys[diff.Key] = true
		}
	}

	notifiableInPress := map[int64]bool{}
	backfillInPress := map[int64]bool{}
	for i := range summary.InPress {
		diff := &summary.InPress[i]
		diff.NotifiableAdded, diff.BackfillAdded = splitAdded(diff.Added, notifiable, backfill)
		if len(diff.NotifiableAdded) > 0 {
			notifiableInPress[diff.JournalID] = true
		}
		if len(diff.BackfillAdded) > 0 {
			backfillInPress[diff.JournalID] = true
		}
	}

	filteredIssueKeys := filterKeys(changedIssueKeys, notifiableIssueKeys)
	filteredInPressIDs := filterIDs(changedInPressIDs, notifiableInPress)

	summary.RawIssueCount = len(changedIssueKeys)
	summary.RawInPressCount = len(changedInPressIDs)
	summary.ChangedIssueCount = len(filteredIssueKeys)
	summary.ChangedInPressCount = len(filteredInPressIDs)
	summary.AddedArticleIDs = notifiable.Sorted()
	summary.AddedArticleCount = len(summary.AddedArticleIDs)
	summary.BackfillArticleIDs = backfill.Sorted()
	summary.BackfillArticleCount = len(summary.BackfillArticleIDs)
	summary.BackfillIssueKeys = filterKeys(changedIssueKeys, backfillIssueKeys)
	summary.BackfillInPressIDs = filterIDs(changedInPressIDs, backfillInPress)

	now := time.Now().UTC().Truncate(time.Second).Format(time.RFC3339)
	return domain.ChangeManifest{
		RunID:                now,
		GeneratedAt:          now,
		StoreName:            storeName,
		ChangedIssueKeys:     filteredIssueKeys,
		ChangedInPressIDs:    filteredInPressIDs,
		NotifiableArticleIDs: summary.AddedArticleIDs,
		BackfillIssueKeys:    summary.BackfillIssueKeys,
		BackfillInPressIDs:   summary.BackfillInPressIDs,
		BackfillArticleIDs:   summary.BackfillArticleIDs,
		Summary:              summary,
	}, nil
}

func splitAdded(added []int64, notifiable, backfill domain.IDSet) (notifiableAdded, backfillAdded []int64) {
	for _, id := range added {
		if _, ok := notifiable[id]; ok {
			notifiableAdded = append(notifiableAdded, id)
		}
		if _, ok := backfill[id]; ok {
			backfillAdded = append(backfillAdded, id)
		}
	}
	return notifiableAdded, backfillAdded
}

func filterKeys(keys []string, keep map[string]bool) []string {
	filtered := []string{}
	for _, key := range keys {
		if keep[key] {
			filtered = append(filtered, key)
		}
	}
	return filtered
}

func filterIDs(ids []int64, keep map[int64]bool) []int64 {
	filtered := []int64{}
	for _, id := range ids {
		if keep[id] {
			filtered = append(filtered, id)
		}
	}
	return filtered
}

// ManifestPath returns the manifest location for one store file.
func ManifestPath(stateDir, storeName string) string {
	stem := strings.TrimSuffix(storeName, filepath.Ext(storeName))
	return filepath.Join(stateDir, stem+".changes.json")
}

// WriteManifest persists the manifest atomically.
func WriteManifest(path string, manifest domain.ChangeManifest) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create manifest dir: %w", err)
	}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write manifest %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace manifest %s: %w", path, err)
	}
	return nil
}

// LoadManifest reads a manifest and verifies it belongs to the given store.
func LoadManifest(path, storeName string) (domain.ChangeManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.ChangeManifest{}, fmt.Errorf("read manifest %s: %w", path, err)
	}
	var manifest domain.ChangeManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return domain.ChangeManifest{}, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	if manifest.StoreName != "" && manifest.StoreName != storeName {
		return domain.ChangeManifest{}, fmt.Errorf("manifest %s belongs to store %q, not %q", path, manifest.StoreName, storeName)
	}
	return manifest, nil
}
