package domain

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// IDSet is a set of article identifiers.
type IDSet map[int64]struct{}

// NewIDSet builds a set from the provided ids.
func NewIDSet(ids ...int64) IDSet {
	set := make(IDSet, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

// Equal reports whether both sets hold the same ids.
func (s IDSet) Equal(other IDSet) bool {
	if len(s) != len(other) {
		return false
	}
	for id := range s {
		if _, ok := other[id]; !ok {
			return false
		}
	}
	return true
}

// Sorted returns the set's ids in ascending order.
func (s IDSet) Sorted() []int64 {
	ids := make([]int64, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// IssueKey builds the group key for one issue of a journal.
func IssueKey(journalID, issueID int64) string {
	return fmt.Sprintf("%d:%d", journalID, issueID)
}

// ParseIssueKey splits a "journal:issue" group key.
func ParseIssueKey(key string) (journalID, issueID int64, err error) {
	parts := strings.SplitN(key, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid issue key %q", key)
	}
	journalID, err = strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid issue key %q", key)
	}
	issueID, err = strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid issue key %q", key)
	}
	return journalID, issueID, nil
}

// Snapshot holds the set of article ids per diffable group at one point in
// time: issues keyed by "journal:issue", and per-journal in-press pools.
type Snapshot struct {
	Issues  map[string]IDSet
	InPress map[int64]IDSet
}

// NewSnapshot returns a snapshot with initialized maps.
func NewSnapshot() Snapshot {
	return Snapshot{
		Issues:  map[string]IDSet{},
		InPress: map[int64]IDSet{},
	}
}

// GroupDiff is the exact before/after delta for one group key. Added ids
// are further split into notifiable and backfill once recency is known.
type GroupDiff struct {
	Key             string  `json:"issue_key,omitempty"`
	JournalID       int64   `json:"journal_id,omitempty"`
	BeforeCount     int     `json:"before_count"`
	AfterCount      int     `json:"after_count"`
	Added           []int64 `json:"added_article_ids"`
	Removed         []int64 `json:"removed_article_ids"`
	NotifiableAdded []int64 `json:"notifiable_added_article_ids,omitempty"`
	BackfillAdded   []int64 `json:"backfill_added_article_ids,omitempty"`
}

// ChangeSummary aggregates the per-group diffs of one run. The raw counts
// preserve the pre-filter group totals.
type ChangeSummary struct {
	ChangedIssueCount    int         `json:"changed_issue_count"`
	ChangedInPressCount  int         `json:"changed_inpress_count"`
	RawIssueCount        int         `json:"raw_changed_issue_count,omitempty"`
	RawInPressCount      int         `json:"raw_changed_inpress_count,omitempty"`
	AddedArticleCount    int         `json:"added_article_count"`
	RemovedArticleCount  int         `json:"removed_article_count"`
	AddedArticleIDs      []int64     `json:"added_article_ids"`
	RemovedArticleIDs    []int64     `json:"removed_article_ids"`
	BackfillArticleCount int         `json:"backfill_article_count,omitempty"`
	BackfillArticleIDs   []int64     `json:"backfill_article_ids,omitempty"`
	BackfillIssueKeys    []string    `json:"backfill_issue_keys,omitempty"`
	BackfillInPressIDs   []int64     `json:"backfill_inpress_journal_ids,omitempty"`
	Issues               []GroupDiff `json:"issues"`
	InPress              []GroupDiff `json:"inpress"`
}

// ChangeManifest is the serialized diff output consumed by the notification
// stage. Changed groups hold recent additions worth notifying about;
// backfill groups hold older additions delivered without a push.
type ChangeManifest struct {
	RunID       string `json:"run_id"`
	GeneratedAt string `json:"generated_at"`
	StoreName   string `json:"db_name"`

	ChangedIssueKeys     []string `json:"changed_issue_keys"`
	ChangedInPressIDs    []int64  `json:"changed_inpress_journal_ids"`
	NotifiableArticleIDs []int64  `json:"notifiable_article_ids"`
	BackfillIssueKeys    []string `json:"backfill_issue_keys"`
	BackfillInPressIDs   []int64  `json:"backfill_inpress_journal_ids"`
	BackfillArticleIDs   []int64  `json:"backfill_article_ids"`

	Summary ChangeSummary `json:"summary"`
}
