package usecase

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/QianFuv/Paper-Scanner/internal/domain"
)

type fakeSnapshotSource struct {
	snapshot domain.Snapshot
	recency  map[int64]domain.ArticleRecency
}

func (f *fakeSnapshotSource) CollectSnapshot(context.Context) (domain.Snapshot, error) {
	return f.snapshot, nil
}

func (f *fakeSnapshotSource) ArticleRecency(_ context.Context, ids []int64) (map[int64]domain.ArticleRecency, error) {
	result := map[int64]domain.ArticleRecency{}
	for _, id := range ids {
		if meta, ok := f.recency[id]; ok {
			result[id] = meta
		}
	}
	return result, nil
}

func TestDiffSnapshotsReportsAddedAndRemoved(t *testing.T) {
	t.Parallel()
	before := domain.NewSnapshot()
	before.Issues["10:100"] = domain.NewIDSet(1, 2)
	before.InPress[10] = domain.NewIDSet(5)

	after := domain.NewSnapshot()
	after.Issues["10:100"] = domain.NewIDSet(1, 3)
	after.Issues["10:101"] = domain.NewIDSet(7)
	after.InPress[10] = domain.NewIDSet(5, 6)

	issueKeys, inPressIDs, summary := DiffSnapshots(before, after, false)
	assert.Equal(t, []string{"10:100", "10:101"}, issueKeys)
	assert.Equal(t, []int64{10}, inPressIDs)
	assert.Equal(t, []int64{3, 6, 7}, summary.AddedArticleIDs)
	assert.Equal(t, []int64{2}, summary.RemovedArticleIDs)
	require.Len(t, summary.Issues, 2)
	assert.Equal(t, []int64{3}, summary.Issues[0].Added)
	assert.Equal(t, []int64{2}, summary.Issues[0].Removed)
	assert.Equal(t, 2, summary.Issues[0].BeforeCount)
	assert.Equal(t, 2, summary.Issues[0].AfterCount)
}

func TestDiffSnapshotsSuppressesFirstIndex(t *testing.T) {
	t.Parallel()
	before := domain.NewSnapshot()
	before.Issues["10:100"] = domain.NewIDSet(1)

	after := domain.NewSnapshot()
	after.Issues["10:100"] = domain.NewIDSet(1, 2)
	after.Issues["20:200"] = domain.NewIDSet(9)
	after.InPress[20] = domain.NewIDSet(11)

	issueKeys, inPressIDs, summary := DiffSnapshots(before, after, true)
	assert.Equal(t, []string{"10:100"}, issueKeys)
	assert.Empty(t, inPressIDs)
	assert.Equal(t, []int64{2}, summary.AddedArticleIDs)
}

func TestDiffSnapshotsSortsKeysNumerically(t *testing.T) {
	t.Parallel()
	after := domain.NewSnapshot()
	after.Issues["9:5"] = domain.NewIDSet(1)
	after.Issues["10:2"] = domain.NewIDSet(2)
	after.Issues["9:30"] = domain.NewIDSet(3)

	issueKeys, _, _ := DiffSnapshots(domain.NewSnapshot(), after, false)
	assert.Equal(t, []string{"9:5", "9:30", "10:2"}, issueKeys)
}

func TestSplitNotifiableAppliesRecencyWindow(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	src := &fakeSnapshotSource{recency: map[int64]domain.ArticleRecency{
		1: {Date: "2026-08-28"},
		2: {Date: "2026-08-01"},
		3: {Date: "2026-07-01", InPress: true},
		4: {Date: ""},
	}}

	notifiable, backfill, err := SplitNotifiable(context.Background(), src, []int64{1, 2, 3, 4, 5}, now)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 3}, notifiable.Sorted())
	assert.Equal(t, []int64{2, 4, 5}, backfill.Sorted())
}

func TestBuildManifestSplitsGroups(t *testing.T) {
	t.Parallel()
	src := &fakeSnapshotSource{recency: map[int64]domain.ArticleRecency{
		1: {Date: time.Now().UTC().AddDate(0, 0, -1).Format("2006-01-02")},
		2: {Date: "2020-01-01"},
	}}
	summary := domain.ChangeSummary{
		AddedArticleIDs: []int64{1, 2},
		Issues: []domain.GroupDiff{
			{Key: "10:100", Added: []int64{1}},
			{Key: "10:101", Added: []int64{2}},
		},
	}

	manifest, err := BuildManifest(context.Background(), src, "econ.db",
		[]string{"10:100", "10:101"}, nil, summary)
	require.NoError(t, err)
	assert.Equal(t, "econ.db", manifest.StoreName)
	assert.Equal(t, []string{"10:100"}, manifest.ChangedIssueKeys)
	assert.Equal(t, []string{"10:101"}, manifest.BackfillIssueKeys)
	assert.Equal(t, []int64{1}, manifest.NotifiableArticleIDs)
	assert.Equal(t, []int64{2}, manifest.BackfillArticleIDs)
	assert.Equal(t, 2, manifest.Summary.RawIssueCount)
	assert.Equal(t, 1, manifest.Summary.ChangedIssueCount)
}

func TestManifestRoundTrip(t *testing.T) {
	t.Parallel()
	path := ManifestPath(t.TempDir(), "econ.db")
	manifest := domain.ChangeManifest{
		RunID:                "2026-08-31T00:00:00Z",
		GeneratedAt:          "2026-08-31T00:00:00Z",
		StoreName:            "econ.db",
		ChangedIssueKeys:     []string{"10:100"},
		ChangedInPressIDs:    []int64{10},
		NotifiableArticleIDs: []int64{1},
	}
	require.NoError(t, WriteManifest(path, manifest))
	assert.Equal(t, filepath.Base(path), "econ.changes.json")

	loaded, err := LoadManifest(path, "econ.db")
	require.NoError(t, err)
	assert.Equal(t, manifest.ChangedIssueKeys, loaded.ChangedIssueKeys)
	assert.Equal(t, manifest.ChangedInPressIDs, loaded.ChangedInPressIDs)

	_, err = LoadManifest(path, "other.db")
	require.Error(t, err)
}
