package usecase

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/QianFuv/Paper-Scanner/internal/config"
	"github.com/QianFuv/Paper-Scanner/internal/domain"
	"github.com/QianFuv/Paper-Scanner/internal/notifystate"
)

type fakeNotifierStore struct {
	fakeSnapshotSource
	issueCandidates   map[int64][]domain.Candidate
	inPressCandidates map[int64][]domain.Candidate
}

func (f *fakeNotifierStore) CandidatesForIssues(_ context.Context, issueIDs []int64) ([]domain.Candidate, error) {
	var candidates []domain.Candidate
	for _, id := range issueIDs {
		candidates = append(candidates, f.issueCandidates[id]...)
	}
	return candidates, nil
}

func (f *fakeNotifierStore) CandidatesForInPress(_ context.Context, journalIDs []int64) ([]domain.Candidate, error) {
	var candidates []domain.Candidate
	for _, id := range journalIDs {
		candidates = append(candidates, f.inPressCandidates[id]...)
	}
	return candidates, nil
}

type fakeDeliverer struct {
	mu       sync.Mutex
	messages []domain.PushMessage
	failFor  map[string]error
}

func (f *fakeDeliverer) Send(_ context.Context, msg domain.PushMessage) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failFor[msg.Token]; err != nil {
		return "", err
	}
	f.messages = append(f.messages, msg)
	return "msg-1", nil
}

func notifierStore() *fakeNotifierStore {
	snapshot := domain.NewSnapshot()
	snapshot.Issues["10:100"] = domain.NewIDSet(1000)
	return &fakeNotifierStore{
		fakeSnapshotSource: fakeSnapshotSource{snapshot: snapshot},
		issueCandidates: map[int64][]domain.Candidate{
			100: {{ArticleID: 1000, JournalID: 10, Title: "Trade networks", JournalTitle: "Journal of Testing", Abstract: "On trade."}},
		},
	}
}

func testSubscriptions(users ...domain.Subscriber) *config.Subscriptions {
	return &config.Subscriptions{
		Push:      config.PushDefaults{Channel: "mail", Template: "markdown"},
		Selection: domain.SelectionDefaults{MaxCandidates: 120, Model: "test-model", Temperature: 0.2},
		Users:     users,
	}
}

func selectingOracle() *fakeOracle {
	return &fakeOracle{results: []domain.SelectionResult{
		{Summary: "One paper on trade.", Selections: []domain.RankedSelection{{ArticleID: 1000, Score: 88}}},
	}}
}

func TestNotifierDeliversDigestAndRecordsDedupe(t *testing.T) {
	t.Parallel()
	stateDir := t.TempDir()
	deliverer := &fakeDeliverer{}
	notifier := NewNotifier(notifierStore(), selectingOracle(), deliverer,
		testSubscriptions(domain.Subscriber{ID: "u1", Name: "Ada", Token: "tok"}),
		NotifyOptions{StoreName: "econ.db", StateDir: stateDir}, slog.Default())

	require.NoError(t, notifier.Run(context.Background()))
	require.Len(t, deliverer.messages, 1)
	assert.Contains(t, deliverer.messages[0].Content, "Trade networks")
	assert.Equal(t, "mail", deliverer.messages[0].Channel)

	state, err := notifystate.Load(notifier.statePath(), "econ.db")
	require.NoError(t, err)
	assert.Equal(t, notifystate.StatusCompleted, state.Status)
	assert.Contains(t, state.DeliveryDedupe, "u1:1000")
	assert.Equal(t, 1, state.Snapshot.IssueArticleCounts["10:100"])
}

func TestNotifierIdleWhenNothingChanged(t *testing.T) {
	t.Parallel()
	stateDir := t.TempDir()
	store := notifierStore()
	deliverer := &fakeDeliverer{}
	notifier := NewNotifier(store, selectingOracle(), deliverer,
		testSubscriptions(domain.Subscriber{ID: "u1", Name: "Ada", Token: "tok"}),
		NotifyOptions{StoreName: "econ.db", StateDir: stateDir}, slog.Default())

	state, err := notifystate.Load(notifier.statePath(), "econ.db")
	require.NoError(t, err)
	state.Snapshot.IssueArticleCounts["10:100"] = 1
	require.NoError(t, notifystate.Save(notifier.statePath(), state))

	require.NoError(t, notifier.Run(context.Background()))
	assert.Empty(t, deliverer.messages)

	state, err = notifystate.Load(notifier.statePath(), "econ.db")
	require.NoError(t, err)
	assert.Equal(t, notifystate.StatusIdle, state.Status)
}

func TestNotifierManifestDrivesChangeSet(t *testing.T) {
	t.Parallel()
	stateDir := t.TempDir()
	store := notifierStore()
	store.issueCandidates[100] = append(store.issueCandidates[100],
		domain.Candidate{ArticleID: 1001, JournalID: 10, Title: "Old backfill paper"})

	manifestPath := ManifestPath(stateDir, "econ.db")
	require.NoError(t, WriteManifest(manifestPath, domain.ChangeManifest{
		RunID:                "2026-08-31T00:00:00Z",
		StoreName:            "econ.db",
		ChangedIssueKeys:     []string{"10:100"},
		NotifiableArticleIDs: []int64{1000},
	}))

	deliverer := &fakeDeliverer{}
	notifier := NewNotifier(store, selectingOracle(), deliverer,
		testSubscriptions(domain.Subscriber{ID: "u1", Name: "Ada", Token: "tok"}),
		NotifyOptions{StoreName: "econ.db", StateDir: stateDir, ChangesFile: manifestPath},
		slog.Default())

	require.NoError(t, notifier.Run(context.Background()))
	require.Len(t, deliverer.messages, 1)
	assert.NotContains(t, deliverer.messages[0].Content, "Old backfill paper")
}

func TestNotifierIsolatesSubscriberFailure(t *testing.T) {
	t.Parallel()
	stateDir := t.TempDir()
	deliverer := &fakeDeliverer{failFor: map[string]error{"bad": errors.New("invalid token")}}
	oracle := &fakeOracle{results: []domain.SelectionResult{
		{Selections: []domain.RankedSelection{{ArticleID: 1000, Score: 88}}},
		{Selections: []domain.RankedSelection{{ArticleID: 1000, Score: 88}}},
	}}
	notifier := NewNotifier(notifierStore(), oracle, deliverer,
		testSubscriptions(
			domain.Subscriber{ID: "u1", Name: "Ada", Token: "bad"},
			domain.Subscriber{ID: "u2", Name: "Grace", Token: "tok"},
		),
		NotifyOptions{StoreName: "econ.db", StateDir: stateDir}, slog.Default())

	err := notifier.Run(context.Background())
	require.NoError(t, err, "partial failure must not fail the run")
	require.Len(t, deliverer.messages, 1)

	state, loadErr := notifystate.Load(notifier.statePath(), "econ.db")
	require.NoError(t, loadErr)
	assert.Equal(t, notifystate.StatusFailed, state.Status)
	require.NotNil(t, state.Run)
	require.Len(t, state.Run.UserResults, 2)
}

func TestNotifierAllSubscribersFailedReturnsError(t *testing.T) {
	t.Parallel()
	stateDir := t.TempDir()
	deliverer := &fakeDeliverer{failFor: map[string]error{"bad": errors.New("invalid token")}}
	notifier := NewNotifier(notifierStore(), selectingOracle(), deliverer,
		testSubscriptions(domain.Subscriber{ID: "u1", Name: "Ada", Token: "bad"}),
		NotifyOptions{StoreName: "econ.db", StateDir: stateDir}, slog.Default())

	err := notifier.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "every subscriber failed")
}

func TestNotifierDryRunSendsNothing(t *testing.T) {
	t.Parallel()
	stateDir := t.TempDir()
	deliverer := &fakeDeliverer{}
	notifier := NewNotifier(notifierStore(), selectingOracle(), deliverer,
		testSubscriptions(domain.Subscriber{ID: "u1", Name: "Ada", Token: "tok"}),
		NotifyOptions{StoreName: "econ.db", StateDir: stateDir, DryRun: true}, slog.Default())

	require.NoError(t, notifier.Run(context.Background()))
	assert.Empty(t, deliverer.messages)

	state, err := notifystate.Load(notifier.statePath(), "econ.db")
	require.NoError(t, err)
	assert.NotContains(t, state.DeliveryDedupe, "u1:1000")
	assert.Equal(t, notifystate.StatusCompleted, state.Status)
}
