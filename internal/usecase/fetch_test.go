package usecase

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/QianFuv/Paper-Scanner/internal/domain"
)

type fakeAdapter struct {
	name       string
	journal    domain.JournalRecord
	years      []int
	issues     map[int][]domain.IssueRecord
	articles   map[int64][]domain.ArticleRecord
	inPress    []domain.ArticleRecord
	articleErr map[int64]error

	mu        sync.Mutex
	yearCalls int
	yearErrs  []error
}

func (f *fakeAdapter) Name() string {
	if f.name == "" {
		return "fake"
	}
	return f.name
}

func (f *fakeAdapter) FetchJournal(_ context.Context, ref domain.JournalRef) (*domain.JournalRecord, *domain.JournalMeta, error) {
	journal := f.journal
	meta := domain.JournalMeta{JournalID: journal.JournalID, SourceFile: ref.SourceFile, Area: ref.Area}
	return &journal, &meta, nil
}

func (f *fakeAdapter) FetchYears(context.Context, int64, string) ([]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.yearCalls < len(f.yearErrs) {
		err := f.yearErrs[f.yearCalls]
		f.yearCalls++
		if err != nil {
			return nil, err
		}
	}
	return f.years, nil
}

func (f *fakeAdapter) FetchIssues(_ context.Context, _ int64, _ string, year int) ([]domain.IssueRecord, error) {
	return f.issues[year], nil
}

func (f *fakeAdapter) FetchArticles(_ context.Context, _ int64, _ string, issueID int64) ([]domain.ArticleRecord, error) {
	if err := f.articleErr[issueID]; err != nil {
		return nil, err
	}
	return f.articles[issueID], nil
}

func (f *fakeAdapter) FetchInPress(context.Context, int64, string) ([]domain.ArticleRecord, error) {
	return f.inPress, nil
}

type recordingStore struct {
	mu           sync.Mutex
	batches      []domain.WriteBatch
	failNext     int
	doneJournals map[int64]bool
	doneYears    map[int64]map[int]bool
	storedIssues map[int64]map[int64]bool
}

func (s *recordingStore) ApplyBatch(_ context.Context, batch domain.WriteBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext > 0 {
		s.failNext--
		return errors.New("apply failed")
	}
	s.batches = append(s.batches, batch)
	return nil
}

func (s *recordingStore) JournalDone(_ context.Context, journalID int64) (bool, error) {
	return s.doneJournals[journalID], nil
}

func (s *recordingStore) CompletedYears(_ context.Context, journalID int64) (map[int]bool, error) {
	if years, ok := s.doneYears[journalID]; ok {
		return years, nil
	}
	return map[int]bool{}, nil
}

func (s *recordingStore) IssueIDsWithArticles(_ context.Context, journalID int64, _ int) (map[int64]bool, error) {
	if issues, ok := s.storedIssues[journalID]; ok {
		return issues, nil
	}
	return map[int64]bool{}, nil
}

type directWriter struct{ store *recordingStore }

func (w *directWriter) Write(ctx context.Context, batch domain.WriteBatch) error {
	return w.store.ApplyBatch(ctx, batch)
}

func testAdapter() *fakeAdapter {
	issueID := int64(100)
	return &fakeAdapter{
		journal: domain.JournalRecord{JournalID: 10, Title: "Journal of Testing", Available: true},
		years:   []int{2026},
		issues: map[int][]domain.IssueRecord{
			2026: {{IssueID: 100, JournalID: 10, Year: 2026}},
		},
		articles: map[int64][]domain.ArticleRecord{
			100: {{ArticleID: 1000, JournalID: 10, IssueID: &issueID}},
		},
		inPress: []domain.ArticleRecord{{ArticleID: 1001, JournalID: 10, InPress: true}},
	}
}

func testRef() domain.JournalRef {
	return domain.JournalRef{ID: 10, Library: "3050", Title: "Journal of Testing"}
}

func TestFetcherRunWritesRecordsThenCheckpoints(t *testing.T) {
	t.Parallel()
	store := &recordingStore{}
	fetcher := NewFetcher(testAdapter(), &directWriter{store}, store, FetcherOptions{}, slog.Default())

	report, err := fetcher.Run(context.Background(), testRef())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Years)
	assert.Equal(t, 1, report.Issues)
	assert.Equal(t, 2, report.Articles)
	assert.Empty(t, report.Skipped)

	require.Len(t, store.batches, 3)
	assert.NotNil(t, store.batches[0].Journal)
	require.NotNil(t, store.batches[1].YearDone)
	assert.Equal(t, 2026, store.batches[1].YearDone.Year)
	assert.Len(t, store.batches[1].Articles, 1)
	assert.Equal(t, int64(10), store.batches[2].JournalDoneID)
	assert.Len(t, store.batches[2].Articles, 1)
}

func TestFetcherResumeSkipsDoneJournal(t *testing.T) {
	t.Parallel()
	store := &recordingStore{doneJournals: map[int64]bool{10: true}}
	fetcher := NewFetcher(testAdapter(), &directWriter{store}, store, FetcherOptions{Resume: true}, slog.Default())

	report, err := fetcher.Run(context.Background(), testRef())
	require.NoError(t, err)
	assert.Empty(t, store.batches)
	assert.Zero(t, report.Years)
}

func TestFetcherResumeSkipsCompletedYears(t *testing.T) {
	t.Parallel()
	adapter := testAdapter()
	adapter.years = []int{2025, 2026}
	adapter.issues[2025] = []domain.IssueRecord{{IssueID: 90, JournalID: 10, Year: 2025}}
	store := &recordingStore{doneYears: map[int64]map[int]bool{10: {2025: true}}}
	fetcher := NewFetcher(adapter, &directWriter{store}, store, FetcherOptions{Resume: true}, slog.Default())

	report, err := fetcher.Run(context.Background(), testRef())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Years)
}

func TestFetcherUpdateRefreshesStoredIssues(t *testing.T) {
	t.Parallel()
	adapter := testAdapter()
	adapter.issues[2026] = append(adapter.issues[2026], domain.IssueRecord{IssueID: 101, JournalID: 10, Year: 2026})
	newID := int64(101)
	adapter.articles[101] = []domain.ArticleRecord{{ArticleID: 2000, JournalID: 10, IssueID: &newID}}
	store := &recordingStore{storedIssues: map[int64]map[int64]bool{10: {100: true}}}
	fetcher := NewFetcher(adapter, &directWriter{store}, store, FetcherOptions{Update: true}, slog.Default())

	_, err := fetcher.Run(context.Background(), testRef())
	require.NoError(t, err)

	yearBatch := store.batches[1]
	assert.Equal(t, []int64{100}, yearBatch.RefreshIssueIDs)
	require.Len(t, yearBatch.Articles, 1)
	assert.Equal(t, int64(2000), yearBatch.Articles[0].ArticleID)
	assert.Len(t, yearBatch.Issues, 2, "issue metadata still refreshed for all issues")
}

func TestFetcherRetriesTransientYears(t *testing.T) {
	t.Parallel()
	adapter := testAdapter()
	adapter.yearErrs = []error{domain.TransientError("fetch years", errors.New("503"))}
	store := &recordingStore{}
	fetcher := NewFetcher(adapter, &directWriter{store}, store, FetcherOptions{}, slog.Default())

	report, err := fetcher.Run(context.Background(), testRef())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Years)
}

func TestFetcherRecordsPermanentIssueSkips(t *testing.T) {
	t.Parallel()
	adapter := testAdapter()
	adapter.articleErr = map[int64]error{100: domain.PermanentError("fetch articles", errors.New("404"))}
	store := &recordingStore{}
	fetcher := NewFetcher(adapter, &directWriter{store}, store, FetcherOptions{}, slog.Default())

	report, err := fetcher.Run(context.Background(), testRef())
	require.NoError(t, err)
	require.Len(t, report.Skipped, 1)
	assert.Equal(t, int64(100), report.Skipped[0].IssueID)

	yearBatch := store.batches[1]
	assert.Nil(t, yearBatch.YearDone, "a skipped issue must not checkpoint the year")
	assert.Zero(t, store.batches[2].JournalDoneID, "skips must not mark the journal done")
}
