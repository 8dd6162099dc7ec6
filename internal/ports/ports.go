package ports

import (
	"context"

	"github.com/QianFuv/Paper-Scanner/internal/domain"
)

// SourceAdapter normalizes one upstream source into the fetch contract.
// Implementations return typed transient/permanent errors; authentication
// and payload recovery are internal to the adapter.
type SourceAdapter interface {
	Name() string
	FetchJournal(ctx context.Context, ref domain.JournalRef) (*domain.JournalRecord, *domain.JournalMeta, error)
	FetchYears(ctx context.Context, journalID int64, libraryID string) ([]int, error)
	FetchIssues(ctx context.Context, journalID int64, libraryID string, year int) ([]domain.IssueRecord, error)
	FetchArticles(ctx context.Context, journalID int64, libraryID string, issueID int64) ([]domain.ArticleRecord, error)
	FetchInPress(ctx context.Context, journalID int64, libraryID string) ([]domain.ArticleRecord, error)
}

// BatchWriter accepts write batches destined for the single writer. Write
// returns once the batch is durably committed (or failed).
type BatchWriter interface {
	Write(ctx context.Context, batch domain.WriteBatch) error
}

// StoreReader exposes the read side of the store used by fetch workers for
// resume decisions. Reads are safe alongside the single writer.
type StoreReader interface {
	JournalDone(ctx context.Context, journalID int64) (bool, error)
	CompletedYears(ctx context.Context, journalID int64) (map[int]bool, error)
	IssueIDsWithArticles(ctx context.Context, journalID int64, year int) (map[int64]bool, error)
}

// StoreWriter applies one write batch inside a single transaction with
// bounded lock retries. Only the writer goroutine calls it.
type StoreWriter interface {
	ApplyBatch(ctx context.Context, batch domain.WriteBatch) error
}

// SnapshotSource collects the current per-group article id sets and the
// article metadata needed to split additions into notifiable and backfill.
type SnapshotSource interface {
	CollectSnapshot(ctx context.Context) (domain.Snapshot, error)
	ArticleRecency(ctx context.Context, ids []int64) (map[int64]domain.ArticleRecency, error)
}

// CandidateSource loads candidate articles for changed groups.
type CandidateSource interface {
	CandidatesForIssues(ctx context.Context, issueIDs []int64) ([]domain.Candidate, error)
	CandidatesForInPress(ctx context.Context, journalIDs []int64) ([]domain.Candidate, error)
}

// Oracle scores candidate articles for a subscriber and summarizes the final
// selection. Failures are isolated per subscriber by the caller.
type Oracle interface {
	SelectArticles(ctx context.Context, sub domain.Subscriber, defaults domain.SelectionDefaults, candidates []domain.Candidate) (domain.SelectionResult, error)
	SummarizeSelection(ctx context.Context, sub domain.Subscriber, selected []domain.Candidate) (string, error)
}

// Deliverer sends one digest and returns the channel's message id.
type Deliverer interface {
	Send(ctx context.Context, msg domain.PushMessage) (string, error)
}
