package domain

// JournalRecord is the core entity describing a journal fetched from a source.
// JournalID is the immutable identity; every other field is refreshed on each
// successful fetch.
type JournalRecord struct {
	JournalID   int64
	LibraryID   string
	Title       string
	ISSN        string
	EISSN       string
	Rank        float64
	CoverURL    string
	Available   bool
	HasArticles bool
}

// JournalMeta carries worklist-level metadata kept alongside the journal.
type JournalMeta struct {
	JournalID  int64
	SourceFile string
	Area       string
	ListTitle  string
	ListISSN   string
	ListLibrary string
}

// IssueRecord belongs to exactly one journal. In-press articles have no issue.
type IssueRecord struct {
	IssueID            int64
	JournalID          int64
	Year               int
	Title              string
	Volume             string
	Number             string
	Date               string
	Valid              bool
	Suppressed         bool
	Embargoed          bool
	WithinSubscription bool
}

// ArticleRecord is the canonical article row. A nil IssueID marks an in-press
// article pooled under its journal.
type ArticleRecord struct {
	ArticleID      int64
	JournalID      int64
	IssueID        *int64
	Title          string
	Date           string
	Authors        string
	StartPage      string
	EndPage        string
	Abstract       string
	DOI            string
	PMID           string
	Permalink      string
	FullTextURL    string
	Suppressed     bool
	InPress        bool
	OpenAccess     bool
	WithinHoldings bool
}

// JournalRef is one worklist entry naming a journal to index and the library
// (source) it is fetched through.
type JournalRef struct {
	ID         int64
	Library    string
	Title      string
	ISSN       string
	Area       string
	SourceFile string
}

// YearMark identifies a completed journal-year fetch unit.
type YearMark struct {
	JournalID int64
	Year      int
}

// WriteBatch is the unit of work handed to the single writer. Records are
// upserted first; checkpoint marks are applied in the same transaction after
// the upserts, so a committed checkpoint always implies committed records.
type WriteBatch struct {
	Journal      *JournalRecord
	Meta         *JournalMeta
	Issues       []IssueRecord
	Articles     []ArticleRecord
	JournalTitle string

	// RefreshIssueIDs asks the writer to rebuild listing rows for issues
	// whose article fetch was skipped during an incremental update.
	RefreshIssueIDs []int64

	YearDone      *YearMark
	JournalDoneID int64
}

// Empty reports whether the batch carries neither records nor checkpoints.
func (b WriteBatch) Empty() bool {
	return b.Journal == nil && b.Meta == nil &&
		len(b.Issues) == 0 && len(b.Articles) == 0 &&
		len(b.RefreshIssueIDs) == 0 &&
		b.YearDone == nil && b.JournalDoneID == 0
}

// ArticleRecency is the slice of article metadata used to decide whether an
// added article is fresh enough to notify about.
type ArticleRecency struct {
	Date    string
	InPress bool
}

// SkippedItem records one fetch unit abandoned after retry exhaustion or a
// permanent upstream error.
type SkippedItem struct {
	JournalID int64
	Year      int
	IssueID   int64
	Reason    string
}

// FetchReport summarizes one journal's fetch: partial failures are reported
// here instead of failing the journal.
type FetchReport struct {
	JournalID int64
	Title     string
	Years     int
	Issues    int
	Articles  int
	Skipped   []SkippedItem
}
