package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/QianFuv/Paper-Scanner/internal/domain"
)

var (
	journalColumns = []string{
		"journal_id", "library_id", "title", "issn", "eissn",
		"scimago_rank", "cover_url", "available", "has_articles",
	}
	metaColumns = []string{
		"journal_id", "source_csv", "area", "csv_title", "csv_issn", "csv_library",
	}
	issueColumns = []string{
		"issue_id", "journal_id", "publication_year", "title", "volume",
		"number", "date", "is_valid_issue", "suppressed", "embargoed",
		"within_subscription",
	}
	articleColumns = []string{
		"article_id", "journal_id", "issue_id", "title", "date", "authors",
		"start_page", "end_page", "abstract", "doi", "pmid", "permalink",
		"suppressed", "in_press", "open_access", "within_library_holdings",
		"full_text_file",
	}
	listingColumns = []string{
		"article_id", "journal_id", "issue_id", "publication_year", "date",
		"open_access", "in_press", "suppressed", "within_library_holdings",
		"doi", "pmid", "area",
	}
)

// upsertSuffix builds the DO UPDATE clause refreshing every column after the
// conflict target.
func upsertSuffix(conflict string, columns []string) string {
	assignments := make([]string, 0, len(columns)-1)
	for _, column := range columns[1:] {
		assignments = append(assignments, column+"=excluded."+column)
	}
	return fmt.Sprintf("ON CONFLICT(%s) DO UPDATE SET %s", conflict, strings.Join(assignments, ", "))
}

func boolInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

// ApplyBatch writes one batch in a single transaction: record upserts first,
// then search and listing projections, then checkpoint marks. A committed
// checkpoint therefore always implies committed records.
func (s *Store) ApplyBatch(ctx context.Context, batch domain.WriteBatch) error {
	if batch.Empty() {
		return nil
	}
	return s.withLockRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin batch: %w", err)
		}
		if err := s.applyBatchTx(ctx, tx, batch); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit batch: %w", err)
		}
		return nil
	})
}

func (s *Store) applyBatchTx(ctx context.Context, tx *sql.Tx, batch domain.WriteBatch) error {
	if batch.Journal != nil {
		if err := upsertJournal(ctx, tx, batch.Journal); err != nil {
			return fmt.Errorf("upsert journal %d: %w", batch.Journal.JournalID, err)
		}
	}
	if batch.Meta != nil {
		if err := upsertMeta(ctx, tx, batch.Meta); err != nil {
			return fmt.Errorf("upsert meta %d: %w", batch.Meta.JournalID, err)
		}
	}
	if err := upsertIssues(ctx, tx, batch.Issues); err != nil {
		return fmt.Errorf("upsert issues: %w", err)
	}
	if err := upsertArticles(ctx, tx, batch.Articles); err != nil {
		return fmt.Errorf("upsert articles: %w", err)
	}
	if err := upsertArticleSearch(ctx, tx, batch.Articles, batch.JournalTitle); err != nil {
		return fmt.Errorf("upsert article search: %w", err)
	}

	if len(batch.Articles) > 0 {
		articleIDs := make([]int64, 0, len(batch.Articles))
		for _, article := range batch.Articles {
			articleIDs = append(articleIDs, article.ArticleID)
		}
		if err := refreshListingByArticles(ctx, tx, articleIDs); err != nil {
			return fmt.Errorf("refresh listing: %w", err)
		}
	}
	if err := refreshListingByIssues(ctx, tx, batch.RefreshIssueIDs); err != nil {
		return fmt.Errorf("refresh listing for issues: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	if batch.YearDone != nil {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO journal_year_state (journal_id, year, status, updated_at)
			VALUES (?, ?, 'done', ?)
			ON CONFLICT(journal_id, year) DO UPDATE SET
				status = excluded.status,
				updated_at = excluded.updated_at`,
			batch.YearDone.JournalID, batch.YearDone.Year, now,
		)
		if err != nil {
			return fmt.Errorf("mark year done: %w", err)
		}
	}
	if batch.JournalDoneID != 0 {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO journal_state (journal_id, status, updated_at)
			VALUES (?, 'done', ?)
			ON CONFLICT(journal_id) DO UPDATE SET
				status = excluded.status,
				updated_at = excluded.updated_at`,
			batch.JournalDoneID, now,
		)
		if err != nil {
			return fmt.Errorf("mark journal done: %w", err)
		}
	}
	return nil
}

func upsertJournal(ctx context.Context, tx *sql.Tx, journal *domain.JournalRecord) error {
	query, args, err := sq.Insert("journals").
		Columns(journalColumns...).
		Values(
			journal.JournalID, journal.LibraryID, journal.Title, journal.ISSN,
			journal.EISSN, journal.Rank, journal.CoverURL,
			boolInt(journal.Available), boolInt(journal.HasArticles),
		).
		Suffix(upsertSuffix("journal_id", journalColumns)).
		ToSql()
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, query, args...)
	return err
}

func upsertMeta(ctx context.Context, tx *sql.Tx, meta *domain.JournalMeta) error {
	query, args, err := sq.Insert("journal_meta").
		Columns(metaColumns...).
		Values(
			meta.JournalID, meta.SourceFile, meta.Area,
			meta.ListTitle, meta.ListISSN, meta.ListLibrary,
		).
		Suffix(upsertSuffix("journal_id", metaColumns)).
		ToSql()
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, query, args...)
	return err
}

func upsertIssues(ctx context.Context, tx *sql.Tx, issues []domain.IssueRecord) error {
	if len(issues) == 0 {
		return nil
	}
	builder := sq.Insert("issues").Columns(issueColumns...)
	for _, issue := range issues {
		builder = builder.Values(
			issue.IssueID, issue.JournalID, issue.Year, issue.Title,
			issue.Volume, issue.Number, issue.Date,
			boolInt(issue.Valid), boolInt(issue.Suppressed),
			boolInt(issue.Embargoed), boolInt(issue.WithinSubscription),
		)
	}
	query, args, err := builder.Suffix(upsertSuffix("issue_id", issueColumns)).ToSql()
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, query, args...)
	return err
}

func upsertArticles(ctx context.Context, tx *sql.Tx, articles []domain.ArticleRecord) error {
	if len(articles) == 0 {
		return nil
	}
	builder := sq.Insert("articles").Columns(articleColumns...)
	for _, article := range articles {
		builder = builder.Values(
			article.ArticleID, article.JournalID, article.IssueID,
			article.Title, article.Date, article.Authors,
			article.StartPage, article.EndPage, article.Abstract,
			article.DOI, article.PMID, article.Permalink,
			boolInt(article.Suppressed), boolInt(article.InPress),
			boolInt(article.OpenAccess), boolInt(article.WithinHoldings),
			article.FullTextURL,
		)
	}
	query, args, err := builder.Suffix(upsertSuffix("article_id", articleColumns)).ToSql()
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, query, args...)
	return err
}

func upsertArticleSearch(ctx context.Context, tx *sql.Tx, articles []domain.ArticleRecord, journalTitle string) error {
	if len(articles) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR REPLACE INTO article_search (
			rowid, article_id, title, abstract, doi, authors, journal_title
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, article := range articles {
		_, err := stmt.ExecContext(ctx,
			article.ArticleID, article.ArticleID, article.Title,
			article.Abstract, article.DOI, article.Authors, journalTitle,
		)
		if err != nil {
			return err
		}
	}
	return nil
}

// listingUpsert rebuilds listing rows from the base tables for the rows
// matched by whereClause.
func listingUpsert(whereClause string) string {
	return fmt.Sprintf(
		`INSERT INTO article_listing (%s)
		SELECT
			a.article_id, a.journal_id, a.issue_id, i.publication_year,
			a.date, a.open_access, a.in_press, a.suppressed,
			a.within_library_holdings, a.doi, a.pmid, m.area
		FROM articles a
		LEFT JOIN issues i ON i.issue_id = a.issue_id
		LEFT JOIN journal_meta m ON m.journal_id = a.journal_id
		WHERE %s
		%s`,
		strings.Join(listingColumns, ", "),
		whereClause,
		upsertSuffix("article_id", listingColumns),
	)
}

func refreshListingByArticles(ctx context.Context, tx *sql.Tx, articleIDs []int64) error {
	return refreshListing(ctx, tx, "a.article_id", articleIDs)
}

func refreshListingByIssues(ctx context.Context, tx *sql.Tx, issueIDs []int64) error {
	return refreshListing(ctx, tx, "a.issue_id", issueIDs)
}

func refreshListing(ctx context.Context, tx *sql.Tx, column string, ids []int64) error {
	for start := 0; start < len(ids); start += listingBatchSize {
		end := min(start+listingBatchSize, len(ids))
		chunk := ids[start:end]

		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(chunk)), ", ")
		query := listingUpsert(fmt.Sprintf("%s IN (%s)", column, placeholders))
		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return err
		}
	}
	return nil
}
