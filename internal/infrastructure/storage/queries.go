package storage

import (
	"context"
	"database/sql"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/QianFuv/Paper-Scanner/internal/domain"
)

// JournalDone reports whether the journal's full fetch has been checkpointed.
func (s *Store) JournalDone(ctx context.Context, journalID int64) (bool, error) {
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT status FROM journal_state WHERE journal_id = ?`, journalID,
	).Scan(&status)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query journal state %d: %w", journalID, err)
	}
	return status == "done", nil
}

// CompletedYears returns the set of years already checkpointed for a journal.
func (s *Store) CompletedYears(ctx context.Context, journalID int64) (map[int]bool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT year FROM journal_year_state WHERE journal_id = ? AND status = 'done'`,
		journalID,
	)
	if err != nil {
		return nil, fmt.Errorf("query completed years %d: %w", journalID, err)
	}
	defer rows.Close()

	years := map[int]bool{}
	for rows.Next() {
		var year int
		if err := rows.Scan(&year); err != nil {
			return nil, fmt.Errorf("scan completed year: %w", err)
		}
		years[year] = true
	}
	return years, rows.Err()
}

// IssueIDsWithArticles returns the issue ids of a journal year that already
// hold at least one article row. Incremental updates skip these issues.
func (s *Store) IssueIDsWithArticles(ctx context.Context, journalID int64, year int) (map[int64]bool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT a.issue_id
		FROM articles a
		JOIN issues i ON i.issue_id = a.issue_id
		WHERE i.journal_id = ? AND i.publication_year = ?`,
		journalID, year,
	)
	if err != nil {
		return nil, fmt.Errorf("query issues with articles %d/%d: %w", journalID, year, err)
	}
	defer rows.Close()

	issues := map[int64]bool{}
	for rows.Next() {
		var issueID int64
		if err := rows.Scan(&issueID); err != nil {
			return nil, fmt.Errorf("scan issue id: %w", err)
		}
		issues[issueID] = true
	}
	return issues, rows.Err()
}

// CollectSnapshot walks every article row and groups ids by issue key and
// per-journal in-press pool.
func (s *Store) CollectSnapshot(ctx context.Context) (domain.Snapshot, error) {
	snapshot := domain.NewSnapshot()
	rows, err := s.db.QueryContext(ctx,
		`SELECT article_id, journal_id, issue_id, COALESCE(in_press, 0) FROM articles`,
	)
	if err != nil {
		return snapshot, fmt.Errorf("collect snapshot: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			articleID int64
			journalID int64
			issueID   sql.NullInt64
			inPress   int
		)
		if err := rows.Scan(&articleID, &journalID, &issueID, &inPress); err != nil {
			return snapshot, fmt.Errorf("scan snapshot row: %w", err)
		}
		switch {
		case issueID.Valid:
			key := domain.IssueKey(journalID, issueID.Int64)
			set, ok := snapshot.Issues[key]
			if !ok {
				set = domain.IDSet{}
				snapshot.Issues[key] = set
			}
			set[articleID] = struct{}{}
		case inPress != 0:
			set, ok := snapshot.InPress[journalID]
			if !ok {
				set = domain.IDSet{}
				snapshot.InPress[journalID] = set
			}
			set[articleID] = struct{}{}
		}
	}
	return snapshot, rows.Err()
}

// ArticleRecency loads date and in-press flags for the given article ids,
// querying in chunks to stay under the parameter limit.
func (s *Store) ArticleRecency(ctx context.Context, ids []int64) (map[int64]domain.ArticleRecency, error) {
	recency := make(map[int64]domain.ArticleRecency, len(ids))
	for start := 0; start < len(ids); start += queryChunkSize {
		end := min(start+queryChunkSize, len(ids))
		chunk := ids[start:end]

		query, args, err := sq.Select("article_id", "COALESCE(date, '')", "COALESCE(in_press, 0)").
			From("articles").
			Where(sq.Eq{"article_id": chunk}).
			ToSql()
		if err != nil {
			return nil, err
		}
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("query article recency: %w", err)
		}
		for rows.Next() {
			var (
				articleID int64
				date      string
				inPress   int
			)
			if err := rows.Scan(&articleID, &date, &inPress); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan recency row: %w", err)
			}
			recency[articleID] = domain.ArticleRecency{Date: date, InPress: inPress != 0}
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
	}
	return recency, nil
}

func candidateSelect() sq.SelectBuilder {
	return sq.Select(
		"a.article_id", "a.journal_id", "a.issue_id",
		"COALESCE(NULLIF(TRIM(a.title), ''), 'Untitled article')",
		"COALESCE(a.abstract, '')",
		"COALESCE(a.date, '')",
		"COALESCE(NULLIF(TRIM(j.title), ''), 'Unknown journal')",
		"COALESCE(a.doi, '')",
		"COALESCE(a.full_text_file, '')",
		"COALESCE(a.permalink, '')",
		"COALESCE(a.open_access, 0)",
		"COALESCE(a.in_press, 0)",
		"COALESCE(a.within_library_holdings, 0)",
	).
		From("articles a").
		LeftJoin("journals j ON j.journal_id = a.journal_id").
		Where("COALESCE(a.suppressed, 0) = 0").
		OrderBy("a.date DESC", "a.article_id DESC")
}

// CandidatesForIssues loads the candidate articles of the changed issues.
func (s *Store) CandidatesForIssues(ctx context.Context, issueIDs []int64) ([]domain.Candidate, error) {
	if len(issueIDs) == 0 {
		return nil, nil
	}
	return s.queryCandidates(ctx, candidateSelect().Where(sq.Eq{"a.issue_id": issueIDs}))
}

// CandidatesForInPress loads the in-press candidate articles of the changed
// journals. In-press rows have no issue.
func (s *Store) CandidatesForInPress(ctx context.Context, journalIDs []int64) ([]domain.Candidate, error) {
	if len(journalIDs) == 0 {
		return nil, nil
	}
	builder := candidateSelect().
		Where("a.issue_id IS NULL").
		Where("COALESCE(a.in_press, 0) = 1").
		Where(sq.Eq{"a.journal_id": journalIDs})
	return s.queryCandidates(ctx, builder)
}

func (s *Store) queryCandidates(ctx context.Context, builder sq.SelectBuilder) ([]domain.Candidate, error) {
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query candidates: %w", err)
	}
	defer rows.Close()

	var candidates []domain.Candidate
	for rows.Next() {
		var (
			candidate domain.Candidate
			issueID   sql.NullInt64
			oa        int
			inPress   int
			holdings  int
		)
		err := rows.Scan(
			&candidate.ArticleID, &candidate.JournalID, &issueID,
			&candidate.Title, &candidate.Abstract, &candidate.Date,
			&candidate.JournalTitle, &candidate.DOI, &candidate.FullTextURL,
			&candidate.Permalink, &oa, &inPress, &holdings,
		)
		if err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		if issueID.Valid {
			id := issueID.Int64
			candidate.IssueID = &id
		}
		candidate.OpenAccess = oa != 0
		candidate.InPress = inPress != 0
		candidate.WithinHoldings = holdings != 0
		candidates = append(candidates, candidate)
	}
	return candidates, rows.Err()
}
