// Package storage implements the SQLite index store. One store file holds
// the journals of one roster; a single writer applies batches while fetch
// workers read concurrently through WAL.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/QianFuv/Paper-Scanner/internal/ports"
)

const (
	busyTimeout = 30 * time.Second

	lockRetryAttempts  = 6
	lockRetryBaseDelay = 500 * time.Millisecond

	listingBatchSize = 500
	queryChunkSize   = 900
)

// Store wraps the SQLite handle together with the schema it guarantees.
type Store struct {
	db  *sql.DB
	log *slog.Logger
}

var (
	_ ports.StoreReader     = (*Store)(nil)
	_ ports.StoreWriter     = (*Store)(nil)
	_ ports.SnapshotSource  = (*Store)(nil)
	_ ports.CandidateSource = (*Store)(nil)
)

// Open opens (creating if needed) the store at path and ensures its schema.
func Open(ctx context.Context, path string, log *slog.Logger) (*Store, error) {
	dsn := fmt.Sprintf(
		"file:%s?_journal_mode=WAL&_synchronous=NORMAL&_foreign_keys=on&_busy_timeout=%d",
		url.PathEscape(path), busyTimeout.Milliseconds(),
	)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}

	store := &Store{db: db, log: log.With("component", "storage")}
	if err := store.init(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init store %s: %w", path, err)
	}
	return store, nil
}

// OpenReadOnly opens an existing store without touching its schema.
func OpenReadOnly(path string, log *slog.Logger) (*Store, error) {
	dsn := fmt.Sprintf(
		"file:%s?mode=ro&_busy_timeout=%d",
		url.PathEscape(path), busyTimeout.Milliseconds(),
	)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}
	return &Store{db: db, log: log.With("component", "storage")}, nil
}

// Close releases the underlying handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// isLocked reports whether err is a transient SQLite lock failure.
func isLocked(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		if sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked {
			return true
		}
	}
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "database is locked")
}

// withLockRetry runs fn, retrying with linear backoff while SQLite reports
// the database locked. Any other error aborts immediately.
func (s *Store) withLockRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < lockRetryAttempts; attempt++ {
		err = fn()
		if err == nil || !isLocked(err) {
			return err
		}
		if attempt == lockRetryAttempts-1 {
			break
		}
		s.log.Warn("store locked, retrying", "attempt", attempt+1)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(lockRetryBaseDelay * time.Duration(attempt+1)):
		}
	}
	return err
}

func (s *Store) init(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS journals (
			journal_id INTEGER PRIMARY KEY,
			library_id TEXT NOT NULL,
			title TEXT,
			issn TEXT,
			eissn TEXT,
			scimago_rank REAL,
			cover_url TEXT,
			available INTEGER,
			has_articles INTEGER
		);`,
		`CREATE TABLE IF NOT EXISTS journal_meta (
			journal_id INTEGER PRIMARY KEY,
			source_csv TEXT NOT NULL,
			area TEXT,
			csv_title TEXT,
			csv_issn TEXT,
			csv_library TEXT,
			FOREIGN KEY (journal_id) REFERENCES journals(journal_id)
				ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS issues (
			issue_id INTEGER PRIMARY KEY,
			journal_id INTEGER NOT NULL,
			publication_year INTEGER,
			title TEXT,
			volume TEXT,
			number TEXT,
			date TEXT,
			is_valid_issue INTEGER,
			suppressed INTEGER,
			embargoed INTEGER,
			within_subscription INTEGER,
			FOREIGN KEY (journal_id) REFERENCES journals(journal_id)
				ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS articles (
			article_id INTEGER PRIMARY KEY,
			journal_id INTEGER NOT NULL,
			issue_id INTEGER,
			title TEXT,
			date TEXT,
			authors TEXT,
			start_page TEXT,
			end_page TEXT,
			abstract TEXT,
			doi TEXT,
			pmid TEXT,
			permalink TEXT,
			suppressed INTEGER,
			in_press INTEGER,
			open_access INTEGER,
			within_library_holdings INTEGER,
			full_text_file TEXT,
			FOREIGN KEY (journal_id) REFERENCES journals(journal_id)
				ON DELETE CASCADE,
			FOREIGN KEY (issue_id) REFERENCES issues(issue_id)
				ON DELETE SET NULL
		);`,
		`CREATE TABLE IF NOT EXISTS article_listing (
			article_id INTEGER PRIMARY KEY,
			journal_id INTEGER NOT NULL,
			issue_id INTEGER,
			publication_year INTEGER,
			date TEXT,
			open_access INTEGER,
			in_press INTEGER,
			suppressed INTEGER,
			within_library_holdings INTEGER,
			doi TEXT,
			pmid TEXT,
			area TEXT,
			FOREIGN KEY (journal_id) REFERENCES journals(journal_id)
				ON DELETE CASCADE,
			FOREIGN KEY (issue_id) REFERENCES issues(issue_id)
				ON DELETE SET NULL
		);`,
		`CREATE TABLE IF NOT EXISTS listing_state (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			status TEXT,
			updated_at TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS journal_year_state (
			journal_id INTEGER NOT NULL,
			year INTEGER NOT NULL,
			status TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (journal_id, year)
		);`,
		`CREATE TABLE IF NOT EXISTS journal_state (
			journal_id INTEGER PRIMARY KEY,
			status TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS article_search
		USING fts5(
			article_id UNINDEXED,
			title,
			abstract,
			doi,
			authors,
			journal_title
		);`,
		`CREATE INDEX IF NOT EXISTS idx_journals_issn ON journals(issn);`,
		`CREATE INDEX IF NOT EXISTS idx_journals_library_id ON journals(library_id);`,
		`CREATE INDEX IF NOT EXISTS idx_issues_journal_year ON issues(journal_id, publication_year);`,
		`CREATE INDEX IF NOT EXISTS idx_articles_journal ON articles(journal_id);`,
		`CREATE INDEX IF NOT EXISTS idx_articles_issue ON articles(issue_id);`,
		`CREATE INDEX IF NOT EXISTS idx_articles_date_id ON articles(date, article_id);`,
		`CREATE INDEX IF NOT EXISTS idx_articles_in_press_date_id ON articles(in_press, date, article_id);`,
		`CREATE INDEX IF NOT EXISTS idx_articles_doi ON articles(doi);`,
		`CREATE INDEX IF NOT EXISTS idx_article_listing_date_id ON article_listing(date, article_id);`,
		`CREATE INDEX IF NOT EXISTS idx_article_listing_area ON article_listing(area);`,
		`CREATE INDEX IF NOT EXISTS idx_article_listing_journal ON article_listing(journal_id);`,
		`CREATE INDEX IF NOT EXISTS idx_article_listing_issue ON article_listing(issue_id);`,
	}
	for _, stmt := range statements {
		if err := s.withLockRetry(ctx, func() error {
			_, err := s.db.ExecContext(ctx, stmt)
			return err
		}); err != nil {
			return err
		}
	}
	return nil
}

// Optimize runs post-load maintenance.
func (s *Store) Optimize(ctx context.Context) error {
	for _, stmt := range []string{"ANALYZE;", "PRAGMA optimize;"} {
		if err := s.withLockRetry(ctx, func() error {
			_, err := s.db.ExecContext(ctx, stmt)
			return err
		}); err != nil {
			return fmt.Errorf("optimize store: %w", err)
		}
	}
	return nil
}

// MarkListingReady flips the listing readiness row consumers poll.
func (s *Store) MarkListingReady(ctx context.Context) error {
	return s.withLockRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO listing_state (id, status, updated_at)
			VALUES (1, 'ready', ?)
			ON CONFLICT(id) DO UPDATE SET
				status = excluded.status,
				updated_at = excluded.updated_at`,
			time.Now().UTC().Format(time.RFC3339),
		)
		return err
	})
}
