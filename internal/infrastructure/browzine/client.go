// Package browzine implements the API-backed journal source.
package browzine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/QianFuv/Paper-Scanner/internal/domain"
	"github.com/QianFuv/Paper-Scanner/internal/ports"
)

const (
	// tokenExpiryBuffer discards cached tokens this close to expiry so a
	// long issue fetch never starts with a token about to lapse.
	tokenExpiryBuffer = 5 * time.Minute

	acceptJSONAPI = "application/vnd.api+json"
	acceptPlain   = "application/json, text/javascript, */*; q=0.01"

	maxInPressPages = 1000
)

// fallbackLibraries are tried in order when a journal is unavailable in its
// roster library.
var fallbackLibraries = []string{"215", "866", "72", "853", "554", "371", "230"}

type cachedToken struct {
	value     string
	expiresAt time.Time
}

func (t cachedToken) valid(now time.Time) bool {
	if t.expiresAt.IsZero() {
		return true
	}
	return t.expiresAt.Sub(now) > tokenExpiryBuffer
}

// Client talks to the BrowZine API. Tokens are cached per library and
// refreshed once on a 401 response.
type Client struct {
	baseURL string
	http    *http.Client
	log     *slog.Logger

	mu     sync.Mutex
	tokens map[string]cachedToken
}

var _ ports.SourceAdapter = (*Client)(nil)

// NewClient builds an API client against baseURL.
func NewClient(baseURL string, timeout time.Duration, log *slog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		log:     log.With("component", "browzine"),
		tokens:  map[string]cachedToken{},
	}
}

// Name identifies the adapter in the source registry.
func (c *Client) Name() string { return "browzine" }

func (c *Client) cachedToken(libraryID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	token, ok := c.tokens[libraryID]
	if !ok || !token.valid(time.Now()) {
		return "", false
	}
	return token.value, true
}

func (c *Client) storeToken(libraryID, value string, expiresAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens[libraryID] = cachedToken{value: value, expiresAt: expiresAt}
}

func (c *Client) getToken(ctx context.Context, libraryID string, refresh bool) (string, error) {
	if !refresh {
		if token, ok := c.cachedToken(libraryID); ok {
			return token, nil
		}
	}

	payload, err := json.Marshal(map[string]any{
		"libraryId":      libraryID,
		"returnPreproxy": true,
		"client":         "bzweb",
		"forceAuth":      false,
	})
	if err != nil {
		return "", fmt.Errorf("encode token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api-tokens", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Accept", acceptPlain)
	req.Header.Set("Content-Type", "application/json; charset=UTF-8")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", domain.TransientError("browzine token", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", classifyStatus("browzine token", resp.StatusCode)
	}

	var body struct {
		Tokens []struct {
			ID        string `json:"id"`
			ExpiresAt string `json:"expires_at"`
		} `json:"api-tokens"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", domain.PermanentError("browzine token", err)
	}
	if len(body.Tokens) == 0 || body.Tokens[0].ID == "" {
		return "", domain.PermanentError("browzine token", fmt.Errorf("empty token payload"))
	}

	var expiresAt time.Time
	if raw := body.Tokens[0].ExpiresAt; raw != "" {
		if parsed, err := time.Parse(time.RFC3339, raw); err == nil {
			expiresAt = parsed
		}
	}
	c.storeToken(libraryID, body.Tokens[0].ID, expiresAt)
	return body.Tokens[0].ID, nil
}

// getJSON performs one authenticated GET, refreshing the token once on 401.
// Transient failures are classified for the caller's retry loop, not retried
// here.
func (c *Client) getJSON(ctx context.Context, op, path, libraryID string, params url.Values, accept string, out any) error {
	token, err := c.getToken(ctx, libraryID, false)
	if err != nil {
		return err
	}

	refreshed := false
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+params.Encode(), nil)
		if err != nil {
			return fmt.Errorf("%s: build request: %w", op, err)
		}
		req.Header.Set("Accept", accept)
		req.Header.Set("Authorization", "Bearer "+token)

		resp, err := c.http.Do(req)
		if err != nil {
			return domain.TransientError(op, err)
		}

		if resp.StatusCode == http.StatusUnauthorized && !refreshed {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			refreshed = true
			token, err = c.getToken(ctx, libraryID, true)
			if err != nil {
				return err
			}
			continue
		}

		if resp.StatusCode != http.StatusOK {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			return classifyStatus(op, resp.StatusCode)
		}

		err = json.NewDecoder(resp.Body).Decode(out)
		resp.Body.Close()
		if err != nil {
			return domain.PermanentError(op, fmt.Errorf("decode response: %w", err))
		}
		return nil
	}
}

func classifyStatus(op string, status int) error {
	err := fmt.Errorf("unexpected status %d", status)
	switch status {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return domain.TransientError(op, err)
	}
	return domain.PermanentError(op, err)
}

func baseParams() url.Values {
	return url.Values{"client": []string{"bzweb"}}
}

// FetchJournal returns the journal record and roster metadata for a
// reference, falling back to roster values for fields the API omits.
func (c *Client) FetchJournal(ctx context.Context, ref domain.JournalRef) (*domain.JournalRecord, *domain.JournalMeta, error) {
	var body struct {
		Data journalPayload `json:"data"`
	}
	path := fmt.Sprintf("/libraries/%s/journals/%d", ref.Library, ref.ID)
	if err := c.getJSON(ctx, "browzine journal", path, ref.Library, baseParams(), acceptJSONAPI, &body); err != nil {
		return nil, nil, err
	}

	record := body.Data.toRecord(ref)
	meta := &domain.JournalMeta{
		JournalID:   record.JournalID,
		SourceFile:  ref.SourceFile,
		Area:        ref.Area,
		ListTitle:   ref.Title,
		ListISSN:    ref.ISSN,
		ListLibrary: ref.Library,
	}
	return record, meta, nil
}

// SearchByISSN looks a journal up in a specific library.
func (c *Client) SearchByISSN(ctx context.Context, issn, libraryID string) (*domain.JournalRecord, error) {
	var body struct {
		Data []journalPayload `json:"data"`
	}
	params := baseParams()
	params.Set("query", issn)
	path := fmt.Sprintf("/libraries/%s/search", libraryID)
	if err := c.getJSON(ctx, "browzine search", path, libraryID, params, acceptPlain, &body); err != nil {
		return nil, err
	}
	if len(body.Data) == 0 {
		return nil, nil
	}
	ref := domain.JournalRef{Library: libraryID}
	return body.Data[0].toRecord(ref), nil
}

// FetchYears lists the publication years available for a journal.
func (c *Client) FetchYears(ctx context.Context, journalID int64, libraryID string) ([]int, error) {
	var body struct {
		PublicationYears []struct {
			ID flexInt64 `json:"id"`
		} `json:"publicationYears"`
	}
	path := fmt.Sprintf("/libraries/%s/journals/%d/publication-years", libraryID, journalID)
	if err := c.getJSON(ctx, "browzine years", path, libraryID, baseParams(), acceptJSONAPI, &body); err != nil {
		return nil, err
	}
	years := make([]int, 0, len(body.PublicationYears))
	for _, item := range body.PublicationYears {
		if item.ID != 0 {
			years = append(years, int(item.ID))
		}
	}
	return years, nil
}

// FetchIssues lists the issues of one journal year.
func (c *Client) FetchIssues(ctx context.Context, journalID int64, libraryID string, year int) ([]domain.IssueRecord, error) {
	var body struct {
		Issues []issuePayload `json:"issues"`
	}
	params := baseParams()
	params.Set("publication-year", strconv.Itoa(year))
	path := fmt.Sprintf("/libraries/%s/journals/%d/issues", libraryID, journalID)
	if err := c.getJSON(ctx, "browzine issues", path, libraryID, params, acceptJSONAPI, &body); err != nil {
		return nil, err
	}

	issues := make([]domain.IssueRecord, 0, len(body.Issues))
	for _, payload := range body.Issues {
		if record, ok := payload.toRecord(journalID, year); ok {
			issues = append(issues, record)
		}
	}
	return issues, nil
}

// CurrentIssue returns the most recent issue, or nil if the journal has none.
func (c *Client) CurrentIssue(ctx context.Context, journalID int64, libraryID string) (*domain.IssueRecord, error) {
	var body struct {
		Issues []issuePayload `json:"issues"`
	}
	path := fmt.Sprintf("/libraries/%s/journals/%d/issues/current", libraryID, journalID)
	if err := c.getJSON(ctx, "browzine current issue", path, libraryID, baseParams(), acceptJSONAPI, &body); err != nil {
		return nil, err
	}
	if len(body.Issues) == 0 {
		return nil, nil
	}
	if record, ok := body.Issues[0].toRecord(journalID, 0); ok {
		return &record, nil
	}
	return nil, nil
}

// FetchArticles lists all articles of an issue.
func (c *Client) FetchArticles(ctx context.Context, journalID int64, libraryID string, issueID int64) ([]domain.ArticleRecord, error) {
	var body struct {
		Data []articlePayload `json:"data"`
	}
	path := fmt.Sprintf("/libraries/%s/issues/%d/articles", libraryID, issueID)
	if err := c.getJSON(ctx, "browzine articles", path, libraryID, baseParams(), acceptJSONAPI, &body); err != nil {
		return nil, err
	}

	articles := make([]domain.ArticleRecord, 0, len(body.Data))
	for _, payload := range body.Data {
		if record, ok := payload.toRecord(journalID, issueID); ok {
			articles = append(articles, record)
		}
	}
	return articles, nil
}

// FetchInPress collects the journal's in-press pool, following pagination
// cursors. A repeated cursor ends the walk.
func (c *Client) FetchInPress(ctx context.Context, journalID int64, libraryID string) ([]domain.ArticleRecord, error) {
	path := fmt.Sprintf("/libraries/%s/journals/%d/articles-in-press", libraryID, journalID)
	seen := map[string]struct{}{}
	var results []domain.ArticleRecord
	cursor := ""

	for page := 0; page < maxInPressPages; page++ {
		params := baseParams()
		if cursor != "" {
			if _, dup := seen[cursor]; dup {
				break
			}
			seen[cursor] = struct{}{}
			params.Set("cursor", cursor)
		}

		var body struct {
			Data []articlePayload `json:"data"`
			Meta struct {
				Cursor struct {
					Next string `json:"next"`
				} `json:"cursor"`
			} `json:"meta"`
		}
		if err := c.getJSON(ctx, "browzine in-press", path, libraryID, params, acceptJSONAPI, &body); err != nil {
			return nil, err
		}
		for _, payload := range body.Data {
			if record, ok := payload.toRecord(journalID, 0); ok {
				record.IssueID = nil
				results = append(results, record)
			}
		}
		cursor = body.Meta.Cursor.Next
		if cursor == "" {
			break
		}
	}
	return results, nil
}

// ResolveWorkingLibrary validates that the journal serves content in its
// roster library and, when it does not, searches the fallback libraries by
// ISSN for a usable copy. The returned reference always carries a library;
// the bool reports whether content was verified.
func (c *Client) ResolveWorkingLibrary(ctx context.Context, ref domain.JournalRef) (domain.JournalRef, bool, string) {
	ok, reason := c.validateJournal(ctx, ref.ID, ref.Library)
	if ok {
		return ref, true, reason
	}
	if ref.ISSN == "" {
		return ref, false, reason
	}

	for _, library := range fallbackLibraries {
		if library == ref.Library {
			continue
		}
		match, err := c.SearchByISSN(ctx, ref.ISSN, library)
		if err != nil || match == nil || match.JournalID == 0 {
			continue
		}
		if ok, fallbackReason := c.validateJournal(ctx, match.JournalID, library); ok {
			resolved := ref
			resolved.ID = match.JournalID
			resolved.Library = library
			return resolved, true, fallbackReason
		}
	}
	return ref, false, reason
}

// validateJournal checks the journal is available and its current issue
// carries articles with real content.
func (c *Client) validateJournal(ctx context.Context, journalID int64, libraryID string) (bool, string) {
	record, _, err := c.FetchJournal(ctx, domain.JournalRef{ID: journalID, Library: libraryID})
	if err != nil {
		return false, "journal not found"
	}
	if !record.Available {
		return false, "journal not available"
	}

	current, err := c.CurrentIssue(ctx, journalID, libraryID)
	if err != nil || current == nil {
		return false, "no current issue found"
	}

	articles, err := c.FetchArticles(ctx, journalID, libraryID, current.IssueID)
	if err != nil || len(articles) == 0 {
		return false, "no articles found in current issue"
	}
	for _, article := range articles {
		if article.Abstract != "" || article.FullTextURL != "" {
			return true, "valid"
		}
	}
	return false, "articles have no actual content"
}
