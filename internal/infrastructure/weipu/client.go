// Package weipu implements the HTML-backed journal source for the CQVIP
// platform. Listing pages embed their data in a window.__NUXT__ script
// fragment; the signed JSON API fills in years the pages omit.
package weipu

import (
	"bytes"
	"context"
	"crypto/des"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/QianFuv/Paper-Scanner/internal/domain"
	"github.com/QianFuv/Paper-Scanner/internal/ports"
)

const (
	appID          = "f0de4ab08fbe4ca2afd1708d160d33a4"
	apiPathPrefix  = "/newsite"
	detailBudget   = 5
	detailAttempts = 3
)

// Client fetches journal data from CQVIP pages and its signed API. Page
// state (session uuid, server clock offset) is captured from payloads and
// reused for request signing.
type Client struct {
	baseURL    string
	signingKey string
	http       *http.Client
	log        *slog.Logger

	mu           sync.Mutex
	uuid         string
	env          string
	serverOffset time.Duration
	journals     map[int64]*journalEntry
	issues       map[int64]issueRef
	journalByGCH map[string]int64
}

type journalEntry struct {
	weipuID string
	name    string
	issn    string
	years   []yearEntry
}

type yearEntry struct {
	year   int
	issues []issueEntry
}

type issueEntry struct {
	id      int64
	weipuID string
	name    string
}

type issueRef struct {
	journalWeipuID string
	issueWeipuID   string
}

var _ ports.SourceAdapter = (*Client)(nil)

// NewClient builds a CQVIP client. signingKey is the shared API secret.
func NewClient(baseURL, signingKey string, timeout time.Duration, log *slog.Logger) *Client {
	return &Client{
		baseURL:      baseURL,
		signingKey:   signingKey,
		http:         &http.Client{Timeout: timeout},
		log:          log.With("component", "weipu"),
		journals:     map[int64]*journalEntry{},
		issues:       map[int64]issueRef{},
		journalByGCH: map[string]int64{},
	}
}

// Name identifies the adapter in the source registry.
func (c *Client) Name() string { return "weipu" }

// stableID maps a platform string identifier into the signed 64-bit space
// shared with numeric identifiers. Numeric values pass through unchanged.
func stableID(value, prefix string) int64 {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
		return parsed
	}
	digest := sha256.Sum256([]byte(prefix + ":" + value))
	raw := binary.BigEndian.Uint64(digest[:8])
	safe := int64(raw & (1<<63 - 1))
	if safe == 0 {
		return 1
	}
	return safe
}

// FetchJournal resolves a roster reference to a CQVIP journal and caches its
// year and issue layout for the follow-up calls.
func (c *Client) FetchJournal(ctx context.Context, ref domain.JournalRef) (*domain.JournalRecord, *domain.JournalMeta, error) {
	weipuID := ""
	if ref.ID != 0 {
		weipuID = strconv.FormatInt(ref.ID, 10)
	}

	details, err := c.journalDetails(ctx, weipuID)
	if err != nil && domain.IsTransient(err) {
		return nil, nil, err
	}
	if details == nil {
		match := c.searchJournal(ctx, ref.ISSN, ref.Title)
		if match != "" {
			weipuID = match
			details, err = c.journalDetails(ctx, weipuID)
			if err != nil && domain.IsTransient(err) {
				return nil, nil, err
			}
		}
	}
	if details == nil {
		return nil, nil, domain.PermanentError("weipu journal", fmt.Errorf("no details for journal %q", ref.Title))
	}

	journalID := stableID(weipuID, "weipu-journal")
	if journalID == 0 {
		return nil, nil, domain.PermanentError("weipu journal", fmt.Errorf("journal %q has no usable id", ref.Title))
	}

	totalIssues := 0
	for _, year := range details.years {
		totalIssues += len(year.issues)
	}

	c.mu.Lock()
	details.weipuID = weipuID
	c.journals[journalID] = details
	c.journalByGCH[weipuID] = journalID
	for _, year := range details.years {
		for _, issue := range year.issues {
			c.issues[issue.id] = issueRef{journalWeipuID: weipuID, issueWeipuID: issue.weipuID}
		}
	}
	c.mu.Unlock()

	title := details.name
	if title == "" {
		title = ref.Title
	}
	issn := details.issn
	if issn == "" {
		issn = ref.ISSN
	}
	record := &domain.JournalRecord{
		JournalID:   journalID,
		LibraryID:   ref.Library,
		Title:       title,
		ISSN:        issn,
		Available:   true,
		HasArticles: totalIssues > 0,
	}
	meta := &domain.JournalMeta{
		JournalID:   journalID,
		SourceFile:  ref.SourceFile,
		Area:        ref.Area,
		ListTitle:   ref.Title,
		ListISSN:    ref.ISSN,
		ListLibrary: ref.Library,
	}
	return record, meta, nil
}

// FetchYears serves the year list cached by FetchJournal.
func (c *Client) FetchYears(ctx context.Context, journalID int64, libraryID string) ([]int, error) {
	c.mu.Lock()
	entry := c.journals[journalID]
	c.mu.Unlock()
	if entry == nil {
		return nil, domain.PermanentError("weipu years", fmt.Errorf("journal %d not fetched", journalID))
	}
	years := make([]int, 0, len(entry.years))
	for _, year := range entry.years {
		years = append(years, year.year)
	}
	return years, nil
}

// FetchIssues serves one cached year as issue records.
func (c *Client) FetchIssues(ctx context.Context, journalID int64, libraryID string, year int) ([]domain.IssueRecord, error) {
	c.mu.Lock()
	entry := c.journals[journalID]
	c.mu.Unlock()
	if entry == nil {
		return nil, domain.PermanentError("weipu issues", fmt.Errorf("journal %d not fetched", journalID))
	}
	for _, yearEntry := range entry.years {
		if yearEntry.year != year {
			continue
		}
		records := make([]domain.IssueRecord, 0, len(yearEntry.issues))
		for _, issue := range yearEntry.issues {
			records = append(records, domain.IssueRecord{
				IssueID:   issue.id,
				JournalID: journalID,
				Year:      year,
				Title:     issue.name,
				Number:    issue.name,
				Valid:     true,
			})
		}
		return records, nil
	}
	return nil, nil
}

// FetchArticles loads the issue listing page and normalizes its article
// payloads. Detail pages fill abstracts, DOIs, and dates the listing omits.
func (c *Client) FetchArticles(ctx context.Context, journalID int64, libraryID string, issueID int64) ([]domain.ArticleRecord, error) {
	c.mu.Lock()
	ref, ok := c.issues[issueID]
	c.mu.Unlock()
	if !ok {
		return nil, domain.PermanentError("weipu articles", fmt.Errorf("issue %d not fetched", issueID))
	}

	pageURL := fmt.Sprintf("%s/journal/%s/%s", c.baseURL, ref.journalWeipuID, ref.issueWeipuID)
	html, payload, err := c.fetchPage(ctx, pageURL)
	if err != nil {
		return nil, err
	}
	c.updateState(payload)

	raw := extractCatalogArticles(payload)
	if len(raw) == 0 {
		raw = selectBestArticleList(payload)
	}

	prefix := fmt.Sprintf("weipu-article:%d", journalID)
	articles := make([]articleData, 0, len(raw))
	for _, item := range raw {
		if article, ok := normalizeArticle(item, prefix); ok {
			articles = append(articles, article)
		}
	}

	doiMap := extractDOIMap(payload)
	links := extractDocLinks(c.baseURL, html)
	c.enrichArticles(ctx, articles, doiMap, links)

	records := make([]domain.ArticleRecord, 0, len(articles))
	for _, article := range articles {
		if !isNumericPage(article.startPage) || !isNumericPage(article.endPage) {
			continue
		}
		id := issueID
		records = append(records, domain.ArticleRecord{
			ArticleID: article.id,
			JournalID: journalID,
			IssueID:   &id,
			Title:     article.title,
			Date:      article.date,
			Authors:   article.authors,
			StartPage: article.startPage,
			EndPage:   article.endPage,
			Abstract:  article.abstract,
			DOI:       article.doi,
			Permalink: article.detailURL,
		})
	}
	return records, nil
}

// FetchInPress returns nothing: the platform has no in-press pool.
func (c *Client) FetchInPress(ctx context.Context, journalID int64, libraryID string) ([]domain.ArticleRecord, error) {
	return nil, nil
}

// journalDetails loads the journal landing page and merges in API years when
// the page covers fewer years than the platform reports.
func (c *Client) journalDetails(ctx context.Context, weipuID string) (*journalEntry, error) {
	if weipuID == "" {
		return nil, nil
	}
	pageURL := fmt.Sprintf("%s/journal/%s/%s", c.baseURL, weipuID, weipuID)
	_, payload, err := c.fetchPage(ctx, pageURL)
	if err != nil {
		return nil, err
	}
	c.updateState(payload)

	entry := &journalEntry{}
	if info := extractPeriodical(payload); info != nil {
		entry.name = info.name
		entry.issn = info.issn
	}
	entry.years = normalizeYears(payload, weipuID)

	available := extractAvailableYears(payload)
	if len(entry.years) == 0 || (len(available) > 0 && len(entry.years) < len(available)) {
		c.mergeAPIYears(ctx, weipuID, entry)
	}
	if entry.name == "" && len(entry.years) == 0 {
		return nil, nil
	}
	return entry, nil
}

func (c *Client) mergeAPIYears(ctx context.Context, weipuID string, entry *journalEntry) {
	apiYears := c.fetchYearsViaAPI(ctx, weipuID)
	if len(apiYears) == 0 {
		return
	}
	existing := map[int]yearEntry{}
	for _, year := range entry.years {
		existing[year.year] = year
	}
	merged := make([]yearEntry, 0, len(apiYears))
	for _, year := range apiYears {
		if have, ok := existing[year]; ok && len(have.issues) > 0 {
			merged = append(merged, have)
			continue
		}
		issues := c.fetchIssuesViaAPI(ctx, weipuID, year)
		merged = append(merged, yearEntry{year: year, issues: issues})
	}
	entry.years = merged
}

func (c *Client) searchJournal(ctx context.Context, issn, title string) string {
	if issn != "" {
		if id := c.searchOnce(ctx, issn, normalizeISSN(issn), true); id != "" {
			return id
		}
	}
	if title != "" {
		return c.searchOnce(ctx, title, strings.ToLower(strings.TrimSpace(title)), false)
	}
	return ""
}

func (c *Client) searchOnce(ctx context.Context, query, normalized string, byISSN bool) string {
	searchURL := fmt.Sprintf("%s/journal/search?k=%s", c.baseURL, url.QueryEscape(query))
	_, payload, err := c.fetchPage(ctx, searchURL)
	if err != nil {
		return ""
	}
	records := extractSearchRecords(payload)
	first := ""
	for _, record := range records {
		if first == "" {
			first = record.id
		}
		if byISSN {
			if normalizeISSN(record.issn) == normalized {
				return record.id
			}
			continue
		}
		if strings.ToLower(strings.TrimSpace(record.name)) == normalized {
			return record.id
		}
	}
	if byISSN {
		return ""
	}
	return first
}

// fetchPage loads a page and parses the payload embedded in its
// window.__NUXT__ script fragment.
func (c *Client) fetchPage(ctx context.Context, pageURL string) (string, map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", nil, fmt.Errorf("weipu page: build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Referer", c.baseURL+"/")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", nil, domain.TransientError("weipu page", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", nil, classifyStatus("weipu page", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return "", nil, domain.PermanentError("weipu page", err)
	}

	html, err := doc.Html()
	if err != nil {
		return "", nil, domain.PermanentError("weipu page", err)
	}

	var script string
	doc.Find("script").EachWithBreak(func(_ int, node *goquery.Selection) bool {
		text := node.Text()
		if strings.Contains(text, "window.__NUXT__") {
			script = text
			return false
		}
		return true
	})
	if script == "" {
		return "", nil, domain.PermanentError("weipu page", fmt.Errorf("no payload script in %s", pageURL))
	}

	payload, err := parsePayloadScript(script)
	if err != nil {
		return "", nil, domain.PermanentError("weipu page", err)
	}
	return html, payload, nil
}

func (c *Client) updateState(payload map[string]any) {
	state, ok := payload["state"].(map[string]any)
	if !ok {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if uuid := asString(state["uuid"]); uuid != "" {
		c.uuid = uuid
	}
	if env := asString(state["env"]); env != "" {
		c.env = env
	}
	if serverTime, ok := asInt64(state["serverTime"]); ok {
		local := time.Now().UnixMilli()
		c.serverOffset = time.Duration(serverTime-local) * time.Millisecond
	}
}

func (c *Client) now() time.Time {
	c.mu.Lock()
	offset := c.serverOffset
	c.mu.Unlock()
	return time.Now().Add(offset)
}

// signature is the HMAC-SHA1 header over app id, secret, and timestamp.
func (c *Client) signature(tsSec int64) string {
	data := fmt.Sprintf("%s\n%s\n%d", appID, c.signingKey, tsSec)
	mac := hmac.New(sha1.New, []byte(c.signingKey))
	mac.Write([]byte(data))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// requestSign is the DES-ECB digest of "path-timestamp" keyed by the page
// session uuid, zero-padded to the block size.
func requestSign(data, key string) (string, error) {
	keyBytes := []byte(key)
	if len(keyBytes) < des.BlockSize {
		return "", fmt.Errorf("signing key too short")
	}
	block, err := des.NewCipher(keyBytes[:des.BlockSize])
	if err != nil {
		return "", err
	}
	buf := []byte(data)
	if pad := (des.BlockSize - len(buf)%des.BlockSize) % des.BlockSize; pad > 0 {
		buf = append(buf, make([]byte, pad)...)
	}
	out := make([]byte, len(buf))
	for i := 0; i < len(buf); i += des.BlockSize {
		block.Encrypt(out[i:i+des.BlockSize], buf[i:i+des.BlockSize])
	}
	return hex.EncodeToString(out), nil
}

func (c *Client) postSigned(ctx context.Context, path string, body map[string]any, out any) error {
	c.mu.Lock()
	uuid := c.uuid
	env := c.env
	c.mu.Unlock()
	if uuid == "" {
		return domain.PermanentError("weipu api", fmt.Errorf("no session state for signing"))
	}

	tsMillis := c.now().UnixMilli()
	sign, err := requestSign(fmt.Sprintf("%s-%d", path, tsMillis), uuid)
	if err != nil {
		return domain.PermanentError("weipu api", err)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("weipu api: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+apiPathPrefix+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("weipu api: build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Referer", c.baseURL+"/")
	req.Header.Set("Content-Type", "application/json;charset=UTF-8")
	req.Header.Set("dt", "pc")
	req.Header.Set("cqvipenv", env)
	req.Header.Set("cqvip-type", "sm")
	req.Header.Set("path", path)
	req.Header.Set("cqvip-ts", strconv.FormatInt(tsMillis, 10))
	req.Header.Set("cqvip-sign", sign)
	req.Header.Set("appId", appID)
	req.Header.Set("timestamp", strconv.FormatInt(tsMillis/1000, 10))
	req.Header.Set("signature", c.signature(tsMillis/1000))

	resp, err := c.http.Do(req)
	if err != nil {
		return domain.TransientError("weipu api", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return classifyStatus("weipu api", resp.StatusCode)
	}

	var envelope struct {
		Code int             `json:"code"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return domain.PermanentError("weipu api", err)
	}
	switch envelope.Code {
	case 200, 25, 26:
	default:
		return domain.PermanentError("weipu api", fmt.Errorf("api code %d", envelope.Code))
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return domain.PermanentError("weipu api", err)
	}
	return nil
}

func (c *Client) fetchYearsViaAPI(ctx context.Context, weipuID string) []int {
	var raw []any
	if err := c.postSigned(ctx, "/journal/getYears", map[string]any{"id": weipuID}, &raw); err != nil {
		c.log.Debug("year API fallback failed", "journal", weipuID, "error", err)
		return nil
	}
	years := make([]int, 0, len(raw))
	for _, item := range raw {
		if year, ok := asInt64(item); ok {
			years = append(years, int(year))
		}
	}
	return years
}

func (c *Client) fetchIssuesViaAPI(ctx context.Context, weipuID string, year int) []issueEntry {
	var raw []any
	body := map[string]any{"id": weipuID, "year": strconv.Itoa(year)}
	if err := c.postSigned(ctx, "/journal/getNums", body, &raw); err != nil {
		c.log.Debug("issue API fallback failed", "journal", weipuID, "year", year, "error", err)
		return nil
	}
	return normalizeIssueList(raw, weipuID)
}

// enrichArticles pulls abstract, DOI, and publish date from detail pages for
// articles whose listing rows lack them.
func (c *Client) enrichArticles(ctx context.Context, articles []articleData, doiMap map[string]string, links map[string]string) {
	var wg sync.WaitGroup
	slots := make(chan struct{}, detailBudget)

	for i := range articles {
		article := &articles[i]
		if article.doi == "" {
			article.doi = doiMap[article.weipuID]
		}
		if article.detailURL == "" {
			article.detailURL = links[article.weipuID]
		}
		article.detailURL = absoluteURL(c.baseURL, article.detailURL)
		if article.abstract != "" && article.doi != "" && article.date != "" {
			continue
		}
		if article.detailURL == "" {
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			detail := c.fetchDetail(ctx, article.detailURL, slots)
			if detail == nil {
				return
			}
			if article.abstract == "" {
				article.abstract = asString(pickFirst(detail, "abstr", "abstract", "summary"))
			}
			if article.doi == "" {
				article.doi = normalizeDOI(asString(pickFirst(detail, "doi", "DOI")))
			}
			if article.date == "" {
				article.date = asString(pickFirst(detail, "pubDate", "publishDate", "publishTime", "date"))
			}
		}()
	}
	wg.Wait()
}

func (c *Client) fetchDetail(ctx context.Context, detailURL string, slots chan struct{}) map[string]any {
	for attempt := 0; attempt < detailAttempts; attempt++ {
		slots <- struct{}{}
		_, payload, err := c.fetchPage(ctx, detailURL)
		<-slots
		if err == nil {
			if detail := extractResData(payload); detail != nil {
				return detail
			}
			return nil
		}
		if !domain.IsTransient(err) {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Duration(attempt+1) * 500 * time.Millisecond):
		}
	}
	return nil
}

func absoluteURL(baseURL, value string) string {
	switch {
	case value == "":
		return ""
	case strings.HasPrefix(value, "//"):
		return "https:" + value
	case strings.HasPrefix(value, "/"):
		return baseURL + value
	}
	return value
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

const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"
