package weipu

import (
	"encoding/json"
	"fmt"
	"html"
	"regexp"
	"strconv"
	"strings"
)

// parsePayloadScript extracts the JSON document assigned to window.__NUXT__.
// Pages emit either a JSON.parse("...") wrapper or a plain object literal.
func parsePayloadScript(script string) (map[string]any, error) {
	idx := strings.Index(script, "window.__NUXT__")
	if idx < 0 {
		return nil, fmt.Errorf("no payload assignment in script")
	}
	rest := script[idx:]

	if start := strings.Index(rest, "JSON.parse("); start >= 0 {
		quoted := rest[start+len("JSON.parse("):]
		literal, err := readJSStringLiteral(quoted)
		if err != nil {
			return nil, err
		}
		var payload map[string]any
		if err := json.Unmarshal([]byte(literal), &payload); err != nil {
			return nil, fmt.Errorf("parse payload: %w", err)
		}
		return payload, nil
	}

	eq := strings.Index(rest, "=")
	if eq < 0 {
		return nil, fmt.Errorf("no payload assignment in script")
	}
	body := strings.TrimSpace(rest[eq+1:])
	start := strings.Index(body, "{")
	end := strings.LastIndex(body, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no payload object in script")
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(body[start:end+1]), &payload); err != nil {
		return nil, fmt.Errorf("parse payload: %w", err)
	}
	return payload, nil
}

// readJSStringLiteral decodes the leading double-quoted JS string of s.
func readJSStringLiteral(s string) (string, error) {
	s = strings.TrimSpace(s)
	if len(s) == 0 || s[0] != '"' {
		return "", fmt.Errorf("payload literal is not a string")
	}
	for i := 1; i < len(s); i++ {
		if s[i] == '\\' {
			i++
			continue
		}
		if s[i] == '"' {
			decoded, err := strconv.Unquote(s[:i+1])
			if err != nil {
				return "", fmt.Errorf("decode payload literal: %w", err)
			}
			return decoded, nil
		}
	}
	return "", fmt.Errorf("unterminated payload literal")
}

func asString(value any) string {
	switch typed := value.(type) {
	case string:
		return strings.TrimSpace(typed)
	case float64:
		if typed == float64(int64(typed)) {
			return strconv.FormatInt(int64(typed), 10)
		}
		return strconv.FormatFloat(typed, 'f', -1, 64)
	}
	return ""
}

func asInt64(value any) (int64, bool) {
	switch typed := value.(type) {
	case float64:
		return int64(typed), true
	case string:
		parsed, err := strconv.ParseInt(strings.TrimSpace(typed), 10, 64)
		if err != nil {
			return 0, false
		}
		return parsed, true
	}
	return 0, false
}

func pickFirst(data map[string]any, keys ...string) any {
	for _, key := range keys {
		if value, ok := data[key]; ok && value != nil && value != "" {
			return value
		}
	}
	return nil
}

// iterDicts walks a decoded JSON tree depth-first and calls fn for every
// object. Returning false stops the walk.
func iterDicts(obj any, fn func(map[string]any) bool) {
	stack := []any{obj}
	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		switch typed := current.(type) {
		case map[string]any:
			if !fn(typed) {
				return
			}
			for _, value := range typed {
				stack = append(stack, value)
			}
		case []any:
			for _, value := range typed {
				stack = append(stack, value)
			}
		}
	}
}

func iterLists(obj any, fn func([]any) bool) {
	stack := []any{obj}
	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		switch typed := current.(type) {
		case []any:
			if !fn(typed) {
				return
			}
			for _, value := range typed {
				stack = append(stack, value)
			}
		case map[string]any:
			for _, value := range typed {
				stack = append(stack, value)
			}
		}
	}
}

var nonAlnum = regexp.MustCompile(`[^0-9A-Za-z]`)

func normalizeISSN(value string) string {
	return strings.ToUpper(nonAlnum.ReplaceAllString(value, ""))
}

var (
	doiPrefix = regexp.MustCompile(`(?i)^doi:\s*`)
	doiURL    = regexp.MustCompile(`(?i)^https?://(dx\.)?doi\.org/`)
)

func normalizeDOI(value string) string {
	value = strings.TrimSpace(value)
	value = strings.TrimSpace(doiPrefix.ReplaceAllString(value, ""))
	return doiURL.ReplaceAllString(value, "")
}

var digitsOnly = regexp.MustCompile(`^\d+$`)

// isNumericPage accepts empty values and digit-only page numbers; anything
// else marks a non-article row (covers, column headers).
func isNumericPage(value string) bool {
	value = strings.TrimSpace(value)
	return value == "" || digitsOnly.MatchString(value)
}

type articleData struct {
	id        int64
	weipuID   string
	title     string
	date      string
	authors   string
	startPage string
	endPage   string
	abstract  string
	doi       string
	detailURL string
}

func normalizeArticle(item map[string]any, prefix string) (articleData, bool) {
	rawID := asString(pickFirst(item, "id", "articleId", "article_id"))
	title := asString(pickFirst(item, "title", "titleCn", "titleCN", "name"))
	if rawID == "" || title == "" {
		return articleData{}, false
	}
	id := stableID(rawID, prefix)
	if id == 0 {
		return articleData{}, false
	}

	start, end := normalizePages(item)
	article := articleData{
		id:        id,
		weipuID:   rawID,
		title:     title,
		date:      asString(pickFirst(item, "publishDate", "pubDate", "date")),
		authors:   normalizeAuthors(pickFirst(item, "authors", "author", "authorList", "authorInfo")),
		startPage: start,
		endPage:   end,
		abstract:  asString(pickFirst(item, "abstract", "summary", "abstr")),
		doi:       normalizeDOI(asString(pickFirst(item, "doi", "DOI"))),
		detailURL: asString(pickFirst(item, "detailUrl", "detailURL", "docUrl", "docurl")),
	}
	return article, true
}

// normalizeAuthors flattens the many author payload shapes into a
// semicolon-delimited name list.
func normalizeAuthors(value any) string {
	switch typed := value.(type) {
	case nil:
		return ""
	case string:
		parts := splitList(typed)
		return strings.Join(parts, "; ")
	case []any:
		names := make([]string, 0, len(typed))
		for _, item := range typed {
			switch author := item.(type) {
			case map[string]any:
				if name := asString(pickFirst(author, "name", "authorName", "author", "name_cn")); name != "" {
					names = append(names, name)
				}
			default:
				if name := asString(item); name != "" {
					names = append(names, name)
				}
			}
		}
		return strings.Join(names, "; ")
	}
	return asString(value)
}

var listSeparators = regexp.MustCompile(`[;；,、|/]`)

func splitList(value string) []string {
	parts := listSeparators.Split(value, -1)
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func normalizePages(item map[string]any) (string, string) {
	if pages, ok := item["pages"].(map[string]any); ok {
		return asString(pickFirst(pages, "begin", "start", "startPage")),
			asString(pickFirst(pages, "end", "endPage"))
	}
	return asString(pickFirst(item, "begin", "startPage", "start_page", "pageStart", "beginPage")),
		asString(pickFirst(item, "end", "endPage", "end_page", "pageEnd"))
}

// extractCatalogArticles reads the structured catalog of an issue page:
// sections whose children are the article rows.
func extractCatalogArticles(payload map[string]any) []map[string]any {
	items, ok := payload["data"].([]any)
	if !ok || len(items) < 2 {
		return nil
	}
	second, ok := items[1].(map[string]any)
	if !ok {
		return nil
	}
	catalog, ok := second["catalog"].(map[string]any)
	if !ok {
		return nil
	}
	records, ok := catalog["records"].([]any)
	if !ok {
		return nil
	}

	var articles []map[string]any
	for _, record := range records {
		section, ok := record.(map[string]any)
		if !ok {
			continue
		}
		children, ok := section["children"].([]any)
		if !ok {
			continue
		}
		for _, child := range children {
			if article, ok := child.(map[string]any); ok {
				articles = append(articles, article)
			}
		}
	}
	return articles
}

func looksLikeArticle(item map[string]any) bool {
	for _, key := range []string{
		"title", "titleCn", "titleCN", "name",
		"authors", "author", "abstract", "summary", "abstr",
		"keywords", "keyWords", "keyword", "pages",
	} {
		if _, ok := item[key]; ok {
			return true
		}
	}
	return false
}

func scoreArticleList(items []any) int {
	score := 0
	for _, raw := range items {
		item, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if pickFirst(item, "title", "titleCn", "titleCN", "name") != nil {
			score += 3
		}
		if pickFirst(item, "authors", "author", "authorList", "author_name") != nil {
			score += 2
		}
		if pickFirst(item, "id", "articleId", "article_id") != nil {
			score += 2
		}
		if pickFirst(item, "abstract", "summary") != nil {
			score++
		}
		if _, ok := item["doi"]; ok {
			score++
		}
	}
	return score
}

// selectBestArticleList is the fallback when the catalog section is absent:
// the highest-scoring object list anywhere in the payload.
func selectBestArticleList(payload map[string]any) []map[string]any {
	var best []map[string]any
	bestScore := 0
	iterLists(payload, func(candidate []any) bool {
		if len(candidate) == 0 {
			return true
		}
		items := make([]map[string]any, 0, len(candidate))
		for _, raw := range candidate {
			item, ok := raw.(map[string]any)
			if !ok {
				return true
			}
			items = append(items, item)
		}
		if score := scoreArticleList(candidate); score > bestScore {
			bestScore = score
			best = items
		}
		return true
	})
	return best
}

func extractDOIMap(payload map[string]any) map[string]string {
	dois := map[string]string{}
	iterDicts(payload, func(item map[string]any) bool {
		if !looksLikeArticle(item) {
			return true
		}
		id := asString(pickFirst(item, "id", "articleId", "article_id"))
		if id == "" {
			return true
		}
		if doi := normalizeDOI(asString(pickFirst(item, "doi", "DOI"))); doi != "" {
			dois[id] = doi
		}
		return true
	})
	return dois
}

var docLinkPattern = regexp.MustCompile(`/doc/journal/[^"'<>\s]+`)

// extractDocLinks maps article platform ids to their detail page URLs found
// anywhere in the issue page HTML.
func extractDocLinks(baseURL, htmlText string) map[string]string {
	links := map[string]string{}
	searchText := strings.ReplaceAll(htmlText, `\/`, "/")
	for _, match := range docLinkPattern.FindAllString(searchText, -1) {
		path := html.UnescapeString(match)
		path = strings.SplitN(path, "#", 2)[0]
		articlePath := strings.SplitN(strings.TrimPrefix(path, "/doc/journal/"), "?", 2)[0]
		articlePath = strings.Trim(articlePath, "/")
		if articlePath == "" {
			continue
		}
		segments := strings.Split(articlePath, "/")
		articleID := segments[len(segments)-1]
		if articleID == "" {
			continue
		}
		if _, ok := links[articleID]; ok {
			continue
		}
		if strings.HasPrefix(path, "http") {
			links[articleID] = path
		} else {
			links[articleID] = baseURL + path
		}
	}
	return links
}

type periodicalInfo struct {
	id   string
	name string
	issn string
}

func extractPeriodical(payload map[string]any) *periodicalInfo {
	var best map[string]any
	bestScore := -1
	consider := func(candidate map[string]any) {
		score := 0
		if pickFirst(candidate, "journalId", "journalID") != nil {
			score += 2
		}
		if pickFirst(candidate, "journalName", "name", "title") != nil {
			score += 2
		}
		if _, ok := candidate["issn"]; ok {
			score++
		}
		if score > bestScore {
			bestScore = score
			best = candidate
		}
	}
	iterDicts(payload, func(item map[string]any) bool {
		if periodical, ok := item["periodical"].(map[string]any); ok {
			consider(periodical)
		}
		if pickFirst(item, "journalId", "journalID") != nil {
			consider(item)
		}
		return true
	})
	if best == nil {
		return nil
	}
	return &periodicalInfo{
		id:   asString(pickFirst(best, "journalId", "journalID", "id")),
		name: asString(pickFirst(best, "journalName", "name", "title")),
		issn: asString(pickFirst(best, "issn", "ISSN")),
	}
}

// normalizeYears reads the year/issue layout from the summary section of a
// journal page, falling back to the best-scoring year list in the payload.
func normalizeYears(payload map[string]any, journalWeipuID string) []yearEntry {
	if timeList := summaryTimeList(payload); timeList != nil {
		var years []yearEntry
		for _, raw := range timeList {
			entry, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			year, ok := asInt64(entry["year"])
			if !ok {
				continue
			}
			issuesRaw, _ := entry["periodical"].([]any)
			issues := normalizeIssueList(issuesRaw, journalWeipuID)
			if len(issues) == 0 {
				continue
			}
			years = append(years, yearEntry{year: int(year), issues: issues})
		}
		if len(years) > 0 {
			return years
		}
	}

	var best []any
	bestScore := 0
	iterLists(payload, func(candidate []any) bool {
		score := 0
		for _, raw := range candidate {
			item, ok := raw.(map[string]any)
			if !ok {
				return true
			}
			if _, has := item["year"]; has {
				score += 2
			}
			if pickFirst(item, "issues", "issueList", "issue_list") != nil {
				score++
			}
		}
		if score > bestScore {
			bestScore = score
			best = candidate
		}
		return true
	})

	var years []yearEntry
	for _, raw := range best {
		entry, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		year, ok := asInt64(pickFirst(entry, "year", "publishYear", "pubYear"))
		if !ok {
			continue
		}
		issuesRaw, _ := pickFirst(entry, "issues", "issueList", "issue_list").([]any)
		years = append(years, yearEntry{
			year:   int(year),
			issues: normalizeIssueList(issuesRaw, journalWeipuID),
		})
	}
	return years
}

func summaryTimeList(payload map[string]any) []any {
	items, ok := payload["data"].([]any)
	if !ok || len(items) < 2 {
		return nil
	}
	second, ok := items[1].(map[string]any)
	if !ok {
		return nil
	}
	summary, ok := second["summaryList"].(map[string]any)
	if !ok {
		return nil
	}
	timeList, _ := summary["timeList"].([]any)
	return timeList
}

func normalizeIssueList(value []any, journalWeipuID string) []issueEntry {
	prefix := "weipu-issue:" + journalWeipuID
	issues := make([]issueEntry, 0, len(value))
	for _, raw := range value {
		issue, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		weipuID := asString(pickFirst(issue, "id", "issueId", "issue_id", "issueID"))
		if weipuID == "" {
			continue
		}
		id := stableID(weipuID, prefix)
		if id == 0 {
			continue
		}
		name := asString(pickFirst(issue, "name", "issueName", "issue", "title", "no"))
		if name == "" {
			name = weipuID
		}
		issues = append(issues, issueEntry{id: id, weipuID: weipuID, name: name})
	}
	return issues
}

func extractAvailableYears(payload map[string]any) []int {
	items, ok := payload["data"].([]any)
	if !ok || len(items) < 2 {
		return nil
	}
	second, ok := items[1].(map[string]any)
	if !ok {
		return nil
	}
	var years []int
	seen := map[int]struct{}{}
	add := func(value any) {
		if year, ok := asInt64(value); ok {
			if _, dup := seen[int(year)]; !dup {
				seen[int(year)] = struct{}{}
				years = append(years, int(year))
			}
		}
	}
	if pYear, ok := second["pYear"].([]any); ok {
		for _, value := range pYear {
			add(value)
		}
	}
	if summary, ok := second["summaryList"].(map[string]any); ok {
		if timeList, ok := summary["timeList"].([]any); ok {
			for _, raw := range timeList {
				if entry, ok := raw.(map[string]any); ok {
					add(entry["year"])
				}
			}
		}
	}
	return years
}

type searchRecord struct {
	id   string
	name string
	issn string
}

func extractSearchRecords(payload map[string]any) []searchRecord {
	items, ok := payload["data"].([]any)
	if !ok || len(items) == 0 {
		return nil
	}
	first, ok := items[0].(map[string]any)
	if !ok {
		return nil
	}
	listData, ok := first["listData"].(map[string]any)
	if !ok {
		return nil
	}
	rawRecords, ok := listData["records"].([]any)
	if !ok {
		return nil
	}
	records := make([]searchRecord, 0, len(rawRecords))
	for _, raw := range rawRecords {
		item, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		records = append(records, searchRecord{
			id:   asString(pickFirst(item, "journalId", "journalID", "id", "gch", "code")),
			name: asString(pickFirst(item, "journalName", "name", "title")),
			issn: asString(pickFirst(item, "issn", "ISSN", "journalIssn")),
		})
	}
	return records
}

func extractResData(payload map[string]any) map[string]any {
	if items, ok := payload["data"].([]any); ok {
		for _, raw := range items {
			if item, ok := raw.(map[string]any); ok {
				if res, ok := item["resData"].(map[string]any); ok {
					return res
				}
			}
		}
	}
	var found map[string]any
	iterDicts(payload, func(item map[string]any) bool {
		if res, ok := item["resData"].(map[string]any); ok {
			found = res
			return false
		}
		return true
	})
	return found
}
