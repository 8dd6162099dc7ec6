package browzine

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/QianFuv/Paper-Scanner/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&discard{}, nil))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func tokenResponse(id string) string {
	expiry := time.Now().Add(time.Hour).Format(time.RFC3339)
	return fmt.Sprintf(`{"api-tokens":[{"id":%q,"expires_at":%q}]}`, id, expiry)
}

func TestTokenCachedAcrossRequests(t *testing.T) {
	t.Parallel()

	var tokenCalls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api-tokens":
			tokenCalls.Add(1)
			fmt.Fprint(w, tokenResponse("tok-1"))
		default:
			assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
			fmt.Fprint(w, `{"publicationYears":[{"id":2024},{"id":"2025"}]}`)
		}
	}))
	defer server.Close()

	client := NewClient(server.URL, 5*time.Second, testLogger())

	years, err := client.FetchYears(context.Background(), 10, "3050")
	require.NoError(t, err)
	assert.Equal(t, []int{2024, 2025}, years)

	_, err = client.FetchYears(context.Background(), 10, "3050")
	require.NoError(t, err)
	assert.Equal(t, int64(1), tokenCalls.Load(), "token should be reused")
}

func TestUnauthorizedTriggersSingleRefresh(t *testing.T) {
	t.Parallel()

	var tokenCalls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api-tokens":
			n := tokenCalls.Add(1)
			fmt.Fprint(w, tokenResponse(fmt.Sprintf("tok-%d", n)))
		default:
			if r.Header.Get("Authorization") == "Bearer tok-1" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			fmt.Fprint(w, `{"publicationYears":[{"id":2023}]}`)
		}
	}))
	defer server.Close()

	client := NewClient(server.URL, 5*time.Second, testLogger())

	years, err := client.FetchYears(context.Background(), 10, "3050")
	require.NoError(t, err)
	assert.Equal(t, []int{2023}, years)
	assert.Equal(t, int64(2), tokenCalls.Load())
}

func TestFetchIssuesParsesPayload(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api-tokens" {
			fmt.Fprint(w, tokenResponse("tok"))
			return
		}
		assert.Equal(t, "2024", r.URL.Query().Get("publication-year"))
		fmt.Fprint(w, `{"issues":[
			{"id":"501","attributes":{"journal":10,"title":"Vol 1 No 2","volume":1,"number":"2","date":"2024-03-01","isValidIssue":true,"suppressed":false}},
			{"attributes":{"title":"no id, dropped"}}
		]}`)
	}))
	defer server.Close()

	client := NewClient(server.URL, 5*time.Second, testLogger())

	issues, err := client.FetchIssues(context.Background(), 10, "3050", 2024)
	require.NoError(t, err)
	require.Len(t, issues, 1)

	issue := issues[0]
	assert.Equal(t, int64(501), issue.IssueID)
	assert.Equal(t, int64(10), issue.JournalID)
	assert.Equal(t, 2024, issue.Year)
	assert.Equal(t, "1", issue.Volume)
	assert.Equal(t, "2", issue.Number)
	assert.True(t, issue.Valid)
	assert.False(t, issue.Suppressed)
}

func TestFetchInPressFollowsCursor(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api-tokens" {
			fmt.Fprint(w, tokenResponse("tok"))
			return
		}
		switch r.URL.Query().Get("cursor") {
		case "":
			fmt.Fprint(w, `{"data":[{"id":1,"attributes":{"title":"first","inPress":true}}],"meta":{"cursor":{"next":"abc"}}}`)
		case "abc":
			fmt.Fprint(w, `{"data":[{"id":2,"attributes":{"title":"second","inPress":true}}],"meta":{"cursor":{"next":"abc"}}}`)
		default:
			t.Errorf("unexpected cursor %q", r.URL.Query().Get("cursor"))
		}
	}))
	defer server.Close()

	client := NewClient(server.URL, 5*time.Second, testLogger())

	// The repeated "abc" cursor must end the walk instead of looping.
	articles, err := client.FetchInPress(context.Background(), 10, "3050")
	require.NoError(t, err)
	require.Len(t, articles, 2)
	assert.Equal(t, int64(1), articles[0].ArticleID)
	assert.Nil(t, articles[0].IssueID)
	assert.Equal(t, int64(10), articles[0].JournalID)
}

func TestStatusClassification(t *testing.T) {
	t.Parallel()

	var status atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api-tokens" {
			fmt.Fprint(w, tokenResponse("tok"))
			return
		}
		w.WriteHeader(int(status.Load()))
	}))
	defer server.Close()

	client := NewClient(server.URL, 5*time.Second, testLogger())

	status.Store(http.StatusServiceUnavailable)
	_, err := client.FetchYears(context.Background(), 10, "3050")
	require.Error(t, err)
	assert.True(t, domain.IsTransient(err))

	status.Store(http.StatusNotFound)
	_, err = client.FetchYears(context.Background(), 10, "3050")
	require.Error(t, err)
	assert.False(t, domain.IsTransient(err))
}

func TestFetchJournalFallsBackToRosterFields(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api-tokens" {
			fmt.Fprint(w, tokenResponse("tok"))
			return
		}
		fmt.Fprint(w, `{"data":{"id":77,"attributes":{"available":true,"scimagoRank":3.25}}}`)
	}))
	defer server.Close()

	client := NewClient(server.URL, 5*time.Second, testLogger())

	ref := domain.JournalRef{
		ID: 77, Library: "3050", Title: "Roster Title", ISSN: "1111-2222",
		Area: "econ", SourceFile: "econ.csv",
	}
	record, meta, err := client.FetchJournal(context.Background(), ref)
	require.NoError(t, err)

	assert.Equal(t, "Roster Title", record.Title)
	assert.Equal(t, "1111-2222", record.ISSN)
	assert.InDelta(t, 3.25, record.Rank, 1e-9)
	assert.True(t, record.Available)

	assert.Equal(t, int64(77), meta.JournalID)
	assert.Equal(t, "econ", meta.Area)
	assert.Equal(t, "econ.csv", meta.SourceFile)
}
