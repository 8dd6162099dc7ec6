package llm

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/QianFuv/Paper-Scanner/internal/domain"
)

func completionResponse(content string) map[string]any {
	return map[string]any{
		"id":      "chatcmpl-1",
		"object":  "chat.completion",
		"created": 1,
		"model":   "test-model",
		"choices": []map[string]any{
			{
				"index": 0,
				"message": map[string]any{
					"role":    "assistant",
					"content": content,
				},
				"finish_reason": "stop",
			},
		},
	}
}

func newTestSelector(t *testing.T, handler http.HandlerFunc) *Selector {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewSelector(server.URL+"/v1", "test-key", "test-model", 0.2, 5*time.Second, slog.Default())
}

func TestSelectArticlesParsesAndSorts(t *testing.T) {
	t.Parallel()
	selector := newTestSelector(t, func(w http.ResponseWriter, r *http.Request) {
		var request struct {
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&request))
		require.Len(t, request.Messages, 2)
		assert.Contains(t, request.Messages[1].Content, `"article_id":42`)

		content := `{"summary":"Two papers on causal inference.","selected":[` +
			`{"article_id":42,"score":55},{"article_id":43,"score":90}]}`
		json.NewEncoder(w).Encode(completionResponse(content))
	})

	result, err := selector.SelectArticles(context.Background(),
		domain.Subscriber{ID: "u1", Keywords: []string{"causal"}},
		domain.SelectionDefaults{MaxCandidates: 120, Model: "test-model"},
		[]domain.Candidate{{ArticleID: 42, Title: "Paper A"}, {ArticleID: 43, Title: "Paper B"}},
	)
	require.NoError(t, err)
	assert.Equal(t, "Two papers on causal inference.", result.Summary)
	require.Len(t, result.Selections, 2)
	assert.Equal(t, int64(43), result.Selections[0].ArticleID)
	assert.Equal(t, int64(42), result.Selections[1].ArticleID)
}

func TestSelectArticlesStripsCodeFence(t *testing.T) {
	t.Parallel()
	selector := newTestSelector(t, func(w http.ResponseWriter, r *http.Request) {
		content := "```json\n{\"summary\":\"ok\",\"selected\":[{\"article_id\":7,\"score\":10}]}\n```"
		json.NewEncoder(w).Encode(completionResponse(content))
	})

	result, err := selector.SelectArticles(context.Background(),
		domain.Subscriber{ID: "u1"}, domain.SelectionDefaults{}, nil)
	require.NoError(t, err)
	require.Len(t, result.Selections, 1)
	assert.Equal(t, int64(7), result.Selections[0].ArticleID)
}

func TestSummarizeSelectionEmptyInput(t *testing.T) {
	t.Parallel()
	selector := newTestSelector(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected for empty selection")
	})

	summary, err := selector.SummarizeSelection(context.Background(), domain.Subscriber{ID: "u1"}, nil)
	require.NoError(t, err)
	assert.Empty(t, summary)
}

func TestSummarizeSelection(t *testing.T) {
	t.Parallel()
	selector := newTestSelector(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(completionResponse(`{"summary":"  A focused digest.  "}`))
	})

	summary, err := selector.SummarizeSelection(context.Background(),
		domain.Subscriber{ID: "u1"},
		[]domain.Candidate{{ArticleID: 1, Title: "Paper"}},
	)
	require.NoError(t, err)
	assert.Equal(t, "A focused digest.", summary)
}
