// Package llm implements the article selection oracle on top of an
// OpenAI-compatible chat completion API.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/QianFuv/Paper-Scanner/internal/domain"
	"github.com/QianFuv/Paper-Scanner/internal/ports"
)

const defaultRetries = 3

var selectionSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"summary": {"type": "string"},
		"selected": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"article_id": {"type": "integer"},
					"score": {"type": "number"}
				},
				"required": ["article_id", "score"],
				"additionalProperties": false
			}
		}
	},
	"required": ["summary", "selected"],
	"additionalProperties": false
}`)

var summarySchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"summary": {"type": "string"}
	},
	"required": ["summary"],
	"additionalProperties": false
}`)

const selectionSystemPrompt = "You are a precise academic recommender. " +
	"Use two-stage selection: directions-first filtering, " +
	"then keyword-based ranking in the filtered set. " +
	"Return relevant candidates ranked by score. " +
	"Order selected items from highest to lowest. " +
	"Judge by article content quality and topic relevance only. " +
	"Ignore journal quality, prestige, and ranking completely. " +
	"Do not invent article ids."

const summarySystemPrompt = "You are a precise academic summarizer. " +
	"Only summarize the supplied selected papers."

// Selector scores candidate articles for a subscriber through a structured
// chat completion.
type Selector struct {
	client  *openai.Client
	model   string
	retries int
	temp    float32
	log     *slog.Logger
}

var _ ports.Oracle = (*Selector)(nil)

// NewSelector builds a selector against an OpenAI-compatible endpoint.
func NewSelector(baseURL, apiKey, model string, temperature float32, timeout time.Duration, log *slog.Logger) *Selector {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if timeout > 0 {
		cfg.HTTPClient = &http.Client{Timeout: timeout}
	}
	return &Selector{
		client:  openai.NewClientWithConfig(cfg),
		model:   model,
		retries: defaultRetries,
		temp:    temperature,
		log:     log.With("component", "oracle"),
	}
}

// SetRetries overrides the request retry budget.
func (s *Selector) SetRetries(retries int) {
	if retries > 0 {
		s.retries = retries
	}
}

type candidatePayload struct {
	ArticleID      int64  `json:"article_id"`
	JournalID      int64  `json:"journal_id"`
	IssueID        *int64 `json:"issue_id"`
	Title          string `json:"title"`
	Abstract       string `json:"abstract"`
	Date           string `json:"date"`
	JournalTitle   string `json:"journal_title"`
	OpenAccess     bool   `json:"open_access"`
	InPress        bool   `json:"in_press"`
	WithinHoldings bool   `json:"within_library_holdings"`
}

type subscriberPayload struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Keywords   []string `json:"keywords"`
	Directions []string `json:"directions"`
}

func subscriberToPayload(sub domain.Subscriber) subscriberPayload {
	return subscriberPayload{
		ID:         sub.ID,
		Name:       sub.Name,
		Keywords:   sub.Keywords,
		Directions: sub.Directions,
	}
}

func candidatesToPayload(candidates []domain.Candidate) []candidatePayload {
	payload := make([]candidatePayload, 0, len(candidates))
	for _, item := range candidates {
		payload = append(payload, candidatePayload{
			ArticleID:      item.ArticleID,
			JournalID:      item.JournalID,
			IssueID:        item.IssueID,
			Title:          item.Title,
			Abstract:       domain.TruncateText(item.Abstract, domain.CandidateAbstractLimit),
			Date:           item.Date,
			JournalTitle:   item.JournalTitle,
			OpenAccess:     item.OpenAccess,
			InPress:        item.InPress,
			WithinHoldings: item.WithinHoldings,
		})
	}
	return payload
}

// SelectArticles asks the model to rank the candidates for one subscriber.
// Results come back sorted by score descending.
func (s *Selector) SelectArticles(ctx context.Context, sub domain.Subscriber, defaults domain.SelectionDefaults, candidates []domain.Candidate) (domain.SelectionResult, error) {
	userPayload := map[string]any{
		"subscriber": subscriberToPayload(sub),
		"summary_requirement": "Summary must focus on the content of selected papers. " +
			"Describe major research themes, methods, or findings in 2-4 sentences. " +
			"Avoid generic recommendation language.",
		"selection_rules": map[string]any{
			"goal":             "Return ranked relevant candidates for this subscriber",
			"score_definition": "0 to 100, higher means better match and quality",
			"priority_order": []string{
				"First pass: directions-first filtering. When directions are provided, " +
					"only keep candidates that clearly match at least one direction.",
				"Second pass: within the direction-matched subset, rank by keyword relevance.",
				"Third pass: break ties by methodological rigor, recency, " +
					"and practical or theoretical contribution.",
			},
			"must_follow": []string{
				"Directions have higher priority than keywords. Do not elevate a " +
					"keyword-only paper over a weaker direction-matched paper.",
				"If directions are non-empty and at least one candidate matches directions, " +
					"do not select direction-mismatched papers.",
				"If directions are empty or no candidate matches directions, " +
					"fallback to keyword relevance.",
			},
			"prefer": []string{
				"Article quality and methodological rigor",
				"Recent papers",
				"High conceptual overlap with subscriber goals",
				"Clear practical or theoretical contribution",
			},
			"avoid": []string{
				"Low topical relevance",
				"Any preference based on journal prestige or ranking",
			},
		},
		"limits": map[string]any{
			"max_candidates_input": defaults.MaxCandidates,
		},
		"candidates":         candidatesToPayload(candidates),
		"output_instruction": "Return JSON only and strictly follow schema.",
	}

	model := s.model
	if defaults.Model != "" {
		model = defaults.Model
	}
	raw, err := s.complete(ctx, model, selectionSystemPrompt, userPayload, "paper_selection", selectionSchema)
	if err != nil {
		return domain.SelectionResult{}, err
	}

	var parsed struct {
		Summary  string `json:"summary"`
		Selected []struct {
			ArticleID json.Number `json:"article_id"`
			Score     json.Number `json:"score"`
		} `json:"selected"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return domain.SelectionResult{}, fmt.Errorf("parse selection response: %w", err)
	}

	result := domain.SelectionResult{Summary: parsed.Summary}
	for _, item := range parsed.Selected {
		articleID, err := item.ArticleID.Int64()
		if err != nil {
			continue
		}
		score, err := item.Score.Float64()
		if err != nil {
			continue
		}
		result.Selections = append(result.Selections, domain.RankedSelection{
			ArticleID: articleID,
			Score:     score,
		})
	}
	sort.SliceStable(result.Selections, func(i, j int) bool {
		return result.Selections[i].Score > result.Selections[j].Score
	})
	return result, nil
}

// SummarizeSelection builds a content-focused summary of the final selection.
func (s *Selector) SummarizeSelection(ctx context.Context, sub domain.Subscriber, selected []domain.Candidate) (string, error) {
	if len(selected) == 0 {
		return "", nil
	}
	articles := make([]map[string]any, 0, len(selected))
	for _, item := range selected {
		articles = append(articles, map[string]any{
			"article_id":    item.ArticleID,
			"title":         item.Title,
			"abstract":      domain.TruncateText(item.Abstract, domain.CandidateAbstractLimit),
			"journal_title": item.JournalTitle,
			"date":          item.Date,
		})
	}
	userPayload := map[string]any{
		"subscriber":        subscriberToPayload(sub),
		"selected_articles": articles,
		"instruction": "Summarize the content of these selected papers in 2-4 sentences. " +
			"Focus on major research themes, methods, and findings. " +
			"Avoid generic recommendation language.",
	}

	raw, err := s.complete(ctx, s.model, summarySystemPrompt, userPayload, "selected_paper_summary", summarySchema)
	if err != nil {
		return "", err
	}
	var parsed struct {
		Summary string `json:"summary"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("parse summary response: %w", err)
	}
	return strings.TrimSpace(parsed.Summary), nil
}

// complete runs one structured chat completion with bounded retries and
// returns the raw JSON payload of the first choice.
func (s *Selector) complete(ctx context.Context, model, systemPrompt string, userPayload any, schemaName string, schema json.RawMessage) (json.RawMessage, error) {
	userContent, err := json.Marshal(userPayload)
	if err != nil {
		return nil, fmt.Errorf("marshal request payload: %w", err)
	}

	request := openai.ChatCompletionRequest{
		Model:       model,
		Temperature: s.temp,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: string(userContent)},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
				Name:   schemaName,
				Schema: schema,
				Strict: true,
			},
		},
	}

	var lastErr error
	for attempt := 0; attempt <= s.retries; attempt++ {
		response, err := s.client.CreateChatCompletion(ctx, request)
		if err == nil {
			content, parseErr := extractContent(response)
			if parseErr == nil {
				return content, nil
			}
			err = parseErr
		}
		lastErr = err
		if attempt == s.retries {
			break
		}
		s.log.Warn("oracle request failed, retrying", "attempt", attempt+1, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(1<<attempt) * time.Second):
		}
	}
	return nil, fmt.Errorf("oracle request failed: %w", lastErr)
}

// extractContent pulls the structured JSON object out of the first choice,
// stripping a code fence when the model wraps its output in one.
func extractContent(response openai.ChatCompletionResponse) (json.RawMessage, error) {
	if len(response.Choices) == 0 {
		return nil, fmt.Errorf("response missing choices")
	}
	content := stripFence(response.Choices[0].Message.Content)
	if !json.Valid([]byte(content)) {
		return nil, fmt.Errorf("structured response is not valid JSON")
	}
	return json.RawMessage(content), nil
}

func stripFence(content string) string {
	normalized := strings.TrimSpace(content)
	if !strings.HasPrefix(normalized, "```") {
		return normalized
	}
	lines := strings.Split(normalized, "\n")
	if len(lines) > 0 && strings.HasPrefix(lines[0], "```") {
		lines = lines[1:]
	}
	if len(lines) > 0 && strings.HasPrefix(lines[len(lines)-1], "```") {
		lines = lines[:len(lines)-1]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
