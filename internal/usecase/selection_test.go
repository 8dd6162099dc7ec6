package usecase

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/QianFuv/Paper-Scanner/internal/domain"
)

type fakeOracle struct {
	results   []domain.SelectionResult
	summaries []string
	calls     int
	err       error
}

func (f *fakeOracle) SelectArticles(_ context.Context, _ domain.Subscriber, _ domain.SelectionDefaults, _ []domain.Candidate) (domain.SelectionResult, error) {
	if f.err != nil {
		return domain.SelectionResult{}, f.err
	}
	if f.calls >= len(f.results) {
		return domain.SelectionResult{}, nil
	}
	result := f.results[f.calls]
	f.calls++
	return result, nil
}

func (f *fakeOracle) SummarizeSelection(_ context.Context, _ domain.Subscriber, _ []domain.Candidate) (string, error) {
	if len(f.summaries) == 0 {
		return "", nil
	}
	return f.summaries[0], nil
}

func candidateMap(candidates ...domain.Candidate) map[int64]domain.Candidate {
	byID := map[int64]domain.Candidate{}
	for _, candidate := range candidates {
		byID[candidate.ArticleID] = candidate
	}
	return byID
}

func TestApplySelectionRulesFiltersDelivered(t *testing.T) {
	t.Parallel()
	sub := domain.Subscriber{ID: "u1"}
	byID := candidateMap(
		domain.Candidate{ArticleID: 1, Title: "Paper one"},
		domain.Candidate{ArticleID: 2, Title: "Paper two"},
	)
	dedupe := map[string]string{"u1:1": "2026-08-01T00:00:00Z"}
	result := domain.SelectionResult{Selections: []domain.RankedSelection{
		{ArticleID: 1, Score: 90},
		{ArticleID: 2, Score: 80},
		{ArticleID: 99, Score: 70},
	}}

	accepted := applySelectionRules(result, sub, byID, dedupe)
	require.Len(t, accepted, 1)
	assert.Equal(t, int64(2), accepted[0].ArticleID)
}

func TestApplySelectionRulesSupplementsKeywordMatches(t *testing.T) {
	t.Parallel()
	sub := domain.Subscriber{ID: "u1", Keywords: []string{"banking"}, Directions: []string{"monetary policy"}}
	byID := candidateMap(
		domain.Candidate{ArticleID: 1, Title: "Shadow banking and monetary policy"},
		domain.Candidate{ArticleID: 2, Title: "Banking crises"},
		domain.Candidate{ArticleID: 3, Title: "Unrelated ecology paper"},
	)

	accepted := applySelectionRules(domain.SelectionResult{}, sub, byID, map[string]string{})
	require.Len(t, accepted, 2)
	assert.Equal(t, int64(1), accepted[0].ArticleID, "double match ranks first")
	assert.Equal(t, int64(2), accepted[1].ArticleID)
	assert.Zero(t, accepted[0].Score, "supplemental entries carry score zero")
}

func TestApplySelectionRulesCapsAtDigestSize(t *testing.T) {
	t.Parallel()
	sub := domain.Subscriber{ID: "u1"}
	var selections []domain.RankedSelection
	candidates := make([]domain.Candidate, 0, 30)
	for i := int64(1); i <= 30; i++ {
		candidates = append(candidates, domain.Candidate{ArticleID: i, Title: "Paper"})
		selections = append(selections, domain.RankedSelection{ArticleID: i, Score: float64(100 - i)})
	}

	accepted := applySelectionRules(
		domain.SelectionResult{Selections: selections},
		sub, candidateMap(candidates...), map[string]string{},
	)
	assert.Len(t, accepted, domain.MaxArticlesPerDigest)
}

func TestSelectWithRoundsAggregatesMaxScore(t *testing.T) {
	t.Parallel()
	sub := domain.Subscriber{ID: "u1"}
	candidates := []domain.Candidate{
		{ArticleID: 1, Title: "A"},
		{ArticleID: 2, Title: "B"},
	}
	oracle := &fakeOracle{results: []domain.SelectionResult{
		{Summary: "first", Selections: []domain.RankedSelection{{ArticleID: 1, Score: 40}}},
		{Selections: []domain.RankedSelection{{ArticleID: 2, Score: 70}}},
	}}

	result := selectWithRounds(context.Background(), oracle, sub, domain.SelectionDefaults{},
		candidates, candidateMap(candidates...), map[string]string{}, 5, slog.Default())
	assert.Equal(t, "first", result.Summary)
	require.Len(t, result.Selections, 2)
	assert.Equal(t, int64(2), result.Selections[0].ArticleID)
	assert.Equal(t, 2, oracle.calls, "rounds stop when no candidates remain")
}

func TestSelectWithRoundsSurvivesOracleFailure(t *testing.T) {
	t.Parallel()
	sub := domain.Subscriber{ID: "u1", Keywords: []string{"trade"}}
	candidates := []domain.Candidate{{ArticleID: 1, Title: "Trade networks"}}
	oracle := &fakeOracle{err: errors.New("upstream down")}

	result := selectWithRounds(context.Background(), oracle, sub, domain.SelectionDefaults{},
		candidates, candidateMap(candidates...), map[string]string{}, 5, slog.Default())
	assert.Empty(t, result.Selections)

	accepted := applySelectionRules(result, sub, candidateMap(candidates...), map[string]string{})
	require.Len(t, accepted, 1, "keyword supplementation still selects")
	assert.Equal(t, int64(1), accepted[0].ArticleID)
}

func TestDedupeCandidatesPreservesOrder(t *testing.T) {
	t.Parallel()
	deduped := dedupeCandidates([]domain.Candidate{
		{ArticleID: 2}, {ArticleID: 1}, {ArticleID: 2}, {ArticleID: 3},
	})
	require.Len(t, deduped, 3)
	assert.Equal(t, int64(2), deduped[0].ArticleID)
	assert.Equal(t, int64(1), deduped[1].ArticleID)
	assert.Equal(t, int64(3), deduped[2].ArticleID)
}
