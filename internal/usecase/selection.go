package usecase

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"github.com/QianFuv/Paper-Scanner/internal/domain"
	"github.com/QianFuv/Paper-Scanner/internal/notifystate"
	"github.com/QianFuv/Paper-Scanner/internal/ports"
)

// matchScore counts how many of the subscriber's keyword and direction
// phrases occur in the candidate's title or abstract.
func matchScore(candidate domain.Candidate, sub domain.Subscriber) int {
	source := strings.ToLower(candidate.Title + " " + candidate.Abstract)
	score := 0
	for _, phrase := range append(append([]string{}, sub.Keywords...), sub.Directions...) {
		normalized := strings.ToLower(strings.TrimSpace(phrase))
		if normalized != "" && strings.Contains(source, normalized) {
			score++
		}
	}
	return score
}

// selectWithRounds queries the oracle up to maxRounds times over the
// remaining candidates, aggregating selections by max score, until the
// accepted set fills a digest. Oracle errors abort with the partial result.
func selectWithRounds(ctx context.Context, oracle ports.Oracle, sub domain.Subscriber, defaults domain.SelectionDefaults, forModel []domain.Candidate, byID map[int64]domain.Candidate, dedupe map[string]string, maxRounds int, log *slog.Logger) domain.SelectionResult {
	if maxRounds < 1 {
		maxRounds = 1
	}
	remaining := append([]domain.Candidate{}, forModel...)
	aggregated := map[int64]domain.RankedSelection{}
	summary := ""

	for round := 0; round < maxRounds; round++ {
		if len(remaining) == 0 {
			break
		}
		result, err := oracle.SelectArticles(ctx, sub, defaults, remaining)
		if err != nil {
			log.Warn("oracle round failed", "subscriber", sub.ID, "round", round+1, "error", err)
			break
		}
		if summary == "" && result.Summary != "" {
			summary = result.Summary
		}
		for _, item := range result.Selections {
			existing, ok := aggregated[item.ArticleID]
			if !ok || item.Score > existing.Score {
				aggregated[item.ArticleID] = item
			}
		}

		merged := mergedResult(summary, aggregated)
		if len(applySelectionRules(merged, sub, byID, dedupe)) >= domain.MaxArticlesPerDigest {
			return merged
		}

		kept := remaining[:0]
		for _, candidate := range remaining {
			if _, ok := aggregated[candidate.ArticleID]; !ok {
				kept = append(kept, candidate)
			}
		}
		remaining = kept
	}
	return mergedResult(summary, aggregated)
}

func mergedResult(summary string, aggregated map[int64]domain.RankedSelection) domain.SelectionResult {
	selections := make([]domain.RankedSelection, 0, len(aggregated))
	for _, item := range aggregated {
		selections = append(selections, item)
	}
	sort.Slice(selections, func(i, j int) bool {
		if selections[i].Score != selections[j].Score {
			return selections[i].Score > selections[j].Score
		}
		return selections[i].ArticleID < selections[j].ArticleID
	})
	return domain.SelectionResult{Summary: summary, Selections: selections}
}

// applySelectionRules filters oracle output against the dedupe map, tops it
// up with keyword-matched candidates when sparse, and caps the result at the
// digest size. Supplemental entries carry score zero.
func applySelectionRules(result domain.SelectionResult, sub domain.Subscriber, byID map[int64]domain.Candidate, dedupe map[string]string) []domain.RankedSelection {
	var eligible []domain.RankedSelection
	selectedIDs := map[int64]bool{}
	for _, selection := range result.Selections {
		candidate, ok := byID[selection.ArticleID]
		if !ok {
			continue
		}
		if _, delivered := dedupe[notifystate.DedupeKey(sub.ID, candidate.ArticleID)]; delivered {
			continue
		}
		eligible = append(eligible, selection)
		selectedIDs[selection.ArticleID] = true
	}

	var supplemental []domain.RankedSelection
	if len(eligible) < domain.MaxArticlesPerDigest {
		for _, candidate := range byID {
			if selectedIDs[candidate.ArticleID] {
				continue
			}
			if _, delivered := dedupe[notifystate.DedupeKey(sub.ID, candidate.ArticleID)]; delivered {
				continue
			}
			if matchScore(candidate, sub) <= 0 {
				continue
			}
			supplemental = append(supplemental, domain.RankedSelection{ArticleID: candidate.ArticleID})
		}
		sort.Slice(supplemental, func(i, j int) bool {
			scoreI := matchScore(byID[supplemental[i].ArticleID], sub)
			scoreJ := matchScore(byID[supplemental[j].ArticleID], sub)
			if scoreI != scoreJ {
				return scoreI > scoreJ
			}
			return supplemental[i].ArticleID > supplemental[j].ArticleID
		})
	}

	merged := append(eligible, supplemental...)
	if len(merged) == 0 {
		return nil
	}
	sort.SliceStable(merged, func(i, j int) bool {
		scoreI := matchScore(byID[merged[i].ArticleID], sub)
		scoreJ := matchScore(byID[merged[j].ArticleID], sub)
		if scoreI != scoreJ {
			return scoreI > scoreJ
		}
		return merged[i].Score > merged[j].Score
	})
	if len(merged) > domain.MaxArticlesPerDigest {
		merged = merged[:domain.MaxArticlesPerDigest]
	}
	return merged
}

// dedupeCandidates drops repeated article ids while preserving order.
func dedupeCandidates(candidates []domain.Candidate) []domain.Candidate {
	seen := map[int64]bool{}
	deduped := make([]domain.Candidate, 0, len(candidates))
	for _, candidate := range candidates {
		if seen[candidate.ArticleID] {
			continue
		}
		seen[candidate.ArticleID] = true
		deduped = append(deduped, candidate)
	}
	return deduped
}
