package usecase

import (
	"fmt"
	"strings"

	"github.com/QianFuv/Paper-Scanner/internal/domain"
)

// DigestTitle builds the push title for one run.
func DigestTitle(storeName, runID string) string {
	shortRun := runID
	if len(shortRun) > 10 {
		shortRun = shortRun[:10]
	}
	return fmt.Sprintf("Paper Scanner Weekly Update [%s] %s", storeName, shortRun)
}

// BuildDigest renders the markdown digest for one subscriber. Article
// sections are packed greedily under the item cap and the content budget:
// a section that would overflow is dropped whole, never truncated.
func BuildDigest(storeName, runID string, sub domain.Subscriber, summary string, selections []domain.RankedSelection, byID map[int64]domain.Candidate) string {
	baseLines := []string{
		fmt.Sprintf("## Weekly Digest for %s", sub.Name),
		"",
		fmt.Sprintf("- Database: `%s`", storeName),
		fmt.Sprintf("- Run ID: `%s`", runID),
	}
	if intro := strings.TrimSpace(summary); intro != "" {
		baseLines = append(baseLines, "", intro)
	}

	capped := selections
	if len(capped) > domain.MaxArticlesPerDigest {
		capped = capped[:domain.MaxArticlesPerDigest]
	}
	var sections []string
	for _, item := range capped {
		candidate, ok := byID[item.ArticleID]
		if !ok {
			continue
		}
		doi := strings.TrimSpace(candidate.DOI)
		if doi == "" {
			doi = "N/A"
		}
		date := candidate.Date
		if date == "" {
			date = "Unknown"
		}
		abstract := candidate.Abstract
		if abstract == "" {
			abstract = "N/A"
		}
		sections = append(sections, strings.Join([]string{
			fmt.Sprintf("### %d. %s", len(sections)+1, candidate.Title),
			fmt.Sprintf("- Journal: %s", candidate.JournalTitle),
			fmt.Sprintf("- Date: %s", date),
			fmt.Sprintf("- DOI: %s", doi),
			fmt.Sprintf("- Abstract: %s", abstract),
		}, "\n"))
	}

	render := func(kept []string) string {
		header := append(append([]string{}, baseLines...),
			fmt.Sprintf("- Selected Articles: %d", len(kept)))
		parts := []string{strings.TrimSpace(strings.Join(header, "\n"))}
		parts = append(parts, kept...)
		return strings.TrimSpace(strings.Join(parts, "\n\n"))
	}

	var kept []string
	for _, section := range sections {
		trial := append(append([]string{}, kept...), section)
		if len(render(trial)) <= domain.MaxDigestContentLength {
			kept = trial
		}
	}

	content := render(kept)
	if len(content) <= domain.MaxDigestContentLength {
		return content
	}
	return domain.TruncateText(render(nil), domain.MaxDigestContentLength)
}
