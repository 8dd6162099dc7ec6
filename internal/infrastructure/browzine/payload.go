package browzine

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/QianFuv/Paper-Scanner/internal/domain"
)

// The API is loose with scalar types: ids arrive as numbers or strings,
// flags as booleans, numbers, or strings. The flex types absorb that.

type flexInt64 int64

func (v *flexInt64) UnmarshalJSON(raw []byte) error {
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return err
	}
	switch typed := value.(type) {
	case float64:
		*v = flexInt64(typed)
	case string:
		parsed, err := strconv.ParseInt(strings.TrimSpace(typed), 10, 64)
		if err == nil {
			*v = flexInt64(parsed)
		}
	}
	return nil
}

type flexFloat float64

func (v *flexFloat) UnmarshalJSON(raw []byte) error {
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return err
	}
	switch typed := value.(type) {
	case float64:
		*v = flexFloat(typed)
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(typed), 64)
		if err == nil {
			*v = flexFloat(parsed)
		}
	}
	return nil
}

type flexString string

func (v *flexString) UnmarshalJSON(raw []byte) error {
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return err
	}
	switch typed := value.(type) {
	case string:
		*v = flexString(typed)
	case float64:
		*v = flexString(strconv.FormatFloat(typed, 'f', -1, 64))
	}
	return nil
}

type flexBool bool

func (v *flexBool) UnmarshalJSON(raw []byte) error {
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return err
	}
	switch typed := value.(type) {
	case bool:
		*v = flexBool(typed)
	case float64:
		*v = typed != 0
	case string:
		switch strings.ToLower(strings.TrimSpace(typed)) {
		case "true", "1", "yes":
			*v = true
		}
	}
	return nil
}

type journalPayload struct {
	ID         flexInt64 `json:"id"`
	Attributes struct {
		Title       flexString `json:"title"`
		ISSN        flexString `json:"issn"`
		EISSN       flexString `json:"eissn"`
		ScimagoRank flexFloat  `json:"scimagoRank"`
		CoverURL    flexString `json:"coverURL"`
		Available   flexBool   `json:"available"`
		HasArticles flexBool   `json:"hasArticles"`
	} `json:"attributes"`
}

func (p journalPayload) toRecord(ref domain.JournalRef) *domain.JournalRecord {
	record := &domain.JournalRecord{
		JournalID:   int64(p.ID),
		LibraryID:   ref.Library,
		Title:       string(p.Attributes.Title),
		ISSN:        string(p.Attributes.ISSN),
		EISSN:       string(p.Attributes.EISSN),
		Rank:        float64(p.Attributes.ScimagoRank),
		CoverURL:    string(p.Attributes.CoverURL),
		Available:   bool(p.Attributes.Available),
		HasArticles: bool(p.Attributes.HasArticles),
	}
	if record.JournalID == 0 {
		record.JournalID = ref.ID
	}
	if record.Title == "" {
		record.Title = ref.Title
	}
	if record.ISSN == "" {
		record.ISSN = ref.ISSN
	}
	return record
}

type issuePayload struct {
	ID         flexInt64 `json:"id"`
	Attributes struct {
		Journal            flexInt64  `json:"journal"`
		Title              flexString `json:"title"`
		Volume             flexString `json:"volume"`
		Number             flexString `json:"number"`
		Date               flexString `json:"date"`
		IsValidIssue       flexBool   `json:"isValidIssue"`
		Suppressed         flexBool   `json:"suppressed"`
		Embargoed          flexBool   `json:"embargoed"`
		WithinSubscription flexBool   `json:"withinSubscription"`
	} `json:"attributes"`
}

func (p issuePayload) toRecord(fallbackJournalID int64, year int) (domain.IssueRecord, bool) {
	if p.ID == 0 {
		return domain.IssueRecord{}, false
	}
	journalID := int64(p.Attributes.Journal)
	if journalID == 0 {
		journalID = fallbackJournalID
	}
	return domain.IssueRecord{
		IssueID:            int64(p.ID),
		JournalID:          journalID,
		Year:               year,
		Title:              string(p.Attributes.Title),
		Volume:             string(p.Attributes.Volume),
		Number:             string(p.Attributes.Number),
		Date:               string(p.Attributes.Date),
		Valid:              bool(p.Attributes.IsValidIssue),
		Suppressed:         bool(p.Attributes.Suppressed),
		Embargoed:          bool(p.Attributes.Embargoed),
		WithinSubscription: bool(p.Attributes.WithinSubscription),
	}, true
}

type articlePayload struct {
	ID         flexInt64 `json:"id"`
	Attributes struct {
		Title                 flexString `json:"title"`
		Date                  flexString `json:"date"`
		Authors               flexString `json:"authors"`
		StartPage             flexString `json:"startPage"`
		EndPage               flexString `json:"endPage"`
		Abstract              flexString `json:"abstract"`
		DOI                   flexString `json:"doi"`
		PMID                  flexString `json:"pmid"`
		Permalink             flexString `json:"permalink"`
		FullTextFile          flexString `json:"fullTextFile"`
		Suppressed            flexBool   `json:"suppressed"`
		InPress               flexBool   `json:"inPress"`
		OpenAccess            flexBool   `json:"openAccess"`
		WithinLibraryHoldings flexBool   `json:"withinLibraryHoldings"`
	} `json:"attributes"`
	Relationships struct {
		Journal struct {
			Data struct {
				ID flexInt64 `json:"id"`
			} `json:"data"`
		} `json:"journal"`
		Issue struct {
			Data struct {
				ID flexInt64 `json:"id"`
			} `json:"data"`
		} `json:"issue"`
	} `json:"relationships"`
}

func (p articlePayload) toRecord(fallbackJournalID, fallbackIssueID int64) (domain.ArticleRecord, bool) {
	if p.ID == 0 {
		return domain.ArticleRecord{}, false
	}
	journalID := int64(p.Relationships.Journal.Data.ID)
	if journalID == 0 {
		journalID = fallbackJournalID
	}
	issueID := int64(p.Relationships.Issue.Data.ID)
	if issueID == 0 {
		issueID = fallbackIssueID
	}
	record := domain.ArticleRecord{
		ArticleID:      int64(p.ID),
		JournalID:      journalID,
		Title:          string(p.Attributes.Title),
		Date:           string(p.Attributes.Date),
		Authors:        string(p.Attributes.Authors),
		StartPage:      string(p.Attributes.StartPage),
		EndPage:        string(p.Attributes.EndPage),
		Abstract:       string(p.Attributes.Abstract),
		DOI:            string(p.Attributes.DOI),
		PMID:           string(p.Attributes.PMID),
		Permalink:      string(p.Attributes.Permalink),
		FullTextURL:    string(p.Attributes.FullTextFile),
		Suppressed:     bool(p.Attributes.Suppressed),
		InPress:        bool(p.Attributes.InPress),
		OpenAccess:     bool(p.Attributes.OpenAccess),
		WithinHoldings: bool(p.Attributes.WithinLibraryHoldings),
	}
	if issueID != 0 {
		record.IssueID = &issueID
	}
	return record, true
}
