package domain

import (
	"strings"
	"unicode/utf8"
)

const (
	// MaxArticlesPerDigest caps the number of articles in one digest.
	MaxArticlesPerDigest = 20
	// MaxDigestContentLength caps the serialized digest size in characters.
	MaxDigestContentLength = 18000
	// MaxSelectionRounds bounds repeated oracle queries per subscriber.
	MaxSelectionRounds = 5
	// DefaultDedupeRetentionDays is the default delivery-dedup window.
	DefaultDedupeRetentionDays = 60
	// CandidateAbstractLimit caps abstract text sent to the oracle.
	CandidateAbstractLimit = 1200
)

// Candidate is one notifiable article prepared for selection and delivery.
type Candidate struct {
	ArticleID      int64
	JournalID      int64
	IssueID        *int64
	Title          string
	Abstract       string
	Date           string
	JournalTitle   string
	DOI            string
	FullTextURL    string
	Permalink      string
	OpenAccess     bool
	InPress        bool
	WithinHoldings bool
}

// Subscriber holds one enabled subscription profile.
type Subscriber struct {
	ID         string
	Name       string
	Token      string
	To         string
	Topic      string
	Template   string
	Keywords   []string
	Directions []string
}

// SelectionDefaults are the oracle settings shared by all subscribers.
type SelectionDefaults struct {
	MaxCandidates int
	Model         string
	Temperature   float32
}

// RankedSelection is one oracle-ranked article for a subscriber. Supplemental
// keyword matches carry score 0 and rank below oracle selections.
type RankedSelection struct {
	ArticleID int64   `json:"article_id"`
	Score     float64 `json:"score"`
}

// SelectionResult is the aggregated selection output for one subscriber.
type SelectionResult struct {
	Summary    string
	Selections []RankedSelection
}

// PushMessage is the payload handed to a delivery channel.
type PushMessage struct {
	Token    string
	Title    string
	Content  string
	Channel  string
	Template string
	Topic    string
	Option   string
	To       string
}

// TruncateText trims value to at most maxLength characters, appending an
// ellipsis marker when content was dropped.
func TruncateText(value string, maxLength int) string {
	text := strings.TrimSpace(value)
	if utf8.RuneCountInString(text) <= maxLength {
		return text
	}
	runes := []rune(text)
	cut := maxLength - 1
	if cut < 0 {
		cut = 0
	}
	return strings.TrimRight(string(runes[:cut]), " \t\n") + "..."
}
