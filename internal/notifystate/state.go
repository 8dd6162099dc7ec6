// Package notifystate persists per-store notification state: the last count
// snapshot, the current run record, and the delivery dedupe map.
package notifystate

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Run statuses persisted in the state file.
const (
	StatusIdle      = "idle"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Snapshot holds per-group article counts from the last completed run.
type Snapshot struct {
	IssueArticleCounts   map[string]int `json:"issue_article_counts"`
	InPressArticleCounts map[string]int `json:"inpress_article_counts"`
}

// UserResult records the outcome for one subscriber in a run.
type UserResult struct {
	SubscriberID  string `json:"subscriber_id"`
	SelectedCount int    `json:"selected_count"`
	PushedCount   int    `json:"pushed_count"`
	MessageID     string `json:"message_id,omitempty"`
	Status        string `json:"status"`
	Error         string `json:"error,omitempty"`
}

// Run is the record of one notification execution.
type Run struct {
	RunID              string       `json:"run_id"`
	Status             string       `json:"status"`
	StartedAt          string       `json:"started_at"`
	CompletedAt        string       `json:"completed_at,omitempty"`
	UpdatedAt          string       `json:"updated_at"`
	PendingIssueKeys   []string     `json:"pending_issue_keys"`
	DoneIssueKeys      []string     `json:"done_issue_keys"`
	PendingInPressKeys []string     `json:"pending_inpress_keys"`
	DoneInPressKeys    []string     `json:"done_inpress_keys"`
	Errors             []string     `json:"errors,omitempty"`
	UserResults        []UserResult `json:"user_results"`
}

// State is the full persisted notification state for one store file.
type State struct {
	StoreName          string            `json:"db_name"`
	Status             string            `json:"status"`
	LastCompletedRunAt string            `json:"last_completed_run_at,omitempty"`
	Snapshot           Snapshot          `json:"snapshot"`
	Run                *Run              `json:"run,omitempty"`
	DeliveryDedupe     map[string]string `json:"delivery_dedupe"`
	UpdatedAt          string            `json:"updated_at"`
}

// NowISO returns the current UTC time truncated to whole seconds in RFC3339.
func NowISO() string {
	return time.Now().UTC().Truncate(time.Second).Format(time.RFC3339)
}

func newState(storeName string) State {
	return State{
		StoreName: storeName,
		Status:    StatusIdle,
		Snapshot: Snapshot{
			IssueArticleCounts:   map[string]int{},
			InPressArticleCounts: map[string]int{},
		},
		DeliveryDedupe: map[string]string{},
		UpdatedAt:      NowISO(),
	}
}

// Load reads the state file at path, normalizing missing maps. A missing
// file yields a fresh state; a state bound to a different store is an error.
func Load(path, storeName string) (State, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return newState(storeName), nil
	}
	if err != nil {
		return State{}, fmt.Errorf("read state %s: %w", path, err)
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return State{}, fmt.Errorf("parse state %s: %w", path, err)
	}
	if state.StoreName != "" && state.StoreName != storeName {
		return State{}, fmt.Errorf("state file %s belongs to store %q, not %q", path, state.StoreName, storeName)
	}

	state.StoreName = storeName
	if state.Status == "" {
		state.Status = StatusIdle
	}
	if state.Snapshot.IssueArticleCounts == nil {
		state.Snapshot.IssueArticleCounts = map[string]int{}
	}
	if state.Snapshot.InPressArticleCounts == nil {
		state.Snapshot.InPressArticleCounts = map[string]int{}
	}
	if state.DeliveryDedupe == nil {
		state.DeliveryDedupe = map[string]string{}
	}
	if state.UpdatedAt == "" {
		state.UpdatedAt = NowISO()
	}
	return state, nil
}

// Save writes the state atomically: temp file in the same directory, then
// rename.
func Save(path string, state State) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write state %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace state %s: %w", path, err)
	}
	return nil
}

// NewRun builds the run record for the pending change set.
func NewRun(runID string, pendingIssueKeys, pendingInPressKeys []string) *Run {
	now := NowISO()
	return &Run{
		RunID:              runID,
		Status:             StatusRunning,
		StartedAt:          now,
		UpdatedAt:          now,
		PendingIssueKeys:   pendingIssueKeys,
		DoneIssueKeys:      []string{},
		PendingInPressKeys: pendingInPressKeys,
		DoneInPressKeys:    []string{},
		UserResults:        []UserResult{},
	}
}

// DedupeKey builds the per-subscriber delivery dedupe key for an article.
func DedupeKey(subscriberID string, articleID int64) string {
	return fmt.Sprintf("%s:%d", subscriberID, articleID)
}

// PruneDedupe drops dedupe records older than the retention window. Entries
// with unparseable timestamps are dropped. A non-positive retention clears
// the map.
func PruneDedupe(dedupe map[string]string, retentionDays int) map[string]string {
	if retentionDays <= 0 {
		return map[string]string{}
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
	kept := make(map[string]string, len(dedupe))
	for key, value := range dedupe {
		sentAt, err := time.Parse(time.RFC3339, value)
		if err != nil {
			continue
		}
		if !sentAt.Before(cutoff) {
			kept[key] = value
		}
	}
	return kept
}
