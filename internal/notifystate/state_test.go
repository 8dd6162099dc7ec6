package notifystate

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsFreshState(t *testing.T) {
	t.Parallel()
	state, err := Load(filepath.Join(t.TempDir(), "missing.json"), "econ.db")
	require.NoError(t, err)
	assert.Equal(t, "econ.db", state.StoreName)
	assert.Equal(t, StatusIdle, state.Status)
	assert.NotNil(t, state.DeliveryDedupe)
	assert.NotNil(t, state.Snapshot.IssueArticleCounts)
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "state.json")

	state, err := Load(path, "econ.db")
	require.NoError(t, err)
	state.Status = StatusRunning
	state.Snapshot.IssueArticleCounts["10:100"] = 4
	state.Run = NewRun("2026-08-31T00:00:00Z", []string{"10:100"}, nil)
	state.DeliveryDedupe[DedupeKey("u1", 42)] = NowISO()
	require.NoError(t, Save(path, state))

	loaded, err := Load(path, "econ.db")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, loaded.Status)
	assert.Equal(t, 4, loaded.Snapshot.IssueArticleCounts["10:100"])
	require.NotNil(t, loaded.Run)
	assert.Equal(t, []string{"10:100"}, loaded.Run.PendingIssueKeys)
	assert.Contains(t, loaded.DeliveryDedupe, "u1:42")
}

func TestLoadRejectsForeignStore(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, Save(path, newState("econ.db")))

	_, err := Load(path, "finance.db")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "belongs to store")
}

func TestPruneDedupe(t *testing.T) {
	t.Parallel()
	now := time.Now().UTC()
	dedupe := map[string]string{
		"u1:1": now.AddDate(0, 0, -10).Format(time.RFC3339),
		"u1:2": now.AddDate(0, 0, -90).Format(time.RFC3339),
		"u1:3": "not-a-timestamp",
	}

	kept := PruneDedupe(dedupe, 60)
	assert.Contains(t, kept, "u1:1")
	assert.NotContains(t, kept, "u1:2")
	assert.NotContains(t, kept, "u1:3")

	assert.Empty(t, PruneDedupe(dedupe, 0))
}
