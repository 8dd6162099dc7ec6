package usecase

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/QianFuv/Paper-Scanner/internal/domain"
	"github.com/QianFuv/Paper-Scanner/internal/source"
)

func testRegistry(adapter *fakeAdapter) *source.Registry {
	adapter.name = "browzine"
	registry := source.NewRegistry()
	registry.Register(adapter)
	return registry
}

func TestRunnerProcessesWholeWorklist(t *testing.T) {
	t.Parallel()
	store := &recordingStore{}
	runner := NewRunner(testRegistry(testAdapter()), store, RunnerOptions{Processes: 3}, slog.Default())

	refs := make([]domain.JournalRef, 0, 7)
	for i := 0; i < 7; i++ {
		refs = append(refs, testRef())
	}
	reports, err := runner.Run(context.Background(), refs)
	require.NoError(t, err)
	require.Len(t, reports, 7)

	var journals, yearMarks, doneMarks int
	for _, batch := range store.batches {
		if batch.Journal != nil {
			journals++
		}
		if batch.YearDone != nil {
			yearMarks++
		}
		if batch.JournalDoneID != 0 {
			doneMarks++
		}
	}
	assert.Equal(t, 7, journals)
	assert.Equal(t, 7, yearMarks)
	assert.Equal(t, 7, doneMarks)
}

func TestRunnerRequeuesFailedBatchOnce(t *testing.T) {
	t.Parallel()
	store := &recordingStore{failNext: 1}
	runner := NewRunner(testRegistry(testAdapter()), store, RunnerOptions{}, slog.Default())

	reports, err := runner.Run(context.Background(), []domain.JournalRef{testRef()})
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Empty(t, reports[0].Skipped, "one writer retry absorbs a single failure")
	assert.Len(t, store.batches, 3)
}

func TestRunnerReportsJournalFailure(t *testing.T) {
	t.Parallel()
	store := &recordingStore{failNext: 2}
	runner := NewRunner(testRegistry(testAdapter()), store, RunnerOptions{}, slog.Default())

	reports, err := runner.Run(context.Background(), []domain.JournalRef{testRef()})
	require.NoError(t, err, "a failed journal never aborts the run")
	require.Len(t, reports, 1)
	require.NotEmpty(t, reports[0].Skipped)
	assert.Contains(t, reports[0].Skipped[0].Reason, "apply failed")
}

func TestRunnerRejectsEmptyWorklistRow(t *testing.T) {
	t.Parallel()
	store := &recordingStore{}
	runner := NewRunner(testRegistry(testAdapter()), store, RunnerOptions{}, slog.Default())

	reports, err := runner.Run(context.Background(), []domain.JournalRef{{Library: "3050"}})
	require.NoError(t, err)
	require.Len(t, reports, 1)
	require.NotEmpty(t, reports[0].Skipped)
	assert.Contains(t, reports[0].Skipped[0].Reason, "no id")
	assert.Empty(t, store.batches)
}
