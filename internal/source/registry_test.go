package source

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/QianFuv/Paper-Scanner/internal/domain"
	"github.com/QianFuv/Paper-Scanner/internal/ports"
)

type stubAdapter struct{ name string }

func (s stubAdapter) Name() string { return s.name }

func (s stubAdapter) FetchJournal(context.Context, domain.JournalRef) (*domain.JournalRecord, *domain.JournalMeta, error) {
	return nil, nil, nil
}

func (s stubAdapter) FetchYears(context.Context, int64, string) ([]int, error) { return nil, nil }

func (s stubAdapter) FetchIssues(context.Context, int64, string, int) ([]domain.IssueRecord, error) {
	return nil, nil
}

func (s stubAdapter) FetchArticles(context.Context, int64, string, int64) ([]domain.ArticleRecord, error) {
	return nil, nil
}

func (s stubAdapter) FetchInPress(context.Context, int64, string) ([]domain.ArticleRecord, error) {
	return nil, nil
}

var _ ports.SourceAdapter = stubAdapter{}

func TestRegistryResolve(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	reg.Register(stubAdapter{name: "browzine"})
	reg.Register(stubAdapter{name: "weipu"})

	adapter, err := reg.Resolve("browzine")
	require.NoError(t, err)
	assert.Equal(t, "browzine", adapter.Name())

	_, err = reg.Resolve("unknown")
	require.Error(t, err)
}

func TestForLibrary(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	reg.Register(stubAdapter{name: "browzine"})
	reg.Register(stubAdapter{name: "weipu"})

	cases := []struct {
		library string
		want    string
	}{
		{"3050", "browzine"},
		{"-1", "weipu"},
		{" -1 ", "weipu"},
		{"", "browzine"},
	}
	for _, tc := range cases {
		adapter, err := reg.ForLibrary(tc.library)
		require.NoError(t, err)
		assert.Equal(t, tc.want, adapter.Name(), "library %q", tc.library)
	}
}
