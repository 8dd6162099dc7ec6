package worklist

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFillsDefaultLibrary(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "econ.csv")
	body := "id,title,issn\n10,Journal of Things,1234-5678\n,Untracked Review,\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	refs, err := Load(path, "730")
	require.NoError(t, err)
	require.Len(t, refs, 2)

	assert.Equal(t, int64(10), refs[0].ID)
	assert.Equal(t, "Journal of Things", refs[0].Title)
	assert.Equal(t, "730", refs[0].Library)
	assert.Equal(t, "econ", refs[0].Area)

	assert.Zero(t, refs[1].ID)
	assert.Equal(t, "Untracked Review", refs[1].Title)
}

func TestLoadBadID(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "econ.csv")
	body := "id,title\nabc,Broken\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	_, err := Load(path, "730")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad journal id")
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mgmt.csv")
	body := "id,title,issn,library\n7,Old Title,0000-0000,730\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	refs, err := Load(path, "730")
	require.NoError(t, err)
	refs[0].ID = 99
	refs[0].Library = "731"

	require.NoError(t, Save(path, refs))

	refs, err = Load(path, "730")
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, int64(99), refs[0].ID)
	assert.Equal(t, "731", refs[0].Library)
	assert.Equal(t, "Old Title", refs[0].Title)
}

func TestDiscover(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.csv", "a.csv", "skip.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("id,title\n"), 0o644))
	}

	paths, err := Discover(dir, "")
	require.NoError(t, err)
	require.Len(t, paths, 2)
	assert.Equal(t, filepath.Join(dir, "a.csv"), paths[0])

	paths, err = Discover(dir, "b.csv")
	require.NoError(t, err)
	require.Equal(t, []string{filepath.Join(dir, "b.csv")}, paths)

	_, err = Discover(dir, "missing.csv")
	require.Error(t, err)
}
