package sharedir

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mccartykim/fileswarm/internal/partialfile"
)

func TestIsPartialNameAndDisplayName(t *testing.T) {
	assert.True(t, IsPartialName(".movie.mkv.part"))
	assert.False(t, IsPartialName("movie.mkv"))
	assert.False(t, IsPartialName("movie.mkv.part")) // missing leading dot
	assert.Equal(t, "movie.mkv", DisplayName(".movie.mkv.part"))
}

func TestScanClassifiesCompleteAndPartialFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "doc"), []byte("hello"), 0o644))

	pf, err := partialfile.Create(filepath.Join(dir, ".img.part"), 3000)
	require.NoError(t, err)
	require.NoError(t, pf.WriteBlock(0, make([]byte, 1420)))
	require.NoError(t, pf.Close())

	entries, err := Scan(dir)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	byName := make(map[string]bool)
	for _, e := range entries {
		byName[e.Name] = e.Complete
	}
	assert.Equal(t, true, byName["doc"])
	assert.Equal(t, false, byName["img"])
}

func TestScanSkipsSubdirectories(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "nested"), []byte("x"), 0o644))

	entries, err := Scan(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
