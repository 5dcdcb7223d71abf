package lockfile_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casys-ai/pml/internal/lockfile"
)

func TestLoadMissingFileReturnsEmpty(t *testing.T) {
	dir := t.TempDir()
	f, err := lockfile.Load(filepath.Join(dir, "mcp.lock"))
	require.NoError(t, err)
	assert.NotNil(t, f.Entries)
	assert.Empty(t, f.Entries)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".pml", "mcp.lock")

	f := &lockfile.File{Entries: map[string]lockfile.Entry{
		"acme.demo.files.read": {
			FQDN: "acme.demo.files.read", Type: "capability", Routing: "client",
			Tools: []string{"mcp.fs.read"}, SourceHash: "abc123",
			InstalledAt: time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC),
		},
	}}
	require.NoError(t, lockfile.Save(path, f))

	loaded, err := lockfile.Load(path)
	require.NoError(t, err)
	require.Contains(t, loaded.Entries, "acme.demo.files.read")
	assert.Equal(t, "abc123", loaded.Entries["acme.demo.files.read"].SourceHash)
	assert.Equal(t, []string{"mcp.fs.read"}, loaded.Entries["acme.demo.files.read"].Tools)
}

func TestSaveCreatesParentDirs(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "deep", "mcp.lock")
	require.NoError(t, lockfile.Save(path, &lockfile.File{Entries: map[string]lockfile.Entry{}}))

	_, err := lockfile.Load(path)
	require.NoError(t, err)
}
