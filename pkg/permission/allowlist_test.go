package permission_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casys-ai/pml/pkg/permission"
)

func TestNewAllowListEmptyPathStaysInMemory(t *testing.T) {
	a, err := permission.NewAllowList("")
	require.NoError(t, err)
	assert.False(t, a.Contains("filesystem.write"))

	require.NoError(t, a.Allow("filesystem.write"))
	assert.True(t, a.Contains("filesystem.write"))
}

func TestNewAllowListMissingFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "allowlist.json")
	a, err := permission.NewAllowList(path)
	require.NoError(t, err)
	assert.False(t, a.Contains("filesystem.write"))
}

func TestAllowPersistsAndReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".pml", "allowlist.json")
	a, err := permission.NewAllowList(path)
	require.NoError(t, err)

	require.NoError(t, a.Allow("filesystem.write"))
	require.NoError(t, a.Allow("network.post"))

	reloaded, err := permission.NewAllowList(path)
	require.NoError(t, err)
	assert.True(t, reloaded.Contains("filesystem.write"))
	assert.True(t, reloaded.Contains("network.post"))
	assert.False(t, reloaded.Contains("filesystem.read"))
}

func TestAllowIsIdempotent(t *testing.T) {
	a, err := permission.NewAllowList("")
	require.NoError(t, err)
	require.NoError(t, a.Allow("filesystem.write"))
	require.NoError(t, a.Allow("filesystem.write"))
	assert.True(t, a.Contains("filesystem.write"))
}
