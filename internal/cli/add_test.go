package cli

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/BurntSushi/toml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casys-ai/pml/internal/config"
	"github.com/casys-ai/pml/internal/lockfile"
)

func TestAddAndRemoveRoundTrip(t *testing.T) {
	dir := t.TempDir()

	descriptor := map[string]any{
		"fqdn": "acme.demo.search", "type": "mcp-server", "routing": "server",
		"tools": []string{"search.query"},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "/acme.demo.search", req.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(descriptor)
	}))
	defer srv.Close()

	root := NewRootCmd()
	root.SetArgs([]string{"--workspace", dir, "init"})
	require.NoError(t, root.Execute())

	writeRegistryURL(t, dir, srv.URL)

	root = NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"--workspace", dir, "add", "acme.demo.search"})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "pinned acme.demo.search")

	lf, err := lockfile.Load(filepath.Join(dir, ".pml", "mcp.lock"))
	require.NoError(t, err)
	require.Contains(t, lf.Entries, "acme.demo.search")
	assert.Equal(t, "server", lf.Entries["acme.demo.search"].Routing)

	root = NewRootCmd()
	out.Reset()
	root.SetOut(&out)
	root.SetArgs([]string{"--workspace", dir, "remove", "acme.demo.search"})
	require.NoError(t, root.Execute())

	lf, err = lockfile.Load(filepath.Join(dir, ".pml", "mcp.lock"))
	require.NoError(t, err)
	assert.NotContains(t, lf.Entries, "acme.demo.search")
}

// writeRegistryURL rewrites the freshly-initialized workspace's config.toml
// to point workspace.registry_url at url, since init never knows the test
// server's address in advance.
func writeRegistryURL(t *testing.T, workspaceDir, url string) {
	t.Helper()
	configPath := config.DefaultConfigPath(workspaceDir)
	cfg, err := config.Load(configPath)
	require.NoError(t, err)
	cfg.Workspace.Root = workspaceDir
	cfg.Workspace.RegistryURL = url

	f, err := os.Create(configPath)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, toml.NewEncoder(f).Encode(cfg))
}
