package cli

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRootCmdHasExpectedSubcommands(t *testing.T) {
	root := NewRootCmd()
	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"init", "stdio", "serve", "add", "run", "remove", "list", "upgrade"} {
		assert.True(t, names[want], "missing subcommand %q", want)
	}
}

func TestInitCreatesWorkspaceLayout(t *testing.T) {
	dir := t.TempDir()

	root := NewRootCmd()
	root.SetArgs([]string{"--workspace", dir, "init"})
	var out bytes.Buffer
	root.SetOut(&out)
	require.NoError(t, root.Execute())

	assert.FileExists(t, filepath.Join(dir, ".pml", "config.toml"))
	assert.FileExists(t, filepath.Join(dir, ".pml", "mcp.lock"))
	assert.Contains(t, out.String(), "initialized pml workspace")
}

func TestListOnFreshWorkspaceIsEmpty(t *testing.T) {
	dir := t.TempDir()

	root := NewRootCmd()
	root.SetArgs([]string{"--workspace", dir, "init"})
	require.NoError(t, root.Execute())

	root = NewRootCmd()
	root.SetArgs([]string{"--workspace", dir, "list"})
	var out bytes.Buffer
	root.SetOut(&out)
	require.NoError(t, root.Execute())
	assert.Equal(t, 1, strings.Count(out.String(), "\n"), "a fresh workspace lists only the header row")
}

func TestRunUnknownFQDNFails(t *testing.T) {
	dir := t.TempDir()

	root := NewRootCmd()
	root.SetArgs([]string{"--workspace", dir, "init"})
	require.NoError(t, root.Execute())

	root = NewRootCmd()
	root.SetArgs([]string{"--workspace", dir, "run", "acme.demo.nope"})
	err := root.Execute()
	require.Error(t, err)
}

func TestRemoveUnpinnedFQDNFails(t *testing.T) {
	dir := t.TempDir()

	root := NewRootCmd()
	root.SetArgs([]string{"--workspace", dir, "init"})
	require.NoError(t, root.Execute())

	root = NewRootCmd()
	root.SetArgs([]string{"--workspace", dir, "remove", "acme.demo.nope"})
	err := root.Execute()
	require.Error(t, err)
}
