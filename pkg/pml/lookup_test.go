package pml_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casys-ai/pml/pkg/capability"
	"github.com/casys-ai/pml/pkg/capability/memorystore"
	"github.com/casys-ai/pml/pkg/pml"
	"github.com/casys-ai/pml/pkg/structure"
)

func newLookupGateway(t *testing.T, store *memorystore.Store) *pml.Gateway {
	t.Helper()
	g, err := pml.NewGateway(context.Background(), pml.Options{
		Capability: store,
		Tools:      &fakeToolClient{},
		Catalog:    structure.NewStaticCatalog(),
	})
	require.NoError(t, err)
	return g
}

func seedCapability(t *testing.T, store *memorystore.Store, org, project, name, code string) capability.FQDN {
	t.Helper()
	fqdn, err := store.UpsertCapability(context.Background(), &capability.Capability{
		Org: org, Project: project, DisplayName: name, Code: code,
		Visibility: capability.VisibilityProject,
	})
	require.NoError(t, err)
	return fqdn
}

func TestDiscoverMatchesByDisplayNameSubstring(t *testing.T) {
	store := memorystore.New()
	seedCapability(t, store, "acme", "demo", "files.readOne", "code-a")
	seedCapability(t, store, "acme", "demo", "net.fetchOne", "code-b")

	g := newLookupGateway(t, store)

	results, err := g.Discover(context.Background(), "files", "alice", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "files.readOne", results[0].Name)
	assert.Equal(t, "capability", results[0].Type)
	assert.Equal(t, "capability_store", results[0].Source)
}

func TestSearchCapabilitiesReturnsFullRecords(t *testing.T) {
	store := memorystore.New()
	fqdn := seedCapability(t, store, "acme", "demo", "files.readOne", "code-a")

	g := newLookupGateway(t, store)

	results, err := g.SearchCapabilities(context.Background(), "files", "alice", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, fqdn, results[0].FQDN)
}

func TestLookupResolvesByDisplayNameWithinScope(t *testing.T) {
	store := memorystore.New()
	fqdn := seedCapability(t, store, "acme", "demo", "files.readOne", "code-a")

	g := newLookupGateway(t, store)

	got, err := g.Lookup(context.Background(), "acme", "demo", "files.readOne")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, fqdn, got.FQDN)

	miss, err := g.Lookup(context.Background(), "acme", "other-project", "files.readOne")
	require.NoError(t, err)
	assert.Nil(t, miss)
}

func TestRenameUpdatesDisplayNameAndKeepsLookupByOldNameViaAlias(t *testing.T) {
	store := memorystore.New()
	fqdn := seedCapability(t, store, "acme", "demo", "files.readOne", "code-a")

	g := newLookupGateway(t, store)

	require.NoError(t, g.Rename(context.Background(), "acme", "demo", "files.readOne", "files.readFile"))

	byNewName, err := g.Lookup(context.Background(), "acme", "demo", "files.readFile")
	require.NoError(t, err)
	require.NotNil(t, byNewName)
	assert.Equal(t, fqdn, byNewName.FQDN)

	byOldName, err := g.Lookup(context.Background(), "acme", "demo", "files.readOne")
	require.NoError(t, err)
	require.NotNil(t, byOldName)
	assert.Equal(t, fqdn, byOldName.FQDN)
}

// TestLookupResolvesAliasSameAsDisplayName verifies spec §8 Law L3:
// resolve(displayName, scope) == resolve(alias(displayName), scope)
// whenever alias(displayName) exists.
func TestLookupResolvesAliasSameAsDisplayName(t *testing.T) {
	store := memorystore.New()
	fqdn := seedCapability(t, store, "acme", "demo", "files.readOne", "code-l3")
	g := newLookupGateway(t, store)

	require.NoError(t, g.Rename(context.Background(), "acme", "demo", "files.readOne", "files.readFile"))

	byAlias, err := g.Lookup(context.Background(), "acme", "demo", "files.readOne")
	require.NoError(t, err)
	byCurrent, err := g.Lookup(context.Background(), "acme", "demo", "files.readFile")
	require.NoError(t, err)

	require.NotNil(t, byAlias)
	require.NotNil(t, byCurrent)
	assert.Equal(t, fqdn, byAlias.FQDN)
	assert.Equal(t, byCurrent.FQDN, byAlias.FQDN)
}

// TestRenameBackAndForthIsObservationallyIdentical verifies spec §8 Law L2:
// rename(A→B); rename(B→A) leaves the capability identical except for the
// append-only alias history.
func TestRenameBackAndForthIsObservationallyIdentical(t *testing.T) {
	store := memorystore.New()
	fqdn := seedCapability(t, store, "acme", "demo", "files.readOne", "code-l2")
	g := newLookupGateway(t, store)

	before, err := g.Lookup(context.Background(), "acme", "demo", "files.readOne")
	require.NoError(t, err)

	require.NoError(t, g.Rename(context.Background(), "acme", "demo", "files.readOne", "files.readTwo"))
	require.NoError(t, g.Rename(context.Background(), "acme", "demo", "files.readTwo", "files.readOne"))

	after, err := g.Lookup(context.Background(), "acme", "demo", "files.readOne")
	require.NoError(t, err)

	assert.Equal(t, fqdn, after.FQDN)
	assert.Equal(t, before.DisplayName, after.DisplayName)
	assert.Equal(t, before.Code, after.Code)
	assert.Equal(t, before.StaticStruct, after.StaticStruct)

	aliases, err := store.Aliases(context.Background(), fqdn)
	require.NoError(t, err)
	assert.Len(t, aliases, 2, "both legs of the round trip append an alias; history is append-only")
}

func TestRenameUnknownNameFails(t *testing.T) {
	store := memorystore.New()
	g := newLookupGateway(t, store)

	err := g.Rename(context.Background(), "acme", "demo", "no-such-capability", "new-name")
	require.Error(t, err)
}

func TestListFiltersByScopeAndGlobPattern(t *testing.T) {
	store := memorystore.New()
	seedCapability(t, store, "acme", "demo", "files.readOne", "code-a")
	seedCapability(t, store, "acme", "demo", "files.writeOne", "code-b")
	seedCapability(t, store, "acme", "other-project", "files.readOne", "code-c")

	g := newLookupGateway(t, store)

	results, err := g.List(context.Background(), "acme", "demo", "files.*", 0, 0)
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, c := range results {
		assert.Equal(t, "demo", c.Project)
	}
}

func TestHistoryReturnsVersionChainOldestFirst(t *testing.T) {
	store := memorystore.New()
	seedCapability(t, store, "acme", "demo", "files.readOne", "code-a")
	seedCapability(t, store, "acme", "demo", "files.readOne", "code-b")

	g := newLookupGateway(t, store)

	history, err := g.History(context.Background(), "acme", "demo", "files.readOne")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "code-a", history[0].Code)
	assert.Equal(t, "code-b", history[1].Code)
}

func TestWhoisReturnsFullRecordByFQDN(t *testing.T) {
	store := memorystore.New()
	fqdn := seedCapability(t, store, "acme", "demo", "files.readOne", "code-a")

	g := newLookupGateway(t, store)

	got, err := g.Whois(context.Background(), fqdn)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "files.readOne", got.DisplayName)

	miss, err := g.Whois(context.Background(), capability.FQDN("acme.demo.none.none.0000"))
	require.NoError(t, err)
	assert.Nil(t, miss)
}
