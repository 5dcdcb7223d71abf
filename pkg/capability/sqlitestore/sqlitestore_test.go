package sqlitestore_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casys-ai/pml/pkg/capability"
	"github.com/casys-ai/pml/pkg/capability/sqlitestore"
)

func newTestStore(t *testing.T) *sqlitestore.Store {
	t.Helper()
	s, err := sqlitestore.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestUpsertCapabilityDedupsByContentHash(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.UpsertCapability(ctx, &capability.Capability{Org: "acme", Project: "demo", DisplayName: "files.readOne", Code: "code-a"})
	require.NoError(t, err)

	second, err := s.UpsertCapability(ctx, &capability.Capability{Org: "acme", Project: "demo", DisplayName: "files.readOne", Code: "code-a"})
	require.NoError(t, err)
	assert.Equal(t, first, second)

	got, err := s.GetByFQDN(ctx, first)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(2), got.Stats.UsageCount)
}

func TestUpsertCapabilityNewCodeUnderExistingNameIsANewVersionNotACollision(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	v1, err := s.UpsertCapability(ctx, &capability.Capability{Org: "acme", Project: "demo", DisplayName: "files.readOne", Code: "code-a"})
	require.NoError(t, err)

	v2, err := s.UpsertCapability(ctx, &capability.Capability{Org: "acme", Project: "demo", DisplayName: "files.readOne", Code: "code-b"})
	require.NoError(t, err)
	assert.NotEqual(t, v1, v2)

	current, err := s.Lookup(ctx, "files.readOne", capability.Scope{Org: "acme", Project: "demo"})
	require.NoError(t, err)
	require.NotNil(t, current)
	assert.Equal(t, v2, current.FQDN)
	assert.Equal(t, 2, current.Version)

	history, err := s.History(ctx, capability.Scope{Org: "acme", Project: "demo"}, "files.readOne")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "code-a", history[0].Code)
	assert.Equal(t, "code-b", history[1].Code)
}

func TestRenameToNameHeldByAnotherCapabilityFails(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.UpsertCapability(ctx, &capability.Capability{Org: "acme", Project: "demo", DisplayName: "files.readOne", Code: "code-a"})
	require.NoError(t, err)
	otherFQDN, err := s.UpsertCapability(ctx, &capability.Capability{Org: "acme", Project: "demo", DisplayName: "files.writeOne", Code: "code-b"})
	require.NoError(t, err)

	err = s.Rename(ctx, otherFQDN, "files.readOne")
	require.Error(t, err)
}

func TestRenameThenLookupByOldNameStillResolvesViaAlias(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	fqdn, err := s.UpsertCapability(ctx, &capability.Capability{Org: "acme", Project: "demo", DisplayName: "files.readOne", Code: "code-a"})
	require.NoError(t, err)

	require.NoError(t, s.Rename(ctx, fqdn, "files.readFile"))

	byNewName, err := s.Lookup(ctx, "files.readFile", capability.Scope{Org: "acme", Project: "demo"})
	require.NoError(t, err)
	require.NotNil(t, byNewName)
	assert.Equal(t, fqdn, byNewName.FQDN)

	byOldName, err := s.Lookup(ctx, "files.readOne", capability.Scope{Org: "acme", Project: "demo"})
	require.NoError(t, err)
	require.NotNil(t, byOldName)
	assert.Equal(t, fqdn, byOldName.FQDN)
}
