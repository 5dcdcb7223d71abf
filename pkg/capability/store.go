package capability

import (
	"context"

	"github.com/casys-ai/pml/pkg/pmlerrors"
)

// Scope identifies the (org, project) namespace a display name is resolved
// within.
type Scope struct {
	Org     string
	Project string
}

// SearchFilter narrows a capability search by visibility and caller.
type SearchFilter struct {
	RequestingUser string
	Visibility     []Visibility
	Limit          int
}

// Store is the authoritative persistence interface for capabilities,
// aliases, dependencies, and traces (spec §4.2). Implementations: sqlitestore
// (relational, primary) and memorystore (tests), mirroring the teacher's
// registry/store.Store interface with its memory/mongo/replicated backends.
type Store interface {
	// UpsertCapability dedups by content hash; on conflict it increments
	// UsageCount and returns the existing FQDN.
	UpsertCapability(ctx context.Context, cap *Capability) (FQDN, error)

	// Lookup resolves a display name within scope to a Capability, following
	// aliases at most one hop. Returns (nil, nil) when not found.
	Lookup(ctx context.Context, name string, scope Scope) (*Capability, error)

	// GetByFQDN fetches a capability by its immutable identifier.
	GetByFQDN(ctx context.Context, fqdn FQDN) (*Capability, error)

	// Rename updates DisplayName, appends an alias for the old name, and
	// rewrites any inbound alias chain to point directly at fqdn. Fails with
	// a pmlerrors.KindNameCollision when (org, project, newDisplayName)
	// already exists.
	Rename(ctx context.Context, fqdn FQDN, newDisplayName string) error

	// AddDependency is idempotent by key (from, to, edgeType); it fails with
	// pmlerrors.KindReplanRejected-compatible cycle errors when the edge
	// would create a cycle among capability-to-capability dependencies.
	AddDependency(ctx context.Context, dep Dependency) error

	// Dependencies returns the outbound dependency edges for fqdn.
	Dependencies(ctx context.Context, fqdn FQDN) ([]Dependency, error)

	// Aliases returns every alias row currently pointing at fqdn.
	Aliases(ctx context.Context, fqdn FQDN) ([]Alias, error)

	// RecordExecution atomically updates UsageCount/SuccessCount/TotalLatencyMs.
	RecordExecution(ctx context.Context, fqdn FQDN, success bool, durationMs int64) error

	// ComputeSuccessRate returns Capability.SuccessRate() for fqdn.
	ComputeSuccessRate(ctx context.Context, fqdn FQDN) (float64, error)

	// Search scans the locally known catalog for capabilities whose
	// DisplayName contains intent as a substring, keeping only the
	// visibilities in filter.Visibility when it is non-empty and at most
	// filter.Limit rows when it is positive. No ranking index is used, and
	// filter.RequestingUser is not consulted.
	Search(ctx context.Context, intent string, filter SearchFilter) ([]*Capability, error)

	// List enumerates capabilities by a glob-style display-name pattern.
	List(ctx context.Context, scope Scope, pattern string, limit, offset int) ([]*Capability, error)

	// History returns the version chain for a display name (oldest first).
	History(ctx context.Context, scope Scope, name string) ([]*Capability, error)

	// Close releases backend resources.
	Close() error
}

// ErrNameCollision is a convenience constructor used by Store implementations.
func ErrNameCollision(org, project, name string) error {
	return pmlerrors.Newf(pmlerrors.KindNameCollision, "capability name %q already exists in %s/%s", name, org, project).
		WithHint("choose a different name or rename the existing capability first")
}

// ErrReplanRejected is reused by AddDependency for cycle detection failures,
// since a capability dependency cycle and a DAG replan cycle are the same
// class of failure (spec §7 ReplanRejected: "cycle detected or dependencies broken").
func ErrReplanRejected(reason string) error {
	return pmlerrors.New(pmlerrors.KindReplanRejected, reason)
}
