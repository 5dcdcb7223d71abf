// Package memorystore provides an in-memory capability.Store implementation
// used in tests and single-process development, mirroring the teacher's
// registry/store/memory package (an in-memory Store behind the same
// interface as its persistent siblings).
package memorystore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/casys-ai/pml/pkg/capability"
	"github.com/casys-ai/pml/pkg/pmlerrors"
)

// Store is an in-memory implementation of capability.Store. Safe for
// concurrent use; Store.mu serializes writers per spec §5's "multi-reader,
// single-writer per fqdn" policy (a single global lock is sufficient at
// single-process scale and keeps Rename/AddDependency trivially atomic).
type Store struct {
	mu    sync.RWMutex
	byFQDN map[capability.FQDN]*capability.Capability
	// byHash indexes capabilities by content hash for UpsertCapability dedup.
	byHash map[string]capability.FQDN
	// byName indexes (org, project, displayName) -> FQDN for Lookup/Rename.
	byName map[string]capability.FQDN
	aliases []capability.Alias
	deps    []capability.Dependency
	// versions tracks the version chain per (org, project, original name).
	versions map[string][]capability.FQDN
}

var _ capability.Store = (*Store)(nil)

// New constructs an empty in-memory store.
func New() *Store {
	return &Store{
		byFQDN:   make(map[capability.FQDN]*capability.Capability),
		byHash:   make(map[string]capability.FQDN),
		byName:   make(map[string]capability.FQDN),
		versions: make(map[string][]capability.FQDN),
	}
}

func nameKey(org, project, name string) string {
	return org + "\x00" + project + "\x00" + name
}

func (s *Store) UpsertCapability(ctx context.Context, cap *capability.Capability) (capability.FQDN, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	hash := capability.HashSuffix(cap.Code)
	hashKey := cap.Org + "\x00" + cap.Project + "\x00" + hash
	if existing, ok := s.byHash[hashKey]; ok {
		c := s.byFQDN[existing]
		c.Stats.UsageCount++
		return existing, nil
	}

	if cap.FQDN == "" {
		cap.FQDN = capability.NewFQDN(cap.Org, cap.Project, nsFromDisplayName(cap.DisplayName), actionFromDisplayName(cap.DisplayName), cap.Code)
	}
	// A name already in use by a different FQDN is not a collision here: it
	// is novel code under an existing display name, i.e. a new version of the
	// same capability (spec §3: "(org,project,displayName) unique per
	// version"). UpsertCapability's own contract (capability.Store) never
	// documents a name-collision error; only Rename does, for a genuinely
	// unrelated capability trying to claim a name still in use.
	key := nameKey(cap.Org, cap.Project, cap.DisplayName)
	vkey := cap.Org + "\x00" + cap.Project + "\x00" + cap.DisplayName
	if cap.CreatedAt.IsZero() {
		cap.CreatedAt = time.Now()
	}
	cap.UpdatedAt = cap.CreatedAt
	cap.Stats.UsageCount = 1
	cap.Stats.SuccessCount = 1
	cap.Version = len(s.versions[vkey]) + 1

	s.byFQDN[cap.FQDN] = cap
	s.byHash[hashKey] = cap.FQDN
	s.byName[key] = cap.FQDN
	s.versions[vkey] = append(s.versions[vkey], cap.FQDN)
	return cap.FQDN, nil
}

func nsFromDisplayName(displayName string) string {
	if i := strings.Index(displayName, ":"); i >= 0 {
		return displayName[:i]
	}
	return "default"
}

func actionFromDisplayName(displayName string) string {
	if i := strings.Index(displayName, ":"); i >= 0 {
		return displayName[i+1:]
	}
	return displayName
}

func (s *Store) Lookup(ctx context.Context, name string, scope capability.Scope) (*capability.Capability, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key := nameKey(scope.Org, scope.Project, name)
	if fqdn, ok := s.byName[key]; ok {
		return s.byFQDN[fqdn], nil
	}
	// Follow aliases at most one hop (spec §4.2, P2 chain-freedom makes a
	// second hop impossible by construction, but we still stop at one).
	for _, a := range s.aliases {
		if a.Alias == name && a.Org == scope.Org && a.Project == scope.Project {
			return s.byFQDN[a.TargetFQDN], nil
		}
	}
	return nil, nil
}

func (s *Store) GetByFQDN(ctx context.Context, fqdn capability.FQDN) (*capability.Capability, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.byFQDN[fqdn]
	if !ok {
		return nil, nil
	}
	return c, nil
}

func (s *Store) Rename(ctx context.Context, fqdn capability.FQDN, newDisplayName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.byFQDN[fqdn]
	if !ok {
		return pmlerrors.Newf(pmlerrors.KindInternalError, "capability %s not found", fqdn)
	}
	newKey := nameKey(c.Org, c.Project, newDisplayName)
	if existing, ok := s.byName[newKey]; ok && existing != fqdn {
		return capability.ErrNameCollision(c.Org, c.Project, newDisplayName)
	}

	oldName := c.DisplayName
	oldKey := nameKey(c.Org, c.Project, oldName)
	delete(s.byName, oldKey)
	s.byName[newKey] = fqdn
	c.DisplayName = newDisplayName
	c.UpdatedAt = time.Now()

	// The old display name becomes a new alias to fqdn; aliases always
	// target a capability directly, never another alias (chain-free, spec
	// §4.2/P2), so no existing alias needs rewriting here.
	s.aliases = append(s.aliases, capability.Alias{
		Alias:      oldName,
		Org:        c.Org,
		Project:    c.Project,
		TargetFQDN: fqdn,
		CreatedAt:  time.Now(),
	})
	return nil
}

func (s *Store) AddDependency(ctx context.Context, dep capability.Dependency) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, d := range s.deps {
		if d.FromFQDN == dep.FromFQDN && d.ToFQDN == dep.ToFQDN && d.EdgeType == dep.EdgeType {
			return nil // idempotent
		}
	}
	if dep.EdgeType == capability.EdgeDependency && s.wouldCycleLocked(dep.FromFQDN, dep.ToFQDN) {
		return capability.ErrReplanRejected(fmt.Sprintf("dependency %s -> %s would create a cycle", dep.FromFQDN, dep.ToFQDN))
	}
	s.deps = append(s.deps, dep)
	return nil
}

// wouldCycleLocked reports whether adding from->to would create a cycle in
// the capability dependency DAG (spec §9: "capability-to-capability
// dependencies form a DAG enforced by cycle check on addDependency").
func (s *Store) wouldCycleLocked(from, to capability.FQDN) bool {
	if from == to {
		return true
	}
	visited := map[capability.FQDN]bool{}
	var dfs func(capability.FQDN) bool
	dfs = func(node capability.FQDN) bool {
		if node == from {
			return true
		}
		if visited[node] {
			return false
		}
		visited[node] = true
		for _, d := range s.deps {
			if d.FromFQDN == node && d.EdgeType == capability.EdgeDependency {
				if dfs(d.ToFQDN) {
					return true
				}
			}
		}
		return false
	}
	return dfs(to)
}

func (s *Store) Dependencies(ctx context.Context, fqdn capability.FQDN) ([]capability.Dependency, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []capability.Dependency
	for _, d := range s.deps {
		if d.FromFQDN == fqdn {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *Store) Aliases(ctx context.Context, fqdn capability.FQDN) ([]capability.Alias, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []capability.Alias
	for _, a := range s.aliases {
		if a.TargetFQDN == fqdn {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *Store) RecordExecution(ctx context.Context, fqdn capability.FQDN, success bool, durationMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byFQDN[fqdn]
	if !ok {
		return pmlerrors.Newf(pmlerrors.KindInternalError, "capability %s not found", fqdn)
	}
	c.Stats.UsageCount++
	if success {
		c.Stats.SuccessCount++
	}
	c.Stats.TotalLatencyMs += durationMs
	return nil
}

func (s *Store) ComputeSuccessRate(ctx context.Context, fqdn capability.FQDN) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.byFQDN[fqdn]
	if !ok {
		return 0, pmlerrors.Newf(pmlerrors.KindInternalError, "capability %s not found", fqdn)
	}
	return c.SuccessRate(), nil
}

func (s *Store) Search(ctx context.Context, intent string, filter capability.SearchFilter) ([]*capability.Capability, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	allowed := map[capability.Visibility]bool{}
	for _, v := range filter.Visibility {
		allowed[v] = true
	}
	intent = strings.ToLower(intent)
	var out []*capability.Capability
	for _, c := range s.byFQDN {
		if len(allowed) > 0 && !allowed[c.Visibility] {
			continue
		}
		if intent != "" && !strings.Contains(strings.ToLower(c.DisplayName), intent) {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DisplayName < out[j].DisplayName })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) List(ctx context.Context, scope capability.Scope, pattern string, limit, offset int) ([]*capability.Capability, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*capability.Capability
	for _, c := range s.byFQDN {
		if c.Org != scope.Org || c.Project != scope.Project {
			continue
		}
		if pattern != "" && !globMatch(pattern, c.DisplayName) {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DisplayName < out[j].DisplayName })
	if offset > 0 && offset < len(out) {
		out = out[offset:]
	} else if offset >= len(out) {
		out = nil
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) History(ctx context.Context, scope capability.Scope, name string) ([]*capability.Capability, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	vkey := scope.Org + "\x00" + scope.Project + "\x00" + name
	var out []*capability.Capability
	for _, fqdn := range s.versions[vkey] {
		if c, ok := s.byFQDN[fqdn]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *Store) Close() error { return nil }

func globMatch(pattern, name string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(name, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == name
}
