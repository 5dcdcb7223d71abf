package pml

import (
	"context"

	"github.com/casys-ai/pml/pkg/capability"
	"github.com/casys-ai/pml/pkg/pmlerrors"
)

// DiscoverResult is one entry of the discover operation's result list (spec
// §6: "discover { intent, filter? } -> [{type, id, name, score, source}]").
type DiscoverResult struct {
	Type   string
	ID     capability.FQDN
	Name   string
	Score  float64
	Source string
}

// Discover implements the discover Public API operation. The semantic
// vector index and graph-based prediction scorer the spec calls out as
// external collaborators (spec §1: "out of scope ... the semantic vector
// search and graph engine") are not part of this module; this degrades to
// the Capability Store's own substring search (capability.Store.Search),
// surfaced in the same {type, id, name, score, source} shape so a richer
// ranking backend can be dropped in behind Store.Search later without
// changing this method's signature. Score is the capability's own observed
// SuccessRate, a reasonable local-only proxy for relevance until a real
// ranker is wired in.
func (g *Gateway) Discover(ctx context.Context, intent, requestingUser string, limit int) ([]DiscoverResult, error) {
	caps, err := g.opts.Capability.Search(ctx, intent, capability.SearchFilter{RequestingUser: requestingUser, Limit: limit})
	if err != nil {
		return nil, err
	}
	out := make([]DiscoverResult, 0, len(caps))
	for _, c := range caps {
		out = append(out, DiscoverResult{
			Type: "capability", ID: c.FQDN, Name: c.DisplayName, Score: c.SuccessRate(), Source: "capability_store",
		})
	}
	return out, nil
}

// SearchCapabilities implements the search_capabilities operation: the same
// underlying search as Discover, returned as full Capability records rather
// than compact discovery entries.
func (g *Gateway) SearchCapabilities(ctx context.Context, intent, requestingUser string, limit int) ([]*capability.Capability, error) {
	return g.opts.Capability.Search(ctx, intent, capability.SearchFilter{RequestingUser: requestingUser, Limit: limit})
}

// Lookup implements the lookup operation: resolves name within (org,
// project), following at most one alias hop (capability.Store.Lookup).
func (g *Gateway) Lookup(ctx context.Context, org, project, name string) (*capability.Capability, error) {
	return g.opts.Capability.Lookup(ctx, name, capability.Scope{Org: org, Project: project})
}

// Rename implements the rename operation: resolves name to its FQDN within
// (org, project), then renames it, appending an alias from the old name
// (capability.Store.Rename).
func (g *Gateway) Rename(ctx context.Context, org, project, name, newName string) error {
	cap, err := g.opts.Capability.Lookup(ctx, name, capability.Scope{Org: org, Project: project})
	if err != nil {
		return err
	}
	if cap == nil {
		return pmlerrors.Newf(pmlerrors.KindUnknownReference, "capability %q not found in %s/%s", name, org, project)
	}
	return g.opts.Capability.Rename(ctx, cap.FQDN, newName)
}

// List implements the list operation: enumerates capabilities in (org,
// project) matching a glob-style display-name pattern.
func (g *Gateway) List(ctx context.Context, org, project, pattern string, limit, offset int) ([]*capability.Capability, error) {
	return g.opts.Capability.List(ctx, capability.Scope{Org: org, Project: project}, pattern, limit, offset)
}

// History implements the history operation: the version chain for a
// display name, oldest first.
func (g *Gateway) History(ctx context.Context, org, project, name string) ([]*capability.Capability, error) {
	return g.opts.Capability.History(ctx, capability.Scope{Org: org, Project: project}, name)
}

// Whois implements the whois operation: the full persisted record for
// fqdn, including its static structure, permission profile, and usage
// stats.
func (g *Gateway) Whois(ctx context.Context, fqdn capability.FQDN) (*capability.Capability, error) {
	return g.opts.Capability.GetByFQDN(ctx, fqdn)
}
