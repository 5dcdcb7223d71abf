// Package routing decides whether a given MCP server/tool executes on the
// user's machine ("client") or in the cloud proxy ("server"). Routing is
// platform-defined, not user-modifiable (spec §4.6), so Resolver is a
// read-only view over a static table loaded once at process start.
package routing

import (
	"strings"

	"github.com/casys-ai/pml/pkg/capability"
)

// Table is the static client/server server list plus glob patterns, the
// platform-provided configuration spec §4.6 refers to. It is ordinarily
// loaded from YAML at startup (see internal/config) and never mutated at
// runtime.
type Table struct {
	// Servers maps an exact server id to its routing.
	Servers map[string]capability.Routing
	// ClientPatterns and ServerPatterns are glob patterns (e.g. "local.*")
	// matched when Servers has no exact entry.
	ClientPatterns []string
	ServerPatterns []string
	// Default is used when neither an exact entry nor a pattern matches.
	// Spec §4.6: "default for unknown -> client".
	Default capability.Routing
}

// NewDefaultTable returns an empty table defaulting every unknown server to
// client routing, per spec §4.6.
func NewDefaultTable() *Table {
	return &Table{
		Servers: map[string]capability.Routing{},
		Default: capability.RoutingClient,
	}
}

// Resolver resolves a server id to its routing decision.
type Resolver struct {
	table *Table
}

// New constructs a Resolver over a static table.
func New(table *Table) *Resolver {
	if table == nil {
		table = NewDefaultTable()
	}
	return &Resolver{table: table}
}

// Resolve returns the routing for server, consulting exact entries first,
// then glob patterns, then the table default.
func (r *Resolver) Resolve(server string) capability.Routing {
	if routing, ok := r.table.Servers[server]; ok {
		return routing
	}
	for _, p := range r.table.ServerPatterns {
		if globMatch(p, server) {
			return capability.RoutingServer
		}
	}
	for _, p := range r.table.ClientPatterns {
		if globMatch(p, server) {
			return capability.RoutingClient
		}
	}
	return r.table.Default
}

// InheritRouting computes a capability's routing from the set of tools it
// touches: any "client" tool forces the whole capability to route client,
// per spec §3 ("inherited from toolsUsed (any client -> client); explicit
// override wins").
func (r *Resolver) InheritRouting(toolServers []string, explicitOverride *capability.Routing) capability.Routing {
	if explicitOverride != nil {
		return *explicitOverride
	}
	routing := capability.RoutingServer
	if len(toolServers) == 0 {
		return capability.RoutingClient
	}
	for _, s := range toolServers {
		if r.Resolve(s) == capability.RoutingClient {
			routing = capability.RoutingClient
			break
		}
	}
	return routing
}

func globMatch(pattern, s string) bool {
	switch {
	case pattern == "" || pattern == "*":
		return true
	case strings.HasSuffix(pattern, "*"):
		return strings.HasPrefix(s, strings.TrimSuffix(pattern, "*"))
	default:
		return pattern == s
	}
}
