package cli

import (
	"context"

	"github.com/casys-ai/pml/internal/config"
	"github.com/casys-ai/pml/pkg/capability"
	"github.com/casys-ai/pml/pkg/capability/sqlitestore"
	"github.com/casys-ai/pml/pkg/events"
	"github.com/casys-ai/pml/pkg/permission"
	"github.com/casys-ai/pml/pkg/pml"
	"github.com/casys-ai/pml/pkg/routing"
	"github.com/casys-ai/pml/pkg/structure"
	"github.com/casys-ai/pml/pkg/toolclient"
)

// scopeOf is the (org, project) pair CLI commands that don't take explicit
// --org/--project flags operate under.
func scopeOf(cfg *config.Config) capability.Scope {
	return capability.Scope{Org: cfg.Workspace.DefaultOrg, Project: cfg.Workspace.DefaultProject}
}

// deps bundles the long-lived dependencies every command-specific Gateway
// is built from, so commands that need to tear them down (the stdio
// subprocess pool) can do so on exit.
type deps struct {
	store  *sqlitestore.Store
	tools  *toolclient.Router
	routes *routing.Resolver
}

func (d *deps) Close() {
	d.tools.Close()
	_ = d.store.Close()
}

// buildDeps opens the workspace's persistent capability store, the routing
// table, and the MCP tool client router.
func buildDeps(cfg *config.Config) (*deps, error) {
	store, err := sqlitestore.New(cfg.CapabilityDBPath())
	if err != nil {
		return nil, err
	}

	table, err := config.LoadRoutingTable(cfg.RoutingTablePath())
	if err != nil {
		return nil, err
	}
	resolver := routing.New(table)

	tools := toolclient.New(toolclient.Options{Servers: map[string]toolclient.ServerConfig{}})

	return &deps{store: store, tools: tools, routes: resolver}, nil
}

// buildGateway assembles a Gateway over d, with the workspace's persisted
// HIL allow list and an empty in-memory tool catalog (spec §4.1: the
// catalog grows as capabilities are learned; this CLI does not perform live
// MCP `tools/list` introspection at startup — see DESIGN.md).
func buildGateway(ctx context.Context, cfg *config.Config, d *deps) (*pml.Gateway, error) {
	allowList, err := permission.NewAllowList(cfg.AllowListPath())
	if err != nil {
		return nil, err
	}

	return pml.NewGateway(ctx, pml.Options{
		Capability:       d.store,
		Tools:            d.tools,
		Routes:           d.routes,
		Catalog:          structure.NewStaticCatalog(),
		Events:           events.NewBus(nil, events.DefaultCapacity),
		AllowList:        allowList,
		ConfidenceFloor:  cfg.Permission.ConfidenceFloor,
		LayerConcurrency: cfg.Executor.LayerConcurrency,
		SpeculationTTL:   cfg.Speculator.CacheTTL,
	})
}
