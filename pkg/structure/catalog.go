package structure

import (
	"github.com/casys-ai/pml/pkg/capability"
	"github.com/casys-ai/pml/pkg/schema"
)

// ToolDef describes one catalog entry the Static Structure Builder can turn
// a call site into a task node for.
type ToolDef struct {
	Server       string
	Action       string
	InputSchema  *schema.Document
	OutputSchema *schema.Document
}

// Catalog is the current tool/capability catalog the builder consults to
// resolve `mcp.<namespace>.<action>(...)` and `mcp.<namespace>.<capability>(...)`
// call sites (spec §4.1).
type Catalog interface {
	// Tool looks up a dotted call path ("mcp.fs.read") as a tool.
	Tool(dotted string) (*ToolDef, bool)
	// Capability looks up a dotted call path as a previously learned
	// capability, keyed by its display name within the caller's scope.
	Capability(dotted string) (*capability.Capability, bool)
}

// StaticCatalog is a simple in-memory Catalog, sufficient for local-first
// single-process use; a richer implementation could delegate to
// capability.Store.Lookup for the capability half.
type StaticCatalog struct {
	Tools        map[string]*ToolDef
	Capabilities map[string]*capability.Capability
}

// NewStaticCatalog constructs an empty catalog.
func NewStaticCatalog() *StaticCatalog {
	return &StaticCatalog{
		Tools:        map[string]*ToolDef{},
		Capabilities: map[string]*capability.Capability{},
	}
}

func (c *StaticCatalog) Tool(dotted string) (*ToolDef, bool) {
	t, ok := c.Tools[dotted]
	return t, ok
}

func (c *StaticCatalog) Capability(dotted string) (*capability.Capability, bool) {
	cap, ok := c.Capabilities[dotted]
	return cap, ok
}
