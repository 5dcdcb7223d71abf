// Package structure implements the Static Structure Builder (spec §4.1): it
// parses a capability's TypeScript-like source with goja's parser, walks the
// resulting AST, and emits a capability.StaticStructure {nodes, edges} graph
// plus the capability.Capability record ready for the store. Grounded on the
// teacher's plugins/mcp/plugin generator for "walk a parsed tree and emit a
// typed graph" structure, adapted from Go-source codegen to TypeScript-source
// structural analysis since goja, not go/ast, is the parser available for the
// capability language.
package structure

import (
	"fmt"
	"sort"

	"github.com/dop251/goja/ast"
	"github.com/dop251/goja/file"
	"github.com/dop251/goja/parser"

	"github.com/casys-ai/pml/pkg/capability"
	"github.com/casys-ai/pml/pkg/permission"
	"github.com/casys-ai/pml/pkg/pmlerrors"
	"github.com/casys-ai/pml/pkg/routing"
	"github.com/casys-ai/pml/pkg/schema"
)

// Options configures one Build call.
type Options struct {
	Org             string
	Project         string
	DisplayName     string
	CreatedBy       string
	ConfidenceFloor float64 // defaults to permission.DefaultConfidenceFloor
	Routing         *routing.Resolver
}

// Result is the Static Structure Builder's output (spec §4.1 step 6: emit
// {nodes, edges, fqdn, toolsUsed, inputSchema, permissionSet, routing}).
type Result struct {
	Capability capability.Capability
	Program    *ast.Program
}

// builder threads per-call mutable state through the single-pass walk. A new
// builder is created per Build invocation; nothing is shared across calls.
type builder struct {
	catalog  Catalog
	opts     Options
	nodes    []capability.Node
	edges    []capability.Edge
	bindings map[string]string // local var name -> node id
	toolsOf  map[string]string // node id -> dotted tool/capability path
	taskSeq  int
	forkSeq  int
	joinSeq  int
	decSeq   int
	observed map[string]string // argument field name -> producing tool's output field
}

// Build implements spec §4.1: parse code, walk the AST, resolve call sites
// against catalog, and return the StaticStructure plus a ready-to-persist
// Capability. It never mutates catalog or the store; persistence is the
// caller's job (typically capability.Store.UpsertCapability).
func Build(code string, catalog Catalog, opts Options) (*Result, error) {
	if opts.ConfidenceFloor == 0 {
		opts.ConfidenceFloor = permission.DefaultConfidenceFloor
	}

	fset := file.NewFileSet()
	program, err := parser.ParseFile(fset, "capability.ts", code, 0)
	if err != nil {
		return nil, pmlerrors.New(pmlerrors.KindParseError, err.Error()).
			WithHint("the capability's source could not be parsed; check for a syntax error near the reported position").
			WithCause(err)
	}

	b := &builder{
		catalog:  catalog,
		opts:     opts,
		bindings: map[string]string{},
		toolsOf:  map[string]string{},
		observed: map[string]string{},
	}

	if _, _, err := b.processStatements(program.Body); err != nil {
		return nil, err
	}

	if err := b.addProvidesEdges(); err != nil {
		return nil, err
	}

	toolsUsed := make([]string, 0, len(b.toolsOf))
	seen := map[string]bool{}
	for _, t := range b.toolsOf {
		if !seen[t] {
			seen[t] = true
			toolsUsed = append(toolsUsed, t)
		}
	}
	sort.Strings(toolsUsed)

	perm := permission.Infer(program, opts.ConfidenceFloor)

	var resolver *routing.Resolver
	if opts.Routing != nil {
		resolver = opts.Routing
	} else {
		resolver = routing.New(routing.NewDefaultTable())
	}
	toolServers := make([]string, 0, len(toolsUsed))
	for _, t := range toolsUsed {
		toolServers = append(toolServers, serverOf(t))
	}
	routingDecision := resolver.InheritRouting(toolServers, nil)

	inputSchema := schema.InferParameterSchema(b.observed, nil)

	namespace, action := splitDisplayName(opts.DisplayName)
	fqdn := capability.NewFQDN(opts.Org, opts.Project, namespace, action, code)

	cap := capability.Capability{
		FQDN:        fqdn,
		DisplayName: opts.DisplayName,
		RecordType:  capability.RecordTypeCapability,
		Org:         opts.Org,
		Project:     opts.Project,
		Code:        code,
		InputSchema: inputSchema,
		StaticStruct: capability.StaticStructure{
			Nodes: b.nodes,
			Edges: b.edges,
		},
		ToolsUsed:      toolsUsed,
		Routing:        routingDecision,
		PermissionSet:  perm.PermissionSet,
		PermissionConf: perm.Confidence,
		Visibility:     capability.VisibilityPrivate,
		CreatedBy:      opts.CreatedBy,
		UpdatedBy:      opts.CreatedBy,
	}

	return &Result{Capability: cap, Program: program}, nil
}

func splitDisplayName(name string) (namespace, action string) {
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '.' {
			return name[:i], name[i+1:]
		}
	}
	return "default", name
}

// serverOf extracts the MCP server id from a dotted call path. Capability
// code addresses tools as "mcp.<server>.<action>"; the leading "mcp" segment
// is the namespace convention, not the server id, so it is skipped when
// present.
func serverOf(dotted string) string {
	parts := splitDots(dotted)
	if len(parts) >= 2 && parts[0] == "mcp" {
		return parts[1]
	}
	if len(parts) >= 1 {
		return parts[0]
	}
	return dotted
}

func splitDots(s string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '.' {
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	parts = append(parts, s[start:])
	return parts
}

// processStatements threads sequence edges between the task/fork/join/decision
// nodes produced by stmts in source order, returning the id of the first and
// last structural node it created (both "" if stmts produced none), so a
// caller (e.g. an enclosing if/else branch) can wire a single edge in from its
// parent and know where control "falls out" to.
func (b *builder) processStatements(stmts []ast.Statement) (first, last string, err error) {
	for _, stmt := range stmts {
		id, _, err := b.processStatement(stmt)
		if err != nil {
			return "", "", err
		}
		if id == "" {
			continue
		}
		if first == "" {
			first = id
		}
		if last != "" {
			b.edges = append(b.edges, capability.Edge{From: last, To: id, Type: capability.EdgeSeq})
		}
		last = id
	}
	return first, last, nil
}

// processStatement handles one top-level-or-nested statement, returning the
// id of the structural node it produced (if any).
func (b *builder) processStatement(stmt ast.Statement) (string, capability.NodeType, error) {
	switch s := stmt.(type) {
	case *ast.VariableStatement:
		var lastID string
		for _, binding := range s.List {
			if binding.Initializer == nil {
				continue
			}
			name := identifierName(binding.Target)
			id, err := b.processExpressionBinding(name, binding.Initializer)
			if err != nil {
				return "", "", err
			}
			if id != "" {
				b.bindings[name] = id
				lastID = id
			}
		}
		return lastID, capability.NodeTask, nil

	case *ast.ExpressionStatement:
		return b.processExpression("", s.Expression)

	case *ast.IfStatement:
		return b.processIf(s)

	case *ast.SwitchStatement:
		return b.processSwitch(s)

	case *ast.ReturnStatement:
		if s.Argument == nil {
			return "", "", nil
		}
		return b.processExpression("", s.Argument)

	case *ast.BlockStatement:
		first, _, err := b.processStatements(s.List)
		return first, capability.NodeTask, err

	default:
		return "", "", nil
	}
}

// processExpressionBinding handles `const x = <expr>`, unwrapping a leading
// await.
func (b *builder) processExpressionBinding(name string, expr ast.Expression) (string, error) {
	id, _, err := b.processExpression(name, expr)
	return id, err
}

// processExpression classifies expr and, when it is a call against the
// catalog (directly or behind an await), emits a task node. bindingName, when
// non-empty, is the local variable the result is assigned to, used later to
// resolve `bindingName.field` references.
func (b *builder) processExpression(bindingName string, expr ast.Expression) (string, capability.NodeType, error) {
	switch e := expr.(type) {
	case *ast.AwaitExpression:
		return b.processExpression(bindingName, e.Argument)

	case *ast.CallExpression:
		if isPromiseCombinator(e.Callee) {
			id, err := b.processForkJoin(e)
			return id, capability.NodeFork, err
		}
		id, err := b.processCallExpression(bindingName, e)
		return id, capability.NodeTask, err

	default:
		return "", "", nil
	}
}

// processCallExpression resolves a `mcp.<ns>.<action>(args)` or
// `mcp.<ns>.<capability>(args)` call site against the catalog and emits the
// corresponding task/capability node (spec §4.1 step 1-2).
func (b *builder) processCallExpression(bindingName string, call *ast.CallExpression) (string, error) {
	dotted := exprToDotted(call.Callee)
	if dotted == "" {
		// Dynamic member access (e.g. `mcp[name](...)`) is not a static
		// dotted path; exprToDotted returns "" for anything other than an
		// Identifier/DotExpression chain. Spec §4.1 treats this as opaque
		// rather than fatal: no task node, no edge, analysis continues.
		return "", nil
	}

	args, fields, err := b.resolveArguments(call.ArgumentList)
	if err != nil {
		return "", err
	}
	safeToFail := callIsSafeToFail(call.ArgumentList)

	if _, ok := b.catalog.Tool(dotted); ok {
		b.taskSeq++
		id := fmt.Sprintf("task_%d", b.taskSeq-1)
		b.nodes = append(b.nodes, capability.Node{
			ID:         id,
			Type:       capability.NodeTask,
			Tool:       dotted,
			Arguments:  args,
			SafeToFail: safeToFail,
		})
		b.toolsOf[id] = dotted
		for field, fromTool := range fields {
			b.observed[field] = fromTool
		}
		return id, nil
	}

	if cap, ok := b.catalog.Capability(dotted); ok {
		b.taskSeq++
		id := fmt.Sprintf("task_%d", b.taskSeq-1)
		b.nodes = append(b.nodes, capability.Node{
			ID:           id,
			Type:         capability.NodeCapability,
			CapabilityID: cap.FQDN,
			Arguments:    args,
			SafeToFail:   safeToFail,
		})
		b.toolsOf[id] = dotted
		return id, nil
	}

	return "", pmlerrors.New(pmlerrors.KindUnknownReference, fmt.Sprintf("%q is not a known tool or capability", dotted)).
		WithHint("register the tool's MCP server, or check the capability's display name, before adding this capability")
}

// callIsSafeToFail recognizes the trailing-options-object convention
// `mcp.ns.action({...}, { safeToFail: true })`: a second call argument that
// is an object literal carrying a true `safeToFail` property marks the
// branch as safe-to-fail (spec §4.4).
func callIsSafeToFail(args []ast.Expression) bool {
	if len(args) < 2 {
		return false
	}
	obj, ok := args[1].(*ast.ObjectLiteral)
	if !ok {
		return false
	}
	for _, prop := range obj.Value {
		keyed, ok := prop.(*ast.PropertyKeyed)
		if !ok {
			continue
		}
		if propertyKeyName(keyed.Key) != "safeToFail" {
			continue
		}
		b, ok := keyed.Value.(*ast.BooleanLiteral)
		return ok && bool(b.Value)
	}
	return false
}

// resolveArguments turns the positional argument list of a call into the
// {field -> ArgumentValue} map stored on the task node, assuming a single
// trailing object-literal argument (the idiom every example scenario in spec
// §8 uses: `mcp.ns.action({ field: ... })`). fields maps each observed field
// name to the dotted path it was derived from, for schema inference.
func (b *builder) resolveArguments(args []ast.Expression) (map[string]capability.ArgumentValue, map[string]string, error) {
	result := map[string]capability.ArgumentValue{}
	fields := map[string]string{}
	if len(args) == 0 {
		return result, fields, nil
	}
	obj, ok := args[0].(*ast.ObjectLiteral)
	if !ok {
		// Non-object single argument: store it positionally under "0".
		v, field, err := b.resolveArgExpression(args[0])
		if err != nil {
			return nil, nil, err
		}
		result["0"] = v
		if field != "" {
			fields["0"] = field
		}
		return result, fields, nil
	}
	for _, prop := range obj.Value {
		keyed, ok := prop.(*ast.PropertyKeyed)
		if !ok {
			continue
		}
		key := propertyKeyName(keyed.Key)
		v, field, err := b.resolveArgExpression(keyed.Value)
		if err != nil {
			return nil, nil, err
		}
		result[key] = v
		if field != "" {
			fields[key] = field
		}
	}
	return result, fields, nil
}

// resolveArgExpression classifies one argument expression into the
// {literal, reference, parameter} union (spec §3).
func (b *builder) resolveArgExpression(expr ast.Expression) (capability.ArgumentValue, string, error) {
	switch e := expr.(type) {
	case *ast.StringLiteral:
		return capability.Literal(string(e.Value)), "", nil
	case *ast.NumberLiteral:
		return capability.Literal(e.Value), "", nil
	case *ast.BooleanLiteral:
		return capability.Literal(e.Value), "", nil
	case *ast.NullLiteral:
		return capability.Literal(nil), "", nil
	case *ast.Identifier:
		name := fmt.Sprint(e.Name)
		if nodeID, ok := b.bindings[name]; ok {
			return capability.Reference(nodeID), "", nil
		}
		return capability.Parameter(name), name, nil
	case *ast.DotExpression:
		path := exprToDotted(e)
		root := rootIdentifier(e)
		if nodeID, ok := b.bindings[root]; ok {
			rest := path[len(root):]
			return capability.Reference(nodeID + rest), rest, nil
		}
		return capability.Parameter(path), path, nil
	default:
		// Anything else (nested object/array literal, computed expression)
		// is out of scope for static resolution; record it as an opaque
		// literal placeholder rather than failing the whole build.
		return capability.Literal(nil), "", nil
	}
}

func rootIdentifier(e ast.Expression) string {
	switch v := e.(type) {
	case *ast.Identifier:
		return fmt.Sprint(v.Name)
	case *ast.DotExpression:
		return rootIdentifier(v.Left)
	default:
		return ""
	}
}

func identifierName(target ast.BindingTarget) string {
	if id, ok := target.(*ast.Identifier); ok {
		return fmt.Sprint(id.Name)
	}
	return ""
}

func propertyKeyName(key ast.Expression) string {
	switch k := key.(type) {
	case *ast.StringLiteral:
		return string(k.Value)
	case *ast.Identifier:
		return fmt.Sprint(k.Name)
	default:
		return ""
	}
}

func exprToDotted(e ast.Expression) string {
	switch v := e.(type) {
	case *ast.Identifier:
		return fmt.Sprint(v.Name)
	case *ast.DotExpression:
		base := exprToDotted(v.Left)
		if base == "" {
			return ""
		}
		return base + "." + fmt.Sprint(v.Identifier.Name)
	default:
		return ""
	}
}

func isPromiseCombinator(callee ast.Expression) bool {
	dotted := exprToDotted(callee)
	return dotted == "Promise.all" || dotted == "Promise.allSettled"
}

// processForkJoin handles `await Promise.all([...])`/`Promise.allSettled`,
// emitting one fork node, one task node per branch, and one join node, per
// spec §4.1 step: concurrent expressions become fork/join pairs.
func (b *builder) processForkJoin(call *ast.CallExpression) (string, error) {
	var branches []ast.Expression
	if len(call.ArgumentList) == 1 {
		if arr, ok := call.ArgumentList[0].(*ast.ArrayLiteral); ok {
			branches = arr.Value
		}
	}
	if len(branches) == 0 {
		return "", pmlerrors.New(pmlerrors.KindParseError, "Promise.all/allSettled requires an array literal argument").
			WithHint("pass a static array literal of task expressions to Promise.all(...)")
	}

	b.forkSeq++
	forkID := fmt.Sprintf("fork_%d", b.forkSeq-1)
	b.nodes = append(b.nodes, capability.Node{ID: forkID, Type: capability.NodeFork})

	branchIDs := make([]string, 0, len(branches))
	for _, branch := range branches {
		id, _, err := b.processExpression("", branch)
		if err != nil {
			return "", err
		}
		if id == "" {
			continue
		}
		branchIDs = append(branchIDs, id)
		b.edges = append(b.edges, capability.Edge{From: forkID, To: id, Type: capability.EdgeSeq})
	}

	b.joinSeq++
	joinID := fmt.Sprintf("join_%d", b.joinSeq-1)
	b.nodes = append(b.nodes, capability.Node{ID: joinID, Type: capability.NodeJoin})
	for _, id := range branchIDs {
		b.edges = append(b.edges, capability.Edge{From: id, To: joinID, Type: capability.EdgeSeq})
	}

	return joinID, nil
}

// processIf emits a decision node and a conditional edge per branch. A
// missing else branch still yields a "false" edge to a synthetic no-op
// passthrough task, since every decision's outgoing set must cover both
// outcomes (spec invariant: conditional edges from one decision cover all
// branches of the source condition).
func (b *builder) processIf(s *ast.IfStatement) (string, capability.NodeType, error) {
	b.decSeq++
	decID := fmt.Sprintf("decision_%d", b.decSeq-1)
	b.nodes = append(b.nodes, capability.Node{
		ID:        decID,
		Type:      capability.NodeDecision,
		Condition: renderExpr(s.Test),
	})

	trueID, _, err := b.processStatement(s.Consequent)
	if err != nil {
		return "", "", err
	}
	if trueID == "" {
		trueID = b.passthrough(decID, "true")
	}
	b.edges = append(b.edges, capability.Edge{From: decID, To: trueID, Type: capability.EdgeConditional, Outcome: "true"})

	var falseID string
	if s.Alternate != nil {
		falseID, _, err = b.processStatement(s.Alternate)
		if err != nil {
			return "", "", err
		}
	}
	if falseID == "" {
		falseID = b.passthrough(decID, "false")
	}
	b.edges = append(b.edges, capability.Edge{From: decID, To: falseID, Type: capability.EdgeConditional, Outcome: "false"})

	return decID, capability.NodeDecision, nil
}

// processSwitch emits a decision node with one conditional edge per case,
// keyed by the case's rendered test expression ("default" for the default
// case).
func (b *builder) processSwitch(s *ast.SwitchStatement) (string, capability.NodeType, error) {
	b.decSeq++
	decID := fmt.Sprintf("decision_%d", b.decSeq-1)
	b.nodes = append(b.nodes, capability.Node{
		ID:        decID,
		Type:      capability.NodeDecision,
		Condition: renderExpr(s.Discriminant),
	})

	for _, c := range s.Body {
		outcome := "default"
		if c.Test != nil {
			outcome = renderExpr(c.Test)
		}
		first, _, err := b.processStatements(c.Consequent)
		if err != nil {
			return "", "", err
		}
		if first == "" {
			first = b.passthrough(decID, outcome)
		}
		b.edges = append(b.edges, capability.Edge{From: decID, To: first, Type: capability.EdgeConditional, Outcome: outcome})
	}

	return decID, capability.NodeDecision, nil
}

// passthrough synthesizes a no-op task node representing "this branch takes
// no further action", so decision coverage stays total even when a branch is
// empty or elided.
func (b *builder) passthrough(decID, outcome string) string {
	id := fmt.Sprintf("%s_passthrough_%s", decID, outcome)
	b.nodes = append(b.nodes, capability.Node{ID: id, Type: capability.NodeTask, Tool: ""})
	return id
}

// renderExpr is a best-effort, non-semantic rendering of a condition
// expression for the decision node's human-readable Condition field; it is
// never parsed back, only displayed and used as the switch-case outcome key.
func renderExpr(e ast.Expression) string {
	switch v := e.(type) {
	case *ast.Identifier:
		return fmt.Sprint(v.Name)
	case *ast.StringLiteral:
		return string(v.Value)
	case *ast.NumberLiteral:
		return fmt.Sprint(v.Value)
	case *ast.BooleanLiteral:
		return fmt.Sprint(v.Value)
	case *ast.DotExpression:
		return exprToDotted(v)
	case *ast.BinaryExpression:
		return renderExpr(v.Left) + " " + v.Operator.String() + " " + renderExpr(v.Right)
	default:
		return "expr"
	}
}

// addProvidesEdges computes §3 ProvidesEdge coverage between every consumer
// task node and every earlier task node in code order (not just its
// immediate sequence predecessor), using each task's tool input/output
// schema from the catalog. When more than one earlier node could supply the
// same consumer field, the nearest one in code order wins that field; a
// producer only gets an edge for the fields no nearer producer already
// claimed.
func (b *builder) addProvidesEdges() error {
	var toolNodeIDs []string
	for _, n := range b.nodes {
		if _, ok := b.toolsOf[n.ID]; ok {
			toolNodeIDs = append(toolNodeIDs, n.ID)
		}
	}

	for j, consumerID := range toolNodeIDs {
		toTool, ok := b.toolsOf[consumerID]
		if !ok {
			continue
		}
		consumer, ok := b.catalog.Tool(toTool)
		if !ok {
			continue
		}

		claimed := map[string]bool{}
		for i := j - 1; i >= 0; i-- {
			producerID := toolNodeIDs[i]
			fromTool := b.toolsOf[producerID]
			producer, ok := b.catalog.Tool(fromTool)
			if !ok {
				continue
			}
			coverage, fields := schema.ProvidesEdge(producer.OutputSchema, consumer.InputSchema)
			if coverage == "" {
				continue
			}
			unclaimed := make([]capability.FieldMapping, 0, len(fields))
			for _, f := range fields {
				if claimed[f.ToField] {
					continue
				}
				claimed[f.ToField] = true
				unclaimed = append(unclaimed, f)
			}
			if len(unclaimed) == 0 {
				continue
			}
			b.edges = append(b.edges, capability.Edge{
				From:     producerID,
				To:       consumerID,
				Type:     capability.EdgeProv,
				Coverage: coverage,
				Fields:   unclaimed,
			})
		}
	}
	return nil
}
