// Package permission implements the AST-based least-privilege detector
// described in spec §4.6: it scans the callees of a capability's goja AST
// call expressions for known patterns (fetch(...), mcp.filesystem.*,
// process.env.*(...)) and maps them to a PermissionSet with a confidence
// score, defaulting to "minimal" when confidence falls below the configured
// floor. Only call expressions are inspected: a plain property read such as
// process.env.KEY is not detected.
package permission

import (
	"fmt"

	"github.com/dop251/goja/ast"

	"github.com/casys-ai/pml/pkg/capability"
)

// DefaultConfidenceFloor is the spec §4.6 threshold below which the store
// persists "minimal" regardless of the detector's raw verdict.
const DefaultConfidenceFloor = 0.7

// Result is the Permission Inferrer's output for one capability.
type Result struct {
	PermissionSet    capability.PermissionSet
	Confidence       float64
	DetectedPatterns []string
}

// detector pairs a pattern name with a predicate evaluated on each call-like
// AST node encountered during the walk, and the permission it implies.
type detector struct {
	name       string
	permission capability.PermissionSet
	confidence float64
	match      func(callee string) bool
}

var detectors = []detector{
	{
		name:       "fetch(",
		permission: capability.PermissionNetworkAPI,
		confidence: 0.9,
		match:      func(callee string) bool { return callee == "fetch" },
	},
	{
		name:       "mcp.filesystem.",
		permission: capability.PermissionFilesystem,
		confidence: 0.95,
		match:      func(callee string) bool { return hasPrefix(callee, "mcp.filesystem.") },
	},
	{
		name:       "process.env",
		permission: capability.PermissionMCPStd,
		confidence: 0.8,
		match:      func(callee string) bool { return hasPrefix(callee, "process.env") },
	},
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// Infer walks program, a goja/ast.Program produced by the Static Structure
// Builder's shared parse pass, and classifies the capability's permission
// profile. confidenceFloor is typically permission.DefaultConfidenceFloor,
// sourced from config.
func Infer(program *ast.Program, confidenceFloor float64) Result {
	if program == nil {
		return Result{PermissionSet: capability.PermissionMinimal, Confidence: 1}
	}

	var patterns []string
	best := detector{permission: capability.PermissionMinimal, confidence: 1}
	var walk func(n ast.Node)
	walk = func(n ast.Node) {
		if n == nil {
			return
		}
		if call, ok := n.(*ast.CallExpression); ok {
			callee := exprToDotted(call.Callee)
			for _, d := range detectors {
				if d.match(callee) {
					patterns = append(patterns, d.name)
					if d.confidence > best.confidence || best.permission == capability.PermissionMinimal {
						best = d
					}
				}
			}
		}
		for _, c := range children(n) {
			walk(c)
		}
	}
	walk(program)

	if best.permission == "" {
		best.permission = capability.PermissionMinimal
		best.confidence = 1
	}
	if best.confidence < confidenceFloor {
		return Result{
			PermissionSet:    capability.PermissionMinimal,
			Confidence:       best.confidence,
			DetectedPatterns: patterns,
		}
	}
	return Result{
		PermissionSet:    best.permission,
		Confidence:       best.confidence,
		DetectedPatterns: patterns,
	}
}

// exprToDotted renders a member/identifier expression chain as a dotted
// string ("mcp.filesystem.write"), returning "" for anything else (dynamic
// member access, computed properties) so it never spuriously matches.
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

// children returns the direct AST children worth descending into for
// pattern detection. Only a conservative subset of node kinds is handled;
// anything else is a leaf for our purposes (matches spec §4.1's stance on
// dynamic constructs: unhandled shapes are simply not matched, not errors).
func children(n ast.Node) []ast.Node {
	switch v := n.(type) {
	case *ast.Program:
		out := make([]ast.Node, 0, len(v.Body))
		for _, s := range v.Body {
			out = append(out, s)
		}
		return out
	case *ast.ExpressionStatement:
		return []ast.Node{v.Expression}
	case *ast.CallExpression:
		out := []ast.Node{v.Callee}
		for _, a := range v.ArgumentList {
			out = append(out, a)
		}
		return out
	case *ast.BlockStatement:
		out := make([]ast.Node, 0, len(v.List))
		for _, s := range v.List {
			out = append(out, s)
		}
		return out
	case *ast.IfStatement:
		out := []ast.Node{v.Test, v.Consequent}
		if v.Alternate != nil {
			out = append(out, v.Alternate)
		}
		return out
	case *ast.ReturnStatement:
		if v.Argument != nil {
			return []ast.Node{v.Argument}
		}
	case *ast.VariableStatement:
		out := make([]ast.Node, 0, len(v.List))
		for _, b := range v.List {
			if b.Initializer != nil {
				out = append(out, b.Initializer)
			}
		}
		return out
	case *ast.AwaitExpression:
		return []ast.Node{v.Argument}
	case *ast.DotExpression:
		return []ast.Node{v.Left}
	}
	return nil
}
