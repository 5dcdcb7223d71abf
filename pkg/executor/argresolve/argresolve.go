// Package argresolve implements the Argument Resolver (spec §4.4.1): a pure
// function turning a task's {literal, reference, parameter} ArgumentValue
// spec into a concrete JSON-able value, given the initial call context and
// the outputs accumulated from already-completed tasks. It never touches a
// store, network, or clock, matching the teacher's preference for small pure
// helpers (e.g. runtime/agent/runtime's message-part builders) ahead of the
// stateful engine that calls them.
package argresolve

import (
	"strconv"
	"strings"

	"github.com/casys-ai/pml/pkg/capability"
	"github.com/casys-ai/pml/pkg/pmlerrors"
)

// Context is everything the resolver needs: the initial call parameters and
// the result payloads already produced by completed tasks, keyed by task id.
type Context struct {
	Parameters map[string]any
	Results    map[string]any
}

// Resolve turns args (a task node's ArgumentValue map) into a plain
// map[string]any ready to serialize as the tool call payload.
func Resolve(args map[string]capability.ArgumentValue, ctx Context) (map[string]any, error) {
	out := make(map[string]any, len(args))
	for field, v := range args {
		resolved, err := resolveOne(field, v, ctx)
		if err != nil {
			return nil, err
		}
		out[field] = resolved
	}
	return out, nil
}

func resolveOne(field string, v capability.ArgumentValue, ctx Context) (any, error) {
	switch v.Kind {
	case capability.ArgLiteral:
		return v.Value, nil

	case capability.ArgParameter:
		val, ok := lookupPath(ctx.Parameters, v.ParameterName)
		if !ok {
			return nil, pmlerrors.Newf(pmlerrors.KindMissingParameter, "parameter %q required by argument %q was not supplied", v.ParameterName, field).
				WithHint("pass " + v.ParameterName + " when invoking this capability")
		}
		return val, nil

	case capability.ArgReference:
		taskID, path, ok := splitReference(v.Expression)
		if !ok {
			return nil, pmlerrors.Newf(pmlerrors.KindArgumentUnresolvable, "malformed reference expression %q for argument %q", v.Expression, field)
		}
		result, ok := ctx.Results[taskID]
		if !ok {
			return nil, pmlerrors.Newf(pmlerrors.KindArgumentUnresolvable, "argument %q references task %q, which has not produced a result", field, taskID)
		}
		if path == "" {
			return result, nil
		}
		val, ok := lookupPath(result, path)
		if !ok {
			return nil, pmlerrors.Newf(pmlerrors.KindArgumentUnresolvable, "argument %q references %s, which is not present in %s's result", field, v.Expression, taskID)
		}
		return val, nil

	default:
		return nil, pmlerrors.Newf(pmlerrors.KindArgumentUnresolvable, "argument %q has an unrecognized kind %q", field, v.Kind)
	}
}

// splitReference splits "task_0.content.subfield" into ("task_0",
// "content.subfield"), or ("task_0", "") when there is no trailing path.
func splitReference(expr string) (taskID, path string, ok bool) {
	if expr == "" {
		return "", "", false
	}
	i := strings.IndexByte(expr, '.')
	if i < 0 {
		return expr, "", true
	}
	return expr[:i], expr[i+1:], true
}

// lookupPath walks a dotted path through nested maps/slices (e.g.
// "content.subfield" or "items.0.id"), returning (nil, false) on any
// missing key, type mismatch, or out-of-range index.
func lookupPath(root any, path string) (any, bool) {
	if path == "" {
		return root, true
	}
	cur := root
	for _, seg := range strings.Split(path, ".") {
		switch c := cur.(type) {
		case map[string]any:
			v, ok := c[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(c) {
				return nil, false
			}
			cur = c[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}
