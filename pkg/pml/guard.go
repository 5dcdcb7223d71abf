package pml

import (
	"context"
	"fmt"

	"github.com/dop251/goja"

	"github.com/casys-ai/pml/pkg/pmlerrors"
)

// GojaGuardEvaluator evaluates a decision node's raw TypeScript-like
// condition source (dag.Task.GuardSource) against the run's current
// argument context, using the same goja engine the Sandbox Worker Bridge
// runs capability code in (pkg/bridge), so guard semantics never drift from
// execution semantics. A fresh goja.Runtime is used per evaluation: guard
// expressions are small and side-effect-free, so the per-call VM cost is
// preferable to sharing mutable interpreter state across concurrent layers.
type GojaGuardEvaluator struct{}

// Evaluate implements executor.GuardEvaluator.
func (GojaGuardEvaluator) Evaluate(_ context.Context, source string, params map[string]any) (string, error) {
	vm := goja.New()
	if err := vm.Set("params", params); err != nil {
		return "", pmlerrors.New(pmlerrors.KindInternalError, "guard evaluation: failed to bind params").WithCause(err)
	}

	v, err := vm.RunString(source)
	if err != nil {
		return "", pmlerrors.Newf(pmlerrors.KindStaticValidationError, "guard condition %q failed to evaluate: %v", source, err)
	}
	return fmt.Sprintf("%v", v.Export()), nil
}
