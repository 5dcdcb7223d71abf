package rpc

import (
	"encoding/json"
	"errors"

	"github.com/sourcegraph/jsonrpc2"

	"github.com/casys-ai/pml/pkg/pmlerrors"
)

// toRPCError turns a pmlerrors.Error (or any other error) into a
// jsonrpc2.Error, preserving its Kind as the error data field so a
// stdio-mode client can branch on it the same way it would on an SSE
// "error { kind, message }" event (spec §6).
func toRPCError(err error) *jsonrpc2.Error {
	var pe *pmlerrors.Error
	if errors.As(err, &pe) {
		data := json.RawMessage(`"` + string(pe.Kind) + `"`)
		return &jsonrpc2.Error{Code: jsonrpc2.CodeInternalError, Message: pe.UserHint(), Data: &data}
	}
	return &jsonrpc2.Error{Code: jsonrpc2.CodeInternalError, Message: err.Error()}
}

// ExitCode maps an error returned by a Gateway operation to a CLI exit
// code: 3 sandbox timeout/panic, 4 user abort, 1 anything else. It never
// returns 2; the config-error exit code is set by internal/cli itself. A
// nil error is never passed here; callers exit 0 themselves.
func ExitCode(err error) int {
	var pe *pmlerrors.Error
	if !errors.As(err, &pe) {
		return 1
	}
	switch pe.Kind {
	case pmlerrors.KindWorkerPanic, pmlerrors.KindSandboxDenied:
		return 3
	case pmlerrors.KindUserAborted, pmlerrors.KindHilTimeout:
		return 4
	default:
		return 1
	}
}
