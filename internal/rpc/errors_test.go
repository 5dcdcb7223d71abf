package rpc

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/casys-ai/pml/pkg/pmlerrors"
)

func TestExitCodeMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"plain error", errors.New("boom"), 1},
		{"worker panic", pmlerrors.New(pmlerrors.KindWorkerPanic, "panic"), 3},
		{"sandbox denied", pmlerrors.New(pmlerrors.KindSandboxDenied, "denied"), 3},
		{"user aborted", pmlerrors.New(pmlerrors.KindUserAborted, "aborted"), 4},
		{"hil timeout", pmlerrors.New(pmlerrors.KindHilTimeout, "timeout"), 4},
		{"tool error", pmlerrors.New(pmlerrors.KindToolError, "tool failed"), 1},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, ExitCode(c.err))
		})
	}
}

func TestToRPCErrorPreservesKind(t *testing.T) {
	err := pmlerrors.New(pmlerrors.KindSandboxDenied, "nope").WithHint("try again")
	rpcErr := toRPCError(err)
	assert.Equal(t, "try again", rpcErr.Message)
	require := assert.New(t)
	require.NotNil(rpcErr.Data)
	require.Contains(string(*rpcErr.Data), "SandboxDenied")
}

func TestToRPCErrorPlainError(t *testing.T) {
	rpcErr := toRPCError(errors.New("boom"))
	assert.Equal(t, "boom", rpcErr.Message)
	assert.Nil(t, rpcErr.Data)
}
