package rpc

import (
	"context"
	"encoding/json"
	"os"

	"github.com/sourcegraph/jsonrpc2"
)

// ServeStdio runs d as a JSON-RPC server over os.Stdin/os.Stdout (spec §6
// HIL flow: "continuation is a fresh JSON-RPC call continue_workflow"),
// blocking until the connection closes or ctx is cancelled. Grounded on
// pkg/bridge's identical jsonrpc2.NewConn-over-VSCodeObjectCodec duplex,
// here applied to the process's own stdio instead of a worker pipe.
func ServeStdio(ctx context.Context, d *Dispatcher) error {
	stream := jsonrpc2.NewBufferedStream(stdioRWC{}, jsonrpc2.VSCodeObjectCodec{})
	conn := jsonrpc2.NewConn(ctx, stream, jsonrpc2.HandlerWithError(d.handle))
	select {
	case <-conn.DisconnectNotify():
		return nil
	case <-ctx.Done():
		_ = conn.Close()
		return ctx.Err()
	}
}

// handle adapts Dispatcher.Handle to jsonrpc2's per-request handler
// signature.
func (d *Dispatcher) handle(ctx context.Context, _ *jsonrpc2.Conn, req *jsonrpc2.Request) (any, error) {
	var params json.RawMessage
	if req.Params != nil {
		params = *req.Params
	}
	result, err := d.Handle(ctx, req.Method, params)
	if err != nil {
		return nil, toRPCError(err)
	}
	return result, nil
}

// stdioRWC wires the process's own stdin/stdout into one
// io.ReadWriteCloser, matching the "combine separate reader/writer"
// pattern pkg/bridge and pkg/toolclient both use for their own duplexes.
type stdioRWC struct{}

func (stdioRWC) Read(p []byte) (int, error)  { return os.Stdin.Read(p) }
func (stdioRWC) Write(p []byte) (int, error) { return os.Stdout.Write(p) }
func (stdioRWC) Close() error                { return nil }
