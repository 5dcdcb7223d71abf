// Package bridge implements the Sandbox Worker Bridge (spec §4.3): a
// zero-permission goja.Runtime per execute() call, with every tool call the
// capability source makes proxied across a length-prefixed JSON-RPC channel
// back into the host process, where it is routed to the real MCP client and
// natively traced. Capability-to-capability calls stay in-process (no RPC
// hop); capability-to-tool calls always cross the RPC boundary.
//
// Grounded on the teacher's corpus for its two halves: the worker/runtime
// half has no direct teacher analogue (no example repo embeds a JS engine),
// so its goja.Runtime usage is an out-of-pack ecosystem choice — see
// DESIGN.md. The RPC transport half is grounded on
// liuprestin-relurpify/tools/lsp_process_client.go, which multiplexes a
// language server's requests over sourcegraph/jsonrpc2 across a
// stdin/stdout duplex exactly as this package does across an io.Pipe
// duplex.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dop251/goja"
	"github.com/sourcegraph/jsonrpc2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/casys-ai/pml/pkg/capability"
	"github.com/casys-ai/pml/pkg/pmlerrors"
	"github.com/casys-ai/pml/pkg/routing"
)

// ToolClient is the single external-transport seam the Bridge calls through
// (spec §1 Non-goals excludes transport/auth itself; this interface is the
// boundary a concrete stdio-subprocess or HTTPS-cloud-proxy client plugs
// into).
type ToolClient interface {
	Call(ctx context.Context, route capability.Routing, server, action string, args map[string]any) (any, error)
}

// CapabilityResolver loads a nested capability's source for an in-process
// call, so capability-to-capability composition never leaves the worker.
type CapabilityResolver interface {
	Source(ctx context.Context, fqdn capability.FQDN) (string, error)
}

// TraceRecorder receives one traced RPC call, forwarded to the Trace
// Recorder (pkg/trace) for sanitization and persistence.
type TraceRecorder interface {
	RecordCall(call TracedCall)
}

// TracedCall is one tool or nested-capability invocation observed by the
// Bridge.
type TracedCall struct {
	Server    string
	Action    string
	Arguments map[string]any
	Result    any
	Err       string
	StartedAt time.Time
	Duration  time.Duration
}

// Options configures a Bridge instance.
type Options struct {
	Tools       ToolClient
	Resolver    CapabilityResolver
	Routes      *routing.Resolver
	Trace       TraceRecorder
	RetryPolicy RetryPolicy
}

// RetryPolicy bounds the backoff applied to ToolUnreachable/ToolTimeout
// failures (spec §7: these two kinds are retried automatically).
type RetryPolicy struct {
	MaxElapsed time.Duration
}

// DefaultMaxElapsed is the retry budget applied when RetryPolicy is zero.
const DefaultMaxElapsed = 30 * time.Second

// Bridge runs capability source inside sandboxed goja workers.
type Bridge struct {
	opts   Options
	tracer trace.Tracer
}

// New builds a Bridge with the given dependencies.
func New(opts Options) *Bridge {
	return &Bridge{opts: opts, tracer: otel.Tracer("pml/bridge")}
}

// Execute runs source's execute(args) entry point inside a fresh sandboxed
// runtime, resolving every mcp.<server>.<action>(...) call the source makes
// through the RPC transport, and returns its final JSON-able result.
func (b *Bridge) Execute(ctx context.Context, source string, args map[string]any) (any, error) {
	ctx, span := b.tracer.Start(ctx, "bridge.execute")
	defer span.End()

	workerRWC, hostRWC := duplexPipe()

	hostConn := jsonrpc2.NewConn(ctx, jsonrpc2.NewBufferedStream(hostRWC, jsonrpc2.VSCodeObjectCodec{}), b.hostHandler())
	defer hostConn.Close()

	workerConn := jsonrpc2.NewConn(ctx, jsonrpc2.NewBufferedStream(workerRWC, jsonrpc2.VSCodeObjectCodec{}), jsonrpc2.HandlerWithError(noOpHandler))
	defer workerConn.Close()

	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	if err := b.injectProxies(ctx, vm, workerConn); err != nil {
		return nil, err
	}

	prg, err := goja.Compile("capability.js", source, false)
	if err != nil {
		return nil, pmlerrors.New(pmlerrors.KindParseError, "capability source failed to compile in the worker").WithCause(err)
	}

	if err := vm.Set("__args", args); err != nil {
		return nil, err
	}

	v, err := vm.RunProgram(prg)
	if err != nil {
		return nil, asWorkerError(err)
	}

	// A capability written as `export async function execute(args) {...}`
	// only defines the function by running prg; its result comes from
	// calling execute separately. A bare top-level statement sequence (the
	// per-task source BridgeInvoker synthesizes) has no execute function,
	// so prg's own completion value, already in v, is the result.
	if execFn, ok := goja.AssertFunction(vm.Get("execute")); ok {
		v, err = execFn(goja.Undefined(), vm.ToValue(args))
		if err != nil {
			return nil, asWorkerError(err)
		}
	}

	result, err := b.runToCompletion(vm, v)
	if err != nil {
		return nil, asWorkerError(err)
	}
	return result, nil
}

// runToCompletion takes v, the completion value of either the compiled
// program or its execute(args) call, and, when it is a pending Promise (an
// async result), drains the runtime's job queue until it settles. Every RPC
// call the worker makes blocks synchronously, so a single drain pass is
// always sufficient — there is no real concurrency inside one worker for
// RunJobs to interleave.
func (b *Bridge) runToCompletion(vm *goja.Runtime, v goja.Value) (any, error) {
	promise, ok := v.Export().(*goja.Promise)
	if !ok {
		return v.Export(), nil
	}
	for promise.State() == goja.PromiseStatePending {
		if err := vm.RunJobs(); err != nil {
			return nil, err
		}
	}
	if promise.State() == goja.PromiseStateRejected {
		return nil, fmt.Errorf("capability execution rejected: %v", promise.Result().Export())
	}
	return promise.Result().Export(), nil
}

// injectProxies builds the mcp.<server>.<action>(args) call surface the
// structure builder's dotted call detection expects. A two-level JS Proxy
// intercepts any server/action property access and resolves to a function
// that routes through workerConn as an "rpc_call" JSON-RPC request, so the
// worker never needs the full tool catalog just to make a call — permission
// and existence checks already happened at analysis time (pkg/permission,
// pkg/structure); the host-side handler is the runtime enforcement point.
func (b *Bridge) injectProxies(ctx context.Context, vm *goja.Runtime, workerConn *jsonrpc2.Conn) error {
	if err := vm.Set("__dispatchSync", func(server, action string, args map[string]any) (any, error) {
		return b.dispatch(ctx, workerConn, server, action, args)
	}); err != nil {
		return err
	}
	_, err := vm.RunString(`
		var mcp = new Proxy({}, {
			get: function(_, server) {
				return new Proxy({}, {
					get: function(__, action) {
						return function(args) { return __dispatchSync(server, action, args || {}); };
					}
				});
			}
		});
	`)
	return err
}

// dispatch performs one RPC call from the worker side, retrying
// ToolUnreachable/ToolTimeout failures with bounded exponential backoff
// (spec §7).
func (b *Bridge) dispatch(ctx context.Context, conn *jsonrpc2.Conn, server, action string, args map[string]any) (any, error) {
	maxElapsed := b.opts.RetryPolicy.MaxElapsed
	if maxElapsed <= 0 {
		maxElapsed = DefaultMaxElapsed
	}
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = maxElapsed

	var result any
	op := func() error {
		started := time.Now()
		var callResult json.RawMessage
		err := conn.Call(ctx, "rpc_call", rpcCallParams{Server: server, Action: action, Arguments: args}, &callResult)
		if b.opts.Trace != nil {
			b.opts.Trace.RecordCall(TracedCall{
				Server: server, Action: action, Arguments: args,
				StartedAt: started, Duration: time.Since(started),
				Err: errString(err),
			})
		}
		if err != nil {
			if pe, ok := asPmlError(err); ok && !pe.Retryable() {
				return backoff.Permanent(err)
			}
			return err
		}
		return json.Unmarshal(callResult, &result)
	}
	if err := backoff.Retry(op, bo); err != nil {
		return nil, err
	}
	return result, nil
}

type rpcCallParams struct {
	Server    string         `json:"server"`
	Action    string         `json:"action"`
	Arguments map[string]any `json:"arguments"`
}

// hostHandler answers "rpc_call" requests from the worker by routing them
// through ToolClient. Any other method, "trace" included, is answered with
// a method-not-found error; tracing happens host-side in dispatch.
func (b *Bridge) hostHandler() jsonrpc2.Handler {
	return jsonrpc2.HandlerWithError(func(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) (any, error) {
		switch req.Method {
		case "rpc_call":
			var p rpcCallParams
			if req.Params != nil {
				if err := json.Unmarshal(*req.Params, &p); err != nil {
					return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: err.Error()}
				}
			}
			if b.opts.Tools == nil {
				return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeInternalError, Message: "bridge has no tool client configured"}
			}
			route := capability.RoutingServer
			if b.opts.Routes != nil {
				route = b.opts.Routes.Resolve(p.Server)
			}
			res, err := b.opts.Tools.Call(ctx, route, p.Server, p.Action, p.Arguments)
			if err != nil {
				return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeInternalError, Message: err.Error()}
			}
			return res, nil
		default:
			return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeMethodNotFound, Message: "unhandled method " + req.Method}
		}
	})
}

func noOpHandler(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) (any, error) {
	return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeMethodNotFound, Message: "worker does not serve inbound calls"}
}

// duplexPipe wires two unidirectional io.Pipes into a pair of
// io.ReadWriteClosers forming one duplex channel, the same "combine
// separate reader/writer into one RWC" idiom the teacher uses for its LSP
// subprocess's stdin/stdout pipes.
func duplexPipe() (worker, host io.ReadWriteCloser) {
	workerToHostR, workerToHostW := io.Pipe()
	hostToWorkerR, hostToWorkerW := io.Pipe()
	worker = &rwc{reader: hostToWorkerR, writer: workerToHostW}
	host = &rwc{reader: workerToHostR, writer: hostToWorkerW}
	return worker, host
}

type rwc struct {
	reader io.ReadCloser
	writer io.WriteCloser
}

func (c *rwc) Read(p []byte) (int, error)  { return c.reader.Read(p) }
func (c *rwc) Write(p []byte) (int, error) { return c.writer.Write(p) }
func (c *rwc) Close() error {
	_ = c.reader.Close()
	return c.writer.Close()
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func asPmlError(err error) (*pmlerrors.Error, bool) {
	var pe *pmlerrors.Error
	if e, ok := err.(*pmlerrors.Error); ok {
		return e, true
	}
	return pe, false
}

func asWorkerError(err error) error {
	if _, ok := err.(*pmlerrors.Error); ok {
		return err
	}
	return pmlerrors.New(pmlerrors.KindWorkerPanic, "capability execution failed in the sandbox worker").WithCause(err)
}

