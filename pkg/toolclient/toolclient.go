// Package toolclient supplies the two concrete bridge.ToolClient transports
// spec §4.3's routing algorithm calls for: a client-routed stdio subprocess
// per MCP server (spawned lazily, JSON-RPC multiplexed by id, idle-evicted)
// and a server-routed HTTPS cloud proxy call. Router picks between them
// using the capability.Routing the bridge already resolved, so neither
// transport needs its own routing logic.
//
// Grounded on liuprestin-relurpify/tools/lsp_process_client.go, which
// spawns a language server subprocess and multiplexes its stdio over
// sourcegraph/jsonrpc2 exactly as Router's stdio pool does per MCP server.
package toolclient

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os/exec"
	"sync"
	"time"

	"github.com/sourcegraph/jsonrpc2"

	"github.com/casys-ai/pml/pkg/bridge"
	"github.com/casys-ai/pml/pkg/capability"
	"github.com/casys-ai/pml/pkg/pmlerrors"
)

var _ bridge.ToolClient = (*Router)(nil)

// ServerConfig names one MCP server's launch command (client routing) or
// proxy endpoint (server routing).
type ServerConfig struct {
	// Command and Args launch a stdio MCP server subprocess (client routing).
	Command string
	Args    []string
	// ProxyURL is the cloud proxy base URL a server-routed call is POSTed
	// to: the server name is appended as a path segment, and the action and
	// its arguments travel in the JSON body (server routing).
	ProxyURL string
	// APIKey is injected as a bearer token on server-routed calls; never
	// logged (spec §4.3: "never log decrypted keys").
	APIKey string
}

// Options configures a Router.
type Options struct {
	Servers    map[string]ServerConfig
	IdleEvict  time.Duration
	HTTPClient *http.Client
}

// DefaultIdleEvict is how long an unused stdio subprocess is kept warm
// before Router closes it (spec §4.3: "idle-evict after a configurable
// window").
const DefaultIdleEvict = 5 * time.Minute

// Router implements bridge.ToolClient, dispatching each call to a stdio
// subprocess or an HTTPS cloud proxy depending on the route the caller
// already resolved.
type Router struct {
	opts Options

	mu   sync.Mutex
	pool map[string]*stdioProc
}

// New builds a Router. A nil/empty Servers map is valid; calls to unknown
// servers fail with ToolUnreachable.
func New(opts Options) *Router {
	if opts.IdleEvict <= 0 {
		opts.IdleEvict = DefaultIdleEvict
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Router{opts: opts, pool: map[string]*stdioProc{}}
}

// Call implements bridge.ToolClient.
func (r *Router) Call(ctx context.Context, route capability.Routing, server, action string, args map[string]any) (any, error) {
	cfg, ok := r.opts.Servers[server]
	if !ok {
		return nil, pmlerrors.Newf(pmlerrors.KindToolUnreachable, "no server configured for %q", server)
	}
	if route == capability.RoutingServer {
		return r.callCloud(ctx, cfg, server, action, args)
	}
	return r.callStdio(ctx, cfg, server, action, args)
}

// Close shuts down every warm subprocess. Callers should invoke this once
// on process exit.
func (r *Router) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, p := range r.pool {
		p.close()
		delete(r.pool, name)
	}
}

func (r *Router) callStdio(ctx context.Context, cfg ServerConfig, server, action string, args map[string]any) (any, error) {
	if cfg.Command == "" {
		return nil, pmlerrors.Newf(pmlerrors.KindToolUnreachable, "server %q has no client-routed command configured", server)
	}
	p, err := r.proc(server, cfg)
	if err != nil {
		return nil, pmlerrors.Newf(pmlerrors.KindToolUnreachable, "spawning %q: %v", server, err)
	}
	p.touch()

	var raw json.RawMessage
	callErr := p.conn.Call(ctx, "tools/call", mcpCallParams{Name: action, Arguments: args}, &raw)
	if callErr != nil {
		return nil, toolError(callErr)
	}
	var result any
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, pmlerrors.New(pmlerrors.KindToolError, "decoding tool result").WithCause(err)
	}
	return result, nil
}

func (r *Router) proc(server string, cfg ServerConfig) (*stdioProc, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.pool[server]; ok && !p.dead() {
		return p, nil
	}
	p, err := spawnStdioProc(cfg, r.opts.IdleEvict, func() {
		r.mu.Lock()
		delete(r.pool, server)
		r.mu.Unlock()
	})
	if err != nil {
		return nil, err
	}
	r.pool[server] = p
	return p, nil
}

func (r *Router) callCloud(ctx context.Context, cfg ServerConfig, server, action string, args map[string]any) (any, error) {
	if cfg.ProxyURL == "" {
		return nil, pmlerrors.Newf(pmlerrors.KindToolUnreachable, "server %q has no cloud proxy configured", server)
	}
	body, err := json.Marshal(mcpCallParams{Name: action, Arguments: args})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.ProxyURL+"/"+server, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.APIKey)
	}

	resp, err := r.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, pmlerrors.Newf(pmlerrors.KindToolUnreachable, "calling cloud proxy for %q: %v", server, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 500 {
		return nil, pmlerrors.Newf(pmlerrors.KindToolUnreachable, "cloud proxy %q returned %d", server, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return nil, pmlerrors.Newf(pmlerrors.KindToolError, "cloud proxy %q returned %d: %s", server, resp.StatusCode, string(data))
	}
	var result any
	if len(data) > 0 {
		if err := json.Unmarshal(data, &result); err != nil {
			return nil, pmlerrors.New(pmlerrors.KindToolError, "decoding cloud proxy result").WithCause(err)
		}
	}
	return result, nil
}

// mcpCallParams mirrors the MCP "tools/call" request shape.
type mcpCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

func toolError(err error) error {
	if rpcErr, ok := err.(*jsonrpc2.Error); ok {
		return pmlerrors.Newf(pmlerrors.KindToolError, "tool call failed: %s", rpcErr.Message)
	}
	return pmlerrors.New(pmlerrors.KindToolUnreachable, "tool call failed").WithCause(err)
}

// stdioProc is one warm MCP server subprocess.
type stdioProc struct {
	cmd    *exec.Cmd
	conn   *jsonrpc2.Conn
	cancel context.CancelFunc

	mu        sync.Mutex
	lastUsed  time.Time
	evictTime time.Duration
	evicted   bool
	evictT    *time.Timer
}

func spawnStdioProc(cfg ServerConfig, idleEvict time.Duration, onEvict func()) (*stdioProc, error) {
	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, cfg.Command, cfg.Args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, err
	}

	rwc := &stdioRWC{reader: stdout, writer: stdin}
	stream := jsonrpc2.NewBufferedStream(rwc, jsonrpc2.VSCodeObjectCodec{})
	noOpHandler := jsonrpc2.HandlerWithError(func(context.Context, *jsonrpc2.Conn, *jsonrpc2.Request) (any, error) {
		return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeMethodNotFound, Message: "client does not serve inbound calls"}
	})
	conn := jsonrpc2.NewConn(ctx, stream, noOpHandler)

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, err
	}

	p := &stdioProc{cmd: cmd, conn: conn, cancel: cancel, lastUsed: time.Now(), evictTime: idleEvict}
	p.evictT = time.AfterFunc(idleEvict, func() {
		p.mu.Lock()
		idle := time.Since(p.lastUsed) >= p.evictTime
		p.mu.Unlock()
		if idle {
			p.close()
			onEvict()
		}
	})
	return p, nil
}

func (p *stdioProc) touch() {
	p.mu.Lock()
	p.lastUsed = time.Now()
	p.mu.Unlock()
	p.evictT.Reset(p.evictTime)
}

func (p *stdioProc) dead() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.evicted
}

func (p *stdioProc) close() {
	p.mu.Lock()
	if p.evicted {
		p.mu.Unlock()
		return
	}
	p.evicted = true
	p.mu.Unlock()

	p.evictT.Stop()
	_ = p.conn.Close()
	p.cancel()
	_ = p.cmd.Wait()
}

type stdioRWC struct {
	reader io.ReadCloser
	writer io.WriteCloser
}

func (c *stdioRWC) Read(p []byte) (int, error)  { return c.reader.Read(p) }
func (c *stdioRWC) Write(p []byte) (int, error) { return c.writer.Write(p) }
func (c *stdioRWC) Close() error {
	_ = c.reader.Close()
	return c.writer.Close()
}
