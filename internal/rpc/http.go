package rpc

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/casys-ai/pml/pkg/capability"
)

// HTTPServer implements the `serve` subcommand's surface: a generic POST
// /rpc endpoint sharing Dispatcher with stdio mode, plus the registry
// protocol's GET /<fqdn> (spec §6 "Registry protocol").
type HTTPServer struct {
	dispatcher *Dispatcher
	store      capability.Store
}

// NewHTTPServer builds an HTTPServer over d and store.
func NewHTTPServer(d *Dispatcher, store capability.Store) *HTTPServer {
	return &HTTPServer{dispatcher: d, store: store}
}

// Handler returns the http.Handler serving both surfaces.
func (s *HTTPServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/rpc", s.handleRPC)
	mux.HandleFunc("/", s.handleRegistry)
	return mux
}

type rpcRequest struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type rpcResponse struct {
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

func (s *HTTPServer) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	result, err := s.dispatcher.Handle(r.Context(), req.Method, req.Params)
	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(rpcResponse{Error: err.Error()})
		return
	}
	_ = json.NewEncoder(w).Encode(rpcResponse{Result: result})
}

// registryResponse mirrors spec §6's Registry protocol JSON shape for
// non-TypeScript records.
type registryResponse struct {
	FQDN        string   `json:"fqdn"`
	Type        string   `json:"type"`
	ProxyTo     string   `json:"proxyTo,omitempty"`
	Tools       []string `json:"tools"`
	Routing     string   `json:"routing"`
	EnvRequired []string `json:"envRequired"`
}

// handleRegistry implements GET /<fqdn>: a capability record returns its
// self-contained source as application/typescript; every other record,
// including any mcp-server record whatever its kind, returns the JSON
// install descriptor.
func (s *HTTPServer) handleRegistry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	fqdn := capability.FQDN(strings.TrimPrefix(r.URL.Path, "/"))
	if fqdn == "" {
		http.NotFound(w, r)
		return
	}
	cap, err := s.store.GetByFQDN(r.Context(), fqdn)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if cap == nil {
		http.NotFound(w, r)
		return
	}

	if cap.RecordType == capability.RecordTypeCapability {
		w.Header().Set("Content-Type", "application/typescript")
		_, _ = w.Write([]byte(cap.Code))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(registryResponse{
		FQDN:        string(cap.FQDN),
		Type:        string(cap.RecordType),
		Tools:       cap.ToolsUsed,
		Routing:     string(cap.Routing),
		EnvRequired: []string{},
	})
}
