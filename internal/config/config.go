// Package config loads the workspace-level settings for a PML installation
// from {workspace}/.pml/config.toml, plus the routing resolver's static
// server table from a sibling YAML file. Precedence: environment variables
// override the config file, which overrides built-in defaults.
//
// Grounded on emergent-company-specmcp's internal/config/config.go (the only
// other MCP gateway in the corpus): defaults-then-file-then-env layering,
// BurntSushi/toml decode, Validate() after load.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/casys-ai/pml/pkg/capability"
	"github.com/casys-ai/pml/pkg/routing"
)

// Config holds all workspace-scoped configuration for a PML installation.
type Config struct {
	Workspace  WorkspaceConfig  `toml:"workspace"`
	Permission PermissionConfig `toml:"permission"`
	Retry      RetryConfig      `toml:"retry"`
	Speculator SpeculatorConfig `toml:"speculator"`
	Executor   ExecutorConfig   `toml:"executor"`
}

// WorkspaceConfig identifies the workspace root and its default scope for
// capabilities created without an explicit org/project.
type WorkspaceConfig struct {
	Root           string `toml:"root"`
	DefaultOrg     string `toml:"default_org"`
	DefaultProject string `toml:"default_project"`
	// RoutingFile, relative to Root, names the YAML routing table (spec
	// §4.6). Defaults to ".pml/routing.yaml".
	RoutingFile string `toml:"routing_file"`
	// AllowListFile, relative to Root, names the persisted HIL allow-list
	// JSON file (spec §6: "an always=true continuation adds the offending
	// tool id to the user's persisted allow list"). Defaults to
	// ".pml/allowlist.json".
	AllowListFile string `toml:"allow_list_file"`
	// LockFile, relative to Root, pins installed MCP server versions and
	// integrity hashes (spec §6: "Lockfile (per project):
	// {workspace}/.pml/mcp.lock"). Defaults to ".pml/mcp.lock".
	LockFile string `toml:"lock_file"`
	// RegistryURL is the base URL the `add`/`upgrade` CLI commands fetch
	// registry descriptors from (spec §6 "Registry protocol: GET
	// /<fqdn>"). Empty disables remote registry operations.
	RegistryURL string `toml:"registry_url"`
}

// PermissionConfig tunes the Permission Inferrer's safety floor (spec §4.6:
// "If confidence < 0.7, the store persists minimal regardless").
type PermissionConfig struct {
	ConfidenceFloor float64 `toml:"confidence_floor"`
}

// RetryConfig tunes RPC retry/backoff for ToolUnreachable/ToolTimeout faults
// (spec §4.4/§7: "retry up to N, default 3, with exponential backoff").
type RetryConfig struct {
	MaxAttempts int           `toml:"max_attempts"`
	BaseBackoff time.Duration `toml:"base_backoff"`
	MaxBackoff  time.Duration `toml:"max_backoff"`
}

// SpeculatorConfig tunes the Speculation Cache's lifetime (spec §4.5: "TTL,
// default 5 min") and the workflow state cache's lifetime (spec §6:
// "workflow state cache, key-value with TTL, 1h").
type SpeculatorConfig struct {
	CacheTTL         time.Duration `toml:"cache_ttl"`
	WorkflowStateTTL time.Duration `toml:"workflow_state_ttl"`
}

// ExecutorConfig tunes the Controlled Executor's per-layer concurrency (spec
// §5: "N tasks in flight per layer, default N=16 with configurable cap").
type ExecutorConfig struct {
	LayerConcurrency int `toml:"layer_concurrency"`
}

func defaults() *Config {
	return &Config{
		Workspace: WorkspaceConfig{
			Root:          ".",
			RoutingFile:   ".pml/routing.yaml",
			AllowListFile: ".pml/allowlist.json",
			LockFile:      ".pml/mcp.lock",
		},
		Permission: PermissionConfig{
			ConfidenceFloor: 0.7,
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseBackoff: 200 * time.Millisecond,
			MaxBackoff:  5 * time.Second,
		},
		Speculator: SpeculatorConfig{
			CacheTTL:         5 * time.Minute,
			WorkflowStateTTL: time.Hour,
		},
		Executor: ExecutorConfig{
			LayerConcurrency: 16,
		},
	}
}

// DefaultConfigPath is where Load looks for a workspace's config.toml when
// the CLI is not given an explicit --config path.
func DefaultConfigPath(workspaceRoot string) string {
	return filepath.Join(workspaceRoot, ".pml", "config.toml")
}

// Load reads {configPath}, layering it over built-in defaults, then applies
// environment variable overrides, then validates the result. An empty or
// missing configPath is not an error: defaults and env vars still apply.
func Load(configPath string) (*Config, error) {
	cfg := defaults()

	if configPath != "" {
		if _, err := toml.DecodeFile(configPath, cfg); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", configPath, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays environment variables on top of existing config values.
// An env var only takes effect if it is non-empty.
func (c *Config) applyEnv() {
	envOverride("PML_WORKSPACE_ROOT", &c.Workspace.Root)
	envOverride("PML_DEFAULT_ORG", &c.Workspace.DefaultOrg)
	envOverride("PML_DEFAULT_PROJECT", &c.Workspace.DefaultProject)

	if v := os.Getenv("PML_PERMISSION_CONFIDENCE_FLOOR"); v != "" {
		var f float64
		if _, err := fmt.Sscanf(v, "%g", &f); err == nil {
			c.Permission.ConfidenceFloor = f
		}
	}
	if v := os.Getenv("PML_RETRY_MAX_ATTEMPTS"); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil && n > 0 {
			c.Retry.MaxAttempts = n
		}
	}
}

// Validate checks that the loaded configuration is internally consistent.
func (c *Config) Validate() error {
	if c.Workspace.Root == "" {
		return fmt.Errorf("workspace.root must not be empty")
	}
	if c.Permission.ConfidenceFloor < 0 || c.Permission.ConfidenceFloor > 1 {
		return fmt.Errorf("permission.confidence_floor must be in [0,1], got %v", c.Permission.ConfidenceFloor)
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be >= 1, got %d", c.Retry.MaxAttempts)
	}
	if c.Speculator.CacheTTL <= 0 {
		return fmt.Errorf("speculator.cache_ttl must be positive")
	}
	if c.Executor.LayerConcurrency < 1 {
		return fmt.Errorf("executor.layer_concurrency must be >= 1, got %d", c.Executor.LayerConcurrency)
	}
	return nil
}

// RoutingTablePath resolves the routing YAML file's path relative to the
// workspace root.
func (c *Config) RoutingTablePath() string {
	if filepath.IsAbs(c.Workspace.RoutingFile) {
		return c.Workspace.RoutingFile
	}
	return filepath.Join(c.Workspace.Root, c.Workspace.RoutingFile)
}

// AllowListPath resolves the HIL allow-list JSON file's path relative to
// the workspace root.
func (c *Config) AllowListPath() string {
	if filepath.IsAbs(c.Workspace.AllowListFile) {
		return c.Workspace.AllowListFile
	}
	return filepath.Join(c.Workspace.Root, c.Workspace.AllowListFile)
}

// LockFilePath resolves the MCP server lockfile's path relative to the
// workspace root.
func (c *Config) LockFilePath() string {
	if filepath.IsAbs(c.Workspace.LockFile) {
		return c.Workspace.LockFile
	}
	return filepath.Join(c.Workspace.Root, c.Workspace.LockFile)
}

// CapabilityDBPath resolves the sqlite capability store's file path
// relative to the workspace root.
func (c *Config) CapabilityDBPath() string {
	return filepath.Join(c.Workspace.Root, ".pml", "capabilities.db")
}

func envOverride(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// routingDocument mirrors routing.Table's shape for YAML decoding (spec
// §4.6: platform-defined client/server server table, loaded once at
// startup and never mutated at runtime).
type routingDocument struct {
	Default        string            `yaml:"default"`
	Servers        map[string]string `yaml:"servers"`
	ClientPatterns []string          `yaml:"client_patterns"`
	ServerPatterns []string          `yaml:"server_patterns"`
}

// LoadRoutingTable reads the YAML routing table at path. A missing file
// yields routing.NewDefaultTable() (every server routes client), matching
// spec §4.6's "default for unknown -> client".
func LoadRoutingTable(path string) (*routing.Table, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return routing.NewDefaultTable(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading routing table %s: %w", path, err)
	}

	var doc routingDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing routing table %s: %w", path, err)
	}

	table := routing.NewDefaultTable()
	if doc.Default == string(capability.RoutingServer) {
		table.Default = capability.RoutingServer
	}
	table.ClientPatterns = doc.ClientPatterns
	table.ServerPatterns = doc.ServerPatterns
	for server, mode := range doc.Servers {
		if mode == string(capability.RoutingServer) {
			table.Servers[server] = capability.RoutingServer
		} else {
			table.Servers[server] = capability.RoutingClient
		}
	}
	return table, nil
}
