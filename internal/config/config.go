// Package config handles loading and validating the transport's YAML
// configuration: the node list and the tunables for retries, the dead
// node pool, sniffing, persistence, and the debug status page.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/pquentin/elastic-transport-go/node"
)

// searchPathsFunc is a package-level indirection so tests can override
// the search order without touching the real filesystem.
var searchPathsFunc = DefaultSearchPaths

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./transport.yaml, ~/.config/elastic-transport-go/transport.yaml,
// /config/transport.yaml, /etc/elastic-transport-go/transport.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"transport.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "elastic-transport-go", "transport.yaml"))
	}

	paths = append(paths, "/config/transport.yaml") // Container convention
	paths = append(paths, "/etc/elastic-transport-go/transport.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches searchPathsFunc() and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	paths := searchPathsFunc()
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", paths)
}

// Config holds the transport's full configuration (§6.1's "Construction
// options").
type Config struct {
	Nodes []NodeConfig `yaml:"nodes"`

	// MaxRetries is a pointer so an explicit 0 ("at most one attempt")
	// can be distinguished from "unset, use the default of 3".
	MaxRetries           *int    `yaml:"max_retries"`
	RetryOnStatus        []int   `yaml:"retry_on_status"`
	RetryOnTimeout       bool    `yaml:"retry_on_timeout"`
	RandomizeNodesInPool bool    `yaml:"randomize_nodes_in_pool"`
	DeadBackoffFactor    float64 `yaml:"dead_backoff_factor"`
	MaxDeadBackoffSec    float64 `yaml:"max_dead_backoff_sec"`

	// NodeSelector names an entry in nodepool.SelectorFactories
	// ("round_robin", "random").
	NodeSelector string `yaml:"node_selector"`

	Sniffing    SniffingConfig    `yaml:"sniffing"`
	Persistence PersistenceConfig `yaml:"persistence"`
	StatusPage  StatusPageConfig  `yaml:"status_page"`

	LogLevel string `yaml:"log_level"`
}

// NodeConfig is the YAML shape of node.Config (§3).
type NodeConfig struct {
	Scheme             string            `yaml:"scheme"`
	Host               string            `yaml:"host"`
	Port               int               `yaml:"port"`
	PathPrefix         string            `yaml:"path_prefix"`
	Name               string            `yaml:"name"`
	Headers            map[string]string `yaml:"headers"`
	ConnectionsPerNode int               `yaml:"connections_per_node"`
	RequestTimeoutSec  float64           `yaml:"request_timeout_sec"`
	TLS                TLSConfig         `yaml:"tls"`
	HTTPCompress       bool              `yaml:"http_compress"`
	OpaqueID           string            `yaml:"opaque_id"`
}

// TLSConfig is the YAML shape of node.TLSOptions.
type TLSConfig struct {
	VerifyCerts       bool   `yaml:"verify_certs"`
	CACerts           string `yaml:"ca_certs"`
	ClientCert        string `yaml:"client_cert"`
	ClientKey         string `yaml:"client_key"`
	AssertFingerprint string `yaml:"assert_fingerprint"`
	AssertHostname    string `yaml:"assert_hostname"`
	ShowWarnings      bool   `yaml:"show_warnings"`
	Version           string `yaml:"version"`
}

// SniffingConfig configures the SniffController (§4.3).
type SniffingConfig struct {
	OnStart                    bool    `yaml:"on_start"`
	BeforeRequests             bool    `yaml:"before_requests"`
	OnNodeFailure              bool    `yaml:"on_node_failure"`
	MinDelayBetweenSniffingSec float64 `yaml:"min_delay_between_sniffing_sec"`
	SniffTimeoutSec            float64 `yaml:"sniff_timeout_sec"`
	// PushURL is the feed URL for package sniff's websocket PushTrigger.
	// Validate counts a non-empty PushURL as an enabled sniff trigger;
	// nothing in this module starts a PushTrigger from this field.
	PushURL string `yaml:"push_url"`
}

// PersistenceConfig configures optional dead-node backoff persistence
// (package persist) across restarts.
type PersistenceConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// StatusPageConfig configures the optional debug status page (package
// statuspage). Never auto-mounted; a caller must explicitly wire it.
type StatusPageConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults for any unset fields, and validates
// the result. After Load returns successfully, all fields are usable
// without additional nil/empty checks.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills in zero-value fields with sensible defaults (§6.1).
// Called automatically by Load. After this, callers can read any field
// without checking for empty strings or zero values.
func (c *Config) applyDefaults() {
	if c.MaxRetries == nil {
		three := 3
		c.MaxRetries = &three
	}
	if len(c.RetryOnStatus) == 0 {
		c.RetryOnStatus = []int{429, 502, 503, 504}
	}
	if c.DeadBackoffFactor == 0 {
		c.DeadBackoffFactor = 1.0
	}
	if c.MaxDeadBackoffSec == 0 {
		c.MaxDeadBackoffSec = 30.0
	}
	if c.NodeSelector == "" {
		c.NodeSelector = "round_robin"
	}
	if c.Sniffing.MinDelayBetweenSniffingSec == 0 {
		c.Sniffing.MinDelayBetweenSniffingSec = 10.0
	}
	if c.Sniffing.SniffTimeoutSec == 0 {
		c.Sniffing.SniffTimeoutSec = 1.0
	}
	for i := range c.Nodes {
		if c.Nodes[i].Scheme == "" {
			c.Nodes[i].Scheme = "http"
		}
		if c.Nodes[i].ConnectionsPerNode == 0 {
			c.Nodes[i].ConnectionsPerNode = 1
		}
	}
}

// Validate checks that the configuration is internally consistent.
// It runs after applyDefaults, so it can assume defaults are populated.
// Returns an error describing the first problem found, or nil.
func (c *Config) Validate() error {
	if len(c.Nodes) == 0 {
		return fmt.Errorf("nodes: at least one node is required")
	}
	for i, n := range c.Nodes {
		if n.Scheme != "http" && n.Scheme != "https" {
			return fmt.Errorf("nodes[%d].scheme %q must be http or https", i, n.Scheme)
		}
		if n.Host == "" {
			return fmt.Errorf("nodes[%d].host must not be empty", i)
		}
		if n.Port < 1 || n.Port > 65535 {
			return fmt.Errorf("nodes[%d].port %d out of range (1-65535)", i, n.Port)
		}
	}
	if *c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be >= 0, got %d", *c.MaxRetries)
	}
	anySniffTrigger := c.Sniffing.OnStart || c.Sniffing.BeforeRequests || c.Sniffing.OnNodeFailure || c.Sniffing.PushURL != ""
	if anySniffTrigger && c.Sniffing.MinDelayBetweenSniffingSec < 0 {
		return fmt.Errorf("sniffing.min_delay_between_sniffing_sec must be >= 0")
	}
	if c.Persistence.Enabled && c.Persistence.Path == "" {
		return fmt.Errorf("persistence.path is required when persistence.enabled is true")
	}
	if c.StatusPage.Enabled && (c.StatusPage.Port < 1 || c.StatusPage.Port > 65535) {
		return fmt.Errorf("status_page.port %d out of range (1-65535)", c.StatusPage.Port)
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	return nil
}

// NodeConfigs converts the YAML node list to node.Config values (§3).
func (c *Config) NodeConfigs() []node.Config {
	out := make([]node.Config, len(c.Nodes))
	for i, n := range c.Nodes {
		out[i] = node.Config{
			Scheme:     node.Scheme(n.Scheme),
			Host:       n.Host,
			Port:       n.Port,
			PathPrefix: n.PathPrefix,
			Name:       n.Name,
			Headers:    n.Headers,

			ConnectionsPerNode:   n.ConnectionsPerNode,
			RequestTimeoutSec:    n.RequestTimeoutSec,
			HasRequestTimeoutSet: n.RequestTimeoutSec > 0,

			TLS: node.TLSOptions{
				VerifyCerts:       n.TLS.VerifyCerts,
				CACerts:           n.TLS.CACerts,
				ClientCert:        n.TLS.ClientCert,
				ClientKey:         n.TLS.ClientKey,
				AssertFingerprint: n.TLS.AssertFingerprint,
				AssertHostname:    n.TLS.AssertHostname,
				ShowWarnings:      n.TLS.ShowWarnings,
				Version:           n.TLS.Version,
			},

			HTTPCompress: n.HTTPCompress,
			OpaqueID:     n.OpaqueID,
		}
	}
	return out
}

// RetryOnStatusSet returns RetryOnStatus as a lookup set, for direct use
// as transport.Options.RetryOnStatus.
func (c *Config) RetryOnStatusSet() map[int]struct{} {
	out := make(map[int]struct{}, len(c.RetryOnStatus))
	for _, s := range c.RetryOnStatus {
		out[s] = struct{}{}
	}
	return out
}

// Default returns a default configuration pointed at a single local node
// on the conventional 9200 port, suitable for local development.
func Default() *Config {
	cfg := &Config{
		Nodes: []NodeConfig{
			{Scheme: "http", Host: "localhost", Port: 9200},
		},
	}
	cfg.applyDefaults()
	return cfg
}
