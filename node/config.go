// Package node defines the node-level data model shared by the transport,
// node pool, and sniffing packages: NodeConfig (the immutable endpoint
// descriptor), the Node interface a backend must satisfy, and the
// response metadata every successful call produces.
package node

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// Scheme is the URI scheme a node is reached over.
type Scheme string

const (
	SchemeHTTP  Scheme = "http"
	SchemeHTTPS Scheme = "https"
)

// TLSOptions groups the certificate-verification knobs from §3. Two
// NodeConfigs that otherwise name the same endpoint but differ in any of
// these fields are distinct nodes (separate connection pools, separate
// liveness state).
type TLSOptions struct {
	VerifyCerts         bool
	CACerts             string
	ClientCert          string
	ClientKey           string
	AssertFingerprint   string
	AssertHostname      string
	ShowWarnings        bool
	// Version pins the minimum accepted TLS version, e.g. "1.2", "1.3".
	// Empty means "use the backend's default".
	Version string
}

// Config is the immutable descriptor a Node is built from (§3's
// NodeConfig). Two Configs naming the same endpoint with the same options
// compare equal under Hash, regardless of field ordering in headers.
type Config struct {
	Scheme     Scheme
	Host       string
	Port       int
	PathPrefix string

	// Name is an optional human-readable label for logs. It does not
	// participate in Hash: renaming a node for log readability must not
	// change its identity.
	Name string

	Headers             map[string]string
	ConnectionsPerNode   int
	RequestTimeoutSec    float64 // 0 means "unset"; see HasRequestTimeoutSet
	HasRequestTimeoutSet bool

	TLS TLSOptions

	HTTPCompress bool
	OpaqueID     string

	// Extras is a test-only escape hatch for backend-specific options that
	// the core doesn't interpret but that still participate in identity.
	Extras map[string]string
}

// BaseURL returns scheme://host:port<path_prefix>, the prefix every
// request target is appended to.
func (c Config) BaseURL() string {
	var b strings.Builder
	b.WriteString(string(c.Scheme))
	b.WriteString("://")
	b.WriteString(c.Host)
	b.WriteString(":")
	fmt.Fprintf(&b, "%d", c.Port)
	b.WriteString(c.PathPrefix)
	return b.String()
}

// Hash returns a stable identity hash over every field except Name (§3's
// invariant):
// two Configs naming the same endpoint with different TLS options, for
// instance, hash differently and are therefore distinct nodes. Map-valued
// fields are sorted by key before hashing so field insertion order never
// affects the result.
func (c Config) Hash() string {
	h := sha256.New()
	fmt.Fprintf(h, "scheme=%s\nhost=%s\nport=%d\npath_prefix=%s\n",
		c.Scheme, c.Host, c.Port, c.PathPrefix)
	writeSortedMap(h, "headers", c.Headers)
	fmt.Fprintf(h, "connections_per_node=%d\nrequest_timeout_sec=%v\nhas_request_timeout=%v\n",
		c.ConnectionsPerNode, c.RequestTimeoutSec, c.HasRequestTimeoutSet)
	fmt.Fprintf(h, "tls=%+v\n", c.TLS)
	fmt.Fprintf(h, "http_compress=%v\nopaque_id=%s\n", c.HTTPCompress, c.OpaqueID)
	writeSortedMap(h, "extras", c.Extras)
	return hex.EncodeToString(h.Sum(nil))
}

// Equal reports whether c and other share the same identity (§3).
func (c Config) Equal(other Config) bool {
	return c.Hash() == other.Hash()
}

// EndpointEqual reports whether c and other name the same host:port,
// ignoring every other option. The heterogeneous-seed warning in package
// sniff does not use it: that check compares hashes taken with host, port
// and Name cleared.
func (c Config) EndpointEqual(other Config) bool {
	return c.Host == other.Host && c.Port == other.Port
}

func writeSortedMap(h interface{ Write([]byte) (int, error) }, label string, m map[string]string) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Fprintf(h, "%s={", label)
	for _, k := range keys {
		fmt.Fprintf(h, "%s=%s;", k, m[k])
	}
	fmt.Fprint(h, "}\n")
}

// DisplayName returns Name if set, otherwise "host:port", for logging.
func (c Config) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
