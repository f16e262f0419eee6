// Package buildinfo holds version and build metadata stamped at compile
// time via ldflags, plus the fixed identifiers used to build the
// x-elastic-client-meta header.
package buildinfo

import (
	"fmt"
	"runtime"
	"strings"
	"time"
)

// These variables are set at build time via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	GitBranch = "unknown"
	BuildTime = "unknown"
)

// NodeBackendVersion identifies the default HTTP node backend (node/httpnode)
// for the client-meta header. Bumped independently of Version when the
// backend's wire behavior changes.
const NodeBackendVersion = "1"

// startTime records when the process started.
var startTime = time.Now()

// BuildInfo returns compile-time and platform metadata.
func BuildInfo() map[string]string {
	return map[string]string{
		"version":    Version,
		"git_commit": GitCommit,
		"git_branch": GitBranch,
		"build_time": BuildTime,
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
	}
}

// RuntimeInfo returns build metadata plus runtime state (uptime, etc.).
// Used by the status page.
func RuntimeInfo() map[string]string {
	info := BuildInfo()
	info["uptime"] = Uptime().String()
	return info
}

// Uptime returns the duration since process start.
func Uptime() time.Duration {
	return time.Since(startTime).Truncate(time.Second)
}

// String returns a one-line summary for logging.
func String() string {
	return fmt.Sprintf("elastic-transport-go %s (%s@%s) built %s", Version, GitCommit, GitBranch, BuildTime)
}

// UserAgent returns the HTTP User-Agent string the default node backend
// sends on every request.
func UserAgent() string {
	return fmt.Sprintf("elastic-transport-go/%s (Go/%s; %s; %s)", Version, goVersionShort(), runtime.GOOS, runtime.GOARCH)
}

// goVersionShort strips the "go" prefix from runtime.Version(), e.g.
// "go1.24.4" -> "1.24.4", for compact client-meta values.
func goVersionShort() string {
	return strings.TrimPrefix(runtime.Version(), "go")
}

// ClientMetaPair is one (key, value) entry in the x-elastic-client-meta
// header, e.g. {"t", "8.0.0"}.
type ClientMetaPair struct {
	Key   string
	Value string
}

// ClientMeta returns the static triple used to populate
// x-elastic-client-meta (§4.1): the language runtime, the transport
// version, and the node backend tag+version, in that fixed order. Each
// call builds a new slice; transport.New formats it once (via
// FormatClientMeta) and reuses the string for every request.
func ClientMeta() []ClientMetaPair {
	return []ClientMetaPair{
		{"go", goVersionShort()},
		{"t", Version},
		{"hn", NodeBackendVersion},
	}
}

// FormatClientMeta renders ClientMeta() as the comma-separated "k=v,k=v"
// value expected on the wire.
func FormatClientMeta() string {
	pairs := ClientMeta()
	parts := make([]string, len(pairs))
	for i, p := range pairs {
		parts[i] = p.Key + "=" + p.Value
	}
	return strings.Join(parts, ",")
}
