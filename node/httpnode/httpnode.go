// Package httpnode is the default Node implementation (§6.2), built the
// way internal/httpkit builds clients for the rest of the original agent
// codebase: a shared *http.Transport with explicit dial/TLS/idle
// timeouts, optionally upgraded to HTTP/2, plus gzip body compression and
// the HEAD-via-GET workaround described in §6.2.
package httpnode

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"golang.org/x/net/http2"

	"github.com/pquentin/elastic-transport-go/internal/buildinfo"
	"github.com/pquentin/elastic-transport-go/internal/httpkit"
	"github.com/pquentin/elastic-transport-go/node"
	"github.com/pquentin/elastic-transport-go/transporterr"
)

// Options configures the default backend beyond what NodeConfig already
// carries.
type Options struct {
	// WorkaroundHeadAsGet issues a GET instead of HEAD and discards the
	// body, for parity with backends whose connection pooling mishandles
	// HEAD (§6.2). net/http itself has no such bug, so this defaults to
	// false; it exists for testing against servers that reject HEAD.
	WorkaroundHeadAsGet bool
	Logger              *slog.Logger
	// MaxErrorBodyBytes is not read by New or PerformRequest: non-HEAD
	// response bodies are always read up to 64 MiB, whatever its value.
	MaxErrorBodyBytes int64
}

// Node is the default node/httpnode backend.
type Node struct {
	cfg     node.Config
	baseURL string
	headers node.Headers

	client         *http.Client
	transport      *http.Transport
	defaultTimeout time.Duration // 0 means no timeout
	workaroundHead bool
	logger         *slog.Logger
}

// New builds a Node for cfg (§6.2, §4.2.1's factory contract).
func New(cfg node.Config, opts Options) (node.Node, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	transport := httpkit.NewTransport()
	transport.MaxIdleConnsPerHost = maxOf(cfg.ConnectionsPerNode, httpkit.DefaultMaxIdleConnsPerHost)

	if cfg.Scheme == node.SchemeHTTPS {
		tlsConfig, err := buildTLSConfig(cfg.TLS, cfg.Host)
		if err != nil {
			return nil, fmt.Errorf("httpnode: building TLS config for %s: %w", cfg.DisplayName(), err)
		}
		transport.TLSClientConfig = tlsConfig
		if err := http2.ConfigureTransport(transport); err != nil {
			logger.Warn("failed to configure HTTP/2, continuing with HTTP/1.1", "node", cfg.DisplayName(), "error", err)
		}
	}

	client := httpkit.NewClient(
		httpkit.WithTransport(transport),
		httpkit.WithTimeout(0), // per-call deadlines are applied via context, not http.Client.Timeout
		httpkit.WithUserAgent(buildinfo.UserAgent()),
		httpkit.WithLogger(logger),
	)

	var defaultTimeout time.Duration
	if cfg.HasRequestTimeoutSet {
		defaultTimeout = time.Duration(cfg.RequestTimeoutSec * float64(time.Second))
	}

	return &Node{
		cfg:            cfg,
		baseURL:        cfg.BaseURL(),
		headers:        headersFromMap(cfg.Headers),
		client:         client,
		transport:      transport,
		defaultTimeout: defaultTimeout,
		workaroundHead: opts.WorkaroundHeadAsGet,
		logger:         logger.With("node", cfg.DisplayName()),
	}, nil
}

func headersFromMap(m map[string]string) node.Headers {
	h := node.NewHeaders()
	for k, v := range m {
		h.Set(k, v)
	}
	return h
}

func maxOf(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func (n *Node) Config() node.Config { return n.cfg }
func (n *Node) BaseURL() string     { return n.baseURL }

// Close releases pooled connections (§5's Transport.close).
func (n *Node) Close() error {
	n.transport.CloseIdleConnections()
	return nil
}

// PerformRequest implements the Node contract (§6.2).
func (n *Node) PerformRequest(ctx context.Context, req node.Request) (node.ResponseMeta, []byte, error) {
	timeout := n.resolveTimeout(req.RequestTimeout)
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	method := req.Method
	issueAsGet := n.workaroundHead && method == http.MethodHead

	httpMethod := method
	if issueAsGet {
		httpMethod = http.MethodGet
	}

	var bodyReader io.Reader
	compressed := false
	if len(req.Body) > 0 {
		if n.cfg.HTTPCompress {
			var buf bytes.Buffer
			gw := gzip.NewWriter(&buf)
			if _, err := gw.Write(req.Body); err != nil {
				return node.ResponseMeta{}, nil, transporterr.NewSerializationError("gzip body", err)
			}
			if err := gw.Close(); err != nil {
				return node.ResponseMeta{}, nil, transporterr.NewSerializationError("gzip body", err)
			}
			bodyReader = &buf
			compressed = true
		} else {
			bodyReader = bytes.NewReader(req.Body)
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, httpMethod, n.baseURL+req.Target, bodyReader)
	if err != nil {
		return node.ResponseMeta{}, nil, transporterr.NewValidationError(fmt.Sprintf("building request: %v", err))
	}

	merged := node.MergeHeaders(n.headers, req.Headers)
	for k, vs := range merged {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if compressed {
		httpReq.Header.Set("Content-Encoding", "gzip")
	}
	if n.cfg.OpaqueID != "" && httpReq.Header.Get("X-Opaque-Id") == "" {
		httpReq.Header.Set("X-Opaque-Id", n.cfg.OpaqueID)
	}

	start := time.Now()
	resp, err := n.client.Do(httpReq)
	duration := time.Since(start)
	if err != nil {
		return node.ResponseMeta{}, nil, n.classifyError(ctx, err)
	}
	defer resp.Body.Close()

	var raw []byte
	if method == http.MethodHead {
		// §6.2: "Returns raw_data = b"" for HEAD" — discard whatever the
		// workaround GET (or a misbehaving server) sent back, but still
		// return the HEAD-appropriate status/headers from resp.
		httpkit.DrainAndClose(resp.Body, 64*1024)
	} else {
		limit := n.maxBodyOrDefault()
		raw, err = io.ReadAll(io.LimitReader(resp.Body, limit))
		if err != nil {
			return node.ResponseMeta{}, nil, transporterr.NewConnectionError(n.cfg.DisplayName(), fmt.Errorf("reading response body: %w", err))
		}
	}

	meta := node.ResponseMeta{
		Node:        n.cfg,
		Duration:    duration,
		HTTPVersion: resp.Proto,
		Status:      resp.StatusCode,
		Headers:     node.Headers(resp.Header),
		MimeType:    parseMimeType(resp.Header.Get("Content-Type")),
	}
	return meta, raw, nil
}

func (n *Node) maxBodyOrDefault() int64 {
	return 64 << 20 // 64 MiB; responses are materialized whole per §1's non-goals (no streaming)
}

func (n *Node) resolveTimeout(override *time.Duration) time.Duration {
	if override == nil {
		return n.defaultTimeout
	}
	return *override
}

func parseMimeType(contentType string) string {
	if contentType == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0])
	}
	return mt
}

// classifyError maps a low-level failure to the transporterr taxonomy
// (§6.2's backend guarantee).
func (n *Node) classifyError(ctx context.Context, err error) error {
	name := n.cfg.DisplayName()

	if ctx.Err() != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return transporterr.NewConnectionTimeout(name, err)
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if urlErr.Timeout() {
			return transporterr.NewConnectionTimeout(name, err)
		}
		var tlsErr *tls.CertificateVerificationError
		var x509Err x509.UnknownAuthorityError
		var hostnameErr x509.HostnameError
		if errors.As(urlErr.Err, &tlsErr) || errors.As(urlErr.Err, &x509Err) || errors.As(urlErr.Err, &hostnameErr) {
			return transporterr.NewTLSError(name, err)
		}
		var netErr net.Error
		if errors.As(urlErr.Err, &netErr) && netErr.Timeout() {
			return transporterr.NewConnectionTimeout(name, err)
		}
	}

	return transporterr.NewConnectionError(name, err)
}

// buildTLSConfig translates node.TLSOptions into a *tls.Config (§3).
func buildTLSConfig(opts node.TLSOptions, host string) (*tls.Config, error) {
	cfg := &tls.Config{
		InsecureSkipVerify: !opts.VerifyCerts, //nolint:gosec // explicit opt-in via NodeConfig.TLS.VerifyCerts
	}

	if opts.AssertHostname != "" {
		cfg.ServerName = opts.AssertHostname
	} else {
		cfg.ServerName = host
	}

	switch opts.Version {
	case "1.2":
		cfg.MinVersion = tls.VersionTLS12
	case "1.3":
		cfg.MinVersion = tls.VersionTLS13
	}

	if opts.CACerts != "" {
		pem, err := os.ReadFile(opts.CACerts)
		if err != nil {
			return nil, fmt.Errorf("reading ca_certs: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("ca_certs %s contained no usable certificates", opts.CACerts)
		}
		cfg.RootCAs = pool
	}

	if opts.ClientCert != "" && opts.ClientKey != "" {
		cert, err := tls.LoadX509KeyPair(opts.ClientCert, opts.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("loading client cert/key: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	if opts.AssertFingerprint != "" {
		want := strings.ToLower(strings.ReplaceAll(opts.AssertFingerprint, ":", ""))
		cfg.InsecureSkipVerify = true
		cfg.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			for _, raw := range rawCerts {
				sum := sha256.Sum256(raw)
				if fmt.Sprintf("%x", sum) == want {
					return nil
				}
			}
			return fmt.Errorf("httpnode: no peer certificate matched ssl_assert_fingerprint")
		}
	}

	return cfg, nil
}
