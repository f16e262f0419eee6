// Package transport implements §4.1: the outer orchestrator that
// prepares requests, drives the retry loop against a NodePool, classifies
// outcomes into the transporterr taxonomy, and coordinates with the
// sniffing subsystem.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/pquentin/elastic-transport-go/internal/buildinfo"
	"github.com/pquentin/elastic-transport-go/node"
	"github.com/pquentin/elastic-transport-go/node/httpnode"
	"github.com/pquentin/elastic-transport-go/nodepool"
	"github.com/pquentin/elastic-transport-go/persist"
	"github.com/pquentin/elastic-transport-go/serialize"
	"github.com/pquentin/elastic-transport-go/sniff"
	"github.com/pquentin/elastic-transport-go/transporterr"
)

// notDeadStatuses are HTTP statuses that indicate the request, not the
// node, was at fault (§4.1 step 5, glossary "NOT_DEAD statuses").
var notDeadStatuses = map[int]struct{}{400: {}, 401: {}, 403: {}, 404: {}}

// defaultRetryOnStatus is the default retry_on_status set (§6.1).
func defaultRetryOnStatus() map[int]struct{} {
	return map[int]struct{}{429: {}, 502: {}, 503: {}, 504: {}}
}

// Options configures a Transport (§6.1's "Construction options").
type Options struct {
	Nodes []node.Config

	// Factory builds a Node from a NodeConfig. Defaults to the
	// node/httpnode backend with HTTP/2 and default TLS handling.
	Factory node.Factory

	Selector             nodepool.Selector
	RandomizeNodesInPool bool
	DeadBackoffFactor    float64
	MaxDeadBackoff       time.Duration

	// MaxRetries defaults to 3 when nil. An explicit &0 makes at most one
	// attempt (§8's boundary case), which the zero value of int cannot
	// express unambiguously.
	MaxRetries *int
	// RetryOnStatus defaults to {429, 502, 503, 504} when nil. Pass a
	// non-nil, possibly empty, map to override.
	RetryOnStatus  map[int]struct{}
	RetryOnTimeout bool

	Serializers map[string]serialize.Serializer

	// PersistPath, if set, opens (or creates) a SQLite database at this
	// path to persist dead-node backoff state across restarts (§5).
	PersistPath string

	SniffOnStart            bool
	SniffBeforeRequests     bool
	SniffOnNodeFailure      bool
	SniffCallback           sniff.Callback
	MinDelayBetweenSniffing time.Duration
	SniffTimeout            time.Duration

	Logger *slog.Logger
}

// Transport is the public orchestrator (§4.1, §6.1).
type Transport struct {
	pool        *nodepool.Pool
	sniffer     *sniff.Controller
	serializers *serialize.Registry
	persist     *persist.Store

	maxRetries     int
	retryOnStatus  map[int]struct{}
	retryOnTimeout bool

	clientMeta string
	logger     *slog.Logger
}

// New builds a Transport and performs sniff_on_start if configured
// (§4.3).
func New(opts Options) (*Transport, error) {
	if len(opts.Nodes) == 0 {
		return nil, fmt.Errorf("transport: at least one node config is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	factory := opts.Factory
	if factory == nil {
		factory = func(cfg node.Config) (node.Node, error) {
			return httpnode.New(cfg, httpnode.Options{Logger: logger})
		}
	}

	var persistStore *persist.Store
	if opts.PersistPath != "" {
		var err error
		persistStore, err = persist.Open(opts.PersistPath)
		if err != nil {
			return nil, fmt.Errorf("transport: %w", err)
		}
	}

	pool, err := nodepool.New(opts.Nodes, nodepool.Options{
		Factory:           factory,
		Selector:          opts.Selector,
		RandomizeNodes:    opts.RandomizeNodesInPool,
		DeadBackoffFactor: opts.DeadBackoffFactor,
		MaxDeadBackoff:    opts.MaxDeadBackoff,
		Logger:            logger,
		Persist:           persistStore,
	})
	if err != nil {
		if persistStore != nil {
			persistStore.Close()
		}
		return nil, fmt.Errorf("transport: %w", err)
	}

	sniffer, err := sniff.New(pool, sniff.Config{
		Callback:                opts.SniffCallback,
		OnStart:                 opts.SniffOnStart,
		BeforeRequests:          opts.SniffBeforeRequests,
		OnNodeFailure:           opts.SniffOnNodeFailure,
		MinDelayBetweenSniffing: defaultDuration(opts.MinDelayBetweenSniffing, 10*time.Second),
		SniffTimeout:            defaultDuration(opts.SniffTimeout, time.Second),
		Logger:                  logger,
	})
	if err != nil {
		return nil, fmt.Errorf("transport: %w", err)
	}

	retryOnStatus := opts.RetryOnStatus
	if retryOnStatus == nil {
		retryOnStatus = defaultRetryOnStatus()
	}

	maxRetries := 3
	if opts.MaxRetries != nil {
		maxRetries = *opts.MaxRetries
	}

	t := &Transport{
		pool:           pool,
		sniffer:        sniffer,
		serializers:    serialize.NewRegistry(opts.Serializers),
		persist:        persistStore,
		maxRetries:     maxRetries,
		retryOnStatus:  retryOnStatus,
		retryOnTimeout: opts.RetryOnTimeout,
		clientMeta:     buildinfo.FormatClientMeta(),
		logger:         logger,
	}

	if err := sniffer.RunOnStart(context.Background()); err != nil {
		logger.Warn("sniff_on_start failed", "error", err)
	}

	return t, nil
}

func defaultDuration(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}

// RequestOptions are the optional arguments to PerformRequest beyond
// method/target (§6.1's perform_request signature).
type RequestOptions struct {
	// Headers is merged over the node's own defaults; the node does the
	// actual merge, so this is only the caller's overrides.
	Headers node.Headers
	// Body is either raw bytes (a []byte or string, sent as-is) or a
	// structured value to serialize; when structured, Headers must carry
	// Content-Type.
	Body any
	// RequestTimeout follows node.Unspecified/node.NoTimeout/explicit
	// tri-state (§4.1).
	RequestTimeout *time.Duration
	// IgnoreStatus suppresses ApiError raising for these statuses without
	// suppressing the retry decision (§8's boundary case).
	IgnoreStatus map[int]struct{}
	// ClientMeta, if true, attaches x-elastic-client-meta to the request
	// (§4.1: "when the API calls so require").
	ClientMeta bool
}

// PerformRequest implements §4.1's retry algorithm.
func (t *Transport) PerformRequest(ctx context.Context, method, target string, ropts RequestOptions) (node.ResponseMeta, any, error) {
	body, contentType, err := t.prepareBody(ropts)
	if err != nil {
		return node.ResponseMeta{}, nil, err
	}

	headers := node.MergeHeaders(node.NewHeaders(), ropts.Headers)
	if contentType != "" && headers.Get("Content-Type") == "" {
		headers.Set("Content-Type", contentType)
	}
	if headers.Get("X-Request-Id") == "" {
		headers.Set("X-Request-Id", uuid.NewString())
	}
	if ropts.ClientMeta {
		headers.Set("x-elastic-client-meta", t.clientMeta)
	}

	var swallowed []error

	for attempt := 0; ; attempt++ {
		if err := t.sniffer.RunBeforeRequest(ctx); err != nil {
			t.logger.Debug("sniff_before_requests failed, continuing with current node list", "error", err)
		}

		n, err := t.pool.Get()
		if err != nil {
			return node.ResponseMeta{}, nil, fmt.Errorf("transport: %w", err)
		}

		meta, raw, callErr := n.PerformRequest(ctx, node.Request{
			Method:         method,
			Target:         target,
			Body:           body,
			Headers:        headers,
			RequestTimeout: ropts.RequestTimeout,
			IgnoreStatus:   ropts.IgnoreStatus,
		})

		if ctx.Err() != nil {
			// §5: an externally cancelled request is neither a liveness
			// signal nor retried.
			return node.ResponseMeta{}, nil, ctx.Err()
		}

		result := t.classify(method, meta, raw, callErr, t.retryOnStatus, ropts.IgnoreStatus, t.retryOnTimeout)

		switch result.kind {
		case outcomeSuccess:
			t.pool.MarkLive(n)
			decoded, err := t.decodeBody(method, meta, raw)
			if err != nil {
				return meta, nil, err
			}
			return meta, decoded, nil

		case outcomeRetryConn:
			// Connection-level failures always imply the node is at
			// fault (§4.1 step 5).
			t.pool.MarkDead(n)
			if err := t.sniffer.RunOnNodeFailure(ctx); err != nil {
				t.logger.Debug("sniff_on_node_failure failed", "error", err)
			}

			if attempt == t.maxRetries {
				return node.ResponseMeta{}, nil, attachErrs(result.err, swallowed)
			}
			swallowed = append(swallowed, result.err)
			continue

		case outcomeRetryStatus:
			if _, nodeHealthy := notDeadStatuses[result.status]; !nodeHealthy {
				t.pool.MarkDead(n)
				if err := t.sniffer.RunOnNodeFailure(ctx); err != nil {
					t.logger.Debug("sniff_on_node_failure failed", "error", err)
				}
			}

			if attempt == t.maxRetries {
				return node.ResponseMeta{}, nil, attachErrs(result.err, swallowed)
			}
			swallowed = append(swallowed, result.err)
			continue

		default: // outcomeFatal
			return meta, nil, attachErrs(result.err, swallowed)
		}
	}
}

func attachErrs(err error, prior []error) error {
	if te, ok := err.(*transporterr.Error); ok {
		return te.WithErrs(prior)
	}
	return err
}

// prepareBody normalizes Body into raw bytes (§4.1: zero-length bodies
// become "no body"; structured values require Content-Type and a
// registered serializer).
func (t *Transport) prepareBody(ropts RequestOptions) ([]byte, string, error) {
	if ropts.Body == nil {
		return nil, "", nil
	}

	switch v := ropts.Body.(type) {
	case []byte:
		if len(v) == 0 {
			return nil, "", nil
		}
		return v, "", nil
	case string:
		if len(v) == 0 {
			return nil, "", nil
		}
		return []byte(v), "", nil
	default:
		contentType := ""
		if ropts.Headers != nil {
			contentType = ropts.Headers.Get("Content-Type")
		}
		if contentType == "" {
			return nil, "", transporterr.NewValidationError("structured body requires a Content-Type header")
		}
		ser, err := t.serializers.ForMimeType(contentType)
		if err != nil {
			return nil, "", err
		}
		data, err := ser.Serialize(v)
		if err != nil {
			return nil, "", err
		}
		return data, contentType, nil
	}
}

// decodeBody implements §4.1's HEAD/empty-body rules and dispatches to
// the serializer registry by response mimetype.
func (t *Transport) decodeBody(method string, meta node.ResponseMeta, raw []byte) (any, error) {
	if method == http.MethodHead {
		return nil, nil
	}
	if len(raw) == 0 {
		return nil, nil
	}
	ser, err := t.serializers.ForMimeType(meta.MimeType)
	if err != nil {
		return nil, nil // unregistered mimetype on a response is not an error; return the raw decode as absent
	}
	return ser.Deserialize(raw)
}

// MarkDead exposes NodePool.MarkDead for callers that learn of a bad
// node out of band (§6.1).
func (t *Transport) MarkDead(n node.Node) {
	t.pool.MarkDead(n)
}

// PoolCounts reports the current (alive, dead) node counts, for status
// reporting and ops tooling.
func (t *Transport) PoolCounts() (alive, dead int) {
	return t.pool.Counts()
}

// Pool exposes the underlying NodePool for callers building their own
// status/diagnostic surfaces (e.g. package statuspage).
func (t *Transport) Pool() *nodepool.Pool {
	return t.pool
}

// Sniffer exposes the underlying SniffController for callers building
// their own status/diagnostic surfaces.
func (t *Transport) Sniffer() *sniff.Controller {
	return t.sniffer
}

// Close implements §5's resource lifecycle.
func (t *Transport) Close() error {
	err := t.pool.Close()
	if t.persist != nil {
		if closeErr := t.persist.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}
	return err
}
