// Package sniff implements §4.3: periodic and reactive refresh of the
// node list via a caller-supplied callback, with single-flight semantics
// so at most one sniff runs at a time.
package sniff

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pquentin/elastic-transport-go/node"
	"github.com/pquentin/elastic-transport-go/nodepool"
)

// Options are passed to a Callback on every invocation (§4.3).
type Options struct {
	IsInitialSniff bool
	SniffTimeout   time.Duration
}

// Callback discovers the current cluster membership. It is expected to
// itself issue one or more requests through the Transport it is handed.
type Callback func(ctx context.Context, opts Options) ([]node.Config, error)

// Config configures a Controller (§4.3's three triggers plus validation
// rules).
type Config struct {
	Callback Callback

	OnStart        bool
	BeforeRequests bool
	OnNodeFailure  bool

	// MinDelayBetweenSniffing gates BeforeRequests: a sniff only runs if
	// this much time has passed since the last successful sniff.
	MinDelayBetweenSniffing time.Duration

	// SniffTimeout is passed to the callback as Options.SniffTimeout.
	// Defaults to one second.
	SniffTimeout time.Duration

	Logger *slog.Logger
}

// Controller is the SniffController (§4.3).
type Controller struct {
	pool     *nodepool.Pool
	callback Callback

	onStart        bool
	beforeRequests bool
	onNodeFailure  bool

	minDelay     time.Duration
	sniffTimeout time.Duration
	logger       *slog.Logger

	busy sync.Mutex // non-reentrant; TryLock implements try_acquire

	lastMu        sync.Mutex
	lastSniffedAt time.Time
}

// New validates and builds a Controller bound to pool (§4.3's
// "Validation at construction").
func New(pool *nodepool.Pool, cfg Config) (*Controller, error) {
	anyTrigger := cfg.OnStart || cfg.BeforeRequests || cfg.OnNodeFailure

	if anyTrigger && cfg.Callback == nil {
		return nil, fmt.Errorf("sniff: a trigger is enabled but no Callback was provided")
	}
	if cfg.Callback != nil && !anyTrigger {
		return nil, fmt.Errorf("sniff: a Callback was provided but no trigger is enabled")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	sniffTimeout := cfg.SniffTimeout
	if sniffTimeout <= 0 {
		sniffTimeout = time.Second
	}

	c := &Controller{
		pool:           pool,
		callback:       cfg.Callback,
		onStart:        cfg.OnStart,
		beforeRequests: cfg.BeforeRequests,
		onNodeFailure:  cfg.OnNodeFailure,
		minDelay:       cfg.MinDelayBetweenSniffing,
		sniffTimeout:   sniffTimeout,
		logger:         logger,
	}

	if anyTrigger {
		warnIfHeterogeneousSeeds(pool.Seeds(), logger)
	}

	return c, nil
}

// warnIfHeterogeneousSeeds implements the heterogeneous-seed warning
// (§4.3): sniffed nodes inherit the first seed's non-endpoint options, so
// seeds that disagree on anything but host/port are a latent surprise.
func warnIfHeterogeneousSeeds(seeds []node.Config, logger *slog.Logger) {
	if len(seeds) < 2 {
		return
	}
	baseline := canonicalizeEndpoint(seeds[0])
	for _, s := range seeds[1:] {
		if canonicalizeEndpoint(s) != baseline {
			logger.Warn("seed nodes disagree on options other than host/port; " +
				"sniffed nodes will inherit the first seed's settings")
			return
		}
	}
}

// canonicalizeEndpoint hashes cfg with its endpoint fields zeroed, so the
// result compares equal across seeds that differ only in host/port.
func canonicalizeEndpoint(cfg node.Config) string {
	cfg.Host = ""
	cfg.Port = 0
	cfg.Name = ""
	return cfg.Hash()
}

// RunOnStart performs the initial synchronous sniff, if enabled (§4.3).
func (c *Controller) RunOnStart(ctx context.Context) error {
	if !c.onStart {
		return nil
	}
	return c.sniff(ctx, true)
}

// RunBeforeRequest performs a sniff if the BeforeRequests trigger is
// enabled and the cadence interval has elapsed since the last successful
// sniff (§4.3).
func (c *Controller) RunBeforeRequest(ctx context.Context) error {
	if !c.beforeRequests {
		return nil
	}
	if !c.due() {
		return nil
	}
	return c.sniff(ctx, false)
}

// RunOnNodeFailure performs a sniff triggered by a node being marked dead
// (§4.3), if enabled.
func (c *Controller) RunOnNodeFailure(ctx context.Context) error {
	if !c.onNodeFailure {
		return nil
	}
	return c.sniff(ctx, false)
}

func (c *Controller) due() bool {
	c.lastMu.Lock()
	defer c.lastMu.Unlock()
	if c.lastSniffedAt.IsZero() {
		return true
	}
	return time.Since(c.lastSniffedAt) >= c.minDelay
}

// sniff is the single-flight core (§4.3, §5): try_acquire returns
// immediately when busy rather than blocking, and _last_sniffed_at is
// advanced only on success.
func (c *Controller) sniff(ctx context.Context, isInitial bool) error {
	if !c.busy.TryLock() {
		c.logger.Debug("sniff already in progress, skipping trigger")
		return nil
	}
	defer c.busy.Unlock()

	sctx, cancel := context.WithTimeout(ctx, c.sniffTimeout)
	defer cancel()

	configs, err := c.callback(sctx, Options{IsInitialSniff: isInitial, SniffTimeout: c.sniffTimeout})
	if err != nil {
		c.logger.Warn("sniff callback failed", "is_initial", isInitial, "error", err)
		return err
	}

	added := 0
	for _, cfg := range configs {
		ok, err := c.pool.AddIfAbsent(cfg)
		if err != nil {
			c.logger.Warn("failed to add sniffed node", "node", cfg.DisplayName(), "error", err)
			continue
		}
		if ok {
			added++
		}
	}

	c.lastMu.Lock()
	c.lastSniffedAt = time.Now()
	c.lastMu.Unlock()

	c.logger.Debug("sniff completed", "is_initial", isInitial, "discovered", len(configs), "added", added)
	return nil
}

// LastSniffedAt returns the time of the last successful sniff, or the
// zero Time if none has succeeded yet.
func (c *Controller) LastSniffedAt() time.Time {
	c.lastMu.Lock()
	defer c.lastMu.Unlock()
	return c.lastSniffedAt
}
