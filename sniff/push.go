package sniff

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pquentin/elastic-transport-go/internal/connwatch"
)

// PushMessage is what the cluster sends down the push feed whenever
// membership changes. It carries no NodeConfigs itself — it's just a
// wakeup — so the Controller reacts by running its ordinary Callback,
// the same one sniff_before_requests and sniff_on_node_failure use.
type PushMessage struct {
	Event string `json:"event"`
}

// PushTrigger maintains a long-lived websocket connection to the
// cluster's membership-change feed and runs a sniff every time a message
// arrives. Unlike the other three triggers, this one is driven by the
// server rather than polled, so a dropped connection is supervised by
// internal/connwatch's reconnect-with-backoff loop rather than retried
// inline.
type PushTrigger struct {
	url        string
	controller *Controller
	logger     *slog.Logger
	dialer     *websocket.Dialer

	mu     sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc
}

// NewPushTrigger builds a push trigger against url, reacting by invoking
// controller's sniff path as though sniff_on_node_failure had fired.
func NewPushTrigger(url string, controller *Controller, logger *slog.Logger) *PushTrigger {
	if logger == nil {
		logger = slog.Default()
	}
	return &PushTrigger{
		url:        url,
		controller: controller,
		logger:     logger,
		dialer:     websocket.DefaultDialer,
	}
}

// Start begins watching the feed in the background via a connwatch
// Manager, reconnecting with exponential backoff on failure. Stop must be
// called to release resources.
func (p *PushTrigger) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()

	// connectAndPump holds the connection for as long as it stays up, so
	// the per-probe timeout must not cut it short.
	backoff := connwatch.DefaultBackoffConfig()
	backoff.ProbeTimeout = 100 * 365 * 24 * time.Hour

	manager := connwatch.NewManager(p.logger)
	manager.Watch(runCtx, connwatch.WatcherConfig{
		Name:    "sniff-push",
		Probe:   p.connectAndPump,
		Backoff: backoff,
		Logger:  p.logger,
	})
}

// Stop tears down the watcher and any open connection.
func (p *PushTrigger) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	conn := p.conn
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
}

// connectAndPump is the connwatch.ProbeFunc: it dials the feed and reads
// messages until the connection drops or ctx is cancelled, treating
// every message as a trigger to sniff. Returning nil would mean "healthy
// forever", so it blocks for the life of the connection and only returns
// once the connection is gone — connwatch then re-probes (reconnects)
// according to its backoff schedule.
func (p *PushTrigger) connectAndPump(ctx context.Context) error {
	conn, _, err := p.dialer.DialContext(ctx, p.url, nil)
	if err != nil {
		return fmt.Errorf("sniff: dialing push feed: %w", err)
	}

	p.mu.Lock()
	p.conn = conn
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.conn = nil
		p.mu.Unlock()
		_ = conn.Close()
	}()

	go func() {
		<-ctx.Done()
		_ = conn.SetReadDeadline(time.Now())
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("sniff: push feed read: %w", err)
		}

		var msg PushMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			p.logger.Warn("sniff: discarding malformed push message", "error", err)
			continue
		}

		p.logger.Debug("sniff: push trigger fired", "event", msg.Event)
		if err := p.controller.RunOnNodeFailure(ctx); err != nil {
			p.logger.Warn("sniff: push-triggered sniff failed", "error", err)
		}
	}
}
