// Package nodepool implements §4.2: the pool of nodes with a pluggable
// selection policy, liveness tracking, dead-node backoff queue, and
// concurrency-safe resurrection.
package nodepool

import (
	"container/heap"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/pquentin/elastic-transport-go/node"
	"github.com/pquentin/elastic-transport-go/persist"
)

// Options configures a Pool (§4.2.1, §6.1).
type Options struct {
	Factory           node.Factory
	Selector          Selector
	RandomizeNodes    bool
	DeadBackoffFactor float64       // default 1.0
	MaxDeadBackoff    time.Duration // default 30s
	Logger            *slog.Logger

	// Persist, if set, is written through on every MarkDead/MarkLive and
	// used to prime the dead queue in New so backoff state survives a
	// restart (records are read only in New, so only a record whose node
	// is among the seeds takes effect; a node added later via AddIfAbsent
	// starts alive, and an orphaned record is silently skipped).
	Persist *persist.Store
}

// Pool owns a set of Nodes keyed by Config.Hash() and partitions them
// into alive and dead (§4.2).
type Pool struct {
	mu sync.Mutex

	factory  node.Factory
	selector Selector
	logger   *slog.Logger

	deadBackoffFactor float64
	maxDeadBackoff    time.Duration
	persist           *persist.Store

	all   map[string]node.Node // authoritative membership, §4.2.5
	order []string             // insertion order, for All()

	alive []node.Node

	deadQueue    deadHeap
	deadIndex    map[string]*deadEntry
	deadFailures map[string]int // monotonic while dead; reset on mark_live

	seeds []node.Config // preserved verbatim to anchor sniffing, §3
}

// New constructs a Pool from the given seed configs (§4.2.1): one Node is
// built per seed immediately and inserted into both all_nodes and
// alive_nodes. If RandomizeNodes is set, the initial alive order is
// shuffled.
func New(seeds []node.Config, opts Options) (*Pool, error) {
	if opts.Factory == nil {
		return nil, fmt.Errorf("nodepool: Factory is required")
	}
	if opts.Selector == nil {
		opts.Selector = NewRoundRobinSelector()
	}
	if opts.DeadBackoffFactor <= 0 {
		opts.DeadBackoffFactor = 1.0
	}
	if opts.MaxDeadBackoff <= 0 {
		opts.MaxDeadBackoff = 30 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	p := &Pool{
		factory:           opts.Factory,
		selector:          opts.Selector,
		logger:            logger,
		deadBackoffFactor: opts.DeadBackoffFactor,
		maxDeadBackoff:    opts.MaxDeadBackoff,
		persist:           opts.Persist,
		all:               make(map[string]node.Node),
		deadIndex:         make(map[string]*deadEntry),
		deadFailures:      make(map[string]int),
		seeds:             append([]node.Config(nil), seeds...),
	}

	for _, cfg := range seeds {
		n, err := opts.Factory(cfg)
		if err != nil {
			return nil, fmt.Errorf("nodepool: building node for %s: %w", cfg.DisplayName(), err)
		}
		hash := cfg.Hash()
		p.all[hash] = n
		p.order = append(p.order, hash)
		p.alive = append(p.alive, n)
	}

	if opts.RandomizeNodes {
		rand.Shuffle(len(p.alive), func(i, j int) {
			p.alive[i], p.alive[j] = p.alive[j], p.alive[i]
		})
	}

	if opts.Persist != nil {
		if err := p.restoreFromPersistLocked(); err != nil {
			logger.Warn("failed to restore dead-node state from persistence", "error", err)
		}
	}

	return p, nil
}

// restoreFromPersistLocked reads every stored dead-node record and, for
// each one naming a node this pool actually owns, moves that node from
// alive into the dead queue with its saved due time and failure count.
// Records naming an unknown hash (a seed that's since been removed from
// config) are silently skipped. Only called from New, before the pool is
// shared, so no locking is needed despite the name.
func (p *Pool) restoreFromPersistLocked() error {
	records, err := p.persist.LoadAll()
	if err != nil {
		return err
	}

	for _, rec := range records {
		n, ok := p.all[rec.NodeHash]
		if !ok {
			continue
		}
		p.removeFromAliveLocked(rec.NodeHash)
		p.deadFailures[rec.NodeHash] = rec.FailureCount
		e := &deadEntry{dueTime: rec.DueAt, failures: rec.FailureCount, hash: rec.NodeHash, node: n}
		heap.Push(&p.deadQueue, e)
		p.deadIndex[rec.NodeHash] = e
	}
	return nil
}

// ErrNoNodes is returned by Get when the pool owns no nodes at all.
var ErrNoNodes = fmt.Errorf("nodepool: no nodes available")

// Get returns the next Node to try (§4.2.2). It first resurrects any dead
// node whose due_time has elapsed into the alive set, then delegates to
// the selector. If no alive nodes remain even after that, it resurrects
// the soonest-due dead node without re-inserting it into the alive set
// ("better to try than to fail"), preserving its failure count.
func (p *Pool) Get() (node.Node, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.promoteReadyLocked(time.Now())

	if len(p.alive) > 0 {
		idx := p.selector.Select(p.alive)
		return p.alive[idx], nil
	}

	if e := p.deadQueue.peek(); e != nil {
		heap.Remove(&p.deadQueue, e.index)
		delete(p.deadIndex, e.hash)
		p.logger.Debug("resurrecting dead node ahead of schedule, no alive nodes remain",
			"node", e.node.Config().DisplayName(),
			"due_in", humanize.RelTime(time.Now(), e.dueTime, "", ""),
			"failures", e.failures,
		)
		return e.node, nil
	}

	return nil, ErrNoNodes
}

// promoteReadyLocked moves every dead entry whose due_time <= now into
// the alive set, preserving failure counts. Caller must hold p.mu.
func (p *Pool) promoteReadyLocked(now time.Time) {
	for {
		e := p.deadQueue.peek()
		if e == nil || e.dueTime.After(now) {
			return
		}
		heap.Pop(&p.deadQueue)
		delete(p.deadIndex, e.hash)
		p.alive = append(p.alive, e.node)
	}
}

// MarkDead transitions node into the dead set (§4.2.3). Idempotent for an
// already-dead node: its failure count increments and due_time is
// recomputed.
func (p *Pool) MarkDead(n node.Node) {
	p.mu.Lock()
	defer p.mu.Unlock()

	hash := n.Config().Hash()

	p.removeFromAliveLocked(hash)

	if existing, ok := p.deadIndex[hash]; ok {
		p.deadQueue.remove(existing)
		delete(p.deadIndex, hash)
	}

	p.deadFailures[hash]++
	failures := p.deadFailures[hash]

	timeout := p.backoffFor(failures)
	due := time.Now().Add(timeout)

	e := &deadEntry{dueTime: due, failures: failures, hash: hash, node: n}
	heap.Push(&p.deadQueue, e)
	p.deadIndex[hash] = e

	p.logger.Debug("node marked dead",
		"node", n.Config().DisplayName(),
		"failures", failures,
		"backoff", timeout.String(),
	)

	if p.persist != nil {
		if err := p.persist.MarkDead(n.Config(), due, failures); err != nil {
			p.logger.Warn("failed to persist dead-node state", "node", n.Config().DisplayName(), "error", err)
		}
	}
}

// backoffFor computes min(max_dead_backoff, 60*factor*2^(failures-1))
// (§4.2.3).
func (p *Pool) backoffFor(failures int) time.Duration {
	seconds := 60 * p.deadBackoffFactor * math.Pow(2, float64(failures-1))
	d := time.Duration(seconds * float64(time.Second))
	if d > p.maxDeadBackoff {
		return p.maxDeadBackoff
	}
	return d
}

// MarkLive resets node's failure count and ensures it's in the alive set
// (§4.2.4). No-op if the node was never failing.
func (p *Pool) MarkLive(n node.Node) {
	p.mu.Lock()
	defer p.mu.Unlock()

	hash := n.Config().Hash()

	if p.deadFailures[hash] == 0 {
		// Never failing (or already reset); still make sure it's not
		// stuck mid-heap from a race, but otherwise this is the no-op
		// path described in §4.2.4.
		if existing, ok := p.deadIndex[hash]; ok {
			p.deadQueue.remove(existing)
			delete(p.deadIndex, hash)
			p.ensureAliveLocked(n, hash)
		}
		return
	}

	delete(p.deadFailures, hash)
	if existing, ok := p.deadIndex[hash]; ok {
		p.deadQueue.remove(existing)
		delete(p.deadIndex, hash)
	}
	p.ensureAliveLocked(n, hash)

	if p.persist != nil {
		if err := p.persist.MarkLive(n.Config()); err != nil {
			p.logger.Warn("failed to clear persisted dead-node state", "node", n.Config().DisplayName(), "error", err)
		}
	}
}

func (p *Pool) ensureAliveLocked(n node.Node, hash string) {
	for _, a := range p.alive {
		if a.Config().Hash() == hash {
			return
		}
	}
	p.alive = append(p.alive, n)
}

func (p *Pool) removeFromAliveLocked(hash string) {
	for i, a := range p.alive {
		if a.Config().Hash() == hash {
			p.alive = append(p.alive[:i], p.alive[i+1:]...)
			return
		}
	}
}

// All returns every Node currently owned (alive or dead), in insertion
// order (§4.2.5).
func (p *Pool) All() []node.Node {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]node.Node, 0, len(p.order))
	for _, hash := range p.order {
		out = append(out, p.all[hash])
	}
	return out
}

// Seeds returns the original seed configs, untouched by sniffing (§3).
func (p *Pool) Seeds() []node.Config {
	return append([]node.Config(nil), p.seeds...)
}

// Counts returns the current (alive, dead) node counts, for status
// reporting.
func (p *Pool) Counts() (alive, dead int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.alive), len(p.deadQueue)
}

// AddIfAbsent builds and adds a Node for cfg unless a node with the same
// Hash already exists (§4.2.5: "Adding new nodes is idempotent"). New
// nodes enter the alive set directly. Returns true if a node was added.
func (p *Pool) AddIfAbsent(cfg node.Config) (bool, error) {
	hash := cfg.Hash()

	p.mu.Lock()
	if _, exists := p.all[hash]; exists {
		p.mu.Unlock()
		return false, nil
	}
	p.mu.Unlock()

	n, err := p.factory(cfg)
	if err != nil {
		return false, fmt.Errorf("nodepool: building node for %s: %w", cfg.DisplayName(), err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	// Re-check under lock: another caller may have added the same
	// config while we built ours outside the lock (building a Node may
	// itself be non-trivial and shouldn't hold the pool mutex, per §5:
	// "the mutex is NEVER held across an I/O call").
	if _, exists := p.all[hash]; exists {
		_ = n.Close()
		return false, nil
	}
	p.all[hash] = n
	p.order = append(p.order, hash)
	p.alive = append(p.alive, n)
	return true, nil
}

// Close closes every owned node (§5: Transport.close iterates
// NodePool.all() and calls Node.close() on each).
func (p *Pool) Close() error {
	var firstErr error
	for _, n := range p.All() {
		if err := n.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
