package nodepool

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/pquentin/elastic-transport-go/node"
)

type fakeNode struct {
	cfg    node.Config
	closed bool
}

func (f *fakeNode) Config() node.Config { return f.cfg }
func (f *fakeNode) BaseURL() string     { return f.cfg.BaseURL() }
func (f *fakeNode) PerformRequest(context.Context, node.Request) (node.ResponseMeta, []byte, error) {
	return node.ResponseMeta{}, nil, nil
}
func (f *fakeNode) Close() error { f.closed = true; return nil }

func fakeFactory(cfg node.Config) (node.Node, error) {
	return &fakeNode{cfg: cfg}, nil
}

func seedConfigs(n int) []node.Config {
	cfgs := make([]node.Config, n)
	for i := 0; i < n; i++ {
		cfgs[i] = node.Config{
			Scheme: node.SchemeHTTP,
			Host:   fmt.Sprintf("node%d.example.com", i),
			Port:   9200,
		}
	}
	return cfgs
}

func TestNew_AllAliveInitially(t *testing.T) {
	p, err := New(seedConfigs(3), Options{Factory: fakeFactory})
	if err != nil {
		t.Fatal(err)
	}
	alive, dead := p.Counts()
	if alive != 3 || dead != 0 {
		t.Fatalf("expected 3 alive/0 dead, got %d/%d", alive, dead)
	}
	if len(p.All()) != 3 {
		t.Fatalf("expected All() to report 3 nodes, got %d", len(p.All()))
	}
}

func TestMarkDead_RemovesFromAlive(t *testing.T) {
	cfgs := seedConfigs(2)
	p, _ := New(cfgs, Options{Factory: fakeFactory})

	n, err := p.Get()
	if err != nil {
		t.Fatal(err)
	}
	p.MarkDead(n)

	alive, dead := p.Counts()
	if alive != 1 || dead != 1 {
		t.Fatalf("expected 1 alive/1 dead after MarkDead, got %d/%d", alive, dead)
	}
	if len(p.All()) != 2 {
		t.Fatalf("invariant violated: |all| should stay 2, got %d", len(p.All()))
	}
}

func TestMarkLive_ResetsFailuresAndRestoresAlive(t *testing.T) {
	cfgs := seedConfigs(1)
	p, _ := New(cfgs, Options{Factory: fakeFactory})

	n, _ := p.Get()
	p.MarkDead(n)
	if alive, dead := p.Counts(); alive != 0 || dead != 1 {
		t.Fatalf("expected 0 alive/1 dead, got %d/%d", alive, dead)
	}

	p.MarkLive(n)
	alive, dead := p.Counts()
	if alive != 1 || dead != 0 {
		t.Fatalf("expected 1 alive/0 dead after MarkLive, got %d/%d", alive, dead)
	}
}

func TestGet_SingleDeadNodeStillReturned(t *testing.T) {
	// §8 boundary case: single-node pool whose only node is dead — Get()
	// still returns that node via the "better to try than to fail" rule.
	cfgs := seedConfigs(1)
	p, _ := New(cfgs, Options{Factory: fakeFactory, MaxDeadBackoff: 30 * time.Second})

	n, _ := p.Get()
	p.MarkDead(n)

	got, err := p.Get()
	if err != nil {
		t.Fatalf("expected a node even though the only node is dead, got error: %v", err)
	}
	if got.Config().Hash() != n.Config().Hash() {
		t.Fatalf("expected the same (only) node back")
	}
}

func TestGet_NoNodesAtAllReturnsError(t *testing.T) {
	p, _ := New(nil, Options{Factory: fakeFactory})
	if _, err := p.Get(); err != ErrNoNodes {
		t.Fatalf("expected ErrNoNodes, got %v", err)
	}
}

func TestRoundRobin_Fairness(t *testing.T) {
	// §8 invariant 6: over K gets against M alive nodes with no deaths,
	// each node is returned floor(K/M) or ceil(K/M) times.
	const m = 4
	const k = 37
	p, _ := New(seedConfigs(m), Options{Factory: fakeFactory, Selector: NewRoundRobinSelector()})

	counts := make(map[string]int)
	for i := 0; i < k; i++ {
		n, err := p.Get()
		if err != nil {
			t.Fatal(err)
		}
		counts[n.Config().Hash()]++
	}

	lo, hi := k/m, (k+m-1)/m
	for hash, c := range counts {
		if c != lo && c != hi {
			t.Errorf("node %s returned %d times, want %d or %d", hash, c, lo, hi)
		}
	}
	if len(counts) != m {
		t.Fatalf("expected all %d nodes to be selected at least once, got %d distinct", m, len(counts))
	}
}

func TestBackoff_MonotonicUpToCap(t *testing.T) {
	p, _ := New(seedConfigs(1), Options{Factory: fakeFactory, DeadBackoffFactor: 1.0, MaxDeadBackoff: 5 * time.Second})
	n, _ := p.Get()

	var prev time.Duration
	for i := 0; i < 6; i++ {
		p.MarkDead(n)
		got := p.backoffFor(p.deadFailures[n.Config().Hash()])
		if got < prev {
			t.Fatalf("backoff decreased: attempt %d got %v, previous %v", i, got, prev)
		}
		if got > p.maxDeadBackoff {
			t.Fatalf("backoff %v exceeded cap %v", got, p.maxDeadBackoff)
		}
		prev = got
		// MarkLive to return it to alive before the next MarkDead, mirroring a
		// flapping node rather than relying on Get()'s resurrection timing.
		p.MarkLive(n)
	}
}

func TestAddIfAbsent_Idempotent(t *testing.T) {
	p, _ := New(seedConfigs(1), Options{Factory: fakeFactory})
	cfgs := seedConfigs(2) // index 0 duplicates the seed, index 1 is new

	added, err := p.AddIfAbsent(cfgs[0])
	if err != nil {
		t.Fatal(err)
	}
	if added {
		t.Fatal("expected duplicate seed to be a no-op")
	}

	added, err = p.AddIfAbsent(cfgs[1])
	if err != nil {
		t.Fatal(err)
	}
	if !added {
		t.Fatal("expected new config to be added")
	}

	if len(p.All()) != 2 {
		t.Fatalf("expected 2 nodes after merge, got %d", len(p.All()))
	}

	// Sniffing the same config set again must not grow |all_nodes| (§8
	// invariant 4).
	for _, cfg := range cfgs {
		if _, err := p.AddIfAbsent(cfg); err != nil {
			t.Fatal(err)
		}
	}
	if len(p.All()) != 2 {
		t.Fatalf("expected |all_nodes| to stay 2 after re-merge, got %d", len(p.All()))
	}
}

func TestClose_ClosesEveryNode(t *testing.T) {
	p, _ := New(seedConfigs(3), Options{Factory: fakeFactory})
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}
	for _, n := range p.All() {
		if !n.(*fakeNode).closed {
			t.Fatalf("expected node %s to be closed", n.Config().DisplayName())
		}
	}
}
