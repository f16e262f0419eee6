package sniff

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pquentin/elastic-transport-go/node"
	"github.com/pquentin/elastic-transport-go/nodepool"
)

type fakeNode struct{ cfg node.Config }

func (f *fakeNode) Config() node.Config { return f.cfg }
func (f *fakeNode) BaseURL() string     { return f.cfg.BaseURL() }
func (f *fakeNode) PerformRequest(context.Context, node.Request) (node.ResponseMeta, []byte, error) {
	return node.ResponseMeta{}, nil, nil
}
func (f *fakeNode) Close() error { return nil }

func fakeFactory(cfg node.Config) (node.Node, error) { return &fakeNode{cfg: cfg}, nil }

func seedConfigs(n int) []node.Config {
	cfgs := make([]node.Config, n)
	for i := 0; i < n; i++ {
		cfgs[i] = node.Config{Scheme: node.SchemeHTTP, Host: fmt.Sprintf("seed%d.example.com", i), Port: 9200}
	}
	return cfgs
}

func TestNew_RejectsTriggerWithoutCallback(t *testing.T) {
	pool, _ := nodepool.New(seedConfigs(1), nodepool.Options{Factory: fakeFactory})
	if _, err := New(pool, Config{OnStart: true}); err == nil {
		t.Fatal("expected an error when a trigger is enabled without a callback")
	}
}

func TestNew_RejectsCallbackWithoutTrigger(t *testing.T) {
	pool, _ := nodepool.New(seedConfigs(1), nodepool.Options{Factory: fakeFactory})
	cb := func(context.Context, Options) ([]node.Config, error) { return nil, nil }
	if _, err := New(pool, Config{Callback: cb}); err == nil {
		t.Fatal("expected an error when a callback is provided without any trigger")
	}
}

func TestRunOnStart_MergesDiscoveredNodes(t *testing.T) {
	pool, _ := nodepool.New(seedConfigs(1), nodepool.Options{Factory: fakeFactory})
	discovered := append(seedConfigs(1), node.Config{Scheme: node.SchemeHTTP, Host: "new.example.com", Port: 9200})

	cb := func(ctx context.Context, opts Options) ([]node.Config, error) {
		if !opts.IsInitialSniff {
			t.Error("expected IsInitialSniff=true for RunOnStart")
		}
		return discovered, nil
	}

	c, err := New(pool, Config{Callback: cb, OnStart: true})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.RunOnStart(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(pool.All()) != 2 {
		t.Fatalf("expected 2 nodes after merge, got %d", len(pool.All()))
	}
	if c.LastSniffedAt().IsZero() {
		t.Fatal("expected LastSniffedAt to be set after a successful sniff")
	}
}

func TestSniffMerge_IdempotentAcrossTwoRuns(t *testing.T) {
	// §8 invariant 4: sniffing the same set twice doesn't change |all_nodes|.
	pool, _ := nodepool.New(seedConfigs(1), nodepool.Options{Factory: fakeFactory})
	discovered := append(seedConfigs(1), node.Config{Scheme: node.SchemeHTTP, Host: "new.example.com", Port: 9200})

	cb := func(context.Context, Options) ([]node.Config, error) { return discovered, nil }
	c, _ := New(pool, Config{Callback: cb, BeforeRequests: true})

	if err := c.RunBeforeRequest(context.Background()); err != nil {
		t.Fatal(err)
	}
	first := len(pool.All())

	// Force cadence to allow an immediate second run.
	c.lastMu.Lock()
	c.lastSniffedAt = time.Time{}
	c.lastMu.Unlock()

	if err := c.RunBeforeRequest(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(pool.All()) != first {
		t.Fatalf("expected |all_nodes| to stay %d after re-sniffing, got %d", first, len(pool.All()))
	}
}

func TestRunBeforeRequest_RespectsCadence(t *testing.T) {
	pool, _ := nodepool.New(seedConfigs(1), nodepool.Options{Factory: fakeFactory})
	var calls int32
	cb := func(context.Context, Options) ([]node.Config, error) {
		atomic.AddInt32(&calls, 1)
		return nil, nil
	}
	c, _ := New(pool, Config{Callback: cb, BeforeRequests: true, MinDelayBetweenSniffing: time.Hour})

	if err := c.RunBeforeRequest(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := c.RunBeforeRequest(context.Background()); err != nil {
		t.Fatal(err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected exactly 1 callback invocation within the cadence window, got %d", calls)
	}
}

func TestSingleFlight_ConcurrentTriggersDoNotOverlap(t *testing.T) {
	// §8 invariant 5: no two sniff-callback invocations overlap in time.
	pool, _ := nodepool.New(seedConfigs(1), nodepool.Options{Factory: fakeFactory})
	var inFlight int32
	var overlapped int32

	cb := func(context.Context, Options) ([]node.Config, error) {
		if atomic.AddInt32(&inFlight, 1) > 1 {
			atomic.StoreInt32(&overlapped, 1)
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return nil, nil
	}
	c, _ := New(pool, Config{Callback: cb, OnNodeFailure: true})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.RunOnNodeFailure(context.Background())
		}()
	}
	wg.Wait()

	if atomic.LoadInt32(&overlapped) != 0 {
		t.Fatal("detected overlapping sniff-callback invocations")
	}
}

func TestSniff_ErrorLeavesLastSniffedAtUntouched(t *testing.T) {
	pool, _ := nodepool.New(seedConfigs(1), nodepool.Options{Factory: fakeFactory})
	cb := func(context.Context, Options) ([]node.Config, error) {
		return nil, fmt.Errorf("boom")
	}
	c, _ := New(pool, Config{Callback: cb, OnStart: true})

	if err := c.RunOnStart(context.Background()); err == nil {
		t.Fatal("expected the callback's error to propagate")
	}
	if !c.LastSniffedAt().IsZero() {
		t.Fatal("expected LastSniffedAt to remain zero after a failed sniff")
	}
}

func TestWarnIfHeterogeneousSeeds_NoPanicOnUniformSeeds(t *testing.T) {
	warnIfHeterogeneousSeeds(seedConfigs(3), slog.Default())
}
