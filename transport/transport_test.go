package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pquentin/elastic-transport-go/node"
	"github.com/pquentin/elastic-transport-go/nodepool"
	"github.com/pquentin/elastic-transport-go/sniff"
	"github.com/pquentin/elastic-transport-go/transporterr"
)

func intPtr(i int) *int { return &i }

// scriptedNode returns the next entry from responses, repeating the last
// entry once they are exhausted; it also counts calls for assertions.
type scriptedNode struct {
	cfg       node.Config
	responses []scriptedResponse
	calls     int32
	mu        sync.Mutex
}

type scriptedResponse struct {
	status int
	body   []byte
	err    error
}

func (s *scriptedNode) Config() node.Config { return s.cfg }
func (s *scriptedNode) BaseURL() string     { return s.cfg.BaseURL() }
func (s *scriptedNode) Close() error        { return nil }

func (s *scriptedNode) PerformRequest(_ context.Context, req node.Request) (node.ResponseMeta, []byte, error) {
	s.mu.Lock()
	idx := int(atomic.AddInt32(&s.calls, 1)) - 1
	s.mu.Unlock()

	var r scriptedResponse
	if idx < len(s.responses) {
		r = s.responses[idx]
	} else {
		r = s.responses[len(s.responses)-1]
	}
	if r.err != nil {
		return node.ResponseMeta{}, nil, r.err
	}
	status := r.status
	if req.Method == http.MethodHead {
		return node.ResponseMeta{Node: s.cfg, Status: status, MimeType: "application/json"}, nil, nil
	}
	return node.ResponseMeta{Node: s.cfg, Status: status, MimeType: "application/json"}, r.body, nil
}

func scriptedFactory(scripts map[string][]scriptedResponse) node.Factory {
	return func(cfg node.Config) (node.Node, error) {
		return &scriptedNode{cfg: cfg, responses: scripts[cfg.DisplayName()]}, nil
	}
}

func namedSeed(name string) node.Config {
	return node.Config{Scheme: node.SchemeHTTP, Host: name, Port: 9200, Name: name}
}

func TestPerformRequest_AllFailRetry(t *testing.T) {
	// Scenario 1: one seed, always ConnectionError, max_retries=3.
	seed := namedSeed("only")
	connErr := transporterr.NewConnectionError("only", fmt.Errorf("refused"))
	factory := scriptedFactory(map[string][]scriptedResponse{
		"only": {{err: connErr}},
	})

	tr, err := New(Options{Nodes: []node.Config{seed}, Factory: factory, MaxRetries: intPtr(3)})
	if err != nil {
		t.Fatal(err)
	}

	_, _, err = tr.PerformRequest(context.Background(), http.MethodGet, "/", RequestOptions{})
	if err == nil {
		t.Fatal("expected an error")
	}
	te, ok := err.(*transporterr.Error)
	if !ok || te.Kind != transporterr.KindConnectionError {
		t.Fatalf("expected a ConnectionError, got %v", err)
	}
	if len(te.Errs) != 3 {
		t.Fatalf("expected 3 swallowed errors, got %d", len(te.Errs))
	}

	alive, dead := tr.pool.Counts()
	if alive != 0 || dead != 1 {
		t.Fatalf("expected 0 alive/1 dead, got %d/%d", alive, dead)
	}
}

func TestPerformRequest_RetryOnStatusRoundRobin(t *testing.T) {
	// Scenario 2: four seeds returning 404, 401, 403, 555 in selector
	// order; retry_on_status={401,403,404}, max_retries=5.
	seeds := []node.Config{namedSeed("n0"), namedSeed("n1"), namedSeed("n2"), namedSeed("n3")}
	factory := scriptedFactory(map[string][]scriptedResponse{
		"n0": {{status: 404}},
		"n1": {{status: 401}},
		"n2": {{status: 403}},
		"n3": {{status: 555}},
	})

	tr, err := New(Options{
		Nodes:         seeds,
		Factory:       factory,
		Selector:      nodepool.NewRoundRobinSelector(),
		MaxRetries:    intPtr(5),
		RetryOnStatus: map[int]struct{}{401: {}, 403: {}, 404: {}},
	})
	if err != nil {
		t.Fatal(err)
	}

	_, _, err = tr.PerformRequest(context.Background(), http.MethodGet, "/", RequestOptions{})
	te, ok := err.(*transporterr.Error)
	if !ok {
		t.Fatalf("expected *transporterr.Error, got %v", err)
	}
	if te.Status != 555 {
		t.Fatalf("expected final status 555, got %d", te.Status)
	}
	if len(te.Errs) != 3 {
		t.Fatalf("expected 3 swallowed errors, got %d", len(te.Errs))
	}
	seen := map[int]bool{}
	for _, e := range te.Errs {
		if ae, ok := e.(*transporterr.Error); ok {
			seen[ae.Status] = true
		}
	}
	for _, want := range []int{401, 403, 404} {
		if !seen[want] {
			t.Errorf("expected swallowed errors to include status %d", want)
		}
	}
}

func TestPerformRequest_HeadSuccessNoDeserialize(t *testing.T) {
	seed := namedSeed("only")
	factory := scriptedFactory(map[string][]scriptedResponse{
		"only": {{status: 200, body: []byte(`should-not-be-seen`)}},
	})
	tr, err := New(Options{Nodes: []node.Config{seed}, Factory: factory})
	if err != nil {
		t.Fatal(err)
	}

	meta, data, err := tr.PerformRequest(context.Background(), http.MethodHead, "/", RequestOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if meta.Status != 200 {
		t.Fatalf("expected 200, got %d", meta.Status)
	}
	if data != nil {
		t.Fatalf("expected nil data for HEAD, got %v", data)
	}
}

func TestPerformRequest_Head404StaysAlive(t *testing.T) {
	// Scenario 4: HEAD 404 — node stays alive (404 is NOT_DEAD), error raised.
	seed := namedSeed("only")
	factory := scriptedFactory(map[string][]scriptedResponse{
		"only": {{status: 404}},
	})
	tr, err := New(Options{Nodes: []node.Config{seed}, Factory: factory})
	if err != nil {
		t.Fatal(err)
	}

	_, _, err = tr.PerformRequest(context.Background(), http.MethodHead, "/", RequestOptions{})
	te, ok := err.(*transporterr.Error)
	if !ok || te.Status != 404 {
		t.Fatalf("expected a 404 ApiError, got %v", err)
	}

	alive, dead := tr.pool.Counts()
	if alive != 1 || dead != 0 {
		t.Fatalf("expected 1 alive/0 dead after a NOT_DEAD status, got %d/%d", alive, dead)
	}
}

func TestPerformRequest_TimeoutNoRetry(t *testing.T) {
	// Scenario 5: first node times out, retry_on_timeout=false — raised
	// immediately, errors empty, second node never touched.
	seeds := []node.Config{namedSeed("n0"), namedSeed("n1")}
	timeoutErr := transporterr.NewConnectionTimeout("n0", fmt.Errorf("deadline exceeded"))
	factory := scriptedFactory(map[string][]scriptedResponse{
		"n0": {{err: timeoutErr}},
		"n1": {{status: 500}},
	})

	tr, err := New(Options{
		Nodes:          seeds,
		Factory:        factory,
		Selector:       nodepool.NewRoundRobinSelector(),
		RetryOnTimeout: false,
	})
	if err != nil {
		t.Fatal(err)
	}

	_, _, err = tr.PerformRequest(context.Background(), http.MethodGet, "/", RequestOptions{})
	te, ok := err.(*transporterr.Error)
	if !ok || te.Kind != transporterr.KindConnectionTimeout {
		t.Fatalf("expected ConnectionTimeout, got %v", err)
	}
	if len(te.Errs) != 0 {
		t.Fatalf("expected no swallowed errors, got %d", len(te.Errs))
	}

	n1, ok := tr.pool.All()[1].(*scriptedNode)
	if !ok {
		t.Fatal("expected second node to be a *scriptedNode")
	}
	if atomic.LoadInt32(&n1.calls) != 0 {
		t.Fatalf("expected the second node to never be called, got %d calls", n1.calls)
	}
}

func TestPerformRequest_SniffBeforeRequestsMergesNewNodes(t *testing.T) {
	// Scenario 6: single seed; callback returns the seed plus one new
	// NodeConfig. After one PerformRequest, |all_nodes|=2.
	seed := namedSeed("only")
	newCfg := namedSeed("fresh")
	factory := scriptedFactory(map[string][]scriptedResponse{
		"only":  {{status: 200, body: []byte(`{}`)}},
		"fresh": {{status: 200, body: []byte(`{}`)}},
	})

	cb := func(context.Context, sniff.Options) ([]node.Config, error) {
		return []node.Config{seed, newCfg}, nil
	}

	tr, err := New(Options{
		Nodes:               []node.Config{seed},
		Factory:             factory,
		SniffBeforeRequests: true,
		SniffCallback:       cb,
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, _, err := tr.PerformRequest(context.Background(), http.MethodGet, "/", RequestOptions{}); err != nil {
		t.Fatal(err)
	}
	if len(tr.pool.All()) != 2 {
		t.Fatalf("expected |all_nodes|=2 after sniff-before-requests merge, got %d", len(tr.pool.All()))
	}
}

func TestPerformRequest_MaxRetriesZeroMeansOneAttempt(t *testing.T) {
	seed := namedSeed("only")
	connErr := transporterr.NewConnectionError("only", fmt.Errorf("refused"))
	factory := scriptedFactory(map[string][]scriptedResponse{
		"only": {{err: connErr}},
	})

	tr, err := New(Options{Nodes: []node.Config{seed}, Factory: factory, MaxRetries: intPtr(0)})
	if err != nil {
		t.Fatal(err)
	}

	_, _, err = tr.PerformRequest(context.Background(), http.MethodGet, "/", RequestOptions{})
	if err == nil {
		t.Fatal("expected an error")
	}
	n, ok := tr.pool.All()[0].(*scriptedNode)
	if !ok {
		t.Fatal("expected a *scriptedNode")
	}
	if atomic.LoadInt32(&n.calls) != 1 {
		t.Fatalf("expected exactly 1 attempt, got %d", n.calls)
	}
}

func TestPerformRequest_IgnoreStatusSuppressesErrorButNotRetry(t *testing.T) {
	// §8 boundary: a status in both retry_on_status and ignore_status
	// still retries; only the final attempt's response is returned.
	seeds := []node.Config{namedSeed("n0"), namedSeed("n1")}
	factory := scriptedFactory(map[string][]scriptedResponse{
		"n0": {{status: 503}},
		"n1": {{status: 200, body: []byte(`{"ok":true}`)}},
	})

	tr, err := New(Options{
		Nodes:    seeds,
		Factory:  factory,
		Selector: nodepool.NewRoundRobinSelector(),
	})
	if err != nil {
		t.Fatal(err)
	}

	meta, _, err := tr.PerformRequest(context.Background(), http.MethodGet, "/", RequestOptions{
		IgnoreStatus: map[int]struct{}{503: {}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if meta.Status != 200 {
		t.Fatalf("expected the retry's 200 to win, got %d", meta.Status)
	}
}

func TestPerformRequest_ThreadedStress(t *testing.T) {
	// Scenario 7, scaled down: concurrent callers over 4 seeds, one of
	// which always 500s (in retry_on_status), all sniff triggers enabled.
	seeds := []node.Config{namedSeed("s0"), namedSeed("s1"), namedSeed("s2"), namedSeed("s3")}
	factory := func(cfg node.Config) (node.Node, error) {
		if cfg.DisplayName() == "s3" {
			return &scriptedNode{cfg: cfg, responses: []scriptedResponse{{status: 500}}}, nil
		}
		return &scriptedNode{cfg: cfg, responses: []scriptedResponse{{status: 200, body: []byte(`{}`)}}}, nil
	}

	cb := func(context.Context, sniff.Options) ([]node.Config, error) { return seeds, nil }

	tr, err := New(Options{
		Nodes:               seeds,
		Factory:             factory,
		SniffOnStart:        true,
		SniffBeforeRequests: true,
		SniffOnNodeFailure:  true,
		SniffCallback:       cb,
		RetryOnStatus:       map[int]struct{}{500: {}},
		MaxRetries:          intPtr(5),
	})
	if err != nil {
		t.Fatal(err)
	}
	defer tr.Close()

	var wg sync.WaitGroup
	var successes int64
	deadline := time.Now().Add(300 * time.Millisecond)

	for w := 0; w < 16; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for time.Now().Before(deadline) {
				_, _, err := tr.PerformRequest(context.Background(), http.MethodGet, "/", RequestOptions{})
				if err == nil {
					atomic.AddInt64(&successes, 1)
				}
			}
		}()
	}
	wg.Wait()

	if successes == 0 {
		t.Fatal("expected at least some successful requests under concurrent load")
	}
	if len(tr.pool.All()) != 4 {
		t.Fatalf("expected |all_nodes| to remain 4, got %d", len(tr.pool.All()))
	}
}
