package nodepool

import (
	"sync"
	"testing"

	"github.com/pquentin/elastic-transport-go/node"
)

func TestRoundRobinSelector_AdvancesCursor(t *testing.T) {
	s := NewRoundRobinSelector()
	alive := make([]node.Node, 3)
	seen := map[int]int{}
	for i := 0; i < 9; i++ {
		seen[s.Select(alive)]++
	}
	for i := 0; i < 3; i++ {
		if seen[i] != 3 {
			t.Errorf("index %d selected %d times, want 3", i, seen[i])
		}
	}
}

func TestRoundRobinSelector_ConcurrentAdvanceNoDuplicateOffsetLoss(t *testing.T) {
	// §5: N concurrent Select calls against an alive set of size M return
	// offsets cursor..cursor+N-1 (mod M) in some serialization — the
	// counter must advance exactly once per call, with no lost updates.
	s := NewRoundRobinSelector()
	alive := make([]node.Node, 5)

	const n = 500
	var wg sync.WaitGroup
	counts := make([]int, len(alive))
	var mu sync.Mutex

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			idx := s.Select(alive)
			mu.Lock()
			counts[idx]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	total := 0
	for _, c := range counts {
		total += c
	}
	if total != n {
		t.Fatalf("expected %d total selections (no lost updates), got %d", n, total)
	}
}

func TestRandomSelector_InBounds(t *testing.T) {
	s := NewRandomSelector()
	alive := make([]node.Node, 4)
	for i := 0; i < 100; i++ {
		idx := s.Select(alive)
		if idx < 0 || idx >= len(alive) {
			t.Fatalf("index %d out of bounds for %d nodes", idx, len(alive))
		}
	}
}

func TestSelectorFactories_Registered(t *testing.T) {
	for _, name := range []string{"round_robin", "random"} {
		f, ok := SelectorFactories[name]
		if !ok {
			t.Fatalf("expected selector factory %q to be registered", name)
		}
		if f() == nil {
			t.Fatalf("factory %q produced a nil selector", name)
		}
	}
}
