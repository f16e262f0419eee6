package nodepool

import (
	"math/rand"
	"sync"

	"github.com/pquentin/elastic-transport-go/node"
)

// Selector chooses the next node from the current alive set (§4.2.6).
// Implementations must be safe for concurrent use: Pool.get holds its own
// mutex around the call, but a Selector may be shared across pools in
// tests, so it should not assume external synchronization either.
type Selector interface {
	// Select returns the index into alive to use next.
	Select(alive []node.Node) int
}

// RoundRobinSelector advances a cursor modulo the current alive length on
// every call; the cursor persists across calls (§4.2.6).
type RoundRobinSelector struct {
	mu     sync.Mutex
	cursor int
}

// NewRoundRobinSelector returns a fresh round-robin selector starting at
// cursor 0.
func NewRoundRobinSelector() *RoundRobinSelector {
	return &RoundRobinSelector{}
}

func (s *RoundRobinSelector) Select(alive []node.Node) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(alive) == 0 {
		return 0
	}
	idx := s.cursor % len(alive)
	s.cursor++
	return idx
}

// RandomSelector picks a uniformly random index on every call. It carries
// no state beyond the alive slice passed in (§4.2.6: "stateless w.r.t.
// the pool contents beyond what get() passes in").
type RandomSelector struct{}

// NewRandomSelector returns a random selector.
func NewRandomSelector() *RandomSelector { return &RandomSelector{} }

func (RandomSelector) Select(alive []node.Node) int {
	if len(alive) == 0 {
		return 0
	}
	return rand.Intn(len(alive))
}

// SelectorFactory builds a Selector by name, for config-driven
// construction (§6.1: node_selector_class as "a name or factory").
type SelectorFactory func() Selector

// SelectorFactories is the registry of built-in selector names.
var SelectorFactories = map[string]SelectorFactory{
	"round_robin": func() Selector { return NewRoundRobinSelector() },
	"random":      func() Selector { return NewRandomSelector() },
}
