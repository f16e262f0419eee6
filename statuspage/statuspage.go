// Package statuspage renders a human-readable HTML report of a NodePool's
// liveness state: which nodes are alive, which are dead and when they're
// next due for resurrection, and when the pool last sniffed. It is never
// auto-mounted by Transport; a caller wires it onto whatever mux it likes.
package statuspage

import (
	"bytes"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/yuin/goldmark"

	"github.com/pquentin/elastic-transport-go/node"
	"github.com/pquentin/elastic-transport-go/nodepool"
)

// Pool is the subset of *nodepool.Pool the status page needs, kept
// narrow so it's trivial to fake in tests.
type Pool interface {
	All() []node.Node
	Counts() (alive, dead int)
}

// Sniffer is the subset of *sniff.Controller the status page reports on.
type Sniffer interface {
	LastSniffedAt() time.Time
}

// Handler serves a markdown-sourced HTML status page for a pool.
type Handler struct {
	pool    Pool
	sniffer Sniffer // optional; nil if sniffing isn't configured
	deadSet func(node.Node) (due time.Time, failures int, isDead bool)
}

// New builds a status page Handler. deadSet, if non-nil, is consulted to
// report each dead node's resurrection ETA and failure count; pass nil
// when that detail isn't available (the page then just lists membership
// and liveness).
func New(pool Pool, sniffer Sniffer, deadSet func(node.Node) (time.Time, int, bool)) *Handler {
	return &Handler{pool: pool, sniffer: sniffer, deadSet: deadSet}
}

// NewForNodePool is a convenience constructor for a *nodepool.Pool. It
// passes a nil deadSet: nodepool.Pool has no per-node dead-queue
// accessor, so the page's alive/dead counts come from Pool.Counts and no
// resurrection ETA or failure count is shown.
func NewForNodePool(pool *nodepool.Pool, sniffer Sniffer) *Handler {
	return New(pool, sniffer, nil)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	md := h.renderMarkdown()

	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		http.Error(w, "rendering status page: "+err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, `<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>transport status</title></head>
<body style="font-family: sans-serif; font-size: 14px; line-height: 1.5; max-width: 48rem; margin: 2rem auto;">
%s
</body></html>`, buf.String())
}

func (h *Handler) renderMarkdown() string {
	var b strings.Builder

	alive, dead := h.pool.Counts()
	fmt.Fprintf(&b, "# Node pool status\n\n")
	fmt.Fprintf(&b, "%d alive, %d dead, %d total\n\n", alive, dead, alive+dead)

	if h.sniffer != nil {
		last := h.sniffer.LastSniffedAt()
		if last.IsZero() {
			fmt.Fprintf(&b, "Last sniff: never\n\n")
		} else {
			fmt.Fprintf(&b, "Last sniff: %s ago\n\n", humanize.Time(last))
		}
	}

	all := append([]node.Node(nil), h.pool.All()...)
	sort.Slice(all, func(i, j int) bool {
		return all[i].Config().DisplayName() < all[j].Config().DisplayName()
	})

	fmt.Fprintf(&b, "| Node | State | Detail |\n|---|---|---|\n")
	for _, n := range all {
		name := n.Config().DisplayName()
		state, detail := "alive", ""
		if h.deadSet != nil {
			if due, failures, isDead := h.deadSet(n); isDead {
				state = "dead"
				detail = fmt.Sprintf("failures=%d, due %s", failures, humanize.Time(due))
			}
		}
		fmt.Fprintf(&b, "| %s | %s | %s |\n", name, state, detail)
	}

	return b.String()
}
