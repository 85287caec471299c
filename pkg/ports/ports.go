// Package ports allocates host port pairs for sandboxes.
//
// Each sandbox needs one port from the vnc band and one from the bridge
// band. Allocation is first-fit within a bounded window from each band's
// base, skipping ports recorded on known sandboxes, ports held by in-flight
// leases, and ports the OS reports as in use.
//
// Probing and binding are not atomic: another process can take a port
// between Allocate and the container runtime binding it. Leases only
// protect against concurrent allocations inside this process.
package ports

import (
	"fmt"
	"sync"

	"github.com/nstogner/agenthub/pkg/apperr"
)

// Prober reports whether a host port is currently in use.
type Prober interface {
	InUse(port int) bool
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(port int) bool

func (f ProberFunc) InUse(port int) bool { return f(port) }

// Band is a contiguous range of candidate ports.
type Band struct {
	Base   int
	Window int
}

// Contains reports whether port lies in the band.
func (b Band) Contains(port int) bool {
	return port >= b.Base && port < b.Base+b.Window
}

// Pair is one port from each band.
type Pair struct {
	VNC    int `json:"vnc_port"`
	Bridge int `json:"bridge_port"`
}

// Allocator hands out port pairs.
type Allocator struct {
	vnc    Band
	bridge Band
	prober Prober

	mu       sync.Mutex
	reserved map[int]bool
}

// NewAllocator creates an Allocator over the two bands.
func NewAllocator(vnc, bridge Band, prober Prober) *Allocator {
	return &Allocator{
		vnc:      vnc,
		bridge:   bridge,
		prober:   prober,
		reserved: make(map[int]bool),
	}
}

// Lease holds a reserved pair until Release is called. Release is
// idempotent.
type Lease struct {
	Pair

	once  sync.Once
	alloc *Allocator
}

// Release returns the pair's ports to the pool of candidates.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.alloc.mu.Lock()
		defer l.alloc.mu.Unlock()
		delete(l.alloc.reserved, l.VNC)
		delete(l.alloc.reserved, l.Bridge)
	})
}

// Allocate finds the first free port in each band. assigned lists ports
// already recorded on known sandboxes; none of them is ever returned.
func (a *Allocator) Allocate(assigned []int) (*Lease, error) {
	used := make(map[int]bool, len(assigned))
	for _, p := range assigned {
		used[p] = true
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	vnc, ok := a.scan(a.vnc, used)
	if !ok {
		return nil, apperr.Newf(apperr.KindResource, "no free vnc port in %d-%d",
			a.vnc.Base, a.vnc.Base+a.vnc.Window-1)
	}
	bridge, ok := a.scan(a.bridge, used)
	if !ok {
		return nil, apperr.Newf(apperr.KindResource, "no free bridge port in %d-%d",
			a.bridge.Base, a.bridge.Base+a.bridge.Window-1)
	}

	a.reserved[vnc] = true
	a.reserved[bridge] = true
	return &Lease{Pair: Pair{VNC: vnc, Bridge: bridge}, alloc: a}, nil
}

// scan must be called with a.mu held.
func (a *Allocator) scan(b Band, used map[int]bool) (int, bool) {
	for offset := 0; offset < b.Window; offset++ {
		p := b.Base + offset
		if used[p] || a.reserved[p] {
			continue
		}
		if a.prober != nil && a.prober.InUse(p) {
			continue
		}
		return p, true
	}
	return 0, false
}

// String is used in log lines.
func (p Pair) String() string {
	return fmt.Sprintf("vnc=%d bridge=%d", p.VNC, p.Bridge)
}
