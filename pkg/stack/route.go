package stack

import (
	"fmt"
	"net/netip"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/irctrakz/wgsyncache/pkg/syncache"
)

// Route is a prefix reachable through the WireGuard device with its path MTU.
// Routes handed out by Lookup carry a reference that Release returns.
type Route struct {
	Prefix netip.Prefix
	Name   string
	mtu    int
	refs   int64
}

// MTU returns the path MTU.
func (r *Route) MTU() int { return r.mtu }

// Refs returns the number of outstanding references.
func (r *Route) Refs() int64 { return atomic.LoadInt64(&r.refs) }

func (r *Route) String() string {
	if r.Name != "" {
		return fmt.Sprintf("%s(%s mtu %d)", r.Name, r.Prefix, r.mtu)
	}
	return fmt.Sprintf("%s mtu %d", r.Prefix, r.mtu)
}

// RouteTable does longest-prefix lookups over a small set of routes.
type RouteTable struct {
	mu     sync.RWMutex
	routes []*Route // longest prefix first
}

// NewRouteTable returns an empty table.
func NewRouteTable() *RouteTable { return &RouteTable{} }

// Add installs a route. A prefix may only be added once.
func (t *RouteTable) Add(prefix netip.Prefix, mtu int, name string) error {
	if !prefix.IsValid() {
		return fmt.Errorf("route %q: invalid prefix", prefix)
	}
	if mtu <= 0 {
		return fmt.Errorf("route %s: mtu must be positive, got %d", prefix, mtu)
	}
	prefix = prefix.Masked()
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, r := range t.routes {
		if r.Prefix == prefix {
			return fmt.Errorf("route %s: %w", prefix, ErrAddrInUse)
		}
	}
	t.routes = append(t.routes, &Route{Prefix: prefix, Name: name, mtu: mtu})
	sort.SliceStable(t.routes, func(i, j int) bool {
		return t.routes[i].Prefix.Bits() > t.routes[j].Prefix.Bits()
	})
	return nil
}

// Lookup returns the most specific route for dst and takes a reference.
func (t *RouteTable) Lookup(dst netip.Addr) (syncache.Route, bool) {
	r := t.match(dst)
	if r == nil {
		return nil, false
	}
	atomic.AddInt64(&r.refs, 1)
	return r, true
}

// Release returns a reference taken by Lookup.
func (t *RouteTable) Release(r syncache.Route) {
	if rt, ok := r.(*Route); ok && rt != nil {
		atomic.AddInt64(&rt.refs, -1)
	}
}

// Routes returns the installed routes, longest prefix first.
func (t *RouteTable) Routes() []*Route {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]*Route(nil), t.routes...)
}

func (t *RouteTable) match(dst netip.Addr) *Route {
	dst = dst.Unmap()
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, r := range t.routes {
		if r.Prefix.Contains(dst) {
			return r
		}
	}
	return nil
}
