package netrom

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/tarpn-go/tarpnd/internal/callsign"
)

// Neighbor is a directly-heard NET/ROM station.
type Neighbor struct {
	Call    callsign.Call
	Port    int
	Quality int
}

// Route is one candidate next hop towards a Destination, as advertised by
// one neighbor.
type Route struct {
	Dest         callsign.Call
	NextHop      callsign.Call
	Quality      int
	Obsolescence int
}

// Destination is every known route to a given node, keyed by the
// neighbor that advertised it.
type Destination struct {
	NodeCall  callsign.Call
	NodeAlias string
	Neighbors map[callsign.Call]*Route
}

func (d *Destination) sortedRoutes() []*Route {
	routes := make([]*Route, 0, len(d.Neighbors))
	for _, r := range d.Neighbors {
		routes = append(routes, r)
	}
	sort.Slice(routes, func(i, j int) bool { return routes[i].Quality > routes[j].Quality })
	return routes
}

// RoutingTable is the NET/ROM routing table, learned from NODES broadcasts
// and pruned on obsolescence. All mutation happens under its own lock, so
// NODES ingest and pruning are mutually exclusive.
type RoutingTable struct {
	NodeAlias string

	mu             sync.Mutex
	ourCalls       map[callsign.Call]struct{}
	neighbors      map[callsign.Call]*Neighbor
	destinations   map[callsign.Call]*Destination
	defaultObs     int
	defaultQuality int
	minQuality     int
	minObs         int
}

// Params holds the routing table's tunable constants, overridable from
// Config so an operator can retune decay/acceptance behaviour per node.
type Params struct {
	DefaultObs     int
	DefaultQuality int
	MinQuality     int
	MinObs         int
}

// DefaultParams returns the stock NET/ROM routing constants.
func DefaultParams() Params {
	return Params{DefaultObs: 100, DefaultQuality: 255, MinQuality: 50, MinObs: 4}
}

// NewRoutingTable constructs an empty table for a station identified by
// alias, using DefaultParams.
func NewRoutingTable(alias string) *RoutingTable {
	return NewRoutingTableWithParams(alias, DefaultParams())
}

// NewRoutingTableWithParams is NewRoutingTable with explicit tunables, for
// callers (the netrom Network, wired from on-disk Config) that override
// the defaults.
func NewRoutingTableWithParams(alias string, p Params) *RoutingTable {
	return &RoutingTable{
		NodeAlias:      alias,
		ourCalls:       make(map[callsign.Call]struct{}),
		neighbors:      make(map[callsign.Call]*Neighbor),
		destinations:   make(map[callsign.Call]*Destination),
		defaultObs:     p.DefaultObs,
		defaultQuality: p.DefaultQuality,
		minQuality:     p.MinQuality,
		minObs:         p.MinObs,
	}
}

// AddOurCall records a callsign this station answers to, so NODES
// advertisements pointing back at ourselves are recognised as trivial
// loops.
func (t *RoutingTable) AddOurCall(c callsign.Call) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ourCalls[c] = struct{}{}
}

// Route returns the ordered list of candidate next hops for packet's
// destination: best-quality-first if a route is known, a direct neighbor
// hop if the destination is itself a neighbor, or nil if unreachable.
func (t *RoutingTable) Route(dest callsign.Call) []callsign.Call {
	t.mu.Lock()
	defer t.mu.Unlock()

	if d, ok := t.destinations[dest]; ok {
		routes := d.sortedRoutes()
		hops := make([]callsign.Call, len(routes))
		for i, r := range routes {
			hops[i] = r.NextHop
		}
		return hops
	}
	if _, ok := t.neighbors[dest]; ok {
		return []callsign.Call{dest}
	}
	return nil
}

// Neighbor returns the registered neighbor for call, if any.
func (t *RoutingTable) Neighbor(call callsign.Call) (Neighbor, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.neighbors[call]
	if !ok {
		return Neighbor{}, false
	}
	return *n, true
}

// routeQuality computes the NET/ROM composite quality for a route learned
// from neighbor carrying destQuality: round((destQuality * neighborQuality
// + 128) / 256). Rounded, not truncated, so quality 192 heard via a
// neighbor of quality 255 stays 192 instead of decaying to 191 on every
// hop.
func routeQuality(destQuality, neighborQuality int) int {
	raw := float64(destQuality*neighborQuality+128) / 256.0
	return int(math.Round(raw))
}

// UpdateRoutes folds a NODES broadcast heard directly from heardFrom (on
// heardOnPort) into the table: a direct route to heardFrom itself, plus one
// candidate route per advertised destination whose composed quality clears
// minQuality. A destination whose best neighbor is one of our own calls is
// a trivial loop and is skipped.
func (t *RoutingTable) UpdateRoutes(heardFrom callsign.Call, heardOnPort int, nodes Nodes) {
	t.mu.Lock()
	defer t.mu.Unlock()

	neighbor, ok := t.neighbors[heardFrom]
	if !ok {
		neighbor = &Neighbor{Call: heardFrom, Port: heardOnPort, Quality: t.defaultQuality}
		t.neighbors[heardFrom] = neighbor
	}

	dest, ok := t.destinations[heardFrom]
	if !ok {
		dest = &Destination{NodeCall: heardFrom, NodeAlias: nodes.SendingAlias, Neighbors: make(map[callsign.Call]*Route)}
		t.destinations[heardFrom] = dest
	}
	dest.Neighbors[heardFrom] = &Route{Dest: heardFrom, NextHop: heardFrom, Quality: t.defaultQuality, Obsolescence: t.defaultObs}

	for _, d := range nodes.Destinations {
		if _, loop := t.ourCalls[d.BestNeighbor]; loop {
			continue
		}
		quality := routeQuality(d.Quality, neighbor.Quality)
		if quality <= t.minQuality {
			continue
		}
		target, ok := t.destinations[d.DestCall]
		if !ok {
			target = &Destination{NodeCall: d.DestCall, NodeAlias: d.DestAlias, Neighbors: make(map[callsign.Call]*Route)}
			t.destinations[d.DestCall] = target
		}
		target.Neighbors[neighbor.Call] = &Route{
			Dest: d.DestCall, NextHop: neighbor.Call, Quality: quality, Obsolescence: t.defaultObs,
		}
	}
}

// Seed installs routes recovered from a persisted NODES snapshot, before
// any live broadcast has been heard. The snapshot does not record which
// port a neighbor was heard on, so every seeded neighbor is assumed to be
// on port until a live broadcast corrects it. Seeded routes get only
// minObs obsolescence: the snapshot is stale by an unknown amount, so
// they can be forwarded over at once, fall below minObs (and out of
// PruneAndSnapshot's advertisement) on the first prune, and are gone after
// minObs prunes unless a real broadcast refreshes or replaces them.
func (t *RoutingTable) Seed(n Nodes, port int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, d := range n.Destinations {
		if _, loop := t.ourCalls[d.BestNeighbor]; loop {
			continue
		}
		if d.Quality <= t.minQuality {
			continue
		}
		if _, ok := t.neighbors[d.BestNeighbor]; !ok {
			t.neighbors[d.BestNeighbor] = &Neighbor{Call: d.BestNeighbor, Port: port, Quality: t.defaultQuality}
		}
		dest, ok := t.destinations[d.DestCall]
		if !ok {
			dest = &Destination{NodeCall: d.DestCall, NodeAlias: d.DestAlias, Neighbors: make(map[callsign.Call]*Route)}
			t.destinations[d.DestCall] = dest
		}
		dest.Neighbors[d.BestNeighbor] = &Route{
			Dest: d.DestCall, NextHop: d.BestNeighbor, Quality: d.Quality, Obsolescence: t.minObs,
		}
	}
}

// PruneAndSnapshot decrements every route's obsolescence, drops routes and
// neighbors that have decayed to zero, and returns the resulting NODES
// advertisement, all in one critical section. The caller persists the
// returned snapshot to disk without holding the lock.
func (t *RoutingTable) PruneAndSnapshot() Nodes {
	t.mu.Lock()
	defer t.mu.Unlock()

	for call, dest := range t.destinations {
		for neighborCall, route := range dest.Neighbors {
			route.Obsolescence--
			if route.Obsolescence <= 0 {
				delete(dest.Neighbors, neighborCall)
			}
		}
		if len(dest.Neighbors) == 0 {
			delete(t.destinations, call)
			delete(t.neighbors, call)
		}
	}

	return t.nodesLocked()
}

// GetNodes returns the current best-route advertisement without pruning.
func (t *RoutingTable) GetNodes() Nodes {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nodesLocked()
}

func (t *RoutingTable) nodesLocked() Nodes {
	var records []NodeRecord
	for _, dest := range t.destinations {
		for _, route := range dest.sortedRoutes() {
			if route.Obsolescence >= t.minObs {
				records = append(records, NodeRecord{
					DestCall: dest.NodeCall, DestAlias: dest.NodeAlias,
					BestNeighbor: route.NextHop, Quality: route.Quality,
				})
				break
			}
		}
	}
	return Nodes{SendingAlias: t.NodeAlias, Destinations: records}
}

func (t *RoutingTable) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := "Neighbors:\n"
	for _, n := range t.neighbors {
		s += fmt.Sprintf("\t%+v\n", *n)
	}
	s += "Destinations:\n"
	for _, d := range t.destinations {
		s += fmt.Sprintf("\t%s (%s)\n", d.NodeCall, d.NodeAlias)
	}
	return s
}
