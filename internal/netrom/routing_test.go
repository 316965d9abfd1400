package netrom

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarpn-go/tarpnd/internal/callsign"
)

func TestRouteQualityMatchesWorkedExample(t *testing.T) {
	// A destination advertised at quality 192 by a neighbor heard at the
	// default quality of 255 installs at quality 192.
	assert.Equal(t, 192, routeQuality(192, 255))
}

func TestUpdateRoutesInstallsNeighborAndDestination(t *testing.T) {
	table := NewRoutingTable("HOME")
	me := callsign.MustParse("N0CALL")
	neighbor := callsign.MustParse("N1CALL")
	dest := callsign.MustParse("N2CALL")
	table.AddOurCall(me)

	nodes := Nodes{
		SendingAlias: "NBR",
		Destinations: []NodeRecord{
			{DestCall: dest, DestAlias: "FAR", BestNeighbor: neighbor, Quality: 192},
		},
	}
	table.UpdateRoutes(neighbor, 0, nodes)

	hops := table.Route(dest)
	require.Len(t, hops, 1)
	assert.Equal(t, neighbor, hops[0])

	direct := table.Route(neighbor)
	require.Len(t, direct, 1)
	assert.Equal(t, neighbor, direct[0])
}

// Our station hears X advertise a route to Y with
// best_neighbor Z (the station X itself uses, which we may never have
// heard directly). The route we install must read "Y via X" -- the
// station we actually heard the broadcast from -- not "Y via Z", which we
// have no direct link to and could not resolve a neighbor entry for.
func TestUpdateRoutesInstallsHeardFromNotAdvertisedBestNeighbor(t *testing.T) {
	table := NewRoutingTable("HOME")
	x := callsign.MustParse("N1CALL") // heard directly
	z := callsign.MustParse("N9CALL") // advertised as X's own next hop
	y := callsign.MustParse("N2CALL") // destination

	nodes := Nodes{
		SendingAlias: "XSTN",
		Destinations: []NodeRecord{
			{DestCall: y, DestAlias: "YSTN", BestNeighbor: z, Quality: 200},
		},
	}
	table.UpdateRoutes(x, 0, nodes)

	hops := table.Route(y)
	require.Len(t, hops, 1)
	assert.Equal(t, x, hops[0], "route to Y must go via heard-from X, not advertised best-neighbor Z")
}

func TestUpdateRoutesSkipsTrivialLoopThroughOurselves(t *testing.T) {
	table := NewRoutingTable("HOME")
	me := callsign.MustParse("N0CALL")
	neighbor := callsign.MustParse("N1CALL")
	table.AddOurCall(me)

	nodes := Nodes{
		SendingAlias: "NBR",
		Destinations: []NodeRecord{
			{DestCall: callsign.MustParse("N2CALL"), DestAlias: "LOOP", BestNeighbor: me, Quality: 200},
		},
	}
	table.UpdateRoutes(neighbor, 0, nodes)

	assert.Nil(t, table.Route(callsign.MustParse("N2CALL")))
}

func TestUpdateRoutesSkipsBelowMinQuality(t *testing.T) {
	table := NewRoutingTable("HOME")
	neighbor := callsign.MustParse("N1CALL")
	dest := callsign.MustParse("N2CALL")

	nodes := Nodes{
		Destinations: []NodeRecord{
			{DestCall: dest, DestAlias: "WEAK", BestNeighbor: neighbor, Quality: 10},
		},
	}
	table.UpdateRoutes(neighbor, 0, nodes)

	assert.Nil(t, table.Route(dest))
}

func TestPruneDecaysAndRemovesObsoleteRoutes(t *testing.T) {
	table := NewRoutingTable("HOME")
	neighbor := callsign.MustParse("N1CALL")
	dest := callsign.MustParse("N2CALL")

	nodes := Nodes{
		Destinations: []NodeRecord{
			{DestCall: dest, DestAlias: "FAR", BestNeighbor: neighbor, Quality: 192},
		},
	}
	table.UpdateRoutes(neighbor, 0, nodes)
	require.NotNil(t, table.Route(dest))

	// defaultObs is 100; after fewer decrements than that the route
	// should still be present and advertised in the snapshot.
	for i := 0; i < 50; i++ {
		table.PruneAndSnapshot()
	}
	assert.NotNil(t, table.Route(dest))

	// Enough decrements exhaust obsolescence and the route (and its
	// neighbor, with no other destinations left) are both dropped.
	for i := 0; i < 60; i++ {
		table.PruneAndSnapshot()
	}
	assert.Nil(t, table.Route(dest))
	_, ok := table.Neighbor(neighbor)
	assert.False(t, ok)
}

func TestPruneAndSnapshotIsIdempotentOnEmptyTable(t *testing.T) {
	table := NewRoutingTable("HOME")
	first := table.PruneAndSnapshot()
	second := table.PruneAndSnapshot()
	assert.Empty(t, first.Destinations)
	assert.Empty(t, second.Destinations)
}

func TestRoutingTableHonoursOverriddenParams(t *testing.T) {
	// A node that raises min_quality should reject a route that the
	// default (50) would have accepted.
	table := NewRoutingTableWithParams("HOME", Params{DefaultObs: 100, DefaultQuality: 255, MinQuality: 150, MinObs: 4})
	neighbor := callsign.MustParse("N1CALL")
	dest := callsign.MustParse("N2CALL")

	table.UpdateRoutes(neighbor, 0, Nodes{Destinations: []NodeRecord{
		{DestCall: dest, DestAlias: "MID", BestNeighbor: neighbor, Quality: 120},
	}})

	assert.Nil(t, table.Route(dest), "route quality 120 should be rejected once min_quality is raised to 150")
}

func TestSeedRestoresPersistedRoutes(t *testing.T) {
	table := NewRoutingTable("HOME")
	neighbor := callsign.MustParse("N1CALL")
	dest := callsign.MustParse("N2CALL")

	table.Seed(Nodes{
		SendingAlias: "HOME",
		Destinations: []NodeRecord{
			{DestCall: dest, DestAlias: "FAR", BestNeighbor: neighbor, Quality: 192},
		},
	}, 0)

	hops := table.Route(dest)
	require.Len(t, hops, 1)
	assert.Equal(t, neighbor, hops[0])

	n, ok := table.Neighbor(neighbor)
	require.True(t, ok)
	assert.Equal(t, 0, n.Port)

	// Seeded routes carry only minObs obsolescence, so without a live
	// broadcast refreshing them they decay away within minObs prunes.
	for i := 0; i < DefaultParams().MinObs; i++ {
		table.PruneAndSnapshot()
	}
	assert.Nil(t, table.Route(dest))
}

func TestSeedSkipsLoopsAndWeakRoutes(t *testing.T) {
	table := NewRoutingTable("HOME")
	me := callsign.MustParse("N0CALL")
	table.AddOurCall(me)

	table.Seed(Nodes{Destinations: []NodeRecord{
		{DestCall: callsign.MustParse("N2CALL"), DestAlias: "LOOP", BestNeighbor: me, Quality: 200},
		{DestCall: callsign.MustParse("N3CALL"), DestAlias: "WEAK", BestNeighbor: callsign.MustParse("N1CALL"), Quality: 10},
	}}, 0)

	assert.Nil(t, table.Route(callsign.MustParse("N2CALL")))
	assert.Nil(t, table.Route(callsign.MustParse("N3CALL")))
}

func TestGetNodesReflectsBestRoutePerDestination(t *testing.T) {
	table := NewRoutingTable("HOME")
	n1 := callsign.MustParse("N1CALL")
	n2 := callsign.MustParse("N2CALL")
	dest := callsign.MustParse("N3CALL")

	table.UpdateRoutes(n1, 0, Nodes{Destinations: []NodeRecord{
		{DestCall: dest, DestAlias: "FAR", BestNeighbor: n1, Quality: 150},
	}})
	table.UpdateRoutes(n2, 0, Nodes{Destinations: []NodeRecord{
		{DestCall: dest, DestAlias: "FAR", BestNeighbor: n2, Quality: 200},
	}})

	hops := table.Route(dest)
	require.NotEmpty(t, hops)
	assert.Equal(t, n2, hops[0], "best-quality neighbor should sort first")

	// Both neighbors are destinations too, through their direct routes.
	nodes := table.GetNodes()
	require.Len(t, nodes.Destinations, 3)
	var far *NodeRecord
	for i := range nodes.Destinations {
		if nodes.Destinations[i].DestCall == dest {
			far = &nodes.Destinations[i]
		}
	}
	require.NotNil(t, far)
	assert.Equal(t, 200, far.Quality)
}
