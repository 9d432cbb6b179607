package economy

import (
	"testing"

	"github.com/talgya/dominion/internal/world"
)

func TestRoutesByFaction(t *testing.T) {
	n := NewNetwork()
	n.Add(Route{BaseImpact: 10, FactionControllerID: 1})
	n.Add(Route{BaseImpact: 5, DifficultyMultiplier: 2, FactionControllerID: 2})
	n.Add(Route{BaseImpact: 3, FactionControllerID: 1})

	if got := len(n.RoutesByFaction(1)); got != 2 {
		t.Fatalf("faction 1 routes = %d, want 2", got)
	}
	r := n.RoutesByFaction(2)[0]
	if r.Value() != 10 {
		t.Fatalf("value = %v, want 10", r.Value())
	}
	if n.AllRoutes()[0].DifficultyMultiplier != 1 {
		t.Fatalf("zero difficulty should default to 1")
	}
}

func TestSyncControllers(t *testing.T) {
	n := NewNetwork()
	n.Add(Route{Origin: 1, FactionControllerID: 1})
	n.Add(Route{Origin: 2, FactionControllerID: 2})
	owners := map[world.TerritoryID]world.FactionID{1: 3, 2: 2}
	changed := n.SyncControllers(func(id world.TerritoryID) world.FactionID { return owners[id] })
	if changed != 1 {
		t.Fatalf("changed = %d, want 1", changed)
	}
	if len(n.RoutesByFaction(3)) != 1 {
		t.Fatalf("route not handed to faction 3")
	}
}

func TestBuildRoutesLinksMarkets(t *testing.T) {
	ts := []world.Territory{
		{ID: 1, Kind: world.KindMarket, StrategicValue: 3, Controller: 1},
		{ID: 2, Coord: world.HexCoord{Q: 1}, Kind: world.KindAcademy, StrategicValue: 4},
		{ID: 3, Coord: world.HexCoord{Q: 9}, Kind: world.KindMarket, StrategicValue: 2},
	}
	n := BuildRoutes(ts, 3)
	routes := n.AllRoutes()
	if len(routes) != 1 {
		t.Fatalf("routes = %d, want 1", len(routes))
	}
	if routes[0].Origin != 1 || routes[0].Destination != 2 || routes[0].BaseImpact != 7 {
		t.Fatalf("unexpected route %#v", routes[0])
	}
	if routes[0].ResourceType != world.ResourceResearch {
		t.Fatalf("resource type = %v", routes[0].ResourceType)
	}
}

func TestRegistryIdempotent(t *testing.T) {
	r := NewRegistry()
	if !r.UnlockEntry("rifle") {
		t.Fatalf("first unlock should be new")
	}
	if r.UnlockEntry("rifle") {
		t.Fatalf("second unlock should not be new")
	}
	if !r.Unlocked("rifle") || len(r.Entries()) != 1 {
		t.Fatalf("registry state wrong")
	}
}
