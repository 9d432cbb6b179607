// Package economy provides the trade-route ledger and the unlock registry.
package economy

import (
	"sort"
	"sync"

	"github.com/talgya/dominion/internal/world"
)

// RouteID identifies a trade route.
type RouteID uint32

// Route is a trade connection between two territories.
type Route struct {
	ID                   RouteID            `json:"id"`
	Origin               world.TerritoryID  `json:"origin"`
	Destination          world.TerritoryID  `json:"destination"`
	ResourceType         world.ResourceType `json:"resource_type"`
	BaseImpact           float64            `json:"base_impact"`
	DifficultyMultiplier float64            `json:"difficulty_multiplier"`
	FactionControllerID  world.FactionID    `json:"faction_controller_id"`
}

// Value is the economic weight of the route.
func (r Route) Value() float64 {
	return r.BaseImpact * r.DifficultyMultiplier
}

// Network holds every trade route of a session.
type Network struct {
	mu     sync.RWMutex
	routes map[RouteID]*Route
	nextID RouteID
}

// NewNetwork creates an empty route network.
func NewNetwork() *Network {
	return &Network{routes: make(map[RouteID]*Route), nextID: 1}
}

// Add inserts a route. A zero ID is assigned automatically.
func (n *Network) Add(r Route) RouteID {
	n.mu.Lock()
	defer n.mu.Unlock()
	if r.ID == 0 {
		r.ID = n.nextID
	}
	if r.ID >= n.nextID {
		n.nextID = r.ID + 1
	}
	if r.DifficultyMultiplier == 0 {
		r.DifficultyMultiplier = 1
	}
	n.routes[r.ID] = &r
	return r.ID
}

// AllRoutes returns a copy of every route sorted by ID.
func (n *Network) AllRoutes() []Route {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]Route, 0, len(n.routes))
	for _, r := range n.routes {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RoutesByFaction returns the routes a faction controls.
func (n *Network) RoutesByFaction(id world.FactionID) []Route {
	var out []Route
	for _, r := range n.AllRoutes() {
		if r.FactionControllerID == id {
			out = append(out, r)
		}
	}
	return out
}

// SetController assigns a route's controller.
func (n *Network) SetController(id RouteID, f world.FactionID) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	r, ok := n.routes[id]
	if !ok {
		return false
	}
	r.FactionControllerID = f
	return true
}

// SyncControllers hands every route to the controller of its origin territory.
// Returns the number of routes that changed hands.
func (n *Network) SyncControllers(controllerOf func(world.TerritoryID) world.FactionID) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	changed := 0
	for _, r := range n.routes {
		f := controllerOf(r.Origin)
		if f != r.FactionControllerID {
			r.FactionControllerID = f
			changed++
		}
	}
	return changed
}

// BuildRoutes links each market territory to its nearest other market within
// reach, producing one route per pair.
func BuildRoutes(territories []world.Territory, reach int) *Network {
	n := NewNetwork()
	seen := make(map[[2]world.TerritoryID]bool)
	for _, a := range territories {
		if a.Kind != world.KindMarket {
			continue
		}
		best := -1
		bestDist := reach + 1
		for i, b := range territories {
			if b.ID == a.ID || b.Kind == world.KindFortress {
				continue
			}
			if d := world.Distance(a.Coord, b.Coord); d < bestDist {
				best, bestDist = i, d
			}
		}
		if best < 0 {
			continue
		}
		b := territories[best]
		k := [2]world.TerritoryID{min(a.ID, b.ID), max(a.ID, b.ID)}
		if seen[k] {
			continue
		}
		seen[k] = true
		n.Add(Route{
			Origin:               a.ID,
			Destination:          b.ID,
			ResourceType:         b.Kind.ResourceType(),
			BaseImpact:           float64(a.StrategicValue + b.StrategicValue),
			DifficultyMultiplier: 1 + 0.25*float64(bestDist-1),
			FactionControllerID:  a.Controller,
		})
	}
	return n
}
