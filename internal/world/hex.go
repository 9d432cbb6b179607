// Package world provides the hex grid, terrain, and the territory ledger.
// Uses axial coordinates (q, r) for the hex grid.
package world

import (
	"fmt"
	"strings"
)

// HexCoord represents a position on the hex grid using axial coordinates.
// The third cube coordinate s is derived: s = -q - r.
type HexCoord struct {
	Q int `json:"q"`
	R int `json:"r"`
}

// S returns the implicit third cube coordinate.
func (h HexCoord) S() int {
	return -h.Q - h.R
}

// Terrain types for hex tiles.
type Terrain uint8

const (
	TerrainPlains   Terrain = iota // Open ground, trade hubs
	TerrainForest                  // Timber and seclusion
	TerrainMountain                // Minerals, defensive positions
	TerrainCoast                   // Ports
	TerrainRiver                   // Trade arteries
	TerrainDesert                  // Remote outposts
	TerrainSwamp                   // Hidden laboratories
	TerrainTundra                  // Frontier holdings
	TerrainOcean                   // Impassable, never a territory
)

// ResourceType is the resource classification of a territory.
type ResourceType uint8

const (
	ResourceMilitary ResourceType = iota
	ResourceEconomic
	ResourceIndustrial
	ResourceResearch
	ResourceStrategic
)

// ResourceTypeCount is the number of resource classifications.
const ResourceTypeCount = 5

// AllResourceTypes lists every resource type in declaration order.
func AllResourceTypes() []ResourceType {
	return []ResourceType{ResourceMilitary, ResourceEconomic, ResourceIndustrial, ResourceResearch, ResourceStrategic}
}

func (r ResourceType) String() string {
	switch r {
	case ResourceMilitary:
		return "military"
	case ResourceEconomic:
		return "economic"
	case ResourceIndustrial:
		return "industrial"
	case ResourceResearch:
		return "research"
	case ResourceStrategic:
		return "strategic"
	default:
		return "unknown"
	}
}

// MarshalText encodes the resource type by name, so it works as a JSON map key.
func (r ResourceType) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText decodes a resource type name.
func (r *ResourceType) UnmarshalText(b []byte) error {
	v, err := ParseResourceType(string(b))
	if err != nil {
		return err
	}
	*r = v
	return nil
}

// ParseResourceType resolves a resource type from its name.
func ParseResourceType(s string) (ResourceType, error) {
	for _, rt := range AllResourceTypes() {
		if strings.EqualFold(s, rt.String()) {
			return rt, nil
		}
	}
	return 0, fmt.Errorf("unknown resource type %q", s)
}

// TerritoryKind is the structural type of a territory, derived from terrain.
type TerritoryKind uint8

const (
	KindFortress TerritoryKind = iota
	KindMarket
	KindFoundry
	KindAcademy
	KindOutpost
)

func (k TerritoryKind) String() string {
	switch k {
	case KindFortress:
		return "fortress"
	case KindMarket:
		return "market"
	case KindFoundry:
		return "foundry"
	case KindAcademy:
		return "academy"
	case KindOutpost:
		return "outpost"
	default:
		return "unknown"
	}
}

// ResourceType classifies a territory kind.
func (k TerritoryKind) ResourceType() ResourceType {
	switch k {
	case KindFortress:
		return ResourceMilitary
	case KindMarket:
		return ResourceEconomic
	case KindFoundry:
		return ResourceIndustrial
	case KindAcademy:
		return ResourceResearch
	default:
		return ResourceStrategic
	}
}

// KindForTerrain maps terrain to the kind of holding built on it.
func KindForTerrain(t Terrain) TerritoryKind {
	switch t {
	case TerrainMountain:
		return KindFortress
	case TerrainPlains, TerrainCoast, TerrainRiver:
		return KindMarket
	case TerrainForest:
		return KindFoundry
	case TerrainSwamp:
		return KindAcademy
	default:
		return KindOutpost
	}
}

// HexNeighborDirections defines the six neighbor offsets in axial coordinates.
var HexNeighborDirections = [6]HexCoord{
	{Q: 1, R: 0},
	{Q: 1, R: -1},
	{Q: 0, R: -1},
	{Q: -1, R: 0},
	{Q: -1, R: 1},
	{Q: 0, R: 1},
}

// Neighbors returns the six adjacent hex coordinates.
func (h HexCoord) Neighbors() [6]HexCoord {
	var result [6]HexCoord
	for i, dir := range HexNeighborDirections {
		result[i] = HexCoord{Q: h.Q + dir.Q, R: h.R + dir.R}
	}
	return result
}

// Distance returns the hex distance between two coordinates.
func Distance(a, b HexCoord) int {
	dq := abs(a.Q - b.Q)
	dr := abs(a.R - b.R)
	ds := abs(a.S() - b.S())
	// Max of the three absolute differences in cube coordinates.
	return max(dq, dr, ds)
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
