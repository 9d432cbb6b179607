// Capital placement: finds well-spaced, desirable territories to seed each
// faction's realm from.
package world

import (
	"math/rand"
	"sort"
)

// PlaceCapitals picks n capital territories, best first. Capitals keep a
// minimum distance from one another that shrinks when the map is too small
// to fit them all.
func PlaceCapitals(m *Map, n int, seed int64) []TerritoryID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.placeCapitalsLocked(n, rand.New(rand.NewSource(seed+200)))
}

func (m *Map) placeCapitalsLocked(n int, rng *rand.Rand) []TerritoryID {
	if n <= 0 {
		return nil
	}

	type scored struct {
		t     *Territory
		score float64
	}
	ids := make([]TerritoryID, 0, len(m.territories))
	for id := range m.territories {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	candidates := make([]scored, 0, len(ids))
	for _, id := range ids {
		t := m.territories[id]
		if t.Controller != 0 {
			continue
		}
		// A small jitter breaks ties so equal maps still vary by seed.
		candidates = append(candidates, scored{t, m.capitalScore(t) + rng.Float64()*0.1})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].t.ID < candidates[j].t.ID
	})

	var picked []TerritoryID
	taken := make(map[TerritoryID]bool)
	for minDist := max(2, m.Radius); minDist >= 0 && len(picked) < n; minDist-- {
		for _, c := range candidates {
			if len(picked) >= n {
				break
			}
			if taken[c.t.ID] || m.tooClose(c.t.Coord, picked, minDist) {
				continue
			}
			taken[c.t.ID] = true
			picked = append(picked, c.t.ID)
		}
	}
	return picked
}

// capitalScore rates a territory as a seat of power. Prefers strategic
// value, trade terrain and a diverse neighborhood.
func (m *Map) capitalScore(t *Territory) float64 {
	score := float64(t.StrategicValue) * 0.5

	switch t.Terrain {
	case TerrainCoast:
		score += 4.0
	case TerrainRiver:
		score += 3.5
	case TerrainPlains:
		score += 3.0
	case TerrainMountain:
		score += 2.0
	case TerrainForest:
		score += 1.5
	default:
		score += 0.5
	}

	kinds := make(map[TerritoryKind]bool)
	for _, nc := range t.Coord.Neighbors() {
		if id, ok := m.byCoord[nc]; ok {
			kinds[m.territories[id].Kind] = true
		}
	}
	score += float64(len(kinds)) * 0.3
	return score
}

func (m *Map) tooClose(coord HexCoord, existing []TerritoryID, minDist int) bool {
	for _, id := range existing {
		if Distance(coord, m.territories[id].Coord) < minDist {
			return true
		}
	}
	return false
}
