// World generation using layered simplex noise.
// Generates elevation, rainfall, and temperature, then derives terrain,
// holdings, and strategic value for every land hex.
package world

import (
	"math"
	"math/rand"

	opensimplex "github.com/ojrac/opensimplex-go"
)

// GenConfig holds world generation parameters.
type GenConfig struct {
	Radius      int     // Hex grid radius
	Seed        int64   // Random seed (0 = random)
	SeaLevel    float64 // Elevation threshold for ocean (0.0–1.0)
	MountainLvl float64 // Elevation threshold for mountains (0.0–1.0)
}

// DefaultGenConfig returns a reasonable starting configuration.
func DefaultGenConfig() GenConfig {
	return GenConfig{
		Radius:      9,
		Seed:        0,
		SeaLevel:    0.22,
		MountainLvl: 0.70,
	}
}

// SmallTestConfig returns a tiny world for rapid iteration.
func SmallTestConfig() GenConfig {
	return GenConfig{
		Radius:      4,
		Seed:        42,
		SeaLevel:    0.10,
		MountainLvl: 0.75,
	}
}

// Generate creates a world map with one territory per land hex.
func Generate(cfg GenConfig) *Map {
	seed := cfg.Seed
	if seed == 0 {
		seed = rand.Int63()
	}

	// Independent noise layers.
	elevNoise := opensimplex.NewNormalized(seed)
	rainNoise := opensimplex.NewNormalized(seed + 1)
	tempNoise := opensimplex.NewNormalized(seed + 2)
	valueNoise := opensimplex.NewNormalized(seed + 3)

	m := NewMap(cfg.Radius)

	for q := -cfg.Radius; q <= cfg.Radius; q++ {
		for r := -cfg.Radius; r <= cfg.Radius; r++ {
			coord := HexCoord{Q: q, R: r}
			if !m.InBounds(coord) {
				continue
			}

			// Hex axial → cartesian: x = q + r*0.5, y = r * sqrt(3)/2
			x := float64(q) + float64(r)*0.5
			y := float64(r) * math.Sqrt(3.0) / 2.0

			elev := octaveNoise(elevNoise, x, y, 4, 0.08, 0.5)
			rain := octaveNoise(rainNoise, x, y, 3, 0.06, 0.5)
			temp := octaveNoise(tempNoise, x, y, 3, 0.05, 0.5)

			// Continental shaping: reduce elevation near edges.
			distFromCenter := math.Sqrt(x*x+y*y) / float64(cfg.Radius+1)
			edgeFalloff := 1.0 - math.Pow(distFromCenter, 3.5)
			if edgeFalloff < 0 {
				edgeFalloff = 0
			}
			elev *= edgeFalloff

			terrain := deriveTerrain(elev, rain, temp, cfg)
			if terrain == TerrainOcean {
				continue
			}

			kind := KindForTerrain(terrain)
			m.Add(Territory{
				Coord:          coord,
				Terrain:        terrain,
				Kind:           kind,
				Region:         regionOf(x, y),
				StrategicValue: strategicValue(kind, elev, octaveNoise(valueNoise, x, y, 2, 0.2, 0.5)),
				Elevation:      elev,
			})
		}
	}

	return m
}

// SeedControl places one capital per faction (see PlaceCapitals) and grows
// each realm outward breadth-first until share of the land is claimed. The
// remainder stays neutral.
func SeedControl(m *Map, factions []FactionID, share float64, seed int64) {
	if len(factions) == 0 {
		return
	}
	rng := rand.New(rand.NewSource(seed + 400))

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.territories) == 0 {
		return
	}

	budget := int(float64(len(m.territories)) * share)
	frontier := make(map[FactionID][]TerritoryID, len(factions))
	capitals := m.placeCapitalsLocked(len(factions), rng)
	for i, id := range capitals {
		f := factions[i]
		t := m.territories[id]
		t.Controller = f
		t.Influence[f] = m.FlipMargin
		frontier[f] = []TerritoryID{id}
		budget--
	}

	for budget > 0 {
		grew := false
		for _, f := range factions {
			if budget <= 0 {
				break
			}
			queue := frontier[f]
			for len(queue) > 0 {
				cur := m.territories[queue[0]]
				claimed := false
				for _, n := range cur.Coord.Neighbors() {
					nid, ok := m.byCoord[n]
					if !ok {
						continue
					}
					nt := m.territories[nid]
					if nt.Controller != 0 {
						continue
					}
					nt.Controller = f
					nt.Influence[f] = m.FlipMargin
					queue = append(queue, nid)
					budget--
					claimed = true
					grew = true
					break
				}
				if claimed {
					break
				}
				queue = queue[1:]
			}
			frontier[f] = queue
		}
		if !grew {
			break
		}
	}
}

// deriveTerrain determines terrain type from environmental parameters.
func deriveTerrain(elev, rain, temp float64, cfg GenConfig) Terrain {
	if elev < cfg.SeaLevel {
		return TerrainOcean
	}
	if elev > cfg.MountainLvl {
		return TerrainMountain
	}
	if temp < 0.25 {
		return TerrainTundra
	}
	if rain < 0.25 && temp > 0.5 {
		return TerrainDesert
	}
	if rain > 0.7 && elev < 0.45 {
		return TerrainSwamp
	}
	if rain > 0.45 && elev > 0.45 {
		return TerrainForest
	}
	if rain > 0.6 {
		return TerrainRiver
	}
	return TerrainPlains
}

// strategicValue scores a holding from 1 to 10.
func strategicValue(kind TerritoryKind, elev, noise float64) int {
	v := 1 + noise*6 + elev*3
	if kind == KindFortress || kind == KindOutpost {
		v++
	}
	return min(10, max(1, int(math.Round(v))))
}

// regionOf assigns one of six sextants around the map center.
func regionOf(x, y float64) int {
	angle := math.Atan2(y, x)
	if angle < 0 {
		angle += 2 * math.Pi
	}
	return int(angle/(math.Pi/3)) % 6
}

func octaveNoise(noise opensimplex.Noise, x, y float64, octaves int, frequency, persistence float64) float64 {
	total := 0.0
	amplitude := 1.0
	maxVal := 0.0

	for i := 0; i < octaves; i++ {
		total += noise.Eval2(x*frequency, y*frequency) * amplitude
		maxVal += amplitude
		amplitude *= persistence
		frequency *= 2
	}

	return total / maxVal
}

// KindCounts returns how many territories of each kind exist.
func KindCounts(m *Map) map[TerritoryKind]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := make(map[TerritoryKind]int)
	for _, t := range m.territories {
		counts[t.Kind]++
	}
	return counts
}
