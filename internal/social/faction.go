// Factions: the seven contenders for territorial control, their play-style
// preferences, and the trust ledger between them.
package social

import (
	"sort"
	"sync"

	"github.com/talgya/dominion/internal/world"
)

// FactionKind categorizes the nature of a faction.
type FactionKind uint8

const (
	FactionPolitical FactionKind = iota // Governance-focused
	FactionEconomic                     // Trade and wealth
	FactionMilitary                     // Martial power
	FactionReligious                    // Spiritual and cultural
	FactionCriminal                     // Underground
	FactionScholarly                    // Research
	FactionNomadic                      // Frontier raiders
)

// Faction represents an organization competing for territory.
type Faction struct {
	ID   world.FactionID `json:"id"`
	Name string          `json:"name"`
	Kind FactionKind     `json:"kind"`

	// BaseControlProbability scales the faction's prior chance to hold ground.
	BaseControlProbability float64 `json:"base_control_probability"`
	// Aggression in [0,1] weights how hard the faction pushes for high-value targets.
	Aggression float64 `json:"aggression"`
	// Focus multiplies control chances per resource type (missing = 1.0).
	Focus map[world.ResourceType]float64 `json:"focus"`
	// Affinity multiplies resource output per resource type (missing = 1.0).
	Affinity map[world.ResourceType]float64 `json:"affinity"`
}

// FocusOn returns the focus multiplier for a resource type.
func (f *Faction) FocusOn(rt world.ResourceType) float64 {
	if v, ok := f.Focus[rt]; ok {
		return v
	}
	return 1.0
}

// AffinityFor returns the resource-affinity multiplier for a resource type.
func (f *Faction) AffinityFor(rt world.ResourceType) float64 {
	if v, ok := f.Affinity[rt]; ok {
		return v
	}
	return 1.0
}

// SeedFactions creates the seven factions of a session.
func SeedFactions() []*Faction {
	return []*Faction{
		{
			ID: 1, Name: "The Crown", Kind: FactionPolitical,
			BaseControlProbability: 1.1, Aggression: 0.5,
			Focus:    map[world.ResourceType]float64{world.ResourceStrategic: 1.2, world.ResourceMilitary: 1.1},
			Affinity: map[world.ResourceType]float64{world.ResourceStrategic: 1.15},
		},
		{
			ID: 2, Name: "Merchant's Compact", Kind: FactionEconomic,
			BaseControlProbability: 1.0, Aggression: 0.2,
			Focus:    map[world.ResourceType]float64{world.ResourceEconomic: 1.4, world.ResourceMilitary: 0.8},
			Affinity: map[world.ResourceType]float64{world.ResourceEconomic: 1.3},
		},
		{
			ID: 3, Name: "Iron Brotherhood", Kind: FactionMilitary,
			BaseControlProbability: 1.15, Aggression: 0.9,
			Focus:    map[world.ResourceType]float64{world.ResourceMilitary: 1.5, world.ResourceResearch: 0.8},
			Affinity: map[world.ResourceType]float64{world.ResourceMilitary: 1.25, world.ResourceIndustrial: 1.1},
		},
		{
			ID: 4, Name: "Verdant Circle", Kind: FactionReligious,
			BaseControlProbability: 0.9, Aggression: 0.1,
			Focus:    map[world.ResourceType]float64{world.ResourceResearch: 1.2, world.ResourceEconomic: 1.1},
			Affinity: map[world.ResourceType]float64{world.ResourceResearch: 1.2},
		},
		{
			ID: 5, Name: "Ashen Path", Kind: FactionCriminal,
			BaseControlProbability: 0.85, Aggression: 0.7,
			Focus:    map[world.ResourceType]float64{world.ResourceStrategic: 1.3, world.ResourceEconomic: 1.1},
			Affinity: map[world.ResourceType]float64{world.ResourceEconomic: 1.1},
		},
		{
			ID: 6, Name: "Lantern Academy", Kind: FactionScholarly,
			BaseControlProbability: 0.95, Aggression: 0.3,
			Focus:    map[world.ResourceType]float64{world.ResourceResearch: 1.5, world.ResourceIndustrial: 1.1},
			Affinity: map[world.ResourceType]float64{world.ResourceResearch: 1.35},
		},
		{
			ID: 7, Name: "Dune Riders", Kind: FactionNomadic,
			BaseControlProbability: 1.0, Aggression: 0.8,
			Focus:    map[world.ResourceType]float64{world.ResourceStrategic: 1.4, world.ResourceIndustrial: 0.9},
			Affinity: map[world.ResourceType]float64{world.ResourceStrategic: 1.2, world.ResourceMilitary: 1.05},
		},
	}
}

// AlliedThreshold is the relation score at which two factions count as allies.
const AlliedThreshold = 30.0

// Roster holds the factions of a session and the relations between them.
// It is the trust ledger consumed by the analytics stages.
type Roster struct {
	mu        sync.RWMutex
	factions  map[world.FactionID]*Faction
	relations map[pair]float64
}

type pair struct{ a, b world.FactionID }

func key(a, b world.FactionID) pair {
	if a > b {
		a, b = b, a
	}
	return pair{a, b}
}

// NewRoster creates a roster from a faction list.
func NewRoster(factions []*Faction) *Roster {
	r := &Roster{
		factions:  make(map[world.FactionID]*Faction, len(factions)),
		relations: make(map[pair]float64),
	}
	for _, f := range factions {
		r.factions[f.ID] = f
	}
	return r
}

// IDs returns every faction ID in ascending order.
func (r *Roster) IDs() []world.FactionID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]world.FactionID, 0, len(r.factions))
	for id := range r.factions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Faction returns a faction by ID.
func (r *Roster) Faction(id world.FactionID) (*Faction, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factions[id]
	return f, ok
}

// Len returns the number of factions.
func (r *Roster) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.factions)
}

// SetRelation sets a symmetric relation between two factions (-100 to +100).
func (r *Roster) SetRelation(a, b world.FactionID, value float64) {
	if a == b {
		return
	}
	r.mu.Lock()
	r.relations[key(a, b)] = min(100, max(-100, value))
	r.mu.Unlock()
}

// Relation returns the relation score between two factions.
func (r *Roster) Relation(a, b world.FactionID) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.relations[key(a, b)]
}

// TrustIndex returns the relation scaled to [-1, 1]. A faction fully trusts itself.
func (r *Roster) TrustIndex(a, b world.FactionID) float64 {
	if a == b {
		return 1
	}
	return r.Relation(a, b) / 100
}

// Allied reports whether two distinct factions are allied.
func (r *Roster) Allied(a, b world.FactionID) bool {
	return a != b && r.Relation(a, b) >= AlliedThreshold
}

// Allies returns the allies of a faction in ascending order.
func (r *Roster) Allies(id world.FactionID) []world.FactionID {
	var out []world.FactionID
	for _, other := range r.IDs() {
		if r.Allied(id, other) {
			out = append(out, other)
		}
	}
	return out
}

// Drift moves every relation toward neutral by fraction rate.
func (r *Roster) Drift(rate float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, v := range r.relations {
		r.relations[k] = v - v*rate
	}
}
