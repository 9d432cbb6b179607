package resources

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/talgya/dominion/internal/cache"
	"github.com/talgya/dominion/internal/config"
	"github.com/talgya/dominion/internal/events"
	"github.com/talgya/dominion/internal/world"
)

// BonusKind selects whether a bonus decays between updates.
type BonusKind uint8

const (
	BonusStatic BonusKind = iota
	BonusDynamic
)

func (k BonusKind) String() string {
	if k == BonusDynamic {
		return "Dynamic"
	}
	return "Static"
}

// MarshalText encodes the bonus kind by name.
func (k BonusKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// AdvancedResourceBonus is one faction's bonus on one resource type.
type AdvancedResourceBonus struct {
	FactionID             world.FactionID             `json:"faction_id"`
	ResourceType          world.ResourceType          `json:"resource_type"`
	Base                  float64                     `json:"base"`
	Multiplier            float64                     `json:"multiplier"`
	Confidence            float64                     `json:"confidence"`
	EquilibriumAdjustment float64                     `json:"equilibrium_adjustment"`
	Synergy               map[world.FactionID]float64 `json:"synergy,omitempty"`
	DecayRate             float64                     `json:"decay_rate"`
	DecayFloor            float64                     `json:"decay_floor"`
	Kind                  BonusKind                   `json:"kind"`
	UpdatedAt             time.Time                   `json:"updated_at"`
}

// Value is (base + equilibrium adjustment) × multiplier × (1 + Σ synergy).
func (b AdvancedResourceBonus) Value() float64 {
	syn := 0.0
	for _, s := range b.Synergy {
		syn += s
	}
	return (b.Base + b.EquilibriumAdjustment) * b.Multiplier * (1 + syn)
}

func (b *AdvancedResourceBonus) clone() AdvancedResourceBonus {
	c := *b
	c.Synergy = make(map[world.FactionID]float64, len(b.Synergy))
	for k, v := range b.Synergy {
		c.Synergy[k] = v
	}
	return c
}

// Trust is the part of the trust ledger used for synergy.
type Trust interface {
	TrustIndex(a, b world.FactionID) float64
}

type bonusKey struct {
	f  world.FactionID
	rt world.ResourceType
}

// BonusBook owns every faction's advanced resource bonuses.
type BonusBook struct {
	cfg   config.Bonus
	stats *Engine
	trust Trust
	bus   events.Publisher

	mu        sync.Mutex
	warned    bool
	bonuses   map[bonusKey]*AdvancedResourceBonus
	published map[bonusKey]float64
}

// NewBonusBook creates neutral bonuses for every faction and resource type.
// A nil trust ledger disables synergy.
func NewBonusBook(cfg config.Config, factions []world.FactionID, stats *Engine, trust Trust, bus events.Publisher) *BonusBook {
	if bus == nil {
		bus = events.Discard{}
	}
	b := &BonusBook{
		cfg:       cfg.Bonus,
		stats:     stats,
		trust:     trust,
		bus:       bus,
		bonuses:   make(map[bonusKey]*AdvancedResourceBonus),
		published: make(map[bonusKey]float64),
	}
	dynamic := make(map[world.ResourceType]bool, len(cfg.Bonus.DynamicTypes))
	for _, rt := range cfg.Bonus.DynamicTypes {
		dynamic[rt] = true
	}
	for _, f := range factions {
		for _, rt := range world.AllResourceTypes() {
			bonus := &AdvancedResourceBonus{
				FactionID:    f,
				ResourceType: rt,
				Base:         1.0,
				Multiplier:   1.0,
				Synergy:      make(map[world.FactionID]float64),
				DecayRate:    cfg.Bonus.DecayRate,
				DecayFloor:   cfg.Bonus.DecayFloor,
			}
			if dynamic[rt] {
				bonus.Kind = BonusDynamic
			}
			k := bonusKey{f, rt}
			b.bonuses[k] = bonus
			b.published[k] = bonus.Value()
		}
	}
	return b
}

// Bonus returns a copy of one bonus.
func (b *BonusBook) Bonus(f world.FactionID, rt world.ResourceType) (AdvancedResourceBonus, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	bonus, ok := b.bonuses[bonusKey{f, rt}]
	if !ok {
		return AdvancedResourceBonus{}, false
	}
	return bonus.clone(), true
}

// Bonuses returns copies of a faction's bonuses in resource-type order.
func (b *BonusBook) Bonuses(f world.FactionID) []AdvancedResourceBonus {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []AdvancedResourceBonus
	for _, rt := range world.AllResourceTypes() {
		if bonus, ok := b.bonuses[bonusKey{f, rt}]; ok {
			out = append(out, bonus.clone())
		}
	}
	return out
}

// Value returns the final bonus value (1.0 for unknown pairs).
func (b *BonusBook) Value(f world.FactionID, rt world.ResourceType) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if bonus, ok := b.bonuses[bonusKey{f, rt}]; ok {
		return bonus.Value()
	}
	return 1.0
}

// Multiplier returns the analytical multiplier (1.0 for unknown pairs).
func (b *BonusBook) Multiplier(f world.FactionID, rt world.ResourceType) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if bonus, ok := b.bonuses[bonusKey{f, rt}]; ok {
		return bonus.Multiplier
	}
	return 1.0
}

// MeanMultiplier averages a faction's analytical multipliers across
// resource types (1.0 for unknown factions).
func (b *BonusBook) MeanMultiplier(f world.FactionID) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	sum, n := 0.0, 0
	for _, rt := range world.AllResourceTypes() {
		if bonus, ok := b.bonuses[bonusKey{f, rt}]; ok {
			sum += bonus.Multiplier
			n++
		}
	}
	if n == 0 {
		return 1.0
	}
	return sum / float64(n)
}

// Scale multiplies every analytical multiplier of a faction by factor,
// clamped to the configured range. Returns the number of bonuses touched.
func (b *BonusBook) Scale(f world.FactionID, factor float64, reason string, now time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, rt := range world.AllResourceTypes() {
		bonus, ok := b.bonuses[bonusKey{f, rt}]
		if !ok {
			continue
		}
		bonus.Multiplier = clamp(bonus.Multiplier*factor, b.cfg.MinMultiplier, b.cfg.MaxMultiplier)
		bonus.UpdatedAt = now
		b.publishLocked(bonus, reason)
		n++
	}
	return n
}

// UpdateSummary reports one bonus update pass.
type UpdateSummary struct {
	Changed      int
	SynergyPairs int
}

// Update recomputes every bonus from the snapshot: dynamic decay, base steps
// from earned resource bonuses, equilibrium adjustment, confidence, and
// synergy from trusted neighboring controllers. bonusCount may be nil.
func (b *BonusBook) Update(snap *cache.Snapshot, bonusCount func(world.FactionID, world.ResourceType) int, now time.Time) UpdateSummary {
	var sum UpdateSummary

	type holding struct {
		count  int
		output float64
	}
	held := make(map[bonusKey]*holding)
	synergy := make(map[bonusKey]map[world.FactionID]float64)

	snap.Each(func(st cache.TerritoryState) {
		if !st.Counts() {
			return
		}
		k := bonusKey{st.Controller, st.ResourceType}
		h, ok := held[k]
		if !ok {
			h = &holding{}
			held[k] = h
		}
		h.count++
		if b.stats != nil {
			h.output += b.stats.TerritoryOutput(st, now)
		}

		if b.trust == nil {
			return
		}
		for _, n := range snap.Within(st.Coord, 1) {
			if n.Controller == 0 || n.Controller == st.Controller || n.Contested {
				continue
			}
			trust := b.trust.TrustIndex(st.Controller, n.Controller)
			if trust < b.cfg.SynergyTrust {
				continue
			}
			m, ok := synergy[k]
			if !ok {
				m = make(map[world.FactionID]float64)
				synergy[k] = m
			}
			m[n.Controller] = b.cfg.SynergyRate * trust
		}
	})

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.trust == nil && !b.warned {
		b.warned = true
		slog.Warn("no trust ledger configured, synergy bonuses disabled")
	}

	keys := make([]bonusKey, 0, len(b.bonuses))
	for k := range b.bonuses {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].f != keys[j].f {
			return keys[i].f < keys[j].f
		}
		return keys[i].rt < keys[j].rt
	})

	for _, k := range keys {
		bonus := b.bonuses[k]

		if bonus.Kind == BonusDynamic && !bonus.UpdatedAt.IsZero() && now.After(bonus.UpdatedAt) {
			hours := now.Sub(bonus.UpdatedAt).Hours()
			bonus.Multiplier = bonus.DecayFloor + (bonus.Multiplier-bonus.DecayFloor)*math.Exp(-bonus.DecayRate*hours)
		}

		if bonusCount != nil {
			bonus.Base = 1.0 + b.cfg.BaseStep*float64(bonusCount(k.f, k.rt))
		}

		bonus.EquilibriumAdjustment = 0
		bonus.Confidence = 0
		if h, ok := held[k]; ok && b.stats != nil {
			if d, found := b.stats.cfg.Distributions[k.rt]; found && d.Equilibrium > 0 {
				avg := h.output / float64(h.count)
				adj := b.cfg.EquilibriumGain * (d.Equilibrium - avg) / d.Equilibrium
				bonus.EquilibriumAdjustment = clamp(adj, -b.cfg.EquilibriumGain, b.cfg.EquilibriumGain)
			}
			bonus.Confidence = 1 - 1/float64(1+h.count)
		}

		next := synergy[k]
		for ally, v := range next {
			if _, had := bonus.Synergy[ally]; !had {
				sum.SynergyPairs++
				b.bus.Publish(events.Event{
					Kind:        events.FactionSynergy,
					FactionID:   uint64(k.f),
					Description: fmt.Sprintf("faction %d gains %s synergy from neighbor %d", k.f, k.rt, ally),
					Meta:        map[string]any{"ally": uint64(ally), "resource_type": k.rt.String(), "bonus": v},
				})
			}
		}
		bonus.Synergy = make(map[world.FactionID]float64, len(next))
		for ally, v := range next {
			bonus.Synergy[ally] = v
		}

		bonus.UpdatedAt = now
		if b.publishLocked(bonus, "batch update") {
			sum.Changed++
		}
	}
	return sum
}

// publishLocked emits a change event when the value moved by at least the
// change epsilon since the last event for that bonus.
func (b *BonusBook) publishLocked(bonus *AdvancedResourceBonus, reason string) bool {
	k := bonusKey{bonus.FactionID, bonus.ResourceType}
	v := bonus.Value()
	last := b.published[k]
	if math.Abs(v-last) < b.cfg.ChangeEpsilon {
		return false
	}
	b.published[k] = v
	b.bus.Publish(events.Event{
		Kind:        events.ResourceBonusChanged,
		FactionID:   uint64(bonus.FactionID),
		Description: fmt.Sprintf("faction %d %s bonus %.3f -> %.3f (%s)", bonus.FactionID, bonus.ResourceType, last, v, reason),
		Meta: map[string]any{
			"resource_type": bonus.ResourceType.String(),
			"old":           last,
			"new":           v,
			"multiplier":    bonus.Multiplier,
			"reason":        reason,
		},
	})
	return true
}
