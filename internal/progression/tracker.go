package progression

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

// UnlockRegistry receives equipment and weapon unlocks.
type UnlockRegistry interface {
	UnlockEntry(id string) bool
}

// Tracker owns every faction's progression record and the active objectives.
//
// All state sits behind one mutex. Exported methods take it; the *Locked
// helpers assume it is held and must never call back into exported methods.
type Tracker struct {
	cfg           config.Progression
	batchFraction float64 // batch interval in hours
	bus           events.Publisher
	registry      UnlockRegistry
	now           func() time.Time

	mu             sync.Mutex
	records        map[world.FactionID]*Record
	objectives     map[string]*Objective
	lastBroadcast  map[world.FactionID]float64
	registryWarned bool
}

// NewTracker creates a record with defaults for every known faction.
// A nil registry degrades equipment and weapon unlocks to local-only.
func NewTracker(cfg config.Config, factions []world.FactionID, bus events.Publisher, registry UnlockRegistry) *Tracker {
	if bus == nil {
		bus = events.Discard{}
	}
	t := &Tracker{
		cfg:           cfg.Progression,
		batchFraction: cfg.Engine.BatchInterval.Hours(),
		bus:           bus,
		registry:      registry,
		now:           time.Now,
		records:       make(map[world.FactionID]*Record, len(factions)),
		objectives:    make(map[string]*Objective),
		lastBroadcast: make(map[world.FactionID]float64, len(factions)),
	}
	for _, f := range factions {
		t.records[f] = newRecord(f, t.now())
	}
	return t
}

// SetClock replaces the time source.
func (t *Tracker) SetClock(now func() time.Time) {
	t.mu.Lock()
	t.now = now
	t.mu.Unlock()
}

// Record returns a copy of one faction's record.
func (t *Tracker) Record(f world.FactionID) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[f]
	if !ok {
		return Record{}, false
	}
	return r.clone(), true
}

// Records returns copies of every record in faction order.
func (t *Tracker) Records() []Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Record, 0, len(t.records))
	for _, r := range t.records {
		out = append(out, r.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FactionID < out[j].FactionID })
	return out
}

// Restore applies loaded records for known factions. Unknown factions are skipped.
func (t *Tracker) Restore(records []Record) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	applied := 0
	for _, r := range records {
		if _, ok := t.records[r.FactionID]; !ok {
			continue
		}
		c := r.clone()
		c.ExtractionMultiplier = math.Max(1, c.ExtractionMultiplier)
		c.InfluenceMultiplier = math.Max(1, c.InfluenceMultiplier)
		c.Reputation = math.Max(0, c.Reputation)
		t.records[r.FactionID] = &c
		t.lastBroadcast[r.FactionID] = c.Reputation
		applied++
	}
	return applied
}

// Reputation returns a faction's reputation points (0 if unknown).
func (t *Tracker) Reputation(f world.FactionID) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := t.records[f]; ok {
		return r.Reputation
	}
	return 0
}

// TierOf returns a faction's tier (Recruit if unknown).
func (t *Tracker) TierOf(f world.FactionID) Tier {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := t.records[f]; ok {
		return r.Tier
	}
	return TierRecruit
}

// ExtractionBonusMultiplier returns the faction's extraction multiplier (1.0 if unknown).
func (t *Tracker) ExtractionBonusMultiplier(f world.FactionID) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := t.records[f]; ok {
		return r.ExtractionMultiplier
	}
	return 1.0
}

// InfluenceRateMultiplier returns the faction's influence multiplier (1.0 if unknown).
func (t *Tracker) InfluenceRateMultiplier(f world.FactionID) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := t.records[f]; ok {
		return r.InfluenceMultiplier
	}
	return 1.0
}

// ResourceBonusCount returns how many bonuses a faction holds for a resource type.
func (t *Tracker) ResourceBonusCount(f world.FactionID, rt world.ResourceType) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := t.records[f]; ok {
		return r.ResourceBonuses[rt]
	}
	return 0
}

// ExpectedGain computes the reputation a faction would earn this batch
// without applying it.
func (t *Tracker) ExpectedGain(f world.FactionID, snap *cache.Snapshot) float64 {
	gain := 0.0
	for _, st := range snap.ControlledBy(f) {
		mult, ok := t.cfg.ResourceMultipliers[st.ResourceType]
		if !ok {
			mult = 1.0
		}
		gain += t.cfg.BaseRatePerHour * t.batchFraction * float64(st.StrategicValue) * mult
	}
	return gain
}

// CalculateReputationGain computes the batch gain for a faction and applies
// it when it clears the noise threshold. Returns the applied gain.
func (t *Tracker) CalculateReputationGain(f world.FactionID, snap *cache.Snapshot) (float64, error) {
	gain := t.ExpectedGain(f, snap)

	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[f]
	if !ok {
		return 0, fmt.Errorf("faction %d: %w", f, ErrUnknownFaction)
	}
	if gain <= t.cfg.NoiseThreshold {
		return 0, nil
	}
	t.adjustLocked(r, gain, "territorial control")
	return gain, nil
}

// AdjustReputation applies a signed delta. Reputation never drops below zero.
func (t *Tracker) AdjustReputation(f world.FactionID, delta float64, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[f]
	if !ok {
		return fmt.Errorf("faction %d: %w", f, ErrUnknownFaction)
	}
	t.adjustLocked(r, delta, reason)
	return nil
}

func (t *Tracker) adjustLocked(r *Record, delta float64, reason string) {
	r.Reputation = math.Max(0, r.Reputation+delta)
	r.UpdatedAt = t.now()

	last := t.lastBroadcast[r.FactionID]
	if math.Abs(r.Reputation-last) >= t.cfg.BroadcastDelta {
		t.lastBroadcast[r.FactionID] = r.Reputation
		t.bus.Publish(events.Event{
			Kind:        events.ProgressionChanged,
			FactionID:   uint64(r.FactionID),
			Description: fmt.Sprintf("faction %d reputation now %.0f (%s)", r.FactionID, r.Reputation, reason),
			Meta: map[string]any{
				"reputation": r.Reputation,
				"delta":      r.Reputation - last,
				"tier":       r.Tier.String(),
				"reason":     reason,
			},
		})
	}
}

// UpdateTier promotes a faction to the highest tier whose threshold its
// reputation meets. Returns the tier and whether it changed.
func (t *Tracker) UpdateTier(f world.FactionID) (Tier, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[f]
	if !ok {
		return TierRecruit, false, fmt.Errorf("faction %d: %w", f, ErrUnknownFaction)
	}
	changed := t.updateTierLocked(r)
	return r.Tier, changed, nil
}

func (t *Tracker) updateTierLocked(r *Record) bool {
	target := TierRecruit
	for i, threshold := range t.cfg.TierThresholds {
		if i >= TierCount {
			break
		}
		if r.Reputation >= threshold {
			target = Tier(i)
		}
	}
	if target <= r.Tier {
		return false
	}

	old := r.Tier
	r.Tier = target
	if int(target) < len(t.cfg.ExtractionFloors) {
		r.ExtractionMultiplier = math.Max(r.ExtractionMultiplier, t.cfg.ExtractionFloors[target])
	}
	if int(target) < len(t.cfg.InfluenceFloors) {
		r.InfluenceMultiplier = math.Max(r.InfluenceMultiplier, t.cfg.InfluenceFloors[target])
	}
	r.UpdatedAt = t.now()

	slog.Info("faction promoted", "faction", r.FactionID, "from", old, "to", target, "reputation", int(r.Reputation))
	t.bus.Publish(events.Event{
		Kind:        events.TierChanged,
		FactionID:   uint64(r.FactionID),
		Description: fmt.Sprintf("faction %d promoted from %s to %s", r.FactionID, old, target),
		Meta: map[string]any{
			"from":                  old.String(),
			"to":                    target.String(),
			"extraction_multiplier": r.ExtractionMultiplier,
			"influence_multiplier":  r.InfluenceMultiplier,
		},
	})
	return true
}

// UnlockAbility unlocks an ability and applies its type-specific effect.
// Unlocking an ability twice is a successful no-op. Returns whether the
// ability was newly unlocked.
func (t *Tracker) UnlockAbility(f world.FactionID, abilityID string, typ AbilityType) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[f]
	if !ok {
		return false, fmt.Errorf("faction %d: %w", f, ErrUnknownFaction)
	}
	return t.unlockLocked(r, abilityID, typ), nil
}

func (t *Tracker) unlockLocked(r *Record, abilityID string, typ AbilityType) bool {
	if r.HasAbility(abilityID) {
		return false
	}
	r.Abilities = append(r.Abilities, abilityID)
	r.UpdatedAt = t.now()

	switch typ {
	case AbilityExtraction:
		r.ExtractionMultiplier += t.cfg.AbilityIncrement
	case AbilityInfluence:
		r.InfluenceMultiplier += t.cfg.AbilityIncrement
	case AbilityEquipment, AbilityWeapon:
		if t.registry != nil {
			t.registry.UnlockEntry(abilityID)
		} else if !t.registryWarned {
			t.registryWarned = true
			slog.Warn("no unlock registry configured, equipment unlocks stay local")
		}
	}

	t.bus.Publish(events.Event{
		Kind:        events.AbilityUnlocked,
		FactionID:   uint64(r.FactionID),
		Description: fmt.Sprintf("faction %d unlocked %s", r.FactionID, abilityID),
		Meta:        map[string]any{"ability": abilityID, "type": typ.String()},
	})
	return true
}

// Summary reports what one Process pass changed.
type Summary struct {
	ReputationGained    float64
	Promotions          int
	CompletedObjectives []string
}

// Process runs the per-batch progression pass over a snapshot: holdings,
// reputation gain, tier promotion, then automatic objective checks.
func (t *Tracker) Process(snap *cache.Snapshot) Summary {
	var sum Summary

	t.mu.Lock()
	ids := make([]world.FactionID, 0, len(t.records))
	for id := range t.records {
		ids = append(ids, id)
	}
	t.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, f := range ids {
		held := snap.ControlledBy(f)
		gain := t.ExpectedGain(f, snap)

		t.mu.Lock()
		r := t.records[f]
		r.TerritoriesControlled = len(held)
		r.TerritoryHours += float64(len(held)) * t.batchFraction
		if gain > t.cfg.NoiseThreshold {
			t.adjustLocked(r, gain, "territorial control")
			sum.ReputationGained += gain
		}
		if t.updateTierLocked(r) {
			sum.Promotions++
		}
		t.mu.Unlock()
	}

	sum.CompletedObjectives = t.CheckObjectives(snap)
	return sum
}
