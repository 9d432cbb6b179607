package progression

import (
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/talgya/dominion/internal/cache"
	"github.com/talgya/dominion/internal/config"
	"github.com/talgya/dominion/internal/events"
	"github.com/talgya/dominion/internal/world"
)

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(e events.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) count(k events.Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Kind == k {
			n++
		}
	}
	return n
}

type countingRegistry struct{ calls map[string]int }

func (c *countingRegistry) UnlockEntry(id string) bool {
	if c.calls == nil {
		c.calls = make(map[string]int)
	}
	c.calls[id]++
	return c.calls[id] == 1
}

func testSnapshot() *cache.Snapshot {
	return cache.NewSnapshot(time.Now(), []cache.TerritoryState{
		{ID: 1, Controller: 1, StrategicValue: 10, ResourceType: world.ResourceMilitary},
		{ID: 2, Controller: 1, StrategicValue: 4, ResourceType: world.ResourceEconomic, Contested: true},
		{ID: 3, Controller: 2, StrategicValue: 2, ResourceType: world.ResourceEconomic},
		{ID: 4, Controller: 2, StrategicValue: 2, ResourceType: world.ResourceEconomic},
		{ID: 5, StrategicValue: 9, ResourceType: world.ResourceStrategic},
	})
}

func newTestTracker(rec events.Publisher, reg UnlockRegistry) *Tracker {
	return NewTracker(config.Default(), []world.FactionID{1, 2, 3}, rec, reg)
}

func TestReputationGainSkipsContested(t *testing.T) {
	tr := newTestTracker(nil, nil)
	gain, err := tr.CalculateReputationGain(1, testSnapshot())
	if err != nil {
		t.Fatal(err)
	}
	// 10/h * (15s in hours) * SV 10 * military 1.2
	if math.Abs(gain-0.5) > 1e-9 {
		t.Fatalf("gain = %v, want 0.5", gain)
	}
	if got := tr.Reputation(1); math.Abs(got-0.5) > 1e-9 {
		t.Fatalf("reputation = %v", got)
	}
}

func TestReputationGainBelowNoiseIgnored(t *testing.T) {
	cfg := config.Default()
	cfg.Progression.NoiseThreshold = 1
	tr := NewTracker(cfg, []world.FactionID{1}, nil, nil)
	gain, err := tr.CalculateReputationGain(1, testSnapshot())
	if err != nil {
		t.Fatal(err)
	}
	if gain != 0 || tr.Reputation(1) != 0 {
		t.Fatalf("sub-threshold gain applied: %v / %v", gain, tr.Reputation(1))
	}
}

func TestUnknownFaction(t *testing.T) {
	tr := newTestTracker(nil, nil)
	if _, err := tr.CalculateReputationGain(99, testSnapshot()); !errors.Is(err, ErrUnknownFaction) {
		t.Fatalf("err = %v", err)
	}
	if tr.ExtractionBonusMultiplier(99) != 1.0 || tr.InfluenceRateMultiplier(99) != 1.0 {
		t.Fatalf("unknown faction multipliers should default to 1")
	}
}

func TestReputationNeverNegative(t *testing.T) {
	tr := newTestTracker(nil, nil)
	if err := tr.AdjustReputation(1, -500, "penalty"); err != nil {
		t.Fatal(err)
	}
	if tr.Reputation(1) != 0 {
		t.Fatalf("reputation = %v", tr.Reputation(1))
	}
}

func TestTierPromotesAndNeverDemotes(t *testing.T) {
	rec := &recorder{}
	tr := newTestTracker(rec, nil)

	_ = tr.AdjustReputation(1, 1200, "test")
	tier, changed, err := tr.UpdateTier(1)
	if err != nil || !changed || tier != TierVeteran {
		t.Fatalf("tier = %v changed = %v err = %v", tier, changed, err)
	}
	r, _ := tr.Record(1)
	if r.ExtractionMultiplier != 1.1 || r.InfluenceMultiplier != 1.05 {
		t.Fatalf("floors not applied: %v %v", r.ExtractionMultiplier, r.InfluenceMultiplier)
	}

	_ = tr.AdjustReputation(1, -1100, "test")
	tier, changed, _ = tr.UpdateTier(1)
	if changed || tier != TierVeteran {
		t.Fatalf("demoted to %v", tier)
	}
	if rec.count(events.TierChanged) != 1 {
		t.Fatalf("tier events = %d, want 1", rec.count(events.TierChanged))
	}
}

func TestTierFloorKeepsHigherMultiplier(t *testing.T) {
	tr := newTestTracker(nil, nil)
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		if _, err := tr.UnlockAbility(1, id, AbilityExtraction); err != nil {
			t.Fatal(err)
		}
	}
	_ = tr.AdjustReputation(1, 5000, "test")
	if tier, _, _ := tr.UpdateTier(1); tier != TierElite {
		t.Fatalf("tier = %v", tier)
	}
	if got := tr.ExtractionBonusMultiplier(1); math.Abs(got-1.25) > 1e-9 {
		t.Fatalf("extraction = %v, want 1.25", got)
	}
}

func TestUnlockAbilityIdempotent(t *testing.T) {
	rec := &recorder{}
	reg := &countingRegistry{}
	tr := newTestTracker(rec, reg)

	for i := 0; i < 2; i++ {
		if _, err := tr.UnlockAbility(1, "rail-gun", AbilityWeapon); err != nil {
			t.Fatalf("unlock %d: %v", i, err)
		}
		if _, err := tr.UnlockAbility(1, "deep-mining", AbilityExtraction); err != nil {
			t.Fatalf("unlock %d: %v", i, err)
		}
	}
	r, _ := tr.Record(1)
	if len(r.Abilities) != 2 {
		t.Fatalf("abilities = %v", r.Abilities)
	}
	if math.Abs(r.ExtractionMultiplier-1.05) > 1e-9 {
		t.Fatalf("extraction = %v, want 1.05", r.ExtractionMultiplier)
	}
	if reg.calls["rail-gun"] != 1 {
		t.Fatalf("registry calls = %d", reg.calls["rail-gun"])
	}
	if rec.count(events.AbilityUnlocked) != 2 {
		t.Fatalf("unlock events = %d", rec.count(events.AbilityUnlocked))
	}
}

func TestUnlockWithoutRegistry(t *testing.T) {
	tr := newTestTracker(nil, nil)
	ok, err := tr.UnlockAbility(2, "armor", AbilityEquipment)
	if err != nil || !ok {
		t.Fatalf("unlock without registry: %v %v", ok, err)
	}
}

func TestProgressionBroadcastDelta(t *testing.T) {
	rec := &recorder{}
	tr := newTestTracker(rec, nil)
	_ = tr.AdjustReputation(1, 30, "a")
	if rec.count(events.ProgressionChanged) != 0 {
		t.Fatalf("broadcast below delta")
	}
	_ = tr.AdjustReputation(1, 25, "b")
	if rec.count(events.ProgressionChanged) != 1 {
		t.Fatalf("expected broadcast once cumulative change reached 50")
	}
}

func TestObjectiveCompletesOnce(t *testing.T) {
	rec := &recorder{}
	tr := newTestTracker(rec, &countingRegistry{})
	o, err := tr.RegisterObjective(Objective{
		FactionID:        2,
		ResourceType:     world.ResourceEconomic,
		RequiredCount:    2,
		ReputationReward: 1500,
		AbilityRewards:   []AbilityGrant{{ID: "caravans", Type: AbilityInfluence}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if o.ID == "" {
		t.Fatalf("objective id not generated")
	}

	snap := testSnapshot()
	if done := tr.CheckObjectives(snap); len(done) != 1 || done[0] != o.ID {
		t.Fatalf("completed = %v", done)
	}
	if done := tr.CheckObjectives(snap); len(done) != 0 {
		t.Fatalf("objective completed twice: %v", done)
	}
	ok, err := tr.CompleteObjective(o.ID)
	if err != nil || ok {
		t.Fatalf("manual completion after auto: %v %v", ok, err)
	}

	r, _ := tr.Record(2)
	if r.Reputation != 1500 || r.Tier != TierVeteran {
		t.Fatalf("reward not applied: %v %v", r.Reputation, r.Tier)
	}
	if r.ResourceBonuses[world.ResourceEconomic] != 1 {
		t.Fatalf("resource bonus = %d", r.ResourceBonuses[world.ResourceEconomic])
	}
	if !r.HasAbility("caravans") {
		t.Fatalf("ability reward missing")
	}
	if rec.count(events.ObjectiveCompleted) != 1 {
		t.Fatalf("objective events = %d", rec.count(events.ObjectiveCompleted))
	}
}

func TestObjectiveValidationAndDuplicates(t *testing.T) {
	tr := newTestTracker(nil, nil)
	if _, err := tr.RegisterObjective(Objective{FactionID: 1, RequiredCount: 0}); !errors.Is(err, ErrInvalidObjective) {
		t.Fatalf("err = %v", err)
	}
	if _, err := tr.RegisterObjective(Objective{FactionID: 42, RequiredCount: 1}); !errors.Is(err, ErrUnknownFaction) {
		t.Fatalf("err = %v", err)
	}
	first, err := tr.RegisterObjective(Objective{ID: "hold-3", FactionID: 1, RequiredCount: 3, ReputationReward: 10})
	if err != nil {
		t.Fatal(err)
	}
	again, err := tr.RegisterObjective(Objective{ID: "hold-3", FactionID: 1, RequiredCount: 9})
	if err != nil || again.RequiredCount != first.RequiredCount {
		t.Fatalf("duplicate registration changed objective: %+v %v", again, err)
	}
	if _, err := tr.CompleteObjective("missing"); !errors.Is(err, ErrUnknownObjective) {
		t.Fatalf("err = %v", err)
	}
	if len(tr.Objectives(1)) != 1 || len(tr.Objectives(2)) != 0 {
		t.Fatalf("objective listing wrong")
	}
}

func TestPruneObjectivesAfterGrace(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tr := newTestTracker(nil, nil)
	tr.SetClock(func() time.Time { return now })

	o, _ := tr.RegisterObjective(Objective{FactionID: 1, RequiredCount: 1})
	open, _ := tr.RegisterObjective(Objective{FactionID: 3, RequiredCount: 5})
	if _, err := tr.CompleteObjective(o.ID); err != nil {
		t.Fatal(err)
	}
	if n := tr.PruneObjectives(now.Add(5 * time.Minute)); n != 0 {
		t.Fatalf("pruned inside grace: %d", n)
	}
	if n := tr.PruneObjectives(now.Add(11 * time.Minute)); n != 1 {
		t.Fatalf("pruned = %d, want 1", n)
	}
	if _, ok := tr.Objective(open.ID); !ok {
		t.Fatalf("open objective pruned")
	}
}

func TestProcessTracksHoldings(t *testing.T) {
	tr := newTestTracker(nil, nil)
	snap := testSnapshot()
	sum := tr.Process(snap)
	if sum.ReputationGained <= 0 {
		t.Fatalf("no reputation gained")
	}
	r1, _ := tr.Record(1)
	r2, _ := tr.Record(2)
	r3, _ := tr.Record(3)
	if r1.TerritoriesControlled != 1 || r2.TerritoriesControlled != 2 || r3.TerritoriesControlled != 0 {
		t.Fatalf("holdings = %d %d %d", r1.TerritoriesControlled, r2.TerritoriesControlled, r3.TerritoriesControlled)
	}
	if r3.Reputation != 0 {
		t.Fatalf("faction without territory gained reputation")
	}
}

func TestRestoreClampsRecords(t *testing.T) {
	tr := newTestTracker(nil, nil)
	n := tr.Restore([]Record{
		{FactionID: 1, Reputation: 6000, Tier: TierElite, ExtractionMultiplier: 1.2, InfluenceMultiplier: 0.5},
		{FactionID: 77, Reputation: 1},
	})
	if n != 1 {
		t.Fatalf("restored = %d", n)
	}
	r, _ := tr.Record(1)
	if r.Tier != TierElite || r.InfluenceMultiplier != 1 || r.ResourceBonuses == nil {
		t.Fatalf("restored record = %+v", r)
	}
}
