package victory

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/talgya/dominion/internal/cache"
	"github.com/talgya/dominion/internal/config"
	"github.com/talgya/dominion/internal/economy"
	"github.com/talgya/dominion/internal/events"
	"github.com/talgya/dominion/internal/world"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type stubFactions []world.FactionID

func (s stubFactions) IDs() []world.FactionID { return s }

// fixture: faction 1 holds 50 of 100 route value, faction 2 the rest.
// r2 (value 30) can be handed to faction 1 to reach 80%.
func fixture(t *testing.T) (*economy.Network, economy.RouteID, func() *cache.Snapshot) {
	t.Helper()
	net := economy.NewNetwork()
	net.Add(economy.Route{Origin: 1, Destination: 2, ResourceType: world.ResourceEconomic, BaseImpact: 50, DifficultyMultiplier: 1, FactionControllerID: 1})
	r2 := net.Add(economy.Route{Origin: 3, Destination: 4, ResourceType: world.ResourceEconomic, BaseImpact: 15, DifficultyMultiplier: 2, FactionControllerID: 2})
	net.Add(economy.Route{Origin: 5, Destination: 6, ResourceType: world.ResourceStrategic, BaseImpact: 20, DifficultyMultiplier: 1, FactionControllerID: 2})

	snap := cache.NewSnapshot(t0, []cache.TerritoryState{
		{ID: 1, Controller: 1, StrategicValue: 3},
		{ID: 2, Controller: 2, StrategicValue: 3},
	})
	return net, r2, func() *cache.Snapshot { return snap }
}

func dominance(hold time.Duration) Condition {
	return Condition{Type: EconomicDominance, Threshold: 0.75, Hold: hold, Priority: 1, Enabled: true}
}

func TestEconomicDominanceScenario(t *testing.T) {
	net, r2, snap := fixture(t)
	bus := events.NewBus(0)
	ev := NewEvaluator(config.Default(), stubFactions{1, 2}, net, snap, bus, t0)
	if err := ev.RegisterCondition(dominance(120 * time.Second)); err != nil {
		t.Fatal(err)
	}

	if p, _ := ev.Progress(1, EconomicDominance); p.Status != NotStarted {
		t.Fatalf("initial status = %s", p.Status)
	}
	ev.Evaluate(t0)
	if p, _ := ev.Progress(1, EconomicDominance); p.Status != InProgress || math.Abs(p.Progress-0.5) > 1e-9 {
		t.Fatalf("at 50%%: %+v", p)
	}

	net.SetController(r2, 1)
	start := t0.Add(5 * time.Second)
	ev.Evaluate(start)
	if p, _ := ev.Progress(1, EconomicDominance); p.Status != NearComplete || p.TimeHeld != 0 {
		t.Fatalf("at 80%%: %+v", p)
	}

	for s := 5; s < 120; s += 5 {
		sum := ev.Evaluate(start.Add(time.Duration(s) * time.Second))
		if len(sum.Winners) != 0 {
			t.Fatalf("completed early after %ds", s)
		}
		if p, _ := ev.Progress(1, EconomicDominance); p.Status != NearComplete || p.TimeHeld != time.Duration(s)*time.Second {
			t.Fatalf("after %ds: %+v", s, p)
		}
	}

	sum := ev.Evaluate(start.Add(120 * time.Second))
	if len(sum.Winners) != 1 || sum.Winners[0].FactionID != 1 {
		t.Fatalf("winners = %+v", sum.Winners)
	}
	if sum.Winners[0].Elapsed != 125*time.Second {
		t.Fatalf("elapsed = %v", sum.Winners[0].Elapsed)
	}
	if p, _ := ev.Progress(1, EconomicDominance); p.Status != Completed || p.TimeHeld != 120*time.Second {
		t.Fatalf("final: %+v", p)
	}
	if !ev.Ended() {
		t.Fatalf("session should end on victory")
	}
	if c := bus.Counts(); c[events.VictoryAchieved] != 1 || c[events.VictoryThreatened] != 1 {
		t.Fatalf("events = %v", c)
	}
}

func TestDropBelowThresholdResetsTimeHeld(t *testing.T) {
	net, r2, snap := fixture(t)
	ev := NewEvaluator(config.Default(), stubFactions{1, 2}, net, snap, nil, t0)
	_ = ev.RegisterCondition(dominance(120 * time.Second))

	net.SetController(r2, 1)
	for s := 0; s <= 60; s += 5 {
		ev.Evaluate(t0.Add(time.Duration(s) * time.Second))
	}
	if p, _ := ev.Progress(1, EconomicDominance); p.TimeHeld != 60*time.Second {
		t.Fatalf("held = %v", p.TimeHeld)
	}

	net.SetController(r2, 2)
	ev.Evaluate(t0.Add(65 * time.Second))
	p, _ := ev.Progress(1, EconomicDominance)
	if p.Status != InProgress || p.TimeHeld != 0 {
		t.Fatalf("after drop: %+v", p)
	}

	net.SetController(r2, 1)
	ev.Evaluate(t0.Add(70 * time.Second))
	if p, _ := ev.Progress(1, EconomicDominance); p.TimeHeld != 0 || p.Status != NearComplete {
		t.Fatalf("held time remembered across the drop: %+v", p)
	}
}

func TestEmptyLedgerLeavesProgressAtZero(t *testing.T) {
	empty := func() *cache.Snapshot { return cache.NewSnapshot(t0, nil) }
	cfg := config.Default()
	for _, ev := range []*Evaluator{
		NewEvaluator(cfg, stubFactions{1, 2, 3, 4, 5, 6, 7}, economy.NewNetwork(), empty, nil, t0),
		NewEvaluator(cfg, stubFactions{1, 2, 3, 4, 5, 6, 7}, nil, nil, nil, t0),
	} {
		for _, spec := range cfg.Victory.Conditions {
			c, err := ConditionFromSpec(spec)
			if err != nil {
				t.Fatalf("%s: %v", spec.Type, err)
			}
			if err := ev.RegisterCondition(c); err != nil {
				t.Fatal(err)
			}
		}
		for i := 0; i < 3; i++ {
			ev.Evaluate(t0.Add(time.Duration(i*5) * time.Second))
		}
		all := ev.AllProgress()
		if len(all) != 7*len(cfg.Victory.Conditions) {
			t.Fatalf("progress records = %d", len(all))
		}
		for _, p := range all {
			if p.Progress != 0 || p.Status != NotStarted {
				t.Fatalf("non-zero progress on empty ledger: %+v", p)
			}
		}
	}
}

func TestFactionWithoutTerritoryMakesNoProgress(t *testing.T) {
	net, _, _ := fixture(t)
	onlyOne := func() *cache.Snapshot {
		return cache.NewSnapshot(t0, []cache.TerritoryState{{ID: 1, Controller: 1, StrategicValue: 3}})
	}
	ev := NewEvaluator(config.Default(), stubFactions{1, 2}, net, onlyOne, nil, t0)
	_ = ev.RegisterCondition(Condition{Type: EconomicDominance, Threshold: 0.4, Hold: 0, Enabled: true})
	ev.Evaluate(t0)
	if p, _ := ev.Progress(2, EconomicDominance); p.Progress != 0 {
		t.Fatalf("faction without territory progressed: %+v", p)
	}
}

func TestSingleWinnerUnlessMultipleAllowed(t *testing.T) {
	for _, multi := range []bool{false, true} {
		net, r2, snap := fixture(t)
		net.SetController(r2, 1)
		cfg := config.Default()
		cfg.Victory.AllowMultiple = multi
		ev := NewEvaluator(cfg, stubFactions{1, 2}, net, snap, nil, t0)
		_ = ev.RegisterCondition(dominance(0))
		_ = ev.RegisterCondition(Condition{Type: TradeNetwork, Threshold: 0.85, Priority: 2, Enabled: true})

		sum := ev.Evaluate(t0)
		want := 1
		if multi {
			want = 2
		}
		if len(sum.Winners) != want || len(ev.Winners()) != want {
			t.Fatalf("multi=%v winners = %+v", multi, sum.Winners)
		}
		if sum.Winners[0].Type != EconomicDominance {
			t.Fatalf("priority order ignored: %+v", sum.Winners)
		}
		if again := ev.Evaluate(t0.Add(5 * time.Second)); len(again.Winners) != 0 {
			t.Fatalf("completed condition won twice")
		}
	}
}

func TestProgressFormulas(t *testing.T) {
	net, _, snap := fixture(t)
	ev := NewEvaluator(config.Default(), stubFactions{1, 2}, net, snap, nil, t0)
	conds := []Condition{
		{Type: SupplyMonopoly, Threshold: 1, Hold: time.Hour, ResourceType: world.ResourceEconomic, Enabled: true},
		{Type: EconomicCollapse, Threshold: 1, Hold: time.Hour, TargetFactions: []world.FactionID{2}, Enabled: true},
		{Type: TradeNetwork, Threshold: 1, Hold: time.Hour, Enabled: true},
		{Type: ConvoySupremacy, Threshold: 1, Hold: time.Hour, Enabled: true},
	}
	for _, c := range conds {
		if err := ev.RegisterCondition(c); err != nil {
			t.Fatal(err)
		}
	}
	ev.Evaluate(t0)

	want := map[Type]float64{
		SupplyMonopoly:   50.0 / 80.0,
		EconomicCollapse: 0.5,
		TradeNetwork:     math.Sqrt(0.5),
		ConvoySupremacy:  0.7*0.5 + 0.3*math.Sqrt(0.5),
	}
	for typ, w := range want {
		p, _ := ev.Progress(1, typ)
		if math.Abs(p.Progress-w) > 1e-9 {
			t.Fatalf("%s progress = %v, want %v", typ, p.Progress, w)
		}
	}
}

func TestRegisterRejectsInvalidConditions(t *testing.T) {
	ev := NewEvaluator(config.Default(), stubFactions{1}, nil, nil, nil, t0)
	_ = ev.RegisterCondition(dominance(time.Minute))

	bad := []Condition{
		{Type: EconomicDominance, Threshold: 0, Hold: time.Minute},
		{Type: EconomicDominance, Threshold: 1.5, Hold: time.Minute},
		{Type: EconomicDominance, Threshold: 0.5, Hold: -time.Second},
		{Type: EconomicCollapse, Threshold: 0.5},
		{Type: Type(42), Threshold: 0.5},
	}
	for _, c := range bad {
		if err := ev.RegisterCondition(c); !errors.Is(err, ErrInvalidCondition) {
			t.Fatalf("%+v accepted: %v", c, err)
		}
	}
	conds := ev.Conditions()
	if len(conds) != 1 || conds[0].Threshold != 0.75 {
		t.Fatalf("rejected registration mutated state: %+v", conds)
	}

	if _, err := ConditionFromSpec(config.ConditionSpec{Type: "world_peace", Threshold: 0.5}); !errors.Is(err, ErrInvalidCondition) {
		t.Fatalf("unknown type accepted: %v", err)
	}
	if _, err := ConditionFromSpec(config.ConditionSpec{Type: "supply_monopoly", Threshold: 0.5}); !errors.Is(err, ErrInvalidCondition) {
		t.Fatalf("monopoly without resource accepted: %v", err)
	}
	if err := ev.SetEnabled(TradeNetwork, true); !errors.Is(err, ErrUnknownCondition) {
		t.Fatalf("err = %v", err)
	}
}

func TestDisabledConditionIsSkipped(t *testing.T) {
	net, r2, snap := fixture(t)
	net.SetController(r2, 1)
	ev := NewEvaluator(config.Default(), stubFactions{1, 2}, net, snap, nil, t0)
	_ = ev.RegisterCondition(dominance(0))
	if err := ev.SetEnabled(EconomicDominance, false); err != nil {
		t.Fatal(err)
	}
	if sum := ev.Evaluate(t0); sum.Evaluated != 0 || len(sum.Winners) != 0 {
		t.Fatalf("disabled condition evaluated: %+v", sum)
	}
}

func TestDisableDropsTimeHeld(t *testing.T) {
	net, r2, snap := fixture(t)
	ev := NewEvaluator(config.Default(), stubFactions{1, 2}, net, snap, nil, t0)
	_ = ev.RegisterCondition(dominance(120 * time.Second))

	net.SetController(r2, 1)
	for s := 0; s <= 100; s += 5 {
		ev.Evaluate(t0.Add(time.Duration(s) * time.Second))
	}
	if p, _ := ev.Progress(1, EconomicDominance); p.TimeHeld != 100*time.Second {
		t.Fatalf("held = %v", p.TimeHeld)
	}

	if err := ev.SetEnabled(EconomicDominance, false); err != nil {
		t.Fatal(err)
	}
	if p, _ := ev.Progress(1, EconomicDominance); p.TimeHeld != 0 || p.Status != InProgress {
		t.Fatalf("after disable: %+v", p)
	}
	ev.Evaluate(t0.Add(200 * time.Second))

	_ = ev.SetEnabled(EconomicDominance, true)
	if sum := ev.Evaluate(t0.Add(300 * time.Second)); len(sum.Winners) != 0 {
		t.Fatalf("won on re-enable: %+v", sum.Winners)
	}
	if p, _ := ev.Progress(1, EconomicDominance); p.Status != NearComplete || p.TimeHeld != 0 {
		t.Fatalf("after re-enable: %+v", p)
	}
}

func TestThreatWarningRearms(t *testing.T) {
	net, r2, snap := fixture(t)
	bus := events.NewBus(0)
	ev := NewEvaluator(config.Default(), stubFactions{1, 2}, net, snap, bus, t0)
	_ = ev.RegisterCondition(dominance(time.Hour))

	net.SetController(r2, 1)
	ev.Evaluate(t0)
	ev.Evaluate(t0.Add(5 * time.Second))
	net.SetController(r2, 2)
	ev.Evaluate(t0.Add(10 * time.Second))
	net.SetController(r2, 1)
	ev.Evaluate(t0.Add(15 * time.Second))

	if got := bus.Counts()[events.VictoryThreatened]; got != 2 {
		t.Fatalf("threat events = %d, want 2", got)
	}
}
