package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/talgya/dominion/internal/config"
	"github.com/talgya/dominion/internal/economy"
	"github.com/talgya/dominion/internal/entropy"
	"github.com/talgya/dominion/internal/events"
	"github.com/talgya/dominion/internal/persistence"
	"github.com/talgya/dominion/internal/progression"
	"github.com/talgya/dominion/internal/social"
	"github.com/talgya/dominion/internal/victory"
	"github.com/talgya/dominion/internal/world"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type memSaver struct {
	mu     sync.Mutex
	states []persistence.State
}

func (m *memSaver) Enqueue(st persistence.State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states = append(m.states, st)
	return true
}

type fixture struct {
	sim    *Simulation
	ledger *world.Map
	clock  *testClock
	saver  *memSaver
}

func newFixture(t *testing.T, cfg config.Config, routes *economy.Network) fixture {
	t.Helper()
	clock := &testClock{t: t0}
	m := world.Generate(world.SmallTestConfig())
	m.SetClock(clock.now)
	roster := social.NewRoster(social.SeedFactions())
	world.SeedControl(m, roster.IDs(), 0.6, 42)
	if routes == nil {
		all, err := m.AllTerritories(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		routes = economy.BuildRoutes(all, 3)
	}
	saver := &memSaver{}
	sim := NewSimulation(cfg, Options{
		Ledger: m,
		Roster: roster,
		Routes: routes,
		Source: entropy.NewSeeded(7),
		Saver:  saver,
		Clock:  clock.now,
	})
	if err := sim.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	return fixture{sim: sim, ledger: m, clock: clock, saver: saver}
}

func TestStepRunsBatchBeforeCheck(t *testing.T) {
	e := NewEngine()
	e.BatchEvery = 3
	var calls []string
	e.OnBatch = func(_ context.Context, tick uint64) { calls = append(calls, "batch") }
	e.OnTick = func(_ context.Context, tick uint64) { calls = append(calls, "check") }
	for i := 0; i < 6; i++ {
		e.Step(context.Background())
	}
	want := "check check batch check check check batch check"
	if got := strings.Join(calls, " "); got != want {
		t.Fatalf("calls = %q", got)
	}
	if e.Tick() != 6 {
		t.Fatalf("tick = %d", e.Tick())
	}
}

func TestRunStopsOnCancelAndStop(t *testing.T) {
	e := NewEngine()
	e.Interval = time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()
	deadline := time.Now().Add(2 * time.Second)
	for e.Tick() < 5 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}
	if e.Running() {
		t.Fatalf("engine still running")
	}

	done = make(chan struct{})
	go func() {
		e.Run(context.Background())
		close(done)
	}()
	for !e.Running() {
		time.Sleep(time.Millisecond)
	}
	e.Stop()
	e.Stop()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after Stop")
	}
}

func TestSpeedBounds(t *testing.T) {
	e := NewEngine()
	if err := e.SetSpeed(-1); err == nil {
		t.Fatalf("negative speed accepted")
	}
	if err := e.SetSpeed(2000); err == nil {
		t.Fatalf("speed above 1000 accepted")
	}
	if err := e.SetSpeed(0); err != nil || e.Speed() != 0 {
		t.Fatalf("pause failed: %v", err)
	}
}

func TestSessionTime(t *testing.T) {
	if got := SessionTime(0, 5*time.Second); got != "Day 1, 0:00:00" {
		t.Fatalf("got %q", got)
	}
	if got := SessionTime(17281, 5*time.Second); got != "Day 2, 0:00:05" {
		t.Fatalf("got %q", got)
	}
}

func TestBatchRunsEveryStage(t *testing.T) {
	cfg := config.Default()
	cfg.Persistence.SaveEveryBatches = 1
	f := newFixture(t, cfg, nil)

	rep := f.sim.TickBatch(context.Background(), 3)
	if len(rep.Failed) != 0 {
		t.Fatalf("failed stages: %v", rep.Failed)
	}
	if rep.Territories != f.ledger.Count() || rep.Stale {
		t.Fatalf("report = %+v", rep)
	}
	if rep.Progression.ReputationGained <= 0 {
		t.Fatalf("no reputation gained: %+v", rep.Progression)
	}
	if rep.Balance <= 0 || rep.Balance > 1 {
		t.Fatalf("balance = %v", rep.Balance)
	}
	if rep.Influence == 0 {
		t.Fatalf("no influence projected")
	}
	if !rep.Saved || len(f.saver.states) != 1 || len(f.saver.states[0].Records) != 7 {
		t.Fatalf("save not enqueued: %+v", f.saver.states)
	}
	if st := f.sim.Status(); st.Batches != 1 || st.Tick != 3 || st.LastBatch.Tick != 3 {
		t.Fatalf("status = %+v", st)
	}
}

func TestSavesCarryOnlyNewEvents(t *testing.T) {
	cfg := config.Default()
	cfg.Persistence.SaveEveryBatches = 1
	f := newFixture(t, cfg, nil)

	f.sim.TickBatch(context.Background(), 3)
	f.sim.Bus.Publish(events.Event{Kind: events.Intervention, Description: "between saves"})
	f.clock.advance(15 * time.Second)
	f.sim.TickBatch(context.Background(), 6)

	if len(f.saver.states) != 2 {
		t.Fatalf("saves = %d", len(f.saver.states))
	}
	seen := make(map[string]bool)
	for _, e := range f.saver.states[0].Events {
		seen[e.ID] = true
	}
	found := false
	for _, e := range f.saver.states[1].Events {
		if seen[e.ID] {
			t.Fatalf("event %s saved twice", e.ID)
		}
		if e.Description == "between saves" {
			found = true
		}
	}
	if !found {
		t.Fatalf("new event missing from second save")
	}
}

type flakySaver struct {
	memSaver
	failed func(persistence.State)
}

func (f *flakySaver) OnFailure(fn func(persistence.State)) { f.failed = fn }

func TestFailedSaveEventsRideAlongNextSave(t *testing.T) {
	cfg := config.Default()
	cfg.Persistence.SaveEveryBatches = 1
	m := world.Generate(world.SmallTestConfig())
	roster := social.NewRoster(social.SeedFactions())
	world.SeedControl(m, roster.IDs(), 0.6, 42)
	clock := &testClock{t: t0}
	saver := &flakySaver{}
	sim := NewSimulation(cfg, Options{Ledger: m, Roster: roster, Source: entropy.NewSeeded(3), Saver: saver, Clock: clock.now})
	if err := sim.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if saver.failed == nil {
		t.Fatalf("failure handler not registered")
	}

	sim.Bus.Publish(events.Event{Kind: events.Intervention, Description: "first"})
	sim.TickBatch(context.Background(), 3)
	first := saver.states[0]
	saver.failed(first)

	clock.advance(15 * time.Second)
	sim.TickBatch(context.Background(), 6)
	if len(saver.states) != 2 {
		t.Fatalf("saves = %d", len(saver.states))
	}
	carried := make(map[string]bool)
	for _, e := range saver.states[1].Events {
		carried[e.ID] = true
	}
	for _, e := range first.Events {
		if !carried[e.ID] {
			t.Fatalf("event %s (%s) lost after failed save", e.ID, e.Description)
		}
	}

	clock.advance(15 * time.Second)
	sim.TickBatch(context.Background(), 9)
	for _, e := range saver.states[2].Events {
		if e.Description == "first" {
			t.Fatalf("retried event sent again after a successful enqueue")
		}
	}
}

func TestStaleLedgerKeepsSnapshotAndLaterStagesRun(t *testing.T) {
	f := newFixture(t, config.Default(), nil)
	before := f.sim.Cache.Snapshot().Len()

	f.ledger.SetAvailable(false)
	rep := f.sim.TickBatch(context.Background(), 3)
	if len(rep.Failed) != 1 || rep.Failed[0] != "refresh" {
		t.Fatalf("failed = %v", rep.Failed)
	}
	if !rep.Stale || rep.Territories != before {
		t.Fatalf("previous snapshot not kept: %+v", rep)
	}
	if rep.Progression.ReputationGained <= 0 {
		t.Fatalf("progression skipped after refresh failure")
	}

	f.ledger.SetAvailable(true)
	if rep := f.sim.TickBatch(context.Background(), 6); rep.Stale || len(rep.Failed) != 0 {
		t.Fatalf("recovery report = %+v", rep)
	}
}

func TestStagePanicIsContained(t *testing.T) {
	f := newFixture(t, config.Default(), nil)
	var rep BatchReport
	ran := false
	f.sim.stage(&rep, "boom", func() error { panic("boom") })
	f.sim.stage(&rep, "after", func() error { ran = true; return nil })
	if !ran || len(rep.Failed) != 1 || rep.Failed[0] != "boom" {
		t.Fatalf("panic not contained: ran=%v failed=%v", ran, rep.Failed)
	}
}

func TestLoadedStateAppliedOnNextTick(t *testing.T) {
	f := newFixture(t, config.Default(), nil)
	ch := make(chan persistence.LoadResult, 1)
	var resumed uint64
	f.sim.AwaitLoad(ch, func(tick uint64) { resumed = tick })

	f.sim.TickCheck(context.Background(), 1)
	if resumed != 0 {
		t.Fatalf("applied before the load finished")
	}

	ch <- persistence.LoadResult{Loaded: persistence.Loaded{
		SessionID: "restored-session",
		Tick:      99,
		Records: []progression.Record{{
			FactionID: 1, Reputation: 2000, ExtractionMultiplier: 1.1, InfluenceMultiplier: 1,
			ResourceBonuses: map[world.ResourceType]int{},
		}},
	}}
	close(ch)
	f.sim.TickCheck(context.Background(), 2)
	if resumed != 99 || f.sim.SessionID() != "restored-session" {
		t.Fatalf("resume = %d session = %s", resumed, f.sim.SessionID())
	}
	if got := f.sim.Progression.Reputation(1); got != 2000 {
		t.Fatalf("reputation = %v", got)
	}
}

func TestLoadWithNoStateStartsFresh(t *testing.T) {
	f := newFixture(t, config.Default(), nil)
	ch := make(chan persistence.LoadResult, 1)
	ch <- persistence.LoadResult{Err: persistence.ErrNoState}
	called := false
	f.sim.AwaitLoad(ch, func(uint64) { called = true })
	f.sim.TickCheck(context.Background(), 1)
	if called {
		t.Fatalf("resume called without saved state")
	}
}

func TestVictoryEndsSession(t *testing.T) {
	cfg := config.Default()
	cfg.Victory.Conditions = []config.ConditionSpec{
		{Type: "economic_dominance", Threshold: 0.5, Hold: 0, Priority: 1, Enabled: true},
	}

	// A single route owned by whoever holds its origin.
	m := world.Generate(world.SmallTestConfig())
	roster := social.NewRoster(social.SeedFactions())
	world.SeedControl(m, roster.IDs(), 0.6, 42)
	all, _ := m.AllTerritories(context.Background())
	routes := economy.NewNetwork()
	var owner world.FactionID
	for _, tr := range all {
		if tr.Controller != 0 {
			owner = tr.Controller
			routes.Add(economy.Route{Origin: tr.ID, Destination: tr.ID, BaseImpact: 10, DifficultyMultiplier: 1, FactionControllerID: owner})
			break
		}
	}

	sim := NewSimulation(cfg, Options{Ledger: m, Roster: roster, Routes: routes, Source: entropy.NewSeeded(1), Clock: func() time.Time { return t0 }})
	if err := sim.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	var ended []victory.Winner
	sim.OnSessionEnd = func(w victory.Winner) { ended = append(ended, w) }

	sum := sim.TickCheck(context.Background(), 1)
	if len(sum.Winners) != 1 || sum.Winners[0].FactionID != owner {
		t.Fatalf("winners = %+v (owner %d)", sum.Winners, owner)
	}
	sim.TickCheck(context.Background(), 2)
	if len(ended) != 1 || !sim.Status().Ended {
		t.Fatalf("session end callbacks = %d", len(ended))
	}
}

func TestInterventions(t *testing.T) {
	f := newFixture(t, config.Default(), nil)

	if _, err := f.sim.AdjustReputation(99, 10, ""); !errors.Is(err, progression.ErrUnknownFaction) {
		t.Fatalf("unknown faction err = %v", err)
	}
	desc, err := f.sim.AdjustReputation(2, 1500, "tribute")
	if err != nil || !strings.Contains(desc, "Veteran") {
		t.Fatalf("desc = %q err = %v", desc, err)
	}
	if f.sim.Bus.Counts()[events.Intervention] != 1 {
		t.Fatalf("intervention event missing")
	}

	if _, err := f.sim.PushInfluence(1, 42, 10); !errors.Is(err, progression.ErrUnknownFaction) {
		t.Fatalf("push with unknown faction err = %v", err)
	}
	if _, err := f.sim.PushInfluence(1, 3, 10); err != nil {
		t.Fatalf("push: %v", err)
	}

	if _, err := f.sim.RegisterCondition(config.ConditionSpec{Type: "trade_network", Threshold: 2}); !errors.Is(err, victory.ErrInvalidCondition) {
		t.Fatalf("invalid condition err = %v", err)
	}
	if _, err := f.sim.EnableCondition("economic_collapse", true); !errors.Is(err, victory.ErrUnknownCondition) {
		t.Fatalf("unregistered condition err = %v", err)
	}
	if _, err := f.sim.EnableCondition("trade_network", false); err != nil {
		t.Fatalf("disable: %v", err)
	}

	o, err := f.sim.Progression.RegisterObjective(progression.Objective{
		FactionID: 1, ResourceType: world.ResourceResearch, RequiredCount: 50, ReputationReward: 10,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.sim.CompleteObjective(o.ID); err != nil {
		t.Fatal(err)
	}
	if desc, _ := f.sim.CompleteObjective(o.ID); !strings.Contains(desc, "already") {
		t.Fatalf("second completion = %q", desc)
	}
	if _, err := f.sim.CompleteObjective("nope"); !errors.Is(err, progression.ErrUnknownObjective) {
		t.Fatalf("unknown objective err = %v", err)
	}
}
