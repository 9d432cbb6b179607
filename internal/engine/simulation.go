package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/talgya/dominion/internal/balance"
	"github.com/talgya/dominion/internal/cache"
	"github.com/talgya/dominion/internal/config"
	"github.com/talgya/dominion/internal/economy"
	"github.com/talgya/dominion/internal/entropy"
	"github.com/talgya/dominion/internal/events"
	"github.com/talgya/dominion/internal/persistence"
	"github.com/talgya/dominion/internal/prediction"
	"github.com/talgya/dominion/internal/progression"
	"github.com/talgya/dominion/internal/resources"
	"github.com/talgya/dominion/internal/social"
	"github.com/talgya/dominion/internal/victory"
	"github.com/talgya/dominion/internal/world"
)

// Saver accepts states for background persistence.
type Saver interface {
	Enqueue(st persistence.State) bool
}

// Options are the collaborators a Simulation is built over.
type Options struct {
	Ledger *world.Map
	Roster *social.Roster
	Routes *economy.Network
	Source entropy.Source
	Bus    *events.Bus
	Saver  Saver
	Clock  func() time.Time
}

// Simulation owns every analytics subsystem of a session and runs them in
// a fixed order.
type Simulation struct {
	cfg config.Config

	Ledger      *world.Map
	Roster      *social.Roster
	Routes      *economy.Network
	Registry    *economy.Registry
	Bus         *events.Bus
	Cache       *cache.Cache
	Progression *progression.Tracker
	Stats       *resources.Engine
	Bonuses     *resources.BonusBook
	Predictor   *prediction.Model
	Balance     *balance.Monitor
	Victory     *victory.Evaluator

	// OnSessionEnd is called once when a victory ends the session.
	OnSessionEnd func(w victory.Winner)

	src     entropy.Source
	saver   Saver
	now     func() time.Time
	started time.Time

	mu           sync.Mutex
	sessionID    string
	lastTick     uint64
	batches      uint64
	lastBatch    BatchReport
	savedThrough string
	unsaved      []events.Event
	pending      <-chan persistence.LoadResult
	resume       func(tick uint64)
	ended        bool
}

// BatchReport records what one batch did.
type BatchReport struct {
	Tick          uint64                  `json:"tick"`
	At            time.Time               `json:"at"`
	Took          time.Duration           `json:"took"`
	Territories   int                     `json:"territories"`
	Stale         bool                    `json:"stale"`
	Observed      int                     `json:"observed"`
	RoutesChanged int                     `json:"routes_changed"`
	Progression   progression.Summary     `json:"progression"`
	Bonuses       resources.UpdateSummary `json:"bonuses"`
	Balance       float64                 `json:"balance"`
	Corrected     bool                    `json:"corrected"`
	Emergency     bool                    `json:"emergency"`
	Influence     int                     `json:"influence"`
	Drifted       bool                    `json:"drifted"`
	Pruned        int                     `json:"pruned"`
	Saved         bool                    `json:"saved"`
	Failed        []string                `json:"failed,omitempty"`
}

// NewSimulation wires the analytics subsystems over the given collaborators.
// Missing collaborators degrade the features that need them.
func NewSimulation(cfg config.Config, opts Options) *Simulation {
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	bus := opts.Bus
	if bus == nil {
		bus = events.NewBus(0)
	}
	src := opts.Source
	if src == nil {
		src = entropy.Crypto{}
	}
	roster := opts.Roster
	if roster == nil {
		roster = social.NewRoster(social.SeedFactions())
	}

	s := &Simulation{
		cfg:       cfg,
		Ledger:    opts.Ledger,
		Roster:    roster,
		Routes:    opts.Routes,
		Registry:  economy.NewRegistry(),
		Bus:       bus,
		src:       src,
		saver:     opts.Saver,
		now:       now,
		started:   now(),
		sessionID: uuid.NewString(),
	}

	var ledger cache.Ledger
	if opts.Ledger != nil {
		ledger = opts.Ledger
	} else {
		slog.Warn("no territory ledger configured, analytics run on an empty snapshot")
	}
	s.Cache = cache.New(ledger)
	s.Cache.SetClock(now)
	snapshot := s.Cache.Snapshot

	ids := roster.IDs()
	s.Progression = progression.NewTracker(cfg, ids, bus, s.Registry)
	s.Progression.SetClock(now)
	s.Stats = resources.NewEngine(cfg, src, snapshot, roster)
	s.Stats.SetClock(now)
	s.Bonuses = resources.NewBonusBook(cfg, ids, s.Stats, roster, bus)
	s.Stats.SetBonuses(s.Bonuses)
	s.Predictor = prediction.New(cfg, roster, s.Progression, s.Stats, snapshot, bus)
	s.Balance = balance.NewMonitor(cfg, balance.Deps{
		Factions: roster,
		Progress: s.Progression,
		Output:   s.Stats,
		WinRates: s.Predictor,
		Bonuses:  s.Bonuses,
		Snapshot: snapshot,
		Bus:      bus,
	})

	var routes victory.Routes
	if opts.Routes != nil {
		routes = opts.Routes
	}
	s.Victory = victory.NewEvaluator(cfg, roster, routes, snapshot, bus, s.started)
	for _, spec := range cfg.Victory.Conditions {
		c, err := victory.ConditionFromSpec(spec)
		if err == nil {
			err = s.Victory.RegisterCondition(c)
		}
		if err != nil {
			slog.Warn("victory condition rejected", "type", spec.Type, "error", err)
		}
	}

	if opts.Ledger != nil {
		opts.Ledger.OnControlChanged(s.controlChanged)
	}
	if fs, ok := opts.Saver.(interface{ OnFailure(func(persistence.State)) }); ok {
		fs.OnFailure(s.saveFailed)
	}
	return s
}

func (s *Simulation) controlChanged(c world.ControlChange) {
	s.Predictor.Invalidate(c.Territory)
	s.Bus.Publish(events.Event{
		Kind:        events.ControlChanged,
		FactionID:   uint64(c.NewFaction),
		Description: fmt.Sprintf("territory %d passes from faction %d to faction %d (%s)", c.Territory, c.OldFaction, c.NewFaction, c.Reason),
		Meta: map[string]any{
			"territory":   uint32(c.Territory),
			"old_faction": uint64(c.OldFaction),
			"new_faction": uint64(c.NewFaction),
		},
	})
}

// Start refreshes the cache once so queries have data before the first batch.
func (s *Simulation) Start(ctx context.Context) error {
	if err := s.Cache.Refresh(ctx); err != nil {
		return fmt.Errorf("initial refresh: %w", err)
	}
	slog.Info("session ready",
		"session", s.SessionID(),
		"territories", s.Cache.Snapshot().Len(),
		"factions", s.Roster.Len(),
		"conditions", len(s.Victory.Conditions()),
	)
	return nil
}

// TickBatch runs every batch stage in order. A failing or panicking stage is
// logged and the remaining stages still run.
func (s *Simulation) TickBatch(ctx context.Context, tick uint64) BatchReport {
	start := time.Now()
	now := s.now()
	s.applyLoaded()

	rep := BatchReport{Tick: tick, At: now}
	s.mu.Lock()
	s.lastTick = tick
	s.batches++
	n := s.batches
	s.mu.Unlock()

	s.stage(&rep, "refresh", func() error { return s.Cache.Refresh(ctx) })
	snap := s.Cache.Snapshot()
	rep.Territories = snap.Len()
	rep.Stale = s.Cache.Stale()

	s.stage(&rep, "observe", func() error {
		rep.Observed = s.Predictor.Observe(snap)
		return nil
	})
	s.stage(&rep, "routes", func() error {
		if s.Routes == nil {
			return nil
		}
		rep.RoutesChanged = s.Routes.SyncControllers(func(id world.TerritoryID) world.FactionID {
			st, ok := snap.Get(id)
			if !ok {
				return 0
			}
			return st.Controller
		})
		return nil
	})
	s.stage(&rep, "progression", func() error {
		rep.Progression = s.Progression.Process(snap)
		return nil
	})
	s.stage(&rep, "bonuses", func() error {
		rep.Bonuses = s.Bonuses.Update(snap, s.Progression.ResourceBonusCount, now)
		return nil
	})
	s.stage(&rep, "balance", func() error {
		c := s.Balance.DetectAndCorrect(now)
		rep.Balance = c.Report.Overall
		rep.Corrected = len(c.Boosted)+len(c.Reduced) > 0
		rep.Emergency = c.Emergency
		return nil
	})
	s.stage(&rep, "influence", func() error {
		rep.Influence = s.projectInfluence(snap)
		return nil
	})
	if every := uint64(s.cfg.Engine.DriftEveryBatches); every > 0 && n%every == 0 {
		s.stage(&rep, "drift", func() error {
			s.Roster.Drift(s.cfg.Engine.DriftRate)
			rep.Drifted = true
			return nil
		})
	}
	if every := uint64(s.cfg.Engine.PruneEveryBatches); every > 0 && n%every == 0 {
		s.stage(&rep, "prune", func() error {
			rep.Pruned = s.Progression.PruneObjectives(now)
			return nil
		})
	}
	if every := uint64(s.cfg.Persistence.SaveEveryBatches); every > 0 && n%every == 0 {
		s.stage(&rep, "save", func() error {
			rep.Saved = s.Save(tick)
			return nil
		})
	}

	rep.Took = time.Since(start)
	s.mu.Lock()
	s.lastBatch = rep
	s.mu.Unlock()

	slog.Debug("batch complete",
		"tick", tick,
		"territories", rep.Territories,
		"balance", fmt.Sprintf("%.3f", rep.Balance),
		"reputation_gained", fmt.Sprintf("%.1f", rep.Progression.ReputationGained),
		"influence", rep.Influence,
		"took", rep.Took,
	)
	return rep
}

// TickCheck runs the victory evaluation.
func (s *Simulation) TickCheck(ctx context.Context, tick uint64) victory.Summary {
	s.applyLoaded()

	s.mu.Lock()
	s.lastTick = tick
	ended := s.ended
	s.mu.Unlock()
	if ended {
		return victory.Summary{}
	}

	var sum victory.Summary
	var rep BatchReport
	s.stage(&rep, "victory", func() error {
		sum = s.Victory.Evaluate(s.now())
		return nil
	})
	if len(sum.Winners) == 0 || !s.Victory.Ended() {
		return sum
	}

	s.mu.Lock()
	s.ended = true
	s.mu.Unlock()
	w := sum.Winners[0]
	name := fmt.Sprintf("faction %d", w.FactionID)
	if f, ok := s.Roster.Faction(w.FactionID); ok {
		name = f.Name
	}
	slog.Info("session ended", "winner", name, "type", w.Type, "elapsed", w.Elapsed.Round(time.Second))
	if s.OnSessionEnd != nil {
		s.OnSessionEnd(w)
	}
	return sum
}

func (s *Simulation) stage(rep *BatchReport, name string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("stage panicked", "stage", name, "panic", r)
			rep.Failed = append(rep.Failed, name)
		}
	}()
	if err := fn(); err != nil {
		slog.Debug("stage failed", "stage", name, "error", err)
		rep.Failed = append(rep.Failed, name)
	}
}

// projectInfluence pushes every faction's influence onto the territories
// bordering its holdings and reinforces its contested ones. Balance
// corrections reach the map through the bonus multipliers.
func (s *Simulation) projectInfluence(snap *cache.Snapshot) int {
	if s.Ledger == nil || s.cfg.Engine.InfluencePerBatch <= 0 {
		return 0
	}
	updates := 0
	for _, f := range s.Roster.IDs() {
		fac, ok := s.Roster.Faction(f)
		if !ok {
			continue
		}
		rate := s.cfg.Engine.InfluencePerBatch * s.Progression.InfluenceRateMultiplier(f) *
			s.Bonuses.MeanMultiplier(f) * (0.5 + fac.Aggression)
		kind := preferredType(fac)

		targets := make(map[world.TerritoryID]bool)
		var order []world.TerritoryID
		snap.Each(func(st cache.TerritoryState) {
			if st.Controller != f {
				return
			}
			if st.Contested {
				if s.Ledger.UpdateInfluence(st.ID, kind, f, 0.5*rate, "reinforcement") {
					updates++
				}
			}
			for _, c := range st.Coord.Neighbors() {
				id, ok := s.Ledger.At(c)
				if !ok || targets[id] {
					continue
				}
				if n, ok := snap.Get(id); !ok || n.Controller == f {
					continue
				}
				targets[id] = true
				order = append(order, id)
			}
		})

		for _, id := range order {
			push := rate * entropy.Uniform(s.src, 0.5, 1.5)
			if s.Ledger.UpdateInfluence(id, kind, f, push, "border pressure") {
				updates++
			}
		}
	}
	return updates
}

// preferredType is the resource type a faction focuses on most.
func preferredType(f *social.Faction) world.ResourceType {
	best := world.ResourceMilitary
	bestFocus := 0.0
	for _, rt := range world.AllResourceTypes() {
		if v := f.FocusOn(rt); v > bestFocus {
			best, bestFocus = rt, v
		}
	}
	return best
}

// Save hands the current state to the background saver. Events published
// since the previous accepted save ride along, together with events of
// saves that failed.
func (s *Simulation) Save(tick uint64) bool {
	if s.saver == nil {
		return false
	}
	st, last, retried := s.state(tick)
	if !s.saver.Enqueue(st) {
		return false
	}
	s.markSaved(last, retried)
	return true
}

// FinalState returns the state for a synchronous save and marks its events
// as saved.
func (s *Simulation) FinalState(tick uint64) persistence.State {
	st, last, retried := s.state(tick)
	s.markSaved(last, retried)
	return st
}

// saveFailed keeps a failed state's events for the next save.
func (s *Simulation) saveFailed(st persistence.State) {
	if len(st.Events) == 0 {
		return
	}
	s.mu.Lock()
	s.unsaved = append(s.unsaved, st.Events...)
	s.mu.Unlock()
	slog.Warn("save failed, events carried to the next save", "tick", st.Tick, "events", len(st.Events))
}

func (s *Simulation) markSaved(last string, retried int) {
	s.mu.Lock()
	s.savedThrough = last
	s.unsaved = s.unsaved[retried:]
	s.mu.Unlock()
}

func (s *Simulation) state(tick uint64) (persistence.State, string, int) {
	s.mu.Lock()
	since := s.savedThrough
	id := s.sessionID
	evs := append([]events.Event(nil), s.unsaved...)
	s.mu.Unlock()

	fresh, last := s.Bus.Since(since)
	retried := len(evs)
	evs = append(evs, fresh...)
	return persistence.State{
		SessionID: id,
		Tick:      tick,
		SavedAt:   s.now(),
		Records:   s.Progression.Records(),
		Events:    evs,
	}, last, retried
}

// Archive assembles a point-in-time export of the session.
func (s *Simulation) Archive(tick uint64) persistence.Archive {
	return persistence.Archive{
		Header: persistence.ArchiveHeader{
			Version:   persistence.ArchiveVersion,
			SessionID: s.SessionID(),
			Tick:      tick,
			At:        s.now(),
		},
		Records: s.Progression.Records(),
		Victory: s.Victory.AllProgress(),
		Winners: s.Victory.Winners(),
		Events:  s.Bus.Recent(200),
		Balance: s.Balance.Last(),
	}
}

// AwaitLoad registers an in-flight load. Its result is applied at the start
// of the next tick; resume receives the saved tick counter.
func (s *Simulation) AwaitLoad(ch <-chan persistence.LoadResult, resume func(tick uint64)) {
	s.mu.Lock()
	s.pending = ch
	s.resume = resume
	s.mu.Unlock()
}

func (s *Simulation) applyLoaded() bool {
	s.mu.Lock()
	ch := s.pending
	resume := s.resume
	s.mu.Unlock()
	if ch == nil {
		return false
	}

	var res persistence.LoadResult
	select {
	case r, ok := <-ch:
		if !ok {
			s.clearPending()
			return false
		}
		res = r
	default:
		return false
	}
	s.clearPending()

	switch {
	case errors.Is(res.Err, persistence.ErrNoState):
		slog.Info("no saved session, starting fresh")
		return false
	case res.Err != nil:
		slog.Error("loading saved session failed", "error", res.Err)
		return false
	}

	n := s.Progression.Restore(res.Loaded.Records)
	s.mu.Lock()
	if res.Loaded.SessionID != "" {
		s.sessionID = res.Loaded.SessionID
	}
	s.mu.Unlock()
	if resume != nil {
		resume(res.Loaded.Tick)
	}
	slog.Info("saved session restored", "session", res.Loaded.SessionID, "tick", res.Loaded.Tick, "factions", n)
	return true
}

func (s *Simulation) clearPending() {
	s.mu.Lock()
	s.pending = nil
	s.resume = nil
	s.mu.Unlock()
}

// SessionID returns the session identifier.
func (s *Simulation) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Status summarizes the session.
type Status struct {
	SessionID   string           `json:"session_id"`
	Started     time.Time        `json:"started"`
	Tick        uint64           `json:"tick"`
	Batches     uint64           `json:"batches"`
	Territories int              `json:"territories"`
	Stale       bool             `json:"stale"`
	Ended       bool             `json:"ended"`
	Winners     []victory.Winner `json:"winners,omitempty"`
	Accuracy    float64          `json:"prediction_accuracy"`
	Scored      int              `json:"predictions_scored"`
	LastBatch   BatchReport      `json:"last_batch"`
}

// Status returns a summary of the session.
func (s *Simulation) Status() Status {
	acc, scored := s.Predictor.Accuracy()
	s.mu.Lock()
	st := Status{
		SessionID: s.sessionID,
		Started:   s.started,
		Tick:      s.lastTick,
		Batches:   s.batches,
		Ended:     s.ended,
		LastBatch: s.lastBatch,
	}
	s.mu.Unlock()
	st.Territories = s.Cache.Snapshot().Len()
	st.Stale = s.Cache.Stale()
	st.Winners = s.Victory.Winners()
	st.Accuracy = acc
	st.Scored = scored
	return st
}

// Now returns the session clock reading.
func (s *Simulation) Now() time.Time {
	return s.now()
}

// Config returns the session tuning.
func (s *Simulation) Config() config.Config {
	return s.cfg
}
