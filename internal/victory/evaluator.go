package victory

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/talgya/dominion/internal/cache"
	"github.com/talgya/dominion/internal/config"
	"github.com/talgya/dominion/internal/economy"
	"github.com/talgya/dominion/internal/events"
	"github.com/talgya/dominion/internal/world"
)

// Routes is the trade-route ledger view the evaluator reads.
type Routes interface {
	AllRoutes() []economy.Route
}

// Factions lists the factions that can win.
type Factions interface {
	IDs() []world.FactionID
}

type progressKey struct {
	f world.FactionID
	t Type
}

// Evaluator runs the per-(faction, type) victory state machine.
type Evaluator struct {
	cfg      config.Victory
	factions Factions
	routes   Routes
	snapshot func() *cache.Snapshot
	bus      events.Publisher

	mu         sync.Mutex
	conditions map[Type]*Condition
	progress   map[progressKey]*Progress
	winners    []Winner
	started    time.Time
	lastEval   time.Time
	ended      bool
}

// NewEvaluator creates an evaluator for a session starting at start. A nil
// route ledger yields zero progress for every condition.
func NewEvaluator(cfg config.Config, factions Factions, routes Routes, snapshot func() *cache.Snapshot, bus events.Publisher, start time.Time) *Evaluator {
	if bus == nil {
		bus = events.Discard{}
	}
	if routes == nil {
		slog.Warn("no trade-route ledger configured, victory progress stays at zero")
	}
	return &Evaluator{
		cfg:        cfg.Victory,
		factions:   factions,
		routes:     routes,
		snapshot:   snapshot,
		bus:        bus,
		conditions: make(map[Type]*Condition),
		progress:   make(map[progressKey]*Progress),
		started:    start,
	}
}

// RegisterCondition validates and registers a condition, replacing any
// condition of the same type and clearing its progress. Invalid conditions
// are rejected without touching existing state.
func (e *Evaluator) RegisterCondition(c Condition) error {
	if err := c.Validate(); err != nil {
		return err
	}
	c.TargetFactions = append([]world.FactionID(nil), c.TargetFactions...)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.conditions[c.Type] = &c
	for k := range e.progress {
		if k.t == c.Type && e.progress[k].Status != Completed {
			delete(e.progress, k)
		}
	}
	return nil
}

// SetEnabled toggles a registered condition. Disabling drops any time held,
// so a re-enabled condition starts its hold timer over.
func (e *Evaluator) SetEnabled(t Type, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.conditions[t]
	if !ok {
		return fmt.Errorf("%s: %w", t, ErrUnknownCondition)
	}
	c.Enabled = enabled
	if enabled {
		return nil
	}
	for k, rec := range e.progress {
		if k.t != t || rec.Status == Completed {
			continue
		}
		rec.TimeHeld = 0
		if rec.Status == NearComplete {
			rec.Status = InProgress
		}
	}
	return nil
}

// Conditions returns the registered conditions by priority.
func (e *Evaluator) Conditions() []Condition {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Condition, 0, len(e.conditions))
	for _, c := range e.sortedConditionsLocked() {
		cc := *c
		cc.TargetFactions = append([]world.FactionID(nil), c.TargetFactions...)
		out = append(out, cc)
	}
	return out
}

// Summary reports one evaluation.
type Summary struct {
	Evaluated int
	Active    int
	Threats   int
	Winners   []Winner
}

// Evaluate advances every enabled condition for every faction. Progress at or
// above a condition's threshold accumulates held time since the previous
// evaluation; dropping below resets it. Only factions holding at least
// min_territories uncontested territories make progress.
func (e *Evaluator) Evaluate(now time.Time) Summary {
	var sum Summary

	snap := e.snap()
	var routes []economy.Route
	if e.routes != nil {
		routes = e.routes.AllRoutes()
	}
	ids := e.factionIDs()
	active := make(map[world.FactionID]bool, len(ids))
	for _, f := range ids {
		if len(snap.ControlledBy(f)) >= e.cfg.MinTerritories {
			active[f] = true
			sum.Active++
		}
	}
	ctl := summarizeRoutes(routes)

	e.mu.Lock()
	defer e.mu.Unlock()

	var dt time.Duration
	if !e.lastEval.IsZero() && now.After(e.lastEval) {
		dt = now.Sub(e.lastEval)
	}
	e.lastEval = now
	if e.ended && !e.cfg.AllowMultiple {
		return sum
	}

	for _, c := range e.sortedConditionsLocked() {
		if !c.Enabled {
			continue
		}
		for _, f := range ids {
			k := progressKey{f, c.Type}
			rec, ok := e.progress[k]
			if !ok {
				rec = &Progress{FactionID: f, Type: c.Type}
				e.progress[k] = rec
			}
			if rec.Status == Completed {
				continue
			}
			sum.Evaluated++

			p := 0.0
			if active[f] {
				p = ctl.progress(c, f)
			}
			prev := rec.Progress
			rec.Progress = p
			rec.UpdatedAt = now

			switch {
			case p >= c.Threshold:
				if rec.Status == NearComplete {
					rec.TimeHeld += dt
				} else {
					rec.Status = NearComplete
					rec.TimeHeld = 0
				}
			case p > 0:
				rec.Status = InProgress
				rec.TimeHeld = 0
			default:
				rec.Status = NotStarted
				rec.TimeHeld = 0
			}

			if e.threatLocked(rec, c, prev, dt) {
				sum.Threats++
			}

			if rec.Status == NearComplete && rec.TimeHeld >= c.Hold {
				w := e.completeLocked(rec, now)
				sum.Winners = append(sum.Winners, w)
				if !e.cfg.AllowMultiple {
					return sum
				}
			}
		}
	}
	return sum
}

func (e *Evaluator) threatLocked(rec *Progress, c *Condition, prev float64, dt time.Duration) bool {
	frac := rec.Progress / c.Threshold
	if frac < e.cfg.ThreatFraction {
		rec.warned = false
		return false
	}
	if rec.warned {
		return false
	}
	rec.warned = true

	eta := time.Duration(-1)
	switch {
	case rec.Progress >= c.Threshold:
		eta = c.Hold - rec.TimeHeld
	case dt > 0 && rec.Progress > prev:
		rate := (rec.Progress - prev) / dt.Seconds()
		eta = time.Duration((c.Threshold-rec.Progress)/rate*float64(time.Second)) + c.Hold
	}

	meta := map[string]any{
		"type":      c.Type.String(),
		"progress":  rec.Progress,
		"threshold": c.Threshold,
	}
	desc := fmt.Sprintf("faction %d threatens %s victory at %.0f%%", rec.FactionID, c.Type, rec.Progress*100)
	if eta >= 0 {
		meta["eta_seconds"] = eta.Seconds()
		desc += fmt.Sprintf(", about %s to go", eta.Round(time.Second))
	}
	e.bus.Publish(events.Event{
		Kind:        events.VictoryThreatened,
		FactionID:   uint64(rec.FactionID),
		Description: desc,
		Meta:        meta,
	})
	return true
}

func (e *Evaluator) completeLocked(rec *Progress, now time.Time) Winner {
	rec.Status = Completed
	rec.CompletedAt = now
	w := Winner{FactionID: rec.FactionID, Type: rec.Type, At: now, Elapsed: now.Sub(e.started)}
	e.winners = append(e.winners, w)
	if !e.cfg.AllowMultiple {
		e.ended = true
	}

	slog.Info("victory achieved", "faction", rec.FactionID, "type", rec.Type, "elapsed", w.Elapsed.Round(time.Second))
	e.bus.Publish(events.Event{
		Kind:        events.VictoryAchieved,
		FactionID:   uint64(rec.FactionID),
		Description: fmt.Sprintf("faction %d wins by %s after %s", rec.FactionID, rec.Type, w.Elapsed.Round(time.Second)),
		Meta: map[string]any{
			"type":            rec.Type.String(),
			"elapsed_seconds": w.Elapsed.Seconds(),
			"progress":        rec.Progress,
		},
	})
	return w
}

// Progress returns one (faction, type) record.
func (e *Evaluator) Progress(f world.FactionID, t Type) (Progress, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.progress[progressKey{f, t}]
	if !ok {
		return Progress{FactionID: f, Type: t}, false
	}
	return *rec, true
}

// AllProgress returns every progress record by faction then type.
func (e *Evaluator) AllProgress() []Progress {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Progress, 0, len(e.progress))
	for _, rec := range e.progress {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FactionID != out[j].FactionID {
			return out[i].FactionID < out[j].FactionID
		}
		return out[i].Type < out[j].Type
	})
	return out
}

// Winners returns the recorded victories.
func (e *Evaluator) Winners() []Winner {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Winner(nil), e.winners...)
}

// Ended reports whether the session has been won.
func (e *Evaluator) Ended() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ended
}

func (e *Evaluator) sortedConditionsLocked() []*Condition {
	out := make([]*Condition, 0, len(e.conditions))
	for _, c := range e.conditions {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].Type < out[j].Type
	})
	return out
}

func (e *Evaluator) factionIDs() []world.FactionID {
	if e.factions == nil {
		return nil
	}
	return e.factions.IDs()
}

func (e *Evaluator) snap() *cache.Snapshot {
	if e.snapshot == nil {
		return nil
	}
	return e.snapshot()
}

// routeControl is the route value held per faction, overall and per type.
type routeControl struct {
	total      float64
	byFaction  map[world.FactionID]float64
	typeTotal  map[world.ResourceType]float64
	typeByFact map[world.ResourceType]map[world.FactionID]float64
}

func summarizeRoutes(routes []economy.Route) routeControl {
	rc := routeControl{
		byFaction:  make(map[world.FactionID]float64),
		typeTotal:  make(map[world.ResourceType]float64),
		typeByFact: make(map[world.ResourceType]map[world.FactionID]float64),
	}
	for _, r := range routes {
		v := math.Max(0, r.Value())
		rc.total += v
		rc.typeTotal[r.ResourceType] += v
		if r.FactionControllerID == 0 {
			continue
		}
		rc.byFaction[r.FactionControllerID] += v
		m, ok := rc.typeByFact[r.ResourceType]
		if !ok {
			m = make(map[world.FactionID]float64)
			rc.typeByFact[r.ResourceType] = m
		}
		m[r.FactionControllerID] += v
	}
	return rc
}

func (rc routeControl) fraction(f world.FactionID) float64 {
	if rc.total <= 0 {
		return 0
	}
	return rc.byFaction[f] / rc.total
}

func (rc routeControl) typeFraction(f world.FactionID, rt world.ResourceType) float64 {
	if rc.typeTotal[rt] <= 0 {
		return 0
	}
	return rc.typeByFact[rt][f] / rc.typeTotal[rt]
}

func (rc routeControl) progress(c *Condition, f world.FactionID) float64 {
	var p float64
	switch c.Type {
	case EconomicDominance:
		p = rc.fraction(f)
	case SupplyMonopoly, ResourceControl:
		p = rc.typeFraction(f, c.ResourceType)
	case EconomicCollapse:
		if rc.total <= 0 {
			return 0
		}
		n := 0
		for _, t := range c.TargetFactions {
			if t == f {
				continue
			}
			p += 1 - rc.fraction(t)
			n++
		}
		if n == 0 {
			return 0
		}
		p /= float64(n)
	case TradeNetwork:
		p = math.Sqrt(rc.fraction(f))
	case ConvoySupremacy:
		frac := rc.fraction(f)
		p = 0.7*frac + 0.3*math.Sqrt(frac)
	}
	return math.Max(0, math.Min(1, p))
}
