// Package prediction estimates who will control each territory over a time
// horizon and aggregates those estimates into relative faction win rates.
package prediction

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/talgya/dominion/internal/cache"
	"github.com/talgya/dominion/internal/config"
	"github.com/talgya/dominion/internal/events"
	"github.com/talgya/dominion/internal/progression"
	"github.com/talgya/dominion/internal/social"
	"github.com/talgya/dominion/internal/world"
)

var ErrUnknownTerritory = errors.New("unknown territory")

// Prediction is the control forecast for one territory.
type Prediction struct {
	TerritoryID       world.TerritoryID           `json:"territory_id"`
	CurrentController world.FactionID             `json:"current_controller"`
	HorizonHours      float64                     `json:"horizon_hours"`
	Probabilities     map[world.FactionID]float64 `json:"probabilities"`
	PredictedOutput   map[world.FactionID]float64 `json:"predicted_output"`
	StrategicValue    map[world.FactionID]float64 `json:"strategic_value"`
	MostLikely        world.FactionID             `json:"most_likely"`
	Confidence        float64                     `json:"confidence"`
	Accuracy          float64                     `json:"accuracy"`
	ComputedAt        time.Time                   `json:"computed_at"`
}

// Factions is the roster view the model reads.
type Factions interface {
	IDs() []world.FactionID
	Faction(id world.FactionID) (*social.Faction, bool)
}

// Progress is the progression view the model reads.
type Progress interface {
	TierOf(f world.FactionID) progression.Tier
	ResourceBonusCount(f world.FactionID, rt world.ResourceType) int
}

// Output estimates what a cached territory yields for its controller.
type Output interface {
	TerritoryOutput(st cache.TerritoryState, now time.Time) float64
}

type cacheKey struct {
	id      world.TerritoryID
	horizon float64
}

type cached struct {
	pred    Prediction
	expires time.Time
}

// Model is the predictive control model.
type Model struct {
	cfg      config.Prediction
	factions Factions
	progress Progress
	output   Output
	snapshot func() *cache.Snapshot
	bus      events.Publisher

	mu       sync.Mutex
	cache    map[cacheKey]cached
	pending  map[world.TerritoryID]world.FactionID // most-likely controller per predicted territory
	accuracy float64
	observed int
}

// New creates a model. progress and output may be nil.
func New(cfg config.Config, factions Factions, progress Progress, output Output, snapshot func() *cache.Snapshot, bus events.Publisher) *Model {
	if bus == nil {
		bus = events.Discard{}
	}
	return &Model{
		cfg:      cfg.Prediction,
		factions: factions,
		progress: progress,
		output:   output,
		snapshot: snapshot,
		bus:      bus,
		cache:    make(map[cacheKey]cached),
		pending:  make(map[world.TerritoryID]world.FactionID),
		accuracy: 0.5,
	}
}

// PredictControl forecasts control of a territory horizonHours ahead.
// Results are cached for the configured TTL.
func (m *Model) PredictControl(id world.TerritoryID, horizonHours float64, now time.Time) (Prediction, error) {
	horizonHours = math.Max(0, horizonHours)
	key := cacheKey{id, horizonHours}

	m.mu.Lock()
	if c, ok := m.cache[key]; ok && now.Before(c.expires) {
		m.mu.Unlock()
		return c.pred, nil
	}
	m.mu.Unlock()

	snap := m.snap()
	st, ok := snap.Get(id)
	if !ok {
		return Prediction{}, fmt.Errorf("territory %d: %w", id, ErrUnknownTerritory)
	}
	pred := m.compute(snap, st, horizonHours, now, neighborsOf(snap, st, m.cfg.ClusterRadius))

	m.mu.Lock()
	pred.Accuracy = m.accuracy
	m.cache[key] = cached{pred: pred, expires: now.Add(m.cfg.CacheTTL)}
	m.pending[id] = pred.MostLikely
	m.mu.Unlock()
	return pred, nil
}

func (m *Model) compute(snap *cache.Snapshot, st cache.TerritoryState, horizon float64, now time.Time, neighbors []cache.TerritoryState) Prediction {
	ids := m.factions.IDs()
	pred := Prediction{
		TerritoryID:       st.ID,
		CurrentController: st.Controller,
		HorizonHours:      horizon,
		Probabilities:     make(map[world.FactionID]float64, len(ids)),
		PredictedOutput:   make(map[world.FactionID]float64, len(ids)),
		StrategicValue:    make(map[world.FactionID]float64, len(ids)),
		ComputedAt:        now,
	}
	if len(ids) == 0 {
		return pred
	}

	held := make(map[world.FactionID]int)
	for _, n := range neighbors {
		if n.Controller != 0 {
			held[n.Controller]++
		}
	}

	prior := 1.0 / float64(len(ids))
	recomputed := make(map[world.FactionID]float64, len(ids))
	for _, f := range ids {
		fac, ok := m.factions.Faction(f)
		if !ok {
			continue
		}
		p := prior * fac.BaseControlProbability * fac.FocusOn(st.ResourceType)
		p *= 1 + fac.Aggression*float64(st.StrategicValue)/10
		if f == st.Controller {
			p *= m.cfg.StatusQuoBonus
		}
		if len(neighbors) > 0 {
			p *= 1 + m.cfg.ClusterWeight*float64(held[f])/float64(len(neighbors))
		}
		if m.progress != nil {
			tier := int(m.progress.TierOf(f))
			if tier < len(m.cfg.TierMultipliers) {
				p *= m.cfg.TierMultipliers[tier]
			}
			if st.ResourceType == world.ResourceMilitary {
				p *= 1 + m.cfg.MilitaryBoostWeight*float64(m.progress.ResourceBonusCount(f, world.ResourceMilitary))
			}
		}
		recomputed[f] = p
		pred.StrategicValue[f] = float64(st.StrategicValue) * fac.FocusOn(st.ResourceType)
	}
	normalize(recomputed, ids)

	// Status quo: the current controller keeps the territory.
	current := make(map[world.FactionID]float64, len(ids))
	if _, known := recomputed[st.Controller]; known && st.Controller != 0 {
		current[st.Controller] = 1
	} else {
		for _, f := range ids {
			current[f] = prior
		}
	}

	w := StabilityWeight(horizon, m.cfg.HalfLife)
	for _, f := range ids {
		pred.Probabilities[f] = (1-w)*current[f] + w*recomputed[f]
	}
	normalize(pred.Probabilities, ids)

	best := 0.0
	for _, f := range ids {
		p := pred.Probabilities[f]
		if p > best {
			best = p
			pred.MostLikely = f
		}
		if m.output != nil {
			as := st
			as.Controller = f
			pred.PredictedOutput[f] = m.output.TerritoryOutput(as, now) * p
		}
	}
	pred.Confidence = confidence(pred.Probabilities)
	return pred
}

// StabilityWeight is the share of a prediction that is recomputed rather
// than carried over from the current state: 1 - 2^(-h/halfLife).
func StabilityWeight(horizonHours float64, halfLife time.Duration) float64 {
	if horizonHours <= 0 || halfLife <= 0 {
		return 0
	}
	return 1 - math.Exp(-math.Ln2*horizonHours/halfLife.Hours())
}

// PredictFactionWinRates aggregates strategic-value-weighted control
// probabilities over every territory and scales them by the leader's total,
// so the leading faction scores 1. A performance event fires per faction.
func (m *Model) PredictFactionWinRates(horizonHours float64, now time.Time) map[world.FactionID]float64 {
	snap := m.snap()
	ids := m.factions.IDs()
	agg := make(map[world.FactionID]float64, len(ids))
	for _, f := range ids {
		agg[f] = 0
	}

	for _, st := range snap.All() {
		pred, err := m.PredictControl(st.ID, horizonHours, now)
		if err != nil {
			continue
		}
		for f, p := range pred.Probabilities {
			agg[f] += p * float64(st.StrategicValue)
		}
	}

	top := 0.0
	for _, v := range agg {
		top = math.Max(top, v)
	}
	rates := make(map[world.FactionID]float64, len(agg))
	for _, f := range ids {
		if top > 0 {
			rates[f] = agg[f] / top
		} else {
			rates[f] = 0
		}
		risk := math.Max(0, 0.5-rates[f])
		m.bus.Publish(events.Event{
			Kind:        events.FactionPerformance,
			FactionID:   uint64(f),
			Description: fmt.Sprintf("faction %d win rate %.2f over %.0fh", f, rates[f], horizonHours),
			Meta: map[string]any{
				"win_rate":       rates[f],
				"retention_risk": risk,
				"horizon_hours":  horizonHours,
			},
		})
	}
	return rates
}

// Observe scores the most-likely controller of every prediction made since
// the last observation against the snapshot's actual controller and folds
// the hit rate into the running accuracy. The prediction cache is cleared.
// Returns the number of predictions scored.
func (m *Model) Observe(snap *cache.Snapshot) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]world.TerritoryID, 0, len(m.pending))
	for id := range m.pending {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	alpha := m.cfg.AccuracySmoothing
	n := 0
	for _, id := range ids {
		st, ok := snap.Get(id)
		if !ok {
			continue
		}
		hit := 0.0
		if st.Controller == m.pending[id] {
			hit = 1
		}
		m.accuracy += alpha * (hit - m.accuracy)
		n++
	}
	m.observed += n
	m.pending = make(map[world.TerritoryID]world.FactionID)
	m.cache = make(map[cacheKey]cached)
	return n
}

// Accuracy returns the running accuracy and how many predictions were scored.
func (m *Model) Accuracy() (float64, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accuracy, m.observed
}

// Invalidate drops cached predictions for one territory.
func (m *Model) Invalidate(id world.TerritoryID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.cache {
		if k.id == id {
			delete(m.cache, k)
		}
	}
}

func (m *Model) snap() *cache.Snapshot {
	if m.snapshot == nil {
		return nil
	}
	return m.snapshot()
}

func neighborsOf(snap *cache.Snapshot, st cache.TerritoryState, radius int) []cache.TerritoryState {
	var out []cache.TerritoryState
	for _, n := range snap.Within(st.Coord, radius) {
		if n.ID != st.ID {
			out = append(out, n)
		}
	}
	return out
}

func normalize(p map[world.FactionID]float64, ids []world.FactionID) {
	total := 0.0
	for _, v := range p {
		total += v
	}
	if total <= 0 {
		for _, f := range ids {
			p[f] = 1 / float64(len(ids))
		}
		return
	}
	for f, v := range p {
		p[f] = v / total
	}
}

// confidence is one minus the normalized entropy of the distribution.
func confidence(p map[world.FactionID]float64) float64 {
	if len(p) <= 1 {
		return 1
	}
	h := 0.0
	for _, v := range p {
		if v > 0 {
			h -= v * math.Log(v)
		}
	}
	return math.Max(0, 1-h/math.Log(float64(len(p))))
}
