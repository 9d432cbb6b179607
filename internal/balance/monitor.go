package balance

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/talgya/dominion/internal/cache"
	"github.com/talgya/dominion/internal/config"
	"github.com/talgya/dominion/internal/events"
	"github.com/talgya/dominion/internal/world"
)

// AnomalyKind names a detected balance problem.
type AnomalyKind string

const (
	FactionDomination = AnomalyKind("Faction Domination")
	SevereImbalance   = AnomalyKind("Severe Competitive Imbalance")
)

// Anomaly is one detected balance problem.
type Anomaly struct {
	Kind        AnomalyKind     `json:"kind"`
	FactionID   world.FactionID `json:"faction_id,omitempty"`
	Severity    float64         `json:"severity"`
	Description string          `json:"description"`
}

// Report is one competitive-balance measurement.
type Report struct {
	At              time.Time                   `json:"at"`
	TerritoryGini   float64                     `json:"territory_gini"`
	ResourceGini    float64                     `json:"resource_gini"`
	ProgressionGini float64                     `json:"progression_gini"`
	Herfindahl      float64                     `json:"herfindahl"`
	Overall         float64                     `json:"overall"`
	TotalTerritory  int                         `json:"total_territory"`
	Territories     map[world.FactionID]int     `json:"territories"`
	Resources       map[world.FactionID]float64 `json:"resources"`
	Reputation      map[world.FactionID]float64 `json:"reputation"`
	Anomalies       []Anomaly                   `json:"anomalies,omitempty"`
	Recommendations []string                    `json:"recommendations,omitempty"`
}

// Correction reports one detect-and-correct pass.
type Correction struct {
	Report    Report                      `json:"report"`
	WinRates  map[world.FactionID]float64 `json:"win_rates,omitempty"`
	Emergency bool                        `json:"emergency"`
	Boosted   []world.FactionID           `json:"boosted,omitempty"`
	Reduced   []world.FactionID           `json:"reduced,omitempty"`
}

// Factions lists the factions being balanced.
type Factions interface {
	IDs() []world.FactionID
}

// Progress is the progression view the monitor reads.
type Progress interface {
	Reputation(f world.FactionID) float64
	ExtractionBonusMultiplier(f world.FactionID) float64
}

// Output estimates a faction's resource generation per type.
type Output interface {
	ExpectedOutput(f world.FactionID, extraction float64) map[world.ResourceType]float64
}

// WinRates predicts relative faction win rates.
type WinRates interface {
	PredictFactionWinRates(horizonHours float64, now time.Time) map[world.FactionID]float64
}

// Bonuses applies multiplicative corrections to a faction's resource bonuses.
type Bonuses interface {
	Scale(f world.FactionID, factor float64, reason string, now time.Time) int
}

// Deps are the collaborators of a Monitor. Nil fields degrade to neutral
// values: no resources, no reputation, no corrections.
type Deps struct {
	Factions Factions
	Progress Progress
	Output   Output
	WinRates WinRates
	Bonuses  Bonuses
	Snapshot func() *cache.Snapshot
	Bus      events.Publisher
}

// Monitor is the balance monitor.
type Monitor struct {
	cfg  config.Balance
	deps Deps

	mu            sync.Mutex
	emergency     bool
	lastEmergency time.Time
	last          Report
	corrections   int
	warned        map[string]bool
}

// NewMonitor creates a balance monitor.
func NewMonitor(cfg config.Config, deps Deps) *Monitor {
	if deps.Bus == nil {
		deps.Bus = events.Discard{}
	}
	return &Monitor{cfg: cfg.Balance, deps: deps, warned: make(map[string]bool)}
}

// CompetitiveBalance measures territory, resource and progression inequality
// and combines the inverted Gini coefficients into an overall score in [0,1]
// where 1 is perfect balance.
func (m *Monitor) CompetitiveBalance(now time.Time) Report {
	r := Report{
		At:          now,
		Territories: make(map[world.FactionID]int),
		Resources:   make(map[world.FactionID]float64),
		Reputation:  make(map[world.FactionID]float64),
	}
	ids := m.factionIDs()
	snap := m.snap()
	counts := snap.ControlCounts()
	r.TotalTerritory = snap.Len()

	var terr, res, rep []float64
	for _, f := range ids {
		r.Territories[f] = counts[f]
		extraction := 1.0
		if m.deps.Progress != nil {
			r.Reputation[f] = m.deps.Progress.Reputation(f)
			extraction = m.deps.Progress.ExtractionBonusMultiplier(f)
		}
		if m.deps.Output != nil {
			for _, v := range m.deps.Output.ExpectedOutput(f, extraction) {
				r.Resources[f] += v
			}
		}
		terr = append(terr, float64(r.Territories[f]))
		res = append(res, r.Resources[f])
		rep = append(rep, r.Reputation[f])
	}

	r.TerritoryGini = Gini(terr)
	r.ResourceGini = Gini(res)
	r.ProgressionGini = Gini(rep)
	r.Herfindahl = Herfindahl(terr)

	tw, rw, pw := m.cfg.TerritoryWeight, m.cfg.ResourceWeight, m.cfg.ProgressionWeight
	if sum := tw + rw + pw; sum > 0 {
		r.Overall = (tw*(1-r.TerritoryGini) + rw*(1-r.ResourceGini) + pw*(1-r.ProgressionGini)) / sum
	}
	r.Anomalies = m.DetectAnomalies(r)
	r.Recommendations = m.Recommendations(r)
	return r
}

// DetectAnomalies flags single-faction domination and overall balance below
// the anomaly threshold.
func (m *Monitor) DetectAnomalies(r Report) []Anomaly {
	var out []Anomaly
	if r.TotalTerritory > 0 {
		for _, f := range sortedKeys(r.Territories) {
			share := float64(r.Territories[f]) / float64(r.TotalTerritory)
			if share > m.cfg.DominationShare {
				out = append(out, Anomaly{
					Kind:        FactionDomination,
					FactionID:   f,
					Severity:    share - 0.5,
					Description: fmt.Sprintf("faction %d controls %.0f%% of all territory", f, share*100),
				})
			}
		}
	}
	if r.Overall < m.cfg.AnomalyThreshold {
		out = append(out, Anomaly{
			Kind:        SevereImbalance,
			Severity:    m.cfg.AnomalyThreshold - r.Overall,
			Description: fmt.Sprintf("overall balance %.2f below %.2f", r.Overall, m.cfg.AnomalyThreshold),
		})
	}
	return out
}

// Recommendations returns deterministic guidance for a report.
func (m *Monitor) Recommendations(r Report) []string {
	var out []string
	switch {
	case r.Overall < 0.6:
		out = append(out, fmt.Sprintf("Critical: competitive balance %.2f needs immediate intervention", r.Overall))
	case r.Overall < 0.8:
		out = append(out, fmt.Sprintf("Moderate: competitive balance %.2f, monitor closely", r.Overall))
	default:
		out = append(out, fmt.Sprintf("Good: competitive balance %.2f", r.Overall))
	}
	for _, f := range sortedKeys(r.Territories) {
		n := r.Territories[f]
		switch {
		case n == 0:
			out = append(out, fmt.Sprintf("Boost faction %d: holds no territory", f))
		case n < 3:
			out = append(out, fmt.Sprintf("Moderately boost faction %d: holds only %d territories", f, n))
		case r.TotalTerritory > 0 && float64(n)/float64(r.TotalTerritory) > m.cfg.DominationShare:
			out = append(out, fmt.Sprintf("Reduce bonuses for faction %d: dominant with %d of %d territories", f, n, r.TotalTerritory))
		}
	}
	return out
}

// DetectAndCorrect measures balance and, when it falls below the anomaly
// threshold, corrects resource bonuses from predicted win rates. Factions
// under the win-rate floor get at most +min(5%, max_adjustment); factions over the
// ceiling lose at most min(2%, max_adjustment/2). Below the emergency floor,
// with the cooldown elapsed, a one-shot emergency boost and reduction apply
// instead; emergency mode ends on the following pass.
func (m *Monitor) DetectAndCorrect(now time.Time) Correction {
	report := m.CompetitiveBalance(now)
	c := Correction{Report: report}

	for _, a := range report.Anomalies {
		m.deps.Bus.Publish(events.Event{
			Kind:        events.BalanceAnomaly,
			FactionID:   uint64(a.FactionID),
			Description: a.Description,
			Meta:        map[string]any{"kind": string(a.Kind), "severity": a.Severity, "overall": report.Overall},
		})
	}

	m.mu.Lock()
	if m.emergency {
		m.emergency = false
		slog.Info("emergency balance mode ended")
	}
	m.last = report
	m.mu.Unlock()

	if report.Overall >= m.cfg.AnomalyThreshold {
		return c
	}
	if m.deps.WinRates == nil || m.deps.Bonuses == nil {
		m.warnOnce("corrections", "balance corrections disabled, missing win-rate or bonus collaborator")
		return c
	}
	c.WinRates = m.deps.WinRates.PredictFactionWinRates(m.cfg.HorizonHours, now)

	m.mu.Lock()
	emergency := report.Overall < m.cfg.EmergencyFloor &&
		(m.lastEmergency.IsZero() || now.Sub(m.lastEmergency) >= m.cfg.EmergencyCooldown)
	if emergency {
		m.emergency = true
		m.lastEmergency = now
	}
	m.corrections++
	m.mu.Unlock()

	if emergency {
		c.Emergency = true
		slog.Warn("emergency balance mode", "overall", report.Overall, "floor", m.cfg.EmergencyFloor)
		for _, f := range sortedKeys(c.WinRates) {
			rate := c.WinRates[f]
			switch {
			case rate < m.cfg.WinRateFloor/2:
				m.deps.Bonuses.Scale(f, 1+m.cfg.EmergencyBoost, "emergency boost", now)
				c.Boosted = append(c.Boosted, f)
			case rate > m.cfg.WinRateCeiling:
				m.deps.Bonuses.Scale(f, 1-m.cfg.EmergencyReduction, "emergency reduction", now)
				c.Reduced = append(c.Reduced, f)
			}
		}
		m.deps.Bus.Publish(events.Event{
			Kind:        events.EmergencyBalance,
			Description: fmt.Sprintf("emergency balance: %d boosted, %d reduced", len(c.Boosted), len(c.Reduced)),
			Meta:        map[string]any{"overall": report.Overall, "boosted": len(c.Boosted), "reduced": len(c.Reduced)},
		})
		return c
	}

	boost := 1 + min(0.05, m.cfg.MaxAdjustment)
	cut := 1 - min(0.02, 0.5*m.cfg.MaxAdjustment)
	for _, f := range sortedKeys(c.WinRates) {
		rate := c.WinRates[f]
		switch {
		case rate < m.cfg.WinRateFloor:
			m.deps.Bonuses.Scale(f, boost, "balance boost", now)
			c.Boosted = append(c.Boosted, f)
		case rate > m.cfg.WinRateCeiling:
			m.deps.Bonuses.Scale(f, cut, "balance reduction", now)
			c.Reduced = append(c.Reduced, f)
		}
	}
	if len(c.Boosted)+len(c.Reduced) > 0 {
		m.deps.Bus.Publish(events.Event{
			Kind:        events.BalanceCorrection,
			Description: fmt.Sprintf("balance correction: %d boosted, %d reduced", len(c.Boosted), len(c.Reduced)),
			Meta:        map[string]any{"overall": report.Overall, "boost": boost, "cut": cut},
		})
	}
	return c
}

// Last returns the most recent report from DetectAndCorrect.
func (m *Monitor) Last() Report {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// Corrections returns how many correction passes have run.
func (m *Monitor) Corrections() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.corrections
}

// Emergency reports whether emergency mode is active and when it last fired.
func (m *Monitor) Emergency() (bool, time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.emergency, m.lastEmergency
}

func (m *Monitor) factionIDs() []world.FactionID {
	if m.deps.Factions == nil {
		return nil
	}
	return m.deps.Factions.IDs()
}

func (m *Monitor) snap() *cache.Snapshot {
	if m.deps.Snapshot == nil {
		return nil
	}
	return m.deps.Snapshot()
}

func (m *Monitor) warnOnce(key, msg string) {
	m.mu.Lock()
	seen := m.warned[key]
	m.warned[key] = true
	m.mu.Unlock()
	if !seen {
		slog.Warn(msg)
	}
}

func sortedKeys[V any](m map[world.FactionID]V) []world.FactionID {
	keys := make([]world.FactionID, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
