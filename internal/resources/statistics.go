// Package resources models per-territory resource output statistically and
// keeps the per-faction advanced resource bonuses.
package resources

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/talgya/dominion/internal/cache"
	"github.com/talgya/dominion/internal/config"
	"github.com/talgya/dominion/internal/entropy"
	"github.com/talgya/dominion/internal/social"
	"github.com/talgya/dominion/internal/world"
)

var (
	ErrUnknownResource  = errors.New("unknown resource type")
	ErrUnknownTerritory = errors.New("unknown territory")
)

// EconomicClass grades a territory's output potential.
type EconomicClass uint8

const (
	ClassLow EconomicClass = iota
	ClassMedium
	ClassHigh
	ClassSpecial
)

var classNames = [...]string{"LowValue", "MediumValue", "HighValue", "SpecialValue"}

func (c EconomicClass) String() string {
	if int(c) < len(classNames) {
		return classNames[c]
	}
	return "Unknown"
}

// MarshalText encodes the class by name.
func (c EconomicClass) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// Scarcity buckets how common a resource type is.
type Scarcity uint8

const (
	Abundant Scarcity = iota
	Common
	Scarce
	Critical
)

var scarcityNames = [...]string{"Abundant", "Common", "Scarce", "Critical"}

func (s Scarcity) String() string {
	if int(s) < len(scarcityNames) {
		return scarcityNames[s]
	}
	return "Unknown"
}

// MarshalText encodes the scarcity level by name.
func (s Scarcity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// AllRegions selects every region in AnalyzeScarcity.
const AllRegions = -1

// ScarcityReport is the result of a scarcity analysis.
type ScarcityReport struct {
	ResourceType world.ResourceType `json:"resource_type"`
	Region       int                `json:"region"`
	Matching     int                `json:"matching"`
	Total        int                `json:"total"`
	Fraction     float64            `json:"fraction"`
	Level        Scarcity           `json:"level"`
}

// Factions resolves the faction profiles used for affinity.
type Factions interface {
	Faction(id world.FactionID) (*social.Faction, bool)
}

// BonusReader resolves a faction's final resource bonus value.
type BonusReader interface {
	Value(f world.FactionID, rt world.ResourceType) float64
}

// Engine produces resource distributions and samples territory output.
type Engine struct {
	cfg      config.Statistics
	src      entropy.Source
	snapshot func() *cache.Snapshot
	factions Factions

	mu      sync.Mutex
	now     func() time.Time
	bonuses BonusReader
}

// NewEngine creates a statistics engine. snapshot supplies the cached
// territory view; a nil factions source disables affinity.
func NewEngine(cfg config.Config, src entropy.Source, snapshot func() *cache.Snapshot, factions Factions) *Engine {
	if src == nil {
		src = entropy.Crypto{}
	}
	return &Engine{
		cfg:      cfg.Statistics,
		src:      src,
		snapshot: snapshot,
		factions: factions,
		now:      time.Now,
	}
}

// SetClock replaces the time source.
func (e *Engine) SetClock(now func() time.Time) {
	e.mu.Lock()
	e.now = now
	e.mu.Unlock()
}

// SetBonuses makes ExpectedOutput scale by the faction's resource bonuses.
func (e *Engine) SetBonuses(b BonusReader) {
	e.mu.Lock()
	e.bonuses = b
	e.mu.Unlock()
}

func (e *Engine) bonus(f world.FactionID, rt world.ResourceType) float64 {
	e.mu.Lock()
	b := e.bonuses
	e.mu.Unlock()
	if b == nil {
		return 1.0
	}
	return b.Value(f, rt)
}

func (e *Engine) clock() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.now()
}

// Classify grades a territory from its strategic value and resource type.
func (e *Engine) Classify(strategicValue int, rt world.ResourceType) EconomicClass {
	switch {
	case strategicValue >= e.cfg.SpecialMin && rt == world.ResourceStrategic:
		return ClassSpecial
	case strategicValue >= e.cfg.HighValueMin:
		return ClassHigh
	case strategicValue <= e.cfg.LowValueMax:
		return ClassLow
	default:
		return ClassMedium
	}
}

// ResourceDistribution returns the distribution of a resource type for an
// economic class at time now. The class scales the base mean and spread, a
// sinusoidal term drifts the mean, and the result is clamped so that
// min <= mean <= max and stddev >= 10% of mean.
func (e *Engine) ResourceDistribution(rt world.ResourceType, class EconomicClass, now time.Time) (config.Distribution, error) {
	d, ok := e.cfg.Distributions[rt]
	if !ok {
		return config.Distribution{}, fmt.Errorf("%s: %w", rt, ErrUnknownResource)
	}

	switch class {
	case ClassHigh:
		d.Mean *= 1.5
		d.StdDev *= 0.8
	case ClassLow:
		d.Mean *= 0.7
		d.StdDev *= 1.2
	case ClassSpecial:
		d.Mean *= 2.0
	}

	if e.cfg.TemporalPeriod > 0 && d.TemporalVariance > 0 {
		phase := float64(now.UnixNano()%int64(e.cfg.TemporalPeriod)) / float64(e.cfg.TemporalPeriod)
		d.Mean *= 1 + d.TemporalVariance*math.Sin(2*math.Pi*phase)
	}

	d.Mean = clamp(d.Mean, d.Min, d.Max)
	d.StdDev = math.Max(d.StdDev, 0.1*d.Mean)
	return d, nil
}

// GenerateResourceValue samples one territory's output of a resource type.
// A non-zero seed makes the draw a reproducible uniform sample; zero draws
// from the normal distribution through the engine's source. The controller's
// affinity is applied and the result always lies in [min, max].
func (e *Engine) GenerateResourceValue(rt world.ResourceType, id world.TerritoryID, seed int64) (float64, error) {
	st, ok := e.snap().Get(id)
	if !ok {
		return 0, fmt.Errorf("territory %d: %w", id, ErrUnknownTerritory)
	}
	d, err := e.ResourceDistribution(rt, e.Classify(st.StrategicValue, rt), e.clock())
	if err != nil {
		return 0, err
	}

	var v float64
	if seed != 0 {
		v = entropy.Uniform(entropy.NewSeeded(seed^int64(id)), d.Min, d.Max)
	} else {
		v = entropy.Normal(e.src, d.Mean, d.StdDev)
	}
	v *= e.affinity(st.Controller, rt)
	return clamp(v, d.Min, d.Max), nil
}

// TerritoryOutput is the expected output of a cached territory for its
// controller: the class mean scaled by affinity, clamped to the type's range.
func (e *Engine) TerritoryOutput(st cache.TerritoryState, now time.Time) float64 {
	d, err := e.ResourceDistribution(st.ResourceType, e.Classify(st.StrategicValue, st.ResourceType), now)
	if err != nil {
		return 0
	}
	return clamp(d.Mean*e.affinity(st.Controller, st.ResourceType), d.Min, d.Max)
}

// ExpectedOutput sums the expected output of a faction's counting
// territories per resource type, scaled by its extraction multiplier and
// its resource bonus for that type.
func (e *Engine) ExpectedOutput(f world.FactionID, extraction float64) map[world.ResourceType]float64 {
	now := e.clock()
	out := make(map[world.ResourceType]float64, world.ResourceTypeCount)
	for _, st := range e.snap().ControlledBy(f) {
		out[st.ResourceType] += e.TerritoryOutput(st, now) * extraction
	}
	for rt, v := range out {
		out[rt] = v * e.bonus(f, rt)
	}
	return out
}

// AnalyzeScarcity measures the share of territories (optionally within one
// region) whose resource type is rt.
func (e *Engine) AnalyzeScarcity(rt world.ResourceType, region int) ScarcityReport {
	rep := ScarcityReport{ResourceType: rt, Region: region}
	e.snap().Each(func(st cache.TerritoryState) {
		if region != AllRegions && st.Region != region {
			return
		}
		rep.Total++
		if st.ResourceType == rt {
			rep.Matching++
		}
	})
	if rep.Total > 0 {
		rep.Fraction = float64(rep.Matching) / float64(rep.Total)
	}
	rep.Level = ScarcityFor(rep.Fraction)
	return rep
}

// ScarcityFor buckets a matching fraction.
func ScarcityFor(fraction float64) Scarcity {
	switch {
	case fraction >= 0.8:
		return Abundant
	case fraction >= 0.5:
		return Common
	case fraction >= 0.2:
		return Scarce
	default:
		return Critical
	}
}

func (e *Engine) snap() *cache.Snapshot {
	if e.snapshot == nil {
		return nil
	}
	return e.snapshot()
}

func (e *Engine) affinity(f world.FactionID, rt world.ResourceType) float64 {
	if f == 0 || e.factions == nil {
		return 1.0
	}
	if fac, ok := e.factions.Faction(f); ok {
		return fac.AffinityFor(rt)
	}
	return 1.0
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
