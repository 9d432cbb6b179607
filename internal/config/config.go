// Package config holds the engine tuning: intervals, progression curves,
// resource distributions, prediction weights, balance thresholds, and
// victory conditions. Values load from YAML over a complete default set.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/talgya/dominion/internal/world"
)

// Config is the full engine tuning.
type Config struct {
	Engine      Engine      `yaml:"engine"`
	World       World       `yaml:"world"`
	Progression Progression `yaml:"progression"`
	Statistics  Statistics  `yaml:"statistics"`
	Bonus       Bonus       `yaml:"bonus"`
	Prediction  Prediction  `yaml:"prediction"`
	Balance     Balance     `yaml:"balance"`
	Victory     Victory     `yaml:"victory"`
	Persistence Persistence `yaml:"persistence"`
	API         API         `yaml:"api"`
}

type Engine struct {
	CheckInterval time.Duration `yaml:"check_interval"` // victory evaluation cadence
	BatchInterval time.Duration `yaml:"batch_interval"` // cache refresh + analytics cadence
	SoftBudget    time.Duration `yaml:"soft_budget"`

	InfluencePerBatch float64 `yaml:"influence_per_batch"`
	DriftEveryBatches int     `yaml:"drift_every_batches"`
	DriftRate         float64 `yaml:"drift_rate"`
	PruneEveryBatches int     `yaml:"prune_every_batches"`
}

type World struct {
	Radius       int     `yaml:"radius"`
	Seed         int64   `yaml:"seed"`
	ControlShare float64 `yaml:"control_share"`
	FlipMargin   float64 `yaml:"flip_margin"`
	ContestRatio float64 `yaml:"contest_ratio"`
	RouteReach   int     `yaml:"route_reach"`
}

type Progression struct {
	BaseRatePerHour     float64                        `yaml:"base_rate_per_hour"`
	NoiseThreshold      float64                        `yaml:"noise_threshold"`
	TierThresholds      []float64                      `yaml:"tier_thresholds"`
	ExtractionFloors    []float64                      `yaml:"extraction_floors"`
	InfluenceFloors     []float64                      `yaml:"influence_floors"`
	ResourceMultipliers map[world.ResourceType]float64 `yaml:"resource_multipliers"`
	BroadcastDelta      float64                        `yaml:"broadcast_delta"`
	AbilityIncrement    float64                        `yaml:"ability_increment"`
	ObjectiveGrace      time.Duration                  `yaml:"objective_grace"`
}

// Distribution is the statistical model of one resource type's output.
type Distribution struct {
	Mean             float64 `yaml:"mean" json:"mean"`
	StdDev           float64 `yaml:"stddev" json:"stddev"`
	Min              float64 `yaml:"min" json:"min"`
	Max              float64 `yaml:"max" json:"max"`
	TemporalVariance float64 `yaml:"temporal_variance" json:"temporal_variance"`
	Equilibrium      float64 `yaml:"equilibrium" json:"equilibrium"`
}

type Statistics struct {
	Distributions  map[world.ResourceType]Distribution `yaml:"distributions"`
	TemporalPeriod time.Duration                       `yaml:"temporal_period"`
	LowValueMax    int                                 `yaml:"low_value_max"`
	HighValueMin   int                                 `yaml:"high_value_min"`
	SpecialMin     int                                 `yaml:"special_min"`
}

type Bonus struct {
	BaseStep        float64              `yaml:"base_step"`
	SynergyRate     float64              `yaml:"synergy_rate"`
	SynergyTrust    float64              `yaml:"synergy_trust"`
	DecayRate       float64              `yaml:"decay_rate"` // per hour
	DecayFloor      float64              `yaml:"decay_floor"`
	DynamicTypes    []world.ResourceType `yaml:"dynamic_types"`
	EquilibriumGain float64              `yaml:"equilibrium_gain"`
	MinMultiplier   float64              `yaml:"min_multiplier"`
	MaxMultiplier   float64              `yaml:"max_multiplier"`
	ChangeEpsilon   float64              `yaml:"change_epsilon"`
}

type Prediction struct {
	ClusterRadius       int           `yaml:"cluster_radius"`
	ClusterWeight       float64       `yaml:"cluster_weight"`
	StatusQuoBonus      float64       `yaml:"status_quo_bonus"`
	HalfLife            time.Duration `yaml:"half_life"`
	CacheTTL            time.Duration `yaml:"cache_ttl"`
	TierMultipliers     []float64     `yaml:"tier_multipliers"`
	MilitaryBoostWeight float64       `yaml:"military_boost_weight"`
	AccuracySmoothing   float64       `yaml:"accuracy_smoothing"`
}

type Balance struct {
	TerritoryWeight    float64       `yaml:"territory_weight"`
	ResourceWeight     float64       `yaml:"resource_weight"`
	ProgressionWeight  float64       `yaml:"progression_weight"`
	AnomalyThreshold   float64       `yaml:"anomaly_threshold"`
	DominationShare    float64       `yaml:"domination_share"`
	WinRateFloor       float64       `yaml:"win_rate_floor"`
	WinRateCeiling     float64       `yaml:"win_rate_ceiling"`
	MaxAdjustment      float64       `yaml:"max_adjustment"`
	EmergencyFloor     float64       `yaml:"emergency_floor"`
	EmergencyCooldown  time.Duration `yaml:"emergency_cooldown"`
	EmergencyBoost     float64       `yaml:"emergency_boost"`
	EmergencyReduction float64       `yaml:"emergency_reduction"`
	HorizonHours       float64       `yaml:"horizon_hours"`
}

// ConditionSpec declares a victory condition registered at startup.
type ConditionSpec struct {
	Type          string        `yaml:"type"`
	Threshold     float64       `yaml:"threshold"`
	Hold          time.Duration `yaml:"hold"`
	Priority      int           `yaml:"priority"`
	ResourceType  string        `yaml:"resource_type,omitempty"`
	TargetFaction []uint64      `yaml:"target_factions,omitempty"`
	Enabled       bool          `yaml:"enabled"`
}

type Victory struct {
	ThreatFraction float64         `yaml:"threat_fraction"`
	AllowMultiple  bool            `yaml:"allow_multiple"`
	MinTerritories int             `yaml:"min_territories"`
	Conditions     []ConditionSpec `yaml:"conditions"`
}

type Persistence struct {
	Path             string `yaml:"path"`
	ArchiveDir       string `yaml:"archive_dir"`
	Workers          int    `yaml:"workers"`
	QueueSize        int    `yaml:"queue_size"`
	SaveEveryBatches int    `yaml:"save_every_batches"`
}

type API struct {
	Port        int `yaml:"port"`
	StreamConns int `yaml:"stream_conns"`
}

// Default returns a complete configuration.
func Default() Config {
	return Config{
		Engine: Engine{
			CheckInterval:     5 * time.Second,
			BatchInterval:     15 * time.Second,
			SoftBudget:        16 * time.Millisecond,
			InfluencePerBatch: 12,
			DriftEveryBatches: 40,
			DriftRate:         0.024,
			PruneEveryBatches: 4,
		},
		World: World{
			Radius:       9,
			Seed:         42,
			ControlShare: 0.6,
			FlipMargin:   100,
			ContestRatio: 0.75,
			RouteReach:   3,
		},
		Progression: Progression{
			BaseRatePerHour:  10,
			NoiseThreshold:   0.01,
			TierThresholds:   []float64{0, 1000, 5000, 15000, 50000},
			ExtractionFloors: []float64{1.0, 1.1, 1.2, 1.35, 1.5},
			InfluenceFloors:  []float64{1.0, 1.05, 1.15, 1.3, 1.5},
			ResourceMultipliers: map[world.ResourceType]float64{
				world.ResourceMilitary:   1.2,
				world.ResourceEconomic:   1.0,
				world.ResourceIndustrial: 1.1,
				world.ResourceResearch:   0.9,
				world.ResourceStrategic:  1.5,
			},
			BroadcastDelta:   50,
			AbilityIncrement: 0.05,
			ObjectiveGrace:   10 * time.Minute,
		},
		Statistics: Statistics{
			Distributions: map[world.ResourceType]Distribution{
				world.ResourceMilitary:   {Mean: 100, StdDev: 20, Min: 40, Max: 200, TemporalVariance: 0.05, Equilibrium: 100},
				world.ResourceEconomic:   {Mean: 120, StdDev: 30, Min: 50, Max: 260, TemporalVariance: 0.08, Equilibrium: 120},
				world.ResourceIndustrial: {Mean: 90, StdDev: 15, Min: 45, Max: 180, TemporalVariance: 0.04, Equilibrium: 90},
				world.ResourceResearch:   {Mean: 70, StdDev: 25, Min: 20, Max: 160, TemporalVariance: 0.10, Equilibrium: 70},
				world.ResourceStrategic:  {Mean: 150, StdDev: 40, Min: 60, Max: 320, TemporalVariance: 0.06, Equilibrium: 150},
			},
			TemporalPeriod: 24 * time.Hour,
			LowValueMax:    3,
			HighValueMin:   7,
			SpecialMin:     9,
		},
		Bonus: Bonus{
			BaseStep:        0.05,
			SynergyRate:     0.05,
			SynergyTrust:    0.5,
			DecayRate:       0.1,
			DecayFloor:      1.0,
			DynamicTypes:    []world.ResourceType{world.ResourceMilitary, world.ResourceStrategic},
			EquilibriumGain: 0.1,
			MinMultiplier:   0.25,
			MaxMultiplier:   4.0,
			ChangeEpsilon:   0.01,
		},
		Prediction: Prediction{
			ClusterRadius:       2,
			ClusterWeight:       0.5,
			StatusQuoBonus:      1.3,
			HalfLife:            7 * 24 * time.Hour,
			CacheTTL:            time.Minute,
			TierMultipliers:     []float64{0.9, 1.0, 1.1, 1.2, 1.3},
			MilitaryBoostWeight: 0.1,
			AccuracySmoothing:   0.1,
		},
		Balance: Balance{
			TerritoryWeight:    0.5,
			ResourceWeight:     0.3,
			ProgressionWeight:  0.2,
			AnomalyThreshold:   0.4,
			DominationShare:    0.6,
			WinRateFloor:       0.3,
			WinRateCeiling:     0.7,
			MaxAdjustment:      0.05,
			EmergencyFloor:     0.05,
			EmergencyCooldown:  time.Hour,
			EmergencyBoost:     0.5,
			EmergencyReduction: 0.15,
			HorizonHours:       24,
		},
		Victory: Victory{
			ThreatFraction: 0.8,
			AllowMultiple:  false,
			MinTerritories: 1,
			Conditions: []ConditionSpec{
				{Type: "economic_dominance", Threshold: 0.75, Hold: 120 * time.Second, Priority: 1, Enabled: true},
				{Type: "trade_network", Threshold: 0.85, Hold: 300 * time.Second, Priority: 2, Enabled: true},
				{Type: "supply_monopoly", Threshold: 0.9, Hold: 180 * time.Second, Priority: 3, ResourceType: "strategic", Enabled: true},
			},
		},
		Persistence: Persistence{
			Path:             "data/dominion.db",
			ArchiveDir:       "data/archives",
			Workers:          2,
			QueueSize:        8,
			SaveEveryBatches: 4,
		},
		API: API{
			Port:        8080,
			StreamConns: 4,
		},
	}
}

// Load reads a YAML file over the defaults and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// BatchEvery returns how many check intervals make up one batch interval.
func (c Config) BatchEvery() uint64 {
	if c.Engine.CheckInterval <= 0 {
		return 1
	}
	n := uint64(c.Engine.BatchInterval / c.Engine.CheckInterval)
	if n < 1 {
		n = 1
	}
	return n
}

// Validate rejects out-of-range tuning.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}
	unit := func(name string, v float64) {
		check(v >= 0 && v <= 1, "%s = %v, want [0,1]", name, v)
	}

	check(c.Engine.CheckInterval > 0, "engine.check_interval must be positive")
	check(c.Engine.BatchInterval >= c.Engine.CheckInterval, "engine.batch_interval must be >= check_interval")
	check(c.Engine.SoftBudget > 0, "engine.soft_budget must be positive")

	p := c.Progression
	check(p.BaseRatePerHour >= 0, "progression.base_rate_per_hour must be >= 0")
	check(len(p.TierThresholds) == 5, "progression.tier_thresholds needs 5 entries")
	check(sort.Float64sAreSorted(p.TierThresholds), "progression.tier_thresholds must ascend")
	check(len(p.ExtractionFloors) == 5 && len(p.InfluenceFloors) == 5, "progression floors need 5 entries")
	for i := range p.ExtractionFloors {
		check(p.ExtractionFloors[i] >= 1, "progression.extraction_floors[%d] must be >= 1", i)
	}
	for i := range p.InfluenceFloors {
		check(p.InfluenceFloors[i] >= 1, "progression.influence_floors[%d] must be >= 1", i)
	}

	for _, rt := range world.AllResourceTypes() {
		d, ok := c.Statistics.Distributions[rt]
		check(ok, "statistics.distributions missing %s", rt)
		if ok {
			check(d.Min <= d.Mean && d.Mean <= d.Max, "statistics.distributions[%s] needs min <= mean <= max", rt)
			check(d.StdDev >= 0, "statistics.distributions[%s].stddev must be >= 0", rt)
		}
	}
	check(c.Statistics.TemporalPeriod > 0, "statistics.temporal_period must be positive")

	check(len(c.Prediction.TierMultipliers) == 5, "prediction.tier_multipliers needs 5 entries")
	check(c.Prediction.HalfLife > 0, "prediction.half_life must be positive")

	b := c.Balance
	unit("balance.territory_weight", b.TerritoryWeight)
	unit("balance.resource_weight", b.ResourceWeight)
	unit("balance.progression_weight", b.ProgressionWeight)
	unit("balance.anomaly_threshold", b.AnomalyThreshold)
	unit("balance.domination_share", b.DominationShare)
	unit("balance.win_rate_floor", b.WinRateFloor)
	unit("balance.win_rate_ceiling", b.WinRateCeiling)
	unit("balance.max_adjustment", b.MaxAdjustment)
	unit("balance.emergency_floor", b.EmergencyFloor)
	unit("balance.emergency_boost", b.EmergencyBoost)
	unit("balance.emergency_reduction", b.EmergencyReduction)
	check(b.WinRateFloor < b.WinRateCeiling, "balance.win_rate_floor must be below win_rate_ceiling")

	unit("victory.threat_fraction", c.Victory.ThreatFraction)
	check(c.Persistence.Workers > 0, "persistence.workers must be positive")

	return errors.Join(errs...)
}
