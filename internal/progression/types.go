// Package progression turns cached territorial control into faction
// reputation, tiers, unlockable abilities, and objective rewards.
package progression

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/talgya/dominion/internal/world"
)

var (
	ErrUnknownFaction   = errors.New("unknown faction")
	ErrUnknownObjective = errors.New("unknown objective")
	ErrInvalidObjective = errors.New("invalid objective")
)

// Tier is an ordered faction rank. Tiers are never demoted automatically.
type Tier uint8

const (
	TierRecruit Tier = iota
	TierVeteran
	TierElite
	TierCommander
	TierWarlord
)

// TierCount is the number of tiers.
const TierCount = 5

var tierNames = [TierCount]string{"Recruit", "Veteran", "Elite", "Commander", "Warlord"}

func (t Tier) String() string {
	if int(t) < len(tierNames) {
		return tierNames[t]
	}
	return "Unknown"
}

// MarshalText encodes the tier by name.
func (t Tier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText decodes a tier name.
func (t *Tier) UnmarshalText(b []byte) error {
	for i, n := range tierNames {
		if strings.EqualFold(n, string(b)) {
			*t = Tier(i)
			return nil
		}
	}
	return fmt.Errorf("unknown tier %q", b)
}

// AbilityType selects the side effect of unlocking an ability.
type AbilityType uint8

const (
	AbilityPassive    AbilityType = iota // No side effect beyond the unlock
	AbilityExtraction                    // Raises the extraction-bonus multiplier
	AbilityInfluence                     // Raises the influence-rate multiplier
	AbilityEquipment                     // Delegated to the unlock registry
	AbilityWeapon                        // Delegated to the unlock registry
)

var abilityNames = map[AbilityType]string{
	AbilityPassive:    "passive",
	AbilityExtraction: "extraction",
	AbilityInfluence:  "influence",
	AbilityEquipment:  "equipment",
	AbilityWeapon:     "weapon",
}

func (a AbilityType) String() string {
	if n, ok := abilityNames[a]; ok {
		return n
	}
	return "unknown"
}

// MarshalText encodes the ability type by name.
func (a AbilityType) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText decodes an ability type name.
func (a *AbilityType) UnmarshalText(b []byte) error {
	v, err := ParseAbilityType(string(b))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// ParseAbilityType resolves an ability type from its name.
func ParseAbilityType(s string) (AbilityType, error) {
	for t, n := range abilityNames {
		if strings.EqualFold(n, s) {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown ability type %q", s)
}

// Record is the progression state of one faction.
type Record struct {
	FactionID             world.FactionID            `json:"faction_id"`
	Reputation            float64                    `json:"reputation"`
	Tier                  Tier                       `json:"tier"`
	TerritoriesControlled int                        `json:"territories_controlled"`
	TerritoryHours        float64                    `json:"territory_hours"`
	Abilities             []string                   `json:"abilities"`
	ExtractionMultiplier  float64                    `json:"extraction_multiplier"`
	InfluenceMultiplier   float64                    `json:"influence_multiplier"`
	ResourceBonuses       map[world.ResourceType]int `json:"resource_bonuses"`
	UpdatedAt             time.Time                  `json:"updated_at"`
}

func newRecord(id world.FactionID, now time.Time) *Record {
	return &Record{
		FactionID:            id,
		Tier:                 TierRecruit,
		ExtractionMultiplier: 1.0,
		InfluenceMultiplier:  1.0,
		ResourceBonuses:      make(map[world.ResourceType]int),
		UpdatedAt:            now,
	}
}

// HasAbility reports whether an ability is unlocked.
func (r *Record) HasAbility(id string) bool {
	for _, a := range r.Abilities {
		if a == id {
			return true
		}
	}
	return false
}

func (r *Record) clone() Record {
	c := *r
	c.Abilities = append([]string(nil), r.Abilities...)
	c.ResourceBonuses = make(map[world.ResourceType]int, len(r.ResourceBonuses))
	for k, v := range r.ResourceBonuses {
		c.ResourceBonuses[k] = v
	}
	return c
}

// AbilityGrant is an ability awarded by an objective.
type AbilityGrant struct {
	ID   string      `json:"id"`
	Type AbilityType `json:"type"`
}

// Objective is a territorial goal set by game-mode logic. It completes once.
type Objective struct {
	ID               string             `json:"id"`
	FactionID        world.FactionID    `json:"faction_id"`
	ResourceType     world.ResourceType `json:"resource_type"`
	RequiredCount    int                `json:"required_count"`
	ReputationReward float64            `json:"reputation_reward"`
	AbilityRewards   []AbilityGrant     `json:"ability_rewards,omitempty"`
	Completed        bool               `json:"completed"`
	CompletedAt      time.Time          `json:"completed_at,omitempty"`
	CreatedAt        time.Time          `json:"created_at"`
}
