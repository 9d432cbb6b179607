// Package victory evaluates economic victory conditions: time-held progress
// thresholds computed from trade-route control.
package victory

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/talgya/dominion/internal/config"
	"github.com/talgya/dominion/internal/world"
)

var (
	ErrInvalidCondition = errors.New("invalid victory condition")
	ErrUnknownCondition = errors.New("unknown victory condition")
)

// Type is a kind of economic victory.
type Type uint8

const (
	EconomicDominance Type = iota
	SupplyMonopoly
	ResourceControl
	EconomicCollapse
	TradeNetwork
	ConvoySupremacy
)

var typeNames = [...]string{
	"economic_dominance",
	"supply_monopoly",
	"resource_control",
	"economic_collapse",
	"trade_network",
	"convoy_supremacy",
}

func (t Type) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return "unknown"
}

// MarshalText encodes the victory type by name.
func (t Type) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText decodes a victory type name.
func (t *Type) UnmarshalText(b []byte) error {
	v, err := ParseType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// ParseType resolves a victory type from its name.
func ParseType(s string) (Type, error) {
	for i, n := range typeNames {
		if strings.EqualFold(n, s) {
			return Type(i), nil
		}
	}
	return 0, fmt.Errorf("victory type %q: %w", s, ErrUnknownCondition)
}

// needsResource reports whether the type targets a single resource type.
func (t Type) needsResource() bool {
	return t == SupplyMonopoly || t == ResourceControl
}

// Status is the state of one (faction, type) progress record.
type Status uint8

const (
	NotStarted Status = iota
	InProgress
	NearComplete
	Completed
)

var statusNames = [...]string{"NotStarted", "InProgress", "NearComplete", "Completed"}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return "Unknown"
}

// MarshalText encodes the status by name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a status name.
func (s *Status) UnmarshalText(b []byte) error {
	for i, n := range statusNames {
		if strings.EqualFold(n, string(b)) {
			*s = Status(i)
			return nil
		}
	}
	return fmt.Errorf("unknown victory status %q", b)
}

// Condition is a registered victory condition.
type Condition struct {
	Type           Type               `json:"type"`
	Threshold      float64            `json:"threshold"`
	Hold           time.Duration      `json:"hold"`
	Priority       int                `json:"priority"`
	ResourceType   world.ResourceType `json:"resource_type"`
	TargetFactions []world.FactionID  `json:"target_factions,omitempty"`
	Enabled        bool               `json:"enabled"`
}

// Validate rejects malformed conditions.
func (c Condition) Validate() error {
	if int(c.Type) >= len(typeNames) {
		return fmt.Errorf("type %d: %w", c.Type, ErrInvalidCondition)
	}
	if !(c.Threshold > 0 && c.Threshold <= 1) {
		return fmt.Errorf("%s threshold %v outside (0,1]: %w", c.Type, c.Threshold, ErrInvalidCondition)
	}
	if c.Hold < 0 {
		return fmt.Errorf("%s negative hold: %w", c.Type, ErrInvalidCondition)
	}
	if c.Type.needsResource() && int(c.ResourceType) >= world.ResourceTypeCount {
		return fmt.Errorf("%s resource type %d: %w", c.Type, c.ResourceType, ErrInvalidCondition)
	}
	if c.Type == EconomicCollapse && len(c.TargetFactions) == 0 {
		return fmt.Errorf("%s needs target factions: %w", c.Type, ErrInvalidCondition)
	}
	return nil
}

// ConditionFromSpec converts a configured condition.
func ConditionFromSpec(s config.ConditionSpec) (Condition, error) {
	t, err := ParseType(s.Type)
	if err != nil {
		return Condition{}, fmt.Errorf("%w: %w", ErrInvalidCondition, err)
	}
	c := Condition{
		Type:      t,
		Threshold: s.Threshold,
		Hold:      s.Hold,
		Priority:  s.Priority,
		Enabled:   s.Enabled,
	}
	if s.ResourceType != "" {
		rt, err := world.ParseResourceType(s.ResourceType)
		if err != nil {
			return Condition{}, fmt.Errorf("%w: %w", ErrInvalidCondition, err)
		}
		c.ResourceType = rt
	} else if t.needsResource() {
		return Condition{}, fmt.Errorf("%s needs a resource type: %w", t, ErrInvalidCondition)
	}
	for _, f := range s.TargetFaction {
		c.TargetFactions = append(c.TargetFactions, world.FactionID(f))
	}
	return c, c.Validate()
}

// Progress is the state of one faction toward one victory type.
type Progress struct {
	FactionID   world.FactionID `json:"faction_id"`
	Type        Type            `json:"type"`
	Progress    float64         `json:"progress"`
	TimeHeld    time.Duration   `json:"time_held"`
	Status      Status          `json:"status"`
	CompletedAt time.Time       `json:"completed_at,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at"`

	warned bool
}

// Winner records a completed victory.
type Winner struct {
	FactionID world.FactionID `json:"faction_id"`
	Type      Type            `json:"type"`
	At        time.Time       `json:"at"`
	Elapsed   time.Duration   `json:"elapsed"`
}
