package world

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ErrLedgerUnavailable is returned when the ledger cannot serve queries.
var ErrLedgerUnavailable = errors.New("territory ledger unavailable")

// TerritoryID identifies a territory.
type TerritoryID uint32

// FactionID identifies a faction. Zero means no faction.
type FactionID uint64

// Territory is one spatial control unit of the ledger.
type Territory struct {
	ID             TerritoryID   `json:"id"`
	Coord          HexCoord      `json:"coord"`
	Terrain        Terrain       `json:"terrain"`
	Kind           TerritoryKind `json:"kind"`
	Region         int           `json:"region"`
	StrategicValue int           `json:"strategic_value"`
	Elevation      float64       `json:"elevation"`

	Controller    FactionID `json:"controller"`
	Contested     bool      `json:"contested"`
	LastContested time.Time `json:"last_contested"`

	// Accumulated influence per faction.
	Influence map[FactionID]float64 `json:"influence,omitempty"`
}

// ControlChange is broadcast when a territory changes hands.
type ControlChange struct {
	Territory  TerritoryID
	OldFaction FactionID
	NewFaction FactionID
	Reason     string
}

// Map holds every territory of the world and acts as the ledger.
type Map struct {
	Radius int `json:"radius"`

	// FlipMargin is the influence lead a challenger needs to take control.
	FlipMargin float64
	// ContestRatio marks a territory contested once a challenger reaches this
	// fraction of the controller's influence.
	ContestRatio float64

	mu          sync.RWMutex
	territories map[TerritoryID]*Territory
	byCoord     map[HexCoord]TerritoryID
	nextID      TerritoryID
	unavailable bool
	observers   []func(ControlChange)
	now         func() time.Time
}

// NewMap creates an empty map with the given radius.
// A hex grid of radius R contains hexes where max(|q|, |r|, |s|) <= R.
func NewMap(radius int) *Map {
	return &Map{
		Radius:       radius,
		FlipMargin:   100,
		ContestRatio: 0.75,
		territories:  make(map[TerritoryID]*Territory),
		byCoord:      make(map[HexCoord]TerritoryID),
		nextID:       1,
		now:          time.Now,
	}
}

// SetClock replaces the time source used for contest timestamps.
func (m *Map) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

// Add inserts a territory. A zero ID is assigned automatically.
func (m *Map) Add(t Territory) TerritoryID {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t.ID == 0 {
		t.ID = m.nextID
	}
	if t.ID >= m.nextID {
		m.nextID = t.ID + 1
	}
	if t.Influence == nil {
		t.Influence = make(map[FactionID]float64)
	}
	if t.StrategicValue < 1 {
		t.StrategicValue = 1
	}
	if t.LastContested.IsZero() {
		t.LastContested = m.now()
	}
	m.territories[t.ID] = &t
	m.byCoord[t.Coord] = t.ID
	return t.ID
}

// InBounds returns true if the coordinate is within the map radius.
func (m *Map) InBounds(coord HexCoord) bool {
	return max(abs(coord.Q), abs(coord.R), abs(coord.S())) <= m.Radius
}

// Count returns the number of territories.
func (m *Map) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.territories)
}

// SetAvailable toggles whether the ledger answers bulk queries.
func (m *Map) SetAvailable(ok bool) {
	m.mu.Lock()
	m.unavailable = !ok
	m.mu.Unlock()
}

// OnControlChanged registers an observer for control changes.
// Observers run after the ledger lock is released.
func (m *Map) OnControlChanged(fn func(ControlChange)) {
	m.mu.Lock()
	m.observers = append(m.observers, fn)
	m.mu.Unlock()
}

// AllTerritories returns a copy of every territory sorted by ID.
func (m *Map) AllTerritories(ctx context.Context) ([]Territory, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.unavailable {
		return nil, ErrLedgerUnavailable
	}
	out := make([]Territory, 0, len(m.territories))
	for _, t := range m.territories {
		out = append(out, t.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Territory returns a copy of one territory.
func (m *Map) Territory(id TerritoryID) (Territory, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.territories[id]
	if !ok {
		return Territory{}, false
	}
	return t.clone(), true
}

// At returns the territory ID at a coordinate.
func (m *Map) At(coord HexCoord) (TerritoryID, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byCoord[coord]
	return id, ok
}

// TerritoriesInRadius returns territories within radius hexes of center.
func (m *Map) TerritoriesInRadius(center HexCoord, radius int) []Territory {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Territory
	for _, t := range m.territories {
		if Distance(center, t.Coord) <= radius {
			out = append(out, t.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ControllingFaction returns the controller of a territory (0 if none or unknown).
func (m *Map) ControllingFaction(id TerritoryID) FactionID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if t, ok := m.territories[id]; ok {
		return t.Controller
	}
	return 0
}

// IsContested reports whether a territory is currently contested.
func (m *Map) IsContested(id TerritoryID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if t, ok := m.territories[id]; ok {
		return t.Contested
	}
	return false
}

// SetController assigns control directly and notifies observers.
func (m *Map) SetController(id TerritoryID, f FactionID, reason string) error {
	m.mu.Lock()
	t, ok := m.territories[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("territory %d: not found", id)
	}
	old := t.Controller
	t.Controller = f
	t.Contested = false
	t.LastContested = m.now()
	observers := m.observers
	m.mu.Unlock()

	if old != f {
		notify(observers, ControlChange{Territory: id, OldFaction: old, NewFaction: f, Reason: reason})
	}
	return nil
}

// SetContested flags or clears the contested state of a territory.
func (m *Map) SetContested(id TerritoryID, contested bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.territories[id]
	if !ok {
		return fmt.Errorf("territory %d: not found", id)
	}
	t.Contested = contested
	t.LastContested = m.now()
	return nil
}

// UpdateInfluence adds influence of kind for a faction on a territory.
// Influence matching the territory's resource type counts 25% more.
// Returns false for unknown territories or the null faction.
func (m *Map) UpdateInfluence(id TerritoryID, kind ResourceType, f FactionID, delta float64, reason string) bool {
	if f == 0 {
		return false
	}
	m.mu.Lock()
	t, ok := m.territories[id]
	if !ok {
		m.mu.Unlock()
		return false
	}
	if kind == t.Kind.ResourceType() {
		delta *= 1.25
	}
	t.Influence[f] = max(0, t.Influence[f]+delta)

	var change *ControlChange
	if f != t.Controller {
		lead := t.Influence[f] - t.Influence[t.Controller]
		switch {
		case lead >= m.FlipMargin:
			change = &ControlChange{Territory: id, OldFaction: t.Controller, NewFaction: f, Reason: reason}
			if t.Controller != 0 {
				t.Influence[t.Controller] /= 2
			}
			t.Controller = f
			t.Contested = false
			t.LastContested = m.now()
		case t.Controller != 0 && t.Influence[f] >= m.ContestRatio*t.Influence[t.Controller]:
			if !t.Contested {
				t.Contested = true
				t.LastContested = m.now()
			}
		}
	} else if t.Contested && !m.challenged(t) {
		t.Contested = false
		t.LastContested = m.now()
	}
	observers := m.observers
	m.mu.Unlock()

	if change != nil {
		slog.Debug("territory changed hands",
			"territory", id,
			"from", change.OldFaction,
			"to", change.NewFaction,
			"reason", reason,
		)
		notify(observers, *change)
	}
	return true
}

// challenged reports whether any non-controller still threatens t. Caller holds mu.
func (m *Map) challenged(t *Territory) bool {
	own := t.Influence[t.Controller]
	for f, inf := range t.Influence {
		if f != t.Controller && inf >= m.ContestRatio*own {
			return true
		}
	}
	return false
}

func notify(observers []func(ControlChange), c ControlChange) {
	for _, fn := range observers {
		fn(c)
	}
}

func (t *Territory) clone() Territory {
	c := *t
	c.Influence = make(map[FactionID]float64, len(t.Influence))
	for k, v := range t.Influence {
		c.Influence[k] = v
	}
	return c
}

// String returns a summary of the map.
func (m *Map) String() string {
	return fmt.Sprintf("Map(radius=%d, territories=%d)", m.Radius, m.Count())
}
