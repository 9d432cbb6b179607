// Package cache keeps a periodic snapshot of the territory ledger so batch
// stages never issue spatial queries of their own.
package cache

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/talgya/dominion/internal/world"
)

// ErrNoLedger is returned by Refresh when the cache was built without a ledger.
var ErrNoLedger = errors.New("no territory ledger configured")

// Ledger is the part of the territory ledger the cache reads.
type Ledger interface {
	AllTerritories(ctx context.Context) ([]world.Territory, error)
}

// TerritoryState is the cached view of one territory.
type TerritoryState struct {
	ID              world.TerritoryID  `json:"id"`
	Controller      world.FactionID    `json:"controller"`
	StrategicValue  int                `json:"strategic_value"`
	Contested       bool               `json:"contested"`
	ResourceType    world.ResourceType `json:"resource_type"`
	Region          int                `json:"region"`
	Coord           world.HexCoord     `json:"coord"`
	ControlDuration time.Duration      `json:"control_duration"`
}

// Counts reports whether the territory contributes to reputation and
// resource aggregation for its controller.
func (s TerritoryState) Counts() bool {
	return s.Controller != 0 && !s.Contested
}

// Snapshot is an immutable view of the ledger at one refresh.
// It is never patched; a refresh builds a new one.
type Snapshot struct {
	TakenAt time.Time
	states  map[world.TerritoryID]TerritoryState
	ordered []world.TerritoryID
}

// NewSnapshot builds a snapshot from territory states.
func NewSnapshot(at time.Time, states []TerritoryState) *Snapshot {
	s := &Snapshot{
		TakenAt: at,
		states:  make(map[world.TerritoryID]TerritoryState, len(states)),
		ordered: make([]world.TerritoryID, 0, len(states)),
	}
	for _, st := range states {
		if _, dup := s.states[st.ID]; !dup {
			s.ordered = append(s.ordered, st.ID)
		}
		s.states[st.ID] = st
	}
	sort.Slice(s.ordered, func(i, j int) bool { return s.ordered[i] < s.ordered[j] })
	return s
}

// Len returns the number of cached territories.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.ordered)
}

// Get returns one territory's cached state.
func (s *Snapshot) Get(id world.TerritoryID) (TerritoryState, bool) {
	if s == nil {
		return TerritoryState{}, false
	}
	st, ok := s.states[id]
	return st, ok
}

// All returns every cached state in ID order.
func (s *Snapshot) All() []TerritoryState {
	if s == nil {
		return nil
	}
	out := make([]TerritoryState, 0, len(s.ordered))
	for _, id := range s.ordered {
		out = append(out, s.states[id])
	}
	return out
}

// Each calls fn for every cached state in ID order.
func (s *Snapshot) Each(fn func(TerritoryState)) {
	if s == nil {
		return
	}
	for _, id := range s.ordered {
		fn(s.states[id])
	}
}

// ControlledBy returns the counting (uncontested) territories of a faction.
func (s *Snapshot) ControlledBy(f world.FactionID) []TerritoryState {
	var out []TerritoryState
	s.Each(func(st TerritoryState) {
		if st.Controller == f && st.Counts() {
			out = append(out, st)
		}
	})
	return out
}

// ControlCounts tallies every controlled territory per faction, contested included.
func (s *Snapshot) ControlCounts() map[world.FactionID]int {
	counts := make(map[world.FactionID]int)
	s.Each(func(st TerritoryState) {
		if st.Controller != 0 {
			counts[st.Controller]++
		}
	})
	return counts
}

// Within returns the cached states within radius hexes of center.
func (s *Snapshot) Within(center world.HexCoord, radius int) []TerritoryState {
	var out []TerritoryState
	s.Each(func(st TerritoryState) {
		if world.Distance(center, st.Coord) <= radius {
			out = append(out, st)
		}
	})
	return out
}

// Cache holds the latest snapshot and refreshes it from the ledger.
type Cache struct {
	ledger Ledger
	now    func() time.Time

	mu       sync.RWMutex
	snap     *Snapshot
	failures int
}

// New creates a cache over a ledger. The cache starts empty.
func New(ledger Ledger) *Cache {
	return &Cache{
		ledger: ledger,
		now:    time.Now,
		snap:   NewSnapshot(time.Time{}, nil),
	}
}

// SetClock replaces the time source.
func (c *Cache) SetClock(now func() time.Time) {
	c.now = now
}

// Refresh rebuilds the snapshot from the ledger and swaps it in.
// On failure the previous snapshot stays in place.
func (c *Cache) Refresh(ctx context.Context) error {
	if c.ledger == nil {
		c.noteFailure(ErrNoLedger)
		return ErrNoLedger
	}
	territories, err := c.ledger.AllTerritories(ctx)
	if err != nil {
		c.noteFailure(err)
		return err
	}

	now := c.now()
	states := make([]TerritoryState, 0, len(territories))
	for _, t := range territories {
		st := TerritoryState{
			ID:             t.ID,
			Controller:     t.Controller,
			StrategicValue: t.StrategicValue,
			Contested:      t.Contested,
			ResourceType:   t.Kind.ResourceType(),
			Region:         t.Region,
			Coord:          t.Coord,
		}
		if st.Counts() && !t.LastContested.IsZero() && now.After(t.LastContested) {
			st.ControlDuration = now.Sub(t.LastContested)
		}
		states = append(states, st)
	}
	next := NewSnapshot(now, states)

	c.mu.Lock()
	c.snap = next
	streak := c.failures
	c.failures = 0
	c.mu.Unlock()

	if streak > 0 {
		slog.Info("territory cache recovered", "failed_refreshes", streak, "territories", next.Len())
	}
	return nil
}

// Snapshot returns the current snapshot. It is safe to hold across refreshes.
func (c *Cache) Snapshot() *Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap
}

// Stale reports whether the last refresh attempt failed.
func (c *Cache) Stale() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.failures > 0
}

func (c *Cache) noteFailure(err error) {
	c.mu.Lock()
	c.failures++
	first := c.failures == 1
	kept := c.snap.Len()
	c.mu.Unlock()
	if first {
		slog.Warn("territory cache refresh failed, serving previous snapshot", "error", err, "territories", kept)
	}
}
