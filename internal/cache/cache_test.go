package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/talgya/dominion/internal/world"
)

func testMap(now time.Time) *world.Map {
	m := world.NewMap(3)
	m.SetClock(func() time.Time { return now })
	m.Add(world.Territory{Coord: world.HexCoord{Q: 0}, Kind: world.KindFortress, StrategicValue: 4, Controller: 1})
	m.Add(world.Territory{Coord: world.HexCoord{Q: 1}, Kind: world.KindMarket, StrategicValue: 2, Controller: 2})
	m.Add(world.Territory{Coord: world.HexCoord{Q: 2}, Kind: world.KindAcademy, StrategicValue: 6})
	return m
}

func TestRefreshBuildsSnapshot(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m := testMap(start)
	c := New(m)
	c.SetClock(func() time.Time { return start.Add(90 * time.Second) })

	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	snap := c.Snapshot()
	if snap.Len() != 3 {
		t.Fatalf("len = %d, want 3", snap.Len())
	}
	st, ok := snap.Get(1)
	if !ok || st.ResourceType != world.ResourceMilitary || st.Controller != 1 {
		t.Fatalf("unexpected state %#v", st)
	}
	if st.ControlDuration != 90*time.Second {
		t.Fatalf("control duration = %v, want 90s", st.ControlDuration)
	}
	if st3, _ := snap.Get(3); st3.ControlDuration != 0 {
		t.Fatalf("uncontrolled territory should have zero duration")
	}
}

func TestContestedExcludedFromControlledBy(t *testing.T) {
	now := time.Now()
	m := testMap(now)
	if err := m.SetContested(1, true); err != nil {
		t.Fatal(err)
	}
	c := New(m)
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	snap := c.Snapshot()
	if got := len(snap.ControlledBy(1)); got != 0 {
		t.Fatalf("contested territory counted: %d", got)
	}
	if snap.ControlCounts()[1] != 1 {
		t.Fatalf("control counts should still include contested holdings")
	}
	if st, _ := snap.Get(1); st.ControlDuration != 0 {
		t.Fatalf("contested territory should have zero control duration")
	}
}

func TestFailedRefreshKeepsPreviousSnapshot(t *testing.T) {
	m := testMap(time.Now())
	c := New(m)
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	before := c.Snapshot()

	m.SetAvailable(false)
	err := c.Refresh(context.Background())
	if !errors.Is(err, world.ErrLedgerUnavailable) {
		t.Fatalf("err = %v, want ErrLedgerUnavailable", err)
	}
	if c.Snapshot() != before {
		t.Fatalf("snapshot replaced after failed refresh")
	}
	if !c.Stale() {
		t.Fatalf("cache should report stale")
	}

	m.SetAvailable(true)
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	if c.Stale() || c.Snapshot() == before {
		t.Fatalf("cache should recover with a new snapshot")
	}
}

func TestSnapshotIsolatedFromLedgerChanges(t *testing.T) {
	m := testMap(time.Now())
	c := New(m)
	_ = c.Refresh(context.Background())
	snap := c.Snapshot()
	_ = m.SetController(2, 5, "test")
	if st, _ := snap.Get(2); st.Controller != 2 {
		t.Fatalf("snapshot mutated by ledger change")
	}
}

func TestNilLedger(t *testing.T) {
	c := New(nil)
	if err := c.Refresh(context.Background()); !errors.Is(err, ErrNoLedger) {
		t.Fatalf("err = %v", err)
	}
	if c.Snapshot().Len() != 0 {
		t.Fatalf("expected empty snapshot")
	}
}

func TestWithin(t *testing.T) {
	m := testMap(time.Now())
	c := New(m)
	_ = c.Refresh(context.Background())
	if got := len(c.Snapshot().Within(world.HexCoord{}, 1)); got != 2 {
		t.Fatalf("within = %d, want 2", got)
	}
}
