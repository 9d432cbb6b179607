package world

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestGenerateProducesLandTerritories(t *testing.T) {
	m := Generate(SmallTestConfig())
	if m.Count() == 0 {
		t.Fatalf("expected territories, got none")
	}
	all, err := m.AllTerritories(context.Background())
	if err != nil {
		t.Fatalf("AllTerritories: %v", err)
	}
	for _, tr := range all {
		if tr.Terrain == TerrainOcean {
			t.Fatalf("territory %d is ocean", tr.ID)
		}
		if tr.StrategicValue < 1 || tr.StrategicValue > 10 {
			t.Fatalf("territory %d strategic value %d out of range", tr.ID, tr.StrategicValue)
		}
		if tr.Region < 0 || tr.Region > 5 {
			t.Fatalf("territory %d region %d out of range", tr.ID, tr.Region)
		}
	}
}

func TestGenerateIsDeterministic(t *testing.T) {
	a := Generate(SmallTestConfig())
	b := Generate(SmallTestConfig())
	if a.Count() != b.Count() {
		t.Fatalf("counts differ: %d vs %d", a.Count(), b.Count())
	}
}

func TestSeedControlClaimsShare(t *testing.T) {
	m := Generate(SmallTestConfig())
	SeedControl(m, []FactionID{1, 2, 3}, 0.5, 7)
	all, _ := m.AllTerritories(context.Background())
	owned := 0
	for _, tr := range all {
		if tr.Controller != 0 {
			owned++
		}
	}
	if owned == 0 {
		t.Fatalf("expected claimed territories")
	}
	if owned > len(all)/2+3 {
		t.Fatalf("claimed %d of %d, more than half", owned, len(all))
	}
}

func TestUpdateInfluenceFlipsControl(t *testing.T) {
	m := NewMap(3)
	id := m.Add(Territory{Coord: HexCoord{}, Kind: KindMarket, StrategicValue: 5, Controller: 1})
	m.UpdateInfluence(id, ResourceMilitary, 1, 100, "garrison")

	var changes []ControlChange
	m.OnControlChanged(func(c ControlChange) { changes = append(changes, c) })

	if !m.UpdateInfluence(id, ResourceMilitary, 2, 80, "raid") {
		t.Fatalf("expected influence update to succeed")
	}
	if !m.IsContested(id) {
		t.Fatalf("expected territory contested after strong challenge")
	}
	m.UpdateInfluence(id, ResourceMilitary, 2, 150, "raid")
	if got := m.ControllingFaction(id); got != 2 {
		t.Fatalf("controller = %d, want 2", got)
	}
	if m.IsContested(id) {
		t.Fatalf("flip should clear contested flag")
	}
	if len(changes) != 1 || changes[0].OldFaction != 1 || changes[0].NewFaction != 2 {
		t.Fatalf("unexpected notifications: %#v", changes)
	}
}

func TestUpdateInfluenceMatchingKindBonus(t *testing.T) {
	m := NewMap(1)
	id := m.Add(Territory{Kind: KindFortress})
	m.UpdateInfluence(id, ResourceMilitary, 3, 10, "drill")
	tr, _ := m.Territory(id)
	if tr.Influence[3] != 12.5 {
		t.Fatalf("influence = %v, want 12.5", tr.Influence[3])
	}
	if m.UpdateInfluence(999, ResourceMilitary, 3, 10, "nowhere") {
		t.Fatalf("unknown territory should return false")
	}
	if m.UpdateInfluence(id, ResourceMilitary, 0, 10, "nobody") {
		t.Fatalf("null faction should return false")
	}
}

func TestUnavailableLedger(t *testing.T) {
	m := NewMap(1)
	m.Add(Territory{})
	m.SetAvailable(false)
	if _, err := m.AllTerritories(context.Background()); !errors.Is(err, ErrLedgerUnavailable) {
		t.Fatalf("err = %v, want ErrLedgerUnavailable", err)
	}
}

func TestTerritoriesInRadius(t *testing.T) {
	m := NewMap(3)
	m.Add(Territory{Coord: HexCoord{Q: 0, R: 0}})
	m.Add(Territory{Coord: HexCoord{Q: 1, R: 0}})
	m.Add(Territory{Coord: HexCoord{Q: 3, R: 0}})
	if got := len(m.TerritoriesInRadius(HexCoord{}, 1)); got != 2 {
		t.Fatalf("in radius = %d, want 2", got)
	}
}

func TestSetControllerStampsContestTime(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewMap(1)
	m.SetClock(func() time.Time { return now })
	id := m.Add(Territory{})
	now = now.Add(time.Hour)
	if err := m.SetController(id, 4, "treaty"); err != nil {
		t.Fatalf("SetController: %v", err)
	}
	tr, _ := m.Territory(id)
	if !tr.LastContested.Equal(now) {
		t.Fatalf("LastContested = %v, want %v", tr.LastContested, now)
	}
}

func TestPlaceCapitalsSpreadOut(t *testing.T) {
	m := Generate(DefaultGenConfig())
	caps := PlaceCapitals(m, 7, 42)
	if len(caps) != 7 {
		t.Fatalf("capitals = %d, want 7", len(caps))
	}
	seen := make(map[TerritoryID]bool)
	for i, a := range caps {
		if seen[a] {
			t.Fatalf("capital %d placed twice", a)
		}
		seen[a] = true
		ta, _ := m.Territory(a)
		for _, b := range caps[i+1:] {
			tb, _ := m.Territory(b)
			if Distance(ta.Coord, tb.Coord) < 2 {
				t.Fatalf("capitals %d and %d adjacent", a, b)
			}
		}
	}

	again := PlaceCapitals(m, 7, 42)
	for i := range caps {
		if caps[i] != again[i] {
			t.Fatalf("placement not deterministic")
		}
	}
}

func TestPlaceCapitalsOnTinyMap(t *testing.T) {
	m := NewMap(1)
	m.Add(Territory{Coord: HexCoord{Q: 0, R: 0}})
	m.Add(Territory{Coord: HexCoord{Q: 1, R: 0}})
	if got := PlaceCapitals(m, 5, 1); len(got) != 2 {
		t.Fatalf("capitals = %v, want every territory", got)
	}
}
