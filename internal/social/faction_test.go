package social

import (
	"math"
	"testing"

	"github.com/talgya/dominion/internal/world"
)

func TestSeedFactionsAreSeven(t *testing.T) {
	r := NewRoster(SeedFactions())
	ids := r.IDs()
	if len(ids) != 7 {
		t.Fatalf("factions = %d, want 7", len(ids))
	}
	for i, id := range ids {
		if id != world.FactionID(i+1) {
			t.Fatalf("ids not ascending: %v", ids)
		}
	}
}

func TestRelationsAreSymmetric(t *testing.T) {
	r := NewRoster(SeedFactions())
	r.SetRelation(1, 3, 45)
	if r.Relation(3, 1) != 45 {
		t.Fatalf("relation not symmetric")
	}
	if !r.Allied(1, 3) || r.Allied(1, 2) {
		t.Fatalf("unexpected alliance state")
	}
	if got := r.TrustIndex(1, 3); math.Abs(got-0.45) > 1e-9 {
		t.Fatalf("trust = %v, want 0.45", got)
	}
	if r.TrustIndex(4, 4) != 1 {
		t.Fatalf("self trust should be 1")
	}
	r.SetRelation(2, 5, -400)
	if r.Relation(2, 5) != -100 {
		t.Fatalf("relation not clamped: %v", r.Relation(2, 5))
	}
}

func TestDriftTowardNeutral(t *testing.T) {
	r := NewRoster(SeedFactions())
	r.SetRelation(1, 2, 50)
	r.SetRelation(3, 4, -50)
	r.Drift(0.1)
	if r.Relation(1, 2) != 45 || r.Relation(3, 4) != -45 {
		t.Fatalf("drift wrong: %v %v", r.Relation(1, 2), r.Relation(3, 4))
	}
}

func TestFocusDefaults(t *testing.T) {
	r := NewRoster(SeedFactions())
	f, _ := r.Faction(2)
	if f.FocusOn(world.ResourceEconomic) != 1.4 {
		t.Fatalf("economic focus = %v", f.FocusOn(world.ResourceEconomic))
	}
	if f.AffinityFor(world.ResourceResearch) != 1.0 {
		t.Fatalf("missing affinity should default to 1.0")
	}
}
