package progression

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/talgya/dominion/internal/cache"
	"github.com/talgya/dominion/internal/events"
	"github.com/talgya/dominion/internal/world"
)

// RegisterObjective adds an objective. An empty ID gets a generated one.
// Registering an ID that already exists is a successful no-op.
func (t *Tracker) RegisterObjective(o Objective) (Objective, error) {
	if o.RequiredCount <= 0 {
		return Objective{}, fmt.Errorf("required count %d: %w", o.RequiredCount, ErrInvalidObjective)
	}
	if o.ReputationReward < 0 {
		return Objective{}, fmt.Errorf("negative reward: %w", ErrInvalidObjective)
	}
	if int(o.ResourceType) >= world.ResourceTypeCount {
		return Objective{}, fmt.Errorf("resource type %d: %w", o.ResourceType, ErrInvalidObjective)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.records[o.FactionID]; !ok {
		return Objective{}, fmt.Errorf("faction %d: %w", o.FactionID, ErrUnknownFaction)
	}
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if existing, ok := t.objectives[o.ID]; ok {
		return cloneObjective(existing), nil
	}
	o.Completed = false
	o.CompletedAt = time.Time{}
	o.CreatedAt = t.now()
	o.AbilityRewards = append([]AbilityGrant(nil), o.AbilityRewards...)
	t.objectives[o.ID] = &o
	return cloneObjective(&o), nil
}

// Objective returns one objective by ID.
func (t *Tracker) Objective(id string) (Objective, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	o, ok := t.objectives[id]
	if !ok {
		return Objective{}, false
	}
	return cloneObjective(o), true
}

// Objectives returns the objectives of one faction, or of every faction when
// f is zero, oldest first.
func (t *Tracker) Objectives(f world.FactionID) []Objective {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Objective
	for _, o := range t.objectives {
		if f == 0 || o.FactionID == f {
			out = append(out, cloneObjective(o))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// CompleteObjective grants an objective's rewards. An objective completes
// exactly once; completing it again returns false with no error.
func (t *Tracker) CompleteObjective(id string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	o, ok := t.objectives[id]
	if !ok {
		return false, fmt.Errorf("objective %s: %w", id, ErrUnknownObjective)
	}
	return t.completeLocked(o), nil
}

func (t *Tracker) completeLocked(o *Objective) bool {
	if o.Completed {
		return false
	}
	r, ok := t.records[o.FactionID]
	if !ok {
		return false
	}
	o.Completed = true
	o.CompletedAt = t.now()

	if o.ReputationReward > 0 {
		t.adjustLocked(r, o.ReputationReward, "objective "+o.ID)
		t.updateTierLocked(r)
	}
	for _, g := range o.AbilityRewards {
		t.unlockLocked(r, g.ID, g.Type)
	}
	r.ResourceBonuses[o.ResourceType]++

	slog.Info("objective completed", "objective", o.ID, "faction", o.FactionID, "resource", o.ResourceType)
	t.bus.Publish(events.Event{
		Kind:        events.ObjectiveCompleted,
		FactionID:   uint64(o.FactionID),
		Description: fmt.Sprintf("faction %d completed objective %s", o.FactionID, o.ID),
		Meta: map[string]any{
			"objective":      o.ID,
			"resource_type":  o.ResourceType.String(),
			"required_count": o.RequiredCount,
			"reward":         o.ReputationReward,
		},
	})
	return true
}

// CheckObjectives completes every open objective whose faction holds at least
// the required number of uncontested territories of the objective's type.
// Returns the IDs completed by this call.
func (t *Tracker) CheckObjectives(snap *cache.Snapshot) []string {
	held := make(map[world.FactionID]map[world.ResourceType]int)
	snap.Each(func(st cache.TerritoryState) {
		if !st.Counts() {
			return
		}
		m, ok := held[st.Controller]
		if !ok {
			m = make(map[world.ResourceType]int)
			held[st.Controller] = m
		}
		m[st.ResourceType]++
	})

	t.mu.Lock()
	defer t.mu.Unlock()
	open := make([]*Objective, 0, len(t.objectives))
	for _, o := range t.objectives {
		if !o.Completed {
			open = append(open, o)
		}
	}
	sort.Slice(open, func(i, j int) bool { return open[i].ID < open[j].ID })

	var done []string
	for _, o := range open {
		if held[o.FactionID][o.ResourceType] >= o.RequiredCount && t.completeLocked(o) {
			done = append(done, o.ID)
		}
	}
	return done
}

// PruneObjectives drops completed objectives older than the grace period.
func (t *Tracker) PruneObjectives(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for id, o := range t.objectives {
		if o.Completed && now.Sub(o.CompletedAt) > t.cfg.ObjectiveGrace {
			delete(t.objectives, id)
			n++
		}
	}
	return n
}

func cloneObjective(o *Objective) Objective {
	c := *o
	c.AbilityRewards = append([]AbilityGrant(nil), o.AbilityRewards...)
	return c
}
