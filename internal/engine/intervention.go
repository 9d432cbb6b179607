package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/talgya/dominion/internal/config"
	"github.com/talgya/dominion/internal/events"
	"github.com/talgya/dominion/internal/progression"
	"github.com/talgya/dominion/internal/victory"
	"github.com/talgya/dominion/internal/world"
)

// ForceRefresh rebuilds the territory cache outside the batch cadence and
// drops every cached prediction.
func (s *Simulation) ForceRefresh(ctx context.Context) (string, error) {
	if err := s.Cache.Refresh(ctx); err != nil {
		return "", fmt.Errorf("refresh: %w", err)
	}
	snap := s.Cache.Snapshot()
	s.Predictor.Observe(snap)

	desc := fmt.Sprintf("Territory cache refreshed by operator (%d territories)", snap.Len())
	s.emitIntervention(0, desc, map[string]any{"action": "refresh", "territories": snap.Len()})
	slog.Info("refresh intervention", "territories", snap.Len())
	return desc, nil
}

// PushInfluence adds influence for a faction on one territory.
func (s *Simulation) PushInfluence(id world.TerritoryID, f world.FactionID, amount float64) (string, error) {
	if s.Ledger == nil {
		return "", fmt.Errorf("no territory ledger")
	}
	fac, ok := s.Roster.Faction(f)
	if !ok {
		return "", fmt.Errorf("faction %d: %w", f, progression.ErrUnknownFaction)
	}
	t, ok := s.Ledger.Territory(id)
	if !ok {
		return "", fmt.Errorf("territory %d not found", id)
	}
	if !s.Ledger.UpdateInfluence(id, t.Kind.ResourceType(), f, amount, "operator") {
		return "", fmt.Errorf("territory %d rejected influence", id)
	}
	s.Predictor.Invalidate(id)

	desc := fmt.Sprintf("Agents of %s sway territory %d (%+.0f influence)", fac.Name, id, amount)
	s.emitIntervention(f, desc, map[string]any{"action": "influence", "territory": uint32(id), "amount": amount})
	slog.Info("influence intervention", "faction", f, "territory", id, "amount", amount)
	return desc, nil
}

// AdjustReputation changes a faction's reputation and re-evaluates its tier.
func (s *Simulation) AdjustReputation(f world.FactionID, delta float64, reason string) (string, error) {
	if reason == "" {
		reason = "operator"
	}
	if err := s.Progression.AdjustReputation(f, delta, reason); err != nil {
		return "", err
	}
	tier, promoted, err := s.Progression.UpdateTier(f)
	if err != nil {
		return "", err
	}

	desc := fmt.Sprintf("Faction %d reputation adjusted by %+.0f (%s)", f, delta, reason)
	if promoted {
		desc += fmt.Sprintf(", now %s", tier)
	}
	s.emitIntervention(f, desc, map[string]any{"action": "reputation", "delta": delta, "tier": tier.String()})
	slog.Info("reputation intervention", "faction", f, "delta", delta, "tier", tier)
	return desc, nil
}

// RegisterCondition validates and registers a victory condition.
func (s *Simulation) RegisterCondition(spec config.ConditionSpec) (string, error) {
	c, err := victory.ConditionFromSpec(spec)
	if err != nil {
		return "", err
	}
	if err := s.Victory.RegisterCondition(c); err != nil {
		return "", err
	}

	desc := fmt.Sprintf("Victory condition %s registered (threshold %.0f%%, hold %s)", c.Type, c.Threshold*100, c.Hold)
	s.emitIntervention(0, desc, map[string]any{"action": "condition", "type": c.Type.String()})
	slog.Info("condition intervention", "type", c.Type, "threshold", c.Threshold, "hold", c.Hold)
	return desc, nil
}

// EnableCondition toggles a registered victory condition by type name.
func (s *Simulation) EnableCondition(name string, enabled bool) (string, error) {
	t, err := victory.ParseType(name)
	if err != nil {
		return "", err
	}
	if err := s.Victory.SetEnabled(t, enabled); err != nil {
		return "", err
	}

	state := "disabled"
	if enabled {
		state = "enabled"
	}
	desc := fmt.Sprintf("Victory condition %s %s", t, state)
	s.emitIntervention(0, desc, map[string]any{"action": "condition", "type": t.String(), "enabled": enabled})
	slog.Info("condition toggled", "type", t, "enabled", enabled)
	return desc, nil
}

// RegisterObjective adds a territorial objective for a faction.
func (s *Simulation) RegisterObjective(o progression.Objective) (progression.Objective, error) {
	o, err := s.Progression.RegisterObjective(o)
	if err != nil {
		return progression.Objective{}, err
	}
	desc := fmt.Sprintf("Objective %s set for faction %d: hold %d %s territories", o.ID, o.FactionID, o.RequiredCount, o.ResourceType)
	s.emitIntervention(o.FactionID, desc, map[string]any{"action": "objective", "objective": o.ID})
	slog.Info("objective registered", "objective", o.ID, "faction", o.FactionID, "resource", o.ResourceType, "required", o.RequiredCount)
	return o, nil
}

// CompleteObjective completes an objective on behalf of game-mode logic.
func (s *Simulation) CompleteObjective(id string) (string, error) {
	o, ok := s.Progression.Objective(id)
	if !ok {
		return "", fmt.Errorf("objective %q: %w", id, progression.ErrUnknownObjective)
	}
	done, err := s.Progression.CompleteObjective(id)
	if err != nil {
		return "", err
	}
	if !done {
		return fmt.Sprintf("Objective %s was already complete", id), nil
	}
	desc := fmt.Sprintf("Objective %s completed for faction %d", id, o.FactionID)
	slog.Info("objective intervention", "objective", id, "faction", o.FactionID)
	return desc, nil
}

func (s *Simulation) emitIntervention(f world.FactionID, desc string, meta map[string]any) {
	s.Bus.Publish(events.Event{
		Kind:        events.Intervention,
		FactionID:   uint64(f),
		Description: desc,
		Meta:        meta,
	})
}
