// Package events provides the in-process publish/subscribe bus that carries
// progression, balance, and victory notifications to observers.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind names an event category.
type Kind string

const (
	ProgressionChanged   Kind = "progression_changed"
	TierChanged          Kind = "tier_changed"
	AbilityUnlocked      Kind = "ability_unlocked"
	ObjectiveCompleted   Kind = "objective_completed"
	ResourceBonusChanged Kind = "resource_bonus_changed"
	FactionSynergy       Kind = "faction_synergy_detected"
	FactionPerformance   Kind = "faction_performance"
	BalanceAnomaly       Kind = "balance_anomaly_detected"
	BalanceCorrection    Kind = "balance_correction"
	EmergencyBalance     Kind = "emergency_balance"
	VictoryThreatened    Kind = "victory_threatened"
	VictoryAchieved      Kind = "victory_achieved"
	ControlChanged       Kind = "control_changed"
	Intervention         Kind = "intervention"
)

// Event is a notable occurrence in the session.
type Event struct {
	ID          string         `json:"id"`
	Kind        Kind           `json:"kind"`
	At          time.Time      `json:"at"`
	FactionID   uint64         `json:"faction_id,omitempty"`
	Description string         `json:"description"`
	Meta        map[string]any `json:"meta,omitempty"`
}

// Publisher is the narrow interface subsystems emit through.
type Publisher interface {
	Publish(e Event)
}

// Discard drops every event.
type Discard struct{}

// Publish implements Publisher.
func (Discard) Publish(Event) {}

const (
	subscriberBuffer = 64
	defaultKeep      = 1000
)

// Bus fans events out to subscribers and keeps the most recent ones.
type Bus struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	recent []Event
	keep   int
	now    func() time.Time
}

// NewBus creates a bus retaining up to keep recent events (0 = default).
func NewBus(keep int) *Bus {
	if keep <= 0 {
		keep = defaultKeep
	}
	return &Bus{subs: make(map[int]chan Event), keep: keep, now: time.Now}
}

// Publish stamps and delivers an event. Slow subscribers miss events rather
// than block the publisher.
func (b *Bus) Publish(e Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.At.IsZero() {
		e.At = b.now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.recent = append(b.recent, e)
	if len(b.recent) > b.keep {
		b.recent = b.recent[len(b.recent)-b.keep:]
	}
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe registers a subscriber and returns its ID and channel.
func (b *Bus) Subscribe() (int, <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	ch := make(chan Event, subscriberBuffer)
	b.subs[b.nextID] = ch
	return b.nextID, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

// Recent returns up to limit of the most recent events, oldest first.
func (b *Bus) Recent(limit int) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	start := 0
	if limit > 0 && len(b.recent) > limit {
		start = len(b.recent) - limit
	}
	out := make([]Event, len(b.recent)-start)
	copy(out, b.recent[start:])
	return out
}

// Since returns the events published after the event with ID since, plus the
// ID of the newest event. An unknown or empty ID returns every retained event.
func (b *Bus) Since(since string) ([]Event, string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	start := 0
	if since != "" {
		for i := len(b.recent) - 1; i >= 0; i-- {
			if b.recent[i].ID == since {
				start = i + 1
				break
			}
		}
	}
	out := make([]Event, len(b.recent)-start)
	copy(out, b.recent[start:])
	last := since
	if len(b.recent) > 0 {
		last = b.recent[len(b.recent)-1].ID
	}
	return out, last
}

// Counts tallies recent events by kind.
func (b *Bus) Counts() map[Kind]int {
	b.mu.Lock()
	defer b.mu.Unlock()
	counts := make(map[Kind]int)
	for _, e := range b.recent {
		counts[e.Kind]++
	}
	return counts
}
