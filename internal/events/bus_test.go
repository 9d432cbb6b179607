package events

import "testing"

func TestPublishDeliversToSubscribers(t *testing.T) {
	b := NewBus(10)
	id, ch := b.Subscribe()
	b.Publish(Event{Kind: TierChanged, Description: "promoted"})

	e := <-ch
	if e.Kind != TierChanged || e.ID == "" || e.At.IsZero() {
		t.Fatalf("unexpected event %#v", e)
	}
	b.Unsubscribe(id)
	if _, ok := <-ch; ok {
		t.Fatalf("channel should be closed after unsubscribe")
	}
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	b := NewBus(0)
	b.Subscribe()
	for i := 0; i < subscriberBuffer*3; i++ {
		b.Publish(Event{Kind: BalanceAnomaly})
	}
	if got := len(b.Recent(0)); got != subscriberBuffer*3 {
		t.Fatalf("recent = %d", got)
	}
}

func TestRecentIsBounded(t *testing.T) {
	b := NewBus(5)
	for i := 0; i < 12; i++ {
		b.Publish(Event{Kind: VictoryThreatened})
	}
	if got := len(b.Recent(0)); got != 5 {
		t.Fatalf("recent = %d, want 5", got)
	}
	if got := len(b.Recent(2)); got != 2 {
		t.Fatalf("recent(2) = %d, want 2", got)
	}
	if b.Counts()[VictoryThreatened] != 5 {
		t.Fatalf("counts wrong: %v", b.Counts())
	}
}

func TestSince(t *testing.T) {
	b := NewBus(10)
	b.Publish(Event{Kind: AbilityUnlocked})
	first, last := b.Since("")
	if len(first) != 1 {
		t.Fatalf("first batch = %d", len(first))
	}
	b.Publish(Event{Kind: ObjectiveCompleted})
	b.Publish(Event{Kind: ObjectiveCompleted})
	next, _ := b.Since(last)
	if len(next) != 2 || next[0].Kind != ObjectiveCompleted {
		t.Fatalf("next batch = %#v", next)
	}
}
