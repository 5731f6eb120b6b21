package broadcaster

import (
	"sync"
	"testing"
	"time"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Emit(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *recordingSink) snapshot() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

func TestBroadcaster_TradeCompleted_EmitsImmediatelyUncoalesced(t *testing.T) {
	sink := &recordingSink{}
	b := New(sink)

	b.Publish("ACME", TradeCompleted, 1)
	b.Publish("ACME", TradeCompleted, 2)

	events := sink.snapshot()
	if len(events) != 2 {
		t.Fatalf("expected 2 uncoalesced tradeCompleted events, got %d", len(events))
	}
}

func TestBroadcaster_PriceUpdate_DebouncesRapidPublishes(t *testing.T) {
	sink := &recordingSink{}
	b := New(sink)

	for i := 0; i < 5; i++ {
		b.Publish("ACME", PriceUpdate, i)
		time.Sleep(5 * time.Millisecond)
	}

	time.Sleep(2 * DebounceInterval)

	events := sink.snapshot()
	if len(events) != 1 {
		t.Fatalf("expected exactly 1 coalesced priceUpdate, got %d", len(events))
	}
	if events[0].Payload != 4 {
		t.Errorf("expected coalesced payload to be the latest value 4, got %v", events[0].Payload)
	}
}

func TestBroadcaster_PriceUpdate_MaxWaitFiresUnderContinuousPublishing(t *testing.T) {
	sink := &recordingSink{}
	b := New(sink)

	stop := time.After(MaxWait + 100*time.Millisecond)
	ticker := time.NewTicker(DebounceInterval / 2)
	defer ticker.Stop()

loop:
	for {
		select {
		case <-stop:
			break loop
		case <-ticker.C:
			b.Publish("ACME", PriceUpdate, nil)
		}
	}

	time.Sleep(100 * time.Millisecond)

	events := sink.snapshot()
	if len(events) == 0 {
		t.Fatal("expected the max-wait deadline to force at least one emit under continuous publishing")
	}
}

func TestBroadcaster_DistinctKeysDoNotCoalesce(t *testing.T) {
	sink := &recordingSink{}
	b := New(sink)

	b.Publish("ACME", PriceUpdate, "acme-price")
	b.Publish("ACME", MarketUpdate, "acme-market")
	b.Publish("WIDGET", PriceUpdate, "widget-price")

	time.Sleep(2 * DebounceInterval)

	events := sink.snapshot()
	if len(events) != 3 {
		t.Fatalf("expected 3 independently coalesced events, got %d", len(events))
	}
}

func TestBroadcaster_PublishKeyed_DifferentSubKeysDoNotCoalesce(t *testing.T) {
	sink := &recordingSink{}
	b := New(sink)

	b.PublishKeyed("ACME", KlineUpdate, "1m", "acme-1m")
	b.PublishKeyed("ACME", KlineUpdate, "5m", "acme-5m")

	time.Sleep(2 * DebounceInterval)

	events := sink.snapshot()
	if len(events) != 2 {
		t.Fatalf("expected klineUpdate events for distinct periods to coalesce independently, got %d", len(events))
	}
}

func TestBroadcaster_Subscribe_AddsAdditionalSink(t *testing.T) {
	first := &recordingSink{}
	b := New(first)

	second := &recordingSink{}
	b.Subscribe(second)

	b.Publish("ACME", TradeCompleted, "x")

	if len(first.snapshot()) != 1 {
		t.Error("expected original sink to receive the event")
	}
	if len(second.snapshot()) != 1 {
		t.Error("expected subscribed sink to receive the same event")
	}
}
