// Package broadcaster fans out price/market/trade/kline events to every
// subscribed sink, coalescing the chatty kinds behind a trailing
// debounce with a hard max-wait deadline so a busy symbol doesn't flood
// subscribers with one event per fill.
package broadcaster

import (
	"sync"
	"time"
)

// EventKind names one of the four event payload shapes a sink receives.
type EventKind string

const (
	PriceUpdate    EventKind = "priceUpdate"
	MarketUpdate   EventKind = "marketUpdate"
	TradeCompleted EventKind = "tradeCompleted"
	KlineUpdate    EventKind = "klineUpdate"
)

const (
	DebounceInterval = 50 * time.Millisecond
	MaxWait          = 500 * time.Millisecond
)

// Event is what a Sink receives.
type Event struct {
	Symbol  string
	Kind    EventKind
	Payload any
}

// Sink is the pluggable fan-out target; the demo adapter's
// implementation pushes to gorilla/websocket connections.
type Sink interface {
	Emit(Event)
}

type pending struct {
	payload  any
	debounce *time.Timer
	deadline *time.Timer
}

// Broadcaster coalesces coalescable event kinds per (symbol, kind) and
// fans everything else out to every subscribed sink.
type Broadcaster struct {
	sinksMu sync.RWMutex
	sinks   []Sink

	mu      sync.Mutex
	waiting map[string]*pending
}

func New(sinks ...Sink) *Broadcaster {
	return &Broadcaster{sinks: sinks, waiting: map[string]*pending{}}
}

// Subscribe adds sink to the fan-out set; it starts receiving every
// event published from this call forward.
func (b *Broadcaster) Subscribe(sink Sink) {
	b.sinksMu.Lock()
	defer b.sinksMu.Unlock()
	b.sinks = append(b.sinks, sink)
}

func (b *Broadcaster) emit(e Event) {
	b.sinksMu.RLock()
	defer b.sinksMu.RUnlock()
	for _, sink := range b.sinks {
		sink.Emit(e)
	}
}

func key(symbol string, kind EventKind, subKey string) string {
	if subKey == "" {
		return string(kind) + ":" + symbol
	}
	return string(kind) + ":" + symbol + ":" + subKey
}

// Publish records the latest payload for (symbol, kind) and schedules
// (or reschedules) the trailing debounce; the independent max-wait
// deadline armed on the first un-emitted request fires regardless of
// further publishes. PriceUpdate/MarketUpdate/KlineUpdate coalesce;
// TradeCompleted is emitted immediately, every time, uncoalesced.
func (b *Broadcaster) Publish(symbol string, kind EventKind, payload any) {
	b.publish(symbol, kind, "", payload)
}

// PublishKeyed is Publish with an extra discriminator folded into the
// coalescing key, so e.g. klineUpdate events for different candle
// periods on the same symbol debounce independently instead of one
// period's update clobbering another's.
func (b *Broadcaster) PublishKeyed(symbol string, kind EventKind, subKey string, payload any) {
	b.publish(symbol, kind, subKey, payload)
}

func (b *Broadcaster) publish(symbol string, kind EventKind, subKey string, payload any) {
	if kind == TradeCompleted {
		b.emit(Event{Symbol: symbol, Kind: kind, Payload: payload})
		return
	}

	k := key(symbol, kind, subKey)

	b.mu.Lock()
	p, ok := b.waiting[k]
	if !ok {
		p = &pending{}
		b.waiting[k] = p
		p.deadline = time.AfterFunc(MaxWait, func() { b.fire(symbol, kind, k, p) })
	}
	p.payload = payload
	if p.debounce != nil {
		p.debounce.Stop()
	}
	p.debounce = time.AfterFunc(DebounceInterval, func() { b.fire(symbol, kind, k, p) })
	b.mu.Unlock()
}

// fire emits whichever of the two timers reaches this method first and
// tears down the pending entry so a later Publish starts a fresh race.
func (b *Broadcaster) fire(symbol string, kind EventKind, k string, p *pending) {
	b.mu.Lock()
	current, ok := b.waiting[k]
	if !ok || current != p {
		b.mu.Unlock()
		return
	}
	delete(b.waiting, k)
	payload := p.payload
	p.debounce.Stop()
	p.deadline.Stop()
	b.mu.Unlock()

	b.emit(Event{Symbol: symbol, Kind: kind, Payload: payload})
}
