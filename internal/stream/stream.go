// Package stream carries bot lifecycle events to attached views. The
// core publishes without knowing who listens; the dashboard websocket
// hub is the usual sink, and headless runs plug in Nop.
package stream

import "time"

// EventType names a view-facing event.
type EventType string

const (
	EventNewSignal     EventType = "new_signal"
	EventTradeOpened   EventType = "trade_opened"
	EventTradeClosed   EventType = "trade_closed"
	EventStopAdjusted  EventType = "stop_adjusted"
	EventTakeProfit    EventType = "take_profit_executed"
	EventScannerStatus EventType = "scanner_status"
	EventEmergency     EventType = "emergency"
)

// Event is the envelope pushed to views. Payload must marshal to JSON.
type Event struct {
	Type    EventType   `json:"type"`
	At      time.Time   `json:"at"`
	Payload interface{} `json:"payload,omitempty"`
}

// NewEvent stamps an event with the current time.
func NewEvent(typ EventType, payload interface{}) Event {
	return Event{Type: typ, At: time.Now().UTC(), Payload: payload}
}

// Broadcaster fans events out to attached views. Implementations must
// not block the caller.
type Broadcaster interface {
	Broadcast(ev Event)
}

// Nop discards every event.
type Nop struct{}

// Broadcast implements Broadcaster.
func (Nop) Broadcast(Event) {}

// Fanout duplicates every event to each sink in order. Nil sinks are
// skipped so callers can pass optional views unconditionally.
func Fanout(sinks ...Broadcaster) Broadcaster {
	kept := make([]Broadcaster, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			kept = append(kept, s)
		}
	}
	return fanout(kept)
}

type fanout []Broadcaster

func (f fanout) Broadcast(ev Event) {
	for _, s := range f {
		s.Broadcast(ev)
	}
}
