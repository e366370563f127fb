// Package notify delivers best-effort broadcast events to observers. No
// notifier may block or fail the caller.
package notify

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

type EventType string

const (
	EventGearShift   EventType = "gear_shift"
	EventFlattenAll  EventType = "flatten_all"
	EventTradeOpened EventType = "trade_opened"
	EventTradeClosed EventType = "trade_closed"
	EventRejection   EventType = "rejection"
	EventRollover    EventType = "rollover"
	EventClamp       EventType = "constraint_clamp"
)

type Event struct {
	Type    EventType      `json:"type"`
	Time    time.Time      `json:"time"`
	Message string         `json:"message,omitempty"`
	Fields  map[string]any `json:"fields,omitempty"`
}

type Notifier interface {
	Notify(Event)
}

// Func adapts a function to Notifier.
type Func func(Event)

func (f Func) Notify(e Event) { f(e) }

// Multi fans an event out to every notifier in order.
type Multi []Notifier

func (m Multi) Notify(e Event) {
	for _, n := range m {
		if n != nil {
			n.Notify(e)
		}
	}
}

// Log writes events to a zap logger.
type Log struct {
	L *zap.Logger
}

func (l Log) Notify(e Event) {
	if l.L == nil {
		return
	}
	fields := make([]zap.Field, 0, len(e.Fields)+2)
	fields = append(fields, zap.String("event", string(e.Type)), zap.Time("at", e.Time))
	for k, v := range e.Fields {
		fields = append(fields, zap.Any(k, v))
	}
	l.L.Info(e.Message, fields...)
}

// Recorder keeps every event it sees. Safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Notify(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Count returns how many events of type t were recorded.
func (r *Recorder) Count(t EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

// Nop drops everything.
type Nop struct{}

func (Nop) Notify(Event) {}
