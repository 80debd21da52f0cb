// Package events is the in-process pub/sub bus feeding the ops
// WebSocket surface with run-lifecycle and position events.
package events

import (
	"sync"
	"time"
)

// EventType identifies the kind of event on the bus.
type EventType string

const (
	EventRunStarted     EventType = "RUN_STARTED"
	EventRunFinished    EventType = "RUN_FINISHED"
	EventPositionOpened EventType = "POSITION_OPENED"
	EventPositionClosed EventType = "POSITION_CLOSED"
	EventLogRecorded    EventType = "LOG_RECORDED"
)

// Event is one message on the bus.
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber handles one published event.
type Subscriber func(Event)

// Bus manages event publishing and subscriptions.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[EventType][]Subscriber),
	}
}

// Subscribe registers a subscriber for one event type.
func (b *Bus) Subscribe(eventType EventType, subscriber Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for every event type.
func (b *Bus) SubscribeAll(subscriber Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.allSubs = append(b.allSubs, subscriber)
}

// Publish notifies every matching subscriber, each in its own
// goroutine so a slow subscriber never blocks the caller.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	for _, sub := range b.subscribers[event.Type] {
		go sub(event)
	}
	for _, sub := range b.allSubs {
		go sub(event)
	}
}

// PublishRunStarted publishes a run started event.
func (b *Bus) PublishRunStarted(projectID, runID string) {
	b.Publish(Event{Type: EventRunStarted, Data: map[string]interface{}{
		"project_id": projectID, "run_id": runID,
	}})
}

// PublishRunFinished publishes a run finished event.
func (b *Bus) PublishRunFinished(projectID, runID, status, errMsg string) {
	data := map[string]interface{}{"project_id": projectID, "run_id": runID, "status": status}
	if errMsg != "" {
		data["error"] = errMsg
	}
	b.Publish(Event{Type: EventRunFinished, Data: data})
}

// PublishPositionOpened publishes a position opened event.
func (b *Bus) PublishPositionOpened(projectID, symbol string, qty, entryPrice float64) {
	b.Publish(Event{Type: EventPositionOpened, Data: map[string]interface{}{
		"project_id": projectID, "symbol": symbol, "qty": qty, "entry_price": entryPrice,
	}})
}

// PublishPositionClosed publishes a position closed (or partially
// closed) event.
func (b *Bus) PublishPositionClosed(projectID, symbol string, remainingQty, exitPrice, realizedPnL float64) {
	b.Publish(Event{Type: EventPositionClosed, Data: map[string]interface{}{
		"project_id": projectID, "symbol": symbol, "remaining_qty": remainingQty,
		"exit_price": exitPrice, "realized_pnl": realizedPnL,
	}})
}

// PublishLog publishes a project log record.
func (b *Bus) PublishLog(projectID, level, message string) {
	b.Publish(Event{Type: EventLogRecorded, Data: map[string]interface{}{
		"project_id": projectID, "level": level, "message": message,
	}})
}
