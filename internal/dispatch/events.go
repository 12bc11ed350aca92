package dispatch

import (
	"encoding/json"
	"sync"
	"time"
)

// Preview event types published over the broker.
const (
	EventReceived     = "received"
	EventStarted      = "started"
	EventCompleted    = "completed"
	EventFailed       = "failed"
	EventNoDeployment = "no_deployment"
)

// Event is one development-preview notification for an execution.
type Event struct {
	ExecutionID string          `json:"execution_id"`
	Type        string          `json:"type"`
	Data        json.RawMessage `json:"data,omitempty"`
	Time        time.Time       `json:"time"`
}

// subscriberBufferSize is the channel buffer for each event subscriber.
// Events are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// EventBroker manages per-execution preview event streaming to subscribers.
// It is safe for concurrent use.
//
// Closed topics are retained as markers so that late subscribers (those
// subscribing after an execution finishes) receive a closed channel instead
// of blocking forever. Each marker is a few bytes, which is acceptable for
// the expected execution volume.
type EventBroker struct {
	mu     sync.Mutex
	topics map[string]*eventTopic
}

type eventTopic struct {
	subs   map[int]chan Event
	nextID int
	closed bool
}

// NewEventBroker creates a new event broker.
func NewEventBroker() *EventBroker {
	return &EventBroker{
		topics: make(map[string]*eventTopic),
	}
}

// Subscribe returns a channel that receives preview events for the given
// execution and an unsubscribe function. If the execution has already
// finished (Close was called), the returned channel is immediately closed.
func (b *EventBroker) Subscribe(executionID string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[executionID]
	if !ok {
		t = &eventTopic{subs: make(map[int]chan Event)}
		b.topics[executionID] = t
	}

	ch := make(chan Event, subscriberBufferSize)
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(t.subs, id)
	}
}

// Publish sends an event to all subscribers of the given execution. Delivery
// is best effort: events are dropped for subscribers whose buffers are full,
// and publishing never blocks dispatch.
func (b *EventBroker) Publish(executionID string, ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[executionID]
	if !ok || t.closed {
		return
	}

	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
			// Drop for slow subscribers to avoid blocking dispatch.
		}
	}
}

// Close signals that no more events will be published for the given
// execution. All subscriber channels are closed and future Subscribe calls
// return a closed channel.
func (b *EventBroker) Close(executionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[executionID]
	if !ok {
		// Create a closed marker so late subscribers get a closed channel.
		b.topics[executionID] = &eventTopic{subs: make(map[int]chan Event), closed: true}
		return
	}

	t.closed = true
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}
