package orchestrator

import (
	"sync"

	"github.com/seantiz/foreman/internal/model"
)

// subscriberBufferSize is the channel buffer for each event subscriber.
// Events are dropped for a subscriber that falls this far behind, so one
// slow connection never stalls delivery to the others.
const subscriberBufferSize = 64

// Broker fans execution events out to every connection subscribed to an
// execution. It is safe for concurrent use.
//
// Closed topics are retained as markers so that late subscribers (those
// subscribing after an execution reaches a terminal status) receive a closed
// channel instead of blocking forever. Each marker is a few bytes, which is
// acceptable for the expected execution volume.
type Broker struct {
	mu     sync.Mutex
	topics map[string]*eventTopic
}

type eventTopic struct {
	subs   map[string]chan model.Event
	closed bool
}

// NewBroker creates a new event broker.
func NewBroker() *Broker {
	return &Broker{
		topics: make(map[string]*eventTopic),
	}
}

// Subscribe registers a connection for the given execution's events and
// returns the event channel plus an unsubscribe function. Unsubscribing is
// idempotent. If the execution has already finished (Close was called), the
// returned channel is immediately closed.
func (b *Broker) Subscribe(executionID, connectionID string) (<-chan model.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[executionID]
	if !ok {
		t = &eventTopic{subs: make(map[string]chan model.Event)}
		b.topics[executionID] = t
	}

	ch := make(chan model.Event, subscriberBufferSize)
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	t.subs[connectionID] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(t.subs, connectionID)
	}
}

// Publish delivers an event to all subscribers of the given execution.
// Publishing to an execution with no subscribers is a no-op. Events are
// dropped for subscribers whose buffers are full.
func (b *Broker) Publish(executionID string, ev model.Event) {
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
			// Drop for slow subscribers to avoid blocking the task.
		}
	}
}

// Close signals that no more events will be published for the given
// execution. All subscriber channels are closed and future Subscribe calls
// return a closed channel.
func (b *Broker) Close(executionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[executionID]
	if !ok {
		// Leave a closed marker so late subscribers get a closed channel.
		b.topics[executionID] = &eventTopic{subs: make(map[string]chan model.Event), closed: true}
		return
	}

	t.closed = true
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}

// SubscriberCount returns the number of live subscribers for an execution.
func (b *Broker) SubscriberCount(executionID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[executionID]
	if !ok {
		return 0
	}
	return len(t.subs)
}
