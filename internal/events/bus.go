// Package events provides a publish/subscribe bus for live panel
// changes. Events flow from the panel, the MQTT session and the
// connection watcher to subscribers (the WebSocket handler, the watch
// command, the Influx recorder). The bus is nil-safe: calling Publish
// on a nil *Bus is a no-op, so components do not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourcePanel identifies events from the live-state controller.
	SourcePanel = "panel"
	// SourceMQTT identifies events from the broker session.
	SourceMQTT = "mqtt"
	// SourceWatch identifies events from the connection watcher.
	SourceWatch = "connwatch"
)

// Kind constants describe the type of event within a source.
const (
	// KindReading signals a merged sensor reading.
	// Data: mac, gas, temperature, pressure.
	KindReading = "reading"
	// KindValve signals an actuator state change.
	// Data: mac, state, optimistic.
	KindValve = "valve"
	// KindCommandSent signals a manual command was published.
	// Data: mac, topic, act.
	KindCommandSent = "command_sent"
	// KindCommandConfirmed signals the actuator reported the state a
	// pending manual command asked for.
	// Data: mac, act, latency_ms.
	KindCommandConfirmed = "command_confirmed"
	// KindCommandSuperseded signals the actuator reported a state other
	// than the pending manual command.
	// Data: mac, act, state.
	KindCommandSuperseded = "command_superseded"
	// KindCommandObserved signals a command seen on the comando topic,
	// from this panel or any other publisher.
	// Data: mac, act, type.
	KindCommandObserved = "command_observed"
	// KindConnection signals a broker or API connectivity transition.
	// Data: service, ready, error.
	KindConnection = "connection"
)

// Event represents a single event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the channel stored in subs so Unsubscribe can accept the
	// caller's view.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. A zero Timestamp is set
// to the current time. If a subscriber's channel is full the event is
// dropped for that subscriber. Safe to call on a nil receiver.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe. bufSize controls the channel
// buffer; 64 is plenty for a WebSocket consumer.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
