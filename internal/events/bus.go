// Package events provides a publish/subscribe event bus for operational
// observability. Events flow from components (conversation pipeline,
// webhook front door, heartbeat, Fitbit gateway, notifier) to
// subscribers (dashboard WebSocket handler). The bus is nil-safe:
// calling Publish on a nil *Bus is a no-op, so components do not need
// guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceAgent identifies events from the conversation pipeline.
	SourceAgent = "agent"
	// SourceWebhook identifies events from the inbound webhook handler.
	SourceWebhook = "webhook"
	// SourceHeartbeat identifies events from the heartbeat scheduler.
	SourceHeartbeat = "heartbeat"
	// SourceFitbit identifies events from the sensor gateway.
	SourceFitbit = "fitbit"
	// SourceNotify identifies events from the outbound notifier.
	SourceNotify = "notify"
	// SourceLocation identifies events from the MQTT location subscriber.
	SourceLocation = "location"
)

// Kind constants describe the type of event within a source.
const (
	// KindTurnStart signals the beginning of a pipeline run.
	// Data: request_id, thread_id, synthetic.
	KindTurnStart = "turn_start"
	// KindTurnComplete signals the end of a pipeline run.
	// Data: request_id, thread_id, command, elapsed_ms.
	KindTurnComplete = "turn_complete"
	// KindSensorRead signals a sensor gateway fetch.
	// Data: metric, value, ok.
	KindSensorRead = "sensor_read"
	// KindLLMCall signals the start of a completion service call.
	// Data: request_id, model, messages.
	KindLLMCall = "llm_call"
	// KindLLMResponse signals completion of a completion service call.
	// Data: request_id, model, response_len.
	KindLLMResponse = "llm_response"
	// KindCommandApplied signals a command side effect was committed.
	// Data: request_id, command.
	KindCommandApplied = "command_applied"
	// KindNotifySent signals an outbound notification was delivered.
	// Data: length.
	KindNotifySent = "notify_sent"
	// KindLocationUpdate signals a location cache refresh.
	// Data: address.
	KindLocationUpdate = "location_update"
)

// Event represents a single operational event published by a component.
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
	// back to the bidirectional channel stored in subs. This allows
	// Unsubscribe to accept <-chan Event (the caller's view) without
	// an illegal type conversion.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full, drop the event rather than block.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer; 64 is a reasonable default for
// WebSocket consumers.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
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
