// Package events provides a publish/subscribe event bus for operational
// observability. Events flow from components (inbound gate, orchestrator,
// WhatsApp bridge) to subscribers (WebSocket handler, stats collector,
// MQTT publisher). The bus is nil-safe: calling Publish on a nil *Bus is
// a no-op, so components do not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceAgent identifies events from the conversation orchestrator.
	SourceAgent = "agent"
	// SourceGate identifies events from the inbound gate.
	SourceGate = "gate"
	// SourceWhatsApp identifies events from the WhatsApp bridge.
	SourceWhatsApp = "whatsapp"
	// SourceWeb identifies events from the web/API surface.
	SourceWeb = "web"
)

// Kind constants describe the type of event within a source.
const (
	// KindTurnStart signals the beginning of an orchestrator turn.
	// Data: contact, session_id, anchored.
	KindTurnStart = "turn_start"
	// KindCompletionCall signals the start of a completion API call.
	// Data: contact, session_id, iter.
	KindCompletionCall = "completion_call"
	// KindToolCall signals the start of a tool execution.
	// Data: contact, tool, call_id.
	KindToolCall = "tool_call"
	// KindToolDone signals completion of a tool execution.
	// Data: contact, tool, ok, duration_ms.
	KindToolDone = "tool_done"
	// KindTurnComplete signals the end of an orchestrator turn.
	// Data: contact, session_id, iterations, reply_len, elapsed_ms.
	KindTurnComplete = "turn_complete"
	// KindTurnFailed signals a turn that surfaced a fatal error.
	// Data: contact, session_id, error.
	KindTurnFailed = "turn_failed"

	// KindMessageReceived signals an inbound WhatsApp message.
	// Data: contact, message_len.
	KindMessageReceived = "message_received"
	// KindMessageSkipped signals an inbound message the gate dropped or
	// suppressed. Data: contact, reason.
	KindMessageSkipped = "message_skipped"
	// KindMessageSent signals an outbound automated reply.
	// Data: contact, message_len.
	KindMessageSent = "message_sent"
	// KindHumanTakeover signals a human-authored outbound message was
	// observed and the cooldown marker updated. Data: contact.
	KindHumanTakeover = "human_takeover"

	// KindSessionsReset signals the identity maps were cleared.
	// Data: cleared.
	KindSessionsReset = "sessions_reset"
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
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full — drop the event rather than block.
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
