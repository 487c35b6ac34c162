// Package stats aggregates bus events into the counters and recent
// error ring served by the diagnostics API.
package stats

import (
	"sync"
	"time"

	"github.com/aida-agent/aida/internal/events"
)

// recentErrorCap bounds the error ring.
const recentErrorCap = 20

// ErrorEntry is one recorded failure.
type ErrorEntry struct {
	Timestamp time.Time `json:"ts"`
	Source    string    `json:"source"`
	Error     string    `json:"error"`
}

// Summary is a point-in-time snapshot of the collected counters.
type Summary struct {
	Since             time.Time    `json:"since"`
	MessagesReceived  int64        `json:"messages_received"`
	MessagesSent      int64        `json:"messages_sent"`
	MessagesSkipped   int64        `json:"messages_skipped"`
	TurnsCompleted    int64        `json:"turns_completed"`
	TurnsFailed       int64        `json:"turns_failed"`
	ToolCalls         int64        `json:"tool_calls"`
	ToolFailures      int64        `json:"tool_failures"`
	HumanTakeovers    int64        `json:"human_takeovers"`
	RecentErrors      []ErrorEntry `json:"recent_errors"`
}

// Collector subscribes to the event bus and maintains counters. Create
// with NewCollector and release with Stop.
type Collector struct {
	bus *events.Bus
	ch  <-chan events.Event

	mu      sync.Mutex
	since   time.Time
	summary Summary
	errors  []ErrorEntry

	done chan struct{}
}

// NewCollector subscribes to the bus and starts collecting.
func NewCollector(bus *events.Bus) *Collector {
	c := &Collector{
		bus:   bus,
		ch:    bus.Subscribe(256),
		since: time.Now(),
		done:  make(chan struct{}),
	}
	go c.run()
	return c
}

// Stop unsubscribes and ends collection.
func (c *Collector) Stop() {
	c.bus.Unsubscribe(c.ch)
	<-c.done
}

// Summary returns a copy of the current counters.
func (c *Collector) Summary() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.summary
	s.Since = c.since
	s.RecentErrors = append([]ErrorEntry(nil), c.errors...)
	return s
}

func (c *Collector) run() {
	defer close(c.done)
	for ev := range c.ch {
		c.record(ev)
	}
}

func (c *Collector) record(ev events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch ev.Kind {
	case events.KindMessageReceived:
		c.summary.MessagesReceived++
	case events.KindMessageSent:
		c.summary.MessagesSent++
	case events.KindMessageSkipped:
		c.summary.MessagesSkipped++
	case events.KindTurnComplete:
		c.summary.TurnsCompleted++
	case events.KindTurnFailed:
		c.summary.TurnsFailed++
		c.addError(ev)
	case events.KindToolCall:
		c.summary.ToolCalls++
	case events.KindToolDone:
		if ok, _ := ev.Data["ok"].(bool); !ok {
			c.summary.ToolFailures++
		}
	case events.KindHumanTakeover:
		c.summary.HumanTakeovers++
	}
}

func (c *Collector) addError(ev events.Event) {
	text, _ := ev.Data["error"].(string)
	c.errors = append(c.errors, ErrorEntry{
		Timestamp: ev.Timestamp,
		Source:    ev.Source,
		Error:     text,
	})
	if len(c.errors) > recentErrorCap {
		c.errors = c.errors[len(c.errors)-recentErrorCap:]
	}
}
