package whatsapp

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/aida-agent/aida/internal/crm"
	"github.com/aida-agent/aida/internal/events"
	"github.com/aida-agent/aida/internal/gate"
)

// Conversation produces a reply for one inbound message.
type Conversation interface {
	ProcessTurn(ctx context.Context, contact, text string) (string, error)
}

// RecordStore is the slice of the CRM client the bridge needs.
type RecordStore interface {
	FindOrCreateContact(ctx context.Context, phone string) (*crm.Contact, error)
	RecordMessage(ctx context.Context, msg crm.Message) error
}

// TextSender delivers outbound text and returns the message id.
type TextSender interface {
	SendText(ctx context.Context, to, text string) (string, error)
}

// selfSentCap bounds the set of tracked own message ids.
const selfSentCap = 512

// Bridge consumes gateway message events and drives the pipeline:
// gate, record store, orchestrator, sender. It tracks the ids of
// messages it sent itself so that outbound events from a human operator
// can be told apart and start the takeover cooldown.
type Bridge struct {
	logger  *slog.Logger
	gate    *gate.Gate
	agent   Conversation
	records RecordStore
	sender  TextSender
	bus     *events.Bus

	mu        sync.Mutex
	selfSent  map[string]struct{}
	sentOrder []string
}

// NewBridge wires the pipeline components together.
func NewBridge(g *gate.Gate, agent Conversation, records RecordStore, sender TextSender, bus *events.Bus, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		logger:   logger,
		gate:     g,
		agent:    agent,
		records:  records,
		sender:   sender,
		bus:      bus,
		selfSent: make(map[string]struct{}),
	}
}

// Run consumes events with a pool of workers until the channel closes.
// Per-session ordering is enforced by the orchestrator's lock table, so
// workers need no coordination here.
func (b *Bridge) Run(ctx context.Context, eventCh <-chan MessageEvent, workers int) {
	if workers <= 0 {
		workers = 4
	}
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ev := range eventCh {
				b.HandleEvent(ctx, ev)
			}
		}()
	}
	wg.Wait()
}

// HandleEvent processes one gateway event.
func (b *Bridge) HandleEvent(ctx context.Context, ev MessageEvent) {
	switch ev.Direction {
	case "in":
		b.handleInbound(ctx, ev)
	case "out":
		b.handleOutbound(ctx, ev)
	default:
		b.logger.Debug("ignoring event with unknown direction", "direction", ev.Direction)
	}
}

func (b *Bridge) handleInbound(ctx context.Context, ev MessageEvent) {
	logger := b.logger.With("contact", ev.Contact)
	b.publish(events.KindMessageReceived, map[string]any{
		"contact": ev.Contact, "message_len": len(ev.Text),
	})

	decision := b.gate.CheckInbound(ev.Contact, ev.Type, ev.Text)
	if decision.Record {
		b.recordMessage(ctx, ev.Contact, "in", ev.Text, false)
	}
	if !decision.Allow {
		logger.Info("inbound message suppressed", "reason", decision.Reason)
		return
	}

	b.gate.RefreshLanguage(ev.Contact, ev.Text)

	reply, err := b.agent.ProcessTurn(ctx, ev.Contact, ev.Text)
	if err != nil {
		logger.Error("turn failed, no reply sent", "error", err)
		return
	}
	if reply == "" {
		logger.Info("empty reply, delivery suppressed")
		return
	}

	id, err := b.sender.SendText(ctx, ev.Contact, reply)
	if err != nil {
		logger.Error("sending reply", "error", err)
		return
	}
	b.trackSelfSent(id)
	b.publish(events.KindMessageSent, map[string]any{
		"contact": ev.Contact, "message_len": len(reply),
	})
	b.recordMessage(ctx, ev.Contact, "out", reply, true)
}

// handleOutbound attributes an outbound event: own ids are dropped,
// anything else was written by a human operator and starts the
// cooldown.
func (b *Bridge) handleOutbound(ctx context.Context, ev MessageEvent) {
	if b.wasSelfSent(ev.ID) {
		return
	}
	b.gate.MarkHumanOutbound(ev.Contact)
	b.recordMessage(ctx, ev.Contact, "out", ev.Text, false)
}

// recordMessage writes to the record store best-effort. Delivery
// already happened (or is about to); a CRM hiccup must not break the
// conversation.
func (b *Bridge) recordMessage(ctx context.Context, contact, direction, text string, automated bool) {
	c, err := b.records.FindOrCreateContact(ctx, contact)
	if err != nil {
		b.logger.Warn("resolving CRM contact", "contact", contact, "error", err)
		return
	}
	err = b.records.RecordMessage(ctx, crm.Message{
		ContactID: c.ID,
		Direction: direction,
		Text:      text,
		Automated: automated,
	})
	if err != nil {
		b.logger.Warn("recording message", "contact", contact, "error", err)
	}
}

func (b *Bridge) trackSelfSent(id string) {
	if id == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.selfSent[id] = struct{}{}
	b.sentOrder = append(b.sentOrder, id)
	for len(b.sentOrder) > selfSentCap {
		delete(b.selfSent, b.sentOrder[0])
		b.sentOrder = b.sentOrder[1:]
	}
}

func (b *Bridge) wasSelfSent(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.selfSent[id]; ok {
		delete(b.selfSent, id)
		return true
	}
	return false
}

func (b *Bridge) publish(kind string, data map[string]any) {
	b.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceWhatsApp,
		Kind:      kind,
		Data:      data,
	})
}
