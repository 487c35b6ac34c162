// Package gate filters inbound messages before they reach the
// orchestrator: non-primary content is dropped, contacts with a recent
// human operator reply are suppressed for a cooldown window, and a
// per-contact rate limit caps automated replies.
package gate

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/aida-agent/aida/internal/config"
	"github.com/aida-agent/aida/internal/events"
	"github.com/aida-agent/aida/internal/language"
	"github.com/aida-agent/aida/internal/session"
)

// Deny reasons, surfaced in logs and skip events.
const (
	ReasonNonPrimary    = "non_primary_type"
	ReasonEmptyMessage  = "empty_message"
	ReasonHumanCooldown = "human_cooldown"
	ReasonRateLimited   = "rate_limited"
)

// primaryTypes are the inbound message types that carry conversational
// content. Everything else (reactions, receipts, presence updates,
// system notices) never reaches the orchestrator.
var primaryTypes = map[string]bool{
	"text": true,
	"chat": true,
}

// Decision is the gate's verdict on one inbound message.
type Decision struct {
	// Allow means the orchestrator may produce an automated reply.
	Allow bool
	// Record means the message should still be written to the record
	// store even when no reply is produced. Cooldown-suppressed
	// messages stay in history; dropped non-content events do not.
	Record bool
	// Reason names the deny rule when Allow is false.
	Reason string
}

// Gate evaluates inbound messages. Safe for concurrent use.
type Gate struct {
	logger   *slog.Logger
	store    session.Store
	bus      *events.Bus
	cooldown time.Duration
	limit    int

	mu     sync.Mutex
	recent map[string][]time.Time

	now func() time.Time
}

// New creates a gate from configuration.
func New(cfg config.GateConfig, store session.Store, bus *events.Bus, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		logger:   logger,
		store:    store,
		bus:      bus,
		cooldown: time.Duration(cfg.HumanCooldownSec) * time.Second,
		limit:    cfg.RateLimitPerMinute,
		recent:   make(map[string][]time.Time),
		now:      time.Now,
	}
}

// CheckInbound evaluates one inbound message. An allowed verdict
// consumes a rate-limit slot for the contact.
func (g *Gate) CheckInbound(contact, msgType, text string) Decision {
	if !primaryTypes[msgType] {
		return g.deny(contact, ReasonNonPrimary, false)
	}
	if strings.TrimSpace(text) == "" {
		return g.deny(contact, ReasonEmptyMessage, false)
	}

	if g.cooldown > 0 {
		marker, err := g.store.HumanActivity(contact)
		if err != nil {
			g.logger.Warn("reading human activity marker", "contact", contact, "error", err)
		} else if !marker.IsZero() && g.now().Sub(marker) < g.cooldown {
			return g.deny(contact, ReasonHumanCooldown, true)
		}
	}

	if !g.takeRateSlot(contact) {
		return g.deny(contact, ReasonRateLimited, true)
	}

	return Decision{Allow: true, Record: true}
}

// MarkHumanOutbound records that a human operator replied to the
// contact, starting the cooldown window.
func (g *Gate) MarkHumanOutbound(contact string) {
	if err := g.store.MarkHumanActivity(contact, g.now()); err != nil {
		g.logger.Error("marking human activity", "contact", contact, "error", err)
		return
	}
	g.logger.Info("human takeover observed", "contact", contact)
	g.bus.Publish(events.Event{
		Timestamp: g.now(),
		Source:    events.SourceGate,
		Kind:      events.KindHumanTakeover,
		Data:      map[string]any{"contact": contact},
	})
}

// RefreshLanguage detects the message language and stores it when it
// differs from the current preference. Advisory only.
func (g *Gate) RefreshLanguage(contact, text string) {
	tag := language.Detect(text)
	current, err := g.store.Language(contact)
	if err != nil {
		g.logger.Warn("reading language preference", "contact", contact, "error", err)
		return
	}
	if current == tag {
		return
	}
	if err := g.store.SetLanguage(contact, tag); err != nil {
		g.logger.Warn("storing language preference", "contact", contact, "error", err)
		return
	}
	g.logger.Debug("language preference updated", "contact", contact, "tag", tag)
}

// takeRateSlot consumes one reply slot in the contact's sliding
// one-minute window. A limit of zero disables the cap.
func (g *Gate) takeRateSlot(contact string) bool {
	if g.limit <= 0 {
		return true
	}
	now := g.now()
	cutoff := now.Add(-time.Minute)

	g.mu.Lock()
	defer g.mu.Unlock()

	window := g.recent[contact]
	kept := window[:0]
	for _, ts := range window {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= g.limit {
		g.recent[contact] = kept
		return false
	}
	g.recent[contact] = append(kept, now)
	return true
}

func (g *Gate) deny(contact, reason string, record bool) Decision {
	g.logger.Debug("message suppressed", "contact", contact, "reason", reason)
	g.bus.Publish(events.Event{
		Timestamp: g.now(),
		Source:    events.SourceGate,
		Kind:      events.KindMessageSkipped,
		Data:      map[string]any{"contact": contact, "reason": reason},
	})
	return Decision{Allow: false, Record: record, Reason: reason}
}
