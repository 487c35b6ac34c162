// Package agent implements the conversation orchestrator: the turn
// loop that sends inbound messages to the completion service, executes
// requested tools through the sanitizer, and persists the continuation
// token on finalization.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/aida-agent/aida/internal/completion"
	"github.com/aida-agent/aida/internal/config"
	"github.com/aida-agent/aida/internal/events"
	"github.com/aida-agent/aida/internal/language"
	"github.com/aida-agent/aida/internal/sanitize"
	"github.com/aida-agent/aida/internal/session"
	"github.com/aida-agent/aida/internal/tools"
)

// Orchestrator drives turns for all sessions. Turns for the same
// session are serialized through a keyed lock table; turns for distinct
// sessions run in parallel.
type Orchestrator struct {
	logger    *slog.Logger
	store     session.Store
	client    completion.Client
	registry  *tools.Registry
	sanitizer *sanitize.Sanitizer
	bus       *events.Bus

	instrMu      sync.RWMutex
	instructions string
	instrPath    string

	maxIterations int
	turnTimeout   time.Duration

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates an orchestrator. The instructions file is read once at
// startup; an empty path selects the built-in persona.
func New(cfg config.AgentConfig, store session.Store, client completion.Client, registry *tools.Registry, bus *events.Bus, logger *slog.Logger) (*Orchestrator, error) {
	if logger == nil {
		logger = slog.Default()
	}

	instructions, err := loadInstructions(cfg.InstructionsFile)
	if err != nil {
		return nil, fmt.Errorf("loading instructions: %w", err)
	}

	maxIterations := cfg.MaxToolIterations
	if maxIterations <= 0 {
		maxIterations = 4
	}

	return &Orchestrator{
		logger:        logger,
		store:         store,
		client:        client,
		registry:      registry,
		sanitizer:     sanitize.New(nil),
		bus:           bus,
		instructions:  instructions,
		instrPath:     cfg.InstructionsFile,
		maxIterations: maxIterations,
		turnTimeout:   time.Duration(cfg.TurnTimeoutSec) * time.Second,
		locks:         make(map[string]*sync.Mutex),
	}, nil
}

// Instructions returns the active system instructions, without any
// per-contact language hint.
func (o *Orchestrator) Instructions() string {
	o.instrMu.RLock()
	defer o.instrMu.RUnlock()
	return o.instructions
}

// ReloadInstructions re-reads the instructions file so edits take
// effect without a restart. In-flight turns keep the text they started
// with.
func (o *Orchestrator) ReloadInstructions() error {
	instructions, err := loadInstructions(o.instrPath)
	if err != nil {
		return fmt.Errorf("reloading instructions: %w", err)
	}
	o.instrMu.Lock()
	o.instructions = instructions
	o.instrMu.Unlock()
	o.logger.Info("instructions reloaded", "path", o.instrPath, "len", len(instructions))
	return nil
}

// sessionLock returns the mutex for a session, creating it on first
// use. Locks are never removed; the table grows with the session count,
// which is bounded by the contact population.
func (o *Orchestrator) sessionLock(sessionID string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	lock, ok := o.locks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		o.locks[sessionID] = lock
	}
	return lock
}

// ProcessTurn runs one full turn for a contact and returns the reply
// text. A newer message for the same session queues behind the
// in-flight turn rather than preempting it.
func (o *Orchestrator) ProcessTurn(ctx context.Context, contact, text string) (string, error) {
	sessionID, err := o.store.SessionFor(contact)
	if err != nil {
		return "", fmt.Errorf("resolving session: %w", err)
	}

	lock := o.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	if o.turnTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.turnTimeout)
		defer cancel()
	}

	anchor, err := o.store.ContinuationToken(sessionID)
	if err != nil {
		return "", fmt.Errorf("loading continuation token: %w", err)
	}

	logger := o.logger.With("contact", contact, "session", sessionID)
	logger.Info("turn started", "anchored", anchor != "", "message_len", len(text))
	o.publish(events.KindTurnStart, map[string]any{
		"contact": contact, "session_id": sessionID, "anchored": anchor != "",
	})

	start := time.Now()
	items := []completion.InputItem{
		{Role: completion.RoleSystem, Text: o.instructionsFor(contact)},
		{Role: completion.RoleUser, Text: text},
	}

	for iter := 0; ; iter++ {
		o.publish(events.KindCompletionCall, map[string]any{
			"contact": contact, "session_id": sessionID, "iter": iter,
		})
		result, err := o.client.SendTurn(ctx, completion.Request{
			Items:  items,
			Anchor: anchor,
			Tools:  o.registry.Schemas(),
		})
		if err != nil {
			logger.Error("turn failed", "iter", iter, "error", err)
			o.publish(events.KindTurnFailed, map[string]any{
				"contact": contact, "session_id": sessionID, "error": err.Error(),
			})
			return "", fmt.Errorf("completion turn: %w", err)
		}

		if !result.Pending() {
			// The only place a token is ever persisted.
			if err := o.store.SetContinuationToken(sessionID, result.Token); err != nil {
				logger.Error("persisting continuation token", "error", err)
			}
			logger.Info("turn complete",
				"iterations", iter,
				"reply_len", len(result.Text),
				"elapsed_ms", time.Since(start).Milliseconds(),
			)
			o.publish(events.KindTurnComplete, map[string]any{
				"contact": contact, "session_id": sessionID,
				"iterations": iter, "reply_len": len(result.Text),
				"elapsed_ms": time.Since(start).Milliseconds(),
			})
			return result.Text, nil
		}

		if iter >= o.maxIterations {
			// The pending response's token is not a valid anchor, so
			// nothing is persisted; the next turn resumes from the
			// last finalized token.
			logger.Error("tool loop exceeded",
				"iterations", iter, "pending_calls", len(result.ToolCalls))
			o.publish(events.KindTurnComplete, map[string]any{
				"contact": contact, "session_id": sessionID,
				"iterations": iter, "reply_len": len(result.Text),
				"elapsed_ms":         time.Since(start).Milliseconds(),
				"tool_loop_exceeded": true,
			})
			return result.Text, nil
		}

		for _, call := range result.ToolCalls {
			payload := o.executeToolCall(ctx, logger, contact, call)
			items = append(items, completion.InputItem{
				Role: completion.RoleUser,
				Text: fmt.Sprintf("Function %s returned: %s", call.Name, payload),
			})
		}
		// anchor stays at the pre-turn finalized token: anchoring to
		// the tool-pending response would be rejected by the service.
	}
}

// executeToolCall runs one requested tool and always returns a JSON
// payload: either the tool's own result or an error document the model
// can recover from. The conversation is never aborted by a tool
// failure.
func (o *Orchestrator) executeToolCall(ctx context.Context, logger *slog.Logger, contact string, call completion.ToolCall) string {
	logger.Debug("tool requested", "tool", call.Name, "call_id", call.CallID)
	o.publish(events.KindToolCall, map[string]any{
		"contact": contact, "tool": call.Name, "call_id": call.CallID,
	})

	start := time.Now()
	result, err := o.runTool(ctx, contact, call)
	ok := err == nil
	if !ok {
		logger.Warn("tool failed", "tool", call.Name, "error", err)
		result = errorPayload(err)
	}

	o.publish(events.KindToolDone, map[string]any{
		"contact": contact, "tool": call.Name, "ok": ok,
		"duration_ms": time.Since(start).Milliseconds(),
	})
	return result
}

func (o *Orchestrator) runTool(ctx context.Context, contact string, call completion.ToolCall) (string, error) {
	args := make(map[string]any)
	if strings.TrimSpace(call.Arguments) != "" {
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			return "", fmt.Errorf("invalid tool arguments: %w", err)
		}
	}

	safe, err := o.sanitizer.Sanitize(call.Name, args, contact)
	if err != nil {
		return "", err
	}

	return o.registry.Execute(ctx, call.Name, safe)
}

// instructionsFor appends the per-contact language hint when a stored
// preference exists.
func (o *Orchestrator) instructionsFor(contact string) string {
	base := o.Instructions()
	tag, err := o.store.Language(contact)
	if err != nil || tag == "" {
		return base
	}
	return base + "\n\nReply in " + language.Name(tag) + "."
}

func (o *Orchestrator) publish(kind string, data map[string]any) {
	o.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceAgent,
		Kind:      kind,
		Data:      data,
	})
}

// errorPayload encodes a tool failure the way a successful tool result
// is encoded, so the model can read it and recover in conversation.
func errorPayload(err error) string {
	payload, marshalErr := json.Marshal(map[string]any{
		"error":   err.Error(),
		"success": false,
	})
	if marshalErr != nil {
		return `{"error": "internal error", "success": false}`
	}
	return string(payload)
}
