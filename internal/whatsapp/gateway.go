// Package whatsapp connects the agent to a WhatsApp gateway: a
// WebSocket event stream for inbound and outbound message events, and a
// small REST API for sending messages. The bridge in this package wires
// the stream through the inbound gate into the orchestrator.
package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aida-agent/aida/internal/config"
)

// MessageEvent is one message observed by the gateway, in either
// direction. Contact is the customer's number regardless of direction.
type MessageEvent struct {
	ID        string `json:"id"`
	Direction string `json:"direction"` // "in" or "out"
	Contact   string `json:"contact"`
	Type      string `json:"type"`
	Text      string `json:"text"`
	Timestamp int64  `json:"ts"`
}

// wsFrame is the generic gateway frame format.
type wsFrame struct {
	Type    string        `json:"type"`
	Message *MessageEvent `json:"message,omitempty"`
	Reason  string        `json:"reason,omitempty"`
}

// Gateway maintains the WebSocket connection to the gateway's event
// stream, reconnecting with backoff until its context is cancelled.
type Gateway struct {
	gatewayURL string
	token      string
	logger     *slog.Logger

	connMu sync.Mutex
	conn   *websocket.Conn

	events chan MessageEvent
}

// NewGateway creates a gateway client from configuration.
func NewGateway(cfg config.WhatsAppConfig, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		gatewayURL: cfg.GatewayURL,
		token:      cfg.Token,
		logger:     logger,
		events:     make(chan MessageEvent, 100),
	}
}

// Events returns the channel of decoded message events. The channel is
// closed when Run returns.
func (g *Gateway) Events() <-chan MessageEvent {
	return g.events
}

// Run connects and reads until ctx is cancelled, reconnecting with
// capped exponential backoff on failure.
func (g *Gateway) Run(ctx context.Context) error {
	defer close(g.events)

	backoff := time.Second
	for {
		err := g.connect(ctx)
		if err == nil {
			backoff = time.Second
			err = g.readLoop(ctx)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		g.logger.Error("gateway connection lost", "error", err, "retry_in", backoff)
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

// Close closes the current connection, if any.
func (g *Gateway) Close() error {
	g.connMu.Lock()
	defer g.connMu.Unlock()
	if g.conn != nil {
		return g.conn.Close()
	}
	return nil
}

// connect dials the event stream and completes the auth handshake.
func (g *Gateway) connect(ctx context.Context) error {
	u, err := url.Parse(g.gatewayURL)
	if err != nil {
		return fmt.Errorf("parse gateway URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path = "/ws"

	g.logger.Info("connecting to WhatsApp gateway", "url", u.String())

	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial gateway: %w", err)
	}

	var hello wsFrame
	if err := conn.ReadJSON(&hello); err != nil {
		conn.Close()
		return fmt.Errorf("read auth_required: %w", err)
	}
	if hello.Type != "auth_required" {
		conn.Close()
		return fmt.Errorf("expected auth_required, got %s", hello.Type)
	}

	if err := conn.WriteJSON(map[string]string{"type": "auth", "token": g.token}); err != nil {
		conn.Close()
		return fmt.Errorf("send auth: %w", err)
	}

	var authResp wsFrame
	if err := conn.ReadJSON(&authResp); err != nil {
		conn.Close()
		return fmt.Errorf("read auth response: %w", err)
	}
	switch authResp.Type {
	case "auth_ok":
	case "auth_invalid":
		conn.Close()
		return fmt.Errorf("gateway rejected token: %s", authResp.Reason)
	default:
		conn.Close()
		return fmt.Errorf("unexpected auth response: %s", authResp.Type)
	}

	g.connMu.Lock()
	g.conn = conn
	g.connMu.Unlock()

	g.logger.Info("gateway authenticated")
	return nil
}

// readLoop decodes frames until the connection drops.
func (g *Gateway) readLoop(ctx context.Context) error {
	g.connMu.Lock()
	conn := g.conn
	g.connMu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}

	// Unblock ReadJSON on shutdown.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		var frame wsFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				g.logger.Info("gateway closed connection")
				return nil
			}
			return fmt.Errorf("read frame: %w", err)
		}

		switch frame.Type {
		case "message":
			if frame.Message == nil {
				continue
			}
			select {
			case g.events <- *frame.Message:
			default:
				g.logger.Warn("event channel full, dropping message event",
					"id", frame.Message.ID, "contact", frame.Message.Contact)
			}
		case "ping":
			g.writeJSON(map[string]string{"type": "pong"})
		case "pong":
		default:
			g.logger.Debug("unhandled gateway frame", "type", frame.Type)
		}
	}
}

func (g *Gateway) writeJSON(v any) {
	g.connMu.Lock()
	defer g.connMu.Unlock()
	if g.conn == nil {
		return
	}
	if err := g.conn.WriteJSON(v); err != nil {
		g.logger.Debug("gateway write failed", "error", err)
	}
}
