package whatsapp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aida-agent/aida/internal/config"
)

// fakeGatewayServer speaks the gateway handshake and then runs serve
// with the accepted connection.
func fakeGatewayServer(t *testing.T, token string, serve func(*websocket.Conn)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws" {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		conn.WriteJSON(map[string]string{"type": "auth_required"})

		var auth struct {
			Type  string `json:"type"`
			Token string `json:"token"`
		}
		if err := conn.ReadJSON(&auth); err != nil {
			t.Errorf("read auth: %v", err)
			return
		}
		if auth.Type != "auth" || auth.Token != token {
			conn.WriteJSON(map[string]string{"type": "auth_invalid", "reason": "bad token"})
			return
		}
		conn.WriteJSON(map[string]string{"type": "auth_ok"})

		if serve != nil {
			serve(conn)
		}
	}))
}

func TestGatewayReceivesMessageEvents(t *testing.T) {
	srv := fakeGatewayServer(t, "secret", func(conn *websocket.Conn) {
		conn.WriteJSON(map[string]any{
			"type": "message",
			"message": map[string]any{
				"id":        "in.1",
				"direction": "in",
				"contact":   "15551230001",
				"type":      "text",
				"text":      "Buongiorno",
			},
		})
		// Hold the connection open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer srv.Close()

	g := NewGateway(config.WhatsAppConfig{GatewayURL: srv.URL, Token: "secret"}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- g.Run(ctx) }()

	select {
	case ev := <-g.Events():
		if ev.Contact != "15551230001" || ev.Text != "Buongiorno" || ev.Direction != "in" {
			t.Errorf("event = %+v", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no event received")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestGatewayRejectedToken(t *testing.T) {
	srv := fakeGatewayServer(t, "secret", nil)
	defer srv.Close()

	g := NewGateway(config.WhatsAppConfig{GatewayURL: srv.URL, Token: "wrong"}, nil)
	if err := g.connect(context.Background()); err == nil {
		t.Fatal("connect succeeded with a bad token")
	}
}

func TestGatewayReconnects(t *testing.T) {
	accepts := make(chan struct{}, 4)
	srv := fakeGatewayServer(t, "secret", func(conn *websocket.Conn) {
		accepts <- struct{}{}
		// Drop the connection immediately to force a reconnect.
	})
	defer srv.Close()

	g := NewGateway(config.WhatsAppConfig{GatewayURL: srv.URL, Token: "secret"}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- g.Run(ctx) }()

	for i := 0; i < 2; i++ {
		select {
		case <-accepts:
		case <-time.After(10 * time.Second):
			t.Fatalf("connection %d never arrived", i+1)
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
