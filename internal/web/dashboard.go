package web

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/yuin/goldmark"

	"github.com/aida-agent/aida/internal/buildinfo"
	"github.com/aida-agent/aida/internal/session"
	"github.com/aida-agent/aida/internal/stats"
)

//go:embed templates/*.html
var templateFiles embed.FS

var dashboardTemplate = template.Must(
	template.ParseFS(templateFiles, "templates/dashboard.html"),
)

type dashboardData struct {
	Version      string
	Uptime       string
	Model        string
	Sessions     session.Counts
	Stats        stats.Summary
	Instructions template.HTML
}

// handleDashboard renders the operator overview page.
func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	// "GET /" matches every unrouted path; anything else is a 404.
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	data := dashboardData{
		Version: buildinfo.Version,
		Uptime:  formatDuration(buildinfo.Uptime()),
	}
	if s.cfg != nil {
		data.Model = s.cfg.OpenAI.Model
	}
	if s.store != nil {
		if counts, err := s.store.Counts(); err == nil {
			data.Sessions = counts
		}
	}
	if s.stats != nil {
		data.Stats = s.stats.Summary()
	}
	if s.agent != nil {
		data.Instructions = renderMarkdown(s.agent.Instructions())
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := dashboardTemplate.Execute(w, data); err != nil {
		s.logger.Error("template render failed", "error", err)
	}
}

// renderMarkdown converts the instructions markdown into HTML for the
// dashboard. The text is operator-authored, not user input.
func renderMarkdown(md string) template.HTML {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		return template.HTML("<pre>" + template.HTMLEscapeString(md) + "</pre>")
	}
	return template.HTML(buf.String())
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	if d < 24*time.Hour {
		return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
	}
	days := int(d.Hours()) / 24
	return fmt.Sprintf("%dd %dh", days, int(d.Hours())%24)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// handleEvents streams bus events to the client as JSON frames over a
// WebSocket. Slow clients lose events rather than stalling publishers.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "event bus not configured")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ch := s.bus.Subscribe(64)
	defer s.bus.Unsubscribe(ch)

	// Reads are discarded; a read error signals the client went away.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(event); err != nil {
				s.logger.Debug("event stream write failed", "error", err)
				return
			}
		}
	}
}
