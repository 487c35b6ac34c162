package web

import (
	"net/http"

	"github.com/aida-agent/aida/internal/buildinfo"
	"github.com/aida-agent/aida/internal/session"
	"github.com/aida-agent/aida/internal/stats"
)

// Diagnostics is the response body of GET /api/diagnostics.
type Diagnostics struct {
	// Status is pass, warn, or fail.
	Status string `json:"status"`
	// Stamped is false for local builds without version metadata,
	// which usually means a stale or hand-rolled deployment.
	Stamped     bool              `json:"stamped"`
	Build       map[string]string `json:"build"`
	Credentials map[string]bool   `json:"credentials"`
	Settings    map[string]any    `json:"settings"`
	Sessions    session.Counts    `json:"sessions"`
	Stats       stats.Summary     `json:"stats"`
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	d := Diagnostics{
		Status:  "pass",
		Stamped: buildinfo.Stamped(),
		Build:   buildinfo.Info(),
		Credentials: map[string]bool{
			"openai_api_key": s.cfg.OpenAI.APIKey != "",
			"crm_api_key":    s.cfg.CRM.APIKey != "",
			"crm_api_secret": s.cfg.CRM.APISecret != "",
			"whatsapp_token": s.cfg.WhatsApp.Token != "",
		},
		// Settings snapshot with secrets redacted: only non-credential
		// values appear here.
		Settings: map[string]any{
			"model":                  s.cfg.OpenAI.Model,
			"max_tool_iterations":    s.cfg.Agent.MaxToolIterations,
			"turn_timeout_seconds":   s.cfg.Agent.TurnTimeoutSec,
			"human_cooldown_seconds": s.cfg.Gate.HumanCooldownSec,
			"rate_limit_per_minute":  s.cfg.Gate.RateLimitPerMinute,
			"gateway_url":            s.cfg.WhatsApp.GatewayURL,
			"crm_base_url":           s.cfg.CRM.BaseURL,
			"data_dir":               s.cfg.DataDir,
			"mqtt_enabled":           s.cfg.MQTT.Enabled,
		},
	}

	if s.store != nil {
		counts, err := s.store.Counts()
		if err != nil {
			s.logger.Error("diagnostics: reading session counts", "error", err)
			d.Status = "fail"
		}
		d.Sessions = counts
	}
	if s.stats != nil {
		d.Stats = s.stats.Summary()
	}

	if d.Status == "pass" {
		switch {
		case !d.Credentials["openai_api_key"]:
			d.Status = "fail"
		case !d.Credentials["crm_api_key"], !d.Credentials["whatsapp_token"],
			!d.Stamped, len(d.Stats.RecentErrors) > 0:
			d.Status = "warn"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, d, s.logger)
}
