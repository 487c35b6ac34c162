package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/aida-agent/aida/internal/config"
	"github.com/aida-agent/aida/internal/httpkit"
)

// Sender delivers outbound messages through the gateway's REST API.
type Sender struct {
	apiURL string
	token  string
	client *http.Client
	logger *slog.Logger
}

// NewSender creates a sender from configuration.
func NewSender(cfg config.WhatsAppConfig, logger *slog.Logger) *Sender {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sender{
		apiURL: cfg.APIURL,
		token:  cfg.Token,
		client: httpkit.NewClient(
			httpkit.WithTimeout(30*time.Second),
			httpkit.WithRetry(3, 2*time.Second),
		),
		logger: logger,
	}
}

// SendText sends one text message and returns the gateway-assigned
// message id.
func (s *Sender) SendText(ctx context.Context, to, text string) (string, error) {
	body, err := json.Marshal(map[string]string{"to": to, "text": text})
	if err != nil {
		return "", fmt.Errorf("marshal send request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.apiURL+"/api/send", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create send request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("gateway send failed (%d): %s",
			resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 512))
	}

	var result struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode send response: %w", err)
	}

	s.logger.Debug("message sent", "to", to, "id", result.ID, "len", len(text))
	return result.ID, nil
}
