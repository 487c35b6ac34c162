package completion

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aida-agent/aida/internal/config"
	"github.com/aida-agent/aida/internal/tools"
)

func testClient(t *testing.T, url string) *OpenAIClient {
	t.Helper()
	c := NewOpenAIClient(config.OpenAIConfig{
		APIKey:         "test-key",
		Model:          "gpt-4o",
		BaseURL:        url,
		TimeoutSeconds: 5,
	}, nil)
	c.baseDelay = time.Millisecond
	return c
}

func messageResponse(id, text string) string {
	return `{
		"id": "` + id + `",
		"object": "response",
		"status": "completed",
		"output": [
			{
				"type": "message",
				"id": "msg_1",
				"role": "assistant",
				"status": "completed",
				"content": [{"type": "output_text", "text": "` + text + `", "annotations": []}]
			}
		],
		"usage": {"input_tokens": 12, "output_tokens": 7, "total_tokens": 19}
	}`
}

func TestSendTurnDecodesTextAndToken(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(raw, &body); err != nil {
			t.Errorf("request body is not JSON: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, messageResponse("resp_abc", "Ciao Mario!"))
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	result, err := c.SendTurn(context.Background(), Request{
		Items: []InputItem{
			{Role: RoleSystem, Text: "You are a sales assistant."},
			{Role: RoleUser, Text: "Ciao"},
		},
		Anchor: "resp_prev",
		Tools: []tools.Schema{
			{Name: "search_products", Description: "Search the catalog", Parameters: map[string]any{"type": "object"}},
		},
	})
	if err != nil {
		t.Fatalf("SendTurn() error: %v", err)
	}

	if result.Text != "Ciao Mario!" {
		t.Errorf("Text = %q", result.Text)
	}
	if result.Token != "resp_abc" {
		t.Errorf("Token = %q", result.Token)
	}
	if result.Pending() {
		t.Error("text-only result should not be pending")
	}
	if result.InputTokens != 12 || result.OutputTokens != 7 {
		t.Errorf("usage = %d/%d", result.InputTokens, result.OutputTokens)
	}

	if body["previous_response_id"] != "resp_prev" {
		t.Errorf("previous_response_id = %v", body["previous_response_id"])
	}
	if body["store"] != true {
		t.Errorf("store = %v, want true", body["store"])
	}
	input, ok := body["input"].([]any)
	if !ok || len(input) != 2 {
		t.Fatalf("input = %v", body["input"])
	}
	first := input[0].(map[string]any)
	if first["role"] != "system" {
		t.Errorf("first item role = %v", first["role"])
	}
	toolDefs, ok := body["tools"].([]any)
	if !ok || len(toolDefs) != 1 {
		t.Fatalf("tools = %v", body["tools"])
	}
	if toolDefs[0].(map[string]any)["name"] != "search_products" {
		t.Errorf("tool def = %v", toolDefs[0])
	}
}

func TestSendTurnOmitsAnchorOnFirstTurn(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		json.Unmarshal(raw, &body)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, messageResponse("resp_first", "Benvenuto!"))
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	if _, err := c.SendTurn(context.Background(), Request{
		Items: []InputItem{{Role: RoleUser, Text: "Ciao"}},
	}); err != nil {
		t.Fatalf("SendTurn() error: %v", err)
	}

	if _, present := body["previous_response_id"]; present {
		t.Errorf("first turn must not carry previous_response_id: %v", body)
	}
}

func TestSendTurnDecodesToolCalls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{
			"id": "resp_pending",
			"object": "response",
			"status": "completed",
			"output": [
				{
					"type": "function_call",
					"id": "fc_1",
					"call_id": "call_123",
					"name": "search_products",
					"arguments": "{\"filter_value\": \"tiramisù\"}",
					"status": "completed"
				}
			],
			"usage": {"input_tokens": 30, "output_tokens": 15, "total_tokens": 45}
		}`)
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	result, err := c.SendTurn(context.Background(), Request{
		Items: []InputItem{{Role: RoleUser, Text: "Avete il tiramisù?"}},
	})
	if err != nil {
		t.Fatalf("SendTurn() error: %v", err)
	}

	if !result.Pending() {
		t.Fatal("tool-call result should be pending")
	}
	call := result.ToolCalls[0]
	if call.CallID != "call_123" || call.Name != "search_products" {
		t.Errorf("call = %+v", call)
	}
	if call.Arguments != `{"filter_value": "tiramisù"}` {
		t.Errorf("Arguments = %q", call.Arguments)
	}
	if result.Token != "resp_pending" {
		t.Errorf("Token = %q", result.Token)
	}
}

func TestSendTurnRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			io.WriteString(w, `{"error": {"message": "overloaded", "type": "server_error"}}`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, messageResponse("resp_retry", "Eccomi"))
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	result, err := c.SendTurn(context.Background(), Request{
		Items: []InputItem{{Role: RoleUser, Text: "Ciao"}},
	})
	if err != nil {
		t.Fatalf("SendTurn() error: %v", err)
	}
	if result.Token != "resp_retry" {
		t.Errorf("Token = %q", result.Token)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("server saw %d calls, want 3", got)
	}
}

func TestSendTurnExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
		io.WriteString(w, `{"error": {"message": "down", "type": "server_error"}}`)
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	_, err := c.SendTurn(context.Background(), Request{
		Items: []InputItem{{Role: RoleUser, Text: "Ciao"}},
	})

	var failed *TurnFailedError
	if !errors.As(err, &failed) {
		t.Fatalf("err = %v, want TurnFailedError", err)
	}
	if failed.Attempts != maxAttempts {
		t.Errorf("Attempts = %d, want %d", failed.Attempts, maxAttempts)
	}
	if got := calls.Load(); got != maxAttempts {
		t.Errorf("server saw %d calls, want %d", got, maxAttempts)
	}
}

func TestSendTurnDoesNotRetryBadRequest(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"error": {"message": "previous response not found", "type": "invalid_request_error"}}`)
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	_, err := c.SendTurn(context.Background(), Request{
		Items:  []InputItem{{Role: RoleUser, Text: "Ciao"}},
		Anchor: "resp_bogus",
	})

	var protocol *ProtocolError
	if !errors.As(err, &protocol) {
		t.Fatalf("err = %v, want ProtocolError", err)
	}
	if protocol.Status != http.StatusBadRequest {
		t.Errorf("Status = %d", protocol.Status)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("server saw %d calls, want exactly 1", got)
	}
}

func TestSendTurnRetriesRateLimit(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			io.WriteString(w, `{"error": {"message": "rate limited", "type": "rate_limit_error"}}`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, messageResponse("resp_429", "Ok"))
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	result, err := c.SendTurn(context.Background(), Request{
		Items: []InputItem{{Role: RoleUser, Text: "Ciao"}},
	})
	if err != nil {
		t.Fatalf("SendTurn() error: %v", err)
	}
	if result.Token != "resp_429" {
		t.Errorf("Token = %q", result.Token)
	}
}

func TestSendTurnHonorsContextDuringBackoff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		io.WriteString(w, `{"error": {"message": "down", "type": "server_error"}}`)
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	c.baseDelay = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := c.SendTurn(ctx, Request{
		Items: []InputItem{{Role: RoleUser, Text: "Ciao"}},
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want context.DeadlineExceeded", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("cancellation did not interrupt the backoff sleep")
	}
}
