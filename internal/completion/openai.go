package completion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/responses"
	"github.com/openai/openai-go/v3/shared"

	"github.com/aida-agent/aida/internal/config"
	"github.com/aida-agent/aida/internal/httpkit"
)

const maxAttempts = 3

// OpenAIClient implements Client against the OpenAI Responses API.
type OpenAIClient struct {
	client openai.Client
	model  string
	logger *slog.Logger
	// baseDelay seeds the exponential backoff between retries.
	baseDelay time.Duration
}

var _ Client = (*OpenAIClient)(nil)

// NewOpenAIClient creates a completion client from configuration.
func NewOpenAIClient(cfg config.OpenAIConfig, logger *slog.Logger) *OpenAIClient {
	if logger == nil {
		logger = slog.Default()
	}

	// Responses can take a long time before headers arrive on big
	// turns. Use the shared transport with a generous header timeout
	// and rely on ctx deadlines for overall control.
	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = time.Duration(cfg.TimeoutSeconds) * time.Second

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		// Retries are handled here, where transport errors and 4xx
		// rejections need different treatment.
		option.WithMaxRetries(0),
		option.WithHTTPClient(httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithTransport(t),
		)),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &OpenAIClient{
		client:    openai.NewClient(opts...),
		model:     cfg.Model,
		logger:    logger.With("provider", "openai"),
		baseDelay: time.Second,
	}
}

// SendTurn sends one turn, retrying transient failures with bounded
// exponential backoff. A 4xx rejection (other than rate limiting) is a
// ProtocolError and is never retried.
func (c *OpenAIClient) SendTurn(ctx context.Context, req Request) (*Result, error) {
	params := c.buildParams(req)

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			delay := c.baseDelay << (attempt - 2)
			c.logger.Debug("retrying completion call",
				"attempt", attempt, "delay", delay, "error", lastErr)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}

		resp, err := c.client.Responses.New(ctx, params)
		if err == nil {
			result := parseResponse(resp)
			c.logger.Debug("completion response",
				"response_id", result.Token,
				"tool_calls", len(result.ToolCalls),
				"text_len", len(result.Text),
				"tokens_in", result.InputTokens,
				"tokens_out", result.OutputTokens,
			)
			return result, nil
		}

		var protocol *ProtocolError
		if classified := classifyError(err); errors.As(classified, &protocol) {
			c.logger.Error("completion API rejected request",
				"status", protocol.Status, "error", protocol.Message)
			return nil, protocol
		}
		lastErr = err
	}

	return nil, &TurnFailedError{Attempts: maxAttempts, Err: lastErr}
}

func (c *OpenAIClient) buildParams(req Request) responses.ResponseNewParams {
	input := make([]responses.ResponseInputItemUnionParam, 0, len(req.Items))
	for _, item := range req.Items {
		role := responses.EasyInputMessageRoleUser
		if item.Role == RoleSystem {
			role = responses.EasyInputMessageRoleSystem
		}
		input = append(input, responses.ResponseInputItemUnionParam{
			OfMessage: &responses.EasyInputMessageParam{
				Role: role,
				Content: responses.EasyInputMessageContentUnionParam{
					OfString: openai.String(item.Text),
				},
			},
		})
	}

	params := responses.ResponseNewParams{
		Model: shared.ResponsesModel(c.model),
		Input: responses.ResponseNewParamsInputUnion{
			OfInputItemList: responses.ResponseInputParam(input),
		},
		// Store so the response id works as a continuation anchor.
		Store: openai.Bool(true),
	}

	if req.Anchor != "" {
		params.PreviousResponseID = openai.String(req.Anchor)
	}

	if len(req.Tools) > 0 {
		toolDefs := make([]responses.ToolUnionParam, 0, len(req.Tools))
		for _, schema := range req.Tools {
			toolDefs = append(toolDefs, responses.ToolUnionParam{
				OfFunction: &responses.FunctionToolParam{
					Name:        schema.Name,
					Description: openai.String(schema.Description),
					Parameters:  schema.Parameters,
				},
			})
		}
		params.Tools = toolDefs
	}

	return params
}

// parseResponse flattens the response output items. Uses the flat
// fields on ResponseOutputItemUnion rather than the As* accessors,
// which depend on internal JSON state.
func parseResponse(resp *responses.Response) *Result {
	result := &Result{
		Token:        resp.ID,
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	}

	for _, item := range resp.Output {
		switch item.Type {
		case "message":
			for _, content := range item.Content {
				if content.Type == "output_text" {
					result.Text += content.Text
				}
			}
		case "function_call":
			result.ToolCalls = append(result.ToolCalls, ToolCall{
				CallID:    item.CallID,
				Name:      item.Name,
				Arguments: item.Arguments,
			})
		}
	}

	return result
}

// classifyError maps an SDK error to the retry policy: rate limiting
// and server-side failures stay retryable, any other 4xx is final.
func classifyError(err error) error {
	var apiErr *openai.Error
	if !errors.As(err, &apiErr) {
		// Network-level failure, retryable.
		return err
	}

	switch {
	case apiErr.StatusCode == http.StatusTooManyRequests,
		apiErr.StatusCode == http.StatusRequestTimeout:
		return err
	case apiErr.StatusCode >= 400 && apiErr.StatusCode < 500:
		return &ProtocolError{
			Status:  apiErr.StatusCode,
			Message: fmt.Sprintf("%v", err),
		}
	default:
		return err
	}
}
