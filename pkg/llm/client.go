// Package llm is the OpenAI-compatible chat-completions client used by every
// stage that needs model output. All calls request JSON-object mode and are
// validated against a response schema before the caller sees them; the
// defenses in StructuredCompletion exist because JSON mode guarantees a JSON
// object, not a correct one.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/autoscholar/scholard/pkg/config"
	"github.com/autoscholar/scholard/pkg/httppool"
	"github.com/autoscholar/scholard/pkg/models"
)

// Message is one chat turn sent to the model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// CallRecorder persists per-call token usage and latency. Implemented by the
// llm_calls store; a nil recorder disables cost tracking.
type CallRecorder interface {
	RecordCall(ctx context.Context, call models.LLMCall) error
}

// Request is one structured completion. ThreadID and Stage attribute the
// call's cost; Temperature zero means the configured default.
type Request struct {
	Messages    []Message
	Schema      *Schema
	Temperature float64
	MaxTokens   int

	ThreadID string
	Stage    string
}

// Client talks to one OpenAI-compatible endpoint.
type Client struct {
	httpClient *http.Client
	cfg        *config.LLMConfig
	recorder   CallRecorder

	// baseURL is separate from cfg so tests can point at a local server.
	baseURL string
}

// NewClient creates the LLM client. The HTTP client bounds the dial phase
// with the configured connect timeout and the whole request with the request
// timeout, which must cover slow generation of long drafts.
func NewClient(cfg *config.LLMConfig, recorder CallRecorder) *Client {
	return &Client{
		httpClient: &http.Client{
			Transport: httppool.NewTransport(cfg.ConnectTimeout),
			Timeout:   cfg.RequestTimeout,
		},
		cfg:      cfg,
		recorder: recorder,
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
	}
}

type chatRequest struct {
	Model          string         `json:"model"`
	Messages       []Message      `json:"messages"`
	ResponseFormat responseFormat `json:"response_format"`
	Temperature    float64        `json:"temperature"`
	MaxTokens      int            `json:"max_tokens,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// StructuredCompletion runs one JSON-mode completion, validates the output
// against req.Schema and unmarshals it into out. The schema's prompt
// instruction is appended to the first system message (one is prepended when
// the request has none).
func (c *Client) StructuredCompletion(ctx context.Context, req Request, out any) error {
	if req.Schema == nil {
		return fmt.Errorf("llm request without a response schema")
	}

	temperature := req.Temperature
	if temperature == 0 {
		temperature = c.cfg.Temperature
	}

	body := chatRequest{
		Model:          c.cfg.Model,
		Messages:       augmentMessages(req.Messages, req.Schema.PromptInstruction()),
		ResponseFormat: responseFormat{Type: "json_object"},
		Temperature:    temperature,
		MaxTokens:      req.MaxTokens,
	}

	start := time.Now()
	resp, err := c.doWithRetry(ctx, body)
	if err != nil {
		return err
	}
	latency := time.Since(start)

	if c.recorder != nil {
		call := models.LLMCall{
			ThreadID:         req.ThreadID,
			Stage:            req.Stage,
			Model:            c.cfg.Model,
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			LatencyMS:        latency.Milliseconds(),
		}
		if err := c.recorder.RecordCall(ctx, call); err != nil {
			slog.Warn("Failed to record LLM call", "thread_id", req.ThreadID, "stage", req.Stage, "error", err)
		}
	}
	slog.Debug("LLM call completed",
		"stage", req.Stage,
		"model", c.cfg.Model,
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
		"latency_ms", latency.Milliseconds())

	if len(resp.Choices) == 0 {
		return ErrEmptyResponse
	}
	rawContent := resp.Choices[0].Message.Content
	if strings.TrimSpace(rawContent) == "" {
		return ErrEmptyResponse
	}

	parsed, err := parseModelJSON(rawContent, resp.Choices[0].FinishReason)
	if err != nil {
		return err
	}

	if err := req.Schema.Validate(parsed); err != nil {
		slog.Error("LLM output failed validation", "schema", req.Schema.Name, "error", err, "raw", excerpt(rawContent))
		return &ValidationError{Schema: req.Schema.Name, Err: err}
	}

	cleaned, err := json.Marshal(parsed)
	if err != nil {
		return fmt.Errorf("re-encode llm output: %w", err)
	}
	if err := json.Unmarshal(cleaned, out); err != nil {
		return &ValidationError{Schema: req.Schema.Name, Err: err}
	}
	return nil
}

// augmentMessages appends the schema instruction to the first system message,
// or prepends a new system message when there is none.
func augmentMessages(messages []Message, instruction string) []Message {
	augmented := make([]Message, 0, len(messages)+1)
	appended := false
	for _, m := range messages {
		if m.Role == RoleSystem && !appended {
			m.Content = m.Content + "\n\n" + instruction
			appended = true
		}
		augmented = append(augmented, m)
	}
	if !appended {
		augmented = append([]Message{{Role: RoleSystem, Content: instruction}}, augmented...)
	}
	return augmented
}

// schemaKeys are the JSON-schema vocabulary keys a confused model echoes
// back instead of content.
var schemaKeys = map[string]bool{
	"properties": true,
	"type":       true,
	"required":   true,
	"$schema":    true,
	"$defs":      true,
}

// parseModelJSON decodes model output and applies the schema-echo defenses:
// an object that is only schema vocabulary is rejected, and an object mixing
// schema vocabulary with content keys is stripped down to the content.
func parseModelJSON(rawContent, finishReason string) (map[string]any, error) {
	var parsed map[string]any
	if err := json.Unmarshal([]byte(rawContent), &parsed); err != nil {
		slog.Error("LLM returned invalid JSON", "error", err, "raw", excerpt(rawContent))
		if finishReason == "length" || strings.Contains(err.Error(), "unexpected end of JSON input") {
			return nil, fmt.Errorf("llm returned invalid JSON (response may be truncated): %w", err)
		}
		return nil, fmt.Errorf("llm returned invalid JSON: %w", err)
	}

	hasContentKeys := false
	for key := range parsed {
		if !schemaKeys[key] {
			hasContentKeys = true
			break
		}
	}

	if _, echoed := parsed["properties"]; echoed {
		if !hasContentKeys {
			slog.Error("LLM returned schema definition instead of content", "raw", excerpt(rawContent))
			return nil, ErrSchemaEcho
		}
		var contentKeys []string
		cleaned := make(map[string]any, len(parsed))
		for key, value := range parsed {
			if schemaKeys[key] {
				continue
			}
			cleaned[key] = value
			contentKeys = append(contentKeys, key)
		}
		slog.Warn("LLM mixed schema with content, extracting actual data", "keys", contentKeys)
		parsed = cleaned
	}

	return parsed, nil
}

// doWithRetry sends the request, retrying transport errors, 429 and 5xx
// responses with exponential backoff. Other statuses fail immediately.
func (c *Client) doWithRetry(ctx context.Context, body chatRequest) (*chatResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode chat request: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxRetries; attempt++ {
		resp, retryable, err := c.doOnce(ctx, payload)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !retryable || attempt == c.cfg.MaxRetries {
			return nil, lastErr
		}

		delay := c.backoff(attempt)
		slog.Debug("LLM request failed, retrying",
			"attempt", attempt,
			"max_attempts", c.cfg.MaxRetries,
			"backoff", delay,
			"error", err)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	return nil, lastErr
}

func (c *Client) doOnce(ctx context.Context, payload []byte) (*chatResponse, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("llm request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		return nil, retryable, fmt.Errorf("llm api: status %d: %s", resp.StatusCode, body)
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, false, fmt.Errorf("decode llm response: %w", err)
	}
	return &parsed, false, nil
}

func (c *Client) backoff(attempt int) time.Duration {
	d := c.cfg.RetryBaseDelay << (attempt - 1)
	if d > c.cfg.RetryMaxDelay {
		return c.cfg.RetryMaxDelay
	}
	return d
}

func excerpt(s string) string {
	const max = 500
	if len(s) > max {
		return s[:max]
	}
	return s
}
