package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autoscholar/scholard/pkg/config"
	"github.com/autoscholar/scholard/pkg/models"
)

var keywordsSchema = MustSchema("KeywordsResponse", `{
	"type": "object",
	"properties": {
		"search_keywords": {"type": "array", "items": {"type": "string"}}
	},
	"required": ["search_keywords"]
}`)

type keywordsOut struct {
	SearchKeywords []string `json:"search_keywords"`
}

type recordedCalls struct {
	calls []models.LLMCall
}

func (r *recordedCalls) RecordCall(_ context.Context, call models.LLMCall) error {
	r.calls = append(r.calls, call)
	return nil
}

func newTestLLMClient(t *testing.T, serverURL string, recorder CallRecorder) *Client {
	t.Helper()
	return NewClient(&config.LLMConfig{
		APIKey:         "test-key",
		BaseURL:        serverURL,
		Model:          "test-model",
		Temperature:    0.3,
		ConnectTimeout: 5 * time.Second,
		RequestTimeout: 5 * time.Second,
		MaxRetries:     3,
		RetryBaseDelay: time.Millisecond,
		RetryMaxDelay:  5 * time.Millisecond,
	}, recorder)
}

func completionBody(content string) string {
	resp := map[string]any{
		"choices": []any{
			map[string]any{
				"message":       map[string]any{"content": content},
				"finish_reason": "stop",
			},
		},
		"usage": map[string]any{"prompt_tokens": 11, "completion_tokens": 7},
	}
	b, _ := json.Marshal(resp)
	return string(b)
}

func TestStructuredCompletion(t *testing.T) {
	var gotRequest chatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.Equal(t, "/chat/completions", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotRequest))
		w.Write([]byte(completionBody(`{"search_keywords": ["a", "b"]}`)))
	}))
	defer server.Close()

	recorder := &recordedCalls{}
	client := newTestLLMClient(t, server.URL, recorder)

	var out keywordsOut
	err := client.StructuredCompletion(context.Background(), Request{
		Messages: []Message{
			{Role: RoleSystem, Content: "You are a planner."},
			{Role: RoleUser, Content: "Find keywords."},
		},
		Schema:   keywordsSchema,
		ThreadID: "t1",
		Stage:    "planner",
	}, &out)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, out.SearchKeywords)

	// JSON mode plus schema preamble on the system message.
	assert.Equal(t, "json_object", gotRequest.ResponseFormat.Type)
	assert.Equal(t, "test-model", gotRequest.Model)
	assert.InDelta(t, 0.3, gotRequest.Temperature, 1e-9)
	require.Len(t, gotRequest.Messages, 2)
	assert.Equal(t, RoleSystem, gotRequest.Messages[0].Role)
	assert.Contains(t, gotRequest.Messages[0].Content, "You are a planner.")
	assert.Contains(t, gotRequest.Messages[0].Content, "RESPONSE FORMAT")
	assert.NotContains(t, gotRequest.Messages[1].Content, "RESPONSE FORMAT")

	// Cost recorded.
	require.Len(t, recorder.calls, 1)
	call := recorder.calls[0]
	assert.Equal(t, "t1", call.ThreadID)
	assert.Equal(t, "planner", call.Stage)
	assert.Equal(t, "test-model", call.Model)
	assert.Equal(t, 11, call.PromptTokens)
	assert.Equal(t, 7, call.CompletionTokens)
}

func TestStructuredCompletionAddsSystemMessage(t *testing.T) {
	var gotRequest chatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotRequest))
		w.Write([]byte(completionBody(`{"search_keywords": []}`)))
	}))
	defer server.Close()

	client := newTestLLMClient(t, server.URL, nil)

	var out keywordsOut
	err := client.StructuredCompletion(context.Background(), Request{
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
		Schema:   keywordsSchema,
	}, &out)
	require.NoError(t, err)

	require.Len(t, gotRequest.Messages, 2)
	assert.Equal(t, RoleSystem, gotRequest.Messages[0].Role)
	assert.Contains(t, gotRequest.Messages[0].Content, "RESPONSE FORMAT")
	assert.Equal(t, RoleUser, gotRequest.Messages[1].Role)
}

func TestStructuredCompletionTemperatureOverride(t *testing.T) {
	var gotRequest chatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotRequest))
		w.Write([]byte(completionBody(`{"search_keywords": []}`)))
	}))
	defer server.Close()

	client := newTestLLMClient(t, server.URL, nil)

	var out keywordsOut
	err := client.StructuredCompletion(context.Background(), Request{
		Messages:    []Message{{Role: RoleUser, Content: "verify"}},
		Schema:      keywordsSchema,
		Temperature: 0.1,
		MaxTokens:   64,
	}, &out)
	require.NoError(t, err)
	assert.InDelta(t, 0.1, gotRequest.Temperature, 1e-9)
	assert.Equal(t, 64, gotRequest.MaxTokens)
}

func TestStructuredCompletionEmptyContent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(completionBody("")))
	}))
	defer server.Close()

	client := newTestLLMClient(t, server.URL, nil)

	var out keywordsOut
	err := client.StructuredCompletion(context.Background(), Request{
		Messages: []Message{{Role: RoleUser, Content: "x"}},
		Schema:   keywordsSchema,
	}, &out)
	require.ErrorIs(t, err, ErrEmptyResponse)
}

func TestStructuredCompletionSchemaEcho(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(completionBody(`{"type": "object", "properties": {"search_keywords": {"type": "array"}}, "required": ["search_keywords"]}`)))
	}))
	defer server.Close()

	client := newTestLLMClient(t, server.URL, nil)

	var out keywordsOut
	err := client.StructuredCompletion(context.Background(), Request{
		Messages: []Message{{Role: RoleUser, Content: "x"}},
		Schema:   keywordsSchema,
	}, &out)
	require.ErrorIs(t, err, ErrSchemaEcho)
}

func TestStructuredCompletionMixedSchemaAndContent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(completionBody(`{"properties": {"noise": true}, "type": "object", "search_keywords": ["kept"]}`)))
	}))
	defer server.Close()

	client := newTestLLMClient(t, server.URL, nil)

	var out keywordsOut
	err := client.StructuredCompletion(context.Background(), Request{
		Messages: []Message{{Role: RoleUser, Content: "x"}},
		Schema:   keywordsSchema,
	}, &out)
	require.NoError(t, err, "schema keys are stripped, content survives")
	assert.Equal(t, []string{"kept"}, out.SearchKeywords)
}

func TestStructuredCompletionValidationError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(completionBody(`{"search_keywords": "should be an array"}`)))
	}))
	defer server.Close()

	client := newTestLLMClient(t, server.URL, nil)

	var out keywordsOut
	err := client.StructuredCompletion(context.Background(), Request{
		Messages: []Message{{Role: RoleUser, Content: "x"}},
		Schema:   keywordsSchema,
	}, &out)
	require.Error(t, err)

	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "KeywordsResponse", verr.Schema)
	assert.Contains(t, err.Error(), "does not match KeywordsResponse")
}

func TestStructuredCompletionTruncationHint(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{
			"choices": []any{
				map[string]any{
					"message":       map[string]any{"content": `{"search_keywords": ["a"`},
					"finish_reason": "length",
				},
			},
			"usage": map[string]any{"prompt_tokens": 1, "completion_tokens": 1},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	client := newTestLLMClient(t, server.URL, nil)

	var out keywordsOut
	err := client.StructuredCompletion(context.Background(), Request{
		Messages: []Message{{Role: RoleUser, Content: "x"}},
		Schema:   keywordsSchema,
	}, &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "may be truncated")
}

func TestStructuredCompletionRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(completionBody(`{"search_keywords": ["ok"]}`)))
	}))
	defer server.Close()

	client := newTestLLMClient(t, server.URL, nil)

	var out keywordsOut
	err := client.StructuredCompletion(context.Background(), Request{
		Messages: []Message{{Role: RoleUser, Content: "x"}},
		Schema:   keywordsSchema,
	}, &out)
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, []string{"ok"}, out.SearchKeywords)
}

func TestStructuredCompletionDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer server.Close()

	client := newTestLLMClient(t, server.URL, nil)

	var out keywordsOut
	err := client.StructuredCompletion(context.Background(), Request{
		Messages: []Message{{Role: RoleUser, Content: "x"}},
		Schema:   keywordsSchema,
	}, &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 400")
	assert.Equal(t, int32(1), calls.Load())
}
