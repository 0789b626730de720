package anthropic

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func messageServer(t *testing.T, text string, usage map[string]any, inspect func(body map[string]any)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Contains(t, r.URL.Path, "/messages")
		if inspect != nil {
			raw, _ := io.ReadAll(r.Body)
			var body map[string]any
			require.NoError(t, json.Unmarshal(raw, &body))
			inspect(body)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
			"id":   "msg_price_001",
			"type": "message",
			"role": "assistant",
			"content": []map[string]any{
				{"type": "text", "text": text},
			},
			"model":       "claude-haiku-4-5-20251001",
			"stop_reason": "end_turn",
			"usage":       usage,
		})
	}))
}

func TestSDKClient_CreateMessage(t *testing.T) {
	ts := messageServer(t, "Price: 1299.00\nConfidence: 0.92", map[string]any{
		"input_tokens":  4200,
		"output_tokens": 12,
	}, nil)
	defer ts.Close()

	client := NewClient("test-key", option.WithBaseURL(ts.URL))
	resp, err := client.CreateMessage(context.Background(), MessageRequest{
		Model:     "claude-haiku-4-5-20251001",
		MaxTokens: 256,
		Messages:  []Message{{Role: "user", Content: "<html>...</html>"}},
	})
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, "msg_price_001", resp.ID)
	assert.Equal(t, "end_turn", resp.StopReason)
	assert.Equal(t, "Price: 1299.00\nConfidence: 0.92", resp.Text())
	assert.Equal(t, int64(4200), resp.Usage.InputTokens)
	assert.Equal(t, int64(12), resp.Usage.OutputTokens)
}

func TestSDKClient_CreateMessage_Prompt(t *testing.T) {
	ts := messageServer(t, "Price: NONE", map[string]any{
		"input_tokens":                50,
		"output_tokens":               3,
		"cache_creation_input_tokens": 5000,
	}, func(body map[string]any) {
		system, ok := body["system"].([]any)
		require.True(t, ok)
		require.Len(t, system, 1)
		block := system[0].(map[string]any)
		assert.Equal(t, "extract prices", block["text"])
		assert.NotNil(t, block["cache_control"])
		assert.InDelta(t, 0.0, body["temperature"], 0.0001)
		assert.Equal(t, []any{"END"}, body["stop_sequences"])
	})
	defer ts.Close()

	req := Prompt("claude-haiku-4-5-20251001", 128, "extract prices", "page")
	req.StopSequences = []string{"END"}

	client := NewClient("test-key", option.WithBaseURL(ts.URL))
	resp, err := client.CreateMessage(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), resp.Usage.CacheCreationInputTokens)
	assert.Equal(t, int64(5050), resp.Usage.Prompt())
}

func TestSDKClient_CreateMessage_NoMessages(t *testing.T) {
	client := NewClient("test-key", option.WithBaseURL("http://127.0.0.1:1"))
	_, err := client.CreateMessage(context.Background(), MessageRequest{Model: "claude-haiku-4-5-20251001", MaxTokens: 16})
	assert.ErrorContains(t, err, "no messages")
}

func TestSDKClient_CreateMessage_Error(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
			"type": "error",
			"error": map[string]any{
				"type":    "invalid_request_error",
				"message": "prompt is too long",
			},
		})
	}))
	defer ts.Close()

	client := NewClient("test-key", option.WithBaseURL(ts.URL), option.WithMaxRetries(0))
	_, err := client.CreateMessage(context.Background(), MessageRequest{
		Model:     "claude-sonnet-4-5-20250929",
		MaxTokens: 1024,
		Messages:  []Message{{Role: "user", Content: "Hello"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "anthropic: create message (model claude-sonnet-4-5-20250929)")
}

func TestNewResponse(t *testing.T) {
	resp := newResponse(&sdk.Message{
		ID:           "msg_test_123",
		Model:        "claude-sonnet-4-5-20250929",
		StopReason:   "end_turn",
		StopSequence: "STOP",
		Content: []sdk.ContentBlockUnion{
			{Type: "text", Text: "Decision: NEW"},
			{Type: "thinking"},
			{Type: "text", Text: "Price: 3999.00"},
		},
		Usage: sdk.Usage{InputTokens: 100, OutputTokens: 50, CacheCreationInputTokens: 2000, CacheReadInputTokens: 3000},
	})

	assert.Equal(t, "msg_test_123", resp.ID)
	assert.Equal(t, "STOP", resp.StopSequence)
	require.Len(t, resp.Content, 2)
	assert.Equal(t, "Price: 3999.00", resp.Content[1].Text)
	assert.Equal(t, int64(5100), resp.Usage.Prompt())

	empty := newResponse(&sdk.Message{ID: "msg_empty", StopReason: "max_tokens"})
	assert.Empty(t, empty.Content)
	assert.True(t, empty.Truncated())
}

func TestMessageRequest_Params(t *testing.T) {
	temp := 0.2
	p := MessageRequest{
		Model:     "claude-haiku-4-5-20251001",
		MaxTokens: 64,
		System: []SystemBlock{
			{Text: "plain"},
			{Text: "cached", CacheControl: &CacheControl{TTL: "5m"}},
			{Text: "default ttl", CacheControl: &CacheControl{}},
		},
		Messages: []Message{
			{Role: "user", Content: "Question"},
			{Role: "assistant", Content: "Answer"},
			{Role: "unknown", Content: "defaults to user"},
		},
		Temperature: &temp,
	}.params()

	require.Len(t, p.Messages, 3)
	assert.Equal(t, sdk.MessageParamRoleUser, p.Messages[0].Role)
	assert.Equal(t, sdk.MessageParamRoleAssistant, p.Messages[1].Role)
	assert.Equal(t, sdk.MessageParamRoleUser, p.Messages[2].Role)

	require.Len(t, p.System, 3)
	assert.Equal(t, "plain", p.System[0].Text)
	assert.Equal(t, sdk.CacheControlEphemeralTTL("5m"), p.System[1].CacheControl.TTL)
	assert.Equal(t, "default ttl", p.System[2].Text)

	assert.Nil(t, MessageRequest{Messages: []Message{{Content: "x"}}}.params().System)
}
