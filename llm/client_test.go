package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChatParsesReplyAndUsage(t *testing.T) {
	var gotAuth string
	var gotPayload chatCompletionRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotPayload))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"choices": [{"message": {"role": "assistant", "content": "  Open settings.  "}}],
			"usage": {"prompt_tokens": 42, "completion_tokens": 9, "total_tokens": 51}
		}`)
	}))
	defer server.Close()

	client := NewChatClient(server.Client(), server.URL, "test-key", "test-model")
	result, err := client.Chat(context.Background(), []ChatMessage{
		{Role: "system", Content: "Answer from context."},
		{Role: "user", Content: "How do I reset?"},
	})
	require.NoError(t, err)

	assert.Equal(t, "Open settings.", result.Content)
	require.NotNil(t, result.Usage)
	assert.Equal(t, 42, result.Usage.PromptTokens)
	assert.Equal(t, 9, result.Usage.CompletionTokens)

	assert.Equal(t, "Bearer test-key", gotAuth)
	assert.Equal(t, "test-model", gotPayload.Model)
	assert.False(t, gotPayload.Stream)
	require.Len(t, gotPayload.Messages, 2)
	assert.Equal(t, "user", gotPayload.Messages[1].Role)
}

func TestChatDropsEmptyMessagesAndDefaultsRole(t *testing.T) {
	var gotPayload chatCompletionRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotPayload))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"choices": [{"message": {"content": "ok"}}]}`)
	}))
	defer server.Close()

	client := NewChatClient(server.Client(), server.URL, "k", "m")
	_, err := client.Chat(context.Background(), []ChatMessage{
		{Role: "system", Content: "   "},
		{Content: "hello"},
	})
	require.NoError(t, err)

	require.Len(t, gotPayload.Messages, 1)
	assert.Equal(t, "user", gotPayload.Messages[0].Role)
	assert.Equal(t, "hello", gotPayload.Messages[0].Content)
}

func TestChatRejectsAllBlankInput(t *testing.T) {
	client := NewChatClient(nil, "http://unused", "k", "m")

	_, err := client.Chat(context.Background(), nil)
	assert.Error(t, err)

	_, err = client.Chat(context.Background(), []ChatMessage{{Content: "  "}})
	assert.Error(t, err)
}

func TestChatWrapsUpstreamFailures(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := NewChatClient(server.Client(), server.URL, "k", "m")
	_, err := client.Chat(context.Background(), []ChatMessage{{Role: "user", Content: "hi"}})
	assert.ErrorIs(t, err, ErrGenerationService)
	assert.Contains(t, err.Error(), "model overloaded")
}

func TestChatRejectsEmptyChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices": []}`)
	}))
	defer server.Close()

	client := NewChatClient(server.Client(), server.URL, "k", "m")
	_, err := client.Chat(context.Background(), []ChatMessage{{Role: "user", Content: "hi"}})
	assert.ErrorIs(t, err, ErrGenerationService)
}

func TestChatStreamCollectsDeltas(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Open \"}}]}\n\n")
		fmt.Fprint(w, ": keepalive comment\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"settings.\"}}],\"usage\":{\"prompt_tokens\":12,\"completion_tokens\":3,\"total_tokens\":15}}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	client := NewChatClient(server.Client(), server.URL, "k", "m")

	var deltas []ChatStreamDelta
	result, err := client.ChatStream(context.Background(), []ChatMessage{{Role: "user", Content: "hi"}}, func(delta ChatStreamDelta) error {
		deltas = append(deltas, delta)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, "Open settings.", result.Content)
	require.NotNil(t, result.Usage)
	assert.Equal(t, 12, result.Usage.PromptTokens)

	require.Len(t, deltas, 3)
	assert.Equal(t, "Open ", deltas[0].Content)
	assert.Equal(t, "settings.", deltas[1].Content)
	assert.Equal(t, "Open settings.", deltas[1].FullContent)
	assert.True(t, deltas[2].Done)
	assert.Equal(t, "Open settings.", deltas[2].FullContent)
}

func TestChatStreamFallsBackToPlainJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"choices": [{"message": {"content": "Full reply."}}], "usage": {"prompt_tokens": 5}}`)
	}))
	defer server.Close()

	client := NewChatClient(server.Client(), server.URL, "k", "m")

	var deltas []ChatStreamDelta
	result, err := client.ChatStream(context.Background(), []ChatMessage{{Role: "user", Content: "hi"}}, func(delta ChatStreamDelta) error {
		deltas = append(deltas, delta)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, "Full reply.", result.Content)
	require.Len(t, deltas, 2)
	assert.Equal(t, "Full reply.", deltas[0].Content)
	assert.True(t, deltas[1].Done)
}

func TestChatStreamStopsWhenHandlerFails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"chunk\"}}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	client := NewChatClient(server.Client(), server.URL, "k", "m")
	_, err := client.ChatStream(context.Background(), []ChatMessage{{Role: "user", Content: "hi"}}, func(ChatStreamDelta) error {
		return fmt.Errorf("client went away")
	})
	assert.EqualError(t, err, "client went away")
}
