package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"propwatch/internal/domain"
	"propwatch/internal/infra/config"
)

func newAnthropicTestServer(t *testing.T, handler http.HandlerFunc) *AnthropicProvider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewAnthropicProvider(config.ProviderConfig{
		Name:    "claude",
		APIKey:  "test-key",
		Model:   "claude-sonnet-4-5",
		BaseURL: srv.URL,
	}, newTestLogger())
}

func TestAnthropicProviderChat(t *testing.T) {
	var body map[string]any
	provider := newAnthropicTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("X-Api-Key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "msg_1",
			"type": "message",
			"role": "assistant",
			"model": "claude-sonnet-4-5",
			"content": [{"type": "text", "text": "[]"}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 12, "output_tokens": 3}
		}`))
	})

	resp, err := provider.Chat(context.Background(), domain.ChatRequest{
		Messages: []domain.Message{
			{Role: domain.RoleSystem, Content: "You watch arrears."},
			{Role: domain.RoleUser, Content: "Nothing overdue."},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "msg_1", resp.ID)
	assert.Equal(t, "[]", resp.Message.Content)
	assert.Equal(t, domain.RoleAssistant, resp.Message.Role)
	assert.Equal(t, 15, resp.Usage.TotalTokens)
	assert.Equal(t, "claude", provider.Name())

	assert.Equal(t, "claude-sonnet-4-5", body["model"])
	assert.EqualValues(t, defaultMaxTokens, body["max_tokens"])
	msgs, ok := body["messages"].([]any)
	require.True(t, ok)
	assert.Len(t, msgs, 1)
	assert.NotNil(t, body["system"])
}

func TestAnthropicProviderErrorResponses(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusTooManyRequests, domain.ErrRateLimit},
		{http.StatusUnauthorized, domain.ErrAuthInvalid},
		{http.StatusInternalServerError, domain.ErrProviderError},
	}
	for _, tt := range tests {
		provider := newAnthropicTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(tt.status)
			_, _ = w.Write([]byte(`{"type":"error","error":{"type":"api_error","message":"nope"}}`))
		})
		_, err := provider.Chat(context.Background(), domain.ChatRequest{
			Messages: []domain.Message{{Role: domain.RoleUser, Content: "hi"}},
		})
		assert.ErrorIs(t, err, tt.want, "status %d", tt.status)
	}
}
