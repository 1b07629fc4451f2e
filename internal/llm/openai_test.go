package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewOpenAIClientDefaults(t *testing.T) {
	c := NewOpenAIClient(Config{APIKey: "k"})
	assert.Equal(t, DefaultModel, c.Model())

	c = NewOpenAIClient(Config{APIKey: "k", Model: " custom "})
	assert.Equal(t, "custom", c.Model())
}

func TestCompleteSendsPromptsAndReturnsFirstChoice(t *testing.T) {
	var got struct {
		Model       string  `json:"model"`
		MaxTokens   int     `json:"max_tokens"`
		Temperature float32 `json:"temperature"`
		Messages    []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"x","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"{\"keluhan_utama\":\"demam\"}"}}]}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient(Config{APIKey: "test-key", BaseURL: srv.URL + "/", Model: "m"})
	out, err := c.Complete(context.Background(), Request{
		SystemPrompt: "sys",
		UserPrompt:   "user",
		MaxTokens:    2000,
		Temperature:  0.3,
	})
	require.NoError(t, err)

	assert.Equal(t, `{"keluhan_utama":"demam"}`, out)
	assert.Equal(t, "m", got.Model)
	assert.Equal(t, 2000, got.MaxTokens)
	assert.InDelta(t, 0.3, got.Temperature, 0.001)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Equal(t, "sys", got.Messages[0].Content)
	assert.Equal(t, "user", got.Messages[1].Content)
}

func TestCompleteEmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"x","choices":[]}`))
	}))
	defer srv.Close()

	out, err := NewOpenAIClient(Config{APIKey: "k", BaseURL: srv.URL}).Complete(context.Background(), Request{})
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestCompleteHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":{"message":"overloaded","type":"server_error"}}`))
	}))
	defer srv.Close()

	_, err := NewOpenAIClient(Config{APIKey: "k", BaseURL: srv.URL}).Complete(context.Background(), Request{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "overloaded")
}
