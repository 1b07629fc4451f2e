// Package voice adapts the hosted voice-agent provider: agent provisioning
// over its REST API and live call events over a websocket.
package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"meditalk/pkg"
)

const DefaultBaseURL = "https://api.vapi.ai"

// Config holds provider credentials shared by the agent and call clients.
type Config struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
}

func (c Config) withDefaults() Config {
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return c
}

// AgentClient implements core.AgentProvisioner.
type AgentClient struct {
	cfg Config
}

func NewAgentClient(cfg Config) *AgentClient {
	return &AgentClient{cfg: cfg.withDefaults()}
}

type assistantMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type assistantFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type assistantRequest struct {
	Name  string `json:"name,omitempty"`
	Model struct {
		Provider    string             `json:"provider"`
		Model       string             `json:"model"`
		Messages    []assistantMessage `json:"messages"`
		MaxTokens   int                `json:"maxTokens"`
		Temperature float32            `json:"temperature"`
	} `json:"model"`
	Functions   []assistantFunction `json:"functions,omitempty"`
	Transcriber struct {
		Provider string `json:"provider"`
		Model    string `json:"model"`
		Language string `json:"language"`
	} `json:"transcriber"`
	FirstMessage          string `json:"firstMessage"`
	EndCallMessage        string `json:"endCallMessage"`
	RecordingEnabled      bool   `json:"recordingEnabled"`
	SilenceTimeoutSeconds int    `json:"silenceTimeoutSeconds"`
	MaxDurationSeconds    int    `json:"maxDurationSeconds"`
}

func endCallFunction(name string) assistantFunction {
	return assistantFunction{
		Name:        name,
		Description: "Mengakhiri panggilan ketika percakapan sudah selesai",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"reason":       map[string]string{"type": "string", "description": "Alasan mengakhiri panggilan"},
				"finalMessage": map[string]string{"type": "string", "description": "Pesan terakhir sebelum mengakhiri panggilan"},
			},
			"required": []string{"reason"},
		},
	}
}

func buildAssistantRequest(spec pkg.AgentSpec) assistantRequest {
	var req assistantRequest
	req.Name = spec.Name
	req.Model.Provider = "groq"
	req.Model.Model = spec.Model
	req.Model.Messages = []assistantMessage{{Role: "system", Content: spec.SystemPrompt}}
	req.Model.MaxTokens = spec.MaxTokens
	req.Model.Temperature = spec.Temperature
	for _, fn := range spec.Functions {
		req.Functions = append(req.Functions, endCallFunction(fn))
	}
	req.Transcriber.Provider = "11labs"
	req.Transcriber.Model = "scribe_v1"
	req.Transcriber.Language = spec.Language
	req.FirstMessage = spec.FirstMessage
	req.EndCallMessage = spec.EndCallMessage
	req.RecordingEnabled = true
	req.SilenceTimeoutSeconds = spec.SilenceTimeoutSeconds
	req.MaxDurationSeconds = spec.MaxDurationSeconds
	return req
}

// CreateAgent provisions a short-lived assistant and returns its id.
func (c *AgentClient) CreateAgent(ctx context.Context, spec pkg.AgentSpec) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := postJSON(ctx, c.cfg, c.cfg.BaseURL+"/assistant", buildAssistantRequest(spec), &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.ID) == "" {
		return "", errors.New("voice provider returned no assistant id")
	}
	return out.ID, nil
}

// postJSON sends body to the provider and decodes a 2xx response into out
// unless out is nil.
func postJSON(ctx context.Context, cfg Config, url string, body, out any) error {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return errors.New("voice provider API key is not configured")
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+cfg.APIKey)

	resp, err := cfg.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("voice provider request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read voice provider response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("voice provider error %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode voice provider response: %w", err)
	}
	return nil
}
