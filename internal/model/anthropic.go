package model

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golemlab/golem/internal/credentials"
	"github.com/golemlab/golem/pkg/contracts"
	"github.com/golemlab/golem/pkg/models"
)

const anthropicVersion = "2023-06-01"

// AnthropicDriver speaks the anthropic /v1/messages wire format.
type AnthropicDriver struct {
	endpoint string
	creds    contracts.CredentialSource
	client   *http.Client
}

// NewAnthropicDriver creates a driver for the anthropic API.
// An empty endpoint uses the public API.
func NewAnthropicDriver(creds contracts.CredentialSource, endpoint string) *AnthropicDriver {
	if endpoint == "" {
		endpoint = "https://api.anthropic.com"
	}
	return &AnthropicDriver{
		endpoint: endpoint,
		creds:    creds,
		client:   &http.Client{Timeout: 120 * time.Second},
	}
}

func (d *AnthropicDriver) Kind() string { return "anthropic" }

type anthropicRequest struct {
	Model       string               `json:"model"`
	System      string               `json:"system,omitempty"`
	Messages    []models.ChatMessage `json:"messages"`
	Temperature float64              `json:"temperature,omitempty"`
	MaxTokens   int                  `json:"max_tokens"`
}

type anthropicResponse struct {
	ID      string `json:"id"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
}

// Chat implements contracts.ModelDriver. The anthropic API takes the system
// prompt as a top-level field; system messages are lifted out of the list.
func (d *AnthropicDriver) Chat(ctx context.Context, req *contracts.ChatRequest) (*models.ModelReply, error) {
	apiKey, ok := d.creds.Lookup(credentials.ProviderKey("anthropic"))
	if !ok {
		return nil, fmt.Errorf("anthropic: api key not configured")
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	system := ""
	msgs := make([]models.ChatMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == "system" {
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
			continue
		}
		// The messages API only accepts user/assistant roles
		if m.Role == "tool" {
			m = models.ChatMessage{Role: "user", Content: m.Content}
		}
		msgs = append(msgs, m)
	}

	body, _ := json.Marshal(anthropicRequest{
		Model:       req.Model,
		System:      system,
		Messages:    msgs,
		Temperature: req.Temperature,
		MaxTokens:   maxTokens,
	})

	url := d.endpoint + "/v1/messages"
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("anthropic: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	httpResp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic: request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(httpResp.Body)
		return nil, fmt.Errorf("anthropic: status %d: %s", httpResp.StatusCode, string(respBody))
	}

	var anthResp anthropicResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&anthResp); err != nil {
		return nil, fmt.Errorf("anthropic: decode response: %w", err)
	}

	content := ""
	for _, c := range anthResp.Content {
		if c.Type == "text" {
			content += c.Text
		}
	}

	return &models.ModelReply{
		Content:   content,
		ToolCalls: ParseToolCalls(content),
		Usage: models.TokenUsage{
			InputTokens:  anthResp.Usage.InputTokens,
			OutputTokens: anthResp.Usage.OutputTokens,
			TotalTokens:  anthResp.Usage.InputTokens + anthResp.Usage.OutputTokens,
		},
	}, nil
}
