package llm

import (
	"context"
	"net/http"
	"strings"
)

// AnthropicEndpoint is the default Messages API base URL (cloud-A).
const AnthropicEndpoint = "https://api.anthropic.com"

// anthropicClient calls the Anthropic Messages API.
type anthropicClient struct {
	endpoint string
	apiKey   string
	http     *http.Client
}

func (c *anthropicClient) chat(ctx context.Context, req chatRequest) (chatResult, error) {
	areq := anthropicChatRequest{
		Model:     req.Model,
		System:    req.System,
		MaxTokens: req.MaxTokens,
	}
	for _, m := range req.Messages {
		if m.Role == "system" {
			continue
		}
		areq.Messages = append(areq.Messages, anthropicMessage{Role: m.Role, Content: m.Content})
	}

	var aresp anthropicChatResponse
	err := postJSON(ctx, c.http, "anthropic", strings.TrimRight(c.endpoint, "/")+"/v1/messages",
		map[string]string{
			"x-api-key":         c.apiKey,
			"anthropic-version": "2023-06-01",
		}, areq, &aresp)
	if err != nil {
		return chatResult{}, err
	}

	var text strings.Builder
	for _, block := range aresp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return chatResult{
		Text:         text.String(),
		InputTokens:  aresp.Usage.InputTokens,
		OutputTokens: aresp.Usage.OutputTokens,
		StopReason:   aresp.StopReason,
	}, nil
}

// Anthropic API types
type anthropicChatRequest struct {
	Model     string             `json:"model"`
	Messages  []anthropicMessage `json:"messages"`
	System    string             `json:"system,omitempty"`
	MaxTokens int                `json:"max_tokens"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicChatResponse struct {
	Model      string `json:"model"`
	StopReason string `json:"stop_reason"`
	Content    []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}
