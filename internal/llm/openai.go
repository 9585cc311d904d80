package llm

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// OpenAIEndpoint is the default Chat Completions base URL (cloud-C).
const OpenAIEndpoint = "https://api.openai.com/v1"

// openAIClient calls /chat/completions.
type openAIClient struct {
	endpoint string
	apiKey   string
	http     *http.Client
}

func (c *openAIClient) chat(ctx context.Context, req chatRequest) (chatResult, error) {
	oreq := openAIChatRequest{Model: req.Model, MaxTokens: req.MaxTokens}
	if req.System != "" {
		oreq.Messages = append(oreq.Messages, Message{Role: "system", Content: req.System})
	}
	oreq.Messages = append(oreq.Messages, req.Messages...)

	var oresp openAIChatResponse
	err := postJSON(ctx, c.http, "openai", strings.TrimRight(c.endpoint, "/")+"/chat/completions",
		map[string]string{"Authorization": "Bearer " + c.apiKey}, oreq, &oresp)
	if err != nil {
		return chatResult{}, err
	}
	if len(oresp.Choices) == 0 {
		return chatResult{}, &KindError{Kind: KindParseError, Err: errors.New("no choices in response")}
	}
	return chatResult{
		Text:         oresp.Choices[0].Message.Content,
		InputTokens:  oresp.Usage.PromptTokens,
		OutputTokens: oresp.Usage.CompletionTokens,
		StopReason:   oresp.Choices[0].FinishReason,
	}, nil
}

// OpenAI API types
type openAIChatRequest struct {
	Model     string    `json:"model"`
	Messages  []Message `json:"messages"`
	MaxTokens int       `json:"max_tokens,omitempty"`
}

type openAIChatResponse struct {
	Choices []struct {
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}
