package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// GeminiEndpoint is the default Generative Language API base URL (cloud-B).
const GeminiEndpoint = "https://generativelanguage.googleapis.com/v1beta"

// geminiClient calls generateContent.
type geminiClient struct {
	endpoint string
	apiKey   string
	http     *http.Client
}

func (c *geminiClient) chat(ctx context.Context, req chatRequest) (chatResult, error) {
	greq := geminiGenerateRequest{}
	greq.GenerationConfig.MaxOutputTokens = req.MaxTokens
	if req.System != "" {
		greq.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: req.System}}}
	}
	for _, m := range req.Messages {
		role := m.Role
		// Gemini uses "model" instead of "assistant"
		if role == "assistant" {
			role = "model"
		}
		if role == "system" {
			continue
		}
		greq.Contents = append(greq.Contents, geminiContent{Role: role, Parts: []geminiPart{{Text: m.Content}}})
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", strings.TrimRight(c.endpoint, "/"), req.Model)
	var gresp geminiGenerateResponse
	// Key goes in a header so it never appears in logged URLs.
	if err := postJSON(ctx, c.http, "gemini", url, map[string]string{"x-goog-api-key": c.apiKey}, greq, &gresp); err != nil {
		return chatResult{}, err
	}
	if len(gresp.Candidates) == 0 {
		return chatResult{}, &KindError{Kind: KindParseError, Err: errors.New("no candidates in response")}
	}

	var text strings.Builder
	for _, part := range gresp.Candidates[0].Content.Parts {
		text.WriteString(part.Text)
	}
	return chatResult{
		Text:         text.String(),
		InputTokens:  gresp.UsageMetadata.PromptTokenCount,
		OutputTokens: gresp.UsageMetadata.CandidatesTokenCount,
		StopReason:   gresp.Candidates[0].FinishReason,
	}, nil
}

// Gemini API types
type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiGenerateRequest struct {
	Contents          []geminiContent `json:"contents"`
	SystemInstruction *geminiContent  `json:"systemInstruction,omitempty"`
	GenerationConfig  struct {
		MaxOutputTokens int `json:"maxOutputTokens,omitempty"`
	} `json:"generationConfig"`
}

type geminiGenerateResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
}
