package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// OpenRouterCompleter calls an OpenAI-compatible /chat/completions endpoint.
// Works with OpenRouter, vLLM, LiteLLM, self-hosted models, etc.
type OpenRouterCompleter struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewOpenRouterCompleter builds a Completer for an OpenAI-compatible API.
// baseURL should include the /v1 prefix, e.g. "https://openrouter.ai/api/v1".
// The timeout is generous because the call may involve model inference.
func NewOpenRouterCompleter(baseURL, apiKey string) *OpenRouterCompleter {
	return &OpenRouterCompleter{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:  strings.TrimSpace(apiKey),
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// Complete implements Completer using the OpenAI chat completions API.
func (c *OpenRouterCompleter) Complete(ctx context.Context, model string, messages []Message) (string, error) {
	if strings.TrimSpace(model) == "" {
		return "", fmt.Errorf("completion model required")
	}
	if len(messages) == 0 {
		return "", fmt.Errorf("completion messages required")
	}

	body, err := json.Marshal(oaiChatRequest{Model: model, Messages: messages})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("completion request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errResp oaiErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		if errResp.Error.Message != "" {
			return "", fmt.Errorf("completion api error: %s", errResp.Error.Message)
		}
		return "", fmt.Errorf("completion api error: %s", resp.Status)
	}

	var chatResp oaiChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return "", fmt.Errorf("completion decode: %w", err)
	}
	if len(chatResp.Choices) == 0 {
		return "", fmt.Errorf("empty response from completion api")
	}
	text := chatResp.Choices[0].Message.Content
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("empty response from completion api")
	}
	return text, nil
}

// OpenAI-compatible request/response types.

type oaiChatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
}

type oaiChatResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
}

type oaiErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}
