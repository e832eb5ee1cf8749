package completion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

type httpCompleter struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewHTTPCompleter talks to an OpenAI-style completions endpoint.
func NewHTTPCompleter(endpoint, apiKey string, client *http.Client) Completer {
	if client == nil {
		client = http.DefaultClient
	}
	return &httpCompleter{endpoint: endpoint, apiKey: apiKey, client: client}
}

type httpRequest struct {
	Model       string  `json:"model"`
	Prompt      string  `json:"prompt"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
}

type httpResponse struct {
	Choices []struct {
		Text string `json:"text"`
	} `json:"choices"`
}

func (c *httpCompleter) Complete(ctx context.Context, req Request) (string, error) {
	body, err := json.Marshal(httpRequest{
		Model:       req.Model,
		Prompt:      req.Prompt,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read completion response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if strings.Contains(string(data), "insufficient_quota") {
			return "", fmt.Errorf("%w: %s", ErrQuotaExceeded, resp.Status)
		}
		return "", &StatusError{Code: resp.StatusCode, Body: string(data)}
	}

	var decoded httpResponse
	if err := json.Unmarshal(data, &decoded); err != nil {
		return "", fmt.Errorf("decode completion response: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return "", fmt.Errorf("completion response has no choices")
	}
	return strings.TrimSpace(decoded.Choices[0].Text), nil
}
