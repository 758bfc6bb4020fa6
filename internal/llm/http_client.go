package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"forge/internal/config"
	"forge/internal/logging"
)

// httpClient talks to an openai-compatible chat-completions endpoint.
type httpClient struct {
	apiURL     string
	apiKey     string
	model      string
	httpClient *http.Client
	logger     logging.Logger
}

// NewHTTPClient builds a client for the configured backend.
func NewHTTPClient(cfg config.LLMConfig) (Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("llm api key is not set")
	}
	if cfg.APIURL == "" {
		return nil, fmt.Errorf("llm api url is not set")
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	return &httpClient{
		apiURL:     cfg.APIURL,
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logging.NewComponentLogger("llm"),
	}, nil
}

func (c *httpClient) Model() string { return c.model }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// HTTPStatusError carries a non-2xx backend response.
type HTTPStatusError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Status)
}

// HTTPStatus lets the error taxonomy classify transience.
func (e *HTTPStatusError) HTTPStatus() int { return e.StatusCode }

func (c *httpClient) Complete(ctx context.Context, req Request) (*Response, error) {
	payload := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: req.System},
			{Role: "user", Content: req.User},
		},
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	c.logger.Debug("Request model=%s max_tokens=%d est_tokens=%d",
		c.model, req.MaxTokens, EstimateTokens(req))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("backend request: %w", err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return nil, &HTTPStatusError{
			StatusCode: httpResp.StatusCode,
			Status:     httpResp.Status,
			Body:       preview(respBody, 400),
		}
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("backend returned no choices")
	}

	choice := parsed.Choices[0]
	truncated := choice.FinishReason == "length"
	if truncated {
		c.logger.Debug("Response truncated (finish_reason=length)")
	}

	return &Response{Content: choice.Message.Content, Truncated: truncated}, nil
}

func preview(body []byte, max int) string {
	if len(body) > max {
		return string(body[:max]) + "... (truncated)"
	}
	return string(body)
}
