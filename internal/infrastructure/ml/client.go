package ml

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"InboxDigest/internal/domain"
	"InboxDigest/internal/ports"
)

const sourceName = "inference"

// Client talks to a self-hosted inference service exposing POST /complete.
type Client struct {
	endpoint string
	apiKey   string
	http     *http.Client
	limiter  *rate.Limiter
}

var _ ports.CompletionClient = (*Client)(nil)

// NewClient creates a reusable HTTP client. requestsPerMinute <= 0 disables pacing.
func NewClient(endpoint, apiKey string, timeout time.Duration, requestsPerMinute int) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if requestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(requestsPerMinute)), 1)
	}
	return &Client{
		endpoint: endpoint,
		apiKey:   apiKey,
		http:     &http.Client{Timeout: timeout},
		limiter:  limiter,
	}
}

// Complete asks the service to answer text under the given system prompt.
func (c *Client) Complete(ctx context.Context, systemPrompt, text string) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("wait for rate limit: %w", err)
	}

	payload := map[string]any{
		"system": systemPrompt,
		"input":  text,
	}

	var resp struct {
		Output *string `json:"output"`
	}
	if err := c.post(ctx, "/complete", payload, &resp); err != nil {
		return "", err
	}
	if resp.Output == nil {
		return "", domain.SchemaMismatch(sourceName, "response has no output field")
	}
	return *resp.Output, nil
}

func (c *Client) post(ctx context.Context, path string, payload any, v any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return domain.Transient(sourceName, err)
	}

	if err := domain.FromHTTPStatus(sourceName, resp.StatusCode, resp.Status); err != nil {
		closeErr := resp.Body.Close()
		if closeErr != nil {
			return fmt.Errorf("%w, close body: %v", err, closeErr)
		}
		return err
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		_ = resp.Body.Close()
		return domain.SchemaMismatch(sourceName, fmt.Sprintf("decode response: %v", err))
	}

	if err := resp.Body.Close(); err != nil {
		return fmt.Errorf("close response body: %w", err)
	}

	return nil
}
