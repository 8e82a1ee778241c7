package aiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

type HTTPClientConfig struct {
	BaseURL    string
	Path       string
	Timeout    time.Duration
	Retries    int
	HTTPClient *http.Client
}

type HTTPClient struct {
	baseURL string
	path    string
	client  *http.Client
	timeout time.Duration
	retries int
}

func NewHTTPClient(cfg HTTPClientConfig) (*HTTPClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("ai service base url required")
	}
	path := cfg.Path
	if path == "" {
		path = "/ai/movement/vote"
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	retries := cfg.Retries
	if retries < 0 {
		retries = 0
	}
	return &HTTPClient{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		path:    path,
		client:  client,
		timeout: timeout,
		retries: retries,
	}, nil
}

func (c *HTTPClient) Decide(ctx context.Context, req Request) (Decision, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Decision{}, fmt.Errorf("ai marshal request: %w", err)
	}

	attempts := c.retries + 1
	var lastErr error
	for i := 0; i < attempts; i++ {
		if ctx.Err() != nil {
			return Decision{}, ctx.Err()
		}
		reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
		httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+c.path, bytes.NewReader(body))
		if err != nil {
			cancel()
			return Decision{}, fmt.Errorf("ai build request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		resp, err := c.client.Do(httpReq)
		if err != nil {
			cancel()
			lastErr = err
		} else {
			decision, parseErr := decodeDecision(resp)
			resp.Body.Close()
			cancel()
			if parseErr == nil {
				return decision, nil
			}
			lastErr = parseErr
			if resp.StatusCode >= 400 && resp.StatusCode < 500 {
				break
			}
		}
		if i < attempts-1 {
			select {
			case <-time.After(time.Duration(i+1) * 100 * time.Millisecond):
			case <-ctx.Done():
				return Decision{}, ctx.Err()
			}
		}
	}
	return Decision{}, fmt.Errorf("ai decision failed: %w", lastErr)
}

func decodeDecision(resp *http.Response) (Decision, error) {
	if resp.StatusCode >= 500 {
		return Decision{}, fmt.Errorf("ai service unavailable: %s", resp.Status)
	}
	if resp.StatusCode != http.StatusOK {
		return Decision{}, fmt.Errorf("ai service rejected request: %s", resp.Status)
	}
	var decision Decision
	if err := json.NewDecoder(resp.Body).Decode(&decision); err != nil {
		return Decision{}, fmt.Errorf("ai decode response: %w", err)
	}
	if err := decision.Validate(); err != nil {
		return Decision{}, fmt.Errorf("ai decision: %w", err)
	}
	return decision, nil
}
