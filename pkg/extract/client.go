package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/ladle-dev/ladle/pkg/models"
)

// Extractor performs the expensive, rate-sensitive extraction call.
// The gate never invokes it; the request handler does, after admission
// and a duplicate-cache miss.
type Extractor interface {
	Extract(ctx context.Context, targetURL string) (*models.ExtractResult, error)
}

// Client calls the downstream AI extraction service over HTTP. The
// response body is treated as opaque; parsing recipe content is not
// this service's job.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// New creates a Client. A zero timeout defaults to 30 seconds.
func New(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
	}
}

type extractRequest struct {
	URL string `json:"url"`
}

// Extract submits the target URL to the extraction service and returns
// its opaque result. Token usage is read from the X-Tokens-Used
// response header when the service reports it.
func (c *Client) Extract(ctx context.Context, targetURL string) (*models.ExtractResult, error) {
	body, err := json.Marshal(extractRequest{URL: targetURL})
	if err != nil {
		return nil, fmt.Errorf("encode extract request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/extract", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create extract request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call extraction service: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read extraction response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("extraction service returned %d", resp.StatusCode)
	}

	result := &models.ExtractResult{URL: targetURL, Body: respBody}
	if v := resp.Header.Get("X-Tokens-Used"); v != "" {
		if tokens, err := strconv.ParseInt(v, 10, 64); err == nil {
			result.TokensUsed = tokens
		}
	}
	return result, nil
}
