package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"clipsync/internal/protocol"
)

const (
	apiTimeout = 15 * time.Second

	// API responses are small JSON bodies.
	maxAPIResponseBytes = 64 * 1024
)

// PublishResult is the relay's answer to a fallback share.
type PublishResult struct {
	Recipients int  `json:"recipients"`
	Duplicate  bool `json:"duplicate"`
}

type apiError struct {
	Error string `json:"error"`
}

// APIClient posts clipboard content over plain HTTP when the live
// connection is down.
type APIClient struct {
	httpClient *http.Client
	baseURL    string
	tokens     TokenSource
}

// NewAPIClient creates a fallback client for the relay at baseURL. If
// httpClient is nil a client with a 15 second timeout is used.
func NewAPIClient(baseURL string, tokens TokenSource, httpClient *http.Client) *APIClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: apiTimeout}
	}
	return &APIClient{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		tokens:     tokens,
	}
}

// PublishClipboard shares msg through POST /api/clipboard. A 401 triggers a
// single credential refresh and retry.
func (c *APIClient) PublishClipboard(ctx context.Context, msg protocol.Clipboard) (PublishResult, error) {
	token, err := c.tokens.Token()
	if err != nil {
		return PublishResult{}, fmt.Errorf("loading token: %w", err)
	}

	var res PublishResult
	status, err := c.post(ctx, "/api/clipboard", token, msg, &res)
	if status == http.StatusUnauthorized {
		fresh, refreshErr := c.tokens.Refresh(ctx)
		if refreshErr != nil {
			return PublishResult{}, errors.Join(err, refreshErr)
		}
		_, err = c.post(ctx, "/api/clipboard", fresh, msg, &res)
	}
	if err != nil {
		return PublishResult{}, err
	}
	return res, nil
}

// post sends body as JSON and decodes a 200 response into result. It returns
// the status code alongside any error.
func (c *APIClient) post(ctx context.Context, endpoint, token string, body, result any) (int, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("marshalling request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("sending request to %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("reading response from %s: %w", endpoint, err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error != "" {
			return resp.StatusCode, fmt.Errorf("API %s (%d): %s", endpoint, resp.StatusCode, apiErr.Error)
		}
		return resp.StatusCode, fmt.Errorf("API %s returned status %d", endpoint, resp.StatusCode)
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return resp.StatusCode, fmt.Errorf("decoding response from %s: %w", endpoint, err)
		}
	}
	return resp.StatusCode, nil
}
