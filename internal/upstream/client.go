package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pysugar/qwen-gateway/internal/util"
)

// Client handles all outbound HTTP to the Qwen chat and OAuth endpoints. The
// underlying transport is shared and connection-pooled; a streaming response
// keeps its connection occupied until the caller drains it.
type Client struct {
	httpClient *http.Client
	verbose    bool
}

// NewClient builds the shared upstream client. There is deliberately no overall
// client timeout: streaming responses are open-ended, so callers bound requests
// through their context while the transport enforces connect, TLS and
// response-header limits.
func NewClient(verbose bool) *Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		MaxConnsPerHost:       20,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 120 * time.Second,
	}
	return &Client{
		httpClient: &http.Client{Transport: transport},
		verbose:    verbose,
	}
}

// ChatCompletions posts a chat request body to the upstream endpoint.
func (c *Client) ChatCompletions(ctx context.Context, endpoint, accessToken, userAgent string, payload []byte, stream bool) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")
	if userAgent != "" {
		req.Header.Set("User-Agent", userAgent)
	}
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	}

	if c.verbose {
		log.Printf("🔄 [VERBOSE] Qwen chat request payload:\n%s", util.TruncateBytes(payload))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

// PostForm sends a form-encoded request, used by the OAuth device and token
// endpoints.
func (c *Client) PostForm(ctx context.Context, endpoint string, form url.Values, userAgent string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if userAgent != "" {
		req.Header.Set("User-Agent", userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

// Get performs a plain GET, used by the version resolver.
func (c *Client) Get(ctx context.Context, rawURL, userAgent string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if userAgent != "" {
		req.Header.Set("User-Agent", userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

// ReadBody drains and closes a response body, tolerating read errors. Used on
// error paths where the body is only needed for diagnostics.
func ReadBody(resp *http.Response) string {
	if resp == nil || resp.Body == nil {
		return ""
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(body))
}
