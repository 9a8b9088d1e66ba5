// Package httpclient provides a shared HTTP client with connection pooling
// and JSON helpers for service plugins.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"triggerhappy/internal/common/errors"
)

// ClientConfig holds HTTP client configuration
type ClientConfig struct {
	Timeout             time.Duration
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
	UserAgent           string
	Transport           http.RoundTripper
}

// DefaultClientConfig returns default HTTP client configuration
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Timeout:             30 * time.Second,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		UserAgent:           "triggerhappy/1.0",
	}
}

// ClientOption is a function that modifies ClientConfig
type ClientOption func(*ClientConfig)

// WithTimeout sets the client timeout
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *ClientConfig) {
		c.Timeout = timeout
	}
}

// WithUserAgent sets the User-Agent header sent with every request
func WithUserAgent(ua string) ClientOption {
	return func(c *ClientConfig) {
		c.UserAgent = ua
	}
}

// WithTransport sets a custom transport
func WithTransport(transport http.RoundTripper) ClientOption {
	return func(c *ClientConfig) {
		c.Transport = transport
	}
}

// Client wraps http.Client with pooled connections and JSON helpers.
// It is safe for concurrent use.
type Client struct {
	httpClient *http.Client
	userAgent  string
}

// New creates a Client with the given options applied over the defaults
func New(opts ...ClientOption) *Client {
	config := DefaultClientConfig()
	for _, opt := range opts {
		opt(&config)
	}

	transport := config.Transport
	if transport == nil {
		transport = &http.Transport{
			MaxIdleConns:        config.MaxIdleConns,
			MaxIdleConnsPerHost: config.MaxIdleConnsPerHost,
			IdleConnTimeout:     config.IdleConnTimeout,
		}
	}

	return &Client{
		httpClient: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
		userAgent: config.UserAgent,
	}
}

// HTTPClient returns the underlying *http.Client for libraries that take
// one directly (e.g. feed parsers).
func (c *Client) HTTPClient() *http.Client {
	return c.httpClient
}

// Do executes a request with the client's user agent applied
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" && c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	return c.httpClient.Do(req)
}

// Get performs a GET request and returns the response body.
// Responses outside the 2xx range are returned as connection errors.
func (c *Client) Get(ctx context.Context, rawURL string, headers map[string]string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, errors.ValidationError(fmt.Sprintf("invalid request URL %q: %v", rawURL, err))
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.Do(req)
	if err != nil {
		return nil, errors.ConnectionError(fmt.Sprintf("GET %s failed", rawURL), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.ConnectionError(fmt.Sprintf("reading response from %s failed", rawURL), err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errors.ConnectionError(fmt.Sprintf("GET %s returned status %d", rawURL, resp.StatusCode), nil).
			WithContext("status", resp.StatusCode)
	}

	return body, nil
}

// GetJSON performs a GET request and decodes the JSON response into out
func (c *Client) GetJSON(ctx context.Context, rawURL string, headers map[string]string, out interface{}) error {
	body, err := c.Get(ctx, rawURL, headers)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return errors.ValidationError(fmt.Sprintf("decoding JSON from %s: %v", rawURL, err))
	}
	return nil
}

// PostJSON marshals payload as JSON and POSTs it. The decoded response is
// written into out when out is non-nil.
func (c *Client) PostJSON(ctx context.Context, rawURL string, headers map[string]string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return errors.ValidationError(fmt.Sprintf("encoding request payload: %v", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(body))
	if err != nil {
		return errors.ValidationError(fmt.Sprintf("invalid request URL %q: %v", rawURL, err))
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return c.doAndDecode(req, rawURL, out)
}

// PostForm posts URL-encoded form values and decodes the JSON response into
// out when out is non-nil. Used by OAuth token endpoints.
func (c *Client) PostForm(ctx context.Context, rawURL string, values url.Values, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, strings.NewReader(values.Encode()))
	if err != nil {
		return errors.ValidationError(fmt.Sprintf("invalid request URL %q: %v", rawURL, err))
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	return c.doAndDecode(req, rawURL, out)
}

func (c *Client) doAndDecode(req *http.Request, rawURL string, out interface{}) error {
	resp, err := c.Do(req)
	if err != nil {
		return errors.ConnectionError(fmt.Sprintf("%s %s failed", req.Method, rawURL), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.ConnectionError(fmt.Sprintf("reading response from %s failed", rawURL), err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.ConnectionError(fmt.Sprintf("%s %s returned status %d", req.Method, rawURL, resp.StatusCode), nil).
			WithContext("status", resp.StatusCode).
			WithContext("body", truncate(string(body), 200))
	}

	if out != nil && len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return errors.ValidationError(fmt.Sprintf("decoding JSON from %s: %v", rawURL, err))
		}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
