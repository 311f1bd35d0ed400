package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/killallgit/kortix/pkg/auth"
	"github.com/killallgit/kortix/pkg/logger"
	"github.com/killallgit/kortix/pkg/metrics"
	"golang.org/x/time/rate"
)

// Client talks to the agent backend over REST
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     auth.TokenSource
	limiter    *rate.Limiter
	classifier Classifier
	metrics    *metrics.Metrics
	log        *logger.Logger
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient overrides the HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the per-request timeout. A client passed to WithHTTPClient
// is copied, not modified.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		hc := http.Client{}
		if c.httpClient != nil {
			hc = *c.httpClient
		}
		hc.Timeout = timeout
		c.httpClient = &hc
	}
}

// WithTokenSource sets where bearer tokens come from
func WithTokenSource(ts auth.TokenSource) Option {
	return func(c *Client) { c.tokens = ts }
}

// WithRateLimit throttles outgoing requests. A non-positive rps disables it.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithClassifier replaces the billing/limit error classifier
func WithClassifier(cl Classifier) Option {
	return func(c *Client) { c.classifier = cl }
}

// WithMetrics records request counts
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithLogger sets the client logger
func WithLogger(l *logger.Logger) Option {
	return func(c *Client) { c.log = l }
}

// NewClient creates a backend client rooted at baseURL
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		tokens:     auth.Anonymous,
		classifier: DefaultClassifier,
		log:        logger.WithComponent("api"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the backend root URL
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Tokens returns the token source used for requests
func (c *Client) Tokens() auth.TokenSource {
	return c.tokens
}

// do performs one JSON request. endpoint names the call for metrics and logs;
// a nil in skips the body and a nil out discards the response.
func (c *Client) do(ctx context.Context, endpoint, method, path string, in, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%s: rate limiter: %w", endpoint, err)
		}
	}

	var body io.Reader
	if in != nil {
		reqBody, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: failed to marshal request: %w", endpoint, err)
		}
		body = bytes.NewReader(reqBody)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("%s: failed to create request: %w", endpoint, err)
	}
	if in != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json")

	bearer, err := auth.BearerHeader(ctx, c.tokens)
	if err != nil {
		return fmt.Errorf("%s: failed to get access token: %w", endpoint, err)
	}
	if bearer != "" {
		httpReq.Header.Set("Authorization", bearer)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.metrics.RecordAPIRequest(endpoint, 0)
		return fmt.Errorf("%s: request failed: %w", endpoint, err)
	}
	defer resp.Body.Close()
	c.metrics.RecordAPIRequest(endpoint, resp.StatusCode)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errorBody, readErr := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if readErr != nil {
			return fmt.Errorf("%s: request failed with status %d (failed to read error response: %w)", endpoint, resp.StatusCode, readErr)
		}
		apiErr := parseAPIError(resp.StatusCode, errorBody)
		c.log.Debug("Backend request failed", "endpoint", endpoint, "status", resp.StatusCode, "code", apiErr.Code)
		return fmt.Errorf("%s: %w", endpoint, c.classifier.Classify(apiErr))
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: failed to decode response: %w", endpoint, err)
	}
	return nil
}
