// Package transport sends REST requests over HTTP. Its Client.Do is the
// network RequestFunc wrapped by the sync handler.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/hyperengineering/restsync/internal/types"
)

// DefaultAPIVersion is used when a request names no API version.
const DefaultAPIVersion = "1.1"

// maxErrorBody bounds how much of an error response is kept.
const maxErrorBody = 64 << 10

// APIError is returned for non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       []byte
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error %d", e.StatusCode)
}

// Client sends requests to a REST API rooted at a base URL.
type Client struct {
	baseURL   string
	token     string
	userAgent string
	client    *http.Client
	limiter   *rate.Limiter
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.client = hc }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.client.Timeout = d
		}
	}
}

// WithRateLimit caps outgoing requests per second. Zero disables the cap.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(c *Client) {
		if perSecond <= 0 {
			c.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) { c.userAgent = ua }
}

// New creates a Client. token may be empty for anonymous access.
func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		token:     token,
		userAgent: "restsync",
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// URL returns the absolute URL req is sent to.
func (c *Client) URL(req *types.Request) string {
	version := req.APIVersion
	if version == "" {
		version = DefaultAPIVersion
	}
	u := c.baseURL + "/rest/v" + version + req.Path
	if q := strings.TrimPrefix(req.Query, "?"); q != "" {
		u += "?" + q
	}
	return u
}

// Do sends req and reports the response body through fn. It satisfies
// types.RequestFunc and always calls fn exactly once.
func (c *Client) Do(ctx context.Context, req *types.Request, fn types.Callback) {
	body, err := c.send(ctx, req)
	fn(body, err)
}

func (c *Client) send(ctx context.Context, req *types.Request) (types.Body, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit: %w", err)
		}
	}

	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}

	var reqBody io.Reader
	if len(req.Body) > 0 {
		reqBody = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.URL(req), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", c.userAgent)
	if reqBody != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, newAPIError(resp.StatusCode, data)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	return types.Body(data), nil
}

// newAPIError reads the {"error": code, "message": text} envelope when
// the response carries one.
func newAPIError(status int, data []byte) *APIError {
	e := &APIError{StatusCode: status, Body: data}
	if gjson.ValidBytes(data) {
		e.Code = gjson.GetBytes(data, "error").String()
		e.Message = gjson.GetBytes(data, "message").String()
	}
	if e.Message == "" {
		e.Message = http.StatusText(status)
	}
	return e
}
