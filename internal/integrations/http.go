// Package integrations provides REST clients for the CRM, billing and
// payments systems a dispute workflow reads from and acts on.
package integrations

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/faults"
)

// DefaultTimeout is the default HTTP request timeout.
const DefaultTimeout = 15 * time.Second

// DefaultUserAgent is the user agent string for HTTP requests.
const DefaultUserAgent = "DisputeAgent/1.0"

// maxErrorBody bounds how much of an error response is kept in messages.
const maxErrorBody = 512

// Error describes a failed call to an external system.
type Error struct {
	Service    string
	URL        string
	StatusCode int
	Message    string
	Cause      error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s error for %s: %s: %v", e.Service, e.URL, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s error for %s: %s", e.Service, e.URL, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Options configures a REST client.
type Options struct {
	BaseURL   string
	Token     string
	Timeout   time.Duration
	UserAgent string
	Headers   map[string]string
}

// restClient performs JSON requests against one service and classifies
// failures. Network errors, timeouts, 429 and 5xx are transient; 404 is not
// found; other 4xx are invalid input.
type restClient struct {
	service string
	opts    Options
	http    *http.Client
}

func newRESTClient(service string, opts Options) (*restClient, error) {
	parsed, err := url.Parse(opts.BaseURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid %s base URL %q", service, opts.BaseURL)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	return &restClient{
		service: service,
		opts:    opts,
		http:    &http.Client{Timeout: opts.Timeout},
	}, nil
}

func (c *restClient) do(ctx context.Context, method, path string, body any, out any, headers map[string]string) error {
	op := c.service + "." + strings.ToLower(method)
	fullURL := c.opts.BaseURL + path

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return faults.Wrap(faults.KindInvalidInput, op, fmt.Errorf("failed to marshal request: %w", err))
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, reader)
	if err != nil {
		return faults.Wrap(faults.KindInternal, op, &Error{Service: c.service, URL: fullURL, Message: "failed to create request", Cause: err})
	}
	req.Header.Set("User-Agent", c.opts.UserAgent)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.opts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.opts.Token)
	}
	for key, value := range c.opts.Headers {
		req.Header.Set(key, value)
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return c.classifyTransport(op, fullURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return faults.Transient(op, &Error{Service: c.service, URL: fullURL, StatusCode: resp.StatusCode, Message: "failed to read response body", Cause: err})
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.classifyStatus(op, fullURL, resp.StatusCode, respBody)
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return faults.Wrap(faults.KindInvalidInput, op, &Error{Service: c.service, URL: fullURL, StatusCode: resp.StatusCode, Message: "malformed response", Cause: err})
		}
	}
	return nil
}

func (c *restClient) classifyTransport(op, fullURL string, err error) error {
	e := &Error{Service: c.service, URL: fullURL, Message: "HTTP request failed", Cause: err}
	if errors.Is(err, context.Canceled) {
		return faults.Wrap(faults.KindInternal, op, e)
	}
	// Timeouts, resets and refused connections are all worth retrying.
	return faults.Transient(op, e)
}

func (c *restClient) classifyStatus(op, fullURL string, status int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	if len(msg) > maxErrorBody {
		msg = msg[:maxErrorBody]
	}
	e := &Error{Service: c.service, URL: fullURL, StatusCode: status, Message: fmt.Sprintf("HTTP status %d: %s", status, msg)}
	switch {
	case status == http.StatusNotFound:
		return faults.Wrap(faults.KindNotFound, op, e)
	case status == http.StatusTooManyRequests, status == http.StatusRequestTimeout, status >= 500:
		return faults.Transient(op, e)
	default:
		return faults.Wrap(faults.KindInvalidInput, op, e)
	}
}

// ping issues GET /health.
func (c *restClient) ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil, nil)
}
