// Package client talks to a running devstack admin server.
package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DefaultBaseURL matches the default admin listen address.
const DefaultBaseURL = "http://127.0.0.1:9000"

// Client provides HTTP client functionality to communicate with a devstack admin server
type Client struct {
	baseURL string
	client  *http.Client
	stream  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	// BaseURL includes the admin base path, if any.
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger // Optional logger for client operations
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: DefaultBaseURL,
		Timeout: 30 * time.Second,
	}
}

// New creates a new admin API client.
func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	transport := &http.Transport{}
	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		logger:  config.Logger,
		client:  &http.Client{Timeout: config.Timeout, Transport: transport},
		// streams stay open indefinitely; only the context ends them
		stream: &http.Client{Transport: transport},
	}
}

// IsReachable checks if the admin server answers its health endpoint.
func (c *Client) IsReachable(ctx context.Context) bool {
	var resp struct {
		OK bool `json:"ok"`
	}
	if err := c.getJSON(ctx, "/health", &resp); err != nil {
		c.logger.Debug("Admin server unreachable", "error", err)
		return false
	}
	return resp.OK
}

// Services returns the status of every supervised service.
func (c *Client) Services(ctx context.Context) (*ServicesResponse, error) {
	var out ServicesResponse
	if err := c.getJSON(ctx, "/api/services", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ServiceAction runs start, stop or restart on one service.
func (c *Client) ServiceAction(ctx context.Context, name, action string) (*ActionResult, error) {
	c.logger.Debug("Service action", "name", name, "action", action)
	var out ActionResult
	path := "/api/services/" + url.PathEscape(name) + "/" + url.PathEscape(action)
	if err := c.postJSON(ctx, path, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StackAction runs start, stop or restart on every service.
func (c *Client) StackAction(ctx context.Context, action string) (*ActionResult, error) {
	c.logger.Debug("Stack action", "action", action)
	var out ActionResult
	if err := c.postJSON(ctx, "/api/stack/"+url.PathEscape(action), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Logs returns the last tail lines of a service. A negative tail leaves
// the choice to the server.
func (c *Client) Logs(ctx context.Context, name string, tail int) (*LogsResponse, error) {
	path := "/api/logs/" + url.PathEscape(name)
	if tail >= 0 {
		path += "?tail=" + strconv.Itoa(tail)
	}
	var out LogsResponse
	if err := c.getJSON(ctx, path, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Stream follows a service's log from after since, calling fn for every
// entry until ctx is cancelled, the server closes the stream, or fn
// returns an error. Cancellation is not reported as an error.
func (c *Client) Stream(ctx context.Context, name string, since int64, fn func(LogEntry) error) error {
	q := url.Values{}
	q.Set("name", name)
	q.Set("since", strconv.FormatInt(since, 10))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/logs/stream?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.stream.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if err := c.handleErrorResponse(resp); err != nil {
		return err
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	var data strings.Builder
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if data.Len() == 0 {
				continue
			}
			var e LogEntry
			if err := json.Unmarshal([]byte(data.String()), &e); err != nil {
				return fmt.Errorf("decode event: %w", err)
			}
			data.Reset()
			if err := fn(e); err != nil {
				return err
			}
		case strings.HasPrefix(line, ":"):
			// comment, e.g. keep-alive
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("read stream: %w", err)
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	return c.doRequest(ctx, http.MethodGet, path, out)
}

func (c *Client) postJSON(ctx context.Context, path string, out any) error {
	return c.doRequest(ctx, http.MethodPost, path, out)
}

// doRequest performs HTTP request with common error handling
func (c *Client) doRequest(ctx context.Context, method, path string, out any) error {
	u := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("HTTP request failed", "error", err, "url", u)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := c.handleErrorResponse(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// handleErrorResponse turns non-2xx responses into *APIError.
func (c *Client) handleErrorResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	apiErr := &APIError{Status: resp.StatusCode}
	var body ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil {
		apiErr.Code = body.Error
		apiErr.Detail = body.Detail
	}
	c.logger.Debug("API request failed", "error", apiErr.Code, "status", resp.StatusCode)
	return apiErr
}
