// Package client speaks the kodegend control channel, over the daemon's
// unix socket by default or a TCP base URL for remote use.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/kodegen/kodegend/pkg/ipc"
)

// Config holds client configuration.
type Config struct {
	// SocketPath is the daemon's unix control socket. Empty means
	// ipc.DefaultSocketPath(). Ignored when BaseURL is set.
	SocketPath string
	// BaseURL selects TCP instead of the unix socket,
	// e.g. "http://127.0.0.1:8420".
	BaseURL string
	// BasePath must match the daemon's base_path setting.
	BasePath string
	Timeout  time.Duration
	Logger   *slog.Logger
}

// Client is safe for concurrent use.
type Client struct {
	base   string
	http   *http.Client
	logger *slog.Logger
}

// New builds a client. It performs no I/O; use IsReachable to probe.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	var base string
	var transport http.RoundTripper
	if cfg.BaseURL != "" {
		base = strings.TrimRight(cfg.BaseURL, "/")
	} else {
		socket := cfg.SocketPath
		if socket == "" {
			socket = ipc.DefaultSocketPath()
		}
		transport = &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", socket)
			},
		}
		// The host is never resolved; every request rides the socket.
		base = "http://kodegend"
	}
	base += sanitizeBasePath(cfg.BasePath)

	return &Client{
		base:   base,
		logger: cfg.Logger,
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
	}
}

func sanitizeBasePath(p string) string {
	p = strings.Trim(strings.TrimSpace(p), "/")
	if p == "" {
		return ""
	}
	return "/" + p
}

// IsReachable reports whether a daemon answers on the control channel.
func (c *Client) IsReachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/healthz", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Debug("daemon unreachable", "err", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

// Status returns the daemon status with every supervised service.
func (c *Client) Status(ctx context.Context) (ipc.StatusResponse, error) {
	var out ipc.StatusResponse
	err := c.postQuery(ctx, ipc.QueryAll(), &out)
	return out, err
}

// ServiceStatus returns the status of one service.
func (c *Client) ServiceStatus(ctx context.Context, name string) (ipc.ServiceStatus, error) {
	var out ipc.ServiceStatus
	err := c.postQuery(ctx, ipc.QueryService(name), &out)
	return out, err
}

// UsageStats aggregates usage statistics for a connection across all
// registered backend servers.
func (c *Client) UsageStats(ctx context.Context, connectionID string) (ipc.AggregatedUsageStats, error) {
	var out ipc.AggregatedUsageStats
	err := c.postQuery(ctx, ipc.QueryUsageStats(connectionID), &out)
	return out, err
}

// ToolHistory aggregates the tool-call history for a connection across the
// backend servers that saw it.
func (c *Client) ToolHistory(ctx context.Context, connectionID string) (ipc.AggregatedToolHistory, error) {
	var out ipc.AggregatedToolHistory
	err := c.postQuery(ctx, ipc.QueryToolHistory(connectionID), &out)
	return out, err
}

// OpenConnection asks the daemon to mint a fresh connection id.
func (c *Client) OpenConnection(ctx context.Context) (string, error) {
	var out connResponse
	if err := c.doJSON(ctx, http.MethodPost, c.base+"/connections", nil, &out); err != nil {
		return "", err
	}
	return out.ConnectionID, nil
}

// RecordActivity notes that a backend category served the connection.
func (c *Client) RecordActivity(ctx context.Context, connectionID, category string) error {
	body := activityRequest{ConnectionID: connectionID, Category: category}
	return c.doJSON(ctx, http.MethodPost, c.base+"/activity", body, nil)
}

// Connections lists the connections the daemon currently tracks.
func (c *Client) Connections(ctx context.Context) ([]ConnectionInfo, error) {
	var out []ConnectionInfo
	err := c.doJSON(ctx, http.MethodGet, c.base+"/connections", nil, &out)
	return out, err
}

// Start starts a stopped or failed service.
func (c *Client) Start(ctx context.Context, name string) error {
	return c.serviceAction(ctx, "start", name)
}

// Stop stops a service without scheduling a restart.
func (c *Client) Stop(ctx context.Context, name string) error {
	return c.serviceAction(ctx, "stop", name)
}

// Restart stops then starts a service with a fresh restart budget.
func (c *Client) Restart(ctx context.Context, name string) error {
	return c.serviceAction(ctx, "restart", name)
}

func (c *Client) serviceAction(ctx context.Context, action, name string) error {
	c.logger.Debug("service action", "action", action, "name", name)
	u := fmt.Sprintf("%s/services/%s?name=%s", c.base, action, url.QueryEscape(name))
	return c.doJSON(ctx, http.MethodPost, u, nil, nil)
}

// Events returns recent lifecycle journal entries, newest first. An empty
// service matches all services; limit 0 means the daemon default.
func (c *Client) Events(ctx context.Context, service string, limit int) ([]Event, error) {
	u := c.base + "/events"
	q := url.Values{}
	if service != "" {
		q.Set("service", service)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	var out eventsResponse
	if err := c.doJSON(ctx, http.MethodGet, u, nil, &out); err != nil {
		return nil, err
	}
	return out.Events, nil
}

// StreamEvents subscribes to live transition events. The returned channel
// closes when ctx ends or the daemon closes the stream. The subscription
// rides its own connection without the client timeout.
func (c *Client) StreamEvents(ctx context.Context) (<-chan StreamEvent, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/events/stream", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	// A fresh client: the stream must outlive any per-request timeout.
	streamClient := &http.Client{Transport: c.http.Transport}
	resp, err := streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer func() { _ = resp.Body.Close() }()
		return nil, c.errorFrom(resp)
	}

	ch := make(chan StreamEvent, 16)
	go func() {
		defer close(ch)
		defer func() { _ = resp.Body.Close() }()
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			var ev StreamEvent
			if err := json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &ev); err != nil {
				c.logger.Debug("bad stream event", "err", err, "line", line)
				continue
			}
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// postQuery sends a StatusQuery and decodes the matching response shape.
func (c *Client) postQuery(ctx context.Context, q ipc.StatusQuery, out any) error {
	c.logger.Debug("query", "type", q.Kind, "service", q.Service, "connection", q.ConnectionID)
	return c.doJSON(ctx, http.MethodPost, c.base+"/query", q, out)
}

func (c *Client) doJSON(ctx context.Context, method, u string, body, out any) error {
	var rdr *bytes.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		rdr = bytes.NewReader(buf)
	}

	var req *http.Request
	var err error
	if rdr != nil {
		req, err = http.NewRequestWithContext(ctx, method, u, rdr)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, u, nil)
	}
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if rdr != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return c.errorFrom(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// errorFrom turns an error answer into a Go error, keeping the daemon's
// message when the body carries one.
func (c *Client) errorFrom(resp *http.Response) error {
	var e errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&e); err != nil || e.Error == "" {
		return fmt.Errorf("daemon answered %d", resp.StatusCode)
	}
	return fmt.Errorf("daemon error: %s", e.Error)
}
