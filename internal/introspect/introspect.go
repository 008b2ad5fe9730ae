// Package introspect speaks the introspection protocol the supervised
// servers expose on their local ports. One GET per query; connection scope
// rides in the query string.
package introspect

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/kodegen/kodegend/pkg/ipc"
)

const (
	statsPath   = "/introspection/stats"
	historyPath = "/introspection/history"

	// maxBody bounds how much of a misbehaving server's answer we read.
	maxBody = 8 << 20
)

type Client struct {
	http *http.Client
	host string
}

// NewClient builds a client for the loopback introspection endpoints. The
// per-server deadline comes from the request context; timeout is only the
// transport-level backstop.
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		http: &http.Client{Timeout: timeout},
		host: "127.0.0.1",
	}
}

// Stats fetches the usage counters one server tracked for a connection.
func (c *Client) Stats(ctx context.Context, port uint16, connectionID string) (ipc.UsageStatsSnapshot, error) {
	var snap ipc.UsageStatsSnapshot
	if err := c.getJSON(ctx, port, statsPath, connectionID, &snap); err != nil {
		return ipc.UsageStatsSnapshot{}, err
	}
	if err := snap.Validate(); err != nil {
		return ipc.UsageStatsSnapshot{}, fmt.Errorf("invalid stats payload: %w", err)
	}
	return snap, nil
}

// History fetches the tool-call records one server kept for a connection.
// Argument and output payloads stay as the raw JSON text the server sent.
func (c *Client) History(ctx context.Context, port uint16, connectionID string) ([]ipc.ToolCallRecord, error) {
	var calls []ipc.ToolCallRecord
	if err := c.getJSON(ctx, port, historyPath, connectionID, &calls); err != nil {
		return nil, err
	}
	if calls == nil {
		calls = []ipc.ToolCallRecord{}
	}
	return calls, nil
}

func (c *Client) getJSON(ctx context.Context, port uint16, path, connectionID string, out any) error {
	u := fmt.Sprintf("http://%s:%d%s?connection=%s", c.host, port, path, url.QueryEscape(connectionID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("introspection request failed: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server answered %d on %s", resp.StatusCode, path)
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBody)).Decode(out); err != nil {
		return fmt.Errorf("decode %s answer: %w", path, err)
	}
	return nil
}
