package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// errProbeDeadline means the readiness deadline passed without a healthy
// answer. The caller decides whether a still-alive process counts.
var errProbeDeadline = errors.New("readiness deadline passed")

const probeInterval = 50 * time.Millisecond

// probeReady polls the service health endpoint until it answers 2xx or the
// deadline passes, then sends exactly one value on result. Cancelling ctx
// abandons the probe without a send.
func probeReady(ctx context.Context, port uint16, path string, deadline time.Duration, result chan<- error) {
	url := fmt.Sprintf("http://127.0.0.1:%d%s", port, path)
	client := &http.Client{Timeout: 500 * time.Millisecond}
	expire := time.NewTimer(deadline)
	defer expire.Stop()
	tick := time.NewTicker(probeInterval)
	defer tick.Stop()

	for {
		if probeOnce(ctx, client, url) {
			result <- nil
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-expire.C:
			result <- errProbeDeadline
			return
		case <-tick.C:
		}
	}
}

func probeOnce(ctx context.Context, client *http.Client, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
