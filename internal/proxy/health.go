package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/nervelabs/nerve/internal/nerverr"
)

// waitForHealth polls a freshly started proxy's /health endpoint until
// it reports {"status":"ok"} or timeout elapses.
func waitForHealth(ctx context.Context, port int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	url := fmt.Sprintf("http://127.0.0.1:%d/health", port)
	client := &http.Client{Timeout: time.Second}

	for {
		if time.Now().After(deadline) {
			return nerverr.New(nerverr.ProxyHealthError, "health check timed out on port %d", port)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err == nil {
			resp, err := client.Do(req)
			if err == nil {
				var payload struct {
					Status string `json:"status"`
				}
				ok := resp.StatusCode == http.StatusOK && json.NewDecoder(resp.Body).Decode(&payload) == nil && payload.Status == "ok"
				resp.Body.Close()
				if ok {
					return nil
				}
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}
