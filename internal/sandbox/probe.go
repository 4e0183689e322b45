// ABOUTME: HTTP readiness probe for freshly started sandbox containers.
// ABOUTME: Polls a health endpoint until it answers 200 or the deadline passes.
package sandbox

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// WaitFor polls url with GET requests every interval until it returns
// HTTP 200, the timeout elapses, or ctx is cancelled. Connection errors and
// non-200 responses are expected while the service boots and are retried.
func WaitFor(ctx context.Context, url string, timeout, interval time.Duration) error {
	deadline := time.Now().Add(timeout)
	client := &http.Client{Timeout: interval}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastErr error
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}

		resp, err := client.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
			lastErr = fmt.Errorf("status %d", resp.StatusCode)
		} else {
			lastErr = err
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("not ready after %s: %w", timeout, lastErr)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
