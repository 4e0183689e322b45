// ABOUTME: Remote agent driver posting invocations to an agent service.
// ABOUTME: One blocking POST per rollout; the response body is the result.
package driver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
)

// HTTPDriver sends each invocation as a JSON POST to a remote agent service
// and waits for the agent's final answer in the response.
type HTTPDriver struct {
	endpoint string
	client   *http.Client
	logger   *slog.Logger
}

func NewHTTPDriver(endpoint string) *HTTPDriver {
	return &HTTPDriver{
		endpoint: endpoint,
		// No client timeout: the invocation deadline comes from ctx.
		client: &http.Client{},
		logger: slog.Default().With("component", "driver", "mode", "remote"),
	}
}

func (d *HTTPDriver) Invoke(ctx context.Context, inv *Invocation) (*Result, error) {
	body, err := json.Marshal(inv)
	if err != nil {
		return nil, &AgentError{Err: fmt.Errorf("failed to encode invocation: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &AgentError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	d.logger.Info("invoking agent", "rollout_id", inv.RolloutID, "task_id", inv.TaskID)
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, &AgentError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &AgentError{Err: fmt.Errorf("agent returned status %d: %s", resp.StatusCode, snippet)}
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, &AgentError{Err: fmt.Errorf("failed to decode agent response: %w", err)}
	}

	return &result, nil
}

var _ Driver = (*HTTPDriver)(nil)
