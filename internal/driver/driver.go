// ABOUTME: Agent driver abstraction: how the engine hands a task to an agent.
// ABOUTME: Selects between a remote HTTP agent service and a local subprocess.
package driver

import (
	"context"
	"fmt"
	"path/filepath"
)

// Invocation carries everything an agent needs to attempt a task in a
// provisioned sandbox.
type Invocation struct {
	RolloutID   int64  `json:"rollout_id"`
	TaskID      string `json:"task_id"`
	Description string `json:"description"`

	// EnvironmentURL is the base URL of the sandbox analytics UI the agent
	// should drive.
	EnvironmentURL string `json:"environment_url"`

	// CallbackURL is the gateway base URL for reporting step logs.
	CallbackURL string `json:"callback_url"`

	// AgentToken authorizes step log reports for this rollout only.
	AgentToken string `json:"agent_token"`

	// Headless tells the agent whether to run its browser headlessly.
	Headless bool `json:"headless"`

	// RecordingRoot, when set, is where the agent should write its session
	// recording. Empty disables recording.
	RecordingRoot string `json:"recording_root,omitempty"`
}

// RecordingDir returns the per-rollout recording directory, or "" when
// recording is disabled.
func (inv *Invocation) RecordingDir() string {
	if inv.RecordingRoot == "" {
		return ""
	}
	return filepath.Join(inv.RecordingRoot, fmt.Sprintf("rollout-%d", inv.RolloutID))
}

// Result is what an agent produced for one invocation. RawOutput is passed
// to verification untouched; the driver never interprets it.
type Result struct {
	RawOutput     string `json:"output"`
	RecordingPath string `json:"recording_path,omitempty"`
}

// AgentError marks a failure of the agent itself, as opposed to a sandbox
// provisioning failure. Rollouts that hit one are marked failed.
type AgentError struct {
	Err error
}

func (e *AgentError) Error() string {
	return fmt.Sprintf("agent invocation failed: %v", e.Err)
}

func (e *AgentError) Unwrap() error {
	return e.Err
}

// Driver invokes an agent against a sandbox and returns its raw output.
// Invoke blocks until the agent finishes or ctx is cancelled.
type Driver interface {
	Invoke(ctx context.Context, inv *Invocation) (*Result, error)
}

// Config selects and configures a driver implementation.
type Config struct {
	// Mode is "remote" or "local".
	Mode string

	// Endpoint is the invoke URL of the remote agent service.
	Endpoint string

	// Command and Args run a local agent process per rollout.
	Command string
	Args    []string
}

// New builds the driver named by cfg.Mode.
func New(cfg Config) (Driver, error) {
	switch cfg.Mode {
	case "remote":
		if cfg.Endpoint == "" {
			return nil, fmt.Errorf("remote driver requires an endpoint")
		}
		return NewHTTPDriver(cfg.Endpoint), nil
	case "local":
		if cfg.Command == "" {
			return nil, fmt.Errorf("local driver requires a command")
		}
		return NewExecDriver(cfg.Command, cfg.Args), nil
	default:
		return nil, fmt.Errorf("unknown driver mode %q", cfg.Mode)
	}
}
