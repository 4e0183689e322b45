// ABOUTME: Local agent driver running an agent process per rollout.
// ABOUTME: Context is passed via environment; stdout is the agent's answer.
package driver

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// ExecDriver runs a local command once per rollout. The invocation is passed
// through ARENA_* environment variables and the process's stdout, trimmed,
// becomes the raw output handed to verification.
type ExecDriver struct {
	command string
	args    []string
	logger  *slog.Logger
}

func NewExecDriver(command string, args []string) *ExecDriver {
	return &ExecDriver{
		command: command,
		args:    args,
		logger:  slog.Default().With("component", "driver", "mode", "local"),
	}
}

func (d *ExecDriver) Invoke(ctx context.Context, inv *Invocation) (*Result, error) {
	headless := "0"
	if inv.Headless {
		headless = "1"
	}

	cmd := exec.CommandContext(ctx, d.command, d.args...)
	cmd.Env = append(os.Environ(),
		"ARENA_ROLLOUT_ID="+strconv.FormatInt(inv.RolloutID, 10),
		"ARENA_TASK_ID="+inv.TaskID,
		"ARENA_TASK_DESCRIPTION="+inv.Description,
		"ARENA_ENVIRONMENT_URL="+inv.EnvironmentURL,
		"ARENA_CALLBACK_URL="+inv.CallbackURL,
		"ARENA_AGENT_TOKEN="+inv.AgentToken,
		"ARENA_HEADLESS="+headless,
	)

	recordingDir := inv.RecordingDir()
	if recordingDir != "" {
		if err := os.MkdirAll(recordingDir, 0o755); err != nil {
			return nil, &AgentError{Err: fmt.Errorf("creating recording dir: %w", err)}
		}
		cmd.Env = append(cmd.Env, "ARENA_RECORDING_DIR="+recordingDir)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	d.logger.Info("invoking agent", "rollout_id", inv.RolloutID, "command", d.command)
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, &AgentError{Err: ctx.Err()}
		}
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > 512 {
			msg = msg[:512]
		}
		return nil, &AgentError{Err: fmt.Errorf("%w: %s", err, msg)}
	}

	return &Result{
		RawOutput:     strings.TrimSpace(stdout.String()),
		RecordingPath: recordingDir,
	}, nil
}

var _ Driver = (*ExecDriver)(nil)
