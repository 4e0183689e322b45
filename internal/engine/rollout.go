// ABOUTME: Per-rollout lifecycle: provision, invoke, verify, finalize, reclaim.
// ABOUTME: Every path through run releases the port and tears the sandbox down.
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/2389/arena-gateway/internal/driver"
	"github.com/2389/arena-gateway/internal/store"
	"github.com/2389/arena-gateway/internal/verify"
)

// run executes one rollout from dequeue to terminal state. ctx is the
// engine-wide run context; store writes use a detached context so
// finalization survives shutdown.
func (e *Engine) run(ctx context.Context, id int64) {
	logger := e.logger.With("rollout_id", id)
	db := context.WithoutCancel(ctx)

	rollout, err := e.store.GetRollout(db, id)
	if err != nil {
		logger.Error("failed to load rollout", "error", err)
		return
	}

	switch rollout.Status {
	case store.StatusPending:
	case store.StatusCancelling:
		e.finalizeCancelled(db, id)
		return
	default:
		// Cancelled while queued, or an anomaly. Nothing to run either way.
		logger.Debug("skipping rollout", "status", rollout.Status)
		return
	}

	rctx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.mu.Lock()
	e.cancels[id] = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.cancels, id)
		e.mu.Unlock()
	}()

	if err := e.transition(db, id, store.StatusPending, store.StatusProvisioning); err != nil {
		if errors.Is(err, store.ErrStaleStatus) {
			e.finalizeIfCancelling(db, id)
			return
		}
		logger.Error("giving up on rollout, persistence unavailable", "error", err)
		return
	}

	task, err := e.store.GetTask(db, rollout.TaskID)
	if err != nil {
		e.fail(db, id, store.StatusProvisioning, "task lookup failed: "+err.Error())
		return
	}

	port, err := e.ports.Acquire()
	if err != nil {
		e.fail(db, id, store.StatusProvisioning, err.Error())
		return
	}
	defer e.ports.Release(port)

	env, err := e.prov.Provision(rctx, id, port)
	if err != nil {
		if rctx.Err() != nil && e.finalizeIfCancelling(db, id) {
			return
		}
		e.fail(db, id, store.StatusProvisioning, err.Error())
		return
	}
	defer func() {
		if err := e.prov.Teardown(db, env); err != nil {
			logger.Error("sandbox teardown failed", "error", err)
		}
	}()

	err = e.retryStore(db, func() error {
		return e.store.SetRolloutEnvironment(db, id, port, env.DataStoreName, env.AnalyticsName)
	})
	if err != nil {
		e.fail(db, id, store.StatusProvisioning, "failed to record environment: "+err.Error())
		return
	}

	token, err := e.tokens.Mint(id)
	if err != nil {
		e.fail(db, id, store.StatusProvisioning, "failed to mint agent token: "+err.Error())
		return
	}
	err = e.retryStore(db, func() error {
		return e.store.SetRolloutToken(db, id, token)
	})
	if err != nil {
		e.fail(db, id, store.StatusProvisioning, "failed to record agent token: "+err.Error())
		return
	}

	if err := e.transition(db, id, store.StatusProvisioning, store.StatusRunning); err != nil {
		if errors.Is(err, store.ErrStaleStatus) {
			e.finalizeIfCancelling(db, id)
			return
		}
		e.fail(db, id, store.StatusProvisioning, "persistence unavailable: "+err.Error())
		return
	}
	if err := e.store.SetRolloutStarted(db, id, time.Now().UTC()); err != nil {
		logger.Error("failed to record start time", "error", err)
	}

	ictx := rctx
	if e.cfg.AgentTimeout > 0 {
		var icancel context.CancelFunc
		ictx, icancel = context.WithTimeout(rctx, e.cfg.AgentTimeout)
		defer icancel()
	}

	result, err := e.drv.Invoke(ictx, &driver.Invocation{
		RolloutID:      id,
		TaskID:         task.ID,
		Description:    e.cfg.AccessNote + task.Description,
		EnvironmentURL: env.URL(),
		CallbackURL:    e.cfg.CallbackURL,
		AgentToken:     token,
		Headless:       e.cfg.Headless,
		RecordingRoot:  e.cfg.RecordingRoot,
	})
	if err != nil {
		if rctx.Err() != nil && e.finalizeIfCancelling(db, id) {
			return
		}
		e.fail(db, id, store.StatusRunning, err.Error())
		return
	}

	// Verification runs even when the output is garbage: the rollout
	// completed, it just didn't succeed.
	verdict := verify.Verify(result.RawOutput, task.ExpectedAnswer)
	errMsg := verdict.Diff
	if verdict.Err != nil {
		errMsg = verdict.Err.Error()
	}

	if err := e.transition(db, id, store.StatusRunning, store.StatusCompleted); err != nil {
		if errors.Is(err, store.ErrStaleStatus) {
			e.finalizeIfCancelling(db, id)
			return
		}
		e.fail(db, id, store.StatusRunning, "persistence unavailable: "+err.Error())
		return
	}

	success := verdict.Success
	err = e.setResult(db, id, store.RolloutResult{
		RawOutput:     result.RawOutput,
		Success:       &success,
		ErrorMessage:  errMsg,
		RecordingPath: result.RecordingPath,
	}, time.Now().UTC())
	if err != nil {
		logger.Error("failed to record result", "error", err)
		return
	}

	logger.Info("rollout completed", "task_id", task.ID, "success", success)
}

// fail moves a rollout from `from` to failed and records the error. When the
// rollout was concurrently moved to cancelling, the cancellation wins.
func (e *Engine) fail(ctx context.Context, id int64, from, msg string) {
	err := e.transition(ctx, id, from, store.StatusFailed)
	if errors.Is(err, store.ErrStaleStatus) {
		if e.finalizeIfCancelling(ctx, id) {
			return
		}
	}
	if err != nil {
		e.logger.Error("failed to mark rollout failed", "rollout_id", id, "error", err)
		return
	}

	err = e.setResult(ctx, id, store.RolloutResult{ErrorMessage: msg}, time.Now().UTC())
	if err != nil {
		e.logger.Error("failed to record failure", "rollout_id", id, "error", err)
	}
	e.logger.Warn("rollout failed", "rollout_id", id, "error", msg)
}

// finalizeIfCancelling completes a pending cancellation if one is in
// progress. Returns true when the rollout ended up cancelled.
func (e *Engine) finalizeIfCancelling(ctx context.Context, id int64) bool {
	rollout, err := e.store.GetRollout(ctx, id)
	if err != nil {
		e.logger.Error("failed to load rollout during finalize", "rollout_id", id, "error", err)
		return false
	}
	if rollout.Status != store.StatusCancelling {
		return rollout.Status == store.StatusCancelled
	}
	e.finalizeCancelled(ctx, id)
	return true
}

// finalizeCancelled moves a cancelling rollout to its terminal state.
func (e *Engine) finalizeCancelled(ctx context.Context, id int64) {
	err := e.transition(ctx, id, store.StatusCancelling, store.StatusCancelled)
	if errors.Is(err, store.ErrStaleStatus) {
		return
	}
	if err != nil {
		e.logger.Error("failed to finalize cancellation", "rollout_id", id, "error", err)
		return
	}

	err = e.setResult(ctx, id, store.RolloutResult{ErrorMessage: "cancelled"}, time.Now().UTC())
	if err != nil {
		e.logger.Error("failed to record cancellation", "rollout_id", id, "error", err)
	}
	e.logger.Info("rollout cancelled", "rollout_id", id)
}
