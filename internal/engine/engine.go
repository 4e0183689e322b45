// ABOUTME: Rollout engine: bounded worker pool, submission queue, cancellation.
// ABOUTME: Owns startup reconciliation and graceful shutdown of in-flight work.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/arena-gateway/internal/auth"
	"github.com/2389/arena-gateway/internal/driver"
	"github.com/2389/arena-gateway/internal/ports"
	"github.com/2389/arena-gateway/internal/sandbox"
	"github.com/2389/arena-gateway/internal/store"
)

// ErrQueueFull is returned by Submit when the queue has no free slot. No
// rollout record is created in that case.
var ErrQueueFull = errors.New("rollout queue is full")

// Provisioner is the sandbox surface the engine drives. Satisfied by
// *sandbox.Provisioner.
type Provisioner interface {
	Provision(ctx context.Context, rolloutID int64, hostPort int) (*sandbox.Environment, error)
	Teardown(ctx context.Context, env *sandbox.Environment) error
	Sweep(ctx context.Context) ([]string, error)
}

// ErrShuttingDown is returned by Submit once shutdown has begun.
var ErrShuttingDown = errors.New("engine is shutting down")

// Config controls engine concurrency and timing.
type Config struct {
	Workers       int
	QueueSize     int
	AgentTimeout  time.Duration
	ShutdownGrace time.Duration

	// CallbackURL is the gateway base URL handed to agents for step reports.
	CallbackURL string

	// Headless and RecordingRoot are forwarded to the agent on every
	// invocation.
	Headless      bool
	RecordingRoot string

	// AccessNote is prepended to the task description handed to the agent,
	// carrying sandbox login details and output instructions.
	AccessNote string
}

// Engine runs rollouts: it takes submissions, provisions sandboxes, invokes
// the agent, verifies output, and reclaims everything afterwards.
type Engine struct {
	store  store.Store
	prov   Provisioner
	drv    driver.Driver
	ports  *ports.Allocator
	tokens *auth.TokenIssuer
	cfg    Config
	logger *slog.Logger

	// slots gates queue admission; queue carries admitted rollout IDs.
	slots chan struct{}
	queue chan int64

	mu      sync.Mutex
	cancels map[int64]context.CancelFunc
	closed  bool

	runCtx    context.Context
	runCancel context.CancelFunc
	stop      chan struct{}
	wg        sync.WaitGroup
}

func New(st store.Store, prov Provisioner, drv driver.Driver, alloc *ports.Allocator, tokens *auth.TokenIssuer, cfg Config) *Engine {
	return &Engine{
		store:   st,
		prov:    prov,
		drv:     drv,
		ports:   alloc,
		tokens:  tokens,
		cfg:     cfg,
		logger:  slog.Default().With("component", "engine"),
		slots:   make(chan struct{}, cfg.QueueSize),
		queue:   make(chan int64, cfg.QueueSize),
		cancels: make(map[int64]context.CancelFunc),
		stop:    make(chan struct{}),
	}
}

// Start launches the worker pool. Workers keep running until Shutdown.
func (e *Engine) Start() {
	e.runCtx, e.runCancel = context.WithCancel(context.Background())
	for i := 0; i < e.cfg.Workers; i++ {
		e.wg.Add(1)
		go e.worker(i)
	}
	e.logger.Info("engine started", "workers", e.cfg.Workers, "queue_size", e.cfg.QueueSize)
}

func (e *Engine) worker(n int) {
	defer e.wg.Done()
	logger := e.logger.With("worker", n)
	for {
		select {
		case <-e.stop:
			return
		case id := <-e.queue:
			<-e.slots
			logger.Debug("rollout dequeued", "rollout_id", id)
			e.run(e.runCtx, id)
		}
	}
}

// Submit creates and enqueues one rollout for the task. The queue slot is
// reserved before the record is created, so a full queue never leaves an
// orphaned pending rollout behind.
func (e *Engine) Submit(ctx context.Context, taskID string) (*store.Rollout, error) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return nil, ErrShuttingDown
	}

	if _, err := e.store.GetTask(ctx, taskID); err != nil {
		return nil, err
	}

	select {
	case e.slots <- struct{}{}:
	default:
		return nil, ErrQueueFull
	}

	rollout, err := e.store.CreateRollout(ctx, taskID)
	if err != nil {
		<-e.slots
		return nil, err
	}

	e.queue <- rollout.ID
	e.logger.Info("rollout submitted", "rollout_id", rollout.ID, "task_id", taskID)
	return rollout, nil
}

// SubmitBatch enqueues up to attempts rollouts for the task. It stops at the
// first queue rejection and returns whatever was admitted alongside the
// error, so callers can report partial acceptance.
func (e *Engine) SubmitBatch(ctx context.Context, taskID string, attempts int) ([]*store.Rollout, error) {
	var admitted []*store.Rollout
	for i := 0; i < attempts; i++ {
		r, err := e.Submit(ctx, taskID)
		if err != nil {
			return admitted, err
		}
		admitted = append(admitted, r)
	}
	return admitted, nil
}

// Cancel requests cancellation of a rollout. Queued rollouts are cancelled
// before they ever provision; in-flight rollouts have their context cut and
// are finalized by their worker.
func (e *Engine) Cancel(ctx context.Context, id int64) error {
	for attempt := 0; attempt < 3; attempt++ {
		rollout, err := e.store.GetRollout(ctx, id)
		if err != nil {
			return err
		}
		if rollout.Status == store.StatusCancelling {
			return nil
		}
		if store.IsTerminal(rollout.Status) {
			return fmt.Errorf("rollout %d is already %s: %w", id, rollout.Status, store.ErrStaleStatus)
		}

		err = e.transition(ctx, id, rollout.Status, store.StatusCancelling)
		if errors.Is(err, store.ErrStaleStatus) {
			continue
		}
		if err != nil {
			return err
		}

		e.mu.Lock()
		cancel := e.cancels[id]
		e.mu.Unlock()
		if cancel != nil {
			cancel()
		} else if rollout.Status == store.StatusPending {
			// Still queued: finalize now rather than waiting for a worker.
			e.finalizeCancelled(ctx, id)
		}

		e.logger.Info("rollout cancellation requested", "rollout_id", id, "was", rollout.Status)
		return nil
	}
	return store.ErrStaleStatus
}

// Reconcile reclaims state left behind by a previous process: every
// container carrying the managed label is removed, and every non-terminal
// rollout is finalized. Rollouts that had started work are marked failed;
// ones that never left the queue are cancelled. Call before Start.
func (e *Engine) Reconcile(ctx context.Context) error {
	removed, err := e.prov.Sweep(ctx)
	if err != nil {
		return fmt.Errorf("sweep failed: %w", err)
	}
	if len(removed) > 0 {
		e.logger.Warn("removed orphaned sandbox containers", "count", len(removed))
	}

	stale, err := e.store.ListNonTerminalRollouts(ctx)
	if err != nil {
		return err
	}
	for _, r := range stale {
		var terminal, msg string
		var terr error
		switch r.Status {
		case store.StatusProvisioning, store.StatusRunning:
			// Work was in flight and its sandbox is gone; that is a failure,
			// not a cancellation.
			terminal = store.StatusFailed
			msg = "process restarted"
			terr = e.transition(ctx, r.ID, r.Status, terminal)
		default:
			// Pending or cancelling: nothing had started, so cancel.
			terminal = store.StatusCancelled
			msg = "interrupted by gateway restart"
			if r.Status != store.StatusCancelling {
				terr = e.transition(ctx, r.ID, r.Status, store.StatusCancelling)
			}
			if terr == nil {
				terr = e.transition(ctx, r.ID, store.StatusCancelling, terminal)
			}
		}
		if terr != nil {
			e.logger.Error("failed to reconcile rollout", "rollout_id", r.ID, "error", terr)
			continue
		}

		terr = e.setResult(ctx, r.ID, store.RolloutResult{ErrorMessage: msg}, time.Now().UTC())
		if terr != nil {
			e.logger.Error("failed to record reconcile result", "rollout_id", r.ID, "error", terr)
		}
		e.logger.Warn("reconciled interrupted rollout", "rollout_id", r.ID, "was", r.Status, "now", terminal)
	}
	return nil
}

// Shutdown stops accepting work, lets in-flight rollouts finish within the
// grace period, then cuts their contexts so teardown still runs. It returns
// once all workers have exited or ctx is done.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	if e.runCancel == nil {
		// Start was never called; nothing is running.
		close(e.stop)
		return nil
	}

	close(e.stop)
	e.logger.Info("engine draining", "grace", e.cfg.ShutdownGrace)

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	grace := time.NewTimer(e.cfg.ShutdownGrace)
	defer grace.Stop()

	select {
	case <-done:
	case <-grace.C:
		e.logger.Warn("grace period elapsed, aborting in-flight rollouts")
		e.runCancel()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	case <-ctx.Done():
		e.runCancel()
		return ctx.Err()
	}

	e.runCancel()
	e.logger.Info("engine stopped")
	return nil
}

// Status writes that decide rollout state are retried a bounded number of
// times with backoff: a transient persistence blip must not strand a rollout
// in a non-terminal state.
const (
	storeRetries      = 3
	storeRetryBackoff = 100 * time.Millisecond
)

// retryStore runs op, backing off between attempts. Logical errors (stale
// status, missing row) return immediately; only transient failures retry.
func (e *Engine) retryStore(ctx context.Context, op func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = op()
		if err == nil || errors.Is(err, store.ErrStaleStatus) || errors.Is(err, store.ErrNotFound) {
			return err
		}
		if attempt == storeRetries-1 {
			return err
		}
		e.logger.Warn("store write failed, retrying", "attempt", attempt+1, "error", err)
		select {
		case <-time.After(storeRetryBackoff << attempt):
		case <-ctx.Done():
			return err
		}
	}
}

func (e *Engine) transition(ctx context.Context, id int64, from, to string) error {
	return e.retryStore(ctx, func() error {
		return e.store.TransitionRollout(ctx, id, from, to)
	})
}

func (e *Engine) setResult(ctx context.Context, id int64, res store.RolloutResult, finished time.Time) error {
	return e.retryStore(ctx, func() error {
		return e.store.SetRolloutResult(ctx, id, res, finished)
	})
}

// QueueDepth reports how many rollouts are admitted but not yet picked up.
func (e *Engine) QueueDepth() int {
	return len(e.queue)
}
