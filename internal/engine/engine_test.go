// ABOUTME: Tests for the rollout scheduler and lifecycle state machine
// ABOUTME: Covers admission, execution, cancellation, concurrency bounds, shutdown, and reconcile

package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/arena-gateway/internal/auth"
	"github.com/2389/arena-gateway/internal/driver"
	"github.com/2389/arena-gateway/internal/ports"
	"github.com/2389/arena-gateway/internal/sandbox"
	"github.com/2389/arena-gateway/internal/store"
)

// driverFunc adapts a function to the driver.Driver interface.
type driverFunc func(ctx context.Context, inv *driver.Invocation) (*driver.Result, error)

func (f driverFunc) Invoke(ctx context.Context, inv *driver.Invocation) (*driver.Result, error) {
	return f(ctx, inv)
}

// fakeProvisioner stands in for the sandbox layer. It tracks which ports are
// provisioned at any moment so tests can assert exclusivity and reclamation.
type fakeProvisioner struct {
	mu           sync.Mutex
	active       map[int]bool
	maxActive    int
	provisions   int
	teardowns    []int64
	provisionErr error
	delay        time.Duration
	orphans      []string
	exclusiveErr error
}

func newFakeProvisioner() *fakeProvisioner {
	return &fakeProvisioner{active: map[int]bool{}}
}

func (f *fakeProvisioner) Provision(ctx context.Context, rolloutID int64, hostPort int) (*sandbox.Environment, error) {
	f.mu.Lock()
	if f.provisionErr != nil {
		err := f.provisionErr
		f.mu.Unlock()
		return nil, err
	}
	if f.active[hostPort] {
		f.exclusiveErr = fmt.Errorf("port %d provisioned twice concurrently", hostPort)
	}
	f.active[hostPort] = true
	f.provisions++
	if len(f.active) > f.maxActive {
		f.maxActive = len(f.active)
	}
	delay := f.delay
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
		}
	}

	return &sandbox.Environment{
		RolloutID:     rolloutID,
		Port:          hostPort,
		DataStoreID:   fmt.Sprintf("db-%d", rolloutID),
		AnalyticsID:   fmt.Sprintf("ui-%d", rolloutID),
		DataStoreName: sandbox.DataStoreContainerName(rolloutID),
		AnalyticsName: sandbox.AnalyticsContainerName(rolloutID),
	}, nil
}

func (f *fakeProvisioner) Teardown(ctx context.Context, env *sandbox.Environment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.active, env.Port)
	f.teardowns = append(f.teardowns, env.RolloutID)
	return nil
}

func (f *fakeProvisioner) Sweep(ctx context.Context) ([]string, error) {
	return f.orphans, nil
}

func (f *fakeProvisioner) teardownCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.teardowns)
}

type testEnv struct {
	engine *Engine
	store  *store.MockStore
	prov   *fakeProvisioner
	alloc  *ports.Allocator
}

func newTestEngine(t *testing.T, cfg Config, drv driver.Driver) *testEnv {
	t.Helper()

	if cfg.Workers == 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = 8
	}
	if cfg.ShutdownGrace == 0 {
		cfg.ShutdownGrace = 5 * time.Second
	}

	st := store.NewMockStore()
	require.NoError(t, st.CreateTask(context.Background(), &store.Task{
		ID:             "task-1",
		Description:    "Count products rated above 4.5",
		ExpectedAnswer: `{"count": 2}`,
		CreatedAt:      time.Now().UTC(),
	}))

	prov := newFakeProvisioner()
	alloc, err := ports.NewAllocator(8100, 16)
	require.NoError(t, err)
	tokens, err := auth.NewTokenIssuer("test-secret", time.Hour)
	require.NoError(t, err)

	if drv == nil {
		drv = driverFunc(func(ctx context.Context, inv *driver.Invocation) (*driver.Result, error) {
			return &driver.Result{RawOutput: `{"count": 2}`}, nil
		})
	}

	return &testEnv{
		engine: New(st, prov, drv, alloc, tokens, cfg),
		store:  st,
		prov:   prov,
		alloc:  alloc,
	}
}

func waitForStatus(t *testing.T, st store.Store, id int64, status string) *store.Rollout {
	t.Helper()
	var rollout *store.Rollout
	require.Eventually(t, func() bool {
		r, err := st.GetRollout(context.Background(), id)
		if err != nil {
			return false
		}
		rollout = r
		return r.Status == status
	}, 5*time.Second, 5*time.Millisecond, "rollout %d never reached %s", id, status)
	return rollout
}

func TestEngine_RolloutSucceeds(t *testing.T) {
	env := newTestEngine(t, Config{}, nil)
	env.engine.Start()
	defer env.engine.Shutdown(context.Background())

	r, err := env.engine.Submit(context.Background(), "task-1")
	require.NoError(t, err)

	final := waitForStatus(t, env.store, r.ID, store.StatusCompleted)
	require.NotNil(t, final.Success)
	assert.True(t, *final.Success)
	assert.NotEmpty(t, final.AgentToken)
	assert.Equal(t, sandbox.DataStoreContainerName(r.ID), final.DBContainer)
	assert.NotNil(t, final.StartedAt)
	assert.NotNil(t, final.EndedAt)

	assert.Eventually(t, func() bool { return env.prov.teardownCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return env.alloc.InUse() == 0 }, time.Second, 5*time.Millisecond)
}

func TestEngine_MismatchStillCompletes(t *testing.T) {
	drv := driverFunc(func(ctx context.Context, inv *driver.Invocation) (*driver.Result, error) {
		return &driver.Result{RawOutput: `{"count": 3}`}, nil
	})
	env := newTestEngine(t, Config{}, drv)
	env.engine.Start()
	defer env.engine.Shutdown(context.Background())

	r, err := env.engine.Submit(context.Background(), "task-1")
	require.NoError(t, err)

	final := waitForStatus(t, env.store, r.ID, store.StatusCompleted)
	require.NotNil(t, final.Success)
	assert.False(t, *final.Success)
	assert.Contains(t, final.ErrorMessage, "count")
}

func TestEngine_UnparsableOutputCompletes(t *testing.T) {
	drv := driverFunc(func(ctx context.Context, inv *driver.Invocation) (*driver.Result, error) {
		return &driver.Result{RawOutput: "I gave up."}, nil
	})
	env := newTestEngine(t, Config{}, drv)
	env.engine.Start()
	defer env.engine.Shutdown(context.Background())

	r, err := env.engine.Submit(context.Background(), "task-1")
	require.NoError(t, err)

	final := waitForStatus(t, env.store, r.ID, store.StatusCompleted)
	require.NotNil(t, final.Success)
	assert.False(t, *final.Success)
}

func TestEngine_AgentErrorFails(t *testing.T) {
	drv := driverFunc(func(ctx context.Context, inv *driver.Invocation) (*driver.Result, error) {
		return nil, &driver.AgentError{Err: errors.New("browser crashed")}
	})
	env := newTestEngine(t, Config{}, drv)
	env.engine.Start()
	defer env.engine.Shutdown(context.Background())

	r, err := env.engine.Submit(context.Background(), "task-1")
	require.NoError(t, err)

	final := waitForStatus(t, env.store, r.ID, store.StatusFailed)
	assert.Nil(t, final.Success, "failed rollouts never get a verification verdict")
	assert.Contains(t, final.ErrorMessage, "browser crashed")

	assert.Eventually(t, func() bool { return env.prov.teardownCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return env.alloc.InUse() == 0 }, time.Second, 5*time.Millisecond)
}

func TestEngine_ProvisionFailureFails(t *testing.T) {
	env := newTestEngine(t, Config{}, nil)
	env.prov.provisionErr = &sandbox.ProvisionError{Stage: "readiness", Err: errors.New("never healthy")}
	env.engine.Start()
	defer env.engine.Shutdown(context.Background())

	r, err := env.engine.Submit(context.Background(), "task-1")
	require.NoError(t, err)

	final := waitForStatus(t, env.store, r.ID, store.StatusFailed)
	assert.Contains(t, final.ErrorMessage, "readiness")
	assert.Eventually(t, func() bool { return env.alloc.InUse() == 0 }, time.Second, 5*time.Millisecond)
}

func TestEngine_SubmitUnknownTask(t *testing.T) {
	env := newTestEngine(t, Config{}, nil)

	_, err := env.engine.Submit(context.Background(), "no-such-task")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestEngine_QueueFull(t *testing.T) {
	// Workers never started, so nothing drains the queue.
	env := newTestEngine(t, Config{Workers: 1, QueueSize: 2}, nil)

	_, err := env.engine.Submit(context.Background(), "task-1")
	require.NoError(t, err)
	_, err = env.engine.Submit(context.Background(), "task-1")
	require.NoError(t, err)

	_, err = env.engine.Submit(context.Background(), "task-1")
	assert.ErrorIs(t, err, ErrQueueFull)

	// The rejected submission must not have created a record.
	rollouts, err := env.store.ListRollouts(context.Background(), store.RolloutFilter{})
	require.NoError(t, err)
	assert.Len(t, rollouts, 2)
}

func TestEngine_SubmitBatchPartial(t *testing.T) {
	env := newTestEngine(t, Config{Workers: 1, QueueSize: 3}, nil)

	admitted, err := env.engine.SubmitBatch(context.Background(), "task-1", 5)
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Len(t, admitted, 3)
}

func TestEngine_CancelQueued(t *testing.T) {
	env := newTestEngine(t, Config{Workers: 1, QueueSize: 4}, nil)

	r, err := env.engine.Submit(context.Background(), "task-1")
	require.NoError(t, err)

	require.NoError(t, env.engine.Cancel(context.Background(), r.ID))

	final, err := env.store.GetRollout(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCancelled, final.Status)
	assert.Equal(t, 0, env.prov.provisions, "cancelled before provisioning ever started")
}

func TestEngine_CancelInFlight(t *testing.T) {
	started := make(chan struct{})
	drv := driverFunc(func(ctx context.Context, inv *driver.Invocation) (*driver.Result, error) {
		close(started)
		<-ctx.Done()
		return nil, &driver.AgentError{Err: ctx.Err()}
	})
	env := newTestEngine(t, Config{}, drv)
	env.engine.Start()
	defer env.engine.Shutdown(context.Background())

	r, err := env.engine.Submit(context.Background(), "task-1")
	require.NoError(t, err)

	<-started
	require.NoError(t, env.engine.Cancel(context.Background(), r.ID))

	waitForStatus(t, env.store, r.ID, store.StatusCancelled)
	assert.Eventually(t, func() bool { return env.prov.teardownCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return env.alloc.InUse() == 0 }, time.Second, 5*time.Millisecond)
}

func TestEngine_CancelTerminalRejected(t *testing.T) {
	env := newTestEngine(t, Config{}, nil)
	env.engine.Start()
	defer env.engine.Shutdown(context.Background())

	r, err := env.engine.Submit(context.Background(), "task-1")
	require.NoError(t, err)
	waitForStatus(t, env.store, r.ID, store.StatusCompleted)

	err = env.engine.Cancel(context.Background(), r.ID)
	assert.ErrorIs(t, err, store.ErrStaleStatus)
}

func TestEngine_ConcurrencyBoundedByWorkers(t *testing.T) {
	env := newTestEngine(t, Config{Workers: 3, QueueSize: 16}, nil)
	env.prov.delay = 30 * time.Millisecond
	env.engine.Start()
	defer env.engine.Shutdown(context.Background())

	var ids []int64
	for i := 0; i < 10; i++ {
		r, err := env.engine.Submit(context.Background(), "task-1")
		require.NoError(t, err)
		ids = append(ids, r.ID)
	}
	for _, id := range ids {
		waitForStatus(t, env.store, id, store.StatusCompleted)
	}

	env.prov.mu.Lock()
	defer env.prov.mu.Unlock()
	assert.NoError(t, env.prov.exclusiveErr)
	assert.LessOrEqual(t, env.prov.maxActive, 3, "at most one sandbox per worker")
	assert.Equal(t, 10, env.prov.provisions)
	assert.Len(t, env.prov.teardowns, 10)
}

func TestEngine_RandomizedSubmitCancel(t *testing.T) {
	drv := driverFunc(func(ctx context.Context, inv *driver.Invocation) (*driver.Result, error) {
		select {
		case <-time.After(5 * time.Millisecond):
		case <-ctx.Done():
			return nil, &driver.AgentError{Err: ctx.Err()}
		}
		return &driver.Result{RawOutput: `{"count": 2}`}, nil
	})
	env := newTestEngine(t, Config{Workers: 4, QueueSize: 32}, drv)
	env.engine.Start()
	defer env.engine.Shutdown(context.Background())

	var ids []int64
	for i := 0; i < 20; i++ {
		r, err := env.engine.Submit(context.Background(), "task-1")
		require.NoError(t, err)
		ids = append(ids, r.ID)
		if i%3 == 0 {
			// Cancellation may race completion; either outcome is legal.
			_ = env.engine.Cancel(context.Background(), r.ID)
		}
	}

	require.Eventually(t, func() bool {
		for _, id := range ids {
			r, err := env.store.GetRollout(context.Background(), id)
			if err != nil || !store.IsTerminal(r.Status) {
				return false
			}
		}
		return true
	}, 10*time.Second, 10*time.Millisecond)

	env.prov.mu.Lock()
	exclusiveErr := env.prov.exclusiveErr
	provisions := env.prov.provisions
	teardowns := len(env.prov.teardowns)
	env.prov.mu.Unlock()

	assert.NoError(t, exclusiveErr)
	assert.Equal(t, provisions, teardowns, "every provisioned sandbox must be torn down")
	assert.Eventually(t, func() bool { return env.alloc.InUse() == 0 }, time.Second, 5*time.Millisecond)
}

func TestEngine_ShutdownDrainsInFlight(t *testing.T) {
	drv := driverFunc(func(ctx context.Context, inv *driver.Invocation) (*driver.Result, error) {
		time.Sleep(50 * time.Millisecond)
		return &driver.Result{RawOutput: `{"count": 2}`}, nil
	})
	env := newTestEngine(t, Config{Workers: 2, QueueSize: 8, ShutdownGrace: 2 * time.Second}, drv)
	env.engine.Start()

	r, err := env.engine.Submit(context.Background(), "task-1")
	require.NoError(t, err)

	// Give a worker a moment to pick it up, then shut down.
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, env.engine.Shutdown(context.Background()))

	final, err := env.store.GetRollout(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, final.Status)

	_, err = env.engine.Submit(context.Background(), "task-1")
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestEngine_Reconcile(t *testing.T) {
	env := newTestEngine(t, Config{}, nil)
	ctx := context.Background()

	// Never started: cancelled on restart.
	r1, err := env.store.CreateRollout(ctx, "task-1")
	require.NoError(t, err)

	// In flight when the process died: its sandbox is gone, so it failed.
	r2, err := env.store.CreateRollout(ctx, "task-1")
	require.NoError(t, err)
	require.NoError(t, env.store.TransitionRollout(ctx, r2.ID, store.StatusPending, store.StatusProvisioning))
	require.NoError(t, env.store.TransitionRollout(ctx, r2.ID, store.StatusProvisioning, store.StatusRunning))

	r3, err := env.store.CreateRollout(ctx, "task-1")
	require.NoError(t, err)
	require.NoError(t, env.store.TransitionRollout(ctx, r3.ID, store.StatusPending, store.StatusProvisioning))

	// Cancellation that never finalized: still ends up cancelled.
	r4, err := env.store.CreateRollout(ctx, "task-1")
	require.NoError(t, err)
	require.NoError(t, env.store.TransitionRollout(ctx, r4.ID, store.StatusPending, store.StatusCancelling))

	env.prov.orphans = []string{"rollout-db-1", "rollout-ui-1"}

	require.NoError(t, env.engine.Reconcile(ctx))

	for _, id := range []int64{r1.ID, r4.ID} {
		r, err := env.store.GetRollout(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, store.StatusCancelled, r.Status)
		assert.Contains(t, r.ErrorMessage, "restart")
	}
	for _, id := range []int64{r2.ID, r3.ID} {
		r, err := env.store.GetRollout(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, store.StatusFailed, r.Status)
		assert.Contains(t, r.ErrorMessage, "process restarted")
	}
}

// flakyStore wraps a Store and fails the first few status transitions.
type flakyStore struct {
	store.Store
	mu        sync.Mutex
	remaining int
}

func (f *flakyStore) TransitionRollout(ctx context.Context, id int64, from, to string) error {
	f.mu.Lock()
	fail := f.remaining > 0
	if fail {
		f.remaining--
	}
	f.mu.Unlock()
	if fail {
		return errors.New("disk I/O error")
	}
	return f.Store.TransitionRollout(ctx, id, from, to)
}

func TestEngine_RetriesTransientStoreFailures(t *testing.T) {
	mock := store.NewMockStore()
	require.NoError(t, mock.CreateTask(context.Background(), &store.Task{
		ID:             "task-1",
		Description:    "Count products rated above 4.5",
		ExpectedAnswer: `{"count": 2}`,
		CreatedAt:      time.Now().UTC(),
	}))
	flaky := &flakyStore{Store: mock, remaining: 2}

	prov := newFakeProvisioner()
	alloc, err := ports.NewAllocator(8100, 16)
	require.NoError(t, err)
	tokens, err := auth.NewTokenIssuer("test-secret", time.Hour)
	require.NoError(t, err)
	drv := driverFunc(func(ctx context.Context, inv *driver.Invocation) (*driver.Result, error) {
		return &driver.Result{RawOutput: `{"count": 2}`}, nil
	})

	eng := New(flaky, prov, drv, alloc, tokens, Config{Workers: 1, QueueSize: 4, ShutdownGrace: 5 * time.Second})
	eng.Start()
	defer eng.Shutdown(context.Background())

	r, err := eng.Submit(context.Background(), "task-1")
	require.NoError(t, err)

	// Two transient write failures must not strand the rollout.
	final := waitForStatus(t, mock, r.ID, store.StatusCompleted)
	require.NotNil(t, final.Success)
	assert.True(t, *final.Success)
}

func TestEngine_InvocationCarriesAccessContext(t *testing.T) {
	var mu sync.Mutex
	var got driver.Invocation
	drv := driverFunc(func(ctx context.Context, inv *driver.Invocation) (*driver.Result, error) {
		mu.Lock()
		got = *inv
		mu.Unlock()
		return &driver.Result{RawOutput: `{"count": 2}`}, nil
	})
	env := newTestEngine(t, Config{
		AccessNote:    "Log in as admin. Output only JSON. ",
		Headless:      true,
		RecordingRoot: "/var/recordings",
	}, drv)
	env.engine.Start()
	defer env.engine.Shutdown(context.Background())

	r, err := env.engine.Submit(context.Background(), "task-1")
	require.NoError(t, err)
	waitForStatus(t, env.store, r.ID, store.StatusCompleted)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "Log in as admin. Output only JSON. Count products rated above 4.5", got.Description)
	assert.True(t, got.Headless)
	assert.Equal(t, "/var/recordings", got.RecordingRoot)
}
