// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu       sync.RWMutex
	tasks    map[string]*Task
	rollouts map[int64]*Rollout
	steps    map[int64][]*StepLog
	nextID   int64
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		tasks:    make(map[string]*Task),
		rollouts: make(map[int64]*Rollout),
		steps:    make(map[int64][]*StepLog),
		nextID:   1,
	}
}

// CreateTask stores a new task, rejecting duplicate ids.
func (m *MockStore) CreateTask(ctx context.Context, task *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.tasks[task.ID]; exists {
		return ErrDuplicateTask
	}

	t := *task
	m.tasks[t.ID] = &t
	return nil
}

// GetTask retrieves a task by ID.
func (m *MockStore) GetTask(ctx context.Context, id string) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	copy := *t
	return &copy, nil
}

// ListTasks returns all tasks with derived rollout statistics.
func (m *MockStore) ListTasks(ctx context.Context) ([]*TaskStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*TaskStats
	for _, t := range m.tasks {
		ts := &TaskStats{Task: *t}
		for _, r := range m.rollouts {
			if r.TaskID != t.ID {
				continue
			}
			ts.RolloutCount++
			if IsTerminal(r.Status) {
				ts.CompletedCount++
			}
			if r.Status == StatusCompleted && r.Success != nil && *r.Success {
				ts.SuccessCount++
			}
		}
		out = append(out, ts)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// CreateRollout creates a pending rollout with the next monotonic id.
func (m *MockStore) CreateRollout(ctx context.Context, taskID string) (*Rollout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := &Rollout{
		ID:        m.nextID,
		TaskID:    taskID,
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
	}
	m.nextID++
	m.rollouts[r.ID] = r

	copy := *r
	return &copy, nil
}

// GetRollout retrieves a rollout by ID.
func (m *MockStore) GetRollout(ctx context.Context, id int64) (*Rollout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.rollouts[id]
	if !ok {
		return nil, ErrNotFound
	}
	copy := *r
	return &copy, nil
}

// ListRollouts returns rollouts matching the filter, newest first.
func (m *MockStore) ListRollouts(ctx context.Context, filter RolloutFilter) ([]*Rollout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Rollout
	for _, r := range m.rollouts {
		if filter.TaskID != "" && r.TaskID != filter.TaskID {
			continue
		}
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		copy := *r
		out = append(out, &copy)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

// ListNonTerminalRollouts returns rollouts not in a terminal state.
func (m *MockStore) ListNonTerminalRollouts(ctx context.Context) ([]*Rollout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Rollout
	for _, r := range m.rollouts {
		if IsTerminal(r.Status) {
			continue
		}
		copy := *r
		out = append(out, &copy)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// DeleteRollout removes a terminal rollout.
func (m *MockStore) DeleteRollout(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rollouts[id]
	if !ok {
		return ErrNotFound
	}
	if !IsTerminal(r.Status) {
		return ErrNotTerminal
	}
	delete(m.rollouts, id)
	delete(m.steps, id)
	return nil
}

// TransitionRollout performs a compare-and-swap status change.
func (m *MockStore) TransitionRollout(ctx context.Context, id int64, from, to string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rollouts[id]
	if !ok {
		return ErrNotFound
	}
	if !ValidTransition(from, to) {
		return fmt.Errorf("invalid transition %s -> %s", from, to)
	}
	if r.Status != from {
		return ErrStaleStatus
	}
	r.Status = to
	return nil
}

// SetRolloutEnvironment records the provisioned environment.
func (m *MockStore) SetRolloutEnvironment(ctx context.Context, id int64, port int, dbContainer, uiContainer string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rollouts[id]
	if !ok {
		return ErrNotFound
	}
	r.AllocatedPort = port
	r.DBContainer = dbContainer
	r.UIContainer = uiContainer
	return nil
}

// SetRolloutToken records the agent token.
func (m *MockStore) SetRolloutToken(ctx context.Context, id int64, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rollouts[id]
	if !ok {
		return ErrNotFound
	}
	r.AgentToken = token
	return nil
}

// SetRolloutStarted records the invocation start time.
func (m *MockStore) SetRolloutStarted(ctx context.Context, id int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rollouts[id]
	if !ok {
		return ErrNotFound
	}
	t := at.UTC()
	r.StartedAt = &t
	return nil
}

// SetRolloutResult records the terminal outcome.
func (m *MockStore) SetRolloutResult(ctx context.Context, id int64, res RolloutResult, endedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rollouts[id]
	if !ok {
		return ErrNotFound
	}
	r.RawOutput = res.RawOutput
	r.Success = res.Success
	r.ErrorMessage = res.ErrorMessage
	r.RecordingPath = res.RecordingPath
	t := endedAt.UTC()
	r.EndedAt = &t
	return nil
}

// SaveStepLog upserts a step log entry.
func (m *MockStore) SaveStepLog(ctx context.Context, step *StepLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	steps := m.steps[step.RolloutID]
	for i, existing := range steps {
		if existing.StepNumber == step.StepNumber {
			copy := *step
			steps[i] = &copy
			return nil
		}
	}
	copy := *step
	m.steps[step.RolloutID] = append(steps, &copy)
	return nil
}

// ListStepLogs returns step logs in step order.
func (m *MockStore) ListStepLogs(ctx context.Context, rolloutID int64) ([]*StepLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	steps := m.steps[rolloutID]
	out := make([]*StepLog, 0, len(steps))
	for _, st := range steps {
		copy := *st
		out = append(out, &copy)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepNumber < out[j].StepNumber })
	return out, nil
}

// Close is a no-op for the mock store.
func (m *MockStore) Close() error {
	return nil
}

// Ensure MockStore implements Store interface
var _ Store = (*MockStore)(nil)
