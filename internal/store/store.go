// ABOUTME: Store interface and data types for arena-gateway persistence
// ABOUTME: Defines Task, Rollout, StepLog structs and the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateTask is returned when creating a task whose id already exists
var ErrDuplicateTask = errors.New("task already exists")

// ErrStaleStatus is returned when a status transition's expected current
// status no longer matches the stored one. The rollout was modified by
// someone else, which is a contract violation of the single-writer rule.
var ErrStaleStatus = errors.New("stale rollout status")

// ErrNotTerminal is returned when deleting a rollout that is still live
var ErrNotTerminal = errors.New("rollout is not terminal")

// Rollout status values. Transitions only move forward:
//
//	pending -> provisioning -> running -> {completed | failed}
//
// plus a cancelling -> cancelled branch reachable from any non-terminal
// state. completed, failed, and cancelled are terminal.
const (
	StatusPending      = "pending"
	StatusProvisioning = "provisioning"
	StatusRunning      = "running"
	StatusCompleted    = "completed"
	StatusFailed       = "failed"
	StatusCancelling   = "cancelling"
	StatusCancelled    = "cancelled"
)

// IsTerminal reports whether a rollout status is terminal.
func IsTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// ValidTransition reports whether from -> to is a legal status transition.
func ValidTransition(from, to string) bool {
	switch from {
	case StatusPending:
		return to == StatusProvisioning || to == StatusCancelling
	case StatusProvisioning:
		return to == StatusRunning || to == StatusFailed || to == StatusCancelling
	case StatusRunning:
		return to == StatusCompleted || to == StatusFailed || to == StatusCancelling
	case StatusCancelling:
		return to == StatusCancelled
	}
	return false
}

// Task is one benchmark task: a natural-language query plus its expected
// structured answer. Tasks are immutable once created.
type Task struct {
	ID             string
	Description    string
	ExpectedAnswer string
	CreatedAt      time.Time
}

// TaskStats carries a task together with statistics derived from its
// rollout records. The counts are computed by aggregate query and never
// stored, so they cannot drift out of sync.
type TaskStats struct {
	Task
	RolloutCount   int
	CompletedCount int
	SuccessCount   int
}

// Rollout is one end-to-end execution attempt of a task inside a freshly
// provisioned environment. IDs are store-assigned and monotonically
// increasing. Success is tri-state: nil until verification has run.
type Rollout struct {
	ID            int64
	TaskID        string
	Status        string
	AllocatedPort int
	DBContainer   string
	UIContainer   string
	RawOutput     string
	Success       *bool
	ErrorMessage  string
	RecordingPath string
	AgentToken    string
	CreatedAt     time.Time
	StartedAt     *time.Time
	EndedAt       *time.Time
}

// RolloutFilter narrows ListRollouts results. Zero values match everything.
type RolloutFilter struct {
	TaskID string
	Status string
}

// RolloutResult carries the terminal outcome of a rollout execution.
type RolloutResult struct {
	RawOutput     string
	Success       *bool
	ErrorMessage  string
	RecordingPath string
}

// StepLog is one agent step reported by the driver during a run, used by
// the dashboard to show live progress.
type StepLog struct {
	RolloutID      int64
	StepNumber     int
	Reasoning      string
	FunctionCalls  string
	ScreenshotPath string
	Timestamp      time.Time
}

// Store defines the interface for task and rollout persistence.
//
// Rollout records follow a single-writer discipline: after submission only
// the worker executing a rollout writes to it. The store is not required to
// resolve concurrent writes to the same record.
type Store interface {
	// Tasks
	CreateTask(ctx context.Context, task *Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	ListTasks(ctx context.Context) ([]*TaskStats, error)

	// Rollouts
	CreateRollout(ctx context.Context, taskID string) (*Rollout, error)
	GetRollout(ctx context.Context, id int64) (*Rollout, error)
	ListRollouts(ctx context.Context, filter RolloutFilter) ([]*Rollout, error)
	ListNonTerminalRollouts(ctx context.Context) ([]*Rollout, error)
	DeleteRollout(ctx context.Context, id int64) error

	// TransitionRollout atomically moves a rollout from one status to
	// another. Returns ErrStaleStatus if the stored status is not `from`.
	TransitionRollout(ctx context.Context, id int64, from, to string) error

	// Per-field updates, written only by the owning worker.
	SetRolloutEnvironment(ctx context.Context, id int64, port int, dbContainer, uiContainer string) error
	SetRolloutToken(ctx context.Context, id int64, token string) error
	SetRolloutStarted(ctx context.Context, id int64, at time.Time) error
	SetRolloutResult(ctx context.Context, id int64, res RolloutResult, endedAt time.Time) error

	// Step logs
	SaveStepLog(ctx context.Context, step *StepLog) error
	ListStepLogs(ctx context.Context, rolloutID int64) ([]*StepLog, error)

	// Close releases any resources held by the store
	Close() error
}
