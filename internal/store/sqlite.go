// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides task/rollout persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS tasks (
			id              TEXT PRIMARY KEY,
			description     TEXT NOT NULL,
			expected_answer TEXT,
			created_at      TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS rollouts (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id        TEXT NOT NULL REFERENCES tasks(id),
			status         TEXT NOT NULL DEFAULT 'pending',
			allocated_port INTEGER,
			db_container   TEXT,
			ui_container   TEXT,
			raw_output     TEXT,
			success        INTEGER,
			error_message  TEXT,
			recording_path TEXT,
			agent_token    TEXT,
			created_at     TEXT NOT NULL,
			started_at     TEXT,
			ended_at       TEXT,

			CHECK (status IN ('pending', 'provisioning', 'running',
				'completed', 'failed', 'cancelling', 'cancelled'))
		);

		CREATE INDEX IF NOT EXISTS idx_rollouts_task ON rollouts(task_id);
		CREATE INDEX IF NOT EXISTS idx_rollouts_status ON rollouts(status);

		CREATE TABLE IF NOT EXISTS step_logs (
			rollout_id      INTEGER NOT NULL REFERENCES rollouts(id) ON DELETE CASCADE,
			step_number     INTEGER NOT NULL,
			reasoning       TEXT,
			function_calls  TEXT,
			screenshot_path TEXT,
			timestamp       TEXT NOT NULL,

			PRIMARY KEY (rollout_id, step_number)
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// CreateTask inserts a task. Returns ErrDuplicateTask if a task with the
// same id already exists; the caller treats that as "skipped", keeping
// batch uploads idempotent.
func (s *SQLiteStore) CreateTask(ctx context.Context, task *Task) error {
	query := `
		INSERT INTO tasks (id, description, expected_answer, created_at)
		VALUES (?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		task.ID,
		task.Description,
		task.ExpectedAnswer,
		task.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateTask
		}
		return fmt.Errorf("inserting task: %w", err)
	}

	s.logger.Debug("created task", "id", task.ID)
	return nil
}

// GetTask retrieves a task by ID.
// Returns ErrNotFound if the task doesn't exist.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*Task, error) {
	query := `
		SELECT id, description, expected_answer, created_at
		FROM tasks
		WHERE id = ?
	`

	var task Task
	var createdAtStr string

	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&task.ID,
		&task.Description,
		&task.ExpectedAnswer,
		&createdAtStr,
	)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying task: %w", err)
	}

	task.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}

	return &task, nil
}

// ListTasks returns all tasks with rollout statistics, newest first.
func (s *SQLiteStore) ListTasks(ctx context.Context) ([]*TaskStats, error) {
	query := `
		SELECT
			t.id, t.description, t.expected_answer, t.created_at,
			COUNT(r.id) AS rollout_count,
			SUM(CASE WHEN r.status IN ('completed', 'failed', 'cancelled') THEN 1 ELSE 0 END) AS completed_count,
			SUM(CASE WHEN r.status = 'completed' AND r.success = 1 THEN 1 ELSE 0 END) AS success_count
		FROM tasks t
		LEFT JOIN rollouts r ON t.id = r.task_id
		GROUP BY t.id
		ORDER BY t.created_at DESC
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*TaskStats
	for rows.Next() {
		var ts TaskStats
		var createdAtStr string
		var completed, success sql.NullInt64

		if err := rows.Scan(&ts.ID, &ts.Description, &ts.ExpectedAnswer, &createdAtStr,
			&ts.RolloutCount, &completed, &success); err != nil {
			return nil, fmt.Errorf("scanning task row: %w", err)
		}

		ts.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		ts.CompletedCount = int(completed.Int64)
		ts.SuccessCount = int(success.Int64)

		tasks = append(tasks, &ts)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating task rows: %w", err)
	}

	return tasks, nil
}

// CreateRollout inserts a new pending rollout for the given task and returns
// it with its store-assigned id. AUTOINCREMENT guarantees ids are unique and
// monotonically increasing.
func (s *SQLiteStore) CreateRollout(ctx context.Context, taskID string) (*Rollout, error) {
	now := time.Now().UTC().Truncate(time.Second)

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO rollouts (task_id, status, created_at)
		VALUES (?, ?, ?)
	`, taskID, StatusPending, now.Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("inserting rollout: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("reading rollout id: %w", err)
	}

	s.logger.Debug("created rollout", "id", id, "task_id", taskID)
	return &Rollout{
		ID:        id,
		TaskID:    taskID,
		Status:    StatusPending,
		CreatedAt: now,
	}, nil
}

const rolloutColumns = `
	id, task_id, status, allocated_port, db_container, ui_container,
	raw_output, success, error_message, recording_path, agent_token,
	created_at, started_at, ended_at
`

// scanner abstracts *sql.Row and *sql.Rows for rollout scanning.
type scanner interface {
	Scan(dest ...any) error
}

func scanRollout(row scanner) (*Rollout, error) {
	var r Rollout
	var port sql.NullInt64
	var dbC, uiC, rawOut, errMsg, recPath, token sql.NullString
	var success sql.NullBool
	var createdAt string
	var startedAt, endedAt sql.NullString

	err := row.Scan(&r.ID, &r.TaskID, &r.Status, &port, &dbC, &uiC,
		&rawOut, &success, &errMsg, &recPath, &token,
		&createdAt, &startedAt, &endedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning rollout: %w", err)
	}

	r.AllocatedPort = int(port.Int64)
	r.DBContainer = dbC.String
	r.UIContainer = uiC.String
	r.RawOutput = rawOut.String
	r.ErrorMessage = errMsg.String
	r.RecordingPath = recPath.String
	r.AgentToken = token.String

	if success.Valid {
		v := success.Bool
		r.Success = &v
	}

	r.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if startedAt.Valid {
		t, err := time.Parse(time.RFC3339, startedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing started_at: %w", err)
		}
		r.StartedAt = &t
	}
	if endedAt.Valid {
		t, err := time.Parse(time.RFC3339, endedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing ended_at: %w", err)
		}
		r.EndedAt = &t
	}

	return &r, nil
}

// GetRollout retrieves a rollout by ID.
// Returns ErrNotFound if the rollout doesn't exist.
func (s *SQLiteStore) GetRollout(ctx context.Context, id int64) (*Rollout, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+rolloutColumns+` FROM rollouts WHERE id = ?`, id)
	return scanRollout(row)
}

// ListRollouts returns rollouts matching the filter, newest first.
func (s *SQLiteStore) ListRollouts(ctx context.Context, filter RolloutFilter) ([]*Rollout, error) {
	query := `SELECT ` + rolloutColumns + ` FROM rollouts WHERE 1=1`
	var args []any

	if filter.TaskID != "" {
		query += " AND task_id = ?"
		args = append(args, filter.TaskID)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}
	query += " ORDER BY id DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying rollouts: %w", err)
	}
	defer rows.Close()

	var rollouts []*Rollout
	for rows.Next() {
		r, err := scanRollout(rows)
		if err != nil {
			return nil, err
		}
		rollouts = append(rollouts, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rollout rows: %w", err)
	}

	return rollouts, nil
}

// ListNonTerminalRollouts returns rollouts that are not in a terminal state.
// Used at startup to reconcile work interrupted by a process restart.
func (s *SQLiteStore) ListNonTerminalRollouts(ctx context.Context) ([]*Rollout, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+rolloutColumns+`
		FROM rollouts
		WHERE status NOT IN ('completed', 'failed', 'cancelled')
		ORDER BY id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("querying non-terminal rollouts: %w", err)
	}
	defer rows.Close()

	var rollouts []*Rollout
	for rows.Next() {
		r, err := scanRollout(rows)
		if err != nil {
			return nil, err
		}
		rollouts = append(rollouts, r)
	}
	return rollouts, rows.Err()
}

// DeleteRollout removes a terminal rollout and its step logs.
// Returns ErrNotFound if it doesn't exist and ErrNotTerminal if it is
// still live; live rollouts must be cancelled first.
func (s *SQLiteStore) DeleteRollout(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM rollouts
		WHERE id = ? AND status IN ('completed', 'failed', 'cancelled')
	`, id)
	if err != nil {
		return fmt.Errorf("deleting rollout: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		// Distinguish missing from live
		if _, err := s.GetRollout(ctx, id); err != nil {
			return err
		}
		return ErrNotTerminal
	}

	// Step logs cascade, but delete explicitly in case foreign_keys is off
	if _, err := s.db.ExecContext(ctx, `DELETE FROM step_logs WHERE rollout_id = ?`, id); err != nil {
		return fmt.Errorf("deleting step logs: %w", err)
	}

	s.logger.Debug("deleted rollout", "id", id)
	return nil
}

// TransitionRollout atomically moves a rollout's status from `from` to `to`.
// The conditional UPDATE makes the transition a compare-and-swap: if the
// stored status is no longer `from`, no row is touched and ErrStaleStatus
// is returned.
func (s *SQLiteStore) TransitionRollout(ctx context.Context, id int64, from, to string) error {
	if !ValidTransition(from, to) {
		return fmt.Errorf("invalid transition %s -> %s", from, to)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE rollouts SET status = ? WHERE id = ? AND status = ?
	`, to, id, from)
	if err != nil {
		return fmt.Errorf("updating rollout status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		if _, err := s.GetRollout(ctx, id); err != nil {
			return err
		}
		return ErrStaleStatus
	}

	s.logger.Debug("rollout transition", "id", id, "from", from, "to", to)
	return nil
}

// SetRolloutEnvironment records the provisioned environment on a rollout.
func (s *SQLiteStore) SetRolloutEnvironment(ctx context.Context, id int64, port int, dbContainer, uiContainer string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE rollouts SET allocated_port = ?, db_container = ?, ui_container = ? WHERE id = ?
	`, port, dbContainer, uiContainer, id)
	if err != nil {
		return fmt.Errorf("updating rollout environment: %w", err)
	}
	return nil
}

// SetRolloutToken records the per-rollout agent token.
func (s *SQLiteStore) SetRolloutToken(ctx context.Context, id int64, token string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE rollouts SET agent_token = ? WHERE id = ?`, token, id)
	if err != nil {
		return fmt.Errorf("updating rollout token: %w", err)
	}
	return nil
}

// SetRolloutStarted records when the agent invocation began.
func (s *SQLiteStore) SetRolloutStarted(ctx context.Context, id int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE rollouts SET started_at = ? WHERE id = ?`,
		at.UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("updating rollout started_at: %w", err)
	}
	return nil
}

// SetRolloutResult records the terminal outcome of a rollout.
func (s *SQLiteStore) SetRolloutResult(ctx context.Context, id int64, res RolloutResult, endedAt time.Time) error {
	var success any
	if res.Success != nil {
		if *res.Success {
			success = 1
		} else {
			success = 0
		}
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE rollouts
		SET raw_output = ?, success = ?, error_message = ?, recording_path = ?, ended_at = ?
		WHERE id = ?
	`, res.RawOutput, success, res.ErrorMessage, res.RecordingPath,
		endedAt.UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("updating rollout result: %w", err)
	}
	return nil
}

// SaveStepLog inserts or updates a step log entry. The driver may re-report
// a step after a retry on its side, so the write is an upsert.
func (s *SQLiteStore) SaveStepLog(ctx context.Context, step *StepLog) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO step_logs (rollout_id, step_number, reasoning, function_calls, screenshot_path, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(rollout_id, step_number) DO UPDATE SET
			reasoning = excluded.reasoning,
			function_calls = excluded.function_calls,
			screenshot_path = excluded.screenshot_path,
			timestamp = excluded.timestamp
	`, step.RolloutID, step.StepNumber, step.Reasoning, step.FunctionCalls,
		step.ScreenshotPath, step.Timestamp.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("saving step log: %w", err)
	}
	return nil
}

// ListStepLogs returns all step logs for a rollout in step order.
func (s *SQLiteStore) ListStepLogs(ctx context.Context, rolloutID int64) ([]*StepLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT rollout_id, step_number, reasoning, function_calls, screenshot_path, timestamp
		FROM step_logs
		WHERE rollout_id = ?
		ORDER BY step_number ASC
	`, rolloutID)
	if err != nil {
		return nil, fmt.Errorf("querying step logs: %w", err)
	}
	defer rows.Close()

	var steps []*StepLog
	for rows.Next() {
		var st StepLog
		var reasoning, calls, shot sql.NullString
		var ts string

		if err := rows.Scan(&st.RolloutID, &st.StepNumber, &reasoning, &calls, &shot, &ts); err != nil {
			return nil, fmt.Errorf("scanning step log: %w", err)
		}
		st.Reasoning = reasoning.String
		st.FunctionCalls = calls.String
		st.ScreenshotPath = shot.String
		st.Timestamp, err = time.Parse(time.RFC3339, ts)
		if err != nil {
			return nil, fmt.Errorf("parsing step timestamp: %w", err)
		}
		steps = append(steps, &st)
	}

	return steps, rows.Err()
}

// Ensure SQLiteStore implements Store interface
var _ Store = (*SQLiteStore)(nil)
