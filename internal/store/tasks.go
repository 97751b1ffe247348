package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Task run status values.
const (
	RunStatusRunning = "running"
	RunStatusSuccess = "success"
	RunStatusError   = "error"
)

// ErrRunInProgress is returned by CreateRunIfIdle when the task already has
// a running run.
var ErrRunInProgress = errors.New("run already in progress")

// ScheduledTask is a recurring agent prompt. Its description is the message
// the agent receives on every fire.
type ScheduledTask struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Cron        string    `json:"cron"`
	Enabled     bool      `json:"enabled"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TaskRun records one execution of a scheduled task: final agent text in
// Result, the step-by-step trace in Output.
type TaskRun struct {
	ID         string     `json:"id"`
	TaskID     string     `json:"task_id"`
	Status     string     `json:"status"`
	Result     string     `json:"result"`
	Output     string     `json:"output"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

func (s *Store) CreateScheduledTask(t *ScheduledTask) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now

	_, err := s.db.Exec(
		`INSERT INTO scheduled_tasks (id, name, description, cron, enabled, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Name, t.Description, t.Cron, t.Enabled, t.CreatedAt, t.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("task %q: %w", t.Name, ErrDuplicateName)
	}
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

func (s *Store) scanTask(row interface{ Scan(...any) error }) (*ScheduledTask, error) {
	var t ScheduledTask
	err := row.Scan(&t.ID, &t.Name, &t.Description, &t.Cron, &t.Enabled, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &t, nil
}

const taskColumns = `id, name, description, cron, enabled, created_at, updated_at`

func (s *Store) GetScheduledTask(name string) (*ScheduledTask, error) {
	row := s.db.QueryRow(`SELECT `+taskColumns+` FROM scheduled_tasks WHERE name = ?`, name)
	return s.scanTask(row)
}

func (s *Store) GetScheduledTaskByID(id string) (*ScheduledTask, error) {
	row := s.db.QueryRow(`SELECT `+taskColumns+` FROM scheduled_tasks WHERE id = ?`, id)
	return s.scanTask(row)
}

func (s *Store) queryTasks(query string, args ...any) ([]ScheduledTask, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []ScheduledTask
	for rows.Next() {
		t, err := s.scanTask(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *t)
	}
	return result, rows.Err()
}

func (s *Store) ListScheduledTasks() ([]ScheduledTask, error) {
	return s.queryTasks(`SELECT ` + taskColumns + ` FROM scheduled_tasks ORDER BY name`)
}

func (s *Store) ListEnabledScheduledTasks() ([]ScheduledTask, error) {
	return s.queryTasks(`SELECT ` + taskColumns + ` FROM scheduled_tasks WHERE enabled = 1 ORDER BY name`)
}

// TaskUpdate carries the mutable fields of a scheduled task. Nil means leave
// unchanged.
type TaskUpdate struct {
	Description *string
	Cron        *string
	Enabled     *bool
}

func (s *Store) UpdateScheduledTask(name string, upd TaskUpdate) (*ScheduledTask, error) {
	t, err := s.GetScheduledTask(name)
	if err != nil {
		return nil, err
	}
	if upd.Description != nil {
		t.Description = *upd.Description
	}
	if upd.Cron != nil {
		t.Cron = *upd.Cron
	}
	if upd.Enabled != nil {
		t.Enabled = *upd.Enabled
	}
	t.UpdatedAt = time.Now().UTC()

	_, err = s.db.Exec(
		`UPDATE scheduled_tasks SET description = ?, cron = ?, enabled = ?, updated_at = ? WHERE id = ?`,
		t.Description, t.Cron, t.Enabled, t.UpdatedAt, t.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("update task: %w", err)
	}
	return t, nil
}

// DeleteScheduledTask removes a task; its run history cascades.
func (s *Store) DeleteScheduledTask(name string) error {
	res, err := s.db.Exec(`DELETE FROM scheduled_tasks WHERE name = ?`, name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateRun inserts a running run record for a task fire.
func (s *Store) CreateRun(taskID string) (*TaskRun, error) {
	run := &TaskRun{
		ID:        uuid.NewString(),
		TaskID:    taskID,
		Status:    RunStatusRunning,
		StartedAt: time.Now().UTC(),
	}
	_, err := s.db.Exec(
		`INSERT INTO task_runs (id, task_id, status, result, output, started_at) VALUES (?, ?, ?, '', '', ?)`,
		run.ID, run.TaskID, run.Status, run.StartedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	return run, nil
}

// CreateRunIfIdle inserts a running run unless the task already has one in
// flight. The existence check and the insert are a single statement, so two
// near-simultaneous fires cannot both pass the guard.
func (s *Store) CreateRunIfIdle(taskID string) (*TaskRun, error) {
	run := &TaskRun{
		ID:        uuid.NewString(),
		TaskID:    taskID,
		Status:    RunStatusRunning,
		StartedAt: time.Now().UTC(),
	}
	res, err := s.db.Exec(
		`INSERT INTO task_runs (id, task_id, status, result, output, started_at)
		 SELECT ?, ?, ?, '', '', ?
		 WHERE NOT EXISTS (SELECT 1 FROM task_runs WHERE task_id = ? AND status = ?)`,
		run.ID, run.TaskID, run.Status, run.StartedAt, taskID, RunStatusRunning,
	)
	if err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrRunInProgress
	}
	return run, nil
}

// CompleteRun finalizes a run with its status, result text, and trace output.
func (s *Store) CompleteRun(runID, status, result, output string) error {
	_, err := s.db.Exec(
		`UPDATE task_runs SET status = ?, result = ?, output = ?, finished_at = ? WHERE id = ?`,
		status, result, output, time.Now().UTC(), runID,
	)
	return err
}

// HasRunningRun reports whether a task has a fire still in flight, used to
// skip overlapping executions.
func (s *Store) HasRunningRun(taskID string) (bool, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM task_runs WHERE task_id = ? AND status = ?`,
		taskID, RunStatusRunning,
	).Scan(&n)
	return n > 0, err
}

func (s *Store) scanRun(row interface{ Scan(...any) error }) (*TaskRun, error) {
	var run TaskRun
	var finished sql.NullTime
	err := row.Scan(&run.ID, &run.TaskID, &run.Status, &run.Result, &run.Output, &run.StartedAt, &finished)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if finished.Valid {
		t := finished.Time
		run.FinishedAt = &t
	}
	return &run, nil
}

const runColumns = `id, task_id, status, result, output, started_at, finished_at`

// ListRuns returns the most recent runs of a task, newest first.
func (s *Store) ListRuns(taskID string, limit int) ([]TaskRun, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.Query(
		`SELECT `+runColumns+` FROM task_runs WHERE task_id = ? ORDER BY started_at DESC LIMIT ?`,
		taskID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []TaskRun
	for rows.Next() {
		run, err := s.scanRun(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *run)
	}
	return result, rows.Err()
}

// LatestRun returns the most recent run of a task, or ErrNotFound.
func (s *Store) LatestRun(taskID string) (*TaskRun, error) {
	row := s.db.QueryRow(
		`SELECT `+runColumns+` FROM task_runs WHERE task_id = ? ORDER BY started_at DESC LIMIT 1`,
		taskID,
	)
	return s.scanRun(row)
}
