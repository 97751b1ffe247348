// Package scheduler runs scheduled tasks: a process-singleton cron registry
// that re-enters the agent loop on each fire under a synthetic session, with
// a concurrency guard and structured run recording.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/envoyhq/envoy/internal/providers"
	"github.com/envoyhq/envoy/internal/store"
)

// Runner is the slice of the agent loop the scheduler needs.
type Runner interface {
	ProcessTurn(ctx context.Context, sessionID, userMessage string, history []providers.Message) (string, []providers.Message, error)
}

// Scheduler maps task ids to live cron entries. Enabled tasks always have
// exactly one entry; disabled or deleted tasks have none.
type Scheduler struct {
	store  *store.Store
	runner Runner
	cron   *cron.Cron

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

// cronParser is the single parse authority for cron expressions: 5 fields,
// an optional leading seconds field, and descriptors like @daily. Validation
// and scheduling share it, so an expression that validates always installs.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ValidateCron reports whether the scheduler can install the expression.
func ValidateCron(expr string) error {
	_, err := cronParser.Parse(expr)
	return err
}

func New(st *store.Store, runner Runner) *Scheduler {
	return &Scheduler{
		store:   st,
		runner:  runner,
		cron:    cron.New(cron.WithParser(cronParser)),
		entries: make(map[string]cron.EntryID),
	}
}

// Start schedules every enabled task and begins firing. Tasks with cron
// expressions that no longer parse are logged and skipped, never fatal.
func (s *Scheduler) Start() error {
	tasks, err := s.store.ListEnabledScheduledTasks()
	if err != nil {
		return fmt.Errorf("load scheduled tasks: %w", err)
	}
	for i := range tasks {
		if err := s.ScheduleTask(&tasks[i]); err != nil {
			slog.Error("failed to schedule task", "task", tasks[i].Name, "cron", tasks[i].Cron, "error", err)
		}
	}
	s.cron.Start()
	slog.Info("scheduler started", "tasks", len(s.entries))
	return nil
}

// Stop halts firing and waits for in-flight runs started by the cron
// goroutine to return.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	slog.Info("scheduler stopped")
}

// ScheduleTask installs (or replaces) the cron entry for a task.
func (s *Scheduler) ScheduleTask(task *store.ScheduledTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.entries[task.ID]; ok {
		s.cron.Remove(existing)
		delete(s.entries, task.ID)
	}

	taskID := task.ID
	entry, err := s.cron.AddFunc(task.Cron, func() { s.fire(taskID) })
	if err != nil {
		return fmt.Errorf("schedule %q: %w", task.Name, err)
	}
	s.entries[task.ID] = entry
	slog.Info("task scheduled", "task", task.Name, "cron", task.Cron)
	return nil
}

// UnscheduleTask removes the cron entry for a task, if any.
func (s *Scheduler) UnscheduleTask(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.entries[taskID]; ok {
		s.cron.Remove(entry)
		delete(s.entries, taskID)
	}
}

// ScheduledCount reports how many tasks hold a live entry.
func (s *Scheduler) ScheduledCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// fire executes one scheduled run. The task is re-fetched so edits made
// since scheduling are honored, and a still-running previous fire skips
// this one.
func (s *Scheduler) fire(taskID string) {
	task, err := s.store.GetScheduledTaskByID(taskID)
	if err != nil {
		slog.Warn("fired task no longer exists", "task_id", taskID, "error", err)
		return
	}
	if !task.Enabled {
		return
	}

	run, err := s.store.CreateRunIfIdle(task.ID)
	if errors.Is(err, store.ErrRunInProgress) {
		slog.Warn("skipping fire, previous run still in progress", "task", task.Name)
		return
	}
	if err != nil {
		slog.Error("create run failed", "task", task.Name, "error", err)
		return
	}

	sessionID := "task-run-" + run.ID
	userMessage := fmt.Sprintf("[Scheduled Task: %s]\n\n%s", task.Name, task.Description)
	slog.Info("scheduled task firing", "task", task.Name, "run", run.ID)

	text, messages, err := s.runner.ProcessTurn(context.Background(), sessionID, userMessage, nil)
	if err != nil {
		slog.Error("scheduled run failed", "task", task.Name, "run", run.ID, "error", err)
		if cerr := s.store.CompleteRun(run.ID, store.RunStatusError, err.Error(), ""); cerr != nil {
			slog.Error("complete run failed", "run", run.ID, "error", cerr)
		}
		return
	}

	trace := ExtractTrace(messages)
	traceJSON, err := json.Marshal(trace)
	if err != nil {
		traceJSON = []byte("[]")
	}
	if err := s.store.CompleteRun(run.ID, store.RunStatusSuccess, text, string(traceJSON)); err != nil {
		slog.Error("complete run failed", "run", run.ID, "error", err)
	}
	slog.Info("scheduled task complete", "task", task.Name, "run", run.ID)
}
