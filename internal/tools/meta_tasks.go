package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/adhocore/gronx"

	"github.com/envoyhq/envoy/internal/scheduler"
	"github.com/envoyhq/envoy/internal/store"
)

// validateCron accepts 5-field expressions, 6-field expressions with a
// leading seconds field, and descriptors like @daily. It delegates to the
// scheduler's own parser so nothing is persisted that cannot be installed.
func validateCron(expr string) error {
	if strings.TrimSpace(expr) == "" {
		return errors.New("cron expression is required")
	}
	if err := scheduler.ValidateCron(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %v", expr, err)
	}
	return nil
}

type scheduleTaskTool struct {
	catalog *Catalog
}

func (t *scheduleTaskTool) Name() string { return "schedule_task" }
func (t *scheduleTaskTool) Description() string {
	return "Schedule a recurring task. On every cron fire the agent runs with the task description as its instruction. Cron accepts 5 fields, 6 fields with leading seconds, or descriptors like @daily."
}
func (t *scheduleTaskTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"name":        map[string]interface{}{"type": "string"},
			"description": map[string]interface{}{"type": "string", "description": "The instruction the agent receives on each fire"},
			"cron":        map[string]interface{}{"type": "string", "description": "Cron expression, e.g. '0 9 * * *' for 9am daily"},
		},
		"required": []string{"name", "description", "cron"},
	}
}

func (t *scheduleTaskTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	name := stringArg(args, "name")
	if err := validateName(name); err != nil {
		return ErrorResult("Error: " + err.Error())
	}
	cron := stringArg(args, "cron")
	if err := validateCron(cron); err != nil {
		return ErrorResult("Error: " + err.Error())
	}
	description := stringArg(args, "description")
	if strings.TrimSpace(description) == "" {
		return ErrorResult("Error: description is required")
	}

	task := &store.ScheduledTask{
		Name:        name,
		Description: description,
		Cron:        cron,
		Enabled:     true,
	}
	if err := t.catalog.store.CreateScheduledTask(task); err != nil {
		if errors.Is(err, store.ErrDuplicateName) {
			return ErrorResult(fmt.Sprintf("Error: a task named %q already exists", name))
		}
		return ErrorResult("Error: " + err.Error())
	}
	if t.catalog.scheduler != nil {
		if err := t.catalog.scheduler.ScheduleTask(task); err != nil {
			// An enabled task must always hold a live cron entry, so a task
			// that failed to install is not kept.
			if derr := t.catalog.store.DeleteScheduledTask(name); derr != nil {
				slog.Error("rollback of unschedulable task failed", "task", name, "error", derr)
			}
			return ErrorResult(fmt.Sprintf("Error: scheduling failed, task not saved: %v", err))
		}
	}

	next := ""
	if nt, err := gronx.NextTick(cron, false); err == nil {
		next = fmt.Sprintf(" Next run: %s.", nt.Format(time.RFC3339))
	}
	return NewResult(fmt.Sprintf("Scheduled task %q with cron %q.%s", name, cron, next))
}

type updateScheduledTaskTool struct {
	catalog *Catalog
}

func (t *updateScheduledTaskTool) Name() string { return "update_scheduled_task" }
func (t *updateScheduledTaskTool) Description() string {
	return "Update a scheduled task's description, cron, or enabled flag. Omitted fields are left unchanged."
}
func (t *updateScheduledTaskTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"name":        map[string]interface{}{"type": "string"},
			"description": map[string]interface{}{"type": "string"},
			"cron":        map[string]interface{}{"type": "string"},
			"enabled":     map[string]interface{}{"type": "boolean"},
		},
		"required": []string{"name"},
	}
}

func (t *updateScheduledTaskTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	name := stringArg(args, "name")
	if name == "" {
		return ErrorResult("Error: name is required")
	}

	upd := store.TaskUpdate{
		Description: optionalString(args, "description"),
		Enabled:     optionalBool(args, "enabled"),
	}
	if cron := optionalString(args, "cron"); cron != nil {
		if err := validateCron(*cron); err != nil {
			return ErrorResult("Error: " + err.Error())
		}
		upd.Cron = cron
	}

	task, err := t.catalog.store.UpdateScheduledTask(name, upd)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrorResult(fmt.Sprintf("Error: no task named %q", name))
		}
		return ErrorResult("Error: " + err.Error())
	}

	// Reconcile the live cron registry with the new state.
	if t.catalog.scheduler != nil {
		if task.Enabled {
			if err := t.catalog.scheduler.ScheduleTask(task); err != nil {
				// Disable rather than leave an enabled task with no entry.
				off := false
				if _, derr := t.catalog.store.UpdateScheduledTask(name, store.TaskUpdate{Enabled: &off}); derr != nil {
					slog.Error("disable after failed reschedule failed", "task", name, "error", derr)
				}
				return ErrorResult(fmt.Sprintf("Error: rescheduling failed, task %q disabled: %v", name, err))
			}
		} else {
			t.catalog.scheduler.UnscheduleTask(task.ID)
		}
	}

	status := "enabled"
	if !task.Enabled {
		status = "disabled"
	}
	return NewResult(fmt.Sprintf("Updated task %q (cron %q, %s).", name, task.Cron, status))
}

type deleteScheduledTaskTool struct {
	catalog *Catalog
}

func (t *deleteScheduledTaskTool) Name() string        { return "delete_scheduled_task" }
func (t *deleteScheduledTaskTool) Description() string { return "Delete a scheduled task and its run history" }
func (t *deleteScheduledTaskTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"name": map[string]interface{}{"type": "string"},
		},
		"required": []string{"name"},
	}
}

func (t *deleteScheduledTaskTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	name := stringArg(args, "name")
	task, err := t.catalog.store.GetScheduledTask(name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrorResult(fmt.Sprintf("Error: no task named %q", name))
		}
		return ErrorResult("Error: " + err.Error())
	}

	if t.catalog.scheduler != nil {
		t.catalog.scheduler.UnscheduleTask(task.ID)
	}
	if err := t.catalog.store.DeleteScheduledTask(name); err != nil {
		return ErrorResult("Error: " + err.Error())
	}
	return NewResult(fmt.Sprintf("Deleted task %q.", name))
}

type listScheduledTasksTool struct {
	catalog *Catalog
}

func (t *listScheduledTasksTool) Name() string        { return "list_scheduled_tasks" }
func (t *listScheduledTasksTool) Description() string { return "List all scheduled tasks with next and last run info" }
func (t *listScheduledTasksTool) Parameters() map[string]interface{} {
	return map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
}

func (t *listScheduledTasksTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	tasks, err := t.catalog.store.ListScheduledTasks()
	if err != nil {
		return ErrorResult("Error: " + err.Error())
	}
	if len(tasks) == 0 {
		return NewResult("No scheduled tasks exist yet.")
	}

	var b strings.Builder
	for _, task := range tasks {
		status := "enabled"
		if !task.Enabled {
			status = "disabled"
		}
		fmt.Fprintf(&b, "- %s (%s, cron %q): %s\n", task.Name, status, task.Cron, task.Description)

		if task.Enabled {
			if next, err := gronx.NextTick(task.Cron, false); err == nil {
				fmt.Fprintf(&b, "    next run: %s\n", next.Format(time.RFC3339))
			}
		}
		if run, err := t.catalog.store.LatestRun(task.ID); err == nil {
			fmt.Fprintf(&b, "    last run: %s at %s\n", run.Status, run.StartedAt.Format(time.RFC3339))
		}
	}
	return NewResult(b.String())
}
