package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/envoyhq/envoy/internal/store"
	"github.com/envoyhq/envoy/internal/tools"
)

// TasksHandler exposes scheduled task listing, run history, and deletion.
// Deleting a task also removes its live cron entry.
type TasksHandler struct {
	store     *store.Store
	scheduler tools.TaskScheduler
}

func (h *TasksHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/tasks", h.handleList)
	mux.HandleFunc("GET /api/v1/tasks/{name}/runs", h.handleRuns)
	mux.HandleFunc("DELETE /api/v1/tasks/{name}", h.handleDelete)
}

type taskRunView struct {
	ID         string          `json:"id"`
	Status     string          `json:"status"`
	Result     string          `json:"result"`
	Output     json.RawMessage `json:"output"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}

type taskView struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Description string       `json:"description"`
	Cron        string       `json:"cron"`
	Enabled     bool         `json:"enabled"`
	CreatedAt   time.Time    `json:"created_at"`
	LastRun     *taskRunView `json:"lastRun,omitempty"`
}

func runView(run *store.TaskRun) *taskRunView {
	output := json.RawMessage(run.Output)
	if !json.Valid(output) {
		output = json.RawMessage("[]")
	}
	return &taskRunView{
		ID:         run.ID,
		Status:     run.Status,
		Result:     run.Result,
		Output:     output,
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
	}
}

func (h *TasksHandler) handleList(w http.ResponseWriter, r *http.Request) {
	list, err := h.store.ListScheduledTasks()
	if err != nil {
		slog.Error("list tasks", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}

	views := make([]taskView, 0, len(list))
	for _, t := range list {
		view := taskView{
			ID:          t.ID,
			Name:        t.Name,
			Description: t.Description,
			Cron:        t.Cron,
			Enabled:     t.Enabled,
			CreatedAt:   t.CreatedAt,
		}
		if run, err := h.store.LatestRun(t.ID); err == nil {
			view.LastRun = runView(run)
		} else if !errors.Is(err, store.ErrNotFound) {
			slog.Error("latest run", "task", t.Name, "error", err)
		}
		views = append(views, view)
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *TasksHandler) handleRuns(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	task, err := h.store.GetScheduledTask(name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		slog.Error("get task", "task", name, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load task")
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	runs, err := h.store.ListRuns(task.ID, limit)
	if err != nil {
		slog.Error("list runs", "task", name, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}

	views := make([]*taskRunView, 0, len(runs))
	for i := range runs {
		views = append(views, runView(&runs[i]))
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *TasksHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	task, err := h.store.GetScheduledTask(name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		slog.Error("get task", "task", name, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load task")
		return
	}

	if h.scheduler != nil {
		h.scheduler.UnscheduleTask(task.ID)
	}
	if err := h.store.DeleteScheduledTask(name); err != nil && !errors.Is(err, store.ErrNotFound) {
		slog.Error("delete task", "task", name, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to delete task")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}
