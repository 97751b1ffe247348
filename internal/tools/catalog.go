// Package tools holds the model-facing tool surface: built-ins, the dynamic
// catalog loaded from the store at every model step, and the meta-tools
// through which the agent extends itself.
package tools

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"strings"

	"github.com/envoyhq/envoy/internal/sandbox"
	"github.com/envoyhq/envoy/internal/store"
)

// TaskScheduler is what the task meta-tools need from the live cron registry.
// The concrete scheduler is wired in at startup.
type TaskScheduler interface {
	ScheduleTask(task *store.ScheduledTask) error
	UnscheduleTask(taskID string)
}

// Catalog assembles the per-step tool registry: built-ins plus every enabled
// dynamic tool currently in the store.
type Catalog struct {
	store     *store.Store
	exec      *sandbox.Executor
	scheduler TaskScheduler

	fsRoot       string
	shellEnabled bool
}

func NewCatalog(st *store.Store, exec *sandbox.Executor, sched TaskScheduler, fsRoot string, shellEnabled bool) *Catalog {
	return &Catalog{
		store:        st,
		exec:         exec,
		scheduler:    sched,
		fsRoot:       fsRoot,
		shellEnabled: shellEnabled,
	}
}

// BuildRegistry returns the tool set for one model step. Called at every
// step, never cached, so a tool created mid-turn is callable on the next
// step.
func (c *Catalog) BuildRegistry() *Registry {
	r := NewRegistry()

	r.RegisterBuiltin(NewReadFileTool(c.fsRoot))
	r.RegisterBuiltin(NewWriteFileTool(c.fsRoot))
	r.RegisterBuiltin(NewListDirTool(c.fsRoot))
	if c.shellEnabled {
		r.RegisterBuiltin(NewRunShellTool(c.fsRoot))
	}
	for _, t := range c.metaTools() {
		r.RegisterBuiltin(t)
	}

	c.registerDynamic(r)
	return r
}

func (c *Catalog) metaTools() []Tool {
	return []Tool{
		&createToolTool{catalog: c},
		&updateToolTool{catalog: c},
		&deleteToolTool{catalog: c},
		&listToolsTool{catalog: c},
		&testToolTool{catalog: c},
		&createIntegrationTool{catalog: c},
		&addIntegrationToolTool{catalog: c},
		&removeIntegrationToolTool{catalog: c},
		&deleteIntegrationTool{catalog: c},
		&listIntegrationsTool{catalog: c},
		&scheduleTaskTool{catalog: c},
		&updateScheduledTaskTool{catalog: c},
		&deleteScheduledTaskTool{catalog: c},
		&listScheduledTasksTool{catalog: c},
	}
}

func (c *Catalog) registerDynamic(r *Registry) {
	tools, err := c.store.ListEnabledCustomTools()
	if err != nil {
		slog.Error("load custom tools", "error", err)
		return
	}

	integrationNames := make(map[string]string)
	for _, t := range tools {
		exposed := "custom_" + t.Name
		if t.IntegrationID != "" {
			name, ok := integrationNames[t.IntegrationID]
			if !ok {
				in, err := c.store.GetIntegrationByID(t.IntegrationID)
				if err != nil {
					slog.Warn("integration lookup failed, skipping tool", "tool", t.Name, "error", err)
					continue
				}
				name = in.Name
				integrationNames[t.IntegrationID] = name
			}
			exposed = name + "_" + t.Name
		}

		params, ok := normalizeSchema(t.Name, t.InputSchema)
		if !ok {
			continue
		}
		r.RegisterDynamic(&dynamicTool{
			exposedName: exposed,
			description: t.Description,
			parameters:  params,
			code:        t.Code,
			exec:        c.exec,
		})
	}
}

// normalizeSchema parses a stored input schema. Outright parse failure skips
// the tool with a warning; a salvageable schema (non-object root, missing
// type) is replaced with a bare object schema so the tool stays loadable.
func normalizeSchema(toolName, raw string) (map[string]interface{}, bool) {
	if strings.TrimSpace(raw) == "" {
		return map[string]interface{}{"type": "object"}, true
	}
	var parsed interface{}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		slog.Warn("tool schema unparseable, skipping tool", "tool", toolName, "error", err)
		return nil, false
	}
	obj, ok := parsed.(map[string]interface{})
	if !ok {
		slog.Warn("tool schema root is not an object, using empty schema", "tool", toolName)
		return map[string]interface{}{"type": "object"}, true
	}
	if _, ok := obj["type"]; !ok {
		slog.Warn("tool schema missing type, using empty schema", "tool", toolName)
		return map[string]interface{}{"type": "object"}, true
	}
	return obj, true
}

// dynamicTool adapts a stored code body into the Tool interface. Execution
// goes through the sandbox with a fresh snapshot of the process environment,
// so credentials saved moments ago are already visible.
type dynamicTool struct {
	exposedName string
	description string
	parameters  map[string]interface{}
	code        string
	exec        *sandbox.Executor
}

func (t *dynamicTool) Name() string                       { return t.exposedName }
func (t *dynamicTool) Description() string                { return t.description }
func (t *dynamicTool) Parameters() map[string]interface{} { return t.parameters }

func (t *dynamicTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	out := t.exec.Execute(ctx, t.code, args, envSnapshot())
	if strings.HasPrefix(out, "Error") {
		return ErrorResult(out)
	}
	return NewResult(out)
}

func envSnapshot() map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i > 0 {
			env[kv[:i]] = kv[i+1:]
		}
	}
	return env
}
