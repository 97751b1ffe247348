package tools

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/envoyhq/envoy/internal/store"
)

func metaExec(t *testing.T, c *Catalog, name string, args map[string]interface{}) *Result {
	t.Helper()
	return c.BuildRegistry().Execute(context.Background(), name, args)
}

func TestCreateToolHappyPath(t *testing.T) {
	c, st, _ := newTestCatalog(t, false)

	res := metaExec(t, c, "create_tool", map[string]interface{}{
		"name":        "fetch_news",
		"description": "fetch headlines",
		"code":        "return 'ok'",
		"input_schema": map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{"topic": map[string]interface{}{"type": "string"}},
		},
	})
	if res.IsError {
		t.Fatalf("create failed: %s", res.ForLLM)
	}
	if res.ForLLM != `Created tool "fetch_news". It is available as custom_fetch_news starting next step.` {
		t.Fatalf("reply: %q", res.ForLLM)
	}

	tool, err := st.GetCustomTool("fetch_news")
	if err != nil {
		t.Fatalf("not persisted: %v", err)
	}
	if !tool.Enabled || tool.Description != "fetch headlines" {
		t.Fatalf("tool: %+v", tool)
	}
	// Visible on the very next registry build.
	if !hasName(c.BuildRegistry(), "custom_fetch_news") {
		t.Fatal("tool not in next registry")
	}
}

func TestCreateToolValidation(t *testing.T) {
	c, _, _ := newTestCatalog(t, false)

	cases := []struct {
		name    string
		args    map[string]interface{}
		wantSub string
	}{
		{
			"bad name",
			map[string]interface{}{"name": "Bad-Name", "description": "d", "code": "return 1"},
			"invalid name",
		},
		{
			"missing name",
			map[string]interface{}{"description": "d", "code": "return 1"},
			"name is required",
		},
		{
			"missing code",
			map[string]interface{}{"name": "ok_name", "description": "d"},
			"code is required",
		},
		{
			"array schema",
			map[string]interface{}{"name": "ok_name", "description": "d", "code": "return 1",
				"input_schema": []interface{}{"a"}},
			"must be an object, not an array",
		},
		{
			"unparseable schema string",
			map[string]interface{}{"name": "ok_name", "description": "d", "code": "return 1",
				"input_schema": "{nope"},
			"not valid JSON",
		},
		{
			"code does not compile",
			map[string]interface{}{"name": "ok_name", "description": "d", "code": "return ((("},
			"does not compile",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := metaExec(t, c, "create_tool", tc.args)
			if !res.IsError {
				t.Fatalf("accepted: %s", res.ForLLM)
			}
			if !strings.HasPrefix(res.ForLLM, "Error") || !strings.Contains(res.ForLLM, tc.wantSub) {
				t.Fatalf("reply: %q", res.ForLLM)
			}
		})
	}
}

func TestCreateToolDuplicate(t *testing.T) {
	c, _, _ := newTestCatalog(t, false)
	args := map[string]interface{}{"name": "dup", "description": "d", "code": "return 1"}
	if res := metaExec(t, c, "create_tool", args); res.IsError {
		t.Fatalf("first create: %s", res.ForLLM)
	}
	res := metaExec(t, c, "create_tool", args)
	if !res.IsError || !strings.Contains(res.ForLLM, "already exists") {
		t.Fatalf("reply: %q", res.ForLLM)
	}
}

func TestUpdateTool(t *testing.T) {
	c, st, _ := newTestCatalog(t, false)
	metaExec(t, c, "create_tool", map[string]interface{}{
		"name": "mutable", "description": "before", "code": "return 1",
	})

	res := metaExec(t, c, "update_tool", map[string]interface{}{
		"name": "mutable", "description": "after", "enabled": false,
	})
	if res.IsError {
		t.Fatalf("update: %s", res.ForLLM)
	}

	tool, _ := st.GetCustomTool("mutable")
	if tool.Description != "after" || tool.Enabled {
		t.Fatalf("tool: %+v", tool)
	}
	// Untouched fields survive.
	if tool.Code != "return 1" {
		t.Fatalf("code changed: %q", tool.Code)
	}
	// Disabled tool drops out of the registry.
	if hasName(c.BuildRegistry(), "custom_mutable") {
		t.Fatal("disabled tool still registered")
	}
}

func TestUpdateToolUnknown(t *testing.T) {
	c, _, _ := newTestCatalog(t, false)
	res := metaExec(t, c, "update_tool", map[string]interface{}{"name": "ghost", "description": "d"})
	if !res.IsError || !strings.Contains(res.ForLLM, `no tool named "ghost"`) {
		t.Fatalf("reply: %q", res.ForLLM)
	}
}

func TestUpdateToolRejectsBadCode(t *testing.T) {
	c, st, _ := newTestCatalog(t, false)
	metaExec(t, c, "create_tool", map[string]interface{}{
		"name": "solid", "description": "d", "code": "return 1",
	})
	res := metaExec(t, c, "update_tool", map[string]interface{}{"name": "solid", "code": "(((("})
	if !res.IsError || !strings.Contains(res.ForLLM, "does not compile") {
		t.Fatalf("reply: %q", res.ForLLM)
	}
	tool, _ := st.GetCustomTool("solid")
	if tool.Code != "return 1" {
		t.Fatalf("bad code persisted: %q", tool.Code)
	}
}

func TestDeleteTool(t *testing.T) {
	c, st, _ := newTestCatalog(t, false)
	metaExec(t, c, "create_tool", map[string]interface{}{
		"name": "doomed", "description": "d", "code": "return 1",
	})

	res := metaExec(t, c, "delete_tool", map[string]interface{}{"name": "doomed"})
	if res.IsError {
		t.Fatalf("delete: %s", res.ForLLM)
	}
	if _, err := st.GetCustomTool("doomed"); err == nil {
		t.Fatal("tool survived delete")
	}

	res = metaExec(t, c, "delete_tool", map[string]interface{}{"name": "doomed"})
	if !res.IsError || !strings.Contains(res.ForLLM, "no tool named") {
		t.Fatalf("reply: %q", res.ForLLM)
	}
}

func TestListTools(t *testing.T) {
	c, _, _ := newTestCatalog(t, false)

	res := metaExec(t, c, "list_tools", nil)
	if res.IsError || res.ForLLM != "No custom tools exist yet." {
		t.Fatalf("empty list: %+v", res)
	}

	metaExec(t, c, "create_tool", map[string]interface{}{
		"name": "first", "description": "the first", "code": "return 1",
	})
	metaExec(t, c, "create_tool", map[string]interface{}{
		"name": "second", "description": "the second", "code": "return 2",
	})
	metaExec(t, c, "update_tool", map[string]interface{}{"name": "second", "enabled": false})

	res = metaExec(t, c, "list_tools", nil)
	if !strings.Contains(res.ForLLM, "first (enabled): the first") {
		t.Fatalf("listing: %q", res.ForLLM)
	}
	if !strings.Contains(res.ForLLM, "second (disabled): the second") {
		t.Fatalf("listing: %q", res.ForLLM)
	}
}

func TestTestTool(t *testing.T) {
	c, _, _ := newTestCatalog(t, false)
	metaExec(t, c, "create_tool", map[string]interface{}{
		"name": "adder", "description": "d", "code": "return input.n + 1",
	})

	res := metaExec(t, c, "test_tool", map[string]interface{}{
		"name":       "adder",
		"test_input": map[string]interface{}{"n": float64(4)},
	})
	if res.IsError || res.ForLLM != "5" {
		t.Fatalf("result: %+v", res)
	}

	res = metaExec(t, c, "test_tool", map[string]interface{}{"name": "ghost"})
	if !res.IsError || !strings.Contains(res.ForLLM, "no tool named") {
		t.Fatalf("reply: %q", res.ForLLM)
	}
}

func TestIntegrationLifecycle(t *testing.T) {
	c, st, _ := newTestCatalog(t, false)

	res := metaExec(t, c, "create_integration", map[string]interface{}{
		"name":        "github",
		"description": "GitHub API",
		"config_schema": []interface{}{
			map[string]interface{}{"key": "META_TEST_GH_TOKEN", "label": "Token", "required": true},
		},
	})
	if res.IsError {
		t.Fatalf("create integration: %s", res.ForLLM)
	}
	if !strings.Contains(res.ForLLM, "META_TEST_GH_TOKEN") {
		t.Fatalf("reply omits required keys: %q", res.ForLLM)
	}

	res = metaExec(t, c, "add_integration_tool", map[string]interface{}{
		"integration_name": "github",
		"name":             "list_issues",
		"description":      "list open issues",
		"code":             "return []",
	})
	if res.IsError {
		t.Fatalf("add tool: %s", res.ForLLM)
	}
	if !strings.Contains(res.ForLLM, "github_list_issues") {
		t.Fatalf("reply: %q", res.ForLLM)
	}

	t.Setenv("META_TEST_GH_TOKEN", "")
	res = metaExec(t, c, "list_integrations", nil)
	if !strings.Contains(res.ForLLM, "github (needs setup): GitHub API") {
		t.Fatalf("listing: %q", res.ForLLM)
	}
	if !strings.Contains(res.ForLLM, "github_list_issues: list open issues") {
		t.Fatalf("listing: %q", res.ForLLM)
	}

	t.Setenv("META_TEST_GH_TOKEN", "ghp_xxxxxxxxxxxx")
	res = metaExec(t, c, "list_integrations", nil)
	if !strings.Contains(res.ForLLM, "github (configured)") {
		t.Fatalf("listing: %q", res.ForLLM)
	}

	res = metaExec(t, c, "delete_integration", map[string]interface{}{"name": "github"})
	if res.IsError {
		t.Fatalf("delete: %s", res.ForLLM)
	}
	// Cascade removes the tool row.
	if _, err := st.GetCustomTool("list_issues"); err == nil {
		t.Fatal("integration tool survived cascade")
	}
}

func TestRemoveIntegrationToolOwnership(t *testing.T) {
	c, _, _ := newTestCatalog(t, false)
	metaExec(t, c, "create_integration", map[string]interface{}{"name": "github", "description": "d"})
	metaExec(t, c, "create_integration", map[string]interface{}{"name": "slack", "description": "d"})
	metaExec(t, c, "add_integration_tool", map[string]interface{}{
		"integration_name": "github", "name": "list_issues", "description": "d", "code": "return 1",
	})

	res := metaExec(t, c, "remove_integration_tool", map[string]interface{}{
		"integration_name": "slack", "name": "list_issues",
	})
	if !res.IsError || !strings.Contains(res.ForLLM, "does not belong to") {
		t.Fatalf("reply: %q", res.ForLLM)
	}

	res = metaExec(t, c, "remove_integration_tool", map[string]interface{}{
		"integration_name": "github", "name": "list_issues",
	})
	if res.IsError {
		t.Fatalf("remove: %s", res.ForLLM)
	}
}

func TestScheduleTask(t *testing.T) {
	c, st, sched := newTestCatalog(t, false)

	res := metaExec(t, c, "schedule_task", map[string]interface{}{
		"name":        "daily_digest",
		"description": "summarize the news",
		"cron":        "0 9 * * *",
	})
	if res.IsError {
		t.Fatalf("schedule: %s", res.ForLLM)
	}
	if !strings.Contains(res.ForLLM, "Next run:") {
		t.Fatalf("reply omits next run: %q", res.ForLLM)
	}

	task, err := st.GetScheduledTask("daily_digest")
	if err != nil {
		t.Fatalf("not persisted: %v", err)
	}
	if !task.Enabled || task.Cron != "0 9 * * *" {
		t.Fatalf("task: %+v", task)
	}
	if len(sched.scheduled) != 1 || sched.scheduled[0] != "daily_digest" {
		t.Fatalf("live registry not updated: %v", sched.scheduled)
	}
}

func TestScheduleTaskInvalidCron(t *testing.T) {
	c, st, _ := newTestCatalog(t, false)
	res := metaExec(t, c, "schedule_task", map[string]interface{}{
		"name": "bad", "description": "d", "cron": "whenever",
	})
	if !res.IsError || !strings.Contains(res.ForLLM, "invalid cron expression") {
		t.Fatalf("reply: %q", res.ForLLM)
	}
	if _, err := st.GetScheduledTask("bad"); err == nil {
		t.Fatal("invalid task persisted")
	}
}

func TestScheduleTaskDescriptorCron(t *testing.T) {
	c, st, sched := newTestCatalog(t, false)

	res := metaExec(t, c, "schedule_task", map[string]interface{}{
		"name": "nightly", "description": "sweep", "cron": "@daily",
	})
	if res.IsError {
		t.Fatalf("@daily rejected: %s", res.ForLLM)
	}
	task, err := st.GetScheduledTask("nightly")
	if err != nil {
		t.Fatalf("not persisted: %v", err)
	}
	if task.Cron != "@daily" {
		t.Fatalf("task: %+v", task)
	}
	if len(sched.scheduled) != 1 {
		t.Fatalf("live registry not updated: %v", sched.scheduled)
	}
}

func TestScheduleTaskRollsBackWhenInstallFails(t *testing.T) {
	c, st, sched := newTestCatalog(t, false)
	sched.failWith = errors.New("registry full")

	res := metaExec(t, c, "schedule_task", map[string]interface{}{
		"name": "stranded", "description": "d", "cron": "0 9 * * *",
	})
	if !res.IsError || !strings.Contains(res.ForLLM, "task not saved") {
		t.Fatalf("reply: %q", res.ForLLM)
	}
	// No enabled task may exist without a live cron entry.
	if _, err := st.GetScheduledTask("stranded"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("uninstallable task persisted: %v", err)
	}
}

func TestUpdateScheduledTaskDisablesWhenInstallFails(t *testing.T) {
	c, st, sched := newTestCatalog(t, false)
	metaExec(t, c, "schedule_task", map[string]interface{}{
		"name": "flaky", "description": "d", "cron": "0 9 * * *",
	})

	sched.failWith = errors.New("registry full")
	res := metaExec(t, c, "update_scheduled_task", map[string]interface{}{
		"name": "flaky", "cron": "*/5 * * * *",
	})
	if !res.IsError || !strings.Contains(res.ForLLM, "disabled") {
		t.Fatalf("reply: %q", res.ForLLM)
	}
	task, err := st.GetScheduledTask("flaky")
	if err != nil {
		t.Fatal(err)
	}
	if task.Enabled {
		t.Fatal("task left enabled with no live cron entry")
	}
}

func TestUpdateScheduledTaskReconciles(t *testing.T) {
	c, st, sched := newTestCatalog(t, false)
	metaExec(t, c, "schedule_task", map[string]interface{}{
		"name": "toggle", "description": "d", "cron": "0 9 * * *",
	})
	task, _ := st.GetScheduledTask("toggle")

	res := metaExec(t, c, "update_scheduled_task", map[string]interface{}{
		"name": "toggle", "enabled": false,
	})
	if res.IsError {
		t.Fatalf("disable: %s", res.ForLLM)
	}
	if len(sched.unscheduled) != 1 || sched.unscheduled[0] != task.ID {
		t.Fatalf("not unscheduled: %v", sched.unscheduled)
	}

	res = metaExec(t, c, "update_scheduled_task", map[string]interface{}{
		"name": "toggle", "enabled": true, "cron": "*/5 * * * *",
	})
	if res.IsError {
		t.Fatalf("re-enable: %s", res.ForLLM)
	}
	if len(sched.scheduled) != 2 {
		t.Fatalf("not rescheduled: %v", sched.scheduled)
	}
	task, _ = st.GetScheduledTask("toggle")
	if task.Cron != "*/5 * * * *" || !task.Enabled {
		t.Fatalf("task: %+v", task)
	}
}

func TestDeleteScheduledTask(t *testing.T) {
	c, st, sched := newTestCatalog(t, false)
	metaExec(t, c, "schedule_task", map[string]interface{}{
		"name": "doomed", "description": "d", "cron": "0 9 * * *",
	})
	task, _ := st.GetScheduledTask("doomed")

	res := metaExec(t, c, "delete_scheduled_task", map[string]interface{}{"name": "doomed"})
	if res.IsError {
		t.Fatalf("delete: %s", res.ForLLM)
	}
	if len(sched.unscheduled) != 1 || sched.unscheduled[0] != task.ID {
		t.Fatalf("not unscheduled: %v", sched.unscheduled)
	}
	if _, err := st.GetScheduledTask("doomed"); err == nil {
		t.Fatal("task survived delete")
	}
}

func TestListScheduledTasks(t *testing.T) {
	c, st, _ := newTestCatalog(t, false)

	res := metaExec(t, c, "list_scheduled_tasks", nil)
	if res.IsError || res.ForLLM != "No scheduled tasks exist yet." {
		t.Fatalf("empty list: %+v", res)
	}

	metaExec(t, c, "schedule_task", map[string]interface{}{
		"name": "digest", "description": "daily digest", "cron": "0 9 * * *",
	})
	task, _ := st.GetScheduledTask("digest")
	run, _ := st.CreateRun(task.ID)
	st.CompleteRun(run.ID, store.RunStatusSuccess, "done", "[]")

	res = metaExec(t, c, "list_scheduled_tasks", nil)
	if !strings.Contains(res.ForLLM, `digest (enabled, cron "0 9 * * *"): daily digest`) {
		t.Fatalf("listing: %q", res.ForLLM)
	}
	if !strings.Contains(res.ForLLM, "next run: ") {
		t.Fatalf("listing omits next run: %q", res.ForLLM)
	}
	if !strings.Contains(res.ForLLM, "last run: success at ") {
		t.Fatalf("listing omits last run: %q", res.ForLLM)
	}
}
