package tools

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/envoyhq/envoy/internal/sandbox"
	"github.com/envoyhq/envoy/internal/store"
)

// fakeScheduler records schedule/unschedule calls for the task meta-tools.
type fakeScheduler struct {
	mu          sync.Mutex
	scheduled   []string
	unscheduled []string
	failWith    error
}

func (s *fakeScheduler) ScheduleTask(task *store.ScheduledTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	s.scheduled = append(s.scheduled, task.Name)
	return nil
}

func (s *fakeScheduler) UnscheduleTask(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unscheduled = append(s.unscheduled, taskID)
}

func newTestCatalog(t *testing.T, shellEnabled bool) (*Catalog, *store.Store, *fakeScheduler) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	sched := &fakeScheduler{}
	return NewCatalog(st, sandbox.New(), sched, dir, shellEnabled), st, sched
}

func hasName(r *Registry, name string) bool {
	_, ok := r.Get(name)
	return ok
}

func TestBuildRegistryBuiltins(t *testing.T) {
	c, _, _ := newTestCatalog(t, false)
	r := c.BuildRegistry()

	for _, name := range []string{
		"read_file", "write_file", "list_dir",
		"create_tool", "update_tool", "delete_tool", "list_tools", "test_tool",
		"create_integration", "add_integration_tool", "remove_integration_tool",
		"delete_integration", "list_integrations",
		"schedule_task", "update_scheduled_task", "delete_scheduled_task", "list_scheduled_tasks",
	} {
		if !hasName(r, name) {
			t.Errorf("missing built-in %q", name)
		}
	}
	if hasName(r, "run_shell") {
		t.Error("run_shell present while disabled")
	}
}

func TestBuildRegistryShellGate(t *testing.T) {
	c, _, _ := newTestCatalog(t, true)
	if !hasName(c.BuildRegistry(), "run_shell") {
		t.Fatal("run_shell missing while enabled")
	}
}

func TestBuildRegistryCustomToolNaming(t *testing.T) {
	c, st, _ := newTestCatalog(t, false)
	if err := st.CreateCustomTool(&store.CustomTool{
		Name: "weather", Description: "check weather",
		Code: "return 'sunny'", Enabled: true,
	}); err != nil {
		t.Fatal(err)
	}

	r := c.BuildRegistry()
	tool, ok := r.Get("custom_weather")
	if !ok {
		t.Fatalf("custom_weather not registered: %v", r.Names())
	}
	if tool.Description() != "check weather" {
		t.Fatalf("description: %q", tool.Description())
	}
	// The bare name is not exposed.
	if hasName(r, "weather") {
		t.Fatal("unprefixed name registered")
	}
}

func TestBuildRegistryIntegrationToolNaming(t *testing.T) {
	c, st, _ := newTestCatalog(t, false)
	in := &store.Integration{Name: "github", Description: "gh", Enabled: true}
	if err := st.CreateIntegration(in); err != nil {
		t.Fatal(err)
	}
	if err := st.CreateCustomTool(&store.CustomTool{
		Name: "list_issues", Description: "list issues",
		Code: "return []", Enabled: true, IntegrationID: in.ID,
	}); err != nil {
		t.Fatal(err)
	}

	r := c.BuildRegistry()
	if !hasName(r, "github_list_issues") {
		t.Fatalf("integration tool not registered: %v", r.Names())
	}
	if hasName(r, "custom_list_issues") {
		t.Fatal("integration tool exposed under custom_ prefix")
	}
}

func TestBuildRegistryHidesDisabled(t *testing.T) {
	c, st, _ := newTestCatalog(t, false)
	if err := st.CreateCustomTool(&store.CustomTool{
		Name: "off", Description: "d", Code: "return 1", Enabled: false,
	}); err != nil {
		t.Fatal(err)
	}
	in := &store.Integration{Name: "slack", Description: "s", Enabled: false}
	if err := st.CreateIntegration(in); err != nil {
		t.Fatal(err)
	}
	if err := st.CreateCustomTool(&store.CustomTool{
		Name: "post_message", Description: "d", Code: "return 1",
		Enabled: true, IntegrationID: in.ID,
	}); err != nil {
		t.Fatal(err)
	}

	r := c.BuildRegistry()
	if hasName(r, "custom_off") {
		t.Fatal("disabled tool registered")
	}
	// Disabling the integration hides its tools too.
	if hasName(r, "slack_post_message") {
		t.Fatal("tool of disabled integration registered")
	}
}

func TestBuildRegistrySkipsUnparseableSchema(t *testing.T) {
	c, st, _ := newTestCatalog(t, false)
	if err := st.CreateCustomTool(&store.CustomTool{
		Name: "broken", Description: "d", Code: "return 1",
		InputSchema: "{not json", Enabled: true,
	}); err != nil {
		t.Fatal(err)
	}
	if hasName(c.BuildRegistry(), "custom_broken") {
		t.Fatal("tool with unparseable schema registered")
	}
}

func TestBuildRegistrySalvagesNonObjectSchema(t *testing.T) {
	c, st, _ := newTestCatalog(t, false)
	if err := st.CreateCustomTool(&store.CustomTool{
		Name: "arrayish", Description: "d", Code: "return 1",
		InputSchema: `["oops"]`, Enabled: true,
	}); err != nil {
		t.Fatal(err)
	}

	tool, ok := c.BuildRegistry().Get("custom_arrayish")
	if !ok {
		t.Fatal("salvageable tool not registered")
	}
	params := tool.Parameters()
	if params["type"] != "object" {
		t.Fatalf("salvaged schema: %v", params)
	}
}

func TestNormalizeSchema(t *testing.T) {
	cases := []struct {
		name     string
		raw      string
		ok       bool
		wantType interface{}
	}{
		{"empty", "", true, "object"},
		{"valid object", `{"type":"object","properties":{}}`, true, "object"},
		{"missing type", `{"properties":{}}`, true, "object"},
		{"array root", `[1,2]`, true, "object"},
		{"scalar root", `"hi"`, true, "object"},
		{"unparseable", "{nope", false, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			params, ok := normalizeSchema("t", tc.raw)
			if ok != tc.ok {
				t.Fatalf("ok = %v, want %v", ok, tc.ok)
			}
			if ok && params["type"] != tc.wantType {
				t.Fatalf("type = %v", params["type"])
			}
		})
	}
}

func TestDynamicToolExecution(t *testing.T) {
	c, st, _ := newTestCatalog(t, false)
	if err := st.CreateCustomTool(&store.CustomTool{
		Name: "adder", Description: "adds one",
		Code: "return input.n + 1", Enabled: true,
	}); err != nil {
		t.Fatal(err)
	}

	r := c.BuildRegistry()
	res := r.Execute(context.Background(), "custom_adder", map[string]interface{}{"n": float64(2)})
	if res.IsError || res.ForLLM != "3" {
		t.Fatalf("result: %+v", res)
	}
}

func TestDynamicToolRuntimeErrorIsErrorResult(t *testing.T) {
	c, st, _ := newTestCatalog(t, false)
	if err := st.CreateCustomTool(&store.CustomTool{
		Name: "boom", Description: "throws",
		Code: "throw new Error('kaput')", Enabled: true,
	}); err != nil {
		t.Fatal(err)
	}

	res := c.BuildRegistry().Execute(context.Background(), "custom_boom", nil)
	if !res.IsError {
		t.Fatalf("runtime failure not an error result: %+v", res)
	}
}
