package store

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/envoyhq/envoy/internal/providers"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSessionLifecycle(t *testing.T) {
	s := newTestStore(t)

	sess, err := s.CreateSession("")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if sess.ID == "" {
		t.Fatal("expected generated id")
	}
	if sess.Title != "New chat" {
		t.Fatalf("title = %q, want New chat", sess.Title)
	}

	got, err := s.GetSession(sess.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ID != sess.ID {
		t.Fatalf("id = %q, want %q", got.ID, sess.ID)
	}

	if err := s.DeleteSession(sess.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetSession(sess.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get after delete: %v, want ErrNotFound", err)
	}
	if err := s.DeleteSession(sess.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("double delete: %v, want ErrNotFound", err)
	}
}

func TestGetOrCreateSession(t *testing.T) {
	s := newTestStore(t)

	sess, err := s.GetOrCreateSession("sess-1")
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	again, err := s.GetOrCreateSession("sess-1")
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if sess.ID != again.ID {
		t.Fatalf("ids differ: %q vs %q", sess.ID, again.ID)
	}
}

func TestConversationState(t *testing.T) {
	s := newTestStore(t)
	sess, _ := s.CreateSession("")

	if got := s.GetConversationState(sess.ID); got != nil {
		t.Fatalf("fresh session state = %v, want nil", got)
	}
	if got := s.GetConversationState("no-such-session"); got != nil {
		t.Fatalf("missing session state = %v, want nil", got)
	}

	msgs := []providers.Message{
		{Role: "user", Content: "hello"},
		{Role: "assistant", Content: "", ToolCalls: []providers.ToolCall{
			{ID: "call_1", Name: "read_file", Arguments: map[string]interface{}{"path": "a.txt"}},
		}},
		{Role: "tool", Content: "data", ToolCallID: "call_1", Name: "read_file"},
		{Role: "assistant", Content: "done"},
	}
	if err := s.SetConversationState(sess.ID, msgs); err != nil {
		t.Fatalf("set state: %v", err)
	}

	got := s.GetConversationState(sess.ID)
	if len(got) != 4 {
		t.Fatalf("len = %d, want 4", len(got))
	}
	if got[1].ToolCalls[0].ID != "call_1" {
		t.Fatalf("tool call id = %q", got[1].ToolCalls[0].ID)
	}
	if got[2].ToolCallID != "call_1" || got[2].Name != "read_file" {
		t.Fatalf("tool message mangled: %+v", got[2])
	}

	// A corrupt blob yields empty, never an error.
	if _, err := s.db.Exec(`UPDATE sessions SET conversation_state = 'not json' WHERE id = ?`, sess.ID); err != nil {
		t.Fatal(err)
	}
	if got := s.GetConversationState(sess.ID); got != nil {
		t.Fatalf("corrupt state = %v, want nil", got)
	}
}

func TestAutoTitle(t *testing.T) {
	s := newTestStore(t)

	tests := []struct {
		name    string
		message string
		want    string
	}{
		{"short", "hello there", "hello there"},
		{"exact", strings.Repeat("a", 40), strings.Repeat("a", 40)},
		{"long", strings.Repeat("a", 50), strings.Repeat("a", 40) + "…"},
		{"multibyte", strings.Repeat("é", 45), strings.Repeat("é", 40) + "…"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sess, _ := s.CreateSession("")
			if err := s.SetTitleFromFirstMessage(sess.ID, tt.message); err != nil {
				t.Fatalf("set title: %v", err)
			}
			got, _ := s.GetSession(sess.ID)
			if got.Title != tt.want {
				t.Fatalf("title = %q, want %q", got.Title, tt.want)
			}
		})
	}

	t.Run("only first message wins", func(t *testing.T) {
		sess, _ := s.CreateSession("")
		s.SetTitleFromFirstMessage(sess.ID, "first")
		s.SetTitleFromFirstMessage(sess.ID, "second")
		got, _ := s.GetSession(sess.ID)
		if got.Title != "first" {
			t.Fatalf("title = %q, want first", got.Title)
		}
	})
}

func TestTranscriptCascade(t *testing.T) {
	s := newTestStore(t)
	sess, _ := s.CreateSession("")

	if _, err := s.AddMessage(sess.ID, "user", "hi"); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := s.AddMessage(sess.ID, "assistant", "hello"); err != nil {
		t.Fatalf("add: %v", err)
	}

	msgs, err := s.ListMessages(sess.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("len = %d, want 2", len(msgs))
	}
	if msgs[0].Role != "user" || msgs[1].Role != "assistant" {
		t.Fatalf("order wrong: %s, %s", msgs[0].Role, msgs[1].Role)
	}

	if err := s.DeleteSession(sess.ID); err != nil {
		t.Fatal(err)
	}
	msgs, _ = s.ListMessages(sess.ID)
	if len(msgs) != 0 {
		t.Fatalf("messages survived session delete: %d", len(msgs))
	}
}

func TestCustomToolCRUD(t *testing.T) {
	s := newTestStore(t)

	tool := &CustomTool{
		Name:        "get_weather",
		Description: "Fetch current weather",
		InputSchema: `{"type":"object","properties":{"city":{"type":"string"}}}`,
		Code:        `return "sunny";`,
		Enabled:     true,
	}
	if err := s.CreateCustomTool(tool); err != nil {
		t.Fatalf("create: %v", err)
	}

	dup := &CustomTool{Name: "get_weather", Code: "x"}
	if err := s.CreateCustomTool(dup); !errors.Is(err, ErrDuplicateName) {
		t.Fatalf("duplicate create: %v, want ErrDuplicateName", err)
	}

	enabled := false
	desc := "Updated"
	got, err := s.UpdateCustomTool("get_weather", ToolUpdate{Description: &desc, Enabled: &enabled})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got.Description != "Updated" || got.Enabled {
		t.Fatalf("update not applied: %+v", got)
	}
	// Untouched fields survive.
	if got.Code != `return "sunny";` {
		t.Fatalf("code changed: %q", got.Code)
	}

	list, _ := s.ListEnabledCustomTools()
	if len(list) != 0 {
		t.Fatalf("disabled tool still listed: %d", len(list))
	}

	if err := s.DeleteCustomTool("get_weather"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetCustomTool("get_weather"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get after delete: %v", err)
	}
}

func TestIntegrationToolVisibility(t *testing.T) {
	s := newTestStore(t)

	in := &Integration{
		Name:        "github",
		Description: "GitHub API",
		ConfigSchema: []ConfigField{
			{Key: "GITHUB_TOKEN", Label: "Personal access token", Required: true},
		},
		Enabled: true,
	}
	if err := s.CreateIntegration(in); err != nil {
		t.Fatalf("create integration: %v", err)
	}

	if err := s.CreateCustomTool(&CustomTool{
		Name: "list_repos", Code: "return [];", Enabled: true, IntegrationID: in.ID,
	}); err != nil {
		t.Fatalf("create tool: %v", err)
	}
	if err := s.CreateCustomTool(&CustomTool{
		Name: "standalone_tool", Code: "return 1;", Enabled: true,
	}); err != nil {
		t.Fatalf("create tool: %v", err)
	}

	list, _ := s.ListEnabledCustomTools()
	if len(list) != 2 {
		t.Fatalf("enabled tools = %d, want 2", len(list))
	}

	// Disabling the integration hides its tools without touching them.
	off := false
	if _, err := s.UpdateIntegration("github", IntegrationUpdate{Enabled: &off}); err != nil {
		t.Fatalf("disable integration: %v", err)
	}
	list, _ = s.ListEnabledCustomTools()
	if len(list) != 1 || list[0].Name != "standalone_tool" {
		t.Fatalf("visible tools after disable: %+v", list)
	}

	standalone, _ := s.ListStandaloneTools()
	if len(standalone) != 1 || standalone[0].Name != "standalone_tool" {
		t.Fatalf("standalone tools: %+v", standalone)
	}
	owned, _ := s.ListIntegrationTools(in.ID)
	if len(owned) != 1 || owned[0].Name != "list_repos" {
		t.Fatalf("integration tools: %+v", owned)
	}

	// Deleting the integration cascades to its tools.
	if err := s.DeleteIntegration("github"); err != nil {
		t.Fatalf("delete integration: %v", err)
	}
	if _, err := s.GetCustomTool("list_repos"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("integration tool survived delete: %v", err)
	}
	if _, err := s.GetCustomTool("standalone_tool"); err != nil {
		t.Fatalf("standalone tool lost: %v", err)
	}
}

func TestIntegrationConfigSchemaRoundTrip(t *testing.T) {
	s := newTestStore(t)

	in := &Integration{
		Name: "slack",
		ConfigSchema: []ConfigField{
			{Key: "SLACK_TOKEN", Label: "Bot token", Required: true},
			{Key: "SLACK_CHANNEL", Label: "Default channel", Required: false},
		},
		Enabled: true,
	}
	if err := s.CreateIntegration(in); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetIntegration("slack")
	if err != nil {
		t.Fatal(err)
	}
	if len(got.ConfigSchema) != 2 {
		t.Fatalf("schema fields = %d, want 2", len(got.ConfigSchema))
	}
	if !got.ConfigSchema[0].Required || got.ConfigSchema[1].Required {
		t.Fatalf("required flags wrong: %+v", got.ConfigSchema)
	}
}

func TestScheduledTaskRuns(t *testing.T) {
	s := newTestStore(t)

	task := &ScheduledTask{
		Name:        "daily-digest",
		Description: "Summarize yesterday's activity",
		Cron:        "0 9 * * *",
		Enabled:     true,
	}
	if err := s.CreateScheduledTask(task); err != nil {
		t.Fatalf("create: %v", err)
	}

	running, err := s.HasRunningRun(task.ID)
	if err != nil || running {
		t.Fatalf("fresh task running = %v, err = %v", running, err)
	}

	run, err := s.CreateRun(task.ID)
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	running, _ = s.HasRunningRun(task.ID)
	if !running {
		t.Fatal("expected running run")
	}

	if err := s.CompleteRun(run.ID, RunStatusSuccess, "all good", `[{"role":"assistant","content":"ok"}]`); err != nil {
		t.Fatalf("complete: %v", err)
	}
	running, _ = s.HasRunningRun(task.ID)
	if running {
		t.Fatal("run still marked running after completion")
	}

	latest, err := s.LatestRun(task.ID)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest.Status != RunStatusSuccess || latest.Result != "all good" {
		t.Fatalf("latest run: %+v", latest)
	}
	if latest.FinishedAt == nil {
		t.Fatal("finished_at not set")
	}

	// Run history cascades with the task.
	if err := s.DeleteScheduledTask("daily-digest"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.LatestRun(task.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("runs survived task delete: %v", err)
	}
}

func TestCreateRunIfIdleGuard(t *testing.T) {
	s := newTestStore(t)

	task := &ScheduledTask{Name: "guarded", Description: "d", Cron: "0 9 * * *", Enabled: true}
	if err := s.CreateScheduledTask(task); err != nil {
		t.Fatalf("create: %v", err)
	}

	run, err := s.CreateRunIfIdle(task.ID)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}

	if _, err := s.CreateRunIfIdle(task.ID); !errors.Is(err, ErrRunInProgress) {
		t.Fatalf("overlapping run: %v, want ErrRunInProgress", err)
	}
	runs, _ := s.ListRuns(task.ID, 10)
	if len(runs) != 1 {
		t.Fatalf("guarded insert still wrote a row: %d", len(runs))
	}

	if err := s.CompleteRun(run.ID, RunStatusSuccess, "done", "[]"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := s.CreateRunIfIdle(task.ID); err != nil {
		t.Fatalf("run after completion: %v", err)
	}
}

func TestTaskUpdatePartial(t *testing.T) {
	s := newTestStore(t)

	task := &ScheduledTask{Name: "cleanup", Description: "Sweep temp files", Cron: "*/5 * * * *", Enabled: true}
	if err := s.CreateScheduledTask(task); err != nil {
		t.Fatal(err)
	}

	cron := "0 * * * *"
	got, err := s.UpdateScheduledTask("cleanup", TaskUpdate{Cron: &cron})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got.Cron != "0 * * * *" {
		t.Fatalf("cron = %q", got.Cron)
	}
	if got.Description != "Sweep temp files" || !got.Enabled {
		t.Fatalf("untouched fields changed: %+v", got)
	}
}
