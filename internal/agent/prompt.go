package agent

import (
	"fmt"
	"strings"
	"time"

	"github.com/envoyhq/envoy/internal/integrations"
	"github.com/envoyhq/envoy/internal/tools"
)

// buildSystemPrompt assembles the system prompt for one model step. It is
// rebuilt every step, never cached: the catalog of tools, integrations, and
// tasks changes at runtime and the model must see the current state.
func (l *Loop) buildSystemPrompt(registry *tools.Registry) string {
	var b strings.Builder

	b.WriteString(`You are Envoy, a conversational assistant that can extend its own capabilities at runtime.

You can create new tools for yourself with create_tool, group tools behind shared credentials with create_integration and add_integration_tool, and set up recurring work with schedule_task. Tool code is the body of an async JavaScript function with three bindings: input (the parsed arguments), http (get/post/put/patch/delete helpers), and env (the process environment, where integration credentials live).

When a user asks for something you cannot do yet, consider building a tool for it. When a new tool needs credentials, create an integration declaring the keys and tell the user to configure it.

`)
	fmt.Fprintf(&b, "Current time: %s\n\n", time.Now().Format(time.RFC1123))

	b.WriteString("## Built-in tools\n")
	for _, name := range registry.BuiltinNames() {
		b.WriteString("- " + name + "\n")
	}

	if customs, err := l.store.ListStandaloneTools(); err == nil && len(customs) > 0 {
		b.WriteString("\n## Your custom tools\n")
		for _, t := range customs {
			status := ""
			if !t.Enabled {
				status = " (disabled)"
			}
			fmt.Fprintf(&b, "- custom_%s%s: %s\n", t.Name, status, t.Description)
		}
	}

	if ins, err := l.store.ListIntegrations(); err == nil && len(ins) > 0 {
		b.WriteString("\n## Integrations\n")
		for _, in := range ins {
			badge := "needs setup"
			if integrations.Configured(in.ConfigSchema) {
				badge = "configured"
			}
			if !in.Enabled {
				badge = "disabled"
			}
			fmt.Fprintf(&b, "- %s [%s]: %s\n", in.Name, badge, in.Description)
			if intTools, err := l.store.ListIntegrationTools(in.ID); err == nil {
				for _, t := range intTools {
					fmt.Fprintf(&b, "    %s_%s: %s\n", in.Name, t.Name, t.Description)
				}
			}
		}
	}

	if tasks, err := l.store.ListScheduledTasks(); err == nil && len(tasks) > 0 {
		b.WriteString("\n## Scheduled tasks\n")
		for _, t := range tasks {
			status := "enabled"
			if !t.Enabled {
				status = "disabled"
			}
			fmt.Fprintf(&b, "- %s (%s, cron %q): %s\n", t.Name, status, t.Cron, t.Description)
		}
	}

	return b.String()
}
