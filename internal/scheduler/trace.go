package scheduler

import "github.com/envoyhq/envoy/internal/providers"

// TraceEntry is one step of a run's recorded trace: an assistant entry with
// text and/or tool calls, or a tool entry with results.
type TraceEntry struct {
	Role      string          `json:"role"`
	Content   string          `json:"content,omitempty"`
	ToolCalls []TraceToolCall `json:"toolCalls,omitempty"`
	Results   []TraceResult   `json:"results,omitempty"`
}

type TraceToolCall struct {
	ToolName string                 `json:"toolName"`
	Args     map[string]interface{} `json:"args,omitempty"`
}

type TraceResult struct {
	ToolName string `json:"toolName"`
	Result   string `json:"result"`
}

// ExtractTrace walks a turn's message list into the run trace: the initial
// user message is skipped, assistant turns contribute content and tool call
// names, and consecutive tool messages fold into one results entry.
// Malformed entries are skipped, never fatal.
func ExtractTrace(messages []providers.Message) []TraceEntry {
	trace := []TraceEntry{}

	for i := 0; i < len(messages); i++ {
		msg := messages[i]
		switch msg.Role {
		case "assistant":
			entry := TraceEntry{Role: "assistant", Content: msg.Content}
			for _, tc := range msg.ToolCalls {
				if tc.Name == "" {
					continue
				}
				entry.ToolCalls = append(entry.ToolCalls, TraceToolCall{
					ToolName: tc.Name,
					Args:     tc.Arguments,
				})
			}
			if entry.Content != "" || len(entry.ToolCalls) > 0 {
				trace = append(trace, entry)
			}
		case "tool":
			entry := TraceEntry{Role: "tool"}
			for i < len(messages) && messages[i].Role == "tool" {
				m := messages[i]
				if m.Name != "" || m.Content != "" {
					entry.Results = append(entry.Results, TraceResult{
						ToolName: m.Name,
						Result:   m.Content,
					})
				}
				i++
			}
			i--
			if len(entry.Results) > 0 {
				trace = append(trace, entry)
			}
		}
	}
	return trace
}
