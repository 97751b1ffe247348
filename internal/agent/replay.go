package agent

import (
	"log/slog"

	"github.com/envoyhq/envoy/internal/providers"
)

// sanitizeHistory repairs tool call/result pairing in a reloaded
// conversation state before it is replayed into the model.
//
// Problems this fixes:
//   - orphaned tool messages with no preceding assistant tool_calls
//   - tool results whose id matches no pending call
//   - assistant tool_calls with missing tool results
func sanitizeHistory(msgs []providers.Message) []providers.Message {
	if len(msgs) == 0 {
		return msgs
	}

	start := 0
	for start < len(msgs) && msgs[start].Role == "tool" {
		slog.Warn("dropping orphaned tool message at history start", "tool_call_id", msgs[start].ToolCallID)
		start++
	}
	if start >= len(msgs) {
		return nil
	}

	var result []providers.Message
	for i := start; i < len(msgs); i++ {
		msg := msgs[i]

		if msg.Role == "assistant" && len(msg.ToolCalls) > 0 {
			expected := make(map[string]bool, len(msg.ToolCalls))
			for _, tc := range msg.ToolCalls {
				expected[tc.ID] = true
			}
			result = append(result, msg)

			for i+1 < len(msgs) && msgs[i+1].Role == "tool" {
				i++
				toolMsg := msgs[i]
				if expected[toolMsg.ToolCallID] {
					result = append(result, toolMsg)
					delete(expected, toolMsg.ToolCallID)
				} else {
					slog.Warn("dropping mismatched tool result", "tool_call_id", toolMsg.ToolCallID)
				}
			}

			// Synthesized results follow the tool_calls order so replays of
			// the same history are byte-identical.
			for _, tc := range msg.ToolCalls {
				if !expected[tc.ID] {
					continue
				}
				slog.Warn("synthesizing missing tool result", "tool_call_id", tc.ID)
				result = append(result, providers.Message{
					Role:       "tool",
					Content:    "[Tool result missing from saved conversation]",
					ToolCallID: tc.ID,
				})
			}
		} else if msg.Role == "tool" {
			slog.Warn("dropping orphaned tool message mid-history", "tool_call_id", msg.ToolCallID)
		} else {
			result = append(result, msg)
		}
	}
	return result
}
