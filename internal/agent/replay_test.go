package agent

import (
	"testing"

	"github.com/envoyhq/envoy/internal/providers"
)

func TestSanitizeHistory(t *testing.T) {
	assistantWithCall := providers.Message{
		Role: "assistant",
		ToolCalls: []providers.ToolCall{
			{ID: "c1", Name: "echo", Arguments: map[string]interface{}{}},
		},
	}

	tests := []struct {
		name      string
		input     []providers.Message
		wantRoles []string
	}{
		{
			name:      "empty",
			input:     nil,
			wantRoles: nil,
		},
		{
			name: "well formed passes through",
			input: []providers.Message{
				{Role: "user", Content: "hi"},
				assistantWithCall,
				{Role: "tool", ToolCallID: "c1", Content: "echoed"},
				{Role: "assistant", Content: "done"},
			},
			wantRoles: []string{"user", "assistant", "tool", "assistant"},
		},
		{
			name: "leading orphaned tool dropped",
			input: []providers.Message{
				{Role: "tool", ToolCallID: "stale", Content: "x"},
				{Role: "user", Content: "hi"},
			},
			wantRoles: []string{"user"},
		},
		{
			name: "mid history orphaned tool dropped",
			input: []providers.Message{
				{Role: "user", Content: "hi"},
				{Role: "assistant", Content: "plain"},
				{Role: "tool", ToolCallID: "stale", Content: "x"},
			},
			wantRoles: []string{"user", "assistant"},
		},
		{
			name: "missing tool result synthesized",
			input: []providers.Message{
				{Role: "user", Content: "hi"},
				assistantWithCall,
				{Role: "user", Content: "next"},
			},
			wantRoles: []string{"user", "assistant", "tool", "user"},
		},
		{
			name: "mismatched tool result dropped and missing synthesized",
			input: []providers.Message{
				{Role: "user", Content: "hi"},
				assistantWithCall,
				{Role: "tool", ToolCallID: "wrong", Content: "x"},
			},
			wantRoles: []string{"user", "assistant", "tool"},
		},
		{
			name: "all tool messages yields nil",
			input: []providers.Message{
				{Role: "tool", ToolCallID: "a", Content: "x"},
				{Role: "tool", ToolCallID: "b", Content: "y"},
			},
			wantRoles: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := sanitizeHistory(tt.input)
			if len(got) != len(tt.wantRoles) {
				t.Fatalf("len = %d, want %d: %+v", len(got), len(tt.wantRoles), got)
			}
			for i, role := range tt.wantRoles {
				if got[i].Role != role {
					t.Fatalf("msg %d role = %q, want %q", i, got[i].Role, role)
				}
			}
		})
	}
}

func TestSanitizeHistorySynthesizedResultsFollowCallOrder(t *testing.T) {
	input := []providers.Message{
		{Role: "user", Content: "hi"},
		{Role: "assistant", ToolCalls: []providers.ToolCall{
			{ID: "c1", Name: "a", Arguments: map[string]interface{}{}},
			{ID: "c2", Name: "b", Arguments: map[string]interface{}{}},
			{ID: "c3", Name: "c", Arguments: map[string]interface{}{}},
		}},
		{Role: "tool", ToolCallID: "c2", Content: "answered"},
	}

	// Replays must be stable: the same saved state always yields the same
	// message list, with synthesized results in tool_calls order.
	for round := 0; round < 5; round++ {
		got := sanitizeHistory(input)
		if len(got) != 5 {
			t.Fatalf("len = %d: %+v", len(got), got)
		}
		ids := []string{got[2].ToolCallID, got[3].ToolCallID, got[4].ToolCallID}
		if ids[0] != "c2" || ids[1] != "c1" || ids[2] != "c3" {
			t.Fatalf("tool result order = %v", ids)
		}
	}
}

func TestSanitizeHistorySynthesizedResultMatchesID(t *testing.T) {
	got := sanitizeHistory([]providers.Message{
		{Role: "user", Content: "hi"},
		{Role: "assistant", ToolCalls: []providers.ToolCall{
			{ID: "c9", Name: "echo", Arguments: map[string]interface{}{}},
		}},
	})
	if len(got) != 3 {
		t.Fatalf("len = %d", len(got))
	}
	synth := got[2]
	if synth.Role != "tool" || synth.ToolCallID != "c9" {
		t.Fatalf("synthesized: %+v", synth)
	}
}
