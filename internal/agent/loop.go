// Package agent drives the turn loop: a bounded cycle of streaming model
// calls and tool executions, publishing progress events per session.
package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/envoyhq/envoy/internal/bus"
	"github.com/envoyhq/envoy/internal/providers"
	"github.com/envoyhq/envoy/internal/store"
	"github.com/envoyhq/envoy/internal/tools"
)

// MaxSteps bounds the number of model calls inside one turn. Hitting the
// bound is normal completion, not an error.
const MaxSteps = 10

// CatalogBuilder supplies the tool set for one model step. Rebuilt every
// step so a tool created mid-turn is callable on the next one.
type CatalogBuilder interface {
	BuildRegistry() *tools.Registry
}

// Loop is the turn engine. One Loop serves all sessions; per-turn state
// lives on the stack.
type Loop struct {
	provider providers.Provider
	model    string
	catalog  CatalogBuilder
	bus      *bus.Bus
	store    *store.Store
	tracer   trace.Tracer
}

func NewLoop(provider providers.Provider, model string, catalog CatalogBuilder, b *bus.Bus, st *store.Store) *Loop {
	return &Loop{
		provider: provider,
		model:    model,
		catalog:  catalog,
		bus:      b,
		store:    st,
		tracer:   otel.Tracer("envoy/agent"),
	}
}

// ProcessTurn runs one full turn: the user message is appended to the
// history, the model is called in a bounded step loop with tool execution
// between steps, and events stream to the session's bus subscribers. The
// returned message list is the updated conversation state the caller
// persists.
func (l *Loop) ProcessTurn(ctx context.Context, sessionID, userMessage string, history []providers.Message) (string, []providers.Message, error) {
	ctx, turnSpan := l.tracer.Start(ctx, "agent.turn",
		trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer turnSpan.End()

	messages := append(sanitizeHistory(history), providers.Message{
		Role:    "user",
		Content: userMessage,
	})

	l.bus.Emit(sessionID, bus.Event{Type: bus.EventStart, SessionID: sessionID})

	var fullText string
	steps := 0
	for steps < MaxSteps {
		steps++

		registry := l.catalog.BuildRegistry()
		systemPrompt := l.buildSystemPrompt(registry)

		req := providers.ChatRequest{
			Messages: append([]providers.Message{{Role: "system", Content: systemPrompt}}, messages...),
			Tools:    registry.Definitions(),
			Model:    l.model,
		}

		stepCtx, stepSpan := l.tracer.Start(ctx, "agent.step",
			trace.WithAttributes(
				attribute.Int("step", steps),
				attribute.String("session.id", sessionID),
			))

		stepStart := time.Now()
		resp, err := l.provider.ChatStream(stepCtx, req, func(chunk providers.StreamChunk) {
			if chunk.Content != "" {
				fullText += chunk.Content
				l.bus.Emit(sessionID, bus.Event{
					Type:      bus.EventDelta,
					SessionID: sessionID,
					Content:   chunk.Content,
				})
			}
		})
		if err != nil {
			// A broken stream ends the turn with whatever text arrived; the
			// partial result is still persisted and returned.
			slog.Error("model stream failed", "session", sessionID, "step", steps, "error", err)
			stepSpan.RecordError(err)
			stepSpan.End()
			break
		}
		stepSpan.SetAttributes(attribute.String("finish_reason", resp.FinishReason))
		if resp.Usage != nil {
			stepSpan.SetAttributes(attribute.Int("tokens.total", resp.Usage.TotalTokens))
		}
		stepSpan.End()
		slog.Debug("agent step complete",
			"session", sessionID, "step", steps,
			"finish_reason", resp.FinishReason,
			"tool_calls", len(resp.ToolCalls),
			"duration", time.Since(stepStart),
		)

		messages = append(messages, providers.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		if len(resp.ToolCalls) == 0 || resp.FinishReason != "tool_calls" {
			if len(resp.ToolCalls) > 0 {
				// Unusual: calls without the matching finish reason. Execute
				// anyway so the pairing invariant holds, then stop.
				messages = l.executeToolCalls(ctx, sessionID, registry, resp.ToolCalls, messages)
			}
			break
		}

		messages = l.executeToolCalls(ctx, sessionID, registry, resp.ToolCalls, messages)
	}

	l.bus.Emit(sessionID, bus.Event{
		Type:      bus.EventDone,
		SessionID: sessionID,
		Content:   fullText,
	})
	turnSpan.SetAttributes(attribute.Int("steps", steps))
	return fullText, messages, nil
}

// executeToolCalls runs each requested tool through the catalog, emitting a
// singleton tool_calls/tool_results event pair per call and splicing the
// tool message into the working history.
func (l *Loop) executeToolCalls(ctx context.Context, sessionID string, registry *tools.Registry, calls []providers.ToolCall, messages []providers.Message) []providers.Message {
	for _, tc := range calls {
		l.bus.Emit(sessionID, bus.Event{
			Type:      bus.EventToolCalls,
			SessionID: sessionID,
			ToolCalls: []bus.ToolCallInfo{{ID: tc.ID, Name: tc.Name, Args: tc.Arguments}},
		})

		argsJSON, _ := json.Marshal(tc.Arguments)
		slog.Info("tool call", "session", sessionID, "tool", tc.Name, "args_len", len(argsJSON))

		toolCtx, toolSpan := l.tracer.Start(ctx, "tool.execute",
			trace.WithAttributes(
				attribute.String("tool.name", tc.Name),
				attribute.String("session.id", sessionID),
			))
		result := registry.Execute(toolCtx, tc.Name, tc.Arguments)
		toolSpan.SetAttributes(attribute.Bool("tool.is_error", result.IsError))
		toolSpan.End()

		if result.IsError {
			msg := result.ForLLM
			if len(msg) > 200 {
				msg = msg[:200] + "..."
			}
			slog.Warn("tool error", "session", sessionID, "tool", tc.Name, "error", msg)
		}

		l.bus.Emit(sessionID, bus.Event{
			Type:        bus.EventToolResults,
			SessionID:   sessionID,
			ToolResults: []bus.ToolResultInfo{{ID: tc.ID, Name: tc.Name, Result: result.ForLLM}},
		})

		messages = append(messages, providers.Message{
			Role:       "tool",
			Content:    result.ForLLM,
			ToolCallID: tc.ID,
			Name:       tc.Name,
		})
	}
	return messages
}
