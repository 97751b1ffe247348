// Package bus implements the per-session event fan-out between the agent
// loop and its live subscribers (SSE streams, task recorders, tests).
//
// The bus retains nothing: an event emitted while no subscriber is registered
// for that session is lost. Delivery is FIFO per subscriber; the emitter never
// blocks — when a subscriber's buffer is full its oldest event is dropped.
package bus

import "sync"

// Event kinds emitted during a turn.
const (
	EventStart       = "start"
	EventDelta       = "delta"
	EventToolCalls   = "tool_calls"
	EventToolResults = "tool_results"
	EventDone        = "done"
	EventConnected   = "connected"
)

// ToolCallInfo describes one tool invocation scheduled in a step.
type ToolCallInfo struct {
	ID   string                 `json:"id"`
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args"`
}

// ToolResultInfo describes the result of one tool invocation.
type ToolResultInfo struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Result string `json:"result"`
}

// Event is one agent event. Payload fields are set per kind; the bus treats
// them as opaque.
type Event struct {
	Type        string           `json:"type"`
	SessionID   string           `json:"sessionId,omitempty"`
	Content     string           `json:"content,omitempty"`
	ToolCalls   []ToolCallInfo   `json:"toolCalls,omitempty"`
	ToolResults []ToolResultInfo `json:"toolResults,omitempty"`
}

// subscriberBuffer caps queued events per subscriber. A subscriber further
// behind than this loses its oldest events, never the emitter's time.
const subscriberBuffer = 64

type subscriber struct {
	ch chan Event
}

// Bus is the process-local per-session publish/subscribe fabric.
// Safe for concurrent use.
type Bus struct {
	mu   sync.Mutex
	subs map[string]map[*subscriber]struct{}
}

func New() *Bus {
	return &Bus{subs: make(map[string]map[*subscriber]struct{})}
}

// Subscribe registers a subscriber for a session id and returns its event
// channel plus an unsubscribe function. Unsubscribe is idempotent and closes
// the channel.
func (b *Bus) Subscribe(sessionID string) (<-chan Event, func()) {
	sub := &subscriber{ch: make(chan Event, subscriberBuffer)}

	b.mu.Lock()
	set, ok := b.subs[sessionID]
	if !ok {
		set = make(map[*subscriber]struct{})
		b.subs[sessionID] = set
	}
	set[sub] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			if set, ok := b.subs[sessionID]; ok {
				delete(set, sub)
				if len(set) == 0 {
					delete(b.subs, sessionID)
				}
			}
			b.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, unsubscribe
}

// Emit delivers an event to every current subscriber for the session id.
// Never blocks: a full subscriber buffer drops its oldest event to make room.
func (b *Bus) Emit(sessionID string, ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subs[sessionID] {
		select {
		case sub.ch <- ev:
		default:
			// Buffer full — drop the oldest queued event, then retry once.
			// The subscriber is behind; the emitter does not wait for it.
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- ev:
			default:
			}
		}
	}
}

// SubscriberCount reports the number of live subscribers for a session.
func (b *Bus) SubscriberCount(sessionID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[sessionID])
}
