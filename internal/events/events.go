// Package events delivers generation lifecycle events to subscribers in
// strict emission order. Dispatch is sequential: a handler must return
// before the next event fires, and a handler error aborts the run that
// emitted it.
package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/parleybot/parley/pkg/models"
)

// Kind identifies a lifecycle event.
type Kind string

const (
	// KindModelRun fires once when a generation run is accepted.
	KindModelRun Kind = "model_run"
	// KindModelStart fires before each completion call, including tool
	// loop iterations.
	KindModelStart Kind = "model_start"
	// KindModelGeneration fires per streamed content delta.
	KindModelGeneration Kind = "model_generation"
	// KindModelEnd fires when a completion call finishes.
	KindModelEnd Kind = "model_end"
	// KindToolUse fires when the model requests a tool.
	KindToolUse Kind = "tool_use"
	// KindToolResult fires when a tool execution result is recorded.
	KindToolResult Kind = "tool_result"
	// KindModelReply fires once with the final reply of a successful run.
	KindModelReply Kind = "model_reply"
	// KindModelInterrupt fires at most once when a run is cancelled.
	KindModelInterrupt Kind = "model_interrupt"
	// KindModelError fires when a run fails.
	KindModelError Kind = "model_error"
)

// Event is the payload delivered to handlers. Fields beyond Kind,
// Session, Sequence, and Time are set per kind: Config, Window, and
// Tools for start events; the chunk fields and Aggregate for generation
// deltas; Message for tool traffic and replies; Err for errors.
type Event struct {
	Kind     Kind
	Session  string
	Sequence uint64
	Time     time.Time

	// Config is the generation config in effect (KindModelStart).
	Config *models.ModelConfig
	// Window is the prompt window sent upstream (KindModelStart).
	Window []*models.Message
	// Tools lists the tools offered to the model (KindModelStart).
	Tools []*models.Tool

	// Delta is the streamed content fragment (KindModelGeneration).
	Delta string
	// ToolName is the tool announced by the chunk (KindModelGeneration).
	ToolName string
	// Args is the chunk's raw argument fragment (KindModelGeneration).
	Args string
	// Aggregate is the reply accumulated so far (KindModelGeneration).
	Aggregate *Aggregate

	// Message carries the tool usage, tool result, or final reply.
	Message *models.Message
	// Err is the failure being reported (KindModelError).
	Err error
}

// Aggregate is a snapshot of the reply being assembled, taken after the
// event's chunk was folded in. Handlers can render progressive tool
// argument streaming from it without re-accumulating chunks themselves.
type Aggregate struct {
	Content  string
	ToolName string
	Args     string
}

// Handler receives one event. Returning an error aborts dispatch and
// fails the emitting run.
type Handler func(ctx context.Context, ev Event) error

type subscription struct {
	kind    Kind
	all     bool
	handler Handler
}

// Bus dispatches events to subscribers sequentially in registration
// order. Subscribing is safe concurrently with firing; handlers for one
// session's run never interleave with each other.
type Bus struct {
	mu       sync.RWMutex
	subs     []subscription
	sequence uint64
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a handler for one event kind.
func (b *Bus) Subscribe(kind Kind, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, subscription{kind: kind, handler: handler})
}

// SubscribeAll registers a handler for every event kind.
func (b *Bus) SubscribeAll(handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, subscription{all: true, handler: handler})
}

// Fire stamps the event with a monotonic sequence number and delivers it
// to matching handlers in registration order. The first handler error
// stops dispatch and is returned to the emitter.
func (b *Bus) Fire(ctx context.Context, ev Event) error {
	ev.Sequence = atomic.AddUint64(&b.sequence, 1)
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	b.mu.RLock()
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, sub := range subs {
		if !sub.all && sub.kind != ev.Kind {
			continue
		}
		if err := sub.handler(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}
