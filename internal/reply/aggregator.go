// Package reply folds a stream of completion chunks into the single
// assistant message a run records.
package reply

import (
	"strings"

	"github.com/parleybot/parley/internal/completion"
	"github.com/parleybot/parley/pkg/models"
)

// Aggregator accumulates chunks in arrival order. Content fragments
// concatenate, tool argument fragments concatenate, the tool name is the
// last one seen, and the finish reason is the last one that was not
// undefined. Not safe for concurrent use; one aggregator serves one run.
type Aggregator struct {
	content   strings.Builder
	args      strings.Builder
	toolName  string
	finish    models.FinishReason
	usage     *completion.Usage
	chunks    int
	cancelled bool
}

// NewAggregator creates an empty aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{finish: models.FinishUndefined}
}

// Add folds one chunk. Error chunks are not part of the reply and are
// ignored here; the orchestrator handles them.
func (a *Aggregator) Add(chunk *completion.Chunk) {
	if chunk == nil || chunk.Err != nil {
		return
	}
	a.chunks++
	a.content.WriteString(chunk.Content)
	a.args.WriteString(chunk.Args)
	if chunk.ToolName != "" {
		a.toolName = chunk.ToolName
	}
	if chunk.FinishReason != "" && chunk.FinishReason != models.FinishUndefined {
		a.finish = chunk.FinishReason
	}
	if chunk.Usage != nil {
		a.usage = chunk.Usage
	}
}

// MarkCancelled records that the run was interrupted. The aggregated
// message, if any, finishes as cancelled regardless of what the stream
// reported.
func (a *Aggregator) MarkCancelled() {
	a.cancelled = true
}

// Content returns the text accumulated so far.
func (a *Aggregator) Content() string {
	return a.content.String()
}

// ToolName returns the tool the stream has requested, if any.
func (a *Aggregator) ToolName() string {
	return a.toolName
}

// Args returns the raw argument text accumulated so far.
func (a *Aggregator) Args() string {
	return a.args.String()
}

// Usage returns the endpoint-reported usage, or nil if none arrived.
func (a *Aggregator) Usage() *completion.Usage {
	return a.usage
}

// Message builds the aggregated reply. It returns nil when no chunks
// were folded. The result is a tool usage exactly when any chunk carried
// a tool name.
func (a *Aggregator) Message() *models.Message {
	if a.chunks == 0 {
		return nil
	}

	var msg *models.Message
	if a.toolName != "" {
		msg = models.NewToolUsage(a.toolName, a.args.String())
		msg.Content = a.content.String()
	} else {
		msg = models.NewAssistantMessage(a.content.String())
	}

	switch {
	case a.cancelled:
		msg.FinishReason = models.FinishCancelled
	case a.toolName != "":
		msg.FinishReason = models.FinishToolUse
	default:
		msg.FinishReason = a.finish
	}
	return msg
}
