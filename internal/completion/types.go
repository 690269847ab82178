// Package completion talks to chat completion endpoints. Clients present
// a unified streaming interface: a request goes out, chunks come back on
// a channel, and transient transport failures are retried with
// randomized exponential backoff before the stream starts.
package completion

import (
	"context"

	"github.com/parleybot/parley/pkg/models"
)

// Client is the interface completion backends implement.
//
// Implementations must be safe for concurrent use; each Complete call
// owns an independent stream and goroutine. The returned channel is
// closed by the implementation when the stream ends.
type Client interface {
	// Complete sends a prompt and returns a streaming response.
	Complete(ctx context.Context, req *Request) (<-chan *Chunk, error)

	// Name returns the backend name for logging and metrics.
	Name() string
}

// Request contains everything one completion call needs: the generation
// config, the assembled prompt window, and the tools offered to the
// model.
type Request struct {
	Config   models.ModelConfig
	Messages []*models.Message
	Tools    []*models.Tool
}

// Usage is the endpoint's own token accounting for one call.
type Usage struct {
	PromptTokens int
	ReplyTokens  int
}

// Chunk is one unit of a streaming response.
//
// Content chunks carry text deltas. Tool-call chunks carry the tool name
// (first fragment) and raw argument fragments; argument text concatenates
// across chunks in arrival order. The final chunk of a stream carries the
// finish reason and, when the endpoint reports it, usage. Err marks a
// mid-stream failure and is always the last chunk sent.
type Chunk struct {
	Content      string
	ToolName     string
	Args         string
	FinishReason models.FinishReason
	Usage        *Usage
	Err          error
}

// send delivers chunk unless ctx ends first. A false return means the
// consumer stopped receiving; the producer must unwind so its deferred
// close and stream cleanup run instead of blocking forever.
func send(ctx context.Context, chunks chan<- *Chunk, chunk *Chunk) bool {
	select {
	case chunks <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}
