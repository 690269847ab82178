package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/parleybot/parley/internal/completion"
	"github.com/parleybot/parley/internal/reply"
	"github.com/parleybot/parley/pkg/models"
)

// summaryPrompt is the fixed summarization template. It receives the
// previous summary text and the serialized evicted messages.
const summaryPrompt = `Progressively condense a conversation. You are given the current summary and newly elapsed conversation lines. Combine them into a single updated summary that preserves names, decisions, facts, and open questions. Reply with the summary only.

Current summary:
%s

New lines:
%s

Updated summary:`

// summarizerTemperature keeps summaries close to the source text.
const summarizerTemperature = 0.3

// CompletionSummarizer produces summaries via a completion sub-call with
// no tools and a fixed prompt. It deliberately bypasses ChatMemory so
// summarization can never recurse into pruning.
type CompletionSummarizer struct {
	client completion.Client
	model  models.ChatModel
}

// NewCompletionSummarizer creates a summarizer bound to a model.
func NewCompletionSummarizer(client completion.Client, model models.ChatModel) *CompletionSummarizer {
	return &CompletionSummarizer{client: client, model: model}
}

// Summarize renders the template and runs one non-streaming completion.
func (s *CompletionSummarizer) Summarize(ctx context.Context, previous string, evicted []*models.Message) (string, error) {
	if len(evicted) == 0 {
		return previous, nil
	}
	if previous == "" {
		previous = "(none)"
	}

	cfg, err := models.NewModelConfig(s.model,
		models.WithStream(false),
		models.WithTemperature(summarizerTemperature),
	)
	if err != nil {
		return "", err
	}

	prompt := fmt.Sprintf(summaryPrompt, previous, SerializeMessages(evicted))
	chunks, err := s.client.Complete(ctx, &completion.Request{
		Config:   *cfg,
		Messages: []*models.Message{models.NewUserMessage(prompt)},
	})
	if err != nil {
		return "", fmt.Errorf("summary completion: %w", err)
	}

	agg := reply.NewAggregator()
	for chunk := range chunks {
		if chunk.Err != nil {
			return "", fmt.Errorf("summary completion: %w", chunk.Err)
		}
		agg.Add(chunk)
	}

	text := strings.TrimSpace(agg.Content())
	if text == "" {
		return "", fmt.Errorf("summary completion returned no content")
	}
	return text, nil
}

// SerializeMessages renders messages as plain conversation lines for the
// summarization prompt.
func SerializeMessages(messages []*models.Message) string {
	var b strings.Builder
	for _, msg := range messages {
		switch {
		case msg.IsToolUsage():
			fmt.Fprintf(&b, "assistant requested tool %s with arguments %s\n", msg.ToolName, msg.ArgsStr)
		case msg.Role == models.RoleFunction:
			fmt.Fprintf(&b, "tool %s returned: %s\n", msg.Name, msg.Content)
		case msg.Name != "":
			fmt.Fprintf(&b, "%s (%s): %s\n", msg.Role, msg.Name, msg.Content)
		default:
			fmt.Fprintf(&b, "%s: %s\n", msg.Role, msg.Content)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
