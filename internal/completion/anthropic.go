package completion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/parleybot/parley/internal/backoff"
	"github.com/parleybot/parley/pkg/models"
)

// defaultAnthropicMaxTokens applies when the config leaves MaxTokens
// unset; the Anthropic API requires an explicit cap.
const defaultAnthropicMaxTokens = 4096

// AnthropicClient implements Client against the Anthropic Messages API.
// Tool traffic maps onto tool_use/tool_result content blocks instead of
// the legacy function_call shape.
type AnthropicClient struct {
	client anthropic.Client
	policy backoff.Policy
}

// NewAnthropicClient creates a client authenticated with apiKey.
func NewAnthropicClient(apiKey string) *AnthropicClient {
	return &AnthropicClient{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		policy: backoff.DefaultPolicy(),
	}
}

func (c *AnthropicClient) Name() string {
	return "anthropic"
}

// Complete sends the request and returns a chunk channel. Stream
// creation failures retry per the backoff policy when transient.
func (c *AnthropicClient) Complete(ctx context.Context, req *Request) (<-chan *Chunk, error) {
	if len(req.Messages) == 0 {
		return nil, &models.ValidationError{Field: "messages", Message: "at least one message is required"}
	}

	params, err := buildAnthropicParams(req)
	if err != nil {
		return nil, err
	}

	chunks := make(chan *Chunk)
	go func() {
		defer close(chunks)

		result, err := backoff.Retry(ctx, c.policy, func(int) (*ssestream.Stream[anthropic.MessageStreamEventUnion], bool, error) {
			stream := c.client.Messages.NewStreaming(ctx, params)
			if err := stream.Err(); err != nil {
				wrapped := wrapAnthropicError(err)
				return nil, isTransient(wrapped), wrapped
			}
			return stream, false, nil
		})
		if err != nil {
			if result.LastError != nil && !errors.Is(err, context.Canceled) {
				err = fmt.Errorf("%w: %w", err, result.LastError)
			}
			send(ctx, chunks, &Chunk{Err: err})
			return
		}
		c.processStream(ctx, result.Value, chunks)
	}()
	return chunks, nil
}

func (c *AnthropicClient) processStream(ctx context.Context, stream *ssestream.Stream[anthropic.MessageStreamEventUnion], chunks chan<- *Chunk) {
	defer stream.Close()

	finish := models.FinishUndefined
	usage := &Usage{}

	for stream.Next() {
		select {
		case <-ctx.Done():
			send(ctx, chunks, &Chunk{Err: ctx.Err()})
			return
		default:
		}

		event := stream.Current()
		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			usage.PromptTokens = int(start.Message.Usage.InputTokens)

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				if !send(ctx, chunks, &Chunk{ToolName: block.AsToolUse().Name}) {
					return
				}
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					if !send(ctx, chunks, &Chunk{Content: delta.Text}) {
						return
					}
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					if !send(ctx, chunks, &Chunk{Args: delta.PartialJSON}) {
						return
					}
				}
			}

		case "message_delta":
			delta := event.AsMessageDelta()
			usage.ReplyTokens = int(delta.Usage.OutputTokens)
			if delta.Delta.StopReason != "" {
				finish = mapAnthropicStopReason(string(delta.Delta.StopReason))
			}

		case "message_stop":
			send(ctx, chunks, &Chunk{FinishReason: finish, Usage: usage})
			return
		}
	}

	if err := stream.Err(); err != nil {
		send(ctx, chunks, &Chunk{Err: wrapAnthropicError(err)})
		return
	}
	send(ctx, chunks, &Chunk{FinishReason: finish, Usage: usage})
}

func mapAnthropicStopReason(reason string) models.FinishReason {
	switch reason {
	case "end_turn", "stop_sequence":
		return models.FinishDone
	case "tool_use":
		return models.FinishToolUse
	case "max_tokens":
		return models.FinishLimitReached
	case "refusal":
		return models.FinishFiltered
	default:
		return models.FinishUndefined
	}
}

// buildAnthropicParams maps a Request onto the Messages API. The system
// prompt travels in the dedicated field; tool usages become tool_use
// blocks and tool results tool_result blocks paired by the usage id.
func buildAnthropicParams(req *Request) (anthropic.MessageNewParams, error) {
	cfg := req.Config

	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(cfg.Model.Name),
		MaxTokens: int64(maxTokens),
	}
	if cfg.Prompt != nil {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: cfg.Prompt.Content}}
	}

	// Anthropic temperatures range 0..1 where the legacy endpoint uses
	// 0..2; scale so the configured midpoint keeps its meaning.
	if cfg.Temperature > 0 {
		params.Temperature = anthropic.Float(cfg.Temperature / 2)
	}

	var messages []anthropic.MessageParam
	lastToolUseID := ""
	for _, msg := range req.Messages {
		switch {
		case msg.IsToolUsage():
			args := json.RawMessage(msg.ArgsStr)
			if len(args) == 0 {
				args = json.RawMessage(`{}`)
			}
			lastToolUseID = msg.ID
			messages = append(messages, anthropic.NewAssistantMessage(
				anthropic.NewToolUseBlock(msg.ID, args, msg.ToolName),
			))
		case msg.Role == models.RoleFunction:
			if lastToolUseID == "" {
				return anthropic.MessageNewParams{}, &models.ValidationError{
					Field:   "messages",
					Message: "tool result without a preceding tool usage",
				}
			}
			messages = append(messages, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(lastToolUseID, msg.Content, false),
			))
			lastToolUseID = ""
		case msg.Role == models.RoleAssistant:
			if msg.Content != "" {
				messages = append(messages, anthropic.NewAssistantMessage(
					anthropic.NewTextBlock(msg.Content),
				))
			}
		default:
			// User, system, and summary messages inside the window all
			// travel as user turns.
			messages = append(messages, anthropic.NewUserMessage(
				anthropic.NewTextBlock(msg.Content),
			))
		}
	}
	params.Messages = messages

	for _, tool := range req.Tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.Schema(), &schema); err != nil {
			return anthropic.MessageNewParams{}, fmt.Errorf("invalid tool schema for %s: %w", tool.Name, err)
		}
		toolParam := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if toolParam.OfTool != nil {
			toolParam.OfTool.Description = anthropic.String(tool.Description)
		}
		params.Tools = append(params.Tools, toolParam)
	}

	if cfg.ForcedTool != nil {
		if *cfg.ForcedTool == "" {
			none := anthropic.NewToolChoiceNoneParam()
			params.ToolChoice = anthropic.ToolChoiceUnionParam{OfNone: &none}
		} else {
			params.ToolChoice = anthropic.ToolChoiceParamOfTool(*cfg.ForcedTool)
		}
	}

	return params, nil
}

// wrapAnthropicError classifies SDK failures into the error taxonomy.
func wrapAnthropicError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return &ProviderError{Backend: "anthropic", StatusCode: apiErr.StatusCode, Err: err}
	}
	return &NetworkError{Backend: "anthropic", Err: err}
}
