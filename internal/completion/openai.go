package completion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	openai "github.com/sashabaranov/go-openai"

	"github.com/parleybot/parley/internal/backoff"
	"github.com/parleybot/parley/pkg/models"
)

// openaiStream is the subset of the SDK stream the client consumes.
type openaiStream interface {
	Recv() (openai.ChatCompletionStreamResponse, error)
	Close() error
}

// openaiBackend abstracts the SDK calls so tests can script streams.
type openaiBackend interface {
	createStream(ctx context.Context, req openai.ChatCompletionRequest) (openaiStream, error)
	create(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

type sdkBackend struct {
	client *openai.Client
}

func (b *sdkBackend) createStream(ctx context.Context, req openai.ChatCompletionRequest) (openaiStream, error) {
	return b.client.CreateChatCompletionStream(ctx, req)
}

func (b *sdkBackend) create(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	return b.client.CreateChatCompletion(ctx, req)
}

// OpenAIClient implements Client against the chat completions endpoint
// using the legacy functions/function_call wire format.
type OpenAIClient struct {
	backend openaiBackend
	policy  backoff.Policy
}

// OpenAIOption configures an OpenAIClient.
type OpenAIOption func(*openai.ClientConfig, *OpenAIClient)

// WithBaseURL points the client at a compatible endpoint.
func WithBaseURL(url string) OpenAIOption {
	return func(cfg *openai.ClientConfig, _ *OpenAIClient) {
		cfg.BaseURL = url
	}
}

// WithRetryPolicy overrides the default backoff policy.
func WithRetryPolicy(policy backoff.Policy) OpenAIOption {
	return func(_ *openai.ClientConfig, c *OpenAIClient) {
		c.policy = policy
	}
}

// NewOpenAIClient creates a client authenticated with apiKey.
func NewOpenAIClient(apiKey string, opts ...OpenAIOption) *OpenAIClient {
	cfg := openai.DefaultConfig(apiKey)
	client := &OpenAIClient{policy: backoff.DefaultPolicy()}
	for _, opt := range opts {
		opt(&cfg, client)
	}
	client.backend = &sdkBackend{client: openai.NewClientWithConfig(cfg)}
	return client
}

// newOpenAIClientWithBackend is the test seam.
func newOpenAIClientWithBackend(backend openaiBackend, policy backoff.Policy) *OpenAIClient {
	return &OpenAIClient{backend: backend, policy: policy}
}

func (c *OpenAIClient) Name() string {
	return "openai"
}

// Complete sends the request and returns a chunk channel. Opening the
// stream is retried per the backoff policy on transient failures;
// failures after the stream starts are not retried and surface as the
// stream's final chunk.
func (c *OpenAIClient) Complete(ctx context.Context, req *Request) (<-chan *Chunk, error) {
	if len(req.Messages) == 0 {
		return nil, &models.ValidationError{Field: "messages", Message: "at least one message is required"}
	}

	chatReq, err := buildChatRequest(req)
	if err != nil {
		return nil, err
	}

	if !req.Config.Stream {
		return c.completeOnce(ctx, chatReq)
	}

	result, err := backoff.Retry(ctx, c.policy, func(int) (openaiStream, bool, error) {
		stream, err := c.backend.createStream(ctx, chatReq)
		if err != nil {
			wrapped := wrapOpenAIError(err)
			return nil, isTransient(wrapped), wrapped
		}
		return stream, false, nil
	})
	if err != nil {
		if result.LastError != nil && !errors.Is(err, context.Canceled) {
			return nil, fmt.Errorf("%w: %w", err, result.LastError)
		}
		return nil, err
	}

	chunks := make(chan *Chunk)
	go c.processStream(ctx, result.Value, chunks)
	return chunks, nil
}

// completeOnce handles the non-streaming path: one response converted to
// the same chunk sequence a stream would produce.
func (c *OpenAIClient) completeOnce(ctx context.Context, chatReq openai.ChatCompletionRequest) (<-chan *Chunk, error) {
	result, err := backoff.Retry(ctx, c.policy, func(int) (openai.ChatCompletionResponse, bool, error) {
		resp, err := c.backend.create(ctx, chatReq)
		if err != nil {
			wrapped := wrapOpenAIError(err)
			return openai.ChatCompletionResponse{}, isTransient(wrapped), wrapped
		}
		return resp, false, nil
	})
	if err != nil {
		if result.LastError != nil && !errors.Is(err, context.Canceled) {
			return nil, fmt.Errorf("%w: %w", err, result.LastError)
		}
		return nil, err
	}
	resp := result.Value

	chunks := make(chan *Chunk, 3)
	if len(resp.Choices) > 0 {
		choice := resp.Choices[0]
		if choice.Message.Content != "" {
			chunks <- &Chunk{Content: choice.Message.Content}
		}
		if fc := choice.Message.FunctionCall; fc != nil {
			chunks <- &Chunk{ToolName: fc.Name, Args: fc.Arguments}
		}
		chunks <- &Chunk{
			FinishReason: models.FinishReasonFromWire(string(choice.FinishReason)),
			Usage: &Usage{
				PromptTokens: resp.Usage.PromptTokens,
				ReplyTokens:  resp.Usage.CompletionTokens,
			},
		}
	}
	close(chunks)
	return chunks, nil
}

// processStream converts SDK stream responses to chunks. Text deltas are
// forwarded immediately; function-call fragments stream through as tool
// chunks (name first, then raw argument text in arrival order); the
// final chunk carries the mapped finish reason and usage.
func (c *OpenAIClient) processStream(ctx context.Context, stream openaiStream, chunks chan<- *Chunk) {
	defer close(chunks)
	defer stream.Close()

	finish := models.FinishUndefined
	var usage *Usage
	toolNameSent := false

	for {
		select {
		case <-ctx.Done():
			send(ctx, chunks, &Chunk{Err: ctx.Err()})
			return
		default:
		}

		resp, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				send(ctx, chunks, &Chunk{FinishReason: finish, Usage: usage})
				return
			}
			send(ctx, chunks, &Chunk{Err: wrapOpenAIError(err)})
			return
		}

		// With IncludeUsage set, the endpoint sends a final response
		// that has usage and no choices.
		if resp.Usage != nil {
			usage = &Usage{
				PromptTokens: resp.Usage.PromptTokens,
				ReplyTokens:  resp.Usage.CompletionTokens,
			}
		}
		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]

		if choice.Delta.Content != "" {
			if !send(ctx, chunks, &Chunk{Content: choice.Delta.Content}) {
				return
			}
		}
		if fc := choice.Delta.FunctionCall; fc != nil {
			if fc.Name != "" && !toolNameSent {
				if !send(ctx, chunks, &Chunk{ToolName: fc.Name}) {
					return
				}
				toolNameSent = true
			}
			if fc.Arguments != "" {
				if !send(ctx, chunks, &Chunk{Args: fc.Arguments}) {
					return
				}
			}
		}
		if choice.FinishReason != "" && choice.FinishReason != openai.FinishReasonNull {
			finish = models.FinishReasonFromWire(string(choice.FinishReason))
		}
	}
}

// buildChatRequest maps a Request onto the legacy wire format. A forced
// tool serializes as function_call {"name": ...}; the empty forced tool
// sends "none" while still offering the function list.
func buildChatRequest(req *Request) (openai.ChatCompletionRequest, error) {
	cfg := req.Config

	prompt := req.Messages
	if cfg.Prompt != nil {
		prompt = append([]*models.Message{cfg.Prompt}, prompt...)
	}
	wire, err := models.WireMessages(prompt)
	if err != nil {
		return openai.ChatCompletionRequest{}, err
	}

	messages := make([]openai.ChatCompletionMessage, len(wire))
	for i, wm := range wire {
		messages[i] = openai.ChatCompletionMessage{
			Role:    wm.Role,
			Content: wm.Content,
			Name:    wm.Name,
		}
		if wm.FunctionCall != nil {
			messages[i].FunctionCall = &openai.FunctionCall{
				Name:      wm.FunctionCall.Name,
				Arguments: wm.FunctionCall.Arguments,
			}
		}
	}

	chatReq := openai.ChatCompletionRequest{
		Model:            cfg.Model.Name,
		Messages:         messages,
		Temperature:      float32(cfg.Temperature),
		PresencePenalty:  float32(cfg.PresencePenalty),
		FrequencyPenalty: float32(cfg.FrequencyPenalty),
		Stream:           cfg.Stream,
	}
	if cfg.MaxTokens > 0 {
		chatReq.MaxTokens = cfg.MaxTokens
	}
	if cfg.Stream {
		chatReq.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}

	for _, tool := range models.WireTools(req.Tools) {
		chatReq.Functions = append(chatReq.Functions, openai.FunctionDefinition{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  tool.Parameters,
		})
	}
	if cfg.ForcedTool != nil {
		if *cfg.ForcedTool == "" {
			chatReq.FunctionCall = "none"
		} else {
			chatReq.FunctionCall = openai.FunctionCall{Name: *cfg.ForcedTool}
		}
	}

	return chatReq, nil
}

// wrapOpenAIError classifies SDK failures into the error taxonomy.
func wrapOpenAIError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		code := ""
		if apiErr.Type != "" {
			code = apiErr.Type
		}
		return &ProviderError{Backend: "openai", StatusCode: apiErr.HTTPStatusCode, Code: code, Err: err}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &ProviderError{Backend: "openai", StatusCode: reqErr.HTTPStatusCode, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return &NetworkError{Backend: "openai", Err: err}
	}
	return &NetworkError{Backend: "openai", Err: err}
}
