package completion

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/parleybot/parley/internal/backoff"
	"github.com/parleybot/parley/pkg/models"
)

// fakeStream replays scripted responses and then EOF (or a final error).
type fakeStream struct {
	responses []openai.ChatCompletionStreamResponse
	finalErr  error
	pos       int

	mu     sync.Mutex
	closed bool
}

func (s *fakeStream) Recv() (openai.ChatCompletionStreamResponse, error) {
	if s.pos >= len(s.responses) {
		if s.finalErr != nil {
			return openai.ChatCompletionStreamResponse{}, s.finalErr
		}
		return openai.ChatCompletionStreamResponse{}, io.EOF
	}
	resp := s.responses[s.pos]
	s.pos++
	return resp, nil
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// fakeBackend scripts per-attempt outcomes for stream creation.
type fakeBackend struct {
	streamErrs []error // errors returned before a stream succeeds
	stream     *fakeStream
	response   openai.ChatCompletionResponse
	createErr  error
	calls      int
	lastReq    openai.ChatCompletionRequest
}

func (b *fakeBackend) createStream(_ context.Context, req openai.ChatCompletionRequest) (openaiStream, error) {
	b.calls++
	b.lastReq = req
	if len(b.streamErrs) > 0 {
		err := b.streamErrs[0]
		b.streamErrs = b.streamErrs[1:]
		return nil, err
	}
	return b.stream, nil
}

func (b *fakeBackend) create(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	b.calls++
	b.lastReq = req
	return b.response, b.createErr
}

func fastPolicy() backoff.Policy {
	return backoff.Policy{Initial: time.Microsecond, Max: time.Microsecond, Factor: 1, MaxAttempts: 6}
}

func textDelta(text string) openai.ChatCompletionStreamResponse {
	return openai.ChatCompletionStreamResponse{
		Choices: []openai.ChatCompletionStreamChoice{
			{Delta: openai.ChatCompletionStreamChoiceDelta{Content: text}},
		},
	}
}

func finishChunk(reason openai.FinishReason) openai.ChatCompletionStreamResponse {
	return openai.ChatCompletionStreamResponse{
		Choices: []openai.ChatCompletionStreamChoice{{FinishReason: reason}},
	}
}

func streamRequest(t *testing.T, opts ...models.ModelOption) *Request {
	t.Helper()
	model, ok := models.ChatModelByName("gpt-3.5-turbo-0613")
	if !ok {
		t.Fatal("reference model missing")
	}
	cfg, err := models.NewModelConfig(model, opts...)
	if err != nil {
		t.Fatalf("NewModelConfig() error = %v", err)
	}
	return &Request{
		Config:   *cfg,
		Messages: []*models.Message{models.NewUserMessage("hello")},
	}
}

func collect(t *testing.T, ch <-chan *Chunk) []*Chunk {
	t.Helper()
	var out []*Chunk
	for chunk := range ch {
		out = append(out, chunk)
	}
	return out
}

func TestCompleteStreamsContent(t *testing.T) {
	backend := &fakeBackend{stream: &fakeStream{
		responses: []openai.ChatCompletionStreamResponse{
			textDelta("He"),
			textDelta("llo"),
			finishChunk(openai.FinishReasonStop),
			{Usage: &openai.Usage{PromptTokens: 12, CompletionTokens: 2}},
		},
	}}
	client := newOpenAIClientWithBackend(backend, fastPolicy())

	ch, err := client.Complete(context.Background(), streamRequest(t))
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	chunks := collect(t, ch)

	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3 (two deltas + final)", len(chunks))
	}
	if chunks[0].Content != "He" || chunks[1].Content != "llo" {
		t.Errorf("content deltas = %q %q, want He llo", chunks[0].Content, chunks[1].Content)
	}
	final := chunks[2]
	if final.FinishReason != models.FinishDone {
		t.Errorf("final finish reason = %s, want %s", final.FinishReason, models.FinishDone)
	}
	if final.Usage == nil || final.Usage.PromptTokens != 12 || final.Usage.ReplyTokens != 2 {
		t.Errorf("final usage = %+v, want prompt 12 reply 2", final.Usage)
	}
	if !backend.stream.isClosed() {
		t.Error("stream was not closed")
	}
}

func TestCompleteStreamClosesWhenConsumerLeaves(t *testing.T) {
	responses := make([]openai.ChatCompletionStreamResponse, 0, 50)
	for i := 0; i < 50; i++ {
		responses = append(responses, textDelta("x"))
	}
	backend := &fakeBackend{stream: &fakeStream{responses: responses}}
	client := newOpenAIClientWithBackend(backend, fastPolicy())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := client.Complete(ctx, streamRequest(t))
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	// Take one chunk, then walk away without draining the channel. The
	// producer must unwind on cancellation and close the stream.
	<-ch
	cancel()

	deadline := time.After(2 * time.Second)
	for !backend.stream.isClosed() {
		select {
		case <-deadline:
			t.Fatal("stream not closed after the consumer stopped receiving")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestCompleteStreamsFunctionCall(t *testing.T) {
	fc := func(name, args string) openai.ChatCompletionStreamResponse {
		return openai.ChatCompletionStreamResponse{
			Choices: []openai.ChatCompletionStreamChoice{
				{Delta: openai.ChatCompletionStreamChoiceDelta{
					FunctionCall: &openai.FunctionCall{Name: name, Arguments: args},
				}},
			},
		}
	}
	backend := &fakeBackend{stream: &fakeStream{
		responses: []openai.ChatCompletionStreamResponse{
			fc("internet_search", ""),
			fc("", `{"que`),
			fc("", `ry":"go"}`),
			finishChunk(openai.FinishReasonFunctionCall),
		},
	}}
	client := newOpenAIClientWithBackend(backend, fastPolicy())

	ch, err := client.Complete(context.Background(), streamRequest(t))
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	chunks := collect(t, ch)

	name := ""
	args := ""
	finish := models.FinishUndefined
	for _, chunk := range chunks {
		if chunk.ToolName != "" {
			name = chunk.ToolName
		}
		args += chunk.Args
		if chunk.FinishReason != "" && chunk.FinishReason != models.FinishUndefined {
			finish = chunk.FinishReason
		}
	}
	if name != "internet_search" {
		t.Errorf("tool name = %q, want internet_search", name)
	}
	if args != `{"query":"go"}` {
		t.Errorf("accumulated args = %q, want {\"query\":\"go\"}", args)
	}
	if finish != models.FinishToolUse {
		t.Errorf("finish reason = %s, want %s", finish, models.FinishToolUse)
	}
}

func TestCompleteRetriesTransientErrors(t *testing.T) {
	backend := &fakeBackend{
		streamErrs: []error{
			&openai.APIError{HTTPStatusCode: 429, Message: "rate limited"},
			&openai.APIError{HTTPStatusCode: 503, Message: "overloaded"},
		},
		stream: &fakeStream{responses: []openai.ChatCompletionStreamResponse{
			textDelta("ok"),
			finishChunk(openai.FinishReasonStop),
		}},
	}
	client := newOpenAIClientWithBackend(backend, fastPolicy())

	ch, err := client.Complete(context.Background(), streamRequest(t))
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	collect(t, ch)

	if backend.calls != 3 {
		t.Errorf("backend called %d times, want 3 (two transient failures then success)", backend.calls)
	}
}

func TestCompleteDoesNotRetryAuthErrors(t *testing.T) {
	backend := &fakeBackend{
		streamErrs: []error{&openai.APIError{HTTPStatusCode: 401, Message: "bad key"}},
	}
	client := newOpenAIClientWithBackend(backend, fastPolicy())

	_, err := client.Complete(context.Background(), streamRequest(t))
	if err == nil {
		t.Fatal("Complete() should fail on auth error")
	}
	var pe *ProviderError
	if !errors.As(err, &pe) || pe.StatusCode != 401 {
		t.Errorf("error = %v, want ProviderError with status 401", err)
	}
	if backend.calls != 1 {
		t.Errorf("backend called %d times, want 1 (no retry)", backend.calls)
	}
}

func TestCompleteExhaustsRetries(t *testing.T) {
	var errs []error
	for i := 0; i < 6; i++ {
		errs = append(errs, &openai.APIError{HTTPStatusCode: 500, Message: "boom"})
	}
	backend := &fakeBackend{streamErrs: errs}
	client := newOpenAIClientWithBackend(backend, fastPolicy())

	_, err := client.Complete(context.Background(), streamRequest(t))
	if !errors.Is(err, backoff.ErrAttemptsExhausted) {
		t.Errorf("error = %v, want ErrAttemptsExhausted", err)
	}
	if backend.calls != 6 {
		t.Errorf("backend called %d times, want 6", backend.calls)
	}
}

func TestCompleteNonStreaming(t *testing.T) {
	backend := &fakeBackend{response: openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{
			Message:      openai.ChatCompletionMessage{Content: "Hello"},
			FinishReason: openai.FinishReasonLength,
		}},
		Usage: openai.Usage{PromptTokens: 5, CompletionTokens: 7},
	}}
	client := newOpenAIClientWithBackend(backend, fastPolicy())

	req := streamRequest(t, models.WithStream(false))
	ch, err := client.Complete(context.Background(), req)
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	chunks := collect(t, ch)

	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}
	if chunks[0].Content != "Hello" {
		t.Errorf("content = %q, want Hello", chunks[0].Content)
	}
	if chunks[1].FinishReason != models.FinishLimitReached {
		t.Errorf("finish reason = %s, want %s", chunks[1].FinishReason, models.FinishLimitReached)
	}
	if chunks[1].Usage.ReplyTokens != 7 {
		t.Errorf("reply tokens = %d, want 7", chunks[1].Usage.ReplyTokens)
	}
}

func TestCompleteRejectsEmptyPrompt(t *testing.T) {
	client := newOpenAIClientWithBackend(&fakeBackend{}, fastPolicy())

	req := streamRequest(t)
	req.Messages = nil
	_, err := client.Complete(context.Background(), req)
	if !models.IsValidation(err) {
		t.Errorf("Complete() error = %v, want validation error", err)
	}
}

func TestBuildChatRequestWiring(t *testing.T) {
	tool, err := models.NewTool("calculator", "Evaluates expressions.",
		models.ToolParameter{Type: models.TypeString, Name: "expression"},
	)
	if err != nil {
		t.Fatalf("NewTool() error = %v", err)
	}

	t.Run("tools serialize as functions", func(t *testing.T) {
		req := streamRequest(t)
		req.Tools = []*models.Tool{tool}
		chatReq, err := buildChatRequest(req)
		if err != nil {
			t.Fatalf("buildChatRequest() error = %v", err)
		}
		if len(chatReq.Functions) != 1 || chatReq.Functions[0].Name != "calculator" {
			t.Errorf("functions = %+v, want calculator", chatReq.Functions)
		}
		if chatReq.FunctionCall != nil {
			t.Errorf("function_call = %v, want unset for auto", chatReq.FunctionCall)
		}
	})

	t.Run("empty tool list omits functions", func(t *testing.T) {
		chatReq, err := buildChatRequest(streamRequest(t))
		if err != nil {
			t.Fatalf("buildChatRequest() error = %v", err)
		}
		if chatReq.Functions != nil {
			t.Errorf("functions = %+v, want none", chatReq.Functions)
		}
	})

	t.Run("forced tool", func(t *testing.T) {
		req := streamRequest(t, models.WithForcedTool("calculator"))
		req.Tools = []*models.Tool{tool}
		chatReq, err := buildChatRequest(req)
		if err != nil {
			t.Fatalf("buildChatRequest() error = %v", err)
		}
		fc, ok := chatReq.FunctionCall.(openai.FunctionCall)
		if !ok || fc.Name != "calculator" {
			t.Errorf("function_call = %v, want {name: calculator}", chatReq.FunctionCall)
		}
	})

	t.Run("forced none keeps function list", func(t *testing.T) {
		req := streamRequest(t, models.WithForcedTool(""))
		req.Tools = []*models.Tool{tool}
		chatReq, err := buildChatRequest(req)
		if err != nil {
			t.Fatalf("buildChatRequest() error = %v", err)
		}
		if chatReq.FunctionCall != "none" {
			t.Errorf("function_call = %v, want none", chatReq.FunctionCall)
		}
		if len(chatReq.Functions) != 1 {
			t.Error("forcing none must still serialize the tool list")
		}
	})

	t.Run("system prompt prepends", func(t *testing.T) {
		req := streamRequest(t, models.WithPrompt(models.NewSystemMessage("be brief")))
		chatReq, err := buildChatRequest(req)
		if err != nil {
			t.Fatalf("buildChatRequest() error = %v", err)
		}
		if len(chatReq.Messages) != 2 || chatReq.Messages[0].Role != "system" {
			t.Errorf("messages = %+v, want system prompt first", chatReq.Messages)
		}
	})
}

func TestIsTransientClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"cancelled", context.Canceled, false},
		{"rate limit provider error", &ProviderError{StatusCode: 429}, true},
		{"server provider error", &ProviderError{StatusCode: 502}, true},
		{"auth provider error", &ProviderError{StatusCode: 401}, false},
		{"network error", &NetworkError{Err: errors.New("conn reset")}, true},
		{"plain timeout", errors.New("i/o timeout"), true},
		{"plain validation", errors.New("model not found"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isTransient(tt.err); got != tt.want {
				t.Errorf("isTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
