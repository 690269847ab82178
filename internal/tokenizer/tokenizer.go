// Package tokenizer counts tokens for prompt budgeting and usage accounting.
//
// Counts follow the completion endpoint's observed accounting: they are
// verified against the usage block returned upstream, and mismatches are
// logged by the orchestrator but never fail generation.
package tokenizer

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/parleybot/parley/pkg/models"
)

// DefaultEncoding is the fallback BPE used for unknown model names.
const DefaultEncoding = "cl100k_base"

// Per-message framing constants observed from the completion endpoint.
const (
	contentOverhead  = 3
	nameOverhead     = 2
	toolUseOverhead  = 6
	promptFraming    = 2
	replyPriming     = 1
	toolListOverhead = 15
)

// encoder is the subset of the tiktoken codec the tokenizer needs.
type encoder interface {
	Encode(text string, allowedSpecial, disallowedSpecial []string) []int
}

// Tokenizer counts tokens for strings, messages, and tool lists. Encoders
// are resolved per model name and cached. Safe for concurrent use.
type Tokenizer struct {
	mu       sync.Mutex
	encoders map[string]encoder
	resolve  func(model string) (encoder, error)
}

// New creates a Tokenizer backed by tiktoken encoders.
func New() *Tokenizer {
	return &Tokenizer{
		encoders: make(map[string]encoder),
		resolve: func(model string) (encoder, error) {
			if enc, err := tiktoken.EncodingForModel(model); err == nil {
				return enc, nil
			}
			return tiktoken.GetEncoding(DefaultEncoding)
		},
	}
}

// newWithResolver is the test seam for injecting a deterministic encoder.
func newWithResolver(resolve func(model string) (encoder, error)) *Tokenizer {
	return &Tokenizer{encoders: make(map[string]encoder), resolve: resolve}
}

func (t *Tokenizer) encoderFor(model models.ChatModel) (encoder, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if enc, ok := t.encoders[model.Name]; ok {
		return enc, nil
	}
	enc, err := t.resolve(model.Name)
	if err != nil {
		return nil, fmt.Errorf("resolving encoder for %q: %w", model.Name, err)
	}
	t.encoders[model.Name] = enc
	return enc, nil
}

// Tokens counts the tokens of a plain string under the model's encoding.
func (t *Tokenizer) Tokens(text string, model models.ChatModel) (int, error) {
	if text == "" {
		return 0, nil
	}
	enc, err := t.encoderFor(model)
	if err != nil {
		return 0, err
	}
	return len(enc.Encode(text, nil, nil)), nil
}

// MessageTokens counts one message as the endpoint accounts it: +3 when
// content is present, +2 for a name (else the encoded role string), and for
// tool usage +6 plus the tool name and raw argument text.
func (t *Tokenizer) MessageTokens(msg *models.Message, model models.ChatModel) (int, error) {
	n := 0

	if msg.Content != "" {
		content, err := t.Tokens(msg.Content, model)
		if err != nil {
			return 0, err
		}
		n += content + contentOverhead
	}

	if msg.Name != "" {
		n += nameOverhead
	} else {
		role, err := t.Tokens(string(msg.Role), model)
		if err != nil {
			return 0, err
		}
		n += role
	}

	if msg.IsToolUsage() {
		name, err := t.Tokens(msg.ToolName, model)
		if err != nil {
			return 0, err
		}
		args, err := t.Tokens(msg.ArgsStr, model)
		if err != nil {
			return 0, err
		}
		n += toolUseOverhead + name + args
	}

	return n, nil
}

// MessagesTokens counts a prompt window including the sequence framing
// (+2) and the reply priming (+1).
func (t *Tokenizer) MessagesTokens(messages []*models.Message, model models.ChatModel) (int, error) {
	n := promptFraming + replyPriming
	for _, msg := range messages {
		m, err := t.MessageTokens(msg, model)
		if err != nil {
			return 0, err
		}
		n += m
	}
	return n, nil
}

// ToolsTokens counts a serialized tool list: +15 plus name, description,
// and each parameter's serialized value set.
func (t *Tokenizer) ToolsTokens(tools []*models.Tool, model models.ChatModel) (int, error) {
	if len(tools) == 0 {
		return 0, nil
	}
	n := toolListOverhead
	for _, tool := range tools {
		name, err := t.Tokens(tool.Name, model)
		if err != nil {
			return 0, err
		}
		desc, err := t.Tokens(tool.Description, model)
		if err != nil {
			return 0, err
		}
		n += name + desc
		for _, p := range tool.Parameters {
			params, err := t.Tokens(serializeParameter(p), model)
			if err != nil {
				return 0, err
			}
			n += params
		}
	}
	return n, nil
}

// ModelTokens counts the generated tokens of a reply. Plain replies from a
// run that carried tools cost one extra token for the implicit no-call
// wrapper.
func (t *Tokenizer) ModelTokens(reply *models.Message, model models.ChatModel, hasTools bool) (int, error) {
	n, err := t.MessageTokens(reply, model)
	if err != nil {
		return 0, err
	}
	if hasTools && !reply.IsToolUsage() {
		n += replyPriming
	}
	return n, nil
}

// TokensCost converts a token count to USD under the model's per-1k rates.
func TokensCost(count int, model models.ChatModel, isReply bool) float64 {
	rate := model.InputCost
	if isReply {
		rate = model.OutputCost
	}
	return float64(count) / 1000 * rate
}

func serializeParameter(p models.ToolParameter) string {
	s := p.Name + ":" + string(p.Type)
	if p.Description != "" {
		s += ":" + p.Description
	}
	for _, e := range p.Enum {
		s += ":" + e
	}
	return s
}
