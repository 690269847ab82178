package models

import "fmt"

// ChatModel describes a supported chat model: an opaque name, the context
// window size in tokens, and input/output cost per 1,000 tokens in USD.
type ChatModel struct {
	Name       string  `json:"name"`
	Size       int     `json:"size"`
	InputCost  float64 `json:"input_cost"`
	OutputCost float64 `json:"output_cost"`
}

var chatModels = []ChatModel{
	{Name: "gpt-3.5-turbo-0613", Size: 4000, InputCost: 0.0015, OutputCost: 0.002},
	{Name: "gpt-3.5-turbo-16k", Size: 16000, InputCost: 0.003, OutputCost: 0.004},
	{Name: "gpt-4", Size: 8000, InputCost: 0.03, OutputCost: 0.06},
	{Name: "gpt-4-32k", Size: 32000, InputCost: 0.06, OutputCost: 0.12},
}

// SupportedChatModels returns the reference model table.
func SupportedChatModels() []ChatModel {
	out := make([]ChatModel, len(chatModels))
	copy(out, chatModels)
	return out
}

// ChatModelByName looks up a model in the reference table.
func ChatModelByName(name string) (ChatModel, bool) {
	for _, m := range chatModels {
		if m.Name == name {
			return m, true
		}
	}
	return ChatModel{}, false
}

// ModelConfig carries the generation knobs for one orchestrator. Construct
// through NewModelConfig; out-of-range values are rejected there, before
// any network call is made.
type ModelConfig struct {
	Model            ChatModel
	Stream           bool
	Temperature      float64
	PresencePenalty  float64
	FrequencyPenalty float64
	// MaxTokens limits the reply length; 0 means no limit is sent.
	MaxTokens int
	// ForcedTool selects tool behavior: nil allows any tool, the empty
	// string disallows tool selection, any other value forces that tool.
	ForcedTool *string
	// Prompt is the optional system prompt prepended to every window.
	Prompt *Message
}

// ModelOption mutates a ModelConfig under construction.
type ModelOption func(*ModelConfig)

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) ModelOption {
	return func(c *ModelConfig) { c.Temperature = t }
}

// WithPresencePenalty sets the presence penalty.
func WithPresencePenalty(p float64) ModelOption {
	return func(c *ModelConfig) { c.PresencePenalty = p }
}

// WithFrequencyPenalty sets the frequency penalty.
func WithFrequencyPenalty(p float64) ModelOption {
	return func(c *ModelConfig) { c.FrequencyPenalty = p }
}

// WithMaxTokens caps the reply length.
func WithMaxTokens(n int) ModelOption {
	return func(c *ModelConfig) { c.MaxTokens = n }
}

// WithStream enables chunked streaming responses.
func WithStream(stream bool) ModelOption {
	return func(c *ModelConfig) { c.Stream = stream }
}

// WithForcedTool forces (or, with the empty string, disallows) tool use.
func WithForcedTool(name string) ModelOption {
	return func(c *ModelConfig) { c.ForcedTool = &name }
}

// WithPrompt sets the system prompt.
func WithPrompt(prompt *Message) ModelOption {
	return func(c *ModelConfig) { c.Prompt = prompt }
}

// NewModelConfig builds a validated ModelConfig. Defaults: temperature 1.0,
// no penalties, streaming on, no reply cap.
func NewModelConfig(model ChatModel, opts ...ModelOption) (*ModelConfig, error) {
	c := &ModelConfig{
		Model:       model,
		Stream:      true,
		Temperature: 1.0,
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks every knob against its allowed range.
func (c *ModelConfig) Validate() error {
	if c.Model.Name == "" || c.Model.Size <= 0 {
		return &ValidationError{Field: "model", Message: "unknown chat model"}
	}
	if c.Temperature < 0.0 || c.Temperature > 2.0 {
		return &ValidationError{
			Field:   "temperature",
			Message: fmt.Sprintf("%v outside [0.0, 2.0]", c.Temperature),
		}
	}
	if c.PresencePenalty < -2.0 || c.PresencePenalty > 2.0 {
		return &ValidationError{
			Field:   "presence_penalty",
			Message: fmt.Sprintf("%v outside [-2.0, 2.0]", c.PresencePenalty),
		}
	}
	if c.FrequencyPenalty < -2.0 || c.FrequencyPenalty > 2.0 {
		return &ValidationError{
			Field:   "frequency_penalty",
			Message: fmt.Sprintf("%v outside [-2.0, 2.0]", c.FrequencyPenalty),
		}
	}
	if c.MaxTokens < 0 {
		return &ValidationError{
			Field:   "max_tokens",
			Message: fmt.Sprintf("%d must be a positive integer or unset", c.MaxTokens),
		}
	}
	if c.ForcedTool != nil && *c.ForcedTool != "" {
		if err := ValidateName(*c.ForcedTool); err != nil {
			return err
		}
	}
	if c.Prompt != nil && c.Prompt.Role != RoleSystem {
		return &ValidationError{Field: "prompt", Message: "prompt must be a system message"}
	}
	return nil
}
