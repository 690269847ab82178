// Package models defines the shared data model for the parley agent core:
// the message sum type, tool schemas, and model configuration.
package models

import (
	"encoding/json"
	"regexp"

	"github.com/google/uuid"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleSystem    Role = "system"
	RoleAssistant Role = "assistant"
	// RoleFunction marks a tool result answering a preceding tool usage.
	RoleFunction Role = "function"
)

// FinishReason records why the model stopped generating.
type FinishReason string

const (
	FinishDone         FinishReason = "DONE"
	FinishToolUse      FinishReason = "TOOL_USE"
	FinishLimitReached FinishReason = "LIMIT_REACHED"
	FinishFiltered     FinishReason = "FILTERED"
	FinishCancelled    FinishReason = "CANCELLED"
	FinishUndefined    FinishReason = "UNDEFINED"
)

// FinishReasonFromWire maps the completion endpoint's finish_reason strings
// onto the internal value set. Unknown or empty strings map to UNDEFINED.
func FinishReasonFromWire(s string) FinishReason {
	switch s {
	case "stop":
		return FinishDone
	case "function_call", "tool_calls":
		return FinishToolUse
	case "length":
		return FinishLimitReached
	case "content_filter":
		return FinishFiltered
	default:
		return FinishUndefined
	}
}

// Reserved identifiers for the per-session summary message. At most one
// summary exists per session.
const (
	SummaryMessageID = "SUMMARY"
	SummaryAuthor    = "summary_of_previous_messages"
)

var nameRE = regexp.MustCompile(`^[A-Za-z0-9_]{1,64}$`)

// ValidateName checks an author or tool name against the allowed alphabet.
func ValidateName(name string) error {
	if !nameRE.MatchString(name) {
		return &ValidationError{Field: "name", Message: "must match ^[A-Za-z0-9_]{1,64}$: " + name}
	}
	return nil
}

// Message is the tagged sum over the user/system/assistant/function variants.
// The discriminator is Role plus, for assistant messages, the presence of a
// tool name. Role is set by the constructors, never chosen by callers.
type Message struct {
	ID       string            `json:"id"`
	Role     Role              `json:"role"`
	Name     string            `json:"name,omitempty"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
	// Pinned messages are never evicted from memory.
	Pinned bool `json:"pinned,omitempty"`

	// Usage accounting, populated on assistant messages after generation.
	PromptTokens int          `json:"prompt_tokens,omitempty"`
	ReplyTokens  int          `json:"reply_tokens,omitempty"`
	Cost         float64      `json:"cost,omitempty"`
	FinishReason FinishReason `json:"finish_reason,omitempty"`

	// Tool-use fields. ArgsStr is the raw JSON argument text as streamed by
	// the model; it is parsed on demand via Arguments.
	ToolName string `json:"tool_name,omitempty"`
	ArgsStr  string `json:"args_str,omitempty"`

	// LastIncludedID points to the last log entry folded into the summary.
	// Set only on the summary message.
	LastIncludedID string `json:"last_included_id,omitempty"`
}

// NewUserMessage creates a user message with a fresh id.
func NewUserMessage(content string) *Message {
	return &Message{ID: uuid.NewString(), Role: RoleUser, Content: content}
}

// NewSystemMessage creates a system message with a fresh id.
func NewSystemMessage(content string) *Message {
	return &Message{ID: uuid.NewString(), Role: RoleSystem, Content: content}
}

// NewSummaryMessage creates the reserved per-session summary message.
// lastIncludedID names the last history entry the summary absorbs.
func NewSummaryMessage(content, lastIncludedID string) *Message {
	return &Message{
		ID:             SummaryMessageID,
		Role:           RoleSystem,
		Name:           SummaryAuthor,
		Content:        content,
		LastIncludedID: lastIncludedID,
	}
}

// NewAssistantMessage creates an assistant text reply.
func NewAssistantMessage(content string) *Message {
	return &Message{
		ID:           uuid.NewString(),
		Role:         RoleAssistant,
		Content:      content,
		FinishReason: FinishUndefined,
	}
}

// NewToolUsage creates an assistant message requesting a tool invocation.
// Content may be empty; argsStr is raw JSON text, not pre-parsed.
func NewToolUsage(toolName, argsStr string) *Message {
	return &Message{
		ID:           uuid.NewString(),
		Role:         RoleAssistant,
		FinishReason: FinishToolUse,
		ToolName:     toolName,
		ArgsStr:      argsStr,
	}
}

// NewToolResult creates a function-role message answering the tool with the
// given name. The name is mandatory and must equal the tool it answers.
func NewToolResult(name, content string) (*Message, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	return &Message{ID: uuid.NewString(), Role: RoleFunction, Name: name, Content: content}, nil
}

// WithName sets the optional author name after validating it.
func (m *Message) WithName(name string) (*Message, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	m.Name = name
	return m, nil
}

// IsToolUsage reports whether the message is an assistant tool-use turn.
func (m *Message) IsToolUsage() bool {
	return m.Role == RoleAssistant && m.ToolName != ""
}

// IsSummary reports whether the message is the reserved session summary.
func (m *Message) IsSummary() bool {
	return m.ID == SummaryMessageID
}

// Arguments parses ArgsStr on demand. Malformed or empty argument text
// yields an empty map, never an error; the executor revalidates strictly.
func (m *Message) Arguments() map[string]any {
	args := map[string]any{}
	if m.ArgsStr == "" {
		return args
	}
	if err := json.Unmarshal([]byte(m.ArgsStr), &args); err != nil {
		return map[string]any{}
	}
	return args
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	c := *m
	if m.Metadata != nil {
		c.Metadata = make(map[string]string, len(m.Metadata))
		for k, v := range m.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}
