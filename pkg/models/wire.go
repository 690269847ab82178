package models

import (
	"encoding/json"
	"fmt"
)

// MetadataDelimiter separates message content from the trailing metadata
// JSON on the wire. The delimiter is advisory to the model only and is
// never parsed back on ingress.
const MetadataDelimiter = "<|METADATA|>"

// WireFunctionCall is the nested function_call object of an assistant
// tool-use wire message. Arguments is the raw JSON argument text.
type WireFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// WireMessage is the dict shape the completion endpoint expects for one
// conversation entry.
type WireMessage struct {
	Role         string            `json:"role"`
	Content      string            `json:"content"`
	Name         string            `json:"name,omitempty"`
	FunctionCall *WireFunctionCall `json:"function_call,omitempty"`
}

// Wire serializes the message for the completion endpoint. Content must be
// present for user, system, and function variants; assistant and tool-use
// messages may have empty content. Per-message metadata is appended to the
// content behind MetadataDelimiter as JSON with the id included.
func (m *Message) Wire() (WireMessage, error) {
	if m.Content == "" && m.Role != RoleAssistant {
		return WireMessage{}, &ValidationError{
			Field:   "content",
			Message: fmt.Sprintf("required for role %q", m.Role),
		}
	}

	w := WireMessage{
		Role:    string(m.Role),
		Content: m.Content,
		Name:    m.Name,
	}
	if m.IsToolUsage() {
		w.FunctionCall = &WireFunctionCall{Name: m.ToolName, Arguments: m.ArgsStr}
	}

	if len(m.Metadata) > 0 {
		meta := make(map[string]string, len(m.Metadata)+1)
		for k, v := range m.Metadata {
			meta[k] = v
		}
		meta["id"] = m.ID
		encoded, err := json.Marshal(meta)
		if err != nil {
			return WireMessage{}, fmt.Errorf("encoding metadata: %w", err)
		}
		w.Content += MetadataDelimiter + string(encoded)
	}

	return w, nil
}

// WireMessages serializes an ordered prompt window.
func WireMessages(messages []*Message) ([]WireMessage, error) {
	out := make([]WireMessage, 0, len(messages))
	for _, m := range messages {
		w, err := m.Wire()
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, nil
}
