package domain

import (
	"encoding/json"
	"fmt"
)

// ============================================================
// Message log
// ============================================================

// MessageType is the persisted discriminator of a Message.
type MessageType string

const (
	MessageTypeHuman    MessageType = "human"
	MessageTypeAI       MessageType = "ai"
	MessageTypeToolCall MessageType = "tool_call"
	MessageTypeTool     MessageType = "tool"
)

// Message is a closed sum type: UserMessage, AssistantMessage, ToolCall or
// ToolResult. The unexported marker keeps other packages from adding variants.
type Message interface {
	Type() MessageType
	// Content is the message's human-readable text; empty for tool calls.
	Content() string
	isMessage()
}

// UserMessage is the user's turn input (free text or a synthesized prompt).
type UserMessage struct {
	Text string
}

// AssistantMessage is the model's natural-language answer.
type AssistantMessage struct {
	Text string
}

// ToolCall is the model's request to run a tool.
type ToolCall struct {
	CallID    string
	ToolName  string
	Arguments map[string]any
}

// ToolResult carries a tool's output back to the model. CallID matches the
// ToolCall it answers.
type ToolResult struct {
	CallID   string
	ToolName string
	Result   string
}

func (UserMessage) Type() MessageType      { return MessageTypeHuman }
func (AssistantMessage) Type() MessageType { return MessageTypeAI }
func (ToolCall) Type() MessageType         { return MessageTypeToolCall }
func (ToolResult) Type() MessageType       { return MessageTypeTool }

func (m UserMessage) Content() string      { return m.Text }
func (m AssistantMessage) Content() string { return m.Text }
func (ToolCall) Content() string           { return "" }
func (m ToolResult) Content() string       { return m.Result }

func (UserMessage) isMessage()      {}
func (AssistantMessage) isMessage() {}
func (ToolCall) isMessage()         {}
func (ToolResult) isMessage()       {}

// MessageLog is the ordered conversation of a session.
type MessageLog []Message

// Texts flattens the log into the text of every message that has any.
func (l MessageLog) Texts() []string {
	out := make([]string, 0, len(l))
	for _, m := range l {
		if c := m.Content(); c != "" {
			out = append(out, c)
		}
	}
	return out
}

// Clone copies the slice; messages themselves are values.
func (l MessageLog) Clone() MessageLog {
	if l == nil {
		return nil
	}
	out := make(MessageLog, len(l))
	copy(out, l)
	return out
}

// messageEnvelope is the persisted form of one message.
type messageEnvelope struct {
	Type       MessageType    `json:"type"`
	Content    string         `json:"content"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	Name       string         `json:"name,omitempty"`
	Args       map[string]any `json:"args,omitempty"`
}

// MarshalJSON encodes each message with its discriminator.
func (l MessageLog) MarshalJSON() ([]byte, error) {
	envelopes := make([]messageEnvelope, 0, len(l))
	for i, m := range l {
		env, err := envelopeOf(m)
		if err != nil {
			return nil, fmt.Errorf("encode message %d: %w", i, err)
		}
		envelopes = append(envelopes, env)
	}
	return json.Marshal(envelopes)
}

// UnmarshalJSON rebuilds the exact variant of every message. An unknown
// discriminator fails the whole log with *ErrDeserialization.
func (l *MessageLog) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*l = nil
		return nil
	}

	var envelopes []messageEnvelope
	if err := json.Unmarshal(data, &envelopes); err != nil {
		return &ErrDeserialization{Index: -1, Err: fmt.Errorf("decode message log: %w", err)}
	}

	out := make(MessageLog, 0, len(envelopes))
	for i, env := range envelopes {
		switch env.Type {
		case MessageTypeHuman:
			out = append(out, UserMessage{Text: env.Content})
		case MessageTypeAI:
			out = append(out, AssistantMessage{Text: env.Content})
		case MessageTypeToolCall:
			out = append(out, ToolCall{CallID: env.ToolCallID, ToolName: env.Name, Arguments: env.Args})
		case MessageTypeTool:
			out = append(out, ToolResult{CallID: env.ToolCallID, ToolName: env.Name, Result: env.Content})
		default:
			return &ErrDeserialization{Discriminator: string(env.Type), Index: i}
		}
	}
	*l = out
	return nil
}

func envelopeOf(m Message) (messageEnvelope, error) {
	switch v := m.(type) {
	case UserMessage:
		return messageEnvelope{Type: MessageTypeHuman, Content: v.Text}, nil
	case AssistantMessage:
		return messageEnvelope{Type: MessageTypeAI, Content: v.Text}, nil
	case ToolCall:
		return messageEnvelope{Type: MessageTypeToolCall, ToolCallID: v.CallID, Name: v.ToolName, Args: v.Arguments}, nil
	case ToolResult:
		return messageEnvelope{Type: MessageTypeTool, ToolCallID: v.CallID, Name: v.ToolName, Content: v.Result}, nil
	case nil:
		return messageEnvelope{}, fmt.Errorf("nil message")
	}
	return messageEnvelope{}, fmt.Errorf("unsupported message %T", m)
}
