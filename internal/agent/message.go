// Package agent drives the Claude CLI inside a sandbox and parses its
// stream-json output.
package agent

import (
	"encoding/json"
	"fmt"
)

type MessageType string

const (
	TypeSystem     MessageType = "system"
	TypeAssistant  MessageType = "assistant"
	TypeToolUse    MessageType = "tool_use"
	TypeToolResult MessageType = "tool_result"
	TypeResult     MessageType = "result"
)

// Message is one parsed agent output line. The set of variants is closed:
// ParseMessage rejects anything it does not recognize rather than guessing.
type Message interface {
	MessageType() MessageType
}

// SystemMessage announces session setup. The init subtype carries the
// session id used for later resumption.
type SystemMessage struct {
	Subtype   string `json:"subtype"`
	SessionID string `json:"session_id"`
	Model     string `json:"model,omitempty"`
}

func (SystemMessage) MessageType() MessageType { return TypeSystem }

type AssistantMessage struct {
	Message json.RawMessage `json:"message"`
}

func (AssistantMessage) MessageType() MessageType { return TypeAssistant }

type ToolUseMessage struct {
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}

func (ToolUseMessage) MessageType() MessageType { return TypeToolUse }

type ToolResultMessage struct {
	ToolUseID string `json:"tool_use_id,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

func (ToolResultMessage) MessageType() MessageType { return TypeToolResult }

// ResultMessage terminates a run. IsError distinguishes an agent that gave
// up from one that finished.
type ResultMessage struct {
	Subtype    string `json:"subtype"`
	IsError    bool   `json:"is_error"`
	Result     string `json:"result,omitempty"`
	SessionID  string `json:"session_id"`
	NumTurns   int    `json:"num_turns"`
	DurationMS int64  `json:"duration_ms"`
}

func (ResultMessage) MessageType() MessageType { return TypeResult }

type envelope struct {
	Type MessageType `json:"type"`
}

// ParseMessage decodes one stream-json line into its message variant.
// Unknown types are an error: silently skipping lines would hide protocol
// drift between the CLI and this adapter.
func ParseMessage(line []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, fmt.Errorf("malformed agent message: %w", err)
	}
	switch env.Type {
	case TypeSystem:
		var m SystemMessage
		if err := json.Unmarshal(line, &m); err != nil {
			return nil, fmt.Errorf("malformed system message: %w", err)
		}
		return m, nil
	case TypeAssistant:
		var m AssistantMessage
		if err := json.Unmarshal(line, &m); err != nil {
			return nil, fmt.Errorf("malformed assistant message: %w", err)
		}
		return m, nil
	case TypeToolUse:
		var m ToolUseMessage
		if err := json.Unmarshal(line, &m); err != nil {
			return nil, fmt.Errorf("malformed tool_use message: %w", err)
		}
		return m, nil
	case TypeToolResult:
		var m ToolResultMessage
		if err := json.Unmarshal(line, &m); err != nil {
			return nil, fmt.Errorf("malformed tool_result message: %w", err)
		}
		return m, nil
	case TypeResult:
		var m ResultMessage
		if err := json.Unmarshal(line, &m); err != nil {
			return nil, fmt.Errorf("malformed result message: %w", err)
		}
		return m, nil
	case "":
		return nil, fmt.Errorf("agent message missing type")
	default:
		return nil, fmt.Errorf("unknown agent message type %q", env.Type)
	}
}
