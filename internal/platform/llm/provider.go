// Package llm normalizes chat-completion providers to one message shape so
// the agent loop never sees provider-specific types.
package llm

import (
	"context"
	"encoding/json"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ToolCall is a single function invocation requested by the model.
type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// Message is one turn in a conversation. ToolID binds a tool-role message to
// the originating call; ToolCalls is set on assistant messages that request
// tool execution.
type Message struct {
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	ToolID    string     `json:"tool_id,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// ToolSchema describes one tool in the catalog sent to the model.
// Parameters is a JSON-schema object.
type ToolSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Provider is a chat-completion backend. Implementations must translate
// their native response into a Message before returning.
type Provider interface {
	Chat(ctx context.Context, msgs []Message, tools []ToolSchema) (Message, error)
}
