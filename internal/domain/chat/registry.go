// Package chat runs the agentic loop behind the conversational API: a tool
// catalog exposed to the LLM, an engine alternating model turns with tool
// execution, and the HTTP surface with per-session state.
package chat

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/clinrag/clinrag/internal/platform/llm"
)

type sessionKey struct{}

// WithSession stamps the calling session's id onto the context so the
// memory tools stay partitioned without widening every handler signature.
func WithSession(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionKey{}, sessionID)
}

// SessionFromContext returns the session id stamped by WithSession, or "".
func SessionFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(sessionKey{}).(string); ok {
		return id
	}
	return ""
}

// HandlerFunc executes one tool call. The returned map becomes the data
// field of the response envelope; the reserved keys "search_mode" and
// "fallback_reason" are lifted to the envelope level.
type HandlerFunc func(ctx context.Context, args json.RawMessage) (map[string]any, error)

// Tool couples a catalog entry with its handler. Parameters is a JSON
// Schema object describing the arguments.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
	Handler     HandlerFunc
}

// Registry holds the tool catalog in registration order. It must not be
// mutated once the engine is running.
type Registry struct {
	tools  []Tool
	byName map[string]int
	logger zerolog.Logger
}

func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{byName: map[string]int{}, logger: logger}
}

// Register adds a tool. Registering the same name twice is a programming
// error and panics at startup.
func (r *Registry) Register(t Tool) {
	if _, dup := r.byName[t.Name]; dup {
		panic(fmt.Sprintf("chat: tool %q registered twice", t.Name))
	}
	r.byName[t.Name] = len(r.tools)
	r.tools = append(r.tools, t)
}

// Names lists the registered tools in registration order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.tools))
	for i, t := range r.tools {
		names[i] = t.Name
	}
	return names
}

// Schemas renders the catalog for the LLM request.
func (r *Registry) Schemas() []llm.ToolSchema {
	schemas := make([]llm.ToolSchema, len(r.tools))
	for i, t := range r.tools {
		schemas[i] = llm.ToolSchema{Name: t.Name, Description: t.Description, Parameters: t.Parameters}
	}
	return schemas
}

// Dispatch runs the named tool and always returns an envelope of the form
// {status, data?, error?, search_mode?, fallback_reason?}. Handler errors
// and panics become {status:"fail", error} observations so a bad tool call
// never takes down the turn.
func (r *Registry) Dispatch(ctx context.Context, name string, args json.RawMessage) map[string]any {
	idx, ok := r.byName[name]
	if !ok {
		return failEnvelope(fmt.Sprintf("unknown tool %q", name))
	}

	data, err := r.invoke(ctx, &r.tools[idx], args)
	if err != nil {
		r.logger.Warn().Err(err).Str("tool", name).Msg("tool call failed")
		return failEnvelope(err.Error())
	}

	env := map[string]any{"status": "success"}
	if mode, ok := data["search_mode"].(string); ok {
		delete(data, "search_mode")
		if mode != "" {
			env["search_mode"] = mode
		}
	}
	if reason, ok := data["fallback_reason"].(string); ok {
		delete(data, "fallback_reason")
		if reason != "" {
			env["fallback_reason"] = reason
		}
	}
	env["data"] = data
	return env
}

func (r *Registry) invoke(ctx context.Context, t *Tool, args json.RawMessage) (data map[string]any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("tool %s panicked: %v", t.Name, rec)
		}
	}()
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	return t.Handler(ctx, args)
}

func failEnvelope(msg string) map[string]any {
	return map[string]any{"status": "fail", "error": msg}
}
