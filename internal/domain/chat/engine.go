package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/clinrag/clinrag/internal/domain/memory"
	"github.com/clinrag/clinrag/internal/platform/llm"
)

// Loop bounds. A turn stops after maxIterations round trips no matter what
// the model keeps asking for.
const (
	maxIterations  = 10
	maxTraceResult = 500

	memoryTopK      = 3
	memoryThreshold = 0.3
)

const maxIterationsReply = "Reached maximum iterations."

const systemPrompt = `You are a helpful and accurate medical assistant.
You have access to a variety of tools to search FHIR documents, query a knowledge graph, and generate visualizations.

CRITICAL INSTRUCTIONS:
1. ALWAYS use the provided tools to answer medical questions. Do not speculate or assume data doesn't exist without searching.
2. For any request involving visualization, charts, graphs, or timelines, you MUST use the appropriate plot_* tool.
3. NEVER generate code, SVG, or Markdown-based charts yourself. Only use the plotting tools.
4. If a query is complex (e.g., 'allergies or radiology images'), call MULTIPLE tools in sequence to gather all necessary information.
5. For image-related queries (X-rays, scans, radiology), use search_medical_images.
6. Use get_entity_statistics only for a high-level overview. To check if a SPECIFIC entity (like 'allergies') exists, use search_knowledge_graph or search_fhir_documents.
7. When summarizing results, be concise and refer to the specific data returned by the tools.`

// TraceEntry records one tool invocation of a turn.
type TraceEntry struct {
	Iteration int             `json:"iteration"`
	Tool      string          `json:"tool"`
	Input     json.RawMessage `json:"input"`
	Result    string          `json:"result"`
}

// Answer is the outcome of one agent turn.
type Answer struct {
	Reply string       `json:"reply"`
	Trace []TraceEntry `json:"trace,omitempty"`
}

// Recaller is the slice of the memory store the engine needs. A nil
// Recaller disables recall injection.
type Recaller interface {
	Recall(ctx context.Context, sessionID, query string, topK int) ([]memory.Item, error)
}

// Engine drives the LLM/tool loop. It is stateless between turns; all
// conversation state lives on the Session.
type Engine struct {
	provider llm.Provider
	registry *Registry
	memory   Recaller
	logger   zerolog.Logger
}

func NewEngine(provider llm.Provider, registry *Registry, recaller Recaller, logger zerolog.Logger) *Engine {
	return &Engine{provider: provider, registry: registry, memory: recaller, logger: logger}
}

// Run executes one turn: recall, then up to maxIterations LLM round trips
// with tool execution in between. withTools false degrades to a plain chat
// completion without the catalog. The caller must hold the session's lock.
func (e *Engine) Run(ctx context.Context, sess *Session, message string, withTools bool) (*Answer, error) {
	ctx = WithSession(ctx, sess.ID)
	sess.Messages = append(sess.Messages, llm.Message{
		Role:    llm.RoleUser,
		Content: e.withRecalledMemory(ctx, sess.ID, message),
	})

	var schemas []llm.ToolSchema
	if withTools {
		schemas = e.registry.Schemas()
	}

	answer := &Answer{}
	for i := 0; i < maxIterations; i++ {
		msgs := make([]llm.Message, 0, len(sess.Messages)+1)
		msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: e.prompt(sess)})
		msgs = append(msgs, sess.Messages...)

		reply, err := e.provider.Chat(ctx, msgs, schemas)
		if err != nil {
			return nil, err
		}
		sess.Messages = append(sess.Messages, reply)

		if len(reply.ToolCalls) == 0 {
			answer.Reply = reply.Content
			return answer, nil
		}

		for _, call := range reply.ToolCalls {
			result := e.registry.Dispatch(ctx, call.Name, call.Args)
			payload, err := json.Marshal(result)
			if err != nil {
				payload = []byte(`{"status":"fail","error":"unserializable tool result"}`)
			}
			answer.Trace = append(answer.Trace, TraceEntry{
				Iteration: i + 1,
				Tool:      call.Name,
				Input:     call.Args,
				Result:    truncateResult(string(payload)),
			})
			e.logger.Debug().
				Int("iteration", i+1).
				Str("tool", call.Name).
				Str("session", sess.ID).
				Msg("tool call")
			sess.Messages = append(sess.Messages, llm.Message{
				Role:    llm.RoleTool,
				ToolID:  call.ID,
				Content: string(payload),
			})
		}
	}

	e.logger.Warn().Str("session", sess.ID).Msg("agent turn hit the iteration cap")
	sess.Messages = append(sess.Messages, llm.Message{Role: llm.RoleAssistant, Content: maxIterationsReply})
	answer.Reply = maxIterationsReply
	return answer, nil
}

func (e *Engine) prompt(sess *Session) string {
	if sess.PatientID == "" {
		return systemPrompt
	}
	return systemPrompt + "\n\nThe active patient ID is " + sess.PatientID +
		". Scope patient-specific tools to this patient unless the user names another."
}

// withRecalledMemory prepends the session memories relevant to the message.
// Recall failures are logged and skipped; memory must never block a turn.
func (e *Engine) withRecalledMemory(ctx context.Context, sessionID, message string) string {
	if e.memory == nil {
		return message
	}
	items, err := e.memory.Recall(ctx, sessionID, message, memoryTopK)
	if err != nil {
		e.logger.Warn().Err(err).Str("session", sessionID).Msg("memory recall failed, continuing without it")
		return message
	}

	var block strings.Builder
	for _, item := range items {
		if item.Similarity > memoryThreshold {
			fmt.Fprintf(&block, "- %s\n", item.Text)
		}
	}
	if block.Len() == 0 {
		return message
	}
	return "[RECALLED MEMORY]\n" + block.String() + "[END MEMORY]\n\n" + message
}

func truncateResult(s string) string {
	if len(s) <= maxTraceResult {
		return s
	}
	return s[:maxTraceResult] + "... (truncated)"
}
