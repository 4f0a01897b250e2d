// Package executor holds the thin CognitiveNode adapters the kernel ships
// out of the box, plus the stable collaborator interfaces (LLMClient,
// ToolHandler) a future concrete provider implements without the scheduler
// ever depending on it directly.
package executor

import "context"

// Message is one turn in an LLM conversation, adapted from the teacher's
// model.Message.
type Message struct {
	Role    string
	Content string
}

// Standard roles, matching model.Role* for drop-in familiarity.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ToolSpec describes a tool an LLM may call, adapted from model.ToolSpec.
type ToolSpec struct {
	Name        string
	Description string
	Schema      map[string]interface{}
}

// ToolCall is a request from the LLM to invoke a tool, adapted from
// model.ToolCall.
type ToolCall struct {
	Name  string
	Input map[string]interface{}
}

// ChatOut is an LLM completion: text and/or tool calls, adapted from
// model.ChatOut. DollarsUsed and TokensUsed let node executors report the
// actual cost incurred on a call, including a partial charge on failure.
type ChatOut struct {
	Text        string
	ToolCalls   []ToolCall
	DollarsUsed float64
	TokensUsed  int64
}

// LLMClient is the stable interface external LLM collaborators implement.
// Adapted from the teacher's graph/model.ChatModel so a concrete Claude/
// OpenAI/Ollama adapter drops in without touching the scheduler.
type LLMClient interface {
	Chat(ctx context.Context, messages []Message, tools []ToolSpec) (ChatOut, error)
}

// ToolHandler is the contract a per-domain tool (calendar, tasks, journals)
// implements, adapted from the teacher's graph/tool.Tool.
type ToolHandler interface {
	Name() string
	Call(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error)
}
