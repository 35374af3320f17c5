package troupe

import (
	"encoding/json"
	"time"
)

// --- Tasks ---

// TaskStatus is the lifecycle state of a Task. Transitions are monotone
// except Pending→Cancelled.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Task is a unit of work submitted to an Agent. Immutable once submitted.
// Priority ties are broken by CreatedAt (earlier wins).
type Task struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Params    map[string]any `json:"params,omitempty"`
	Priority  int            `json:"priority"`
	CreatedAt time.Time      `json:"created_at"`
	Tenant    string         `json:"tenant"`
}

// Prompt returns the task's "prompt" parameter, or "" if absent.
func (t Task) Prompt() string {
	if v, ok := t.Params["prompt"].(string); ok {
		return v
	}
	return ""
}

// Result is the outcome of executing a Task. Err is nil unless Status
// is Failed or Cancelled.
type Result struct {
	TaskID   string        `json:"task_id"`
	Status   TaskStatus    `json:"status"`
	Text     string        `json:"text,omitempty"`
	Usage    TokenUsage    `json:"usage"`
	Duration time.Duration `json:"duration"`
	Err      error         `json:"-"`
}

// --- Agent-to-agent messages ---

// Message is an agent-to-agent message routed by the Manager.
// Delivery is at-most-once within the process.
type Message struct {
	From          string          `json:"from"`
	To            string          `json:"to"`
	Kind          string          `json:"kind"`
	Body          json.RawMessage `json:"body,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// Capability describes something an agent can do. The Manager uses
// capabilities to find candidate agents for a task type.
type Capability struct {
	Name         string          `json:"name"`
	Description  string          `json:"description,omitempty"`
	ParamsSchema json.RawMessage `json:"params_schema,omitempty"`
}

// --- Model gateway protocol ---

// ChatMessage is a single turn in a model conversation.
// Role is one of "system", "user", "assistant", "tool".
type ChatMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is a model request to invoke a tool.
type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// ToolSchema advertises a callable function to the model.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// GenerateRequest is a single model completion request. Tenant is required;
// the Gateway refuses requests without one.
type GenerateRequest struct {
	Tenant      string        `json:"tenant"`
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Functions   []ToolSchema  `json:"functions,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

// TokenUsage counts tokens consumed by one model call.
type TokenUsage struct {
	Prompt     int `json:"prompt"`
	Completion int `json:"completion"`
	Total      int `json:"total"`
}

// Add accumulates usage from another call.
func (u *TokenUsage) Add(o TokenUsage) {
	u.Prompt += o.Prompt
	u.Completion += o.Completion
	u.Total += o.Total
}

// FinishReason reports why the model stopped generating.
type FinishReason string

const (
	FinishStop   FinishReason = "stop"
	FinishLength FinishReason = "length"
	FinishTool   FinishReason = "tool"
	FinishFilter FinishReason = "filter"
	FinishError  FinishReason = "error"
)

// GenerateResponse is the result of one model completion.
type GenerateResponse struct {
	Text         string       `json:"text"`
	ToolCalls    []ToolCall   `json:"tool_calls,omitempty"`
	Usage        TokenUsage   `json:"usage"`
	FinishReason FinishReason `json:"finish_reason"`
	Model        string       `json:"model"`
	CostEstimate float64      `json:"cost_estimate,omitempty"`
}

// --- ChatMessage constructors ---

func SystemMessage(text string) ChatMessage {
	return ChatMessage{Role: "system", Content: text}
}

func UserMessage(text string) ChatMessage {
	return ChatMessage{Role: "user", Content: text}
}

func AssistantMessage(text string) ChatMessage {
	return ChatMessage{Role: "assistant", Content: text}
}

func ToolResultMessage(callID, content string) ChatMessage {
	return ChatMessage{Role: "tool", Content: content, ToolCallID: callID}
}

// estimateTokens is the coarse token proxy used for rate limiting and
// prompt budgets: max(1, chars/4). The exact tokenizer lives inside the
// model provider and is deliberately not consulted here.
func estimateTokens(messages []ChatMessage) int {
	chars := 0
	for _, m := range messages {
		chars += len(m.Content)
		for _, tc := range m.ToolCalls {
			chars += len(tc.Args)
		}
	}
	if chars < 4 {
		return 1
	}
	return chars / 4
}
