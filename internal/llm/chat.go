// Package llm provides the LLM integration surface used by every stage
// that talks to a vision or text model: a provider-neutral ChatModel
// interface, rate limiting, retry-aware execution, and adaptive
// sub-batching for submit-then-poll batch APIs.
package llm

import "context"

// ChatModel is the provider-neutral interface every stage worker calls
// through. Anthropic, OpenAI, and Google adapters all implement it;
// stage code never imports a provider SDK directly.
type ChatModel interface {
	Chat(ctx context.Context, messages []Message, tools []ToolSpec) (ChatOut, error)
}

// Message is one turn of a conversation. Content holds text; Images
// holds any page scans attached to this turn (extraction prompts are
// the only stage that populates it — selection and verification are
// text-only).
type Message struct {
	Role    string
	Content string
	Images  []ImageAttachment
}

// ImageAttachment is a single inlined image held as raw bytes; each
// provider adapter encodes Data into whatever wire shape that provider
// expects (base64 for Anthropic and OpenAI, raw bytes for Gemini).
type ImageAttachment struct {
	MediaType string // e.g. "image/jpeg", "image/png"
	Data      []byte
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ToolSpec describes a callable tool. Extraction prompts don't use
// tools today, but the interface carries the parameter for parity with
// the rest of the stack and in case a future stage needs structured
// function-calling output instead of free-form JSON.
type ToolSpec struct {
	Name        string
	Description string
	Schema      map[string]interface{}
}

// ChatOut is a provider response: generated text, optional tool calls,
// and the token counts CostLedger needs to price the call.
type ChatOut struct {
	Text         string
	ToolCalls    []ToolCall
	InputTokens  int
	OutputTokens int
}

type ToolCall struct {
	Name  string
	Input map[string]interface{}
}
