// Package wire reconstructs stored conversations into the message shapes
// each model provider expects. Builders are pure: they operate on value
// snapshots and never touch stored state.
package wire

import (
	"encoding/json"
	"strings"

	"github.com/nexusnotes/chatcore/internal/conversation"
)

// Category classifies a provider's wire format. Consumers use it purely for
// branching display logic; the strategies below own the actual shaping.
type Category string

const (
	CategoryAnthropic        Category = "anthropic"
	CategoryGoogle           Category = "google"
	CategoryCustomFormat     Category = "custom-format"
	CategoryOpenAICompatible Category = "openai-compatible"
)

// Role strings used on the wire. Google additionally uses "model" and
// "function" which have no stored-message counterpart.
const (
	roleSystem    = "system"
	roleUser      = "user"
	roleAssistant = "assistant"
	roleTool      = "tool"
	roleModel     = "model"
	roleFunction  = "function"
)

// FunctionRef is the function half of an OpenAI tool_calls entry.
type FunctionRef struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolCallRef is one entry of an OpenAI-style tool_calls array.
type ToolCallRef struct {
	ID       string      `json:"id"`
	Type     string      `json:"type"`
	Function FunctionRef `json:"function"`
}

// Block is one Anthropic content block.
type Block struct {
	Type      string `json:"type"` // text | tool_use | tool_result
	Text      string `json:"text,omitempty"`
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	Input     any    `json:"input,omitempty"`
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// FunctionCall is a Google functionCall part payload.
type FunctionCall struct {
	Name string `json:"name"`
	Args any    `json:"args,omitempty"`
}

// FunctionResponse is a Google functionResponse part payload.
type FunctionResponse struct {
	Name     string `json:"name"`
	Response any    `json:"response"`
}

// Part is one Google content part.
type Part struct {
	Text             string            `json:"text,omitempty"`
	FunctionCall     *FunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *FunctionResponse `json:"functionResponse,omitempty"`
	ThoughtSignature []byte            `json:"thoughtSignature,omitempty"`
}

// Message is one provider-shaped wire message. Exactly one content
// convention is populated depending on the strategy that produced it:
// Content as a string (OpenAI-compatible, custom text-tag), Content as
// []Block (Anthropic), or Parts (Google).
type Message struct {
	Role       string        `json:"role"`
	Content    any           `json:"content,omitempty"`
	ToolCalls  []ToolCallRef `json:"tool_calls,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
	Parts      []Part        `json:"parts,omitempty"`
}

// TextContent returns Content when it is a plain string.
func (m *Message) TextContent() string {
	if s, ok := m.Content.(string); ok {
		return s
	}
	return ""
}

// Blocks returns Content when it is an Anthropic block list.
func (m *Message) Blocks() []Block {
	if b, ok := m.Content.([]Block); ok {
		return b
	}
	return nil
}

// ContinuationOptions configures BuildContinuation for a brand-new turn.
type ContinuationOptions struct {
	SystemPrompt string
	UserMessage  string    // original user message, optional
	History      []Message // prior wire history, optional
}

// Strategy shapes one provider family's context, continuations and
// follow-up tool rounds. Implementations are stateless.
//
// Ordering invariant across all implementations: a tool-call announcement
// always precedes its results, a batch's results are grouped immediately
// after the announcement, and later rounds append strictly after all prior
// rounds.
type Strategy interface {
	Category() Category

	// BuildTurn transforms a stored-message snapshot into the provider's
	// wire message array, applying the replay filter first.
	BuildTurn(messages []conversation.Message, systemPrompt string) []Message

	// BuildContinuation seeds the first continuation of a new turn from a
	// completed batch of tool calls and their outcomes.
	BuildContinuation(calls []conversation.ToolCall, opts ContinuationOptions) []Message

	// AppendExecution appends one more tool round to an already-correct
	// history. It never re-adds the user message.
	AppendExecution(history []Message, calls []conversation.ToolCall) []Message
}

// ForProvider returns the strategy for a provider id. Matching is
// case-insensitive; unrecognized providers fall back to the
// OpenAI-compatible family.
func ForProvider(providerID string) Strategy {
	switch normalizeProvider(providerID) {
	case CategoryAnthropic:
		return anthropicStrategy{}
	case CategoryGoogle:
		return googleStrategy{}
	case CategoryCustomFormat:
		return textTagStrategy{}
	default:
		return openAIStrategy{}
	}
}

// CategoryFor returns the wire category for a provider id.
func CategoryFor(providerID string) Category {
	return normalizeProvider(providerID)
}

func normalizeProvider(providerID string) Category {
	switch strings.ToLower(strings.TrimSpace(providerID)) {
	case "anthropic", "claude":
		return CategoryAnthropic
	case "google", "gemini":
		return CategoryGoogle
	case "nexus", "local":
		return CategoryCustomFormat
	default:
		return CategoryOpenAICompatible
	}
}

// BuildContext reconstructs the full provider context for a conversation,
// resolving active branches first. Pure function of its inputs.
func BuildContext(conv *conversation.Conversation, providerID, systemPrompt string) []Message {
	return ForProvider(providerID).BuildTurn(conversation.EffectiveMessages(conv), systemPrompt)
}

// outcomeText stringifies a tool call outcome: the error string on failure,
// otherwise the result (marshalled when it is not already a string).
func outcomeText(call conversation.ToolCall) string {
	if call.Error != "" {
		return call.Error
	}
	switch v := call.Result.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(data)
	}
}
