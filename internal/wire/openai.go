package wire

import (
	"github.com/nexusnotes/chatcore/internal/conversation"
)

// openAIStrategy shapes context for OpenAI-compatible chat completions
// endpoints (OpenAI, OpenRouter, Groq, Ollama, LM Studio and friends).
// This is the fallback family for unrecognized providers.
type openAIStrategy struct{}

func (openAIStrategy) Category() Category { return CategoryOpenAICompatible }

func (s openAIStrategy) BuildTurn(messages []conversation.Message, systemPrompt string) []Message {
	prepared := prepareTurn(messages, systemPrompt)
	out := make([]Message, 0, len(prepared))
	for i := range prepared {
		m := &prepared[i]
		switch m.Role {
		case conversation.RoleSystem:
			out = append(out, Message{Role: roleSystem, Content: m.Content})
		case conversation.RoleUser:
			out = append(out, Message{Role: roleUser, Content: m.Content})
		case conversation.RoleTool:
			// Results already ride with the assistant message that issued
			// the calls; a bare stored tool message has no anchor here.
			continue
		case conversation.RoleAssistant:
			if len(m.ToolCalls) == 0 {
				out = append(out, Message{Role: roleAssistant, Content: m.Content})
				continue
			}
			out = append(out, s.toolRound(m.ToolCalls)...)
			if !m.EmptyContent() {
				out = append(out, Message{Role: roleAssistant, Content: m.Content})
			}
		}
	}
	return out
}

func (s openAIStrategy) BuildContinuation(calls []conversation.ToolCall, opts ContinuationOptions) []Message {
	out := make([]Message, 0, len(opts.History)+len(calls)+3)
	if opts.SystemPrompt != "" && !wireHasSystem(opts.History) {
		out = append(out, Message{Role: roleSystem, Content: opts.SystemPrompt})
	}
	out = append(out, opts.History...)
	if opts.UserMessage != "" {
		out = append(out, Message{Role: roleUser, Content: opts.UserMessage})
	}
	return append(out, s.toolRound(calls)...)
}

func (s openAIStrategy) AppendExecution(history []Message, calls []conversation.ToolCall) []Message {
	return append(history, s.toolRound(calls)...)
}

// toolRound emits the assistant announcement for a call batch followed by
// one tool message per outcome, grouped and in call order.
func (openAIStrategy) toolRound(calls []conversation.ToolCall) []Message {
	refs := make([]ToolCallRef, 0, len(calls))
	for _, call := range calls {
		refs = append(refs, ToolCallRef{
			ID:   call.ID,
			Type: "function",
			Function: FunctionRef{
				Name:      call.Name,
				Arguments: argumentsJSON(call),
			},
		})
	}
	out := make([]Message, 0, len(calls)+1)
	out = append(out, Message{Role: roleAssistant, ToolCalls: refs})
	for _, call := range calls {
		out = append(out, Message{
			Role:       roleTool,
			ToolCallID: call.ID,
			Content:    outcomeText(call),
		})
	}
	return out
}

// argumentsJSON renders call parameters as the JSON string the tool_calls
// array carries. Missing parameters become an empty object.
func argumentsJSON(call conversation.ToolCall) string {
	if len(call.Parameters) == 0 {
		return "{}"
	}
	return string(call.Parameters)
}

func wireHasSystem(history []Message) bool {
	for i := range history {
		if history[i].Role == roleSystem {
			return true
		}
	}
	return false
}
