package wire

import (
	"github.com/nexusnotes/chatcore/internal/conversation"
)

// anthropicStrategy shapes context for the Anthropic Messages API. Tool
// calls become tool_use content blocks on an assistant message; outcomes
// become tool_result blocks on a user message immediately after. Assistant
// text produced after a tool round is emitted as its own assistant message
// following the call/result pair.
type anthropicStrategy struct{}

func (anthropicStrategy) Category() Category { return CategoryAnthropic }

func (s anthropicStrategy) BuildTurn(messages []conversation.Message, systemPrompt string) []Message {
	prepared := prepareTurn(messages, systemPrompt)
	out := make([]Message, 0, len(prepared))
	for i := range prepared {
		m := &prepared[i]
		switch m.Role {
		case conversation.RoleSystem:
			// Kept as a leading wire message; the transport hoists it into
			// the request's system field.
			out = append(out, Message{Role: roleSystem, Content: m.Content})
		case conversation.RoleUser:
			out = append(out, Message{Role: roleUser, Content: m.Content})
		case conversation.RoleTool:
			// Conversations written before results were folded into the
			// assistant message store outcomes as bare tool messages.
			out = append(out, s.legacyToolResult(m))
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

func (s anthropicStrategy) BuildContinuation(calls []conversation.ToolCall, opts ContinuationOptions) []Message {
	out := make([]Message, 0, len(opts.History)+4)
	if opts.SystemPrompt != "" && !wireHasSystem(opts.History) {
		out = append(out, Message{Role: roleSystem, Content: opts.SystemPrompt})
	}
	out = append(out, opts.History...)
	if opts.UserMessage != "" {
		out = append(out, Message{Role: roleUser, Content: opts.UserMessage})
	}
	return append(out, s.toolRound(calls)...)
}

func (s anthropicStrategy) AppendExecution(history []Message, calls []conversation.ToolCall) []Message {
	return append(history, s.toolRound(calls)...)
}

// toolRound emits the assistant tool_use message and the paired user
// tool_result message for one batch of calls.
func (anthropicStrategy) toolRound(calls []conversation.ToolCall) []Message {
	uses := make([]Block, 0, len(calls))
	results := make([]Block, 0, len(calls))
	for _, call := range calls {
		uses = append(uses, Block{
			Type:  "tool_use",
			ID:    call.ID,
			Name:  call.Name,
			Input: toolInput(call),
		})
		results = append(results, Block{
			Type:      "tool_result",
			ToolUseID: call.ID,
			Content:   outcomeText(call),
			IsError:   call.Error != "",
		})
	}
	return []Message{
		{Role: roleAssistant, Content: uses},
		{Role: roleUser, Content: results},
	}
}

// legacyToolResult converts a stored tool-role message into a user message
// with a single tool_result block. The originating call id, when the old
// writer recorded one, lives in message metadata.
func (anthropicStrategy) legacyToolResult(m *conversation.Message) Message {
	block := Block{Type: "tool_result", Content: m.Content}
	for _, key := range []string{"tool_call_id", "toolCallId"} {
		if id, ok := m.Metadata[key].(string); ok && id != "" {
			block.ToolUseID = id
			break
		}
	}
	return Message{Role: roleUser, Content: []Block{block}}
}

// toolInput returns the structured input for a tool_use block. The
// Messages API rejects null input, so missing parameters become an empty
// object.
func toolInput(call conversation.ToolCall) any {
	if v := call.ParsedParameters(); v != nil {
		return v
	}
	return map[string]any{}
}
