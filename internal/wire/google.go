package wire

import (
	"github.com/nexusnotes/chatcore/internal/conversation"
)

// googleStrategy shapes context for the Gemini API. Tool calls become
// functionCall parts on a model message, outcomes become functionResponse
// parts, and thought signatures captured during streaming are echoed back
// verbatim on their originating functionCall part.
type googleStrategy struct{}

func (googleStrategy) Category() Category { return CategoryGoogle }

func (s googleStrategy) BuildTurn(messages []conversation.Message, systemPrompt string) []Message {
	prepared := prepareTurn(messages, systemPrompt)
	out := make([]Message, 0, len(prepared))
	for i := range prepared {
		m := &prepared[i]
		switch m.Role {
		case conversation.RoleSystem:
			// Leading wire message; the transport hoists it into the
			// request's systemInstruction.
			out = append(out, Message{Role: roleSystem, Parts: []Part{{Text: m.Content}}})
		case conversation.RoleUser:
			out = append(out, Message{Role: roleUser, Parts: []Part{{Text: m.Content}}})
		case conversation.RoleTool:
			out = append(out, Message{Role: roleFunction, Parts: []Part{{
				FunctionResponse: &FunctionResponse{Response: map[string]any{"output": m.Content}},
			}}})
		case conversation.RoleAssistant:
			if len(m.ToolCalls) == 0 {
				out = append(out, Message{Role: roleModel, Parts: []Part{{Text: m.Content}}})
				continue
			}
			out = append(out, s.toolRound(m.ToolCalls, roleFunction)...)
			if !m.EmptyContent() {
				out = append(out, Message{Role: roleModel, Parts: []Part{{Text: m.Content}}})
			}
		}
	}
	return out
}

func (s googleStrategy) BuildContinuation(calls []conversation.ToolCall, opts ContinuationOptions) []Message {
	out := make([]Message, 0, len(opts.History)+4)
	if opts.SystemPrompt != "" && !wireHasSystem(opts.History) {
		out = append(out, Message{Role: roleSystem, Parts: []Part{{Text: opts.SystemPrompt}}})
	}
	out = append(out, opts.History...)
	if opts.UserMessage != "" {
		out = append(out, Message{Role: roleUser, Parts: []Part{{Text: opts.UserMessage}}})
	}
	return append(out, s.toolRound(calls, roleUser)...)
}

func (s googleStrategy) AppendExecution(history []Message, calls []conversation.ToolCall) []Message {
	return append(history, s.toolRound(calls, roleUser)...)
}

// toolRound emits the model functionCall message and the response message
// for one batch of calls. Stored history replays responses under the
// function role; live continuations send them as user content, which is
// what the API expects mid-turn.
func (googleStrategy) toolRound(calls []conversation.ToolCall, responseRole string) []Message {
	callParts := make([]Part, 0, len(calls))
	respParts := make([]Part, 0, len(calls))
	for _, call := range calls {
		callParts = append(callParts, Part{
			FunctionCall: &FunctionCall{
				Name: call.Name,
				Args: toolInput(call),
			},
			ThoughtSignature: call.ThoughtSig,
		})
		respParts = append(respParts, Part{
			FunctionResponse: &FunctionResponse{
				Name:     call.Name,
				Response: functionResponseBody(call),
			},
		})
	}
	return []Message{
		{Role: roleModel, Parts: callParts},
		{Role: responseRole, Parts: respParts},
	}
}

// functionResponseBody wraps a call outcome the way Gemini wants it: a
// structured object, with failures under an explicit error key.
func functionResponseBody(call conversation.ToolCall) any {
	if call.Error != "" {
		return map[string]any{"error": call.Error}
	}
	switch v := call.Result.(type) {
	case map[string]any:
		return v
	default:
		return map[string]any{"output": outcomeText(call)}
	}
}
