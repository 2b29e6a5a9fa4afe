package wire

import (
	"encoding/json"
	"strings"

	"github.com/nexusnotes/chatcore/internal/conversation"
)

// Marker tokens the local fine-tune was trained on. Tool calls travel as a
// JSON array of {name, arguments} objects between the markers; results come
// back as a raw JSON blob in the following user message.
const (
	ToolCallOpenTag  = "[TOOL_CALLS]"
	ToolCallCloseTag = "[/TOOL_CALLS]"
)

// textTagStrategy shapes context for local models that encode tool calls as
// delimited plain text instead of structured fields. The wire history must
// keep strict user/assistant alternation: system messages are hoisted to the
// front and consecutive same-role messages are merged.
type textTagStrategy struct{}

func (textTagStrategy) Category() Category { return CategoryCustomFormat }

func (s textTagStrategy) BuildTurn(messages []conversation.Message, systemPrompt string) []Message {
	prepared := prepareTurn(messages, systemPrompt)
	out := make([]Message, 0, len(prepared))
	for i := range prepared {
		m := &prepared[i]
		switch m.Role {
		case conversation.RoleSystem:
			out = append(out, Message{Role: roleSystem, Content: m.Content})
		case conversation.RoleUser, conversation.RoleTool:
			out = append(out, Message{Role: roleUser, Content: m.Content})
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
	return normalizeAlternation(out)
}

func (s textTagStrategy) BuildContinuation(calls []conversation.ToolCall, opts ContinuationOptions) []Message {
	out := make([]Message, 0, len(opts.History)+4)
	if opts.SystemPrompt != "" && !wireHasSystem(opts.History) {
		out = append(out, Message{Role: roleSystem, Content: opts.SystemPrompt})
	}
	out = append(out, opts.History...)
	if opts.UserMessage != "" {
		out = append(out, Message{Role: roleUser, Content: opts.UserMessage})
	}
	return normalizeAlternation(append(out, s.toolRound(calls)...))
}

func (s textTagStrategy) AppendExecution(history []Message, calls []conversation.ToolCall) []Message {
	marker := markerBlock(calls)
	// The model sometimes echoes its own tool-call text back; if the latest
	// assistant message already carries this exact marker block, only the
	// results are missing.
	if n := len(history); n > 0 && history[n-1].Role == roleAssistant &&
		strings.Contains(history[n-1].TextContent(), marker) {
		return normalizeAlternation(append(history, Message{Role: roleUser, Content: resultsBlob(calls)}))
	}
	return normalizeAlternation(append(history, s.toolRound(calls)...))
}

func (s textTagStrategy) toolRound(calls []conversation.ToolCall) []Message {
	return []Message{
		{Role: roleAssistant, Content: markerBlock(calls)},
		{Role: roleUser, Content: resultsBlob(calls)},
	}
}

// markerBlock renders a call batch as the delimited JSON array the model
// was trained to emit.
func markerBlock(calls []conversation.ToolCall) string {
	entries := make([]map[string]any, 0, len(calls))
	for _, call := range calls {
		entries = append(entries, map[string]any{
			"name":      call.Name,
			"arguments": toolInput(call),
		})
	}
	data, err := json.Marshal(entries)
	if err != nil {
		data = []byte("[]")
	}
	return ToolCallOpenTag + string(data) + ToolCallCloseTag
}

// resultsBlob renders call outcomes as raw JSON: a single object for one
// call, an array for several.
func resultsBlob(calls []conversation.ToolCall) string {
	outcomes := make([]any, 0, len(calls))
	for _, call := range calls {
		if call.Error != "" {
			outcomes = append(outcomes, map[string]any{"name": call.Name, "error": call.Error})
			continue
		}
		outcomes = append(outcomes, map[string]any{"name": call.Name, "result": call.Result})
	}
	var payload any = outcomes
	if len(outcomes) == 1 {
		payload = outcomes[0]
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// normalizeAlternation hoists system messages to the front and merges
// consecutive same-role messages so the wire history strictly alternates.
func normalizeAlternation(messages []Message) []Message {
	var system []string
	rest := make([]Message, 0, len(messages))
	for i := range messages {
		if messages[i].Role == roleSystem {
			if text := messages[i].TextContent(); text != "" {
				system = append(system, text)
			}
			continue
		}
		rest = append(rest, messages[i])
	}

	out := make([]Message, 0, len(rest)+1)
	if len(system) > 0 {
		out = append(out, Message{Role: roleSystem, Content: strings.Join(system, "\n\n")})
	}
	for _, m := range rest {
		if n := len(out); n > 0 && out[n-1].Role == m.Role && m.Role != roleSystem {
			merged := strings.TrimSpace(out[n-1].TextContent() + "\n\n" + m.TextContent())
			out[n-1].Content = merged
			continue
		}
		out = append(out, m)
	}
	return out
}
