package wire

import (
	"strings"

	"github.com/nexusnotes/chatcore/internal/conversation"
)

// filterForReplay drops stored messages that must not be replayed to a
// provider:
//
//   - invalid or still-streaming messages
//   - user messages with empty content
//   - empty assistant messages, unless they are the conversation's last
//     message (a just-persisted placeholder for the turn in flight)
//   - assistant messages whose tool calls are not all resolved, even as the
//     last message; replaying them would pair calls with empty results
func filterForReplay(messages []conversation.Message) []conversation.Message {
	out := make([]conversation.Message, 0, len(messages))
	for i := range messages {
		m := messages[i]
		last := i == len(messages)-1

		switch m.State {
		case conversation.StateInvalid, conversation.StateStreaming:
			continue
		}
		switch m.Role {
		case conversation.RoleUser:
			if strings.TrimSpace(m.Content) == "" {
				continue
			}
		case conversation.RoleAssistant:
			if m.EmptyContent() && len(m.ToolCalls) == 0 && !last {
				continue
			}
			if m.HasUnresolvedToolCalls() {
				continue
			}
		}
		out = append(out, m)
	}
	return out
}

// hasSystem reports whether the snapshot already begins with a stored
// system message.
func hasSystem(messages []conversation.Message) bool {
	for _, m := range messages {
		if m.Role == conversation.RoleSystem {
			return true
		}
	}
	return false
}

// prepareTurn applies the replay filter and prepends the system prompt
// when the history does not already carry one. All strategies share this
// step before shaping.
func prepareTurn(messages []conversation.Message, systemPrompt string) []conversation.Message {
	filtered := filterForReplay(messages)
	if systemPrompt == "" || hasSystem(filtered) {
		return filtered
	}
	out := make([]conversation.Message, 0, len(filtered)+1)
	out = append(out, conversation.Message{
		Role:    conversation.RoleSystem,
		Content: systemPrompt,
		State:   conversation.StateComplete,
	})
	return append(out, filtered...)
}
