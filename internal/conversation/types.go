package conversation

import (
	"encoding/json"
	"strings"
	"time"
)

// Role identifies who authored a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// MessageState is the lifecycle state of a message.
type MessageState string

const (
	StateDraft     MessageState = "draft"
	StateStreaming MessageState = "streaming"
	StateComplete  MessageState = "complete"
	StateAborted   MessageState = "aborted"
	StateInvalid   MessageState = "invalid"
)

// BranchStatus is the lifecycle state of an alternative branch.
type BranchStatus string

const (
	BranchDraft     BranchStatus = "draft"
	BranchStreaming BranchStatus = "streaming"
	BranchComplete  BranchStatus = "complete"
	BranchAborted   BranchStatus = "aborted"
)

// ToolCall is a model-requested tool invocation together with its outcome.
// Parameters may hold a raw JSON string while arguments are still streaming;
// once complete they are parsed into a structured value.
type ToolCall struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"` // dot-namespaced, e.g. "vault.read_note"
	Parameters json.RawMessage `json:"parameters,omitempty"`
	Result     any             `json:"result,omitempty"`
	Success    bool            `json:"success"`
	Error      string          `json:"error,omitempty"`
	DurationMs int64           `json:"duration_ms,omitempty"`
	ThoughtSig []byte          `json:"thought_sig,omitempty"` // opaque, echoed back verbatim on continuation
}

// Resolved reports whether the call has an outcome (result or error).
func (t *ToolCall) Resolved() bool {
	return t.Error != "" || t.Result != nil
}

// ParsedParameters returns the parameters as a structured value. Unparsable
// argument text is passed through as the raw string rather than failing.
func (t *ToolCall) ParsedParameters() any {
	if len(t.Parameters) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(t.Parameters, &v); err == nil {
		return v
	}
	return string(t.Parameters)
}

// AlternativeBranch is one retried or edited response variant for an
// assistant message. Siblings under the same parent coexist; exactly one is
// active at a time. Branches are never deleted automatically.
type AlternativeBranch struct {
	ID        string         `json:"id"`
	ParentID  string         `json:"parent_id"`
	Status    BranchStatus   `json:"status"`
	Content   string         `json:"content"`
	ToolCalls []ToolCall     `json:"tool_calls,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Message is one entry in a conversation.
type Message struct {
	ID             string              `json:"id"`
	Role           Role                `json:"role"`
	Content        string              `json:"content"`
	CreatedAt      time.Time           `json:"created_at"`
	State          MessageState        `json:"state"`
	ToolCalls      []ToolCall          `json:"tool_calls,omitempty"`
	Branches       []AlternativeBranch `json:"alternative_branches,omitempty"`
	ActiveBranchID string              `json:"active_branch_id,omitempty"`
	Metadata       map[string]any      `json:"metadata,omitempty"` // cost, usage, provider, model
}

// Conversation is an ordered message sequence with metadata.
type Conversation struct {
	ID        string         `json:"id"`
	Title     string         `json:"title"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	Messages  []Message      `json:"messages"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// LastMessage returns the trailing message, or nil for an empty conversation.
func (c *Conversation) LastMessage() *Message {
	if len(c.Messages) == 0 {
		return nil
	}
	return &c.Messages[len(c.Messages)-1]
}

// ActiveBranch returns the branch referenced by ActiveBranchID, if any.
func (m *Message) ActiveBranch() *AlternativeBranch {
	if m.ActiveBranchID == "" {
		return nil
	}
	for i := range m.Branches {
		if m.Branches[i].ID == m.ActiveBranchID {
			return &m.Branches[i]
		}
	}
	return nil
}

// HasUnresolvedToolCalls reports whether any tool call lacks an outcome.
func (m *Message) HasUnresolvedToolCalls() bool {
	for i := range m.ToolCalls {
		if !m.ToolCalls[i].Resolved() {
			return true
		}
	}
	return false
}

// EmptyContent reports whether the message content is empty or whitespace.
func (m *Message) EmptyContent() bool {
	return strings.TrimSpace(m.Content) == ""
}

// Effective returns the message as it should be replayed: when an active
// branch exists its content and tool calls replace the message's own, so
// sibling branches are never mixed in one reconstructed message.
func (m *Message) Effective() Message {
	branch := m.ActiveBranch()
	if branch == nil {
		return *m
	}
	eff := *m
	eff.Content = branch.Content
	eff.ToolCalls = branch.ToolCalls
	switch branch.Status {
	case BranchDraft:
		eff.State = StateDraft
	case BranchStreaming:
		eff.State = StateStreaming
	case BranchAborted:
		eff.State = StateAborted
	default:
		eff.State = StateComplete
	}
	return eff
}

// EffectiveMessages resolves every message through its active branch and
// returns a snapshot safe to hand to the context builder.
func EffectiveMessages(c *Conversation) []Message {
	out := make([]Message, 0, len(c.Messages))
	for i := range c.Messages {
		out = append(out, c.Messages[i].Effective())
	}
	return out
}
