package conversation

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
)

// Legacy conversation files carry response variants as an alternatives array
// with an activeAlternativeIndex pointer. The live model only knows the
// branch-id scheme; ImportLegacy is the single place the old shape exists.

type legacyConversation struct {
	ID        string          `json:"id"`
	Title     string          `json:"title"`
	CreatedAt int64           `json:"createdAt"`
	UpdatedAt int64           `json:"updatedAt"`
	Messages  []legacyMessage `json:"messages"`
	Metadata  map[string]any  `json:"metadata,omitempty"`
}

type legacyMessage struct {
	ID                     string           `json:"id"`
	Role                   string           `json:"role"`
	Content                string           `json:"content"`
	Timestamp              int64            `json:"timestamp"`
	State                  string           `json:"state,omitempty"`
	ToolCalls              []legacyToolCall `json:"toolCalls,omitempty"`
	Alternatives           []legacyMessage  `json:"alternatives,omitempty"`
	ActiveAlternativeIndex *int             `json:"activeAlternativeIndex,omitempty"`
	Metadata               map[string]any   `json:"metadata,omitempty"`
}

type legacyToolCall struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
	Result     any             `json:"result,omitempty"`
	Success    *bool           `json:"success,omitempty"`
	Error      string          `json:"error,omitempty"`
	DurationMs int64           `json:"executionTime,omitempty"`
	ThoughtSig []byte          `json:"thoughtSignature,omitempty"`
}

// ImportLegacy reads a legacy JSON conversation and converts it to the
// branch-id representation. Each alternatives entry becomes an
// AlternativeBranch; the active index is translated to ActiveBranchID.
func ImportLegacy(r io.Reader) (*Conversation, error) {
	var legacy legacyConversation
	if err := json.NewDecoder(r).Decode(&legacy); err != nil {
		return nil, fmt.Errorf("decode legacy conversation: %w", err)
	}

	conv := &Conversation{
		ID:        legacy.ID,
		Title:     legacy.Title,
		CreatedAt: legacyTime(legacy.CreatedAt),
		UpdatedAt: legacyTime(legacy.UpdatedAt),
		Metadata:  legacy.Metadata,
	}
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}

	for i := range legacy.Messages {
		conv.Messages = append(conv.Messages, convertLegacyMessage(&legacy.Messages[i]))
	}
	return conv, nil
}

func convertLegacyMessage(lm *legacyMessage) Message {
	msg := Message{
		ID:        lm.ID,
		Role:      Role(lm.Role),
		Content:   lm.Content,
		CreatedAt: legacyTime(lm.Timestamp),
		State:     legacyState(lm.State),
		ToolCalls: convertLegacyToolCalls(lm.ToolCalls),
		Metadata:  lm.Metadata,
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}

	for i := range lm.Alternatives {
		alt := &lm.Alternatives[i]
		branch := AlternativeBranch{
			ID:        uuid.NewString(),
			ParentID:  msg.ID,
			Status:    legacyBranchStatus(alt.State),
			Content:   alt.Content,
			ToolCalls: convertLegacyToolCalls(alt.ToolCalls),
			CreatedAt: legacyTime(alt.Timestamp),
			UpdatedAt: legacyTime(alt.Timestamp),
			Metadata:  alt.Metadata,
		}
		msg.Branches = append(msg.Branches, branch)
		if lm.ActiveAlternativeIndex != nil && *lm.ActiveAlternativeIndex == i {
			msg.ActiveBranchID = branch.ID
		}
	}
	return msg
}

func convertLegacyToolCalls(calls []legacyToolCall) []ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]ToolCall, 0, len(calls))
	for _, lc := range calls {
		call := ToolCall{
			ID:         lc.ID,
			Name:       lc.Name,
			Parameters: lc.Parameters,
			Result:     lc.Result,
			Error:      lc.Error,
			DurationMs: lc.DurationMs,
			ThoughtSig: lc.ThoughtSig,
		}
		if lc.Success != nil {
			call.Success = *lc.Success
		} else {
			call.Success = lc.Error == "" && lc.Result != nil
		}
		out = append(out, call)
	}
	return out
}

func legacyState(s string) MessageState {
	switch MessageState(s) {
	case StateDraft, StateStreaming, StateComplete, StateAborted, StateInvalid:
		return MessageState(s)
	}
	// Older files never stored a state; everything persisted was complete.
	return StateComplete
}

func legacyBranchStatus(s string) BranchStatus {
	switch MessageState(s) {
	case StateDraft:
		return BranchDraft
	case StateStreaming:
		return BranchStreaming
	case StateAborted:
		return BranchAborted
	}
	return BranchComplete
}

func legacyTime(millis int64) time.Time {
	if millis == 0 {
		return time.Now()
	}
	return time.UnixMilli(millis)
}
