package conversation

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// storeTests runs the Store contract against every implementation.
func storeTests(t *testing.T, open func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("create and get", func(t *testing.T) {
		s := open(t)
		conv := &Conversation{Title: "notes chat"}
		require.NoError(t, s.Create(ctx, conv))
		require.NotEmpty(t, conv.ID)

		got, err := s.Get(ctx, conv.ID)
		require.NoError(t, err)
		require.Equal(t, "notes chat", got.Title)
	})

	t.Run("get missing returns ErrNotFound", func(t *testing.T) {
		s := open(t)
		_, err := s.Get(ctx, "nope")
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("messages round trip in order", func(t *testing.T) {
		s := open(t)
		conv := &Conversation{Title: "t"}
		require.NoError(t, s.Create(ctx, conv))

		id1, err := s.AddMessage(ctx, conv.ID, &Message{Role: RoleUser, Content: "hello"})
		require.NoError(t, err)
		id2, err := s.AddMessage(ctx, conv.ID, &Message{Role: RoleAssistant, Content: "hi", State: StateComplete})
		require.NoError(t, err)

		got, err := s.Get(ctx, conv.ID)
		require.NoError(t, err)
		require.Len(t, got.Messages, 2)
		require.Equal(t, id1, got.Messages[0].ID)
		require.Equal(t, id2, got.Messages[1].ID)
	})

	t.Run("tool calls survive persistence", func(t *testing.T) {
		s := open(t)
		conv := &Conversation{}
		require.NoError(t, s.Create(ctx, conv))

		_, err := s.AddMessage(ctx, conv.ID, &Message{
			Role: RoleAssistant, State: StateComplete,
			ToolCalls: []ToolCall{{
				ID: "call_1", Name: "vault.read_note",
				Parameters: []byte(`{"path":"a.md"}`),
				Result:     "# A", Success: true, DurationMs: 12,
				ThoughtSig: []byte{0x01, 0x02},
			}},
		})
		require.NoError(t, err)

		got, err := s.Get(ctx, conv.ID)
		require.NoError(t, err)
		require.Len(t, got.Messages[0].ToolCalls, 1)
		call := got.Messages[0].ToolCalls[0]
		require.Equal(t, "vault.read_note", call.Name)
		require.Equal(t, "# A", call.Result)
		require.True(t, call.Success)
		require.Equal(t, []byte{0x01, 0x02}, call.ThoughtSig)
	})

	t.Run("partial update leaves other fields alone", func(t *testing.T) {
		s := open(t)
		conv := &Conversation{}
		require.NoError(t, s.Create(ctx, conv))

		id, err := s.AddMessage(ctx, conv.ID, &Message{
			Role: RoleAssistant, Content: "partial", State: StateStreaming,
		})
		require.NoError(t, err)

		state := StateComplete
		require.NoError(t, s.UpdateMessage(ctx, conv.ID, MessageUpdate{ID: id, State: &state}))

		got, err := s.Get(ctx, conv.ID)
		require.NoError(t, err)
		require.Equal(t, "partial", got.Messages[0].Content)
		require.Equal(t, StateComplete, got.Messages[0].State)
	})

	t.Run("metadata merge skips nil values", func(t *testing.T) {
		s := open(t)
		conv := &Conversation{}
		require.NoError(t, s.Create(ctx, conv))

		id, err := s.AddMessage(ctx, conv.ID, &Message{Role: RoleAssistant, State: StateComplete})
		require.NoError(t, err)

		require.NoError(t, s.UpdateMessage(ctx, conv.ID, MessageUpdate{
			ID: id, Metadata: map[string]any{"cost": 0.002, "model": "gpt-4o"},
		}))
		// A late update with a nil cost must not wipe the stored one.
		require.NoError(t, s.UpdateMessage(ctx, conv.ID, MessageUpdate{
			ID: id, Metadata: map[string]any{"cost": nil, "provider": "openai"},
		}))

		got, err := s.Get(ctx, conv.ID)
		require.NoError(t, err)
		md := got.Messages[0].Metadata
		require.Equal(t, 0.002, md["cost"])
		require.Equal(t, "openai", md["provider"])
	})

	t.Run("branches attach and activate", func(t *testing.T) {
		s := open(t)
		conv := &Conversation{}
		require.NoError(t, s.Create(ctx, conv))

		msgID, err := s.AddMessage(ctx, conv.ID, &Message{Role: RoleAssistant, Content: "v0", State: StateComplete})
		require.NoError(t, err)

		b1, err := s.AddBranch(ctx, conv.ID, msgID, &AlternativeBranch{Status: BranchComplete, Content: "v1"})
		require.NoError(t, err)
		b2, err := s.AddBranch(ctx, conv.ID, msgID, &AlternativeBranch{Status: BranchComplete, Content: "v2"})
		require.NoError(t, err)

		require.NoError(t, s.SetActiveBranch(ctx, conv.ID, msgID, b2))

		got, err := s.Get(ctx, conv.ID)
		require.NoError(t, err)
		msg := got.Messages[0]
		require.Len(t, msg.Branches, 2)
		require.Equal(t, b2, msg.ActiveBranchID)
		require.Equal(t, "v2", msg.Effective().Content)

		// Switching back keeps both siblings intact.
		require.NoError(t, s.SetActiveBranch(ctx, conv.ID, msgID, b1))
		got, err = s.Get(ctx, conv.ID)
		require.NoError(t, err)
		require.Equal(t, "v1", got.Messages[0].Effective().Content)
		require.Len(t, got.Messages[0].Branches, 2)
	})

	t.Run("set active branch rejects unknown id", func(t *testing.T) {
		s := open(t)
		conv := &Conversation{}
		require.NoError(t, s.Create(ctx, conv))
		msgID, err := s.AddMessage(ctx, conv.ID, &Message{Role: RoleAssistant, State: StateComplete})
		require.NoError(t, err)

		require.ErrorIs(t, s.SetActiveBranch(ctx, conv.ID, msgID, "missing"), ErrNotFound)
	})

	t.Run("update branch content and status", func(t *testing.T) {
		s := open(t)
		conv := &Conversation{}
		require.NoError(t, s.Create(ctx, conv))
		msgID, err := s.AddMessage(ctx, conv.ID, &Message{Role: RoleAssistant, State: StateComplete})
		require.NoError(t, err)
		bID, err := s.AddBranch(ctx, conv.ID, msgID, &AlternativeBranch{Status: BranchStreaming})
		require.NoError(t, err)

		content := "streamed text"
		status := BranchComplete
		require.NoError(t, s.UpdateBranch(ctx, conv.ID, BranchUpdate{
			ID: bID, Content: &content, Status: &status,
		}))

		got, err := s.Get(ctx, conv.ID)
		require.NoError(t, err)
		branch := got.Messages[0].Branches[0]
		require.Equal(t, "streamed text", branch.Content)
		require.Equal(t, BranchComplete, branch.Status)
	})

	t.Run("list and delete", func(t *testing.T) {
		s := open(t)
		a := &Conversation{Title: "a"}
		b := &Conversation{Title: "b"}
		require.NoError(t, s.Create(ctx, a))
		require.NoError(t, s.Create(ctx, b))

		summaries, err := s.List(ctx, ListOptions{})
		require.NoError(t, err)
		require.Len(t, summaries, 2)

		require.NoError(t, s.Delete(ctx, a.ID))
		summaries, err = s.List(ctx, ListOptions{})
		require.NoError(t, err)
		require.Len(t, summaries, 1)
		require.Equal(t, b.ID, summaries[0].ID)
	})

	t.Run("conversation metadata merges", func(t *testing.T) {
		s := open(t)
		conv := &Conversation{}
		require.NoError(t, s.Create(ctx, conv))

		require.NoError(t, s.UpdateMetadata(ctx, conv.ID, map[string]any{"total_cost": 0.01}))
		require.NoError(t, s.UpdateMetadata(ctx, conv.ID, map[string]any{"provider": "anthropic"}))

		got, err := s.Get(ctx, conv.ID)
		require.NoError(t, err)
		require.Equal(t, 0.01, got.Metadata["total_cost"])
		require.Equal(t, "anthropic", got.Metadata["provider"])
	})
}

func TestMemStore(t *testing.T) {
	storeTests(t, func(t *testing.T) Store { return NewMemStore() })
}

func TestSQLiteStore(t *testing.T) {
	storeTests(t, func(t *testing.T) Store {
		s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "conversations.db"))
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestMemStoreSnapshotIsolation(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	conv := &Conversation{}
	require.NoError(t, s.Create(ctx, conv))
	_, err := s.AddMessage(ctx, conv.ID, &Message{Role: RoleUser, Content: "hi"})
	require.NoError(t, err)

	snap, err := s.Get(ctx, conv.ID)
	require.NoError(t, err)
	snap.Messages[0].Content = "mutated"

	fresh, err := s.Get(ctx, conv.ID)
	require.NoError(t, err)
	require.Equal(t, "hi", fresh.Messages[0].Content)
}
