package conversation

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemStore is an in-memory Store. It backs tests and acts as a fallback when
// persistence is disabled.
type MemStore struct {
	mu    sync.RWMutex
	convs map[string]*Conversation
	order []string
}

var _ Store = (*MemStore)(nil)

func NewMemStore() *MemStore {
	return &MemStore{convs: make(map[string]*Conversation)}
}

func (s *MemStore) Create(ctx context.Context, c *Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	now := time.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	clone := cloneConversation(c)
	s.convs[c.ID] = clone
	s.order = append(s.order, c.ID)
	return nil
}

func (s *MemStore) Get(ctx context.Context, id string) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.convs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneConversation(c), nil
}

func (s *MemStore) List(ctx context.Context, opts ListOptions) ([]Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Summary, 0, len(s.order))
	for _, id := range s.order {
		c := s.convs[id]
		out = append(out, Summary{
			ID:           c.ID,
			Title:        c.Title,
			MessageCount: len(c.Messages),
			CreatedAt:    c.CreatedAt,
			UpdatedAt:    c.UpdatedAt,
		})
	}
	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return nil, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (s *MemStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.convs[id]; !ok {
		return ErrNotFound
	}
	delete(s.convs, id)
	for i, o := range s.order {
		if o == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

func (s *MemStore) AddMessage(ctx context.Context, conversationID string, msg *Message) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[conversationID]
	if !ok {
		return "", ErrNotFound
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	if msg.State == "" {
		msg.State = StateComplete
	}
	c.Messages = append(c.Messages, *cloneMessage(msg))
	c.UpdatedAt = time.Now()
	return msg.ID, nil
}

func (s *MemStore) UpdateMessage(ctx context.Context, conversationID string, upd MessageUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[conversationID]
	if !ok {
		return ErrNotFound
	}
	for i := range c.Messages {
		if c.Messages[i].ID != upd.ID {
			continue
		}
		m := &c.Messages[i]
		if upd.Content != nil {
			m.Content = *upd.Content
		}
		if upd.State != nil {
			m.State = *upd.State
		}
		if upd.ToolCalls != nil {
			m.ToolCalls = cloneToolCalls(upd.ToolCalls)
		}
		m.Metadata = mergeMetadata(m.Metadata, upd.Metadata)
		c.UpdatedAt = time.Now()
		return nil
	}
	return ErrNotFound
}

func (s *MemStore) AddBranch(ctx context.Context, conversationID, parentMessageID string, b *AlternativeBranch) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[conversationID]
	if !ok {
		return "", ErrNotFound
	}
	for i := range c.Messages {
		if c.Messages[i].ID != parentMessageID {
			continue
		}
		if b.ID == "" {
			b.ID = uuid.NewString()
		}
		b.ParentID = parentMessageID
		now := time.Now()
		if b.CreatedAt.IsZero() {
			b.CreatedAt = now
		}
		b.UpdatedAt = now
		c.Messages[i].Branches = append(c.Messages[i].Branches, *b)
		c.UpdatedAt = now
		return b.ID, nil
	}
	return "", ErrNotFound
}

func (s *MemStore) UpdateBranch(ctx context.Context, conversationID string, upd BranchUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[conversationID]
	if !ok {
		return ErrNotFound
	}
	for i := range c.Messages {
		for j := range c.Messages[i].Branches {
			b := &c.Messages[i].Branches[j]
			if b.ID != upd.ID {
				continue
			}
			if upd.Content != nil {
				b.Content = *upd.Content
			}
			if upd.Status != nil {
				b.Status = *upd.Status
			}
			if upd.ToolCalls != nil {
				b.ToolCalls = cloneToolCalls(upd.ToolCalls)
			}
			b.Metadata = mergeMetadata(b.Metadata, upd.Metadata)
			b.UpdatedAt = time.Now()
			c.UpdatedAt = b.UpdatedAt
			return nil
		}
	}
	return ErrNotFound
}

func (s *MemStore) SetActiveBranch(ctx context.Context, conversationID, messageID, branchID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[conversationID]
	if !ok {
		return ErrNotFound
	}
	for i := range c.Messages {
		if c.Messages[i].ID != messageID {
			continue
		}
		for j := range c.Messages[i].Branches {
			if c.Messages[i].Branches[j].ID == branchID {
				c.Messages[i].ActiveBranchID = branchID
				c.UpdatedAt = time.Now()
				return nil
			}
		}
		return ErrNotFound
	}
	return ErrNotFound
}

func (s *MemStore) UpdateMetadata(ctx context.Context, conversationID string, fields map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[conversationID]
	if !ok {
		return ErrNotFound
	}
	c.Metadata = mergeMetadata(c.Metadata, fields)
	c.UpdatedAt = time.Now()
	return nil
}

func (s *MemStore) Close() error { return nil }

func cloneConversation(c *Conversation) *Conversation {
	clone := *c
	clone.Messages = make([]Message, len(c.Messages))
	for i := range c.Messages {
		clone.Messages[i] = *cloneMessage(&c.Messages[i])
	}
	clone.Metadata = mergeMetadata(nil, c.Metadata)
	return &clone
}

func cloneMessage(m *Message) *Message {
	clone := *m
	clone.ToolCalls = cloneToolCalls(m.ToolCalls)
	if m.Branches != nil {
		clone.Branches = make([]AlternativeBranch, len(m.Branches))
		for i := range m.Branches {
			b := m.Branches[i]
			b.ToolCalls = cloneToolCalls(b.ToolCalls)
			b.Metadata = mergeMetadata(nil, b.Metadata)
			clone.Branches[i] = b
		}
	}
	clone.Metadata = mergeMetadata(nil, m.Metadata)
	return &clone
}

func cloneToolCalls(calls []ToolCall) []ToolCall {
	if calls == nil {
		return nil
	}
	out := make([]ToolCall, len(calls))
	for i, call := range calls {
		if len(call.Parameters) > 0 {
			call.Parameters = append([]byte(nil), call.Parameters...)
		}
		if len(call.ThoughtSig) > 0 {
			call.ThoughtSig = append([]byte(nil), call.ThoughtSig...)
		}
		out[i] = call
	}
	return out
}
