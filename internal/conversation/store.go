package conversation

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a conversation, message or branch does not exist.
var ErrNotFound = errors.New("conversation: not found")

// Summary is a lightweight view of a conversation for listing.
type Summary struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	MessageCount int       `json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ListOptions configures conversation listing.
type ListOptions struct {
	Limit  int // 0 = store default
	Offset int
}

// MessageUpdate describes a partial in-place update of a stored message.
// Nil pointer fields are left unchanged. Metadata entries are merged into
// the existing metadata map; entries with a nil value are skipped so a late
// async update can never null out a populated field.
type MessageUpdate struct {
	ID        string
	Content   *string
	State     *MessageState
	ToolCalls []ToolCall // nil = unchanged
	Metadata  map[string]any
}

// BranchUpdate describes a partial in-place update of a stored branch.
type BranchUpdate struct {
	ID        string
	Content   *string
	Status    *BranchStatus
	ToolCalls []ToolCall
	Metadata  map[string]any
}

// Store persists conversations. Each operation is atomic at message
// granularity. The store exclusively owns persisted records; callers get
// value snapshots and write back through partial updates.
type Store interface {
	Create(ctx context.Context, c *Conversation) error
	Get(ctx context.Context, id string) (*Conversation, error)
	List(ctx context.Context, opts ListOptions) ([]Summary, error)
	Delete(ctx context.Context, id string) error

	// AddMessage appends a message and returns its id (generated when empty).
	AddMessage(ctx context.Context, conversationID string, msg *Message) (string, error)
	UpdateMessage(ctx context.Context, conversationID string, upd MessageUpdate) error

	AddBranch(ctx context.Context, conversationID, parentMessageID string, b *AlternativeBranch) (string, error)
	UpdateBranch(ctx context.Context, conversationID string, upd BranchUpdate) error
	SetActiveBranch(ctx context.Context, conversationID, messageID, branchID string) error

	// UpdateMetadata merges fields into the conversation metadata map.
	UpdateMetadata(ctx context.Context, conversationID string, fields map[string]any) error

	Close() error
}

// mergeMetadata merges src into dst, skipping nil values so populated fields
// (cost, usage) are never regressed by a late empty update.
func mergeMetadata(dst, src map[string]any) map[string]any {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	for k, v := range src {
		if v == nil {
			continue
		}
		dst[k] = v
	}
	return dst
}
