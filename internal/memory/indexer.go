// Package memory indexes finished turns for later recall. Indexing is
// best-effort: failures are logged and never fail the turn that produced
// the content.
package memory

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nexusnotes/chatcore/internal/conversation"
)

// Indexer receives finished turns. Implementations must tolerate partial
// or repeated delivery; the orchestrator calls it once per completed turn.
type Indexer interface {
	IndexTurn(ctx context.Context, conversationID string, messages []conversation.Message) error
}

// Noop discards everything.
type Noop struct{}

func (Noop) IndexTurn(context.Context, string, []conversation.Message) error { return nil }

// Async runs a wrapped indexer off the turn's critical path. Errors are
// logged and dropped.
type Async struct {
	Inner   Indexer
	Timeout time.Duration
}

func NewAsync(inner Indexer) *Async {
	return &Async{Inner: inner, Timeout: 30 * time.Second}
}

func (a *Async) IndexTurn(_ context.Context, conversationID string, messages []conversation.Message) error {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), a.Timeout)
		defer cancel()
		if err := a.Inner.IndexTurn(ctx, conversationID, messages); err != nil {
			log.Warn().Str("conversation_id", conversationID).Err(err).Msg("memory indexing failed")
		}
	}()
	return nil
}
