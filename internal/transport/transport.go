// Package transport streams model output from the supported provider
// backends. Each backend consumes the wire messages the context builder
// produced for it and yields a uniform event sequence.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nexusnotes/chatcore/internal/usage"
	"github.com/nexusnotes/chatcore/internal/wire"
)

// Transport streams model output events for a request.
type Transport interface {
	Name() string
	Stream(ctx context.Context, req Request) (Stream, error)
}

// Stream yields events until io.EOF.
type Stream interface {
	Recv() (Event, error)
	Close() error
}

// Request represents a single model turn.
type Request struct {
	Model           string
	Messages        []wire.Message
	Tools           []ToolSpec
	ToolChoice      ToolChoice
	MaxOutputTokens int
	Temperature     float32
}

// ToolSpec describes a callable tool.
type ToolSpec struct {
	Name        string
	Description string
	Schema      map[string]any
}

// ToolChoice controls tool selection behavior.
type ToolChoice string

const (
	ToolChoiceAuto ToolChoice = "auto"
	ToolChoiceNone ToolChoice = "none"
)

// ToolCall is a model-requested tool invocation as the backend reported it.
// Arguments may be incomplete while the call is still streaming.
type ToolCall struct {
	ID         string
	Name       string
	Arguments  json.RawMessage
	ThoughtSig []byte // Gemini thought signature, echoed back on continuation
}

// EventType describes streaming events.
type EventType string

const (
	EventTextDelta EventType = "text_delta"
	// EventToolCallDelta carries an in-flight call: id and name once known,
	// arguments as accumulated so far. Backends that receive whole calls
	// atomically never emit it.
	EventToolCallDelta EventType = "tool_call_delta"
	EventToolCall      EventType = "tool_call" // complete call, arguments final
	EventUsage         EventType = "usage"
	EventDone          EventType = "done"
)

// Event represents a streamed output update.
type Event struct {
	Type EventType
	Text string
	Tool *ToolCall
	Use  *usage.Tokens
}

// RateLimitError reports a 429 with the provider's suggested wait.
type RateLimitError struct {
	Provider   string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s: rate limited, retry after %s", e.Provider, e.RetryAfter)
	}
	return fmt.Sprintf("%s: rate limited", e.Provider)
}

func chooseModel(requested, fallback string) string {
	if requested != "" {
		return requested
	}
	return fallback
}
