package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nexusnotes/chatcore/internal/conversation"
	"github.com/nexusnotes/chatcore/internal/toolcall"
	"github.com/nexusnotes/chatcore/internal/tools"
	"github.com/nexusnotes/chatcore/internal/transport"
	"github.com/nexusnotes/chatcore/internal/usage"
)

// scriptedTransport replays one pre-baked event list per Stream call and
// records every request it saw.
type scriptedTransport struct {
	mu       sync.Mutex
	rounds   [][]transport.Event
	requests []transport.Request
}

func (s *scriptedTransport) Name() string { return "scripted" }

func (s *scriptedTransport) Stream(ctx context.Context, req transport.Request) (transport.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if len(s.rounds) == 0 {
		return nil, errors.New("no scripted rounds left")
	}
	round := s.rounds[0]
	s.rounds = s.rounds[1:]
	return &scriptedStream{events: round}, nil
}

type scriptedStream struct {
	events []transport.Event
}

func (s *scriptedStream) Recv() (transport.Event, error) {
	if len(s.events) == 0 {
		return transport.Event{}, io.EOF
	}
	ev := s.events[0]
	s.events = s.events[1:]
	return ev, nil
}

func (s *scriptedStream) Close() error { return nil }

// gatedTransport hands out a stream fed by the test, so cancellation
// timing is deterministic.
type gatedTransport struct {
	feed chan transport.Event
}

func (g *gatedTransport) Name() string { return "gated" }

func (g *gatedTransport) Stream(ctx context.Context, req transport.Request) (transport.Stream, error) {
	return &gatedStream{ctx: ctx, feed: g.feed}, nil
}

type gatedStream struct {
	ctx  context.Context
	feed chan transport.Event
}

func (g *gatedStream) Recv() (transport.Event, error) {
	select {
	case ev, ok := <-g.feed:
		if !ok {
			return transport.Event{}, io.EOF
		}
		return ev, nil
	case <-g.ctx.Done():
		return transport.Event{}, g.ctx.Err()
	}
}

func (g *gatedStream) Close() error { return nil }

type addTool struct{}

func (addTool) Spec() tools.Spec {
	return tools.Spec{Name: "calc.add", Description: "Add two numbers.", Schema: map[string]any{"type": "object"}}
}

func (addTool) Execute(_ context.Context, args json.RawMessage) (string, error) {
	var p struct{ A, B float64 }
	if err := json.Unmarshal(args, &p); err != nil {
		return "", err
	}
	return "4", nil
}

func textDelta(s string) transport.Event {
	return transport.Event{Type: transport.EventTextDelta, Text: s}
}

func newTestOrchestrator(t *testing.T, tp transport.Transport, withTools bool) (*Orchestrator, *conversation.MemStore, string) {
	t.Helper()
	store := conversation.NewMemStore()
	conv := &conversation.Conversation{Title: "test"}
	require.NoError(t, store.Create(context.Background(), conv))

	var registry *tools.Registry
	if withTools {
		var err error
		registry, err = tools.NewRegistry([]string{"*"})
		require.NoError(t, err)
		registry.Register(addTool{})
	}

	o := New(store, func(string) (transport.Transport, error) { return tp, nil }, registry, nil)
	o.SetDefaults("openai", "gpt-4o")
	return o, store, conv.ID
}

func collect(t *testing.T, s *Stream) ([]Chunk, error) {
	t.Helper()
	var chunks []Chunk
	for {
		c, err := s.Recv()
		if err == io.EOF {
			return chunks, nil
		}
		if err != nil {
			return chunks, err
		}
		chunks = append(chunks, c)
	}
}

func TestPlainTextTurn(t *testing.T) {
	tp := &scriptedTransport{rounds: [][]transport.Event{{
		textDelta("Hello"),
		textDelta(", world"),
		{Type: transport.EventUsage, Use: &usage.Tokens{InputTokens: 10, OutputTokens: 5}},
		{Type: transport.EventDone},
	}}}
	o, store, convID := newTestOrchestrator(t, tp, false)

	stream, err := o.GenerateResponse(context.Background(), convID, "hi", Options{})
	require.NoError(t, err)
	chunks, err := collect(t, stream)
	require.NoError(t, err)

	require.GreaterOrEqual(t, len(chunks), 3)
	last := chunks[len(chunks)-1]
	require.True(t, last.Complete)

	conv, err := store.Get(context.Background(), convID)
	require.NoError(t, err)
	require.Len(t, conv.Messages, 2) // user + assistant
	require.Equal(t, conversation.RoleUser, conv.Messages[0].Role)

	reply := conv.Messages[1]
	require.Equal(t, "Hello, world", reply.Content)
	require.Equal(t, conversation.StateComplete, reply.State)
	require.Equal(t, "gpt-4o", reply.Metadata["model"])
	require.NotZero(t, reply.Metadata["cost"])
	require.Equal(t, last.MessageID, reply.ID)
}

func TestCompleteChunkComesAfterPersistence(t *testing.T) {
	tp := &scriptedTransport{rounds: [][]transport.Event{{textDelta("done")}}}
	o, store, convID := newTestOrchestrator(t, tp, false)

	stream, err := o.GenerateResponse(context.Background(), convID, "q", Options{})
	require.NoError(t, err)

	for {
		c, err := stream.Recv()
		require.NoError(t, err)
		if c.Complete {
			// At the moment Complete is observed the reply must be final.
			conv, err := store.Get(context.Background(), convID)
			require.NoError(t, err)
			require.Equal(t, conversation.StateComplete, conv.LastMessage().State)
			require.Equal(t, "done", conv.LastMessage().Content)
			break
		}
	}
}

func TestToolTurnPersistsAnchorAndContinuation(t *testing.T) {
	tp := &scriptedTransport{rounds: [][]transport.Event{
		{
			{Type: transport.EventToolCall, Tool: &transport.ToolCall{
				ID: "t1", Name: "calc.add", Arguments: json.RawMessage(`{"a":2,"b":2}`),
			}},
		},
		{textDelta("It's 4.")},
	}}
	o, store, convID := newTestOrchestrator(t, tp, true)

	stream, err := o.GenerateResponse(context.Background(), convID, "What's 2+2?", Options{})
	require.NoError(t, err)
	chunks, err := collect(t, stream)
	require.NoError(t, err)

	conv, err := store.Get(context.Background(), convID)
	require.NoError(t, err)
	require.Len(t, conv.Messages, 3) // user, anchor, continuation text

	anchor := conv.Messages[1]
	require.Equal(t, conversation.RoleAssistant, anchor.Role)
	require.Empty(t, anchor.Content)
	require.Len(t, anchor.ToolCalls, 1)
	require.Equal(t, "calc.add", anchor.ToolCalls[0].Name)
	require.Equal(t, "4", anchor.ToolCalls[0].Result)
	require.True(t, anchor.ToolCalls[0].Success)

	final := conv.Messages[2]
	require.Equal(t, "It's 4.", final.Content)
	require.Equal(t, conversation.StateComplete, final.State)

	var sawToolChunk bool
	for _, c := range chunks {
		if len(c.ToolCalls) > 0 {
			sawToolChunk = true
			require.Equal(t, "t1", c.ToolCalls[0].ID)
		}
	}
	require.True(t, sawToolChunk)
}

func TestContinuationRequestCarriesToolRound(t *testing.T) {
	tp := &scriptedTransport{rounds: [][]transport.Event{
		{
			{Type: transport.EventToolCall, Tool: &transport.ToolCall{
				ID: "t1", Name: "calc.add", Arguments: json.RawMessage(`{"a":2,"b":2}`),
			}},
		},
		{textDelta("It's 4.")},
	}}
	o, _, convID := newTestOrchestrator(t, tp, true)

	stream, err := o.GenerateResponse(context.Background(), convID, "What's 2+2?", Options{})
	require.NoError(t, err)
	_, err = collect(t, stream)
	require.NoError(t, err)

	require.Len(t, tp.requests, 2)
	second := tp.requests[1].Messages

	// The user message must appear exactly once across continuation rounds.
	users := 0
	toolMsgs := 0
	for _, m := range second {
		if m.Role == "user" && m.TextContent() == "What's 2+2?" {
			users++
		}
		if m.Role == "tool" {
			toolMsgs++
			require.Equal(t, "t1", m.ToolCallID)
		}
	}
	require.Equal(t, 1, users)
	require.Equal(t, 1, toolMsgs)
}

func TestToolEventsFireInOrder(t *testing.T) {
	tp := &scriptedTransport{rounds: [][]transport.Event{
		{
			{Type: transport.EventToolCall, Tool: &transport.ToolCall{
				ID: "t1", Name: "calc.add", Arguments: json.RawMessage(`{"a":2,"b":2}`),
			}},
		},
		{textDelta("It's 4.")},
	}}
	o, _, convID := newTestOrchestrator(t, tp, true)

	var mu sync.Mutex
	var kinds []toolcall.EventKind
	stream, err := o.GenerateResponse(context.Background(), convID, "q", Options{
		OnToolEvent: func(ev toolcall.Event) {
			mu.Lock()
			kinds = append(kinds, ev.Kind)
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	_, err = collect(t, stream)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []toolcall.EventKind{
		toolcall.EventDetected,
		toolcall.EventStarted,
		toolcall.EventCompleted,
	}, kinds)
}

func TestProgressiveToolCallArgumentsSurface(t *testing.T) {
	// Arguments stream in fragments; subscribers must see the call before
	// its parameters are complete, then the revisions.
	tp := &scriptedTransport{rounds: [][]transport.Event{
		{
			{Type: transport.EventToolCallDelta, Tool: &transport.ToolCall{
				ID: "t1", Name: "calc.add", Arguments: json.RawMessage(`{"a":2`),
			}},
			{Type: transport.EventToolCallDelta, Tool: &transport.ToolCall{
				ID: "t1", Name: "calc.add", Arguments: json.RawMessage(`{"a":2,"b":2}`),
			}},
			{Type: transport.EventToolCall, Tool: &transport.ToolCall{
				ID: "t1", Name: "calc.add", Arguments: json.RawMessage(`{"a":2,"b":2}`),
			}},
		},
		{textDelta("It's 4.")},
	}}
	o, _, convID := newTestOrchestrator(t, tp, true)

	var mu sync.Mutex
	var events []toolcall.Event
	stream, err := o.GenerateResponse(context.Background(), convID, "q", Options{
		OnToolEvent: func(ev toolcall.Event) {
			mu.Lock()
			events = append(events, ev)
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	_, err = collect(t, stream)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	kinds := make([]toolcall.EventKind, 0, len(events))
	for _, ev := range events {
		kinds = append(kinds, ev.Kind)
	}
	require.Equal(t, []toolcall.EventKind{
		toolcall.EventDetected,
		toolcall.EventUpdated,
		toolcall.EventUpdated,
		toolcall.EventStarted,
		toolcall.EventCompleted,
	}, kinds)

	// The first sighting carries the incomplete fragment, raw since it does
	// not parse yet.
	require.Equal(t, `{"a":2`, string(events[0].Call.Parameters))
	require.Equal(t, `{"a":2`, events[0].Call.Arguments)
	require.Equal(t, toolcall.StateStreamingParams, events[0].Call.State)

	// By start time the arguments are complete and parsed.
	started := events[3].Call
	require.Equal(t, toolcall.StateExecuting, started.State)
	parsed, ok := started.Arguments.(map[string]any)
	require.True(t, ok)
	require.Equal(t, float64(2), parsed["a"])
}

func TestUnsolicitedToolCallWithoutRegistry(t *testing.T) {
	// No registry is configured, but the provider emits a call anyway.
	tp := &scriptedTransport{rounds: [][]transport.Event{
		{
			{Type: transport.EventToolCall, Tool: &transport.ToolCall{
				ID: "t1", Name: "calc.add", Arguments: json.RawMessage(`{"a":2,"b":2}`),
			}},
		},
		{textDelta("Never mind.")},
	}}
	o, store, convID := newTestOrchestrator(t, tp, false)

	stream, err := o.GenerateResponse(context.Background(), convID, "q", Options{})
	require.NoError(t, err)
	_, err = collect(t, stream)
	require.NoError(t, err)

	conv, err := store.Get(context.Background(), convID)
	require.NoError(t, err)
	anchor := conv.Messages[1]
	require.Len(t, anchor.ToolCalls, 1)
	require.False(t, anchor.ToolCalls[0].Success)
	require.Contains(t, anchor.ToolCalls[0].Error, "unknown tool")
	require.Equal(t, "Never mind.", conv.Messages[2].Content)
}

func TestFailedToolFeedsErrorBack(t *testing.T) {
	tp := &scriptedTransport{rounds: [][]transport.Event{
		{
			{Type: transport.EventToolCall, Tool: &transport.ToolCall{
				ID: "t1", Name: "calc.missing", Arguments: json.RawMessage(`{}`),
			}},
		},
		{textDelta("I could not compute that.")},
	}}
	o, store, convID := newTestOrchestrator(t, tp, true)

	stream, err := o.GenerateResponse(context.Background(), convID, "q", Options{})
	require.NoError(t, err)
	_, err = collect(t, stream)
	require.NoError(t, err) // tool failure never fails the turn

	conv, err := store.Get(context.Background(), convID)
	require.NoError(t, err)
	anchor := conv.Messages[1]
	require.False(t, anchor.ToolCalls[0].Success)
	require.Contains(t, anchor.ToolCalls[0].Error, "unknown tool")
}

func TestCancellationMidStream(t *testing.T) {
	feed := make(chan transport.Event)
	tp := &gatedTransport{feed: feed}
	o, store, convID := newTestOrchestrator(t, tp, false)

	ctx, cancel := context.WithCancel(context.Background())
	stream, err := o.GenerateResponse(ctx, convID, "q", Options{})
	require.NoError(t, err)

	feed <- textDelta("partial ")
	feed <- textDelta("answer")

	var got []Chunk
	for len(got) < 2 {
		c, err := stream.Recv()
		require.NoError(t, err)
		got = append(got, c)
	}
	cancel()

	var sawComplete bool
	var finalErr error
	for {
		c, err := stream.Recv()
		if err != nil {
			finalErr = err
			break
		}
		if c.Complete {
			sawComplete = true
		}
	}
	require.ErrorIs(t, finalErr, ErrAborted)
	require.False(t, sawComplete)

	// Accumulated text survives the abort.
	require.Eventually(t, func() bool {
		conv, err := store.Get(context.Background(), convID)
		if err != nil {
			return false
		}
		last := conv.LastMessage()
		return last.State == conversation.StateAborted && last.Content == "partial answer"
	}, time.Second, 10*time.Millisecond)
}

func TestUserMessageNotDuplicatedWhenTrailing(t *testing.T) {
	tp := &scriptedTransport{rounds: [][]transport.Event{{textDelta("ok")}}}
	o, store, convID := newTestOrchestrator(t, tp, false)

	// Caller pre-persisted the user message.
	_, err := store.AddMessage(context.Background(), convID, &conversation.Message{
		Role: conversation.RoleUser, Content: "already here",
	})
	require.NoError(t, err)

	stream, err := o.GenerateResponse(context.Background(), convID, "already here", Options{})
	require.NoError(t, err)
	_, err = collect(t, stream)
	require.NoError(t, err)

	conv, err := store.Get(context.Background(), convID)
	require.NoError(t, err)
	users := 0
	for _, m := range conv.Messages {
		if m.Role == conversation.RoleUser {
			users++
		}
	}
	require.Equal(t, 1, users)
}

func TestApplyUsageDoesNotRegressCost(t *testing.T) {
	tp := &scriptedTransport{rounds: [][]transport.Event{{
		textDelta("x"),
		{Type: transport.EventUsage, Use: &usage.Tokens{InputTokens: 100, OutputTokens: 10}},
	}}}
	o, store, convID := newTestOrchestrator(t, tp, false)

	stream, err := o.GenerateResponse(context.Background(), convID, "q", Options{})
	require.NoError(t, err)
	chunks, err := collect(t, stream)
	require.NoError(t, err)
	msgID := chunks[len(chunks)-1].MessageID

	conv, err := store.Get(context.Background(), convID)
	require.NoError(t, err)
	before := conv.LastMessage().Metadata["cost"]
	require.NotNil(t, before)

	// A late duplicate usage callback must leave the stored cost alone.
	require.NoError(t, o.ApplyUsage(context.Background(), convID, msgID, "gpt-4o", usage.Tokens{
		InputTokens: 999999, OutputTokens: 999999,
	}))

	conv, err = store.Get(context.Background(), convID)
	require.NoError(t, err)
	require.Equal(t, before, conv.LastMessage().Metadata["cost"])
}

func TestApplyUsageLandsOnPlaceholderWithoutCost(t *testing.T) {
	// No usage event in the stream, so the reply has no cost yet.
	tp := &scriptedTransport{rounds: [][]transport.Event{{textDelta("x")}}}
	o, store, convID := newTestOrchestrator(t, tp, false)

	stream, err := o.GenerateResponse(context.Background(), convID, "q", Options{})
	require.NoError(t, err)
	chunks, err := collect(t, stream)
	require.NoError(t, err)
	msgID := chunks[len(chunks)-1].MessageID

	require.NoError(t, o.ApplyUsage(context.Background(), convID, msgID, "gpt-4o", usage.Tokens{
		InputTokens: 100, OutputTokens: 10,
	}))

	conv, err := store.Get(context.Background(), convID)
	require.NoError(t, err)
	require.NotNil(t, conv.LastMessage().Metadata["cost"])
}

func TestMultipleToolRoundsAnchorOnce(t *testing.T) {
	tp := &scriptedTransport{rounds: [][]transport.Event{
		{{Type: transport.EventToolCall, Tool: &transport.ToolCall{
			ID: "t1", Name: "calc.add", Arguments: json.RawMessage(`{"a":1,"b":1}`),
		}}},
		{{Type: transport.EventToolCall, Tool: &transport.ToolCall{
			ID: "t2", Name: "calc.add", Arguments: json.RawMessage(`{"a":2,"b":2}`),
		}}},
		{textDelta("done")},
	}}
	o, store, convID := newTestOrchestrator(t, tp, true)

	stream, err := o.GenerateResponse(context.Background(), convID, "q", Options{})
	require.NoError(t, err)
	_, err = collect(t, stream)
	require.NoError(t, err)

	conv, err := store.Get(context.Background(), convID)
	require.NoError(t, err)
	// user + single anchor + continuation text, regardless of round count
	require.Len(t, conv.Messages, 3)
	require.Len(t, conv.Messages[1].ToolCalls, 2)
}

func TestMaxToolRoundsGuard(t *testing.T) {
	call := transport.Event{Type: transport.EventToolCall, Tool: &transport.ToolCall{
		ID: "loop", Name: "calc.add", Arguments: json.RawMessage(`{}`),
	}}
	tp := &scriptedTransport{rounds: [][]transport.Event{
		{call},
		{{Type: transport.EventToolCall, Tool: &transport.ToolCall{
			ID: "loop2", Name: "calc.add", Arguments: json.RawMessage(`{}`),
		}}},
	}}
	o, _, convID := newTestOrchestrator(t, tp, true)

	stream, err := o.GenerateResponse(context.Background(), convID, "q", Options{MaxToolRounds: 2})
	require.NoError(t, err)
	_, err = collect(t, stream)
	require.Error(t, err)
	require.Contains(t, err.Error(), "rounds")
}
