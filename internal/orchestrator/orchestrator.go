// Package orchestrator drives one model turn: it persists a placeholder
// reply, reconstructs provider context, streams model output, executes
// tool calls between rounds and folds results back into the conversation
// until the model answers in plain text.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/nexusnotes/chatcore/internal/conversation"
	"github.com/nexusnotes/chatcore/internal/memory"
	"github.com/nexusnotes/chatcore/internal/toolcall"
	"github.com/nexusnotes/chatcore/internal/tools"
	"github.com/nexusnotes/chatcore/internal/transport"
	"github.com/nexusnotes/chatcore/internal/usage"
	"github.com/nexusnotes/chatcore/internal/wire"
)

const (
	defaultMaxToolRounds = 10
	persistTimeout       = 5 * time.Second
)

// ErrAborted is returned when the caller cancels a turn mid-stream.
// Whatever content was accumulated before cancellation stays persisted.
var ErrAborted = errors.New("generation aborted")

// TransportFactory resolves the transport for a provider id.
type TransportFactory func(providerID string) (transport.Transport, error)

// Options configures one turn.
type Options struct {
	Provider     string
	Model        string
	SystemPrompt string

	// MessageID pre-assigns the assistant reply id. Generated when empty.
	MessageID string

	MaxToolRounds   int
	MaxOutputTokens int
	Temperature     float32

	// OnToolEvent receives tool lifecycle events
	// (detected, updated, started, completed) for UI and telemetry.
	OnToolEvent toolcall.Listener
}

// Chunk is one orchestrator output increment. Text chunks stream the
// reply as it arrives; a ToolCalls chunk reports one executed tool round;
// the final chunk has Complete set and is only emitted after the reply is
// fully persisted.
type Chunk struct {
	Text      string
	Complete  bool
	MessageID string
	ToolCalls []conversation.ToolCall
}

// Orchestrator wires the store, transports and tool registry together.
type Orchestrator struct {
	store      conversation.Store
	transports TransportFactory
	tools      *tools.Registry
	indexer    memory.Indexer

	defaultProvider string
	defaultModel    string
}

func New(store conversation.Store, transports TransportFactory, registry *tools.Registry, indexer memory.Indexer) *Orchestrator {
	if indexer == nil {
		indexer = memory.Noop{}
	}
	return &Orchestrator{
		store:      store,
		transports: transports,
		tools:      registry,
		indexer:    indexer,
	}
}

// SetDefaults sets the provider and model used when Options leave them empty.
func (o *Orchestrator) SetDefaults(provider, model string) {
	o.defaultProvider = provider
	o.defaultModel = model
}

// GenerateResponse runs one turn and returns a finite chunk stream. The
// stream is not restartable; issue a fresh call per turn. Cancelling ctx
// aborts the turn: the stream's final Recv returns ErrAborted and no
// Complete chunk is ever emitted.
func (o *Orchestrator) GenerateResponse(ctx context.Context, conversationID, userMessage string, opts Options) (*Stream, error) {
	provider := opts.Provider
	if provider == "" {
		provider = o.defaultProvider
	}
	if provider == "" {
		return nil, errors.New("no provider configured")
	}

	tp, err := o.transports(provider)
	if err != nil {
		return nil, err
	}

	return newChunkStream(ctx, func(ctx context.Context, chunks chan<- Chunk) error {
		return o.runTurn(ctx, tp, provider, conversationID, userMessage, opts, chunks)
	}), nil
}

// turnState tracks everything the turn accumulates across tool rounds.
type turnState struct {
	messageID string // placeholder reply id, doubles as the tool-call anchor
	text      strings.Builder
	calls     []conversation.ToolCall
	tokens    usage.Tokens
	sawUsage  bool
	anchored  bool
}

func (o *Orchestrator) runTurn(ctx context.Context, tp transport.Transport, provider, conversationID, userMessage string, opts Options, chunks chan<- Chunk) error {
	model := opts.Model
	if model == "" {
		model = o.defaultModel
	}
	maxRounds := opts.MaxToolRounds
	if maxRounds <= 0 {
		maxRounds = defaultMaxToolRounds
	}

	// Append the user message unless the caller already persisted it as
	// the trailing entry.
	conv, err := o.store.Get(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("load conversation: %w", err)
	}
	if userMessage != "" && !isTrailingUserMessage(conv, userMessage) {
		if _, err := o.store.AddMessage(ctx, conversationID, &conversation.Message{
			Role:    conversation.RoleUser,
			Content: userMessage,
			State:   conversation.StateComplete,
		}); err != nil {
			return fmt.Errorf("persist user message: %w", err)
		}
	}

	// Persist the empty placeholder reply up front so async usage updates
	// always have a record to land on.
	state := &turnState{messageID: opts.MessageID}
	if state.messageID == "" {
		state.messageID = uuid.NewString()
	}
	if _, err := o.store.AddMessage(ctx, conversationID, &conversation.Message{
		ID:    state.messageID,
		Role:  conversation.RoleAssistant,
		State: conversation.StateStreaming,
	}); err != nil {
		return fmt.Errorf("persist placeholder: %w", err)
	}

	// Re-read so the context reflects persisted state, never an in-memory
	// copy that may predate concurrent writers.
	conv, err = o.store.Get(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("reload conversation: %w", err)
	}

	strategy := wire.ForProvider(provider)
	history := strategy.BuildTurn(conversation.EffectiveMessages(conv), opts.SystemPrompt)

	specs := o.toolSpecs()
	choice := transport.ToolChoiceNone
	if len(specs) > 0 {
		choice = transport.ToolChoiceAuto
	}

	tracker := toolcall.NewTracker()
	if opts.OnToolEvent != nil {
		tracker.Subscribe(opts.OnToolEvent)
	}
	tracker.Reset()

	for round := 0; ; round++ {
		if round >= maxRounds {
			o.persistAborted(conversationID, state)
			return fmt.Errorf("tool loop exceeded %d rounds", maxRounds)
		}

		roundCalls, err := o.streamRound(ctx, tp, transport.Request{
			Model:           model,
			Messages:        history,
			Tools:           specs,
			ToolChoice:      choice,
			MaxOutputTokens: opts.MaxOutputTokens,
			Temperature:     opts.Temperature,
		}, tracker, state, chunks)
		if err != nil {
			o.persistAborted(conversationID, state)
			return err
		}

		if len(roundCalls) == 0 {
			break
		}

		resolved := o.executeRound(ctx, tracker, roundCalls)
		state.calls = append(state.calls, resolved...)

		// Anchor the calls on the placeholder exactly once per turn, then
		// keep its call list current so an interrupted turn still replays.
		upd := conversation.MessageUpdate{ID: state.messageID, ToolCalls: state.calls}
		if !state.anchored {
			state.anchored = true
			completeState := conversation.StateComplete
			upd.State = &completeState
		}
		if err := o.store.UpdateMessage(ctx, conversationID, upd); err != nil {
			return fmt.Errorf("anchor tool calls: %w", err)
		}

		if err := emit(ctx, chunks, Chunk{MessageID: state.messageID, ToolCalls: resolved}); err != nil {
			return err
		}

		if round == 0 {
			history = strategy.BuildContinuation(resolved, wire.ContinuationOptions{History: history})
		} else {
			history = strategy.AppendExecution(history, resolved)
		}
	}

	finalID, err := o.persistFinal(ctx, conversationID, provider, model, state)
	if err != nil {
		return err
	}

	if err := o.indexTurn(ctx, conversationID); err != nil {
		log.Warn().Str("conversation_id", conversationID).Err(err).Msg("memory indexing failed")
	}

	return emit(ctx, chunks, Chunk{Complete: true, MessageID: finalID})
}

// streamRound consumes one model stream, forwarding text chunks and
// collecting tool calls. Cancellation is checked before every emission.
func (o *Orchestrator) streamRound(ctx context.Context, tp transport.Transport, req transport.Request, tracker *toolcall.Tracker, state *turnState, chunks chan<- Chunk) ([]transport.ToolCall, error) {
	stream, err := tp.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	var roundCalls []transport.ToolCall
	for {
		if ctx.Err() != nil {
			return nil, ErrAborted
		}
		event, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil, ErrAborted
			}
			return nil, err
		}
		switch event.Type {
		case transport.EventTextDelta:
			if event.Text == "" {
				continue
			}
			state.text.WriteString(event.Text)
			if err := emit(ctx, chunks, Chunk{Text: event.Text, MessageID: state.messageID}); err != nil {
				return nil, err
			}
		case transport.EventToolCallDelta:
			// In-flight fragment: surfaces detected/updated events while
			// arguments are still streaming. Execution waits for the final
			// EventToolCall.
			if event.Tool == nil || event.Tool.ID == "" {
				continue
			}
			tracker.Observe(event.Tool.ID, event.Tool.Name, event.Tool.Arguments, false)
		case transport.EventToolCall:
			if event.Tool == nil {
				continue
			}
			tracker.Observe(event.Tool.ID, event.Tool.Name, event.Tool.Arguments, true)
			roundCalls = append(roundCalls, *event.Tool)
		case transport.EventUsage:
			if event.Use != nil {
				state.tokens.Add(*event.Use)
				state.sawUsage = true
			}
		case transport.EventDone:
		}
	}
	return roundCalls, nil
}

// executeRound runs a batch of detected calls through the registry,
// driving the tracker's state machine for each.
func (o *Orchestrator) executeRound(ctx context.Context, tracker *toolcall.Tracker, batch []transport.ToolCall) []conversation.ToolCall {
	resolved := make([]conversation.ToolCall, 0, len(batch))
	for _, call := range batch {
		if _, err := tracker.Start(call.ID); err != nil {
			log.Warn().Str("call_id", call.ID).Err(err).Msg("skipping duplicate tool call")
			continue
		}
		var result tools.Result
		if o.tools == nil {
			// A provider may emit a call even when no tools were offered;
			// fail it like an unknown tool instead of erroring the turn.
			result = tools.Result{Error: fmt.Sprintf("unknown tool: %s", call.Name)}
		} else {
			result = o.tools.Execute(ctx, call.Name, call.Arguments)
		}

		stored := conversation.ToolCall{
			ID:         call.ID,
			Name:       call.Name,
			Parameters: call.Arguments,
			Success:    result.Success,
			DurationMs: result.DurationMs,
			ThoughtSig: call.ThoughtSig,
		}
		if result.Success {
			stored.Result = result.Result
			tracker.Complete(call.ID, result.Result, result.DurationMs)
		} else {
			stored.Error = result.Error
			tracker.Fail(call.ID, result.Error, result.DurationMs)
		}
		resolved = append(resolved, stored)
	}
	return resolved
}

// persistFinal writes the turn's text and metadata. A turn without tool
// calls finishes the placeholder in place; a turn with tool calls leaves
// the placeholder as the call anchor and appends a separate trailing
// message holding the post-tool text. Returns the id of the message that
// holds the final text.
func (o *Orchestrator) persistFinal(ctx context.Context, conversationID, provider, model string, state *turnState) (string, error) {
	meta := map[string]any{
		"provider": provider,
		"model":    model,
	}
	if state.sawUsage {
		meta["usage"] = map[string]any{
			"input_tokens":        state.tokens.InputTokens,
			"output_tokens":       state.tokens.OutputTokens,
			"cached_input_tokens": state.tokens.CachedInputTokens,
		}
		meta["cost"] = usage.ComputeCost(model, state.tokens)
	}

	complete := conversation.StateComplete
	text := state.text.String()

	if !state.anchored {
		err := o.store.UpdateMessage(ctx, conversationID, conversation.MessageUpdate{
			ID:       state.messageID,
			Content:  &text,
			State:    &complete,
			Metadata: meta,
		})
		if err != nil {
			return "", fmt.Errorf("finalize reply: %w", err)
		}
		return state.messageID, nil
	}

	// Anchor keeps calls only; mark it with the provenance metadata too.
	if err := o.store.UpdateMessage(ctx, conversationID, conversation.MessageUpdate{
		ID:       state.messageID,
		State:    &complete,
		Metadata: map[string]any{"provider": provider, "model": model},
	}); err != nil {
		return "", fmt.Errorf("finalize anchor: %w", err)
	}

	finalID, err := o.store.AddMessage(ctx, conversationID, &conversation.Message{
		Role:     conversation.RoleAssistant,
		Content:  text,
		State:    conversation.StateComplete,
		Metadata: meta,
	})
	if err != nil {
		return "", fmt.Errorf("persist continuation text: %w", err)
	}
	return finalID, nil
}

// persistAborted keeps whatever accumulated before the failure. Best
// effort: the turn error is what the caller sees.
func (o *Orchestrator) persistAborted(conversationID string, state *turnState) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	aborted := conversation.StateAborted
	text := state.text.String()
	upd := conversation.MessageUpdate{ID: state.messageID, Content: &text, State: &aborted}
	if len(state.calls) > 0 {
		upd.ToolCalls = state.calls
	}
	if err := o.store.UpdateMessage(ctx, conversationID, upd); err != nil {
		log.Warn().Str("message_id", state.messageID).Err(err).Msg("could not persist aborted reply")
	}
}

// ApplyUsage lands an async usage callback on a persisted message. Some
// backends report final token counts after the stream closes. A message
// that already carries a cost is left alone so a duplicate callback can
// never double-count or regress it.
func (o *Orchestrator) ApplyUsage(ctx context.Context, conversationID, messageID, model string, tokens usage.Tokens) error {
	conv, err := o.store.Get(ctx, conversationID)
	if err != nil {
		return err
	}
	for i := range conv.Messages {
		if conv.Messages[i].ID != messageID {
			continue
		}
		if _, ok := conv.Messages[i].Metadata["cost"]; ok {
			return nil
		}
		return o.store.UpdateMessage(ctx, conversationID, conversation.MessageUpdate{
			ID: messageID,
			Metadata: map[string]any{
				"cost": usage.ComputeCost(model, tokens),
				"usage": map[string]any{
					"input_tokens":        tokens.InputTokens,
					"output_tokens":       tokens.OutputTokens,
					"cached_input_tokens": tokens.CachedInputTokens,
				},
			},
		})
	}
	return conversation.ErrNotFound
}

func (o *Orchestrator) indexTurn(ctx context.Context, conversationID string) error {
	conv, err := o.store.Get(ctx, conversationID)
	if err != nil {
		return err
	}
	return o.indexer.IndexTurn(ctx, conversationID, conv.Messages)
}

func (o *Orchestrator) toolSpecs() []transport.ToolSpec {
	if o.tools == nil {
		return nil
	}
	specs := o.tools.Specs()
	out := make([]transport.ToolSpec, 0, len(specs))
	for _, s := range specs {
		out = append(out, transport.ToolSpec{Name: s.Name, Description: s.Description, Schema: s.Schema})
	}
	return out
}

func isTrailingUserMessage(conv *conversation.Conversation, content string) bool {
	last := conv.LastMessage()
	return last != nil && last.Role == conversation.RoleUser && last.Content == content
}

// emit sends a chunk, honoring cancellation.
func emit(ctx context.Context, chunks chan<- Chunk, c Chunk) error {
	select {
	case chunks <- c:
		return nil
	case <-ctx.Done():
		return ErrAborted
	}
}
