// Package toolcall tracks model-requested tool invocations through their
// lifecycle during a streaming turn. Providers differ in how calls arrive:
// some deliver whole calls atomically, others stream argument text in
// fragments. The tracker normalizes both into one event surface.
package toolcall

import (
	"encoding/json"
	"fmt"
	"sync"
)

// State is the lifecycle state of one tracked call.
type State string

const (
	StateStreamingParams State = "streaming-params"
	StatePending         State = "pending"
	StateExecuting       State = "executing"
	StateCompleted       State = "completed"
	StateFailed          State = "failed"
)

// EventKind identifies a lifecycle notification.
type EventKind string

const (
	// EventDetected fires when a new call id is first seen; parameters may
	// still be incomplete.
	EventDetected EventKind = "detected"
	// EventUpdated fires when a known call's parameters are revised or
	// become complete.
	EventUpdated EventKind = "updated"
	// EventStarted fires when execution is about to begin; parameters are
	// complete and parsed by then.
	EventStarted EventKind = "started"
	// EventCompleted fires when a result or error is available.
	EventCompleted EventKind = "completed"
)

// Call is a snapshot of one tracked tool call.
type Call struct {
	ID         string
	Name       string
	State      State
	Parameters json.RawMessage // raw argument text as accumulated so far
	Arguments  any             // parsed value; raw string until a parse succeeds
	Result     any
	Error      string
	DurationMs int64
}

// Event is one lifecycle notification delivered to subscribers.
type Event struct {
	Kind EventKind
	Call Call
}

// Listener receives lifecycle events. Listeners run synchronously on the
// goroutine driving the tracker; keep them fast.
type Listener func(Event)

// Tracker is the per-turn tool call state machine. Each call id moves
// through streaming-params → pending → executing → completed/failed exactly
// once per turn; Reset clears all state so stale ids from a prior turn
// cannot leak into the next one.
type Tracker struct {
	mu        sync.Mutex
	calls     map[string]*Call
	order     []string
	listeners []Listener
}

func NewTracker() *Tracker {
	return &Tracker{calls: make(map[string]*Call)}
}

// Subscribe registers a lifecycle listener.
func (t *Tracker) Subscribe(fn Listener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, fn)
}

// Reset drops all per-call state at the start of a new user turn.
// Listeners stay registered.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = make(map[string]*Call)
	t.order = nil
}

// Observe records a raw tool-call fragment from the transport. A new id
// emits detected; a known id emits updated. complete marks the arguments as
// final and moves the call to pending (a call whose provider delivers
// arguments atomically enters pending directly).
func (t *Tracker) Observe(id, name string, rawArgs []byte, complete bool) {
	t.mu.Lock()
	call, known := t.calls[id]
	if !known {
		call = &Call{ID: id, State: StateStreamingParams}
		t.calls[id] = call
		t.order = append(t.order, id)
	}
	if call.State == StateExecuting || call.State == StateCompleted || call.State == StateFailed {
		// Late fragments for a call already handed off are ignored.
		t.mu.Unlock()
		return
	}
	if name != "" {
		call.Name = name
	}
	if len(rawArgs) > 0 {
		call.Parameters = append(json.RawMessage(nil), rawArgs...)
	}
	call.Arguments = parseArguments(call.Parameters)
	if complete {
		call.State = StatePending
	}
	snapshot := *call
	t.mu.Unlock()

	if known {
		t.emit(Event{Kind: EventUpdated, Call: snapshot})
	} else {
		t.emit(Event{Kind: EventDetected, Call: snapshot})
	}
}

// Start marks a pending call as executing and returns its snapshot with
// parsed arguments. It errors when the call is unknown or has already been
// started, which enforces the once-per-turn transition guarantee.
func (t *Tracker) Start(id string) (Call, error) {
	t.mu.Lock()
	call, ok := t.calls[id]
	if !ok {
		t.mu.Unlock()
		return Call{}, fmt.Errorf("tool call %s: not detected", id)
	}
	if call.State != StatePending {
		state := call.State
		t.mu.Unlock()
		return Call{}, fmt.Errorf("tool call %s: cannot start from state %s", id, state)
	}
	call.State = StateExecuting
	call.Arguments = parseArguments(call.Parameters)
	snapshot := *call
	t.mu.Unlock()

	t.emit(Event{Kind: EventStarted, Call: snapshot})
	return snapshot, nil
}

// Complete records a successful result for an executing call.
func (t *Tracker) Complete(id string, result any, durationMs int64) error {
	return t.finish(id, StateCompleted, result, "", durationMs)
}

// Fail records an execution failure for an executing call.
func (t *Tracker) Fail(id, errMsg string, durationMs int64) error {
	return t.finish(id, StateFailed, nil, errMsg, durationMs)
}

func (t *Tracker) finish(id string, state State, result any, errMsg string, durationMs int64) error {
	t.mu.Lock()
	call, ok := t.calls[id]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("tool call %s: not detected", id)
	}
	if call.State != StateExecuting {
		current := call.State
		t.mu.Unlock()
		return fmt.Errorf("tool call %s: cannot finish from state %s", id, current)
	}
	call.State = state
	call.Result = result
	call.Error = errMsg
	call.DurationMs = durationMs
	snapshot := *call
	t.mu.Unlock()

	t.emit(Event{Kind: EventCompleted, Call: snapshot})
	return nil
}

// Pending returns calls ready to execute, in detection order.
func (t *Tracker) Pending() []Call {
	return t.snapshot(func(c *Call) bool { return c.State == StatePending })
}

// Calls returns all tracked calls in detection order.
func (t *Tracker) Calls() []Call {
	return t.snapshot(func(*Call) bool { return true })
}

func (t *Tracker) snapshot(keep func(*Call) bool) []Call {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Call, 0, len(t.order))
	for _, id := range t.order {
		if c := t.calls[id]; keep(c) {
			out = append(out, *c)
		}
	}
	return out
}

func (t *Tracker) emit(ev Event) {
	t.mu.Lock()
	listeners := append([]Listener(nil), t.listeners...)
	t.mu.Unlock()
	for _, fn := range listeners {
		fn(ev)
	}
}

// parseArguments attempts a JSON parse on every update; unparsable text is
// passed through as the raw string until a parse succeeds.
func parseArguments(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err == nil {
		return v
	}
	return string(raw)
}
