package transport

import (
	"testing"
)

func deltaFragment(index int, id, name, args string) oaiDeltaToolCall {
	call := oaiDeltaToolCall{Index: index, ID: id}
	call.Function.Name = name
	call.Function.Arguments = args
	return call
}

func TestCompatToolStateSnapshotsFragments(t *testing.T) {
	state := newCompatToolState()

	touched := state.Add([]oaiDeltaToolCall{deltaFragment(0, "call_1", "calc.add", "")})
	if len(touched) != 1 || touched[0] != 0 {
		t.Fatalf("touched = %v", touched)
	}
	call, ok := state.Snapshot(0)
	if !ok || call.ID != "call_1" || call.Name != "calc.add" {
		t.Fatalf("Snapshot after first fragment = %+v, %v", call, ok)
	}

	state.Add([]oaiDeltaToolCall{deltaFragment(0, "", "", `{"a":2`)})
	state.Add([]oaiDeltaToolCall{deltaFragment(0, "", "", `,"b":2}`)})
	call, _ = state.Snapshot(0)
	if string(call.Arguments) != `{"a":2,"b":2}` {
		t.Errorf("fragments must concatenate, got %s", call.Arguments)
	}

	calls := state.Calls()
	if len(calls) != 1 || calls[0].ID != "call_1" || string(calls[0].Arguments) != `{"a":2,"b":2}` {
		t.Errorf("Calls = %+v", calls)
	}
}

func TestCompatToolStateInterleavedCalls(t *testing.T) {
	state := newCompatToolState()
	state.Add([]oaiDeltaToolCall{
		deltaFragment(0, "call_a", "calc.add", `{"a":1`),
		deltaFragment(1, "call_b", "calc.mul", `{"a":3`),
	})
	state.Add([]oaiDeltaToolCall{
		deltaFragment(1, "", "", `,"b":3}`),
		deltaFragment(0, "", "", `,"b":1}`),
	})

	calls := state.Calls()
	if len(calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(calls))
	}
	if calls[0].ID != "call_a" || string(calls[0].Arguments) != `{"a":1,"b":1}` {
		t.Errorf("call 0 = %+v", calls[0])
	}
	if calls[1].ID != "call_b" || string(calls[1].Arguments) != `{"a":3,"b":3}` {
		t.Errorf("call 1 = %+v", calls[1])
	}

	if _, ok := state.Snapshot(9); ok {
		t.Error("unknown index must not snapshot")
	}
}
