package transport

import (
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/google/uuid"

	"github.com/nexusnotes/chatcore/internal/wire"
)

// WrapTextTag adapts a transport whose model emits tool calls inline as
// delimited text rather than structured fields. Text deltas are scanned for
// [TOOL_CALLS]...[/TOOL_CALLS] blocks; each complete block is parsed and
// replaced by tool-call events, and the marker text never reaches the caller.
func WrapTextTag(inner Transport) Transport {
	return &textTagTransport{inner: inner}
}

type textTagTransport struct {
	inner Transport
}

func (t *textTagTransport) Name() string { return t.inner.Name() }

func (t *textTagTransport) Stream(ctx context.Context, req Request) (Stream, error) {
	// Local text-tag models ignore structured tool fields; the tool
	// protocol lives entirely in the prompt text.
	req.Tools = nil
	src, err := t.inner.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	return newEventStream(ctx, func(ctx context.Context, events chan<- Event) error {
		defer src.Close()
		var det tagDetector
		emit := func(evs []Event) error {
			for _, ev := range evs {
				select {
				case events <- ev:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			return nil
		}
		for {
			ev, err := src.Recv()
			if err == io.EOF {
				break
			}
			if err != nil {
				return err
			}
			if ev.Type != EventTextDelta {
				if err := emit([]Event{ev}); err != nil {
					return err
				}
				continue
			}
			if err := emit(det.feed(ev.Text)); err != nil {
				return err
			}
		}
		return emit(det.flush())
	}), nil
}

// tagDetector incrementally scans text deltas for marker blocks. Text that
// could still turn out to be the start of an open tag is held back until the
// next delta disambiguates it.
type tagDetector struct {
	buf    string
	inCall bool
}

func (d *tagDetector) feed(delta string) []Event {
	d.buf += delta
	var out []Event
	for {
		if d.inCall {
			idx := strings.Index(d.buf, wire.ToolCallCloseTag)
			if idx < 0 {
				return out
			}
			out = append(out, parseMarkerCalls(d.buf[:idx])...)
			d.buf = d.buf[idx+len(wire.ToolCallCloseTag):]
			d.inCall = false
			continue
		}
		if idx := strings.Index(d.buf, wire.ToolCallOpenTag); idx >= 0 {
			if idx > 0 {
				out = append(out, Event{Type: EventTextDelta, Text: d.buf[:idx]})
			}
			d.buf = d.buf[idx+len(wire.ToolCallOpenTag):]
			d.inCall = true
			continue
		}
		hold := partialTagLen(d.buf, wire.ToolCallOpenTag)
		if n := len(d.buf) - hold; n > 0 {
			out = append(out, Event{Type: EventTextDelta, Text: d.buf[:n]})
			d.buf = d.buf[n:]
		}
		return out
	}
}

// flush releases whatever is still held back at end of stream. An unclosed
// marker block is returned verbatim rather than dropped.
func (d *tagDetector) flush() []Event {
	if d.buf == "" && !d.inCall {
		return nil
	}
	text := d.buf
	if d.inCall {
		text = wire.ToolCallOpenTag + text
	}
	d.buf = ""
	d.inCall = false
	if text == "" {
		return nil
	}
	return []Event{{Type: EventTextDelta, Text: text}}
}

// parseMarkerCalls decodes the JSON array between the markers. A block that
// does not parse is surfaced as plain text so nothing is silently lost.
func parseMarkerCalls(body string) []Event {
	var entries []struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(body)), &entries); err != nil || len(entries) == 0 {
		return []Event{{
			Type: EventTextDelta,
			Text: wire.ToolCallOpenTag + body + wire.ToolCallCloseTag,
		}}
	}
	out := make([]Event, 0, len(entries))
	for _, e := range entries {
		args := e.Arguments
		if len(args) == 0 {
			args = json.RawMessage("{}")
		}
		out = append(out, Event{Type: EventToolCall, Tool: &ToolCall{
			ID:        uuid.NewString(),
			Name:      e.Name,
			Arguments: args,
		}})
	}
	return out
}

// partialTagLen returns the length of the longest suffix of s that is a
// proper prefix of tag.
func partialTagLen(s, tag string) int {
	max := len(tag) - 1
	if max > len(s) {
		max = len(s)
	}
	for n := max; n > 0; n-- {
		if strings.HasSuffix(s, tag[:n]) {
			return n
		}
	}
	return 0
}
