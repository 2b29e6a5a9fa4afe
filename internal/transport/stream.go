package transport

import (
	"context"
	"io"
	"sync"
)

// eventStream adapts a producer function to the Stream interface. The
// producer runs on its own goroutine and writes events to the channel;
// returning nil ends the stream with io.EOF, returning an error surfaces it
// from Recv. Close cancels the producer's context and drains it.
type eventStream struct {
	events  chan Event
	errc    chan error
	cancel  context.CancelFunc
	err     error
	errOnce sync.Once
	done    bool
}

func newEventStream(ctx context.Context, produce func(ctx context.Context, events chan<- Event) error) Stream {
	ctx, cancel := context.WithCancel(ctx)
	s := &eventStream{
		events: make(chan Event, 16),
		errc:   make(chan error, 1),
		cancel: cancel,
	}
	go func() {
		defer close(s.events)
		s.errc <- produce(ctx, s.events)
	}()
	return s
}

func (s *eventStream) Recv() (Event, error) {
	if s.done {
		return Event{}, s.finalErr()
	}
	ev, ok := <-s.events
	if !ok {
		s.done = true
		return Event{}, s.finalErr()
	}
	return ev, nil
}

func (s *eventStream) finalErr() error {
	s.errOnce.Do(func() {
		if err := <-s.errc; err != nil {
			s.err = err
		} else {
			s.err = io.EOF
		}
	})
	return s.err
}

func (s *eventStream) Close() error {
	s.cancel()
	go func() {
		for range s.events {
		}
	}()
	return nil
}
