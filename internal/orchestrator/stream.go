package orchestrator

import (
	"context"
	"io"
	"sync"
)

// Stream is a finite chunk sequence for one turn. Recv returns io.EOF
// after the Complete chunk, or the turn's error (ErrAborted on
// cancellation) when the turn failed.
type Stream struct {
	chunks  chan Chunk
	errc    chan error
	cancel  context.CancelFunc
	err     error
	errOnce sync.Once
	done    bool
}

func newChunkStream(ctx context.Context, produce func(ctx context.Context, chunks chan<- Chunk) error) *Stream {
	ctx, cancel := context.WithCancel(ctx)
	s := &Stream{
		chunks: make(chan Chunk, 16),
		errc:   make(chan error, 1),
		cancel: cancel,
	}
	go func() {
		defer close(s.chunks)
		s.errc <- produce(ctx, s.chunks)
	}()
	return s
}

func (s *Stream) Recv() (Chunk, error) {
	if s.done {
		return Chunk{}, s.finalErr()
	}
	c, ok := <-s.chunks
	if !ok {
		s.done = true
		return Chunk{}, s.finalErr()
	}
	return c, nil
}

func (s *Stream) finalErr() error {
	s.errOnce.Do(func() {
		if err := <-s.errc; err != nil {
			s.err = err
		} else {
			s.err = io.EOF
		}
	})
	return s.err
}

// Close cancels the turn. Content accumulated before the cancellation
// stays persisted.
func (s *Stream) Close() error {
	s.cancel()
	go func() {
		for range s.chunks {
		}
	}()
	return nil
}
