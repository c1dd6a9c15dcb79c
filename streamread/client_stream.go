package streamread

import (
	"context"
	"errors"
	"io"
)

// ClientStream is the receive half of a gRPC server-streaming client: io.EOF ends the stream successfully,
// any other error ends it with that error.
type ClientStream[T any] interface {
	Recv() (T, error)
}

type clientStream[T any] struct {
	stream ClientStream[T]
	cancel context.CancelFunc
	err    error
	done   bool
}

// FromClientStream adapts a gRPC style stream. cancel, if not nil, is called when the stream is abandoned
// and once it has finished.
func FromClientStream[T any](stream ClientStream[T], cancel context.CancelFunc) Stream[T] {
	return &clientStream[T]{stream: stream, cancel: cancel}
}

func (s *clientStream[T]) Recv() (T, bool) {
	var zero T
	if s.done {
		return zero, false
	}

	v, err := s.stream.Recv()
	if err != nil {
		s.done = true
		if !errors.Is(err, io.EOF) {
			s.err = err
		}
		return zero, false
	}
	return v, true
}

func (s *clientStream[T]) Finish() error {
	s.done = true
	if s.cancel != nil {
		s.cancel()
	}
	return s.err
}

func (s *clientStream[T]) Cancel() {
	if s.cancel != nil {
		s.cancel()
	}
}
