// Package streamread turns a blocking receive-next-message primitive plus a separate finish primitive into a
// sequence of results that ends with exactly one terminal status.
package streamread

import (
	"github.com/bitrise-io/go-utils/v2/log"

	"github.com/bitrise-io/go-blobtransfer/status"
)

// Stream is a server-streaming call seen from the client.
type Stream[T any] interface {
	// Recv blocks until the next message arrives. It returns false once the stream has ended, successfully or
	// not; the outcome is then available from Finish.
	Recv() (T, bool)
	// Finish returns the terminal status of the call. It is called at most once, after Recv returned false or
	// to abandon the stream.
	Finish() error
}

// Canceler is implemented by streams that can be cancelled before they are finished.
type Canceler interface {
	Cancel()
}

// Result is either a message or the terminal status of the stream.
type Result[T any] struct {
	value    T
	status   *status.Status
	terminal bool
}

// Value returns the message and true, or the zero value and false for a terminal result.
func (r Result[T]) Value() (T, bool) {
	return r.value, !r.terminal
}

// Status returns the terminal status and true, or nil and false for a message.
func (r Result[T]) Status() (*status.Status, bool) {
	if !r.terminal {
		return nil, false
	}
	return r.status, true
}

// Terminal reports whether the result carries the terminal status.
func (r Result[T]) Terminal() bool {
	return r.terminal
}

// Wrapper is the sequence view over a Stream. It is not safe for concurrent use.
type Wrapper[T any] struct {
	stream   Stream[T]
	logger   log.Logger
	finished bool
	final    *status.Status
}

// New wraps stream. logger receives the status of streams abandoned before their terminal status was read.
func New[T any](stream Stream[T], logger log.Logger) *Wrapper[T] {
	return &Wrapper[T]{
		stream: stream,
		logger: logger,
	}
}

// Read returns the next message, or the terminal status once the stream has ended. Once the terminal status
// has been returned every further call returns the same status without touching the stream.
func (w *Wrapper[T]) Read() Result[T] {
	if w.finished {
		return Result[T]{status: w.final, terminal: true}
	}

	if v, ok := w.stream.Recv(); ok {
		return Result[T]{value: v}
	}

	w.finish()
	return Result[T]{status: w.final, terminal: true}
}

// Finished reports whether the terminal status has been produced.
func (w *Wrapper[T]) Finished() bool {
	return w.finished
}

// Close releases the stream. If the terminal status was never produced the stream is cancelled, drained and
// finished, and a failing status is logged since nobody is left to observe it. Close never fails.
func (w *Wrapper[T]) Close() {
	if w.finished {
		return
	}

	if c, ok := w.stream.(Canceler); ok {
		c.Cancel()
	}
	for {
		if _, ok := w.stream.Recv(); !ok {
			break
		}
	}
	w.finish()

	if !w.final.Ok() && w.logger != nil {
		w.logger.Warnf("unhandled error in streaming read: status=%s: %s", w.final.Code(), w.final.Message())
	}
}

func (w *Wrapper[T]) finish() {
	w.finished = true
	w.final = status.FromError(w.stream.Finish())
}
