package transport

import (
	"errors"
	"io"

	"github.com/bitrise-io/go-blobtransfer/status"
	"github.com/bitrise-io/go-blobtransfer/streamread"
)

// NewBodyStream cuts a response body into ReadChunks of at most chunkSize bytes. The first chunk carries
// object and its digests; an empty body still produces that one chunk. A body that breaks before its end
// finishes with the status of the read error.
func NewBodyStream(body io.ReadCloser, object *ObjectMetadata, chunkSize int) streamread.Stream[ReadChunk] {
	return &bodyStream{
		body:   body,
		object: object,
		buf:    make([]byte, chunkSize),
	}
}

type bodyStream struct {
	body    io.ReadCloser
	object  *ObjectMetadata
	buf     []byte
	started bool
	err     error
	closed  bool
}

func (s *bodyStream) Recv() (ReadChunk, bool) {
	if s.err != nil || s.closed {
		return ReadChunk{}, false
	}

	n := 0
	var err error
	for n < len(s.buf) && err == nil {
		var nn int
		nn, err = s.body.Read(s.buf[n:])
		n += nn
	}
	if err != nil {
		s.err = err
	}
	if n == 0 && s.started {
		return ReadChunk{}, false
	}

	chunk := ReadChunk{Data: append([]byte(nil), s.buf[:n]...)}
	if !s.started {
		s.started = true
		if s.object != nil {
			chunk.Object = s.object
			chunk.Hashes = s.object.Hashes
		}
	}
	return chunk, true
}

func (s *bodyStream) Finish() error {
	s.close()
	if s.err == nil || errors.Is(s.err, io.EOF) {
		return nil
	}
	return status.FromError(s.err)
}

// Cancel aborts the read by closing the body.
func (s *bodyStream) Cancel() {
	s.close()
}

func (s *bodyStream) close() {
	if s.closed {
		return
	}
	s.closed = true
	_ = s.body.Close()
}
