// Package chunkbuffer accumulates written bytes into chunks aligned to the upload quantum.
package chunkbuffer

import (
	"fmt"

	"google.golang.org/grpc/codes"

	"github.com/bitrise-io/go-blobtransfer/status"
)

// FlushFunc receives every chunk emitted by a Buffer, in order. Non-final chunks are always a non-zero
// multiple of the quantum. totalSize is the asserted object size for the final chunk and -1 otherwise.
// The chunk slice is only valid for the duration of the call.
type FlushFunc func(chunk []byte, final bool, totalSize int64) error

// Buffer turns arbitrarily sized appends into quantum aligned chunks.
// It is not safe for concurrent use.
type Buffer struct {
	quantum int
	size    int
	flush   FlushFunc

	buf      []byte
	offset   int64
	appended int64
	final    bool
}

// New creates a Buffer that flushes once at least size bytes are buffered. size is rounded up to a multiple
// of quantum. startOffset is the object offset of the first appended byte, non-zero when resuming an upload.
func New(quantum, size int, startOffset int64, flush FlushFunc) (*Buffer, error) {
	if quantum <= 0 {
		return nil, status.Protocol(codes.InvalidArgument, "quantum must be positive, got %d", quantum)
	}
	if startOffset < 0 || startOffset%int64(quantum) != 0 {
		return nil, status.Protocol(codes.InvalidArgument, "start offset %d is not a multiple of the quantum %d", startOffset, quantum)
	}
	if flush == nil {
		return nil, status.Protocol(codes.InvalidArgument, "missing flush function")
	}

	return &Buffer{
		quantum:  quantum,
		size:     RoundUp(size, quantum),
		flush:    flush,
		buf:      make([]byte, 0, RoundUp(size, quantum)),
		offset:   startOffset,
		appended: startOffset,
	}, nil
}

// RoundUp rounds size up to a multiple of quantum; sizes below one quantum become one quantum.
func RoundUp(size, quantum int) int {
	if size <= quantum {
		return quantum
	}
	return (size + quantum - 1) / quantum * quantum
}

// Append buffers p and flushes as many whole quanta as are available once the buffer reaches its size.
// On a flush error the bytes stay buffered and the error is returned.
func (b *Buffer) Append(p []byte) error {
	if b.final {
		return status.Protocol(codes.FailedPrecondition, "append after the final chunk")
	}

	b.buf = append(b.buf, p...)
	b.appended += int64(len(p))

	if len(b.buf) < b.size {
		return nil
	}
	return b.flushAligned()
}

// Flush sends every whole quantum currently buffered, regardless of the buffer size.
func (b *Buffer) Flush() error {
	if b.final {
		return nil
	}
	return b.flushAligned()
}

func (b *Buffer) flushAligned() error {
	n := len(b.buf) / b.quantum * b.quantum
	if n == 0 {
		return nil
	}

	if err := b.flush(b.buf[:n], false, -1); err != nil {
		return err
	}

	b.offset += int64(n)
	rest := copy(b.buf, b.buf[n:])
	b.buf = b.buf[:rest]
	return nil
}

// FlushFinal emits the buffered remainder, possibly empty, as the final chunk. totalSize must equal the
// number of bytes ever appended (plus the start offset); a negative totalSize asserts that count.
func (b *Buffer) FlushFinal(totalSize int64) error {
	if b.final {
		return status.Protocol(codes.FailedPrecondition, "final chunk already sent")
	}
	if totalSize < 0 {
		totalSize = b.appended
	}
	if totalSize != b.appended {
		return status.Protocol(codes.FailedPrecondition,
			"asserted total size %d does not match the %d bytes written", totalSize, b.appended)
	}

	if err := b.flush(b.buf, true, totalSize); err != nil {
		return err
	}

	b.offset += int64(len(b.buf))
	b.buf = b.buf[:0]
	b.final = true
	return nil
}

// Offset is the object offset of the first buffered byte, i.e. the number of bytes handed to the flush
// function so far.
func (b *Buffer) Offset() int64 {
	return b.offset
}

// Buffered is the number of bytes waiting for the next flush.
func (b *Buffer) Buffered() int {
	return len(b.buf)
}

// Size is the flush threshold.
func (b *Buffer) Size() int {
	return b.size
}

// Quantum is the chunk alignment.
func (b *Buffer) Quantum() int {
	return b.quantum
}

// Finalized reports whether the final chunk was sent.
func (b *Buffer) Finalized() bool {
	return b.final
}

func (b *Buffer) String() string {
	return fmt.Sprintf("chunkbuffer(offset=%d, buffered=%d, quantum=%d)", b.offset, len(b.buf), b.quantum)
}
