package chunkbuffer

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"

	"github.com/bitrise-io/go-blobtransfer/status"
)

const quantum = 8

type flushed struct {
	data  string
	final bool
	total int64
}

type recorder struct {
	chunks []flushed
	err    error
}

func (r *recorder) flush(chunk []byte, final bool, total int64) error {
	if r.err != nil {
		return r.err
	}
	r.chunks = append(r.chunks, flushed{data: string(chunk), final: final, total: total})
	return nil
}

func TestBuffer_Append(t *testing.T) {
	tests := []struct {
		name   string
		size   int
		writes []string
		want   []flushed
		wantBf int
	}{
		{
			name:   "below one quantum stays buffered",
			size:   quantum,
			writes: []string{"abc", "de"},
			want:   nil,
			wantBf: 5,
		},
		{
			name:   "whole quanta are flushed and leftover kept",
			size:   quantum,
			writes: []string{"0123456789abcdefXYZ"},
			want:   []flushed{{data: "0123456789abcdef", total: -1}},
			wantBf: 3,
		},
		{
			name:   "flushes wait for the buffer size",
			size:   2 * quantum,
			writes: []string{"01234567", "89abcdef", "g"},
			want:   []flushed{{data: "0123456789abcdef", total: -1}},
			wantBf: 1,
		},
		{
			name:   "buffer size is rounded up to the quantum",
			size:   quantum + 1,
			writes: []string{"0123456789", "abcdefgh"},
			want:   []flushed{{data: "0123456789abcdef", total: -1}},
			wantBf: 2,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Given
			r := &recorder{}
			b, err := New(quantum, tt.size, 0, r.flush)
			require.NoError(t, err)

			// When
			for _, w := range tt.writes {
				require.NoError(t, b.Append([]byte(w)))
			}

			// Then
			assert.Equal(t, tt.want, r.chunks)
			assert.Equal(t, tt.wantBf, b.Buffered())
			for _, c := range r.chunks {
				assert.Zero(t, len(c.data)%quantum)
			}
		})
	}
}

func TestBuffer_FlushFinal(t *testing.T) {
	t.Run("empty object", func(t *testing.T) {
		r := &recorder{}
		b, err := New(quantum, quantum, 0, r.flush)
		require.NoError(t, err)

		require.NoError(t, b.FlushFinal(0))

		assert.Equal(t, []flushed{{data: "", final: true, total: 0}}, r.chunks)
		assert.True(t, b.Finalized())
	})

	t.Run("exact quantum boundary sends an empty final chunk", func(t *testing.T) {
		r := &recorder{}
		b, err := New(quantum, quantum, 0, r.flush)
		require.NoError(t, err)

		require.NoError(t, b.Append(bytes.Repeat([]byte("x"), 2*quantum)))
		require.NoError(t, b.FlushFinal(2*quantum))

		require.Len(t, r.chunks, 2)
		assert.Equal(t, flushed{data: "", final: true, total: 2 * quantum}, r.chunks[1])
		assert.Equal(t, int64(2*quantum), b.Offset())
	})

	t.Run("remainder goes in the final chunk", func(t *testing.T) {
		r := &recorder{}
		b, err := New(quantum, quantum, 0, r.flush)
		require.NoError(t, err)

		require.NoError(t, b.Append([]byte("0123456789")))
		require.NoError(t, b.FlushFinal(-1))

		assert.Equal(t, []flushed{
			{data: "01234567", total: -1},
			{data: "89", final: true, total: 10},
		}, r.chunks)
	})

	t.Run("size mismatch fails fast", func(t *testing.T) {
		r := &recorder{}
		b, err := New(quantum, quantum, 0, r.flush)
		require.NoError(t, err)
		require.NoError(t, b.Append([]byte("abc")))

		err = b.FlushFinal(4)

		require.Error(t, err)
		assert.Equal(t, codes.FailedPrecondition, status.CodeOf(err))
		assert.Equal(t, status.ClassProtocol, status.ClassOf(err))
		assert.False(t, status.IsRetryable(err))
		assert.Empty(t, r.chunks)
	})

	t.Run("resumed buffer counts the start offset", func(t *testing.T) {
		r := &recorder{}
		b, err := New(quantum, quantum, 2*quantum, r.flush)
		require.NoError(t, err)
		require.NoError(t, b.Append([]byte("abc")))

		require.NoError(t, b.FlushFinal(2*quantum+3))

		assert.Equal(t, []flushed{{data: "abc", final: true, total: 2*quantum + 3}}, r.chunks)
	})

	t.Run("no appends after the final chunk", func(t *testing.T) {
		r := &recorder{}
		b, err := New(quantum, quantum, 0, r.flush)
		require.NoError(t, err)
		require.NoError(t, b.FlushFinal(0))

		require.Error(t, b.Append([]byte("late")))
		require.Error(t, b.FlushFinal(0))
	})
}

func TestBuffer_FlushErrorKeepsBytes(t *testing.T) {
	// Given
	r := &recorder{err: errors.New("unavailable")}
	b, err := New(quantum, quantum, 0, r.flush)
	require.NoError(t, err)

	// When
	err = b.Append([]byte("0123456789"))

	// Then
	require.Error(t, err)
	assert.Equal(t, 10, b.Buffered())
	assert.Equal(t, int64(0), b.Offset())

	r.err = nil
	require.NoError(t, b.Flush())
	assert.Equal(t, []flushed{{data: "01234567", total: -1}}, r.chunks)
	assert.Equal(t, int64(quantum), b.Offset())
}

func TestNew_InvalidArguments(t *testing.T) {
	r := &recorder{}

	_, err := New(0, 1, 0, r.flush)
	require.Error(t, err)

	_, err = New(quantum, quantum, 3, r.flush)
	require.Error(t, err)

	_, err = New(quantum, quantum, 0, nil)
	require.Error(t, err)
}

func TestRoundUp(t *testing.T) {
	assert.Equal(t, 256, RoundUp(0, 256))
	assert.Equal(t, 256, RoundUp(256, 256))
	assert.Equal(t, 512, RoundUp(257, 256))
	assert.Equal(t, 1024, RoundUp(1024, 256))
}
