package transport

import (
	"bytes"
	"io"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"

	"github.com/bitrise-io/go-blobtransfer/status"
	"github.com/bitrise-io/go-blobtransfer/streamread"
)

type trackingBody struct {
	io.Reader
	closed bool
}

func (b *trackingBody) Close() error {
	b.closed = true
	return nil
}

func TestBodyStream(t *testing.T) {
	object := &ObjectMetadata{Bucket: "bucket", Name: "object", Size: 10, Hashes: "crc32c=AAAAAA=="}

	tests := []struct {
		name       string
		body       io.Reader
		chunkSize  int
		wantChunks []string
		wantCode   codes.Code
	}{
		{
			name:       "empty body",
			body:       bytes.NewReader(nil),
			chunkSize:  4,
			wantChunks: []string{""},
			wantCode:   codes.OK,
		},
		{
			name:       "chunks of one byte reads",
			body:       iotest.OneByteReader(bytes.NewReader([]byte("0123456789"))),
			chunkSize:  4,
			wantChunks: []string{"0123", "4567", "89"},
			wantCode:   codes.OK,
		},
		{
			name:       "truncated body",
			body:       io.MultiReader(bytes.NewReader([]byte("012345")), iotest.ErrReader(io.ErrUnexpectedEOF)),
			chunkSize:  4,
			wantChunks: []string{"0123", "45"},
			wantCode:   codes.Unavailable,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Given
			body := &trackingBody{Reader: tt.body}
			stream := NewBodyStream(body, object, tt.chunkSize)

			// When
			var chunks []string
			for {
				chunk, ok := stream.Recv()
				if !ok {
					break
				}
				if len(chunks) == 0 {
					assert.Equal(t, object, chunk.Object)
					assert.Equal(t, object.Hashes, chunk.Hashes)
				} else {
					assert.Nil(t, chunk.Object)
					assert.Empty(t, chunk.Hashes)
				}
				chunks = append(chunks, string(chunk.Data))
			}
			err := stream.Finish()

			// Then
			assert.Equal(t, tt.wantChunks, chunks)
			assert.Equal(t, tt.wantCode, status.CodeOf(err))
			assert.True(t, body.closed)
		})
	}
}

func TestBodyStream_Cancel(t *testing.T) {
	body := &trackingBody{Reader: bytes.NewReader([]byte("0123456789"))}
	stream := NewBodyStream(body, nil, 4)

	chunk, ok := stream.Recv()
	require.True(t, ok)
	assert.Equal(t, []byte("0123"), chunk.Data)
	assert.Nil(t, chunk.Object)

	stream.(streamread.Canceler).Cancel()
	_, ok = stream.Recv()
	assert.False(t, ok)
	assert.True(t, body.closed)
	assert.NoError(t, stream.Finish())
}
