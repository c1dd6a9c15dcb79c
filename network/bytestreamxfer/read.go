package bytestreamxfer

import (
	"context"
	"errors"
	"io"
	"strconv"

	"google.golang.org/genproto/googleapis/bytestream"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"

	"github.com/bitrise-io/go-blobtransfer/hashvalidator"
	"github.com/bitrise-io/go-blobtransfer/status"
	"github.com/bitrise-io/go-blobtransfer/streamread"
	"github.com/bitrise-io/go-blobtransfer/transport"
)

// OpenRead implements transport.Reader.
func (c *Client) OpenRead(ctx context.Context, r transport.ReadRequest) (streamread.Stream[transport.ReadChunk], error) {
	chunks, meta, cancel, err := c.open(ctx, r)
	if err != nil {
		return nil, err
	}

	if r.Generation != 0 && meta.Generation != r.Generation {
		cancel()
		return nil, status.Newf(codes.FailedPrecondition, "object %s has generation %d, expected %d",
			r.Destination, meta.Generation, r.Generation)
	}
	if r.Offset > 0 || r.Limit > 0 {
		// Digests describe the whole object, a range cannot be checked against them.
		meta.Hashes = ""
	}
	chunks.first.Object = meta
	chunks.first.Hashes = meta.Hashes
	return streamread.FromClientStream[transport.ReadChunk](chunks, cancel), nil
}

// Metadata returns the description of an object, taken from the header of a one byte read.
func (c *Client) Metadata(ctx context.Context, dest transport.Destination) (*transport.ObjectMetadata, error) {
	_, meta, cancel, err := c.open(ctx, transport.ReadRequest{Destination: dest, Limit: 1})
	if err != nil {
		return nil, err
	}
	cancel()
	return meta, nil
}

// open starts a Read stream and waits for its first message or its end: the response header carrying the
// object description is only available from then on.
func (c *Client) open(ctx context.Context, r transport.ReadRequest) (*readChunks, *transport.ObjectMetadata, context.CancelFunc, error) {
	ctx, cancel := context.WithCancel(c.outgoing(ctx))
	stream, err := c.bytestream.Read(ctx, &bytestream.ReadRequest{
		ResourceName: readResource(r.Destination),
		ReadOffset:   r.Offset,
		ReadLimit:    r.Limit,
	})
	if err != nil {
		cancel()
		return nil, nil, nil, status.FromError(err)
	}

	chunks := &readChunks{stream: stream, first: &transport.ReadChunk{}}
	resp, err := stream.Recv()
	switch {
	case errors.Is(err, io.EOF):
		chunks.err = err
	case err != nil:
		cancel()
		return nil, nil, nil, status.FromError(err)
	default:
		chunks.first.Data = resp.Data
	}

	header, err := stream.Header()
	if err != nil {
		cancel()
		return nil, nil, nil, status.FromError(err)
	}
	return chunks, objectFromHeader(r.Destination, header), cancel, nil
}

type readChunks struct {
	stream bytestream.ByteStream_ReadClient
	first  *transport.ReadChunk
	err    error
}

func (r *readChunks) Recv() (transport.ReadChunk, error) {
	if r.first != nil {
		chunk := *r.first
		r.first = nil
		return chunk, nil
	}
	if r.err != nil {
		return transport.ReadChunk{}, r.err
	}

	resp, err := r.stream.Recv()
	if err != nil {
		return transport.ReadChunk{}, err
	}
	return transport.ReadChunk{Data: resp.Data}, nil
}

func objectFromHeader(dest transport.Destination, md metadata.MD) *transport.ObjectMetadata {
	hashes := map[hashvalidator.Algorithm]string{}
	for _, v := range md.Get("x-goog-hash") {
		for alg, digest := range hashvalidator.ParseHashes(v) {
			hashes[alg] = digest
		}
	}

	meta := &transport.ObjectMetadata{
		Bucket:      dest.Bucket,
		Name:        dest.Object,
		ContentType: first(md, "x-goog-content-type"),
		Hashes:      hashvalidator.FormatHashes(hashes),
	}
	meta.Generation, _ = strconv.ParseInt(first(md, "x-goog-generation"), 10, 64)
	meta.Size, _ = strconv.ParseInt(first(md, "x-goog-stored-content-length"), 10, 64)
	return meta
}

func first(md metadata.MD, key string) string {
	if v := md.Get(key); len(v) > 0 {
		return v[0]
	}
	return ""
}
