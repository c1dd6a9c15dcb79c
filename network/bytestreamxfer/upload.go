package bytestreamxfer

import (
	"context"
	"errors"
	"io"
	"strconv"

	"github.com/docker/go-units"
	"google.golang.org/genproto/googleapis/bytestream"
	"google.golang.org/grpc/codes"

	"github.com/bitrise-io/go-blobtransfer/status"
	"github.com/bitrise-io/go-blobtransfer/transport"
)

// StartSession implements transport.Uploader. The upload is created by an empty first write, which also
// carries the content type and the preconditions, so the service checks them before any data is sent.
func (c *Client) StartSession(ctx context.Context, r transport.StartRequest) (string, error) {
	if r.Destination.Bucket == "" || r.Destination.Object == "" {
		return "", status.Protocol(codes.InvalidArgument, "missing bucket or object name")
	}

	var kv []string
	if r.ContentType != "" {
		kv = append(kv, "x-upload-content-type", r.ContentType)
	}
	if r.Preconditions.RequireAbsent() {
		kv = append(kv, "x-goog-if-generation-match", "0")
	} else if g := r.Preconditions.IfGenerationMatch; g != nil {
		kv = append(kv, "x-goog-if-generation-match", strconv.FormatInt(*g, 10))
	}
	if r.ContentLength >= 0 {
		kv = append(kv, "x-upload-content-length", strconv.FormatInt(r.ContentLength, 10))
	}
	if r.ExpectedHashes != "" {
		// Same rendering as the x-goog-hash header: "crc32c=...,md5=...".
		kv = append(kv, "x-goog-hash", r.ExpectedHashes)
	}
	for k, v := range r.Metadata {
		kv = append(kv, "x-goog-meta-"+k, v)
	}

	resource := uploadResource(r.Destination)
	if _, err := c.write(c.outgoing(ctx, kv...), resource, 0, nil, false); err != nil {
		return "", err
	}

	c.logger.Debugf("Upload %s started", resource)
	return resource, nil
}

// UploadChunk implements transport.Uploader with one Write stream per chunk.
func (c *Client) UploadChunk(ctx context.Context, r transport.ChunkRequest) (transport.UploadResponse, error) {
	dest, err := parseUploadResource(r.SessionID)
	if err != nil {
		return transport.UploadResponse{}, err
	}
	if r.Final && r.TotalSize != r.Offset+int64(len(r.Data)) {
		return transport.UploadResponse{}, status.Protocol(codes.FailedPrecondition,
			"declared size %d, chunk ends at %d", r.TotalSize, r.Offset+int64(len(r.Data)))
	}

	committed, err := c.write(c.outgoing(ctx), r.SessionID, r.Offset, r.Data, r.Final)
	if err != nil {
		return transport.UploadResponse{}, err
	}
	c.logger.Debugf("Chunk at %d sent (%s), committed: %d", r.Offset,
		units.HumanSizeWithPrecision(float64(len(r.Data)), 3), committed)

	if r.Final && committed == r.TotalSize {
		return c.done(ctx, dest)
	}
	return transport.UploadResponse{NextExpectedByte: committed}, nil
}

// QuerySession implements transport.Uploader with QueryWriteStatus.
func (c *Client) QuerySession(ctx context.Context, sessionID string) (transport.UploadResponse, error) {
	dest, err := parseUploadResource(sessionID)
	if err != nil {
		return transport.UploadResponse{}, err
	}

	resp, err := c.bytestream.QueryWriteStatus(c.outgoing(ctx), &bytestream.QueryWriteStatusRequest{ResourceName: sessionID})
	if err != nil {
		return transport.UploadResponse{}, status.FromError(err)
	}
	if resp.Complete {
		return c.done(ctx, dest)
	}
	return transport.UploadResponse{NextExpectedByte: resp.CommittedSize}, nil
}

func (c *Client) done(ctx context.Context, dest transport.Destination) (transport.UploadResponse, error) {
	meta, err := c.Metadata(ctx, dest)
	if err != nil {
		return transport.UploadResponse{}, err
	}
	return transport.UploadResponse{NextExpectedByte: meta.Size, Done: true, Object: meta}, nil
}

// write sends data at offset in messages of whole quanta and returns the committed size reported by the
// service.
func (c *Client) write(ctx context.Context, resource string, offset int64, data []byte, finish bool) (int64, error) {
	stream, err := c.bytestream.Write(ctx)
	if err != nil {
		return 0, status.FromError(err)
	}

	w := &writer{
		stream:       stream,
		resourceName: resource,
		offset:       offset,
		messageSize:  max(maxMessageSize/c.quantum*c.quantum, c.quantum),
	}
	if err := w.send(data, finish); err != nil {
		return 0, err
	}
	return w.close()
}

type writer struct {
	stream       bytestream.ByteStream_WriteClient
	resourceName string
	offset       int64
	messageSize  int
}

func (w *writer) send(data []byte, finish bool) error {
	for {
		n := min(len(data), w.messageSize)
		last := n == len(data)
		req := &bytestream.WriteRequest{
			ResourceName: w.resourceName,
			WriteOffset:  w.offset,
			Data:         data[:n],
			FinishWrite:  finish && last,
		}
		err := w.stream.Send(req)
		switch {
		case errors.Is(err, io.EOF):
			// The service ended the stream, its status is returned by CloseAndRecv.
			return nil
		case err != nil:
			return status.FromError(err)
		}

		w.offset += int64(n)
		data = data[n:]
		if last {
			return nil
		}
	}
}

func (w *writer) close() (int64, error) {
	resp, err := w.stream.CloseAndRecv()
	if err != nil {
		return 0, status.FromError(err)
	}
	return resp.CommittedSize, nil
}
