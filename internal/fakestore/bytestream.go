package fakestore

import (
	"context"
	"errors"
	"io"
	"strconv"
	"strings"

	"google.golang.org/genproto/googleapis/bytestream"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"

	"github.com/bitrise-io/go-blobtransfer/status"
	"github.com/bitrise-io/go-blobtransfer/transport"
)

type byteStreamServer struct {
	bytestream.UnimplementedByteStreamServer
	store *Store
}

// RegisterByteStream serves the store as a ByteStream service on srv. Uploads use resource names of the form
// "{bucket}/uploads/{id}/{object}", reads "{bucket}/{object}".
func (s *Store) RegisterByteStream(srv *grpc.Server) {
	bytestream.RegisterByteStreamServer(srv, &byteStreamServer{store: s})
}

func (b *byteStreamServer) Write(stream bytestream.ByteStream_WriteServer) error {
	s := b.store
	md, _ := metadata.FromIncomingContext(stream.Context())

	var id string
	var committed int64
	for {
		req, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}

		if id == "" {
			id = req.ResourceName
			if err := b.ensureUpload(id, md); err != nil {
				return err
			}
		}

		s.mu.Lock()
		s.calls.Chunk++
		resp, err := s.chunkLocked(transport.ChunkRequest{
			SessionID: id,
			Offset:    req.WriteOffset,
			Data:      req.Data,
			Final:     req.FinishWrite,
			TotalSize: req.WriteOffset + int64(len(req.Data)),
		})
		s.mu.Unlock()
		if err != nil {
			return err
		}
		committed = resp.NextExpectedByte
		if req.FinishWrite {
			break
		}
	}

	if id == "" {
		return status.New(codes.InvalidArgument, "empty write stream")
	}
	return stream.SendAndClose(&bytestream.WriteResponse{CommittedSize: committed})
}

func (b *byteStreamServer) ensureUpload(id string, md metadata.MD) error {
	s := b.store
	dest, err := parseUploadResource(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.uploads[id]; ok {
		return nil
	}

	req := transport.StartRequest{Destination: dest, ContentLength: -1}
	if v := first(md, "x-upload-content-type"); v != "" {
		req.ContentType = v
	}
	if v := first(md, "x-goog-if-generation-match"); v != "" {
		g, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return status.Newf(codes.InvalidArgument, "bad generation precondition %q", v)
		}
		req.Preconditions = transport.IfGenerationMatch(g)
	}
	req.ExpectedHashes = first(md, "x-goog-hash")
	s.calls.Start++
	return s.startLocked(id, req)
}

func (b *byteStreamServer) QueryWriteStatus(_ context.Context, req *bytestream.QueryWriteStatusRequest) (*bytestream.QueryWriteStatusResponse, error) {
	s := b.store
	if _, err := parseUploadResource(req.ResourceName); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls.Query++

	u, ok := s.uploads[req.ResourceName]
	switch {
	case !ok:
		return &bytestream.QueryWriteStatusResponse{}, nil
	case u.cancelled:
		return nil, status.Newf(codes.NotFound, "no upload session %q", req.ResourceName)
	case u.done:
		return &bytestream.QueryWriteStatusResponse{CommittedSize: u.object.Size, Complete: true}, nil
	default:
		return &bytestream.QueryWriteStatusResponse{CommittedSize: int64(len(u.data))}, nil
	}
}

func (b *byteStreamServer) Read(req *bytestream.ReadRequest, stream bytestream.ByteStream_ReadServer) error {
	s := b.store
	bucket, object, ok := strings.Cut(req.ResourceName, "/")
	if !ok || bucket == "" || object == "" {
		return status.Newf(codes.InvalidArgument, "bad resource name %q", req.ResourceName)
	}

	s.mu.Lock()
	s.calls.Read++
	data, meta, breakAfter, err := s.readLocked(transport.ReadRequest{
		Destination: transport.Destination{Bucket: bucket, Object: object},
		Offset:      req.ReadOffset,
		Limit:       req.ReadLimit,
	})
	chunkSize := s.readChunkSize
	s.mu.Unlock()
	if err != nil {
		return err
	}

	header := metadata.Pairs(
		"x-goog-generation", strconv.FormatInt(meta.Generation, 10),
		"x-goog-stored-content-length", strconv.FormatInt(meta.Size, 10),
		"x-goog-content-type", meta.ContentType,
	)
	for _, h := range strings.Split(meta.Hashes, ",") {
		if h != "" {
			header.Append("x-goog-hash", h)
		}
	}
	if err := stream.SetHeader(header); err != nil {
		return err
	}

	r := &readStream{data: data, meta: meta, chunkSize: chunkSize, breakAfter: breakAfter}
	for {
		chunk, ok := r.Recv()
		if !ok {
			return r.Finish()
		}
		if len(chunk.Data) == 0 {
			continue
		}
		if err := stream.Send(&bytestream.ReadResponse{Data: chunk.Data}); err != nil {
			return err
		}
	}
}

// parseUploadResource parses "{bucket}/uploads/{id}/{object}".
func parseUploadResource(name string) (transport.Destination, error) {
	parts := strings.SplitN(name, "/", 4)
	if len(parts) != 4 || parts[0] == "" || parts[1] != "uploads" || parts[2] == "" || parts[3] == "" {
		return transport.Destination{}, status.Newf(codes.InvalidArgument, "bad upload resource name %q", name)
	}
	return transport.Destination{Bucket: parts[0], Object: parts[3]}, nil
}

func first(md metadata.MD, key string) string {
	if v := md.Get(key); len(v) > 0 {
		return v[0]
	}
	return ""
}
