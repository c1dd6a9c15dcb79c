// Package fakestore is an in-memory blob service for tests. It speaks the transport interfaces directly, the
// resumable HTTP protocol through Handler and the ByteStream gRPC protocol through ByteStreamServer, and
// supports fault injection.
package fakestore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"

	"github.com/bitrise-io/go-blobtransfer/hashvalidator"
	"github.com/bitrise-io/go-blobtransfer/status"
	"github.com/bitrise-io/go-blobtransfer/streamread"
	"github.com/bitrise-io/go-blobtransfer/transport"
)

// Calls counts the requests served by a Store.
type Calls struct {
	Start  int
	Chunk  int
	Query  int
	Cancel int
	Read   int
}

type object struct {
	data []byte
	meta transport.ObjectMetadata
}

type upload struct {
	req       transport.StartRequest
	data      []byte
	done      bool
	object    *transport.ObjectMetadata
	cancelled bool
}

// Store is the in-memory service. The zero value is not usable, see New.
type Store struct {
	mu         sync.Mutex
	quantum    int
	objects    map[string]*object
	uploads    map[string]*upload
	generation int64
	calls      Calls

	failBeforeCommit int
	failAfterCommit  int
	partialCommits   int
	corruptHashes    bool
	breakReadsAfter  int64
	brokenReads      int
	readChunkSize    int
	checkAlignment   bool
	afterMetadata    func()
}

// New creates an empty store with the given upload quantum.
func New(quantum int) *Store {
	return &Store{
		quantum:        quantum,
		objects:        map[string]*object{},
		uploads:        map[string]*upload{},
		readChunkSize:  64 * 1024,
		checkAlignment: true,
	}
}

// FailChunksBeforeCommit makes the next n chunk uploads fail with Unavailable without storing anything.
func (s *Store) FailChunksBeforeCommit(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failBeforeCommit = n
}

// FailChunksAfterCommit makes the next n chunk uploads store their data and then fail with Unavailable, as a
// connection reset after the request reached the service would.
func (s *Store) FailChunksAfterCommit(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failAfterCommit = n
}

// CommitPartially makes the next n multi-quantum chunk uploads keep only their first quantum.
func (s *Store) CommitPartially(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.partialCommits = n
}

// CorruptHashes makes the store report digests that do not match the stored bytes.
func (s *Store) CorruptHashes(corrupt bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.corruptHashes = corrupt
}

// BreakReads makes the next times reads fail with Unavailable after sending afterBytes bytes.
func (s *Store) BreakReads(afterBytes int64, times int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.breakReadsAfter = afterBytes
	s.brokenReads = times
}

// SetReadChunkSize sets the size of the messages of streaming reads.
func (s *Store) SetReadChunkSize(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readChunkSize = n
}

// AfterMetadata runs fn once, after the next object metadata request served by Handler. fn may use the
// store, e.g. to replace the object between a metadata lookup and a download.
func (s *Store) AfterMetadata(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.afterMetadata = fn
}

// Calls returns the request counters.
func (s *Store) Calls() Calls {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Put stores an object directly, bypassing the upload protocol.
func (s *Store) Put(dest transport.Destination, data []byte) transport.ObjectMetadata {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store(transport.StartRequest{Destination: dest}, data)
}

// Object returns a stored object.
func (s *Store) Object(dest transport.Destination) ([]byte, transport.ObjectMetadata, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.objects[dest.String()]
	if !ok {
		return nil, transport.ObjectMetadata{}, false
	}
	return append([]byte(nil), o.data...), o.meta, true
}

// Committed returns the number of bytes stored for an upload session.
func (s *Store) Committed(sessionID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.uploads[sessionID]; ok {
		return int64(len(u.data))
	}
	return 0
}

// Quantum implements transport.Uploader.
func (s *Store) Quantum() int {
	return s.quantum
}

// StartSession implements transport.Uploader.
func (s *Store) StartSession(_ context.Context, req transport.StartRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls.Start++

	id := uuid.NewString()
	if err := s.startLocked(id, req); err != nil {
		return "", err
	}
	return id, nil
}

func (s *Store) startLocked(id string, req transport.StartRequest) error {
	if req.Destination.Bucket == "" || req.Destination.Object == "" {
		return status.New(codes.InvalidArgument, "missing bucket or object name")
	}
	if err := s.checkPreconditionsLocked(req); err != nil {
		return err
	}
	s.uploads[id] = &upload{req: req}
	return nil
}

// UploadChunk implements transport.Uploader.
func (s *Store) UploadChunk(_ context.Context, req transport.ChunkRequest) (transport.UploadResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls.Chunk++

	return s.chunkLocked(req)
}

func (s *Store) chunkLocked(req transport.ChunkRequest) (transport.UploadResponse, error) {
	u, ok := s.uploads[req.SessionID]
	if !ok || u.cancelled {
		return transport.UploadResponse{}, status.Newf(codes.NotFound, "no upload session %q", req.SessionID)
	}
	if u.done {
		return transport.UploadResponse{NextExpectedByte: u.object.Size, Done: true, Object: u.object}, nil
	}

	committed := int64(len(u.data))
	if req.Offset != committed {
		return transport.UploadResponse{}, status.Newf(codes.InvalidArgument, "chunk offset %d, expected %d", req.Offset, committed)
	}
	if !req.Final && s.checkAlignment && len(req.Data)%s.quantum != 0 {
		return transport.UploadResponse{}, status.Newf(codes.InvalidArgument, "chunk of %d bytes is not aligned to %d", len(req.Data), s.quantum)
	}

	if s.failBeforeCommit > 0 {
		s.failBeforeCommit--
		return transport.UploadResponse{}, status.New(codes.Unavailable, "injected failure before commit")
	}

	data := req.Data
	if s.partialCommits > 0 && len(data) > s.quantum {
		s.partialCommits--
		u.data = append(u.data, data[:s.quantum]...)
		return transport.UploadResponse{NextExpectedByte: int64(len(u.data))}, nil
	}

	if req.Final {
		total := committed + int64(len(data))
		if req.TotalSize != total {
			return transport.UploadResponse{}, status.Newf(codes.FailedPrecondition, "declared size %d, received %d", req.TotalSize, total)
		}
		if u.req.ContentLength > 0 && u.req.ContentLength != total {
			return transport.UploadResponse{}, status.Newf(codes.FailedPrecondition, "declared content length %d, received %d", u.req.ContentLength, total)
		}
		if err := checkExpectedHashes(u.req.ExpectedHashes, u.data, data); err != nil {
			return transport.UploadResponse{}, err
		}
		if err := s.checkPreconditionsLocked(u.req); err != nil {
			return transport.UploadResponse{}, err
		}
	}

	u.data = append(u.data, data...)
	resp := transport.UploadResponse{NextExpectedByte: int64(len(u.data))}
	if req.Final {
		meta := s.store(u.req, u.data)
		u.done = true
		u.object = &meta
		resp.Done = true
		resp.Object = &meta
	}

	if s.failAfterCommit > 0 {
		s.failAfterCommit--
		return transport.UploadResponse{}, status.New(codes.Unavailable, "injected failure after commit")
	}
	return resp, nil
}

// QuerySession implements transport.Uploader.
func (s *Store) QuerySession(_ context.Context, sessionID string) (transport.UploadResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls.Query++

	return s.queryLocked(sessionID)
}

func (s *Store) queryLocked(sessionID string) (transport.UploadResponse, error) {
	u, ok := s.uploads[sessionID]
	if !ok || u.cancelled {
		return transport.UploadResponse{}, status.Newf(codes.NotFound, "no upload session %q", sessionID)
	}
	if u.done {
		return transport.UploadResponse{NextExpectedByte: u.object.Size, Done: true, Object: u.object}, nil
	}
	return transport.UploadResponse{NextExpectedByte: int64(len(u.data))}, nil
}

// CancelSession implements transport.Canceler.
func (s *Store) CancelSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls.Cancel++

	u, ok := s.uploads[sessionID]
	if !ok || u.cancelled {
		return status.Newf(codes.NotFound, "no upload session %q", sessionID)
	}
	u.cancelled = true
	u.data = nil
	return nil
}

// OpenRead implements transport.Reader.
func (s *Store) OpenRead(_ context.Context, req transport.ReadRequest) (streamread.Stream[transport.ReadChunk], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls.Read++

	data, meta, breakAfter, err := s.readLocked(req)
	if err != nil {
		return nil, err
	}

	return &readStream{
		data:       data,
		meta:       meta,
		chunkSize:  s.readChunkSize,
		breakAfter: breakAfter,
	}, nil
}

// readLocked resolves a read request to the bytes to send. breakAfter is negative unless the read must fail.
func (s *Store) readLocked(req transport.ReadRequest) ([]byte, transport.ObjectMetadata, int64, error) {
	o, ok := s.objects[req.Destination.String()]
	if !ok || (req.Generation != 0 && req.Generation != o.meta.Generation) {
		return nil, transport.ObjectMetadata{}, 0, status.Newf(codes.NotFound, "object %s not found", req.Destination)
	}
	size := int64(len(o.data))
	if req.Offset > size || req.Offset < 0 {
		return nil, transport.ObjectMetadata{}, 0, status.Newf(codes.OutOfRange, "offset %d beyond object size %d", req.Offset, size)
	}
	end := size
	if req.Limit > 0 && req.Offset+req.Limit < end {
		end = req.Offset + req.Limit
	}

	breakAfter := int64(-1)
	if s.brokenReads > 0 {
		s.brokenReads--
		breakAfter = s.breakReadsAfter
	}
	return o.data[req.Offset:end], o.meta, breakAfter, nil
}

func (s *Store) checkPreconditionsLocked(req transport.StartRequest) error {
	existing, exists := s.objects[req.Destination.String()]
	if req.Preconditions.RequireAbsent() && exists {
		return status.Newf(codes.FailedPrecondition, "object %s already exists", req.Destination)
	}
	if g := req.Preconditions.IfGenerationMatch; g != nil && *g != 0 {
		if !exists || existing.meta.Generation != *g {
			return status.Newf(codes.FailedPrecondition, "generation of %s does not match %d", req.Destination, *g)
		}
	}
	return nil
}

// checkExpectedHashes rejects the final chunk when the object content does not match the digest declared at
// session start.
func checkExpectedHashes(expected string, parts ...[]byte) error {
	if expected == "" {
		return nil
	}
	v := hashvalidator.New(hashvalidator.CRC32C, hashvalidator.MD5)
	for _, p := range parts {
		v.Update(p)
	}
	if err := v.Validate(expected); err != nil {
		return status.Newf(codes.InvalidArgument, "provided digest %s does not match the object data %s", expected, v.Finish())
	}
	return nil
}

func (s *Store) store(req transport.StartRequest, data []byte) transport.ObjectMetadata {
	s.generation++

	hashed := data
	if s.corruptHashes {
		hashed = append(append([]byte(nil), data...), 'x')
	}
	v := hashvalidator.New(hashvalidator.CRC32C, hashvalidator.MD5)
	v.Update(hashed)

	meta := transport.ObjectMetadata{
		Bucket:      req.Destination.Bucket,
		Name:        req.Destination.Object,
		Size:        int64(len(data)),
		Generation:  s.generation,
		ContentType: req.ContentType,
		Hashes:      v.Finish(),
		ETag:        fmt.Sprintf("%d", s.generation),
		Updated:     time.Now().UTC().Truncate(time.Second),
		Metadata:    req.Metadata,
	}
	if meta.ContentType == "" {
		meta.ContentType = "application/octet-stream"
	}
	s.objects[req.Destination.String()] = &object{data: append([]byte(nil), data...), meta: meta}
	return meta
}

type readStream struct {
	data       []byte
	meta       transport.ObjectMetadata
	chunkSize  int
	breakAfter int64
	sent       int64
	started    bool
	err        error
}

func (r *readStream) Recv() (transport.ReadChunk, bool) {
	if r.err != nil {
		return transport.ReadChunk{}, false
	}
	if r.breakAfter >= 0 && r.sent >= r.breakAfter {
		r.err = status.New(codes.Unavailable, "injected read failure")
		return transport.ReadChunk{}, false
	}
	if r.started && len(r.data) == 0 {
		return transport.ReadChunk{}, false
	}

	n := min(r.chunkSize, len(r.data))
	if r.breakAfter >= 0 {
		n = int(min(int64(n), r.breakAfter-r.sent))
	}
	chunk := transport.ReadChunk{Data: r.data[:n]}
	if !r.started {
		meta := r.meta
		chunk.Hashes = meta.Hashes
		chunk.Object = &meta
		r.started = true
	}
	r.data = r.data[n:]
	r.sent += int64(n)
	return chunk, true
}

func (r *readStream) Finish() error {
	return r.err
}
