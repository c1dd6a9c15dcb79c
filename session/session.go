// Package session implements the client side of a resumable upload session.
package session

import (
	"context"
	"fmt"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	"google.golang.org/grpc/codes"

	"github.com/bitrise-io/go-blobtransfer/status"
	"github.com/bitrise-io/go-blobtransfer/transport"
)

// State is the lifecycle state of a Session.
type State int

const (
	// Created is the state right after the service assigned a session id.
	Created State = iota
	// Active sessions accept chunks.
	Active
	// Suspended sessions are detached; only Restore is allowed.
	Suspended
	// Restoring is the state during a session query.
	Restoring
	// Finalizing is the state while the final chunk is in flight.
	Finalizing
	// Done sessions have been finalized; their object metadata is available.
	Done
	// Deleted sessions have been abandoned on the service.
	Deleted
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Active:
		return "active"
	case Suspended:
		return "suspended"
	case Restoring:
		return "restoring"
	case Finalizing:
		return "finalizing"
	case Done:
		return "done"
	case Deleted:
		return "deleted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrChunkIncomplete is returned when the service durably received only part of a chunk. NextExpectedByte has
// been advanced to the service's offset; the caller resends the rest from there.
var ErrChunkIncomplete = status.New(codes.Aborted, "chunk only partially committed")

// Session is a resumable upload session. It is not safe for concurrent use; the session id is the only
// state meant to cross process boundaries.
type Session struct {
	transport transport.Uploader
	logger    log.Logger

	id    string
	next  int64
	state State
	meta  *transport.ObjectMetadata
}

// Create starts a new session on the service. Failures, precondition violations included, are returned as is.
func Create(ctx context.Context, t transport.Uploader, req transport.StartRequest, logger log.Logger) (*Session, error) {
	id, err := t.StartSession(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("start session for %s: %w", req.Destination, err)
	}
	logger.Debugf("Started upload session for %s", req.Destination)

	return &Session{
		transport: t,
		logger:    logger,
		id:        id,
		state:     Created,
	}, nil
}

// Restore attaches to an existing session and loads its state from the service.
func Restore(ctx context.Context, t transport.Uploader, sessionID string, logger log.Logger) (*Session, error) {
	if sessionID == "" {
		return nil, status.Protocol(codes.InvalidArgument, "empty session id")
	}

	s := &Session{
		transport: t,
		logger:    logger,
		id:        sessionID,
		state:     Suspended,
	}
	if err := s.Restore(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// ID returns the session id assigned by the service.
func (s *Session) ID() string {
	return s.id
}

// NextExpectedByte is the number of bytes the service has confirmed.
func (s *Session) NextExpectedByte() int64 {
	return s.next
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return s.state
}

// Done reports whether the upload has been finalized.
func (s *Session) Done() bool {
	return s.state == Done
}

// Metadata returns the object metadata of a finalized session, nil before that.
func (s *Session) Metadata() *transport.ObjectMetadata {
	return s.meta
}

// Quantum is the alignment of non-final chunks.
func (s *Session) Quantum() int {
	return s.transport.Quantum()
}

// UploadChunk sends a non-final chunk at NextExpectedByte. len(data) must be a multiple of the quantum.
//
// On error the local state is unchanged. A transport error has an unknown effect on the service: call Restore
// before resuming. ErrChunkIncomplete means NextExpectedByte moved, but not past the whole chunk.
func (s *Session) UploadChunk(ctx context.Context, data []byte) error {
	if err := s.checkWritable(); err != nil {
		return err
	}
	if q := s.Quantum(); len(data)%q != 0 {
		return status.Protocol(codes.InvalidArgument, "chunk of %d bytes is not a multiple of the upload quantum %d", len(data), q)
	}
	if len(data) == 0 {
		return nil
	}

	s.logger.Debugf("Uploading chunk [%d, %d) (%s)", s.next, s.next+int64(len(data)),
		units.HumanSizeWithPrecision(float64(len(data)), 3))

	resp, err := s.transport.UploadChunk(ctx, transport.ChunkRequest{
		SessionID: s.id,
		Offset:    s.next,
		Data:      data,
		TotalSize: -1,
	})
	if err != nil {
		return fmt.Errorf("upload chunk at offset %d: %w", s.next, err)
	}

	expected := s.next + int64(len(data))
	if err := s.apply(resp); err != nil {
		return err
	}
	s.state = Active
	if s.meta != nil {
		s.state = Done
		return nil
	}

	switch {
	case s.next < expected:
		s.logger.Debugf("Service committed %d of %d bytes", s.next-(expected-int64(len(data))), len(data))
		return ErrChunkIncomplete
	case s.next > expected:
		return status.Protocol(codes.FailedPrecondition, "service reports %d bytes, only %d were sent", s.next, expected)
	}
	return nil
}

// UploadFinalChunk sends the last chunk, possibly empty, asserting the object size, and returns the metadata
// of the finalized object. totalSize must equal NextExpectedByte+len(data); the check happens locally.
func (s *Session) UploadFinalChunk(ctx context.Context, data []byte, totalSize int64) (*transport.ObjectMetadata, error) {
	if err := s.checkWritable(); err != nil {
		return nil, err
	}
	if sent := s.next + int64(len(data)); sent != totalSize {
		return nil, status.Protocol(codes.FailedPrecondition,
			"asserted total size %d does not match %d confirmed plus %d final bytes", totalSize, s.next, len(data))
	}

	s.logger.Debugf("Uploading final chunk [%d, %d)", s.next, totalSize)

	prev := s.state
	s.state = Finalizing
	resp, err := s.transport.UploadChunk(ctx, transport.ChunkRequest{
		SessionID: s.id,
		Offset:    s.next,
		Data:      data,
		Final:     true,
		TotalSize: totalSize,
	})
	if err != nil {
		s.state = prev
		return nil, fmt.Errorf("upload final chunk at offset %d: %w", s.next, err)
	}

	if err := s.apply(resp); err != nil {
		s.state = prev
		return nil, err
	}
	if s.meta != nil {
		s.state = Done
		return s.meta, nil
	}

	s.state = Active
	if s.next < totalSize {
		return nil, ErrChunkIncomplete
	}
	return nil, status.Protocol(codes.FailedPrecondition, "service did not finalize the upload at %d bytes", totalSize)
}

// Restore queries the service for the session state. The returned offset replaces NextExpectedByte; a
// finalized session moves to Done.
func (s *Session) Restore(ctx context.Context) error {
	switch s.state {
	case Done:
		return nil
	case Deleted:
		return status.Protocol(codes.FailedPrecondition, "session %s was deleted", s.id)
	}

	prev := s.state
	s.state = Restoring
	resp, err := s.transport.QuerySession(ctx, s.id)
	if err != nil {
		s.state = prev
		return fmt.Errorf("query session: %w", err)
	}
	if err := s.apply(resp); err != nil {
		s.state = prev
		return err
	}

	if s.meta != nil {
		s.state = Done
		s.logger.Debugf("Restored finalized upload session (%d bytes)", s.next)
		return nil
	}
	s.state = Active
	s.logger.Debugf("Restored upload session at offset %d", s.next)
	return nil
}

// Suspend detaches from the session without finalizing it and returns the session id. Only Restore is
// allowed afterwards.
func (s *Session) Suspend() string {
	if s.state != Done && s.state != Deleted {
		s.state = Suspended
	}
	return s.id
}

// Delete abandons the session on the service.
func (s *Session) Delete(ctx context.Context) error {
	if s.state == Done {
		return status.Protocol(codes.FailedPrecondition, "session %s is already finalized", s.id)
	}
	canceler, ok := s.transport.(transport.Canceler)
	if !ok {
		return status.New(codes.Unimplemented, "the transport cannot delete upload sessions")
	}
	if err := canceler.CancelSession(ctx, s.id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	s.state = Deleted
	return nil
}

func (s *Session) checkWritable() error {
	switch s.state {
	case Created, Active:
		return nil
	case Done:
		return status.Protocol(codes.FailedPrecondition, "upload session is already finalized")
	case Deleted:
		return status.Protocol(codes.FailedPrecondition, "upload session was deleted")
	default:
		return status.Protocol(codes.FailedPrecondition, "upload session is %s, restore it first", s.state)
	}
}

// apply records a service response, rejecting offsets that move backwards on a session still in progress.
func (s *Session) apply(resp transport.UploadResponse) error {
	if resp.Done {
		if resp.Object == nil {
			return status.Protocol(codes.Internal, "finalized upload without object metadata")
		}
		s.meta = resp.Object
		s.next = max(s.next, resp.NextExpectedByte, resp.Object.Size)
		return nil
	}

	if resp.NextExpectedByte < s.next {
		return status.Protocol(codes.FailedPrecondition,
			"service offset went back from %d to %d", s.next, resp.NextExpectedByte)
	}
	s.next = resp.NextExpectedByte
	return nil
}
