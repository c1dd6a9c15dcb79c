// Package transport defines the boundary between the transfer engine and a concrete storage service:
// resumable upload sessions and streaming object reads.
package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/bitrise-io/go-blobtransfer/streamread"
)

const (
	// DefaultQuantum is the chunk alignment of the HTTP and ByteStream protocols.
	DefaultQuantum = 256 * 1024
	// S3Quantum is the minimum size of a non-final S3 multipart part.
	S3Quantum = 5 * 1024 * 1024
)

// ResolveQuantum returns the chunk alignment to use for a configured value: DefaultQuantum for zero, q itself
// when it is a power of two. The value must be the alignment the service mandates; a smaller power of two only
// suits services (and test doubles) that accept it.
func ResolveQuantum(q int) (int, error) {
	switch {
	case q == 0:
		return DefaultQuantum, nil
	case q < 0 || q&(q-1) != 0:
		return 0, fmt.Errorf("invalid quantum: %d is not a power of two", q)
	default:
		return q, nil
	}
}

// Destination identifies an object.
type Destination struct {
	Bucket string
	Object string
}

func (d Destination) String() string {
	return fmt.Sprintf("%s/%s", d.Bucket, d.Object)
}

// Preconditions restrict when a write may replace the destination.
type Preconditions struct {
	// DoesNotExist only allows the write if the object does not exist yet.
	DoesNotExist bool
	// IfGenerationMatch only allows the write if the current generation equals the value. Zero is the same as
	// DoesNotExist.
	IfGenerationMatch *int64
}

// IfGenerationMatch builds a precondition on the current object generation.
func IfGenerationMatch(generation int64) Preconditions {
	return Preconditions{IfGenerationMatch: &generation}
}

// RequireAbsent reports whether the object must not exist yet.
func (p Preconditions) RequireAbsent() bool {
	return p.DoesNotExist || (p.IfGenerationMatch != nil && *p.IfGenerationMatch == 0)
}

// StartRequest starts a resumable upload session.
type StartRequest struct {
	Destination    Destination
	Preconditions  Preconditions
	ContentType    string
	Metadata       map[string]string
	// ContentLength is the declared object size, -1 when unknown.
	ContentLength  int64
	// ExpectedHashes is a digest string known by the caller, e.g. "md5=1B2M2Y8AsgTpgAmY7PhCfg==". Services
	// that support it refuse to finalize an object with a different digest.
	ExpectedHashes string
}

// ChunkRequest uploads the byte range [Offset, Offset+len(Data)) of a session.
type ChunkRequest struct {
	SessionID string
	Offset    int64
	Data      []byte
	Final     bool
	// TotalSize is the asserted object size of a final chunk.
	TotalSize int64
}

// UploadResponse is the service's view of a session after a chunk upload or a query.
type UploadResponse struct {
	// NextExpectedByte is the number of bytes durably received by the service.
	NextExpectedByte int64
	// Done is set once the upload has been finalized; Object is present only then.
	Done   bool
	Object *ObjectMetadata
}

// ObjectMetadata describes a stored object.
type ObjectMetadata struct {
	Bucket      string
	Name        string
	Size        int64
	Generation  int64
	ContentType string
	// Hashes is the digest string reported by the service, see hashvalidator.ParseHashes.
	Hashes   string
	ETag     string
	Updated  time.Time
	Metadata map[string]string
}

// Uploader is a resumable upload protocol.
type Uploader interface {
	// StartSession creates a session and returns its id.
	StartSession(ctx context.Context, req StartRequest) (string, error)
	// UploadChunk sends a chunk. Non-final chunks are a multiple of Quantum.
	UploadChunk(ctx context.Context, req ChunkRequest) (UploadResponse, error)
	// QuerySession returns the current state of a session without sending data.
	QuerySession(ctx context.Context, sessionID string) (UploadResponse, error)
	// Quantum is the chunk alignment required by the service.
	Quantum() int
}

// Canceler is implemented by uploaders that can abandon a session.
type Canceler interface {
	CancelSession(ctx context.Context, sessionID string) error
}

// ReadRequest reads the object range [Offset, Offset+Limit). A zero Limit reads to the end.
type ReadRequest struct {
	Destination Destination
	Offset      int64
	Limit       int64
	// Generation pins the read to one object generation, zero reads the latest.
	Generation int64
}

// ReadChunk is one message of a streaming read. Object and Hashes are set on the messages that carry them,
// at least once per stream when the service reports them.
type ReadChunk struct {
	Data   []byte
	Hashes string
	Object *ObjectMetadata
}

// Reader opens streaming object reads.
type Reader interface {
	OpenRead(ctx context.Context, req ReadRequest) (streamread.Stream[ReadChunk], error)
}

// Service is a transport that supports both directions.
type Service interface {
	Uploader
	Reader
}
