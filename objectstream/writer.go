package objectstream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	"google.golang.org/grpc/codes"

	"github.com/bitrise-io/go-blobtransfer/chunkbuffer"
	"github.com/bitrise-io/go-blobtransfer/hashvalidator"
	"github.com/bitrise-io/go-blobtransfer/metrics"
	"github.com/bitrise-io/go-blobtransfer/session"
	"github.com/bitrise-io/go-blobtransfer/status"
	"github.com/bitrise-io/go-blobtransfer/transport"
)

// ErrClosed is returned by writes to a closed or suspended Writer.
var ErrClosed = status.Protocol(codes.FailedPrecondition, "object stream is closed")

// Writer uploads an object through a resumable session. Bytes are buffered into quantum aligned chunks;
// Close sends the final chunk and validates the digest reported by the service.
// A Writer is not safe for concurrent use.
type Writer struct {
	ctx     context.Context
	logger  log.Logger
	retry   RetryPolicy
	metrics *metrics.Metrics
	stats   *Stats

	session *session.Session
	buffer  *chunkbuffer.Buffer
	hash    hashvalidator.Validator

	contentLength int64
	expected      string
	hashedUpTo    int64
	received      string
	open          bool
	err           error
}

// NewWriter starts a new upload session for dest, or restores the one given by WithSessionID. A restored
// session that is already finalized gives a Writer that is not open and carries the object metadata.
func NewWriter(ctx context.Context, uploader transport.Uploader, dest transport.Destination, logger log.Logger, opts ...Option) (*Writer, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	w := &Writer{
		ctx:           ctx,
		logger:        logger,
		retry:         o.retry,
		metrics:       o.metrics,
		stats:         NewStats(),
		contentLength: o.contentLength,
		expected:      o.expected,
	}

	var err error
	if o.sessionID != "" {
		w.session, err = w.restoreSession(uploader, o.sessionID)
	} else {
		w.session, err = w.createSession(uploader, transport.StartRequest{
			Destination:    dest,
			Preconditions:  o.preconditions,
			ContentType:    o.contentType,
			Metadata:       o.metadata,
			ContentLength:  o.contentLength,
			ExpectedHashes: o.expected,
		})
	}
	if err != nil {
		return nil, err
	}

	if w.session.Done() {
		w.hash = hashvalidator.NewNull()
		if meta := w.session.Metadata(); meta != nil {
			w.received = meta.Hashes
		}
		return w, nil
	}

	start := w.session.NextExpectedByte()
	if start > 0 {
		// The digest of a resumed upload cannot cover the bytes sent before.
		w.hash = hashvalidator.NewNull()
	} else {
		w.hash = hashvalidator.New(append(o.hashes.Algorithms(), expectedAlgorithms(o.expected)...)...)
	}
	w.hashedUpTo = start

	w.buffer, err = chunkbuffer.New(uploader.Quantum(), o.bufferSize, start, w.flush)
	if err != nil {
		return nil, err
	}
	w.open = true

	logger.Debugf("Upload buffer: %s, quantum: %s, hashes: %s",
		units.HumanSizeWithPrecision(float64(w.buffer.Size()), 3),
		units.HumanSizeWithPrecision(float64(uploader.Quantum()), 3), w.hash.Name())
	return w, nil
}

// expectedAlgorithms lists the algorithms of an expected digest. They are computed even when the hash
// configuration leaves them out, so the digest is checked on transports that cannot enforce it.
func expectedAlgorithms(hashes string) []hashvalidator.Algorithm {
	var algs []hashvalidator.Algorithm
	for alg := range hashvalidator.ParseHashes(hashes) {
		algs = append(algs, alg)
	}
	return algs
}

func (w *Writer) createSession(uploader transport.Uploader, req transport.StartRequest) (*session.Session, error) {
	var sess *session.Session
	err := w.retry.TryWithAbort(func(attempt uint) (error, bool) {
		if attempt > 0 {
			w.metrics.IncRetry(metrics.Upload)
			w.logger.Debugf("Retrying session start (attempt %d)", attempt)
		}
		s, err := session.Create(w.ctx, uploader, req, w.logger)
		if err != nil {
			return err, !status.IsRetryable(err)
		}
		sess = s
		return nil, false
	})
	return sess, err
}

func (w *Writer) restoreSession(uploader transport.Uploader, id string) (*session.Session, error) {
	var sess *session.Session
	err := w.retry.TryWithAbort(func(attempt uint) (error, bool) {
		if attempt > 0 {
			w.metrics.IncRetry(metrics.Upload)
		}
		s, err := session.Restore(w.ctx, uploader, id, w.logger)
		if err != nil {
			return err, !status.IsRetryable(err)
		}
		sess = s
		return nil, false
	})
	if err == nil {
		w.metrics.IncRestore(metrics.Upload)
	}
	return sess, err
}

// Write buffers p and uploads every full buffer. After a failed upload the Writer keeps failing; the session
// can still be suspended and resumed from NextExpectedByte.
func (w *Writer) Write(p []byte) (int, error) {
	if !w.open {
		return 0, ErrClosed
	}
	if w.err != nil {
		return 0, w.err
	}
	if w.contentLength >= 0 && w.buffer.Offset()+int64(w.buffer.Buffered()+len(p)) > w.contentLength {
		w.err = status.Protocol(codes.OutOfRange, "write exceeds the declared content length %d", w.contentLength)
		return 0, w.err
	}

	// Append keeps p even when flushing a full buffer fails, so p counts as written.
	if err := w.buffer.Append(p); err != nil {
		w.err = err
		return len(p), err
	}
	return len(p), nil
}

// Close uploads the buffered bytes as the final chunk and validates the object digest. Closing a Writer that
// is not open returns the error that ended it, if any.
func (w *Writer) Close() error {
	if !w.open {
		return w.err
	}
	w.open = false
	if w.err != nil {
		return w.err
	}

	if err := w.buffer.FlushFinal(w.contentLength); err != nil {
		return w.fail(err)
	}

	meta := w.session.Metadata()
	if meta != nil {
		w.received = meta.Hashes
	}
	if err := w.hash.Validate(w.received); err != nil {
		w.metrics.IncIntegrityFailure(metrics.Upload)
		w.logger.Warnf("Uploaded object digest mismatch: computed %s, received %s", w.hash.Finish(), w.received)
		return w.fail(err)
	}

	w.metrics.ObserveTransfer(metrics.Upload, codes.OK.String())
	w.logger.Debugf("Upload finished: %d chunks, %s in %s", w.stats.FinishedCount(),
		units.HumanSizeWithPrecision(float64(w.stats.Bytes()), 3), w.stats.TotalDuration().Round(time.Millisecond))
	return nil
}

// Suspend detaches from the upload session without finalizing it and returns the session id. Buffered bytes
// that were not uploaded are dropped; a Writer created with WithSessionID resumes at NextExpectedByte.
func (w *Writer) Suspend() string {
	w.open = false
	return w.session.Suspend()
}

// SessionID returns the id of the upload session.
func (w *Writer) SessionID() string {
	return w.session.ID()
}

// NextExpectedByte is the number of bytes confirmed by the service.
func (w *Writer) NextExpectedByte() int64 {
	return w.session.NextExpectedByte()
}

// Metadata returns the metadata of the uploaded object once the upload is finalized.
func (w *Writer) Metadata() *transport.ObjectMetadata {
	return w.session.Metadata()
}

// IsOpen reports whether the Writer accepts more data.
func (w *Writer) IsOpen() bool {
	return w.open
}

// ComputedHash is the digest of the bytes written, empty while the Writer is open or when validation is off.
func (w *Writer) ComputedHash() string {
	if w.open {
		return ""
	}
	return w.hash.Finish()
}

// ReceivedHash is the digest reported by the service for the finalized object.
func (w *Writer) ReceivedHash() string {
	return w.received
}

// Stats returns the chunk upload statistics.
func (w *Writer) Stats() *Stats {
	return w.stats
}

func (w *Writer) fail(err error) error {
	w.err = err
	w.metrics.ObserveTransfer(metrics.Upload, status.CodeOf(err).String())
	return err
}

// flush is called by the buffer for every chunk. chunk starts at the buffer offset, which may be behind the
// session offset when a previous attempt was partially committed.
func (w *Writer) flush(chunk []byte, final bool, totalSize int64) error {
	start := w.buffer.Offset()
	if skip := w.hashedUpTo - start; skip < int64(len(chunk)) {
		w.hash.Update(chunk[max(skip, 0):])
		w.hashedUpTo = start + int64(len(chunk))
	}
	if final {
		if err := w.checkExpected(); err != nil {
			return err
		}
	}

	began := time.Now()
	if err := w.upload(chunk, start, final, totalSize); err != nil {
		return err
	}

	took := time.Since(began)
	w.stats.Update(len(chunk), took)
	w.metrics.ObserveChunk(len(chunk), took)
	w.logger.Debugf("Chunk [%d, %d) uploaded in %s [finished=%d] [avg=%s]", start, start+int64(len(chunk)),
		took.Round(time.Millisecond), w.stats.FinishedCount(), w.stats.Average().Round(time.Millisecond))
	return nil
}

// checkExpected fails before the final chunk is sent when the computed digest differs from WithExpectedHashes,
// so the object is never finalized with unexpected content.
func (w *Writer) checkExpected() error {
	if w.expected == "" {
		return nil
	}
	if err := w.hash.Validate(w.expected); err != nil {
		w.metrics.IncIntegrityFailure(metrics.Upload)
		w.logger.Warnf("Written content digest mismatch: computed %s, expected %s", w.hash.Finish(), w.expected)
		return status.Wrap(codes.InvalidArgument, err, "content does not match the expected digest %s", w.expected)
	}
	return nil
}

// upload sends chunk, located at start, from the session offset on. Transport errors are retried after a
// Restore, since the service may have received any prefix of the chunk.
func (w *Writer) upload(chunk []byte, start int64, final bool, totalSize int64) error {
	needsRestore := false
	return w.retry.TryWithAbort(func(attempt uint) (error, bool) {
		if attempt > 0 {
			w.metrics.IncRetry(metrics.Upload)
			w.logger.Debugf("Retrying chunk at offset %d (attempt %d)", start, attempt)
		}

		if needsRestore {
			if err := w.session.Restore(w.ctx); err != nil {
				return err, !status.IsRetryable(err)
			}
			needsRestore = false
			w.metrics.IncRestore(metrics.Upload)
		}

		for {
			if w.session.Done() {
				if !final {
					return status.Protocol(codes.FailedPrecondition, "upload was finalized before the last chunk"), true
				}
				if meta := w.session.Metadata(); meta != nil && meta.Size != totalSize {
					return status.Protocol(codes.FailedPrecondition,
						"finalized object has %d bytes, expected %d", meta.Size, totalSize), true
				}
				return nil, false
			}

			next := w.session.NextExpectedByte()
			end := start + int64(len(chunk))
			if next < start || next > end {
				return status.Protocol(codes.FailedPrecondition,
					"service offset %d is outside of the pending chunk [%d, %d)", next, start, end), true
			}
			rest := chunk[next-start:]

			var err error
			if final {
				_, err = w.session.UploadFinalChunk(w.ctx, rest, totalSize)
			} else {
				if len(rest) == 0 {
					return nil, false
				}
				err = w.session.UploadChunk(w.ctx, rest)
			}

			switch {
			case err == nil:
				if !final && w.session.NextExpectedByte() < end {
					continue
				}
				return nil, false
			case errors.Is(err, session.ErrChunkIncomplete) && w.session.NextExpectedByte() > next:
				w.logger.Debugf("Chunk partially committed, resending from offset %d", w.session.NextExpectedByte())
				continue
			case status.IsRetryable(err):
				needsRestore = true
				return fmt.Errorf("upload chunk: %w", err), false
			default:
				return err, true
			}
		}
	})
}
