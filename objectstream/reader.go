package objectstream

import (
	"context"
	"io"

	"github.com/bitrise-io/go-utils/v2/log"
	"google.golang.org/grpc/codes"

	"github.com/bitrise-io/go-blobtransfer/hashvalidator"
	"github.com/bitrise-io/go-blobtransfer/metrics"
	"github.com/bitrise-io/go-blobtransfer/status"
	"github.com/bitrise-io/go-blobtransfer/streamread"
	"github.com/bitrise-io/go-blobtransfer/transport"
)

// maxStalledRestarts bounds read restarts that did not deliver a single byte.
const maxStalledRestarts = 3

// Reader downloads an object through a streaming read. Broken streams are restarted at the current offset.
// When the read ends successfully the computed digest is compared with the one reported by the service; a
// mismatch is returned by Read as a DataLoss status, and the bytes already returned must be discarded.
// A Reader is not safe for concurrent use.
type Reader struct {
	ctx     context.Context
	source  transport.Reader
	req     transport.ReadRequest
	logger  log.Logger
	retry   RetryPolicy
	metrics *metrics.Metrics

	stream   *streamread.Wrapper[transport.ReadChunk]
	hash     hashvalidator.Validator
	validate bool
	received string
	meta     *transport.ObjectMetadata

	pending  []byte
	consumed int64
	stalled  int
	end      error
	closed   bool
}

// NewReader opens a read of req. Validation is disabled for reads that do not cover the whole object, that
// is a non-zero offset or a limit.
func NewReader(ctx context.Context, source transport.Reader, req transport.ReadRequest, logger log.Logger, opts ...Option) (*Reader, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	r := &Reader{
		ctx:     ctx,
		source:  source,
		req:     req,
		logger:  logger,
		retry:   o.retry,
		metrics: o.metrics,
	}
	r.validate = req.Offset == 0 && req.Limit == 0
	if r.validate {
		r.hash = hashvalidator.FromConfig(o.hashes)
	} else {
		r.hash = hashvalidator.NewNull()
	}

	if err := r.open(req); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Reader) open(req transport.ReadRequest) error {
	return r.retry.TryWithAbort(func(attempt uint) (error, bool) {
		if attempt > 0 {
			r.metrics.IncRetry(metrics.Download)
			r.logger.Debugf("Retrying read of %s at offset %d (attempt %d)", req.Destination, req.Offset, attempt)
		}
		stream, err := r.source.OpenRead(r.ctx, req)
		if err != nil {
			return err, !status.IsRetryable(err)
		}
		r.stream = streamread.New(stream, r.logger)
		return nil, false
	})
}

// Read implements io.Reader.
func (r *Reader) Read(p []byte) (int, error) {
	if r.closed {
		return 0, ErrClosed
	}
	if len(p) == 0 {
		return 0, nil
	}

	for len(r.pending) == 0 {
		if r.end != nil {
			return 0, r.end
		}
		r.next()
	}

	n := copy(p, r.pending)
	r.pending = r.pending[n:]
	r.metrics.AddDownloaded(n)
	return n, nil
}

// next receives one message or ends the read.
func (r *Reader) next() {
	res := r.stream.Read()
	if chunk, ok := res.Value(); ok {
		if chunk.Object != nil {
			r.meta = chunk.Object
		}
		if chunk.Hashes != "" && r.validate {
			r.received = chunk.Hashes
		}
		if len(chunk.Data) > 0 {
			r.stalled = 0
		}
		r.hash.Update(chunk.Data)
		r.pending = chunk.Data
		r.consumed += int64(len(chunk.Data))
		return
	}

	st, _ := res.Status()
	switch {
	case st.Ok():
		if err := r.hash.Validate(r.received); err != nil {
			r.metrics.IncIntegrityFailure(metrics.Download)
			r.logger.Warnf("Downloaded object digest mismatch: computed %s, received %s", r.hash.Finish(), r.received)
			r.end = err
			r.metrics.ObserveTransfer(metrics.Download, status.CodeOf(err).String())
			return
		}
		r.end = io.EOF
		r.metrics.ObserveTransfer(metrics.Download, codes.OK.String())
	case status.IsRetryable(st) && r.stalled < maxStalledRestarts:
		if err := r.restart(); err != nil {
			r.end = err
		}
	default:
		r.end = st
		r.metrics.ObserveTransfer(metrics.Download, st.Code().String())
	}
}

// restart reopens the read after the bytes received so far, pinned to the generation being read. It returns
// io.EOF when a limited read already received everything.
func (r *Reader) restart() error {
	if r.req.Limit > 0 && r.consumed >= r.req.Limit {
		return io.EOF
	}
	r.stalled++
	r.metrics.IncRestore(metrics.Download)

	req := r.req
	req.Offset = r.req.Offset + r.consumed
	if r.req.Limit > 0 {
		req.Limit = r.req.Limit - r.consumed
	}
	if req.Generation == 0 && r.meta != nil {
		req.Generation = r.meta.Generation
	}
	if req.Offset > 0 {
		// Bytes before the offset are not seen again, so the digest cannot be completed.
		r.hash = hashvalidator.NewNull()
		r.validate = false
		r.received = ""
	}

	r.logger.Debugf("Restarting read of %s at offset %d", req.Destination, req.Offset)
	return r.open(req)
}

// Close releases the stream. Closing before the end of the object is not an error.
func (r *Reader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	r.stream.Close()
	return nil
}

// Metadata returns the object metadata, once the service has sent it.
func (r *Reader) Metadata() *transport.ObjectMetadata {
	return r.meta
}

// Offset is the object offset of the next byte the stream will receive.
func (r *Reader) Offset() int64 {
	return r.req.Offset + r.consumed
}

// ComputedHash is the digest of the object, available once Read has returned io.EOF or an error.
func (r *Reader) ComputedHash() string {
	if r.end == nil {
		return ""
	}
	return r.hash.Finish()
}

// ReceivedHash is the digest reported by the service, empty when validation is disabled.
func (r *Reader) ReceivedHash() string {
	return r.received
}
