// Package objectstream provides the user facing transfer objects: a Writer that uploads through a resumable
// session and a Reader that downloads through a streaming read, both validating content digests.
package objectstream

import (
	"time"

	"github.com/bitrise-io/go-utils/retry"

	"github.com/bitrise-io/go-blobtransfer/hashvalidator"
	"github.com/bitrise-io/go-blobtransfer/metrics"
	"github.com/bitrise-io/go-blobtransfer/transport"
)

// DefaultBufferSize is the default upload buffer. It is rounded up to the quantum of the transport.
const DefaultBufferSize = 8 * 1024 * 1024

// RetryPolicy runs an action until it succeeds, aborts or runs out of attempts. It is satisfied by
// *retry.Model from github.com/bitrise-io/go-utils/retry.
type RetryPolicy interface {
	TryWithAbort(action retry.AbortableAction) error
}

// DefaultRetryPolicy retries three times, waiting a second between attempts.
func DefaultRetryPolicy() RetryPolicy {
	return retry.Times(3).Wait(time.Second)
}

type options struct {
	bufferSize    int
	hashes        hashvalidator.Config
	expected      string
	sessionID     string
	contentLength int64
	contentType   string
	metadata      map[string]string
	preconditions transport.Preconditions
	retry         RetryPolicy
	metrics       *metrics.Metrics
}

func defaultOptions() options {
	return options{
		bufferSize:    DefaultBufferSize,
		hashes:        hashvalidator.DefaultConfig(),
		contentLength: -1,
		retry:         DefaultRetryPolicy(),
	}
}

// Option configures a Writer or a Reader.
type Option func(*options)

// WithBufferSize sets the upload buffer size. Values below the transport quantum become one quantum.
func WithBufferSize(n int) Option {
	return func(o *options) {
		o.bufferSize = n
	}
}

// WithHashes selects the digest algorithms.
func WithHashes(cfg hashvalidator.Config) Option {
	return func(o *options) {
		o.hashes = cfg
	}
}

// WithExpectedHashes sets the digest the object must have, in the form parsed by hashvalidator.ParseHashes.
// The Writer refuses to finalize content with a different digest and the digest is sent to the service with
// the session start.
func WithExpectedHashes(hashes string) Option {
	return func(o *options) {
		o.expected = hashes
	}
}

// WithSessionID resumes an existing upload session instead of starting a new one.
func WithSessionID(id string) Option {
	return func(o *options) {
		o.sessionID = id
	}
}

// WithContentLength declares the object size when the session is started. Closing a writer after a different
// number of bytes fails.
func WithContentLength(n int64) Option {
	return func(o *options) {
		o.contentLength = n
	}
}

// WithContentType sets the object content type.
func WithContentType(contentType string) Option {
	return func(o *options) {
		o.contentType = contentType
	}
}

// WithMetadata sets custom object metadata.
func WithMetadata(md map[string]string) Option {
	return func(o *options) {
		o.metadata = md
	}
}

// WithPreconditions sets the write preconditions.
func WithPreconditions(p transport.Preconditions) Option {
	return func(o *options) {
		o.preconditions = p
	}
}

// WithRetryPolicy replaces the default retry policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(o *options) {
		o.retry = p
	}
}

// WithMetrics records the transfer in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}
