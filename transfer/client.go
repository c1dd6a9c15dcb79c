// Package transfer is the entry point of the module: it picks a storage backend from the environment and
// transfers objects, files and file trees through it.
package transfer

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/bitrise-io/go-blobtransfer/config"
	"github.com/bitrise-io/go-blobtransfer/hashvalidator"
	"github.com/bitrise-io/go-blobtransfer/metrics"
	"github.com/bitrise-io/go-blobtransfer/network/bytestreamxfer"
	"github.com/bitrise-io/go-blobtransfer/network/httpxfer"
	"github.com/bitrise-io/go-blobtransfer/network/s3xfer"
	"github.com/bitrise-io/go-blobtransfer/objectstream"
	"github.com/bitrise-io/go-blobtransfer/transport"
)

const (
	dialTimeout        = 10 * time.Second
	defaultConcurrency = 4
)

// Params configures a Client created with NewWithTransport. Zero values select the defaults.
type Params struct {
	Bucket             string
	Hashes             hashvalidator.Config
	UploadBufferSize   int
	DownloadBufferSize int
	Retry              objectstream.RetryPolicy
	Metrics            *metrics.Metrics
	// Concurrency bounds the parallel uploads of UploadPaths.
	Concurrency int
}

// Client transfers objects of one bucket.
type Client struct {
	service transport.Service
	params  Params
	logger  log.Logger
	closer  io.Closer
}

// New creates a Client configured by the BLOBXFER_* environment variables. The transfer metrics are
// registered with reg, if not nil.
func New(ctx context.Context, envRepo env.Repository, reg prometheus.Registerer, logger log.Logger) (*Client, error) {
	if logger == nil {
		logger = log.NewLogger()
	}

	cfg, err := config.New(envRepo)
	if err != nil {
		return nil, err
	}
	logger.EnableDebugLog(cfg.Verbose)
	cfg.Print(logger)

	var service transport.Service
	var closer io.Closer
	switch cfg.Backend {
	case config.BackendS3:
		service, err = s3xfer.New(ctx, s3xfer.Params{
			Region:          cfg.Region,
			AccessKeyID:     string(cfg.AccessKeyID),
			SecretAccessKey: string(cfg.SecretAccessKey),
			Endpoint:        cfg.Endpoint,
		}, logger)
	case config.BackendByteStream:
		var c *bytestreamxfer.Client
		c, err = bytestreamxfer.New(ctx, bytestreamxfer.Params{
			UseInsecure: cfg.Insecure,
			Host:        cfg.Endpoint,
			DialTimeout: dialTimeout,
			Token:       string(cfg.Token),
		}, logger)
		service, closer = c, c
	default:
		service, err = httpxfer.New(httpxfer.Params{
			BaseURL: cfg.Endpoint,
			Token:   string(cfg.Token),
		}, logger)
	}
	if err != nil {
		return nil, fmt.Errorf("create %s client: %w", cfg.Backend, err)
	}

	client := NewWithTransport(service, Params{
		Bucket:             cfg.Bucket,
		Hashes:             cfg.Hashes(),
		UploadBufferSize:   cfg.UploadBufferSize(service.Quantum()),
		DownloadBufferSize: cfg.DownloadBufferSize(),
		Retry:              cfg.RetryPolicy(),
		Metrics:            metrics.New(reg),
	}, logger)
	client.closer = closer
	return client, nil
}

// NewWithTransport creates a Client on an existing transport.
func NewWithTransport(service transport.Service, params Params, logger log.Logger) *Client {
	if params.Hashes == (hashvalidator.Config{}) {
		params.Hashes = hashvalidator.DefaultConfig()
	}
	if params.UploadBufferSize == 0 {
		params.UploadBufferSize = objectstream.DefaultBufferSize
	}
	if params.DownloadBufferSize == 0 {
		params.DownloadBufferSize = 1024 * 1024
	}
	if params.Retry == nil {
		params.Retry = objectstream.DefaultRetryPolicy()
	}
	if params.Concurrency <= 0 {
		params.Concurrency = defaultConcurrency
	}
	return &Client{service: service, params: params, logger: logger}
}

// Close releases the connection of the transport, if it has one.
func (c *Client) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer.Close()
}

// WriteObject opens a Writer to the named object. opts are applied after the client defaults.
func (c *Client) WriteObject(ctx context.Context, name string, opts ...objectstream.Option) (*objectstream.Writer, error) {
	return objectstream.NewWriter(ctx, c.service, c.dest(name), c.logger, c.options(opts...)...)
}

// ReadObject opens a Reader of the named object from offset; a zero limit reads to the end.
func (c *Client) ReadObject(ctx context.Context, name string, offset, limit int64, opts ...objectstream.Option) (*objectstream.Reader, error) {
	req := transport.ReadRequest{Destination: c.dest(name), Offset: offset, Limit: limit}
	return objectstream.NewReader(ctx, c.service, req, c.logger, c.options(opts...)...)
}

func (c *Client) dest(name string) transport.Destination {
	return transport.Destination{Bucket: c.params.Bucket, Object: name}
}

func (c *Client) options(extra ...objectstream.Option) []objectstream.Option {
	opts := []objectstream.Option{
		objectstream.WithBufferSize(c.params.UploadBufferSize),
		objectstream.WithHashes(c.params.Hashes),
		objectstream.WithRetryPolicy(c.params.Retry),
		objectstream.WithMetrics(c.params.Metrics),
	}
	return append(opts, extra...)
}
