package transfer

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/docker/go-units"
	"github.com/klauspost/compress/zstd"
	"google.golang.org/grpc/codes"

	"github.com/bitrise-io/go-blobtransfer/metrics"
	"github.com/bitrise-io/go-blobtransfer/status"
	"github.com/bitrise-io/go-blobtransfer/transport"
)

// DownloadOptions ...
type DownloadOptions struct {
	// Decompress zstd decompresses objects uploaded with UploadOptions.Compress. Objects without the
	// content encoding are written as they are.
	Decompress bool
}

type objectDescriber interface {
	Metadata(ctx context.Context, dest transport.Destination) (*transport.ObjectMetadata, error)
}

// fileDownloader is implemented by transports that download a whole object to a file with parallel requests.
type fileDownloader interface {
	objectDescriber
	DownloadFile(ctx context.Context, dest transport.Destination, generation int64, path string) error
}

// DownloadFile downloads the named object to path, replacing any existing file. The file is removed when the
// download fails.
func (c *Client) DownloadFile(ctx context.Context, name, path string, opts DownloadOptions) (*transport.ObjectMetadata, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	startTime := time.Now()
	var meta *transport.ObjectMetadata
	var err error
	downloader, ok := c.service.(fileDownloader)
	if ok && !opts.Decompress {
		meta, err = c.downloadParallel(ctx, downloader, c.dest(name), path)
	} else {
		meta, err = c.downloadStream(ctx, name, path, opts)
	}
	if err != nil {
		if removeErr := os.Remove(path); removeErr != nil && !os.IsNotExist(removeErr) {
			c.logger.Warnf("Failed to remove %s: %s", path, removeErr)
		}
		return nil, err
	}

	c.logger.Donef("Downloaded %s to %s (%s) in %s", c.dest(name), path, units.HumanSizeWithPrecision(float64(meta.Size), 3),
		time.Since(startTime).Round(time.Millisecond))
	return meta, nil
}

func (c *Client) downloadParallel(ctx context.Context, downloader fileDownloader, dest transport.Destination, path string) (*transport.ObjectMetadata, error) {
	meta, err := downloader.Metadata(ctx, dest)
	if err == nil {
		// Pinned to the described generation, so a concurrent replacement fails instead of mixing objects.
		err = downloader.DownloadFile(ctx, dest, meta.Generation, path)
		if err != nil {
			err = status.FromError(err)
		}
	}
	if err == nil {
		err = c.validateFile(path, meta.Hashes, metrics.Download)
	}
	c.params.Metrics.ObserveTransfer(metrics.Download, status.CodeOf(err).String())
	if err != nil {
		return nil, err
	}

	c.params.Metrics.AddDownloaded(int(meta.Size))
	return meta, nil
}

func (c *Client) downloadStream(ctx context.Context, name, path string, opts DownloadOptions) (*transport.ObjectMetadata, error) {
	r, err := c.ReadObject(ctx, name, 0, 0)
	if err != nil {
		return nil, err
	}
	defer r.Close() //nolint:errcheck

	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create file: %w", err)
	}
	defer file.Close() //nolint:errcheck

	// The metadata arrives with the first message.
	buffered := bufio.NewReaderSize(r, c.params.DownloadBufferSize)
	if _, err := buffered.Peek(1); err != nil && err != io.EOF {
		return nil, fmt.Errorf("download %s: %w", name, err)
	}
	meta := r.Metadata()
	if meta == nil {
		return nil, status.Protocol(codes.Internal, "no metadata received for %s", c.dest(name))
	}

	var src io.Reader = buffered
	if opts.Decompress && meta.Metadata[ContentEncodingKey] == "zstd" {
		dec, err := zstd.NewReader(buffered)
		if err != nil {
			return nil, fmt.Errorf("create zstd reader: %w", err)
		}
		defer dec.Close()
		src = dec
	}

	w := bufio.NewWriterSize(file, c.params.DownloadBufferSize)
	if _, err := io.Copy(w, src); err != nil {
		return nil, fmt.Errorf("download %s: %w", name, err)
	}
	if err := drain(buffered); err != nil {
		return nil, fmt.Errorf("download %s: %w", name, err)
	}
	if err := w.Flush(); err != nil {
		return nil, fmt.Errorf("write file: %w", err)
	}
	if err := file.Close(); err != nil {
		return nil, fmt.Errorf("close file: %w", err)
	}
	return r.Metadata(), nil
}

// drain reads r to the end, so the digest of the object is validated even when a decoder stopped short.
func drain(r io.Reader) error {
	_, err := io.Copy(io.Discard, r)
	return err
}
