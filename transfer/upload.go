package transfer

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/docker/go-units"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/sync/errgroup"

	"github.com/bitrise-io/go-blobtransfer/hashvalidator"
	"github.com/bitrise-io/go-blobtransfer/metrics"
	"github.com/bitrise-io/go-blobtransfer/objectstream"
	"github.com/bitrise-io/go-blobtransfer/status"
	"github.com/bitrise-io/go-blobtransfer/transport"
)

// ContentEncodingKey is the object metadata key marking compressed objects.
const ContentEncodingKey = "content-encoding"

// UploadOptions ...
type UploadOptions struct {
	ContentType   string
	Preconditions transport.Preconditions
	// Compress stores the file zstd compressed and marks the object with ContentEncodingKey.
	Compress bool
}

// smallObjectPutter is implemented by transports with a cheaper path than a resumable session for objects
// that fit in one chunk.
type smallObjectPutter interface {
	PutSmallObject(ctx context.Context, dest transport.Destination, path, contentType string, preconditions transport.Preconditions) (*transport.ObjectMetadata, error)
}

// UploadFile uploads the file at path to the named object.
func (c *Client) UploadFile(ctx context.Context, path, name string, opts UploadOptions) (*transport.ObjectMetadata, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat file: %w", err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%s is not a regular file", path)
	}

	startTime := time.Now()
	var meta *transport.ObjectMetadata
	putter, ok := c.service.(smallObjectPutter)
	if ok && !opts.Compress && info.Size() <= int64(c.service.Quantum()) {
		meta, err = c.putSmall(ctx, putter, path, c.dest(name), opts)
	} else {
		meta, err = c.uploadStream(ctx, path, info.Size(), name, opts)
	}
	if err != nil {
		return nil, err
	}

	c.logger.Donef("Uploaded %s to %s (%s) in %s", path, c.dest(name), units.HumanSizeWithPrecision(float64(meta.Size), 3),
		time.Since(startTime).Round(time.Millisecond))
	return meta, nil
}

func (c *Client) putSmall(ctx context.Context, putter smallObjectPutter, path string, dest transport.Destination, opts UploadOptions) (*transport.ObjectMetadata, error) {
	meta, err := putter.PutSmallObject(ctx, dest, path, opts.ContentType, opts.Preconditions)
	if err == nil {
		err = c.validateFile(path, meta.Hashes, metrics.Upload)
	}
	c.params.Metrics.ObserveTransfer(metrics.Upload, status.CodeOf(err).String())
	if err != nil {
		return nil, err
	}
	return meta, nil
}

func (c *Client) uploadStream(ctx context.Context, path string, size int64, name string, opts UploadOptions) (*transport.ObjectMetadata, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer file.Close() //nolint:errcheck

	writerOpts := []objectstream.Option{objectstream.WithPreconditions(opts.Preconditions)}
	contentType := opts.ContentType
	if opts.Compress {
		writerOpts = append(writerOpts, objectstream.WithMetadata(map[string]string{ContentEncodingKey: "zstd"}))
		if contentType == "" {
			contentType = "application/zstd"
		}
	} else {
		writerOpts = append(writerOpts, objectstream.WithContentLength(size))
	}
	if contentType != "" {
		writerOpts = append(writerOpts, objectstream.WithContentType(contentType))
	}

	w, err := c.WriteObject(ctx, name, writerOpts...)
	if err != nil {
		return nil, err
	}

	if err := c.copyFile(w, file, opts.Compress); err != nil {
		c.abandon(ctx, w)
		return nil, err
	}
	if err := w.Close(); err != nil {
		c.abandon(ctx, w)
		return nil, err
	}
	return w.Metadata(), nil
}

func (c *Client) copyFile(w io.Writer, file io.Reader, compress bool) error {
	if !compress {
		if _, err := io.Copy(w, file); err != nil {
			return fmt.Errorf("upload file: %w", err)
		}
		return nil
	}

	enc, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("create zstd writer: %w", err)
	}
	if _, err := io.Copy(enc, file); err != nil {
		_ = enc.Close()
		return fmt.Errorf("upload compressed file: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close zstd writer: %w", err)
	}
	return nil
}

// abandon cancels the session of a failed upload when the transport supports it.
func (c *Client) abandon(ctx context.Context, w *objectstream.Writer) {
	canceler, ok := c.service.(transport.Canceler)
	if !ok || w.Metadata() != nil {
		return
	}
	if err := canceler.CancelSession(ctx, w.SessionID()); err != nil {
		c.logger.Debugf("Failed to cancel upload session: %s", err)
	}
}

// UploadPaths uploads every file matched by paths, at most Params.Concurrency at a time. Paths containing
// "*" are doublestar patterns; a matched file is named prefix joined with its path relative to the pattern
// base. Other paths name one file, uploaded as prefix joined with its base name.
func (c *Client) UploadPaths(ctx context.Context, paths []string, prefix string, opts UploadOptions) ([]*transport.ObjectMetadata, error) {
	files, err := c.evaluatePaths(paths)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no files to upload")
	}

	results := make([]*transport.ObjectMetadata, len(files))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(c.params.Concurrency)
	for i, f := range files {
		g.Go(func() error {
			meta, err := c.UploadFile(ctx, f.path, path.Join(prefix, f.name), opts)
			if err != nil {
				return fmt.Errorf("upload %s: %w", f.path, err)
			}
			results[i] = meta
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

type localFile struct {
	path string
	name string
}

func (c *Client) evaluatePaths(paths []string) ([]localFile, error) {
	pathModifier := pathutil.NewPathModifier()

	// Expand wildcard paths
	var expanded []localFile
	for _, p := range paths {
		if !strings.Contains(p, "*") {
			expanded = append(expanded, localFile{path: p, name: filepath.Base(p)})
			continue
		}

		base, pattern := doublestar.SplitPattern(p)
		absBase, err := pathModifier.AbsPath(base) // resolves ~/ and expands any envs
		if err != nil {
			return nil, err
		}
		matches, err := doublestar.Glob(os.DirFS(absBase), pattern, doublestar.WithNoFollow())
		if err != nil {
			return nil, fmt.Errorf("invalid path pattern %s: %w", p, err)
		}
		if len(matches) == 0 {
			c.logger.Warnf("No match for path pattern: %s", p)
			continue
		}

		for _, match := range matches {
			expanded = append(expanded, localFile{path: filepath.Join(absBase, match), name: match})
		}
	}

	// Keep existing regular files, once
	seen := map[string]bool{}
	var files []localFile
	for _, f := range expanded {
		absPath, err := pathModifier.AbsPath(f.path)
		if err != nil {
			c.logger.Warnf("Failed to parse path %s, error: %s", f.path, err)
			continue
		}
		info, err := os.Stat(absPath)
		if err != nil {
			c.logger.Warnf("Path doesn't exist: %s", f.path)
			continue
		}
		if !info.Mode().IsRegular() || seen[absPath] {
			continue
		}
		seen[absPath] = true
		files = append(files, localFile{path: absPath, name: filepath.ToSlash(f.name)})
	}
	return files, nil
}

// validateFile compares the digest of a transferred file with the digest reported by the service.
func (c *Client) validateFile(path, received string, direction metrics.Direction) error {
	v := hashvalidator.FromConfig(c.params.Hashes)
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open file: %w", err)
	}
	defer file.Close() //nolint:errcheck

	if _, err := io.Copy(validatorWriter{v}, file); err != nil {
		return fmt.Errorf("read file: %w", err)
	}
	if err := v.Validate(received); err != nil {
		c.params.Metrics.IncIntegrityFailure(direction)
		c.logger.Warnf("Digest mismatch for %s: computed %s, received %s", path, v.Finish(), received)
		return err
	}
	return nil
}

type validatorWriter struct {
	v hashvalidator.Validator
}

func (w validatorWriter) Write(p []byte) (int, error) {
	w.v.Update(p)
	return len(p), nil
}
