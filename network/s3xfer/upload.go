package s3xfer

import (
	"bytes"
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/docker/go-units"
	"google.golang.org/grpc/codes"

	"github.com/bitrise-io/go-blobtransfer/status"
	"github.com/bitrise-io/go-blobtransfer/transport"
)

// StartSession implements transport.Uploader by creating a multipart upload.
// Multipart uploads carry no whole-object digest, so StartRequest.ExpectedHashes is left to the Writer, which
// checks it before the upload is completed.
func (c *Client) StartSession(ctx context.Context, r transport.StartRequest) (string, error) {
	if err := c.checkPreconditions(ctx, r.Destination, r.Preconditions); err != nil {
		return "", err
	}

	in := &s3.CreateMultipartUploadInput{
		Bucket:   aws.String(r.Destination.Bucket),
		Key:      aws.String(r.Destination.Object),
		Metadata: r.Metadata,
	}
	if r.ContentType != "" {
		in.ContentType = aws.String(r.ContentType)
	}
	out, err := c.api.CreateMultipartUpload(ctx, in)
	if err != nil {
		return "", fromAWSError(err, "create multipart upload for %s", r.Destination)
	}

	id := sessionID{
		dest:          r.Destination,
		uploadID:      aws.ToString(out.UploadId),
		preconditions: r.Preconditions,
		contentLength: r.ContentLength,
	}
	raw := id.String()

	c.mu.Lock()
	c.sessions[raw] = &uploadState{}
	c.mu.Unlock()

	c.logger.Debugf("Multipart upload started for %s", r.Destination)
	return raw, nil
}

// UploadChunk implements transport.Uploader. Every chunk becomes one part; the final chunk also completes the
// multipart upload. Chunks of one session must not be sent concurrently.
func (c *Client) UploadChunk(ctx context.Context, r transport.ChunkRequest) (transport.UploadResponse, error) {
	id, err := parseSessionID(r.SessionID)
	if err != nil {
		return transport.UploadResponse{}, err
	}
	state, err := c.state(ctx, id, r.SessionID)
	if err != nil {
		return transport.UploadResponse{}, err
	}
	if state.done != nil {
		return doneResponse(state.done), nil
	}

	committed := state.committed()
	if r.Offset != committed {
		return transport.UploadResponse{}, status.Newf(codes.InvalidArgument, "chunk offset %d, expected %d", r.Offset, committed)
	}

	if !r.Final {
		if len(r.Data) == 0 {
			return transport.UploadResponse{NextExpectedByte: committed}, nil
		}
		if len(r.Data)%c.quantum != 0 {
			return transport.UploadResponse{}, status.Newf(codes.InvalidArgument, "chunk of %d bytes is not aligned to %d", len(r.Data), c.quantum)
		}
		if err := c.uploadPart(ctx, id, state, r.Data); err != nil {
			return transport.UploadResponse{}, err
		}
		return transport.UploadResponse{NextExpectedByte: state.committed()}, nil
	}

	total := committed + int64(len(r.Data))
	if r.TotalSize != total {
		return transport.UploadResponse{}, status.Newf(codes.FailedPrecondition, "declared size %d, received %d", r.TotalSize, total)
	}
	if id.contentLength >= 0 && id.contentLength != total {
		return transport.UploadResponse{}, status.Newf(codes.FailedPrecondition, "declared content length %d, received %d", id.contentLength, total)
	}
	if len(r.Data) > 0 || len(state.parts) == 0 {
		if err := c.uploadPart(ctx, id, state, r.Data); err != nil {
			return transport.UploadResponse{}, err
		}
	}
	return c.complete(ctx, id, r.SessionID, state)
}

// QuerySession implements transport.Uploader. The committed size is read back with ListParts; an upload that
// no longer exists is finished if its object exists.
func (c *Client) QuerySession(ctx context.Context, sessionID string) (transport.UploadResponse, error) {
	id, err := parseSessionID(sessionID)
	if err != nil {
		return transport.UploadResponse{}, err
	}

	c.mu.Lock()
	cached := c.sessions[sessionID]
	c.mu.Unlock()
	if cached != nil && cached.cancelled {
		return transport.UploadResponse{}, status.Newf(codes.NotFound, "multipart upload %s was aborted", id.uploadID)
	}
	if cached != nil && cached.done != nil {
		return doneResponse(cached.done), nil
	}

	state, err := c.refresh(ctx, id, sessionID)
	if err != nil {
		return transport.UploadResponse{}, err
	}
	if state.done != nil {
		return doneResponse(state.done), nil
	}
	return transport.UploadResponse{NextExpectedByte: state.committed()}, nil
}

// CancelSession implements transport.Canceler by aborting the multipart upload.
func (c *Client) CancelSession(ctx context.Context, sessionID string) error {
	id, err := parseSessionID(sessionID)
	if err != nil {
		return err
	}

	_, err = c.api.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(id.dest.Bucket),
		Key:      aws.String(id.dest.Object),
		UploadId: aws.String(id.uploadID),
	})
	if err != nil {
		return fromAWSError(err, "abort multipart upload %s", id.uploadID)
	}

	c.mu.Lock()
	c.sessions[sessionID] = &uploadState{cancelled: true}
	c.mu.Unlock()
	return nil
}

// PutSmallObject uploads a file in a single request, for objects that fit in one part.
func (c *Client) PutSmallObject(ctx context.Context, dest transport.Destination, path, contentType string, preconditions transport.Preconditions) (*transport.ObjectMetadata, error) {
	if err := c.checkPreconditions(ctx, dest, preconditions); err != nil {
		return nil, err
	}

	err := retry.Times(numRetries).Wait(c.retryWait).TryWithAbort(func(attempt uint) (error, bool) {
		file, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open file: %w", err), true
		}
		defer file.Close() //nolint:errcheck

		uploader := manager.NewUploader(c.api, func(u *manager.Uploader) {
			u.PartSize = max(int64(c.quantum), manager.MinUploadPartSize)
		})

		in := &s3.PutObjectInput{
			Bucket: aws.String(dest.Bucket),
			Key:    aws.String(dest.Object),
			Body:   file,
		}
		if contentType != "" {
			in.ContentType = aws.String(contentType)
		}
		if _, err := uploader.Upload(ctx, in); err != nil {
			err = fromAWSError(err, "put object %s", dest)
			return err, !status.IsRetryable(err)
		}
		return nil, true
	})
	if err != nil {
		return nil, err
	}

	meta, err := c.Metadata(ctx, dest)
	if err != nil {
		return nil, err
	}
	c.logger.Debugf("Uploaded %s to %s in a single request", units.HumanSizeWithPrecision(float64(meta.Size), 3), dest)
	return meta, nil
}

func (c *Client) uploadPart(ctx context.Context, id sessionID, state *uploadState, data []byte) error {
	number := int32(len(state.parts) + 1)
	out, err := c.api.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(id.dest.Bucket),
		Key:           aws.String(id.dest.Object),
		UploadId:      aws.String(id.uploadID),
		PartNumber:    aws.Int32(number),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return fromAWSError(err, "upload part %d", number)
	}

	state.add(types.CompletedPart{ETag: out.ETag, PartNumber: aws.Int32(number)}, int64(len(data)))
	c.logger.Debugf("Part %d uploaded (%s)", number, units.HumanSizeWithPrecision(float64(len(data)), 3))
	return nil
}

func (c *Client) complete(ctx context.Context, id sessionID, raw string, state *uploadState) (transport.UploadResponse, error) {
	if err := c.checkPreconditions(ctx, id.dest, id.preconditions); err != nil {
		return transport.UploadResponse{}, err
	}

	_, err := c.api.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(id.dest.Bucket),
		Key:             aws.String(id.dest.Object),
		UploadId:        aws.String(id.uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: state.parts},
	})
	if err != nil {
		err = fromAWSError(err, "complete multipart upload %s", id.uploadID)
		if isNotFound(err) {
			// An earlier attempt may have completed the upload without us seeing the answer.
			return c.QuerySession(ctx, raw)
		}
		return transport.UploadResponse{}, err
	}

	meta, err := c.Metadata(ctx, id.dest)
	if err != nil {
		return transport.UploadResponse{}, err
	}
	state.done = meta
	return doneResponse(meta), nil
}

// state returns the cached state of a session, or recovers it with ListParts.
func (c *Client) state(ctx context.Context, id sessionID, raw string) (*uploadState, error) {
	c.mu.Lock()
	state, ok := c.sessions[raw]
	c.mu.Unlock()
	if ok {
		if state.cancelled {
			return nil, status.Newf(codes.NotFound, "multipart upload %s was aborted", id.uploadID)
		}
		return state, nil
	}
	return c.refresh(ctx, id, raw)
}

// refresh rebuilds the state of a session from the parts stored by S3. Only the parts numbered contiguously
// from 1 count as committed; later parts are overwritten by the next uploads.
func (c *Client) refresh(ctx context.Context, id sessionID, raw string) (*uploadState, error) {
	state := &uploadState{}
	var marker *string
	for {
		out, err := c.api.ListParts(ctx, &s3.ListPartsInput{
			Bucket:           aws.String(id.dest.Bucket),
			Key:              aws.String(id.dest.Object),
			UploadId:         aws.String(id.uploadID),
			PartNumberMarker: marker,
		})
		if err != nil {
			err = fromAWSError(err, "list parts of %s", id.uploadID)
			if isNotFound(err) {
				return c.finished(ctx, id, raw)
			}
			return nil, err
		}

		contiguous := true
		for _, p := range out.Parts {
			if aws.ToInt32(p.PartNumber) != int32(len(state.parts)+1) {
				contiguous = false
				break
			}
			state.add(types.CompletedPart{ETag: p.ETag, PartNumber: p.PartNumber}, aws.ToInt64(p.Size))
		}
		if !contiguous || !aws.ToBool(out.IsTruncated) {
			break
		}
		marker = out.NextPartNumberMarker
	}

	c.mu.Lock()
	c.sessions[raw] = state
	c.mu.Unlock()
	return state, nil
}

// finished resolves a session whose multipart upload is gone: it was completed if the object exists.
func (c *Client) finished(ctx context.Context, id sessionID, raw string) (*uploadState, error) {
	meta, err := c.Metadata(ctx, id.dest)
	if isNotFound(err) {
		return nil, status.Newf(codes.NotFound, "no multipart upload %s", id.uploadID)
	}
	if err != nil {
		return nil, err
	}

	state := &uploadState{done: meta}
	c.mu.Lock()
	c.sessions[raw] = state
	c.mu.Unlock()
	return state, nil
}

// checkPreconditions compares the current object with p. S3 objects have no generation, the last
// modification time in Unix seconds stands for it.
func (c *Client) checkPreconditions(ctx context.Context, dest transport.Destination, p transport.Preconditions) error {
	if !p.RequireAbsent() && p.IfGenerationMatch == nil {
		return nil
	}

	var meta *transport.ObjectMetadata
	err := retry.Times(numRetries).Wait(c.retryWait).TryWithAbort(func(attempt uint) (error, bool) {
		m, err := c.Metadata(ctx, dest)
		if isNotFound(err) {
			return nil, true
		}
		if err != nil {
			return fmt.Errorf("validating object: %w", err), !status.IsRetryable(err)
		}
		meta = m
		return nil, true
	})
	if err != nil {
		return err
	}

	if p.RequireAbsent() {
		if meta != nil {
			return status.Newf(codes.FailedPrecondition, "object %s already exists", dest)
		}
		return nil
	}
	if meta == nil || meta.Generation != *p.IfGenerationMatch {
		return status.Newf(codes.FailedPrecondition, "generation of %s does not match %d", dest, *p.IfGenerationMatch)
	}
	return nil
}

func doneResponse(meta *transport.ObjectMetadata) transport.UploadResponse {
	return transport.UploadResponse{NextExpectedByte: meta.Size, Done: true, Object: meta}
}
