package httpxfer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"

	"google.golang.org/grpc/codes"

	"github.com/bitrise-io/go-blobtransfer/hashvalidator"
	"github.com/bitrise-io/go-blobtransfer/status"
	"github.com/bitrise-io/go-blobtransfer/transport"
)

// StartSession implements transport.Uploader. The session id is the session URL returned in the Location
// header.
func (c *Client) StartSession(ctx context.Context, r transport.StartRequest) (string, error) {
	query := url.Values{}
	query.Set("uploadType", "resumable")
	query.Set("name", r.Destination.Object)
	if r.Preconditions.RequireAbsent() {
		query.Set("ifGenerationMatch", "0")
	} else if g := r.Preconditions.IfGenerationMatch; g != nil {
		query.Set("ifGenerationMatch", strconv.FormatInt(*g, 10))
	}
	startURL := fmt.Sprintf("%s/upload/storage/v1/b/%s/o?%s", c.baseURL, url.PathEscape(r.Destination.Bucket), query.Encode())

	expected := hashvalidator.ParseHashes(r.ExpectedHashes)
	body, err := json.Marshal(startUploadRequest{
		Name:        r.Destination.Object,
		ContentType: r.ContentType,
		Metadata:    r.Metadata,
		CRC32C:      expected[hashvalidator.CRC32C],
		MD5Hash:     expected[hashvalidator.MD5],
	})
	if err != nil {
		return "", status.Wrap(codes.InvalidArgument, err, "encode start request")
	}

	req, err := c.newRequest(ctx, http.MethodPost, startURL, body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json; charset=UTF-8")
	if r.ContentType != "" {
		req.Header.Set("X-Upload-Content-Type", r.ContentType)
	}
	if r.ContentLength >= 0 {
		req.Header.Set("X-Upload-Content-Length", strconv.FormatInt(r.ContentLength, 10))
	}

	resp, err := c.do(req)
	if err != nil {
		return "", err
	}
	defer c.closeBody(resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", unwrapError(resp)
	}

	location := resp.Header.Get("Location")
	if location == "" {
		return "", status.Protocol(codes.Internal, "session start response has no Location header")
	}
	c.logger.Debugf("Upload session started for %s", r.Destination)
	return location, nil
}

// UploadChunk implements transport.Uploader.
func (c *Client) UploadChunk(ctx context.Context, r transport.ChunkRequest) (transport.UploadResponse, error) {
	if r.SessionID == "" {
		return transport.UploadResponse{}, status.Protocol(codes.InvalidArgument, "empty session id")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, r.SessionID, bytes.NewReader(r.Data))
	if err != nil {
		return transport.UploadResponse{}, status.Wrap(codes.InvalidArgument, err, "create chunk request")
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.token))
	req.Header.Set("Content-Range", contentRange(r))
	req.ContentLength = int64(len(r.Data))

	dump, err := httputil.DumpRequest(req, false)
	if err != nil {
		c.logger.Warnf("error while dumping request: %s", err)
	}
	c.logger.Debugf("Chunk request dump: %s", string(dump))

	resp, err := c.chunks.Do(req)
	if err != nil {
		return transport.UploadResponse{}, status.FromError(err)
	}
	defer c.closeBody(resp.Body)

	return c.uploadResponse(resp)
}

// QuerySession implements transport.Uploader.
func (c *Client) QuerySession(ctx context.Context, sessionID string) (transport.UploadResponse, error) {
	if sessionID == "" {
		return transport.UploadResponse{}, status.Protocol(codes.InvalidArgument, "empty session id")
	}

	req, err := c.newRequest(ctx, http.MethodPut, sessionID, nil)
	if err != nil {
		return transport.UploadResponse{}, err
	}
	req.Header.Set("Content-Range", "bytes */*")
	req.Header.Set("Content-Length", "0")

	resp, err := c.do(req)
	if err != nil {
		return transport.UploadResponse{}, err
	}
	defer c.closeBody(resp.Body)

	return c.uploadResponse(resp)
}

// CancelSession implements transport.Canceler.
func (c *Client) CancelSession(ctx context.Context, sessionID string) error {
	req, err := c.newRequest(ctx, http.MethodDelete, sessionID, nil)
	if err != nil {
		return err
	}

	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer c.closeBody(resp.Body)

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK && resp.StatusCode != 499 {
		return unwrapError(resp)
	}
	return nil
}

// uploadResponse interprets the answer to a chunk PUT or a query: 308 carries the committed range, 200 and
// 201 the finalized object.
func (c *Client) uploadResponse(resp *http.Response) (transport.UploadResponse, error) {
	switch resp.StatusCode {
	case http.StatusPermanentRedirect:
		next, err := committedBytes(resp.Header.Get("Range"))
		if err != nil {
			return transport.UploadResponse{}, err
		}
		return transport.UploadResponse{NextExpectedByte: next}, nil
	case http.StatusOK, http.StatusCreated:
		meta, err := decodeObject(resp.Body)
		if err != nil {
			return transport.UploadResponse{}, err
		}
		return transport.UploadResponse{NextExpectedByte: meta.Size, Done: true, Object: meta}, nil
	default:
		return transport.UploadResponse{}, unwrapError(resp)
	}
}

func contentRange(r transport.ChunkRequest) string {
	total := "*"
	if r.Final {
		total = strconv.FormatInt(r.TotalSize, 10)
	}
	if len(r.Data) == 0 {
		return fmt.Sprintf("bytes */%s", total)
	}
	return fmt.Sprintf("bytes %d-%d/%s", r.Offset, r.Offset+int64(len(r.Data))-1, total)
}

// committedBytes parses the Range header of a 308 answer, "bytes=0-N". A missing header means nothing has
// been committed.
func committedBytes(v string) (int64, error) {
	if v == "" {
		return 0, nil
	}
	byteRange, ok := strings.CutPrefix(v, "bytes=")
	if !ok {
		return 0, status.Protocol(codes.Internal, "invalid Range header %q", v)
	}
	first, last, ok := strings.Cut(byteRange, "-")
	if !ok || first != "0" {
		return 0, status.Protocol(codes.Internal, "invalid Range header %q", v)
	}
	n, err := strconv.ParseInt(last, 10, 64)
	if err != nil || n < 0 {
		return 0, status.Protocol(codes.Internal, "invalid Range header %q", v)
	}
	return n + 1, nil
}
