package httpxfer

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/melbahja/got"
	"google.golang.org/grpc/codes"

	"github.com/bitrise-io/go-blobtransfer/status"
	"github.com/bitrise-io/go-blobtransfer/streamread"
	"github.com/bitrise-io/go-blobtransfer/transport"
)

// ReadChunkSize is the size of the messages produced by streaming reads.
const ReadChunkSize = 256 * 1024

// OpenRead implements transport.Reader with a ranged media GET.
func (c *Client) OpenRead(ctx context.Context, r transport.ReadRequest) (streamread.Stream[transport.ReadChunk], error) {
	req, err := c.newRequest(ctx, http.MethodGet, c.mediaURL(r.Destination, r.Generation), nil)
	if err != nil {
		return nil, err
	}
	if rng := rangeHeader(r.Offset, r.Limit); rng != "" {
		req.Header.Set("Range", rng)
	}

	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		defer c.closeBody(resp.Body)
		return nil, unwrapError(resp)
	}
	if r.Offset > 0 && resp.StatusCode != http.StatusPartialContent {
		c.closeBody(resp.Body)
		return nil, status.Protocol(codes.OutOfRange, "service ignored the range of a read at offset %d", r.Offset)
	}

	return transport.NewBodyStream(resp.Body, objectFromHeaders(r.Destination, resp.Header), ReadChunkSize), nil
}

// Metadata returns the description of the current generation of an object.
func (c *Client) Metadata(ctx context.Context, dest transport.Destination) (*transport.ObjectMetadata, error) {
	return c.GenerationMetadata(ctx, dest, 0)
}

// GenerationMetadata returns the description of one generation of an object, of the current one for zero.
func (c *Client) GenerationMetadata(ctx context.Context, dest transport.Destination, generation int64) (*transport.ObjectMetadata, error) {
	u := c.objectURL(dest)
	if generation != 0 {
		u += "?generation=" + strconv.FormatInt(generation, 10)
	}
	req, err := c.newRequest(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer c.closeBody(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return nil, unwrapError(resp)
	}
	return decodeObject(resp.Body)
}

// DownloadFile downloads a generation of an object, the latest one when generation is zero, to path with
// parallel ranged requests.
func (c *Client) DownloadFile(ctx context.Context, dest transport.Destination, generation int64, path string) error {
	err := downloadFile(ctx, c.control.StandardClient(), c.mediaURL(dest, generation), c.token, path)
	if err == nil {
		return nil
	}
	// got reports HTTP failures as plain errors, the metadata request tells why the generation is unavailable.
	if _, metaErr := c.GenerationMetadata(ctx, dest, generation); metaErr != nil {
		return metaErr
	}
	return status.FromError(err)
}

func downloadFile(ctx context.Context, client *http.Client, url, token, dest string) error {
	downloader := got.New()
	downloader.Client = client

	download := got.NewDownload(ctx, url, dest)
	download.Header = []got.GotHeader{
		{Key: "Authorization", Value: fmt.Sprintf("Bearer %s", token)},
	}
	return downloader.Do(download)
}

func (c *Client) mediaURL(dest transport.Destination, generation int64) string {
	query := url.Values{}
	query.Set("alt", "media")
	if generation != 0 {
		query.Set("generation", strconv.FormatInt(generation, 10))
	}
	return c.objectURL(dest) + "?" + query.Encode()
}

func rangeHeader(offset, limit int64) string {
	switch {
	case limit > 0:
		return fmt.Sprintf("bytes=%d-%d", offset, offset+limit-1)
	case offset > 0:
		return fmt.Sprintf("bytes=%d-", offset)
	default:
		return ""
	}
}
