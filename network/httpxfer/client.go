// Package httpxfer implements the transport interfaces over a JSON-API style HTTP service: resumable uploads
// with Content-Range chunk PUTs, ranged media reads and parallel file downloads.
package httpxfer

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"
	"google.golang.org/grpc/codes"

	"github.com/bitrise-io/go-blobtransfer/status"
	"github.com/bitrise-io/go-blobtransfer/transport"
)

const maxErrorBodySize = 4096

// Params ...
type Params struct {
	BaseURL string
	Token   string
	// Quantum is the chunk alignment mandated by the service, transport.DefaultQuantum when zero. It must be a
	// power of two, see transport.ResolveQuantum.
	Quantum int
	// ChunkTimeout bounds a single chunk PUT, no limit when zero.
	ChunkTimeout time.Duration
}

// Client talks to the service. Control requests (session start and query, cancellation, reads, metadata) are
// retried by a retryablehttp client; chunk PUTs are sent once, the caller reconciles failures by querying
// the session.
type Client struct {
	baseURL string
	token   string
	quantum int
	control *retryablehttp.Client
	chunks  *http.Client
	logger  log.Logger
}

var _ transport.Service = (*Client)(nil)
var _ transport.Canceler = (*Client)(nil)

// New ...
func New(params Params, logger log.Logger) (*Client, error) {
	if params.BaseURL == "" {
		return nil, fmt.Errorf("API base URL is empty")
	}
	if params.Token == "" {
		return nil, fmt.Errorf("API token is empty")
	}
	quantum, err := transport.ResolveQuantum(params.Quantum)
	if err != nil {
		return nil, err
	}

	control := retryhttp.NewClient(logger)
	control.CheckRetry = createCustomRetryFunction(logger)
	control.ErrorHandler = retryablehttp.PassthroughErrorHandler
	// A resumable session answers with 308 and no Location, it is never a redirect.
	control.HTTPClient.CheckRedirect = noRedirect

	return &Client{
		baseURL: strings.TrimSuffix(params.BaseURL, "/"),
		token:   params.Token,
		quantum: quantum,
		control: control,
		chunks: &http.Client{
			Timeout:       params.ChunkTimeout,
			CheckRedirect: noRedirect,
		},
		logger: logger,
	}, nil
}

// Quantum implements transport.Uploader.
func (c *Client) Quantum() int {
	return c.quantum
}

func (c *Client) newRequest(ctx context.Context, method, rawURL string, body interface{}) (*retryablehttp.Request, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, status.Wrap(codes.InvalidArgument, err, "create request")
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.token))
	return req, nil
}

func (c *Client) do(req *retryablehttp.Request) (*http.Response, error) {
	resp, err := c.control.Do(req)
	if err != nil {
		return nil, status.FromError(err)
	}
	return resp, nil
}

func (c *Client) closeBody(body io.ReadCloser) {
	if err := body.Close(); err != nil {
		c.logger.Printf(err.Error())
	}
}

func (c *Client) objectURL(dest transport.Destination) string {
	return fmt.Sprintf("%s/storage/v1/b/%s/o/%s", c.baseURL, url.PathEscape(dest.Bucket), url.PathEscape(dest.Object))
}

func createCustomRetryFunction(logger log.Logger) func(context.Context, *http.Response, error) (bool, error) {
	return func(ctx context.Context, resp *http.Response, reqErr error) (bool, error) {
		retry, err := retryablehttp.DefaultRetryPolicy(ctx, resp, reqErr)
		logger.Debugf("CheckRetry: retry=%v ; err=%+v ; reqErr=%+v", retry, err, reqErr)
		return retry, err
	}
}

func noRedirect(*http.Request, []*http.Request) error {
	return http.ErrUseLastResponse
}

// unwrapError turns an unexpected response into a Status, using the beginning of the body as message.
func unwrapError(resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	if err != nil {
		return status.FromError(err)
	}
	return status.FromHTTPResponse(resp.StatusCode, string(body))
}
