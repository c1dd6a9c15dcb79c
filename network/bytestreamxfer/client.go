// Package bytestreamxfer implements the transport interfaces over the gRPC ByteStream service: uploads are
// Write streams resumed with QueryWriteStatus, reads are Read streams.
package bytestreamxfer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/google/uuid"
	"google.golang.org/genproto/googleapis/bytestream"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"github.com/bitrise-io/go-blobtransfer/status"
	"github.com/bitrise-io/go-blobtransfer/transport"
)

// maxMessageSize bounds the data of one WriteRequest.
const maxMessageSize = 1024 * 1024

// Params ...
type Params struct {
	UseInsecure bool
	Host        string
	DialTimeout time.Duration
	Token       string
	// Quantum is the chunk alignment mandated by the service, transport.DefaultQuantum when zero. It must be a
	// power of two, see transport.ResolveQuantum.
	Quantum int
}

// Client ...
type Client struct {
	bytestream bytestream.ByteStreamClient
	conn       *grpc.ClientConn
	token      string
	quantum    int
	logger     log.Logger
}

var _ transport.Service = (*Client)(nil)

// New dials the service.
func New(ctx context.Context, p Params, logger log.Logger) (*Client, error) {
	opts := make([]grpc.DialOption, 0)
	if p.UseInsecure {
		creds := insecure.NewCredentials()
		insecureOpt := grpc.WithTransportCredentials(creds)
		opts = append(opts, insecureOpt)
	}
	if p.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.DialTimeout)
		defer cancel()
	}
	conn, err := grpc.DialContext(ctx, p.Host, opts...) //nolint:staticcheck
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", p.Host, err)
	}

	c, err := NewWithConn(conn, p, logger)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return c, nil
}

// NewWithConn creates a Client on an existing connection. Close closes conn.
func NewWithConn(conn *grpc.ClientConn, p Params, logger log.Logger) (*Client, error) {
	quantum, err := transport.ResolveQuantum(p.Quantum)
	if err != nil {
		return nil, err
	}
	return &Client{
		bytestream: bytestream.NewByteStreamClient(conn),
		conn:       conn,
		token:      p.Token,
		quantum:    quantum,
		logger:     logger,
	}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Quantum implements transport.Uploader.
func (c *Client) Quantum() int {
	return c.quantum
}

func (c *Client) outgoing(ctx context.Context, kv ...string) context.Context {
	md := metadata.Pairs(kv...)
	if c.token != "" {
		md.Append("authorization", fmt.Sprintf("Bearer %s", c.token))
	}
	return metadata.NewOutgoingContext(ctx, md)
}

// uploadResource names a new upload of dest: "{bucket}/uploads/{uuid}/{object}".
func uploadResource(dest transport.Destination) string {
	return fmt.Sprintf("%s/uploads/%s/%s", dest.Bucket, uuid.NewString(), dest.Object)
}

func parseUploadResource(name string) (transport.Destination, error) {
	parts := strings.SplitN(name, "/", 4)
	if len(parts) != 4 || parts[0] == "" || parts[1] != "uploads" || parts[2] == "" || parts[3] == "" {
		return transport.Destination{}, status.Protocol(codes.InvalidArgument, "invalid upload resource name %q", name)
	}
	return transport.Destination{Bucket: parts[0], Object: parts[3]}, nil
}

func readResource(dest transport.Destination) string {
	return fmt.Sprintf("%s/%s", dest.Bucket, dest.Object)
}
