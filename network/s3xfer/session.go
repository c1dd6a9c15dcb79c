package s3xfer

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"google.golang.org/grpc/codes"

	"github.com/bitrise-io/go-blobtransfer/status"
	"github.com/bitrise-io/go-blobtransfer/transport"
)

// sessionID is the decoded form of "s3://bucket/key?uploadId=ID[&ifGenerationMatch=N][&contentLength=N]".
// Preconditions and the declared length travel in the id so that a restored session still checks them at
// completion.
type sessionID struct {
	dest          transport.Destination
	uploadID      string
	preconditions transport.Preconditions
	contentLength int64
}

func (s sessionID) String() string {
	query := url.Values{}
	query.Set("uploadId", s.uploadID)
	if s.preconditions.RequireAbsent() {
		query.Set("ifGenerationMatch", "0")
	} else if g := s.preconditions.IfGenerationMatch; g != nil {
		query.Set("ifGenerationMatch", strconv.FormatInt(*g, 10))
	}
	if s.contentLength >= 0 {
		query.Set("contentLength", strconv.FormatInt(s.contentLength, 10))
	}
	u := url.URL{
		Scheme:   "s3",
		Host:     s.dest.Bucket,
		Path:     "/" + s.dest.Object,
		RawQuery: query.Encode(),
	}
	return u.String()
}

func parseSessionID(id string) (sessionID, error) {
	u, err := url.Parse(id)
	if err != nil || u.Scheme != "s3" {
		return sessionID{}, status.Protocol(codes.InvalidArgument, "invalid S3 session id %q", id)
	}

	s := sessionID{
		dest:          transport.Destination{Bucket: u.Host, Object: strings.TrimPrefix(u.Path, "/")},
		uploadID:      u.Query().Get("uploadId"),
		contentLength: -1,
	}
	if s.dest.Bucket == "" || s.dest.Object == "" || s.uploadID == "" {
		return sessionID{}, status.Protocol(codes.InvalidArgument, "invalid S3 session id %q", id)
	}
	if v := u.Query().Get("ifGenerationMatch"); v != "" {
		g, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return sessionID{}, status.Protocol(codes.InvalidArgument, "invalid S3 session id %q", id)
		}
		s.preconditions = transport.IfGenerationMatch(g)
	}
	if v := u.Query().Get("contentLength"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return sessionID{}, status.Protocol(codes.InvalidArgument, "invalid S3 session id %q", id)
		}
		s.contentLength = n
	}
	return s, nil
}

// uploadState is what the client knows about a multipart upload.
type uploadState struct {
	parts     []types.CompletedPart
	sizes     []int64
	done      *transport.ObjectMetadata
	cancelled bool
}

func (u *uploadState) committed() int64 {
	var n int64
	for _, size := range u.sizes {
		n += size
	}
	return n
}

func (u *uploadState) add(part types.CompletedPart, size int64) {
	u.parts = append(u.parts, part)
	u.sizes = append(u.sizes, size)
}
