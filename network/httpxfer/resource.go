package httpxfer

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"google.golang.org/grpc/codes"

	"github.com/bitrise-io/go-blobtransfer/hashvalidator"
	"github.com/bitrise-io/go-blobtransfer/status"
	"github.com/bitrise-io/go-blobtransfer/transport"
)

type objectResource struct {
	Bucket      string            `json:"bucket"`
	Name        string            `json:"name"`
	Size        string            `json:"size"`
	Generation  string            `json:"generation"`
	ContentType string            `json:"contentType"`
	CRC32C      string            `json:"crc32c"`
	MD5Hash     string            `json:"md5Hash"`
	ETag        string            `json:"etag"`
	Updated     time.Time         `json:"updated"`
	Metadata    map[string]string `json:"metadata"`
}

type startUploadRequest struct {
	Name        string            `json:"name"`
	ContentType string            `json:"contentType,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CRC32C      string            `json:"crc32c,omitempty"`
	MD5Hash     string            `json:"md5Hash,omitempty"`
}

func decodeObject(body io.Reader) (*transport.ObjectMetadata, error) {
	var res objectResource
	if err := json.NewDecoder(body).Decode(&res); err != nil {
		return nil, status.Wrap(codes.Internal, err, "decode object resource")
	}

	size, err := parseInt(res.Size)
	if err != nil {
		return nil, status.Protocol(codes.Internal, "invalid object size %q", res.Size)
	}
	generation, err := parseInt(res.Generation)
	if err != nil {
		return nil, status.Protocol(codes.Internal, "invalid object generation %q", res.Generation)
	}

	hashes := map[hashvalidator.Algorithm]string{}
	if res.CRC32C != "" {
		hashes[hashvalidator.CRC32C] = res.CRC32C
	}
	if res.MD5Hash != "" {
		hashes[hashvalidator.MD5] = res.MD5Hash
	}

	return &transport.ObjectMetadata{
		Bucket:      res.Bucket,
		Name:        res.Name,
		Size:        size,
		Generation:  generation,
		ContentType: res.ContentType,
		Hashes:      hashvalidator.FormatHashes(hashes),
		ETag:        res.ETag,
		Updated:     res.Updated,
		Metadata:    res.Metadata,
	}, nil
}

// objectFromHeaders reads the object description sent along a media download.
func objectFromHeaders(dest transport.Destination, h http.Header) *transport.ObjectMetadata {
	hashes := map[hashvalidator.Algorithm]string{}
	for _, v := range h.Values("X-Goog-Hash") {
		for alg, digest := range hashvalidator.ParseHashes(v) {
			hashes[alg] = digest
		}
	}

	meta := &transport.ObjectMetadata{
		Bucket:      dest.Bucket,
		Name:        dest.Object,
		ContentType: h.Get("Content-Type"),
		Hashes:      hashvalidator.FormatHashes(hashes),
		ETag:        h.Get("ETag"),
	}
	meta.Generation, _ = parseInt(h.Get("X-Goog-Generation"))
	meta.Size, _ = parseInt(h.Get("X-Goog-Stored-Content-Length"))
	return meta
}

func parseInt(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	return strconv.ParseInt(s, 10, 64)
}
