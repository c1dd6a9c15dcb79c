package s3xfer

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/bitrise-io/go-blobtransfer/hashvalidator"
	"github.com/bitrise-io/go-blobtransfer/streamread"
	"github.com/bitrise-io/go-blobtransfer/transport"
)

const readChunkSize = 1024 * 1024

// OpenRead implements transport.Reader with GetObject. A read pinned to a generation fails with
// FailedPrecondition once the object has been replaced.
func (c *Client) OpenRead(ctx context.Context, r transport.ReadRequest) (streamread.Stream[transport.ReadChunk], error) {
	in := &s3.GetObjectInput{
		Bucket: aws.String(r.Destination.Bucket),
		Key:    aws.String(r.Destination.Object),
	}
	switch {
	case r.Limit > 0:
		in.Range = aws.String(fmt.Sprintf("bytes=%d-%d", r.Offset, r.Offset+r.Limit-1))
	case r.Offset > 0:
		in.Range = aws.String(fmt.Sprintf("bytes=%d-", r.Offset))
	default:
		in.ChecksumMode = types.ChecksumModeEnabled
	}
	if r.Generation != 0 {
		in.IfUnmodifiedSince = aws.Time(time.Unix(r.Generation, 0))
	}

	out, err := c.api.GetObject(ctx, in)
	if err != nil {
		return nil, fromAWSError(err, "get object %s", r.Destination)
	}

	size := aws.ToInt64(out.ContentLength)
	if total, ok := totalFromContentRange(aws.ToString(out.ContentRange)); ok {
		size = total
	}
	meta := objectMetadata(r.Destination, object{
		size:         size,
		contentType:  out.ContentType,
		etag:         out.ETag,
		lastModified: out.LastModified,
		metadata:     out.Metadata,
		crc32c:       out.ChecksumCRC32C,
	})
	if in.Range != nil {
		// Digests describe the whole object, a range cannot be checked against them.
		meta.Hashes = ""
	}
	return transport.NewBodyStream(out.Body, meta, readChunkSize), nil
}

// Metadata returns the description of an object.
func (c *Client) Metadata(ctx context.Context, dest transport.Destination) (*transport.ObjectMetadata, error) {
	out, err := c.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket:       aws.String(dest.Bucket),
		Key:          aws.String(dest.Object),
		ChecksumMode: types.ChecksumModeEnabled,
	})
	if err != nil {
		return nil, fromAWSError(err, "head object %s", dest)
	}

	return objectMetadata(dest, object{
		size:         aws.ToInt64(out.ContentLength),
		contentType:  out.ContentType,
		etag:         out.ETag,
		lastModified: out.LastModified,
		metadata:     out.Metadata,
		crc32c:       out.ChecksumCRC32C,
	}), nil
}

type object struct {
	size         int64
	contentType  *string
	etag         *string
	lastModified *time.Time
	metadata     map[string]string
	crc32c       *string
}

// objectMetadata converts an S3 object description. The MD5 digest is taken from the ETag of objects
// uploaded in one request, the CRC32C digest from a full object checksum. Multipart ETags and composite
// checksums ("-N" suffix) are not digests of the content and are left out.
func objectMetadata(dest transport.Destination, o object) *transport.ObjectMetadata {
	hashes := map[hashvalidator.Algorithm]string{}
	if crc := aws.ToString(o.crc32c); crc != "" && !strings.Contains(crc, "-") {
		hashes[hashvalidator.CRC32C] = crc
	}
	etag := strings.Trim(aws.ToString(o.etag), `"`)
	if md5, err := hex.DecodeString(etag); err == nil && len(md5) == 16 {
		hashes[hashvalidator.MD5] = base64.StdEncoding.EncodeToString(md5)
	}

	meta := &transport.ObjectMetadata{
		Bucket:      dest.Bucket,
		Name:        dest.Object,
		Size:        o.size,
		ContentType: aws.ToString(o.contentType),
		Hashes:      hashvalidator.FormatHashes(hashes),
		ETag:        aws.ToString(o.etag),
		Metadata:    o.metadata,
	}
	if o.lastModified != nil {
		meta.Updated = *o.lastModified
		meta.Generation = o.lastModified.Unix()
	}
	return meta
}

func totalFromContentRange(v string) (int64, bool) {
	_, total, ok := strings.Cut(v, "/")
	if !ok || total == "*" {
		return 0, false
	}
	n, err := strconv.ParseInt(total, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
