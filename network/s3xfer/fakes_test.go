package s3xfer

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"
)

type fakeObject struct {
	data        []byte
	contentType string
	metadata    map[string]string
	etag        string
	modified    time.Time
}

type fakeUpload struct {
	bucket      string
	key         string
	contentType string
	metadata    map[string]string
	parts       map[int32][]byte
}

// fakeS3 is an in-memory S3API. Every write advances its clock by a second, so that consecutive writes of an
// object get different modification times.
type fakeS3 struct {
	mu      sync.Mutex
	clock   time.Time
	objects map[string]*fakeObject
	uploads map[string]*fakeUpload
	calls   map[string]int

	failPartsAfterStore    int
	failCompleteAfterStore int
}

func newFakeS3() *fakeS3 {
	return &fakeS3{
		clock:   time.Unix(1_700_000_000, 0).UTC(),
		objects: map[string]*fakeObject{},
		uploads: map[string]*fakeUpload{},
		calls:   map[string]int{},
	}
}

func (f *fakeS3) object(bucket, key string) (*fakeObject, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.objects[bucket+"/"+key]
	return o, ok
}

func (f *fakeS3) callCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeS3) putLocked(bucket, key string, data []byte, contentType string, metadata map[string]string, etag string) {
	f.clock = f.clock.Add(time.Second)
	f.objects[bucket+"/"+key] = &fakeObject{
		data:        data,
		contentType: contentType,
		metadata:    metadata,
		etag:        etag,
		modified:    f.clock,
	}
}

func (f *fakeS3) CreateMultipartUpload(_ context.Context, in *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["CreateMultipartUpload"]++

	id := uuid.NewString()
	f.uploads[id] = &fakeUpload{
		bucket:      aws.ToString(in.Bucket),
		key:         aws.ToString(in.Key),
		contentType: aws.ToString(in.ContentType),
		metadata:    in.Metadata,
		parts:       map[int32][]byte{},
	}
	return &s3.CreateMultipartUploadOutput{UploadId: aws.String(id)}, nil
}

func (f *fakeS3) UploadPart(_ context.Context, in *s3.UploadPartInput, _ ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["UploadPart"]++

	u, ok := f.uploads[aws.ToString(in.UploadId)]
	if !ok {
		return nil, &types.NoSuchUpload{Message: aws.String("no such upload")}
	}
	u.parts[aws.ToInt32(in.PartNumber)] = data

	if f.failPartsAfterStore > 0 {
		f.failPartsAfterStore--
		return nil, &smithy.GenericAPIError{Code: "SlowDown", Message: "injected failure"}
	}
	return &s3.UploadPartOutput{ETag: aws.String(etag(data))}, nil
}

func (f *fakeS3) ListParts(_ context.Context, in *s3.ListPartsInput, _ ...func(*s3.Options)) (*s3.ListPartsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["ListParts"]++

	u, ok := f.uploads[aws.ToString(in.UploadId)]
	if !ok {
		return nil, &types.NoSuchUpload{Message: aws.String("no such upload")}
	}

	numbers := make([]int, 0, len(u.parts))
	for n := range u.parts {
		numbers = append(numbers, int(n))
	}
	sort.Ints(numbers)

	out := &s3.ListPartsOutput{IsTruncated: aws.Bool(false)}
	for _, n := range numbers {
		data := u.parts[int32(n)]
		out.Parts = append(out.Parts, types.Part{
			PartNumber: aws.Int32(int32(n)),
			Size:       aws.Int64(int64(len(data))),
			ETag:       aws.String(etag(data)),
		})
	}
	return out, nil
}

func (f *fakeS3) CompleteMultipartUpload(_ context.Context, in *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["CompleteMultipartUpload"]++

	id := aws.ToString(in.UploadId)
	u, ok := f.uploads[id]
	if !ok {
		return nil, &types.NoSuchUpload{Message: aws.String("no such upload")}
	}

	var data []byte
	var sums []byte
	for i, p := range in.MultipartUpload.Parts {
		number := aws.ToInt32(p.PartNumber)
		part, ok := u.parts[number]
		if !ok || number != int32(i+1) || aws.ToString(p.ETag) != etag(part) {
			return nil, &smithy.GenericAPIError{Code: "InvalidPart", Message: fmt.Sprintf("part %d", number)}
		}
		data = append(data, part...)
		sum := md5.Sum(part)
		sums = append(sums, sum[:]...)
	}
	total := md5.Sum(sums)
	delete(f.uploads, id)
	f.putLocked(u.bucket, u.key, data, u.contentType, u.metadata,
		fmt.Sprintf(`"%s-%d"`, hex.EncodeToString(total[:]), len(in.MultipartUpload.Parts)))

	if f.failCompleteAfterStore > 0 {
		f.failCompleteAfterStore--
		return nil, &smithy.GenericAPIError{Code: "InternalError", Message: "injected failure"}
	}
	return &s3.CompleteMultipartUploadOutput{}, nil
}

func (f *fakeS3) AbortMultipartUpload(_ context.Context, in *s3.AbortMultipartUploadInput, _ ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["AbortMultipartUpload"]++

	id := aws.ToString(in.UploadId)
	if _, ok := f.uploads[id]; !ok {
		return nil, &types.NoSuchUpload{Message: aws.String("no such upload")}
	}
	delete(f.uploads, id)
	return &s3.AbortMultipartUploadOutput{}, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["PutObject"]++

	tag := etag(data)
	f.putLocked(aws.ToString(in.Bucket), aws.ToString(in.Key), data, aws.ToString(in.ContentType), in.Metadata, tag)
	return &s3.PutObjectOutput{ETag: aws.String(tag)}, nil
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["HeadObject"]++

	o, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NotFound{Message: aws.String("not found")}
	}
	return &s3.HeadObjectOutput{
		ContentLength: aws.Int64(int64(len(o.data))),
		ContentType:   aws.String(o.contentType),
		ETag:          aws.String(o.etag),
		LastModified:  aws.Time(o.modified),
		Metadata:      o.metadata,
	}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["GetObject"]++

	o, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{Message: aws.String("no such key")}
	}
	if in.IfUnmodifiedSince != nil && o.modified.After(*in.IfUnmodifiedSince) {
		return nil, &smithy.GenericAPIError{Code: "PreconditionFailed", Message: "modified"}
	}

	out := &s3.GetObjectOutput{
		ContentType:  aws.String(o.contentType),
		ETag:         aws.String(o.etag),
		LastModified: aws.Time(o.modified),
		Metadata:     o.metadata,
	}
	data := o.data
	if rng := aws.ToString(in.Range); rng != "" {
		first, last, err := parseFakeRange(rng, int64(len(o.data)))
		if err != nil {
			return nil, err
		}
		data = o.data[first : last+1]
		out.ContentRange = aws.String(fmt.Sprintf("bytes %d-%d/%d", first, last, len(o.data)))
	}
	out.ContentLength = aws.Int64(int64(len(data)))
	out.Body = io.NopCloser(bytes.NewReader(append([]byte(nil), data...)))
	return out, nil
}

func parseFakeRange(v string, size int64) (int64, int64, error) {
	invalid := &smithy.GenericAPIError{Code: "InvalidRange", Message: v}
	a, b, ok := strings.Cut(strings.TrimPrefix(v, "bytes="), "-")
	if !ok {
		return 0, 0, invalid
	}
	first, err := strconv.ParseInt(a, 10, 64)
	if err != nil || first >= size {
		return 0, 0, invalid
	}
	last := size - 1
	if b != "" {
		if last, err = strconv.ParseInt(b, 10, 64); err != nil {
			return 0, 0, invalid
		}
		last = min(last, size-1)
	}
	return first, last, nil
}

func etag(data []byte) string {
	sum := md5.Sum(data)
	return `"` + hex.EncodeToString(sum[:]) + `"`
}
