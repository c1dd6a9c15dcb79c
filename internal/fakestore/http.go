package fakestore

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
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
	CRC32C      string            `json:"crc32c,omitempty"`
	MD5Hash     string            `json:"md5Hash,omitempty"`
	ETag        string            `json:"etag"`
	Updated     time.Time         `json:"updated"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type startBody struct {
	Name        string            `json:"name"`
	ContentType string            `json:"contentType"`
	Metadata    map[string]string `json:"metadata"`
	CRC32C      string            `json:"crc32c"`
	MD5Hash     string            `json:"md5Hash"`
}

// Handler serves the resumable upload and media download protocol over HTTP.
func (s *Store) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /upload/storage/v1/b/{bucket}/o", s.handleStart)
	mux.HandleFunc("PUT /upload/storage/v1/b/{bucket}/o", s.handleChunk)
	mux.HandleFunc("DELETE /upload/storage/v1/b/{bucket}/o", s.handleCancel)
	mux.HandleFunc("GET /storage/v1/b/{bucket}/o/{object...}", s.handleGet)
	return mux
}

func (s *Store) handleStart(w http.ResponseWriter, r *http.Request) {
	req := transport.StartRequest{
		Destination:   transport.Destination{Bucket: r.PathValue("bucket"), Object: r.URL.Query().Get("name")},
		ContentType:   r.Header.Get("X-Upload-Content-Type"),
		ContentLength: -1,
	}
	if v := r.Header.Get("X-Upload-Content-Length"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, status.Newf(codes.InvalidArgument, "bad X-Upload-Content-Length %q", v))
			return
		}
		req.ContentLength = n
	}
	if v := r.URL.Query().Get("ifGenerationMatch"); v != "" {
		g, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, status.Newf(codes.InvalidArgument, "bad ifGenerationMatch %q", v))
			return
		}
		req.Preconditions = transport.IfGenerationMatch(g)
	}

	var body startBody
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil && err != io.EOF {
			writeError(w, status.Newf(codes.InvalidArgument, "bad request body: %s", err))
			return
		}
	}
	req.Metadata = body.Metadata
	req.ExpectedHashes = hashvalidator.FormatHashes(map[hashvalidator.Algorithm]string{
		hashvalidator.CRC32C: body.CRC32C,
		hashvalidator.MD5:    body.MD5Hash,
	})
	if req.ContentType == "" {
		req.ContentType = body.ContentType
	}

	id, err := s.StartSession(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}

	location := fmt.Sprintf("http://%s/upload/storage/v1/b/%s/o?uploadType=resumable&upload_id=%s",
		r.Host, url.PathEscape(req.Destination.Bucket), id)
	w.Header().Set("Location", location)
	w.WriteHeader(http.StatusOK)
}

func (s *Store) handleChunk(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("upload_id")
	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, status.Newf(codes.Unavailable, "read body: %s", err))
		return
	}

	first, last, total, err := parseContentRange(r.Header.Get("Content-Range"))
	if err != nil {
		writeError(w, err)
		return
	}

	s.mu.Lock()
	var resp transport.UploadResponse
	if first < 0 && total < 0 {
		s.calls.Query++
		resp, err = s.queryLocked(id)
	} else {
		s.calls.Chunk++
		req := transport.ChunkRequest{SessionID: id, Data: data, Final: total >= 0, TotalSize: total}
		if first < 0 {
			if u, ok := s.uploads[id]; ok {
				req.Offset = int64(len(u.data))
			}
		} else {
			req.Offset = first
			if last-first+1 != int64(len(data)) {
				err = status.Newf(codes.InvalidArgument, "content range %d-%d does not match %d body bytes", first, last, len(data))
			}
		}
		if err == nil {
			resp, err = s.chunkLocked(req)
		}
	}
	s.mu.Unlock()

	if err != nil {
		writeError(w, err)
		return
	}
	if resp.Done {
		writeJSON(w, http.StatusOK, toResource(*resp.Object))
		return
	}
	if resp.NextExpectedByte > 0 {
		w.Header().Set("Range", fmt.Sprintf("bytes=0-%d", resp.NextExpectedByte-1))
	}
	w.WriteHeader(http.StatusPermanentRedirect)
}

func (s *Store) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.CancelSession(r.Context(), r.URL.Query().Get("upload_id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Store) handleGet(w http.ResponseWriter, r *http.Request) {
	dest := transport.Destination{Bucket: r.PathValue("bucket"), Object: r.PathValue("object")}
	req := transport.ReadRequest{Destination: dest}
	if v := r.URL.Query().Get("generation"); v != "" {
		g, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, status.Newf(codes.InvalidArgument, "bad generation %q", v))
			return
		}
		req.Generation = g
	}

	if r.URL.Query().Get("alt") != "media" {
		s.mu.Lock()
		o, ok := s.objects[dest.String()]
		s.mu.Unlock()
		if !ok || (req.Generation != 0 && req.Generation != o.meta.Generation) {
			writeError(w, status.Newf(codes.NotFound, "object %s not found", dest))
			return
		}
		writeJSON(w, http.StatusOK, toResource(o.meta))

		s.mu.Lock()
		hook := s.afterMetadata
		s.afterMetadata = nil
		s.mu.Unlock()
		if hook != nil {
			hook()
		}
		return
	}

	s.mu.Lock()
	s.calls.Read++
	o, ok := s.objects[dest.String()]
	var size int64
	if ok {
		size = int64(len(o.data))
	}
	s.mu.Unlock()
	if !ok {
		writeError(w, status.Newf(codes.NotFound, "object %s not found", dest))
		return
	}

	code := http.StatusOK
	if rng := r.Header.Get("Range"); rng != "" && size > 0 {
		first, last, err := parseRange(rng, size)
		if err != nil {
			writeError(w, err)
			return
		}
		req.Offset = first
		req.Limit = last - first + 1
		code = http.StatusPartialContent
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", first, last, size))
	}

	s.mu.Lock()
	data, meta, breakAfter, err := s.readLocked(req)
	s.mu.Unlock()
	if err != nil {
		writeError(w, err)
		return
	}

	for _, h := range strings.Split(meta.Hashes, ",") {
		if h != "" {
			w.Header().Add("X-Goog-Hash", h)
		}
	}
	w.Header().Set("X-Goog-Generation", strconv.FormatInt(meta.Generation, 10))
	w.Header().Set("X-Goog-Stored-Content-Length", strconv.FormatInt(meta.Size, 10))
	w.Header().Set("Content-Type", meta.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Accept-Ranges", "bytes")
	w.WriteHeader(code)
	if r.Method == http.MethodHead {
		return
	}

	if breakAfter >= 0 && breakAfter < int64(len(data)) {
		_, _ = w.Write(data[:breakAfter])
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		panic(http.ErrAbortHandler)
	}
	_, _ = w.Write(data)
}

// parseContentRange parses "bytes a-b/total", "bytes a-b/*", "bytes */total" and "bytes */*". Missing parts
// are returned as -1.
func parseContentRange(v string) (first, last, total int64, err error) {
	first, last, total = -1, -1, -1
	byteRange, ok := strings.CutPrefix(v, "bytes ")
	if !ok {
		return 0, 0, 0, status.Newf(codes.InvalidArgument, "bad Content-Range %q", v)
	}
	rng, size, ok := strings.Cut(byteRange, "/")
	if !ok {
		return 0, 0, 0, status.Newf(codes.InvalidArgument, "bad Content-Range %q", v)
	}
	if size != "*" {
		if total, err = strconv.ParseInt(size, 10, 64); err != nil {
			return 0, 0, 0, status.Newf(codes.InvalidArgument, "bad Content-Range %q", v)
		}
	}
	if rng != "*" {
		a, b, ok := strings.Cut(rng, "-")
		if !ok {
			return 0, 0, 0, status.Newf(codes.InvalidArgument, "bad Content-Range %q", v)
		}
		if first, err = strconv.ParseInt(a, 10, 64); err != nil {
			return 0, 0, 0, status.Newf(codes.InvalidArgument, "bad Content-Range %q", v)
		}
		if last, err = strconv.ParseInt(b, 10, 64); err != nil {
			return 0, 0, 0, status.Newf(codes.InvalidArgument, "bad Content-Range %q", v)
		}
	}
	return first, last, total, nil
}

// parseRange parses "bytes=a-b" and "bytes=a-".
func parseRange(v string, size int64) (int64, int64, error) {
	byteRange, ok := strings.CutPrefix(v, "bytes=")
	if !ok {
		return 0, 0, status.Newf(codes.InvalidArgument, "bad Range %q", v)
	}
	a, b, ok := strings.Cut(byteRange, "-")
	if !ok {
		return 0, 0, status.Newf(codes.InvalidArgument, "bad Range %q", v)
	}
	first, err := strconv.ParseInt(a, 10, 64)
	if err != nil || first >= size {
		return 0, 0, status.Newf(codes.OutOfRange, "unsatisfiable Range %q", v)
	}
	last := size - 1
	if b != "" {
		if last, err = strconv.ParseInt(b, 10, 64); err != nil || last < first {
			return 0, 0, status.Newf(codes.InvalidArgument, "bad Range %q", v)
		}
		last = min(last, size-1)
	}
	return first, last, nil
}

func toResource(meta transport.ObjectMetadata) objectResource {
	hashes := hashvalidator.ParseHashes(meta.Hashes)
	return objectResource{
		Bucket:      meta.Bucket,
		Name:        meta.Name,
		Size:        strconv.FormatInt(meta.Size, 10),
		Generation:  strconv.FormatInt(meta.Generation, 10),
		ContentType: meta.ContentType,
		CRC32C:      hashes[hashvalidator.CRC32C],
		MD5Hash:     hashes[hashvalidator.MD5],
		ETag:        meta.ETag,
		Updated:     meta.Updated,
		Metadata:    meta.Metadata,
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	st := status.FromError(err)
	code := http.StatusInternalServerError
	switch st.Code() {
	case codes.InvalidArgument:
		code = http.StatusBadRequest
	case codes.NotFound:
		code = http.StatusNotFound
	case codes.FailedPrecondition:
		code = http.StatusPreconditionFailed
	case codes.OutOfRange:
		code = http.StatusRequestedRangeNotSatisfiable
	case codes.Unavailable:
		code = http.StatusServiceUnavailable
	}
	http.Error(w, st.Message(), code)
}
