package transfer

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"

	"github.com/bitrise-io/go-blobtransfer/internal/fakestore"
	"github.com/bitrise-io/go-blobtransfer/metrics"
	"github.com/bitrise-io/go-blobtransfer/network/httpxfer"
	"github.com/bitrise-io/go-blobtransfer/status"
	"github.com/bitrise-io/go-blobtransfer/transport"
)

const testQuantum = 1024

func randomBytes(n int) []byte {
	b := make([]byte, n)
	_, _ = rand.New(rand.NewSource(int64(n))).Read(b)
	return b
}

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, data, 0644))
}

func testParams() Params {
	return Params{
		Bucket:             "bucket",
		UploadBufferSize:   4 * testQuantum,
		DownloadBufferSize: 512,
		Retry:              retry.Times(3).Wait(0),
		Metrics:            metrics.New(nil),
	}
}

func newTestClient(t *testing.T) (*Client, *fakestore.Store) {
	t.Helper()
	store := fakestore.New(testQuantum)
	return NewWithTransport(store, testParams(), log.NewLogger()), store
}

// smallStore adds a single request upload to the fake store.
type smallStore struct {
	*fakestore.Store

	mu   sync.Mutex
	puts int
}

func (s *smallStore) PutSmallObject(_ context.Context, dest transport.Destination, path, _ string, _ transport.Preconditions) (*transport.ObjectMetadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.puts++
	s.mu.Unlock()
	meta := s.Put(dest, data)
	return &meta, nil
}

func TestClient_UploadAndDownloadFile(t *testing.T) {
	// Given
	client, store := newTestClient(t)
	dir := t.TempDir()
	src := filepath.Join(dir, "src.bin")
	data := randomBytes(10*testQuantum + 7)
	writeFile(t, src, data)

	// When
	uploaded, err := client.UploadFile(context.Background(), src, "dir/object.bin", UploadOptions{ContentType: "application/x-test"})
	require.NoError(t, err)
	dst := filepath.Join(dir, "out", "object.bin")
	downloaded, err := client.DownloadFile(context.Background(), "dir/object.bin", dst, DownloadOptions{})
	require.NoError(t, err)

	// Then
	stored, meta, ok := store.Object(transport.Destination{Bucket: "bucket", Object: "dir/object.bin"})
	require.True(t, ok)
	assert.Equal(t, data, stored)
	assert.Equal(t, "application/x-test", meta.ContentType)
	assert.Equal(t, meta.Hashes, uploaded.Hashes)
	assert.Equal(t, meta.Generation, downloaded.Generation)

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestClient_CompressedRoundTrip(t *testing.T) {
	// Given
	client, store := newTestClient(t)
	dir := t.TempDir()
	src := filepath.Join(dir, "src.txt")
	data := bytes.Repeat([]byte("compressible content\n"), 2000)
	writeFile(t, src, data)

	// When
	_, err := client.UploadFile(context.Background(), src, "archive", UploadOptions{Compress: true})
	require.NoError(t, err)
	plain := filepath.Join(dir, "plain.txt")
	_, err = client.DownloadFile(context.Background(), "archive", plain, DownloadOptions{Decompress: true})
	require.NoError(t, err)
	raw := filepath.Join(dir, "raw.zst")
	_, err = client.DownloadFile(context.Background(), "archive", raw, DownloadOptions{})
	require.NoError(t, err)

	// Then
	stored, meta, ok := store.Object(transport.Destination{Bucket: "bucket", Object: "archive"})
	require.True(t, ok)
	assert.Equal(t, "zstd", meta.Metadata[ContentEncodingKey])
	assert.Equal(t, "application/zstd", meta.ContentType)
	assert.Less(t, len(stored), len(data))

	got, err := os.ReadFile(plain)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	got, err = os.ReadFile(raw)
	require.NoError(t, err)
	assert.Equal(t, stored, got)
}

func TestClient_DecompressIgnoresPlainObjects(t *testing.T) {
	client, store := newTestClient(t)
	data := randomBytes(3000)
	store.Put(transport.Destination{Bucket: "bucket", Object: "plain"}, data)
	dst := filepath.Join(t.TempDir(), "plain.bin")

	_, err := client.DownloadFile(context.Background(), "plain", dst, DownloadOptions{Decompress: true})

	require.NoError(t, err)
	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestClient_UploadPaths(t *testing.T) {
	// Given
	client, store := newTestClient(t)
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a", "x.txt"), []byte("x"))
	writeFile(t, filepath.Join(dir, "a", "b", "y.txt"), randomBytes(5*testQuantum))
	writeFile(t, filepath.Join(dir, "a", "b", "skipped.log"), []byte("skipped"))
	writeFile(t, filepath.Join(dir, "c.log"), []byte("c"))
	paths := []string{
		filepath.Join(dir, "a", "**", "*.txt"),
		filepath.Join(dir, "a", "x.txt"),
		filepath.Join(dir, "c.log"),
		filepath.Join(dir, "missing.txt"),
	}

	// When
	results, err := client.UploadPaths(context.Background(), paths, "artifacts", UploadOptions{})

	// Then
	require.NoError(t, err)
	var names []string
	for _, meta := range results {
		names = append(names, meta.Name)
	}
	sort.Strings(names)
	assert.Equal(t, []string{"artifacts/b/y.txt", "artifacts/c.log", "artifacts/x.txt"}, names)

	stored, _, ok := store.Object(transport.Destination{Bucket: "bucket", Object: "artifacts/b/y.txt"})
	require.True(t, ok)
	assert.Equal(t, randomBytes(5*testQuantum), stored)
	_, _, ok = store.Object(transport.Destination{Bucket: "bucket", Object: "artifacts/b/skipped.log"})
	assert.False(t, ok)
}

func TestClient_UploadPathsWithoutMatches(t *testing.T) {
	client, _ := newTestClient(t)

	_, err := client.UploadPaths(context.Background(), []string{filepath.Join(t.TempDir(), "**", "*.txt")}, "", UploadOptions{})

	assert.EqualError(t, err, "no files to upload")
}

func TestClient_UploadFileErrors(t *testing.T) {
	client, _ := newTestClient(t)
	dir := t.TempDir()

	_, missingErr := client.UploadFile(context.Background(), filepath.Join(dir, "missing"), "object", UploadOptions{})
	_, dirErr := client.UploadFile(context.Background(), dir, "object", UploadOptions{})

	assert.ErrorIs(t, missingErr, os.ErrNotExist)
	assert.EqualError(t, dirErr, fmt.Sprintf("%s is not a regular file", dir))
}

func TestClient_SmallObjects(t *testing.T) {
	tests := []struct {
		name      string
		size      int
		compress  bool
		wantPuts  int
		wantStart int
	}{
		{
			name:     "fits in one chunk",
			size:     testQuantum,
			wantPuts: 1,
		},
		{
			name:      "larger than one chunk",
			size:      testQuantum + 1,
			wantStart: 1,
		},
		{
			name:      "compressed",
			size:      100,
			compress:  true,
			wantStart: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Given
			store := &smallStore{Store: fakestore.New(testQuantum)}
			client := NewWithTransport(store, testParams(), log.NewLogger())
			src := filepath.Join(t.TempDir(), "small.bin")
			writeFile(t, src, randomBytes(tt.size))

			// When
			_, err := client.UploadFile(context.Background(), src, "small", UploadOptions{Compress: tt.compress})

			// Then
			require.NoError(t, err)
			assert.Equal(t, tt.wantPuts, store.puts)
			assert.Equal(t, tt.wantStart, store.Calls().Start)
		})
	}
}

func TestClient_UploadHashMismatch(t *testing.T) {
	tests := []struct {
		name  string
		small bool
	}{
		{name: "single request", small: true},
		{name: "resumable session"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Given
			store := fakestore.New(testQuantum)
			var service transport.Service = store
			if tt.small {
				service = &smallStore{Store: store}
			}
			client := NewWithTransport(service, testParams(), log.NewLogger())
			src := filepath.Join(t.TempDir(), "src.bin")
			writeFile(t, src, randomBytes(500))
			store.CorruptHashes(true)

			// When
			_, err := client.UploadFile(context.Background(), src, "object", UploadOptions{})

			// Then
			assert.Equal(t, codes.DataLoss, status.CodeOf(err))
		})
	}
}

func TestClient_ParallelDownload(t *testing.T) {
	store := fakestore.New(testQuantum)
	server := httptest.NewServer(store.Handler())
	t.Cleanup(server.Close)
	service, err := httpxfer.New(httpxfer.Params{BaseURL: server.URL, Token: "token", Quantum: testQuantum}, log.NewLogger())
	require.NoError(t, err)
	client := NewWithTransport(service, testParams(), log.NewLogger())
	data := bytes.Repeat(randomBytes(1024), 1024)

	t.Run("valid object", func(t *testing.T) {
		meta := store.Put(transport.Destination{Bucket: "bucket", Object: "valid"}, data)
		dst := filepath.Join(t.TempDir(), "valid.bin")

		got, err := client.DownloadFile(context.Background(), "valid", dst, DownloadOptions{})

		require.NoError(t, err)
		assert.Equal(t, meta.Generation, got.Generation)
		content, err := os.ReadFile(dst)
		require.NoError(t, err)
		assert.Equal(t, data, content)
	})

	t.Run("object replaced after the metadata lookup", func(t *testing.T) {
		dest := transport.Destination{Bucket: "bucket", Object: "replaced"}
		store.Put(dest, data)
		store.AfterMetadata(func() { store.Put(dest, randomBytes(1000)) })
		dst := filepath.Join(t.TempDir(), "replaced.bin")

		_, err := client.DownloadFile(context.Background(), "replaced", dst, DownloadOptions{})

		assert.Equal(t, codes.NotFound, status.CodeOf(err))
		assert.NoFileExists(t, dst)
	})

	t.Run("corrupt object", func(t *testing.T) {
		store.CorruptHashes(true)
		store.Put(transport.Destination{Bucket: "bucket", Object: "corrupt"}, data)
		dst := filepath.Join(t.TempDir(), "corrupt.bin")

		_, err := client.DownloadFile(context.Background(), "corrupt", dst, DownloadOptions{})

		assert.Equal(t, codes.DataLoss, status.CodeOf(err))
		assert.NoFileExists(t, dst)
	})

	t.Run("missing object", func(t *testing.T) {
		_, err := client.DownloadFile(context.Background(), "missing", filepath.Join(t.TempDir(), "missing.bin"), DownloadOptions{})

		assert.Equal(t, codes.NotFound, status.CodeOf(err))
	})
}

func TestClient_StreamedDownloadHashMismatch(t *testing.T) {
	client, store := newTestClient(t)
	store.CorruptHashes(true)
	store.Put(transport.Destination{Bucket: "bucket", Object: "corrupt"}, randomBytes(5000))
	dst := filepath.Join(t.TempDir(), "corrupt.bin")

	_, err := client.DownloadFile(context.Background(), "corrupt", dst, DownloadOptions{})

	assert.Equal(t, codes.DataLoss, status.CodeOf(err))
	assert.NoFileExists(t, dst)
}

type fakeEnvRepo struct {
	envVars map[string]string
}

func (repo fakeEnvRepo) Get(key string) string {
	return repo.envVars[key]
}

func (repo fakeEnvRepo) Set(key, value string) error {
	repo.envVars[key] = value
	return nil
}

func (repo fakeEnvRepo) Unset(key string) error {
	delete(repo.envVars, key)
	return nil
}

func (repo fakeEnvRepo) List() []string {
	envs := []string{}
	for k, v := range repo.envVars {
		envs = append(envs, fmt.Sprintf("%s=%s", k, v))
	}
	return envs
}

func TestNew(t *testing.T) {
	// Given
	store := fakestore.New(transport.DefaultQuantum)
	server := httptest.NewServer(store.Handler())
	t.Cleanup(server.Close)
	envRepo := fakeEnvRepo{envVars: map[string]string{
		"BLOBXFER_BUCKET":   "bucket",
		"BLOBXFER_ENDPOINT": server.URL,
		"BLOBXFER_TOKEN":    "token",
		"BLOBXFER_VERBOSE":  "true",
	}}
	reg := prometheus.NewRegistry()
	dir := t.TempDir()
	src := filepath.Join(dir, "src.bin")
	data := randomBytes(300 * 1024)
	writeFile(t, src, data)

	// When
	client, err := New(context.Background(), envRepo, reg, log.NewLogger())
	require.NoError(t, err)
	defer func() { require.NoError(t, client.Close()) }()
	_, err = client.UploadFile(context.Background(), src, "object", UploadOptions{})
	require.NoError(t, err)
	dst := filepath.Join(dir, "dst.bin")
	_, err = client.DownloadFile(context.Background(), "object", dst, DownloadOptions{})
	require.NoError(t, err)

	// Then
	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	families, err := reg.Gather()
	require.NoError(t, err)
	var names []string
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "blobxfer_transfers_total")
	assert.Contains(t, names, "blobxfer_upload_chunks_total")
}

func TestNew_InvalidConfig(t *testing.T) {
	_, err := New(context.Background(), fakeEnvRepo{envVars: map[string]string{"BLOBXFER_BACKEND": "ftp", "BLOBXFER_BUCKET": "b"}}, nil, nil)

	assert.ErrorContains(t, err, `unknown backend "ftp"`)
}
