// Package config reads the transfer configuration from the environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/bitrise-io/go-steputils/v2/stepconf"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"

	"github.com/bitrise-io/go-blobtransfer/chunkbuffer"
	"github.com/bitrise-io/go-blobtransfer/hashvalidator"
)

// Backend selects the storage protocol.
type Backend string

const (
	BackendHTTP       Backend = "http"
	BackendS3         Backend = "s3"
	BackendByteStream Backend = "bytestream"
)

const (
	defaultMaxRetries         = 3
	defaultRetryWait          = time.Second
	defaultUploadBufferSize   = 8 * 1024 * 1024
	defaultDownloadBufferSize = 1024 * 1024
)

// Config is the environment configuration. Empty values fall back to the defaults.
type Config struct {
	Backend          Backend         `env:"BLOBXFER_BACKEND"`
	Endpoint         string          `env:"BLOBXFER_ENDPOINT"`
	Token            stepconf.Secret `env:"BLOBXFER_TOKEN"`
	Bucket           string          `env:"BLOBXFER_BUCKET,required"`
	Region           string          `env:"BLOBXFER_REGION"`
	AccessKeyID      stepconf.Secret `env:"BLOBXFER_ACCESS_KEY_ID"`
	SecretAccessKey  stepconf.Secret `env:"BLOBXFER_SECRET_ACCESS_KEY"`
	UploadBuffer     string          `env:"BLOBXFER_UPLOAD_BUFFER_SIZE"`
	DownloadBuffer   string          `env:"BLOBXFER_DOWNLOAD_BUFFER_SIZE"`
	DisableMD5       bool            `env:"BLOBXFER_DISABLE_MD5"`
	DisableCRC32C    bool            `env:"BLOBXFER_DISABLE_CRC32C"`
	EnableSHA256     bool            `env:"BLOBXFER_ENABLE_SHA256"`
	MaxRetries       int             `env:"BLOBXFER_MAX_RETRIES"`
	RetryWaitSeconds int             `env:"BLOBXFER_RETRY_WAIT_SECONDS"`
	Insecure         bool            `env:"BLOBXFER_INSECURE"`
	Verbose          bool            `env:"BLOBXFER_VERBOSE"`
}

// New parses and validates the configuration.
func New(envRepo env.Repository) (Config, error) {
	var c Config
	if err := stepconf.NewInputParser(envRepo).Parse(&c); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := c.validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c *Config) validate() error {
	c.Backend = Backend(strings.ToLower(strings.TrimSpace(string(c.Backend))))
	switch c.Backend {
	case "":
		c.Backend = BackendHTTP
	case BackendHTTP, BackendS3, BackendByteStream:
	default:
		return fmt.Errorf("unknown backend %q, use one of: %s, %s, %s", c.Backend, BackendHTTP, BackendS3, BackendByteStream)
	}

	switch c.Backend {
	case BackendHTTP:
		if c.Endpoint == "" {
			return fmt.Errorf("the endpoint is required for the %s backend", c.Backend)
		}
		if c.Token == "" {
			return fmt.Errorf("the token is required for the %s backend", c.Backend)
		}
	case BackendByteStream:
		if c.Endpoint == "" {
			return fmt.Errorf("the endpoint is required for the %s backend", c.Backend)
		}
	case BackendS3:
		if (c.AccessKeyID == "") != (c.SecretAccessKey == "") {
			return fmt.Errorf("the access key id and the secret access key must be set together")
		}
	}

	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries must not be negative, got %d", c.MaxRetries)
	}
	if c.RetryWaitSeconds < 0 {
		return fmt.Errorf("retry wait must not be negative, got %d", c.RetryWaitSeconds)
	}
	if _, err := parseSize(c.UploadBuffer, defaultUploadBufferSize); err != nil {
		return fmt.Errorf("invalid upload buffer size: %w", err)
	}
	if _, err := parseSize(c.DownloadBuffer, defaultDownloadBufferSize); err != nil {
		return fmt.Errorf("invalid download buffer size: %w", err)
	}
	return nil
}

func parseSize(s string, def int) (int, error) {
	if strings.TrimSpace(s) == "" {
		return def, nil
	}
	n, err := units.RAMInBytes(s)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("size must be positive, got %q", s)
	}
	return int(n), nil
}

// UploadBufferSize returns the upload buffer rounded up to quantum. It is never smaller than one quantum.
func (c Config) UploadBufferSize(quantum int) int {
	size, err := parseSize(c.UploadBuffer, defaultUploadBufferSize)
	if err != nil {
		size = defaultUploadBufferSize
	}
	return chunkbuffer.RoundUp(size, quantum)
}

// DownloadBufferSize is the size of the file buffer of downloads.
func (c Config) DownloadBufferSize() int {
	size, err := parseSize(c.DownloadBuffer, defaultDownloadBufferSize)
	if err != nil {
		return defaultDownloadBufferSize
	}
	return size
}

// Hashes returns the digest algorithms to validate.
func (c Config) Hashes() hashvalidator.Config {
	return hashvalidator.Config{
		MD5:    !c.DisableMD5,
		CRC32C: !c.DisableCRC32C,
		SHA256: c.EnableSHA256,
	}
}

// Retries is the number of retries of a failed request, 3 unless configured.
func (c Config) Retries() int {
	if c.MaxRetries == 0 {
		return defaultMaxRetries
	}
	return c.MaxRetries
}

// RetryWait is the wait between two attempts, a second unless configured.
func (c Config) RetryWait() time.Duration {
	if c.RetryWaitSeconds == 0 {
		return defaultRetryWait
	}
	return time.Duration(c.RetryWaitSeconds) * time.Second
}

// RetryPolicy returns the retry policy of transfers.
func (c Config) RetryPolicy() *retry.Model {
	return retry.Times(uint(c.Retries())).Wait(c.RetryWait())
}

// Print logs the configuration, secrets redacted.
func (c Config) Print(logger log.Logger) {
	logger.Infof("Transfer configuration:")
	logger.Printf("- Backend: %s", c.Backend)
	logger.Printf("- Endpoint: %s", c.Endpoint)
	logger.Printf("- Bucket: %s", c.Bucket)
	if c.Region != "" {
		logger.Printf("- Region: %s", c.Region)
	}
	logger.Printf("- Token: %s", c.Token)
	logger.Printf("- Download buffer: %s", units.HumanSizeWithPrecision(float64(c.DownloadBufferSize()), 3))
	logger.Printf("- Hashes: %v", c.Hashes().Algorithms())
	logger.Printf("- Upload buffer: %s", units.HumanSizeWithPrecision(float64(c.UploadBufferSize(1)), 3))
	logger.Printf("- Retries: %d, wait: %s", c.Retries(), c.RetryWait())
}
