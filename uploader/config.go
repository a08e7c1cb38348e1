package uploader

import (
	"fmt"
	"net/http"
	"time"
)

const (
	// MiB is the unit used for chunk sizes and speeds.
	MiB = 1024 * 1024

	// DefaultSingleShotThreshold is the largest source uploaded with a single PUT.
	DefaultSingleShotThreshold = 5 * MiB
	// DefaultChunkSize is the part size used before any throughput is known.
	DefaultChunkSize = 8 * MiB
	// MinChunkSize is the smallest non-final part S3 accepts.
	MinChunkSize = 5 * MiB
	// MaxParts is the largest part number S3 accepts.
	MaxParts = 10000
)

// Config holds configuration for the uploader.
type Config struct {
	// MaxConcurrent is the maximum number of parallel part uploads.
	// Default: 10
	MaxConcurrent int

	// ProgressThrottle is the minimum interval between published progress snapshots.
	// Status transitions are always published.
	// Default: 500 milliseconds
	ProgressThrottle time.Duration

	// AdaptiveChunking enables resizing not yet dispatched parts based on the observed speed.
	// Default: true
	AdaptiveChunking bool

	// SingleShotThreshold is the size up to which a source is uploaded with one request.
	// Default: 5 MiB
	SingleShotThreshold int64

	// ChunkSize is the initial part size.
	// Default: 8 MiB
	ChunkSize int64

	// ChunkTiers maps observed speed to part size when AdaptiveChunking is enabled.
	// Default: DefaultChunkTiers()
	ChunkTiers ChunkTiers

	// PartTimeout bounds a single part transfer.
	// Default: 600 seconds
	PartTimeout time.Duration

	// PartRetries is the number of additional attempts for a failed part.
	// Default: 0, a failed part fails the upload.
	PartRetries int

	// PartRetryWait is the pause between attempts of the same part.
	// Default: 2 seconds
	PartRetryWait time.Duration

	// HTTPClient is the HTTP client used for part transfers.
	// If nil, a default optimized client will be created.
	HTTPClient *http.Client

	// OnComplete is called with the destination key after a successful upload.
	OnComplete func(key string)

	// OnError is called with a human readable message when an upload ends in error.
	OnError func(message string)
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:       10,
		ProgressThrottle:    500 * time.Millisecond,
		AdaptiveChunking:    true,
		SingleShotThreshold: DefaultSingleShotThreshold,
		ChunkSize:           DefaultChunkSize,
		ChunkTiers:          DefaultChunkTiers(),
		PartTimeout:         600 * time.Second,
		PartRetries:         0,
		PartRetryWait:       2 * time.Second,
		HTTPClient:          nil, // Will be created by the Controller
	}
}

// DefaultHTTPClient creates an HTTP client optimized for part uploads.
func DefaultHTTPClient() *http.Client {
	return &http.Client{
		// No timeout - individual part timeouts are handled via context
		Timeout: 0,
		Transport: &http.Transport{
			MaxIdleConns:        50,
			MaxConnsPerHost:     20,
			IdleConnTimeout:     10 * time.Second,
			TLSHandshakeTimeout: 5 * time.Second,
			Proxy:               http.ProxyFromEnvironment,
		},
	}
}

func (c Config) validate() error {
	if c.MaxConcurrent < 1 {
		return fmt.Errorf("%w: max concurrent must be at least 1, got %d", ErrInvalidInput, c.MaxConcurrent)
	}
	if c.ChunkSize < MinChunkSize {
		return fmt.Errorf("%w: chunk size must be at least %d, got %d", ErrInvalidInput, MinChunkSize, c.ChunkSize)
	}
	if c.SingleShotThreshold < 0 {
		return fmt.Errorf("%w: single shot threshold must not be negative", ErrInvalidInput)
	}
	if c.PartRetries < 0 {
		return fmt.Errorf("%w: part retries must not be negative", ErrInvalidInput)
	}
	if c.AdaptiveChunking {
		if err := c.ChunkTiers.validate(); err != nil {
			return err
		}
	}
	return nil
}
