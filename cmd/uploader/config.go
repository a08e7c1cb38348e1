package main

import (
	"fmt"
	"time"

	"github.com/bitrise-io/go-uploader/envconf"
	"github.com/bitrise-io/go-uploader/uploader"
	"github.com/bitrise-io/go-utils/v2/env"
)

const (
	backendS3  = "s3"
	backendAPI = "api"
)

type config struct {
	Backend   string   `env:"UPLOADER_BACKEND,opt[s3,api]"`
	Paths     []string `env:"UPLOADER_PATHS,required"`
	KeyPrefix string   `env:"UPLOADER_KEY_PREFIX"`

	Bucket          string         `env:"UPLOADER_S3_BUCKET"`
	BucketPrefix    string         `env:"UPLOADER_S3_PREFIX"`
	Region          string         `env:"AWS_REGION"`
	AccessKeyID     envconf.Secret `env:"AWS_ACCESS_KEY_ID"`
	SecretAccessKey envconf.Secret `env:"AWS_SECRET_ACCESS_KEY"`
	Endpoint        string         `env:"UPLOADER_S3_ENDPOINT"`
	UsePathStyle    bool           `env:"UPLOADER_S3_PATH_STYLE"`
	URLExpiry       time.Duration  `env:"UPLOADER_URL_EXPIRY"`

	APIURL   string         `env:"UPLOADER_API_URL"`
	APIToken envconf.Secret `env:"UPLOADER_API_TOKEN"`

	Concurrency         int              `env:"UPLOADER_CONCURRENCY"`
	ChunkSize           envconf.ByteSize `env:"UPLOADER_CHUNK_SIZE"`
	SingleShotThreshold envconf.ByteSize `env:"UPLOADER_SINGLE_SHOT_THRESHOLD"`
	AdaptiveChunking    bool             `env:"UPLOADER_ADAPTIVE_CHUNKING"`
	PartTimeout         time.Duration    `env:"UPLOADER_PART_TIMEOUT"`
	PartRetries         int              `env:"UPLOADER_PART_RETRIES"`

	StateDir       string `env:"UPLOADER_STATE_DIR"`
	CancelOnSignal bool   `env:"UPLOADER_CANCEL_ON_SIGNAL"`
	Debug          bool   `env:"UPLOADER_DEBUG"`
}

func defaultConfig() config {
	defaults := uploader.DefaultConfig()
	return config{
		Backend:             backendS3,
		Concurrency:         defaults.MaxConcurrent,
		ChunkSize:           envconf.ByteSize(defaults.ChunkSize),
		SingleShotThreshold: envconf.ByteSize(defaults.SingleShotThreshold),
		AdaptiveChunking:    defaults.AdaptiveChunking,
		PartTimeout:         defaults.PartTimeout,
		PartRetries:         defaults.PartRetries,
	}
}

func parseConfig(repository env.Repository) (config, error) {
	cfg := defaultConfig()
	if err := envconf.Parse(&cfg, repository); err != nil {
		return config{}, err
	}

	switch cfg.Backend {
	case backendS3:
		if cfg.Bucket == "" || cfg.Region == "" {
			return config{}, fmt.Errorf("UPLOADER_S3_BUCKET and AWS_REGION are required for the s3 backend")
		}
	case backendAPI:
		if cfg.APIURL == "" || cfg.APIToken == "" {
			return config{}, fmt.Errorf("UPLOADER_API_URL and UPLOADER_API_TOKEN are required for the api backend")
		}
	}
	return cfg, nil
}

func (c config) uploaderConfig() uploader.Config {
	cfg := uploader.DefaultConfig()
	cfg.MaxConcurrent = c.Concurrency
	cfg.ChunkSize = int64(c.ChunkSize)
	cfg.SingleShotThreshold = int64(c.SingleShotThreshold)
	cfg.AdaptiveChunking = c.AdaptiveChunking
	cfg.PartTimeout = c.PartTimeout
	cfg.PartRetries = c.PartRetries
	return cfg
}
