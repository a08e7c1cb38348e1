package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/bitrise-io/go-uploader/analytics"
	"github.com/bitrise-io/go-uploader/envconf"
	"github.com/bitrise-io/go-uploader/storage/apistore"
	"github.com/bitrise-io/go-uploader/storage/s3store"
	"github.com/bitrise-io/go-uploader/uploader"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
)

const registryFileName = "uploads.json"

func main() {
	logger := log.NewLogger()
	if err := run(logger); err != nil {
		logger.Errorf("%s", err)
		os.Exit(1)
	}
}

func run(logger log.Logger) error {
	envRepo := env.NewRepository()

	cfg, err := parseConfig(envRepo)
	if err != nil {
		return err
	}
	logger.EnableDebugLog(cfg.Debug)
	envconf.Print(cfg, logger)
	logger.Println()

	files := newPathEvaluator(logger).evaluate(cfg.Paths)
	if len(files) == 0 {
		return fmt.Errorf("no files to upload")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := newStore(ctx, cfg, logger)
	if err != nil {
		return err
	}

	registry, err := newRegistry(cfg.StateDir)
	if err != nil {
		return err
	}

	controller, err := uploader.New(store, cfg.uploaderConfig(), uploader.WithLogger(logger), uploader.WithRegistry(registry))
	if err != nil {
		return err
	}

	tracker, err := analytics.NewDefaultUploadTracker(envRepo, logger)
	if err != nil {
		logger.Debugf("Upload analytics disabled: %s", err)
	} else {
		defer tracker.Wait()
	}

	r := runner{
		controller:     controller,
		logger:         logger,
		tracker:        tracker,
		keyPrefix:      cfg.KeyPrefix,
		concurrency:    cfg.Concurrency,
		cancelOnSignal: cfg.CancelOnSignal,
	}
	return r.uploadAll(ctx, files)
}

func newStore(ctx context.Context, cfg config, logger log.Logger) (uploader.ObjectStore, error) {
	if cfg.Backend == backendAPI {
		return apistore.New(cfg.APIURL, string(cfg.APIToken), logger), nil
	}

	store, err := s3store.NewFromParams(ctx, s3store.Params{
		Bucket:          cfg.Bucket,
		Prefix:          cfg.BucketPrefix,
		Region:          cfg.Region,
		AccessKeyID:     string(cfg.AccessKeyID),
		SecretAccessKey: string(cfg.SecretAccessKey),
		Endpoint:        cfg.Endpoint,
		UsePathStyle:    cfg.UsePathStyle,
		URLExpiry:       cfg.URLExpiry,
	}, logger)
	if err != nil {
		return nil, err
	}
	return store, nil
}

func newRegistry(stateDir string) (uploader.Registry, error) {
	if stateDir == "" {
		cacheDir, err := os.UserCacheDir()
		if err != nil {
			return nil, fmt.Errorf("resolve state directory: %w", err)
		}
		stateDir = filepath.Join(cacheDir, "go-uploader")
	}
	return uploader.NewFileRegistry(filepath.Join(stateDir, registryFileName)), nil
}
