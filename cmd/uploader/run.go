package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bitrise-io/go-uploader/analytics"
	"github.com/bitrise-io/go-uploader/uploader"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	"golang.org/x/time/rate"
)

const progressLogInterval = 5 * time.Second

type runner struct {
	controller     *uploader.Controller
	logger         log.Logger
	tracker        *analytics.UploadTracker
	keyPrefix      string
	concurrency    int
	cancelOnSignal bool
	progressEvery  time.Duration
}

// uploadAll uploads the files one after the other. When ctx is done the current upload
// is interrupted, or cancelled and aborted if cancelOnSignal is set.
func (r runner) uploadAll(ctx context.Context, files []string) error {
	uploadCtx := ctx
	if r.cancelOnSignal {
		uploadCtx = context.WithoutCancel(ctx)
		stop := context.AfterFunc(ctx, func() {
			r.controller.CancelUpload(context.Background())
		})
		defer stop()
	}

	var failed int
	for i, file := range files {
		if ctx.Err() != nil {
			return fmt.Errorf("upload stopped, %d of %d files not uploaded", len(files)-i, len(files))
		}

		if err := r.upload(uploadCtx, file); err != nil {
			if errors.Is(err, uploader.ErrCancelled) {
				return err
			}
			failed++
		}
	}

	if failed > 0 {
		return fmt.Errorf("failed to upload %d of %d files", failed, len(files))
	}
	return nil
}

func (r runner) upload(ctx context.Context, file string) error {
	src, err := uploader.OpenFile(file)
	if err != nil {
		r.logger.Errorf("Failed to open %s: %s", file, err)
		return err
	}
	defer func() {
		if err := src.Close(); err != nil {
			r.logger.Warnf("Failed to close %s: %s", file, err)
		}
	}()

	key := objectKey(r.keyPrefix, file)
	r.logger.Infof("Uploading %s (%s) to %s", file, units.HumanSize(float64(src.Size())), key)
	if r.tracker != nil {
		r.tracker.Started(key, src.Size(), r.concurrency)
	}

	updates, unsubscribe := r.controller.Subscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.logProgress(updates)
	}()

	start := time.Now()
	err = r.controller.UploadFile(ctx, key, src)
	unsubscribe()
	<-done

	if r.tracker != nil {
		r.tracker.Finished(key, r.controller.Status(), time.Since(start))
	}
	return err
}

func (r runner) logProgress(updates <-chan uploader.Snapshot) {
	every := r.progressEvery
	if every <= 0 {
		every = progressLogInterval
	}
	limiter := rate.NewLimiter(rate.Every(every), 1)

	for s := range updates {
		if s.Status != uploader.StatusUploading || !limiter.Allow() {
			continue
		}

		eta := "estimating"
		if s.RemainingTimeSeconds != nil {
			eta = (time.Duration(*s.RemainingTimeSeconds) * time.Second).String()
		}
		r.logger.Printf("Uploaded %s of %s (%.0f%%), %.2f MB/s, remaining: %s",
			units.HumanSize(float64(s.UploadedBytes)), units.HumanSize(float64(s.TotalBytes)),
			s.Progress, s.SpeedMBps, eta)
	}
}
