package analytics

import (
	"fmt"
	"time"

	"github.com/bitrise-io/go-uploader/uploader"
	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
)

type TrackerFactory func(...analytics.Properties) analytics.Tracker

const (
	ExecutionIDEnvKey = "BITRISE_STEP_EXECUTION_ID"
	ExecutionID       = "step_execution_id"

	BuildSlugEnvKey = "BITRISE_BUILD_SLUG"
	BuildSlug       = "build_slug"
)

const (
	uploadStartedEvent  = "file_upload_started"
	uploadFinishedEvent = "file_upload_finished"
)

// UploadTracker sends upload lifecycle events.
type UploadTracker struct {
	tracker analytics.Tracker
}

// NewUploadTracker creates a tracker for the current step execution. It fails when
// the execution ID is not set in repository.
func NewUploadTracker(repository env.Repository, trackerFactory TrackerFactory) (*UploadTracker, error) {
	executionID := repository.Get(ExecutionIDEnvKey)
	if executionID == "" {
		return nil, fmt.Errorf("no step execution ID found")
	}

	properties := analytics.Properties{ExecutionID: executionID}
	if slug := repository.Get(BuildSlugEnvKey); slug != "" {
		properties[BuildSlug] = slug
	}
	return &UploadTracker{tracker: trackerFactory(properties)}, nil
}

// NewDefaultUploadTracker creates an UploadTracker backed by the default analytics client.
func NewDefaultUploadTracker(repository env.Repository, logger log.Logger) (*UploadTracker, error) {
	return NewUploadTracker(repository, func(properties ...analytics.Properties) analytics.Tracker {
		return analytics.NewDefaultTracker(logger, properties...)
	})
}

// Started reports that an upload began.
func (t *UploadTracker) Started(key string, size int64, concurrency int) {
	t.tracker.Enqueue(uploadStartedEvent, analytics.Properties{
		"key":         key,
		"size_bytes":  size,
		"concurrency": concurrency,
	})
}

// Finished reports the terminal snapshot of an upload.
func (t *UploadTracker) Finished(key string, snapshot uploader.Snapshot, took time.Duration) {
	properties := analytics.Properties{
		"key":            key,
		"status":         string(snapshot.Status),
		"size_bytes":     snapshot.TotalBytes,
		"uploaded_bytes": snapshot.UploadedBytes,
		"speed_mbps":     snapshot.SpeedMBps,
		"duration_ms":    took.Milliseconds(),
	}
	if msg := snapshot.ErrorMessage(); msg != "" {
		properties["error"] = msg
	}
	t.tracker.Enqueue(uploadFinishedEvent, properties)
}

// Wait blocks until the queued events are sent.
func (t *UploadTracker) Wait() {
	t.tracker.Wait()
}
