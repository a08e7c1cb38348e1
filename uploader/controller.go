package uploader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const tracerName = "github.com/bitrise-io/go-uploader"

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger. Defaults to log.NewLogger().
func WithLogger(logger log.Logger) Option {
	return func(c *Controller) {
		c.logger = logger
	}
}

// WithTracer sets the tracer used for upload and part spans. Defaults to a no-op tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(c *Controller) {
		c.tracer = tracer
	}
}

// WithRegistry makes multipart uploads resumable across Controllers sharing the registry.
func WithRegistry(registry Registry) Option {
	return func(c *Controller) {
		c.registry = registry
	}
}

// UploadOpt configures a single UploadFile call.
type UploadOpt func(*uploadOpts)

type uploadOpts struct {
	uploadID    string
	contentType string
}

// WithUploadID resumes the given multipart upload instead of looking one up in the registry.
func WithUploadID(uploadID string) UploadOpt {
	return func(o *uploadOpts) {
		o.uploadID = uploadID
	}
}

// WithContentType overrides the content type reported by the source.
func WithContentType(contentType string) UploadOpt {
	return func(o *uploadOpts) {
		o.contentType = contentType
	}
}

// Controller drives upload sessions against an ObjectStore. It runs one session at a
// time; each UploadFile call starts a new session with fresh state.
type Controller struct {
	store    ObjectStore
	cfg      Config
	logger   log.Logger
	tracer   trace.Tracer
	registry Registry
	sender   *Sender
	pub      *publisher

	session   atomic.Pointer[session]
	publishMu sync.Mutex
}

// New creates a Controller uploading to store.
func New(store ObjectStore, cfg Config, opts ...Option) (*Controller, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: object store is required", ErrInvalidInput)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	c := &Controller{
		store: store,
		cfg:   cfg,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = log.NewLogger()
	}
	if c.tracer == nil {
		c.tracer = noop.NewTracerProvider().Tracer(tracerName)
	}
	c.sender = NewSender(cfg.HTTPClient, cfg.PartTimeout)
	c.pub = newPublisher(cfg.ProgressThrottle)

	return c, nil
}

// Status returns the latest published snapshot of the current session.
func (c *Controller) Status() Snapshot {
	return c.pub.Snapshot()
}

// Subscribe returns a channel holding the latest published snapshot and a function
// to stop the subscription. Slow readers only miss intermediate snapshots.
func (c *Controller) Subscribe() (<-chan Snapshot, func()) {
	return c.pub.Subscribe()
}

// UploadFile uploads src to the destination key and blocks until the session ends.
//
// Sources up to Config.SingleShotThreshold are sent with one request. Larger sources
// are uploaded as a multipart upload, resuming the upload given by WithUploadID or
// found in the registry. Cancelling ctx interrupts the upload without aborting it, so
// a later call can resume it; CancelUpload aborts it.
func (c *Controller) UploadFile(ctx context.Context, key string, src Source, opts ...UploadOpt) error {
	if key == "" {
		return fmt.Errorf("%w: destination key is required", ErrInvalidInput)
	}
	if src == nil {
		return fmt.Errorf("%w: source is required", ErrInvalidInput)
	}
	size := src.Size()
	if size < 0 {
		return fmt.Errorf("%w: source size must not be negative, got %d", ErrInvalidInput, size)
	}

	o := uploadOpts{contentType: src.ContentType()}
	for _, opt := range opts {
		opt(&o)
	}

	s, err := c.begin(key, size)
	if err != nil {
		return err
	}

	ctx, span := c.tracer.Start(ctx, "uploader.UploadFile", trace.WithAttributes(
		attribute.String("upload.key", key),
		attribute.Int64("upload.size", size),
	))
	defer span.End()

	if size <= c.cfg.SingleShotThreshold {
		err = c.uploadSingle(ctx, s, src, o)
	} else {
		err = c.uploadMultipart(ctx, s, src, o)
	}

	span.SetAttributes(attribute.String("upload.strategy", string(s.strategy)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// CancelUpload stops dispatching new parts of the current session, aborts its
// multipart upload and marks it cancelled. Parts already in flight settle on their own.
func (c *Controller) CancelUpload(ctx context.Context) {
	s := c.session.Load()
	if s == nil || s.Status().Terminal() {
		return
	}

	s.cancelled.Store(true)
	c.logger.Warnf("Cancelling upload of %s", s.key)

	if id := s.markAborted(); id != "" {
		c.abort(ctx, s, id)
	}
	if s.finish(StatusCancelled, cancelledMessage) {
		c.publish(s, true)
	}
}

func (c *Controller) begin(key string, size int64) (*session, error) {
	s := newSession(key, size)
	for {
		current := c.session.Load()
		if current != nil && current.Status() == StatusUploading {
			return nil, ErrUploadInProgress
		}
		if c.session.CompareAndSwap(current, s) {
			break
		}
	}
	c.publish(s, true)
	return s, nil
}

func (c *Controller) uploadSingle(ctx context.Context, s *session, src Source, o uploadOpts) error {
	s.setStrategy(StrategySingle)
	c.logger.Infof("Uploading %s (%s) with a single request", s.key, humanSize(s.size))

	start := time.Now()
	_, err := c.sendWithRetry(ctx, s, "object", func(ctx context.Context) (UploadURL, error) {
		url, err := c.store.GetSingleShotUploadURL(ctx, s.key, o.contentType)
		if err != nil {
			return UploadURL{}, collaboratorError("get single shot upload url", err)
		}
		return url, nil
	}, SendRequest{
		Body: src,
		Size: s.size,
		OnProgress: func(sent int64) {
			s.sent(sent)
			c.publish(s, false)
		},
	})
	if err != nil {
		return c.fail(ctx, s, err)
	}

	return c.succeed(s, time.Since(start))
}

func (c *Controller) uploadMultipart(ctx context.Context, s *session, src Source, o uploadOpts) error {
	s.setStrategy(StrategyMultipart)
	start := time.Now()

	uploadID, reported, err := c.resolveUpload(ctx, s, o)
	if err != nil {
		return c.fail(ctx, s, err)
	}
	s.setUploadID(uploadID)
	if s.cancelled.Load() {
		// Cancelled while the upload was being created.
		return c.failMultipart(ctx, s, ErrCancelled)
	}
	c.remember(s, uploadID)

	queue, committed, dropped := newResumeQueue(s.size, c.cfg.ChunkSize, reported)
	for _, p := range dropped {
		c.logger.Warnf("Part %d (%s) reported by the store does not fit %s, uploading it again", p.PartNumber, humanSize(p.Size), s.key)
	}
	baseline := s.seed(queue, committed, time.Now())
	c.publish(s, true)

	if len(committed) > 0 {
		c.logger.Infof("Resuming upload %s of %s: %d parts (%s) already uploaded", uploadID, s.key, len(committed), humanSize(baseline))
	} else {
		c.logger.Infof("Uploading %s (%s) in parts of %s", s.key, humanSize(s.size), humanSize(c.cfg.ChunkSize))
	}

	scheduler := NewScheduler(c.cfg.MaxConcurrent, c.logger)
	err = scheduler.Run(ctx, queue, s.cancelled.Load, func(ctx context.Context, p Part) error {
		return c.uploadPart(ctx, s, src, p)
	})
	stats := scheduler.Stats()
	c.logger.Debugf("Parts finished: %d, failed: %d, avg duration: %s, peak concurrency: %d",
		stats.FinishedCount(), stats.FailedCount(), stats.Average(), stats.Peak())
	if err != nil {
		return c.failMultipart(ctx, s, err)
	}
	if s.cancelled.Load() {
		return c.failMultipart(ctx, s, ErrCancelled)
	}

	parts, committedBytes := s.completedParts()
	if committedBytes != s.size {
		err := fmt.Errorf("%w: committed %d of %d bytes", ErrProtocol, committedBytes, s.size)
		return c.failMultipart(ctx, s, err)
	}

	result, err := c.store.CompleteMultipartUpload(ctx, uploadID, s.key, parts)
	if err != nil {
		return c.failMultipart(ctx, s, collaboratorError("complete multipart upload", err))
	}
	c.forget(s)
	if result != nil && result.Location != "" {
		c.logger.Debugf("Object stored at %s", result.Location)
	}

	return c.succeed(s, time.Since(start))
}

// resolveUpload returns the multipart upload to use and the parts it already holds.
// An upload the store no longer knows is replaced with a new one.
func (c *Controller) resolveUpload(ctx context.Context, s *session, o uploadOpts) (string, []UploadedPart, error) {
	uploadID := o.uploadID
	if uploadID == "" && c.registry != nil {
		id, ok, err := c.registry.Lookup(s.key, s.size)
		if err != nil {
			c.logger.Warnf("Failed to look up a previous upload of %s: %s", s.key, err)
		} else if ok {
			uploadID = id
		}
	}

	if uploadID != "" {
		parts, err := c.store.ListUploadedParts(ctx, uploadID, s.key)
		switch {
		case err == nil:
			return uploadID, parts, nil
		case errors.Is(err, ErrUploadNotFound):
			c.logger.Warnf("Upload %s of %s no longer exists, starting a new one", uploadID, s.key)
			c.forget(s)
		default:
			return "", nil, collaboratorError("list uploaded parts", err)
		}
	}

	uploadID, err := c.store.InitiateMultipartUpload(ctx, s.key, o.contentType)
	if err != nil {
		return "", nil, collaboratorError("initiate multipart upload", err)
	}
	if uploadID == "" {
		return "", nil, fmt.Errorf("%w: initiate multipart upload: empty upload ID", ErrCollaborator)
	}
	return uploadID, nil, nil
}

func (c *Controller) uploadPart(ctx context.Context, s *session, src Source, p Part) error {
	ctx, span := c.tracer.Start(ctx, "uploader.UploadPart", trace.WithAttributes(
		attribute.Int("part.number", p.Number),
		attribute.Int64("part.size", p.Size()),
	))
	defer span.End()

	uploadID := s.UploadID()
	etag, err := c.sendWithRetry(ctx, s, fmt.Sprintf("part %d", p.Number), func(ctx context.Context) (UploadURL, error) {
		url, err := c.store.GenerateUploadPartURL(ctx, uploadID, s.key, p.Number)
		if err != nil {
			return UploadURL{}, collaboratorError("generate upload part url", err)
		}
		return url, nil
	}, SendRequest{
		Body:   src,
		Offset: p.Start,
		Size:   p.Size(),
		OnProgress: func(sent int64) {
			s.setInFlight(p.Number, sent)
			c.publish(s, false)
		},
	})
	if err != nil {
		s.clearInFlight(p.Number)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("part %d: %w", p.Number, err)
	}

	p.Committed, p.ETag = true, etag
	s.commit(p)
	c.resize(s)
	c.publish(s, false)
	return nil
}

// resize adapts the size of parts not yet cut to the current speed.
func (c *Controller) resize(s *session) {
	if !c.cfg.AdaptiveChunking {
		return
	}
	speed := s.estimator.Speed()
	if speed <= 0 {
		return
	}
	next := c.cfg.ChunkTiers.Resize(speed)
	if prev := s.queue.ChunkSize(); prev != next {
		s.queue.SetChunkSize(next)
		c.logger.Debugf("Chunk size changed from %s to %s at %.2f MB/s", humanSize(prev), humanSize(next), speed)
	}
}

// sendWithRetry fetches a fresh URL for every attempt, so an expired pre-signed URL
// does not fail the retry.
func (c *Controller) sendWithRetry(ctx context.Context, s *session, what string, url func(context.Context) (UploadURL, error), req SendRequest) (string, error) {
	req.Cancelled = s.cancelled.Load

	var etag string
	err := retry.Times(uint(c.cfg.PartRetries)).Wait(c.cfg.PartRetryWait).TryWithAbort(func(attempt uint) (error, bool) {
		if attempt > 0 {
			c.logger.Debugf("Retrying %s (attempt %d)", what, attempt+1)
		}
		if s.cancelled.Load() {
			return ErrCancelled, true
		}

		u, err := url(ctx)
		if err != nil {
			return err, ctx.Err() != nil || errors.Is(err, ErrUploadNotFound)
		}

		req.URL = u
		start := time.Now()
		etag, err = c.sender.Send(ctx, req)
		if err != nil {
			c.logger.Debugf("Uploading %s failed after %s: %s", what, time.Since(start).Round(time.Millisecond), err)
			return err, !retryable(err) || s.cancelled.Load() || ctx.Err() != nil
		}
		c.logger.Debugf("Uploaded %s (%s) in %s", what, humanSize(req.Size), time.Since(start).Round(time.Millisecond))
		return nil, false
	})
	return etag, err
}

func (c *Controller) succeed(s *session, took time.Duration) error {
	if !s.finish(StatusCompleted, "") {
		// Cancelled while finishing.
		return ErrCancelled
	}
	c.publish(s, true)
	c.logger.Donef("Uploaded %s (%s) in %s", s.key, humanSize(s.size), took.Round(time.Second))

	if c.cfg.OnComplete != nil {
		c.cfg.OnComplete(s.key)
	}
	return nil
}

// failMultipart releases the multipart upload before failing the session. An
// interrupted upload is kept so it can be resumed.
func (c *Controller) failMultipart(ctx context.Context, s *session, err error) error {
	if !interrupted(ctx, s) {
		if id := s.markAborted(); id != "" {
			c.abort(ctx, s, id)
		}
	}
	return c.fail(ctx, s, err)
}

func (c *Controller) fail(ctx context.Context, s *session, err error) error {
	switch {
	case s.cancelled.Load():
		if !errors.Is(err, ErrCancelled) {
			c.logger.Debugf("Upload of %s failed after cancellation: %s", s.key, err)
		}
		if s.finish(StatusCancelled, cancelledMessage) {
			c.publish(s, true)
		}
		return fmt.Errorf("%w: %s", ErrCancelled, s.key)
	case interrupted(ctx, s):
		msg := fmt.Sprintf("Upload interrupted: %s", context.Cause(ctx))
		if s.finish(StatusError, msg) {
			c.publish(s, true)
			c.logger.Warnf("%s, run again to resume", msg)
			c.notifyError(msg)
		}
		return fmt.Errorf("%w: %w", ErrCancelled, context.Cause(ctx))
	}

	msg := err.Error()
	if s.finish(StatusError, msg) {
		c.publish(s, true)
		c.logger.Errorf("Upload of %s failed: %s", s.key, msg)
		c.notifyError(msg)
	}
	return err
}

func (c *Controller) notifyError(msg string) {
	if c.cfg.OnError != nil {
		c.cfg.OnError(msg)
	}
}

// abort releases a multipart upload. Failures are only logged.
func (c *Controller) abort(ctx context.Context, s *session, uploadID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	if err := c.store.AbortMultipartUpload(ctx, uploadID, s.key); err != nil {
		c.logger.Warnf("Failed to abort upload %s of %s: %s", uploadID, s.key, err)
	} else {
		c.logger.Debugf("Aborted upload %s of %s", uploadID, s.key)
	}
	c.forget(s)
}

func (c *Controller) remember(s *session, uploadID string) {
	if c.registry == nil {
		return
	}
	if err := c.registry.Store(s.key, s.size, uploadID); err != nil {
		c.logger.Warnf("Failed to record upload %s, it will not be resumable: %s", uploadID, err)
	}
}

func (c *Controller) forget(s *session) {
	if c.registry == nil {
		return
	}
	if err := c.registry.Remove(s.key, s.size); err != nil {
		c.logger.Warnf("Failed to remove upload of %s from the registry: %s", s.key, err)
	}
}

// publish only publishes snapshots of the current session, so a draining previous
// session cannot overwrite the state of a new one.
func (c *Controller) publish(s *session, force bool) {
	c.publishMu.Lock()
	defer c.publishMu.Unlock()

	if c.session.Load() != s {
		return
	}
	c.pub.Publish(s.snapshot(), force)
}

// interrupted reports whether the caller context ended the session rather than CancelUpload.
func interrupted(ctx context.Context, s *session) bool {
	return ctx.Err() != nil && !s.cancelled.Load()
}

func humanSize(n int64) string {
	return units.HumanSizeWithPrecision(float64(n), 3)
}
