package uploader_test

import (
	"context"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bitrise-io/go-uploader/internal/memstore"
	"github.com/bitrise-io/go-uploader/uploader"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const mib = uploader.MiB

func randomData(t *testing.T, size int) []byte {
	t.Helper()
	data := make([]byte, size)
	_, err := rand.New(rand.NewSource(int64(size))).Read(data)
	require.NoError(t, err)
	return data
}

func testConfig(store *memstore.Store) uploader.Config {
	cfg := uploader.DefaultConfig()
	cfg.HTTPClient = store.Client()
	cfg.ProgressThrottle = 0
	cfg.AdaptiveChunking = false
	return cfg
}

func newController(t *testing.T, store *memstore.Store, cfg uploader.Config, opts ...uploader.Option) *uploader.Controller {
	t.Helper()
	opts = append([]uploader.Option{uploader.WithLogger(log.NewLogger())}, opts...)
	c, err := uploader.New(store, cfg, opts...)
	require.NoError(t, err)
	return c
}

func TestController_Multipart(t *testing.T) {
	store := memstore.Start()
	defer store.Close()

	var completedKey string
	cfg := testConfig(store)
	cfg.OnComplete = func(key string) { completedKey = key }

	data := randomData(t, 12*mib)
	c := newController(t, store, cfg)

	err := c.UploadFile(context.Background(), "artifacts/app.ipa", uploader.NewBytesSource(data, "application/octet-stream"))
	require.NoError(t, err)

	status := c.Status()
	assert.Equal(t, uploader.StatusCompleted, status.Status)
	assert.Equal(t, 100.0, status.Progress)
	assert.Equal(t, int64(12*mib), status.UploadedBytes)
	assert.Nil(t, status.Error)
	assert.Equal(t, "artifacts/app.ipa", completedKey)

	parts := store.CompletedParts(status.UploadID)
	require.Len(t, parts, 2)
	assert.Equal(t, 1, parts[0].PartNumber)
	assert.Equal(t, 2, parts[1].PartNumber)

	object, ok := store.Object("artifacts/app.ipa")
	require.True(t, ok)
	assert.Equal(t, data, object)
	assert.Equal(t, 0, store.Puts(0))
}

func TestController_SingleShot(t *testing.T) {
	store := memstore.Start()
	defer store.Close()

	data := randomData(t, 3*mib)
	c := newController(t, store, testConfig(store))

	err := c.UploadFile(context.Background(), "small.bin", uploader.NewBytesSource(data, ""))
	require.NoError(t, err)

	status := c.Status()
	assert.Equal(t, uploader.StatusCompleted, status.Status)
	assert.Equal(t, 100.0, status.Progress)
	assert.Equal(t, int64(3*mib), status.UploadedBytes)
	assert.Empty(t, status.UploadID)

	assert.Equal(t, 1, store.Puts(0))
	assert.Equal(t, 0, store.Initiated())

	object, ok := store.Object("small.bin")
	require.True(t, ok)
	assert.Equal(t, data, object)
}

func TestController_EmptySource(t *testing.T) {
	store := memstore.Start()
	defer store.Close()

	c := newController(t, store, testConfig(store))

	require.NoError(t, c.UploadFile(context.Background(), "empty", uploader.NewBytesSource(nil, "text/plain")))
	assert.Equal(t, 100.0, c.Status().Progress)

	object, ok := store.Object("empty")
	require.True(t, ok)
	assert.Empty(t, object)
}

func TestController_ResumeSkipsCommittedParts(t *testing.T) {
	store := memstore.Start()
	defer store.Close()

	data := randomData(t, 20*mib)
	uploadID, err := store.InitiateMultipartUpload(context.Background(), "big.bin", "application/octet-stream")
	require.NoError(t, err)
	store.AddPart(uploadID, 1, data[:8*mib])

	c := newController(t, store, testConfig(store))

	var baseline atomic.Int64
	baseline.Store(-1)
	var once sync.Once
	store.OnPut(func(r *http.Request, _ string, _ int) int {
		once.Do(func() { baseline.Store(c.Status().UploadedBytes) })
		return 0
	})

	err = c.UploadFile(context.Background(), "big.bin", uploader.NewBytesSource(data, ""), uploader.WithUploadID(uploadID))
	require.NoError(t, err)

	assert.Equal(t, int64(8*mib), baseline.Load())
	assert.Equal(t, 0, store.Puts(1))
	assert.Equal(t, 1, store.Puts(2))
	assert.Equal(t, 1, store.Puts(3))
	assert.Len(t, store.CompletedParts(uploadID), 3)

	object, ok := store.Object("big.bin")
	require.True(t, ok)
	assert.Equal(t, data, object)
}

func TestController_UnknownUploadStartsOver(t *testing.T) {
	store := memstore.Start()
	defer store.Close()

	data := randomData(t, 6*mib)
	c := newController(t, store, testConfig(store))

	err := c.UploadFile(context.Background(), "file.bin", uploader.NewBytesSource(data, ""), uploader.WithUploadID("gone"))
	require.NoError(t, err)

	assert.Equal(t, 1, store.Initiated())
	assert.NotEqual(t, "gone", c.Status().UploadID)
}

func TestController_InterruptKeepsUploadResumable(t *testing.T) {
	store := memstore.Start()
	defer store.Close()

	data := randomData(t, 20*mib)
	registry := uploader.NewMemoryRegistry()
	cfg := testConfig(store)
	cfg.MaxConcurrent = 1

	var errMessage string
	cfg.OnError = func(msg string) { errMessage = msg }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store.OnPut(func(r *http.Request, _ string, partNumber int) int {
		if partNumber == 2 {
			cancel()
			return http.StatusServiceUnavailable
		}
		return 0
	})

	c := newController(t, store, cfg, uploader.WithRegistry(registry))
	err := c.UploadFile(ctx, "big.bin", uploader.NewBytesSource(data, ""))
	require.ErrorIs(t, err, uploader.ErrCancelled)

	status := c.Status()
	assert.Equal(t, uploader.StatusError, status.Status)
	assert.Contains(t, status.ErrorMessage(), "interrupted")
	assert.Contains(t, errMessage, "interrupted")
	assert.Empty(t, store.Aborted())
	assert.True(t, store.Open(status.UploadID))

	id, ok, err := registry.Lookup("big.bin", int64(len(data)))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, status.UploadID, id)

	store.OnPut(nil)
	c = newController(t, store, cfg, uploader.WithRegistry(registry))
	require.NoError(t, c.UploadFile(context.Background(), "big.bin", uploader.NewBytesSource(data, "")))

	assert.Equal(t, id, c.Status().UploadID)
	assert.Equal(t, 1, store.Initiated())
	assert.Equal(t, 1, store.Puts(1))

	_, ok, err = registry.Lookup("big.bin", int64(len(data)))
	require.NoError(t, err)
	assert.False(t, ok)

	object, _ := store.Object("big.bin")
	assert.Equal(t, data, object)
}

func TestController_CancelUpload(t *testing.T) {
	store := memstore.Start()
	defer store.Close()

	data := randomData(t, 40*mib)
	cfg := testConfig(store)
	cfg.MaxConcurrent = 1

	var onErrorCalled atomic.Bool
	cfg.OnError = func(string) { onErrorCalled.Store(true) }

	c := newController(t, store, cfg)
	store.OnPut(func(r *http.Request, _ string, partNumber int) int {
		if partNumber == 2 {
			c.CancelUpload(context.Background())
		}
		return 0
	})

	err := c.UploadFile(context.Background(), "big.bin", uploader.NewBytesSource(data, ""))
	require.ErrorIs(t, err, uploader.ErrCancelled)

	status := c.Status()
	assert.Equal(t, uploader.StatusCancelled, status.Status)
	assert.Equal(t, "Upload cancelled", status.ErrorMessage())
	assert.Less(t, status.Progress, 100.0)
	assert.Equal(t, []string{status.UploadID}, store.Aborted())
	assert.Equal(t, 0, store.Puts(3), "no part is dispatched after cancellation")
	assert.False(t, onErrorCalled.Load())

	_, ok := store.Object("big.bin")
	assert.False(t, ok)
}

func TestController_PartFailureAborts(t *testing.T) {
	store := memstore.Start()
	defer store.Close()

	data := randomData(t, 20*mib)
	cfg := testConfig(store)

	var errMessage string
	cfg.OnError = func(msg string) { errMessage = msg }

	store.OnPut(func(r *http.Request, _ string, partNumber int) int {
		if partNumber == 2 {
			return http.StatusForbidden
		}
		return 0
	})

	c := newController(t, store, cfg)
	err := c.UploadFile(context.Background(), "big.bin", uploader.NewBytesSource(data, ""))
	require.ErrorIs(t, err, uploader.ErrProtocol)

	status := c.Status()
	assert.Equal(t, uploader.StatusError, status.Status)
	assert.Contains(t, status.ErrorMessage(), "403")
	assert.Equal(t, status.ErrorMessage(), errMessage)
	assert.Equal(t, []string{status.UploadID}, store.Aborted())
	assert.Equal(t, 1, store.Puts(2), "failed parts are not retried by default")
}

func TestController_RetriesFailedPart(t *testing.T) {
	store := memstore.Start()
	defer store.Close()

	data := randomData(t, 20*mib)
	cfg := testConfig(store)
	cfg.PartRetries = 2
	cfg.PartRetryWait = time.Millisecond

	var failures int32
	store.OnPut(func(r *http.Request, _ string, partNumber int) int {
		if partNumber == 2 && atomic.AddInt32(&failures, 1) == 1 {
			return http.StatusInternalServerError
		}
		return 0
	})

	c := newController(t, store, cfg)
	require.NoError(t, c.UploadFile(context.Background(), "big.bin", uploader.NewBytesSource(data, "")))

	assert.Equal(t, 2, store.Puts(2))
	assert.Empty(t, store.Aborted())
}

func TestController_MissingETagFails(t *testing.T) {
	store := memstore.Start()
	defer store.Close()
	store.OmitETag(true)

	c := newController(t, store, testConfig(store))
	err := c.UploadFile(context.Background(), "small.bin", uploader.NewBytesSource(randomData(t, mib), ""))

	require.ErrorIs(t, err, uploader.ErrProtocol)
	assert.Equal(t, uploader.StatusError, c.Status().Status)
	assert.Empty(t, store.Aborted(), "single-shot uploads have nothing to abort")
}

func TestController_ProgressOnlyCountsCommittedParts(t *testing.T) {
	store := memstore.Start()
	defer store.Close()

	data := randomData(t, 20*mib)
	c := newController(t, store, testConfig(store))

	updates, unsubscribe := c.Subscribe()
	var snapshots []uploader.Snapshot
	collected := make(chan struct{})
	go func() {
		defer close(collected)
		for s := range updates {
			snapshots = append(snapshots, s)
			if s.Status.Terminal() {
				return
			}
		}
	}()

	require.NoError(t, c.UploadFile(context.Background(), "big.bin", uploader.NewBytesSource(data, "")))
	<-collected
	unsubscribe()

	require.NotEmpty(t, snapshots)
	var prev int64
	for _, s := range snapshots {
		assert.GreaterOrEqual(t, s.UploadedBytes, prev)
		prev = s.UploadedBytes
		if s.Status != uploader.StatusCompleted {
			assert.LessOrEqual(t, s.Progress, 99.0)
			assert.Zero(t, s.UploadedBytes%(4*mib), "uploaded bytes only change by whole parts")
		}
	}

	last := snapshots[len(snapshots)-1]
	assert.Equal(t, uploader.StatusCompleted, last.Status)
	assert.Equal(t, 100.0, last.Progress)
}

func TestController_RejectsConcurrentUpload(t *testing.T) {
	store := memstore.Start()
	defer store.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	store.OnPut(func(r *http.Request, _ string, _ int) int {
		once.Do(func() { close(started) })
		<-release
		return 0
	})

	c := newController(t, store, testConfig(store))

	data := randomData(t, mib)
	done := make(chan error, 1)
	go func() {
		done <- c.UploadFile(context.Background(), "a.bin", uploader.NewBytesSource(data, ""))
	}()

	<-started
	err := c.UploadFile(context.Background(), "b.bin", uploader.NewBytesSource(data, ""))
	require.ErrorIs(t, err, uploader.ErrUploadInProgress)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, uploader.StatusCompleted, c.Status().Status)
}

func TestController_InvalidInput(t *testing.T) {
	store := memstore.Start()
	defer store.Close()

	c := newController(t, store, testConfig(store))
	require.ErrorIs(t, c.UploadFile(context.Background(), "", uploader.NewBytesSource([]byte("x"), "")), uploader.ErrInvalidInput)
	require.ErrorIs(t, c.UploadFile(context.Background(), "key", nil), uploader.ErrInvalidInput)

	cfg := testConfig(store)
	cfg.MaxConcurrent = 0
	_, err := uploader.New(store, cfg)
	require.ErrorIs(t, err, uploader.ErrInvalidInput)

	_, err = uploader.New(nil, uploader.DefaultConfig())
	require.ErrorIs(t, err, uploader.ErrInvalidInput)

	cfg = testConfig(store)
	cfg.ChunkSize = uploader.MinChunkSize - 1
	_, err = uploader.New(store, cfg)
	require.ErrorIs(t, err, uploader.ErrInvalidInput)

	cfg = testConfig(store)
	cfg.AdaptiveChunking = true
	cfg.ChunkTiers[0].ChunkSize = uploader.MiB
	_, err = uploader.New(store, cfg)
	require.ErrorIs(t, err, uploader.ErrInvalidInput)
}
