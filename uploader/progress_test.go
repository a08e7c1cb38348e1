package uploader

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublisher_ThrottlesProgress(t *testing.T) {
	p := newPublisher(time.Hour)

	require.True(t, p.Publish(Snapshot{Status: StatusUploading}, false), "status transition")
	assert.False(t, p.Publish(Snapshot{Status: StatusUploading, UploadedBytes: 10}, false))
	assert.Equal(t, int64(0), p.Snapshot().UploadedBytes)

	assert.True(t, p.Publish(Snapshot{Status: StatusUploading, UploadedBytes: 20}, true), "forced")
	assert.Equal(t, int64(20), p.Snapshot().UploadedBytes)

	assert.True(t, p.Publish(Snapshot{Status: StatusCompleted, Progress: 100}, false), "status transition")
	assert.Equal(t, StatusCompleted, p.Snapshot().Status)
}

func TestPublisher_NoThrottle(t *testing.T) {
	p := newPublisher(0)

	for i := int64(1); i <= 5; i++ {
		assert.True(t, p.Publish(Snapshot{Status: StatusIdle, UploadedBytes: i}, false))
	}
	assert.Equal(t, int64(5), p.Snapshot().UploadedBytes)
}

func TestPublisher_SubscribeKeepsLatest(t *testing.T) {
	p := newPublisher(0)

	updates, unsubscribe := p.Subscribe()
	assert.Equal(t, StatusIdle, (<-updates).Status)

	p.Publish(Snapshot{Status: StatusUploading, UploadedBytes: 1}, false)
	p.Publish(Snapshot{Status: StatusUploading, UploadedBytes: 2}, false)
	p.Publish(Snapshot{Status: StatusUploading, UploadedBytes: 3}, false)

	assert.Equal(t, int64(3), (<-updates).UploadedBytes)

	unsubscribe()
	unsubscribe()
	_, open := <-updates
	assert.False(t, open)
}

func TestSession_ProgressCappedUntilCompleted(t *testing.T) {
	s := newSession("key", 100)
	s.sent(100)

	snap := s.snapshot()
	assert.Equal(t, 99.0, snap.Progress)
	assert.Equal(t, int64(100), snap.UploadedBytes)

	require.True(t, s.finish(StatusCompleted, ""))
	assert.False(t, s.finish(StatusError, "late"), "first terminal status wins")

	snap = s.snapshot()
	assert.Equal(t, 100.0, snap.Progress)
	assert.Equal(t, StatusCompleted, snap.Status)
	assert.Nil(t, snap.Error)
	require.NotNil(t, snap.RemainingTimeSeconds)
	assert.Equal(t, 0.0, *snap.RemainingTimeSeconds)
}

func TestSession_CommitCountsPartOnce(t *testing.T) {
	s := newSession("key", 30)
	s.seed(newPartQueue(30, 10), committedIndex{}, time.Now())

	s.setInFlight(1, 5)
	assert.Equal(t, int64(5), s.snapshot().InFlightBytes)
	assert.Equal(t, int64(0), s.snapshot().UploadedBytes)

	p := Part{Number: 1, Start: 0, End: 10}
	assert.Equal(t, int64(0), s.commit(p), "uncommitted parts are ignored")

	p.Committed, p.ETag = true, "a"
	assert.Equal(t, int64(10), s.commit(p))
	assert.Equal(t, int64(10), s.commit(p))

	snap := s.snapshot()
	assert.Equal(t, int64(0), snap.InFlightBytes)
	assert.InDelta(t, 33.33, snap.Progress, 0.01)

	parts, total := s.completedParts()
	assert.Equal(t, []CompletedPart{{PartNumber: 1, ETag: "a"}}, parts)
	assert.Equal(t, int64(10), total)
}

func TestSession_CommitSamplesStayOrdered(t *testing.T) {
	const parts = 100
	s := newSession("key", parts*10)
	start := time.Now()
	s.seed(newPartQueue(parts*10, 10), committedIndex{}, start)

	var wg sync.WaitGroup
	for i := 0; i < parts; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			p := Part{Number: n + 1, Start: int64(n) * 10, End: int64(n+1) * 10, Committed: true, ETag: "etag"}
			s.commit(p)
		}(i)
	}
	wg.Wait()

	s.estimator.mu.Lock()
	samples := append([]throughputSample(nil), s.estimator.samples...)
	s.estimator.mu.Unlock()

	require.Len(t, samples, parts+1)
	for i := 1; i < len(samples); i++ {
		assert.GreaterOrEqual(t, samples[i].bytes, samples[i-1].bytes)
		assert.False(t, samples[i].at.Before(samples[i-1].at))
	}
	assert.Equal(t, int64(parts*10), samples[len(samples)-1].bytes)
}
