package uploader

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"golang.org/x/sync/semaphore"
)

// PartSource hands out the parts to upload one at a time.
type PartSource interface {
	Next() (Part, bool)
}

// PartFunc uploads a single part.
type PartFunc func(ctx context.Context, p Part) error

// Scheduler runs part uploads with a bounded number in flight.
type Scheduler struct {
	limit  int
	logger log.Logger
	stats  *Stats
}

// NewScheduler creates a Scheduler that keeps at most limit parts in flight.
func NewScheduler(limit int, logger log.Logger) *Scheduler {
	if limit < 1 {
		limit = 1
	}
	return &Scheduler{
		limit:  limit,
		logger: logger,
		stats:  NewStats(),
	}
}

// Stats returns the statistics of the parts run so far.
func (s *Scheduler) Stats() *Stats {
	return s.stats
}

// Run dispatches parts from source until it is exhausted, stopped() reports true or a
// part fails. A slot is acquired before the next part is taken from source. Parts in
// flight are never interrupted: Run returns once all of them have settled, with the
// first part error.
func (s *Scheduler) Run(ctx context.Context, source PartSource, stopped func() bool, work PartFunc) error {
	sem := semaphore.NewWeighted(int64(s.limit))

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	failed := func() bool {
		mu.Lock()
		defer mu.Unlock()
		return firstErr != nil
	}

	for {
		if err := sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			if firstErr == nil {
				firstErr = fmt.Errorf("%w: %w", ErrCancelled, err)
			}
			mu.Unlock()
			break
		}
		if (stopped != nil && stopped()) || failed() {
			sem.Release(1)
			break
		}
		part, ok := source.Next()
		if !ok {
			sem.Release(1)
			break
		}

		wg.Add(1)
		s.stats.start()
		go func(p Part) {
			defer wg.Done()
			defer sem.Release(1)

			start := time.Now()
			err := work(ctx, p)
			s.stats.finish(time.Since(start), err == nil)
			if err == nil {
				return
			}

			mu.Lock()
			defer mu.Unlock()
			if firstErr == nil {
				firstErr = err
				return
			}
			s.logger.Debugf("Part %d failed after an earlier failure: %s", p.Number, err)
		}(part)
	}

	wg.Wait()
	return firstErr
}

// Stats tracks part upload durations and concurrency for logging and tests.
type Stats struct {
	sum      time.Duration
	finished int64
	failed   int64
	inFlight int
	peak     int
	mu       sync.Mutex
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	return &Stats{}
}

func (s *Stats) start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlight++
	if s.inFlight > s.peak {
		s.peak = s.inFlight
	}
}

func (s *Stats) finish(d time.Duration, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlight--
	if !ok {
		s.failed++
		return
	}
	s.sum += d
	s.finished++
}

// Average returns the average upload duration of committed parts.
func (s *Stats) Average() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finished == 0 {
		return 0
	}
	return s.sum / time.Duration(s.finished)
}

// FinishedCount returns the number of successful part uploads.
func (s *Stats) FinishedCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

// FailedCount returns the number of failed part uploads.
func (s *Stats) FailedCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failed
}

// Peak returns the highest number of parts that were in flight at once.
func (s *Stats) Peak() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peak
}
