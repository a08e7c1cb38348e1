package uploader

import (
	"sync"
	"time"
)

const (
	speedLookback    = 3 * time.Second
	speedMinElapsed  = time.Second
	sampleRetention  = 30 * time.Second
	maxSamples       = 256
	speedNoiseFloor  = 0.01 // MiB/s
	bytesPerMegabyte = float64(MiB)
)

type throughputSample struct {
	at    time.Time
	bytes int64
}

// Estimator derives a smoothed upload speed from committed byte counts.
// Samples are only recorded when a part commits, never on in-flight progress.
type Estimator struct {
	samples []throughputSample
	mu      sync.Mutex
}

// NewEstimator creates a new Estimator instance.
func NewEstimator() *Estimator {
	return &Estimator{}
}

// Record appends the cumulative committed byte count observed at the given time.
func (e *Estimator) Record(committedBytes int64, at time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.samples = append(e.samples, throughputSample{at: at, bytes: committedBytes})
	e.prune(at)
}

// Speed returns the upload speed in MiB/s, or 0 when there is not enough history.
//
// The newest sample is compared to the newest sample that is at least speedLookback
// older (or the oldest retained one), which damps bursts of parts finishing together.
func (e *Estimator) Speed() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.speed()
}

// ETA returns the time needed for the remaining bytes at the current speed.
// The second value is false while the speed is below the noise floor.
func (e *Estimator) ETA(remaining int64) (time.Duration, bool) {
	speed := e.Speed()
	if speed <= speedNoiseFloor {
		return 0, false
	}
	seconds := float64(remaining) / (speed * bytesPerMegabyte)
	if seconds < 0 {
		seconds = 0
	}
	return time.Duration(seconds * float64(time.Second)), true
}

// Len returns the number of retained samples.
func (e *Estimator) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.samples)
}

func (e *Estimator) speed() float64 {
	if len(e.samples) < 2 {
		return 0
	}

	latest := e.samples[len(e.samples)-1]
	ref := e.samples[0]
	for i := len(e.samples) - 2; i >= 0; i-- {
		if latest.at.Sub(e.samples[i].at) >= speedLookback {
			ref = e.samples[i]
			break
		}
	}

	elapsed := latest.at.Sub(ref.at)
	if elapsed < speedMinElapsed {
		return 0
	}
	return float64(latest.bytes-ref.bytes) / bytesPerMegabyte / elapsed.Seconds()
}

// prune drops samples outside the retention window. Exceeding the sample ceiling
// drops the oldest samples even when they are still inside the window.
func (e *Estimator) prune(now time.Time) {
	cutoff := now.Add(-sampleRetention)
	keep := 0
	for keep < len(e.samples)-1 && e.samples[keep].at.Before(cutoff) {
		keep++
	}
	if over := len(e.samples) - keep - maxSamples; over > 0 {
		keep += over
	}
	if keep > 0 {
		e.samples = append(e.samples[:0], e.samples[keep:]...)
	}
}
