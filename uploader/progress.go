package uploader

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Snapshot is an immutable view of the state of the current upload session.
type Snapshot struct {
	// Progress is the committed share of the source in percent. It stays at or below
	// 99 until the upload is completed.
	Progress float64 `json:"progress"`
	// RemainingTimeSeconds is nil while no reliable speed is known.
	RemainingTimeSeconds *float64 `json:"remaining_time_seconds"`
	Status               Status   `json:"status"`
	Error                *string  `json:"error"`
	SpeedMBps            float64  `json:"speed_mbps"`
	UploadedBytes        int64    `json:"uploaded_bytes"`
	// InFlightBytes are sent but not yet committed. They never count towards Progress.
	InFlightBytes int64  `json:"in_flight_bytes"`
	TotalBytes    int64  `json:"total_bytes"`
	UploadID      string `json:"upload_id,omitempty"`
}

// ErrorMessage returns the error message or an empty string.
func (s Snapshot) ErrorMessage() string {
	if s.Error == nil {
		return ""
	}
	return *s.Error
}

// publisher holds the latest published snapshot and fans it out to subscribers.
type publisher struct {
	mu          sync.Mutex
	current     Snapshot
	limiter     *rate.Limiter
	subscribers map[int]chan Snapshot
	nextID      int
}

func newPublisher(throttle time.Duration) *publisher {
	limit := rate.Inf
	if throttle > 0 {
		limit = rate.Every(throttle)
	}
	return &publisher{
		current:     Snapshot{Status: StatusIdle},
		limiter:     rate.NewLimiter(limit, 1),
		subscribers: map[int]chan Snapshot{},
	}
}

// Snapshot returns the last published snapshot.
func (p *publisher) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// Publish replaces the current snapshot. Snapshots that keep the status are dropped
// when they arrive faster than the throttle allows, unless force is set.
// It reports whether the snapshot was published.
func (p *publisher) Publish(s Snapshot, force bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	transition := s.Status != p.current.Status
	if !transition && !force && !p.limiter.Allow() {
		return false
	}
	if transition || force {
		// Keep the throttle window anchored at the latest publication.
		p.limiter.AllowN(time.Now(), 1)
	}

	p.current = s
	for _, ch := range p.subscribers {
		// Replace a stale, unread snapshot with the latest one.
		select {
		case <-ch:
		default:
		}
		ch <- s
	}
	return true
}

// Subscribe returns a channel that always holds the latest published snapshot and a
// function that closes it.
func (p *publisher) Subscribe() (<-chan Snapshot, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := p.nextID
	p.nextID++
	ch := make(chan Snapshot, 1)
	ch <- p.current
	p.subscribers[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			delete(p.subscribers, id)
			close(ch)
		})
	}
}
