package uploader

import (
	"sync"
	"sync/atomic"
	"time"
)

// session is the mutable state of one UploadFile call. Counters are only changed
// under mu, by the goroutine that owns the part being changed.
type session struct {
	key       string
	size      int64
	cancelled atomic.Bool
	estimator *Estimator

	mu            sync.Mutex
	strategy      Strategy
	uploadID      string
	aborted       bool
	status        Status
	errMsg        string
	committed     committedIndex
	uploadedBytes int64
	inFlight      map[int]int64
	queue         *partQueue
}

func newSession(key string, size int64) *session {
	return &session{
		key:       key,
		size:      size,
		estimator: NewEstimator(),
		status:    StatusUploading,
		committed: committedIndex{},
		inFlight:  map[int]int64{},
	}
}

func (s *session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *session) UploadID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uploadID
}

func (s *session) setStrategy(strategy Strategy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.strategy = strategy
}

func (s *session) setUploadID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploadID = id
}

// markAborted returns the upload ID to abort, or an empty string if there is none
// or another caller already aborted it.
func (s *session) markAborted() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.uploadID == "" || s.aborted {
		return ""
	}
	s.aborted = true
	return s.uploadID
}

// seed installs the part queue and the parts the store already holds. The committed
// bytes become the first throughput sample.
func (s *session) seed(q *partQueue, committed committedIndex, at time.Time) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = q
	s.committed = committed
	s.uploadedBytes = committed.bytes()
	s.estimator.Record(s.uploadedBytes, at)
	return s.uploadedBytes
}

// sent records the live progress of a single-shot transfer.
func (s *session) sent(n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n > s.uploadedBytes {
		s.uploadedBytes = n
	}
}

func (s *session) setInFlight(number int, n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlight[number] = n
}

func (s *session) clearInFlight(number int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, number)
}

// commit records a committed part and appends the new byte count to the throughput
// samples under the same lock, so samples never go backwards.
func (s *session) commit(p Part) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !p.Committed {
		return s.uploadedBytes
	}
	delete(s.inFlight, p.Number)
	if _, ok := s.committed[p.Number]; !ok {
		s.uploadedBytes += p.Size()
	}
	s.committed[p.Number] = UploadedPart{PartNumber: p.Number, ETag: p.ETag, Size: p.Size()}
	s.estimator.Record(s.uploadedBytes, time.Now())
	return s.uploadedBytes
}

func (s *session) completedParts() ([]CompletedPart, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.committed.sorted(), s.committed.bytes()
}

// finish moves the session into a terminal status. Only the first call succeeds.
func (s *session) finish(status Status, msg string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Terminal() {
		return false
	}
	s.status = status
	s.errMsg = msg
	s.inFlight = map[int]int64{}
	if status == StatusCompleted {
		s.uploadedBytes = s.size
	}
	return true
}

func (s *session) snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Status:        s.status,
		SpeedMBps:     s.estimator.Speed(),
		UploadedBytes: s.uploadedBytes,
		TotalBytes:    s.size,
		UploadID:      s.uploadID,
	}
	for _, n := range s.inFlight {
		snap.InFlightBytes += n
	}

	switch {
	case s.status == StatusCompleted:
		snap.Progress = 100
		zero := 0.0
		snap.RemainingTimeSeconds = &zero
	case s.size > 0:
		snap.Progress = min(99, float64(s.uploadedBytes)*100/float64(s.size))
	}

	if s.status == StatusUploading {
		if eta, ok := s.estimator.ETA(s.size - s.uploadedBytes); ok {
			seconds := eta.Round(time.Second).Seconds()
			snap.RemainingTimeSeconds = &seconds
		}
	}
	if s.errMsg != "" {
		msg := s.errMsg
		snap.Error = &msg
	}
	return snap
}
