package uploader

import (
	"fmt"
	"sort"
	"sync"
)

// Plan divides a source of sourceSize bytes into contiguous parts of at most chunkSize bytes.
// Only the last part may be shorter, and it holds at least one byte.
func Plan(sourceSize, chunkSize int64) ([]Part, error) {
	if sourceSize <= 0 {
		return nil, fmt.Errorf("%w: source size must be positive, got %d", ErrInvalidInput, sourceSize)
	}
	if chunkSize <= 0 {
		return nil, fmt.Errorf("%w: chunk size must be positive, got %d", ErrInvalidInput, chunkSize)
	}

	parts := make([]Part, 0, (sourceSize+chunkSize-1)/chunkSize)
	for start, number := int64(0), 1; start < sourceSize; number++ {
		end := min(start+chunkSize, sourceSize)
		parts = append(parts, Part{Number: number, Start: start, End: end})
		start = end
	}
	return parts, nil
}

// ChunkTier is one step of the speed to chunk size mapping.
type ChunkTier struct {
	// BelowMBps is the exclusive upper speed bound of the tier in MiB/s.
	// It is ignored for the last tier.
	BelowMBps float64
	ChunkSize int64
}

// ChunkTiers maps the observed upload speed to the size of future parts.
type ChunkTiers [4]ChunkTier

// DefaultChunkTiers returns the default tiers: slow links get small parts so a
// failure or a cancellation loses less work, fast links get large parts to cut
// request overhead.
func DefaultChunkTiers() ChunkTiers {
	return ChunkTiers{
		{BelowMBps: 1, ChunkSize: 5 * MiB},
		{BelowMBps: 5, ChunkSize: 8 * MiB},
		{BelowMBps: 25, ChunkSize: 16 * MiB},
		{ChunkSize: 32 * MiB},
	}
}

// Resize returns the chunk size of the tier the given speed falls into.
func (t ChunkTiers) Resize(speedMBps float64) int64 {
	for _, tier := range t[:len(t)-1] {
		if speedMBps < tier.BelowMBps {
			return tier.ChunkSize
		}
	}
	return t[len(t)-1].ChunkSize
}

func (t ChunkTiers) validate() error {
	for i, tier := range t {
		if tier.ChunkSize < MinChunkSize {
			return fmt.Errorf("%w: chunk tier %d is below the minimum part size", ErrInvalidInput, i)
		}
		if i == 0 {
			continue
		}
		if tier.ChunkSize < t[i-1].ChunkSize {
			return fmt.Errorf("%w: chunk tier %d is smaller than tier %d", ErrInvalidInput, i, i-1)
		}
		if i < len(t)-1 && tier.BelowMBps <= t[i-1].BelowMBps {
			return fmt.Errorf("%w: chunk tier thresholds must increase", ErrInvalidInput)
		}
	}
	return nil
}

// partQueue cuts parts lazily from a cursor, so the chunk size is read when a part is
// dispatched. Pinned parts have fixed ranges and are handed out first.
type partQueue struct {
	mu     sync.Mutex
	size   int64
	chunk  int64
	offset int64
	number int
	pinned []Part
}

func newPartQueue(size, chunk int64) *partQueue {
	return &partQueue{size: size, chunk: chunk, number: 1}
}

// Next returns the next part to upload, or false when the source is fully planned.
func (q *partQueue) Next() (Part, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pinned) > 0 {
		p := q.pinned[0]
		q.pinned = q.pinned[1:]
		return p, true
	}
	if q.offset >= q.size || q.number > MaxParts {
		return Part{}, false
	}

	chunk := q.chunk
	remaining := q.size - q.offset
	if slots := int64(MaxParts - q.number + 1); (remaining+chunk-1)/chunk > slots {
		chunk = (remaining + slots - 1) / slots
	}

	end := min(q.offset+chunk, q.size)
	p := Part{Number: q.number, Start: q.offset, End: end}
	q.offset = end
	q.number++
	return p, true
}

// SetChunkSize changes the size of parts cut after this call.
func (q *partQueue) SetChunkSize(chunk int64) {
	if chunk <= 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.chunk = chunk
}

// ChunkSize returns the size the next cut part will have, before the part limit is applied.
func (q *partQueue) ChunkSize() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.chunk
}

// Empty reports whether nothing is left to dispatch.
func (q *partQueue) Empty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pinned) == 0 && q.offset >= q.size
}

// newResumeQueue places the parts an object store reports on a source of the given size.
//
// The contiguous run 1..k is accepted with its recorded sizes. A gap can only be
// placed when all parts before it share one size, in which case the missing parts
// are pinned at their implied offsets. The first part that cannot be placed, and
// every part after it, is dropped so its number gets uploaded again.
func newResumeQueue(size, chunk int64, reported []UploadedPart) (*partQueue, committedIndex, []UploadedPart) {
	candidates := make([]UploadedPart, 0, len(reported))
	for _, p := range reported {
		if p.PartNumber >= 1 && p.PartNumber <= MaxParts && p.Size > 0 && p.ETag != "" {
			candidates = append(candidates, p)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].PartNumber < candidates[j].PartNumber
	})

	q := newPartQueue(size, chunk)
	accepted := committedIndex{}
	var uniform int64

	for i, p := range candidates {
		if _, ok := accepted[p.PartNumber]; ok {
			continue
		}

		start := q.offset
		holes := p.PartNumber - q.number
		if holes > 0 || uniform > 0 {
			u := uniformSize(accepted)
			if u == 0 {
				return q, accepted, candidates[i:]
			}
			start = q.offset + int64(holes)*u
			last := start+p.Size == size
			if p.Size != u && !(last && p.Size < u) {
				return q, accepted, candidates[i:]
			}
			if start+p.Size > size {
				return q, accepted, candidates[i:]
			}
			for n := 0; n < holes; n++ {
				hs := q.offset + int64(n)*u
				q.pinned = append(q.pinned, Part{Number: q.number + n, Start: hs, End: hs + u})
			}
			uniform = u
		} else if start+p.Size > size {
			return q, accepted, candidates[i:]
		}

		accepted[p.PartNumber] = p
		q.offset = start + p.Size
		q.number = p.PartNumber + 1
	}

	return q, accepted, nil
}

// uniformSize returns the size every accepted part shares, or 0 if they differ or none
// was accepted. A single reported part cannot tell whether it was the short last one.
func uniformSize(accepted committedIndex) int64 {
	var u int64
	for _, p := range accepted {
		if u == 0 {
			u = p.Size
		} else if p.Size != u {
			return 0
		}
	}
	return u
}
