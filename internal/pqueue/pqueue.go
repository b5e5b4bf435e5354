// Package pqueue implements the waiting-room ordering structure used by the
// scheduler: entries are kept ordered by (effective priority DESC,
// insertion sequence ASC), indexable by id for O(log n) reprioritize and
// remove.
//
// There is no third-party heap/priority-queue implementation pulled in
// elsewhere in this module; container/heap is the idiomatic stdlib answer
// for exactly this shape and is used here directly.
package pqueue

import (
	"container/heap"
	"sync"
	"time"
)

// Aging controls the enqueue-time priority bonus granted to an entry based
// on how long it has already been waiting (e.g. resubmitted work, or a
// caller-supplied queuedAt in the past).
type Aging struct {
	Enabled      bool
	IncrementPer float64 // bonus per minute of age
	MaxPriority  int
}

// Entry is one waiting item. Priority is the caller-supplied base
// priority; EffectivePriority is computed once at insertion time per the
// aging rule and does not change afterward except via SetPriority.
type Entry struct {
	ID                 string
	Priority           int
	EffectivePriority  int
	QueuedAt           int64 // unix millis
	InsertionSeq       uint64
	Value              any
}

// heapEntry is the container/heap element; it wraps Entry with its slice
// index for O(log n) fix-up on SetPriority/Remove.
type heapEntry struct {
	entry Entry
	index int
}

type innerHeap []*heapEntry

func (h innerHeap) Len() int { return len(h) }

func (h innerHeap) Less(i, j int) bool {
	a, b := h[i].entry, h[j].entry
	if a.EffectivePriority != b.EffectivePriority {
		return a.EffectivePriority > b.EffectivePriority // DESC
	}
	return a.InsertionSeq < b.InsertionSeq // FIFO within priority
}

func (h innerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *innerHeap) Push(x any) {
	he := x.(*heapEntry)
	he.index = len(*h)
	*h = append(*h, he)
}

func (h *innerHeap) Pop() any {
	old := *h
	n := len(old)
	he := old[n-1]
	old[n-1] = nil
	he.index = -1
	*h = old[:n-1]
	return he
}

// Queue is a thread-safe priority queue indexable by id.
type Queue struct {
	mu     sync.Mutex
	h      innerHeap
	byID   map[string]*heapEntry
	seq    uint64
	nowFn  func() time.Time
}

// New returns an empty queue. nowFn, if nil, defaults to time.Now; tests
// may override it to make aging deterministic.
func New(nowFn func() time.Time) *Queue {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Queue{
		byID:  make(map[string]*heapEntry),
		nowFn: nowFn,
	}
}

// effectivePriority applies the aging bonus, computed from the entry's
// declared QueuedAt (which may be in the past for resubmitted work) to
// "now", clamped to aging.MaxPriority.
func effectivePriority(base int, queuedAtMillis int64, now time.Time, aging Aging) int {
	if !aging.Enabled {
		return base
	}
	ageMinutes := float64(now.UnixMilli()-queuedAtMillis) / 60000.0
	if ageMinutes < 0 {
		ageMinutes = 0
	}
	bonus := int(ageMinutes * aging.IncrementPer) // floor via int truncation
	eff := base + bonus
	if aging.MaxPriority != 0 && eff > aging.MaxPriority {
		eff = aging.MaxPriority
	}
	return eff
}

// Enqueue inserts a new entry, computing its effective priority per the
// aging rule as of insertion time. If queuedAtMillis is 0, now is used.
func (q *Queue) Enqueue(id string, priority int, queuedAtMillis int64, aging Aging, value any) Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.nowFn()
	if queuedAtMillis == 0 {
		queuedAtMillis = now.UnixMilli()
	}

	q.seq++
	e := Entry{
		ID:                id,
		Priority:          priority,
		EffectivePriority: effectivePriority(priority, queuedAtMillis, now, aging),
		QueuedAt:          queuedAtMillis,
		InsertionSeq:      q.seq,
		Value:             value,
	}
	he := &heapEntry{entry: e}
	heap.Push(&q.h, he)
	q.byID[id] = he
	return e
}

// Pop removes and returns the head entry (highest effective priority,
// earliest insertion among ties). ok is false iff the queue is empty.
func (q *Queue) Pop() (entry Entry, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.h.Len() == 0 {
		return Entry{}, false
	}
	he := heap.Pop(&q.h).(*heapEntry)
	delete(q.byID, he.entry.ID)
	return he.entry, true
}

// Remove deletes the entry with the given id, if present.
func (q *Queue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	he, found := q.byID[id]
	if !found {
		return false
	}
	heap.Remove(&q.h, he.index)
	delete(q.byID, id)
	return true
}

// SetPriority updates an entry's base priority, recomputing its effective
// priority as of now and re-heapifying. Returns false if id is not queued.
func (q *Queue) SetPriority(id string, priority int, aging Aging) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	he, found := q.byID[id]
	if !found {
		return false
	}
	now := q.nowFn()
	he.entry.Priority = priority
	he.entry.EffectivePriority = effectivePriority(priority, he.entry.QueuedAt, now, aging)
	heap.Fix(&q.h, he.index)
	return true
}

// Len returns the current number of queued entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.h.Len()
}

// Snapshot returns a read-only view of all entries ordered by current
// effective priority (highest first), without mutating the queue.
func (q *Queue) Snapshot() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Entry, len(q.h))
	copy2 := make(innerHeap, len(q.h))
	copy(copy2, q.h)
	// A stable, non-destructive sorted copy: the entries are copied out of
	// the heap and insertion-sorted, keeping the real heap's internal
	// ordering/index bookkeeping untouched.
	for i := range out {
		out[i] = copy2[i].entry
	}
	sortEntries(out)
	return out
}

func sortEntries(entries []Entry) {
	// Simple insertion sort: queues are small (bounded by admission
	// policy's intended use — a handful to a few hundred waiting tasks),
	// and this keeps Snapshot allocation-light and dependency-free.
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && less(entries[j], entries[j-1]); j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}
}

func less(a, b Entry) bool {
	if a.EffectivePriority != b.EffectivePriority {
		return a.EffectivePriority > b.EffectivePriority
	}
	return a.InsertionSeq < b.InsertionSeq
}
