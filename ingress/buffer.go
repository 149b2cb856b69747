// ingress holds recently arrived snapshots in sequence order until the reconstructor
// consumes them or they age out.
package ingress

import (
	"sync"
	"time"

	"pacview/models"

	"github.com/eapache/queue"
)

const (
	// DefaultCapacity is about one second of snapshots at 60Hz.
	DefaultCapacity = 60
	// DefaultMaxAge is the prune horizon.
	DefaultMaxAge = 5 * time.Second
	// DefaultMinRetain is the fewest entries pruning leaves behind; interpolation needs two.
	DefaultMinRetain = 2
)

// Result describes what Accept did with a snapshot. Staleness and overflow are
// ordinary results rather than errors: a best-effort stream keeps running through them.
type Result int

const (
	Accepted Result = iota
	// AcceptedWithEviction means the snapshot was inserted and the oldest entry was evicted.
	AcceptedWithEviction
	// RejectedStale means the sequence number did not exceed the highest accepted.
	RejectedStale
)

func (r Result) String() string {
	switch r {
	case Accepted:
		return "accepted"
	case AcceptedWithEviction:
		return "accepted-with-eviction"
	case RejectedStale:
		return "rejected-stale"
	}
	return "unknown"
}

// Reporter receives buffer telemetry; stats.Aggregator implements it.
type Reporter interface {
	StaleRejected()
	Evicted()
	BufferOccupancy(n int)
}

type nopReporter struct{}

func (nopReporter) StaleRejected()      {}
func (nopReporter) Evicted()            {}
func (nopReporter) BufferOccupancy(int) {}

// Entry is a buffered snapshot and whether the reconstructor has used it.
type Entry struct {
	Snapshot models.Snapshot
	Consumed bool
}

// Buffer is a bounded, sequence-ordered collection of snapshots.
// The transport is the single writer and the render driver the single consumer;
// the RWMutex lets stats readers and Window callers proceed alongside each other.
type Buffer struct {
	mu       sync.RWMutex
	entries  *queue.Queue // of *Entry, oldest first
	capacity int
	highest  int64
	seen     bool
	reporter Reporter
}

// New returns an empty buffer.
func New(opts ...func(*Buffer)) *Buffer {
	b := &Buffer{
		entries:  queue.New(),
		capacity: DefaultCapacity,
		reporter: nopReporter{},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// WithCapacity sets maxBufferSize. Values below one are ignored.
func WithCapacity(capacity int) func(*Buffer) {
	return func(b *Buffer) {
		if capacity > 0 {
			b.capacity = capacity
		}
	}
}

// WithReporter sets the telemetry sink.
func WithReporter(r Reporter) func(*Buffer) {
	return func(b *Buffer) {
		if r != nil {
			b.reporter = r
		}
	}
}

// Accept inserts the snapshot if its sequence number exceeds every one accepted so far,
// then evicts the oldest entry if capacity is exceeded. Since every accepted sequence is
// a new maximum, insertion in order is an append.
func (b *Buffer) Accept(s models.Snapshot) Result {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.seen && s.Sequence <= b.highest {
		b.reporter.StaleRejected()
		return RejectedStale
	}

	b.highest = s.Sequence
	b.seen = true
	b.entries.Add(&Entry{Snapshot: s})

	result := Accepted
	for b.entries.Length() > b.capacity {
		evicted := b.entries.Remove().(*Entry)
		if !evicted.Consumed {
			b.reporter.Evicted()
		}
		result = AcceptedWithEviction
	}

	b.reporter.BufferOccupancy(b.entries.Length())
	return result
}

// PeekLatest returns the most recently accepted snapshot without removing it.
// The bool is false when the buffer is empty; never read the zero snapshot as data.
func (b *Buffer) PeekLatest() (models.Snapshot, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.entries.Length() == 0 {
		return models.Snapshot{}, false
	}
	return b.entries.Get(-1).(*Entry).Snapshot, true
}

// DrainOldest removes and returns the oldest unconsumed snapshot, or false when there
// is none. Consumed entries stay where they are.
func (b *Buffer) DrainOldest() (models.Snapshot, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := b.entries.Length()
	found := -1
	for i := 0; i < n; i++ {
		if !b.entries.Get(i).(*Entry).Consumed {
			found = i
			break
		}
	}
	if found < 0 {
		return models.Snapshot{}, false
	}

	var entry *Entry
	if found == 0 {
		entry = b.entries.Remove().(*Entry)
	} else {
		// The queue only removes from the front, so rebuild it without the entry.
		rest := queue.New()
		for i := 0; i < n; i++ {
			e := b.entries.Get(i).(*Entry)
			if i == found {
				entry = e
				continue
			}
			rest.Add(e)
		}
		b.entries = rest
	}
	b.reporter.BufferOccupancy(b.entries.Length())
	return entry.Snapshot, true
}

// Prune removes entries received more than maxAge before now, consumed or not, but
// never shrinks the buffer below minRetain entries. It returns the number removed.
func (b *Buffer) Prune(now time.Time, maxAge time.Duration, minRetain int) (removed int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	horizon := now.Add(-maxAge)
	for b.entries.Length() > minRetain {
		oldest := b.entries.Peek().(*Entry)
		if !oldest.Snapshot.ReceivedAt.Before(horizon) {
			break
		}
		b.entries.Remove()
		removed++
	}

	if removed > 0 {
		b.reporter.BufferOccupancy(b.entries.Length())
	}
	return
}

// MarkConsumed flags the entries with the passed sequence numbers as used. Consumed
// entries stay buffered so single-step rewind can revisit them.
func (b *Buffer) MarkConsumed(seqs ...int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := 0; i < b.entries.Length(); i++ {
		entry := b.entries.Get(i).(*Entry)
		for _, seq := range seqs {
			if entry.Snapshot.Sequence == seq {
				entry.Consumed = true
			}
		}
	}
}

// Window returns a copy of the buffered entries, oldest first.
func (b *Buffer) Window() []Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	window := make([]Entry, b.entries.Length())
	for i := range window {
		window[i] = *b.entries.Get(i).(*Entry)
	}
	return window
}

// Len returns the current occupancy.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.entries.Length()
}

// Highest returns the highest accepted sequence number, false if nothing was accepted yet.
func (b *Buffer) Highest() (int64, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.highest, b.seen
}

// Reset empties the buffer and forgets the highest sequence, for a restarted stream.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries = queue.New()
	b.highest = 0
	b.seen = false
	b.reporter.BufferOccupancy(0)
}
