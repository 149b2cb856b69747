package atomic_float

import (
	"math"
	"sync/atomic"
)

// AtomicFloat64 encapsulates a float64 for non-locking atomic operations.
// The bits are held in an atomic.Uint64, so unlike the earlier unsafe.Pointer
// version there is no aliasing of a plain float64 that the gc could move.
// Statistics gauges (observed fps, latency in ms) are written by one goroutine
// and read by any number of others, which is the case this is built for.
type AtomicFloat64 struct {
	bits atomic.Uint64
}

// NewAtomicFloat64 encapsulates a float64 for atomic operations.
func NewAtomicFloat64(val float64) *AtomicFloat64 {
	af := &AtomicFloat64{}
	af.bits.Store(math.Float64bits(val))
	return af
}

// AtomicRead atomically reads the float64.
func (af *AtomicFloat64) AtomicRead() float64 {
	return math.Float64frombits(af.bits.Load())
}

// AtomicAdd attempts to add to the float64 once.
// If the value changes while we're operating upon it, the add fails and the caller
// decides whether to retry, drop the update, or recalculate.
func (af *AtomicFloat64) AtomicAdd(addend float64) (newVal float64, succeeded bool) {
	old := af.bits.Load()
	newVal = math.Float64frombits(old) + addend
	succeeded = af.bits.CompareAndSwap(old, math.Float64bits(newVal))
	return
}

// AtomicSet unconditionally stores the float64.
func (af *AtomicFloat64) AtomicSet(val float64) {
	af.bits.Store(math.Float64bits(val))
}

// AtomicSmooth folds sample into the current value as an exponential moving average
// with weight w in (0,1]. A zero current value is replaced by the sample outright,
// so the first sample isn't dragged toward zero.
func (af *AtomicFloat64) AtomicSmooth(sample, w float64) float64 {
	for {
		old := af.bits.Load()
		cur := math.Float64frombits(old)
		next := sample
		if cur != 0 {
			next = cur + w*(sample-cur)
		}
		if af.bits.CompareAndSwap(old, math.Float64bits(next)) {
			return next
		}
	}
}
