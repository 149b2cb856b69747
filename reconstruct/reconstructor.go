// reconstruct turns buffered snapshots into the frame to display at a render time:
// exact, interpolated between two snapshots, or predicted past the newest one.
package reconstruct

import (
	"sync"
	"time"

	"pacview/ingress"
	"pacview/models"
)

// DefaultPredictionHorizon caps how far past the newest snapshot positions are extrapolated.
const DefaultPredictionHorizon = 500 * time.Millisecond

// Kind describes how a frame was produced.
type Kind int

const (
	// Exact is a buffered snapshot as received.
	Exact Kind = iota
	// Interpolated lies between two buffered snapshots.
	Interpolated
	// Predicted extrapolates positions past the newest snapshot.
	Predicted
	// Held repeats the last reconstructed frame because there is no data.
	Held
)

func (k Kind) String() string {
	return [...]string{"exact", "interpolated", "predicted", "held"}[k]
}

// Frame is a reconstructed snapshot and how it was produced.
type Frame struct {
	Snapshot    models.Snapshot
	Kind        Kind
	Alpha       float64
	LogicalTime time.Time
}

// Mode selects how the buffer is consumed.
type Mode int

const (
	// ModeInterpolate brackets the render time with two snapshots (the default).
	ModeInterpolate Mode = iota
	// ModeLatest always shows the newest snapshot.
	ModeLatest
	// ModeSequential plays every buffered snapshot once, oldest first, one per call.
	ModeSequential
)

// Direction is a single-step direction.
type Direction int

const (
	Advance Direction = iota
	Rewind
)

// Buffer is the part of ingress.Buffer the reconstructor reads.
type Buffer interface {
	Window() []ingress.Entry
	MarkConsumed(seqs ...int64)
	DrainOldest() (models.Snapshot, bool)
}

// Reconstructor produces frames from a buffer. It never fails: without data it repeats
// the last frame it produced, and before any frame it reports "no data".
type Reconstructor struct {
	mu          sync.Mutex
	buffer      Buffer
	backend     Backend
	mode        Mode
	interpolate bool
	predict     bool
	horizon     time.Duration

	last       Frame
	hasLast    bool
	lastTarget time.Time
}

// New returns a reconstructor with interpolation on and prediction off.
func New(buffer Buffer, opts ...func(*Reconstructor)) *Reconstructor {
	r := &Reconstructor{
		buffer:      buffer,
		backend:     Inline{},
		mode:        ModeInterpolate,
		interpolate: true,
		horizon:     DefaultPredictionHorizon,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func WithInterpolation(enabled bool) func(*Reconstructor) {
	return func(r *Reconstructor) { r.interpolate = enabled }
}

func WithPrediction(enabled bool) func(*Reconstructor) {
	return func(r *Reconstructor) { r.predict = enabled }
}

// WithPredictionHorizon caps extrapolation distance in time.
func WithPredictionHorizon(horizon time.Duration) func(*Reconstructor) {
	return func(r *Reconstructor) {
		if horizon > 0 {
			r.horizon = horizon
		}
	}
}

func WithMode(mode Mode) func(*Reconstructor) {
	return func(r *Reconstructor) { r.mode = mode }
}

func WithBackend(backend Backend) func(*Reconstructor) {
	return func(r *Reconstructor) {
		if backend != nil {
			r.backend = backend
		}
	}
}

// Last returns the most recent frame produced, if any.
func (r *Reconstructor) Last() (Frame, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last, r.hasLast
}

// Reconstruct returns the frame to show at target. A target earlier than the previous
// one is raised to it, so logical time never runs backward across calls.
// The bool is false only when nothing has ever been reconstructed and the buffer is empty.
func (r *Reconstructor) Reconstruct(target time.Time) (Frame, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if target.Before(r.lastTarget) {
		target = r.lastTarget
	}
	r.lastTarget = target

	if r.mode == ModeSequential {
		if s, ok := r.buffer.DrainOldest(); ok {
			return r.emit(Frame{Snapshot: s, Kind: Exact, Alpha: 1, LogicalTime: target}), true
		}
		return r.held(target)
	}

	window := r.buffer.Window()
	if len(window) == 0 {
		return r.held(target)
	}

	newest := window[len(window)-1].Snapshot
	if r.mode == ModeLatest || !r.interpolate || len(window) < 2 {
		r.buffer.MarkConsumed(newest.Sequence)
		return r.emit(Frame{Snapshot: newest, Kind: Exact, Alpha: 1, LogicalTime: target}), true
	}

	if r.predict && target.After(newest.ReceivedAt) {
		prev := window[len(window)-2].Snapshot
		ahead := target.Sub(newest.ReceivedAt)
		if ahead > r.horizon {
			ahead = r.horizon
		}
		predicted := r.backend.Compute(func() models.Snapshot {
			return extrapolate(prev, newest, ahead)
		})
		r.buffer.MarkConsumed(prev.Sequence, newest.Sequence)
		return r.emit(Frame{Snapshot: predicted, Kind: Predicted, Alpha: 1, LogicalTime: target}), true
	}

	prev, next := bracket(window, target)
	alpha := alphaBetween(prev.ReceivedAt, next.ReceivedAt, target)
	blended := r.backend.Compute(func() models.Snapshot {
		return interpolate(prev, next, alpha)
	})
	r.buffer.MarkConsumed(prev.Sequence, next.Sequence)

	kind := Interpolated
	if alpha == 0 || alpha == 1 {
		kind = Exact
	}
	return r.emit(Frame{Snapshot: blended, Kind: kind, Alpha: alpha, LogicalTime: target}), true
}

// bracket finds the consecutive pair around target: the last entry received at or
// before target and its successor. Targets before the oldest use the two oldest and
// targets at or after the newest use the two newest. Requires len(window) >= 2.
func bracket(window []ingress.Entry, target time.Time) (prev, next models.Snapshot) {
	i := 0
	for j := range window {
		if window[j].Snapshot.ReceivedAt.After(target) {
			break
		}
		i = j
	}
	if i == len(window)-1 {
		i--
	}
	return window[i].Snapshot, window[i+1].Snapshot
}

// Step moves one buffered snapshot forward or back from the last frame shown and returns
// it exactly. Consumed snapshots remain buffered, which is what makes rewinding possible.
func (r *Reconstructor) Step(dir Direction) (Frame, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	window := r.buffer.Window()
	if len(window) == 0 {
		return r.held(r.lastTarget)
	}

	pick := window[len(window)-1]
	if dir == Rewind {
		pick = window[0]
	}
	if r.hasLast {
		cursor := r.last.Snapshot.Sequence
		if dir == Advance {
			for _, e := range window {
				if e.Snapshot.Sequence > cursor {
					pick = e
					break
				}
			}
		} else {
			for _, i := range models.Rev(len(window)) {
				if window[i].Snapshot.Sequence < cursor {
					pick = window[i]
					break
				}
			}
		}
	}

	r.buffer.MarkConsumed(pick.Snapshot.Sequence)
	return r.emit(Frame{Snapshot: pick.Snapshot, Kind: Exact, Alpha: 1, LogicalTime: r.lastTarget}), true
}

func (r *Reconstructor) emit(frame Frame) Frame {
	r.last = frame
	r.hasLast = true
	return frame
}

func (r *Reconstructor) held(target time.Time) (Frame, bool) {
	if !r.hasLast {
		return Frame{}, false
	}
	frame := r.last
	frame.Kind = Held
	frame.LogicalTime = target
	return frame, true
}
