// stats aggregates advisory streaming telemetry. Each producing component pushes its
// own deltas; readers get the latest values without blocking anyone.
package stats

import (
	"sync/atomic"
	"time"

	"pacview/atomic_float"
)

// fpsSmoothing is the weight of a new observed-fps sample in the moving average.
const fpsSmoothing = 0.1

// Statistics is a point-in-time read of the aggregator. Values from different
// producers may be a tick apart; this is telemetry, not a correctness path.
type Statistics struct {
	MessagesReceived  uint64        `json:"messages_received"`
	MessagesSent      uint64        `json:"messages_sent"`
	BytesReceived     uint64        `json:"bytes_received"`
	BytesSent         uint64        `json:"bytes_sent"`
	MalformedMessages uint64        `json:"malformed_messages"`
	StaleRejected     uint64        `json:"stale_rejected"`
	Evicted           uint64        `json:"evicted_unconsumed"`
	BufferOccupancy   int64         `json:"buffer_occupancy"`
	RoundTrip         time.Duration `json:"round_trip_ns"`
	RoundTripMs       float64       `json:"round_trip_ms"`
	ReconnectAttempts int64         `json:"reconnect_attempts"`
	RenderFps         float64       `json:"render_fps"`
	FramesRendered    uint64        `json:"frames_rendered"`
}

// DroppedFrames is the total of stale rejections and unconsumed evictions.
func (s Statistics) DroppedFrames() uint64 {
	return s.StaleRejected + s.Evicted
}

// Aggregator owns the counters. All methods are safe for concurrent use.
type Aggregator struct {
	messagesReceived  atomic.Uint64
	messagesSent      atomic.Uint64
	bytesReceived     atomic.Uint64
	bytesSent         atomic.Uint64
	malformed         atomic.Uint64
	staleRejected     atomic.Uint64
	evicted           atomic.Uint64
	bufferOccupancy   atomic.Int64
	roundTrip         atomic.Int64
	reconnectAttempts atomic.Int64
	framesRendered    atomic.Uint64
	roundTripMs       *atomic_float.AtomicFloat64
	renderFps         *atomic_float.AtomicFloat64
}

// New returns a zeroed aggregator.
func New() *Aggregator {
	return &Aggregator{
		roundTripMs: atomic_float.NewAtomicFloat64(0),
		renderFps:   atomic_float.NewAtomicFloat64(0),
	}
}

func (a *Aggregator) MessageReceived(bytes int) {
	a.messagesReceived.Add(1)
	a.bytesReceived.Add(uint64(bytes))
}

func (a *Aggregator) MessageSent(bytes int) {
	a.messagesSent.Add(1)
	a.bytesSent.Add(uint64(bytes))
}

func (a *Aggregator) Malformed() {
	a.malformed.Add(1)
}

func (a *Aggregator) StaleRejected() {
	a.staleRejected.Add(1)
}

func (a *Aggregator) Evicted() {
	a.evicted.Add(1)
}

func (a *Aggregator) BufferOccupancy(n int) {
	a.bufferOccupancy.Store(int64(n))
}

func (a *Aggregator) RoundTrip(d time.Duration) {
	a.roundTrip.Store(int64(d))
	a.roundTripMs.AtomicSet(float64(d) / float64(time.Millisecond))
}

func (a *Aggregator) ReconnectAttempts(n int) {
	a.reconnectAttempts.Store(int64(n))
}

// RenderFps folds an observed fps sample into the smoothed gauge.
func (a *Aggregator) RenderFps(fps float64) {
	a.renderFps.AtomicSmooth(fps, fpsSmoothing)
}

func (a *Aggregator) FrameRendered() {
	a.framesRendered.Add(1)
}

// Snapshot returns the latest known values.
func (a *Aggregator) Snapshot() Statistics {
	return Statistics{
		MessagesReceived:  a.messagesReceived.Load(),
		MessagesSent:      a.messagesSent.Load(),
		BytesReceived:     a.bytesReceived.Load(),
		BytesSent:         a.bytesSent.Load(),
		MalformedMessages: a.malformed.Load(),
		StaleRejected:     a.staleRejected.Load(),
		Evicted:           a.evicted.Load(),
		BufferOccupancy:   a.bufferOccupancy.Load(),
		RoundTrip:         time.Duration(a.roundTrip.Load()),
		RoundTripMs:       a.roundTripMs.AtomicRead(),
		ReconnectAttempts: a.reconnectAttempts.Load(),
		RenderFps:         a.renderFps.AtomicRead(),
		FramesRendered:    a.framesRendered.Load(),
	}
}
