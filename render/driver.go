// render drives reconstruction at a fixed visual frame rate, decoupled from snapshot arrival.
package render

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"pacview/ingress"
	"pacview/reconstruct"
	"pacview/stats"

	channerics "github.com/niceyeti/channerics/channels"
)

// DefaultTargetFps is the default render rate.
const DefaultTargetFps = 60

// Source produces frames; reconstruct.Reconstructor implements it.
type Source interface {
	Reconstruct(target time.Time) (reconstruct.Frame, bool)
	Step(dir reconstruct.Direction) (reconstruct.Frame, bool)
}

// Buffer is the part of the ingress buffer the driver maintains.
type Buffer interface {
	Prune(now time.Time, maxAge time.Duration, minRetain int) int
	Len() int
}

// Renderer is the rendering collaborator. It reads the frame and never mutates it.
type Renderer interface {
	Render(frame reconstruct.Frame, status Status)
}

// RendererFunc adapts a function to a Renderer.
type RendererFunc func(reconstruct.Frame, Status)

func (fn RendererFunc) Render(frame reconstruct.Frame, status Status) {
	fn(frame, status)
}

// Clock returns wall time.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// Status is what the renderer needs to draw indicators alongside the frame.
type Status struct {
	Connection   string
	Reconnecting bool
	Paused       bool
	// Stalled is set once the buffer has been empty for longer than one render interval.
	Stalled   bool
	Speed     float64
	TargetFps int
	Stats     stats.Statistics
}

// Driver is the fixed-rate render loop.
type Driver struct {
	mu         sync.Mutex
	source     Source
	renderer   Renderer
	buffer     Buffer
	stats      *stats.Aggregator
	clock      Clock
	logger     *slog.Logger
	connection func() (string, bool)

	targetFps int
	speed     float64
	delay     time.Duration
	paused    bool
	stalled   bool
	// control is closed and replaced whenever the loop must re-evaluate pause or rate.
	control chan struct{}

	// Logical time is anchorLogical plus scaled wall time elapsed since anchorWall.
	anchored      bool
	anchorWall    time.Time
	anchorLogical time.Time
	lastTick      time.Time
	emptySince    time.Time
}

// New returns a driver that is running (not paused) at DefaultTargetFps and speed 1.
func New(source Source, renderer Renderer, opts ...func(*Driver)) *Driver {
	d := &Driver{
		source:     source,
		renderer:   renderer,
		stats:      stats.New(),
		clock:      wallClock{},
		logger:     slog.Default(),
		connection: func() (string, bool) { return "", false },
		targetFps:  DefaultTargetFps,
		speed:      1,
		control:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// WithBuffer lets the driver prune the buffer and detect stalls.
func WithBuffer(buffer Buffer) func(*Driver) {
	return func(d *Driver) { d.buffer = buffer }
}

func WithStats(agg *stats.Aggregator) func(*Driver) {
	return func(d *Driver) {
		if agg != nil {
			d.stats = agg
		}
	}
}

func WithClock(clock Clock) func(*Driver) {
	return func(d *Driver) { d.clock = clock }
}

func WithLogger(logger *slog.Logger) func(*Driver) {
	return func(d *Driver) { d.logger = logger }
}

func WithTargetFps(fps int) func(*Driver) {
	return func(d *Driver) {
		if fps > 0 {
			d.targetFps = fps
		}
	}
}

// WithDelay renders delay behind logical now, so that targets usually fall between two
// received snapshots and interpolate rather than predict.
func WithDelay(delay time.Duration) func(*Driver) {
	return func(d *Driver) {
		if delay > 0 {
			d.delay = delay
		}
	}
}

// WithConnection supplies the connection state name and whether it is reconnecting.
func WithConnection(fn func() (string, bool)) func(*Driver) {
	return func(d *Driver) { d.connection = fn }
}

// WithPaused starts the driver paused.
func WithPaused(paused bool) func(*Driver) {
	return func(d *Driver) { d.paused = paused }
}

// Run ticks at the target rate until ctx is done. While paused, no ticker runs at all.
func (d *Driver) Run(ctx context.Context) error {
	for {
		d.mu.Lock()
		paused, interval, control := d.paused, d.interval(), d.control
		d.mu.Unlock()

		if paused {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-control:
				continue
			}
		}

		d.logger.Debug("render loop running", "interval", interval)
		stop := make(chan struct{})
		ticks := channerics.NewTicker(stop, interval)
	loop:
		for {
			select {
			case <-ctx.Done():
				close(stop)
				return ctx.Err()
			case <-control:
				close(stop)
				break loop
			case <-ticks:
				d.tick()
			}
		}
	}
}

// tick is Run's cycle. A tick that races a Pause is dropped: once Pause returns,
// nothing more is rendered.
func (d *Driver) tick() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.paused {
		return
	}
	d.cycle(d.clock.Now())
}

// Tick performs one reconstruct-and-render cycle at wall time now. Run ticks on its own;
// tests call Tick directly with a manual clock.
func (d *Driver) Tick(now time.Time) (reconstruct.Frame, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cycle(now)
}

func (d *Driver) cycle(now time.Time) (reconstruct.Frame, bool) {
	logical := d.logicalAt(now).Add(-d.delay)
	d.observeRate(now)
	d.observeOccupancy(now)

	frame, ok := d.source.Reconstruct(logical)
	if ok {
		d.renderer.Render(frame, d.status())
		d.stats.FrameRendered()
	}

	if d.buffer != nil {
		if n := d.buffer.Prune(now, ingress.DefaultMaxAge, ingress.DefaultMinRetain); n > 0 {
			d.logger.Debug("pruned snapshots", "count", n)
		}
	}
	return frame, ok
}

// Pause stops the tick loop. Nothing is reconstructed until Resume or a single step.
func (d *Driver) Pause() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.paused {
		return
	}
	d.reanchor(d.clock.Now())
	d.paused = true
	d.signal()
}

// Resume restarts the tick loop. Logical time continues from where it was paused.
func (d *Driver) Resume() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.paused {
		return
	}
	d.reanchor(d.clock.Now())
	d.paused = false
	d.lastTick = time.Time{}
	d.signal()
}

// Paused reports whether the loop is paused.
func (d *Driver) Paused() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.paused
}

// StepForward renders the next buffered snapshot. It only acts while paused.
func (d *Driver) StepForward() (reconstruct.Frame, bool) {
	return d.step(reconstruct.Advance)
}

// StepBack renders the previous buffered snapshot. It only acts while paused.
func (d *Driver) StepBack() (reconstruct.Frame, bool) {
	return d.step(reconstruct.Rewind)
}

func (d *Driver) step(dir reconstruct.Direction) (reconstruct.Frame, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.paused {
		return reconstruct.Frame{}, false
	}
	frame, ok := d.source.Step(dir)
	if ok {
		d.renderer.Render(frame, d.status())
		d.stats.FrameRendered()
	}
	return frame, ok
}

// SetSpeed changes the rate at which logical time advances relative to wall time.
// Non-positive factors are ignored.
func (d *Driver) SetSpeed(factor float64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if factor <= 0 {
		return
	}
	d.reanchor(d.clock.Now())
	d.speed = factor
}

// SetTargetFps changes the tick rate and restarts the ticker.
func (d *Driver) SetTargetFps(fps int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if fps <= 0 || fps == d.targetFps {
		return
	}
	d.targetFps = fps
	d.signal()
}

// Status returns the current indicator state.
func (d *Driver) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status()
}

func (d *Driver) status() Status {
	conn, reconnecting := d.connection()
	return Status{
		Connection:   conn,
		Reconnecting: reconnecting,
		Paused:       d.paused,
		Stalled:      d.stalled,
		Speed:        d.speed,
		TargetFps:    d.targetFps,
		Stats:        d.stats.Snapshot(),
	}
}

func (d *Driver) interval() time.Duration {
	return time.Second / time.Duration(d.targetFps)
}

func (d *Driver) signal() {
	close(d.control)
	d.control = make(chan struct{})
}

func (d *Driver) logicalAt(now time.Time) time.Time {
	if !d.anchored {
		d.anchored = true
		d.anchorWall = now
		d.anchorLogical = now
	}
	elapsed := time.Duration(float64(now.Sub(d.anchorWall)) * d.speed)
	return d.anchorLogical.Add(elapsed)
}

// reanchor pins the current logical time to now so a speed or pause change
// applies from here on without a jump.
func (d *Driver) reanchor(now time.Time) {
	if !d.anchored {
		return
	}
	if d.paused {
		// Time stood still while paused.
		d.anchorWall = now
		return
	}
	d.anchorLogical = d.logicalAt(now)
	d.anchorWall = now
}

func (d *Driver) observeRate(now time.Time) {
	if !d.lastTick.IsZero() {
		if elapsed := now.Sub(d.lastTick); elapsed > 0 {
			d.stats.RenderFps(float64(time.Second) / float64(elapsed))
		}
	}
	d.lastTick = now
}

func (d *Driver) observeOccupancy(now time.Time) {
	if d.buffer == nil {
		return
	}
	if d.buffer.Len() > 0 {
		d.emptySince = time.Time{}
		d.stalled = false
		return
	}
	if d.emptySince.IsZero() {
		d.emptySince = now
	}
	d.stalled = now.Sub(d.emptySince) > d.interval()
}
