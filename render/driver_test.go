package render

import (
	"context"
	"sync"
	"testing"
	"time"

	"pacview/ingress"
	"pacview/models"
	"pacview/reconstruct"
	"pacview/stats"

	. "github.com/smartystreets/goconvey/convey"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type recorder struct {
	mu     sync.Mutex
	frames []reconstruct.Frame
	status []Status
}

func (r *recorder) Render(frame reconstruct.Frame, status Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, frame)
	r.status = append(r.status, status)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

func snapshot(seq int64, ms int) models.Snapshot {
	return models.Snapshot{
		Sequence: seq,
		Entities: []models.Entity{
			{ID: "pacman", Kind: models.PACMAN, Position: models.Position{X: float64(seq), Y: 1}},
		},
		ReceivedAt: epoch.Add(time.Duration(ms) * time.Millisecond),
	}
}

func playerX(f reconstruct.Frame) float64 {
	p, _ := f.Snapshot.Player()
	return p.Position.X
}

func TestEndToEnd(t *testing.T) {
	Convey("Given five snapshots arriving at about 60Hz", t, func() {
		buf := ingress.New()
		for i, ms := range []int{0, 16, 33, 50, 66} {
			So(buf.Accept(snapshot(int64(i+1), ms)), ShouldEqual, ingress.Accepted)
		}
		agg := stats.New()
		rec := &recorder{}
		clock := &manualClock{now: epoch}
		driver := New(reconstruct.New(buf), rec, WithBuffer(buf), WithStats(agg), WithClock(clock))

		Convey("Driving the render loop at 60fps for 100ms yields monotonic frames", func() {
			interval := time.Second / 60
			for now := epoch; !now.After(epoch.Add(100 * time.Millisecond)); now = now.Add(interval) {
				driver.Tick(now)
			}

			So(rec.count(), ShouldBeGreaterThanOrEqualTo, 6)
			for i, f := range rec.frames {
				So(f.Snapshot.Sequence, ShouldBeLessThanOrEqualTo, 5)
				if i > 0 {
					prev := rec.frames[i-1]
					So(f.LogicalTime.Before(prev.LogicalTime), ShouldBeFalse)
					So(f.Snapshot.Sequence, ShouldBeGreaterThanOrEqualTo, prev.Snapshot.Sequence)
					So(playerX(f), ShouldBeGreaterThanOrEqualTo, playerX(prev))
				}
			}

			last := rec.frames[len(rec.frames)-1]
			So(last.Snapshot.Sequence, ShouldEqual, 5)
			So(playerX(last), ShouldEqual, 5.0)

			Convey("Until a sixth snapshot arrives", func() {
				buf.Accept(snapshot(6, 116))
				f, ok := driver.Tick(epoch.Add(116 * time.Millisecond))
				So(ok, ShouldBeTrue)
				So(f.Snapshot.Sequence, ShouldEqual, 6)
			})

			Convey("Observed fps and frame counts are reported", func() {
				s := agg.Snapshot()
				So(s.FramesRendered, ShouldEqual, uint64(rec.count()))
				So(s.RenderFps, ShouldAlmostEqual, 60.0, 1.0)
			})
		})
	})
}

func TestDelay(t *testing.T) {
	Convey("Given two snapshots received 100ms apart", t, func() {
		buf := ingress.New()
		buf.Accept(snapshot(1, 0))
		buf.Accept(snapshot(2, 100))
		rec := &recorder{}
		clock := &manualClock{now: epoch}

		Convey("Without a delay the latest arrival is already behind, so the frame is predicted", func() {
			driver := New(reconstruct.New(buf), rec, WithClock(clock))
			f, ok := driver.Tick(epoch.Add(150 * time.Millisecond))
			So(ok, ShouldBeTrue)
			So(f.Kind, ShouldEqual, reconstruct.Predicted)
		})

		Convey("A render delay lands between the two and interpolates", func() {
			driver := New(reconstruct.New(buf), rec, WithClock(clock), WithDelay(100*time.Millisecond))
			f, ok := driver.Tick(epoch.Add(150 * time.Millisecond))
			So(ok, ShouldBeTrue)
			So(f.Kind, ShouldEqual, reconstruct.Interpolated)
			So(f.Alpha, ShouldAlmostEqual, 0.5, 0.0001)
			So(playerX(f), ShouldAlmostEqual, 1.5, 0.0001)
		})
	})
}

func TestStall(t *testing.T) {
	Convey("Given an empty buffer", t, func() {
		buf := ingress.New()
		driver := New(reconstruct.New(buf), &recorder{}, WithBuffer(buf))

		Convey("The driver is not stalled within one render interval", func() {
			driver.Tick(epoch)
			driver.Tick(epoch.Add(10 * time.Millisecond))
			So(driver.Status().Stalled, ShouldBeFalse)
		})

		Convey("The driver is stalled after one render interval and recovers on data", func() {
			driver.Tick(epoch)
			driver.Tick(epoch.Add(40 * time.Millisecond))
			So(driver.Status().Stalled, ShouldBeTrue)

			buf.Accept(snapshot(1, 45))
			driver.Tick(epoch.Add(50 * time.Millisecond))
			So(driver.Status().Stalled, ShouldBeFalse)
		})

		Convey("No frame is rendered before any data", func() {
			_, ok := driver.Tick(epoch)
			So(ok, ShouldBeFalse)
		})
	})
}

func TestSpeed(t *testing.T) {
	Convey("Given a driver at double speed", t, func() {
		buf := ingress.New()
		buf.Accept(snapshot(1, 0))
		clock := &manualClock{now: epoch}
		driver := New(reconstruct.New(buf), &recorder{}, WithClock(clock))

		driver.Tick(epoch)
		clock.Set(epoch)
		driver.SetSpeed(2)

		Convey("Logical time advances twice as fast as wall time", func() {
			f, _ := driver.Tick(epoch.Add(50 * time.Millisecond))
			So(f.LogicalTime, ShouldEqual, epoch.Add(100*time.Millisecond))
		})

		Convey("Non-positive factors are ignored", func() {
			driver.SetSpeed(0)
			So(driver.Status().Speed, ShouldEqual, 2.0)
		})
	})
}

func TestPauseAndStep(t *testing.T) {
	Convey("Given a paused driver over three snapshots", t, func() {
		buf := ingress.New()
		for i := 1; i <= 3; i++ {
			buf.Accept(snapshot(int64(i), i*16))
		}
		rec := &recorder{}
		driver := New(reconstruct.New(buf), rec, WithPaused(true))

		Convey("Run performs no reconstruction while paused", func() {
			ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
			defer cancel()
			err := driver.Run(ctx)
			So(err, ShouldEqual, context.DeadlineExceeded)
			So(rec.count(), ShouldEqual, 0)
		})

		Convey("Single steps render exactly one frame each", func() {
			f, ok := driver.StepBack()
			So(ok, ShouldBeTrue)
			So(f.Snapshot.Sequence, ShouldEqual, 1)
			f, _ = driver.StepForward()
			So(f.Snapshot.Sequence, ShouldEqual, 2)
			So(rec.count(), ShouldEqual, 2)
			So(rec.status[0].Paused, ShouldBeTrue)
		})

		Convey("Steps are refused while running", func() {
			driver.Resume()
			_, ok := driver.StepForward()
			So(ok, ShouldBeFalse)
		})

		Convey("Resume starts ticking and Pause stops it", func() {
			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan error, 1)
			go func() { done <- driver.Run(ctx) }()

			driver.Resume()
			deadline := time.Now().Add(2 * time.Second)
			for rec.count() < 3 && time.Now().Before(deadline) {
				time.Sleep(5 * time.Millisecond)
			}
			So(rec.count(), ShouldBeGreaterThanOrEqualTo, 3)

			driver.Pause()
			paused := rec.count()
			time.Sleep(60 * time.Millisecond)
			So(rec.count(), ShouldEqual, paused)

			cancel()
			So(<-done, ShouldEqual, context.Canceled)
		})

		Convey("No frame is rendered after Pause returns, even at a high tick rate", func() {
			driver.SetTargetFps(1000)
			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan error, 1)
			go func() { done <- driver.Run(ctx) }()

			late := 0
			for i := 0; i < 20; i++ {
				before := rec.count()
				driver.Resume()
				deadline := time.Now().Add(time.Second)
				for rec.count() == before && time.Now().Before(deadline) {
					time.Sleep(time.Millisecond)
				}
				driver.Pause()
				paused := rec.count()
				time.Sleep(3 * time.Millisecond)
				if rec.count() != paused {
					late++
				}
			}
			So(late, ShouldEqual, 0)

			cancel()
			So(<-done, ShouldEqual, context.Canceled)
		})
	})
}
