package simulation

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"pacview/models"
	"pacview/protocol"

	channerics "github.com/niceyeti/channerics/channels"
)

// Rate is the stepping cadence.
type Rate struct {
	StepsPerSecond float64
	// Jitter delays each step by a random extra in [0, Jitter).
	Jitter time.Duration
}

func (rate Rate) interval() time.Duration {
	if rate.StepsPerSecond <= 0 {
		return time.Second
	}
	return time.Duration(float64(time.Second) / rate.StepsPerSecond)
}

// Event is one step of progress. Started is set on the first step of an episode,
// Finished (with Reason) on its last.
type Event struct {
	Snapshot models.Snapshot
	Started  bool
	Finished bool
	Reason   string
}

// StartUpdate returns the session update announcing the episode, on its first step.
func (ev Event) StartUpdate() (protocol.SessionUpdate, bool) {
	if !ev.Started {
		return protocol.SessionUpdate{}, false
	}
	return protocol.SessionUpdate{
		Episode:   ev.Snapshot.Episode,
		Status:    protocol.SessionStarted,
		FirstStep: ev.Snapshot.Sequence,
	}, true
}

// FinishUpdate returns the session update closing the episode, on its last step.
func (ev Event) FinishUpdate() (protocol.SessionUpdate, bool) {
	if !ev.Finished {
		return protocol.SessionUpdate{}, false
	}
	return protocol.SessionUpdate{
		Episode: ev.Snapshot.Episode,
		Status:  protocol.SessionFinished,
		Reason:  ev.Reason,
	}, true
}

// ProgressFunc is called after every step, in step order.
type ProgressFunc func(ctx context.Context, ev Event)

// Run steps env at rate until ctx is done, starting a new episode whenever one ends.
// The environment must not be used elsewhere while Run is active.
func Run(ctx context.Context, env *Environment, rate Rate, progress ProgressFunc) {
	started := true
	ticks := channerics.NewTicker(ctx.Done(), rate.interval())
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticks:
		}

		if rate.Jitter > 0 {
			select {
			case <-time.After(rand.N(rate.Jitter)):
			case <-ctx.Done():
				return
			}
		}
		if ctx.Err() != nil {
			return
		}

		ev := Event{
			Snapshot: env.Step(),
			Started:  started,
		}
		ev.Finished, ev.Reason = env.Done()
		progress(ctx, ev)

		started = ev.Finished
		if ev.Finished {
			env.Reset()
		}
	}
}

// Tracker folds step events into the metrics the host publishes.
type Tracker struct {
	mu        sync.Mutex
	metrics   protocol.Metrics
	startedAt time.Time
	steps     int64
}

func NewTracker() *Tracker {
	return &Tracker{startedAt: time.Now()}
}

// Observe records one step.
func (t *Tracker) Observe(ev Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.steps++
	s := ev.Snapshot
	t.metrics.Episode = s.Episode
	t.metrics.Step = s.Sequence
	t.metrics.Score = s.Score
	t.metrics.Lives = s.Lives
	t.metrics.Remaining = s.Collectibles.Count()
}

// Metrics returns the latest aggregate, with the average stepping rate since the tracker was made.
func (t *Tracker) Metrics() protocol.Metrics {
	t.mu.Lock()
	defer t.mu.Unlock()

	m := t.metrics
	if elapsed := time.Since(t.startedAt).Seconds(); elapsed > 0 {
		m.StepsPerSecond = float64(t.steps) / elapsed
	}
	return m
}
