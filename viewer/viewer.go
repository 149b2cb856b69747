// viewer wires the consumer pipeline: transport -> ingress -> reconstruct -> render -> grid_view.
// Every component is built exactly once, here; there are no package-level singletons.
package viewer

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"

	"pacview/config"
	"pacview/grid_view"
	"pacview/ingress"
	"pacview/protocol"
	"pacview/reconstruct"
	"pacview/render"
	"pacview/stats"
	"pacview/transport"

	"golang.org/x/sync/errgroup"
)

// Channels the viewer subscribes to.
var subscriptions = []protocol.Channel{
	protocol.ChannelGameState,
	protocol.ChannelMetrics,
	protocol.ChannelSessionUpdates,
	protocol.ChannelErrors,
}

// Viewer is one consumer pipeline.
type Viewer struct {
	logger  *slog.Logger
	stats   *stats.Aggregator
	buffer  *ingress.Buffer
	channel *transport.Channel
	driver  *render.Driver
	painter *grid_view.Painter

	// Owns the worker pool, if any.
	life context.Context
	stop context.CancelFunc

	mu      sync.Mutex
	session protocol.SessionUpdate
	metrics protocol.Metrics
}

type options struct {
	dialer transport.Dialer
	out    io.Writer
	extra  []func(*transport.Channel)
}

// WithDialer replaces the websocket dialer, e.g. with a test double.
func WithDialer(dialer transport.Dialer) func(*options) {
	return func(o *options) { o.dialer = dialer }
}

// WithOutput sets where frames are painted; the default is stdout.
func WithOutput(out io.Writer) func(*options) {
	return func(o *options) { o.out = out }
}

// WithChannelOptions passes extra options to the transport channel.
func WithChannelOptions(opts ...func(*transport.Channel)) func(*options) {
	return func(o *options) { o.extra = append(o.extra, opts...) }
}

// New builds the pipeline. Nothing connects until Run.
func New(cfg config.ViewerConfig, logger *slog.Logger, opts ...func(*options)) *Viewer {
	o := options{
		dialer: transport.WebsocketDialer{URL: cfg.URL},
		out:    os.Stdout,
	}
	for _, opt := range opts {
		opt(&o)
	}

	v := &Viewer{
		logger: logger,
		stats:  stats.New(),
	}
	v.life, v.stop = context.WithCancel(context.Background())

	v.buffer = ingress.New(
		ingress.WithCapacity(cfg.Capacity),
		ingress.WithReporter(v.stats))

	var backend reconstruct.Backend = reconstruct.Inline{}
	if cfg.Workers > 0 {
		backend = reconstruct.NewPool(v.life, cfg.Workers, cfg.WorkerTimeout)
	}
	source := reconstruct.New(
		v.buffer,
		reconstruct.WithInterpolation(cfg.Interpolation),
		reconstruct.WithPrediction(cfg.Prediction),
		reconstruct.WithPredictionHorizon(cfg.PredictionHorizon),
		reconstruct.WithMode(cfg.ReconstructMode()),
		reconstruct.WithBackend(backend))

	channelOpts := []func(*transport.Channel){
		transport.WithStats(v.stats),
		transport.WithLogger(logger.With("component", "transport")),
		transport.WithBackoff(cfg.BaseDelay, cfg.MaxJitter),
		transport.WithMaxReconnectAttempts(cfg.MaxReconnectAttempts),
		transport.WithProbeInterval(cfg.ProbeInterval),
	}
	v.channel = transport.New(o.dialer, v.buffer, append(channelOpts, o.extra...)...)

	painterOpts := []func(*grid_view.Painter){}
	if cfg.Plain {
		painterOpts = append(painterOpts, grid_view.WithPlain())
	}
	v.painter = grid_view.NewPainter(o.out, painterOpts...)

	v.driver = render.New(
		source,
		v.painter,
		render.WithBuffer(v.buffer),
		render.WithStats(v.stats),
		render.WithLogger(logger.With("component", "render")),
		render.WithTargetFps(cfg.TargetFps),
		render.WithDelay(cfg.RenderDelay),
		render.WithConnection(func() (string, bool) {
			state := v.channel.State()
			return state.String(), state == transport.Reconnecting
		}))
	v.driver.SetSpeed(cfg.Speed)

	return v
}

// Stats returns the pipeline's telemetry.
func (v *Viewer) Stats() stats.Statistics {
	return v.stats.Snapshot()
}

// Driver exposes playback control: pause, resume, single step and speed.
func (v *Viewer) Driver() *render.Driver {
	return v.driver
}

// Metrics returns the latest host metrics received.
func (v *Viewer) Metrics() protocol.Metrics {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.metrics
}

// Run connects and renders until ctx is done or the connection is terminally lost, in
// which case the *transport.ConnectionError is returned.
func (v *Viewer) Run(ctx context.Context) error {
	defer v.stop()

	for _, unregister := range v.observe() {
		defer unregister()
	}
	for _, ch := range subscriptions {
		v.channel.Subscribe(ch)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	group, groupCtx := errgroup.WithContext(runCtx)

	if err := v.channel.Start(groupCtx); err != nil {
		return err
	}

	group.Go(func() error {
		if err := v.driver.Run(groupCtx); err != nil && groupCtx.Err() == nil {
			return err
		}
		return nil
	})
	group.Go(func() error {
		select {
		case <-v.channel.Done():
			// Stop rendering too; the error, if any, is the terminal connection failure.
			cancel()
			return v.channel.Err()
		case <-groupCtx.Done():
			v.channel.Disconnect()
			return nil
		}
	})

	return group.Wait()
}

func (v *Viewer) observe() []func() {
	return []func(){
		v.channel.OnState(func(state transport.State) {
			v.logger.Info("connection state changed", "state", state)
		}),
		v.channel.OnError(func(err error) {
			v.logger.Warn("connection error", "err", err)
		}),
		v.channel.OnTerminal(func(err error) {
			v.logger.Error("connection lost for good", "err", err)
		}),
		v.channel.OnMetrics(func(m protocol.Metrics) {
			v.mu.Lock()
			v.metrics = m
			v.mu.Unlock()
		}),
		v.channel.OnSessionUpdate(v.onSession),
		v.channel.OnDisplayConfig(func(cfg protocol.DisplayConfig) {
			v.logger.Info("display config updated", "config", cfg)
			v.painter.SetDisplay(cfg)
			v.driver.SetTargetFps(cfg.Fps)
		}),
	}
}

// onSession detects a host restart: a newly started session whose first step is not
// beyond what was already buffered means sequence numbers began again, so the buffer
// would otherwise reject the new run as stale. The host replays its current session to
// every new subscriber, so a session already known is not a restart.
func (v *Viewer) onSession(update protocol.SessionUpdate) {
	v.mu.Lock()
	known := v.session
	v.session = update
	v.mu.Unlock()

	v.logger.Info("session update", "episode", update.Episode, "status", update.Status, "reason", update.Reason)
	if update.Status != protocol.SessionStarted {
		return
	}
	if update.Episode == known.Episode && update.FirstStep == known.FirstStep {
		return
	}
	if highest, ok := v.buffer.Highest(); ok && update.FirstStep <= highest {
		v.logger.Info("sequence restarted, resetting buffer", "first_step", update.FirstStep, "highest", highest)
		v.buffer.Reset()
	}
}
