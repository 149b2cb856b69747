/*
Pacview streams a Pac-Man agent's game states from a host simulation to terminal viewers
over websockets, and reconstructs smooth playback from the lossy, irregular stream: the
viewer buffers what arrives, interpolates between snapshots, predicts through gaps, and
renders at its own frame rate. The host half and the viewer half can run in separate
processes or together in one, which is the default and handy for development.
*/

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"pacview/config"
	"pacview/protocol"
	"pacview/server"
	"pacview/simulation"
	"pacview/stats"
	"pacview/viewer"

	channerics "github.com/niceyeti/channerics/channels"
	"golang.org/x/sync/errgroup"
)

// flags holds command line overrides; only flags actually given override the config.
type flags struct {
	configPath string
	envFile    string
	mode       string
	debug      bool
	host       string
	port       string
	game       string
	set        map[string]bool
}

func parseFlags(args []string) (*flags, error) {
	f := &flags{set: map[string]bool{}}
	fs := flag.NewFlagSet("pacview", flag.ContinueOnError)
	fs.StringVar(&f.configPath, "config", "", "path of the yaml app config")
	fs.StringVar(&f.envFile, "env", ".env", "path of an optional .env file")
	fs.StringVar(&f.mode, "mode", config.ModeBoth, "host, viewer or both")
	fs.BoolVar(&f.debug, "debug", false, "debug mode: debug logging and the small maze")
	fs.StringVar(&f.host, "host", "", "the host ip to listen on")
	fs.StringVar(&f.port, "port", "8080", "the host port")
	fs.StringVar(&f.game, "game", "", "path of the game kind/def yaml")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	fs.Visit(func(fl *flag.Flag) { f.set[fl.Name] = true })
	return f, nil
}

// apply overrides cfg with the flags that were given.
func (f *flags) apply(cfg *config.Config) error {
	if f.set["mode"] {
		cfg.Mode = f.mode
	}
	if f.set["debug"] {
		cfg.Debug = f.debug
	}
	if f.set["host"] || f.set["port"] {
		cfg.Host.Addr = f.host + ":" + f.port
	}
	if f.set["game"] {
		cfg.Host.Game = f.game
	}
	// In one process the viewer follows wherever the host listens.
	if cfg.Mode == config.ModeBoth {
		cfg.Viewer.URL = viewerURL(cfg.Host.Addr)
	}
	return cfg.Validate()
}

// viewerURL is the websocket endpoint a local viewer uses to reach a host on addr.
func viewerURL(addr string) string {
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "ws://" + addr + "/ws"
}

func newLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	// Frames own stdout.
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func gameConfig(cfg *config.Config) (*simulation.GameConfig, error) {
	if cfg.Host.Game != "" {
		return simulation.FromYaml(cfg.Host.Game)
	}
	game := simulation.DefaultGameConfig()
	if cfg.Debug {
		game.Maze = "debug"
	}
	return game, nil
}

// episodeOutcome is the experiment_update payload sent when an episode ends.
type episodeOutcome struct {
	Episode  int    `json:"episode"`
	Score    int64  `json:"score"`
	Lives    int    `json:"lives"`
	Reason   string `json:"reason"`
	LastStep int64  `json:"last_step"`
}

// publishStep forwards each simulation step to subscribers, bracketed by session updates.
func publishStep(hub *server.Hub, tracker *simulation.Tracker) simulation.ProgressFunc {
	return func(_ context.Context, ev simulation.Event) {
		tracker.Observe(ev)
		if update, ok := ev.StartUpdate(); ok {
			hub.PublishSession(update)
		}
		hub.PublishGameState(ev.Snapshot)
		if update, ok := ev.FinishUpdate(); ok {
			hub.PublishSession(update)
			publishOutcome(hub, ev)
		}
	}
}

func publishOutcome(hub *server.Hub, ev simulation.Event) {
	data, err := json.Marshal(episodeOutcome{
		Episode:  ev.Snapshot.Episode,
		Score:    ev.Snapshot.Score,
		Lives:    ev.Snapshot.Lives,
		Reason:   ev.Reason,
		LastStep: ev.Snapshot.Sequence,
	})
	if err != nil {
		return
	}
	hub.BroadcastToChannel(protocol.ChannelExperimentUpdates, protocol.ExperimentUpdate{Data: data})
}

// runHost serves the hub and drives the simulation until ctx is done. The game's own
// duration, if any, only stops the simulation; viewers stay connected.
func runHost(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	game, err := gameConfig(cfg)
	if err != nil {
		return err
	}
	env, err := simulation.NewEnvironment(game)
	if err != nil {
		return err
	}

	hub := server.NewHub(
		server.WithHubStats(stats.New()),
		server.WithHubLogger(logger.With("component", "hub")))
	tracker := simulation.NewTracker()
	progress := func() protocol.Metrics {
		m := tracker.Metrics()
		m.Subscribers = hub.Subscribers(protocol.ChannelGameState)
		return m
	}
	srv := server.NewServer(
		cfg.Host.Addr,
		hub,
		server.WithLogger(logger.With("component", "server")),
		server.WithProgress(progress),
		server.WithDisplayConfig(cfg.Host.Display))

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return srv.Serve(groupCtx)
	})
	group.Go(func() error {
		gameCtx, cancel, err := game.WithDeadline(groupCtx)
		if err != nil {
			return err
		}
		defer cancel()
		rate := simulation.Rate{StepsPerSecond: game.StepsPerSecond, Jitter: game.Jitter}
		simulation.Run(gameCtx, env, rate, publishStep(hub, tracker))
		logger.Info("simulation stopped", "episode", env.Episode())
		return nil
	})
	group.Go(func() error {
		ticks := channerics.NewTicker(groupCtx.Done(), cfg.Host.MetricsInterval)
		for {
			select {
			case <-groupCtx.Done():
				return nil
			case <-ticks:
				hub.PublishMetrics(progress())
			}
		}
	})
	return group.Wait()
}

func runViewer(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	return viewer.New(cfg.Viewer, logger.With("component", "viewer")).Run(ctx)
}

func runApp(args []string) (err error) {
	var f *flags
	if f, err = parseFlags(args); err != nil {
		return
	}
	var cfg *config.Config
	if cfg, err = config.Load(f.configPath, f.envFile); err != nil {
		return
	}
	if err = f.apply(cfg); err != nil {
		return
	}
	logger := newLogger(cfg.Debug)
	slog.SetDefault(logger)

	appCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch cfg.Mode {
	case config.ModeHost:
		return runHost(appCtx, cfg, logger)
	case config.ModeViewer:
		return runViewer(appCtx, cfg, logger)
	}

	group, groupCtx := errgroup.WithContext(appCtx)
	group.Go(func() error {
		return runHost(groupCtx, cfg, logger)
	})
	group.Go(func() error {
		// Give the listener a moment; the viewer retries anyway.
		select {
		case <-time.After(100 * time.Millisecond):
		case <-groupCtx.Done():
			return nil
		}
		return runViewer(groupCtx, cfg, logger)
	})
	return group.Wait()
}

func main() {
	if err := runApp(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
