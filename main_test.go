package main

import (
	"context"
	"testing"

	"pacview/config"
	"pacview/models"
	"pacview/protocol"
	"pacview/server"
	"pacview/simulation"

	. "github.com/smartystreets/goconvey/convey"
)

func TestFlags(t *testing.T) {
	Convey("When flags are parsed", t, func() {
		cfg, err := config.Load("", "")
		So(err, ShouldBeNil)

		Convey("Only the flags given override the config", func() {
			cfg.Host.Addr = ":9999"
			f, err := parseFlags([]string{"-mode", "host"})
			So(err, ShouldBeNil)
			So(f.apply(cfg), ShouldBeNil)
			So(cfg.Mode, ShouldEqual, config.ModeHost)
			So(cfg.Host.Addr, ShouldEqual, ":9999")
			So(cfg.Debug, ShouldBeFalse)
		})

		Convey("Host and port form the listen address, which a local viewer follows", func() {
			f, err := parseFlags([]string{"-port", "9000", "-debug"})
			So(err, ShouldBeNil)
			So(f.apply(cfg), ShouldBeNil)
			So(cfg.Host.Addr, ShouldEqual, ":9000")
			So(cfg.Viewer.URL, ShouldEqual, "ws://localhost:9000/ws")
			So(cfg.Debug, ShouldBeTrue)

			game, err := gameConfig(cfg)
			So(err, ShouldBeNil)
			So(game.Grid(), ShouldResemble, models.DebugMaze)
		})

		Convey("A bad mode is rejected", func() {
			f, err := parseFlags([]string{"-mode", "sideways"})
			So(err, ShouldBeNil)
			So(f.apply(cfg), ShouldNotBeNil)
		})

		Convey("Unknown flags are an error", func() {
			_, err := parseFlags([]string{"-nope"})
			So(err, ShouldNotBeNil)
		})
	})

	Convey("viewerURL maps a listen address to its websocket endpoint", t, func() {
		So(viewerURL(":8080"), ShouldEqual, "ws://localhost:8080/ws")
		So(viewerURL("10.0.0.2:80"), ShouldEqual, "ws://10.0.0.2:80/ws")
	})
}

func TestPublishStep(t *testing.T) {
	Convey("Given a hub with no viewers", t, func() {
		hub := server.NewHub()
		tracker := simulation.NewTracker()
		publish := publishStep(hub, tracker)

		Convey("Steps still feed the tracker", func() {
			snapshot := models.Snapshot{Sequence: 3, Episode: 2, Score: 20, Lives: 2}
			publish(context.Background(), simulation.Event{Snapshot: snapshot, Started: true})
			m := tracker.Metrics()
			So(m.Step, ShouldEqual, 3)
			So(m.Episode, ShouldEqual, 2)
			So(m.Score, ShouldEqual, 20)
			So(hub.Subscribers(protocol.ChannelGameState), ShouldEqual, 0)
		})

		Convey("A finished episode is published without subscribers", func() {
			snapshot := models.Snapshot{Sequence: 9, Episode: 2, Score: 40, Lives: 0}
			publish(context.Background(), simulation.Event{Snapshot: snapshot, Finished: true, Reason: simulation.EndDied})
			m := tracker.Metrics()
			So(m.Step, ShouldEqual, 9)
			So(m.Lives, ShouldEqual, 0)
		})
	})
}
