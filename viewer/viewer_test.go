package viewer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"pacview/config"
	"pacview/ingress"
	"pacview/models"
	"pacview/protocol"
	"pacview/server"
	"pacview/transport"

	. "github.com/smartystreets/goconvey/convey"
)

// syncBuffer is a bytes.Buffer safe for the render goroutine and the test to share.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func eventually(cond func() bool) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func testConfig(t *testing.T) config.ViewerConfig {
	t.Helper()
	cfg, err := config.Load("", "")
	if err != nil {
		t.Fatal(err)
	}
	cfg.Viewer.Plain = true
	cfg.Viewer.TargetFps = 100
	return cfg.Viewer
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func snapshot(seq int64) models.Snapshot {
	return models.Snapshot{
		Sequence: seq,
		Episode:  1,
		GridSize: 5,
		Entities: []models.Entity{
			{ID: "pacman", Kind: models.PACMAN, Position: models.Position{X: float64(seq % 5), Y: 1}, Mode: models.NORMAL},
		},
		Score: seq * 10,
		Lives: 3,
	}
}

func TestViewer(t *testing.T) {
	Convey("Given a host hub and a viewer connected to it", t, func() {
		hub := server.NewHub(server.WithHubLogger(discard()))
		host := server.NewServer("", hub, server.WithLogger(discard()))
		srv := httptest.NewServer(host.Handler())
		defer srv.Close()
		defer hub.CloseAll()

		cfg := testConfig(t)
		cfg.URL = "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
		out := &syncBuffer{}
		v := New(cfg, discard(), WithOutput(out))

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		errs := make(chan error, 1)
		go func() { errs <- v.Run(ctx) }()

		So(eventually(func() bool { return hub.Subscribers(protocol.ChannelGameState) == 1 }), ShouldBeTrue)
		So(hub.Subscribers(protocol.ChannelSessionUpdates), ShouldEqual, 1)

		Convey("Published game states are rendered", func() {
			for seq := int64(1); seq <= 5; seq++ {
				So(hub.PublishGameState(snapshot(seq)), ShouldEqual, 1)
				time.Sleep(20 * time.Millisecond)
			}
			So(eventually(func() bool {
				return strings.Contains(out.String(), "step 5  score 50  lives 3")
			}), ShouldBeTrue)

			st := v.Stats()
			So(st.MessagesReceived, ShouldBeGreaterThanOrEqualTo, 5)
			So(st.FramesRendered, ShouldBeGreaterThan, 0)

			hub.PublishMetrics(protocol.Metrics{Episode: 1, Step: 5})
			So(eventually(func() bool { return v.Metrics().Step == 5 }), ShouldBeTrue)

			cancel()
			So(<-errs, ShouldBeNil)
		})

		Convey("Display config changes reach the painter", func() {
			resp, err := http.Post(srv.URL+"/api/visualization/config", "application/json",
				strings.NewReader(`{"fps": 20, "render_scale": 100, "show_stats": false}`))
			So(err, ShouldBeNil)
			resp.Body.Close()
			So(resp.StatusCode, ShouldEqual, http.StatusOK)

			So(eventually(func() bool { return v.painter.Display().RenderScale == 100 }), ShouldBeTrue)
			So(v.painter.Display().Fps, ShouldEqual, 20)
			So(v.Driver().Status().TargetFps, ShouldEqual, 20)

			cancel()
			So(<-errs, ShouldBeNil)
		})
	})

	Convey("Given a host that never answers", t, func() {
		cfg := testConfig(t)
		cfg.MaxReconnectAttempts = 2
		cfg.BaseDelay = time.Millisecond
		cfg.MaxJitter = time.Millisecond
		refused := errors.New("connection refused")
		dialer := transport.DialerFunc(func(context.Context) (transport.Conn, error) {
			return nil, refused
		})
		v := New(cfg, discard(), WithDialer(dialer), WithOutput(io.Discard))

		Convey("Run returns the terminal connection error", func() {
			err := v.Run(context.Background())
			var connErr *transport.ConnectionError
			So(errors.As(err, &connErr), ShouldBeTrue)
			So(connErr.Attempts, ShouldEqual, 2)
			So(errors.Is(err, refused), ShouldBeTrue)
			So(v.Stats().ReconnectAttempts, ShouldEqual, 2)
		})
	})
}

func TestSessionRestart(t *testing.T) {
	Convey("Given a viewer with buffered snapshots", t, func() {
		v := New(testConfig(t), discard(), WithOutput(io.Discard))
		for seq := int64(10); seq <= 12; seq++ {
			v.buffer.Accept(snapshot(seq))
		}
		v.session = protocol.SessionUpdate{Episode: 4, Status: protocol.SessionStarted, FirstStep: 10}

		Convey("A replay of the known session keeps the buffer", func() {
			v.onSession(protocol.SessionUpdate{Episode: 4, Status: protocol.SessionStarted, FirstStep: 10})
			So(v.buffer.Len(), ShouldEqual, 3)
		})

		Convey("A later episode keeps the buffer", func() {
			v.onSession(protocol.SessionUpdate{Episode: 5, Status: protocol.SessionStarted, FirstStep: 13})
			So(v.buffer.Len(), ShouldEqual, 3)
		})

		Convey("A restarted sequence resets it", func() {
			v.onSession(protocol.SessionUpdate{Episode: 1, Status: protocol.SessionStarted, FirstStep: 1})
			So(v.buffer.Len(), ShouldEqual, 0)
			So(v.buffer.Accept(snapshot(1)), ShouldEqual, ingress.Accepted)
		})
	})
}
