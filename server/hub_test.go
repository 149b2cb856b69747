package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"pacview/models"
	"pacview/protocol"

	"github.com/gorilla/websocket"
	. "github.com/smartystreets/goconvey/convey"
)

func dialHub(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(url, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	return conn
}

func send(conn *websocket.Conn, msg protocol.Message) error {
	frame, err := protocol.Encode(msg, time.Now())
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, frame)
}

func receive(conn *websocket.Conn) (protocol.Message, error) {
	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		return nil, err
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	msg, _, err := protocol.Decode(data)
	return msg, err
}

// eventually polls cond for up to a second.
func eventually(cond func() bool) bool {
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func TestHub(t *testing.T) {
	Convey("Given a hub served over http", t, func() {
		hub := NewHub()
		srv := httptest.NewServer(NewServer("", hub).Handler())
		defer srv.Close()
		defer hub.CloseAll()

		conn := dialHub(t, srv.URL)
		defer conn.Close()

		Convey("Subscribing is confirmed and game states reach only subscribers", func() {
			So(send(conn, protocol.Subscribe{Channel: protocol.ChannelGameState}), ShouldBeNil)
			msg, err := receive(conn)
			So(err, ShouldBeNil)
			So(msg, ShouldResemble, protocol.SubscriptionConfirmed{Channel: protocol.ChannelGameState})

			other := dialHub(t, srv.URL)
			defer other.Close()
			So(send(other, protocol.Ping{ID: 7}), ShouldBeNil)
			msg, err = receive(other)
			So(err, ShouldBeNil)
			So(msg.(protocol.Pong).ID, ShouldEqual, 7)

			n := hub.PublishGameState(models.Snapshot{Sequence: 42, Episode: 1, GridSize: 10, Lives: 3})
			So(n, ShouldEqual, 1)

			msg, err = receive(conn)
			So(err, ShouldBeNil)
			state, ok := msg.(protocol.GameState)
			So(ok, ShouldBeTrue)
			So(state.State.Step, ShouldEqual, 42)
			So(state.State.Lives, ShouldEqual, 3)

			cs := hub.ConnectionStats()
			So(cs.TotalConnections, ShouldEqual, 2)
			So(cs.Subscriptions[protocol.ChannelGameState], ShouldEqual, 1)
			So(cs.Subscriptions[protocol.ChannelMetrics], ShouldEqual, 0)
			So(cs.Oldest, ShouldNotBeNil)
			So(cs.Oldest.After(*cs.Newest), ShouldBeFalse)
		})

		Convey("Unsubscribing stops delivery", func() {
			So(send(conn, protocol.Subscribe{Channel: protocol.ChannelMetrics}), ShouldBeNil)
			_, err := receive(conn)
			So(err, ShouldBeNil)
			So(send(conn, protocol.Unsubscribe{Channel: protocol.ChannelMetrics}), ShouldBeNil)
			msg, err := receive(conn)
			So(err, ShouldBeNil)
			So(msg, ShouldResemble, protocol.UnsubscriptionConfirmed{Channel: protocol.ChannelMetrics})
			So(hub.PublishMetrics(protocol.Metrics{Episode: 1}), ShouldEqual, 0)
		})

		Convey("An unknown channel is reported as an error", func() {
			So(send(conn, protocol.Subscribe{Channel: "nope"}), ShouldBeNil)
			msg, err := receive(conn)
			So(err, ShouldBeNil)
			So(msg.(protocol.Error).Code, ShouldEqual, "unknown_channel")

			_, err = hub.BroadcastToChannel("nope", protocol.Metrics{})
			So(errors.Is(err, ErrUnknownChannel), ShouldBeTrue)
		})

		Convey("Malformed frames are counted and answered", func() {
			So(conn.WriteMessage(websocket.TextMessage, []byte("{not json")), ShouldBeNil)
			msg, err := receive(conn)
			So(err, ShouldBeNil)
			So(msg.(protocol.Error).Code, ShouldEqual, "malformed")
			So(hub.Stats().MalformedMessages, ShouldEqual, 1)
		})

		Convey("New session subscribers get the current session", func() {
			hub.PublishSession(protocol.SessionUpdate{Episode: 3, Status: protocol.SessionStarted, FirstStep: 120})

			So(send(conn, protocol.Subscribe{Channel: protocol.ChannelSessionUpdates}), ShouldBeNil)
			msg, err := receive(conn)
			So(err, ShouldBeNil)
			So(msg.Kind(), ShouldEqual, protocol.KindSubscriptionConfirmed)
			msg, err = receive(conn)
			So(err, ShouldBeNil)
			So(msg, ShouldResemble, protocol.SessionUpdate{Episode: 3, Status: protocol.SessionStarted, FirstStep: 120})
		})

		Convey("Closed clients are unregistered", func() {
			So(eventually(func() bool { return hub.ConnectionStats().TotalConnections == 1 }), ShouldBeTrue)
			conn.Close()
			So(eventually(func() bool { return hub.ConnectionStats().TotalConnections == 0 }), ShouldBeTrue)
		})
	})
}

func TestHttpApi(t *testing.T) {
	Convey("Given a host server", t, func() {
		hub := NewHub()
		server := NewServer("", hub, WithProgress(func() protocol.Metrics {
			return protocol.Metrics{Episode: 2, Step: 300}
		}))
		srv := httptest.NewServer(server.Handler())
		defer srv.Close()
		defer hub.CloseAll()

		conn := dialHub(t, srv.URL)
		defer conn.Close()
		So(eventually(func() bool { return hub.ConnectionStats().TotalConnections == 1 }), ShouldBeTrue)

		Convey("Display config updates are validated, stored and broadcast", func() {
			resp, err := http.Post(srv.URL+"/api/visualization/config", "application/json",
				bytes.NewBufferString(`{"fps": 500}`))
			So(err, ShouldBeNil)
			resp.Body.Close()
			So(resp.StatusCode, ShouldEqual, http.StatusUnprocessableEntity)
			So(server.DisplayConfig(), ShouldResemble, protocol.DefaultDisplayConfig())

			resp, err = http.Post(srv.URL+"/api/visualization/config", "application/json",
				bytes.NewBufferString(`{"fps": 30, "show_grid": false}`))
			So(err, ShouldBeNil)
			resp.Body.Close()
			So(resp.StatusCode, ShouldEqual, http.StatusOK)

			want := protocol.DefaultDisplayConfig()
			want.Fps = 30
			want.ShowGrid = false
			So(server.DisplayConfig(), ShouldResemble, want)

			msg, err := receive(conn)
			So(err, ShouldBeNil)
			So(msg, ShouldResemble, protocol.VisualizationConfig{Config: want})

			resp, err = http.Get(srv.URL + "/api/visualization/config")
			So(err, ShouldBeNil)
			defer resp.Body.Close()
			var got protocol.DisplayConfig
			So(json.NewDecoder(resp.Body).Decode(&got), ShouldBeNil)
			So(got, ShouldResemble, want)
		})

		Convey("The test broadcast reaches every client", func() {
			resp, err := http.Post(srv.URL+"/api/broadcast/test?message=hello", "", nil)
			So(err, ShouldBeNil)
			defer resp.Body.Close()
			var body testBroadcast
			So(json.NewDecoder(resp.Body).Decode(&body), ShouldBeNil)
			So(body, ShouldResemble, testBroadcast{Broadcasted: true, Message: "hello", ClientsCount: 1})

			msg, err := receive(conn)
			So(err, ShouldBeNil)
			So(msg.Kind(), ShouldEqual, protocol.Kind("test_message"))
		})

		Convey("Stats and websocket info are served", func() {
			resp, err := http.Get(srv.URL + "/api/stats")
			So(err, ShouldBeNil)
			defer resp.Body.Close()
			var body hostStats
			So(json.NewDecoder(resp.Body).Decode(&body), ShouldBeNil)
			So(body.Simulation.Step, ShouldEqual, 300)
			So(body.Connections.TotalConnections, ShouldEqual, 1)

			infoResp, err := http.Get(srv.URL + "/api/ws/info")
			So(err, ShouldBeNil)
			defer infoResp.Body.Close()
			var info websocketInfo
			So(json.NewDecoder(infoResp.Body).Decode(&info), ShouldBeNil)
			So(info.Endpoint, ShouldEqual, "/ws")
			So(info.Channels, ShouldResemble, protocol.Channels)
		})

		Convey("Unknown methods are rejected", func() {
			resp, err := http.Post(srv.URL+"/api/stats", "", nil)
			So(err, ShouldBeNil)
			resp.Body.Close()
			So(resp.StatusCode, ShouldEqual, http.StatusMethodNotAllowed)
		})
	})
}
