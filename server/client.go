package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	channerics "github.com/niceyeti/channerics/channels"
	"golang.org/x/sync/errgroup"
)

const (
	// Websocket-level liveness: the period of control pings, and by definition the
	// number of pings to tolerate losing before concluding the peer is gone.
	pingPeriod = 2 * time.Second
	pongWait   = pingPeriod * 4

	// Frames queued for a client. A client that falls this far behind is dropped;
	// a slow viewer must not stall the broadcast to everyone else.
	outboundQueue = 256
)

var (
	ErrPongDeadlineExceeded = errors.New("client disconnect, pong deadline exceeded")
	ErrSlowClient           = errors.New("client dropped, outbound queue full")
)

// A client is one viewer connection. The hub decides what it receives; the client
// only moves frames between its outbound queue and the socket.
type client struct {
	id          uint64
	hub         *Hub
	ws          *websock
	outbound    chan []byte
	connectedAt time.Time
	lastPong    atomic.Int64
	kick        chan struct{}
	kickOnce    sync.Once
	logger      *slog.Logger
}

func newClient(id uint64, hub *Hub, ws *websocket.Conn, logger *slog.Logger) *client {
	cli := &client{
		id:          id,
		hub:         hub,
		ws:          newWebsock(ws),
		outbound:    make(chan []byte, outboundQueue),
		connectedAt: time.Now(),
		kick:        make(chan struct{}),
		logger:      logger.With("client", id),
	}
	cli.lastPong.Store(time.Now().UnixNano())
	ws.SetPongHandler(func(_ string) error {
		cli.lastPong.Store(time.Now().UnixNano())
		return nil
	})
	return cli
}

// enqueue never blocks. A full queue drops the client.
func (cli *client) enqueue(frame []byte) bool {
	select {
	case cli.outbound <- frame:
		return true
	default:
		cli.drop()
		return false
	}
}

// drop asks Sync to tear the connection down.
func (cli *client) drop() {
	cli.kickOnce.Do(func() { close(cli.kick) })
}

// Sync runs the client until it disconnects, is dropped, or ctx is done.
// Sync returns nil upon client disconnect or an error if an unexpected error occurred.
func (cli *client) Sync(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return cli.readMessages(groupCtx)
	})
	group.Go(func() error {
		return cli.pingPong(groupCtx)
	})
	group.Go(func() error {
		return cli.publish(groupCtx)
	})
	group.Go(func() error {
		var err error
		select {
		case <-groupCtx.Done():
		case <-cli.kick:
			err = ErrSlowClient
		}
		cli.ws.Close()
		return err
	})

	err := group.Wait()
	if err != nil && !isError(err) && !errors.Is(err, ErrSlowClient) && !errors.Is(err, ErrPongDeadlineExceeded) {
		// Orderly closure or a read on the socket we closed ourselves.
		return nil
	}
	return err
}

// readMessages hands every inbound frame to the hub.
// Errors returned by websocket Read methods are permanent, hence any error
// must trigger full teardown.
func (cli *client) readMessages(ctx context.Context) error {
	for {
		var data []byte
		err := cli.ws.Read(
			ctx,
			func(ws *websocket.Conn) (readErr error) {
				_, data, readErr = ws.ReadMessage()
				return
			})
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
		cli.hub.handle(cli, data)
	}
}

// Runs the ping-pong for the client liveness check.
// NOTE: the pong handler only runs while readMessages is reading.
func (cli *client) pingPong(ctx context.Context) error {
	pinger := channerics.NewTicker(ctx.Done(), pingPeriod)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-pinger:
			lastPong := time.Unix(0, cli.lastPong.Load())
			if time.Since(lastPong) > pongWait {
				return ErrPongDeadlineExceeded
			}
			if err := cli.ping(ctx); err != nil {
				return err
			}
		}
	}
}

func (cli *client) ping(ctx context.Context) error {
	return cli.ws.Write(
		ctx,
		func(ws *websocket.Conn) (err error) {
			if err = ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				err = fmt.Errorf("ping failed: %w", err)
			}
			return
		})
}

// publish writes queued frames in order.
func (cli *client) publish(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case frame := <-cli.outbound:
			err := cli.ws.Write(
				ctx,
				func(ws *websocket.Conn) (writeErr error) {
					if writeErr = ws.SetWriteDeadline(time.Now().Add(writeWait)); writeErr != nil {
						writeErr = fmt.Errorf("failed to set deadline: %T %w", writeErr, writeErr)
						return
					}
					if writeErr = ws.WriteMessage(websocket.TextMessage, frame); writeErr != nil {
						writeErr = fmt.Errorf("publish failed: %w", writeErr)
					}
					return
				})
			if err != nil {
				return err
			}
		}
	}
}
