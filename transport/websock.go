package transport

import (
	"context"
	"errors"
	"time"

	"github.com/gorilla/websocket"
)

// ErrSockCongestion indicates there are too many waiters on the socket for a given op.
var ErrSockCongestion = errors.New("sock op failed due to congestion")

const (
	// Time allowed to write a message to the host.
	writeWait = 1 * time.Second
	// How long a writer waits for its turn before giving up.
	writeDeadline = time.Second
)

// websock serializes writes to the connection, which permits only one concurrent
// writer. There is exactly one reader per session, so reads are not serialized.
type websock struct {
	// This is merely a mutex, but channel semantics allow the timeout.
	writeSem chan struct{}
	conn     Conn
}

func newWebsock(conn Conn) *websock {
	return &websock{
		writeSem: make(chan struct{}, 1),
		conn:     conn,
	}
}

// Read performs one blocking read. Closing the socket unblocks it.
func (sock *websock) Read() (int, []byte, error) {
	return sock.conn.ReadMessage()
}

// Write serializes write operations to the websocket.
func (sock *websock) Write(
	ctx context.Context,
	writeFn func(Conn) error,
) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case sock.writeSem <- struct{}{}:
		defer func() { <-sock.writeSem }()
		return writeFn(sock.conn)
	case <-time.After(writeDeadline):
		return ErrSockCongestion
	}
}

// Close sends a best-effort close frame and closes the connection.
func (sock *websock) Close() {
	select {
	case sock.writeSem <- struct{}{}:
		_ = sock.conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = sock.conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		<-sock.writeSem
	case <-time.After(writeDeadline):
	}
	_ = sock.conn.Close()
}

// isClosure reports whether err is an orderly close by the host.
func isClosure(err error) bool {
	return err != nil && websocket.IsCloseError(
		err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway)
}
