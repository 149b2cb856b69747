// transport is the viewer's connection to the simulation host: a websocket client
// that reconnects with exponential backoff, probes liveness, and delivers inbound
// messages in priority order.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"pacview/ingress"
	"pacview/models"
	"pacview/protocol"
	"pacview/stats"

	"github.com/gorilla/websocket"
	channerics "github.com/niceyeti/channerics/channels"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultBaseDelay            = time.Second
	DefaultMaxJitter            = time.Second
	DefaultMaxReconnectAttempts = 10

	// Frames read but not yet dispatched. The reader blocks when the dispatcher falls this far behind.
	inboundQueue = 256
)

// State is the connection state.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
)

func (s State) String() string {
	return [...]string{"disconnected", "connecting", "connected", "reconnecting"}[s]
}

// Sink receives decoded snapshots; ingress.Buffer implements it.
type Sink interface {
	Accept(models.Snapshot) ingress.Result
}

// Info is a point-in-time view of the connection.
type Info struct {
	State             State
	ReconnectAttempts int
	LastRoundTrip     time.Duration
	LastMessageAt     time.Time
}

// Backoff returns the reconnection delay before the given attempt, excluding jitter:
// base * 2^(attempt-1).
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 32 {
		attempt = 32
	}
	return base * time.Duration(uint64(1)<<(attempt-1))
}

type inboundFrame struct {
	data []byte
	at   time.Time
}

type decoded struct {
	msg protocol.Message
	at  time.Time
}

// Channel is the transport channel. Each Connect or Start begins a run that ends with
// Done. A run that ends because reconnection was exhausted leaves the channel disconnected
// and ready for another Connect; Disconnect closes the channel for good.
type Channel struct {
	dialer        Dialer
	sink          Sink
	stats         *stats.Aggregator
	logger        *slog.Logger
	baseDelay     time.Duration
	maxJitter     time.Duration
	maxAttempts   int
	probeInterval time.Duration
	after         func(time.Duration) <-chan time.Time

	mu            sync.Mutex
	state         State
	attempts      int
	lastRoundTrip time.Duration
	lastMessageAt time.Time
	subscriptions []protocol.Channel
	sock          *websock
	sessionCtx    context.Context
	cancel        context.CancelFunc
	closed        bool
	finished      bool
	err           error
	done          chan struct{}

	probes prober

	gameStateObservers     registry[models.Snapshot]
	metricsObservers       registry[protocol.Metrics]
	sessionObservers       registry[protocol.SessionUpdate]
	displayConfigObservers registry[protocol.DisplayConfig]
	stateObservers         registry[State]
	terminalObservers      registry[error]
	errorObservers         registry[error]
}

// New returns a disconnected channel delivering snapshots to sink.
func New(dialer Dialer, sink Sink, opts ...func(*Channel)) *Channel {
	c := &Channel{
		dialer:        dialer,
		sink:          sink,
		stats:         stats.New(),
		logger:        slog.Default(),
		baseDelay:     DefaultBaseDelay,
		maxJitter:     DefaultMaxJitter,
		maxAttempts:   DefaultMaxReconnectAttempts,
		probeInterval: DefaultProbeInterval,
		after:         time.After,
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func WithStats(agg *stats.Aggregator) func(*Channel) {
	return func(c *Channel) {
		if agg != nil {
			c.stats = agg
		}
	}
}

func WithLogger(logger *slog.Logger) func(*Channel) {
	return func(c *Channel) { c.logger = logger }
}

// WithBackoff sets the base reconnection delay and the jitter bound.
func WithBackoff(base, maxJitter time.Duration) func(*Channel) {
	return func(c *Channel) {
		c.baseDelay = base
		c.maxJitter = maxJitter
	}
}

func WithMaxReconnectAttempts(n int) func(*Channel) {
	return func(c *Channel) {
		if n >= 0 {
			c.maxAttempts = n
		}
	}
}

func WithProbeInterval(d time.Duration) func(*Channel) {
	return func(c *Channel) {
		if d > 0 {
			c.probeInterval = d
		}
	}
}

// WithTimer replaces time.After for reconnection delays.
func WithTimer(after func(time.Duration) <-chan time.Time) func(*Channel) {
	return func(c *Channel) { c.after = after }
}

// Observers. Each returns the func that unregisters it.

func (c *Channel) OnGameState(fn func(models.Snapshot)) func() {
	return c.gameStateObservers.add(fn)
}

func (c *Channel) OnMetrics(fn func(protocol.Metrics)) func() {
	return c.metricsObservers.add(fn)
}

func (c *Channel) OnSessionUpdate(fn func(protocol.SessionUpdate)) func() {
	return c.sessionObservers.add(fn)
}

func (c *Channel) OnDisplayConfig(fn func(protocol.DisplayConfig)) func() {
	return c.displayConfigObservers.add(fn)
}

func (c *Channel) OnState(fn func(State)) func() {
	return c.stateObservers.add(fn)
}

// OnTerminal observers get the *ConnectionError whenever reconnection is exhausted, before Done closes.
func (c *Channel) OnTerminal(fn func(error)) func() {
	return c.terminalObservers.add(fn)
}

// OnError observers receive non-fatal errors: host error messages and lost connections.
func (c *Channel) OnError(fn func(error)) func() {
	return c.errorObservers.add(fn)
}

// Connect dials once and blocks until the connection is open or the dial fails.
// A failed dial returns a *ConnectionError and leaves the channel disconnected.
func (c *Channel) Connect(ctx context.Context) error {
	return c.connect(ctx, false)
}

// Start is Connect for an always-on channel: a failed first dial enters the
// reconnection schedule instead of returning. Watch Done for the terminal outcome.
func (c *Channel) Start(ctx context.Context) error {
	return c.connect(ctx, true)
}

func (c *Channel) connect(ctx context.Context, retry bool) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state != Disconnected {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	if c.finished {
		c.done = make(chan struct{})
		c.finished = false
		c.err = nil
	}
	c.attempts = 0
	life, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	c.setState(Connecting)
	conn, err := c.dialer.Dial(life)
	if err == nil {
		c.startSession(life, conn)
		return nil
	}

	if retry && life.Err() == nil {
		c.logger.Warn("initial connection failed", "err", err)
		go c.reconnect(life, err)
		return nil
	}

	cancel()
	c.setState(Disconnected)
	return &ConnectionError{Op: "connect", Err: err}
}

// Disconnect closes the connection intentionally. Any pending reconnection is
// cancelled and no reconnection follows.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.stop(nil)
}

// Done is closed once the current run has stopped: after Disconnect, after the Connect
// context is done, or after reconnection was exhausted.
func (c *Channel) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// Err returns the *ConnectionError that ended the last run, or nil if it stopped
// intentionally or is still running.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Info returns the connection details.
func (c *Channel) Info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Info{
		State:             c.state,
		ReconnectAttempts: c.attempts,
		LastRoundTrip:     c.lastRoundTrip,
		LastMessageAt:     c.lastMessageAt,
	}
}

// Send writes msg to the host. It never blocks beyond the write deadline and reports
// false when not connected or when the write fails.
func (c *Channel) Send(msg protocol.Message) bool {
	c.mu.Lock()
	sock, ctx, state := c.sock, c.sessionCtx, c.state
	c.mu.Unlock()
	if state != Connected || sock == nil {
		return false
	}
	return c.write(ctx, sock, msg)
}

func (c *Channel) write(ctx context.Context, sock *websock, msg protocol.Message) bool {
	data, err := protocol.Encode(msg, time.Now())
	if err != nil {
		c.logger.Error("failed to encode message", "type", msg.Kind(), "err", err)
		return false
	}

	err = sock.Write(ctx, func(conn Conn) error {
		if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
			return fmt.Errorf("failed to set deadline: %w", err)
		}
		return conn.WriteMessage(websocket.TextMessage, data)
	})
	if err != nil {
		c.logger.Debug("send failed", "type", msg.Kind(), "err", err)
		return false
	}

	c.stats.MessageSent(len(data))
	return true
}

// Subscribe asks the host for a channel. The subscription is remembered and restored
// after every reconnection; the result reports whether it was sent now.
func (c *Channel) Subscribe(channel protocol.Channel) bool {
	c.mu.Lock()
	found := false
	for _, sub := range c.subscriptions {
		if sub == channel {
			found = true
			break
		}
	}
	if !found {
		c.subscriptions = append(c.subscriptions, channel)
	}
	c.mu.Unlock()

	return c.Send(protocol.Subscribe{Channel: channel})
}

// Unsubscribe drops a channel subscription.
func (c *Channel) Unsubscribe(channel protocol.Channel) bool {
	c.mu.Lock()
	for i, sub := range c.subscriptions {
		if sub == channel {
			c.subscriptions = append(c.subscriptions[:i:i], c.subscriptions[i+1:]...)
			break
		}
	}
	c.mu.Unlock()

	return c.Send(protocol.Unsubscribe{Channel: channel})
}

// Subscriptions returns the remembered channel subscriptions.
func (c *Channel) Subscriptions() []protocol.Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Channel(nil), c.subscriptions...)
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	c.mu.Unlock()

	if changed {
		c.logger.Debug("connection state", "state", s)
		c.stateObservers.notify(s)
	}
}

// stop ends the current run. Disconnected and Done change together, so a Connect
// can never begin a run that an earlier one then closes.
func (c *Channel) stop(err error) {
	c.mu.Lock()
	changed := c.state != Disconnected
	c.state = Disconnected
	if !c.finished {
		c.finished = true
		c.err = err
		close(c.done)
	}
	c.mu.Unlock()

	if changed {
		c.logger.Debug("connection state", "state", Disconnected)
		c.stateObservers.notify(Disconnected)
	}
}

// fail is the terminal path: reconnection was exhausted.
func (c *Channel) fail(err *ConnectionError) {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	c.logger.Error("giving up on connection", "attempts", err.Attempts, "err", err.Err)
	c.terminalObservers.notify(err)
	c.stop(err)
}

func (c *Channel) startSession(life context.Context, conn Conn) {
	sock := newWebsock(conn)
	sessionCtx, cancel := context.WithCancel(life)

	c.mu.Lock()
	c.sock = sock
	c.sessionCtx = sessionCtx
	c.attempts = 0
	subscriptions := append([]protocol.Channel(nil), c.subscriptions...)
	c.mu.Unlock()

	c.probes.reset()
	c.stats.ReconnectAttempts(0)
	for _, sub := range subscriptions {
		c.write(sessionCtx, sock, protocol.Subscribe{Channel: sub})
	}

	c.setState(Connected)
	c.logger.Info("connected", "resubscribed", len(subscriptions))

	go c.runSession(life, sessionCtx, cancel, sock)
}

// runSession owns one connection: reader, dispatcher and prober run under an errgroup
// and the first failure tears the whole session down.
func (c *Channel) runSession(
	life context.Context,
	sessionCtx context.Context,
	cancel context.CancelFunc,
	sock *websock,
) {
	defer cancel()

	group, groupCtx := errgroup.WithContext(sessionCtx)
	inbound := make(chan inboundFrame, inboundQueue)

	group.Go(func() error {
		return c.readFrames(groupCtx, sock, inbound)
	})
	group.Go(func() error {
		return c.dispatch(groupCtx, inbound)
	})
	group.Go(func() error {
		return c.probe(groupCtx)
	})
	group.Go(func() error {
		// Unblocks the reader once anything else ends the session.
		<-groupCtx.Done()
		sock.Close()
		return nil
	})

	err := group.Wait()

	c.mu.Lock()
	if c.sock == sock {
		c.sock = nil
	}
	c.mu.Unlock()

	if life.Err() != nil {
		c.stop(nil)
		return
	}

	if isClosure(err) {
		c.logger.Info("host closed the connection", "err", err)
	} else {
		c.logger.Warn("connection lost", "err", err)
	}
	c.errorObservers.notify(fmt.Errorf("connection lost: %w", err))
	c.reconnect(life, err)
}

func (c *Channel) reconnect(life context.Context, cause error) {
	for {
		c.mu.Lock()
		if c.attempts >= c.maxAttempts {
			attempts := c.attempts
			c.mu.Unlock()
			c.fail(&ConnectionError{Op: "reconnect", Attempts: attempts, Err: cause})
			return
		}
		c.attempts++
		attempt := c.attempts
		c.mu.Unlock()

		c.setState(Reconnecting)
		c.stats.ReconnectAttempts(attempt)

		delay := Backoff(c.baseDelay, attempt) + c.jitter()
		c.logger.Info("reconnecting", "attempt", attempt, "delay", delay)

		select {
		case <-life.Done():
			c.stop(nil)
			return
		case <-c.after(delay):
		}

		conn, err := c.dialer.Dial(life)
		if err == nil {
			c.startSession(life, conn)
			return
		}
		if life.Err() != nil {
			c.stop(nil)
			return
		}
		c.logger.Debug("reconnection attempt failed", "attempt", attempt, "err", err)
		cause = err
	}
}

func (c *Channel) jitter() time.Duration {
	if c.maxJitter <= 0 {
		return 0
	}
	return rand.N(c.maxJitter)
}

// readFrames reads until the connection fails. Errors returned by websocket reads are
// permanent, hence any error must trigger full teardown.
func (c *Channel) readFrames(ctx context.Context, sock *websock, inbound chan<- inboundFrame) error {
	for {
		msgType, data, err := sock.Read()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}

		now := time.Now()
		c.stats.MessageReceived(len(data))
		c.mu.Lock()
		c.lastMessageAt = now
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil
		case inbound <- inboundFrame{data: data, at: now}:
		}
	}
}

// dispatch drains everything queued into a batch and handles it in priority order,
// after any session starts.
func (c *Channel) dispatch(ctx context.Context, inbound <-chan inboundFrame) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case frame := <-inbound:
			batch := []inboundFrame{frame}
		drain:
			for {
				select {
				case next := <-inbound:
					batch = append(batch, next)
				default:
					break drain
				}
			}
			c.handleBatch(batch)
		}
	}
}

func (c *Channel) handleBatch(frames []inboundFrame) {
	batch := make([]decoded, 0, len(frames))
	for _, frame := range frames {
		msg, _, err := protocol.Decode(frame.data)
		if err != nil {
			c.stats.Malformed()
			c.logger.Debug("dropping malformed message", "err", err, "bytes", len(frame.data))
			continue
		}
		batch = append(batch, decoded{msg: msg, at: frame.at})
	}

	// A started session precedes the snapshots of the run it announces; observers may
	// reset the buffer on it, so it is handled before any snapshot in the batch.
	rest := batch[:0]
	for _, d := range batch {
		if update, ok := d.msg.(protocol.SessionUpdate); ok && update.Status == protocol.SessionStarted {
			c.handle(d)
			continue
		}
		rest = append(rest, d)
	}

	protocol.SortByPriority(rest, func(d decoded) protocol.Kind { return d.msg.Kind() })

	for _, d := range rest {
		c.handle(d)
	}
}

func (c *Channel) handle(d decoded) {
	switch msg := d.msg.(type) {
	case protocol.GameState:
		snapshot := msg.State.ToSnapshot()
		snapshot.ReceivedAt = d.at
		if result := c.sink.Accept(snapshot); result == ingress.RejectedStale {
			c.logger.Debug("stale snapshot", "sequence", snapshot.Sequence)
		}
		c.gameStateObservers.notify(snapshot)
	case protocol.Metrics:
		c.metricsObservers.notify(msg)
	case protocol.SessionUpdate:
		c.logger.Info("session update", "episode", msg.Episode, "status", msg.Status)
		c.sessionObservers.notify(msg)
	case protocol.VisualizationConfig:
		c.displayConfigObservers.notify(msg.Config)
	case protocol.Pong:
		if rtt, ok := c.probes.complete(msg, time.Now()); ok {
			c.stats.RoundTrip(rtt)
			c.mu.Lock()
			c.lastRoundTrip = rtt
			c.mu.Unlock()
		}
	case protocol.Ping:
		c.Send(protocol.Pong(msg))
	case protocol.SubscriptionConfirmed:
		c.logger.Debug("subscribed", "channel", msg.Channel)
	case protocol.UnsubscriptionConfirmed:
		c.logger.Debug("unsubscribed", "channel", msg.Channel)
	case protocol.Error:
		c.logger.Warn("host reported an error", "message", msg.Message, "code", msg.Code)
		c.errorObservers.notify(fmt.Errorf("%w: %s", ErrRemote, msg.Message))
	default:
		c.logger.Debug("ignoring message", "type", msg.Kind())
	}
}

// probe sends a liveness probe every probeInterval while the session lives. A lost
// probe is not an error by itself; a dead connection surfaces through the reader.
func (c *Channel) probe(ctx context.Context) error {
	ticker := channerics.NewTicker(ctx.Done(), c.probeInterval)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker:
			if !c.Send(c.probes.issue(time.Now())) {
				c.logger.Debug("probe not sent")
			}
		}
	}
}
