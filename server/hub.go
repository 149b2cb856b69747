package server

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"pacview/models"
	"pacview/protocol"
	"pacview/stats"

	"github.com/gorilla/websocket"
)

// ErrUnknownChannel is returned for a channel the hub does not serve.
var ErrUnknownChannel = errors.New("unknown channel")

// ConnectionStats summarizes the hub's connections.
type ConnectionStats struct {
	TotalConnections int                      `json:"total_connections"`
	Subscriptions    map[protocol.Channel]int `json:"subscriptions"`
	Oldest           *time.Time               `json:"oldest,omitempty"`
	Newest           *time.Time               `json:"newest,omitempty"`
}

// Hub fans messages out to websocket clients by channel subscription.
// Every client sees messages in the order the hub sent them.
type Hub struct {
	mu       sync.RWMutex
	nextID   uint64
	clients  map[*client]struct{}
	channels map[protocol.Channel]map[*client]struct{}
	// session is replayed to new session_updates subscribers.
	session *protocol.SessionUpdate
	stats   *stats.Aggregator
	logger  *slog.Logger
}

// NewHub returns a hub serving protocol.Channels.
func NewHub(opts ...func(*Hub)) *Hub {
	hub := &Hub{
		clients:  map[*client]struct{}{},
		channels: map[protocol.Channel]map[*client]struct{}{},
		stats:    stats.New(),
		logger:   slog.Default(),
	}
	for _, ch := range protocol.Channels {
		hub.channels[ch] = map[*client]struct{}{}
	}
	for _, opt := range opts {
		opt(hub)
	}
	return hub
}

func WithHubStats(agg *stats.Aggregator) func(*Hub) {
	return func(hub *Hub) {
		if agg != nil {
			hub.stats = agg
		}
	}
}

func WithHubLogger(logger *slog.Logger) func(*Hub) {
	return func(hub *Hub) { hub.logger = logger }
}

// Stats returns the hub's traffic counters.
func (hub *Hub) Stats() stats.Statistics {
	return hub.stats.Snapshot()
}

func (hub *Hub) register(ws *websocket.Conn) *client {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	hub.nextID++
	cli := newClient(hub.nextID, hub, ws, hub.logger)
	hub.clients[cli] = struct{}{}
	hub.logger.Info("client connected", "client", cli.id, "total", len(hub.clients))
	return cli
}

func (hub *Hub) unregister(cli *client) {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	delete(hub.clients, cli)
	for _, subscribers := range hub.channels {
		delete(subscribers, cli)
	}
	hub.logger.Info("client disconnected", "client", cli.id, "remaining", len(hub.clients))
}

func (hub *Hub) subscribe(cli *client, ch protocol.Channel) error {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	subscribers, ok := hub.channels[ch]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownChannel, ch)
	}
	subscribers[cli] = struct{}{}
	return nil
}

func (hub *Hub) unsubscribe(cli *client, ch protocol.Channel) {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	if subscribers, ok := hub.channels[ch]; ok {
		delete(subscribers, cli)
	}
}

// handle processes one frame from a client.
func (hub *Hub) handle(cli *client, data []byte) {
	msg, _, err := protocol.Decode(data)
	if err != nil {
		hub.stats.Malformed()
		cli.logger.Debug("malformed message from client", "err", err)
		hub.sendTo(cli, protocol.Error{Message: "malformed message", Code: "malformed"})
		return
	}
	hub.stats.MessageReceived(len(data))

	switch m := msg.(type) {
	case protocol.Subscribe:
		if err := hub.subscribe(cli, m.Channel); err != nil {
			cli.logger.Warn("subscribe to unknown channel", "channel", m.Channel)
			hub.sendTo(cli, protocol.Error{Message: err.Error(), Code: "unknown_channel"})
			return
		}
		cli.logger.Debug("subscribed", "channel", m.Channel)
		hub.sendTo(cli, protocol.SubscriptionConfirmed{Channel: m.Channel})

		if m.Channel == protocol.ChannelSessionUpdates {
			hub.mu.RLock()
			session := hub.session
			hub.mu.RUnlock()
			if session != nil {
				hub.sendTo(cli, *session)
			}
		}
	case protocol.Unsubscribe:
		hub.unsubscribe(cli, m.Channel)
		hub.sendTo(cli, protocol.UnsubscriptionConfirmed{Channel: m.Channel})
	case protocol.Ping:
		hub.sendTo(cli, protocol.Pong(m))
	default:
		cli.logger.Debug("unhandled client message", "type", msg.Kind())
	}
}

func (hub *Hub) sendTo(cli *client, msg protocol.Message) bool {
	frame, err := protocol.Encode(msg, time.Now())
	if err != nil {
		hub.logger.Error("failed to encode message", "type", msg.Kind(), "err", err)
		return false
	}
	if !cli.enqueue(frame) {
		return false
	}
	hub.stats.MessageSent(len(frame))
	return true
}

// fanOut enqueues one encoded frame to every passed client; clients that cannot
// keep up are dropped. It returns the number of clients the frame was queued for.
func (hub *Hub) fanOut(recipients []*client, msg protocol.Message) int {
	if len(recipients) == 0 {
		return 0
	}
	frame, err := protocol.Encode(msg, time.Now())
	if err != nil {
		hub.logger.Error("failed to encode message", "type", msg.Kind(), "err", err)
		return 0
	}

	delivered := 0
	for _, cli := range recipients {
		if !cli.enqueue(frame) {
			cli.logger.Warn("dropping slow client")
			continue
		}
		hub.stats.MessageSent(len(frame))
		delivered++
	}
	return delivered
}

// BroadcastToChannel sends msg to the channel's subscribers.
func (hub *Hub) BroadcastToChannel(ch protocol.Channel, msg protocol.Message) (int, error) {
	hub.mu.RLock()
	subscribers, ok := hub.channels[ch]
	if !ok {
		hub.mu.RUnlock()
		return 0, fmt.Errorf("%w: %q", ErrUnknownChannel, ch)
	}
	recipients := make([]*client, 0, len(subscribers))
	for cli := range subscribers {
		recipients = append(recipients, cli)
	}
	hub.mu.RUnlock()

	return hub.fanOut(recipients, msg), nil
}

// Broadcast sends msg to every connected client regardless of subscriptions.
func (hub *Hub) Broadcast(msg protocol.Message) int {
	hub.mu.RLock()
	recipients := make([]*client, 0, len(hub.clients))
	for cli := range hub.clients {
		recipients = append(recipients, cli)
	}
	hub.mu.RUnlock()

	return hub.fanOut(recipients, msg)
}

// PublishGameState sends a simulation step to game_state subscribers.
func (hub *Hub) PublishGameState(s models.Snapshot) int {
	n, _ := hub.BroadcastToChannel(protocol.ChannelGameState, protocol.GameState{State: protocol.FromSnapshot(s)})
	return n
}

// PublishMetrics sends aggregate progress to metrics subscribers.
func (hub *Hub) PublishMetrics(m protocol.Metrics) int {
	n, _ := hub.BroadcastToChannel(protocol.ChannelMetrics, m)
	return n
}

// PublishSession records the current session and sends it to session_updates subscribers.
func (hub *Hub) PublishSession(update protocol.SessionUpdate) int {
	hub.mu.Lock()
	hub.session = &update
	hub.mu.Unlock()

	n, _ := hub.BroadcastToChannel(protocol.ChannelSessionUpdates, update)
	return n
}

// PublishError sends a host-side error to errors subscribers.
func (hub *Hub) PublishError(message, code string) int {
	n, _ := hub.BroadcastToChannel(protocol.ChannelErrors, protocol.Error{Message: message, Code: code})
	return n
}

// Subscribers returns the number of subscribers of ch.
func (hub *Hub) Subscribers(ch protocol.Channel) int {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	return len(hub.channels[ch])
}

// ConnectionStats returns totals per channel and the oldest and newest connection times.
func (hub *Hub) ConnectionStats() ConnectionStats {
	hub.mu.RLock()
	defer hub.mu.RUnlock()

	cs := ConnectionStats{
		TotalConnections: len(hub.clients),
		Subscriptions:    make(map[protocol.Channel]int, len(hub.channels)),
	}
	for ch, subscribers := range hub.channels {
		cs.Subscriptions[ch] = len(subscribers)
	}
	for cli := range hub.clients {
		at := cli.connectedAt
		if cs.Oldest == nil || at.Before(*cs.Oldest) {
			cs.Oldest = &at
		}
		if cs.Newest == nil || at.After(*cs.Newest) {
			cs.Newest = &at
		}
	}
	return cs
}

// CloseAll drops every client.
func (hub *Hub) CloseAll() {
	hub.mu.RLock()
	defer hub.mu.RUnlock()

	for cli := range hub.clients {
		cli.drop()
	}
}
