package protocol

import (
	"encoding/json"
	"time"
)

// Kind is the wire "type" field.
type Kind string

const (
	KindGameState               Kind = "game_state"
	KindMetrics                 Kind = "metrics_update"
	KindSessionUpdate           Kind = "session_update"
	KindExperimentUpdate        Kind = "experiment_update"
	KindPing                    Kind = "ping"
	KindPong                    Kind = "pong"
	KindSubscribe               Kind = "subscribe"
	KindUnsubscribe             Kind = "unsubscribe"
	KindSubscriptionConfirmed   Kind = "subscription_confirmed"
	KindUnsubscriptionConfirmed Kind = "unsubscription_confirmed"
	KindError                   Kind = "error"
	KindVisualizationConfig     Kind = "visualization_config_updated"
)

// Channel names a host broadcast channel clients may subscribe to.
type Channel string

const (
	ChannelMetrics           Channel = "metrics"
	ChannelGameState         Channel = "game_state"
	ChannelSessionUpdates    Channel = "session_updates"
	ChannelExperimentUpdates Channel = "experiment_updates"
	ChannelErrors            Channel = "errors"
)

// Channels lists every channel the host serves, in a stable order.
var Channels = []Channel{
	ChannelMetrics,
	ChannelGameState,
	ChannelSessionUpdates,
	ChannelExperimentUpdates,
	ChannelErrors,
}

// Message is the closed set of known messages. The unexported method keeps the
// set closed to this package; switch on the concrete type to dispatch.
type Message interface {
	Kind() Kind
	isMessage()
}

// GameState carries one simulation step in its wire form.
type GameState struct {
	State StateWire
}

// Metrics is the host's periodic aggregate of simulation progress.
type Metrics struct {
	Episode        int     `json:"episode"`
	Step           int64   `json:"step"`
	StepsPerSecond float64 `json:"steps_per_second"`
	Score          int64   `json:"score"`
	Lives          int     `json:"lives"`
	Remaining      int     `json:"remaining"`
	Subscribers    int     `json:"subscribers"`
}

// SessionUpdate announces episode lifecycle changes on the host.
type SessionUpdate struct {
	Episode int    `json:"episode"`
	Status  string `json:"status"`
	Reason  string `json:"reason,omitempty"`
	// FirstStep is the first sequence number of the episode.
	FirstStep int64 `json:"first_step"`
}

// Session statuses.
const (
	SessionStarted  = "started"
	SessionFinished = "finished"
)

// ExperimentUpdate is an opaque administrative notice, forwarded untouched.
type ExperimentUpdate struct {
	Data json.RawMessage
}

// Ping is a liveness probe. The responder echoes the payload in a Pong.
type Ping struct {
	ID   uint32    `json:"id"`
	Sent time.Time `json:"sent"`
}

// Pong answers a Ping.
type Pong struct {
	ID   uint32    `json:"id"`
	Sent time.Time `json:"sent"`
}

// Subscribe asks the host to start sending a channel.
type Subscribe struct {
	Channel Channel `json:"channel"`
}

// Unsubscribe asks the host to stop sending a channel.
type Unsubscribe struct {
	Channel Channel `json:"channel"`
}

// SubscriptionConfirmed acknowledges a Subscribe.
type SubscriptionConfirmed struct {
	Channel Channel `json:"channel"`
}

// UnsubscriptionConfirmed acknowledges an Unsubscribe.
type UnsubscriptionConfirmed struct {
	Channel Channel `json:"channel"`
}

// Error reports a host-side problem to the client.
type Error struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// DisplayConfig are the rendering collaborator's display flags.
type DisplayConfig struct {
	Fps           int  `json:"fps" mapstructure:"fps"`
	RenderScale   int  `json:"render_scale" mapstructure:"renderScale"`
	ShowGrid      bool `json:"show_grid" mapstructure:"showGrid"`
	ShowStats     bool `json:"show_stats" mapstructure:"showStats"`
	HighlightPath bool `json:"highlight_path" mapstructure:"highlightPath"`
}

// VisualizationConfig broadcasts a display configuration change.
type VisualizationConfig struct {
	Config DisplayConfig `json:"config"`
}

// Unknown is any message whose type isn't in the known set. It is logged and ignored.
type Unknown struct {
	Type Kind
	Data json.RawMessage
}

func (GameState) Kind() Kind               { return KindGameState }
func (Metrics) Kind() Kind                 { return KindMetrics }
func (SessionUpdate) Kind() Kind           { return KindSessionUpdate }
func (ExperimentUpdate) Kind() Kind        { return KindExperimentUpdate }
func (Ping) Kind() Kind                    { return KindPing }
func (Pong) Kind() Kind                    { return KindPong }
func (Subscribe) Kind() Kind               { return KindSubscribe }
func (Unsubscribe) Kind() Kind             { return KindUnsubscribe }
func (SubscriptionConfirmed) Kind() Kind   { return KindSubscriptionConfirmed }
func (UnsubscriptionConfirmed) Kind() Kind { return KindUnsubscriptionConfirmed }
func (Error) Kind() Kind                   { return KindError }
func (VisualizationConfig) Kind() Kind     { return KindVisualizationConfig }
func (u Unknown) Kind() Kind               { return u.Type }

func (GameState) isMessage()               {}
func (Metrics) isMessage()                 {}
func (SessionUpdate) isMessage()           {}
func (ExperimentUpdate) isMessage()        {}
func (Ping) isMessage()                    {}
func (Pong) isMessage()                    {}
func (Subscribe) isMessage()               {}
func (Unsubscribe) isMessage()             {}
func (SubscriptionConfirmed) isMessage()   {}
func (UnsubscriptionConfirmed) isMessage() {}
func (Error) isMessage()                   {}
func (VisualizationConfig) isMessage()     {}
func (Unknown) isMessage()                 {}
