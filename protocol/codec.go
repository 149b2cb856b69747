package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Envelope is the outer wire shape of every message.
type Envelope struct {
	Type      Kind            `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp string          `json:"timestamp"`
}

// ErrMalformedMessage wraps every decode failure. Callers log and drop such messages;
// they never affect connection state.
var ErrMalformedMessage = errors.New("malformed message")

// Hosts that stamp naive local time (no zone) are accepted too.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
}

// Time parses the envelope timestamp.
func (env Envelope) Time() (time.Time, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, env.Timestamp); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: bad timestamp %q", ErrMalformedMessage, env.Timestamp)
}

// Encode wraps msg in an envelope stamped with now.
func Encode(msg Message, now time.Time) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("trying to encode nil message")
	}

	var payload any
	switch m := msg.(type) {
	case GameState:
		payload = m.State
	case ExperimentUpdate:
		payload = m.Data
	case Unknown:
		payload = m.Data
	default:
		payload = m
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.Kind(), err)
	}

	return json.Marshal(Envelope{
		Type:      msg.Kind(),
		Data:      data,
		Timestamp: now.Format(time.RFC3339Nano),
	})
}

// DecodeEnvelope parses only the outer envelope.
func DecodeEnvelope(b []byte) (Envelope, error) {
	if len(b) == 0 {
		return Envelope{}, fmt.Errorf("%w: empty frame", ErrMalformedMessage)
	}
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrMalformedMessage)
	}
	return env, nil
}

// DecodePayload unmarshals the envelope data into T.
func DecodePayload[T any](env Envelope) (T, error) {
	var out T
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return out, fmt.Errorf("%w: empty payload for type %q", ErrMalformedMessage, env.Type)
	}
	if err := json.Unmarshal(env.Data, &out); err != nil {
		return out, fmt.Errorf("%w: %s payload: %v", ErrMalformedMessage, env.Type, err)
	}
	return out, nil
}

// Decode parses a frame into the closed message set. Unrecognized types decode to
// Unknown rather than failing, so newer hosts don't break older viewers.
func Decode(b []byte) (Message, Envelope, error) {
	env, err := DecodeEnvelope(b)
	if err != nil {
		return nil, env, err
	}

	var msg Message
	switch env.Type {
	case KindGameState:
		var state StateWire
		if state, err = DecodePayload[StateWire](env); err == nil {
			msg = GameState{State: state}
		}
	case KindMetrics:
		msg, err = decodeAs[Metrics](env)
	case KindSessionUpdate:
		msg, err = decodeAs[SessionUpdate](env)
	case KindExperimentUpdate:
		msg = ExperimentUpdate{Data: env.Data}
	case KindPing:
		msg, err = decodeAs[Ping](env)
	case KindPong:
		msg, err = decodeAs[Pong](env)
	case KindSubscribe:
		msg, err = decodeAs[Subscribe](env)
	case KindUnsubscribe:
		msg, err = decodeAs[Unsubscribe](env)
	case KindSubscriptionConfirmed:
		msg, err = decodeAs[SubscriptionConfirmed](env)
	case KindUnsubscriptionConfirmed:
		msg, err = decodeAs[UnsubscriptionConfirmed](env)
	case KindError:
		msg, err = decodeAs[Error](env)
	case KindVisualizationConfig:
		msg, err = decodeAs[VisualizationConfig](env)
	default:
		msg = Unknown{Type: env.Type, Data: env.Data}
	}

	if err != nil {
		return nil, env, err
	}
	return msg, env, nil
}

func decodeAs[T Message](env Envelope) (Message, error) {
	m, err := DecodePayload[T](env)
	if err != nil {
		return nil, err
	}
	return m, nil
}
