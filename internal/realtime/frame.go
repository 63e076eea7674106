package realtime

import "encoding/json"

// Client frame actions.
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
	ActionPing        = "ping"
)

// Server frame events.
const (
	EventSubscribed        = "subscribed"
	EventUnsubscribed      = "unsubscribed"
	EventSubscriptionError = "subscription_error"
	EventPong              = "pong"
)

// ClientFrame is an inbound control frame.
type ClientFrame struct {
	Action   string   `json:"action"`
	Channels []string `json:"channels,omitempty"`
}

// ServerFrame is an outbound frame. Broadcast frames carry the channel
// name as the event.
type ServerFrame struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

func encodeFrame(frame ServerFrame) []byte {
	data, err := json.Marshal(frame)
	if err != nil {
		// Frames are built from marshalable values only.
		return []byte(`{"event":"error"}`)
	}
	return data
}
