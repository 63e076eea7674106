package realtime

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/meshgate/meshgate/internal/auth"
	"github.com/meshgate/meshgate/internal/observability"
)

const (
	defaultSendBuffer   = 64
	defaultMaxFrameRate = 20.0
	defaultPingInterval = 30 * time.Second
	defaultWriteTimeout = 10 * time.Second

	// pongWait must exceed the ping interval or healthy connections get
	// reaped.
	pongWaitFactor = 2
)

// Connection is one accepted WebSocket client.
type Connection struct {
	id       string
	identity *auth.Identity
	ws       *websocket.Conn
	send     chan []byte
	done     chan struct{}
	hub      *Hub
	limiter  *rate.Limiter

	pingInterval time.Duration
	writeTimeout time.Duration
	logger       observability.Logger
}

func newConnection(ws *websocket.Conn, identity *auth.Identity, hub *Hub, cfg connSettings, logger observability.Logger) *Connection {
	return &Connection{
		id:           uuid.NewString(),
		identity:     identity,
		ws:           ws,
		send:         make(chan []byte, cfg.sendBuffer),
		done:         make(chan struct{}),
		hub:          hub,
		limiter:      rate.NewLimiter(rate.Limit(cfg.maxFrameRate), int(cfg.maxFrameRate)),
		pingInterval: cfg.pingInterval,
		writeTimeout: cfg.writeTimeout,
		logger:       logger,
	}
}

type connSettings struct {
	sendBuffer   int
	maxFrameRate float64
	pingInterval time.Duration
	writeTimeout time.Duration
}

// ID returns the connection identifier.
func (c *Connection) ID() string {
	return c.id
}

func (c *Connection) subject() string {
	if c.identity == nil || c.identity.Anonymous {
		return "anonymous"
	}
	return c.identity.Subject
}

// trySend queues a frame without blocking. The send channel is never
// closed; a closed connection refuses frames through done instead.
func (c *Connection) trySend(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// readPump consumes inbound control frames until the connection
// closes, then cascades the unregister.
func (c *Connection) readPump() {
	defer func() {
		c.hub.unregister(c.id)
		close(c.done)
		_ = c.ws.Close()
	}()

	pongWait := c.pingInterval * pongWaitFactor
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("connection closed unexpectedly",
					observability.String("connection", c.id),
					observability.Error(err))
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))

		// Inbound control frames are rate limited per connection; excess
		// frames are dropped, not answered.
		if !c.limiter.Allow() {
			c.logger.Warn("inbound frame rate exceeded",
				observability.String("connection", c.id),
				observability.String("subject", c.subject()))
			continue
		}

		c.handleFrame(data)
	}
}

func (c *Connection) handleFrame(data []byte) {
	var frame ClientFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		c.logger.Debug("malformed client frame",
			observability.String("connection", c.id),
			observability.Error(err))
		return
	}

	switch frame.Action {
	case ActionSubscribe:
		accepted, rejected := c.hub.Subscribe(c.id, frame.Channels)
		for _, channel := range accepted {
			c.trySendFrame(ServerFrame{Event: EventSubscribed, Channel: channel})
		}
		for _, rej := range rejected {
			c.trySendFrame(ServerFrame{Event: EventSubscriptionError, Channel: rej.Channel, Error: rej.Reason})
		}

	case ActionUnsubscribe:
		for _, channel := range c.hub.Unsubscribe(c.id, frame.Channels) {
			c.trySendFrame(ServerFrame{Event: EventUnsubscribed, Channel: channel})
		}

	case ActionPing:
		c.trySendFrame(ServerFrame{Event: EventPong})

	default:
		c.logger.Debug("unknown client action",
			observability.String("connection", c.id),
			observability.String("action", frame.Action))
	}
}

func (c *Connection) trySendFrame(frame ServerFrame) {
	if !c.trySend(encodeFrame(frame)) {
		droppedFramesTotal.Inc()
	}
}

// writePump drains the send channel and keeps the connection alive
// with periodic pings. Exits when the send channel closes.
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
