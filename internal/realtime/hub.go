package realtime

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/meshgate/meshgate/internal/observability"
)

// SubscriptionError describes one rejected channel in a subscribe
// batch.
type SubscriptionError struct {
	Channel string
	Reason  string
}

// Hub owns the connection registry, the per-channel fan-out groups and
// the identity index. All delivery is best-effort: a slow connection
// loses frames, it never blocks the broadcaster.
type Hub struct {
	mu         sync.RWMutex
	conns      map[string]*Connection
	channels   map[string]map[string]*Connection
	bySubject  map[string]map[string]*Connection
	subsByConn map[string]map[string]time.Time

	table  *ChannelTable
	logger observability.Logger
}

// NewHub creates a hub over a static channel table.
func NewHub(table *ChannelTable, logger observability.Logger) *Hub {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Hub{
		conns:      make(map[string]*Connection),
		channels:   make(map[string]map[string]*Connection),
		bySubject:  make(map[string]map[string]*Connection),
		subsByConn: make(map[string]map[string]time.Time),
		table:      table,
		logger:     logger,
	}
}

func (h *Hub) register(c *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.conns[c.id] = c
	h.subsByConn[c.id] = make(map[string]time.Time)
	if c.identity != nil && !c.identity.Anonymous {
		subject := c.identity.Subject
		if h.bySubject[subject] == nil {
			h.bySubject[subject] = make(map[string]*Connection)
		}
		h.bySubject[subject][c.id] = c
	}

	connectionsGauge.Inc()
}

// unregister removes the connection and cascades all of its
// subscriptions.
func (h *Hub) unregister(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.conns[connID]
	if !ok {
		return
	}
	delete(h.conns, connID)

	for channel := range h.subsByConn[connID] {
		h.leaveChannelLocked(connID, channel)
	}
	subscriptionsGauge.Sub(float64(len(h.subsByConn[connID])))
	delete(h.subsByConn, connID)

	if c.identity != nil && !c.identity.Anonymous {
		subject := c.identity.Subject
		delete(h.bySubject[subject], connID)
		if len(h.bySubject[subject]) == 0 {
			delete(h.bySubject, subject)
		}
	}

	connectionsGauge.Dec()
}

func (h *Hub) leaveChannelLocked(connID, channel string) {
	group := h.channels[channel]
	delete(group, connID)
	if len(group) == 0 {
		delete(h.channels, channel)
	}
}

// Subscribe joins the connection to each requested channel, re-checking
// authorization per channel. A rejected channel never aborts the rest
// of the batch.
func (h *Hub) Subscribe(connID string, channels []string) (accepted []string, rejected []SubscriptionError) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.conns[connID]
	if !ok {
		for _, channel := range channels {
			rejected = append(rejected, SubscriptionError{Channel: channel, Reason: "connection closed"})
		}
		return accepted, rejected
	}

	for _, channel := range channels {
		if err := h.table.CanSubscribe(c.identity, channel); err != nil {
			rejected = append(rejected, SubscriptionError{Channel: channel, Reason: err.Error()})
			subscribeRejectionsTotal.Inc()
			continue
		}

		if _, already := h.subsByConn[connID][channel]; !already {
			h.subsByConn[connID][channel] = time.Now()
			if h.channels[channel] == nil {
				h.channels[channel] = make(map[string]*Connection)
			}
			h.channels[channel][connID] = c
			subscriptionsGauge.Inc()
		}
		accepted = append(accepted, channel)
	}

	return accepted, rejected
}

// Unsubscribe removes the connection from each channel. Unsubscribing
// from a channel the connection never joined is a no-op.
func (h *Hub) Unsubscribe(connID string, channels []string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	removed := make([]string, 0, len(channels))
	for _, channel := range channels {
		if _, ok := h.subsByConn[connID][channel]; ok {
			delete(h.subsByConn[connID], channel)
			h.leaveChannelLocked(connID, channel)
			subscriptionsGauge.Dec()
		}
		removed = append(removed, channel)
	}
	return removed
}

// Broadcast delivers a payload to every connection subscribed to the
// channel. Returns the number of connections the frame was queued for.
func (h *Hub) Broadcast(channel string, payload interface{}) int {
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Warn("broadcast payload not serializable",
			observability.String("channel", channel),
			observability.Error(err))
		return 0
	}
	frame := encodeFrame(ServerFrame{Event: channel, Payload: data})

	h.mu.RLock()
	group := h.channels[channel]
	targets := make([]*Connection, 0, len(group))
	for _, c := range group {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, c := range targets {
		if h.deliver(c, frame) {
			delivered++
		}
	}
	broadcastsTotal.WithLabelValues(channel).Inc()
	return delivered
}

// BroadcastToIdentity delivers an event to every connection currently
// authenticated as the given subject, independent of subscriptions.
func (h *Hub) BroadcastToIdentity(subject, event string, payload interface{}) int {
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Warn("identity broadcast payload not serializable",
			observability.String("subject", subject),
			observability.Error(err))
		return 0
	}
	frame := encodeFrame(ServerFrame{Event: event, Payload: data})

	h.mu.RLock()
	group := h.bySubject[subject]
	targets := make([]*Connection, 0, len(group))
	for _, c := range group {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, c := range targets {
		if h.deliver(c, frame) {
			delivered++
		}
	}
	return delivered
}

// deliver queues a frame without blocking. Overflow drops the frame
// with a warning.
func (h *Hub) deliver(c *Connection, frame []byte) bool {
	if c.trySend(frame) {
		return true
	}
	droppedFramesTotal.Inc()
	h.logger.Warn("send buffer full, dropping frame",
		observability.String("connection", c.id),
		observability.String("subject", c.subject()))
	return false
}

// Subscriptions returns the channels a connection currently holds.
func (h *Hub) Subscriptions(connID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	channels := make([]string, 0, len(h.subsByConn[connID]))
	for channel := range h.subsByConn[connID] {
		channels = append(channels, channel)
	}
	return channels
}

// Counts returns the number of open connections and active
// subscriptions.
func (h *Hub) Counts() (connections, subscriptions int) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, subs := range h.subsByConn {
		subscriptions += len(subs)
	}
	return len(h.conns), subscriptions
}
