package realtime

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/meshgate/meshgate/internal/auth"
	"github.com/meshgate/meshgate/internal/config"
	"github.com/meshgate/meshgate/internal/observability"
)

// Handler upgrades inbound requests to WebSocket connections and
// attaches them to the hub. A missing bearer token yields an anonymous
// connection limited to public channels; an invalid token rejects the
// handshake.
type Handler struct {
	hub      *Hub
	verifier *auth.Verifier
	upgrader websocket.Upgrader
	settings connSettings
	logger   observability.Logger
}

// NewHandler creates the realtime connect handler. verifier may be nil
// when authentication is not configured; every connection is then
// anonymous.
func NewHandler(hub *Hub, verifier *auth.Verifier, cfg config.RealtimeConfig, logger observability.Logger) *Handler {
	if logger == nil {
		logger = observability.NopLogger()
	}

	settings := connSettings{
		sendBuffer:   cfg.SendBuffer,
		maxFrameRate: cfg.MaxFrameRate,
		pingInterval: cfg.PingInterval.Duration(),
		writeTimeout: cfg.WriteTimeout.Duration(),
	}
	if settings.sendBuffer <= 0 {
		settings.sendBuffer = defaultSendBuffer
	}
	if settings.maxFrameRate <= 0 {
		settings.maxFrameRate = defaultMaxFrameRate
	}
	if settings.pingInterval <= 0 {
		settings.pingInterval = defaultPingInterval
	}
	if settings.writeTimeout <= 0 {
		settings.writeTimeout = defaultWriteTimeout
	}

	return &Handler{
		hub:      hub,
		verifier: verifier,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		settings: settings,
		logger:   logger,
	}
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity := auth.AnonymousIdentity()
	if h.verifier != nil {
		resolved, err := h.verifier.Authenticate(r)
		if err != nil {
			h.logger.Debug("handshake rejected", observability.Error(err))
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		identity = resolved
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		h.logger.Debug("websocket upgrade failed", observability.Error(err))
		return
	}

	c := newConnection(ws, identity, h.hub, h.settings, h.logger)
	h.hub.register(c)

	h.logger.Info("realtime connection opened",
		observability.String("connection", c.id),
		observability.String("subject", c.subject()),
		observability.String("remote", r.RemoteAddr))

	go c.writePump()
	go func() {
		start := time.Now()
		c.readPump()
		h.logger.Info("realtime connection closed",
			observability.String("connection", c.id),
			observability.Duration("lifetime", time.Since(start)))
	}()
}
