package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/socialdeskhq/socialdesk/internal/auth"
	"github.com/socialdeskhq/socialdesk/internal/fanout"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

// RealtimeHandler bridges the fanout hub onto dashboard websockets. Clients
// authenticate with the same JWT, passed as ?token= during the upgrade.
type RealtimeHandler struct {
	logger   *slog.Logger
	hub      *fanout.Hub
	upgrader websocket.Upgrader
}

func NewRealtimeHandler(log *slog.Logger, hub *fanout.Hub) *RealtimeHandler {
	return &RealtimeHandler{
		logger: log.With(slog.String("handler", "realtime")),
		hub:    hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The dashboard runs on a different origin in development.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (h *RealtimeHandler) Register(e *echo.Echo) {
	e.GET("/ws", h.Subscribe)
}

// audiencesFor maps a principal to its realtime audiences: admins get the
// global channel, operators their private channel plus the unclaimed pool.
func audiencesFor(id auth.Identity) []string {
	if id.IsAdmin() {
		return []string{fanout.AudienceAdmin}
	}
	return []string{fanout.OperatorAudience(id.OperatorID), fanout.AudienceUnclaimed}
}

func (h *RealtimeHandler) Subscribe(c echo.Context) error {
	id, err := auth.IdentityFromContext(c)
	if err != nil {
		return err
	}

	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	sub := h.hub.Subscribe(audiencesFor(id)...)
	h.logger.Info("subscriber connected",
		slog.String("subscriber", sub.ID()),
		slog.String("operator_id", id.OperatorID),
		slog.String("role", id.Role))

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Discard client frames; the socket is one-way. Reading is still
		// required so close and pong frames are processed.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		h.hub.Unsubscribe(sub)
		conn.Close()
		h.logger.Info("subscriber disconnected", slog.String("subscriber", sub.ID()))
	}()

	for {
		select {
		case data, ok := <-sub.C():
			if !ok {
				return nil
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return nil
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return nil
			}
		case <-done:
			return nil
		}
	}
}
