package events

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/ksred/klear-router/internal/auth"
	"github.com/ksred/klear-router/pkg/response"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Hub streams order events to websocket clients.
type Hub struct {
	bus      *Bus
	upgrader websocket.Upgrader
}

func NewHub(bus *Bus) *Hub {
	return &Hub{
		bus: bus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
}

// ServeWS upgrades the request and streams the caller's order events.
// Query parameter after replays outbox events with a greater ID first.
func (h *Hub) ServeWS() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, _ := c.Get("claims")
		account := auth.GetClientID(claims)
		if account == "" {
			response.Unauthorized(c, "Invalid client ID in token")
			return
		}

		var after uint64
		if v := c.Query("after"); v != "" {
			n, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				response.BadRequest(c, "after must be an event id")
				return
			}
			after = n
		}

		// Subscribe before the replay so no event falls between the two.
		sub := h.bus.Subscribe(account)
		defer sub.Close()

		conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Warn().Err(err).Str("account", account).Msg("websocket upgrade failed")
			return
		}
		defer conn.Close()

		logger := log.With().Str("account", account).Str("remote", c.ClientIP()).Logger()
		logger.Info().Msg("event stream connected")

		done := make(chan struct{})
		go func() {
			defer close(done)
			conn.SetReadLimit(512)
			_ = conn.SetReadDeadline(time.Now().Add(pongWait))
			conn.SetPongHandler(func(string) error {
				return conn.SetReadDeadline(time.Now().Add(pongWait))
			})
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		last := uint(after)
		if after > 0 {
			backlog, err := h.bus.Outbox().Since(account, last, 0)
			if err != nil {
				logger.Error().Err(err).Msg("failed to replay events")
				return
			}
			for i := range backlog {
				if err := writeJSON(conn, &backlog[i]); err != nil {
					return
				}
				last = backlog[i].ID
			}
		}

		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				logger.Info().Msg("event stream disconnected")
				return
			case <-c.Request.Context().Done():
				return
			case ev, ok := <-sub.Events():
				if !ok {
					_ = conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "subscriber too slow"),
						time.Now().Add(writeWait))
					return
				}
				if ev.ID != 0 && ev.ID <= last {
					continue
				}
				if err := writeJSON(conn, &ev); err != nil {
					logger.Warn().Err(err).Msg("event stream write failed")
					return
				}
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					return
				}
			}
		}
	}
}

func writeJSON(conn *websocket.Conn, v interface{}) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(v)
}

// ReplayHandler returns outbox events of the caller after an event id.
// Query parameters: after, limit
func (h *Hub) ReplayHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, _ := c.Get("claims")
		account := auth.GetClientID(claims)
		if account == "" {
			response.Unauthorized(c, "Invalid client ID in token")
			return
		}
		after, err := strconv.ParseUint(c.DefaultQuery("after", "0"), 10, 64)
		if err != nil {
			response.BadRequest(c, "after must be an event id")
			return
		}
		limit, err := strconv.Atoi(c.DefaultQuery("limit", "500"))
		if err != nil {
			response.BadRequest(c, "limit must be an integer")
			return
		}
		evs, err := h.bus.Outbox().Since(account, uint(after), limit)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.Success(c, evs)
	}
}
