// README: WebSocket endpoints: live ride feed and driver sessions for offers.
package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"tarhal/internal/events"
	"tarhal/internal/modules/notify"
	"tarhal/internal/modules/ride"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Clients are mobile apps; auth is the bearer token, not the origin.
	CheckOrigin: func(*http.Request) bool { return true },
}

type WSHandler struct {
	rides    *ride.Service
	bus      *events.Bus
	registry *notify.WSRegistry
	log      logrus.FieldLogger
}

func NewWSHandler(rides *ride.Service, bus *events.Bus, registry *notify.WSRegistry, log logrus.FieldLogger) *WSHandler {
	return &WSHandler{rides: rides, bus: bus, registry: registry, log: log}
}

// RideFeed streams the change feed of one ride to its customer or driver.
func (h *WSHandler) RideFeed(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	r, err := h.rides.Get(c.Request.Context(), id)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	if !canView(c, h.rides, r) {
		writeError(c, http.StatusForbidden, "forbidden")
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	feed, cancel := h.bus.Subscribe(id)
	defer cancel()
	defer conn.Close()

	closed := readUntilClosed(conn)
	if err := writeFrame(conn, notify.Envelope{Type: "ride_snapshot", Data: r}); err != nil {
		return
	}

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			return
		case e, ok := <-feed:
			if !ok {
				return
			}
			if err := writeFrame(conn, notify.Envelope{Type: string(e.Type), Data: e}); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

// DriverSession registers the driver's socket so offers and ride updates
// reach it alongside push notifications.
func (h *WSHandler) DriverSession(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	remove := h.registry.Add(notify.Recipient{Role: notify.RoleDriver, ID: id}, conn)
	defer remove()
	defer conn.Close()

	h.log.WithField("driver_id", id).Info("driver session opened")
	closed := readUntilClosed(conn)
	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			h.log.WithField("driver_id", id).Info("driver session closed")
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

// readUntilClosed drains client frames so pongs and close frames are
// processed; the returned channel closes when the connection ends.
func readUntilClosed(conn *websocket.Conn) <-chan struct{} {
	done := make(chan struct{})
	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	return done
}

func writeFrame(conn *websocket.Conn, v interface{}) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteJSON(v)
}
